package ingress

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/hkdf"

	"github.com/btcdecoded/govcore/internal/audit"
	"github.com/btcdecoded/govcore/internal/change"
	"github.com/btcdecoded/govcore/internal/crypto"
	"github.com/btcdecoded/govcore/internal/forgeclient"
	"github.com/btcdecoded/govcore/internal/ruleset"
	"github.com/btcdecoded/govcore/internal/veto"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignatureAcceptsValid(t *testing.T) {
	body := []byte(`{"event_id":"e1"}`)
	header := sign("shhh", body)
	require.NoError(t, VerifySignature("shhh", header, body))
}

func TestVerifySignatureRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"event_id":"e1"}`)
	header := sign("shhh", body)
	require.Error(t, VerifySignature("different", header, body))
}

func TestVerifySignatureRejectsTamperedBody(t *testing.T) {
	body := []byte(`{"event_id":"e1"}`)
	header := sign("shhh", body)
	require.Error(t, VerifySignature("shhh", header, []byte(`{"event_id":"e2"}`)))
}

func TestParseSignComment(t *testing.T) {
	c, err := ParseSignComment("/governance-sign abcd1234 --reason looks good")
	require.NoError(t, err)
	require.Equal(t, "abcd1234", c.SignatureHex)
	require.Equal(t, "looks good", c.Reason)
}

func TestParseSignCommentNoReason(t *testing.T) {
	c, err := ParseSignComment("/governance-sign abcd1234")
	require.NoError(t, err)
	require.Equal(t, "abcd1234", c.SignatureHex)
	require.Empty(t, c.Reason)
}

func TestParseVetoComment(t *testing.T) {
	c, err := ParseVetoComment("/governance-veto deadbeef --class mining --weight 500 --path m/0/1")
	require.NoError(t, err)
	require.Equal(t, "deadbeef", c.SignatureHex)
	require.Equal(t, "mining", c.Class)
	require.Equal(t, 500, c.WeightBps)
	require.Equal(t, "m/0/1", c.Path)
}

func TestParseVetoCommentRejectsBadWeight(t *testing.T) {
	_, err := ParseVetoComment("/governance-veto deadbeef --class mining --weight 99999 --path m/0/1")
	require.Error(t, err)
}

func TestParseEmergencyComment(t *testing.T) {
	c, err := ParseEmergencyComment("  \n /emergency-activate cafebabe")
	require.NoError(t, err)
	require.Equal(t, "cafebabe", c.SignatureHex)
}

func emergencySign(t *testing.T, signer *crypto.Signer, record *change.Record) string {
	t.Helper()
	digest := crypto.MessageDigest(crypto.ChangeID{Repo: record.ID.Repo, Number: record.ID.Number}, record.HeadRevision, record.FrozenRuleSetVersion)
	sigHex, err := signer.SignDigest(digest)
	require.NoError(t, err)
	return sigHex
}

func TestApplyEmergencyCommentRequiresThresholdBeforeActivating(t *testing.T) {
	h := &Handler{AuditLog: audit.NewLog(audit.NewMemoryBackend())}

	signerA, err := crypto.NewSigner()
	require.NoError(t, err)
	signerB, err := crypto.NewSigner()
	require.NoError(t, err)

	rs := &ruleset.RuleSet{
		VersionID: "1.0.0",
		EmergencyKeyholders: []ruleset.EmergencyKeyholder{
			{Handle: "alice", PublicKey: signerA.PublicKeyHex(), Active: true},
			{Handle: "bob", PublicKey: signerB.PublicKeyHex(), Active: true},
		},
		MetaPolicy: ruleset.MetaPolicy{
			EmergencyActivationThreshold:   ruleset.Threshold{K: 2, N: 2},
			EmergencyActivationDurationDays: 7,
		},
	}
	record := &change.Record{ID: change.ID{Repo: "acme/core", Number: 1}, HeadRevision: "rev1", FrozenRuleSetVersion: "1.0.0"}

	sigA := emergencySign(t, signerA, record)
	err = h.applyEmergencyComment(record, rs, commentEventPayload{Author: "alice", Body: fmt.Sprintf("/emergency-activate %s", sigA)})
	require.NoError(t, err)
	require.False(t, record.EmergencyActive, "single signer must not cross a 2-of-2 threshold")
	require.Equal(t, []string{"alice"}, record.EmergencyActivatedBy)

	sigB := emergencySign(t, signerB, record)
	err = h.applyEmergencyComment(record, rs, commentEventPayload{Author: "bob", Body: fmt.Sprintf("/emergency-activate %s", sigB)})
	require.NoError(t, err)
	require.True(t, record.EmergencyActive, "threshold reached, activation should engage")
	require.ElementsMatch(t, []string{"alice", "bob"}, record.EmergencyActivatedBy)
	require.False(t, record.EmergencyExpiresAt.IsZero())
	require.True(t, record.EffectiveEmergencyActive(time.Now().UTC()))
}

func TestApplyEmergencyCommentRejectsUnknownKeyholder(t *testing.T) {
	h := &Handler{AuditLog: audit.NewLog(audit.NewMemoryBackend())}
	rs := &ruleset.RuleSet{VersionID: "1.0.0"}
	record := &change.Record{ID: change.ID{Repo: "acme/core", Number: 1}, HeadRevision: "rev1", FrozenRuleSetVersion: "1.0.0"}

	err := h.applyEmergencyComment(record, rs, commentEventPayload{Author: "mallory", Body: "/emergency-activate cafebabe"})
	require.Error(t, err)
	require.False(t, record.EmergencyActive)
}

func TestApplyEmergencyCommentExpiryAllowsReactivation(t *testing.T) {
	h := &Handler{AuditLog: audit.NewLog(audit.NewMemoryBackend())}

	signer, err := crypto.NewSigner()
	require.NoError(t, err)
	rs := &ruleset.RuleSet{
		VersionID: "1.0.0",
		EmergencyKeyholders: []ruleset.EmergencyKeyholder{
			{Handle: "alice", PublicKey: signer.PublicKeyHex(), Active: true},
		},
		MetaPolicy: ruleset.MetaPolicy{
			EmergencyActivationThreshold:   ruleset.Threshold{K: 1, N: 1},
			EmergencyActivationDurationDays: 1,
		},
	}
	record := &change.Record{ID: change.ID{Repo: "acme/core", Number: 1}, HeadRevision: "rev1", FrozenRuleSetVersion: "1.0.0"}

	sigHex := emergencySign(t, signer, record)
	require.NoError(t, h.applyEmergencyComment(record, rs, commentEventPayload{Author: "alice", Body: fmt.Sprintf("/emergency-activate %s", sigHex)}))
	require.True(t, record.EmergencyActive)
	firstExpiry := record.EmergencyExpiresAt

	// A still-active activation re-signed by the same already-counted
	// keyholder must not reset the expiry clock.
	require.NoError(t, h.applyEmergencyComment(record, rs, commentEventPayload{Author: "alice", Body: fmt.Sprintf("/emergency-activate %s", sigHex)}))
	require.Equal(t, firstExpiry, record.EmergencyExpiresAt)

	// Once effectively expired, crossing threshold again starts a fresh window.
	record.EmergencyExpiresAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, h.applyEmergencyComment(record, rs, commentEventPayload{Author: "alice", Body: fmt.Sprintf("/emergency-activate %s", sigHex)}))
	require.True(t, record.EmergencyExpiresAt.After(time.Now().UTC().Add(23*time.Hour)))
}

// vetoChildSigner reconstructs the private scalar
// veto.DeriveChildPublicKeyHex derives from parentSecretHex, so tests can
// produce a signature a registered parent key actually vouches for.
func vetoChildSigner(t *testing.T, parentSecretHex, path string, signalIndex int) *crypto.Signer {
	t.Helper()
	parentSecret, err := hex.DecodeString(parentSecretHex)
	require.NoError(t, err)
	info := fmt.Sprintf("%s:%d", path, signalIndex)
	childScalar := make([]byte, 32)
	_, err = io.ReadFull(hkdf.New(sha256.New, parentSecret, nil, []byte(info)), childScalar)
	require.NoError(t, err)
	signer, err := crypto.NewSignerFromHex(hex.EncodeToString(childScalar))
	require.NoError(t, err)
	return signer
}

func vetoBaseRuleSet() *ruleset.RuleSet {
	return &ruleset.RuleSet{
		VersionID: "1.0.0",
		RepoPolicies: []ruleset.RepoPolicy{
			{
				RepoName:                 "acme/core",
				VetoEnabled:              true,
				VetoReviewDays:           7,
				MiningVetoThresholdPct:   30,
				EconomicVetoThresholdPct: 30,
			},
		},
		VotingParentKeys: []ruleset.VotingParentKey{
			{ID: "p1", SecretHex: "aabbccdd", Active: true},
		},
	}
}

func TestApplyVetoCommentAcceptsDerivedSignal(t *testing.T) {
	h := &Handler{AuditLog: audit.NewLog(audit.NewMemoryBackend())}
	rs := vetoBaseRuleSet()
	record := &change.Record{ID: change.ID{Repo: "acme/core", Number: 1}, HeadRevision: "rev1", FrozenRuleSetVersion: "1.0.0"}
	id := record.ID

	const path = "m/0/1"
	digest := crypto.MessageDigest(crypto.ChangeID{Repo: id.Repo, Number: id.Number}, record.HeadRevision, record.FrozenRuleSetVersion)
	signer := vetoChildSigner(t, "aabbccdd", path, 1)
	sigHex, err := signer.SignDigest(digest)
	require.NoError(t, err)

	body := fmt.Sprintf("/governance-veto %s --class mining --weight 3500 --path %s", sigHex, path)
	err = h.applyVetoComment(id, record, rs, commentEventPayload{Author: "someone-on-the-forge", Body: body})
	require.NoError(t, err)

	// The accepted signal is persisted on the record, not in process memory.
	require.NotNil(t, record.VetoState)
	state := veto.FromSnapshot(*record.VetoState)
	require.Equal(t, float64(35), state.AggregateWeight(veto.ClassMining))
}

func TestApplyVetoCommentRejectsForgedSignature(t *testing.T) {
	h := &Handler{AuditLog: audit.NewLog(audit.NewMemoryBackend())}
	rs := vetoBaseRuleSet()
	record := &change.Record{ID: change.ID{Repo: "acme/core", Number: 1}, HeadRevision: "rev1", FrozenRuleSetVersion: "1.0.0"}
	id := record.ID

	unregistered, err := crypto.NewSigner()
	require.NoError(t, err)
	digest := crypto.MessageDigest(crypto.ChangeID{Repo: id.Repo, Number: id.Number}, record.HeadRevision, record.FrozenRuleSetVersion)
	sigHex, err := unregistered.SignDigest(digest)
	require.NoError(t, err)

	body := fmt.Sprintf("/governance-veto %s --class mining --weight 3500 --path m/0/1", sigHex)
	err = h.applyVetoComment(id, record, rs, commentEventPayload{Author: "mallory", Body: body})
	require.Error(t, err)
	require.Nil(t, record.VetoState)
}

func TestApplyVetoCommentDoesNotRecordAuthorIdentity(t *testing.T) {
	h := &Handler{AuditLog: audit.NewLog(audit.NewMemoryBackend())}
	rs := vetoBaseRuleSet()
	record := &change.Record{ID: change.ID{Repo: "acme/core", Number: 1}, HeadRevision: "rev1", FrozenRuleSetVersion: "1.0.0"}
	id := record.ID

	const path = "m/0/2"
	digest := crypto.MessageDigest(crypto.ChangeID{Repo: id.Repo, Number: id.Number}, record.HeadRevision, record.FrozenRuleSetVersion)
	signer := vetoChildSigner(t, "aabbccdd", path, 2)
	sigHex, err := signer.SignDigest(digest)
	require.NoError(t, err)

	body := fmt.Sprintf("/governance-veto %s --class economic --weight 3500 --path %s", sigHex, path)
	require.NoError(t, h.applyVetoComment(id, record, rs, commentEventPayload{Author: "real-author-handle", Body: body}))

	require.NotNil(t, record.VetoState)
	state := veto.FromSnapshot(*record.VetoState)
	require.Equal(t, float64(35), state.AggregateWeight(veto.ClassEconomic))
	// The only identifier ever persisted is the derived child key, which
	// must never equal the forge comment author's handle.
	for _, sig := range record.VetoState.Signals {
		require.NotEqual(t, "real-author-handle", sig.VoterID)
		require.NotEqual(t, "real-author-handle", sig.VotingPublicKey)
	}
}

func TestApplyVetoCommentRejectsWrongSignalIndex(t *testing.T) {
	h := &Handler{AuditLog: audit.NewLog(audit.NewMemoryBackend())}
	rs := vetoBaseRuleSet()
	record := &change.Record{ID: change.ID{Repo: "acme/core", Number: 1}, HeadRevision: "rev1", FrozenRuleSetVersion: "1.0.0"}
	id := record.ID

	const path = "m/0/5"
	digest := crypto.MessageDigest(crypto.ChangeID{Repo: id.Repo, Number: id.Number}, record.HeadRevision, record.FrozenRuleSetVersion)
	// Sign under signal index 9 but post the comment with path .../5: the
	// derived child the engine checks against won't match this signature.
	signer := vetoChildSigner(t, "aabbccdd", path, 9)
	sigHex, err := signer.SignDigest(digest)
	require.NoError(t, err)

	body := fmt.Sprintf("/governance-veto %s --class mining --weight 3500 --path %s", sigHex, path)
	err = h.applyVetoComment(id, record, rs, commentEventPayload{Author: "mallory", Body: body})
	require.Error(t, err)
}

func TestParseOverrideComment(t *testing.T) {
	c, err := ParseOverrideComment("/governance-override beefcafe")
	require.NoError(t, err)
	require.Equal(t, "beefcafe", c.SignatureHex)

	_, err = ParseOverrideComment("/governance-override ")
	require.Error(t, err)
}

func TestApplyOverrideCommentReleasesVetoGate(t *testing.T) {
	h := &Handler{AuditLog: audit.NewLog(audit.NewMemoryBackend())}

	signer, err := crypto.NewSigner()
	require.NoError(t, err)
	rs := &ruleset.RuleSet{
		VersionID: "1.0.0",
		Maintainers: []ruleset.Maintainer{
			{Handle: "alice", PublicKey: signer.PublicKeyHex(), Tier: ruleset.TierApplication, Active: true},
		},
	}

	state := veto.NewState(7, 30, 30)
	state.AcceptSignal(veto.Signal{VoterID: "miner1", VoterClass: veto.ClassMining, WeightBasisPct: 35, SignalIndex: 0}, "miner1")
	require.False(t, state.GateOpen(time.Now().UTC()))
	snap := state.Snapshot()

	record := &change.Record{
		ID: change.ID{Repo: "acme/core", Number: 1}, Layer: ruleset.TierApplication,
		HeadRevision: "rev1", FrozenRuleSetVersion: "1.0.0",
		VetoState: &snap,
	}
	id := record.ID

	digest := crypto.MessageDigest(crypto.ChangeID{Repo: id.Repo, Number: id.Number}, record.HeadRevision, record.FrozenRuleSetVersion)
	sigHex, err := signer.SignDigest(digest)
	require.NoError(t, err)

	body := fmt.Sprintf("/governance-override %s", sigHex)
	require.NoError(t, h.applyOverrideComment(context.Background(), id, record, rs, commentEventPayload{Author: "alice", Body: body}))

	reloaded := veto.FromSnapshot(*record.VetoState)
	require.True(t, reloaded.GateOpen(time.Now().UTC()))
	// The signals stay on record; only the gating effect is released.
	require.Equal(t, float64(35), reloaded.AggregateWeight(veto.ClassMining))
}

func TestApplyOverrideCommentRejectsOutOfTierMaintainer(t *testing.T) {
	h := &Handler{}

	signer, err := crypto.NewSigner()
	require.NoError(t, err)
	rs := &ruleset.RuleSet{
		VersionID: "1.0.0",
		Maintainers: []ruleset.Maintainer{
			// Wrong tier for this change.
			{Handle: "alice", PublicKey: signer.PublicKeyHex(), Tier: ruleset.TierModule, Active: true},
		},
	}
	record := &change.Record{
		ID: change.ID{Repo: "acme/core", Number: 1}, Layer: ruleset.TierApplication,
		HeadRevision: "rev1", FrozenRuleSetVersion: "1.0.0",
	}

	digest := crypto.MessageDigest(crypto.ChangeID{Repo: record.ID.Repo, Number: record.ID.Number}, record.HeadRevision, record.FrozenRuleSetVersion)
	sigHex, err := signer.SignDigest(digest)
	require.NoError(t, err)

	err = h.applyOverrideComment(context.Background(), record.ID, record, rs, commentEventPayload{Author: "alice", Body: fmt.Sprintf("/governance-override %s", sigHex)})
	require.Error(t, err)
}

func TestApplySignCommentRefusesOutOfTierSigner(t *testing.T) {
	h := &Handler{AuditLog: audit.NewLog(audit.NewMemoryBackend())}

	signer, err := crypto.NewSigner()
	require.NoError(t, err)
	rs := &ruleset.RuleSet{
		VersionID: "1.0.0",
		Maintainers: []ruleset.Maintainer{
			{Handle: "alice", PublicKey: signer.PublicKeyHex(), Tier: ruleset.TierModule, Active: true},
		},
	}
	record := &change.Record{
		ID: change.ID{Repo: "acme/core", Number: 1}, Layer: ruleset.TierApplication,
		HeadRevision: "rev1", FrozenRuleSetVersion: "1.0.0",
	}

	digest := crypto.MessageDigest(crypto.ChangeID{Repo: record.ID.Repo, Number: record.ID.Number}, record.HeadRevision, record.FrozenRuleSetVersion)
	sigHex, err := signer.SignDigest(digest)
	require.NoError(t, err)

	refused, err := h.applySignComment(context.Background(), record, rs, commentEventPayload{Author: "alice", Body: fmt.Sprintf("/governance-sign %s", sigHex)})
	require.NoError(t, err)
	require.True(t, refused)
	require.Empty(t, record.Signatures, "a refused signature is never recorded on the change")
}

func TestApplySignCommentRecordsVerifiedSignature(t *testing.T) {
	h := &Handler{AuditLog: audit.NewLog(audit.NewMemoryBackend())}

	signer, err := crypto.NewSigner()
	require.NoError(t, err)
	rs := &ruleset.RuleSet{
		VersionID: "1.0.0",
		Maintainers: []ruleset.Maintainer{
			{Handle: "alice", PublicKey: signer.PublicKeyHex(), Tier: ruleset.TierApplication, Active: true},
		},
	}
	record := &change.Record{
		ID: change.ID{Repo: "acme/core", Number: 1}, Layer: ruleset.TierApplication,
		HeadRevision: "rev1", FrozenRuleSetVersion: "1.0.0",
	}

	digest := crypto.MessageDigest(crypto.ChangeID{Repo: record.ID.Repo, Number: record.ID.Number}, record.HeadRevision, record.FrozenRuleSetVersion)
	sigHex, err := signer.SignDigest(digest)
	require.NoError(t, err)

	refused, err := h.applySignComment(context.Background(), record, rs, commentEventPayload{Author: "alice", Body: fmt.Sprintf("/governance-sign %s --reason lgtm", sigHex)})
	require.NoError(t, err)
	require.False(t, refused)
	require.Len(t, record.Signatures, 1)
	require.Equal(t, "alice", record.Signatures[0].SignerHandle)
	require.Equal(t, "lgtm", record.Signatures[0].Reasoning)
}

func TestMemorySeenStoreDeduplicates(t *testing.T) {
	s := NewMemorySeenStore(time.Minute)
	ctx := context.Background()

	seen, err := s.SeenOrRecord(ctx, "evt-1")
	require.NoError(t, err)
	require.False(t, seen)

	seen, err = s.SeenOrRecord(ctx, "evt-1")
	require.NoError(t, err)
	require.True(t, seen)
}

func TestReportStatusNoOpWithoutForgeClient(t *testing.T) {
	h := &Handler{}
	// Must not panic: a nil Forge is a deliberate no-op, not a missing
	// dependency error, since tests and trial deployments may run without
	// a configured forge App.
	h.reportStatus(context.Background(), change.ID{Repo: "acme/core", Number: 1}, change.StatusReadyToMerge)
}

type fakeForgeDoer struct {
	lastBody []byte
}

func (f *fakeForgeDoer) Do(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		f.lastBody, _ = io.ReadAll(req.Body)
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(nil))}, nil
}

func TestReportStatusEmitsToForge(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	issuer := forgeclient.NewTokenIssuer("app-1", key)
	doer := &fakeForgeDoer{}
	client := forgeclient.New(doer, issuer, "https://forge.example", nil)

	h := &Handler{Forge: client}
	h.reportStatus(context.Background(), change.ID{Repo: "acme/core", Number: 7}, change.StatusReadyToMerge)

	require.Contains(t, string(doer.lastBody), `"repo":"acme/core"`)
	require.Contains(t, string(doer.lastBody), `"state":"ready-to-merge"`)
}
