//go:build property
// +build property

// Package engine_test contains property-based tests for the signature
// validator, review-window timer, veto gate, and audit chain.
package engine_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/btcdecoded/govcore/internal/audit"
	"github.com/btcdecoded/govcore/internal/change"
	"github.com/btcdecoded/govcore/internal/crypto"
	"github.com/btcdecoded/govcore/internal/engine"
	"github.com/btcdecoded/govcore/internal/ruleset"
	"github.com/btcdecoded/govcore/internal/validator"
	"github.com/btcdecoded/govcore/internal/veto"
	"github.com/btcdecoded/govcore/internal/window"
)

// Property 2: monotonicity of signature count. Adding a valid signature
// from a maintainer not already counted never decreases the distinct valid
// signer count.
func TestPropertySignatureCountMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("adding a valid signer never decreases the effective count", prop.ForAll(
		func(n int) bool {
			n = 1 + n%6
			rs := &ruleset.RuleSet{}
			var sigs []validator.Signature
			changeRef := crypto.ChangeID{Repo: "acme/core", Number: 1}
			digest := crypto.MessageDigest(changeRef, "rev1", "1.0.0")

			prevCount := 0
			for i := 0; i < n; i++ {
				signer, err := crypto.NewSigner()
				if err != nil {
					return false
				}
				handle := handleFor(i)
				rs.Maintainers = append(rs.Maintainers, ruleset.Maintainer{
					Handle: handle, PublicKey: signer.PublicKeyHex(),
					Tier: ruleset.TierImplementation, Active: true, AddedAt: time.Now(),
				})
				sigHex, err := signer.SignDigest(digest)
				if err != nil {
					return false
				}
				sigs = append(sigs, validator.Signature{SignerHandle: handle, SignedMessageDigest: digest, SignatureBytes: sigHex})

				result, err := validator.Evaluate(rs, "acme/core", ruleset.TierImplementation, ruleset.Threshold{K: 1, N: n}, sigs)
				if err != nil {
					return false
				}
				if result.Current < prevCount {
					return false
				}
				prevCount = result.Current
			}
			return true
		},
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}

func handleFor(i int) string {
	letters := "abcdefghijklmnopqrstuvwxyz"
	return string(letters[i%len(letters)]) + string(rune('0'+i/len(letters)))
}

// Property 4: threshold exactness. sufficient iff distinct valid in-tier
// signers >= k.
func TestPropertyThresholdExactness(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("sufficient iff effective count >= k", prop.ForAll(
		func(signerCount, k int) bool {
			signerCount = signerCount % 8
			k = 1 + k%8

			rs := &ruleset.RuleSet{}
			var sigs []validator.Signature
			changeRef := crypto.ChangeID{Repo: "acme/core", Number: 1}
			digest := crypto.MessageDigest(changeRef, "rev1", "1.0.0")

			for i := 0; i < signerCount; i++ {
				signer, err := crypto.NewSigner()
				if err != nil {
					return false
				}
				handle := handleFor(i)
				rs.Maintainers = append(rs.Maintainers, ruleset.Maintainer{
					Handle: handle, PublicKey: signer.PublicKeyHex(),
					Tier: ruleset.TierImplementation, Active: true, AddedAt: time.Now(),
				})
				sigHex, err := signer.SignDigest(digest)
				if err != nil {
					return false
				}
				sigs = append(sigs, validator.Signature{SignerHandle: handle, SignedMessageDigest: digest, SignatureBytes: sigHex})
			}

			result, err := validator.Evaluate(rs, "acme/core", ruleset.TierImplementation, ruleset.Threshold{K: k, N: signerCount + 1}, sigs)
			if err != nil {
				return false
			}
			expectSufficient := result.Current >= k
			return (result.Outcome == validator.OutcomeSufficient) == expectSufficient
		},
		gen.IntRange(0, 100),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}

// Property 5: window sufficiency. now >= opened_at + effective_window iff
// window.Ready, where effective_window is the shorter of strict/emergency
// when emergency is active.
func TestPropertyWindowSufficiency(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("Ready matches the effective window boundary", prop.ForAll(
		func(baseDays, emergencyDays, elapsedDays int, emergencyActive bool) bool {
			baseDays = baseDays % 30
			emergencyDays = emergencyDays % 30
			elapsedDays = elapsedDays % 60

			opened := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			now := opened.AddDate(0, 0, elapsedDays)

			effectiveDays := baseDays
			if emergencyActive && emergencyDays < baseDays {
				effectiveDays = emergencyDays
			}
			expected := !now.Before(opened.AddDate(0, 0, effectiveDays))

			return window.Ready(opened, baseDays, emergencyActive, emergencyDays, now) == expected
		},
		gen.IntRange(0, 1000),
		gen.IntRange(0, 1000),
		gen.IntRange(0, 1000),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// Property 11: emergency non-retroactivity. RecomputeOnEmergencyExpiry only
// ever requires what the strict (non-emergency) window requires; it never
// un-does elapsed time, and a change ready under the strict window stays
// ready under it regardless of what emergency computed.
func TestPropertyEmergencyExpiryNeverLengthensPastStrictWindow(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("expiry recompute matches the strict window alone", prop.ForAll(
		func(baseDays, elapsedDays int) bool {
			baseDays = baseDays % 30
			elapsedDays = elapsedDays % 60

			opened := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			now := opened.AddDate(0, 0, elapsedDays)

			expected := window.Ready(opened, baseDays, false, 0, now)
			return window.RecomputeOnEmergencyExpiry(opened, baseDays, now) == expected
		},
		gen.IntRange(0, 1000),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}

// Property 10: veto override isolation. An override always opens the veto
// gate regardless of accumulated weight, but never by itself satisfies the
// signature gate — only GateOpen flips, the engine's signature/window/link
// steps are untouched.
func TestPropertyVetoOverrideAlwaysOpensGateButNeverSatisfiesSignatures(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("override opens the gate independent of weight, signatures stay ungated by it", prop.ForAll(
		func(miningWeight, economicWeight float64) bool {
			s := veto.NewState(7, 30, 30)
			s.AcceptSignal(veto.Signal{VoterID: "m1", VoterClass: veto.ClassMining, WeightBasisPct: miningWeight, SignalIndex: 0}, "m1")
			s.AcceptSignal(veto.Signal{VoterID: "e1", VoterClass: veto.ClassEconomic, WeightBasisPct: economicWeight, SignalIndex: 0}, "e1")

			now := time.Now()
			s.Override("maintainer", now)
			if !s.GateOpen(now) {
				return false
			}
			// The signature validator is independent of veto.State entirely;
			// an override cannot manufacture an effective signer.
			result, err := validator.Evaluate(&ruleset.RuleSet{}, "acme/core", ruleset.TierImplementation, ruleset.Threshold{K: 1, N: 1}, nil)
			if err != nil {
				return false
			}
			return result.Outcome == validator.OutcomeInsufficient
		},
		gen.Float64Range(0, 200),
		gen.Float64Range(0, 200),
	))

	properties.TestingRun(t)
}

// Property 6: audit chain integrity. For every appended entry i > 0,
// entry[i].PrevHash == entry[i-1].SelfHash.
func TestPropertyAuditChainIntegrity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("every entry's prev_hash equals the prior entry's self_hash", prop.ForAll(
		func(n int) bool {
			n = 1 + n%30
			ctx := context.Background()
			log := audit.NewLog(audit.NewMemoryBackend())

			for i := 0; i < n; i++ {
				if _, err := log.Append(ctx, audit.EventTransition, handleFor(i), map[string]int{"i": i}); err != nil {
					return false
				}
			}

			entries, err := log.Range(ctx, 1, uint64(n))
			if err != nil {
				return false
			}
			for i := 1; i < len(entries); i++ {
				if entries[i].PrevHash != entries[i-1].SelfHash {
					return false
				}
			}
			brokenAt, err := log.Verify(ctx, 1, uint64(n))
			return err == nil && brokenAt == 0
		},
		gen.IntRange(0, 50),
	))

	properties.TestingRun(t)
}

// Property 7: idempotence. Reconciling the same change twice with the same
// inputs produces the same status and appends no additional transition
// entry the second time.
func TestPropertyReconcileIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 10
	properties := gopter.NewProperties(parameters)

	properties.Property("reconciling an unchanged change twice is a no-op the second time", prop.ForAll(
		func(seed int) bool {
			ctx := context.Background()
			db, err := sql.Open("sqlite", ":memory:")
			if err != nil {
				return false
			}
			defer db.Close()

			changeStore, err := change.NewStore(ctx, db, audit.DialectSQLite)
			if err != nil {
				return false
			}
			auditLog := audit.NewLog(audit.NewMemoryBackend())
			ruleStore := ruleset.NewStore(auditLog)

			signer, err := crypto.NewSigner()
			if err != nil {
				return false
			}
			rs := &ruleset.RuleSet{
				VersionID: "1.0.0",
				Maintainers: []ruleset.Maintainer{
					{Handle: "alice", PublicKey: signer.PublicKeyHex(), Tier: ruleset.TierImplementation, Active: true, AddedAt: time.Now()},
				},
				RepoPolicies: []ruleset.RepoPolicy{
					{RepoName: "acme/core", Tier: ruleset.TierImplementation, Threshold: ruleset.Threshold{K: 1, N: 1}, ReviewWindowDays: 0},
				},
			}
			if err := ruleStore.Reload(ctx, rs); err != nil {
				return false
			}

			id := change.ID{Repo: "acme/core", Number: int64(1 + seed%1000)}
			changeRef := crypto.ChangeID{Repo: "acme/core", Number: id.Number}
			digest := crypto.MessageDigest(changeRef, "rev1", "1.0.0")
			sigHex, err := signer.SignDigest(digest)
			if err != nil {
				return false
			}

			if err := changeStore.Upsert(ctx, &change.Record{
				ID: id, OpenedAt: time.Now().UTC().AddDate(0, 0, -1), Layer: ruleset.TierImplementation,
				HeadRevision: "rev1", FrozenRuleSetVersion: "1.0.0", Status: change.StatusPendingSignatures,
				Signatures: []change.SignatureRecord{
					{SignerHandle: "alice", SignedMessageDigest: digest, SignatureBytes: sigHex, HeadRevisionAtSign: "rev1"},
				},
			}); err != nil {
				return false
			}

			e := engine.New(engine.Stores{Changes: changeStore, Audit: auditLog, RuleStore: ruleStore})

			status1, err := e.Reconcile(ctx, id, "rev1", nil, nil, nil)
			if err != nil {
				return false
			}
			tail1, _, err := auditLog.Tail(ctx)
			if err != nil {
				return false
			}
			status2, err := e.Reconcile(ctx, id, "rev1", nil, nil, nil)
			if err != nil {
				return false
			}
			tail2, _, err := auditLog.Tail(ctx)
			if err != nil {
				return false
			}
			return status1 == status2 && status1 == change.StatusReadyToMerge && tail2.Seq == tail1.Seq
		},
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
