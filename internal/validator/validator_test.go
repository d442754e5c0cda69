package validator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/btcdecoded/govcore/internal/crypto"
	"github.com/btcdecoded/govcore/internal/ruleset"
)

func makeRuleSet(t *testing.T, handles ...string) (*ruleset.RuleSet, map[string]*crypto.Signer) {
	t.Helper()
	signers := make(map[string]*crypto.Signer, len(handles))
	rs := &ruleset.RuleSet{VersionID: "v1"}
	for _, h := range handles {
		s, err := crypto.NewSigner()
		require.NoError(t, err)
		signers[h] = s
		rs.Maintainers = append(rs.Maintainers, ruleset.Maintainer{
			Handle:    h,
			PublicKey: s.PublicKeyHex(),
			Tier:      ruleset.TierImplementation,
			Active:    true,
			AddedAt:   time.Now(),
		})
	}
	return rs, signers
}

func sign(t *testing.T, s *crypto.Signer, change crypto.ChangeID) Signature {
	t.Helper()
	digest := crypto.MessageDigest(change, "head1", "v1")
	sigHex, err := s.SignDigest(digest)
	require.NoError(t, err)
	return Signature{SignerHandle: "", SignedMessageDigest: digest, SignatureBytes: sigHex}
}

func TestEvaluateSufficient(t *testing.T) {
	rs, signers := makeRuleSet(t, "alice", "bob")
	change := crypto.ChangeID{Repo: "r", Number: 1}

	var sigs []Signature
	for _, h := range []string{"alice", "bob"} {
		s := sign(t, signers[h], change)
		s.SignerHandle = h
		sigs = append(sigs, s)
	}

	res, err := Evaluate(rs, "r", ruleset.TierImplementation, ruleset.Threshold{K: 2, N: 2}, sigs)
	require.NoError(t, err)
	require.Equal(t, OutcomeSufficient, res.Outcome)
	require.Equal(t, 2, res.Current)
}

func TestEvaluateInsufficient(t *testing.T) {
	rs, signers := makeRuleSet(t, "alice", "bob")
	change := crypto.ChangeID{Repo: "r", Number: 1}
	s := sign(t, signers["alice"], change)
	s.SignerHandle = "alice"

	res, err := Evaluate(rs, "r", ruleset.TierImplementation, ruleset.Threshold{K: 2, N: 2}, []Signature{s})
	require.NoError(t, err)
	require.Equal(t, OutcomeInsufficient, res.Outcome)
	require.Equal(t, 1, res.Current)
	require.Equal(t, 2, res.Required)
}

func TestEvaluateDuplicateSignerIsNoOpOnCount(t *testing.T) {
	// S6: a second signature from the same signer is accepted (no error)
	// but does not change the effective count, and does not block other
	// signers from being counted.
	rs, signers := makeRuleSet(t, "alice", "bob")
	change := crypto.ChangeID{Repo: "r", Number: 1}
	s1 := sign(t, signers["alice"], change)
	s1.SignerHandle = "alice"
	s2 := s1
	s3 := sign(t, signers["bob"], change)
	s3.SignerHandle = "bob"

	res, err := Evaluate(rs, "r", ruleset.TierImplementation, ruleset.Threshold{K: 2, N: 2}, []Signature{s1, s2, s3})
	require.NoError(t, err)
	require.Equal(t, OutcomeSufficient, res.Outcome)
	require.Equal(t, 2, res.Current)
	require.Equal(t, []string{"alice"}, res.DuplicateSigners)
}

func TestEvaluateInvalidSignerOutOfTierDoesNotBlockOthers(t *testing.T) {
	rs, signers := makeRuleSet(t, "alice", "bob")
	rs.Maintainers[0].Tier = ruleset.TierModule
	change := crypto.ChangeID{Repo: "r", Number: 1}
	sAlice := sign(t, signers["alice"], change)
	sAlice.SignerHandle = "alice"
	sBob := sign(t, signers["bob"], change)
	sBob.SignerHandle = "bob"

	res, err := Evaluate(rs, "r", ruleset.TierImplementation, ruleset.Threshold{K: 1, N: 2}, []Signature{sAlice, sBob})
	require.NoError(t, err)
	require.Equal(t, OutcomeSufficient, res.Outcome)
	require.Equal(t, 1, res.Current)
	require.Equal(t, []string{"alice"}, res.InvalidSigners)
}

func TestEvaluateRevokedSignerNeverCounts(t *testing.T) {
	rs, signers := makeRuleSet(t, "alice")
	rs.Maintainers[0].Active = false
	change := crypto.ChangeID{Repo: "r", Number: 1}
	s := sign(t, signers["alice"], change)
	s.SignerHandle = "alice"

	res, err := Evaluate(rs, "r", ruleset.TierImplementation, ruleset.Threshold{K: 1, N: 1}, []Signature{s})
	require.NoError(t, err)
	require.Equal(t, OutcomeInsufficient, res.Outcome)
	require.Equal(t, []string{"alice"}, res.InvalidSigners)
}
