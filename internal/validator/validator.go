// Package validator implements C5: reducing a ChangeRecord's signatures to
// a verdict against its frozen RuleSet's k-of-n threshold.
package validator

import (
	"github.com/btcdecoded/govcore/internal/crypto"
	"github.com/btcdecoded/govcore/internal/ruleset"
)

// Outcome is the closed set of verdicts C5 can produce.
type Outcome string

const (
	OutcomeInsufficient  Outcome = "insufficient"
	OutcomeSufficient    Outcome = "sufficient"
	OutcomeInvalidSigner Outcome = "invalid-signer"
	OutcomeDuplicateSigner Outcome = "duplicate-signer"
)

// Result carries the verdict plus the counters an audit payload wants.
//
// Outcome is always Insufficient or Sufficient: per §9 open question (i),
// duplicate-signer is a silent dedup, not a gate failure, and an
// out-of-tier/revoked signer simply doesn't contribute to the count — it
// never blocks evaluation of the remaining signatures. InvalidSigners and
// DuplicateSigners are reported so the ingress layer can still post the
// per-signer bot comment §7 requires without that report changing the
// threshold verdict itself.
type Result struct {
	Outcome          Outcome
	Current          int
	Required         int
	InvalidSigners   []string
	DuplicateSigners []string
}

// Signature is the subset of a SignatureRecord the validator needs.
type Signature struct {
	SignerHandle        string
	SignedMessageDigest [32]byte
	SignatureBytes      string
}

// Evaluate takes signatures already projected to those valid under the
// current head (callers pass Record.EffectiveSignatures), verifies each via
// C1, reduces to distinct signer handles, and compares
// the count of currently-active in-tier maintainers to the repo's (k,n)
// policy. Thresholds are k-of-n, never weighted: a revoked maintainer's
// signature never counts even if it was valid when posted, and a signature
// from a maintainer outside the change's tier never counts.
func Evaluate(rs *ruleset.RuleSet, repo string, tier ruleset.Tier, policy ruleset.Threshold, signatures []Signature) (Result, error) {
	seen := make(map[string]bool, len(signatures))
	effective := make(map[string]bool, len(signatures))
	var invalidSigners, duplicateSigners []string

	for _, sig := range signatures {
		maintainer, ok := rs.MaintainerByHandle(sig.SignerHandle)
		if !ok || maintainer.Tier != tier || !maintainer.Active {
			invalidSigners = append(invalidSigners, sig.SignerHandle)
			continue
		}

		ok2, err := crypto.Verify(maintainer.PublicKey, sig.SignatureBytes, sig.SignedMessageDigest)
		if err != nil {
			invalidSigners = append(invalidSigners, sig.SignerHandle)
			continue
		}
		if !ok2 {
			invalidSigners = append(invalidSigners, sig.SignerHandle)
			continue
		}

		if seen[sig.SignerHandle] {
			duplicateSigners = append(duplicateSigners, sig.SignerHandle)
			continue
		}
		seen[sig.SignerHandle] = true
		effective[sig.SignerHandle] = true
	}

	current := len(effective)
	outcome := OutcomeInsufficient
	if current >= policy.K {
		outcome = OutcomeSufficient
	}
	return Result{
		Outcome:          outcome,
		Current:          current,
		Required:         policy.K,
		InvalidSigners:   invalidSigners,
		DuplicateSigners: duplicateSigners,
	}, nil
}
