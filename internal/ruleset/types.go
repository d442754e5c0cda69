// Package ruleset implements C2: the process-wide, atomically-loaded
// governance rule snapshot. It holds the maintainer roster, per-repo
// policy, and cross-layer rules that every other component consults.
package ruleset

import "time"

// Tier groups repos/maintainers by governance layer. Lower tiers carry
// stricter thresholds: 1 is constitutional, 4 is module-level.
type Tier int

const (
	TierConstitutional Tier = 1
	TierImplementation Tier = 2
	TierApplication    Tier = 3
	TierModule         Tier = 4
)

// Maintainer is a signer eligible to satisfy a tier's signature threshold.
type Maintainer struct {
	Handle    string    `json:"handle" yaml:"handle"`
	PublicKey string    `json:"public_key" yaml:"public_key"`
	Tier      Tier      `json:"tier" yaml:"tier"`
	Active    bool      `json:"active" yaml:"active"`
	AddedAt   time.Time `json:"added_at" yaml:"added_at"`
}

// EmergencyKeyholder is authorized to co-sign an emergency activation.
// Disjoint in role from Maintainer though a handle may hold both.
type EmergencyKeyholder struct {
	Handle    string `json:"handle" yaml:"handle"`
	PublicKey string `json:"public_key" yaml:"public_key"`
	Active    bool   `json:"active" yaml:"active"`
}

// VotingParentKey is a registered secret a veto signer may prove
// hierarchical-derivation membership under (§4.8's "registered parent
// key"). Anyone holding the parent secret can compute and sign with a
// fresh, anonymous child key per (path, signal_index) without the engine
// ever learning which parent cast a given signal — only that it was a
// valid child of *some* active entry in this roster. Disjoint from
// Maintainer/EmergencyKeyholder: a parent key authorizes veto weight only,
// never a governance signature.
type VotingParentKey struct {
	ID        string `json:"id" yaml:"id"`
	SecretHex string `json:"secret_hex" yaml:"secret_hex"`
	Active    bool   `json:"active" yaml:"active"`
}

// Threshold is a k-of-n signature requirement. 1 <= K <= N.
type Threshold struct {
	K int `json:"k" yaml:"k"`
	N int `json:"n" yaml:"n"`
}

// RepoPolicy configures governance for one repository.
type RepoPolicy struct {
	RepoName               string   `json:"repo_name" yaml:"repo_name"`
	Tier                   Tier     `json:"tier" yaml:"tier"`
	Threshold              Threshold `json:"threshold" yaml:"threshold"`
	ReviewWindowDays       int      `json:"review_window_days" yaml:"review_window_days"`
	SynchronizedWith       []string `json:"synchronized_with,omitempty" yaml:"synchronized_with,omitempty"`
	VetoEnabled            bool     `json:"veto_enabled" yaml:"veto_enabled"`
	VetoReviewDays         int      `json:"veto_review_days,omitempty" yaml:"veto_review_days,omitempty"`
	MiningVetoThresholdPct float64  `json:"mining_veto_threshold_pct,omitempty" yaml:"mining_veto_threshold_pct,omitempty"`
	EconomicVetoThresholdPct float64 `json:"economic_veto_threshold_pct,omitempty" yaml:"economic_veto_threshold_pct,omitempty"`
	EmergencyReviewWindowDays int   `json:"emergency_review_window_days,omitempty" yaml:"emergency_review_window_days,omitempty"`
}

// ValidationKind enumerates how a CrossLayerRule's companion requirement is
// checked.
type ValidationKind string

const (
	ValidationCorrespondingFileExists   ValidationKind = "corresponding-file-exists"
	ValidationReferencesLatestVersion   ValidationKind = "references-latest-version"
	ValidationEquivalenceProofReferenced ValidationKind = "equivalence-proof-referenced"
)

// CrossLayerRule links changed paths in one repo to a required companion
// change in another. Rules compose into a directed graph over repos.
type CrossLayerRule struct {
	SourceRepo        string         `json:"source_repo" yaml:"source_repo"`
	SourcePathPattern string         `json:"source_path_pattern" yaml:"source_path_pattern"`
	TargetRepo        string         `json:"target_repo" yaml:"target_repo"`
	TargetPathPattern string         `json:"target_path_pattern" yaml:"target_path_pattern"`
	ValidationKind    ValidationKind `json:"validation_kind" yaml:"validation_kind"`
	ValidationExpr    string         `json:"validation_expr,omitempty" yaml:"validation_expr,omitempty"`
	Bidirectional     bool           `json:"bidirectional" yaml:"bidirectional"`
}

// MetaPolicy configures rules governing the rule store itself (who may
// reload, minimum notice, etc.) — kept opaque here; C2 validation only
// checks the fields it needs to reason about structurally.
type MetaPolicy struct {
	ReloadRequiresSignatures int `json:"reload_requires_signatures,omitempty" yaml:"reload_requires_signatures,omitempty"`

	// EmergencyActivationThreshold is the k-of-n count of distinct active
	// EmergencyKeyholder signatures a change needs before
	// /emergency-activate takes effect (S5: "5-of-7 keyholders"). N is
	// informational — the keyholder roster itself is EmergencyKeyholders —
	// only K gates activation.
	EmergencyActivationThreshold Threshold `json:"emergency_activation_threshold,omitempty" yaml:"emergency_activation_threshold,omitempty"`
	// EmergencyActivationDurationDays bounds an activation with a hard
	// expiry: activated_at + this many days. Emergency mode is never
	// indefinite.
	EmergencyActivationDurationDays int `json:"emergency_activation_duration_days,omitempty" yaml:"emergency_activation_duration_days,omitempty"`
}

// RuleSet is an atomically-loaded snapshot of all governance configuration.
// At most one RuleSet is active; changes already open stay frozen to the
// version active when they opened.
type RuleSet struct {
	VersionID           string               `json:"version_id" yaml:"version_id"`
	Maintainers         []Maintainer         `json:"maintainers" yaml:"maintainers"`
	EmergencyKeyholders []EmergencyKeyholder `json:"emergency_keyholders" yaml:"emergency_keyholders"`
	RepoPolicies        []RepoPolicy         `json:"repo_policies" yaml:"repo_policies"`
	CrossLayerRules     []CrossLayerRule     `json:"cross_layer_rules" yaml:"cross_layer_rules"`
	VotingParentKeys    []VotingParentKey    `json:"voting_parent_keys,omitempty" yaml:"voting_parent_keys,omitempty"`
	MetaPolicy          MetaPolicy           `json:"meta_policy" yaml:"meta_policy"`
}

// RepoPolicyFor returns the policy for a repo, or false if none is defined.
func (r *RuleSet) RepoPolicyFor(repo string) (RepoPolicy, bool) {
	for _, p := range r.RepoPolicies {
		if p.RepoName == repo {
			return p, true
		}
	}
	return RepoPolicy{}, false
}

// ActiveMaintainersInTier returns active maintainers belonging to tier.
func (r *RuleSet) ActiveMaintainersInTier(tier Tier) []Maintainer {
	var out []Maintainer
	for _, m := range r.Maintainers {
		if m.Tier == tier && m.Active {
			out = append(out, m)
		}
	}
	return out
}

// ActiveVotingParentKeys returns the registered parent keys a veto signal's
// derivation proof may be checked against.
func (r *RuleSet) ActiveVotingParentKeys() []VotingParentKey {
	var out []VotingParentKey
	for _, k := range r.VotingParentKeys {
		if k.Active {
			out = append(out, k)
		}
	}
	return out
}

// MaintainerByHandle looks up a maintainer regardless of tier/active state;
// callers check Tier/Active themselves since both matter independently
// for C5's invalid-signer / duplicate-signer classification.
func (r *RuleSet) MaintainerByHandle(handle string) (Maintainer, bool) {
	for _, m := range r.Maintainers {
		if m.Handle == handle {
			return m, true
		}
	}
	return Maintainer{}, false
}
