// Package change implements C3: the ChangeRecord store, the engine's
// central mutable entity. ChangeRecords are owned by the engine and
// mutated only via the state machine in internal/engine.
package change

import (
	"time"

	"github.com/btcdecoded/govcore/internal/ruleset"
	"github.com/btcdecoded/govcore/internal/veto"
)

// Status is the closed set of states a ChangeRecord can occupy.
type Status string

const (
	StatusPendingSignatures          Status = "pending-signatures"
	StatusPendingReviewWindow        Status = "pending-review-window"
	StatusPendingLinks               Status = "pending-links"
	StatusPendingVetoReview          Status = "pending-veto-review"
	StatusVetoed                     Status = "vetoed"
	StatusReadyToMerge               Status = "ready-to-merge"
	StatusMerged                     Status = "merged"
	StatusClosed                     Status = "closed"
	StatusSupersededByRuleSetReload  Status = "superseded-by-ruleset-reload"
)

// ID identifies a ChangeRecord by repo and forge-assigned number.
type ID struct {
	Repo   string
	Number int64
}

// SignatureRecord is one signature posted against a change. Invalidated
// signatures are retained (for audit) but excluded from the effective
// count once head_revision advances past the revision they were signed
// against.
type SignatureRecord struct {
	SignerHandle        string
	SignedMessageDigest [32]byte
	SignatureBytes      string
	PostedAt            time.Time
	Reasoning           string
	HeadRevisionAtSign  string
	Invalidated         bool
}

// Record is the central entity the state machine operates on.
type Record struct {
	ID                   ID
	OpenedAt             time.Time
	Layer                ruleset.Tier
	HeadRevision         string
	FrozenRuleSetVersion string
	Signatures           []SignatureRecord
	LinkedChanges        []ID
	EmergencyActive      bool
	// EmergencyActivatedBy accumulates the distinct handles of emergency
	// keyholders who have posted a verified /emergency-activate signature
	// for this change. EmergencyActive only flips to true once this set
	// reaches the ruleset's EmergencyActivationThreshold — a single
	// keyholder's comment is evidence, not activation.
	EmergencyActivatedBy []string
	// EmergencyExpiresAt is the hard expiry set when EmergencyActive last
	// turned on. Zero means no activation has ever crossed threshold.
	EmergencyExpiresAt time.Time
	// VetoState persists the objection gate with the record it gates. Nil
	// until the first accepted signal; a threshold exceeded before a
	// restart is still exceeded after one.
	VetoState *veto.Snapshot
	// EquivalenceProof is the proposer-annotated reference to an
	// equivalence proof artifact, consumed by cross-layer rules of the
	// equivalence-proof-referenced validation kind.
	EquivalenceProof string
	Status           Status
	ChangedPaths     []string
}

// EffectiveEmergencyActive reports whether emergency mode is in force right
// now: activated, and either expiry was never set or hasn't passed. An
// expired activation is not retroactively erased from EmergencyActivatedBy
// or EmergencyActive by this check alone — a transition recomputes and
// persists that; this is the pure read other components (C6, link-group
// readiness) consult without mutating anything.
func (r *Record) EffectiveEmergencyActive(now time.Time) bool {
	if !r.EmergencyActive {
		return false
	}
	if r.EmergencyExpiresAt.IsZero() {
		return true
	}
	return now.Before(r.EmergencyExpiresAt)
}

// EffectiveSignatures returns signatures still valid under the current
// head revision.
func (r *Record) EffectiveSignatures() []SignatureRecord {
	var out []SignatureRecord
	for _, s := range r.Signatures {
		if !s.Invalidated && s.HeadRevisionAtSign == r.HeadRevision {
			out = append(out, s)
		}
	}
	return out
}

// ReconcileHeadRevision marks every signature posted against a prior
// revision as invalidated. It does not remove them — they stay in the
// record for audit — only excludes them from the effective count.
func (r *Record) ReconcileHeadRevision(newHeadRevision string) {
	if newHeadRevision == r.HeadRevision {
		return
	}
	for i := range r.Signatures {
		if r.Signatures[i].HeadRevisionAtSign != newHeadRevision {
			r.Signatures[i].Invalidated = true
		}
	}
	r.HeadRevision = newHeadRevision
}
