// Package veto implements C8: the weighted objection engine. Enabled
// per-repo, it accumulates signals from two disjoint voter classes and
// gates ready-to-merge until the window closes clean or a maintainer
// overrides it.
package veto

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"sync"
	"time"
)

// VoterClass is one of the two disjoint classes a voter signs as.
type VoterClass string

const (
	ClassMining   VoterClass = "mining"
	ClassEconomic VoterClass = "economic"
)

// Signal is one accepted objection. VoterID and VotingPublicKey are always
// the derived child key, never a persistent identity, so a Signal is safe
// to persist as-is.
type Signal struct {
	VoterID         string     `json:"voter_id"`
	VoterClass      VoterClass `json:"voter_class"`
	WeightBasisPct  float64    `json:"weight_basis_pct"`
	VotingPublicKey string     `json:"voting_public_key"`
	DerivationPath  string     `json:"derivation_path,omitempty"`
	SignalIndex     int        `json:"signal_index"`
	SignatureBytes  string     `json:"signature_bytes"`
	PostedAt        time.Time  `json:"posted_at"`
}

// commitmentKey returns the (parent, signal_index) duplicate-detection key
// in hash-commitment form: the privacy rule requires duplicates be
// detected without ever recording the parent identity in the clear.
func commitmentKey(parentOrVoterID string, signalIndex int) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", parentOrVoterID, signalIndex)))
	return fmt.Sprintf("%x", h)
}

// CommitmentHashHex exposes commitmentKey to callers outside this package
// (the ingress layer's audit payload) that need to log the same dedup
// commitment without ever logging the subject it was computed from.
func CommitmentHashHex(subject string, signalIndex int) string {
	return commitmentKey(subject, signalIndex)
}

// Override records a maintainer's gate release. It does not erase signals,
// only their gating effect, and does not itself satisfy any other gate.
type Override struct {
	ByHandle string    `json:"by_handle"`
	At       time.Time `json:"at"`
}

// State is a per-change veto accounting window, grounded on the teacher's
// sliding-window aggregate risk accounting, here aggregating per-class
// weight instead of a single risk scalar.
type State struct {
	mu             sync.Mutex
	windowDays     int
	miningThreshold   float64
	economicThreshold float64
	clock          func() time.Time

	triggeredAt  *time.Time
	windowEndsAt *time.Time
	signals      []Signal
	seenCommits  map[string]bool
	override     *Override
}

// NewState constructs an empty veto window for one change. windowDays and
// the two class thresholds come from the change's RepoPolicy.
func NewState(windowDays int, miningThresholdPct, economicThresholdPct float64) *State {
	return &State{
		windowDays:        windowDays,
		miningThreshold:   miningThresholdPct,
		economicThreshold: economicThresholdPct,
		clock:             time.Now,
		seenCommits:       make(map[string]bool),
	}
}

// WithClock overrides the clock for deterministic tests.
func (s *State) WithClock(clock func() time.Time) *State {
	s.clock = clock
	return s
}

// AcceptSignal records a signal if it is not a duplicate. Duplicates are
// detected by (parent_or_voter, signal_index) equality in commitment form,
// so the persistent voter identity never needs to be recorded. The first
// accepted signal opens the window: window_ends_at = now + review_window_days.
func (s *State) AcceptSignal(sig Signal, commitmentSubject string) (accepted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := commitmentKey(commitmentSubject, sig.SignalIndex)
	if s.seenCommits[key] {
		return false
	}
	s.seenCommits[key] = true
	s.signals = append(s.signals, sig)

	if s.triggeredAt == nil {
		now := s.clock()
		s.triggeredAt = &now
		ends := now.AddDate(0, 0, s.windowDays)
		s.windowEndsAt = &ends
	}
	return true
}

// AggregateWeight sums weight_basis_pct of accepted signals for one class.
func (s *State) AggregateWeight(class VoterClass) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total float64
	for _, sig := range s.signals {
		if sig.VoterClass == class {
			total += sig.WeightBasisPct
		}
	}
	return total
}

// ThresholdExceeded reports whether either class has crossed its configured
// threshold — the condition for entering pending-veto-review.
func (s *State) ThresholdExceeded() bool {
	return s.AggregateWeight(ClassMining) >= s.miningThreshold ||
		s.AggregateWeight(ClassEconomic) >= s.economicThreshold
}

// WindowClosed reports whether the veto window has elapsed.
func (s *State) WindowClosed(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.windowEndsAt == nil {
		return true
	}
	return !now.Before(*s.windowEndsAt)
}

// Override releases the gating effect of an otherwise-exceeded threshold.
// It is logged by the caller (the engine emits the audit entry); State only
// tracks that an override happened and by whom.
func (s *State) Override(byHandle string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.override = &Override{ByHandle: byHandle, At: at}
}

// Snapshot is the durable form of a State: everything a restarted process
// needs to reconstruct the gate exactly as it stood, persisted inside the
// owning ChangeRecord. A veto threshold that was exceeded before a crash
// stays exceeded after it — the gate never silently reopens.
type Snapshot struct {
	WindowDays        int        `json:"window_days"`
	MiningThreshold   float64    `json:"mining_threshold_pct"`
	EconomicThreshold float64    `json:"economic_threshold_pct"`
	TriggeredAt       *time.Time `json:"triggered_at,omitempty"`
	WindowEndsAt      *time.Time `json:"window_ends_at,omitempty"`
	Signals           []Signal   `json:"signals,omitempty"`
	SeenCommitments   []string   `json:"seen_commitments,omitempty"`
	Override          *Override  `json:"maintainer_override,omitempty"`
}

// Snapshot captures the State for persistence. Commitment keys are sorted
// so structurally equal states always serialize identically.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		WindowDays:        s.windowDays,
		MiningThreshold:   s.miningThreshold,
		EconomicThreshold: s.economicThreshold,
		TriggeredAt:       s.triggeredAt,
		WindowEndsAt:      s.windowEndsAt,
		Signals:           append([]Signal(nil), s.signals...),
		Override:          s.override,
	}
	for key := range s.seenCommits {
		snap.SeenCommitments = append(snap.SeenCommitments, key)
	}
	sort.Strings(snap.SeenCommitments)
	return snap
}

// FromSnapshot reconstructs a live State from its persisted form.
func FromSnapshot(snap Snapshot) *State {
	s := NewState(snap.WindowDays, snap.MiningThreshold, snap.EconomicThreshold)
	s.triggeredAt = snap.TriggeredAt
	s.windowEndsAt = snap.WindowEndsAt
	s.signals = append([]Signal(nil), snap.Signals...)
	s.override = snap.Override
	for _, key := range snap.SeenCommitments {
		s.seenCommits[key] = true
	}
	return s
}

// GateOpen reports whether the change may proceed past the veto gate: no
// threshold has ever been exceeded, or a maintainer override is in effect.
// Override does not satisfy any other gate — callers must still separately
// check signatures, window, and links.
//
// Weight only accumulates (signals are never retracted), so once a class
// crosses its threshold the condition cannot un-trip on its own — the
// review window bounds how long objections may be *posted*, not whether an
// already-met threshold self-resolves. Use WindowClosed alongside GateOpen
// to distinguish the engine's pending-veto-review status (window still
// open) from vetoed (window elapsed, threshold still exceeded, no
// override) — both keep the gate shut; only an override reopens it.
func (s *State) GateOpen(now time.Time) bool {
	s.mu.Lock()
	override := s.override
	s.mu.Unlock()

	if override != nil {
		return true
	}
	return !s.ThresholdExceeded()
}
