// Package engine implements C9: the governance state machine that
// combines C5 (signatures), C6 (review window), C7 (link groups), and C8
// (veto gate) into one verdict per change, writing both the audit log and
// the change record store atomically with respect to cancellation.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/btcdecoded/govcore/internal/audit"
	"github.com/btcdecoded/govcore/internal/change"
	"github.com/btcdecoded/govcore/internal/errs"
	"github.com/btcdecoded/govcore/internal/linker"
	"github.com/btcdecoded/govcore/internal/observability"
	"github.com/btcdecoded/govcore/internal/ruleset"
	"github.com/btcdecoded/govcore/internal/validator"
	"github.com/btcdecoded/govcore/internal/veto"
	"github.com/btcdecoded/govcore/internal/window"
)

// Locker serializes transitions per change_id (see internal/change.Locker).
type Locker interface {
	Acquire(ctx context.Context, changeID string) (Lease, error)
}

// Lease is a held per-change lock.
type Lease interface {
	Release(ctx context.Context) error
}

// Stores bundles the collaborators the engine depends on. The unexported
// fields in Engine are all provided through this constructor argument so
// tests can substitute fakes.
type Stores struct {
	Changes   *change.Store
	Audit     *audit.Log
	RuleStore *ruleset.Store
	Locker    Locker
}

// Engine is the per-change governance state machine.
type Engine struct {
	stores   Stores
	observer *observability.Provider
}

// New constructs an Engine.
func New(stores Stores) *Engine {
	return &Engine{stores: stores}
}

// WithObserver attaches an observability provider; reconciliations
// recorded before this is called are simply unobserved, never an error.
func (e *Engine) WithObserver(p *observability.Provider) *Engine {
	e.observer = p
	return e
}

// SeenEvents deduplicates forge event ids so the state machine is
// idempotent under repeated delivery. A production deployment backs this
// with the same idempotency cache C10 uses; tests may use an in-memory set.
type SeenEvents interface {
	SeenOrRecord(ctx context.Context, eventID string) (alreadySeen bool, err error)
}

// Reconcile re-evaluates one change against the RuleSet version it froze to
// when it opened and the forge-reported head_revision, applying §4.9's five-step combination
// in order and persisting the result. Callers (C10's event handlers) must
// hold the change's lock (via Locker) for the duration of this call — the
// state machine itself does not acquire it, so it can be used both from
// locked and unlocked test harnesses.
func (e *Engine) Reconcile(ctx context.Context, id change.ID, headRevision string, changedPaths []string, candidates []linker.ChangeRef, kindEval *linker.KindEvaluator) (_ change.Status, reconcileErr error) {
	if e.observer != nil {
		var done func(error)
		ctx, done = e.observer.TrackReconcile(ctx, fmt.Sprintf("%s#%d", id.Repo, id.Number))
		defer func() { done(reconcileErr) }()
	}

	if e.stores.RuleStore.Snapshot() == nil {
		return "", errs.New(errs.KindInvariantViolation, "no active ruleset")
	}

	record, err := e.stores.Changes.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("engine: load change %s#%d: %w", id.Repo, id.Number, err)
	}
	if record.Status == change.StatusMerged || record.Status == change.StatusClosed {
		return record.Status, nil
	}

	// Evaluation runs against the RuleSet the change froze to when it
	// opened, never the latest one — a reload to V+1 changes nothing about
	// the threshold, window, or roster already-open changes are judged by.
	rs := e.rulesetFor(record)

	// Step 1: head_revision reconciliation drops signatures posted against
	// a stale revision before anything else is evaluated.
	record.ReconcileHeadRevision(headRevision)
	record.ChangedPaths = changedPaths

	policy, ok := rs.RepoPolicyFor(id.Repo)
	if !ok {
		return "", errs.New(errs.KindInvariantViolation, fmt.Sprintf("no repo_policy for %s", id.Repo))
	}

	if err := e.expireEmergencyIfDue(ctx, record); err != nil {
		return "", err
	}

	newStatus, err := e.evaluate(ctx, rs, record, policy, candidates, kindEval)
	if err != nil {
		return "", err
	}

	priorStatus := record.Status
	record.Status = newStatus

	// Two-phase: audit first, then persist. If persistence fails after the
	// audit append, the change is re-derived on restart from its inputs
	// (the forge is the source of truth) — never a partial, unaudited
	// transition.
	if newStatus != priorStatus {
		payload := struct {
			From change.Status `json:"from"`
			To   change.Status `json:"to"`
		}{From: priorStatus, To: newStatus}
		if _, err := e.stores.Audit.Append(ctx, audit.EventTransition, fmt.Sprintf("%s#%d", id.Repo, id.Number), payload); err != nil {
			return "", err
		}
		if e.observer != nil {
			e.observer.RecordAuditAppend(ctx, string(audit.EventTransition))
		}
	}

	if err := e.stores.Changes.Upsert(ctx, record); err != nil {
		return "", fmt.Errorf("engine: persist change %s#%d after transition: %w", id.Repo, id.Number, err)
	}

	return newStatus, nil
}

func (e *Engine) evaluate(ctx context.Context, rs *ruleset.RuleSet, record *change.Record, policy ruleset.RepoPolicy, candidates []linker.ChangeRef, kindEval *linker.KindEvaluator) (change.Status, error) {
	// Step 2: signatures.
	var sigs []validator.Signature
	for _, s := range record.EffectiveSignatures() {
		sigs = append(sigs, validator.Signature{
			SignerHandle:        s.SignerHandle,
			SignedMessageDigest: s.SignedMessageDigest,
			SignatureBytes:      s.SignatureBytes,
		})
	}
	sigResult, err := validator.Evaluate(rs, record.ID.Repo, record.Layer, policy.Threshold, sigs)
	if err != nil {
		return "", err
	}
	if sigResult.Outcome != validator.OutcomeSufficient {
		return change.StatusPendingSignatures, nil
	}

	// Step 3: review window.
	reviewWindow := policy.ReviewWindowDays
	emergencyWindow := policy.EmergencyReviewWindowDays
	emergencyActive := record.EffectiveEmergencyActive(time.Now().UTC())
	if !window.Ready(record.OpenedAt, reviewWindow, emergencyActive, emergencyWindow, time.Now().UTC()) {
		return change.StatusPendingReviewWindow, nil
	}

	// Step 4: link group. A matching CrossLayerRule requires a found,
	// validation-kind-satisfying companion before anything else; once every
	// rule has one, the change joins that companion's full connected
	// component (§9: link groups, not just pairs) and promotes or reverts
	// atomically with it, not merely in lockstep with its immediate
	// neighbor.
	if len(policy.SynchronizedWith) > 0 || hasCrossLayerRule(rs, record.ID.Repo) {
		ref := linker.ChangeRef{Repo: record.ID.Repo, Number: record.ID.Number, ChangedPaths: record.ChangedPaths, ReadyToMerge: e.gatesExceptLinks(rs, record, policy), EquivalenceProof: record.EquivalenceProof}
		rules := linker.MatchingRules(rs, ref)
		var directLinks []linker.Link
		for _, rule := range rules {
			candRefs := e.candidatesFor(ctx, rule.TargetRepo, candidates)
			companionLink, found := linker.FindCompanion(rule, candRefs, nil)
			if !found {
				return change.StatusPendingLinks, nil
			}
			if kindEval == nil {
				ev, err := linker.NewKindEvaluator()
				if err != nil {
					return change.StatusPendingLinks, nil
				}
				kindEval = ev
			}
			if kindEval != nil {
				src := map[string]interface{}{
					"changed_paths":     toAny(record.ChangedPaths),
					"ready_to_merge":    ref.ReadyToMerge,
					"equivalence_proof": record.EquivalenceProof,
				}
				comp := map[string]interface{}{
					"changed_paths":     toAny(companionLink.Companion.ChangedPaths),
					"ready_to_merge":    companionLink.Companion.ReadyToMerge,
					"equivalence_proof": companionLink.Companion.EquivalenceProof,
				}
				if !kindEval.Evaluate(rule, src, comp) {
					return change.StatusPendingLinks, nil
				}
			}
			if containsID(record.LinkedChanges, change.ID{Repo: companionLink.Companion.Repo, Number: companionLink.Companion.Number}) {
				companionLink.Confirmed = true
			}
			directLinks = append(directLinks, companionLink)
		}

		if len(directLinks) > 0 {
			group, err := linker.BuildGroup(ref, e.groupEdgesOf(ctx, record.ID, directLinks))
			if err != nil {
				return "", err
			}
			ready, err := e.syncLinkGroup(ctx, group, record.ID)
			if err != nil {
				return "", err
			}
			if !ready {
				return change.StatusPendingLinks, nil
			}
		}
	}

	// Step 5: veto gate. Weight only accumulates, so once a class crosses
	// its threshold the gate cannot reopen on its own — only an override
	// does. The window boundary only selects which closed-gate status is
	// shown: pending-veto-review while objections can still be posted,
	// vetoed once that window has elapsed without an override. The state
	// is persisted inside the record, so a restart changes nothing here.
	if policy.VetoEnabled && record.VetoState != nil {
		now := time.Now().UTC()
		vetoState := veto.FromSnapshot(*record.VetoState)
		if !vetoState.GateOpen(now) {
			if vetoState.WindowClosed(now) {
				return change.StatusVetoed, nil
			}
			return change.StatusPendingVetoReview, nil
		}
	}

	return change.StatusReadyToMerge, nil
}

// expireEmergencyIfDue clears a past-expiry emergency activation before the
// rest of evaluation runs, so step 3 never computes a review window against
// a flag that's nominally still "active" but has already lapsed. The expiry
// timer owns discovery: it injects the internal emergency-expiry event that
// brings a quiet change back through Reconcile, and this is the transition
// that records the lapse. The activated-by roster is left intact as a
// historical record; only the active flag and expiry are cleared, and a
// fresh threshold crossing starts a brand new window.
func (e *Engine) expireEmergencyIfDue(ctx context.Context, record *change.Record) error {
	now := time.Now().UTC()
	if !record.EmergencyActive || record.EffectiveEmergencyActive(now) {
		return nil
	}
	subject := fmt.Sprintf("%s#%d", record.ID.Repo, record.ID.Number)
	payload := struct {
		ExpiredAt time.Time `json:"expired_at"`
	}{ExpiredAt: record.EmergencyExpiresAt}
	if _, err := e.stores.Audit.Append(ctx, audit.EventEmergencyExpired, subject, payload); err != nil {
		return err
	}
	if e.observer != nil {
		e.observer.RecordAuditAppend(ctx, string(audit.EventEmergencyExpired))
	}
	record.EmergencyActive = false
	return nil
}

// rulesetFor resolves the RuleSet a record is evaluated under: its frozen
// version when this process has it retained, otherwise the active snapshot
// (a frozen version from before the last process restart re-derives from
// current rules; the forge's inputs are the source of truth either way).
func (e *Engine) rulesetFor(record *change.Record) *ruleset.RuleSet {
	if record.FrozenRuleSetVersion != "" {
		if frozen, ok := e.stores.RuleStore.ByVersion(record.FrozenRuleSetVersion); ok {
			return frozen
		}
	}
	return e.stores.RuleStore.Snapshot()
}

func hasCrossLayerRule(rs *ruleset.RuleSet, repo string) bool {
	for _, r := range rs.CrossLayerRules {
		if r.SourceRepo == repo || (r.Bidirectional && r.TargetRepo == repo) {
			return true
		}
	}
	return false
}

func containsID(haystack []change.ID, needle change.ID) bool {
	for _, id := range haystack {
		if id == needle {
			return true
		}
	}
	return false
}

// gatesExceptLinks reports whether record would be ready-to-merge ignoring
// the link-group gate — i.e. steps 2, 3, and 5 of §4.9, skipping step 4.
// Both the root change and every companion discovered while walking a link
// group's connected component need this same "ready but for its links"
// view: a group can only promote once every member independently clears
// its own signatures/window/veto gates.
func (e *Engine) gatesExceptLinks(rs *ruleset.RuleSet, record *change.Record, policy ruleset.RepoPolicy) bool {
	var sigs []validator.Signature
	for _, s := range record.EffectiveSignatures() {
		sigs = append(sigs, validator.Signature{
			SignerHandle:        s.SignerHandle,
			SignedMessageDigest: s.SignedMessageDigest,
			SignatureBytes:      s.SignatureBytes,
		})
	}
	sigResult, err := validator.Evaluate(rs, record.ID.Repo, record.Layer, policy.Threshold, sigs)
	if err != nil || sigResult.Outcome != validator.OutcomeSufficient {
		return false
	}
	if !window.Ready(record.OpenedAt, policy.ReviewWindowDays, record.EffectiveEmergencyActive(time.Now().UTC()), policy.EmergencyReviewWindowDays, time.Now().UTC()) {
		return false
	}
	if policy.VetoEnabled && record.VetoState != nil {
		if !veto.FromSnapshot(*record.VetoState).GateOpen(time.Now().UTC()) {
			return false
		}
	}
	return true
}

// resolveReadiness reports whether the change at (repo, number) is ready
// ignoring its own link gate. A closed change can never satisfy a
// companion requirement — the link is simply gone, not "not yet ready" —
// while a merged or already-ready change trivially counts as ready. A
// change this engine has no record of yet (an explicit candidate from a
// proposer annotation the store hasn't seen) falls back to what the
// caller asserted.
func (e *Engine) resolveReadiness(ctx context.Context, repo string, number int64, fallback bool) bool {
	rec, err := e.stores.Changes.Get(ctx, change.ID{Repo: repo, Number: number})
	if err != nil {
		return fallback
	}
	switch rec.Status {
	case change.StatusClosed:
		return false
	case change.StatusMerged, change.StatusReadyToMerge:
		return true
	}
	// A companion is judged under its own frozen rules, not the root
	// change's.
	frozen := e.rulesetFor(rec)
	policy, ok := frozen.RepoPolicyFor(repo)
	if !ok {
		return false
	}
	return e.gatesExceptLinks(frozen, rec, policy)
}

// candidatesFor assembles the companion search space for a rule targeting
// targetRepo: the event's own explicit candidates (e.g. a proposer's
// explicit annotation, or a maintainer-confirmed inferred link) plus every
// currently-open change in targetRepo (§4.7's inferred-link search), each
// with its ReadyToMerge field recomputed from the live store rather than
// trusted as given, and de-duplicated by change id.
func (e *Engine) candidatesFor(ctx context.Context, targetRepo string, explicit []linker.ChangeRef) []linker.ChangeRef {
	seen := make(map[string]bool)
	var out []linker.ChangeRef
	add := func(c linker.ChangeRef) {
		key := fmt.Sprintf("%s#%d", c.Repo, c.Number)
		if seen[key] {
			return
		}
		seen[key] = true
		c.ReadyToMerge = e.resolveReadiness(ctx, c.Repo, c.Number, c.ReadyToMerge)
		out = append(out, c)
	}

	for _, c := range explicit {
		if c.Repo == targetRepo {
			add(c)
		}
	}
	if open, err := e.stores.Changes.ListOpen(ctx, targetRepo); err == nil {
		for _, rec := range open {
			add(linker.ChangeRef{Repo: rec.ID.Repo, Number: rec.ID.Number, ChangedPaths: rec.ChangedPaths, EquivalenceProof: rec.EquivalenceProof})
		}
	}
	return out
}

// groupEdgesOf returns the edge function linker.BuildGroup walks to resolve
// a link group's full connected component. rootID's own direct links were
// already matched (and validation-kind-checked) by the caller against the
// event's candidate list; every other node's edges are recomputed here via
// candidatesFor, since a transitive companion is not necessarily part of
// the triggering event's candidate set.
func (e *Engine) groupEdgesOf(ctx context.Context, rootID change.ID, rootDirectLinks []linker.Link) func(linker.ChangeRef) []linker.Link {
	return func(c linker.ChangeRef) []linker.Link {
		if c.Repo == rootID.Repo && c.Number == rootID.Number {
			return rootDirectLinks
		}

		rec, err := e.stores.Changes.Get(ctx, change.ID{Repo: c.Repo, Number: c.Number})
		if err != nil || rec.Status == change.StatusClosed {
			return nil
		}
		ref := linker.ChangeRef{Repo: rec.ID.Repo, Number: rec.ID.Number, ChangedPaths: rec.ChangedPaths, EquivalenceProof: rec.EquivalenceProof}

		var links []linker.Link
		for _, rule := range linker.MatchingRules(e.rulesetFor(rec), ref) {
			candRefs := e.candidatesFor(ctx, rule.TargetRepo, nil)
			link, found := linker.FindCompanion(rule, candRefs, nil)
			if !found {
				continue
			}
			if containsID(rec.LinkedChanges, change.ID{Repo: link.Companion.Repo, Number: link.Companion.Number}) {
				link.Confirmed = true
			}
			links = append(links, link)
		}
		return links
	}
}

// syncLinkGroup persists the ready/not-ready outcome of a resolved link
// group across every member except rootID (whose own status/persist is
// handled by the caller's normal Reconcile flow). Promoting or reverting a
// companion here is its own two-phase transition — audit append before
// store persist — same as any other status change the engine makes.
func (e *Engine) syncLinkGroup(ctx context.Context, group *linker.Group, rootID change.ID) (bool, error) {
	ready := group.Ready()
	groupID := group.GroupID()

	for _, m := range group.Members {
		mid := change.ID{Repo: m.Repo, Number: m.Number}
		if mid == rootID {
			continue
		}

		rec, err := e.stores.Changes.Get(ctx, mid)
		if err != nil {
			continue
		}
		if rec.Status == change.StatusMerged || rec.Status == change.StatusClosed {
			continue
		}

		var newStatus change.Status
		switch {
		case ready:
			newStatus = change.StatusReadyToMerge
		case rec.Status == change.StatusReadyToMerge:
			newStatus = change.StatusPendingLinks
		default:
			continue
		}
		if rec.Status == newStatus {
			continue
		}

		eventKind := audit.EventLinkGroupReverted
		if ready {
			eventKind = audit.EventLinkGroupPromoted
		}
		payload := struct {
			From    change.Status `json:"from"`
			To      change.Status `json:"to"`
			GroupID string        `json:"group_id"`
		}{From: rec.Status, To: newStatus, GroupID: groupID}
		if _, err := e.stores.Audit.Append(ctx, eventKind, fmt.Sprintf("%s#%d", mid.Repo, mid.Number), payload); err != nil {
			return ready, err
		}
		if e.observer != nil {
			e.observer.RecordAuditAppend(ctx, string(eventKind))
		}

		rec.Status = newStatus
		if err := e.stores.Changes.Upsert(ctx, rec); err != nil {
			return ready, err
		}
	}

	return ready, nil
}

func toAny(paths []string) []interface{} {
	out := make([]interface{}, len(paths))
	for i, p := range paths {
		out[i] = p
	}
	return out
}

// MarkClosed records that the proposer or the forge closed the change.
// Closed is terminal: the record stays for audit but is never re-evaluated,
// and a closed change can no longer satisfy any companion-link requirement.
func (e *Engine) MarkClosed(ctx context.Context, id change.ID) error {
	record, err := e.stores.Changes.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("engine: load change for close: %w", err)
	}
	if record.Status == change.StatusClosed || record.Status == change.StatusMerged {
		return nil
	}

	payload := struct {
		From change.Status `json:"from"`
		To   change.Status `json:"to"`
	}{From: record.Status, To: change.StatusClosed}
	if _, err := e.stores.Audit.Append(ctx, audit.EventTransition, fmt.Sprintf("%s#%d", id.Repo, id.Number), payload); err != nil {
		return err
	}
	if e.observer != nil {
		e.observer.RecordAuditAppend(ctx, string(audit.EventTransition))
	}

	record.Status = change.StatusClosed
	return e.stores.Changes.Upsert(ctx, record)
}

// MarkMerged performs the one-shot, atomic ready-to-merge -> merged
// transition once the forge reports the merge occurred.
func (e *Engine) MarkMerged(ctx context.Context, id change.ID) error {
	record, err := e.stores.Changes.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("engine: load change for merge: %w", err)
	}
	if record.Status != change.StatusReadyToMerge {
		return errs.New(errs.KindInvariantViolation, fmt.Sprintf("change %s#%d merged from non-ready status %s", id.Repo, id.Number, record.Status))
	}

	subject := fmt.Sprintf("%s#%d", id.Repo, id.Number)
	payload := struct {
		From change.Status `json:"from"`
		To   change.Status `json:"to"`
	}{From: record.Status, To: change.StatusMerged}
	if _, err := e.stores.Audit.Append(ctx, audit.EventTransition, subject, payload); err != nil {
		return err
	}
	if e.observer != nil {
		e.observer.RecordAuditAppend(ctx, string(audit.EventTransition))
	}

	record.Status = change.StatusMerged
	return e.stores.Changes.Upsert(ctx, record)
}
