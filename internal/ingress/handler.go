package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/btcdecoded/govcore/internal/audit"
	"github.com/btcdecoded/govcore/internal/change"
	"github.com/btcdecoded/govcore/internal/crypto"
	"github.com/btcdecoded/govcore/internal/engine"
	"github.com/btcdecoded/govcore/internal/forgeclient"
	"github.com/btcdecoded/govcore/internal/linker"
	"github.com/btcdecoded/govcore/internal/ruleset"
	"github.com/btcdecoded/govcore/internal/validator"
	"github.com/btcdecoded/govcore/internal/veto"
	"github.com/btcdecoded/govcore/internal/window"
)

// changeEventPayload is the payload shape for change-opened/change-updated
// webhook deliveries.
type changeEventPayload struct {
	Number       int64    `json:"number"`
	HeadRevision string   `json:"head_revision"`
	ChangedPaths []string `json:"changed_paths"`
	Tier         int      `json:"tier"`
	// State is the forge's own lifecycle word for the change: "open" (or
	// empty), "closed", or "merged". Closing and merging arrive as
	// change-updated deliveries carrying this field.
	State string `json:"state,omitempty"`
	// EquivalenceProof is the proposer's annotation referencing an
	// equivalence proof artifact, consumed by cross-layer rules of the
	// equivalence-proof-referenced kind.
	EquivalenceProof string `json:"equivalence_proof,omitempty"`
}

// commentEventPayload is the payload shape for comment-added deliveries.
type commentEventPayload struct {
	Number int64  `json:"number"`
	Author string `json:"author"`
	Body   string `json:"body"`
}

// Handler is the HTTP entrypoint for forge webhook deliveries: it verifies
// the shared-secret signature, deduplicates by event id, and drives the
// engine for every change-affecting event kind.
type Handler struct {
	Secret    string
	Seen      EventSeenStore
	AuditLog  *audit.Log
	Changes   *change.Store
	RuleStore *ruleset.Store
	Locker *change.Locker
	Engine *engine.Engine
	Logger *slog.Logger
	// Forge is optional: a nil Forge simply skips the outbound status
	// callback, useful for tests that don't stand up a forge double.
	Forge *forgeclient.Client
	// Expiry schedules the internal emergency-expiry event; nil disables
	// scheduling (tests that never activate emergency mode).
	Expiry *ExpiryScheduler
}

// reportStatus emits the change's new status back to the forge. Failures
// are logged, not propagated: a lost status callback must never cause the
// engine to re-evaluate or fail the webhook delivery that triggered it,
// since EmitStatus already dead-letters to the audit log on its own.
func (h *Handler) reportStatus(ctx context.Context, id change.ID, status change.Status) {
	if h.Forge == nil {
		return
	}
	payload := forgeclient.StatusPayload{Repo: id.Repo, Number: id.Number, Status: string(status)}
	h.enrichStatus(ctx, id, status, &payload)
	if err := h.Forge.EmitStatus(ctx, payload); err != nil {
		h.logger().ErrorContext(ctx, "forge status callback failed", "repo", id.Repo, "number", id.Number, "error", err)
	}
}

// enrichStatus fills the optional status-payload fields (signature
// progress, earliest merge instant and, for a pending-links change, every
// cross-layer rule target the change matches) from the persisted
// record. Enrichment is best-effort: a handler wired without stores (tests,
// partial deployments) still emits the bare state.
func (h *Handler) enrichStatus(ctx context.Context, id change.ID, status change.Status, out *forgeclient.StatusPayload) {
	if h.Changes == nil || h.RuleStore == nil {
		return
	}
	record, err := h.Changes.Get(ctx, id)
	if err != nil {
		return
	}
	rs := h.rulesetFor(record)
	if rs == nil {
		return
	}
	policy, ok := rs.RepoPolicyFor(id.Repo)
	if !ok {
		return
	}

	var sigs []validator.Signature
	for _, s := range record.EffectiveSignatures() {
		sigs = append(sigs, validator.Signature{
			SignerHandle:        s.SignerHandle,
			SignedMessageDigest: s.SignedMessageDigest,
			SignatureBytes:      s.SignatureBytes,
		})
	}
	if result, err := validator.Evaluate(rs, id.Repo, record.Layer, policy.Threshold, sigs); err == nil {
		out.Required = result.Required
		out.Current = result.Current
	}

	earliest := window.Compute(record.OpenedAt, policy.ReviewWindowDays,
		record.EffectiveEmergencyActive(time.Now().UTC()), policy.EmergencyReviewWindowDays)
	out.EarliestMergeAt = &earliest

	if status == change.StatusPendingLinks {
		ref := linker.ChangeRef{Repo: id.Repo, Number: id.Number, ChangedPaths: record.ChangedPaths}
		for _, rule := range linker.MatchingRules(rs, ref) {
			out.MissingLinks = append(out.MissingLinks, fmt.Sprintf("%s:%s", rule.TargetRepo, rule.TargetPathPattern))
		}
	}

	switch status {
	case change.StatusPendingSignatures:
		out.Summary = fmt.Sprintf("%d of %d required signatures", out.Current, out.Required)
	case change.StatusPendingReviewWindow:
		out.Summary = fmt.Sprintf("review window open until %s", earliest.Format(time.RFC3339))
	case change.StatusPendingLinks:
		out.Summary = "waiting on linked companion changes"
	case change.StatusPendingVetoReview:
		out.Summary = "objection threshold exceeded, veto review in progress"
	case change.StatusVetoed:
		out.Summary = "vetoed: objection threshold exceeded and review window elapsed"
	case change.StatusReadyToMerge:
		out.Summary = "all governance gates satisfied"
	}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// ServeHTTP implements C10's ingestion contract: verify, dedupe, route.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if err := VerifySignature(h.Secret, r.Header.Get("X-Signature-256"), body); err != nil {
		// Silent rejection: there is no trusted channel to reply on, but the
		// attempt itself is audited.
		if h.AuditLog != nil {
			_, _ = h.AuditLog.Append(ctx, audit.EventKind("invalid-webhook-signature"), r.RemoteAddr, struct {
				Reason string `json:"reason"`
			}{Reason: err.Error()})
		}
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	env, err := ParseEnvelope(body)
	if err != nil {
		if h.AuditLog != nil {
			_, _ = h.AuditLog.Append(ctx, audit.EventKind("parse-error"), r.RemoteAddr, struct {
				Reason string `json:"reason"`
			}{Reason: err.Error()})
		}
		http.Error(w, "invalid envelope", http.StatusBadRequest)
		return
	}

	alreadySeen, err := h.Seen.SeenOrRecord(ctx, env.EventID)
	if err != nil {
		http.Error(w, "dedup check failed", http.StatusInternalServerError)
		return
	}
	if alreadySeen {
		w.WriteHeader(http.StatusOK)
		return
	}

	if !KnownEventKind(env.EventKind) {
		_, _ = h.AuditLog.Append(ctx, audit.EventKind("unknown-event-ignored"), env.Repository, env)
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.route(ctx, env); err != nil {
		h.logger().ErrorContext(ctx, "webhook routing failed", "event_kind", env.EventKind, "repository", env.Repository, "error", err)
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// DeliverInternal injects an engine-originated event (an emergency-expiry
// tick) into the same dedup-and-route path webhook deliveries take, minus
// the HMAC check that only applies to bytes arriving over the network.
func (h *Handler) DeliverInternal(ctx context.Context, env *Envelope) {
	if h.Seen != nil {
		alreadySeen, err := h.Seen.SeenOrRecord(ctx, env.EventID)
		if err != nil || alreadySeen {
			return
		}
	}
	if err := h.route(ctx, env); err != nil {
		h.logger().ErrorContext(ctx, "internal event delivery failed", "event_kind", env.EventKind, "repository", env.Repository, "error", err)
	}
}

func (h *Handler) route(ctx context.Context, env *Envelope) error {
	switch env.EventKind {
	case EventChangeOpened, EventChangeUpdated:
		return h.handleChangeEvent(ctx, env)
	case EventCommentAdded:
		return h.handleComment(ctx, env)
	case EventReviewSubmitted, EventDirectPush, EventEmergencyExpiry:
		return h.handleReviewOrPush(ctx, env)
	case EventRuleRepoUpdated:
		return h.handleRuleRepoUpdated(ctx, env)
	default:
		return UnknownEventErr(env.EventKind)
	}
}

func changeIDKey(id change.ID) string { return fmt.Sprintf("%s#%d", id.Repo, id.Number) }

func (h *Handler) handleChangeEvent(ctx context.Context, env *Envelope) error {
	var p changeEventPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("ingress: decode change event payload: %w", err)
	}
	id := change.ID{Repo: env.Repository, Number: p.Number}

	lease, err := h.Locker.Acquire(ctx, changeIDKey(id))
	if err != nil {
		return fmt.Errorf("ingress: acquire lock: %w", err)
	}
	defer func() { _ = lease.Release(ctx) }()

	if record, err := h.Changes.Get(ctx, id); err != nil {
		rs := h.RuleStore.Snapshot()
		created := &change.Record{
			ID:                   id,
			OpenedAt:             time.Now().UTC(),
			Layer:                ruleset.Tier(p.Tier),
			HeadRevision:         p.HeadRevision,
			FrozenRuleSetVersion: versionOf(rs),
			ChangedPaths:         p.ChangedPaths,
			EquivalenceProof:     p.EquivalenceProof,
			Status:               change.StatusPendingSignatures,
		}
		if err := h.Changes.Upsert(ctx, created); err != nil {
			return fmt.Errorf("ingress: create change record: %w", err)
		}
	} else if p.EquivalenceProof != "" && record.EquivalenceProof != p.EquivalenceProof {
		record.EquivalenceProof = p.EquivalenceProof
		if err := h.Changes.Upsert(ctx, record); err != nil {
			return fmt.Errorf("ingress: update equivalence proof: %w", err)
		}
	}

	switch p.State {
	case "closed":
		if err := h.Engine.MarkClosed(ctx, id); err != nil {
			return err
		}
		h.reportStatus(ctx, id, change.StatusClosed)
		return nil
	case "merged":
		if err := h.Engine.MarkMerged(ctx, id); err != nil {
			return err
		}
		h.reportStatus(ctx, id, change.StatusMerged)
		return nil
	}

	status, err := h.Engine.Reconcile(ctx, id, p.HeadRevision, p.ChangedPaths, nil, nil)
	if err != nil {
		return err
	}
	h.reportStatus(ctx, id, status)
	return nil
}

// rulesetFor resolves the RuleSet a record's signatures and overrides are
// checked against: the frozen version when retained, else the snapshot.
func (h *Handler) rulesetFor(record *change.Record) *ruleset.RuleSet {
	if record.FrozenRuleSetVersion != "" {
		if frozen, ok := h.RuleStore.ByVersion(record.FrozenRuleSetVersion); ok {
			return frozen
		}
	}
	return h.RuleStore.Snapshot()
}

func versionOf(rs *ruleset.RuleSet) string {
	if rs == nil {
		return ""
	}
	return rs.VersionID
}

func (h *Handler) handleComment(ctx context.Context, env *Envelope) error {
	var p commentEventPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("ingress: decode comment payload: %w", err)
	}
	id := change.ID{Repo: env.Repository, Number: p.Number}

	lease, err := h.Locker.Acquire(ctx, changeIDKey(id))
	if err != nil {
		return fmt.Errorf("ingress: acquire lock: %w", err)
	}
	defer func() { _ = lease.Release(ctx) }()

	record, err := h.Changes.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("ingress: load change for comment: %w", err)
	}
	rs := h.rulesetFor(record)
	if rs == nil {
		return fmt.Errorf("ingress: no active ruleset")
	}

	switch {
	case isSignComment(p.Body):
		refused, err := h.applySignComment(ctx, record, rs, p)
		if err != nil {
			return err
		}
		if refused {
			// No state advanced, but the refusal still surfaces in the status
			// payload alongside the bot comment.
			h.reportStatus(ctx, id, record.Status)
			return nil
		}
	case isVetoComment(p.Body):
		if err := h.applyVetoComment(id, record, rs, p); err != nil {
			return err
		}
	case isOverrideComment(p.Body):
		if err := h.applyOverrideComment(ctx, id, record, rs, p); err != nil {
			return err
		}
	case isEmergencyComment(p.Body):
		if err := h.applyEmergencyComment(record, rs, p); err != nil {
			return err
		}
	default:
		// Not a recognized governance command; ordinary discussion comment,
		// nothing to do.
		return nil
	}

	if err := h.Changes.Upsert(ctx, record); err != nil {
		return fmt.Errorf("ingress: persist change after comment: %w", err)
	}
	status, err := h.Engine.Reconcile(ctx, id, record.HeadRevision, record.ChangedPaths, nil, nil)
	if err != nil {
		return err
	}
	h.reportStatus(ctx, id, status)
	return nil
}

func isSignComment(body string) bool {
	_, err := ParseSignComment(body)
	return err == nil
}

func isVetoComment(body string) bool {
	_, err := ParseVetoComment(body)
	return err == nil
}

func isEmergencyComment(body string) bool {
	_, err := ParseEmergencyComment(body)
	return err == nil
}

func isOverrideComment(body string) bool {
	_, err := ParseOverrideComment(body)
	return err == nil
}

// applySignComment records a /governance-sign signature, or refuses it with
// an author-facing bot comment when the signer is out of tier or the
// signature does not verify. Refusals are audited but never advance state;
// C5 re-checks whatever is recorded either way, so a refusal here is an
// early reply channel, not the authority on the count.
func (h *Handler) applySignComment(ctx context.Context, record *change.Record, rs *ruleset.RuleSet, p commentEventPayload) (refused bool, err error) {
	c, err := ParseSignComment(p.Body)
	if err != nil {
		return false, err
	}
	digest := crypto.MessageDigest(crypto.ChangeID{Repo: record.ID.Repo, Number: record.ID.Number}, record.HeadRevision, record.FrozenRuleSetVersion)

	maintainer, known := rs.MaintainerByHandle(p.Author)
	switch {
	case !known || !maintainer.Active || maintainer.Tier != record.Layer:
		return true, h.refuseSignature(ctx, record.ID, p.Author, "signer-out-of-tier",
			fmt.Sprintf("@%s is not an active tier-%d maintainer for this repository; signature not counted", p.Author, record.Layer))
	default:
		ok, verr := crypto.Verify(maintainer.PublicKey, c.SignatureHex, digest)
		if verr != nil || !ok {
			return true, h.refuseSignature(ctx, record.ID, p.Author, "signature-invalid",
				fmt.Sprintf("@%s the posted signature does not verify over the canonical message for head %s; signature not counted", p.Author, record.HeadRevision))
		}
	}

	record.Signatures = append(record.Signatures, change.SignatureRecord{
		SignerHandle:        p.Author,
		SignedMessageDigest: digest,
		SignatureBytes:      c.SignatureHex,
		PostedAt:            time.Now().UTC(),
		Reasoning:           c.Reason,
		HeadRevisionAtSign:  record.HeadRevision,
	})
	return false, nil
}

func (h *Handler) refuseSignature(ctx context.Context, id change.ID, author, kind, reply string) error {
	if h.AuditLog != nil {
		_, _ = h.AuditLog.Append(ctx, audit.EventKind("signature-refused"), changeIDKey(id), struct {
			Author string `json:"author"`
			Kind   string `json:"kind"`
		}{Author: author, Kind: kind})
	}
	if h.Forge != nil {
		if err := h.Forge.PostComment(ctx, id.Repo, id.Number, reply); err != nil {
			h.logger().ErrorContext(ctx, "refusal comment failed", "repo", id.Repo, "number", id.Number, "error", err)
		}
	}
	return nil
}

// applyOverrideComment releases the veto gate on a maintainer's signed
// override. The override clears only the veto gate — signatures, window,
// and links still apply — and the accumulated signals stay on record.
func (h *Handler) applyOverrideComment(ctx context.Context, id change.ID, record *change.Record, rs *ruleset.RuleSet, p commentEventPayload) error {
	c, err := ParseOverrideComment(p.Body)
	if err != nil {
		return err
	}
	maintainer, known := rs.MaintainerByHandle(p.Author)
	if !known || !maintainer.Active || maintainer.Tier != record.Layer {
		return fmt.Errorf("ingress: %s is not an active tier-%d maintainer, cannot override", p.Author, record.Layer)
	}
	digest := crypto.MessageDigest(crypto.ChangeID{Repo: record.ID.Repo, Number: record.ID.Number}, record.HeadRevision, record.FrozenRuleSetVersion)
	ok, err := crypto.Verify(maintainer.PublicKey, c.SignatureHex, digest)
	if err != nil {
		return fmt.Errorf("ingress: verify override signature: %w", err)
	}
	if !ok {
		return fmt.Errorf("ingress: override signature does not verify")
	}

	if record.VetoState == nil {
		// No signals have ever been posted; the gate is already open.
		return nil
	}
	state := veto.FromSnapshot(*record.VetoState)
	at := time.Now().UTC()
	state.Override(p.Author, at)
	snap := state.Snapshot()
	record.VetoState = &snap
	if h.AuditLog != nil {
		_, _ = h.AuditLog.Append(ctx, audit.EventVetoOverride, changeIDKey(id), struct {
			ByHandle string    `json:"by_handle"`
			At       time.Time `json:"at"`
		}{ByHandle: p.Author, At: at})
	}
	return nil
}

func (h *Handler) applyEmergencyComment(record *change.Record, rs *ruleset.RuleSet, p commentEventPayload) error {
	c, err := ParseEmergencyComment(p.Body)
	if err != nil {
		return err
	}
	var keyholder ruleset.EmergencyKeyholder
	found := false
	for _, k := range rs.EmergencyKeyholders {
		if k.Handle == p.Author && k.Active {
			keyholder = k
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("ingress: %s is not an active emergency keyholder", p.Author)
	}
	digest := crypto.MessageDigest(crypto.ChangeID{Repo: record.ID.Repo, Number: record.ID.Number}, record.HeadRevision, record.FrozenRuleSetVersion)
	ok, err := crypto.Verify(keyholder.PublicKey, c.SignatureHex, digest)
	if err != nil {
		return fmt.Errorf("ingress: verify emergency activation: %w", err)
	}
	if !ok {
		return fmt.Errorf("ingress: emergency activation signature does not verify")
	}

	alreadyCounted := false
	for _, handle := range record.EmergencyActivatedBy {
		if handle == p.Author {
			alreadyCounted = true
			break
		}
	}
	if !alreadyCounted {
		record.EmergencyActivatedBy = append(record.EmergencyActivatedBy, p.Author)
	}

	threshold := rs.MetaPolicy.EmergencyActivationThreshold.K
	if threshold < 1 {
		threshold = 1
	}
	// Activation takes effect the moment distinct keyholder signatures cross
	// threshold; re-crossing (e.g. after an expiry) resets the clock rather
	// than re-appending to an already-satisfied audit trail.
	if len(record.EmergencyActivatedBy) >= threshold && !record.EffectiveEmergencyActive(time.Now().UTC()) {
		record.EmergencyActive = true
		if rs.MetaPolicy.EmergencyActivationDurationDays > 0 {
			record.EmergencyExpiresAt = time.Now().UTC().AddDate(0, 0, rs.MetaPolicy.EmergencyActivationDurationDays)
		} else {
			record.EmergencyExpiresAt = time.Time{}
		}
		// The expiry is a scheduled internal event on the same ingress path
		// as a webhook — the timer, not a wall-clock read in a gate, is what
		// re-triggers evaluation when the activation lapses.
		if h.Expiry != nil && !record.EmergencyExpiresAt.IsZero() {
			h.Expiry.Schedule(record.ID, record.EmergencyExpiresAt)
		}
		if h.AuditLog != nil {
			_, _ = h.AuditLog.Append(context.Background(), audit.EventEmergencyActivated, changeIDKey(record.ID), struct {
				Signers   []string  `json:"signers"`
				ExpiresAt time.Time `json:"expires_at"`
			}{Signers: record.EmergencyActivatedBy, ExpiresAt: record.EmergencyExpiresAt})
		}
	}
	return nil
}

// vetoAuditPayload is the sanitized record of an accepted veto signal:
// §4.8 requires the persistent voter identity never be recorded, so the
// audit entry carries only the dedup commitment and the accounting fields
// — never VoterID, VotingPublicKey, DerivationPath, or SignatureBytes.
type vetoAuditPayload struct {
	Commitment string    `json:"commitment"`
	Class      string    `json:"class"`
	WeightPct  float64   `json:"weight_basis_pct"`
	PostedAt   time.Time `json:"posted_at"`
}

func (h *Handler) applyVetoComment(id change.ID, record *change.Record, rs *ruleset.RuleSet, p commentEventPayload) error {
	c, err := ParseVetoComment(p.Body)
	if err != nil {
		return err
	}
	policy, ok := rs.RepoPolicyFor(id.Repo)
	if !ok || !policy.VetoEnabled {
		return fmt.Errorf("ingress: veto not enabled for %s", id.Repo)
	}

	signalIndex := veto.SignalIndexFromPath(c.Path)
	digest := crypto.MessageDigest(crypto.ChangeID{Repo: record.ID.Repo, Number: record.ID.Number}, record.HeadRevision, record.FrozenRuleSetVersion)
	childPublicKeyHex, ok := veto.ResolveVoter(rs.ActiveVotingParentKeys(), c.Path, signalIndex, digest, c.SignatureHex)
	if !ok {
		return fmt.Errorf("ingress: veto signature does not verify as a derived child of any registered parent key")
	}

	var state *veto.State
	if record.VetoState != nil {
		state = veto.FromSnapshot(*record.VetoState)
	} else {
		state = veto.NewState(policy.VetoReviewDays, policy.MiningVetoThresholdPct, policy.EconomicVetoThresholdPct)
	}

	signal := veto.Signal{
		// VoterID is the derived, per-signal child key, never the forge
		// comment author — the engine must not record the persistent
		// identity behind a vote (§4.8).
		VoterID:         childPublicKeyHex,
		VoterClass:      veto.VoterClass(c.Class),
		WeightBasisPct:  float64(c.WeightBps) / 100,
		VotingPublicKey: childPublicKeyHex,
		DerivationPath:  c.Path,
		SignalIndex:     signalIndex,
		SignatureBytes:  c.SignatureHex,
		PostedAt:        time.Now().UTC(),
	}
	accepted := state.AcceptSignal(signal, childPublicKeyHex)
	// The state rides the record, so the caller's Upsert persists the gate
	// in the same write as the rest of the change.
	snap := state.Snapshot()
	record.VetoState = &snap
	if accepted && h.AuditLog != nil {
		_, _ = h.AuditLog.Append(context.Background(), audit.EventVetoSignalAccepted, changeIDKey(id), vetoAuditPayload{
			Commitment: veto.CommitmentHashHex(childPublicKeyHex, signalIndex),
			Class:      c.Class,
			WeightPct:  signal.WeightBasisPct,
			PostedAt:   signal.PostedAt,
		})
	}
	return nil
}

func (h *Handler) handleReviewOrPush(ctx context.Context, env *Envelope) error {
	var p changeEventPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("ingress: decode review/push payload: %w", err)
	}
	id := change.ID{Repo: env.Repository, Number: p.Number}

	lease, err := h.Locker.Acquire(ctx, changeIDKey(id))
	if err != nil {
		return fmt.Errorf("ingress: acquire lock: %w", err)
	}
	defer func() { _ = lease.Release(ctx) }()

	record, err := h.Changes.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("ingress: load change: %w", err)
	}
	status, err := h.Engine.Reconcile(ctx, id, record.HeadRevision, record.ChangedPaths, nil, nil)
	if err != nil {
		return err
	}
	h.reportStatus(ctx, id, status)
	return nil
}

// handleRuleRepoUpdated decodes a freshly pushed rule bundle and hands it to
// the rule store for validation and atomic swap.
func (h *Handler) handleRuleRepoUpdated(ctx context.Context, env *Envelope) error {
	var p struct {
		BundleYAML string `json:"bundle_yaml"`
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("ingress: decode rule-repo-updated payload: %w", err)
	}
	candidate, err := ruleset.ParseBundle([]byte(p.BundleYAML))
	if err != nil {
		return fmt.Errorf("ingress: parse rule bundle: %w", err)
	}
	return h.RuleStore.Reload(ctx, candidate)
}
