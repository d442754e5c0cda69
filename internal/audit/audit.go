// Package audit implements C4: a strictly append-only, hash-chained log of
// every decision and state transition the engine makes. It is the only
// durable record an operator can use to reconstruct, after the fact, why a
// change merged or didn't.
package audit

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/btcdecoded/govcore/internal/crypto"
	"github.com/btcdecoded/govcore/internal/errs"
)

var (
	// ErrChainBroken is returned by Verify when a stored entry's self_hash
	// does not match what its fields recompute to, or prev_hash does not
	// chain to the prior entry.
	ErrChainBroken = errors.New("audit: hash chain is broken")
	// ErrNotFound is returned when a requested sequence number does not exist.
	ErrNotFound = errors.New("audit: entry not found")
)

// EventKind enumerates the transition/decision classes the engine records.
// Every C9 transition, every accepted veto signal, every rule reload,
// every emergency activation/expiry, and every override produces exactly
// one entry tagged with one of these kinds.
type EventKind string

const (
	EventTransition         EventKind = "transition"
	EventVetoSignalAccepted EventKind = "veto-signal-accepted"
	EventVetoOverride       EventKind = "veto-override"
	EventRuleReloadAccepted EventKind = "rule-reload-accepted"
	EventRuleReloadRejected EventKind = "rule-reload-rejected"
	EventEmergencyActivated EventKind = "emergency-activated"
	EventEmergencyExpired   EventKind = "emergency-expired"
	EventLinkGroupPromoted  EventKind = "link-group-promoted"
	EventLinkGroupReverted  EventKind = "link-group-reverted"
)

// genesisHash is the prev_hash of the first entry ever appended.
var genesisHash = [32]byte{}

// Entry is a single immutable record in the log. self_hash binds every
// other field plus the previous entry's self_hash, so altering or
// reordering any entry is detectable by Verify.
type Entry struct {
	Seq           uint64
	PrevHash      [32]byte
	EventKind     EventKind
	Subject       string
	PayloadDigest string
	At            time.Time
	SelfHash      [32]byte
}

// selfHash computes self_hash by feeding prev_hash and the remaining fields
// (seq, event_kind, subject, payload_digest, at) through C1's chain_hash
// primitive. This binds every field plus the previous entry's self_hash,
// matching the invariant self_hash[seq] = prev_hash[seq+1].
func selfHash(seq uint64, prevHash [32]byte, kind EventKind, subject, payloadDigest string, at time.Time) [32]byte {
	fields := make([]byte, 8, 8+len(kind)+len(subject)+len(payloadDigest)+32)
	binary.BigEndian.PutUint64(fields, seq)
	fields = append(fields, []byte(kind)...)
	fields = append(fields, []byte(subject)...)
	fields = append(fields, []byte(payloadDigest)...)
	fields = append(fields, []byte(at.UTC().Format(time.RFC3339Nano))...)
	return crypto.ChainHash(prevHash[:], fields)
}

// Backend is the durable storage a Log writes through. Implementations must
// make Append atomic with respect to concurrent callers: two Append calls
// must never be assigned the same seq.
type Backend interface {
	// AppendLocked stores entry under a backend-level mutual-exclusion
	// guarantee (a DB transaction, an in-process mutex, etc.).
	AppendLocked(ctx context.Context, entry Entry) error
	// Tail returns the last appended entry, or (Entry{}, false, nil) if the
	// log is empty.
	Tail(ctx context.Context) (Entry, bool, error)
	// Range returns entries with fromSeq <= seq <= toSeq, ordered by seq.
	Range(ctx context.Context, fromSeq, toSeq uint64) ([]Entry, error)
}

// Log is the append-only, hash-chained audit log. Failure to append is
// fatal to the calling transition: per §4.4 the engine must refuse to emit
// a verdict whose transition it cannot durably record, so every Append
// error is wrapped as errs.KindAuditAppendFailed, which errs.Kind.Fatal
// reports true for.
type Log struct {
	backend Backend
}

// NewLog constructs a Log backed by the given durable Backend.
func NewLog(backend Backend) *Log {
	return &Log{backend: backend}
}

// Append records one event. payload is canonicalized and digested via C1's
// PayloadDigest so that payload_digest is independent of field ordering in
// the caller's struct.
func (l *Log) Append(ctx context.Context, kind EventKind, subject string, payload interface{}) (Entry, error) {
	digest, err := crypto.PayloadDigest(payload)
	if err != nil {
		return Entry{}, errs.Wrap(errs.KindAuditAppendFailed, "digest audit payload", err)
	}

	tail, ok, err := l.backend.Tail(ctx)
	if err != nil {
		return Entry{}, errs.Wrap(errs.KindAuditAppendFailed, "read chain tail", err)
	}
	prevHash := genesisHash
	nextSeq := uint64(1)
	if ok {
		prevHash = tail.SelfHash
		nextSeq = tail.Seq + 1
	}

	at := time.Now().UTC()
	entry := Entry{
		Seq:           nextSeq,
		PrevHash:      prevHash,
		EventKind:     kind,
		Subject:       subject,
		PayloadDigest: digest,
		At:            at,
	}
	entry.SelfHash = selfHash(entry.Seq, entry.PrevHash, entry.EventKind, entry.Subject, entry.PayloadDigest, entry.At)

	if err := l.backend.AppendLocked(ctx, entry); err != nil {
		return Entry{}, errs.Wrap(errs.KindAuditAppendFailed, "append audit entry", err)
	}
	return entry, nil
}

// Range returns entries fromSeq..toSeq inclusive.
func (l *Log) Range(ctx context.Context, fromSeq, toSeq uint64) ([]Entry, error) {
	return l.backend.Range(ctx, fromSeq, toSeq)
}

// Tail returns the most recently appended entry, or false if the log is
// empty. The evidence exporter uses this to bound its next bundle.
func (l *Log) Tail(ctx context.Context) (Entry, bool, error) {
	return l.backend.Tail(ctx)
}

// Verify recomputes every self_hash in [fromSeq, toSeq] and checks chain
// linkage. It returns the seq of the first broken entry, or 0 with no error
// if the range verifies cleanly.
func (l *Log) Verify(ctx context.Context, fromSeq, toSeq uint64) (brokenAt uint64, err error) {
	entries, err := l.backend.Range(ctx, fromSeq, toSeq)
	if err != nil {
		return 0, fmt.Errorf("audit: range for verify: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	expectedPrev := genesisHash
	if fromSeq > 1 {
		priors, err := l.backend.Range(ctx, fromSeq-1, fromSeq-1)
		if err != nil {
			return 0, fmt.Errorf("audit: fetch predecessor for verify: %w", err)
		}
		if len(priors) == 1 {
			expectedPrev = priors[0].SelfHash
		}
	}

	for _, e := range entries {
		if e.PrevHash != expectedPrev {
			return e.Seq, ErrChainBroken
		}
		computed := selfHash(e.Seq, e.PrevHash, e.EventKind, e.Subject, e.PayloadDigest, e.At)
		if computed != e.SelfHash {
			return e.Seq, ErrChainBroken
		}
		expectedPrev = e.SelfHash
	}
	return 0, nil
}

// SelfHashHex returns an entry's self_hash as lowercase hex, the form used
// in API responses and evidence bundle export.
func (e Entry) SelfHashHex() string { return hex.EncodeToString(e.SelfHash[:]) }

// PrevHashHex returns an entry's prev_hash as lowercase hex.
func (e Entry) PrevHashHex() string { return hex.EncodeToString(e.PrevHash[:]) }
