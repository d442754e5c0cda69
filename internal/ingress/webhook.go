// Package ingress implements C10: translating forge webhooks into engine
// events, with shared-secret HMAC verification, forge-event-id
// deduplication, and comment-grammar parsing for the four author-facing
// commands (/governance-sign, /governance-veto, /governance-override,
// /emergency-activate).
package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcdecoded/govcore/internal/errs"
)

// EventKind enumerates the forge webhook kinds C10 understands.
type EventKind string

const (
	EventChangeOpened    EventKind = "change-opened"
	EventChangeUpdated   EventKind = "change-updated"
	EventCommentAdded    EventKind = "comment-added"
	EventReviewSubmitted EventKind = "review-submitted"
	EventDirectPush      EventKind = "direct-push"
	EventRuleRepoUpdated EventKind = "rule-repo-updated"

	// EventEmergencyExpiry is internal-only: the emergency timer emits it
	// through the same delivery path as a webhook when an activation
	// lapses. It is deliberately absent from KnownEventKind, so a forge
	// can never inject one from outside.
	EventEmergencyExpiry EventKind = "emergency-expiry"
)

// Envelope is the JSON body of every webhook delivery.
type Envelope struct {
	EventID      string          `json:"event_id"`
	EventKind    EventKind       `json:"event_kind"`
	Repository   string          `json:"repository"`
	ChangeNumber *int64          `json:"change_number,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

// VerifySignature checks X-Signature-256's HMAC-SHA256 over rawBody in
// constant time, so a timing side channel can't be used to guess the
// shared secret byte-by-byte.
func VerifySignature(sharedSecret, headerValue string, rawBody []byte) error {
	const prefix = "sha256="
	if len(headerValue) <= len(prefix) || headerValue[:len(prefix)] != prefix {
		return errs.New(errs.KindInvalidWebhookSignature, "missing sha256= prefix")
	}
	providedHex := headerValue[len(prefix):]
	provided, err := hex.DecodeString(providedHex)
	if err != nil {
		return errs.Wrap(errs.KindInvalidWebhookSignature, "malformed signature hex", err)
	}

	mac := hmac.New(sha256.New, []byte(sharedSecret))
	mac.Write(rawBody)
	expected := mac.Sum(nil)

	if !hmac.Equal(expected, provided) {
		return errs.New(errs.KindInvalidWebhookSignature, "signature does not match")
	}
	return nil
}

// ParseEnvelope decodes and validates the JSON envelope. Unknown event
// kinds are not an error here — §6 requires they be ignored but audited,
// which the caller does by checking Envelope.EventKind against the known
// set after a successful parse.
func ParseEnvelope(rawBody []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return nil, errs.Wrap(errs.KindParseError, "invalid webhook envelope json", err)
	}
	if env.EventID == "" {
		return nil, errs.New(errs.KindParseError, "event_id is required")
	}
	if env.Repository == "" {
		return nil, errs.New(errs.KindParseError, "repository is required")
	}
	return &env, nil
}

// KnownEventKind reports whether kind is one C10 actively routes.
func KnownEventKind(kind EventKind) bool {
	switch kind {
	case EventChangeOpened, EventChangeUpdated, EventCommentAdded, EventReviewSubmitted, EventDirectPush, EventRuleRepoUpdated:
		return true
	default:
		return false
	}
}

// UnknownEventErr builds the errs.Kind used when an event_kind falls
// outside KnownEventKind — still audited, per §4.10, just not acted on.
func UnknownEventErr(kind EventKind) error {
	return errs.New(errs.KindUnknownEvent, fmt.Sprintf("unknown event_kind %q", kind))
}
