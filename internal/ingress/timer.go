package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/btcdecoded/govcore/internal/change"
)

// ExpiryScheduler owns the emergency-expiry timers. An activation's expiry
// is a scheduled internal event delivered through the same path as a
// webhook, not a wall-clock comparison buried in the evaluation gates: when
// the timer fires, the affected change is re-reconciled exactly as if the
// forge had poked it, and the engine's transition records the expiry.
//
// Timers are process-local; on restart the service reschedules from the
// persisted records (Store.ListEmergencyActive), so a crash between
// activation and expiry loses nothing.
type ExpiryScheduler struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	deliver func(ctx context.Context, env *Envelope)
}

// NewExpiryScheduler builds a scheduler delivering fired events through
// deliver — in production, Handler.DeliverInternal.
func NewExpiryScheduler(deliver func(ctx context.Context, env *Envelope)) *ExpiryScheduler {
	return &ExpiryScheduler{timers: make(map[string]*time.Timer), deliver: deliver}
}

// Schedule arms (or re-arms) the expiry timer for one change. An expiry
// instant already in the past fires immediately — rehydration after a long
// outage must still deliver the lapsed activations.
func (s *ExpiryScheduler) Schedule(id change.ID, expiresAt time.Time) {
	key := fmt.Sprintf("%s#%d", id.Repo, id.Number)
	delay := time.Until(expiresAt)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.timers[key]; ok {
		prev.Stop()
	}
	s.timers[key] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, key)
		s.mu.Unlock()
		s.deliver(context.Background(), expiryEnvelope(id, expiresAt))
	})
}

// Stop cancels every pending timer; used on shutdown.
func (s *ExpiryScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}

// expiryEnvelope builds the internal event a fired timer delivers. The
// event id pins the expiry instant, so a re-armed activation (new expiry)
// produces a distinct id while redelivery of the same tick deduplicates.
func expiryEnvelope(id change.ID, expiresAt time.Time) *Envelope {
	payload, _ := json.Marshal(struct {
		Number int64 `json:"number"`
	}{Number: id.Number})
	return &Envelope{
		EventID:    fmt.Sprintf("emergency-expiry:%s#%d@%d", id.Repo, id.Number, expiresAt.Unix()),
		EventKind:  EventEmergencyExpiry,
		Repository: id.Repo,
		Payload:    payload,
	}
}
