// Package events is the provider-facing event bus: call handlers publish
// to a per-provider daily stream in the state store, and the operator
// portal consumes it over SSE.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shiftline/shiftline/internal/store"
)

// Event types published to provider streams.
const (
	TypeCallStarted     = "call_started"
	TypeCallEnded       = "call_ended"
	TypeAbsenceReported = "absence_reported"
	TypeShiftRescheduled = "shift_rescheduled"
	TypeShiftLeftOpen   = "shift_left_open"
	TypeShiftAccepted   = "shift_accepted"
	TypeShiftDeclined   = "shift_declined"
	TypeShiftUnfilled   = "unfilled"
	TypeCallerQueued    = "caller_queued"
	TypeTransferStarted = "transfer_started"
)

// streamRetention keeps at least a full day of events readable.
const streamRetention = 48 * time.Hour

// Bus publishes events onto per-provider daily streams.
type Bus struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewBus returns a bus writing through the given state store.
func NewBus(st *store.Store, logger *slog.Logger) *Bus {
	return &Bus{
		store:  st,
		logger: logger.With("subsystem", "events"),
		now:    time.Now,
	}
}

// Publish appends one event to the provider's stream for today (UTC).
// Publishing is best-effort from the caller's perspective: handlers log
// the returned error but never fail a call because of it.
func (b *Bus) Publish(ctx context.Context, providerID, eventType, callSid string, data map[string]any) error {
	if providerID == "" {
		return nil
	}
	now := b.now().UTC()
	dataJSON := "{}"
	if len(data) > 0 {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encoding event data: %w", err)
		}
		dataJSON = string(raw)
	}

	key := store.EventKey(providerID, now)
	_, err := b.store.StreamAppend(ctx, key, map[string]string{
		"eventType": eventType,
		"callSid":   callSid,
		"timestamp": now.Format(time.RFC3339),
		"dataJson":  dataJSON,
	})
	if err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	if err := b.store.StreamExpire(ctx, key, streamRetention); err != nil {
		b.logger.Warn("setting event stream retention", "key", key, "error", err)
	}
	return nil
}
