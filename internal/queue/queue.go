// Package queue implements the per-provider hold queue on sorted sets:
// callers are scored by enqueue time, so rank is arrival order.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shiftline/shiftline/internal/store"
)

// Entry is one waiting caller. The serialized entry is the sorted-set
// member, so it must be stable for the lifetime of the wait.
type Entry struct {
	CallSid     string    `json:"callSid"`
	CallerPhone string    `json:"callerPhone"`
	CallerName  string    `json:"callerName,omitempty"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
	JobInfo     string    `json:"jobInfo,omitempty"`
}

// Engine manages provider hold queues.
type Engine struct {
	store       *store.Store
	logger      *slog.Logger
	avgCallSecs int
	now         func() time.Time
}

// New returns an engine estimating wait as position times avgCallSecs.
func New(st *store.Store, logger *slog.Logger, avgCallSecs int) *Engine {
	return &Engine{
		store:       st,
		logger:      logger.With("subsystem", "queue"),
		avgCallSecs: avgCallSecs,
		now:         time.Now,
	}
}

// Enqueue adds the caller and returns their 1-based position. Re-adding
// the same caller keeps one entry; their position is re-read either way.
func (e *Engine) Enqueue(ctx context.Context, providerID string, entry Entry) (int, error) {
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = e.now().UTC()
	}
	member, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("encoding queue entry: %w", err)
	}
	key := store.QueueKey(providerID)
	score := float64(entry.EnqueuedAt.UnixMilli())
	if err := e.store.ZAdd(ctx, key, string(member), score); err != nil {
		return 0, fmt.Errorf("enqueueing caller: %w", err)
	}
	rank, ok, err := e.store.ZRank(ctx, key, string(member))
	if err != nil {
		return 0, fmt.Errorf("reading queue position: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("queue entry vanished after enqueue")
	}
	position := int(rank) + 1
	e.logger.Info("caller enqueued", "provider", providerID, "call_sid", entry.CallSid, "position", position)
	return position, nil
}

// Dequeue pops the longest-waiting caller, or nil when the queue is
// empty.
func (e *Engine) Dequeue(ctx context.Context, providerID string) (*Entry, error) {
	member, ok, err := e.store.ZPopMin(ctx, store.QueueKey(providerID))
	if err != nil {
		return nil, fmt.Errorf("dequeueing caller: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var entry Entry
	if err := json.Unmarshal([]byte(member.Member), &entry); err != nil {
		return nil, fmt.Errorf("decoding queue entry: %w", err)
	}
	return &entry, nil
}

// Position returns the caller's current 1-based rank, or false if they
// are no longer queued.
func (e *Engine) Position(ctx context.Context, providerID, callSid string) (int, bool, error) {
	members, err := e.store.ZRange(ctx, store.QueueKey(providerID), 0, -1)
	if err != nil {
		return 0, false, fmt.Errorf("reading queue: %w", err)
	}
	for i, m := range members {
		var entry Entry
		if err := json.Unmarshal([]byte(m.Member), &entry); err != nil {
			continue
		}
		if entry.CallSid == callSid {
			return i + 1, true, nil
		}
	}
	return 0, false, nil
}

// Remove drops a caller from the queue, used when the carrier reports
// the call completed while still waiting.
func (e *Engine) Remove(ctx context.Context, providerID, callSid string) (bool, error) {
	key := store.QueueKey(providerID)
	members, err := e.store.ZRange(ctx, key, 0, -1)
	if err != nil {
		return false, fmt.Errorf("reading queue: %w", err)
	}
	for _, m := range members {
		var entry Entry
		if err := json.Unmarshal([]byte(m.Member), &entry); err != nil {
			continue
		}
		if entry.CallSid == callSid {
			removed, err := e.store.ZRem(ctx, key, m.Member)
			if err != nil {
				return false, fmt.Errorf("removing queue entry: %w", err)
			}
			if removed {
				e.logger.Info("caller left queue", "provider", providerID, "call_sid", callSid)
			}
			return removed, nil
		}
	}
	return false, nil
}

// Depth returns the number of waiting callers.
func (e *Engine) Depth(ctx context.Context, providerID string) (int, error) {
	n, err := e.store.ZCard(ctx, store.QueueKey(providerID))
	if err != nil {
		return 0, fmt.Errorf("reading queue depth: %w", err)
	}
	return int(n), nil
}

// EstimatedWait converts a 1-based position into a wait estimate.
func (e *Engine) EstimatedWait(position int) time.Duration {
	if position < 1 {
		return 0
	}
	return time.Duration(position*e.avgCallSecs) * time.Second
}
