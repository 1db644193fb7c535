// Package calllog wraps the record store's call-log tables with bounded
// retries. Log writes must never block or fail a live call: exhausted
// retries are counted and logged, then dropped.
package calllog

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shiftline/shiftline/internal/records"
)

const (
	maxAttempts = 3
	baseBackoff = 100 * time.Millisecond
)

// Writer persists call logs with bounded-retry semantics.
type Writer struct {
	records  records.Store
	logger   *slog.Logger
	failures atomic.Int64

	// sleep is swapped out in tests.
	sleep func(context.Context, time.Duration) error
}

// New returns a writer backed by the record store.
func New(rs records.Store, logger *slog.Logger) *Writer {
	return &Writer{
		records: rs,
		logger:  logger.With("subsystem", "calllog"),
		sleep:   sleepCtx,
	}
}

// Failures reports how many writes were dropped after exhausting
// retries, for the health metrics.
func (w *Writer) Failures() int64 {
	return w.failures.Load()
}

// Create inserts a log at call initiation. On persistent failure it
// returns nil and the call proceeds without a log row.
func (w *Writer) Create(ctx context.Context, log records.CallLog) *records.CallLog {
	var created *records.CallLog
	err := w.withRetry(ctx, func() error {
		var err error
		created, err = w.records.AppendCallLog(ctx, log)
		return err
	})
	if err != nil {
		w.failures.Add(1)
		w.logger.Error("dropping call log create", "sid", log.Sid, "error", err)
		return nil
	}
	return created
}

// Update applies the non-nil fields of upd to an existing log.
func (w *Writer) Update(ctx context.Context, logID string, upd records.CallLogUpdate) {
	if logID == "" {
		return
	}
	err := w.withRetry(ctx, func() error {
		err := w.records.UpdateCallLog(ctx, logID, upd)
		if err == records.ErrNotFound {
			// The row is gone; retrying cannot help.
			return nil
		}
		return err
	})
	if err != nil {
		w.failures.Add(1)
		w.logger.Error("dropping call log update", "log_id", logID, "error", err)
	}
}

// UpdateBySid resolves the log for a carrier SID and applies the update.
func (w *Writer) UpdateBySid(ctx context.Context, sid string, upd records.CallLogUpdate) {
	var log *records.CallLog
	err := w.withRetry(ctx, func() error {
		var err error
		log, err = w.records.CallLogBySid(ctx, sid)
		if err == records.ErrNotFound {
			log = nil
			return nil
		}
		return err
	})
	if err != nil {
		w.failures.Add(1)
		w.logger.Error("dropping call log update", "sid", sid, "error", err)
		return
	}
	if log == nil {
		w.logger.Warn("no call log for sid", "sid", sid)
		return
	}
	w.Update(ctx, log.ID, upd)
}

func (w *Writer) withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if serr := w.sleep(ctx, baseBackoff<<(attempt-1)); serr != nil {
				return serr
			}
		}
		if err = op(); err == nil {
			return nil
		}
	}
	return fmt.Errorf("after %d attempts: %w", maxAttempts, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
