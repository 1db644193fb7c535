package wave

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shiftline/shiftline/internal/calllog"
	"github.com/shiftline/shiftline/internal/carrier"
	"github.com/shiftline/shiftline/internal/events"
	"github.com/shiftline/shiftline/internal/records"
	"github.com/shiftline/shiftline/internal/store"
)

// Config tunes the scheduler.
type Config struct {
	Rounds        int
	Backoff       []time.Duration // delay before each round; index round-1
	Concurrency   int             // simultaneous wave dispatches
	MaxPerRound   int             // employees dialed per round
	DialTimeout   int             // seconds the carrier rings an employee
	FinalizeDelay time.Duration   // grace after the last round before abandoning
	PublicBaseURL string
	FromNumber    string
}

// Scheduler runs outbound dialing waves for unfilled occurrences.
type Scheduler struct {
	cfg     Config
	store   *store.Store
	records records.Store
	caller  carrier.Caller
	bus     *events.Bus
	logs    *calllog.Writer
	logger  *slog.Logger
	now     func() time.Time

	jobs chan job
	wg   sync.WaitGroup

	// afterFunc is swapped out in tests to run delayed jobs inline.
	afterFunc func(time.Duration, func()) stopper
}

type stopper interface{ Stop() bool }

type job struct {
	occurrenceID string
	round        int
	finalize     bool
}

// New returns a scheduler; call Run to start its workers.
func New(cfg Config, st *store.Store, rs records.Store, caller carrier.Caller, bus *events.Bus, logs *calllog.Writer, logger *slog.Logger) *Scheduler {
	if cfg.MaxPerRound <= 0 {
		cfg.MaxPerRound = 3
	}
	if cfg.FinalizeDelay <= 0 {
		cfg.FinalizeDelay = time.Minute
	}
	return &Scheduler{
		cfg:     cfg,
		store:   st,
		records: rs,
		caller:  caller,
		bus:     bus,
		logs:    logs,
		logger:  logger.With("subsystem", "wave"),
		now:     time.Now,
		jobs:    make(chan job, 64),
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
}

// Run consumes dispatch jobs until the context is canceled. Worker count
// bounds how many waves dispatch simultaneously.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case j := <-s.jobs:
					if j.finalize {
						s.finalize(ctx, j.occurrenceID)
					} else {
						s.dispatchRound(ctx, j.occurrenceID, j.round)
					}
				}
			}
		})
	}
	return g.Wait()
}

// Schedule starts a wave for an unfilled occurrence. The first round
// honours the configured round-1 backoff (normally immediate).
func (s *Scheduler) Schedule(occurrenceID string) {
	s.scheduleRound(occurrenceID, 1)
}

func (s *Scheduler) scheduleRound(occurrenceID string, round int) {
	delay := time.Duration(0)
	if round-1 < len(s.cfg.Backoff) {
		delay = s.cfg.Backoff[round-1]
	}
	s.enqueueAfter(job{occurrenceID: occurrenceID, round: round}, delay)
}

func (s *Scheduler) enqueueAfter(j job, delay time.Duration) {
	if delay <= 0 {
		s.jobs <- j
		return
	}
	s.afterFunc(delay, func() { s.jobs <- j })
}

// dispatchRound dials up to MaxPerRound eligible employees for one
// occurrence. The store-level conditional set guarantees at most one
// dispatched wave per occurrence.
func (s *Scheduler) dispatchRound(ctx context.Context, occurrenceID string, round int) {
	logger := s.logger.With("occurrence", occurrenceID, "round", round)

	occ, err := s.records.OccurrenceByID(ctx, occurrenceID)
	if err != nil {
		logger.Error("loading occurrence", "error", err)
		return
	}
	if occ.Status != records.OccurrenceUnfilled {
		logger.Info("occurrence no longer unfilled, wave stops", "status", occ.Status)
		return
	}

	// One dispatched wave per occurrence at a time.
	ok, err := s.store.SetNX(ctx, store.WaveKey(occurrenceID)+":dispatching", []byte("1"), 5*time.Minute)
	if err != nil {
		logger.Error("acquiring wave mutex", "error", err)
		return
	}
	if !ok {
		logger.Warn("wave already dispatching, skipping round")
		return
	}
	defer func() {
		if err := s.store.Del(ctx, store.WaveKey(occurrenceID)+":dispatching"); err != nil {
			logger.Warn("releasing wave mutex", "error", err)
		}
	}()

	rec, err := loadRecord(ctx, s.store, occurrenceID)
	if err != nil {
		logger.Error("loading wave record", "error", err)
		return
	}
	if rec == nil {
		rec = &Record{OccurrenceID: occurrenceID}
	}
	if rec.Status == StatusCompleted || rec.Status == StatusAbandoned {
		return
	}
	rec.WaveNumber = round
	rec.ScheduledAt = s.now().UTC()
	rec.Status = StatusDispatched

	pool, err := s.records.EmployeesForProvider(ctx, occ.ProviderID)
	if err != nil {
		logger.Error("loading employee pool", "error", err)
		return
	}

	dialed := 0
	for _, emp := range pool {
		if dialed >= s.cfg.MaxPerRound {
			break
		}
		// Skip the employee who released the shift and anyone already
		// dialed in a prior round.
		if emp.ID == occ.EmployeeID || rec.attempted(emp.ID) || emp.Phone == "" {
			continue
		}
		attempt := Attempt{EmployeeID: emp.ID, At: s.now().UTC()}
		sid, err := s.dialEmployee(ctx, occ, emp, round)
		if err != nil {
			logger.Warn("dialing employee", "employee", emp.ID, "error", err)
			attempt.Outcome = OutcomeFailed
		} else {
			attempt.CallSid = sid
		}
		rec.Attempts = append(rec.Attempts, attempt)
		dialed++
	}

	if err := saveRecord(ctx, s.store, rec); err != nil {
		logger.Error("saving wave record", "error", err)
	}
	logger.Info("wave round dispatched", "dialed", dialed)

	// Queue the follow-up: another round, or the final abandonment
	// check once every round has been tried.
	if round < s.cfg.Rounds {
		s.scheduleRound(occurrenceID, round+1)
	} else {
		s.enqueueAfter(job{occurrenceID: occurrenceID, finalize: true}, s.cfg.FinalizeDelay)
	}
}

// dialEmployee creates one carrier call with bounded retries on
// transient errors.
func (s *Scheduler) dialEmployee(ctx context.Context, occ *records.Occurrence, emp records.Employee, round int) (string, error) {
	logRow := s.logs.Create(ctx, records.CallLog{
		ProviderID:          occ.ProviderID,
		EmployeeID:          emp.ID,
		Direction:           "outbound",
		StartedAt:           s.now().UTC(),
		Purpose:             "shift_offer",
		RelatedOccurrenceID: occ.ID,
	})

	q := url.Values{}
	q.Set("occurrenceId", occ.ID)
	q.Set("employeeId", emp.ID)
	q.Set("round", fmt.Sprint(round))
	if logRow != nil {
		q.Set("callId", logRow.ID)
	}

	req := carrier.CreateCallRequest{
		To:             emp.Phone,
		From:           s.cfg.FromNumber,
		AnswerURL:      s.cfg.PublicBaseURL + "/outbound/twiml?" + q.Encode(),
		StatusCallback: s.cfg.PublicBaseURL + "/outbound/status?" + q.Encode(),
		TimeoutSecs:    s.cfg.DialTimeout,
	}

	var call *carrier.Call
	var err error
	backoff := time.Second
	for attempt := 0; attempt < 3; attempt++ {
		call, err = s.caller.CreateCall(ctx, req)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(jitter(backoff)):
		}
		if backoff *= 2; backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
	if err != nil {
		return "", err
	}
	if logRow != nil {
		sid := call.Sid
		s.logs.Update(ctx, logRow.ID, records.CallLogUpdate{Sid: &sid})
	}
	return call.Sid, nil
}

// jitter spreads a delay by plus or minus twenty percent.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}

// HandleAccepted marks the occurrence filled by the accepting employee
// and completes the wave.
func (s *Scheduler) HandleAccepted(ctx context.Context, occurrenceID, employeeID string) error {
	logger := s.logger.With("occurrence", occurrenceID, "employee", employeeID)

	if err := s.records.UpdateOccurrence(ctx, occurrenceID, records.OccurrenceFilled, ""); err != nil {
		return fmt.Errorf("marking occurrence filled: %w", err)
	}

	rec, err := loadRecord(ctx, s.store, occurrenceID)
	if err != nil {
		return err
	}
	if rec != nil {
		rec.setOutcome(employeeID, OutcomeAccepted)
		rec.Status = StatusCompleted
		if err := saveRecord(ctx, s.store, rec); err != nil {
			return err
		}
	}

	occ, err := s.records.OccurrenceByID(ctx, occurrenceID)
	if err == nil {
		if perr := s.bus.Publish(ctx, occ.ProviderID, events.TypeShiftAccepted, "", map[string]any{
			"occurrenceId": occurrenceID,
			"employeeId":   employeeID,
		}); perr != nil {
			logger.Warn("publishing acceptance", "error", perr)
		}
	}
	logger.Info("shift accepted")
	return nil
}

// HandleDeclined records an explicit decline.
func (s *Scheduler) HandleDeclined(ctx context.Context, occurrenceID, employeeID string) {
	s.recordOutcome(ctx, occurrenceID, employeeID, OutcomeDeclined)
}

// HandleCallStatus folds a carrier lifecycle status into the attempt
// outcome. Completed calls without an FSM verdict count as no-answer.
func (s *Scheduler) HandleCallStatus(ctx context.Context, occurrenceID, employeeID, status string) {
	switch status {
	case "busy", "no-answer", "failed", "canceled":
		s.recordOutcome(ctx, occurrenceID, employeeID, OutcomeNoAnswer)
	}
}

func (s *Scheduler) recordOutcome(ctx context.Context, occurrenceID, employeeID, outcome string) {
	rec, err := loadRecord(ctx, s.store, occurrenceID)
	if err != nil || rec == nil {
		return
	}
	if rec.setOutcome(employeeID, outcome) {
		if err := saveRecord(ctx, s.store, rec); err != nil {
			s.logger.Warn("saving wave outcome", "occurrence", occurrenceID, "error", err)
		}
	}
}

// finalize runs after the last round's grace period: a still-unfilled
// occurrence is abandoned and surfaced to the provider portal.
func (s *Scheduler) finalize(ctx context.Context, occurrenceID string) {
	logger := s.logger.With("occurrence", occurrenceID)

	occ, err := s.records.OccurrenceByID(ctx, occurrenceID)
	if err != nil {
		logger.Error("loading occurrence for finalize", "error", err)
		return
	}
	if occ.Status != records.OccurrenceUnfilled {
		return
	}

	rec, err := loadRecord(ctx, s.store, occurrenceID)
	if err != nil {
		logger.Error("loading wave record for finalize", "error", err)
		return
	}
	if rec == nil || rec.Status == StatusCompleted || rec.Status == StatusAbandoned {
		return
	}
	rec.Status = StatusAbandoned
	if err := saveRecord(ctx, s.store, rec); err != nil {
		logger.Error("saving abandoned wave", "error", err)
	}

	if err := s.bus.Publish(ctx, occ.ProviderID, events.TypeShiftUnfilled, "", map[string]any{
		"occurrenceId": occurrenceID,
	}); err != nil {
		logger.Warn("publishing unfilled event", "error", err)
	}
	logger.Info("wave abandoned, shift remains unfilled")
}
