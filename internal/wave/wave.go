// Package wave dials employees for unfilled shift occurrences in rounds
// with backoff. Each wave is a batch of outbound calls for one
// occurrence; a round without an acceptance schedules the next round,
// and exhausting all rounds marks the occurrence abandoned.
package wave

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shiftline/shiftline/internal/store"
)

// Wave statuses.
const (
	StatusPending    = "pending"
	StatusDispatched = "dispatched"
	StatusCompleted  = "completed"
	StatusAbandoned  = "abandoned"
)

// Attempt outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeDeclined = "declined"
	OutcomeNoAnswer = "no-answer"
	OutcomeFailed   = "failed"
)

// waveTTL keeps finished wave records inspectable for two days.
const waveTTL = 48 * time.Hour

// Attempt is one outbound call within a wave.
type Attempt struct {
	EmployeeID string    `json:"employeeId"`
	CallSid    string    `json:"callSid,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	At         time.Time `json:"at"`
}

// Record is the persisted wave state for one occurrence.
type Record struct {
	OccurrenceID string    `json:"occurrenceId"`
	WaveNumber   int       `json:"waveNumber"`
	ScheduledAt  time.Time `json:"scheduledAt"`
	Status       string    `json:"status"`
	Attempts     []Attempt `json:"attempts,omitempty"`
}

// loadRecord reads the wave record; a miss returns nil.
func loadRecord(ctx context.Context, st *store.Store, occurrenceID string) (*Record, error) {
	raw, ok, err := st.Get(ctx, store.WaveKey(occurrenceID))
	if err != nil {
		return nil, fmt.Errorf("loading wave record: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding wave record: %w", err)
	}
	return &rec, nil
}

func saveRecord(ctx context.Context, st *store.Store, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding wave record: %w", err)
	}
	if err := st.Set(ctx, store.WaveKey(rec.OccurrenceID), raw, waveTTL); err != nil {
		return fmt.Errorf("saving wave record: %w", err)
	}
	return nil
}

// attempted reports whether the employee was already dialed in any round.
func (r *Record) attempted(employeeID string) bool {
	if r == nil {
		return false
	}
	for _, a := range r.Attempts {
		if a.EmployeeID == employeeID {
			return true
		}
	}
	return false
}

// setOutcome records the outcome for the attempt matching employeeID.
func (r *Record) setOutcome(employeeID, outcome string) bool {
	for i := range r.Attempts {
		if r.Attempts[i].EmployeeID == employeeID && r.Attempts[i].Outcome == "" {
			r.Attempts[i].Outcome = outcome
			return true
		}
	}
	return false
}
