// Package records defines the record backend the call engine depends on:
// employees, providers, job templates, shift occurrences, call logs, and
// provider portal users. The engine consumes the Store interface; the
// sqlite implementation in this package is the shipping default.
package records

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Employee is a care worker who can be authenticated by phone or PIN and
// dialed for unfilled shifts.
type Employee struct {
	ID        string
	Name      string
	Phone     string
	PIN       string
	Active    bool
	CreatedAt time.Time
}

// Provider is a care organisation. TransferNumber, when set, overrides the
// global default for transfers to a human representative.
type Provider struct {
	ID             string
	Name           string
	TransferNumber string
	Timezone       string
}

// JobTemplate is a recurring job identified by a 4-character alphanumeric
// code that employees key in over the phone.
type JobTemplate struct {
	ID          string
	ProviderID  string
	Code        string
	PatientID   string
	PatientName string
	Description string
}

// Occurrence status values.
const (
	OccurrenceScheduled = "scheduled"
	OccurrenceUnfilled  = "unfilled"
	OccurrenceFilled    = "filled"
	OccurrenceCancelled = "cancelled"
)

// Occurrence is a single scheduled instance of a shift for a patient.
type Occurrence struct {
	ID         string
	TemplateID string
	ProviderID string
	EmployeeID string
	PatientID  string
	StartsAt   time.Time
	Status     string
	Reason     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CallLog is the persistent record of one carrier call leg.
type CallLog struct {
	ID                  string
	Sid                 string
	ProviderID          string
	EmployeeID          string
	Direction           string
	StartedAt           time.Time
	EndedAt             *time.Time
	Seconds             int
	RecordingURL        string
	DetectedIntent      string
	Purpose             string
	RawPayload          string
	RelatedOccurrenceID string
}

// CallLogUpdate carries the mutable fields of a call log; nil pointers
// leave the stored value untouched.
type CallLogUpdate struct {
	Sid            *string
	EndedAt        *time.Time
	Seconds        *int
	RecordingURL   *string
	DetectedIntent *string
	RawPayload     *string
}

// ProviderUser is an operator portal account tied to one provider.
type ProviderUser struct {
	ID           string
	ProviderID   string
	Email        string
	PasswordHash string
	Name         string
}

// Store is the record backend consumed by the call engine. All methods
// return ErrNotFound (or an empty slice) on missing records rather than
// inventing defaults.
type Store interface {
	// EmployeeByPhone returns all active employees registered with the
	// given phone number. Shared household phones yield multiple matches.
	EmployeeByPhone(ctx context.Context, phone string) ([]Employee, error)

	// EmployeeByPin returns the active employee with the given PIN.
	EmployeeByPin(ctx context.Context, pin string) (*Employee, error)

	// ProvidersForEmployee lists the providers an employee works for.
	ProvidersForEmployee(ctx context.Context, employeeID string) ([]Provider, error)

	// ProviderByID returns one provider.
	ProviderByID(ctx context.Context, providerID string) (*Provider, error)

	// ListProviders returns all providers, ordered by name.
	ListProviders(ctx context.Context) ([]Provider, error)

	// EmployeesForProvider lists active employees of a provider, used to
	// build outbound dialing pools.
	EmployeesForProvider(ctx context.Context, providerID string) ([]Employee, error)

	// JobTemplateByCode resolves a job code within a provider.
	JobTemplateByCode(ctx context.Context, providerID, code string) (*JobTemplate, error)

	// OccurrencesForTemplate lists occurrences of a template ordered by
	// start time ascending.
	OccurrencesForTemplate(ctx context.Context, templateID string) ([]Occurrence, error)

	// OccurrenceByID returns one occurrence.
	OccurrenceByID(ctx context.Context, occurrenceID string) (*Occurrence, error)

	// CreateOccurrence inserts a new occurrence and returns it with the
	// assigned ID.
	CreateOccurrence(ctx context.Context, occ Occurrence) (*Occurrence, error)

	// UpdateOccurrence sets the status and reason of an occurrence.
	UpdateOccurrence(ctx context.Context, occurrenceID, status, reason string) error

	// UnfilledShifts lists occurrences currently marked unfilled for a
	// provider, soonest first.
	UnfilledShifts(ctx context.Context, providerID string) ([]Occurrence, error)

	// AppendCallLog inserts a call log and returns it with the assigned ID.
	AppendCallLog(ctx context.Context, log CallLog) (*CallLog, error)

	// UpdateCallLog applies the non-nil fields of the update.
	UpdateCallLog(ctx context.Context, logID string, upd CallLogUpdate) error

	// CallLogBySid returns the call log for a carrier call SID.
	CallLogBySid(ctx context.Context, sid string) (*CallLog, error)

	// CallLogCountByDirection returns total call counts keyed by direction.
	CallLogCountByDirection(ctx context.Context) (map[string]int64, error)

	// ProviderByUser resolves the provider a portal user belongs to.
	ProviderByUser(ctx context.Context, userID string) (*Provider, error)

	// ProviderUserByEmail returns a portal user for login.
	ProviderUserByEmail(ctx context.Context, email string) (*ProviderUser, error)
}
