package fsm

import "github.com/shiftline/shiftline/internal/records"

// Input is one event fed into Step. User-originated inputs come from the
// carrier (digits, speech, silence); the remaining variants are effect
// results the dispatcher feeds back after executing an effect output.
type Input interface{ isInput() }

// StartInbound begins an inbound call from a caller phone number.
type StartInbound struct {
	CallerPhone string
}

// StartOutbound begins an outbound shift-offer call to an employee.
type StartOutbound struct {
	OccurrenceID string
	EmployeeID   string
	Round        int
}

// SpeechResult is a transcribed utterance from the caller.
type SpeechResult struct {
	Text string
}

// Digits is a DTMF entry from the caller's keypad.
type Digits struct {
	Digits string
}

// Silence means the gather timed out with no input.
type Silence struct{}

// StreamEnded means the media stream for this call closed.
type StreamEnded struct{}

// TransferFailed means the Dial to a representative did not connect.
type TransferFailed struct{}

// EmployeesFound is the result of LookupEmployeesByPhone.
type EmployeesFound struct {
	Employees []records.Employee
}

// EmployeeResolved is the result of LookupEmployeeByPin; Employee is nil
// on a miss.
type EmployeeResolved struct {
	Employee *records.Employee
}

// ProvidersFound is the result of LookupProviders.
type ProvidersFound struct {
	Providers []records.Provider
}

// JobFound is the result of LookupJobTemplate; Template is nil when the
// code did not resolve.
type JobFound struct {
	Template *records.JobTemplate
}

// OccurrencesFound is the result of LookupOccurrences, ordered soonest
// first.
type OccurrencesFound struct {
	Occurrences []records.Occurrence
}

// ShiftOffer carries the occurrence being offered on an outbound call.
type ShiftOffer struct {
	Occurrence  records.Occurrence
	Provider    records.Provider
	Description string
}

// ActionDone means the previously emitted mutation effect completed.
type ActionDone struct{}

func (StartInbound) isInput()     {}
func (StartOutbound) isInput()    {}
func (SpeechResult) isInput()     {}
func (Digits) isInput()           {}
func (Silence) isInput()          {}
func (StreamEnded) isInput()      {}
func (TransferFailed) isInput()   {}
func (EmployeesFound) isInput()   {}
func (EmployeeResolved) isInput() {}
func (ProvidersFound) isInput()   {}
func (JobFound) isInput()         {}
func (OccurrencesFound) isInput() {}
func (ShiftOffer) isInput()       {}
func (ActionDone) isInput()       {}
