// Package fsm implements the call dialog as a pure state machine. Step maps
// (state, input) to (state, output) with no I/O and no clock: record
// lookups and mutations are expressed as effect outputs that the webhook
// dispatcher executes, feeding the results back as the next input. That
// split keeps the dialog testable without HTTP, WebSocket, or store
// plumbing.
package fsm

import (
	"encoding/json"
	"fmt"
	"time"
)

// Phase identifies one prompt-and-collect exchange in the dialog.
type Phase string

const (
	PhasePhoneAuth       Phase = "PhoneAuth"
	PhasePinAuth         Phase = "PinAuth"
	PhaseProviderSelect  Phase = "ProviderSelect"
	PhaseProviderGreet   Phase = "ProviderGreeting"
	PhaseCollectJobCode  Phase = "CollectJobCode"
	PhaseConfirmJobCode  Phase = "ConfirmJobCode"
	PhaseJobOptions      Phase = "JobOptions"
	PhaseOccurrenceSel   Phase = "OccurrenceSelect"
	PhaseCollectReason   Phase = "CollectReason"
	PhaseConfirmLeave    Phase = "ConfirmLeaveOpen"
	PhaseCollectDay      Phase = "CollectDay"
	PhaseCollectMonth    Phase = "CollectMonth"
	PhaseCollectTime     Phase = "CollectTime"
	PhaseConfirmDateTime Phase = "ConfirmDateTime"
	PhasePendingTransfer Phase = "PendingTransfer"
	PhaseDone            Phase = "Done"
	PhaseError           Phase = "Error"
)

// Call directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Action types carried in the work item; they record which JobOptions
// branch the caller chose so effect results can be routed.
const (
	ActionAbsence    = "absence"
	ActionReschedule = "reschedule"
	ActionLeaveOpen  = "leave_open"
	ActionTransfer   = "transfer"
	ActionOffer      = "offer"
)

// stateVersion is bumped when the serialized shape changes; Unmarshal
// rejects versions it does not understand.
const stateVersion = 1

// Identity is the resolved caller identity.
type Identity struct {
	EmployeeID     string `json:"employeeId,omitempty"`
	EmployeeName   string `json:"employeeName,omitempty"`
	ProviderID     string `json:"providerId,omitempty"`
	ProviderName   string `json:"providerName,omitempty"`
	TransferNumber string `json:"transferNumber,omitempty"`
}

// WorkItem accumulates what the call is about as the dialog progresses.
type WorkItem struct {
	ActionType    string `json:"actionType,omitempty"`
	JobTemplateID string `json:"jobTemplateId,omitempty"`
	JobCode       string `json:"jobCode,omitempty"`
	PatientID     string `json:"patientId,omitempty"`
	PatientName   string `json:"patientName,omitempty"`
	OccurrenceID    string `json:"occurrenceId,omitempty"`
	OccurrenceLabel string `json:"occurrenceLabel,omitempty"`
	OfferOutcome    string `json:"offerOutcome,omitempty"`
	ProposedDay   string `json:"proposedDay,omitempty"`
	ProposedMonth string `json:"proposedMonth,omitempty"`
	ProposedTime  string `json:"proposedTime,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Round         int    `json:"round,omitempty"`
}

// PendingTransfer marks that the next lifecycle callback should emit a
// Dial to a human representative.
type PendingTransfer struct {
	RepresentativePhone string `json:"representativePhone"`
	CallerPhone         string `json:"callerPhone"`
}

// MenuOption is one choice in a DTMF menu; Key is the digit the caller
// presses, ID the record it selects.
type MenuOption struct {
	Key   string `json:"key"`
	ID    string `json:"id"`
	Label string `json:"label"`
}

// CallState is the full dialog state for one carrier call, persisted
// under call:{sid} between webhooks.
type CallState struct {
	Version   int       `json:"version"`
	Sid       string    `json:"sid"`
	Direction string    `json:"direction"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Lang      string    `json:"lang"`

	CallerPhone string `json:"callerPhone,omitempty"`

	Phase           Phase            `json:"phase"`
	Attempts        map[string]int   `json:"attempts,omitempty"`
	Identity        Identity         `json:"identity"`
	WorkItem        WorkItem         `json:"workItem"`
	PendingTransfer *PendingTransfer `json:"pendingTransfer,omitempty"`
	Menu            []MenuOption     `json:"menu,omitempty"`

	// LastPrompt is the most recent full prompt, re-spoken on retries.
	LastPrompt string `json:"lastPrompt,omitempty"`

	// LastInputHash and LastResponse support idempotent webhook replay:
	// a retransmitted webhook with an identical body gets the stored
	// document back without stepping the machine again.
	LastInputHash string `json:"lastInputHash,omitempty"`
	LastResponse  string `json:"lastResponse,omitempty"`
}

// NewCallState returns a fresh inbound state in PhoneAuth.
func NewCallState(sid, lang string, now time.Time) CallState {
	return CallState{
		Version:   stateVersion,
		Sid:       sid,
		Direction: DirectionInbound,
		CreatedAt: now,
		UpdatedAt: now,
		Lang:      lang,
		Phase:     PhasePhoneAuth,
	}
}

// AttemptCount returns the retry counter for a phase.
func (s *CallState) AttemptCount(p Phase) int {
	return s.Attempts[string(p)]
}

func (s *CallState) bumpAttempt(p Phase) int {
	if s.Attempts == nil {
		s.Attempts = map[string]int{}
	}
	s.Attempts[string(p)]++
	return s.Attempts[string(p)]
}

// Marshal serializes the state for the state store.
func (s CallState) Marshal() ([]byte, error) {
	s.Version = stateVersion
	return json.Marshal(s)
}

// UnmarshalState decodes a persisted state, rejecting unknown versions.
func UnmarshalState(data []byte) (CallState, error) {
	var s CallState
	if err := json.Unmarshal(data, &s); err != nil {
		return CallState{}, fmt.Errorf("decoding call state: %w", err)
	}
	if s.Version != stateVersion {
		return CallState{}, fmt.Errorf("unsupported call state version %d", s.Version)
	}
	return s, nil
}
