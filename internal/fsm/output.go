package fsm

// Output is what Step asks the caller-facing layer to do next. The
// user-facing variants map onto carrier instructions; the effect variants
// name I/O the dispatcher must perform, after which it feeds the result
// back into Step as an input.
type Output interface{ isOutput() }

// Say speaks text and expects no input.
type Say struct {
	Text string
}

// AskDTMF speaks a prompt and gathers keypad digits.
type AskDTMF struct {
	Text    string
	Timeout int // seconds
}

// AskSpeech speaks a prompt and gathers speech (with DTMF accepted too).
type AskSpeech struct {
	Text    string
	Timeout int // seconds
}

// TransferTo dials a human representative.
type TransferTo struct {
	Phone string
}

// Enqueue places the caller in a provider's hold queue.
type Enqueue struct {
	ProviderID string
}

// ConnectStream hands the call over to the media stream server; Params
// are threaded through the carrier into the stream start event.
type ConnectStream struct {
	Params map[string]string
}

// Hangup speaks an optional farewell and ends the call.
type Hangup struct {
	Text string
}

// Noop produces no instruction.
type Noop struct{}

// LookupEmployeesByPhone asks for all active employees on a phone number.
type LookupEmployeesByPhone struct {
	Phone string
}

// LookupEmployeeByPin asks for the employee with a PIN.
type LookupEmployeeByPin struct {
	PIN string
}

// LookupProviders asks for the providers an employee works for.
type LookupProviders struct {
	EmployeeID string
}

// LookupJobTemplate asks to resolve a job code within a provider.
type LookupJobTemplate struct {
	ProviderID string
	Code       string
}

// LookupOccurrences asks for the upcoming occurrences of a template.
type LookupOccurrences struct {
	TemplateID string
}

// LookupOffer asks for the occurrence and provider behind an outbound
// shift offer; the result arrives as a ShiftOffer input.
type LookupOffer struct {
	OccurrenceID string
}

// ReportAbsence marks an occurrence unfilled with the caller's reason,
// records the detected intent, and publishes an absence event.
type ReportAbsence struct {
	OccurrenceID string
	Reason       string
}

// RescheduleShift cancels the original occurrence and creates a new one
// at the proposed date and time.
type RescheduleShift struct {
	OccurrenceID string
	TemplateID   string
	Day          string
	Month        string
	TimeHHMM     string
}

// LeaveShiftOpen releases an occurrence without assigning a replacement.
type LeaveShiftOpen struct {
	OccurrenceID string
}

// AcceptShift assigns the offered occurrence to the employee.
type AcceptShift struct {
	OccurrenceID string
	EmployeeID   string
}

// DeclineShift records that the employee turned the offer down.
type DeclineShift struct {
	OccurrenceID string
	EmployeeID   string
}

func (Say) isOutput()                    {}
func (AskDTMF) isOutput()                {}
func (AskSpeech) isOutput()              {}
func (TransferTo) isOutput()             {}
func (Enqueue) isOutput()                {}
func (ConnectStream) isOutput()          {}
func (Hangup) isOutput()                 {}
func (Noop) isOutput()                   {}
func (LookupEmployeesByPhone) isOutput() {}
func (LookupEmployeeByPin) isOutput()    {}
func (LookupProviders) isOutput()        {}
func (LookupJobTemplate) isOutput()      {}
func (LookupOccurrences) isOutput()      {}
func (LookupOffer) isOutput()            {}
func (ReportAbsence) isOutput()          {}
func (RescheduleShift) isOutput()        {}
func (LeaveShiftOpen) isOutput()         {}
func (AcceptShift) isOutput()            {}
func (DeclineShift) isOutput()           {}
