package fsm

import (
	"strconv"
	"strings"

	"github.com/shiftline/shiftline/internal/records"
)

// Machine holds the dialog parameters. Step itself is pure: same state
// and input always yield the same result.
type Machine struct {
	// MaxAttempts is the per-phase retry cap; exceeding it ends the call
	// with an apology.
	MaxAttempts int

	// GatherTimeout is the seconds the carrier waits for input, threaded
	// into every Ask output.
	GatherTimeout int
}

// New returns a machine with the given retry cap and gather timeout.
func New(maxAttempts, gatherTimeoutSecs int) *Machine {
	return &Machine{MaxAttempts: maxAttempts, GatherTimeout: gatherTimeoutSecs}
}

// Step advances the dialog. It performs no I/O; lookup and mutation
// outputs are executed by the caller, which feeds the result back as the
// next input.
func (m *Machine) Step(s CallState, in Input) (CallState, Output) {
	// Call starts reset the dialog regardless of the stored phase.
	switch start := in.(type) {
	case StartInbound:
		s.Direction = DirectionInbound
		s.CallerPhone = start.CallerPhone
		s.Phase = PhasePhoneAuth
		return s, LookupEmployeesByPhone{Phone: start.CallerPhone}
	case StartOutbound:
		s.Direction = DirectionOutbound
		s.Identity.EmployeeID = start.EmployeeID
		s.WorkItem.ActionType = ActionOffer
		s.WorkItem.OccurrenceID = start.OccurrenceID
		s.WorkItem.Round = start.Round
		s.Phase = PhaseProviderGreet
		return s, LookupOffer{OccurrenceID: start.OccurrenceID}
	}

	switch s.Phase {
	case PhasePhoneAuth:
		return m.stepPhoneAuth(s, in)
	case PhasePinAuth:
		return m.stepPinAuth(s, in)
	case PhaseProviderSelect:
		return m.stepProviderSelect(s, in)
	case PhaseProviderGreet:
		if s.Direction == DirectionOutbound {
			return m.stepOffer(s, in)
		}
		return m.stepCollectJobCode(s, in)
	case PhaseCollectJobCode:
		return m.stepCollectJobCode(s, in)
	case PhaseConfirmJobCode:
		return m.stepConfirmJobCode(s, in)
	case PhaseJobOptions:
		return m.stepJobOptions(s, in)
	case PhaseOccurrenceSel:
		return m.stepOccurrenceSelect(s, in)
	case PhaseCollectReason:
		return m.stepCollectReason(s, in)
	case PhaseConfirmLeave:
		return m.stepConfirmLeaveOpen(s, in)
	case PhaseCollectDay:
		return m.stepCollectDay(s, in)
	case PhaseCollectMonth:
		return m.stepCollectMonth(s, in)
	case PhaseCollectTime:
		return m.stepCollectTime(s, in)
	case PhaseConfirmDateTime:
		return m.stepConfirmDateTime(s, in)
	case PhasePendingTransfer:
		return m.stepPendingTransfer(s, in)
	case PhaseDone:
		return s, Noop{}
	case PhaseError:
		return s, Hangup{Text: promptSafeError}
	default:
		// Unknown phase is an internal invariant violation.
		s.Phase = PhaseError
		return s, Hangup{Text: promptSafeError}
	}
}

func (m *Machine) stepPhoneAuth(s CallState, in Input) (CallState, Output) {
	switch found := in.(type) {
	case EmployeesFound:
		if len(found.Employees) == 1 {
			e := found.Employees[0]
			s.Identity.EmployeeID = e.ID
			s.Identity.EmployeeName = e.Name
			s.Phase = PhaseProviderSelect
			return s, LookupProviders{EmployeeID: e.ID}
		}
		// Unknown number, or a shared phone: fall back to PIN.
		s.Phase = PhasePinAuth
		return m.ask(s, AskDTMF{}, promptPin)
	default:
		return m.retry(s, "")
	}
}

func (m *Machine) stepPinAuth(s CallState, in Input) (CallState, Output) {
	switch v := in.(type) {
	case Digits:
		pin := digitsOnly(v.Digits)
		if pin == "" {
			return m.retry(s, promptPinRetry)
		}
		return s, LookupEmployeeByPin{PIN: pin}
	case SpeechResult:
		pin := digitsOnly(v.Text)
		if pin == "" {
			return m.retry(s, promptPinRetry)
		}
		return s, LookupEmployeeByPin{PIN: pin}
	case EmployeeResolved:
		if v.Employee == nil {
			return m.retry(s, promptPinRetry)
		}
		s.Identity.EmployeeID = v.Employee.ID
		s.Identity.EmployeeName = v.Employee.Name
		s.Phase = PhaseProviderSelect
		return s, LookupProviders{EmployeeID: v.Employee.ID}
	default:
		return m.retry(s, "")
	}
}

func (m *Machine) stepProviderSelect(s CallState, in Input) (CallState, Output) {
	switch v := in.(type) {
	case ProvidersFound:
		switch len(v.Providers) {
		case 0:
			s.Phase = PhaseError
			return s, Hangup{Text: promptApology}
		case 1:
			return m.selectProvider(s, v.Providers[0])
		default:
			providers := v.Providers
			if len(providers) > 9 {
				providers = providers[:9]
			}
			s.Menu = nil
			for i, p := range providers {
				s.Menu = append(s.Menu, MenuOption{
					Key:   strconv.Itoa(i + 1),
					ID:    p.ID,
					Label: p.Name,
				})
			}
			// Stash details needed after selection in the menu labels;
			// the transfer number is re-resolved by ID at that point.
			return m.ask(s, AskDTMF{}, promptProviderMenu(providers))
		}
	case Digits:
		key := digitsOnly(v.Digits)
		for _, opt := range s.Menu {
			if opt.Key == key {
				s.Identity.ProviderID = opt.ID
				s.Identity.ProviderName = opt.Label
				s.Menu = nil
				s.Phase = PhaseProviderGreet
				return m.ask(s, AskSpeech{}, promptGreeting(s.Identity.EmployeeName, opt.Label))
			}
		}
		return m.retry(s, "")
	default:
		return m.retry(s, "")
	}
}

func (m *Machine) selectProvider(s CallState, p records.Provider) (CallState, Output) {
	s.Identity.ProviderID = p.ID
	s.Identity.ProviderName = p.Name
	s.Identity.TransferNumber = p.TransferNumber
	s.Menu = nil
	s.Phase = PhaseProviderGreet
	return m.ask(s, AskSpeech{}, promptGreeting(s.Identity.EmployeeName, p.Name))
}

func (m *Machine) stepCollectJobCode(s CallState, in Input) (CallState, Output) {
	switch v := in.(type) {
	case Digits:
		return m.tryJobCode(s, v.Digits)
	case SpeechResult:
		return m.tryJobCode(s, v.Text)
	case JobFound:
		if v.Template == nil {
			s.Phase = PhaseCollectJobCode
			return m.retry(s, promptJobUnknown+" "+promptJobCode)
		}
		s.WorkItem.JobTemplateID = v.Template.ID
		s.WorkItem.JobCode = v.Template.Code
		s.WorkItem.PatientID = v.Template.PatientID
		s.WorkItem.PatientName = v.Template.PatientName
		s.Phase = PhaseConfirmJobCode
		return m.ask(s, AskSpeech{}, promptConfirmJobCode(v.Template.Code, v.Template.PatientName))
	default:
		return m.retry(s, "")
	}
}

func (m *Machine) tryJobCode(s CallState, raw string) (CallState, Output) {
	code := normalizeJobCode(raw)
	if len(code) != 4 {
		s.Phase = PhaseCollectJobCode
		return m.retry(s, promptJobCodeRetry)
	}
	s.WorkItem.JobCode = code
	return s, LookupJobTemplate{ProviderID: s.Identity.ProviderID, Code: code}
}

func (m *Machine) stepConfirmJobCode(s CallState, in Input) (CallState, Output) {
	switch {
	case isYes(in):
		s.Phase = PhaseJobOptions
		return m.ask(s, AskDTMF{}, promptJobOptions())
	case isNo(in):
		s.Phase = PhaseCollectJobCode
		return m.ask(s, AskSpeech{}, promptJobCode)
	default:
		return m.retry(s, "")
	}
}

func (m *Machine) stepJobOptions(s CallState, in Input) (CallState, Output) {
	if found, ok := in.(OccurrencesFound); ok {
		return m.routeOccurrences(s, found.Occurrences)
	}
	choice := menuChoice(in)
	switch choice {
	case "1":
		s.WorkItem.ActionType = ActionAbsence
		return s, LookupOccurrences{TemplateID: s.WorkItem.JobTemplateID}
	case "2":
		s.WorkItem.ActionType = ActionReschedule
		return s, LookupOccurrences{TemplateID: s.WorkItem.JobTemplateID}
	case "3":
		s.WorkItem.ActionType = ActionLeaveOpen
		return s, LookupOccurrences{TemplateID: s.WorkItem.JobTemplateID}
	case "4":
		s.WorkItem.ActionType = ActionTransfer
		s.PendingTransfer = &PendingTransfer{
			RepresentativePhone: s.Identity.TransferNumber,
			CallerPhone:         s.CallerPhone,
		}
		s.Phase = PhasePendingTransfer
		return s, ConnectStream{Params: map[string]string{
			"callSid":  s.Sid,
			"callType": "transfer",
		}}
	default:
		return m.retry(s, "")
	}
}

// routeOccurrences continues the chosen JobOptions branch once the
// template's occurrences are known.
func (m *Machine) routeOccurrences(s CallState, occs []records.Occurrence) (CallState, Output) {
	switch len(occs) {
	case 0:
		return m.retry(s, promptNoShifts+" "+promptJobOptions())
	case 1:
		s.WorkItem.OccurrenceID = occs[0].ID
		s.WorkItem.OccurrenceLabel = spokenTime(occs[0])
		return m.afterOccurrenceChosen(s)
	default:
		if len(occs) > 9 {
			occs = occs[:9]
		}
		s.Menu = nil
		for i, o := range occs {
			s.Menu = append(s.Menu, MenuOption{
				Key:   strconv.Itoa(i + 1),
				ID:    o.ID,
				Label: spokenTime(o),
			})
		}
		s.Phase = PhaseOccurrenceSel
		return m.ask(s, AskDTMF{}, promptOccurrenceMenu(occs))
	}
}

func (m *Machine) stepOccurrenceSelect(s CallState, in Input) (CallState, Output) {
	d, ok := in.(Digits)
	if !ok {
		return m.retry(s, "")
	}
	key := digitsOnly(d.Digits)
	for _, opt := range s.Menu {
		if opt.Key == key {
			s.WorkItem.OccurrenceID = opt.ID
			s.WorkItem.OccurrenceLabel = opt.Label
			s.Menu = nil
			return m.afterOccurrenceChosen(s)
		}
	}
	return m.retry(s, "")
}

func (m *Machine) afterOccurrenceChosen(s CallState) (CallState, Output) {
	switch s.WorkItem.ActionType {
	case ActionAbsence:
		s.Phase = PhaseCollectReason
		return m.ask(s, AskSpeech{}, promptReason)
	case ActionReschedule:
		s.Phase = PhaseCollectDay
		return m.ask(s, AskDTMF{}, promptDay)
	case ActionLeaveOpen:
		s.Phase = PhaseConfirmLeave
		return m.ask(s, AskSpeech{}, promptConfirmLeaveOpenLabel(s.WorkItem.OccurrenceLabel))
	default:
		s.Phase = PhaseError
		return s, Hangup{Text: promptSafeError}
	}
}

func (m *Machine) stepCollectReason(s CallState, in Input) (CallState, Output) {
	switch v := in.(type) {
	case SpeechResult:
		reason := strings.TrimSpace(v.Text)
		if reason == "" {
			return m.retry(s, "")
		}
		s.WorkItem.Reason = reason
		return s, ReportAbsence{OccurrenceID: s.WorkItem.OccurrenceID, Reason: reason}
	case ActionDone:
		s.Phase = PhaseDone
		return s, Hangup{Text: promptAbsenceDone}
	default:
		return m.retry(s, "")
	}
}

func (m *Machine) stepConfirmLeaveOpen(s CallState, in Input) (CallState, Output) {
	if _, ok := in.(ActionDone); ok {
		s.Phase = PhaseDone
		return s, Hangup{Text: promptLeaveDone}
	}
	switch {
	case isYes(in):
		return s, LeaveShiftOpen{OccurrenceID: s.WorkItem.OccurrenceID}
	case isNo(in):
		s.Phase = PhaseJobOptions
		return m.ask(s, AskDTMF{}, promptJobOptions())
	default:
		return m.retry(s, "")
	}
}

func (m *Machine) stepCollectDay(s CallState, in Input) (CallState, Output) {
	day, ok := numericInput(in, 1, 31)
	if !ok {
		return m.retry(s, "")
	}
	s.WorkItem.ProposedDay = strconv.Itoa(day)
	s.Phase = PhaseCollectMonth
	return m.ask(s, AskDTMF{}, promptMonth)
}

func (m *Machine) stepCollectMonth(s CallState, in Input) (CallState, Output) {
	month, ok := numericInput(in, 1, 12)
	if !ok {
		return m.retry(s, "")
	}
	s.WorkItem.ProposedMonth = strconv.Itoa(month)
	s.Phase = PhaseCollectTime
	return m.ask(s, AskDTMF{}, promptTime)
}

func (m *Machine) stepCollectTime(s CallState, in Input) (CallState, Output) {
	raw := ""
	switch v := in.(type) {
	case Digits:
		raw = digitsOnly(v.Digits)
	case SpeechResult:
		raw = digitsOnly(v.Text)
	default:
		return m.retry(s, "")
	}
	if len(raw) != 4 {
		return m.retry(s, "")
	}
	hh, _ := strconv.Atoi(raw[:2])
	mm, _ := strconv.Atoi(raw[2:])
	if hh > 23 || mm > 59 {
		return m.retry(s, "")
	}
	s.WorkItem.ProposedTime = raw
	s.Phase = PhaseConfirmDateTime
	return m.ask(s, AskSpeech{}, promptConfirmDateTime(
		s.WorkItem.ProposedDay, s.WorkItem.ProposedMonth, raw))
}

func (m *Machine) stepConfirmDateTime(s CallState, in Input) (CallState, Output) {
	if _, ok := in.(ActionDone); ok {
		s.Phase = PhaseDone
		return s, Hangup{Text: promptRescheduleDone}
	}
	switch {
	case isYes(in):
		return s, RescheduleShift{
			OccurrenceID: s.WorkItem.OccurrenceID,
			TemplateID:   s.WorkItem.JobTemplateID,
			Day:          s.WorkItem.ProposedDay,
			Month:        s.WorkItem.ProposedMonth,
			TimeHHMM:     s.WorkItem.ProposedTime,
		}
	case isNo(in):
		s.WorkItem.ProposedDay = ""
		s.WorkItem.ProposedMonth = ""
		s.WorkItem.ProposedTime = ""
		s.Phase = PhaseCollectDay
		return m.ask(s, AskDTMF{}, "No worries, let's start over. "+promptDay)
	default:
		return m.retry(s, "")
	}
}

func (m *Machine) stepPendingTransfer(s CallState, in Input) (CallState, Output) {
	switch in.(type) {
	case StreamEnded:
		phone := ""
		if s.PendingTransfer != nil {
			phone = s.PendingTransfer.RepresentativePhone
		}
		s.PendingTransfer = nil
		return s, TransferTo{Phone: phone}
	case TransferFailed:
		// The caller is parked on hold; the state survives until the
		// lifecycle callback reports the hangup.
		s.PendingTransfer = nil
		return s, Enqueue{ProviderID: s.Identity.ProviderID}
	default:
		return s, Noop{}
	}
}

func (m *Machine) stepOffer(s CallState, in Input) (CallState, Output) {
	switch v := in.(type) {
	case ShiftOffer:
		s.Identity.ProviderID = v.Provider.ID
		s.Identity.ProviderName = v.Provider.Name
		s.Identity.TransferNumber = v.Provider.TransferNumber
		s.WorkItem.OccurrenceLabel = spokenTime(v.Occurrence)
		return m.ask(s, AskSpeech{}, promptShiftOffer(v.Provider.Name, spokenTime(v.Occurrence), v.Description))
	case ActionDone:
		text := promptOfferDecline
		if s.WorkItem.OfferOutcome == "accepted" {
			text = promptOfferThanks
		}
		s.Phase = PhaseDone
		return s, Hangup{Text: text}
	default:
		switch {
		case isYes(in):
			s.WorkItem.OfferOutcome = "accepted"
			return s, AcceptShift{
				OccurrenceID: s.WorkItem.OccurrenceID,
				EmployeeID:   s.Identity.EmployeeID,
			}
		case isNo(in):
			s.WorkItem.OfferOutcome = "declined"
			return s, DeclineShift{
				OccurrenceID: s.WorkItem.OccurrenceID,
				EmployeeID:   s.Identity.EmployeeID,
			}
		default:
			return m.retry(s, "")
		}
	}
}

// ask records the prompt for retries and emits the gather output.
func (m *Machine) ask(s CallState, kind Output, text string) (CallState, Output) {
	s.LastPrompt = text
	switch kind.(type) {
	case AskDTMF:
		return s, AskDTMF{Text: text, Timeout: m.GatherTimeout}
	default:
		return s, AskSpeech{Text: text, Timeout: m.GatherTimeout}
	}
}

// retry re-prompts the current phase, ending the call with an apology
// once the attempt cap is exceeded.
func (m *Machine) retry(s CallState, reprompt string) (CallState, Output) {
	if s.bumpAttempt(s.Phase) > m.MaxAttempts {
		s.Phase = PhaseError
		return s, Hangup{Text: promptApology}
	}
	if reprompt == "" {
		reprompt = "Sorry, I didn't catch that. " + s.LastPrompt
	}
	return s, AskSpeech{Text: reprompt, Timeout: m.GatherTimeout}
}

func digitsOnly(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// normalizeJobCode strips separators and the DTMF terminator, keeping
// upper-cased alphanumerics.
func normalizeJobCode(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(raw) {
		if (r >= '0' && r <= '9') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isYes(in Input) bool {
	switch v := in.(type) {
	case Digits:
		return digitsOnly(v.Digits) == "1"
	case SpeechResult:
		return hasWord(v.Text, "yes", "yeah", "yep", "correct", "confirm", "right")
	}
	return false
}

func isNo(in Input) bool {
	switch v := in.(type) {
	case Digits:
		return digitsOnly(v.Digits) == "2"
	case SpeechResult:
		return hasWord(v.Text, "no", "nope", "wrong", "incorrect")
	}
	return false
}

// hasWord matches whole words so that, say, "phone" does not read as "no".
func hasWord(text string, words ...string) bool {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	})
	for _, f := range fields {
		for _, w := range words {
			if f == w {
				return true
			}
		}
	}
	return false
}

// menuChoice extracts a single menu digit from DTMF or speech.
func menuChoice(in Input) string {
	switch v := in.(type) {
	case Digits:
		return digitsOnly(v.Digits)
	case SpeechResult:
		d := digitsOnly(v.Text)
		if d != "" {
			return d
		}
		t := strings.ToLower(v.Text)
		for word, digit := range map[string]string{
			"one": "1", "two": "2", "three": "3", "four": "4",
		} {
			if strings.Contains(t, word) {
				return digit
			}
		}
	}
	return ""
}

// numericInput parses a bounded integer from DTMF or spoken digits.
func numericInput(in Input, min, max int) (int, bool) {
	raw := ""
	switch v := in.(type) {
	case Digits:
		raw = digitsOnly(v.Digits)
	case SpeechResult:
		raw = digitsOnly(v.Text)
	default:
		return 0, false
	}
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < min || n > max {
		return 0, false
	}
	return n, true
}
