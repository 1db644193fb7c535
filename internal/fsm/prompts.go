package fsm

import (
	"fmt"
	"strings"

	"github.com/shiftline/shiftline/internal/records"
)

// Prompt text lives here so the transition table in step.go stays
// readable. All prompts are plain sentences the carrier-side TTS or our
// own TTS can speak.

const (
	promptPin          = "Please enter your four digit PIN followed by the hash key."
	promptPinRetry     = "That PIN did not match. Please try again, followed by the hash key."
	promptJobCode      = "Please enter or say your four character job code, followed by the hash key."
	promptJobCodeRetry = "Sorry, I did not get a valid job code. It is four letters or digits. Please try again."
	promptJobUnknown   = "I could not find that job code. Please check your roster and try again."
	promptDay          = "What day of the month should the shift move to? Enter one or two digits."
	promptMonth        = "And which month? Enter one or two digits."
	promptTime         = "What time should the shift start? Enter four digits in twenty four hour time, for example oh nine three oh."
	promptReason       = "Please briefly say the reason you cannot attend, after the tone."
	promptApology        = "Sorry, we were unable to complete your request. Please call back or contact your coordinator. Goodbye."
	promptRescheduleDone = "Thank you. The shift has been moved and your coordinator has been notified. Goodbye."
	promptSafeError    = "Sorry, something went wrong on our end. Please call back shortly. Goodbye."
	promptNoShifts     = "I could not find an upcoming shift for that job."
	promptAbsenceDone  = "Thank you. Your absence has been recorded and your coordinator has been notified. Goodbye."
	promptLeaveDone    = "Thank you. The shift has been left open and your coordinator has been notified. Goodbye."
	promptOfferThanks  = "Great, the shift is yours. You will receive a confirmation shortly. Goodbye."
	promptOfferDecline = "No worries, thanks for letting us know. Goodbye."
	promptTransferring = "Please hold while we connect you to a representative."
)

func promptGreeting(name, provider string) string {
	return fmt.Sprintf("Hello %s, welcome to the %s shift line. %s", name, provider, promptJobCode)
}

func promptProviderMenu(providers []records.Provider) string {
	var b strings.Builder
	b.WriteString("You work with more than one provider. ")
	for i, p := range providers {
		fmt.Fprintf(&b, "For %s, press %d. ", p.Name, i+1)
	}
	return b.String()
}

func promptConfirmJobCode(code, patient string) string {
	spelled := strings.Join(strings.Split(code, ""), " ")
	if patient != "" {
		return fmt.Sprintf("I heard job code %s for %s. Say yes or press 1 to confirm, or no to try again.", spelled, patient)
	}
	return fmt.Sprintf("I heard job code %s. Say yes or press 1 to confirm, or no to try again.", spelled)
}

func promptJobOptions() string {
	return "What would you like to do? Press 1 to report an absence. " +
		"Press 2 to reschedule the shift. Press 3 to leave the shift open. " +
		"Press 4 to speak to a representative."
}

func promptOccurrenceMenu(occs []records.Occurrence) string {
	var b strings.Builder
	b.WriteString("Which shift? ")
	for i, o := range occs {
		fmt.Fprintf(&b, "For %s, press %d. ", spokenTime(o), i+1)
	}
	return b.String()
}

func promptConfirmDateTime(day, month, hhmm string) string {
	return fmt.Sprintf("Moving the shift to day %s of month %s at %s. Say yes or press 1 to confirm, or no to start over.",
		day, month, spokenHHMM(hhmm))
}

func promptConfirmLeaveOpenLabel(label string) string {
	return fmt.Sprintf("You want to leave the shift on %s open for anyone to pick up. Say yes or press 1 to confirm, or no to go back.",
		label)
}

func promptShiftOffer(provider, when, description string) string {
	msg := fmt.Sprintf("Hello, this is the %s shift line. A shift has become available on %s.", provider, when)
	if description != "" {
		msg += " " + description + "."
	}
	return msg + " Say yes or press 1 to accept, or no or press 2 to decline."
}

func spokenTime(o records.Occurrence) string {
	return o.StartsAt.Format("Monday January 2 at 3:04 PM")
}

func spokenHHMM(hhmm string) string {
	if len(hhmm) != 4 {
		return hhmm
	}
	return hhmm[:2] + " " + hhmm[2:]
}
