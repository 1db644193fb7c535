package webhook

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shiftline/shiftline/internal/events"
	"github.com/shiftline/shiftline/internal/fsm"
	"github.com/shiftline/shiftline/internal/records"
)

// execute runs one effect output against the record stores and returns
// the input to feed back into the machine. isEffect is false for
// user-facing outputs, which the caller renders instead.
func (d *Dispatcher) execute(ctx context.Context, state *fsm.CallState, out fsm.Output) (fsm.Input, bool, error) {
	switch eff := out.(type) {
	case fsm.LookupEmployeesByPhone:
		emps, err := d.records.EmployeeByPhone(ctx, eff.Phone)
		if err != nil {
			return nil, true, fmt.Errorf("looking up employees by phone: %w", err)
		}
		return fsm.EmployeesFound{Employees: emps}, true, nil

	case fsm.LookupEmployeeByPin:
		emp, err := d.records.EmployeeByPin(ctx, eff.PIN)
		if err != nil && !errors.Is(err, records.ErrNotFound) {
			return nil, true, fmt.Errorf("looking up employee by pin: %w", err)
		}
		return fsm.EmployeeResolved{Employee: emp}, true, nil

	case fsm.LookupProviders:
		provs, err := d.records.ProvidersForEmployee(ctx, eff.EmployeeID)
		if err != nil {
			return nil, true, fmt.Errorf("looking up providers: %w", err)
		}
		return fsm.ProvidersFound{Providers: provs}, true, nil

	case fsm.LookupJobTemplate:
		tpl, err := d.records.JobTemplateByCode(ctx, eff.ProviderID, eff.Code)
		if err != nil && !errors.Is(err, records.ErrNotFound) {
			return nil, true, fmt.Errorf("looking up job template: %w", err)
		}
		return fsm.JobFound{Template: tpl}, true, nil

	case fsm.LookupOccurrences:
		occs, err := d.records.OccurrencesForTemplate(ctx, eff.TemplateID)
		if err != nil {
			return nil, true, fmt.Errorf("looking up occurrences: %w", err)
		}
		return fsm.OccurrencesFound{Occurrences: d.actionable(occs)}, true, nil

	case fsm.LookupOffer:
		occ, err := d.records.OccurrenceByID(ctx, eff.OccurrenceID)
		if err != nil {
			return nil, true, fmt.Errorf("loading offered occurrence: %w", err)
		}
		prov, err := d.records.ProviderByID(ctx, occ.ProviderID)
		if err != nil {
			return nil, true, fmt.Errorf("loading offering provider: %w", err)
		}
		return fsm.ShiftOffer{Occurrence: *occ, Provider: *prov}, true, nil

	case fsm.ReportAbsence:
		if err := d.records.UpdateOccurrence(ctx, eff.OccurrenceID, records.OccurrenceUnfilled, eff.Reason); err != nil {
			return nil, true, fmt.Errorf("marking occurrence unfilled: %w", err)
		}
		intent := "absence"
		d.logUpdate(ctx, state.Sid, records.CallLogUpdate{DetectedIntent: &intent})
		d.publish(ctx, state.Identity.ProviderID, events.TypeAbsenceReported, state.Sid, map[string]any{
			"occurrenceId": eff.OccurrenceID,
			"employeeId":   state.Identity.EmployeeID,
			"reason":       eff.Reason,
		})
		if d.waves != nil {
			d.waves.Schedule(eff.OccurrenceID)
		}
		return fsm.ActionDone{}, true, nil

	case fsm.RescheduleShift:
		startsAt, err := resolveProposedTime(d.now().UTC(), eff.Day, eff.Month, eff.TimeHHMM)
		if err != nil {
			return nil, true, fmt.Errorf("resolving proposed time: %w", err)
		}
		if err := d.records.UpdateOccurrence(ctx, eff.OccurrenceID, records.OccurrenceCancelled, "rescheduled"); err != nil {
			return nil, true, fmt.Errorf("cancelling original occurrence: %w", err)
		}
		created, err := d.records.CreateOccurrence(ctx, records.Occurrence{
			TemplateID: eff.TemplateID,
			ProviderID: state.Identity.ProviderID,
			EmployeeID: state.Identity.EmployeeID,
			StartsAt:   startsAt,
		})
		if err != nil {
			return nil, true, fmt.Errorf("creating rescheduled occurrence: %w", err)
		}
		intent := "reschedule"
		d.logUpdate(ctx, state.Sid, records.CallLogUpdate{DetectedIntent: &intent})
		d.publish(ctx, state.Identity.ProviderID, events.TypeShiftRescheduled, state.Sid, map[string]any{
			"occurrenceId":    eff.OccurrenceID,
			"newOccurrenceId": created.ID,
			"startsAt":        startsAt.Format(time.RFC3339),
		})
		return fsm.ActionDone{}, true, nil

	case fsm.LeaveShiftOpen:
		if err := d.records.UpdateOccurrence(ctx, eff.OccurrenceID, records.OccurrenceUnfilled, "left open"); err != nil {
			return nil, true, fmt.Errorf("leaving occurrence open: %w", err)
		}
		intent := "leave_open"
		d.logUpdate(ctx, state.Sid, records.CallLogUpdate{DetectedIntent: &intent})
		d.publish(ctx, state.Identity.ProviderID, events.TypeShiftLeftOpen, state.Sid, map[string]any{
			"occurrenceId": eff.OccurrenceID,
		})
		if d.waves != nil {
			d.waves.Schedule(eff.OccurrenceID)
		}
		return fsm.ActionDone{}, true, nil

	case fsm.AcceptShift:
		if d.waves != nil {
			if err := d.waves.HandleAccepted(ctx, eff.OccurrenceID, eff.EmployeeID); err != nil {
				return nil, true, fmt.Errorf("accepting shift: %w", err)
			}
		}
		intent := "accept_offer"
		d.logUpdate(ctx, state.Sid, records.CallLogUpdate{DetectedIntent: &intent})
		return fsm.ActionDone{}, true, nil

	case fsm.DeclineShift:
		if d.waves != nil {
			d.waves.HandleDeclined(ctx, eff.OccurrenceID, eff.EmployeeID)
		}
		intent := "decline_offer"
		d.logUpdate(ctx, state.Sid, records.CallLogUpdate{DetectedIntent: &intent})
		d.publish(ctx, state.Identity.ProviderID, events.TypeShiftDeclined, state.Sid, map[string]any{
			"occurrenceId": eff.OccurrenceID,
			"employeeId":   eff.EmployeeID,
		})
		return fsm.ActionDone{}, true, nil

	default:
		return nil, false, nil
	}
}

// actionable filters occurrences to the ones a caller can act on:
// scheduled, from the start of today (UTC) onward, soonest first.
func (d *Dispatcher) actionable(occs []records.Occurrence) []records.Occurrence {
	dayStart := d.now().UTC().Truncate(24 * time.Hour)
	var out []records.Occurrence
	for _, o := range occs {
		if o.Status != records.OccurrenceScheduled {
			continue
		}
		if o.StartsAt.Before(dayStart) {
			continue
		}
		out = append(out, o)
	}
	return out
}

// resolveProposedTime maps spoken day/month/time onto the next matching
// date: this year, or next year when the date already passed.
func resolveProposedTime(now time.Time, day, month, hhmm string) (time.Time, error) {
	d, err := strconv.Atoi(day)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad day %q", day)
	}
	m, err := strconv.Atoi(month)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad month %q", month)
	}
	if len(hhmm) != 4 {
		return time.Time{}, fmt.Errorf("bad time %q", hhmm)
	}
	hh, err := strconv.Atoi(hhmm[:2])
	if err != nil {
		return time.Time{}, fmt.Errorf("bad time %q", hhmm)
	}
	mm, err := strconv.Atoi(hhmm[2:])
	if err != nil {
		return time.Time{}, fmt.Errorf("bad time %q", hhmm)
	}

	candidate := time.Date(now.Year(), time.Month(m), d, hh, mm, 0, 0, time.UTC)
	if candidate.Before(now) {
		candidate = time.Date(now.Year()+1, time.Month(m), d, hh, mm, 0, 0, time.UTC)
	}
	// Reject normalized overflow such as day 31 in a 30-day month.
	if candidate.Day() != d || candidate.Month() != time.Month(m) {
		return time.Time{}, fmt.Errorf("day %d does not exist in month %d", d, m)
	}
	return candidate, nil
}
