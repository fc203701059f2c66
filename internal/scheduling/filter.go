package scheduling

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AppointmentFilter is a composable query filter shared by the conflict
// checker and the listing endpoint. Zero fields are ignored.
type AppointmentFilter struct {
	ProfessionalID  *uuid.UUID
	ScheduledAt     *time.Time
	From            *time.Time
	To              *time.Time
	ExcludeID       *uuid.UUID
	ExcludeStatuses []Status
	// PatientSearch matches patient name or document, case-insensitively.
	PatientSearch string
}

// ActiveSlotFilter matches the appointments that occupy a professional's
// slot: same professional and minute, not cancelled and not no-show.
func ActiveSlotFilter(professionalID uuid.UUID, at time.Time, excludeID *uuid.UUID) AppointmentFilter {
	t := TruncateToMinute(at)
	return AppointmentFilter{
		ProfessionalID:  &professionalID,
		ScheduledAt:     &t,
		ExcludeID:       excludeID,
		ExcludeStatuses: []Status{StatusCancelled, StatusNoShow},
	}
}

// MonthWindow bounds a filter to a calendar month, or to a whole year when
// month is zero.
func MonthWindow(year int, month time.Month) (from, to time.Time) {
	if month == 0 {
		from = time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
		to = from.AddDate(1, 0, 0)
		return from, to
	}
	from = time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	to = from.AddDate(0, 1, 0)
	return from, to
}

// whereClause renders the filter as SQL. Placeholders continue from the
// given argument list so callers can append paging parameters afterwards.
func (f AppointmentFilter) whereClause(args []any) (string, []any) {
	var conds []string

	add := func(cond string, vals ...any) {
		ph := make([]any, len(vals))
		for i, v := range vals {
			args = append(args, v)
			ph[i] = len(args)
		}
		conds = append(conds, fmt.Sprintf(cond, ph...))
	}

	if f.ProfessionalID != nil {
		add("a.professional_id = $%d", *f.ProfessionalID)
	}
	if f.ScheduledAt != nil {
		add("a.scheduled_at = $%d", *f.ScheduledAt)
	}
	if f.From != nil {
		add("a.scheduled_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("a.scheduled_at < $%d", *f.To)
	}
	if f.ExcludeID != nil {
		add("a.id <> $%d", *f.ExcludeID)
	}
	if len(f.ExcludeStatuses) > 0 {
		excluded := make([]string, len(f.ExcludeStatuses))
		for i, s := range f.ExcludeStatuses {
			excluded[i] = string(s)
		}
		// NULL-status legacy rows never match <> ALL, matching the
		// original NOT IN behavior.
		add("a.status <> ALL($%d)", excluded)
	}
	if f.PatientSearch != "" {
		pattern := "%" + f.PatientSearch + "%"
		add(`EXISTS (
			SELECT 1 FROM patients p
			WHERE p.id = a.patient_id
			  AND (p.name ILIKE $%[1]d OR p.document ILIKE $%[1]d)
		)`, pattern)
	}

	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// Matches applies the filter in memory. The in-memory rule set mirrors
// whereClause and backs the mock repositories used in tests.
func (f AppointmentFilter) Matches(a Appointment, patient *Patient) bool {
	if f.ProfessionalID != nil {
		if a.ProfessionalID == nil || *a.ProfessionalID != *f.ProfessionalID {
			return false
		}
	}
	if f.ScheduledAt != nil && !a.ScheduledAt.Equal(*f.ScheduledAt) {
		return false
	}
	if f.From != nil && a.ScheduledAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !a.ScheduledAt.Before(*f.To) {
		return false
	}
	if f.ExcludeID != nil && a.ID == *f.ExcludeID {
		return false
	}
	if len(f.ExcludeStatuses) > 0 {
		// A NULL status never matches <> ALL in SQL, so it is filtered
		// out here as well.
		if a.Status == nil {
			return false
		}
		for _, s := range f.ExcludeStatuses {
			if *a.Status == s {
				return false
			}
		}
	}
	if f.PatientSearch != "" {
		if patient == nil {
			return false
		}
		needle := strings.ToLower(f.PatientSearch)
		if !strings.Contains(strings.ToLower(patient.Name), needle) {
			if patient.Document == nil || !strings.Contains(strings.ToLower(*patient.Document), needle) {
				return false
			}
		}
	}
	return true
}
