package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ConflictChecker decides whether a professional's slot is already taken.
// It has no side effects; the answer is deterministic given store contents.
type ConflictChecker struct {
	appts AppointmentRepository
}

func NewConflictChecker(appts AppointmentRepository) *ConflictChecker {
	return &ConflictChecker{appts: appts}
}

// HasConflict reports whether an active appointment occupies the
// (professional, minute) pair. Unassigned appointments never conflict, so a
// nil professional is always free. excludeID skips the appointment being
// rescheduled so it cannot conflict with itself.
func (c *ConflictChecker) HasConflict(ctx context.Context, professionalID *uuid.UUID, at time.Time, excludeID *uuid.UUID) (bool, error) {
	if professionalID == nil {
		return false, nil
	}

	_, err := c.appts.FindOne(ctx, ActiveSlotFilter(*professionalID, at, excludeID))
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("check occupied slot: %w", err)
	}
	return true, nil
}
