package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Rebook clones a no-show appointment into a fresh booking at a new slot.
// The original record is never deleted: both records get reciprocal note
// markers so each stays traceable to the other without a foreign join, and
// the original keeps its no_show status. Open (pending or paid) payments
// follow the patient to the new booking; cancelled and refunded payments are
// history of the old one and stay put.
func (s *Service) Rebook(ctx context.Context, originalID uuid.UUID, newScheduledAt time.Time, newProfessionalID *uuid.UUID) (*AppointmentDetail, error) {
	original, err := s.appts.GetByID(ctx, originalID)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	if original.Status == nil || *original.Status != StatusNoShow {
		return nil, ErrNotRebookable
	}

	professionalID := NormalizeProfessionalID(newProfessionalID)
	if professionalID == nil {
		professionalID = original.ProfessionalID
	}
	scheduledAt := TruncateToMinute(newScheduledAt)

	status := StatusAwaiting
	now := s.now()

	replacement := &Appointment{
		ID:             uuid.New(),
		PatientID:      original.PatientID,
		ProfessionalID: professionalID,
		ScheduledAt:    scheduledAt,
		Status:         &status,
		Notes: appendNote(original.Notes,
			fmt.Sprintf("REBOOKED AT: %s (source id: %s)", now.Format(noteTimeFormat), originalID)),
		GrossValue: original.GrossValue,
		Discount:   original.Discount,
		NetValue:   original.NetValue,
	}
	replacement.RecomputeNet()

	err = s.withSlot(ctx, professionalID, scheduledAt, func(lockCtx context.Context) error {
		return s.tx.InTransaction(lockCtx, func(txCtx context.Context) error {
			taken, err := s.conflict.HasConflict(txCtx, professionalID, scheduledAt, nil)
			if err != nil {
				return err
			}
			if taken {
				return ErrSchedulingConflict
			}

			if err := s.appts.Create(txCtx, replacement); err != nil {
				return fmt.Errorf("create rebooked appointment: %w", err)
			}

			if err := s.cloneLineItems(txCtx, originalID, replacement.ID); err != nil {
				return err
			}

			if err := s.migrateOpenPayments(txCtx, originalID, replacement.ID); err != nil {
				return err
			}

			original.Notes = appendNote(original.Notes,
				fmt.Sprintf("REBOOKED TO: %s AT: %s", replacement.ID, now.Format(noteTimeFormat)))
			if err := s.appts.Update(txCtx, original); err != nil {
				return fmt.Errorf("annotate original appointment: %w", err)
			}

			s.logEvent(txCtx, replacement.ID, EventAppointmentRebooked, map[string]any{
				"source_id":    originalID.String(),
				"scheduled_at": scheduledAt,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return s.appts.GetDetail(ctx, replacement.ID)
}

func (s *Service) cloneLineItems(ctx context.Context, fromID, toID uuid.UUID) error {
	items, err := s.appts.ListLineItems(ctx, fromID)
	if err != nil {
		return fmt.Errorf("list line items: %w", err)
	}
	if len(items) == 0 {
		return nil
	}

	clones := make([]LineItem, 0, len(items))
	for _, item := range items {
		clone := LineItem{
			ID:            uuid.New(),
			AppointmentID: toID,
			ProductID:     item.ProductID,
			Quantity:      item.Quantity,
			UnitPrice:     item.UnitPrice,
			Discount:      item.Discount,
		}
		clone.RecomputeTotal()
		clones = append(clones, clone)
	}

	if err := s.appts.CreateLineItems(ctx, clones); err != nil {
		return fmt.Errorf("clone line items: %w", err)
	}
	return nil
}

func (s *Service) migrateOpenPayments(ctx context.Context, fromID, toID uuid.UUID) error {
	payments, err := s.payments.ListByAppointment(ctx, fromID)
	if err != nil {
		return fmt.Errorf("list payments: %w", err)
	}

	for i := range payments {
		p := &payments[i]
		if p.Status != PaymentPending && p.Status != PaymentPaid {
			continue
		}
		target := toID
		p.AppointmentID = &target
		if err := s.payments.UpdatePayment(ctx, p); err != nil {
			return fmt.Errorf("migrate payment %s: %w", p.ID, err)
		}
	}
	return nil
}
