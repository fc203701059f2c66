package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	redisclient "github.com/clinicore/clinic-scheduling/internal/redis"
)

const (
	EventAppointmentCreated     = "APPOINTMENT_CREATED"
	EventAppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	EventAppointmentUpdated     = "APPOINTMENT_UPDATED"
	EventStatusChanged          = "APPOINTMENT_STATUS_CHANGED"
	EventPaymentConfirmed       = "PAYMENT_CONFIRMED"
	EventPaymentReverted        = "PAYMENT_REVERTED"
	EventAppointmentDeleted     = "APPOINTMENT_DELETED"
	EventAppointmentRebooked    = "APPOINTMENT_REBOOKED"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrSchedulingConflict = errors.New("professional already has an appointment at this time")
	ErrSlotBeingBooked    = errors.New("slot is currently being booked, please retry")
	ErrInvalidStatus      = errors.New("invalid appointment status")
	ErrNotRebookable      = errors.New("only no-show appointments can be rebooked")
	ErrDependencyConflict = errors.New("appointment has related records that block deletion")
)

const noteTimeFormat = "2006-01-02 15:04"

type Service struct {
	appts    AppointmentRepository
	payments PaymentRepository
	dir      DirectoryRepository
	tx       Transactor
	conflict *ConflictChecker
	locker   redisclient.Locker
	log      zerolog.Logger
	now      func() time.Time
}

func NewService(appts AppointmentRepository, payments PaymentRepository, dir DirectoryRepository, tx Transactor, locker redisclient.Locker, log zerolog.Logger) *Service {
	return &Service{
		appts:    appts,
		payments: payments,
		dir:      dir,
		tx:       tx,
		conflict: NewConflictChecker(appts),
		locker:   locker,
		log:      log,
		now:      time.Now,
	}
}

type LineItemInput struct {
	ProductID uuid.UUID
	Quantity  int
	UnitPrice decimal.Decimal
	Discount  decimal.Decimal
}

type CreateInput struct {
	PatientID      uuid.UUID
	ProfessionalID *uuid.UUID
	ScheduledAt    time.Time
	Notes          string
	GrossValue     decimal.Decimal
	Discount       decimal.Decimal
	Items          []LineItemInput
}

// Create books a new appointment in status awaiting. When the appointment
// carries a positive net value a companion pending payment is created so the
// billing view never has to invent a missing payment row.
func (s *Service) Create(ctx context.Context, in CreateInput) (*AppointmentDetail, error) {
	if in.PatientID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient_id is required", ErrValidation)
	}
	if in.ScheduledAt.IsZero() {
		return nil, fmt.Errorf("%w: scheduled_at is required", ErrValidation)
	}

	if _, err := s.dir.GetPatientByID(ctx, in.PatientID); err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}

	professionalID := NormalizeProfessionalID(in.ProfessionalID)
	if professionalID != nil {
		if _, err := s.dir.GetProfessionalByID(ctx, *professionalID); err != nil {
			if errors.Is(err, ErrProfessionalNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("load professional: %w", err)
		}
	}

	scheduledAt := TruncateToMinute(in.ScheduledAt)
	status := StatusAwaiting

	appt := &Appointment{
		ID:             uuid.New(),
		PatientID:      in.PatientID,
		ProfessionalID: professionalID,
		ScheduledAt:    scheduledAt,
		Status:         &status,
		Notes:          in.Notes,
		GrossValue:     in.GrossValue,
		Discount:       in.Discount,
	}
	appt.RecomputeNet()

	err := s.withSlot(ctx, professionalID, scheduledAt, func(lockCtx context.Context) error {
		return s.tx.InTransaction(lockCtx, func(txCtx context.Context) error {
			taken, err := s.conflict.HasConflict(txCtx, professionalID, scheduledAt, nil)
			if err != nil {
				return err
			}
			if taken {
				return ErrSchedulingConflict
			}

			if err := s.appts.Create(txCtx, appt); err != nil {
				return fmt.Errorf("create appointment: %w", err)
			}

			items := buildLineItems(appt.ID, in.Items)
			if len(items) > 0 {
				if err := s.appts.CreateLineItems(txCtx, items); err != nil {
					return fmt.Errorf("create line items: %w", err)
				}
			}

			if appt.NetValue.IsPositive() {
				payment := &Payment{
					ID:                uuid.New(),
					PatientID:         appt.PatientID,
					AppointmentID:     &appt.ID,
					GrossValue:        appt.GrossValue,
					Discount:          appt.Discount,
					NetValue:          appt.NetValue,
					Method:            MethodCash,
					Status:            PaymentPending,
					InstallmentNumber: 1,
					InstallmentTotal:  1,
				}
				if err := s.payments.CreatePayment(txCtx, payment); err != nil {
					return fmt.Errorf("create pending payment: %w", err)
				}
			}

			s.logEvent(txCtx, appt.ID, EventAppointmentCreated, map[string]any{
				"patient_id":   appt.PatientID.String(),
				"scheduled_at": scheduledAt,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return s.appts.GetDetail(ctx, appt.ID)
}

type UpdateInput struct {
	PatientID      *uuid.UUID
	ProfessionalID *uuid.UUID
	ScheduledAt    *time.Time
	Notes          *string
	GrossValue     *decimal.Decimal
	Discount       *decimal.Decimal
}

// Update applies a partial change. Moving the slot (time or professional)
// re-runs the conflict check, forces the status back to awaiting unless the
// appointment is already cancelled or no-show, and stamps a reschedule
// marker into the notes.
func (s *Service) Update(ctx context.Context, id uuid.UUID, in UpdateInput) (*AppointmentDetail, error) {
	appt, err := s.appts.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	newProfessional := appt.ProfessionalID
	if normalized := NormalizeProfessionalID(in.ProfessionalID); normalized != nil {
		newProfessional = normalized
	}

	newTime := appt.ScheduledAt
	if in.ScheduledAt != nil {
		newTime = TruncateToMinute(*in.ScheduledAt)
	}

	moved := !newTime.Equal(appt.ScheduledAt) || !sameProfessional(newProfessional, appt.ProfessionalID)

	apply := func(txCtx context.Context) error {
		if moved {
			taken, err := s.conflict.HasConflict(txCtx, newProfessional, newTime, &id)
			if err != nil {
				return err
			}
			if taken {
				return ErrSchedulingConflict
			}
		}

		if in.PatientID != nil && *in.PatientID != uuid.Nil {
			appt.PatientID = *in.PatientID
		}
		appt.ProfessionalID = newProfessional
		appt.ScheduledAt = newTime
		if in.Notes != nil {
			appt.Notes = *in.Notes
		}
		if in.GrossValue != nil {
			appt.GrossValue = *in.GrossValue
		}
		if in.Discount != nil {
			appt.Discount = *in.Discount
		}
		appt.RecomputeNet()

		if moved && (appt.Status == nil || appt.Status.BlocksSlot()) {
			status := StatusAwaiting
			appt.Status = &status
			appt.Notes = appendNote(appt.Notes, fmt.Sprintf("RESCHEDULED AT: %s", s.now().Format(noteTimeFormat)))
		}

		if err := s.appts.Update(txCtx, appt); err != nil {
			return fmt.Errorf("update appointment: %w", err)
		}

		event := EventAppointmentUpdated
		if moved {
			event = EventAppointmentRescheduled
		}
		s.logEvent(txCtx, appt.ID, event, map[string]any{
			"scheduled_at": newTime,
		})
		return nil
	}

	run := func(lockCtx context.Context) error {
		return s.tx.InTransaction(lockCtx, apply)
	}
	if moved {
		err = s.withSlot(ctx, newProfessional, newTime, run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		return nil, err
	}

	return s.appts.GetDetail(ctx, id)
}

// ChangeStatus moves the appointment to newStatus. Transitioning to
// cancelled reverts every paid payment attached to the appointment back to
// pending so no phantom confirmed payment survives the cancellation.
func (s *Service) ChangeStatus(ctx context.Context, id uuid.UUID, newStatus Status, cancellationReason *string) (*AppointmentDetail, error) {
	if !newStatus.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, newStatus)
	}

	appt, err := s.appts.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	err = s.tx.InTransaction(ctx, func(txCtx context.Context) error {
		appt.Status = &newStatus
		if newStatus == StatusCancelled && cancellationReason != nil {
			appt.CancellationReason = cancellationReason
		}

		if err := s.appts.Update(txCtx, appt); err != nil {
			return fmt.Errorf("update appointment status: %w", err)
		}

		if newStatus == StatusCancelled {
			if err := s.revertPaidPayments(txCtx, id); err != nil {
				return err
			}
		}

		s.logEvent(txCtx, id, EventStatusChanged, map[string]any{
			"status": string(newStatus),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.appts.GetDetail(ctx, id)
}

func (s *Service) revertPaidPayments(ctx context.Context, appointmentID uuid.UUID) error {
	payments, err := s.payments.ListByAppointment(ctx, appointmentID)
	if err != nil {
		return fmt.Errorf("list payments: %w", err)
	}

	for i := range payments {
		p := &payments[i]
		if p.Status != PaymentPaid {
			continue
		}
		p.Status = PaymentPending
		p.PaidAt = nil
		p.ConfirmedBy = nil
		if err := s.payments.UpdatePayment(ctx, p); err != nil {
			return fmt.Errorf("revert payment %s: %w", p.ID, err)
		}
		s.logEvent(ctx, appointmentID, EventPaymentReverted, map[string]any{
			"payment_id": p.ID.String(),
		})
	}
	return nil
}

// ConfirmPayment marks the appointment as paid for the resolved amount:
// the explicit amount when given, else the appointment's net value, else its
// gross value, else zero. An existing pending payment is updated in place to
// avoid duplicate rows; otherwise a payment is created already paid.
func (s *Service) ConfirmPayment(ctx context.Context, appointmentID uuid.UUID, amountPaid *decimal.Decimal, method *PaymentMethod, confirmedBy *uuid.UUID) (*Payment, error) {
	if method != nil && !method.Valid() {
		return nil, fmt.Errorf("%w: unknown payment method %q", ErrValidation, *method)
	}

	appt, err := s.appts.GetByID(ctx, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	amount := decimal.Zero
	switch {
	case amountPaid != nil:
		amount = *amountPaid
	case appt.NetValue.IsPositive():
		amount = appt.NetValue
	case appt.GrossValue.IsPositive():
		amount = appt.GrossValue
	}

	var confirmed *Payment
	err = s.tx.InTransaction(ctx, func(txCtx context.Context) error {
		payments, err := s.payments.ListByAppointment(txCtx, appointmentID)
		if err != nil {
			return fmt.Errorf("list payments: %w", err)
		}

		now := s.now()

		var pending *Payment
		for i := range payments {
			if payments[i].Status == PaymentPending {
				pending = &payments[i]
				break
			}
		}

		if pending != nil {
			if amountPaid != nil {
				pending.GrossValue = *amountPaid
				pending.Discount = decimal.Zero
				pending.NetValue = *amountPaid
			}
			if method != nil {
				pending.Method = *method
			}
			pending.Status = PaymentPaid
			pending.PaidAt = &now
			pending.ConfirmedBy = confirmedBy
			if err := s.payments.UpdatePayment(txCtx, pending); err != nil {
				return fmt.Errorf("confirm pending payment: %w", err)
			}
			confirmed = pending
		} else {
			m := MethodCash
			if method != nil {
				m = *method
			}
			p := &Payment{
				ID:                uuid.New(),
				PatientID:         appt.PatientID,
				AppointmentID:     &appointmentID,
				GrossValue:        amount,
				Discount:          decimal.Zero,
				NetValue:          amount,
				Method:            m,
				Status:            PaymentPaid,
				PaidAt:            &now,
				ConfirmedBy:       confirmedBy,
				InstallmentNumber: 1,
				InstallmentTotal:  1,
			}
			if err := s.payments.CreatePayment(txCtx, p); err != nil {
				return fmt.Errorf("create paid payment: %w", err)
			}
			confirmed = p
		}

		s.logEvent(txCtx, appointmentID, EventPaymentConfirmed, map[string]any{
			"payment_id": confirmed.ID.String(),
			"amount":     confirmed.NetValue.String(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return confirmed, nil
}

// Delete removes an appointment and its dependents. Payments and line items
// are removed by hand first so a blocked cascade surfaces as a clear
// dependency conflict instead of a generic storage failure.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := s.appts.GetByID(ctx, id); err != nil {
		return fmt.Errorf("load appointment: %w", err)
	}

	err := s.tx.InTransaction(ctx, func(txCtx context.Context) error {
		if err := s.payments.DeleteByAppointment(txCtx, id); err != nil {
			return fmt.Errorf("delete payments: %w", err)
		}
		if err := s.appts.DeleteLineItems(txCtx, id); err != nil {
			return fmt.Errorf("delete line items: %w", err)
		}
		if err := s.appts.Delete(txCtx, id); err != nil {
			return fmt.Errorf("delete appointment: %w", err)
		}
		s.logEvent(txCtx, id, EventAppointmentDeleted, map[string]any{})
		return nil
	})
	if err != nil {
		s.log.Error().Err(err).Str("appointment_id", id.String()).Msg("delete appointment failed")
		return err
	}
	return nil
}

// Get retrieves a fully hydrated appointment by ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	detail, err := s.appts.GetDetail(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return detail, nil
}

type ListQuery struct {
	Year   int
	Month  time.Month
	Search string
	Page   int
	Limit  int
}

// List retrieves appointments for the agenda view, optionally bounded to a
// month or year window and filtered by patient name or document.
func (s *Service) List(ctx context.Context, q ListQuery) ([]AppointmentDetail, int, error) {
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.Limit <= 0 {
		q.Limit = 10
	}
	if q.Limit > 100 {
		q.Limit = 100
	}

	var f AppointmentFilter
	if q.Year > 0 {
		from, to := MonthWindow(q.Year, q.Month)
		f.From = &from
		f.To = &to
	}
	f.PatientSearch = q.Search

	offset := (q.Page - 1) * q.Limit
	items, total, err := s.appts.List(ctx, f, q.Limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list appointments: %w", err)
	}
	return items, total, nil
}

type FinancialSummary struct {
	From         time.Time
	To           time.Time
	TotalPaid    decimal.Decimal
	PaidCount    int
	TotalPending decimal.Decimal
	PendingCount int
	Pending      []Payment
}

// Summarize aggregates paid revenue inside the window plus the open pending
// payments, for the finance dashboard.
func (s *Service) Summarize(ctx context.Context, from, to time.Time) (*FinancialSummary, error) {
	totalPaid, paidCount, err := s.payments.SumPaidBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("sum paid payments: %w", err)
	}

	pending, err := s.payments.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending payments: %w", err)
	}

	totalPending := decimal.Zero
	for _, p := range pending {
		totalPending = totalPending.Add(p.NetValue)
	}

	return &FinancialSummary{
		From:         from,
		To:           to,
		TotalPaid:    totalPaid,
		PaidCount:    paidCount,
		TotalPending: totalPending,
		PendingCount: len(pending),
		Pending:      pending,
	}, nil
}

// BackfillPendingPayments creates the missing pending payment for every
// billable appointment that has none. Called periodically by the billing
// worker.
func (s *Service) BackfillPendingPayments(ctx context.Context) (int, error) {
	missing, err := s.appts.FindBillableWithoutPayment(ctx)
	if err != nil {
		return 0, fmt.Errorf("find billable appointments: %w", err)
	}

	created := 0
	for _, appt := range missing {
		payment := &Payment{
			ID:                uuid.New(),
			PatientID:         appt.PatientID,
			AppointmentID:     &appt.ID,
			GrossValue:        appt.GrossValue,
			Discount:          appt.Discount,
			NetValue:          appt.NetValue,
			Method:            MethodCash,
			Status:            PaymentPending,
			InstallmentNumber: 1,
			InstallmentTotal:  1,
		}
		if err := s.payments.CreatePayment(ctx, payment); err != nil {
			s.log.Error().Err(err).Str("appointment_id", appt.ID.String()).Msg("backfill pending payment failed")
			continue
		}
		created++
	}
	return created, nil
}

func (s *Service) withSlot(ctx context.Context, professionalID *uuid.UUID, at time.Time, fn func(ctx context.Context) error) error {
	// Unassigned appointments share no slot, so there is nothing to guard.
	if professionalID == nil {
		return fn(ctx)
	}
	err := s.locker.WithSlotLock(ctx, *professionalID, at, fn)
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return ErrSlotBeingBooked
	}
	return err
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Str("event_type", eventType).Msg("marshal event payload failed")
		data = nil
	}

	apptID := appointmentID
	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.now(),
	}

	if err := s.appts.InsertEvent(ctx, ev); err != nil {
		s.log.Error().Err(err).
			Str("event_type", eventType).
			Str("appointment_id", appointmentID.String()).
			Msg("insert event log failed")
	}
}

func buildLineItems(appointmentID uuid.UUID, inputs []LineItemInput) []LineItem {
	items := make([]LineItem, 0, len(inputs))
	for _, in := range inputs {
		item := LineItem{
			ID:            uuid.New(),
			AppointmentID: appointmentID,
			ProductID:     in.ProductID,
			Quantity:      in.Quantity,
			UnitPrice:     in.UnitPrice,
			Discount:      in.Discount,
		}
		if item.Quantity <= 0 {
			item.Quantity = 1
		}
		item.RecomputeTotal()
		items = append(items, item)
	}
	return items
}

func sameProfessional(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func appendNote(notes, marker string) string {
	if notes == "" {
		return marker
	}
	return notes + "\n" + marker
}
