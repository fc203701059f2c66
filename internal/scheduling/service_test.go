package scheduling

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var slotTime = time.Date(2025, time.April, 2, 9, 0, 0, 0, time.UTC)

func seedBooking(t *testing.T, svc *Service, store *memStore, professionalID *uuid.UUID, at time.Time) *AppointmentDetail {
	t.Helper()
	patientID := store.addPatient("Maria da Silva")
	detail, err := svc.Create(context.Background(), CreateInput{
		PatientID:      patientID,
		ProfessionalID: professionalID,
		ScheduledAt:    at,
		GrossValue:     decimal.NewFromInt(100),
		Discount:       decimal.NewFromInt(20),
	})
	if err != nil {
		t.Fatalf("create appointment: %v", err)
	}
	return detail
}

func TestCreateValidation(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &stubLocker{})
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateInput{ScheduledAt: slotTime})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("missing patient: got %v, want ErrValidation", err)
	}

	patientID := store.addPatient("Maria")
	_, err = svc.Create(ctx, CreateInput{PatientID: patientID})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("missing scheduled_at: got %v, want ErrValidation", err)
	}

	_, err = svc.Create(ctx, CreateInput{PatientID: uuid.New(), ScheduledAt: slotTime})
	if !errors.Is(err, ErrPatientNotFound) {
		t.Errorf("unknown patient: got %v, want ErrPatientNotFound", err)
	}

	ghost := uuid.New()
	_, err = svc.Create(ctx, CreateInput{PatientID: patientID, ProfessionalID: &ghost, ScheduledAt: slotTime})
	if !errors.Is(err, ErrProfessionalNotFound) {
		t.Errorf("unknown professional: got %v, want ErrProfessionalNotFound", err)
	}
}

func TestCreateBooksSlotWithPendingPayment(t *testing.T) {
	store := newMemStore()
	locker := &stubLocker{}
	svc := newTestService(store, locker)

	professionalID := store.addProfessional("Dr. Souza")
	detail := seedBooking(t, svc, store, &professionalID, slotTime.Add(42*time.Second))

	if detail.Status == nil || *detail.Status != StatusAwaiting {
		t.Errorf("status = %v, want awaiting", detail.Status)
	}
	if !detail.ScheduledAt.Equal(slotTime) {
		t.Errorf("scheduled_at = %s, want truncated to %s", detail.ScheduledAt, slotTime)
	}
	if !detail.NetValue.Equal(decimal.NewFromInt(80)) {
		t.Errorf("net = %s, want 80", detail.NetValue)
	}

	if len(detail.Payments) != 1 {
		t.Fatalf("payments = %d, want 1 companion pending payment", len(detail.Payments))
	}
	p := detail.Payments[0]
	if p.Status != PaymentPending || !p.NetValue.Equal(decimal.NewFromInt(80)) {
		t.Errorf("companion payment = %s/%s, want pending/80", p.Status, p.NetValue)
	}

	if locker.callCount() != 1 {
		t.Errorf("slot lock acquired %d times, want 1", locker.callCount())
	}

	types := store.eventTypes()
	if len(types) != 1 || types[0] != EventAppointmentCreated {
		t.Errorf("events = %v", types)
	}
}

func TestCreateZeroValueHasNoPayment(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &stubLocker{})

	patientID := store.addPatient("Maria")
	detail, err := svc.Create(context.Background(), CreateInput{
		PatientID:   patientID,
		ScheduledAt: slotTime,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(detail.Payments) != 0 {
		t.Errorf("zero-value booking should have no payment, got %d", len(detail.Payments))
	}
}

func TestCreateConflict(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &stubLocker{})

	professionalID := store.addProfessional("Dr. Souza")
	seedBooking(t, svc, store, &professionalID, slotTime)

	otherPatient := store.addPatient("Ana Pereira")
	_, err := svc.Create(context.Background(), CreateInput{
		PatientID:      otherPatient,
		ProfessionalID: &professionalID,
		ScheduledAt:    slotTime,
		GrossValue:     decimal.NewFromInt(50),
	})
	if !errors.Is(err, ErrSchedulingConflict) {
		t.Errorf("double booking: got %v, want ErrSchedulingConflict", err)
	}
}

func TestCreateUnassignedNeverConflicts(t *testing.T) {
	store := newMemStore()
	locker := &stubLocker{}
	svc := newTestService(store, locker)

	seedBooking(t, svc, store, nil, slotTime)
	seedBooking(t, svc, store, nil, slotTime)

	if locker.callCount() != 0 {
		t.Errorf("unassigned bookings should not touch the slot lock, got %d calls", locker.callCount())
	}
}

func TestCreateSlotBeingBooked(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &stubLocker{fail: true})

	patientID := store.addPatient("Maria")
	professionalID := store.addProfessional("Dr. Souza")
	_, err := svc.Create(context.Background(), CreateInput{
		PatientID:      patientID,
		ProfessionalID: &professionalID,
		ScheduledAt:    slotTime,
	})
	if !errors.Is(err, ErrSlotBeingBooked) {
		t.Errorf("held lock: got %v, want ErrSlotBeingBooked", err)
	}
}

func TestUpdateRescheduleForcesAwaiting(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &stubLocker{})

	professionalID := store.addProfessional("Dr. Souza")
	detail := seedBooking(t, svc, store, &professionalID, slotTime)

	if _, err := svc.ChangeStatus(context.Background(), detail.ID, StatusFinished, nil); err != nil {
		t.Fatalf("change status: %v", err)
	}

	newTime := slotTime.Add(2 * time.Hour)
	updated, err := svc.Update(context.Background(), detail.ID, UpdateInput{ScheduledAt: &newTime})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if updated.Status == nil || *updated.Status != StatusAwaiting {
		t.Errorf("status after move = %v, want awaiting", updated.Status)
	}
	if !strings.Contains(updated.Notes, "RESCHEDULED AT: 2025-03-10 14:30") {
		t.Errorf("notes missing reschedule marker: %q", updated.Notes)
	}
	if !updated.ScheduledAt.Equal(newTime) {
		t.Errorf("scheduled_at = %s, want %s", updated.ScheduledAt, newTime)
	}
}

func TestUpdateWithoutMoveKeepsStatus(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &stubLocker{})

	professionalID := store.addProfessional("Dr. Souza")
	detail := seedBooking(t, svc, store, &professionalID, slotTime)
	if _, err := svc.ChangeStatus(context.Background(), detail.ID, StatusInProgress, nil); err != nil {
		t.Fatalf("change status: %v", err)
	}

	notes := "patient called ahead"
	updated, err := svc.Update(context.Background(), detail.ID, UpdateInput{Notes: &notes})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if updated.Status == nil || *updated.Status != StatusInProgress {
		t.Errorf("status = %v, want in_progress preserved", updated.Status)
	}
	if strings.Contains(updated.Notes, "RESCHEDULED") {
		t.Errorf("non-move update should not add a reschedule marker: %q", updated.Notes)
	}
}

func TestUpdateMoveConflict(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &stubLocker{})

	professionalID := store.addProfessional("Dr. Souza")
	seedBooking(t, svc, store, &professionalID, slotTime)
	second := seedBooking(t, svc, store, &professionalID, slotTime.Add(time.Hour))

	moveTo := slotTime
	_, err := svc.Update(context.Background(), second.ID, UpdateInput{ScheduledAt: &moveTo})
	if !errors.Is(err, ErrSchedulingConflict) {
		t.Errorf("move into occupied slot: got %v, want ErrSchedulingConflict", err)
	}
}

func TestUpdateCannotUnassignProfessional(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &stubLocker{})

	professionalID := store.addProfessional("Dr. Souza")
	detail := seedBooking(t, svc, store, &professionalID, slotTime)

	// A nil (already normalized) professional in the input falls back to
	// the current assignment rather than clearing it.
	updated, err := svc.Update(context.Background(), detail.ID, UpdateInput{ProfessionalID: nil})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.ProfessionalID == nil || *updated.ProfessionalID != professionalID {
		t.Errorf("professional = %v, want %s kept", updated.ProfessionalID, professionalID)
	}
}

func TestUpdateRecomputesNet(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &stubLocker{})

	detail := seedBooking(t, svc, store, nil, slotTime)

	gross := decimal.NewFromInt(200)
	discount := decimal.NewFromInt(50)
	updated, err := svc.Update(context.Background(), detail.ID, UpdateInput{
		GrossValue: &gross,
		Discount:   &discount,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !updated.NetValue.Equal(decimal.NewFromInt(150)) {
		t.Errorf("net = %s, want 150", updated.NetValue)
	}
}

func TestChangeStatusInvalid(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &stubLocker{})
	detail := seedBooking(t, svc, store, nil, slotTime)

	_, err := svc.ChangeStatus(context.Background(), detail.ID, Status("done"), nil)
	if !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("got %v, want ErrInvalidStatus", err)
	}
}

func TestCancelRevertsPaidPayments(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &stubLocker{})
	ctx := context.Background()

	detail := seedBooking(t, svc, store, nil, slotTime)

	staff := uuid.New()
	paid, err := svc.ConfirmPayment(ctx, detail.ID, nil, nil, &staff)
	if err != nil {
		t.Fatalf("confirm payment: %v", err)
	}
	if paid.Status != PaymentPaid || paid.PaidAt == nil || paid.ConfirmedBy == nil {
		t.Fatalf("payment not confirmed: %+v", paid)
	}

	reason := "patient requested"
	cancelled, err := svc.ChangeStatus(ctx, detail.ID, StatusCancelled, &reason)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.CancellationReason == nil || *cancelled.CancellationReason != reason {
		t.Errorf("cancellation reason = %v", cancelled.CancellationReason)
	}

	reverted, err := store.GetPayment(ctx, paid.ID)
	if err != nil {
		t.Fatalf("load payment: %v", err)
	}
	if reverted.Status != PaymentPending {
		t.Errorf("payment status = %s, want pending after cancel", reverted.Status)
	}
	if reverted.PaidAt != nil || reverted.ConfirmedBy != nil {
		t.Error("paid_at and confirmed_by should be cleared on revert")
	}

	types := store.eventTypes()
	found := false
	for _, et := range types {
		if et == EventPaymentReverted {
			found = true
		}
	}
	if !found {
		t.Errorf("missing %s event, got %v", EventPaymentReverted, types)
	}
}

func TestConfirmPaymentUpdatesPendingInPlace(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &stubLocker{})
	ctx := context.Background()

	detail := seedBooking(t, svc, store, nil, slotTime)
	pendingID := detail.Payments[0].ID

	method := MethodCreditCard
	confirmed, err := svc.ConfirmPayment(ctx, detail.ID, nil, &method, nil)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}

	if confirmed.ID != pendingID {
		t.Errorf("confirmed a new payment %s, want existing pending %s updated", confirmed.ID, pendingID)
	}
	if confirmed.Status != PaymentPaid || confirmed.Method != MethodCreditCard {
		t.Errorf("payment = %s/%s", confirmed.Status, confirmed.Method)
	}
	if !confirmed.NetValue.Equal(decimal.NewFromInt(80)) {
		t.Errorf("amount = %s, want appointment net 80", confirmed.NetValue)
	}

	all, _ := store.ListByAppointment(ctx, detail.ID)
	if len(all) != 1 {
		t.Errorf("payments = %d, want the single updated row", len(all))
	}
}

func TestConfirmPaymentExplicitAmountOverrides(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &stubLocker{})

	detail := seedBooking(t, svc, store, nil, slotTime)

	amount := decimal.NewFromInt(50)
	confirmed, err := svc.ConfirmPayment(context.Background(), detail.ID, &amount, nil, nil)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !confirmed.GrossValue.Equal(amount) || !confirmed.NetValue.Equal(amount) || !confirmed.Discount.IsZero() {
		t.Errorf("payment values = %s/%s/%s, want 50/0/50", confirmed.GrossValue, confirmed.Discount, confirmed.NetValue)
	}
}

func TestConfirmPaymentCreatesWhenNonePending(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &stubLocker{})
	ctx := context.Background()

	// An appointment that predates the billing backfill: value set but no
	// payment row.
	awaiting := StatusAwaiting
	appt := Appointment{
		ID:          uuid.New(),
		PatientID:   store.addPatient("Maria"),
		ScheduledAt: slotTime,
		Status:      &awaiting,
		GrossValue:  decimal.NewFromInt(100),
		Discount:    decimal.NewFromInt(20),
		NetValue:    decimal.NewFromInt(80),
	}
	store.appointments[appt.ID] = appt

	confirmed, err := svc.ConfirmPayment(ctx, appt.ID, nil, nil, nil)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Status != PaymentPaid || !confirmed.NetValue.Equal(decimal.NewFromInt(80)) {
		t.Errorf("payment = %s/%s, want paid/80", confirmed.Status, confirmed.NetValue)
	}
	if confirmed.Method != MethodCash {
		t.Errorf("method = %s, want cash default", confirmed.Method)
	}
}

func TestConfirmPaymentInvalidMethod(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &stubLocker{})
	detail := seedBooking(t, svc, store, nil, slotTime)

	bad := PaymentMethod("barter")
	_, err := svc.ConfirmPayment(context.Background(), detail.ID, nil, &bad, nil)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("got %v, want ErrValidation", err)
	}
}

func TestDeleteCascades(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &stubLocker{})
	ctx := context.Background()

	patientID := store.addPatient("Maria")
	detail, err := svc.Create(ctx, CreateInput{
		PatientID:   patientID,
		ScheduledAt: slotTime,
		GrossValue:  decimal.NewFromInt(100),
		Items: []LineItemInput{
			{ProductID: uuid.New(), Quantity: 2, UnitPrice: decimal.NewFromInt(50)},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.Delete(ctx, detail.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := store.GetByID(ctx, detail.ID); !errors.Is(err, ErrAppointmentNotFound) {
		t.Error("appointment should be gone")
	}
	items, _ := store.ListLineItems(ctx, detail.ID)
	if len(items) != 0 {
		t.Errorf("line items left behind: %d", len(items))
	}
	payments, _ := store.ListByAppointment(ctx, detail.ID)
	if len(payments) != 0 {
		t.Errorf("payments left behind: %d", len(payments))
	}
}

func TestDeleteMissing(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &stubLocker{})
	if err := svc.Delete(context.Background(), uuid.New()); !errors.Is(err, ErrAppointmentNotFound) {
		t.Errorf("got %v, want ErrAppointmentNotFound", err)
	}
}

func TestListMonthWindowAndPagination(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &stubLocker{})
	ctx := context.Background()

	patientID := store.addPatient("Maria da Silva")
	awaiting := StatusAwaiting
	for day := 1; day <= 15; day++ {
		a := Appointment{
			ID:          uuid.New(),
			PatientID:   patientID,
			ScheduledAt: time.Date(2025, time.March, day, 10, 0, 0, 0, time.UTC),
			Status:      &awaiting,
		}
		store.appointments[a.ID] = a
	}
	// Outside the window.
	out := Appointment{
		ID:          uuid.New(),
		PatientID:   patientID,
		ScheduledAt: time.Date(2025, time.April, 1, 10, 0, 0, 0, time.UTC),
		Status:      &awaiting,
	}
	store.appointments[out.ID] = out

	items, total, err := svc.List(ctx, ListQuery{Year: 2025, Month: time.March, Page: 2, Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 15 {
		t.Errorf("total = %d, want 15", total)
	}
	if len(items) != 5 {
		t.Errorf("page 2 size = %d, want 5", len(items))
	}

	// Search narrows by patient name.
	_, total, err = svc.List(ctx, ListQuery{Year: 2025, Month: time.March, Search: "souza"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 0 {
		t.Errorf("unmatched search total = %d, want 0", total)
	}
}

func TestSummarize(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &stubLocker{})
	ctx := context.Background()

	from, to := MonthWindow(2025, time.March)
	inWindow := time.Date(2025, time.March, 5, 12, 0, 0, 0, time.UTC)
	outOfWindow := time.Date(2025, time.February, 5, 12, 0, 0, 0, time.UTC)

	patientID := store.addPatient("Maria")
	mk := func(status PaymentStatus, net int64, paidAt *time.Time) {
		p := Payment{
			ID:        uuid.New(),
			PatientID: patientID,
			NetValue:  decimal.NewFromInt(net),
			Method:    MethodCash,
			Status:    status,
			PaidAt:    paidAt,
		}
		store.payments[p.ID] = p
	}
	mk(PaymentPaid, 100, &inWindow)
	mk(PaymentPaid, 70, &outOfWindow)
	mk(PaymentPending, 30, nil)
	mk(PaymentPending, 20, nil)

	summary, err := svc.Summarize(ctx, from, to)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if !summary.TotalPaid.Equal(decimal.NewFromInt(100)) || summary.PaidCount != 1 {
		t.Errorf("paid = %s/%d, want 100/1", summary.TotalPaid, summary.PaidCount)
	}
	if !summary.TotalPending.Equal(decimal.NewFromInt(50)) || summary.PendingCount != 2 {
		t.Errorf("pending = %s/%d, want 50/2", summary.TotalPending, summary.PendingCount)
	}
}

func TestBackfillPendingPayments(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &stubLocker{})
	ctx := context.Background()

	patientID := store.addPatient("Maria")
	awaiting := StatusAwaiting
	cancelled := StatusCancelled

	billable := Appointment{
		ID:          uuid.New(),
		PatientID:   patientID,
		ScheduledAt: slotTime,
		Status:      &awaiting,
		GrossValue:  decimal.NewFromInt(100),
		NetValue:    decimal.NewFromInt(100),
	}
	store.appointments[billable.ID] = billable

	// No value, cancelled, or already billed: all skipped.
	free := Appointment{ID: uuid.New(), PatientID: patientID, ScheduledAt: slotTime, Status: &awaiting}
	store.appointments[free.ID] = free
	dead := Appointment{
		ID: uuid.New(), PatientID: patientID, ScheduledAt: slotTime,
		Status: &cancelled, NetValue: decimal.NewFromInt(40),
	}
	store.appointments[dead.ID] = dead

	created, err := svc.BackfillPendingPayments(ctx)
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if created != 1 {
		t.Errorf("created = %d, want 1", created)
	}

	payments, _ := store.ListByAppointment(ctx, billable.ID)
	if len(payments) != 1 || payments[0].Status != PaymentPending || !payments[0].NetValue.Equal(decimal.NewFromInt(100)) {
		t.Errorf("backfilled payment = %+v", payments)
	}

	// Idempotent on the second pass.
	created, err = svc.BackfillPendingPayments(ctx)
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if created != 0 {
		t.Errorf("second pass created = %d, want 0", created)
	}
}
