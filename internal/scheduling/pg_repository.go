package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PgStore implements AppointmentRepository, PaymentRepository,
// DirectoryRepository and Transactor on Postgres.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

// InTransaction runs fn inside a single transaction. Repository calls made
// with the ctx fn receives join that transaction.
func (r *PgStore) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		// Already transactional; nested sections just join.
		return fn(ctx)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (r *PgStore) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return r.pool
}

// Helpers

const appointmentColumns = `
	a.id, a.patient_id, a.professional_id, a.scheduled_at, a.realized_at,
	a.status, COALESCE(a.notes, ''),
	COALESCE(a.gross_value, 0), COALESCE(a.discount, 0), COALESCE(a.net_value, 0),
	a.cancellation_reason, a.created_at, a.updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var status *string

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.ProfessionalID,
		&a.ScheduledAt,
		&a.RealizedAt,
		&status,
		&a.Notes,
		&a.GrossValue,
		&a.Discount,
		&a.NetValue,
		&a.CancellationReason,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	if status != nil {
		s := Status(*status)
		a.Status = &s
	}
	return &a, nil
}

const lineItemColumns = `
	i.id, i.appointment_id, i.product_id, i.quantity,
	COALESCE(i.unit_price, 0), COALESCE(i.discount, 0), COALESCE(i.line_total, 0),
	i.created_at, i.updated_at`

func scanLineItem(row pgx.Row) (*LineItem, error) {
	var li LineItem
	err := row.Scan(
		&li.ID,
		&li.AppointmentID,
		&li.ProductID,
		&li.Quantity,
		&li.UnitPrice,
		&li.Discount,
		&li.LineTotal,
		&li.CreatedAt,
		&li.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &li, nil
}

const paymentColumns = `
	y.id, y.patient_id, y.appointment_id,
	COALESCE(y.gross_value, 0), COALESCE(y.discount, 0), COALESCE(y.net_value, 0),
	y.method, y.status, y.due_date, y.paid_at, y.confirmed_by,
	COALESCE(y.installment_number, 1), COALESCE(y.installment_total, 1),
	y.created_at, y.updated_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(
		&p.ID,
		&p.PatientID,
		&p.AppointmentID,
		&p.GrossValue,
		&p.Discount,
		&p.NetValue,
		&p.Method,
		&p.Status,
		&p.DueDate,
		&p.PaidAt,
		&p.ConfirmedBy,
		&p.InstallmentNumber,
		&p.InstallmentTotal,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Name, &p.Document, &p.Phone, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanProfessional(row pgx.Row) (*Professional, error) {
	var p Professional
	err := row.Scan(&p.ID, &p.Name, &p.Specialty, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProfessionalNotFound
		}
		return nil, err
	}
	return &p, nil
}

func pgErrCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// mapWriteErr turns constraint violations into domain errors: the partial
// unique index on (professional_id, scheduled_at) for active statuses
// degrades a lost booking race into a scheduling conflict, and foreign key
// violations into a dependency conflict.
func mapWriteErr(err error) error {
	switch pgErrCode(err) {
	case "23505":
		return ErrSchedulingConflict
	case "23503":
		return ErrDependencyConflict
	}
	return err
}

// AppointmentRepository

func (r *PgStore) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.q(ctx).QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments a
		WHERE a.id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgStore) FindOne(ctx context.Context, f AppointmentFilter) (*Appointment, error) {
	where, args := f.whereClause(nil)
	row := r.q(ctx).QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments a
		`+where+`
		ORDER BY a.scheduled_at ASC
		LIMIT 1
	`, args...)
	return scanAppointment(row)
}

func (r *PgStore) List(ctx context.Context, f AppointmentFilter, limit, offset int) ([]AppointmentDetail, int, error) {
	where, args := f.whereClause(nil)

	var total int
	err := r.q(ctx).QueryRow(ctx, `
		SELECT count(*) FROM appointments a `+where,
		args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count appointments: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := r.q(ctx).Query(ctx, fmt.Sprintf(`
		SELECT `+appointmentColumns+`
		FROM appointments a
		%s
		ORDER BY a.scheduled_at ASC
		LIMIT $%d OFFSET $%d
	`, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var appts []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, 0, err
		}
		appts = append(appts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	details := make([]AppointmentDetail, 0, len(appts))
	for _, a := range appts {
		d, err := r.hydrate(ctx, a)
		if err != nil {
			return nil, 0, err
		}
		details = append(details, *d)
	}
	return details, total, nil
}

func (r *PgStore) GetDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	a, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.hydrate(ctx, *a)
}

func (r *PgStore) hydrate(ctx context.Context, a Appointment) (*AppointmentDetail, error) {
	d := AppointmentDetail{Appointment: a}

	patient, err := r.GetPatientByID(ctx, a.PatientID)
	if err != nil && !errors.Is(err, ErrPatientNotFound) {
		return nil, err
	}
	d.Patient = patient

	if a.ProfessionalID != nil {
		professional, err := r.GetProfessionalByID(ctx, *a.ProfessionalID)
		if err != nil && !errors.Is(err, ErrProfessionalNotFound) {
			return nil, err
		}
		d.Professional = professional
	}

	if d.Items, err = r.ListLineItems(ctx, a.ID); err != nil {
		return nil, err
	}
	if d.Payments, err = r.ListByAppointment(ctx, a.ID); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *PgStore) Create(ctx context.Context, a *Appointment) error {
	var status *string
	if a.Status != nil {
		s := string(*a.Status)
		status = &s
	}

	row := r.q(ctx).QueryRow(ctx, `
		INSERT INTO appointments (
			id, patient_id, professional_id, scheduled_at, realized_at, status,
			notes, gross_value, discount, net_value, cancellation_reason,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
		RETURNING created_at, updated_at
	`, a.ID, a.PatientID, a.ProfessionalID, a.ScheduledAt, a.RealizedAt, status,
		a.Notes, a.GrossValue, a.Discount, a.NetValue, a.CancellationReason)

	if err := row.Scan(&a.CreatedAt, &a.UpdatedAt); err != nil {
		return mapWriteErr(err)
	}
	return nil
}

func (r *PgStore) Update(ctx context.Context, a *Appointment) error {
	var status *string
	if a.Status != nil {
		s := string(*a.Status)
		status = &s
	}

	tag, err := r.q(ctx).Exec(ctx, `
		UPDATE appointments
		SET patient_id = $2,
		    professional_id = $3,
		    scheduled_at = $4,
		    realized_at = $5,
		    status = $6,
		    notes = $7,
		    gross_value = $8,
		    discount = $9,
		    net_value = $10,
		    cancellation_reason = $11,
		    updated_at = now()
		WHERE id = $1
	`, a.ID, a.PatientID, a.ProfessionalID, a.ScheduledAt, a.RealizedAt, status,
		a.Notes, a.GrossValue, a.Discount, a.NetValue, a.CancellationReason)
	if err != nil {
		return mapWriteErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.q(ctx).Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	if err != nil {
		return mapWriteErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgStore) CreateLineItems(ctx context.Context, items []LineItem) error {
	for i := range items {
		item := &items[i]
		row := r.q(ctx).QueryRow(ctx, `
			INSERT INTO appointment_items (
				id, appointment_id, product_id, quantity,
				unit_price, discount, line_total, created_at, updated_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
			RETURNING created_at, updated_at
		`, item.ID, item.AppointmentID, item.ProductID, item.Quantity,
			item.UnitPrice, item.Discount, item.LineTotal)
		if err := row.Scan(&item.CreatedAt, &item.UpdatedAt); err != nil {
			return mapWriteErr(err)
		}
	}
	return nil
}

func (r *PgStore) ListLineItems(ctx context.Context, appointmentID uuid.UUID) ([]LineItem, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT `+lineItemColumns+`
		FROM appointment_items i
		WHERE i.appointment_id = $1
		ORDER BY i.created_at ASC
	`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []LineItem
	for rows.Next() {
		li, err := scanLineItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *li)
	}
	return items, rows.Err()
}

func (r *PgStore) DeleteLineItems(ctx context.Context, appointmentID uuid.UUID) error {
	_, err := r.q(ctx).Exec(ctx, `DELETE FROM appointment_items WHERE appointment_id = $1`, appointmentID)
	if err != nil {
		return mapWriteErr(err)
	}
	return nil
}

func (r *PgStore) FindBillableWithoutPayment(ctx context.Context) ([]Appointment, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments a
		WHERE a.status IN ('awaiting', 'in_progress', 'finished')
		  AND COALESCE(a.net_value, 0) > 0
		  AND NOT EXISTS (
			SELECT 1 FROM payments y WHERE y.appointment_id = a.id
		  )
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

func (r *PgStore) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.q(ctx).Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

// PaymentRepository

func (r *PgStore) GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error) {
	row := r.q(ctx).QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments y
		WHERE y.id = $1
	`, id)
	return scanPayment(row)
}

func (r *PgStore) CreatePayment(ctx context.Context, p *Payment) error {
	row := r.q(ctx).QueryRow(ctx, `
		INSERT INTO payments (
			id, patient_id, appointment_id, gross_value, discount, net_value,
			method, status, due_date, paid_at, confirmed_by,
			installment_number, installment_total, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now(), now())
		RETURNING created_at, updated_at
	`, p.ID, p.PatientID, p.AppointmentID, p.GrossValue, p.Discount, p.NetValue,
		p.Method, p.Status, p.DueDate, p.PaidAt, p.ConfirmedBy,
		p.InstallmentNumber, p.InstallmentTotal)
	if err := row.Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
		return mapWriteErr(err)
	}
	return nil
}

func (r *PgStore) UpdatePayment(ctx context.Context, p *Payment) error {
	tag, err := r.q(ctx).Exec(ctx, `
		UPDATE payments
		SET appointment_id = $2,
		    gross_value = $3,
		    discount = $4,
		    net_value = $5,
		    method = $6,
		    status = $7,
		    due_date = $8,
		    paid_at = $9,
		    confirmed_by = $10,
		    updated_at = now()
		WHERE id = $1
	`, p.ID, p.AppointmentID, p.GrossValue, p.Discount, p.NetValue,
		p.Method, p.Status, p.DueDate, p.PaidAt, p.ConfirmedBy)
	if err != nil {
		return mapWriteErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (r *PgStore) ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]Payment, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT `+paymentColumns+`
		FROM payments y
		WHERE y.appointment_id = $1
		ORDER BY y.created_at ASC
	`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func (r *PgStore) DeleteByAppointment(ctx context.Context, appointmentID uuid.UUID) error {
	_, err := r.q(ctx).Exec(ctx, `DELETE FROM payments WHERE appointment_id = $1`, appointmentID)
	if err != nil {
		return mapWriteErr(err)
	}
	return nil
}

func (r *PgStore) ListPending(ctx context.Context) ([]Payment, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT `+paymentColumns+`
		FROM payments y
		WHERE y.status = 'pending'
		ORDER BY y.created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func (r *PgStore) SumPaidBetween(ctx context.Context, from, to time.Time) (decimal.Decimal, int, error) {
	var total decimal.Decimal
	var count int
	err := r.q(ctx).QueryRow(ctx, `
		SELECT COALESCE(sum(net_value), 0), count(*)
		FROM payments
		WHERE status = 'paid'
		  AND paid_at >= $1
		  AND paid_at < $2
	`, from, to).Scan(&total, &count)
	if err != nil {
		return decimal.Zero, 0, err
	}
	return total, count, nil
}

// DirectoryRepository

func (r *PgStore) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.q(ctx).QueryRow(ctx, `
		SELECT id, name, document, phone, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgStore) GetProfessionalByID(ctx context.Context, id uuid.UUID) (*Professional, error) {
	row := r.q(ctx).QueryRow(ctx, `
		SELECT id, name, specialty, created_at, updated_at
		FROM professionals
		WHERE id = $1
	`, id)
	return scanProfessional(row)
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
