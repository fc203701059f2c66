package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrPatientNotFound      = errors.New("patient not found")
	ErrProfessionalNotFound = errors.New("professional not found")
	ErrAppointmentNotFound  = errors.New("appointment not found")
	ErrPaymentNotFound      = errors.New("payment not found")
)

// AppointmentRepository contains the appointment and line-item interactions
// needed by the service.
type AppointmentRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error)

	// FindOne returns the first appointment matching the filter, or
	// ErrAppointmentNotFound. The conflict checker builds on this.
	FindOne(ctx context.Context, f AppointmentFilter) (*Appointment, error)
	List(ctx context.Context, f AppointmentFilter, limit, offset int) ([]AppointmentDetail, int, error)

	Create(ctx context.Context, a *Appointment) error
	Update(ctx context.Context, a *Appointment) error
	Delete(ctx context.Context, id uuid.UUID) error

	CreateLineItems(ctx context.Context, items []LineItem) error
	ListLineItems(ctx context.Context, appointmentID uuid.UUID) ([]LineItem, error)
	DeleteLineItems(ctx context.Context, appointmentID uuid.UUID) error

	// FindBillableWithoutPayment lists active appointments carrying a
	// positive net value that have no payment row yet.
	FindBillableWithoutPayment(ctx context.Context) ([]Appointment, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}

// PaymentRepository contains the payment interactions needed by the service.
type PaymentRepository interface {
	GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error)
	CreatePayment(ctx context.Context, p *Payment) error
	UpdatePayment(ctx context.Context, p *Payment) error
	ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]Payment, error)
	DeleteByAppointment(ctx context.Context, appointmentID uuid.UUID) error

	ListPending(ctx context.Context) ([]Payment, error)
	SumPaidBetween(ctx context.Context, from, to time.Time) (decimal.Decimal, int, error)
}

// DirectoryRepository resolves the reference entities appointments point at.
type DirectoryRepository interface {
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetProfessionalByID(ctx context.Context, id uuid.UUID) (*Professional, error)
}

// Transactor runs fn atomically: every repository call made with the ctx it
// passes joins the same storage transaction.
type Transactor interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
