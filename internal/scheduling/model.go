package scheduling

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusAwaiting   Status = "awaiting"
	StatusInProgress Status = "in_progress"
	StatusFinished   Status = "finished"
	StatusCancelled  Status = "cancelled"
	StatusNoShow     Status = "no_show"
)

func (s Status) Valid() bool {
	switch s {
	case StatusAwaiting, StatusInProgress, StatusFinished, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// BlocksSlot reports whether an appointment in this status keeps its
// professional's slot occupied for conflict purposes.
func (s Status) BlocksSlot() bool {
	return s != StatusCancelled && s != StatusNoShow
}

type PaymentMethod string

const (
	MethodCash            PaymentMethod = "cash"
	MethodCreditCard      PaymentMethod = "credit_card"
	MethodDebitCard       PaymentMethod = "debit_card"
	MethodInstantTransfer PaymentMethod = "instant_transfer"
	MethodBankTransfer    PaymentMethod = "bank_transfer"
	MethodCheck           PaymentMethod = "check"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodCreditCard, MethodDebitCard, MethodInstantTransfer, MethodBankTransfer, MethodCheck:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentPaid      PaymentStatus = "paid"
	PaymentCancelled PaymentStatus = "cancelled"
	PaymentRefunded  PaymentStatus = "refunded"
)

type Patient struct {
	ID        uuid.UUID
	Name      string
	Document  *string
	Phone     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Professional struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Product struct {
	ID              uuid.UUID
	Name            string
	Category        string
	Price           decimal.Decimal
	DurationMinutes int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Appointment struct {
	ID             uuid.UUID
	PatientID      uuid.UUID
	ProfessionalID *uuid.UUID
	ScheduledAt    time.Time
	RealizedAt     *time.Time
	// Status is nullable in storage; legacy rows may carry no status at all.
	Status             *Status
	Notes              string
	GrossValue         decimal.Decimal
	Discount           decimal.Decimal
	NetValue           decimal.Decimal
	CancellationReason *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// RecomputeNet keeps net = gross - discount whenever a gross value is set.
func (a *Appointment) RecomputeNet() {
	if a.GrossValue.IsPositive() {
		a.NetValue = a.GrossValue.Sub(a.Discount)
	}
}

type LineItem struct {
	ID            uuid.UUID
	AppointmentID uuid.UUID
	ProductID     uuid.UUID
	Quantity      int
	UnitPrice     decimal.Decimal
	Discount      decimal.Decimal
	LineTotal     decimal.Decimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (li *LineItem) RecomputeTotal() {
	if li.UnitPrice.IsPositive() && li.Quantity > 0 {
		li.LineTotal = li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity))).Sub(li.Discount)
	}
}

type Payment struct {
	ID        uuid.UUID
	PatientID uuid.UUID
	// AppointmentID is optional; a payment may exist detached from any booking.
	AppointmentID     *uuid.UUID
	GrossValue        decimal.Decimal
	Discount          decimal.Decimal
	NetValue          decimal.Decimal
	Method            PaymentMethod
	Status            PaymentStatus
	DueDate           *time.Time
	PaidAt            *time.Time
	ConfirmedBy       *uuid.UUID
	InstallmentNumber int
	InstallmentTotal  int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (p *Payment) RecomputeNet() {
	if p.GrossValue.IsPositive() {
		p.NetValue = p.GrossValue.Sub(p.Discount)
	}
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// AppointmentDetail is an appointment hydrated with its relations for
// caller display.
type AppointmentDetail struct {
	Appointment
	Patient      *Patient
	Professional *Professional
	Items        []LineItem
	Payments     []Payment
}

// NormalizeProfessionalID coerces every representation of "no professional"
// to nil so a zero id is never stored as an assignment.
func NormalizeProfessionalID(id *uuid.UUID) *uuid.UUID {
	if id == nil || *id == uuid.Nil {
		return nil
	}
	return id
}

// TruncateToMinute drops sub-minute precision; slots are keyed to the minute.
func TruncateToMinute(t time.Time) time.Time {
	return t.Truncate(time.Minute)
}
