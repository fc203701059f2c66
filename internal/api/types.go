package api

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clinicore/clinic-scheduling/internal/scheduling"
)

type LineItemRequest struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Discount  decimal.Decimal `json:"discount"`
}

type CreateAppointmentRequest struct {
	PatientID      string            `json:"patient_id"`
	ProfessionalID *string           `json:"professional_id"`
	ScheduledAt    time.Time         `json:"scheduled_at"`
	Notes          string            `json:"notes"`
	GrossValue     decimal.Decimal   `json:"gross_value"`
	Discount       decimal.Decimal   `json:"discount"`
	Items          []LineItemRequest `json:"items"`
}

type UpdateAppointmentRequest struct {
	PatientID      *string          `json:"patient_id"`
	ProfessionalID *string          `json:"professional_id"`
	ScheduledAt    *time.Time       `json:"scheduled_at"`
	Notes          *string          `json:"notes"`
	GrossValue     *decimal.Decimal `json:"gross_value"`
	Discount       *decimal.Decimal `json:"discount"`
}

type ChangeStatusRequest struct {
	Status             string  `json:"status"`
	CancellationReason *string `json:"cancellation_reason"`
}

type ConfirmPaymentRequest struct {
	AmountPaid *decimal.Decimal `json:"amount_paid"`
	Method     *string          `json:"method"`
}

type RebookRequest struct {
	ScheduledAt    time.Time `json:"scheduled_at"`
	ProfessionalID *string   `json:"professional_id"`
}

type PatientResponse struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	Document *string   `json:"document,omitempty"`
	Phone    *string   `json:"phone,omitempty"`
}

type ProfessionalResponse struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Specialty *string   `json:"specialty,omitempty"`
}

type LineItemResponse struct {
	ID        uuid.UUID       `json:"id"`
	ProductID uuid.UUID       `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Discount  decimal.Decimal `json:"discount"`
	LineTotal decimal.Decimal `json:"line_total"`
}

type PaymentResponse struct {
	ID                uuid.UUID       `json:"id"`
	PatientID         uuid.UUID       `json:"patient_id"`
	AppointmentID     *uuid.UUID      `json:"appointment_id,omitempty"`
	GrossValue        decimal.Decimal `json:"gross_value"`
	Discount          decimal.Decimal `json:"discount"`
	NetValue          decimal.Decimal `json:"net_value"`
	Method            string          `json:"method"`
	Status            string          `json:"status"`
	DueDate           *time.Time      `json:"due_date,omitempty"`
	PaidAt            *time.Time      `json:"paid_at,omitempty"`
	ConfirmedBy       *uuid.UUID      `json:"confirmed_by,omitempty"`
	InstallmentNumber int             `json:"installment_number"`
	InstallmentTotal  int             `json:"installment_total"`
}

type AppointmentResponse struct {
	ID                 uuid.UUID             `json:"id"`
	PatientID          uuid.UUID             `json:"patient_id"`
	ProfessionalID     *uuid.UUID            `json:"professional_id,omitempty"`
	ScheduledAt        time.Time             `json:"scheduled_at"`
	RealizedAt         *time.Time            `json:"realized_at,omitempty"`
	Status             *string               `json:"status"`
	Notes              string                `json:"notes,omitempty"`
	GrossValue         decimal.Decimal       `json:"gross_value"`
	Discount           decimal.Decimal       `json:"discount"`
	NetValue           decimal.Decimal       `json:"net_value"`
	CancellationReason *string               `json:"cancellation_reason,omitempty"`
	Patient            *PatientResponse      `json:"patient,omitempty"`
	Professional       *ProfessionalResponse `json:"professional,omitempty"`
	Items              []LineItemResponse    `json:"items"`
	Payments           []PaymentResponse     `json:"payments"`
}

type Pagination struct {
	CurrentPage  int  `json:"current_page"`
	TotalPages   int  `json:"total_pages"`
	TotalRecords int  `json:"total_records"`
	HasNext      bool `json:"has_next"`
	HasPrev      bool `json:"has_prev"`
}

type ListAppointmentsResponse struct {
	Data       []AppointmentResponse `json:"data"`
	Pagination Pagination            `json:"pagination"`
}

type FinancialSummaryResponse struct {
	From         time.Time         `json:"from"`
	To           time.Time         `json:"to"`
	TotalPaid    decimal.Decimal   `json:"total_paid"`
	PaidCount    int               `json:"paid_count"`
	TotalPending decimal.Decimal   `json:"total_pending"`
	PendingCount int               `json:"pending_count"`
	Pending      []PaymentResponse `json:"pending"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// parseProfessionalID normalizes every wire representation of "no
// professional" to nil: a missing field, empty string, the literals used by
// sloppy clients for absence, and the zero id.
func parseProfessionalID(raw *string) (*uuid.UUID, bool) {
	if raw == nil {
		return nil, true
	}
	v := strings.TrimSpace(strings.ToLower(*raw))
	switch v {
	case "", "null", "undefined", "nan", "0":
		return nil, true
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, false
	}
	return scheduling.NormalizeProfessionalID(&id), true
}

func toAppointmentResponse(d *scheduling.AppointmentDetail) AppointmentResponse {
	resp := AppointmentResponse{
		ID:                 d.ID,
		PatientID:          d.PatientID,
		ProfessionalID:     d.ProfessionalID,
		ScheduledAt:        d.ScheduledAt,
		RealizedAt:         d.RealizedAt,
		Notes:              d.Notes,
		GrossValue:         d.GrossValue,
		Discount:           d.Discount,
		NetValue:           d.NetValue,
		CancellationReason: d.CancellationReason,
		Items:              make([]LineItemResponse, 0, len(d.Items)),
		Payments:           make([]PaymentResponse, 0, len(d.Payments)),
	}
	if d.Status != nil {
		s := string(*d.Status)
		resp.Status = &s
	}
	if d.Patient != nil {
		resp.Patient = &PatientResponse{
			ID:       d.Patient.ID,
			Name:     d.Patient.Name,
			Document: d.Patient.Document,
			Phone:    d.Patient.Phone,
		}
	}
	if d.Professional != nil {
		resp.Professional = &ProfessionalResponse{
			ID:        d.Professional.ID,
			Name:      d.Professional.Name,
			Specialty: d.Professional.Specialty,
		}
	}
	for _, item := range d.Items {
		resp.Items = append(resp.Items, LineItemResponse{
			ID:        item.ID,
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Discount:  item.Discount,
			LineTotal: item.LineTotal,
		})
	}
	for _, p := range d.Payments {
		resp.Payments = append(resp.Payments, toPaymentResponse(p))
	}
	return resp
}

func toPaymentResponse(p scheduling.Payment) PaymentResponse {
	return PaymentResponse{
		ID:                p.ID,
		PatientID:         p.PatientID,
		AppointmentID:     p.AppointmentID,
		GrossValue:        p.GrossValue,
		Discount:          p.Discount,
		NetValue:          p.NetValue,
		Method:            string(p.Method),
		Status:            string(p.Status),
		DueDate:           p.DueDate,
		PaidAt:            p.PaidAt,
		ConfirmedBy:       p.ConfirmedBy,
		InstallmentNumber: p.InstallmentNumber,
		InstallmentTotal:  p.InstallmentTotal,
	}
}
