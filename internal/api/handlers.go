package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	redisclient "github.com/clinicore/clinic-scheduling/internal/redis"
	"github.com/clinicore/clinic-scheduling/internal/scheduling"
)

// actingUserID resolves the staff member behind the request from the
// identity layer in front of this service. Used only for confirmed_by.
func actingUserID(r *http.Request) *uuid.UUID {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil
	}
	return &id
}

func createAppointmentHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "patient_id must be a valid UUID")
			return
		}

		professionalID, ok := parseProfessionalID(req.ProfessionalID)
		if !ok {
			writeError(w, http.StatusBadRequest, "validation_error", "professional_id must be a valid UUID or empty")
			return
		}

		in := scheduling.CreateInput{
			PatientID:      patientID,
			ProfessionalID: professionalID,
			ScheduledAt:    req.ScheduledAt,
			Notes:          req.Notes,
			GrossValue:     req.GrossValue,
			Discount:       req.Discount,
		}
		for _, item := range req.Items {
			productID, err := uuid.Parse(item.ProductID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "validation_error", "items[].product_id must be a valid UUID")
				return
			}
			in.Items = append(in.Items, scheduling.LineItemInput{
				ProductID: productID,
				Quantity:  item.Quantity,
				UnitPrice: item.UnitPrice,
				Discount:  item.Discount,
			})
		}

		detail, err := svc.Create(r.Context(), in)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toAppointmentResponse(detail))
	}
}

func listAppointmentsHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := scheduling.ListQuery{
			Search: r.URL.Query().Get("search"),
		}
		if v := r.URL.Query().Get("year"); v != "" {
			q.Year, _ = strconv.Atoi(v)
		}
		if v := r.URL.Query().Get("month"); v != "" {
			m, _ := strconv.Atoi(v)
			q.Month = time.Month(m)
		}
		if v := r.URL.Query().Get("page"); v != "" {
			q.Page, _ = strconv.Atoi(v)
		}
		if v := r.URL.Query().Get("limit"); v != "" {
			q.Limit, _ = strconv.Atoi(v)
		}

		items, total, err := svc.List(r.Context(), q)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		limit := q.Limit
		if limit <= 0 {
			limit = 10
		}
		page := q.Page
		if page <= 0 {
			page = 1
		}
		totalPages := (total + limit - 1) / limit

		resp := ListAppointmentsResponse{
			Data: make([]AppointmentResponse, 0, len(items)),
			Pagination: Pagination{
				CurrentPage:  page,
				TotalPages:   totalPages,
				TotalRecords: total,
				HasNext:      page < totalPages,
				HasPrev:      page > 1,
			},
		}
		for i := range items {
			resp.Data = append(resp.Data, toAppointmentResponse(&items[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func getAppointmentHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		detail, err := svc.Get(r.Context(), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(detail))
	}
}

func updateAppointmentHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		var req UpdateAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		in := scheduling.UpdateInput{
			ScheduledAt: req.ScheduledAt,
			Notes:       req.Notes,
			GrossValue:  req.GrossValue,
			Discount:    req.Discount,
		}
		if req.PatientID != nil {
			patientID, err := uuid.Parse(*req.PatientID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "validation_error", "patient_id must be a valid UUID")
				return
			}
			in.PatientID = &patientID
		}
		professionalID, ok := parseProfessionalID(req.ProfessionalID)
		if !ok {
			writeError(w, http.StatusBadRequest, "validation_error", "professional_id must be a valid UUID or empty")
			return
		}
		in.ProfessionalID = professionalID

		detail, err := svc.Update(r.Context(), id, in)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(detail))
	}
}

func changeStatusHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		var req ChangeStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		detail, err := svc.ChangeStatus(r.Context(), id, scheduling.Status(req.Status), req.CancellationReason)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(detail))
	}
}

func confirmPaymentHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		var req ConfirmPaymentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		var method *scheduling.PaymentMethod
		if req.Method != nil {
			m := scheduling.PaymentMethod(*req.Method)
			method = &m
		}

		payment, err := svc.ConfirmPayment(r.Context(), id, req.AmountPaid, method, actingUserID(r))
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toPaymentResponse(*payment))
	}
}

func rebookAppointmentHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		var req RebookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if req.ScheduledAt.IsZero() {
			writeError(w, http.StatusBadRequest, "validation_error", "scheduled_at is required")
			return
		}

		professionalID, ok := parseProfessionalID(req.ProfessionalID)
		if !ok {
			writeError(w, http.StatusBadRequest, "validation_error", "professional_id must be a valid UUID or empty")
			return
		}

		detail, err := svc.Rebook(r.Context(), id, req.ScheduledAt, professionalID)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toAppointmentResponse(detail))
	}
}

func deleteAppointmentHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		if err := svc.Delete(r.Context(), id); err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
	}
}

func financialSummaryHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().UTC()
		year := now.Year()
		month := now.Month()
		if v := r.URL.Query().Get("year"); v != "" {
			year, _ = strconv.Atoi(v)
		}
		if v := r.URL.Query().Get("month"); v != "" {
			m, _ := strconv.Atoi(v)
			month = time.Month(m)
		}

		from, to := scheduling.MonthWindow(year, month)
		summary, err := svc.Summarize(r.Context(), from, to)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		resp := FinancialSummaryResponse{
			From:         summary.From,
			To:           summary.To,
			TotalPaid:    summary.TotalPaid,
			PaidCount:    summary.PaidCount,
			TotalPending: summary.TotalPending,
			PendingCount: summary.PendingCount,
			Pending:      make([]PaymentResponse, 0, len(summary.Pending)),
		}
		for _, p := range summary.Pending {
			resp.Pending = append(resp.Pending, toPaymentResponse(p))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduling.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, scheduling.ErrSchedulingConflict):
		writeError(w, http.StatusConflict, "scheduling_conflict", err.Error())
	case errors.Is(err, scheduling.ErrSlotBeingBooked),
		errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "slot_being_booked", "slot is currently being booked, please retry shortly")
	case errors.Is(err, scheduling.ErrAppointmentNotFound),
		errors.Is(err, scheduling.ErrPatientNotFound),
		errors.Is(err, scheduling.ErrProfessionalNotFound),
		errors.Is(err, scheduling.ErrPaymentNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, scheduling.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, "invalid_status", err.Error())
	case errors.Is(err, scheduling.ErrNotRebookable):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, scheduling.ErrDependencyConflict):
		writeError(w, http.StatusConflict, "dependency_conflict", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
