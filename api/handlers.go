/*
handlers.go - HTTP API handlers for hostel billing

PURPOSE:
  Exposes the billing engine over REST. Handlers decode and validate the
  request, call one engine operation and serialize its result. No business
  rule lives here.

ENDPOINTS:
  Payments:
    POST /api/payments                       Initialize a booking charge
    POST /api/payments/top-up                Initialize a balance top-up
    POST /api/payments/{reference}/confirm   Confirm either kind

  Periods & residents:
    POST /api/periods/{id}/end               End a calendar period
    POST /api/hostels/{id}/periods           Start a period (ends the active one)
    POST /api/residents/{id}/checkout        Mid-period check-out

  Admin:
    POST /api/admin/reconcile-orphans        Resolve orphaned payments

  Access codes:
    GET  /api/access-codes/{code}?hostel_id= Verify a check-in code

  Gateway:
    POST /api/webhooks/paystack              Signed Paystack webhook (no JWT)

ERROR HANDLING:
  Engine error kinds map to status codes:
  - 400: malformed body, validation failure
  - 404: ErrNotFound
  - 409: ErrConflict
  - 422: ErrInvalidState
  - 502: ErrUpstreamFailure
  - 500: anything else

WEBHOOK:
  Paystack retries any non-2xx answer. Only a bad signature gets one (401);
  ignored events, duplicates and internal failures are answered 200 and
  logged, and the reconciler picks up whatever was left pending.

SEE ALSO:
  - dto.go: Request/response types
  - server.go: Router setup and middleware
  - auth.go: JWT middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/warp/hostel-billing/billing"
	"github.com/warp/hostel-billing/gateway/paystack"
	"go.uber.org/zap"
)

// maxWebhookBody bounds the webhook read; Paystack payloads are a few KB.
const maxWebhookBody = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *billing.Engine
	Logger *zap.Logger

	validate *validator.Validate
}

// NewHandler creates a handler over a wired engine.
func NewHandler(engine *billing.Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Engine:   engine,
		Logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// log returns the handler logger tagged with the request id and actor.
func (h *Handler) log(r *http.Request) *zap.Logger {
	l := h.Logger.With(zap.String("request_id", middleware.GetReqID(r.Context())))
	if actor := Actor(r.Context()); actor != "" {
		l = l.With(zap.String("actor", actor))
	}
	return l
}

// =============================================================================
// PAYMENT ENDPOINTS
// =============================================================================

// InitializeCharge handles POST /api/payments
func (h *Handler) InitializeCharge(w http.ResponseWriter, r *http.Request) {
	var req InitializeChargeRequest
	if !h.decode(w, r, &req) {
		return
	}

	session, err := h.Engine.InitializeCharge(r.Context(), req.RoomID, req.ResidentID, req.Amount)
	if err != nil {
		h.engineError(w, r, err)
		return
	}

	h.log(r).Info("charge initialized",
		zap.String("reference", session.Payment.Reference),
		zap.String("resident_id", req.ResidentID),
		zap.String("room_id", req.RoomID))
	writeJSON(w, http.StatusCreated, ChargeSessionDTO{
		Payment:          toPaymentDTO(session.Payment),
		AuthorizationURL: session.AuthorizationURL,
	})
}

// InitializeTopUp handles POST /api/payments/top-up
func (h *Handler) InitializeTopUp(w http.ResponseWriter, r *http.Request) {
	var req InitializeTopUpRequest
	if !h.decode(w, r, &req) {
		return
	}

	session, err := h.Engine.InitializeTopUpCharge(r.Context(), req.ResidentID, req.Amount)
	if err != nil {
		h.engineError(w, r, err)
		return
	}

	h.log(r).Info("top-up initialized",
		zap.String("reference", session.Payment.Reference),
		zap.String("resident_id", req.ResidentID))
	writeJSON(w, http.StatusCreated, ChargeSessionDTO{
		Payment:          toPaymentDTO(session.Payment),
		AuthorizationURL: session.AuthorizationURL,
	})
}

// ConfirmPayment handles POST /api/payments/{reference}/confirm
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "reference")

	res, err := h.Engine.Confirm(r.Context(), ref)
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConfirmDTO(res))
}

func toConfirmDTO(res *billing.ConfirmResult) ConfirmDTO {
	dto := ConfirmDTO{
		Payment:          toPaymentDTO(res.Payment),
		AlreadyConfirmed: res.AlreadyConfirmed,
		Room:             toRoomDTO(res.Room),
		AccessCode:       res.AccessCode,
	}
	if res.Resident != nil {
		dto.ResidentID = res.Resident.ID
	}
	return dto
}

// =============================================================================
// PERIOD ENDPOINTS
// =============================================================================

// EndPeriod handles POST /api/periods/{id}/end
func (h *Handler) EndPeriod(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.EndPeriod(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	h.log(r).Info("period ended via api", zap.String("period_id", res.Period.ID))
	writeJSON(w, http.StatusOK, toRolloverDTO(res))
}

// StartPeriod handles POST /api/hostels/{id}/periods
func (h *Handler) StartPeriod(w http.ResponseWriter, r *http.Request) {
	var req StartPeriodRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Engine.StartPeriod(r.Context(), chi.URLParam(r, "id"), req.Name)
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, StartPeriodDTO{
		Period:   toPeriodDTO(res.Period),
		Previous: toRolloverDTO(res.Previous),
	})
}

// CheckOut handles POST /api/residents/{id}/checkout
func (h *Handler) CheckOut(w http.ResponseWriter, r *http.Request) {
	hist, err := h.Engine.CheckOut(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, HistoricalResidentDTO{
		ID:               hist.ID,
		ResidentID:       hist.ResidentID,
		RoomID:           hist.RoomID,
		CalendarPeriodID: hist.CalendarPeriodID,
		AmountPaid:       hist.AmountPaid,
		RoomPrice:        hist.RoomPrice,
		ArchivedAt:       hist.ArchivedAt,
	})
}

// =============================================================================
// ADMIN & ACCESS CODES
// =============================================================================

// ReconcileOrphans handles POST /api/admin/reconcile-orphans
func (h *Handler) ReconcileOrphans(w http.ResponseWriter, r *http.Request) {
	report, err := h.Engine.ReconcileOrphans(r.Context())
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileDTO(report))
}

// VerifyAccessCode handles GET /api/access-codes/{code}
func (h *Handler) VerifyAccessCode(w http.ResponseWriter, r *http.Request) {
	v, err := h.Engine.VerifyCode(r.Context(), chi.URLParam(r, "code"), r.URL.Query().Get("hostel_id"))
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CodeVerificationDTO{
		ResidentID:       v.Resident.ID,
		HostelID:         v.Resident.HostelID,
		Room:             toRoomDTO(v.Room),
		AmountPaid:       v.AmountPaid,
		BalanceOwed:      v.BalanceOwed,
		PaymentReference: v.PaymentReference,
	})
}

// =============================================================================
// WEBHOOK
// =============================================================================

// PaystackWebhook handles POST /api/webhooks/paystack
func (h *Handler) PaystackWebhook(w http.ResponseWriter, r *http.Request) {
	log := h.log(r)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return
	}
	if !h.Engine.Gateway.VerifyWebhookSignature(body, r.Header.Get(paystack.SignatureHeader)) {
		log.Warn("webhook rejected: bad signature", zap.String("remote", r.RemoteAddr))
		writeError(w, http.StatusUnauthorized, "invalid signature", nil)
		return
	}

	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		log.Warn("webhook ignored: malformed body", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if ev.Event != "charge.success" || ev.Data.Reference == "" {
		log.Debug("webhook ignored", zap.String("event", ev.Event))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	res, err := h.Engine.Confirm(r.Context(), ev.Data.Reference)
	if err != nil {
		log.Error("webhook confirmation failed",
			zap.String("reference", ev.Data.Reference),
			zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]string{"status": "error"})
		return
	}
	status := "confirmed"
	if res.AlreadyConfirmed {
		status = "already_confirmed"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads a JSON body and runs struct validation. It writes the 400
// response itself and reports whether the handler should continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// engineError maps an engine error kind to an HTTP status.
func (h *Handler) engineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	var be *billing.Error
	if errors.As(err, &be) && be.Message != "" {
		msg = be.Message
	}
	if status >= http.StatusInternalServerError {
		h.log(r).Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
	}
	writeError(w, status, msg, nil)
}

func statusFor(err error) int {
	switch billing.KindOf(err) {
	case billing.ErrNotFound:
		return http.StatusNotFound
	case billing.ErrInvalidState:
		return http.StatusUnprocessableEntity
	case billing.ErrConflict:
		return http.StatusConflict
	case billing.ErrUpstreamFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
