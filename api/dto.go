/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON contract of the billing API so the domain types in
  billing/ can change without breaking clients.

NAMING CONVENTION:
  - *Request: request bodies, validated with go-playground/validator tags
  - *DTO:     response types

MONEY:
  Amounts are decimal strings ("1250.50") in both directions. Requests
  also accept JSON numbers.
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/hostel-billing/billing"
)

// =============================================================================
// REQUESTS
// =============================================================================

type InitializeChargeRequest struct {
	RoomID     string          `json:"room_id" validate:"required"`
	ResidentID string          `json:"resident_id" validate:"required"`
	Amount     decimal.Decimal `json:"amount"`
}

type InitializeTopUpRequest struct {
	ResidentID string          `json:"resident_id" validate:"required"`
	Amount     decimal.Decimal `json:"amount"`
}

type StartPeriodRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

// WebhookEvent is the part of a Paystack webhook body the API reads.
type WebhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
	} `json:"data"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type PaymentDTO struct {
	ID                   string           `json:"id"`
	Reference            string           `json:"reference"`
	Kind                 string           `json:"kind"`
	Status               string           `json:"status"`
	Amount               decimal.Decimal  `json:"amount"`
	AmountPaid           decimal.Decimal  `json:"amount_paid"`
	BalanceOwed          *decimal.Decimal `json:"balance_owed"`
	ResidentID           *string          `json:"resident_id,omitempty"`
	HistoricalResidentID *string          `json:"historical_resident_id,omitempty"`
	RoomID               string           `json:"room_id"`
	CalendarPeriodID     string           `json:"calendar_period_id"`
	Channel              string           `json:"channel,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	PaidAt               *time.Time       `json:"paid_at,omitempty"`
}

type ChargeSessionDTO struct {
	Payment          PaymentDTO `json:"payment"`
	AuthorizationURL string     `json:"authorization_url"`
}

type RoomDTO struct {
	ID               string          `json:"id"`
	HostelID         string          `json:"hostel_id"`
	Number           string          `json:"number"`
	MaxCapacity      int             `json:"max_capacity"`
	CurrentOccupancy int             `json:"current_occupancy"`
	Status           string          `json:"status"`
	Price            decimal.Decimal `json:"price"`
}

type ConfirmDTO struct {
	Payment          PaymentDTO `json:"payment"`
	AlreadyConfirmed bool       `json:"already_confirmed"`
	ResidentID       string     `json:"resident_id,omitempty"`
	Room             *RoomDTO   `json:"room,omitempty"`
	// The code is delivered by email as well; returned here for the front desk.
	AccessCode string `json:"access_code,omitempty"`
}

type HistoricalResidentDTO struct {
	ID               string          `json:"id"`
	ResidentID       string          `json:"resident_id"`
	RoomID           string          `json:"room_id"`
	CalendarPeriodID string          `json:"calendar_period_id"`
	AmountPaid       decimal.Decimal `json:"amount_paid"`
	RoomPrice        decimal.Decimal `json:"room_price"`
	ArchivedAt       time.Time       `json:"archived_at"`
}

type PeriodDTO struct {
	ID        string     `json:"id"`
	HostelID  string     `json:"hostel_id"`
	Name      string     `json:"name"`
	StartDate time.Time  `json:"start_date"`
	EndDate   *time.Time `json:"end_date,omitempty"`
	IsActive  bool       `json:"is_active"`
}

type RolloverDTO struct {
	Period           PeriodDTO               `json:"period"`
	Archived         []HistoricalResidentDTO `json:"archived"`
	PaymentsRelinked int                     `json:"payments_relinked"`
}

type StartPeriodDTO struct {
	Period   PeriodDTO    `json:"period"`
	Previous *RolloverDTO `json:"previous,omitempty"`
}

type ResolutionDTO struct {
	PaymentID string `json:"payment_id"`
	Reference string `json:"reference"`
	Kind      string `json:"kind"`
	Reason    string `json:"reason,omitempty"`
	LinkedTo  string `json:"linked_to,omitempty"`
}

type ReconcileDTO struct {
	Scanned     int             `json:"scanned"`
	Resolutions []ResolutionDTO `json:"resolutions"`
	Counts      map[string]int  `json:"counts"`
}

type CodeVerificationDTO struct {
	ResidentID       string          `json:"resident_id"`
	HostelID         string          `json:"hostel_id"`
	Room             *RoomDTO        `json:"room,omitempty"`
	AmountPaid       decimal.Decimal `json:"amount_paid"`
	BalanceOwed      decimal.Decimal `json:"balance_owed"`
	PaymentReference string          `json:"payment_reference,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toPaymentDTO(p billing.Payment) PaymentDTO {
	return PaymentDTO{
		ID:                   p.ID,
		Reference:            p.Reference,
		Kind:                 string(p.Kind),
		Status:               string(p.Status),
		Amount:               p.Amount,
		AmountPaid:           p.AmountPaid,
		BalanceOwed:          p.BalanceOwed,
		ResidentID:           p.ResidentID,
		HistoricalResidentID: p.HistoricalResidentID,
		RoomID:               p.RoomID,
		CalendarPeriodID:     p.CalendarPeriodID,
		Channel:              p.Channel,
		CreatedAt:            p.CreatedAt,
		PaidAt:               p.PaidAt,
	}
}

func toRoomDTO(r *billing.Room) *RoomDTO {
	if r == nil {
		return nil
	}
	return &RoomDTO{
		ID:               r.ID,
		HostelID:         r.HostelID,
		Number:           r.Number,
		MaxCapacity:      r.MaxCapacity,
		CurrentOccupancy: r.CurrentOccupancy,
		Status:           string(r.Status),
		Price:            r.Price,
	}
}

func toPeriodDTO(p billing.CalendarPeriod) PeriodDTO {
	return PeriodDTO{
		ID:        p.ID,
		HostelID:  p.HostelID,
		Name:      p.Name,
		StartDate: p.StartDate,
		EndDate:   p.EndDate,
		IsActive:  p.IsActive,
	}
}

func toRolloverDTO(r *billing.RolloverResult) *RolloverDTO {
	if r == nil {
		return nil
	}
	archived := make([]HistoricalResidentDTO, 0, len(r.Archived))
	for _, h := range r.Archived {
		archived = append(archived, HistoricalResidentDTO{
			ID:               h.ID,
			ResidentID:       h.ResidentID,
			RoomID:           h.RoomID,
			CalendarPeriodID: h.CalendarPeriodID,
			AmountPaid:       h.AmountPaid,
			RoomPrice:        h.RoomPrice,
			ArchivedAt:       h.ArchivedAt,
		})
	}
	return &RolloverDTO{
		Period:           toPeriodDTO(r.Period),
		Archived:         archived,
		PaymentsRelinked: r.PaymentsRelinked,
	}
}

func toReconcileDTO(r *billing.ReconcileReport) ReconcileDTO {
	out := ReconcileDTO{
		Scanned:     r.Scanned,
		Resolutions: make([]ResolutionDTO, 0, len(r.Resolutions)),
		Counts:      make(map[string]int, len(r.Counts)),
	}
	for _, res := range r.Resolutions {
		out.Resolutions = append(out.Resolutions, ResolutionDTO{
			PaymentID: res.PaymentID,
			Reference: res.Reference,
			Kind:      string(res.Kind),
			Reason:    res.Reason,
			LinkedTo:  res.LinkedTo,
		})
	}
	for k, n := range r.Counts {
		out.Counts[string(k)] = n
	}
	return out
}
