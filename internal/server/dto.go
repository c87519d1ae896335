package server

import (
	"time"

	"github.com/shopspring/decimal"

	"milestonepay/internal/domain"
	"milestonepay/internal/ledger"
)

// Request payloads. Amounts travel as decimal strings.

type RegisterMissionRequest struct {
	ID                  string  `json:"id,omitempty"`
	Title               string  `json:"title,omitempty"`
	FreelancerID        string  `json:"freelancer_id,omitempty"`
	ClosurePolicy       string  `json:"closure_policy,omitempty" enum:"FINAL_MILESTONE_REQUIRED,MANUAL_DUAL_CONFIRM,CONTRACT_TOTAL_AMOUNT"`
	ContractTotalAmount *string `json:"contract_total_amount,omitempty" example:"1500.00"`
}

type CreateTrancheRequest struct {
	Order         int    `json:"order,omitempty" minimum:"0"`
	Title         string `json:"title,omitempty"`
	GrossAmount   string `json:"gross_amount" example:"1000.00"`
	Required      *bool  `json:"required,omitempty"`
	Final         bool   `json:"final,omitempty"`
	DeliverableID string `json:"deliverable_id,omitempty"`
}

type AmendTrancheRequest struct {
	Title       *string `json:"title,omitempty"`
	GrossAmount *string `json:"gross_amount,omitempty"`
}

type TrancheFlagsRequest struct {
	Final    *bool `json:"final,omitempty"`
	Required *bool `json:"required,omitempty"`
}

type RejectTrancheRequest struct {
	Reason string `json:"reason,omitempty"`
}

type LinkDeliverableRequest struct {
	DeliverableID string `json:"deliverable_id"`
}

type DeliverableStatusRequest struct {
	MissionID string `json:"mission_id"`
	Status    string `json:"status" enum:"SUBMITTED,ACCEPTED,REJECTED"`
}

type PayoutMethodRequest struct {
	Kind      string `json:"kind" enum:"bank,wallet"`
	Reference string `json:"reference"`
	Primary   bool   `json:"primary,omitempty"`
}

// Response payloads

type TrancheResponse struct {
	ID               string     `json:"id"`
	MissionID        string     `json:"mission_id"`
	Order            int        `json:"order"`
	Title            string     `json:"title,omitempty"`
	GrossAmount      string     `json:"gross_amount"`
	CommissionRate   string     `json:"commission_rate"`
	Commission       string     `json:"commission"`
	NetAmount        string     `json:"net_amount"`
	Required         bool       `json:"required"`
	Final            bool       `json:"final"`
	Status           string     `json:"status"`
	PaymentURL       string     `json:"payment_url,omitempty"`
	ProviderToken    string     `json:"provider_token,omitempty"`
	DeliverableID    *string    `json:"deliverable_id,omitempty"`
	DeliveryAccepted bool       `json:"delivery_accepted"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	DepositedAt      *time.Time `json:"deposited_at,omitempty"`
	ValidatedAt      *time.Time `json:"validated_at,omitempty"`
	SettledAt        *time.Time `json:"settled_at,omitempty"`
}

type MissionResponse struct {
	ID                  string     `json:"id"`
	Title               string     `json:"title,omitempty"`
	ClientID            string     `json:"client_id"`
	FreelancerID        string     `json:"freelancer_id,omitempty"`
	ClosurePolicy       string     `json:"closure_policy"`
	ContractTotalAmount string     `json:"contract_total_amount"`
	Status              string     `json:"status"`
	ClosedByClient      bool       `json:"closed_by_client"`
	ClosedByFreelancer  bool       `json:"closed_by_freelancer"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	ClosedAt            *time.Time `json:"closed_at,omitempty"`
}

type DeliverableResponse struct {
	ID        string    `json:"id"`
	MissionID string    `json:"mission_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

type AuditResponse struct {
	ID        int64     `json:"id"`
	TS        time.Time `json:"ts"`
	TrancheID string    `json:"tranche_id,omitempty"`
	MissionID string    `json:"mission_id,omitempty"`
	Event     string    `json:"event_name"`
	Detail    string    `json:"detail,omitempty"`
}

type paginatedAudit struct {
	Items      []AuditResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type CreditResponse struct {
	TrancheID string    `json:"tranche_id"`
	Amount    string    `json:"amount"`
	Mode      string    `json:"mode"`
	CreatedAt time.Time `json:"created_at"`
}

type BalanceResponse struct {
	FreelancerID string           `json:"freelancer_id"`
	Balance      string           `json:"balance"`
	Credits      []CreditResponse `json:"credits"`
}

type WebhookResponse struct {
	TrancheID string `json:"tranche_id"`
	Status    string `json:"status"`
}

func money(d decimal.Decimal) string {
	return d.StringFixed(ledger.Places)
}

func trancheResponse(t domain.Tranche) TrancheResponse {
	return TrancheResponse{
		ID:               t.ID,
		MissionID:        t.MissionID,
		Order:            t.Order,
		Title:            t.Title,
		GrossAmount:      money(t.GrossAmount),
		CommissionRate:   t.CommissionRate.String(),
		Commission:       money(t.Commission),
		NetAmount:        money(t.NetAmount),
		Required:         t.Required,
		Final:            t.Final,
		Status:           string(t.Status),
		PaymentURL:       t.ProviderURL,
		ProviderToken:    t.ProviderToken,
		DeliverableID:    t.DeliverableID,
		DeliveryAccepted: t.DeliveryAccepted,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
		DepositedAt:      t.DepositedAt,
		ValidatedAt:      t.ValidatedAt,
		SettledAt:        t.SettledAt,
	}
}

func mapTranches(items []domain.Tranche) []TrancheResponse {
	out := make([]TrancheResponse, 0, len(items))
	for _, t := range items {
		out = append(out, trancheResponse(t))
	}
	return out
}

func missionResponse(m domain.Mission) MissionResponse {
	return MissionResponse{
		ID:                  m.ID,
		Title:               m.Title,
		ClientID:            m.ClientID,
		FreelancerID:        m.FreelancerID,
		ClosurePolicy:       string(m.ClosurePolicy),
		ContractTotalAmount: money(m.ContractTotalAmount),
		Status:              string(m.Status),
		ClosedByClient:      m.ClosedByClient,
		ClosedByFreelancer:  m.ClosedByFreelancer,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
		ClosedAt:            m.ClosedAt,
	}
}

func auditResponse(ev domain.AuditEvent) AuditResponse {
	return AuditResponse{
		ID:        ev.ID,
		TS:        ev.TS,
		TrancheID: ev.TrancheID,
		MissionID: ev.MissionID,
		Event:     ev.EventName,
		Detail:    ev.Detail,
	}
}
