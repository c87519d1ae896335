package domain

import (
	"time"

	"github.com/shopspring/decimal"

	"milestonepay/internal/ledger"
)

// PaymentMode selects how money reaches the freelancer. It is engine-wide.
type PaymentMode string

const (
	ModeDirect PaymentMode = "direct"
	ModeEscrow PaymentMode = "escrow"
)

func (m PaymentMode) Valid() bool {
	return m == ModeDirect || m == ModeEscrow
}

type MissionStatus string

const (
	MissionInProgress   MissionStatus = "IN_PROGRESS"
	MissionReadyToClose MissionStatus = "READY_TO_CLOSE"
	MissionClosed       MissionStatus = "CLOSED"
)

type ClosurePolicy string

const (
	PolicyFinalMilestoneRequired ClosurePolicy = "FINAL_MILESTONE_REQUIRED"
	PolicyManualDualConfirm      ClosurePolicy = "MANUAL_DUAL_CONFIRM"
	PolicyContractTotalAmount    ClosurePolicy = "CONTRACT_TOTAL_AMOUNT"
)

func (p ClosurePolicy) Valid() bool {
	switch p {
	case PolicyFinalMilestoneRequired, PolicyManualDualConfirm, PolicyContractTotalAmount:
		return true
	}
	return false
}

type DeliverableStatus string

const (
	DeliverableSubmitted DeliverableStatus = "SUBMITTED"
	DeliverableAccepted  DeliverableStatus = "ACCEPTED"
	DeliverableRejected  DeliverableStatus = "REJECTED"
)

func (s DeliverableStatus) Valid() bool {
	switch s {
	case DeliverableSubmitted, DeliverableAccepted, DeliverableRejected:
		return true
	}
	return false
}

// Tranche is one milestone of a mission's payment plan.
type Tranche struct {
	ID             string          `json:"id"`
	MissionID      string          `json:"mission_id"`
	Order          int             `json:"order"`
	Version        int64           `json:"version"`
	Title          string          `json:"title"`
	GrossAmount    decimal.Decimal `json:"gross_amount"`
	CommissionRate decimal.Decimal `json:"commission_rate"`
	Commission     decimal.Decimal `json:"commission"`
	NetAmount      decimal.Decimal `json:"net_amount"`
	Required       bool            `json:"required"`
	Final          bool            `json:"final"`
	ProviderToken  string          `json:"provider_token,omitempty"`
	ProviderURL    string          `json:"provider_url,omitempty"`
	DeliverableID  *string         `json:"deliverable_id,omitempty"`
	// DeliveryAccepted is derived from the linked deliverable at read time and never stored.
	DeliveryAccepted bool          `json:"delivery_accepted"`
	Status           TrancheStatus `json:"status"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	DepositedAt      *time.Time    `json:"deposited_at,omitempty"`
	ValidatedAt      *time.Time    `json:"validated_at,omitempty"`
	SettledAt        *time.Time    `json:"settled_at,omitempty"`
}

// SetGross assigns the gross amount and recomputes commission and net from it.
func (t *Tranche) SetGross(gross decimal.Decimal) error {
	split, err := ledger.Split(gross, t.CommissionRate)
	if err != nil {
		return err
	}
	t.GrossAmount = split.Gross
	t.Commission = split.Commission
	t.NetAmount = split.Net
	return nil
}

// Balanced reports whether net + commission equals gross.
func (t Tranche) Balanced() bool {
	return t.NetAmount.Add(t.Commission).Equal(t.GrossAmount)
}

// Mission is the external contract aggregate. The engine owns only the closure fields and Status.
type Mission struct {
	ID                  string          `json:"id"`
	Title               string          `json:"title,omitempty"`
	ClientID            string          `json:"client_id"`
	FreelancerID        string          `json:"freelancer_id,omitempty"`
	ClosurePolicy       ClosurePolicy   `json:"closure_policy"`
	ClosedByClient      bool            `json:"closed_by_client"`
	ClosedByFreelancer  bool            `json:"closed_by_freelancer"`
	ContractTotalAmount decimal.Decimal `json:"contract_total_amount"`
	Status              MissionStatus   `json:"status"`
	Version             int64           `json:"version"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	ClosedAt            *time.Time      `json:"closed_at,omitempty"`
}

type Deliverable struct {
	ID        string            `json:"id"`
	MissionID string            `json:"mission_id"`
	Status    DeliverableStatus `json:"status"`
	UpdatedAt time.Time         `json:"updated_at"`
}

type PayoutMethod struct {
	FreelancerID string    `json:"freelancer_id"`
	Kind         string    `json:"kind" enum:"bank,wallet"`
	Reference    string    `json:"reference"`
	Primary      bool      `json:"primary"`
	CreatedAt    time.Time `json:"created_at"`
}

// BalanceCredit is the single credit a settled tranche produces for its freelancer.
type BalanceCredit struct {
	TrancheID    string          `json:"tranche_id"`
	FreelancerID string          `json:"freelancer_id"`
	Amount       decimal.Decimal `json:"amount"`
	Mode         PaymentMode     `json:"mode"`
	CreatedAt    time.Time       `json:"created_at"`
}

// AuditEvent is an immutable audit log record.
type AuditEvent struct {
	ID           int64     `json:"id"`
	TS           time.Time `json:"ts"`
	TrancheID    string    `json:"tranche_id,omitempty"`
	MissionID    string    `json:"mission_id,omitempty"`
	WithdrawalID string    `json:"withdrawal_id,omitempty"`
	EventName    string    `json:"event_name"`
	Detail       string    `json:"detail,omitempty"`
}

type EventType string

const (
	EventCaptureRequested EventType = "CaptureRequested"
	EventMissionClosed    EventType = "MissionClosed"
	EventMissionReopened  EventType = "MissionReopened"
)

// OutboxEvent is a domain event persisted with the transaction that produced it.
type OutboxEvent struct {
	ID          int64     `json:"id"`
	TS          time.Time `json:"ts"`
	Type        EventType `json:"type"`
	AggregateID string    `json:"aggregate_id"`
	Payload     string    `json:"payload_json"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	// NextAttemptAt is when a failed event becomes due again. Zero means due now.
	NextAttemptAt time.Time  `json:"next_attempt_at,omitempty"`
	ParkedAt      *time.Time `json:"parked_at,omitempty"`
	PublishedAt   *time.Time `json:"published_at,omitempty"`
}
