// Package closure decides whether a mission is complete from its tranches and policy.
package closure

import (
	"fmt"

	"github.com/shopspring/decimal"

	"milestonepay/internal/domain"
	"milestonepay/internal/ledger"
)

// TrancheView is the slice of a tranche the policies look at.
type TrancheView struct {
	ID               string
	Status           domain.TrancheStatus
	Required         bool
	Final            bool
	DeliveryAccepted bool
	Gross            decimal.Decimal
}

func (v TrancheView) satisfied() bool {
	return v.Status == domain.StatusSettled && v.DeliveryAccepted
}

type Input struct {
	Policy             domain.ClosurePolicy
	Current            domain.MissionStatus
	Tranches           []TrancheView
	ClosedByClient     bool
	ClosedByFreelancer bool
	ContractTotal      decimal.Decimal
}

type Decision struct {
	Status domain.MissionStatus
	Reason string
}

// Views projects tranches into closure views.
func Views(ts []domain.Tranche) []TrancheView {
	out := make([]TrancheView, 0, len(ts))
	for _, t := range ts {
		out = append(out, TrancheView{
			ID:               t.ID,
			Status:           t.Status,
			Required:         t.Required,
			Final:            t.Final,
			DeliveryAccepted: t.DeliveryAccepted,
			Gross:            t.GrossAmount,
		})
	}
	return out
}

// Evaluate applies the required-tranche gate and then the mission's policy.
// A closed mission stays closed. Rejected tranches are superseded and do not count.
func Evaluate(in Input) Decision {
	if in.Current == domain.MissionClosed {
		return Decision{Status: domain.MissionClosed, Reason: "already closed"}
	}
	var live []TrancheView
	for _, t := range in.Tranches {
		if t.Status != domain.StatusRejected {
			live = append(live, t)
		}
	}
	for _, t := range live {
		if t.Required && !t.satisfied() {
			return Decision{
				Status: domain.MissionInProgress,
				Reason: fmt.Sprintf("required tranche %s not settled and accepted", t.ID),
			}
		}
	}
	ok, reason := policyMet(in, live)
	if ok {
		return Decision{Status: domain.MissionClosed, Reason: reason}
	}
	return Decision{Status: domain.MissionReadyToClose, Reason: reason}
}

func policyMet(in Input, live []TrancheView) (bool, string) {
	switch in.Policy {
	case domain.PolicyFinalMilestoneRequired:
		for _, t := range live {
			if t.Final && t.satisfied() {
				return true, fmt.Sprintf("final tranche %s settled and accepted", t.ID)
			}
		}
		return false, "no settled and accepted final tranche"
	case domain.PolicyManualDualConfirm:
		if in.ClosedByClient && in.ClosedByFreelancer {
			return true, "closed by both parties"
		}
		return false, "awaiting confirmation from both parties"
	case domain.PolicyContractTotalAmount:
		var settled []decimal.Decimal
		finalAccepted := false
		for _, t := range live {
			if t.Status == domain.StatusSettled {
				settled = append(settled, t.Gross)
			}
			if t.Final && t.DeliveryAccepted {
				finalAccepted = true
			}
		}
		sum := ledger.Sum(settled...)
		if sum.LessThan(in.ContractTotal) {
			return false, fmt.Sprintf("settled %s below contract total %s", sum, in.ContractTotal)
		}
		if !finalAccepted {
			return false, "no final tranche with accepted delivery"
		}
		return true, fmt.Sprintf("settled %s reached contract total %s", sum, in.ContractTotal)
	}
	return false, fmt.Sprintf("unknown closure policy %q", in.Policy)
}
