package domain

import "fmt"

type TrancheStatus string

const (
	StatusPendingDeposit TrancheStatus = "PENDING_DEPOSIT"
	StatusPendingPayment TrancheStatus = "PENDING_PAYMENT"
	StatusFundsHeld      TrancheStatus = "FUNDS_HELD"
	StatusValidated      TrancheStatus = "VALIDATED"
	StatusSettled        TrancheStatus = "SETTLED"
	StatusRejected       TrancheStatus = "REJECTED"
	StatusCaptureError   TrancheStatus = "CAPTURE_ERROR"
)

// AllStatuses lists every tranche state.
var AllStatuses = []TrancheStatus{
	StatusPendingDeposit,
	StatusPendingPayment,
	StatusFundsHeld,
	StatusValidated,
	StatusSettled,
	StatusRejected,
	StatusCaptureError,
}

func (s TrancheStatus) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s TrancheStatus) Terminal() bool {
	return s == StatusSettled || s == StatusRejected
}

// TrancheEvent is what drives a tranche from one state to the next.
type TrancheEvent string

const (
	EventLinkGenerated     TrancheEvent = "link_generated"
	EventPaid              TrancheEvent = "paid"
	EventFailed            TrancheEvent = "failed"
	EventCancelled         TrancheEvent = "cancelled"
	EventDeliveryValidated TrancheEvent = "delivery_validated"
	EventCaptureSucceeded  TrancheEvent = "capture_succeeded"
	EventCaptureFailed     TrancheEvent = "capture_failed"
	EventRejected          TrancheEvent = "rejected"
)

// TransitionError reports a (mode, state, event) combination that has no edge.
type TransitionError struct {
	Mode  PaymentMode
	From  TrancheStatus
	Event TrancheEvent
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid tranche transition %s --%s--> ? in %s mode", e.From, e.Event, e.Mode)
}

// Next returns the state reached from `from` on `ev`. Only the edges listed below exist;
// SETTLED and REJECTED have none.
func Next(mode PaymentMode, from TrancheStatus, ev TrancheEvent) (TrancheStatus, error) {
	var (
		to TrancheStatus
		ok bool
	)
	switch mode {
	case ModeDirect:
		to, ok = nextDirect(from, ev)
	case ModeEscrow:
		to, ok = nextEscrow(from, ev)
	}
	if !ok {
		return from, TransitionError{Mode: mode, From: from, Event: ev}
	}
	return to, nil
}

func nextDirect(from TrancheStatus, ev TrancheEvent) (TrancheStatus, bool) {
	switch from {
	case StatusPendingDeposit:
		switch ev {
		case EventLinkGenerated:
			return StatusPendingPayment, true
		case EventRejected:
			return StatusRejected, true
		}
	case StatusPendingPayment:
		switch ev {
		case EventLinkGenerated:
			// regenerating a link keeps the tranche awaiting payment
			return StatusPendingPayment, true
		case EventPaid:
			return StatusSettled, true
		case EventFailed, EventCancelled:
			return StatusPendingDeposit, true
		}
	}
	return "", false
}

func nextEscrow(from TrancheStatus, ev TrancheEvent) (TrancheStatus, bool) {
	switch from {
	case StatusPendingDeposit:
		switch ev {
		case EventLinkGenerated:
			return StatusPendingPayment, true
		case EventRejected:
			return StatusRejected, true
		}
	case StatusPendingPayment:
		switch ev {
		case EventPaid:
			return StatusFundsHeld, true
		case EventCancelled:
			return StatusPendingDeposit, true
		}
	case StatusFundsHeld:
		if ev == EventDeliveryValidated {
			return StatusValidated, true
		}
	case StatusValidated, StatusCaptureError:
		switch ev {
		case EventCaptureSucceeded:
			return StatusSettled, true
		case EventCaptureFailed:
			return StatusCaptureError, true
		}
	}
	return "", false
}
