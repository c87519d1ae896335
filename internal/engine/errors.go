package engine

import (
	"errors"
	"fmt"

	"milestonepay/internal/domain"
	"milestonepay/internal/engine/auth"
	"milestonepay/internal/repo"
)

var (
	ErrNotFound  = repo.ErrNotFound
	ErrForbidden = auth.ErrForbidden
	ErrState     = errors.New("invalid state")
	// ErrIncompatibleMode is returned for an operation of the other payment mode.
	ErrIncompatibleMode = errors.New("operation not available in this payment mode")
	ErrProvider         = errors.New("payment provider error")
	// ErrOutcomeUnknown means a provider call timed out. Nothing was changed locally.
	ErrOutcomeUnknown = errors.New("payment provider outcome unknown")
	ErrValidation     = errors.New("validation failed")
	ErrConflict       = errors.New("concurrent update, retry")
)

// StateError reports an operation the current tranche or mission state does not allow.
type StateError struct {
	Op     string
	Entity string
	ID     string
	State  string
}

func (e StateError) Error() string {
	return fmt.Sprintf("%s not allowed: %s %s is %s", e.Op, e.Entity, e.ID, e.State)
}

func (e StateError) Is(target error) bool {
	return target == ErrState
}

func trancheState(op string, t domain.Tranche) error {
	return StateError{Op: op, Entity: "tranche", ID: t.ID, State: string(t.Status)}
}

func missionState(op string, m domain.Mission) error {
	return StateError{Op: op, Entity: "mission", ID: m.ID, State: string(m.Status)}
}

func validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func modeError(op string, mode domain.PaymentMode) error {
	return fmt.Errorf("%w: %s in %s mode", ErrIncompatibleMode, op, mode)
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return err
}
