// Package auth checks that a requester holds the mission role an operation needs.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"milestonepay/internal/domain"
)

var ErrForbidden = errors.New("forbidden")

const (
	RoleClient     = "client"
	RoleFreelancer = "freelancer"
)

// ForbiddenError indicates the requester is not the party an operation requires.
type ForbiddenError struct {
	Actor     string
	Role      string
	MissionID string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("actor %q is not the %s of mission %s", e.Actor, e.Role, e.MissionID)
}

func (e ForbiddenError) Is(target error) bool {
	return target == ErrForbidden
}

func RequireClient(m domain.Mission, actor string) error {
	if strings.TrimSpace(actor) == "" || actor != m.ClientID {
		return ForbiddenError{Actor: actor, Role: RoleClient, MissionID: m.ID}
	}
	return nil
}

func RequireFreelancer(m domain.Mission, actor string) error {
	if strings.TrimSpace(actor) == "" || m.FreelancerID == "" || actor != m.FreelancerID {
		return ForbiddenError{Actor: actor, Role: RoleFreelancer, MissionID: m.ID}
	}
	return nil
}

// RequireParty accepts either side of the mission.
func RequireParty(m domain.Mission, actor string) error {
	if RequireClient(m, actor) == nil || RequireFreelancer(m, actor) == nil {
		return nil
	}
	return ForbiddenError{Actor: actor, Role: "party", MissionID: m.ID}
}
