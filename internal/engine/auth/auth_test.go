package auth

import (
	"errors"
	"testing"

	"milestonepay/internal/domain"
)

func TestRoles(t *testing.T) {
	m := domain.Mission{ID: "m-1", ClientID: "c", FreelancerID: "f"}
	if err := RequireClient(m, "c"); err != nil {
		t.Fatalf("client rejected: %v", err)
	}
	err := RequireClient(m, "f")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	var fe ForbiddenError
	if !errors.As(err, &fe) || fe.Role != RoleClient {
		t.Fatalf("unexpected error %#v", err)
	}
	if err := RequireFreelancer(m, "f"); err != nil {
		t.Fatalf("freelancer rejected: %v", err)
	}
	if err := RequireFreelancer(domain.Mission{ID: "m"}, ""); err == nil {
		t.Fatalf("empty freelancer must not match empty actor")
	}
	if err := RequireParty(m, "x"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("stranger accepted")
	}
}
