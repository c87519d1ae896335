package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shopspring/decimal"

	"milestonepay/internal/audit"
	"milestonepay/internal/domain"
	"milestonepay/internal/engine"
	"milestonepay/internal/engine/auth"
	"milestonepay/internal/ledger"
)

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
}

type missionOutput struct {
	Body MissionResponse `json:"body"`
}

type trancheOutput struct {
	Body TrancheResponse `json:"body"`
}

func parseAmount(field, s string) (decimal.Decimal, huma.StatusError) {
	d, err := ledger.Parse(s)
	if err != nil {
		return decimal.Zero, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": field})
	}
	return d, nil
}

// missionForParty loads a mission the requester is a party to.
func missionForParty(ctx context.Context, e engine.Engine, id string) (domain.Mission, error) {
	actorID, authErr := actorIDFromContext(ctx)
	if authErr != nil {
		return domain.Mission{}, authErr
	}
	m, err := e.GetMission(ctx, id)
	if err != nil {
		return m, handleError(err)
	}
	if err := auth.RequireParty(m, actorID); err != nil {
		return m, handleError(err)
	}
	return m, nil
}

func registerMissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-mission",
		Method:        http.MethodPost,
		Path:          "/missions",
		Summary:       "Register or refresh a mission; the requester is its client",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body RegisterMissionRequest `json:"body"`
	}) (*missionOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		total := decimal.Zero
		if input.Body.ContractTotalAmount != nil {
			var perr huma.StatusError
			if total, perr = parseAmount("contract_total_amount", *input.Body.ContractTotalAmount); perr != nil {
				return nil, perr
			}
		}
		m, err := e.RegisterMission(ctx, engine.RegisterMissionOptions{
			ID:            input.Body.ID,
			Title:         input.Body.Title,
			ClientID:      actorID,
			FreelancerID:  input.Body.FreelancerID,
			ClosurePolicy: domain.ClosurePolicy(input.Body.ClosurePolicy),
			ContractTotal: total,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &missionOutput{Body: missionResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}",
		Summary:     "Get mission",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*missionOutput, error) {
		m, err := missionForParty(ctx, e, input.MissionID)
		if err != nil {
			return nil, err
		}
		return &missionOutput{Body: missionResponse(m)}, nil
	})

	for _, role := range []string{auth.RoleClient, auth.RoleFreelancer} {
		huma.Register(api, huma.Operation{
			OperationID: "close-mission-" + role,
			Method:      http.MethodPost,
			Path:        "/missions/{mission_id}/close/" + role,
			Summary:     "Confirm closure as the " + role,
			Errors:      mutationErrors,
		}, func(ctx context.Context, input *struct {
			MissionID string `path:"mission_id"`
		}) (*missionOutput, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			confirm := e.ConfirmCloseByClient
			if role == auth.RoleFreelancer {
				confirm = e.ConfirmCloseByFreelancer
			}
			m, err := confirm(ctx, input.MissionID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &missionOutput{Body: missionResponse(m)}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-tranche",
		Method:        http.MethodPost,
		Path:          "/missions/{mission_id}/tranches",
		Summary:       "Add a tranche to a mission's payment plan",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		MissionID string               `path:"mission_id"`
		Body      CreateTrancheRequest `json:"body"`
	}) (*trancheOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		gross, perr := parseAmount("gross_amount", input.Body.GrossAmount)
		if perr != nil {
			return nil, perr
		}
		t, err := e.CreateTranche(ctx, engine.CreateTrancheOptions{
			MissionID:     input.MissionID,
			Order:         input.Body.Order,
			Title:         input.Body.Title,
			GrossAmount:   gross,
			RequesterID:   actorID,
			Required:      input.Body.Required,
			Final:         input.Body.Final,
			DeliverableID: input.Body.DeliverableID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &trancheOutput{Body: trancheResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tranches",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}/tranches",
		Summary:     "List a mission's tranches in order",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body []TrancheResponse `json:"body"`
	}, error) {
		if _, err := missionForParty(ctx, e, input.MissionID); err != nil {
			return nil, err
		}
		items, err := e.ListTranches(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TrancheResponse `json:"body"`
		}{Body: mapTranches(items)}, nil
	})
}

func registerTranches(api huma.API, e engine.Engine) {
	type tranchePath struct {
		TrancheID string `path:"tranche_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-tranche",
		Method:      http.MethodGet,
		Path:        "/tranches/{tranche_id}",
		Summary:     "Get tranche",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *tranchePath) (*trancheOutput, error) {
		t, err := e.GetTranche(ctx, input.TrancheID)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := missionForParty(ctx, e, t.MissionID); err != nil {
			return nil, err
		}
		return &trancheOutput{Body: trancheResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "amend-tranche",
		Method:      http.MethodPatch,
		Path:        "/tranches/{tranche_id}",
		Summary:     "Change title or gross amount before any payment",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TrancheID string              `path:"tranche_id"`
		Body      AmendTrancheRequest `json:"body"`
	}) (*trancheOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var gross *decimal.Decimal
		if input.Body.GrossAmount != nil {
			d, perr := parseAmount("gross_amount", *input.Body.GrossAmount)
			if perr != nil {
				return nil, perr
			}
			gross = &d
		}
		t, err := e.AmendTranche(ctx, input.TrancheID, actorID, input.Body.Title, gross)
		if err != nil {
			return nil, handleError(err)
		}
		return &trancheOutput{Body: trancheResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pay-tranche",
		Method:      http.MethodPost,
		Path:        "/tranches/{tranche_id}/pay",
		Summary:     "Create a payment link (direct) or checkout (escrow)",
		Errors:      append(mutationErrors, http.StatusBadGateway),
	}, func(ctx context.Context, input *tranchePath) (*trancheOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.InitiatePayment(ctx, input.TrancheID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &trancheOutput{Body: trancheResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "validate-tranche",
		Method:        http.MethodPost,
		Path:          "/tranches/{tranche_id}/validate",
		Summary:       "Validate the delivery of an escrow tranche; capture runs asynchronously",
		DefaultStatus: http.StatusAccepted,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *tranchePath) (*trancheOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ValidateDelivery(ctx, input.TrancheID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &trancheOutput{Body: trancheResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "capture-tranche",
		Method:      http.MethodPost,
		Path:        "/tranches/{tranche_id}/capture",
		Summary:     "Retry the capture of a validated or failed escrow tranche",
		Errors:      append(mutationErrors, http.StatusBadGateway),
	}, func(ctx context.Context, input *tranchePath) (*trancheOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.RetryCapture(ctx, input.TrancheID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &trancheOutput{Body: trancheResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-tranche-flags",
		Method:      http.MethodPatch,
		Path:        "/tranches/{tranche_id}/flags",
		Summary:     "Set the final and required flags",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TrancheID string              `path:"tranche_id"`
		Body      TrancheFlagsRequest `json:"body"`
	}) (*trancheOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Final == nil && input.Body.Required == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "final or required is required", nil)
		}
		var (
			t   domain.Tranche
			err error
		)
		if input.Body.Required != nil {
			if t, err = e.MarkRequired(ctx, input.TrancheID, actorID, *input.Body.Required); err != nil {
				return nil, handleError(err)
			}
		}
		if input.Body.Final != nil {
			if t, err = e.MarkFinal(ctx, input.TrancheID, actorID, *input.Body.Final); err != nil {
				return nil, handleError(err)
			}
		}
		return &trancheOutput{Body: trancheResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-tranche",
		Method:      http.MethodPost,
		Path:        "/tranches/{tranche_id}/reject",
		Summary:     "Reject a tranche nobody has paid into",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TrancheID string               `path:"tranche_id"`
		Body      RejectTrancheRequest `json:"body"`
	}) (*trancheOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.RejectTranche(ctx, input.TrancheID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &trancheOutput{Body: trancheResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "link-deliverable",
		Method:      http.MethodPost,
		Path:        "/tranches/{tranche_id}/deliverable",
		Summary:     "Attach the deliverable a tranche pays for",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TrancheID string                 `path:"tranche_id"`
		Body      LinkDeliverableRequest `json:"body"`
	}) (*trancheOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.LinkDeliverable(ctx, input.TrancheID, actorID, input.Body.DeliverableID)
		if err != nil {
			return nil, handleError(err)
		}
		return &trancheOutput{Body: trancheResponse(t)}, nil
	})
}

func registerDeliverables(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "set-deliverable-status",
		Method:      http.MethodPost,
		Path:        "/deliverables/{deliverable_id}/status",
		Summary:     "Record a deliverable review outcome",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		DeliverableID string                   `path:"deliverable_id"`
		Body          DeliverableStatusRequest `json:"body"`
	}) (*struct {
		Body DeliverableResponse `json:"body"`
	}, error) {
		m, err := missionForParty(ctx, e, input.Body.MissionID)
		if err != nil {
			return nil, err
		}
		d, err := e.RecordDeliverableStatus(ctx, m.ID, input.DeliverableID, domain.DeliverableStatus(input.Body.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeliverableResponse `json:"body"`
		}{Body: DeliverableResponse{ID: d.ID, MissionID: d.MissionID, Status: string(d.Status), UpdatedAt: d.UpdatedAt}}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Read the audit trail of a mission or tranche",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `query:"mission_id"`
		TrancheID string `query:"tranche_id"`
		Event     string `query:"event"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedAudit `json:"body"`
	}, error) {
		missionID := input.MissionID
		if input.TrancheID != "" {
			t, err := e.GetTranche(ctx, input.TrancheID)
			if err != nil {
				return nil, handleError(err)
			}
			missionID = t.MissionID
		}
		if missionID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "mission_id or tranche_id is required", nil)
		}
		if _, err := missionForParty(ctx, e, missionID); err != nil {
			return nil, err
		}
		var after int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			after = parsed
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.Audit.List(ctx, audit.Filter{
			TrancheID: input.TrancheID,
			MissionID: missionID,
			Event:     input.Event,
			AfterID:   after,
			Limit:     limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedAudit{Items: []AuditResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		for _, ev := range items {
			resp.Items = append(resp.Items, auditResponse(ev))
		}
		return &struct {
			Body paginatedAudit `json:"body"`
		}{Body: resp}, nil
	})
}

func registerBalances(api huma.API, e engine.Engine) {
	type freelancerPath struct {
		FreelancerID string `path:"freelancer_id"`
	}
	self := func(ctx context.Context, freelancerID string) error {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return authErr
		}
		if actorID != freelancerID {
			return handleError(auth.ForbiddenError{Actor: actorID, Role: "owner of balance " + freelancerID})
		}
		return nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-balance",
		Method:      http.MethodGet,
		Path:        "/balances/{freelancer_id}",
		Summary:     "Freelancer balance and the credits behind it",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *freelancerPath) (*struct {
		Body BalanceResponse `json:"body"`
	}, error) {
		if err := self(ctx, input.FreelancerID); err != nil {
			return nil, err
		}
		total, credits, err := e.Balance(ctx, input.FreelancerID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := BalanceResponse{FreelancerID: input.FreelancerID, Balance: money(total), Credits: []CreditResponse{}}
		for _, c := range credits {
			resp.Credits = append(resp.Credits, CreditResponse{
				TrancheID: c.TrancheID,
				Amount:    money(c.Amount),
				Mode:      string(c.Mode),
				CreatedAt: c.CreatedAt,
			})
		}
		return &struct {
			Body BalanceResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "register-payout-method",
		Method:        http.MethodPost,
		Path:          "/freelancers/{freelancer_id}/payout-methods",
		Summary:       "Register where direct payments are sent",
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		FreelancerID string              `path:"freelancer_id"`
		Body         PayoutMethodRequest `json:"body"`
	}) (*struct{}, error) {
		if err := self(ctx, input.FreelancerID); err != nil {
			return nil, err
		}
		if err := e.RegisterPayoutMethod(ctx, domain.PayoutMethod{
			FreelancerID: input.FreelancerID,
			Kind:         input.Body.Kind,
			Reference:    input.Body.Reference,
			Primary:      input.Body.Primary,
		}); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
