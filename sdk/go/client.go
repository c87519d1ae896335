// Package mpaysdk is a small client for the milestone payment HTTP API.
package mpaysdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal milestone payment API client.
type Client struct {
	BaseURL string
	// BasePath is the API prefix, "/v1" when empty.
	BasePath    string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set. Servers accept it only
	// in development mode.
	ActorID       string
	WebhookSecret string
	HTTPClient    *http.Client
	Timeout       time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, bearerToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: bearerToken,
		Timeout:     10 * time.Second,
	}
}

// As returns a copy of c acting as actorID through the development header.
func (c *Client) As(actorID string) *Client {
	cp := *c
	cp.BearerToken = ""
	cp.ActorID = actorID
	return &cp
}

type Mission struct {
	ID                  string `json:"id"`
	Title               string `json:"title,omitempty"`
	ClientID            string `json:"client_id"`
	FreelancerID        string `json:"freelancer_id,omitempty"`
	ClosurePolicy       string `json:"closure_policy"`
	ContractTotalAmount string `json:"contract_total_amount"`
	Status              string `json:"status"`
	ClosedByClient      bool   `json:"closed_by_client"`
	ClosedByFreelancer  bool   `json:"closed_by_freelancer"`
}

type Tranche struct {
	ID               string  `json:"id"`
	MissionID        string  `json:"mission_id"`
	Order            int     `json:"order"`
	Title            string  `json:"title,omitempty"`
	GrossAmount      string  `json:"gross_amount"`
	CommissionRate   string  `json:"commission_rate"`
	Commission       string  `json:"commission"`
	NetAmount        string  `json:"net_amount"`
	Required         bool    `json:"required"`
	Final            bool    `json:"final"`
	Status           string  `json:"status"`
	PaymentURL       string  `json:"payment_url,omitempty"`
	ProviderToken    string  `json:"provider_token,omitempty"`
	DeliverableID    *string `json:"deliverable_id,omitempty"`
	DeliveryAccepted bool    `json:"delivery_accepted"`
}

type Deliverable struct {
	ID        string `json:"id"`
	MissionID string `json:"mission_id"`
	Status    string `json:"status"`
}

type AuditEntry struct {
	ID        int64     `json:"id"`
	TS        time.Time `json:"ts"`
	TrancheID string    `json:"tranche_id,omitempty"`
	MissionID string    `json:"mission_id,omitempty"`
	Event     string    `json:"event_name"`
	Detail    string    `json:"detail,omitempty"`
}

// AuditPage wraps list responses with cursors.
type AuditPage struct {
	Items      []AuditEntry `json:"items"`
	NextCursor string       `json:"next_cursor"`
}

type Balance struct {
	FreelancerID string `json:"freelancer_id"`
	Balance      string `json:"balance"`
	Credits      []struct {
		TrancheID string `json:"tranche_id"`
		Amount    string `json:"amount"`
		Mode      string `json:"mode"`
	} `json:"credits"`
}

type RegisterMission struct {
	ID                  string  `json:"id,omitempty"`
	Title               string  `json:"title,omitempty"`
	FreelancerID        string  `json:"freelancer_id,omitempty"`
	ClosurePolicy       string  `json:"closure_policy,omitempty"`
	ContractTotalAmount *string `json:"contract_total_amount,omitempty"`
}

type CreateTranche struct {
	Order         int    `json:"order,omitempty"`
	Title         string `json:"title,omitempty"`
	GrossAmount   string `json:"gross_amount"`
	Required      *bool  `json:"required,omitempty"`
	Final         bool   `json:"final,omitempty"`
	DeliverableID string `json:"deliverable_id,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RegisterMission registers the mission with the requesting actor as its client.
func (c *Client) RegisterMission(ctx context.Context, in RegisterMission) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodPost, c.apiPath("missions"), in, &resp)
	return resp, err
}

func (c *Client) GetMission(ctx context.Context, id string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodGet, c.apiPath("missions", id), nil, &resp)
	return resp, err
}

// ConfirmClose records the acting party's closure confirmation. role is client or freelancer.
func (c *Client) ConfirmClose(ctx context.Context, missionID, role string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodPost, c.apiPath("missions", missionID, "close", role), nil, &resp)
	return resp, err
}

func (c *Client) CreateTranche(ctx context.Context, missionID string, in CreateTranche) (Tranche, error) {
	var resp Tranche
	err := c.do(ctx, http.MethodPost, c.apiPath("missions", missionID, "tranches"), in, &resp)
	return resp, err
}

func (c *Client) ListTranches(ctx context.Context, missionID string) ([]Tranche, error) {
	var resp []Tranche
	err := c.do(ctx, http.MethodGet, c.apiPath("missions", missionID, "tranches"), nil, &resp)
	return resp, err
}

func (c *Client) GetTranche(ctx context.Context, id string) (Tranche, error) {
	var resp Tranche
	err := c.do(ctx, http.MethodGet, c.apiPath("tranches", id), nil, &resp)
	return resp, err
}

// Pay creates the payment link or escrow checkout for a tranche.
func (c *Client) Pay(ctx context.Context, trancheID string) (Tranche, error) {
	var resp Tranche
	err := c.do(ctx, http.MethodPost, c.apiPath("tranches", trancheID, "pay"), nil, &resp)
	return resp, err
}

// Validate accepts the delivery of an escrow tranche. The capture completes asynchronously.
func (c *Client) Validate(ctx context.Context, trancheID string) (Tranche, error) {
	var resp Tranche
	err := c.do(ctx, http.MethodPost, c.apiPath("tranches", trancheID, "validate"), nil, &resp)
	return resp, err
}

// Capture retries the transfer of a VALIDATED or CAPTURE_ERROR escrow tranche.
func (c *Client) Capture(ctx context.Context, trancheID string) (Tranche, error) {
	var resp Tranche
	err := c.do(ctx, http.MethodPost, c.apiPath("tranches", trancheID, "capture"), nil, &resp)
	return resp, err
}

func (c *Client) SetFlags(ctx context.Context, trancheID string, final, required *bool) (Tranche, error) {
	body := map[string]any{}
	if final != nil {
		body["final"] = *final
	}
	if required != nil {
		body["required"] = *required
	}
	var resp Tranche
	err := c.do(ctx, http.MethodPatch, c.apiPath("tranches", trancheID, "flags"), body, &resp)
	return resp, err
}

func (c *Client) RecordDeliverable(ctx context.Context, missionID, deliverableID, status string) (Deliverable, error) {
	var resp Deliverable
	body := map[string]any{"mission_id": missionID, "status": status}
	err := c.do(ctx, http.MethodPost, c.apiPath("deliverables", deliverableID, "status"), body, &resp)
	return resp, err
}

// AuditPage returns a page of a mission's audit log.
func (c *Client) AuditPage(ctx context.Context, missionID string, limit int, cursor string) (AuditPage, error) {
	q := url.Values{}
	q.Set("mission_id", missionID)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp AuditPage
	err := c.do(ctx, http.MethodGet, c.apiPath("audit")+"?"+q.Encode(), nil, &resp)
	return resp, err
}

func (c *Client) Balance(ctx context.Context, freelancerID string) (Balance, error) {
	var resp Balance
	err := c.do(ctx, http.MethodGet, c.apiPath("balances", freelancerID), nil, &resp)
	return resp, err
}

// DirectWebhook posts a payment link callback the way the provider would.
func (c *Client) DirectWebhook(ctx context.Context, token, status string) error {
	return c.do(ctx, http.MethodPost, "webhooks/direct", map[string]string{"token": token, "status": status}, nil)
}

// EscrowWebhook posts an escrow checkout callback the way the provider would.
func (c *Client) EscrowWebhook(ctx context.Context, checkoutID, status string) error {
	return c.do(ctx, http.MethodPost, "webhooks/escrow", map[string]string{"checkout_id": checkoutID, "status": status}, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	if c.WebhookSecret != "" {
		req.Header.Set("X-Webhook-Secret", c.WebhookSecret)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) apiPath(parts ...string) string {
	base := c.BasePath
	if base == "" {
		base = "/v1"
	}
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return strings.Trim(base, "/") + "/" + strings.Join(escaped, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
