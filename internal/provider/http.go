package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"milestonepay/internal/domain"
)

const defaultTimeout = 10 * time.Second

// HTTPClient talks JSON to a provider gateway. It implements DirectPay and Escrow.
type HTTPClient struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: timeout},
	}
}

type paymentLinkRequest struct {
	Amount      string      `json:"amount"`
	Currency    string      `json:"currency"`
	Reference   string      `json:"reference"`
	Beneficiary beneficiary `json:"beneficiary"`
}

type beneficiary struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Reference string `json:"reference"`
}

type checkoutRequest struct {
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
}

type linkResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func (c *HTTPClient) CreatePaymentLink(ctx context.Context, amount decimal.Decimal, currency, reference string, to domain.PayoutMethod) (Link, error) {
	var out linkResponse
	err := c.post(ctx, "/payment-links", paymentLinkRequest{
		Amount:    amount.StringFixed(2),
		Currency:  currency,
		Reference: reference,
		Beneficiary: beneficiary{
			ID:        to.FreelancerID,
			Kind:      to.Kind,
			Reference: to.Reference,
		},
	}, &out)
	if err != nil {
		return Link{}, err
	}
	return out.link()
}

func (c *HTTPClient) CreateCheckout(ctx context.Context, amount decimal.Decimal, currency, reference string) (Link, error) {
	var out linkResponse
	if err := c.post(ctx, "/checkouts", checkoutRequest{Amount: amount.StringFixed(2), Currency: currency, Reference: reference}, &out); err != nil {
		return Link{}, err
	}
	return out.link()
}

func (c *HTTPClient) TransferToBeneficiary(ctx context.Context, checkoutID string) error {
	return c.post(ctx, "/checkouts/"+url.PathEscape(checkoutID)+"/transfer", struct{}{}, nil)
}

func (r linkResponse) link() (Link, error) {
	if strings.TrimSpace(r.ID) == "" {
		return Link{}, fmt.Errorf("provider returned no id")
	}
	return Link{Token: r.ID, URL: r.URL}, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("provider %s: status %d: %s", path, res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}
