// Package notify delivers mission lifecycle events to subscriber URLs.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"milestonepay/internal/config"
	"milestonepay/internal/domain"
	"milestonepay/internal/events"
	"milestonepay/internal/logging"
)

const defaultTimeout = 5 * time.Second

// Dispatcher posts outbox events to every enabled subscriber whose filter matches.
// Delivery is at least once; receivers deduplicate on X-Milestonepay-Delivery.
type Dispatcher struct {
	Subscribers []config.Subscriber
	Client      *http.Client
	Log         *logrus.Entry
}

func New(subs []config.Subscriber, log *logrus.Entry) *Dispatcher {
	if log == nil {
		log = logging.Discard()
	}
	return &Dispatcher{
		Subscribers: subs,
		Client:      &http.Client{Timeout: defaultTimeout},
		Log:         log,
	}
}

// Register subscribes the dispatcher to the mission events on relay.
func (d *Dispatcher) Register(relay *events.Relay) {
	relay.Subscribe(domain.EventMissionClosed, d.Handle)
	relay.Subscribe(domain.EventMissionReopened, d.Handle)
}

// Handle delivers ev. Any failed subscriber fails the whole event so the relay retries it.
func (d *Dispatcher) Handle(ctx context.Context, ev domain.OutboxEvent) error {
	var errs []error
	for _, sub := range d.Subscribers {
		if !sub.IsEnabled() || strings.TrimSpace(sub.URL) == "" {
			continue
		}
		if !newEventFilter(sub.Events).match(string(ev.Type)) {
			continue
		}
		if err := d.post(ctx, sub, ev); err != nil {
			d.Log.WithError(err).WithFields(logrus.Fields{"url": sub.URL, "event": ev.Type, "id": ev.ID}).Warn("notify delivery failed")
			errs = append(errs, fmt.Errorf("%s: %w", sub.URL, err))
			continue
		}
		d.Log.WithFields(logrus.Fields{"url": sub.URL, "event": ev.Type, "id": ev.ID}).Debug("notified")
	}
	return errors.Join(errs...)
}

// Body is the JSON document subscribers receive.
type Body struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	AggregateID string          `json:"aggregate_id"`
	TS          string          `json:"ts"`
	Payload     json.RawMessage `json:"payload"`
	PayloadRaw  string          `json:"payload_raw,omitempty"`
}

func (d *Dispatcher) post(ctx context.Context, sub config.Subscriber, ev domain.OutboxEvent) error {
	payload := json.RawMessage("{}")
	var raw string
	if ev.Payload != "" {
		if json.Valid([]byte(ev.Payload)) {
			payload = json.RawMessage(ev.Payload)
		} else {
			raw = ev.Payload
		}
	}
	data, err := json.Marshal(Body{
		ID:          ev.ID,
		Type:        string(ev.Type),
		AggregateID: ev.AggregateID,
		TS:          ev.TS.UTC().Format(time.RFC3339Nano),
		Payload:     payload,
		PayloadRaw:  raw,
	})
	if err != nil {
		return err
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	if sub.TimeoutSeconds > 0 {
		if timeout := time.Duration(sub.TimeoutSeconds) * time.Second; timeout != client.Timeout {
			c := *client
			c.Timeout = timeout
			client = &c
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Milestonepay-Event", string(ev.Type))
	req.Header.Set("X-Milestonepay-Delivery", fmt.Sprintf("%d", ev.ID))
	if strings.TrimSpace(sub.Secret) != "" {
		req.Header.Set("X-Milestonepay-Secret", sub.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(types []string) eventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if key := strings.TrimSpace(t); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(typ string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[typ]
	return ok
}
