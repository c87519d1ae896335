package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milestonepay/internal/config"
	"milestonepay/internal/domain"
)

type receiver struct {
	mu      sync.Mutex
	headers []http.Header
	bodies  []Body
	status  int
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var b Body
	_ = json.NewDecoder(req.Body).Decode(&b)
	r.mu.Lock()
	r.headers = append(r.headers, req.Header.Clone())
	r.bodies = append(r.bodies, b)
	status := r.status
	r.mu.Unlock()
	if status == 0 {
		status = http.StatusNoContent
	}
	w.WriteHeader(status)
}

func closedEvent() domain.OutboxEvent {
	return domain.OutboxEvent{
		ID:          42,
		TS:          time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
		Type:        domain.EventMissionClosed,
		AggregateID: "m-1",
		Payload:     `{"mission_id":"m-1","status":"CLOSED"}`,
	}
}

func TestHandlePostsEvent(t *testing.T) {
	rec := &receiver{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	d := New([]config.Subscriber{{URL: srv.URL, Secret: "s3cret"}}, nil)
	require.NoError(t, d.Handle(context.Background(), closedEvent()))

	require.Len(t, rec.bodies, 1)
	assert.Equal(t, "MissionClosed", rec.headers[0].Get("X-Milestonepay-Event"))
	assert.Equal(t, "42", rec.headers[0].Get("X-Milestonepay-Delivery"))
	assert.Equal(t, "s3cret", rec.headers[0].Get("X-Milestonepay-Secret"))
	assert.Equal(t, "m-1", rec.bodies[0].AggregateID)
	assert.JSONEq(t, `{"mission_id":"m-1","status":"CLOSED"}`, string(rec.bodies[0].Payload))
	assert.Equal(t, "2026-04-01T12:00:00Z", rec.bodies[0].TS)
}

func TestHandleFiltersAndSkipsDisabled(t *testing.T) {
	rec := &receiver{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	off := false
	d := New([]config.Subscriber{
		{URL: srv.URL, Events: []string{"MissionReopened"}},
		{URL: srv.URL, Enabled: &off},
		{URL: srv.URL, Events: []string{" MissionClosed "}},
	}, nil)
	require.NoError(t, d.Handle(context.Background(), closedEvent()))
	assert.Len(t, rec.bodies, 1)
	assert.Empty(t, rec.headers[0].Get("X-Milestonepay-Secret"))
}

func TestHandleFailureIsReturned(t *testing.T) {
	rec := &receiver{status: http.StatusBadGateway}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	d := New([]config.Subscriber{{URL: srv.URL}}, nil)
	err := d.Handle(context.Background(), closedEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestHandleTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(3 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	d := New([]config.Subscriber{{URL: srv.URL, TimeoutSeconds: 1}}, nil)
	start := time.Now()
	assert.Error(t, d.Handle(context.Background(), closedEvent()))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestInvalidPayloadIsPassedRaw(t *testing.T) {
	rec := &receiver{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	ev := closedEvent()
	ev.Payload = "not json"
	require.NoError(t, New([]config.Subscriber{{URL: srv.URL}}, nil).Handle(context.Background(), ev))
	assert.Equal(t, "not json", rec.bodies[0].PayloadRaw)
	assert.JSONEq(t, `{}`, string(rec.bodies[0].Payload))
}

func TestEventFilter(t *testing.T) {
	assert.True(t, newEventFilter(nil).match("anything"))
	assert.True(t, newEventFilter([]string{" "}).match("anything"))
	f := newEventFilter([]string{"MissionClosed"})
	assert.True(t, f.match("MissionClosed"))
	assert.False(t, f.match("MissionReopened"))
}
