package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fjod/stockcart/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type mockLookup struct {
	subs map[domain.Role][]domain.Subscription
	err  error
}

func (m *mockLookup) SubscriptionsForRole(_ context.Context, role domain.Role) ([]domain.Subscription, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.subs[role], nil
}

type mockPusher struct {
	m        sync.Mutex
	failFor  map[string]error
	pushed   []string
	payloads [][]byte
	delay    time.Duration
}

func (m *mockPusher) Push(ctx context.Context, sub domain.Subscription, payload []byte) error {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.m.Lock()
	defer m.m.Unlock()
	m.pushed = append(m.pushed, sub.Endpoint)
	m.payloads = append(m.payloads, payload)
	return m.failFor[sub.Endpoint]
}

func (m *mockPusher) endpoints() []string {
	m.m.Lock()
	defer m.m.Unlock()
	return append([]string(nil), m.pushed...)
}

func adminSubs() *mockLookup {
	return &mockLookup{subs: map[domain.Role][]domain.Subscription{
		domain.RoleAdmin: {
			{ID: 1, UserID: 9, Endpoint: "https://push.example.com/a"},
			{ID: 2, UserID: 9, Endpoint: "https://push.example.com/dead"},
			{ID: 3, UserID: 10, Endpoint: "https://push.example.com/c"},
		},
		domain.RoleUser: {
			{ID: 4, UserID: 1, Endpoint: "https://push.example.com/user"},
		},
	}}
}

func TestDeliver_FailureDoesNotStopFanOut(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	pusher := &mockPusher{failFor: map[string]error{
		"https://push.example.com/dead": &PushStatusError{StatusCode: 410, Body: "gone"},
	}}
	d := NewDispatcher(adminSubs(), pusher, zap.New(core), time.Second)

	payload := domain.AlertPayload{Title: "LOW STOCK", Message: "Laptop stock is low (4)"}
	report := d.Deliver(context.Background(), domain.RoleAdmin, payload)

	assert.Equal(t, Report{Attempted: 3, Delivered: 2, Failed: 1}, report)
	assert.Equal(t, []string{
		"https://push.example.com/a",
		"https://push.example.com/dead",
		"https://push.example.com/c",
	}, pusher.endpoints())

	var sent domain.AlertPayload
	require.NoError(t, json.Unmarshal(pusher.payloads[0], &sent))
	assert.Equal(t, payload, sent)

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "error sending notification", logs.All()[0].Message)
}

func TestDeliver_OnlyMatchingRole(t *testing.T) {
	pusher := &mockPusher{}
	d := NewDispatcher(adminSubs(), pusher, zap.NewNop(), time.Second)

	report := d.Deliver(context.Background(), domain.RoleUser, domain.AlertPayload{Title: "x"})
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, []string{"https://push.example.com/user"}, pusher.endpoints())
}

func TestDeliver_LookupFailureIsSwallowed(t *testing.T) {
	pusher := &mockPusher{}
	d := NewDispatcher(&mockLookup{err: errors.New("db down")}, pusher, zap.NewNop(), time.Second)

	report := d.Deliver(context.Background(), domain.RoleAdmin, domain.AlertPayload{Title: "x"})
	assert.Equal(t, Report{}, report)
	assert.Empty(t, pusher.endpoints())
}

func TestNotify_RunsInBackground(t *testing.T) {
	pusher := &mockPusher{delay: 20 * time.Millisecond}
	d := NewDispatcher(adminSubs(), pusher, zap.NewNop(), time.Second)

	start := time.Now()
	d.Notify(domain.RoleAdmin, domain.AlertPayload{Title: "OUT OF STOCK"})
	assert.Less(t, time.Since(start), 20*time.Millisecond)

	require.NoError(t, d.Wait(context.Background()))
	assert.Len(t, pusher.endpoints(), 3)
}

func TestNotify_TimeoutBoundsDelivery(t *testing.T) {
	pusher := &mockPusher{delay: time.Second}
	d := NewDispatcher(adminSubs(), pusher, zap.NewNop(), 30*time.Millisecond)

	d.Notify(domain.RoleAdmin, domain.AlertPayload{Title: "OUT OF STOCK"})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.NoError(t, d.Wait(ctx))
	assert.Empty(t, pusher.endpoints())
}

func TestWait_ContextExpires(t *testing.T) {
	pusher := &mockPusher{delay: 200 * time.Millisecond}
	d := NewDispatcher(adminSubs(), pusher, zap.NewNop(), time.Second)
	d.Notify(domain.RoleAdmin, domain.AlertPayload{Title: "x"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Wait(ctx), context.DeadlineExceeded)

	require.NoError(t, d.Wait(context.Background()))
}

func TestDeliver_WebPusherDeadEndpointsDoNotBlockHealthyOne(t *testing.T) {
	var hits atomic.Int32
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer healthy.Close()

	var subs []domain.Subscription
	for i := 0; i < 5; i++ {
		// nothing listens on port 1
		sub := newTestSubscription(t, fmt.Sprintf("http://127.0.0.1:1/dead%d", i))
		sub.ID = int64(i + 1)
		subs = append(subs, sub)
	}
	live := newTestSubscription(t, healthy.URL)
	live.ID = 6
	subs = append(subs, live)

	lookup := &mockLookup{subs: map[domain.Role][]domain.Subscription{domain.RoleAdmin: subs}}
	d := NewDispatcher(lookup, newTestPusher(t), zap.NewNop(), 2*time.Second)

	payload := domain.AlertPayload{Title: "OUT OF STOCK", Message: "Mouse is now out of stock"}
	report := d.Deliver(context.Background(), domain.RoleAdmin, payload)
	assert.Equal(t, Report{Attempted: 6, Delivered: 1, Failed: 5}, report)
	assert.Equal(t, int32(1), hits.Load())

	// the dead host's breaker is open now, the healthy host keeps receiving
	report = d.Deliver(context.Background(), domain.RoleAdmin, payload)
	assert.Equal(t, Report{Attempted: 6, Delivered: 1, Failed: 5}, report)
	assert.Equal(t, int32(2), hits.Load())
}

func TestDeliver_SlowSubscriberDoesNotStarveNext(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer slow.Close()
	defer close(release)

	var hits atomic.Int32
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer healthy.Close()

	first := newTestSubscription(t, slow.URL)
	second := newTestSubscription(t, healthy.URL)
	second.ID = 2
	lookup := &mockLookup{subs: map[domain.Role][]domain.Subscription{domain.RoleAdmin: {first, second}}}

	d := NewDispatcher(lookup, newTestPusher(t), zap.NewNop(), 200*time.Millisecond)

	start := time.Now()
	report := d.Deliver(context.Background(), domain.RoleAdmin, domain.AlertPayload{Title: "LOW STOCK"})

	assert.Equal(t, Report{Attempted: 2, Delivered: 1, Failed: 1}, report)
	assert.Equal(t, int32(1), hits.Load())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDeliver_EachPushGetsItsOwnTimeout(t *testing.T) {
	// every push takes most of the timeout; a shared budget would fail the later ones
	pusher := &mockPusher{delay: 80 * time.Millisecond}
	d := NewDispatcher(adminSubs(), pusher, zap.NewNop(), 150*time.Millisecond)

	report := d.Deliver(context.Background(), domain.RoleAdmin, domain.AlertPayload{Title: "x"})
	assert.Equal(t, Report{Attempted: 3, Delivered: 3, Failed: 0}, report)
	assert.Len(t, pusher.endpoints(), 3)
}
