package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statusflow/internal/config"
	"statusflow/internal/domain"
	"statusflow/internal/events"
)

type memEvents struct {
	mu     sync.Mutex
	events []domain.Event
}

func (m *memEvents) add(typ, kind, id, payload string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, domain.Event{
		ID: int64(len(m.events) + 1), Type: typ, EntityKind: kind, EntityID: id,
		ActorID: "system", TS: "2024-03-10T12:00:00Z", Payload: payload,
	})
}

func (m *memEvents) changed(kind, id, from, to string) {
	m.add(events.TypeStatusChanged, kind, id,
		`{"from":"`+from+`","to":"`+to+`","reason":"moved","system":true,"at":"2024-03-10T12:00:00Z"}`)
}

func (m *memEvents) EventsAfter(_ context.Context, limit int, cursor int64) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, e := range m.events {
		if e.ID > cursor && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memEvents) LatestEventID(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.events)), nil
}

type receiver struct {
	mu         sync.Mutex
	got        []statusDelivery
	signatures []string
	bodies     [][]byte
	failNext   bool
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext {
		r.failNext = false
		http.Error(w, "busy", http.StatusServiceUnavailable)
		return
	}
	body, _ := io.ReadAll(req.Body)
	var d statusDelivery
	_ = json.Unmarshal(body, &d)
	r.got = append(r.got, d)
	r.bodies = append(r.bodies, body)
	r.signatures = append(r.signatures, req.Header.Get(signatureHeader))
}

func (r *receiver) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, d := range r.got {
		out = append(out, d.EntityID)
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWebhookDeliversStatusChanges(t *testing.T) {
	ctx := context.Background()
	src := &memEvents{}
	src.changed("expense", "old", "approved", "paid")

	recv := &receiver{}
	hookSrv := httptest.NewServer(recv)
	defer hookSrv.Close()

	d := newWebhookDispatcher(src, []config.WebhookConfig{{URL: hookSrv.URL, Secret: "s3cret"}}, quietLogger())

	// history before the first tick is not replayed
	d.tick(ctx)
	assert.Empty(t, recv.ids())

	src.changed("expense", "e1", "approved", "paid")
	src.add(events.TypeEntityCreated, "expense", "e2", `{}`)
	src.add(events.TypeStatusEscalated, "work_item", "w1", `{"from":"in_progress","description":"notify: stalled"}`)
	d.tick(ctx)
	assert.Equal(t, []string{"e1", "w1"}, recv.ids())

	require.Len(t, recv.got, 2)
	first := recv.got[0]
	assert.Equal(t, events.TypeStatusChanged, first.Type)
	assert.Equal(t, "expense", first.Kind)
	assert.Equal(t, "approved", first.From)
	assert.Equal(t, "paid", first.To)
	assert.Equal(t, "moved", first.Reason)
	assert.True(t, first.System)
	assert.Equal(t, "notify: stalled", recv.got[1].Description)

	assert.Equal(t, signBody("s3cret", recv.bodies[0]), recv.signatures[0])
	assert.NotEqual(t, recv.signatures[0], recv.signatures[1])
}

func TestWebhookFiltersByKindAndTargetStatus(t *testing.T) {
	ctx := context.Background()
	src := &memEvents{}
	recv := &receiver{}
	hookSrv := httptest.NewServer(recv)
	defer hookSrv.Close()

	d := newWebhookDispatcher(src, []config.WebhookConfig{{
		URL:      hookSrv.URL,
		Kinds:    []string{"expense"},
		Statuses: []string{"paid"},
	}}, quietLogger())
	d.tick(ctx)

	src.changed("expense", "e1", "pending", "approved")
	src.changed("work_item", "w1", "review", "paid")
	src.changed("expense", "e2", "approved", "paid")
	d.tick(ctx)
	assert.Equal(t, []string{"e2"}, recv.ids())
	assert.Empty(t, recv.signatures[0])
}

func TestWebhookRetriesFailedDelivery(t *testing.T) {
	ctx := context.Background()
	src := &memEvents{}
	recv := &receiver{}
	hookSrv := httptest.NewServer(recv)
	defer hookSrv.Close()

	disabled := false
	d := newWebhookDispatcher(src, []config.WebhookConfig{
		{URL: hookSrv.URL},
		{URL: hookSrv.URL, Enabled: &disabled},
	}, quietLogger())
	require.Len(t, d.targets, 1)
	d.tick(ctx)

	src.changed("expense", "e1", "approved", "paid")
	recv.failNext = true
	d.tick(ctx)
	assert.Empty(t, recv.ids())

	d.tick(ctx)
	assert.Equal(t, []string{"e1"}, recv.ids())
}

func TestDeliveryFilter(t *testing.T) {
	all := newDeliveryFilter(config.WebhookConfig{Events: []string{" ", ""}})
	assert.True(t, all.match(statusDelivery{Type: events.TypeStatusChanged}))
	assert.False(t, all.match(statusDelivery{Type: events.TypeRoleGranted}))

	custom := newDeliveryFilter(config.WebhookConfig{Events: []string{events.TypeRoleGranted}})
	assert.True(t, custom.match(statusDelivery{Type: events.TypeRoleGranted}))
	assert.False(t, custom.match(statusDelivery{Type: events.TypeStatusChanged}))
}

func TestMalformedPayloadKeepsEnvelope(t *testing.T) {
	d := newStatusDelivery(domain.Event{ID: 9, Type: events.TypeStatusChanged, EntityKind: "expense", EntityID: "e1", ActorID: "bob", TS: "2024-03-10T12:00:00Z", Payload: "not json"})
	assert.Equal(t, int64(9), d.EventID)
	assert.Equal(t, "bob", d.ActorID)
	assert.Equal(t, "2024-03-10T12:00:00Z", d.At)
	assert.Empty(t, d.To)
}

func TestWebhookKindsAreValidated(t *testing.T) {
	cfg := config.Default()
	cfg.Webhooks = []config.WebhookConfig{{URL: "http://example.test/hook", Kinds: []string{"expense"}}}
	require.NoError(t, cfg.Validate())

	cfg.Webhooks[0].Kinds = []string{"timesheet"}
	assert.ErrorContains(t, cfg.Validate(), `unknown kind "timesheet"`)
}
