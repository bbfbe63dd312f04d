package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"statusflow/internal/config"
	"statusflow/internal/domain"
	"statusflow/internal/events"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100

	signatureHeader = "X-Statusflow-Signature"
)

// Webhooks receive status changes and escalations unless they name other
// event types.
var defaultWebhookEvents = []string{events.TypeStatusChanged, events.TypeStatusEscalated}

// eventSource is the slice of repo.Repo the dispatcher polls.
type eventSource interface {
	EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// statusDelivery is the body posted for every delivered event.
type statusDelivery struct {
	EventID     int64  `json:"event_id"`
	Type        string `json:"type"`
	Kind        string `json:"kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	System      bool   `json:"system"`
	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Description string `json:"description,omitempty"`
	At          string `json:"at"`
}

// auditFields is the part of an audit payload a delivery carries.
type auditFields struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Reason      string `json:"reason"`
	Description string `json:"description"`
	System      bool   `json:"system"`
	At          string `json:"at"`
}

func newStatusDelivery(evt domain.Event) statusDelivery {
	var f auditFields
	if evt.Payload != "" {
		// Rows from other writers may carry a different shape; they are
		// delivered with the envelope fields only.
		_ = json.Unmarshal([]byte(evt.Payload), &f)
	}
	at := f.At
	if at == "" {
		at = evt.TS
	}
	return statusDelivery{
		EventID:     evt.ID,
		Type:        evt.Type,
		Kind:        evt.EntityKind,
		EntityID:    evt.EntityID,
		ActorID:     evt.ActorID,
		System:      f.System,
		From:        f.From,
		To:          f.To,
		Reason:      f.Reason,
		Description: f.Description,
		At:          at,
	}
}

// deliveryFilter selects events by type, entity kind and target status.
// An empty dimension matches everything.
type deliveryFilter struct {
	types    map[string]struct{}
	kinds    map[string]struct{}
	statuses map[string]struct{}
}

func newDeliveryFilter(hook config.WebhookConfig) deliveryFilter {
	types := toSet(hook.Events)
	if len(types) == 0 {
		types = toSet(defaultWebhookEvents)
	}
	return deliveryFilter{types: types, kinds: toSet(hook.Kinds), statuses: toSet(hook.Statuses)}
}

func (f deliveryFilter) match(d statusDelivery) bool {
	return inSet(f.types, d.Type) && inSet(f.kinds, d.Kind) && inSet(f.statuses, d.To)
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if key := strings.TrimSpace(v); key != "" {
			set[key] = struct{}{}
		}
	}
	return set
}

func inSet(set map[string]struct{}, v string) bool {
	if len(set) == 0 {
		return true
	}
	_, ok := set[v]
	return ok
}

// hookTarget is one webhook and its position in the event log. Only the
// goroutine delivering to the hook touches it.
type hookTarget struct {
	cfg    config.WebhookConfig
	filter deliveryFilter
	client *http.Client
	cursor int64
	primed bool
}

// webhookDispatcher tails the events table and posts matching rows to each
// enabled webhook. A target's cursor starts at the latest event, so history
// is never replayed; a failed delivery is retried from the same event on
// the next tick.
type webhookDispatcher struct {
	source   eventSource
	targets  []*hookTarget
	logger   *slog.Logger
	interval time.Duration
}

func newWebhookDispatcher(source eventSource, hooks []config.WebhookConfig, logger *slog.Logger) *webhookDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &webhookDispatcher{
		source:   source,
		logger:   logger.With("component", "webhooks"),
		interval: defaultWebhookInterval,
	}
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		timeout := defaultWebhookTimeout
		if hook.TimeoutSeconds > 0 {
			timeout = time.Duration(hook.TimeoutSeconds) * time.Second
		}
		d.targets = append(d.targets, &hookTarget{
			cfg:    hook,
			filter: newDeliveryFilter(hook),
			client: &http.Client{Timeout: timeout},
		})
	}
	return d
}

// startWebhookDispatcher runs the dispatcher until ctx is done. It is a
// no-op without enabled webhooks.
func startWebhookDispatcher(ctx context.Context, source eventSource, hooks []config.WebhookConfig, logger *slog.Logger) {
	d := newWebhookDispatcher(source, hooks, logger)
	if len(d.targets) == 0 {
		return
	}
	go d.run(ctx)
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick delivers pending events to every target concurrently. A slow
// receiver only delays its own target.
func (d *webhookDispatcher) tick(ctx context.Context) {
	var g errgroup.Group
	for _, t := range d.targets {
		g.Go(func() error {
			d.deliver(ctx, t)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *webhookDispatcher) deliver(ctx context.Context, t *hookTarget) {
	log := d.logger.With("url", t.cfg.URL)
	if !t.primed {
		latest, err := d.source.LatestEventID(ctx)
		if err != nil {
			log.Error("read latest event failed", "err", err)
			return
		}
		t.cursor, t.primed = latest, true
	}
	evts, err := d.source.EventsAfter(ctx, defaultWebhookBatch, t.cursor)
	if err != nil {
		log.Error("fetch events failed", "err", err)
		return
	}
	for _, evt := range evts {
		delivery := newStatusDelivery(evt)
		if t.filter.match(delivery) {
			if err := t.post(ctx, delivery); err != nil {
				log.Warn("delivery failed", "event_id", evt.ID, "err", err)
				return
			}
			log.Debug("delivered", "event_id", evt.ID, "type", evt.Type, "entity_id", evt.EntityID)
		}
		t.cursor = evt.ID
	}
}

func (t *hookTarget) post(ctx context.Context, delivery statusDelivery) error {
	body, err := json.Marshal(delivery)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Statusflow-Event", delivery.Type)
	req.Header.Set("X-Statusflow-Delivery", strconv.FormatInt(delivery.EventID, 10))
	if secret := strings.TrimSpace(t.cfg.Secret); secret != "" {
		req.Header.Set(signatureHeader, signBody(secret, body))
	}
	res, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// signBody returns the signature header value receivers verify against
// the raw request body.
func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
