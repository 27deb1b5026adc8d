package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"deliverline/internal/config"
	"deliverline/internal/domain"
	"deliverline/internal/logger"
	"deliverline/internal/metrics"
	"deliverline/internal/store"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookOptions configure StartWebhooks. Zero values take the defaults.
type WebhookOptions struct {
	Store    store.Store
	Hooks    []config.WebhookConfig
	Logger   *slog.Logger
	Metrics  metrics.Recorder
	Interval time.Duration
	Client   *http.Client
}

type webhookDispatcher struct {
	store    store.Store
	webhooks []config.WebhookConfig
	client   *http.Client
	log      *slog.Logger
	metrics  metrics.Recorder
	interval time.Duration
	mu       sync.Mutex
	cursors  map[int]int64
}

// StartWebhooks posts every new event to the configured hooks until ctx is
// done. Each hook starts at the newest event present when it is first polled,
// so history is never replayed. The returned channel closes when the
// dispatcher has stopped.
func StartWebhooks(ctx context.Context, opts WebhookOptions) <-chan struct{} {
	done := make(chan struct{})
	if len(opts.Hooks) == 0 || opts.Store == nil {
		close(done)
		return done
	}
	d := newWebhookDispatcher(opts)
	go func() {
		defer close(done)
		d.run(ctx)
	}()
	return done
}

func newWebhookDispatcher(opts WebhookOptions) *webhookDispatcher {
	d := &webhookDispatcher{
		store:    opts.Store,
		webhooks: opts.Hooks,
		client:   opts.Client,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		interval: opts.Interval,
		cursors:  make(map[int]int64),
	}
	if d.client == nil {
		d.client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if d.log == nil {
		d.log = logger.Discard()
	}
	if d.metrics == nil {
		d.metrics = metrics.Nop{}
	}
	if d.interval <= 0 {
		d.interval = defaultWebhookInterval
	}
	return d
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor, ok := d.cursorFor(ctx, idx)
	if !ok {
		return
	}
	evts, err := d.store.EventsAfter(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.log.Warn("webhook fetch events failed", "error", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range evts {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.metrics.RecordWebhookDelivery(false)
			d.log.Warn("webhook delivery failed", "url", hook.URL, "event_id", evt.ID, "error", err)
			return
		}
		d.metrics.RecordWebhookDelivery(true)
		d.setCursor(idx, evt.ID)
	}
}

func (d *webhookDispatcher) cursorFor(ctx context.Context, idx int) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur, true
	}
	cur, err := d.store.LatestEventID(ctx)
	if err != nil {
		d.log.Warn("webhook init cursor failed", "error", err)
		return 0, false
	}
	d.cursors[idx] = cur
	return cur, true
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return err
	}
	if hook.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(hook.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Deliverline-Event", evt.Type)
	req.Header.Set("X-Deliverline-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Deliverline-Secret", hook.Secret)
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
