package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/store"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher tails the durable event log and posts matching events
// to each configured target. Cursors are persisted per hook, so delivery
// resumes where it stopped across restarts.
type webhookDispatcher struct {
	store    store.Store
	webhooks []config.Webhook
	client   *http.Client
	log      *zap.Logger
	mu       sync.Mutex
	cursors  map[string]int64
}

func startWebhookDispatcher(cfg Config) {
	if cfg.Settings == nil || len(cfg.Settings.Webhooks) == 0 {
		return
	}
	d := &webhookDispatcher{
		store:    cfg.Store,
		webhooks: cfg.Settings.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		log:      cfg.Log,
		cursors:  make(map[string]int64),
	}
	go d.run()
}

func (d *webhookDispatcher) run() {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

func (d *webhookDispatcher) dispatchAll() {
	for _, hook := range d.webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(hook config.Webhook) {
	ctx := context.Background()
	cursor := d.cursorFor(ctx, hook.Name)
	events, err := d.store.EventsAfter(ctx, defaultWebhookBatch, cursor, "")
	if err != nil {
		d.log.Warn("webhook event fetch failed", zap.String("hook", hook.Name), zap.Error(err))
		return
	}
	if len(events) == 0 {
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(ctx, hook.Name, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.log.Warn("webhook delivery failed",
				zap.String("hook", hook.Name), zap.Int64("event_id", evt.ID), zap.Error(err))
			return
		}
		d.setCursor(ctx, hook.Name, evt.ID)
	}
}

func (d *webhookDispatcher) cursorFor(ctx context.Context, name string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[name]; ok {
		return cur
	}
	cur, err := d.store.GetWebhookCursor(ctx, name)
	if err != nil {
		d.log.Warn("webhook cursor read failed", zap.String("hook", name), zap.Error(err))
		cur = 0
	}
	d.cursors[name] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(ctx context.Context, name string, value int64) {
	d.mu.Lock()
	d.cursors[name] = value
	d.mu.Unlock()
	now := time.Now().UTC().Format(time.RFC3339)
	if err := d.store.SetWebhookCursor(ctx, name, value, now); err != nil {
		d.log.Warn("webhook cursor save failed", zap.String("hook", name), zap.Error(err))
	}
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.Webhook, evt domain.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Caseline-Event", evt.Type)
	req.Header.Set("X-Caseline-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Caseline-Investigation", evt.InvestigationID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Caseline-Secret", hook.Secret)
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
