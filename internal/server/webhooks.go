package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"appraisal/internal/config"
	"appraisal/internal/engine"
	"appraisal/internal/events"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
	maxParallelHooks       = 4
)

// WebhookDispatcher relays the global event stream to configured URLs. Each
// hook keeps its own cursor in the store, so a restart resumes where the
// last acknowledged delivery left off.
type WebhookDispatcher struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   *slog.Logger
}

func NewWebhookDispatcher(e engine.Engine, hooks []config.WebhookConfig, logger *slog.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookDispatcher{
		engine:   e,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logger.With("component", "webhooks"),
	}
}

// Run dispatches until ctx is done.
func (d *WebhookDispatcher) Run(ctx context.Context, interval time.Duration) {
	if len(d.webhooks) == 0 {
		return
	}
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll runs one delivery pass. Hooks have independent cursors, so a
// slow receiver only delays its own stream.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(maxParallelHooks)
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		id := hook.HookID(i)
		g.Go(func() error {
			d.dispatchWebhook(ctx, id, hook)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, hookID string, hook config.WebhookConfig) {
	log := d.logger.With("hook", hookID)
	cursor, err := d.cursorFor(ctx, hookID)
	if err != nil {
		log.ErrorContext(ctx, "init cursor failed", "error", err)
		return
	}
	batch, err := d.engine.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		log.ErrorContext(ctx, "fetch events failed", "error", err)
		return
	}
	if len(batch) == 0 {
		return
	}
	filter := newEventFilter(hook.Events)
	last := cursor
	defer func() {
		if last == cursor {
			return
		}
		if err := d.engine.Repo.SaveWebhookCursor(ctx, hookID, last); err != nil {
			log.ErrorContext(ctx, "save cursor failed", "error", err, "position", last)
		}
	}()
	for _, env := range batch {
		if !filter.match(string(env.Kind)) {
			last = env.Position
			continue
		}
		if err := d.postEvent(ctx, hookID, hook, env); err != nil {
			d.engine.Metrics.IncrementDelivery(hookID, "failed")
			log.WarnContext(ctx, "delivery failed", "url", hook.URL, "event_id", env.ID, "error", err)
			return
		}
		d.engine.Metrics.IncrementDelivery(hookID, "delivered")
		last = env.Position
	}
}

// cursorFor returns the stored cursor. A hook seen for the first time starts
// at the head of the stream rather than replaying history.
func (d *WebhookDispatcher) cursorFor(ctx context.Context, hookID string) (int64, error) {
	cur, ok, err := d.engine.Repo.WebhookCursor(ctx, hookID)
	if err != nil {
		return 0, err
	}
	if ok {
		return cur, nil
	}
	cur, err = d.engine.Repo.LatestPosition(ctx)
	if err != nil {
		return 0, err
	}
	if err := d.engine.Repo.SaveWebhookCursor(ctx, hookID, cur); err != nil {
		return 0, err
	}
	return cur, nil
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hookID string, hook config.WebhookConfig, env events.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Appraisal-Event", string(env.Kind))
	req.Header.Set("X-Appraisal-Delivery", env.ID)
	req.Header.Set("X-Appraisal-Position", strconv.FormatInt(env.Position, 10))
	req.Header.Set("X-Appraisal-Hook", hookID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Appraisal-Secret", hook.Secret)
	}
	res, err := client.Do(req)
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

func newEventFilter(kinds []string) eventFilter {
	if len(kinds) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		key := strings.TrimSpace(k)
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

func (f eventFilter) match(kind string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[kind]
	return ok
}
