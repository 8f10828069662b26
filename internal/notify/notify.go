// Package notify delivers lifecycle notifications from the event outbox to configured
// webhooks. Each webhook keeps a persisted cursor, so a notification is delivered in
// order and is retried until the receiver answers 2xx.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"bountyline/internal/config"
	"bountyline/internal/domain"
	"bountyline/internal/repo"
)

const (
	defaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultBatch    = 100
)

type Dispatcher struct {
	Repo     repo.Repo
	Webhooks []config.Webhook
	Client   *http.Client
	Logger   *zap.Logger
	Interval time.Duration
	Now      func() time.Time
}

func New(r repo.Repo, hooks []config.Webhook, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		Repo:     r,
		Webhooks: hooks,
		Client:   &http.Client{Timeout: defaultTimeout},
		Logger:   logger,
		Interval: defaultInterval,
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Run delivers until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.Webhooks) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			d.Logger.Warn("webhook dispatch failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers pending notifications to every webhook and returns how many were
// accepted. A failing webhook stops at the failed notification and does not block others.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	total := 0
	var firstErr error
	for _, hook := range d.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		n, err := d.dispatch(ctx, hook)
		total += n
		if err != nil {
			d.Logger.Warn("webhook delivery failed", zap.String("webhook", hookID(hook)), zap.String("url", hook.URL), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return total, firstErr
}

func hookID(h config.Webhook) string {
	if h.ID != "" {
		return h.ID
	}
	return h.URL
}

func (d *Dispatcher) cursor(ctx context.Context, hook config.Webhook) (int64, error) {
	cur, ok, err := d.Repo.WebhookCursor(ctx, hookID(hook))
	if err != nil || ok {
		return cur, err
	}
	// A new webhook starts at the current end of the outbox.
	latest, err := d.Repo.LatestEventID(ctx)
	if err != nil {
		return 0, err
	}
	return latest, d.Repo.SetWebhookCursor(ctx, hookID(hook), latest, d.now())
}

func (d *Dispatcher) dispatch(ctx context.Context, hook config.Webhook) (int, error) {
	cur, err := d.cursor(ctx, hook)
	if err != nil {
		return 0, fmt.Errorf("load cursor: %w", err)
	}
	pending, err := d.Repo.EventsAfter(ctx, defaultBatch, cur)
	if err != nil {
		return 0, fmt.Errorf("fetch events: %w", err)
	}
	filter := newEventFilter(hook.Events)
	delivered := 0
	for _, n := range pending {
		if filter.match(n.Event) {
			if err := d.post(ctx, hook, n); err != nil {
				return delivered, err
			}
			delivered++
		}
		if err := d.Repo.SetWebhookCursor(ctx, hookID(hook), n.ID, d.now()); err != nil {
			return delivered, err
		}
	}
	return delivered, nil
}

// Sign returns the hex HMAC-SHA256 of body, sent as "sha256=<hex>".
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (d *Dispatcher) post(ctx context.Context, hook config.Webhook, n domain.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	timeout := defaultTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	} else if timeout != client.Timeout {
		c := *client
		c.Timeout = timeout
		client = &c
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Bountyline-Event", n.Event)
	req.Header.Set("X-Bountyline-Delivery", fmt.Sprintf("%d", n.ID))
	req.Header.Set("X-Bountyline-Bounty", n.BountyID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Bountyline-Signature", "sha256="+Sign(hook.Secret, data))
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

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
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
