// Package webhook fans inbound gateway events out to tenant-registered
// HTTP endpoints, with HMAC signing, bounded retries, and per-delivery
// logging. Delivery never blocks or fails the message pipeline; terminal
// failures are visible only through the delivery log.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dispatchd/dispatchd/internal/config"
	"github.com/dispatchd/dispatchd/internal/store"
)

const responseBodyLimit = 512

// Dispatcher delivers events to matching webhooks.
type Dispatcher struct {
	store   *store.Store
	client  *http.Client
	backoff time.Duration
	retries int
	now     func() time.Time
}

// New creates a dispatcher from the webhook config section.
func New(st *store.Store, cfg config.WebhookConfig) *Dispatcher {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retries := cfg.MaxAttempts
	if retries <= 0 {
		retries = 3
	}
	return &Dispatcher{
		store:   st,
		client:  &http.Client{Timeout: timeout},
		backoff: time.Duration(cfg.BackoffBaseSecs) * time.Second,
		retries: retries,
		now:     time.Now,
	}
}

// Sign computes the hex HMAC-SHA256 signature of a payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Matches reports whether a webhook subscribes to the event. The "*"
// event type matches everything; an empty device filter matches every
// device.
func Matches(w *store.Webhook, eventType, deviceID string) bool {
	if !w.Enabled {
		return false
	}
	typeOK := false
	for _, et := range w.EventTypes {
		if et == "*" || et == eventType {
			typeOK = true
			break
		}
	}
	if !typeOK {
		return false
	}
	if len(w.DeviceIDs) == 0 {
		return true
	}
	for _, d := range w.DeviceIDs {
		if d == deviceID {
			return true
		}
	}
	return false
}

// Dispatch delivers the raw event payload to every matching webhook of
// the tenant, concurrently, and waits for all deliveries to finish.
func (d *Dispatcher) Dispatch(ctx context.Context, tenantID, eventType, deviceID string, payload []byte) {
	hooks, err := d.store.ListWebhooks(tenantID)
	if err != nil {
		slog.Error("Webhook lookup failed", "tenant", tenantID, "error", err)
		return
	}

	var wg sync.WaitGroup
	for i := range hooks {
		hook := hooks[i]
		if !Matches(&hook, eventType, deviceID) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Webhook delivery panicked", "webhook", hook.ID, "panic", r)
				}
			}()
			d.deliver(ctx, &hook, eventType, payload)
		}()
	}
	wg.Wait()
}

// deliver runs one delivery with retries, appending one log row per
// attempt: retrying for every non-final failure, then success or
// failed.
func (d *Dispatcher) deliver(ctx context.Context, hook *store.Webhook, eventType string, payload []byte) {
	var lastErr string
	for attempt := 1; attempt <= d.retries; attempt++ {
		if attempt > 1 {
			wait := d.backoff << (attempt - 2)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}

		code, body, err := d.post(ctx, hook, eventType, payload)
		logRow := &store.WebhookLog{
			WebhookID:    hook.ID,
			EventType:    eventType,
			Attempt:      attempt,
			ResponseCode: code,
			ResponseBody: body,
		}
		if err == nil && code >= 200 && code < 300 {
			logRow.Status = store.DeliverySuccess
			if aerr := d.store.AppendWebhookLog(logRow); aerr != nil {
				slog.Warn("Webhook log append failed", "webhook", hook.ID, "error", aerr)
			}
			return
		}

		if err != nil {
			logRow.ErrorText = err.Error()
		} else {
			logRow.ErrorText = fmt.Sprintf("unexpected status %d", code)
		}
		lastErr = logRow.ErrorText
		if attempt < d.retries {
			logRow.Status = store.DeliveryRetrying
		} else {
			logRow.Status = store.DeliveryFailed
		}
		if aerr := d.store.AppendWebhookLog(logRow); aerr != nil {
			slog.Warn("Webhook log append failed", "webhook", hook.ID, "error", aerr)
		}
	}
	slog.Warn("Webhook delivery failed permanently",
		"webhook", hook.ID, "url", hook.URL, "attempts", d.retries, "error", lastErr)
}

func (d *Dispatcher) post(ctx context.Context, hook *store.Webhook, eventType string, payload []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, "", fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-ID", hook.ID)
	req.Header.Set("X-Event-Type", eventType)
	req.Header.Set("X-Timestamp", strconv.FormatInt(d.now().Unix(), 10))
	if hook.Secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(hook.Secret, payload))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
	return resp.StatusCode, string(body), nil
}
