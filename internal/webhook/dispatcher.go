// Package webhook implements C8: signed delivery of event payloads to
// user-configured HTTP sinks. Concurrent, mutually independent
// dispatch per config mirrors the collector's storage transaction
// independence; HMAC signing is stdlib crypto, grounded on the
// dropped-dependency note in the design ledger — no example repo in
// the pack carries a webhook-signing library, and HMAC-SHA256 over a
// raw body is a two-line stdlib operation with no third-party
// equivalent worth adopting.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sentinelmesh/consensus-core/internal/logger"
	"github.com/sentinelmesh/consensus-core/internal/model"
)

const deliveryTimeout = 10 * time.Second

// Store is the narrow persistence capability the dispatcher needs.
type Store interface {
	ListWebhooksForUser(userID string) ([]model.WebhookConfig, error)
	RecordDelivery(delivery model.WebhookDelivery) error
}

// Metrics is the narrow recording capability the dispatcher needs.
type Metrics interface {
	RecordDelivery(outcome string)
}

// Dispatcher delivers event payloads to every subscribed webhook.
type Dispatcher struct {
	store   Store
	client  *http.Client
	metrics Metrics
}

// New builds a Dispatcher backed by store.
func New(store Store) *Dispatcher {
	return &Dispatcher{
		store:  store,
		client: &http.Client{Timeout: deliveryTimeout},
	}
}

// SetMetrics wires an optional metrics recorder; nil disables recording.
func (d *Dispatcher) SetMetrics(m Metrics) {
	d.metrics = m
}

type deliveryBody struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Dispatch loads every active webhook config for userID subscribed to
// eventName and delivers payload to each concurrently. Failures are
// independent and logged; the core never retries automatically.
func (d *Dispatcher) Dispatch(ctx context.Context, userID, eventName string, payload interface{}) {
	configs, err := d.store.ListWebhooksForUser(userID)
	if err != nil {
		logger.Error("WEBHOOK", "failed to load webhook configs for user %s: %v", userID, err)
		return
	}

	body := deliveryBody{Event: eventName, Timestamp: time.Now(), Data: payload}
	raw, err := json.Marshal(body)
	if err != nil {
		logger.Error("WEBHOOK", "failed to marshal delivery body for event %s: %v", eventName, err)
		return
	}

	var wg sync.WaitGroup
	for _, cfg := range configs {
		if !cfg.WantsEvent(eventName) {
			continue
		}
		wg.Add(1)
		go func(cfg model.WebhookConfig) {
			defer wg.Done()
			d.deliverOne(ctx, cfg, eventName, raw)
		}(cfg)
	}
	wg.Wait()
}

func (d *Dispatcher) deliverOne(ctx context.Context, cfg model.WebhookConfig, eventName string, body []byte) {
	reqCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		d.recordFailure(cfg, eventName, body, 0, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Length", fmt.Sprintf("%d", len(body)))
	req.Header.Set("User-Agent", "Sentinel-Webhook/1.0")
	if cfg.Secret != "" {
		req.Header.Set("X-Sentinel-Signature", sign(body, cfg.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		logger.Warn("WEBHOOK", "delivery to %s failed: %v", cfg.URL, err)
		d.recordFailure(cfg, eventName, body, 0, err)
		return
	}
	defer resp.Body.Close()

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	delivery := model.WebhookDelivery{
		WebhookConfigID: cfg.ID,
		Event:           eventName,
		Payload:         body,
		AttemptedAt:     time.Now(),
		StatusCode:      resp.StatusCode,
		Success:         success,
	}
	if !success {
		delivery.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		logger.Warn("WEBHOOK", "delivery to %s returned status %d", cfg.URL, resp.StatusCode)
	}
	if err := d.store.RecordDelivery(delivery); err != nil {
		logger.Error("WEBHOOK", "failed to record delivery receipt for %s: %v", cfg.ID, err)
	}
	d.recordOutcome(success)
}

func (d *Dispatcher) recordFailure(cfg model.WebhookConfig, eventName string, body []byte, statusCode int, err error) {
	delivery := model.WebhookDelivery{
		WebhookConfigID: cfg.ID,
		Event:           eventName,
		Payload:         body,
		AttemptedAt:     time.Now(),
		StatusCode:      statusCode,
		Success:         false,
		Error:           err.Error(),
	}
	if recErr := d.store.RecordDelivery(delivery); recErr != nil {
		logger.Error("WEBHOOK", "failed to record delivery failure for %s: %v", cfg.ID, recErr)
	}
	d.recordOutcome(false)
}

func (d *Dispatcher) recordOutcome(success bool) {
	if d.metrics == nil {
		return
	}
	if success {
		d.metrics.RecordDelivery("success")
	} else {
		d.metrics.RecordDelivery("failure")
	}
}

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
