// Package webhook delivers new-mail events to subscriber endpoints with
// bounded retries and records one terminal outcome per delivery.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/masa23/mailhookd/model"
)

const (
	defaultRetryCount     = 3
	defaultTimeoutSeconds = 30
	userAgent             = "mailhookd/1.0"

	// responseBodyLimit caps what gets stored in the delivery log.
	responseBodyLimit = 1000
)

type Dispatcher struct {
	db     *gorm.DB
	client *http.Client

	// backoff returns the wait before the next attempt. Overridden in
	// tests to keep them fast.
	backoff func(attempt int) time.Duration
}

func NewDispatcher(db *gorm.DB) *Dispatcher {
	return &Dispatcher{
		db:      db,
		client:  &http.Client{},
		backoff: exponentialBackoff,
	}
}

func exponentialBackoff(attempt int) time.Duration {
	return time.Duration(1<<attempt) * time.Second
}

// Notify fans an event out to every matching active subscription and
// returns once each delivery has reached a terminal state. Failures in
// one subscription never affect another.
func (d *Dispatcher) Notify(ctx context.Context, eventType string, msg *model.Message) error {
	subs, err := d.matchingSubscriptions(eventType)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		slog.Debug("no webhook subscriptions for event", "event", eventType)
		return nil
	}

	slog.Info("dispatching webhook event",
		"event", eventType, "message_id", msg.MessageID, "subscriptions", len(subs))

	var wg sync.WaitGroup
	for i := range subs {
		sub := subs[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.deliver(ctx, &sub, eventType, msg)
		}()
	}
	wg.Wait()
	return nil
}

func (d *Dispatcher) matchingSubscriptions(eventType string) ([]model.WebhookSubscription, error) {
	var active []model.WebhookSubscription
	if err := d.db.Where("is_active = ?", true).Find(&active).Error; err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}

	matched := active[:0]
	for _, sub := range active {
		for _, event := range sub.TriggerEvents {
			if event == "*" || event == eventType {
				matched = append(matched, sub)
				break
			}
		}
	}
	return matched, nil
}

// deliver runs one subscription's retry loop to its terminal state and
// appends exactly one delivery log row. Attempts are strictly sequential;
// the backoff wait is abandoned when ctx is cancelled.
func (d *Dispatcher) deliver(ctx context.Context, sub *model.WebhookSubscription, eventType string, msg *model.Message) {
	maxAttempts := sub.RetryCount
	if maxAttempts <= 0 {
		maxAttempts = defaultRetryCount
	}

	var lastCode int
	var lastBody string
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		code, body, err := d.attempt(ctx, sub, eventType, msg)
		if err == nil {
			slog.Info("webhook delivered",
				"webhook", sub.Name, "event", eventType, "status", code, "attempt", attempt)
			d.appendLog(sub, msg, eventType, model.WebhookDeliveryLog{
				Status:       model.DeliveryStatusSuccess,
				ResponseCode: code,
				ResponseBody: body,
				AttemptCount: attempt,
			})
			return
		}

		lastCode, lastBody, lastErr = code, body, err
		slog.Warn("webhook delivery failed",
			"webhook", sub.Name, "event", eventType,
			"attempt", attempt, "max_attempts", maxAttempts, "error", err)

		if attempt == maxAttempts {
			break
		}
		if !d.wait(ctx, d.backoff(attempt)) {
			// Shutdown: stop retrying and record what we got to.
			break
		}
	}

	d.appendLog(sub, msg, eventType, model.WebhookDeliveryLog{
		Status:       model.DeliveryStatusFailed,
		ResponseCode: lastCode,
		ResponseBody: lastBody,
		ErrorMessage: lastErr.Error(),
		AttemptCount: attempts,
	})
}

// wait sleeps for the backoff window, returning false if the context was
// cancelled first.
func (d *Dispatcher) wait(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// attempt performs a single HTTP delivery. A nil error means a 2xx
// response.
func (d *Dispatcher) attempt(ctx context.Context, sub *model.WebhookSubscription, eventType string, msg *model.Message) (code int, body string, err error) {
	data, err := json.Marshal(buildPayload(sub, eventType, msg))
	if err != nil {
		return 0, "", fmt.Errorf("marshal payload: %w", err)
	}

	timeout := time.Duration(sub.TimeoutSeconds) * time.Second
	if sub.TimeoutSeconds <= 0 {
		timeout = defaultTimeoutSeconds * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := sub.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(attemptCtx, method, sub.URL, bytes.NewReader(data))
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Webhook-Event", eventType)
	// Subscriber headers override the defaults.
	for key, value := range sub.Headers {
		req.Header.Set(key, value)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	limited, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
	body = string(limited)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, body, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.StatusCode, body, nil
}

func (d *Dispatcher) appendLog(sub *model.WebhookSubscription, msg *model.Message, eventType string, entry model.WebhookDeliveryLog) {
	entry.WebhookID = sub.ID
	entry.MessageID = msg.ID
	entry.EventType = eventType
	if err := d.db.Create(&entry).Error; err != nil {
		slog.Error("failed to append webhook delivery log",
			"webhook", sub.Name, "error", err)
	}
}

// TestResult is what the admin connectivity check returns; nothing is
// persisted for a test delivery.
type TestResult struct {
	Success      bool   `json:"success"`
	StatusCode   int    `json:"status_code"`
	ResponseBody string `json:"response_body,omitempty"`
	Error        string `json:"error,omitempty"`
}

var ErrSubscriptionNotFound = errors.New("webhook subscription not found")

// Test performs exactly one delivery attempt of a synthetic payload.
func (d *Dispatcher) Test(ctx context.Context, subscriptionID uint64) (*TestResult, error) {
	var sub model.WebhookSubscription
	if err := d.db.First(&sub, subscriptionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("load subscription: %w", err)
	}

	code, body, err := d.attempt(ctx, &sub, EventTest, testMessage())
	if err != nil {
		return &TestResult{Success: false, StatusCode: code, ResponseBody: body, Error: err.Error()}, nil
	}
	return &TestResult{Success: true, StatusCode: code, ResponseBody: body}, nil
}
