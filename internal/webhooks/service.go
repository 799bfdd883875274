package webhooks

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
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Ledger-Signature"

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Config holds delivery configuration.
type Config struct {
	Subscriptions []Subscription
	Timeout       time.Duration
	// RetryDelays are waited before the second and later attempts.
	RetryDelays []time.Duration
}

// Service fans ledger alerts out to configured endpoints.
type Service struct {
	subs       []Subscription
	log        DeliveryLog
	httpClient *http.Client
	delays     []time.Duration
	onMetrics  MetricsRecorder
	wg         sync.WaitGroup
	logger     *zap.Logger
}

// NewService creates a new webhook Service. log may be nil.
func NewService(cfg Config, log DeliveryLog, logger *zap.Logger) *Service {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryDelays == nil {
		// Exponential backoff: 1s, 5s, 25s.
		cfg.RetryDelays = []time.Duration{1 * time.Second, 5 * time.Second, 25 * time.Second}
	}
	return &Service{
		subs:       cfg.Subscriptions,
		log:        log,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		delays:     cfg.RetryDelays,
		logger:     logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (s *Service) SetMetricsRecorder(fn MetricsRecorder) {
	s.onMetrics = fn
}

// Subscriptions returns the configured endpoints.
func (s *Service) Subscriptions() []Subscription {
	return append([]Subscription(nil), s.subs...)
}

// Deliveries returns recent delivery attempts, newest first.
func (s *Service) Deliveries(ctx context.Context, limit int) ([]*WebhookDelivery, error) {
	if s.log == nil {
		return []*WebhookDelivery{}, nil
	}
	return s.log.ListDeliveries(ctx, limit)
}

// Dispatch fans out an event to all matching subscriptions. Delivery runs in
// the background and outlives ctx's cancellation.
func (s *Service) Dispatch(ctx context.Context, eventType string, payload map[string]string) {
	event := WebhookEvent{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	ctx = context.WithoutCancel(ctx)

	for _, sub := range s.subs {
		if !sub.Wants(eventType) {
			continue
		}
		s.wg.Add(1)
		go func(sub Subscription) {
			defer s.wg.Done()
			s.deliver(ctx, sub, event)
		}(sub)
	}
}

// Wait blocks until every in-flight delivery has finished.
func (s *Service) Wait() { s.wg.Wait() }

// deliver sends the event to a single subscription with retries.
func (s *Service) deliver(ctx context.Context, sub Subscription, event WebhookEvent) {
	body, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("webhook: marshal event", zap.Error(err))
		return
	}

	signature := Sign(body, sub.Secret)
	attempts := len(s.delays) + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			time.Sleep(s.delays[attempt-2])
		}

		success, statusCode, errMsg := s.doDelivery(ctx, sub.URL, body, signature)

		if s.log != nil {
			delivery := &WebhookDelivery{
				EventID:      event.ID,
				EventType:    event.Type,
				URL:          sub.URL,
				StatusCode:   statusCode,
				Attempt:      attempt,
				Success:      success,
				ErrorMessage: errMsg,
			}
			if recordErr := s.log.RecordDelivery(ctx, delivery); recordErr != nil {
				s.logger.Warn("webhook: record delivery", zap.Error(recordErr))
			}
		}

		if s.onMetrics != nil {
			s.onMetrics(success)
		}

		if success {
			return
		}

		s.logger.Warn("webhook: delivery failed",
			zap.String("url", sub.URL),
			zap.String("event_type", event.Type),
			zap.Int("attempt", attempt),
			zap.String("error", errMsg),
		)
	}
}

// doDelivery performs a single HTTP POST delivery.
func (s *Service) doDelivery(ctx context.Context, url string, body []byte, signature string) (bool, int, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, 0, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, 0, err.Error()
	}
	defer resp.Body.Close()
	io.ReadAll(io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	errMsg := ""
	if !success {
		errMsg = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return success, resp.StatusCode, errMsg
}

// Sign computes the "sha256=<hex>" HMAC of body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the HMAC of body under secret.
func VerifySignature(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}
