package learning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// LogForwarder only logs reviews. Used when no guideline store is configured.
type LogForwarder struct {
	Logger *zap.Logger
}

func (f LogForwarder) ForwardReview(_ context.Context, p Pattern) error {
	logger := f.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("Pattern review decided",
		zap.String("pattern_id", p.ID),
		zap.String("tenant_id", p.TenantID),
		zap.String("status", string(p.Status)),
		zap.String("reviewed_by", p.ReviewedBy))
	return nil
}

// WebhookForwarder posts reviewed patterns as JSON to an external guideline
// store, retrying 5xx and transport errors.
type WebhookForwarder struct {
	url        string
	client     *http.Client
	maxRetries uint
	logger     *zap.Logger
}

// NewWebhookForwarder creates a forwarder for url.
func NewWebhookForwarder(url string, timeout time.Duration, maxRetries uint, logger *zap.Logger) *WebhookForwarder {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxRetries == 0 {
		maxRetries = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookForwarder{
		url:        url,
		client:     &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		logger:     logger,
	}
}

type reviewPayload struct {
	Pattern Pattern `json:"pattern"`
	Applied bool    `json:"applied"`
}

func (f *WebhookForwarder) ForwardReview(ctx context.Context, p Pattern) error {
	body, err := json.Marshal(reviewPayload{Pattern: p})
	if err != nil {
		return fmt.Errorf("failed to encode review: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	_, err = backoff.Retry(ctx, func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
		if err != nil {
			return 0, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := f.client.Do(req)
		if err != nil {
			return 0, err
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode >= 500:
			return resp.StatusCode, fmt.Errorf("guideline store returned %d", resp.StatusCode)
		case resp.StatusCode >= 300:
			return resp.StatusCode, backoff.Permanent(fmt.Errorf("guideline store rejected review: %d", resp.StatusCode))
		}
		return resp.StatusCode, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(f.maxRetries),
		backoff.WithNotify(func(err error, next time.Duration) {
			f.logger.Warn("Retrying review forward",
				zap.String("pattern_id", p.ID),
				zap.Duration("next", next),
				zap.Error(err))
		}),
	)
	return err
}
