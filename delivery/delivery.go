// Package delivery POSTs assembled callback payloads to caller webhooks
// with bounded retries and exponential backoff.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"

	"lot-describe-pipeline/metrics"
	"lot-describe-pipeline/models"
)

// ErrDeliveryFailed is returned once the retry budget is exhausted.
var ErrDeliveryFailed = errors.New("webhook delivery failed")

// DeadLetterSink persists deliveries that exhausted their retry budget.
type DeadLetterSink interface {
	SaveDeadLetter(dl *models.DeadLetter) error
}

// Sender delivers callback payloads.
type Sender struct {
	httpClient  *http.Client
	maxRetries  int
	baseDelay   time.Duration
	deadLetters DeadLetterSink
	sleep       func(time.Duration)
}

// NewSender creates a sender. deadLetters may be nil, in which case
// exhausted deliveries are only logged and counted.
func NewSender(maxRetries int, baseDelay time.Duration, deadLetters DeadLetterSink) *Sender {
	return &Sender{
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		maxRetries:  maxRetries,
		baseDelay:   baseDelay,
		deadLetters: deadLetters,
		sleep:       time.Sleep,
	}
}

// Deliver POSTs payload as JSON to url. Any 2xx response is success; every
// other outcome consumes one retry. The delay doubles from baseDelay between
// attempts. Exhausting the budget records a dead letter and returns
// ErrDeliveryFailed.
func (s *Sender) Deliver(ctx context.Context, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize callback payload: %w", err)
	}

	timer := time.Now()
	var lastOutcome string
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if attempt > 0 {
			s.sleep(s.baseDelay * time.Duration(1<<(attempt-1)))
		}

		ok, outcome := s.post(ctx, url, body)
		if ok {
			metrics.DeliveryDurationSeconds.Observe(time.Since(timer).Seconds())
			return nil
		}
		lastOutcome = outcome
		log.Warnf("Webhook attempt %d/%d to %s failed: %s", attempt+1, s.maxRetries, url, outcome)
	}

	metrics.WebhookFailuresTotal.Inc()
	if s.deadLetters != nil {
		dl := &models.DeadLetter{
			ID:        uuid.NewString(),
			URL:       url,
			Payload:   string(body),
			Reason:    lastOutcome,
			CreatedAt: time.Now(),
		}
		if err := s.deadLetters.SaveDeadLetter(dl); err != nil {
			log.WithError(err).Errorf("Failed to persist dead letter for %s", url)
		}
	}
	return fmt.Errorf("%s after %d attempts (%s): %w", url, s.maxRetries, lastOutcome, ErrDeliveryFailed)
}

func (s *Sender) post(ctx context.Context, url string, body []byte) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, ""
	}
	return false, fmt.Sprintf("status %d", resp.StatusCode)
}
