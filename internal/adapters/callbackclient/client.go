// Package callbackclient delivers job-event callbacks from the worker to the
// bot's callback receiver, retrying transient failures with a fixed-delay
// backoff policy.
package callbackclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"

	"clipqueue/internal/infra/logger"
)

// Subscriber is the chat-message identity a job event is fanned out to.
// ThreadID is nil when the chat has no thread concept.
type Subscriber struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	ThreadID  *int64 `json:"thread_id,omitempty"`
}

// Event is the JSON body POSTed to the callback server's /internal/job-events
// route. EventID is deterministic (job_id:status:attempts) so the receiver
// can dedup retried deliveries.
type Event struct {
	EventID     string         `json:"event_id"`
	JobID       string         `json:"job_id"`
	Status      string         `json:"status"`
	Platform    string         `json:"platform"`
	InputURL    string         `json:"input_url"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Subscribers []Subscriber   `json:"subscribers,omitempty"`
}

// Client POSTs events to a single callback endpoint, retrying up to
// maxAttempts times with a fixed delay between attempts.
type Client struct {
	url         string
	authToken   string
	httpClient  *http.Client
	maxAttempts int
	retryDelay  time.Duration
}

// New builds a Client targeting host:port/internal/job-events.
func New(host string, port int, authToken string, maxAttempts int, retryDelay time.Duration) *Client {
	return &Client{
		url:       fmt.Sprintf("http://%s:%d/internal/job-events", host, port),
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
		},
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
	}
}

// Send POSTs event, retrying transport and non-2xx failures up to
// maxAttempts times with a constant retryDelay between attempts, using
// backoff.WithMaxRetries over a constant backoff policy. The final attempt's
// error is returned if every attempt fails.
func (c *Client) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal callback event")
	}

	attempts := c.maxAttempts
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryDelay), uint64(attempts-1)),
		ctx,
	)

	operation := func() error {
		if err := c.post(ctx, body); err != nil {
			logger.Warnf("callback delivery attempt failed event_id=%s error=%v", event.EventID, err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return errors.Wrap(err, "deliver callback event after retries")
	}
	return nil
}

func (c *Client) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build callback request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Token", c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "send callback request")
	}
	defer func() { _, _ = io.Copy(io.Discard, resp.Body); _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
