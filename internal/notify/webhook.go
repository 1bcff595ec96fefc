package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker/v2"

	"threatwatch/internal/logging"
)

const userAgent = "threatwatch/1"

// WebhookConfig configures a WebhookSender.
type WebhookConfig struct {
	URL       string
	AuthToken string
	Timeout   time.Duration
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
}

// WebhookSender POSTs notifications as JSON behind a circuit breaker.
type WebhookSender struct {
	client    *http.Client
	url       string
	authToken string
	breaker   *gobreaker.CircuitBreaker[struct{}]
	logger    *slog.Logger
}

func NewWebhookSender(cfg WebhookConfig, logger *slog.Logger) (*WebhookSender, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook url is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("webhook url must use http or https, got %q", u.Scheme)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logging.Component(logger, "webhook")
	ws := &WebhookSender{
		client:    &http.Client{Timeout: cfg.Timeout},
		url:       cfg.URL,
		authToken: cfg.AuthToken,
		logger:    logger,
	}
	threshold := cfg.FailureThreshold
	ws.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "webhook",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			var se *statusError
			// 4xx means the receiver rejected the payload; it is not an outage.
			if errors.As(err, &se) && se.code < 500 {
				return true
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return ws, nil
}

func (ws *WebhookSender) Name() string { return "webhook" }

func (ws *WebhookSender) State() gobreaker.State { return ws.breaker.State() }

func (ws *WebhookSender) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	_, err = ws.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, ws.post(ctx, body)
	})
	return err
}

func (ws *WebhookSender) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ws.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if ws.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+ws.authToken)
	}
	resp, err := ws.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("webhook returned HTTP %d", e.code) }
