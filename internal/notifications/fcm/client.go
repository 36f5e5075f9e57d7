// Package fcm provides push delivery via the Firebase Cloud Messaging HTTP
// API.
package fcm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/streamsync/streamsync/internal/notifications"
	"golang.org/x/time/rate"
)

const defaultEndpoint = "https://fcm.googleapis.com/fcm/send"

// Config holds FCM client configuration.
type Config struct {
	Enabled   bool
	ServerKey string
	Endpoint  string
	Timeout   time.Duration
	RateLimit float64 // batched sends per second, 0 disables limiting
}

// Client implements notifications.PushClient against the FCM send endpoint.
type Client struct {
	config  Config
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates an FCM client.
// Returns error if enabled but the server key is missing.
func NewClient(config Config) (*Client, error) {
	if config.Enabled && config.ServerKey == "" {
		return nil, errors.New("fcm client: server key is required when enabled")
	}

	if config.Endpoint == "" {
		config.Endpoint = defaultEndpoint
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}

	var limiter *rate.Limiter
	if config.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), 1)
	}

	slog.Info("fcm client configured",
		"enabled", config.Enabled,
		"endpoint", config.Endpoint,
		"rate_limit", config.RateLimit,
	)

	return &Client{
		config:  config,
		http:    &http.Client{Timeout: config.Timeout},
		limiter: limiter,
	}, nil
}

type sendRequest struct {
	RegistrationIDs []string          `json:"registration_ids"`
	Notification    messagePayload    `json:"notification"`
	Data            map[string]string `json:"data,omitempty"`
}

type messagePayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type sendResponse struct {
	Success int          `json:"success"`
	Failure int          `json:"failure"`
	Results []sendResult `json:"results"`
}

type sendResult struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

// SendMulticast sends one batched push carrying the full token set of a job
// and reports per-token results.
func (c *Client) SendMulticast(ctx context.Context, msg notifications.MulticastMessage) (*notifications.MulticastResult, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	body, err := json.Marshal(sendRequest{
		RegistrationIDs: msg.Tokens,
		Notification:    messagePayload{Title: msg.Title, Body: msg.Body},
		Data:            msg.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+c.config.ServerKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send multicast: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fcm returned status %d: %s", resp.StatusCode, raw)
	}

	var parsed sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	result := &notifications.MulticastResult{
		SuccessCount: parsed.Success,
		FailureCount: parsed.Failure,
	}
	for i, r := range parsed.Results {
		if r.Error == "" || i >= len(msg.Tokens) {
			continue
		}
		result.Errors = append(result.Errors, notifications.TargetError{
			Token:  msg.Tokens[i],
			Reason: r.Error,
		})
	}
	return result, nil
}
