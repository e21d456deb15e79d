package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/xraph/entitle/signature"
)

// Sink is a downstream collaborator that receives entitlement changes, such
// as a feature-flag store or a usage limiter. Deliver must be idempotent per
// (customer, subscription version).
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n *Notification) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc struct {
	name string
	fn   func(ctx context.Context, n *Notification) error
}

func NewSinkFunc(name string, fn func(ctx context.Context, n *Notification) error) *SinkFunc {
	return &SinkFunc{name: name, fn: fn}
}

func (s *SinkFunc) Name() string { return s.name }

func (s *SinkFunc) Deliver(ctx context.Context, n *Notification) error { return s.fn(ctx, n) }

// ──────────────────────────────────────────────────
// HTTP webhook
// ──────────────────────────────────────────────────

// HTTPSink POSTs the notification as JSON, signed with the shared secret.
type HTTPSink struct {
	name   string
	url    string
	secret string
	client *http.Client
}

func NewHTTPSink(name, url, secret string) *HTTPSink {
	return &HTTPSink{
		name:   name,
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// WithClient replaces the HTTP client.
func (s *HTTPSink) WithClient(c *http.Client) *HTTPSink {
	s.client = c
	return s
}

func (s *HTTPSink) Name() string { return s.name }

func (s *HTTPSink) Deliver(ctx context.Context, n *Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return Permanent(fmt.Errorf("marshal notification: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Entitle-Notification", n.ID.String())
	req.Header.Set("X-Entitle-Customer", n.CustomerID)
	req.Header.Set("X-Entitle-Version", strconv.FormatInt(n.SubscriptionVersion, 10))
	if s.secret != "" {
		req.Header.Set("X-Entitle-Signature", signature.Header(s.secret, time.Now(), payload))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10)) //nolint:errcheck // drain for connection reuse

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("sink %s returned %d", s.name, resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Permanent(fmt.Errorf("sink %s rejected notification with %d", s.name, resp.StatusCode))
	default:
		return fmt.Errorf("sink %s returned %d", s.name, resp.StatusCode)
	}
}

// ──────────────────────────────────────────────────
// Redis
// ──────────────────────────────────────────────────

// RedisSink pushes the notification onto a list for worker consumers and
// publishes it on a channel for live subscribers.
type RedisSink struct {
	name    string
	client  *redis.Client
	list    string
	channel string
}

// NewRedisSink creates a RedisSink. Empty list or channel names fall back to
// "entitle:notifications".
func NewRedisSink(name string, client *redis.Client, list, channel string) *RedisSink {
	if list == "" {
		list = "entitle:notifications"
	}
	if channel == "" {
		channel = "entitle:notifications"
	}
	return &RedisSink{name: name, client: client, list: list, channel: channel}
}

func (s *RedisSink) Name() string { return s.name }

func (s *RedisSink) Deliver(ctx context.Context, n *Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return Permanent(fmt.Errorf("marshal notification: %w", err))
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, s.list, payload)
		pipe.Publish(ctx, s.channel, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis sink %s: %w", s.name, err)
	}
	return nil
}
