// Package webhook adapts external HTTP agents to the dispatch handler
// contract. A webhook agent receives the serialized message by POST
// and answers with reply content; when the call fails in any way the
// adapter returns the configured static fallback instead of an error.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/mtzanidakis/agora/internal/config"
	"github.com/mtzanidakis/agora/internal/envelope"
	"github.com/mtzanidakis/agora/internal/resilience"
)

const defaultTimeout = 30 * time.Second

// Adapter implements dispatch.Handler for one configured webhook agent.
type Adapter struct {
	agentID string
	cfg     config.WebhookAgent
	client  *http.Client

	breakers   *resilience.Registry
	resTimeout time.Duration
	retryCfg   resilience.RetryConfig
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithResilience runs each outbound call under the named breaker with
// a retry loop and per-attempt timeout. When the resilient call still
// fails, including a rejected call on an open circuit, the configured
// fallback applies as usual.
func WithResilience(reg *resilience.Registry, timeout time.Duration, retry resilience.RetryConfig) Option {
	return func(a *Adapter) {
		a.breakers = reg
		a.resTimeout = timeout
		a.retryCfg = retry
	}
}

// New builds an adapter for agentID. The auth mode decides how each
// request is credentialed: none, bearer, apikey, basic, or oauth2
// (client credentials, token refresh handled by the oauth2 transport).
func New(agentID string, cfg config.WebhookAgent, opts ...Option) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook agent %s: url is required", agentID)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	client := &http.Client{Timeout: timeout}
	switch cfg.Auth.Mode {
	case "", "none", "bearer", "apikey", "basic":
	case "oauth2":
		if cfg.Auth.TokenURL == "" {
			return nil, fmt.Errorf("webhook agent %s: oauth2 auth requires token_url", agentID)
		}
		cc := clientcredentials.Config{
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			TokenURL:     cfg.Auth.TokenURL,
		}
		client = cc.Client(context.Background())
		client.Timeout = timeout
	default:
		return nil, fmt.Errorf("webhook agent %s: unknown auth mode %q", agentID, cfg.Auth.Mode)
	}

	a := &Adapter{agentID: agentID, cfg: cfg, client: client}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// webhookReply is the response body a webhook agent may answer with.
type webhookReply struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// Receive posts the message to the webhook and converts the response
// into a reply. All failures (transport, non-2xx, undecodable body)
// degrade to the configured fallback content.
func (a *Adapter) Receive(ctx context.Context, msg *envelope.Message) (*envelope.Message, error) {
	var reply *envelope.Message
	op := func(ctx context.Context) error {
		var err error
		reply, err = a.call(ctx, msg)
		return err
	}

	var err error
	if a.breakers != nil {
		err = resilience.WithResilience(ctx, a.breakers, a.agentID, a.resTimeout, a.retryCfg, op)
	} else {
		err = op(ctx)
	}
	if err != nil {
		slog.Warn("webhook agent call failed, using fallback",
			"agent", a.agentID, "url", a.cfg.URL, "error", err)
		return a.fallback(msg)
	}
	return reply, nil
}

func (a *Adapter) call(ctx context.Context, msg *envelope.Message) (*envelope.Message, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	switch a.cfg.Auth.Mode {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+a.cfg.Auth.Token)
	case "apikey":
		header := a.cfg.Auth.Header
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, a.cfg.Auth.Key)
	case "basic":
		req.SetBasicAuth(a.cfg.Auth.Username, a.cfg.Auth.Password)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(data) == 0 {
		// Fire-and-forget webhook, no reply expected.
		return nil, nil
	}

	var wr webhookReply
	if err := json.Unmarshal(data, &wr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if wr.Type == "" {
		return nil, nil
	}

	content, err := envelope.DecodeContent(envelope.Type(wr.Type), wr.Content)
	if err != nil {
		return nil, fmt.Errorf("decode reply content: %w", err)
	}
	return msg.Reply(envelope.Type(wr.Type), content, a.agentID)
}

// fallback builds the configured static reply. Without configured
// fallback content the message is simply dropped.
func (a *Adapter) fallback(msg *envelope.Message) (*envelope.Message, error) {
	if a.cfg.Fallback == "" {
		return nil, nil
	}
	return msg.Reply(envelope.TypeSystem,
		envelope.SystemPayload{Event: "fallback", Detail: a.cfg.Fallback}, a.agentID)
}
