// Package proofclient asks the proof service whether a persona controls a
// platform identity.
package proofclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/xudaotutou/kv-server/pkg/fault"
	"github.com/xudaotutou/kv-server/pkg/httpx"
	"github.com/xudaotutou/kv-server/pkg/persona"
)

const authorizePath = "/v1/kv/authorize"

type Client struct {
	BaseURL string
	HTTP    *http.Client
	Log     *slog.Logger
}

func New(baseURL string, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:    &http.Client{Timeout: timeout},
		Log:     log,
	}
}

type authorizeRequest struct {
	Persona  string `json:"persona"`
	Platform string `json:"platform"`
	Identity string `json:"identity"`
}

type authorizeResponse struct {
	Allowed *bool  `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Authorize returns nil only when the service answers allowed=true. A denial
// is fault.NotAuthorized; anything else is fault.UpstreamUnavailable.
func (c *Client) Authorize(ctx context.Context, p persona.Persona, platform, identity string) error {
	const op = "proof.authorize"
	body, err := json.Marshal(authorizeRequest{Persona: p.Hex(), Platform: platform, Identity: identity})
	if err != nil {
		return fault.Wrap(fault.Internal, op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+authorizePath, bytes.NewReader(body))
	if err != nil {
		return fault.Wrap(fault.UpstreamUnavailable, op, err)
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("X-Request-Id", httpx.RequestID(ctx))

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fault.Wrap(fault.UpstreamUnavailable, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fault.Newf(fault.UpstreamUnavailable, op, "proof service returned %d", resp.StatusCode)
	}

	var out authorizeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out); err != nil {
		return fault.Wrap(fault.UpstreamUnavailable, op, fmt.Errorf("decode response: %w", err))
	}
	if out.Allowed == nil {
		return fault.New(fault.UpstreamUnavailable, op, "response has no allowed field")
	}
	if !*out.Allowed {
		c.logger().InfoContext(ctx, "proof denied",
			"persona", p.Hex(),
			"platform", platform,
			"identity", identity,
			"reason", out.Reason,
		)
		return fault.New(fault.NotAuthorized, op, "proof service denied the mutation")
	}
	return nil
}

func (c *Client) logger() *slog.Logger {
	if c.Log == nil {
		return slog.Default()
	}
	return c.Log
}
