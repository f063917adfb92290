// Package webhookproxy connects to an SSE delivery proxy (e.g. a smee.io
// channel) as an alternative to listening for inbound webhook POSTs
// directly, for deployments that sit behind a firewall the provider
// cannot reach. No example in this codebase's dependency set implements
// an SSE client, so this is deliberately built on stdlib net/http and
// bufio rather than importing an unrelated library just to say it was
// imported.
package webhookproxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/paritybot/cascade/internal/logfields"
)

// delivery is the JSON shape a smee.io-compatible proxy sends as the
// "data:" payload of each "message" SSE event: the original webhook body,
// plus its GitHub delivery headers lower-cased and flattened into the same
// object.
type delivery struct {
	Body            json.RawMessage `json:"body"`
	GithubEvent     string          `json:"x-github-event"`
	HubSignature256 string          `json:"x-hub-signature-256"`
}

// Client streams webhook deliveries from an SSE proxy URL and hands each
// one to onDelivery, reconnecting with backoff when the stream drops.
type Client struct {
	proxyURL string
	httpClt  *http.Client
	logger   *zap.Logger
}

// New returns a Client that streams from proxyURL.
func New(proxyURL string) *Client {
	return &Client{
		proxyURL: proxyURL,
		httpClt:  &http.Client{}, // no overall Timeout: the response body is a long-lived stream
		logger:   zap.L().Named("webhookproxy"),
	}
}

// Run connects to the proxy and dispatches deliveries to onDelivery until
// ctx is cancelled, reconnecting on any stream error. It blocks.
func (c *Client) Run(ctx context.Context, onDelivery func(ghEventType string, body []byte, signature string) error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		err := c.stream(ctx, onDelivery)
		if ctx.Err() != nil {
			return
		}

		wait := bo.NextBackOff()
		c.logger.Warn("webhook proxy stream ended, reconnecting",
			logfields.Event("webhookproxy_reconnecting"),
			zap.Duration("wait", wait), zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (c *Client) stream(ctx context.Context, onDelivery func(ghEventType string, body []byte, signature string) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.proxyURL, nil)
	if err != nil {
		return fmt.Errorf("building request failed: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClt.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to proxy failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("proxy returned status %d", resp.StatusCode)
	}

	c.logger.Info("connected to webhook proxy", logfields.Event("webhookproxy_connected"))

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}

		var d delivery
		if err := json.Unmarshal([]byte(data), &d); err != nil {
			c.logger.Warn("decoding proxy delivery failed, skipping",
				logfields.Event("webhookproxy_decode_failed"), zap.Error(err))
			continue
		}

		if err := onDelivery(d.GithubEvent, d.Body, d.HubSignature256); err != nil {
			c.logger.Warn("handling proxied delivery failed",
				logfields.Event("webhookproxy_handle_failed"), zap.Error(err))
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading event stream failed: %w", err)
	}

	return fmt.Errorf("event stream closed by proxy")
}
