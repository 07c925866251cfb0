package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPWebhookPoster posts JSON bodies to outbound webhook URLs.
//
// A 2xx response is success. A 4xx response is a permanent failure; any
// other status or a transport error is returned for retry.
type HTTPWebhookPoster struct {
	Client    *http.Client
	UserAgent string
}

// NewHTTPWebhookPoster returns a poster with a bounded client timeout.
func NewHTTPWebhookPoster(timeout time.Duration) *HTTPWebhookPoster {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPWebhookPoster{
		Client:    &http.Client{Timeout: timeout},
		UserAgent: "funnel-webhook/1",
	}
}

func (p *HTTPWebhookPoster) Post(ctx context.Context, url string, payload map[string]string, headers map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return Permanent(fmt.Errorf("encode webhook body: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook %s: %w", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Permanent(fmt.Errorf("webhook %s rejected: %s", url, resp.Status))
	default:
		return fmt.Errorf("webhook %s failed: %s", url, resp.Status)
	}
}
