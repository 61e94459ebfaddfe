package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"postpilot/internal/post"
	logx "postpilot/pkg/logx"
)

// WebhookConfig configures the generic HTTP gateway client used for
// destinations without a native integration. The gateway receives the post
// payload as JSON and answers 2xx with an optional {"ref": ...} body.
type WebhookConfig struct {
	Endpoint string
	Token    string        // optional bearer token
	Timeout  time.Duration // default 15s
}

type webhookClient struct {
	platform post.Platform
	endpoint string
	token    string
	http     *http.Client
	log      logx.Logger
}

func NewWebhook(p post.Platform, cfg WebhookConfig, log logx.Logger) (Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("webhook endpoint is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &webhookClient{
		platform: p,
		endpoint: cfg.Endpoint,
		token:    cfg.Token,
		http:     &http.Client{Timeout: timeout},
		log:      log,
	}, nil
}

type webhookPayload struct {
	ID            string            `json:"id"`
	Platform      string            `json:"platform"`
	Text          string            `json:"text,omitempty"`
	MediaURLs     []string          `json:"mediaUrls,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	ScheduledTime string            `json:"scheduledTime"`
}

func (c *webhookClient) Publish(ctx context.Context, p *post.Post) (Receipt, error) {
	payload := webhookPayload{
		ID:            p.ID,
		Platform:      string(p.Platform),
		Text:          p.Content.Text,
		MediaURLs:     p.Content.MediaURLs,
		Metadata:      p.Content.Metadata,
		ScheduledTime: p.Schedule.At.UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Receipt{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Receipt{}, &Error{Platform: c.platform, Message: err.Error()}
	}
	defer resp.Body.Close()

	var out struct {
		Ref   string `json:"ref"`
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)

	if resp.StatusCode/100 == 2 {
		return Receipt{Ref: out.Ref, At: time.Now()}, nil
	}

	msg := out.Error
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	// Every failure feeds the retry state machine, auth and client errors
	// included; a 429 additionally carries the server's delay hint.
	werr := &Error{Platform: c.platform, Code: resp.StatusCode, Message: msg}
	if resp.StatusCode == http.StatusTooManyRequests {
		return Receipt{}, RetryAfter(werr, retryAfterHint(resp))
	}
	return Receipt{}, werr
}

// retryAfterHint parses a Retry-After header, either delta-seconds or an
// HTTP date. Zero means no usable hint.
func retryAfterHint(resp *http.Response) time.Duration {
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
