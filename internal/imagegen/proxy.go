package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"nexuschat/internal/providers"
)

// ProxyConfig points at an HTTP function that wraps the real image API.
type ProxyConfig struct {
	URL        string
	APIKey     string
	Headers    map[string]string
	HTTPClient *http.Client
}

// Proxy calls the image function once per request. Failures are returned to
// the caller as-is; there is no retry.
type Proxy struct {
	cfg ProxyConfig
}

func NewProxy(cfg ProxyConfig) *Proxy {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Proxy{cfg: cfg}
}

var _ Generator = (*Proxy)(nil)

func (p *Proxy) Generate(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(p.cfg.URL) == "" {
		return "", fmt.Errorf("image proxy url is empty")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return "", ErrEmptyPrompt
	}

	payload := map[string]any{"prompt": req.Prompt}
	if req.Model != "" {
		payload["model"] = req.Model
	}
	if req.Size != "" {
		payload["size"] = req.Size
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal image payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build image request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	for k, v := range p.cfg.Headers {
		httpReq.Header.Set(k, strings.ReplaceAll(v, "{{api_key}}", p.cfg.APIKey))
	}

	resp, err := p.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("image request failed: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return "", fmt.Errorf("read image response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &providers.StatusError{
			Provider:   "image",
			StatusCode: resp.StatusCode,
			Message:    providers.ErrorMessage(b),
		}
	}
	return extractImageURL(b)
}

// extractImageURL accepts the shapes returned by the common image APIs:
// {"images":["…"]}, {"images":[{"url":"…"}]}, {"data":[{"url":"…"}]},
// {"data":[{"b64_json":"…"}]} and {"url":"…"}.
func extractImageURL(body []byte) (string, error) {
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode image response: %w", err)
	}
	if msg, ok := out["error"]; ok && msg != nil {
		return "", fmt.Errorf("image backend error: %s", providers.ErrorMessage(body))
	}

	if images, ok := out["images"].([]any); ok && len(images) > 0 {
		switch v := images[0].(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				return v, nil
			}
		case map[string]any:
			if u, ok := v["url"].(string); ok && strings.TrimSpace(u) != "" {
				return u, nil
			}
		}
	}

	if data, ok := out["data"].([]any); ok && len(data) > 0 {
		if d0, ok := data[0].(map[string]any); ok {
			if u, ok := d0["url"].(string); ok && strings.TrimSpace(u) != "" {
				return u, nil
			}
			if b64, ok := d0["b64_json"].(string); ok && strings.TrimSpace(b64) != "" {
				return "data:image/png;base64," + b64, nil
			}
		}
	}

	if u, ok := out["url"].(string); ok && strings.TrimSpace(u) != "" {
		return u, nil
	}

	return "", ErrNoImage
}
