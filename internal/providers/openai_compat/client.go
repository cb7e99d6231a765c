package openai_compat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nexuschat/internal/chat"
	"nexuschat/internal/providers"
	"nexuschat/internal/thinktag"
)

type Config struct {
	Name        string
	BaseURL     string
	APIKey      string
	Headers     map[string]string
	Endpoint    string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.Name == "" {
		cfg.Name = "openai_compat"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "chat_completions"
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{cfg: cfg}
}

var (
	_ providers.Provider  = (*Client)(nil)
	_ providers.Transport = (*Client)(nil)
)

func (c *Client) Name() string {
	return c.cfg.Name
}

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	body, endpointURL, err := c.buildPayload(req)
	if err != nil {
		return providers.ChatResponse{}, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		text, retry, err := c.callOnce(ctx, endpointURL, body)
		if err == nil {
			return providers.ChatResponse{Text: text}, nil
		}
		lastErr = err
		if !retry || attempt == c.cfg.MaxRetries {
			break
		}
		backoff := c.cfg.BackoffBase * (1 << attempt)
		select {
		case <-ctx.Done():
			return providers.ChatResponse{}, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return providers.ChatResponse{}, lastErr
}

// StreamTurn posts the conversation with stream=true and yields content and
// reasoning deltas. Inline <think> blocks inside content are moved to the thought
// channel. Streaming requests are never retried.
func (c *Client) StreamTurn(ctx context.Context, req providers.TurnRequest) iter.Seq2[providers.Delta, error] {
	body, endpointURL, err := c.buildStreamPayload(req)
	if err != nil {
		return providers.Failed(err)
	}
	return func(yield func(providers.Delta, error) bool) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
		if err != nil {
			yield(providers.Delta{}, fmt.Errorf("build request: %w", err))
			return
		}
		c.setHeaders(httpReq)
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := c.cfg.HTTPClient.Do(httpReq)
		if err != nil {
			yield(providers.Delta{}, fmt.Errorf("%s request failed: %w", c.cfg.Name, err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			yield(providers.Delta{}, &providers.StatusError{
				Provider:   c.cfg.Name,
				StatusCode: resp.StatusCode,
				Message:    providers.ErrorMessage(b),
			})
			return
		}

		splitter := thinktag.New()
		stopped := false
		emit := func(ch providers.Channel, text string) bool {
			if text == "" {
				return true
			}
			if !yield(providers.Delta{Channel: ch, Text: text}, nil) {
				stopped = true
				return false
			}
			return true
		}
		emitSegments := func(segs []thinktag.Segment) bool {
			for _, seg := range segs {
				ch := providers.ChannelAnswer
				if seg.Thought {
					ch = providers.ChannelThought
				}
				if !emit(ch, seg.Text) {
					return false
				}
			}
			return true
		}

		var streamErr error
		readErr := providers.ReadSSE(resp.Body, func(data string) bool {
			if data == "[DONE]" {
				return false
			}
			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return true
			}
			if chunk.Error != nil {
				streamErr = fmt.Errorf("%s stream error: %s", c.cfg.Name, chunk.Error.Message)
				return false
			}
			if len(chunk.Choices) == 0 {
				return true
			}
			d := chunk.Choices[0].Delta
			reasoning := d.Reasoning
			if reasoning == "" {
				reasoning = d.ReasoningContent
			}
			if !emit(providers.ChannelThought, reasoning) {
				return false
			}
			return emitSegments(splitter.Feed(d.Content))
		})
		if stopped {
			return
		}
		if streamErr != nil {
			yield(providers.Delta{}, streamErr)
			return
		}
		if readErr != nil {
			if ctx.Err() != nil {
				readErr = ctx.Err()
			}
			yield(providers.Delta{}, readErr)
			return
		}
		emitSegments(splitter.Flush())
	}
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			Reasoning        string `json:"reasoning"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) buildPayload(req providers.ChatRequest) ([]byte, string, error) {
	endpointURL, err := c.buildEndpointURL(isResponsesEndpoint(c.cfg.Endpoint))
	if err != nil {
		return nil, "", err
	}

	if isResponsesEndpoint(c.cfg.Endpoint) {
		payload := map[string]any{
			"model": req.Model,
			"input": []map[string]any{
				{"role": "system", "content": req.SystemPrompt},
				{"role": "user", "content": req.UserPrompt},
			},
		}
		if req.MaxTokens > 0 {
			payload["max_output_tokens"] = req.MaxTokens
		}
		if req.Temperature > 0 {
			payload["temperature"] = req.Temperature
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, "", fmt.Errorf("marshal responses payload: %w", err)
		}
		return b, endpointURL, nil
	}

	messages := []map[string]string{}
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.SystemPrompt})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.UserPrompt})

	payload := map[string]any{
		"model":    req.Model,
		"messages": messages,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if req.JSONMode {
		payload["response_format"] = map[string]string{"type": "json_object"}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal chat completion payload: %w", err)
	}
	return b, endpointURL, nil
}

func (c *Client) buildStreamPayload(req providers.TurnRequest) ([]byte, string, error) {
	endpointURL, err := c.buildEndpointURL(false)
	if err != nil {
		return nil, "", err
	}

	messages := make([]message, 0, len(req.History)+2)
	if strings.TrimSpace(req.SystemInstruction) != "" {
		messages = append(messages, message{Role: "system", Content: req.SystemInstruction})
	}
	for _, t := range req.History {
		messages = append(messages, toMessage(t))
	}
	messages = append(messages, toMessage(req.Turn))

	payload := map[string]any{
		"model":    req.Model,
		"messages": messages,
		"stream":   true,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal chat completion payload: %w", err)
	}
	return b, endpointURL, nil
}

type message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

func toMessage(t chat.Turn) message {
	role := string(t.Role)
	if role == "" {
		role = string(chat.RoleUser)
	}
	if !t.Multimodal() {
		return message{Role: role, Content: t.Text()}
	}
	parts := make([]contentPart, 0, len(t.Parts)+1)
	if t.Content != "" {
		parts = append(parts, contentPart{Type: "text", Text: t.Content})
	}
	for _, p := range t.Parts {
		switch p.Kind {
		case chat.PartImage:
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: p.URL}})
		case chat.PartText:
			if p.Text != "" && p.Text != t.Content {
				parts = append(parts, contentPart{Type: "text", Text: p.Text})
			}
		}
	}
	return message{Role: role, Content: parts}
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.cfg.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, strings.ReplaceAll(v, "{{api_key}}", c.cfg.APIKey))
	}
}

func (c *Client) callOnce(ctx context.Context, endpointURL string, body []byte) (text string, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", false, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &providers.StatusError{
			Provider:   c.cfg.Name,
			StatusCode: resp.StatusCode,
			Message:    providers.ErrorMessage(respBody),
		}
		return "", statusErr.Temporary(), statusErr
	}

	if isResponsesEndpoint(c.cfg.Endpoint) {
		text, err := parseResponsesAPI(respBody)
		if err != nil {
			return "", false, err
		}
		return text, false, nil
	}

	text, err = parseChatCompletions(respBody)
	if err != nil {
		return "", false, err
	}
	return text, false, nil
}

func (c *Client) buildEndpointURL(responses bool) (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if base == "" {
		return "", fmt.Errorf("base url is empty")
	}
	if strings.HasSuffix(base, "/chat/completions") {
		if responses {
			return strings.TrimSuffix(base, "/chat/completions") + "/responses", nil
		}
		return base, nil
	}
	if strings.HasSuffix(base, "/responses") {
		if responses {
			return base, nil
		}
		return strings.TrimSuffix(base, "/responses") + "/chat/completions", nil
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	path := strings.TrimSuffix(u.Path, "/")
	if responses {
		u.Path = path + "/responses"
	} else {
		u.Path = path + "/chat/completions"
	}
	return u.String(), nil
}

func parseChatCompletions(body []byte) (string, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content any `json:"content"`
			} `json:"message"`
			Text string `json:"text"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty choices in chat completion response")
	}
	if resp.Choices[0].Text != "" {
		return resp.Choices[0].Text, nil
	}
	if content := anyToText(resp.Choices[0].Message.Content); strings.TrimSpace(content) != "" {
		return content, nil
	}
	return "", fmt.Errorf("missing message content in chat completion response")
}

func parseResponsesAPI(body []byte) (string, error) {
	var resp struct {
		OutputText string `json:"output_text"`
		Output     []struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode responses api response: %w", err)
	}
	if strings.TrimSpace(resp.OutputText) != "" {
		return resp.OutputText, nil
	}
	if len(resp.Output) > 0 && len(resp.Output[0].Content) > 0 && strings.TrimSpace(resp.Output[0].Content[0].Text) != "" {
		return resp.Output[0].Content[0].Text, nil
	}
	return "", fmt.Errorf("missing output text in responses api response")
}

func anyToText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				if txt, ok := m["text"].(string); ok {
					parts = append(parts, txt)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

func isResponsesEndpoint(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "responses" || v == "/v1/responses"
}
