// Package gemini streams chat turns from the Google Generative Language API
// using its server-sent-events mode.
package gemini

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
)

const DefaultBaseURL = "https://generativelanguage.googleapis.com"

type Config struct {
	Name         string
	BaseURL      string
	APIKey       string
	APIVersion   string
	GoogleSearch bool
	HTTPClient   *http.Client
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.Name == "" {
		cfg.Name = "gemini"
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v1beta"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Client{cfg: cfg}
}

var _ providers.Transport = (*Client)(nil)

func (c *Client) Name() string {
	return c.cfg.Name
}

type requestBody struct {
	Contents          []content          `json:"contents"`
	SystemInstruction *systemInstruction `json:"system_instruction,omitempty"`
	Tools             []tool             `json:"tools,omitempty"`
	GenerationConfig  *generationConfig  `json:"generationConfig,omitempty"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	Thought    bool        `json:"thought,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
	FileData   *fileData   `json:"file_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type fileData struct {
	MimeType string `json:"mime_type,omitempty"`
	URI      string `json:"file_uri"`
}

type tool struct {
	GoogleSearch *struct{} `json:"google_search,omitempty"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type streamChunk struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) StreamTurn(ctx context.Context, req providers.TurnRequest) iter.Seq2[providers.Delta, error] {
	body, endpointURL, err := c.buildPayload(req)
	if err != nil {
		return providers.Failed(err)
	}
	return func(yield func(providers.Delta, error) bool) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
		if err != nil {
			yield(providers.Delta{}, fmt.Errorf("build request: %w", err))
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		if strings.TrimSpace(c.cfg.APIKey) != "" {
			httpReq.Header.Set("x-goog-api-key", c.cfg.APIKey)
		}

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

		stopped := false
		var streamErr error
		readErr := providers.ReadSSE(resp.Body, func(data string) bool {
			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return true
			}
			if chunk.Error != nil {
				streamErr = fmt.Errorf("%s stream error %d: %s", c.cfg.Name, chunk.Error.Code, chunk.Error.Message)
				return false
			}
			if len(chunk.Candidates) == 0 {
				return true
			}
			for _, p := range chunk.Candidates[0].Content.Parts {
				if p.Text == "" {
					continue
				}
				ch := providers.ChannelAnswer
				if p.Thought {
					ch = providers.ChannelThought
				}
				if !yield(providers.Delta{Channel: ch, Text: p.Text}, nil) {
					stopped = true
					return false
				}
			}
			return true
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
		}
	}
}

func (c *Client) buildPayload(req providers.TurnRequest) ([]byte, string, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, "", fmt.Errorf("%s model is empty", c.cfg.Name)
	}
	u, err := url.Parse(strings.TrimSuffix(strings.TrimSpace(c.cfg.BaseURL), "/"))
	if err != nil {
		return nil, "", fmt.Errorf("parse base url: %w", err)
	}
	u.Path = fmt.Sprintf("%s/%s/models/%s:streamGenerateContent", strings.TrimSuffix(u.Path, "/"), c.cfg.APIVersion, req.Model)
	u.RawQuery = url.Values{"alt": []string{"sse"}}.Encode()

	body := requestBody{
		Contents: make([]content, 0, len(req.History)+1),
	}
	if strings.TrimSpace(req.SystemInstruction) != "" {
		body.SystemInstruction = &systemInstruction{Parts: []part{{Text: req.SystemInstruction}}}
	}
	for _, t := range req.History {
		if t.Role == chat.RoleSystem {
			continue
		}
		body.Contents = append(body.Contents, toContent(t))
	}
	body.Contents = append(body.Contents, toContent(req.Turn))
	if c.cfg.GoogleSearch {
		body.Tools = []tool{{GoogleSearch: &struct{}{}}}
	}
	if req.MaxTokens > 0 || req.Temperature > 0 {
		body.GenerationConfig = &generationConfig{MaxOutputTokens: req.MaxTokens, Temperature: req.Temperature}
	}

	b, err := json.Marshal(body)
	if err != nil {
		return nil, "", fmt.Errorf("marshal gemini payload: %w", err)
	}
	return b, u.String(), nil
}

func toContent(t chat.Turn) content {
	role := "user"
	if t.Role == chat.RoleAssistant {
		role = "model"
	}
	parts := make([]part, 0, len(t.Parts)+1)
	if text := t.Content; text != "" {
		parts = append(parts, part{Text: text})
	}
	for _, p := range t.Parts {
		switch p.Kind {
		case chat.PartText:
			if p.Text != "" && p.Text != t.Content {
				parts = append(parts, part{Text: p.Text})
			}
		case chat.PartImage:
			if mime, data, ok := splitDataURL(p.URL); ok {
				parts = append(parts, part{InlineData: &inlineData{MimeType: mime, Data: data}})
			} else {
				parts = append(parts, part{FileData: &fileData{MimeType: p.MimeType, URI: p.URL}})
			}
		}
	}
	if len(parts) == 0 {
		parts = append(parts, part{Text: " "})
	}
	return content{Role: role, Parts: parts}
}

// splitDataURL parses data:<mime>;base64,<payload>.
func splitDataURL(v string) (mime, data string, ok bool) {
	rest, found := strings.CutPrefix(v, "data:")
	if !found {
		return "", "", false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mime, enc, _ := strings.Cut(meta, ";")
	if enc != "base64" {
		return "", "", false
	}
	return mime, payload, true
}
