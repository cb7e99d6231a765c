// Package intent decides whether a user prompt asks for an image.
package intent

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"nexuschat/internal/providers"
)

type Source string

const (
	SourceRemote  Source = "remote"
	SourceKeyword Source = "keyword"
)

type Decision struct {
	IsImageRequest bool
	RefinedPrompt  string
	Source         Source
}

var DefaultKeywords = []string{
	"draw",
	"generate image",
	"generate an image",
	"generate a picture",
	"create image",
	"create an image",
	"make an image",
	"make a picture",
	"paint",
	"sketch",
	"illustrate",
	"picture of",
	"image of",
	"photo of",
	"render",
}

const systemPrompt = `You are an intent classifier for a chat assistant.
Decide whether the user's message is a request to generate an image.
Reply with JSON only: {"is_image_request": true|false, "refined_prompt": "<a concise, descriptive image prompt, or empty>"}.
If you cannot produce JSON, reply with exactly YES or NO.`

type Config struct {
	Provider  providers.Provider
	Model     string
	MaxTokens int
	Keywords  []string
	Logger    zerolog.Logger
}

type Classifier struct {
	provider  providers.Provider
	model     string
	maxTokens int
	keywords  *regexp.Regexp
	logger    zerolog.Logger
}

func New(cfg Config) *Classifier {
	if len(cfg.Keywords) == 0 {
		cfg.Keywords = DefaultKeywords
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 200
	}
	return &Classifier{
		provider:  cfg.Provider,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		keywords:  keywordPattern(cfg.Keywords),
		logger:    cfg.Logger,
	}
}

// Classify never fails: remote errors and unparsable replies fall back to the
// keyword list.
func (c *Classifier) Classify(ctx context.Context, prompt string) Decision {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Decision{Source: SourceKeyword}
	}
	if c.provider == nil {
		return c.fallback(prompt)
	}

	resp, err := c.provider.Chat(ctx, providers.ChatRequest{
		Model:        c.model,
		SystemPrompt: systemPrompt,
		UserPrompt:   prompt,
		MaxTokens:    c.maxTokens,
		JSONMode:     true,
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("intent classifier unavailable, using keywords")
		return c.fallback(prompt)
	}
	d, ok := parseReply(resp.Text)
	if !ok {
		c.logger.Warn().Str("reply", truncate(resp.Text, 120)).Msg("unparsable classifier reply, using keywords")
		return c.fallback(prompt)
	}
	if strings.TrimSpace(d.RefinedPrompt) == "" {
		d.RefinedPrompt = prompt
	}
	d.Source = SourceRemote
	return d
}

// MatchKeywords reports whether prompt contains one of the configured image keywords.
func (c *Classifier) MatchKeywords(prompt string) bool {
	return c.keywords != nil && c.keywords.MatchString(prompt)
}

func (c *Classifier) fallback(prompt string) Decision {
	return Decision{
		IsImageRequest: c.MatchKeywords(prompt),
		RefinedPrompt:  prompt,
		Source:         SourceKeyword,
	}
}

func parseReply(text string) (Decision, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Decision{}, false
	}
	if start, end := strings.IndexByte(text, '{'), strings.LastIndexByte(text, '}'); start >= 0 && end > start {
		var reply struct {
			IsImageRequest *bool  `json:"is_image_request"`
			RefinedPrompt  string `json:"refined_prompt"`
		}
		if err := json.Unmarshal([]byte(text[start:end+1]), &reply); err == nil && reply.IsImageRequest != nil {
			return Decision{IsImageRequest: *reply.IsImageRequest, RefinedPrompt: strings.TrimSpace(reply.RefinedPrompt)}, true
		}
	}
	word := strings.ToUpper(strings.Trim(strings.Fields(text)[0], ".!`\"'"))
	switch word {
	case "YES":
		return Decision{IsImageRequest: true}, true
	case "NO":
		return Decision{IsImageRequest: false}, true
	}
	return Decision{}, false
}

func keywordPattern(keywords []string) *regexp.Regexp {
	alts := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		words := strings.Fields(k)
		for i, w := range words {
			words[i] = regexp.QuoteMeta(w)
		}
		alts = append(alts, strings.Join(words, `\s+`))
	}
	if len(alts) == 0 {
		return nil
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(alts, "|") + `)\b`)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
