// Package imagegen turns an image prompt into a single image URL.
package imagegen

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrEmptyPrompt = errors.New("image prompt is empty")
	ErrNoImage     = errors.New("image response did not contain an image url")
)

type Request struct {
	Prompt string
	Model  string
	Size   string
}

// Generator makes one attempt per call and returns a URL the consumer can
// embed (http(s) or data:).
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

var altEscaper = strings.NewReplacer(`\`, `\\`, `[`, `\[`, `]`, `\]`)

// Markdown renders the embeddable image reply. The prompt becomes single-line
// alt text with brackets escaped.
func Markdown(prompt, url string) string {
	alt := altEscaper.Replace(strings.Join(strings.Fields(prompt), " "))
	return "![" + alt + "](" + url + ")"
}
