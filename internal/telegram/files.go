package telegram

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PaulSonOfLars/gotgbot/v2"

	"nexuschat/internal/chat"
)

const (
	maxImageBytes = 5 << 20
	maxTextBytes  = 512 << 10
)

var (
	errUnsupportedFile = errors.New("unsupported attachment")
	errFileTooLarge    = errors.New("attachment too large")
)

var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".csv": true, ".json": true, ".yaml": true, ".yml": true,
	".go": true, ".py": true, ".js": true, ".ts": true, ".html": true, ".css": true,
	".sql": true, ".log": true, ".xml": true, ".toml": true, ".sh": true,
}

type fileFetcher struct {
	httpClient *http.Client
	apiURL     string
}

func newFileFetcher(client *http.Client) *fileFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &fileFetcher{httpClient: client, apiURL: gotgbot.DefaultAPIURL}
}

// Attachments downloads the photo or document of msg. Photos become data URLs;
// documents must be text.
func (f *fileFetcher) Attachments(ctx context.Context, b *gotgbot.Bot, msg *gotgbot.Message) ([]chat.AttachedFile, error) {
	switch {
	case len(msg.Photo) > 0:
		largest := msg.Photo[len(msg.Photo)-1]
		if largest.FileSize > maxImageBytes {
			return nil, errFileTooLarge
		}
		raw, err := f.download(ctx, b, largest.FileId, maxImageBytes)
		if err != nil {
			return nil, err
		}
		return []chat.AttachedFile{imageAttachment("photo.jpg", "image/jpeg", raw)}, nil

	case msg.Document != nil:
		doc := msg.Document
		kind := classifyDocument(doc.FileName, doc.MimeType)
		limit := int64(maxTextBytes)
		if kind == "image" {
			limit = maxImageBytes
		}
		if kind == "" {
			return nil, errUnsupportedFile
		}
		if doc.FileSize > limit {
			return nil, errFileTooLarge
		}
		raw, err := f.download(ctx, b, doc.FileId, limit)
		if err != nil {
			return nil, err
		}
		if kind == "image" {
			return []chat.AttachedFile{imageAttachment(doc.FileName, doc.MimeType, raw)}, nil
		}
		if !utf8.Valid(raw) {
			return nil, errUnsupportedFile
		}
		mime := doc.MimeType
		if mime == "" {
			mime = "text/plain"
		}
		return []chat.AttachedFile{{Name: doc.FileName, Content: string(raw), MimeType: mime}}, nil
	}
	return nil, nil
}

// classifyDocument returns "image", "text" or "" for unsupported documents.
func classifyDocument(name, mime string) string {
	mime = strings.ToLower(mime)
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case strings.HasPrefix(mime, "text/"), mime == "application/json", mime == "application/xml":
		return "text"
	}
	if textExtensions[strings.ToLower(path.Ext(name))] {
		return "text"
	}
	return ""
}

func imageAttachment(name, mime string, raw []byte) chat.AttachedFile {
	return chat.AttachedFile{
		Name:     name,
		Content:  "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(raw),
		MimeType: mime,
	}
}

func (f *fileFetcher) download(ctx context.Context, b *gotgbot.Bot, fileID string, limit int64) ([]byte, error) {
	file, err := b.GetFileWithContext(ctx, fileID, nil)
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	url := fmt.Sprintf("%s/file/bot%s/%s", strings.TrimSuffix(f.apiURL, "/"), b.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("download file: status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if int64(len(raw)) > limit {
		return nil, errFileTooLarge
	}
	return raw, nil
}
