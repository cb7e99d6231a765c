package telegram

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/rs/zerolog"

	"nexuschat/internal/chat"
	"nexuschat/internal/queue"
	"nexuschat/internal/worker"
)

const (
	messageLimit     = 4096
	captionLimit     = 1024
	thoughtPreview   = 800
	placeholderText  = "…"
	imageProgressMsg = "🎨 Generating image…"
)

var (
	imageMarkdownRegex = regexp.MustCompile(`^!\[(.*)\]\((\S+)\)$`)
	altUnescaper       = strings.NewReplacer(`\\`, `\`, `\[`, `[`, `\]`, `]`)
)

// Notifier shows a turn as one Telegram message that is edited as the answer
// grows.
type Notifier struct {
	bot    *gotgbot.Bot
	logger zerolog.Logger
}

func NewNotifier(bot *gotgbot.Bot, logger zerolog.Logger) *Notifier {
	return &Notifier{bot: bot, logger: logger}
}

func (n *Notifier) Start(ctx context.Context, job queue.TurnJob) (worker.Reply, error) {
	opts := &gotgbot.SendMessageOpts{ReplyMarkup: stopKeyboard(job.ConversationID)}
	if job.MessageID > 0 {
		opts.ReplyParameters = &gotgbot.ReplyParameters{MessageId: job.MessageID, AllowSendingWithoutReply: true}
	}
	msg, err := n.bot.SendMessageWithContext(ctx, job.ChatID, placeholderText, opts)
	if err != nil {
		return nil, fmt.Errorf("send placeholder: %w", err)
	}
	return &messageReply{
		bot:            n.bot,
		logger:         n.logger,
		chatID:         job.ChatID,
		messageID:      msg.MessageId,
		conversationID: job.ConversationID,
		last:           placeholderText,
	}, nil
}

func (n *Notifier) Fail(ctx context.Context, job queue.TurnJob, text string) error {
	opts := &gotgbot.SendMessageOpts{}
	if job.MessageID > 0 {
		opts.ReplyParameters = &gotgbot.ReplyParameters{MessageId: job.MessageID, AllowSendingWithoutReply: true}
	}
	_, err := n.bot.SendMessageWithContext(ctx, job.ChatID, text, opts)
	return err
}

type messageReply struct {
	bot            *gotgbot.Bot
	logger         zerolog.Logger
	chatID         int64
	messageID      int64
	conversationID string
	last           string
}

func (r *messageReply) Update(ctx context.Context, u chat.StreamUpdate) error {
	if !u.IsComplete {
		return r.edit(ctx, renderProgress(u), true)
	}

	if u.Mode == chat.ModeImage && u.Status == chat.StatusComplete {
		if caption, url, ok := parseImageMarkdown(u.Text); ok {
			err := r.sendPhoto(ctx, caption, url)
			if err == nil {
				if _, delErr := r.bot.DeleteMessageWithContext(ctx, r.chatID, r.messageID, nil); delErr != nil {
					r.logger.Warn().Err(delErr).Msg("failed to delete placeholder")
				}
				return nil
			}
			r.logger.Warn().Err(err).Msg("failed to send image, falling back to text")
		}
	}

	chunks := splitMessage(u.Text, messageLimit)
	if err := r.edit(ctx, chunks[0], false); err != nil {
		return err
	}
	for _, chunk := range chunks[1:] {
		if _, err := r.bot.SendMessageWithContext(ctx, r.chatID, chunk, nil); err != nil {
			return fmt.Errorf("send continuation: %w", err)
		}
	}
	return nil
}

func (r *messageReply) edit(ctx context.Context, text string, streaming bool) error {
	if text == r.last && streaming {
		return nil
	}
	opts := &gotgbot.EditMessageTextOpts{ChatId: r.chatID, MessageId: r.messageID}
	if streaming {
		opts.ReplyMarkup = stopKeyboard(r.conversationID)
	}
	if _, _, err := r.bot.EditMessageTextWithContext(ctx, text, opts); err != nil && !isNotModified(err) {
		return fmt.Errorf("edit reply: %w", err)
	}
	r.last = text
	return nil
}

func (r *messageReply) sendPhoto(ctx context.Context, caption, url string) error {
	var photo gotgbot.InputFileOrString
	if strings.HasPrefix(url, "data:") {
		comma := strings.IndexByte(url, ',')
		if comma < 0 || !strings.Contains(url[:comma], ";base64") {
			return fmt.Errorf("unsupported data url")
		}
		raw, err := base64.StdEncoding.DecodeString(url[comma+1:])
		if err != nil {
			return fmt.Errorf("decode image: %w", err)
		}
		photo = gotgbot.InputFileByReader("image.png", bytes.NewReader(raw))
	} else {
		photo = gotgbot.InputFileByURL(url)
	}
	_, err := r.bot.SendPhotoWithContext(ctx, r.chatID, photo, &gotgbot.SendPhotoOpts{Caption: truncateUTF16(caption, captionLimit)})
	return err
}

// renderProgress is the text of a streaming message: the answer so far, or
// the tail of the reasoning while no answer text exists yet.
func renderProgress(u chat.StreamUpdate) string {
	switch {
	case u.Mode == chat.ModeImage:
		return imageProgressMsg
	case u.Text != "":
		return truncateUTF16(u.Text, messageLimit)
	case u.Thought != "":
		return "💭 Thinking…\n\n" + tailUTF16(u.Thought, thoughtPreview)
	}
	return placeholderText
}

func parseImageMarkdown(text string) (caption, url string, ok bool) {
	m := imageMarkdownRegex.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return "", "", false
	}
	return altUnescaper.Replace(m[1]), m[2], true
}

// Telegram measures message and caption limits in UTF-16 code units.

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += unitLen(r)
	}
	return n
}

func unitLen(r rune) int {
	if n := utf16.RuneLen(r); n > 0 {
		return n
	}
	return 1
}

// utf16Prefix returns the byte length of the longest prefix of s that fits in
// limit code units.
func utf16Prefix(s string, limit int) int {
	n := 0
	for i, r := range s {
		if n+unitLen(r) > limit {
			return i
		}
		n += unitLen(r)
	}
	return len(s)
}

// splitMessage cuts text into chunks of at most limit UTF-16 units, preferring
// line breaks. It always returns at least one chunk.
func splitMessage(text string, limit int) []string {
	if strings.TrimSpace(text) == "" {
		return []string{placeholderText}
	}
	var out []string
	for utf16Len(text) > limit {
		cut := utf16Prefix(text, limit)
		if cut == 0 {
			_, cut = utf8.DecodeRuneInString(text)
		}
		if i := strings.LastIndexByte(text[:cut], '\n'); i > 0 {
			cut = i
		}
		out = append(out, text[:cut])
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

func truncateUTF16(s string, limit int) string {
	if utf16Len(s) <= limit {
		return s
	}
	return s[:utf16Prefix(s, limit-1)] + "…"
}

func tailUTF16(s string, limit int) string {
	if utf16Len(s) <= limit {
		return s
	}
	start, n := len(s), 0
	for start > 0 {
		r, size := utf8.DecodeLastRuneInString(s[:start])
		if n+unitLen(r) > limit-1 {
			break
		}
		n += unitLen(r)
		start -= size
	}
	return "…" + s[start:]
}
