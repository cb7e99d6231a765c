package telegram

import (
	"context"
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
)

const (
	cbPrefix = "nx:"

	cbMenu     = cbPrefix + "menu"
	cbNew      = cbPrefix + "new"
	cbStop     = cbPrefix + "stop:"
	cbPersonas = cbPrefix + "personas"
	cbHistory  = cbPrefix + "history"
	cbPersona  = cbPrefix + "persona:"
	cbConv     = cbPrefix + "conv:"
)

const historyPageSize = 10

func (s *Service) menu(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.sendMainMenu(ctx, b)
}

func (s *Service) sendMainMenu(ctx *ext.Context, b *gotgbot.Bot) error {
	return s.replyWithMarkup(ctx, b, s.mainMenuText(), s.mainMenuKeyboard())
}

func (s *Service) mainMenuText() string {
	lines := []string{
		"nexuschat",
		"",
		"Send any message to chat. Ask for a picture (\"draw a fox\") to get an image.",
		"Photos and text files are read as part of your message.",
		"",
		fmt.Sprintf("Access mode: %s", s.accessMode),
		"Use the buttons below or /help for commands.",
	}
	return strings.Join(lines, "\n")
}

func helpText() string {
	return strings.Join([]string{
		"Commands:",
		"/new [persona] - start a new conversation",
		"/stop - stop the current answer",
		"/history - switch between recent conversations",
		"/persona <name> - use a persona in this conversation ('-' clears)",
		"/personas - list your personas",
		"/persona_new - create a persona",
		"/persona_del <name> - delete a persona",
		"/key <api-key> - use your own upstream key (/key clear removes it)",
		"/cancel - abort the persona wizard",
	}, "\n")
}

func (s *Service) personaView(ctx context.Context, owner string) (string, *gotgbot.InlineKeyboardMarkup, error) {
	personas, err := s.store.ListPersonas(ctx, owner)
	if err != nil {
		return "", nil, err
	}
	if len(personas) == 0 {
		return "No personas yet. Create one with /persona_new.", s.backToMenuKeyboard(), nil
	}
	lines := []string{"Personas:"}
	rows := make([][]gotgbot.InlineKeyboardButton, 0, len(personas)+1)
	for _, p := range personas {
		line := "- " + p.Name
		if p.Model != "" {
			line += fmt.Sprintf(" (%s)", p.Model)
		}
		lines = append(lines, line)
		rows = append(rows, []gotgbot.InlineKeyboardButton{{Text: "Use " + p.Name, CallbackData: cbPersona + p.Name}})
	}
	rows = append(rows, []gotgbot.InlineKeyboardButton{{Text: "No persona", CallbackData: cbPersona + "-"}})
	rows = append(rows, []gotgbot.InlineKeyboardButton{{Text: "Back to menu", CallbackData: cbMenu}})
	return strings.Join(lines, "\n"), &gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}, nil
}

func (s *Service) historyView(ctx context.Context, owner string) (string, *gotgbot.InlineKeyboardMarkup, error) {
	convs, err := s.store.ListConversations(ctx, owner, historyPageSize)
	if err != nil {
		return "", nil, err
	}
	if len(convs) == 0 {
		return "No conversations yet. Just send a message.", s.backToMenuKeyboard(), nil
	}
	active, _ := s.store.GetActiveConversation(ctx, owner)
	rows := make([][]gotgbot.InlineKeyboardButton, 0, len(convs)+1)
	for _, c := range convs {
		label := c.Title
		if label == "" {
			label = "Untitled"
		}
		if c.ID == active {
			label = "• " + label
		}
		rows = append(rows, []gotgbot.InlineKeyboardButton{{Text: label, CallbackData: cbConv + c.ID}})
	}
	rows = append(rows, []gotgbot.InlineKeyboardButton{{Text: "Back to menu", CallbackData: cbMenu}})
	return "Recent conversations (• is active):", &gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}, nil
}

func (s *Service) mainMenuKeyboard() *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{
			{Text: "New chat", CallbackData: cbNew},
			{Text: "Stop", CallbackData: cbStop},
		},
		{
			{Text: "Personas", CallbackData: cbPersonas},
			{Text: "History", CallbackData: cbHistory},
		},
	}}
}

func (s *Service) backToMenuKeyboard() *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{{Text: "Back to menu", CallbackData: cbMenu}},
	}}
}

// stopKeyboard is attached to a streaming answer.
func stopKeyboard(conversationID string) gotgbot.InlineKeyboardMarkup {
	return gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{{Text: "Stop", CallbackData: cbStop + conversationID}},
	}}
}

func (s *Service) replyWithMarkup(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx == nil || ctx.EffectiveChat == nil {
		return nil
	}
	opts := &gotgbot.SendMessageOpts{}
	if markup != nil {
		opts.ReplyMarkup = *markup
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, opts)
	return err
}
