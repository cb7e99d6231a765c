package telegram

import (
	"context"
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
)

func (s *Service) onCallback(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx == nil || ctx.CallbackQuery == nil || ctx.EffectiveUser == nil {
		return nil
	}

	data := strings.TrimSpace(ctx.CallbackQuery.Data)
	owner := ownerID(ctx.EffectiveUser.Id)
	bg := context.Background()

	switch {
	case data == cbMenu:
		s.answerCallback(b, ctx, "", false)
		return s.editOrReplyCallback(ctx, b, s.mainMenuText(), s.mainMenuKeyboard())

	case data == cbNew:
		text, err := s.beginConversation(bg, owner, "")
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to start conversation")
			s.answerCallback(b, ctx, "Failed to start a new conversation.", true)
			return nil
		}
		s.answerCallback(b, ctx, text, false)
		return nil

	case strings.HasPrefix(data, cbStop):
		id := strings.TrimPrefix(data, cbStop)
		if id == "" {
			active, err := s.store.GetActiveConversation(bg, owner)
			if err != nil {
				s.answerCallback(b, ctx, "Nothing to stop.", false)
				return nil
			}
			id = active
		} else if _, err := s.store.GetConversation(bg, owner, id); err != nil {
			s.answerCallback(b, ctx, "Conversation is unavailable.", true)
			return nil
		}
		s.answerCallback(b, ctx, s.stopConversation(bg, owner, id), false)
		return nil

	case data == cbPersonas:
		s.answerCallback(b, ctx, "", false)
		text, markup, err := s.personaView(bg, owner)
		if err != nil {
			s.answerCallback(b, ctx, "Failed to load personas.", true)
			return nil
		}
		return s.editOrReplyCallback(ctx, b, text, markup)

	case strings.HasPrefix(data, cbPersona):
		s.answerCallback(b, ctx, s.applyPersona(bg, owner, strings.TrimPrefix(data, cbPersona)), false)
		return nil

	case data == cbHistory:
		s.answerCallback(b, ctx, "", false)
		text, markup, err := s.historyView(bg, owner)
		if err != nil {
			s.answerCallback(b, ctx, "Failed to load conversations.", true)
			return nil
		}
		return s.editOrReplyCallback(ctx, b, text, markup)

	case strings.HasPrefix(data, cbConv):
		id := strings.TrimPrefix(data, cbConv)
		conv, err := s.store.GetConversation(bg, owner, id)
		if err != nil {
			s.answerCallback(b, ctx, "Conversation is unavailable.", true)
			return nil
		}
		if err := s.store.SetActiveConversation(bg, owner, conv.ID); err != nil {
			s.answerCallback(b, ctx, "Failed to switch conversation.", true)
			return nil
		}
		title := conv.Title
		if title == "" {
			title = "Untitled"
		}
		s.answerCallback(b, ctx, "Switched to: "+title, false)
		return nil

	default:
		s.answerCallback(b, ctx, fmt.Sprintf("Unknown action: %s", data), true)
		return nil
	}
}

func (s *Service) answerCallback(b *gotgbot.Bot, ctx *ext.Context, text string, alert bool) {
	if ctx == nil || ctx.CallbackQuery == nil {
		return
	}
	opts := &gotgbot.AnswerCallbackQueryOpts{ShowAlert: alert}
	if text != "" {
		opts.Text = text
	}
	_, _ = b.AnswerCallbackQuery(ctx.CallbackQuery.Id, opts)
}

func (s *Service) editOrReplyCallback(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx != nil && ctx.CallbackQuery != nil && ctx.CallbackQuery.Message != nil {
		opts := &gotgbot.EditMessageTextOpts{}
		if markup != nil {
			opts.ReplyMarkup = *markup
		}
		_, _, err := ctx.CallbackQuery.Message.EditText(b, text, opts)
		if err == nil || isNotModified(err) {
			return nil
		}
	}
	return s.replyWithMarkup(ctx, b, text, markup)
}

func isNotModified(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "message is not modified")
}
