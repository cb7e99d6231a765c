package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"nexuschat/internal/chat"
	"nexuschat/internal/crypto"
	"nexuschat/internal/queue"
	"nexuschat/internal/storage"
)

var personaNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,32}$`)

func (s *Service) help(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.reply(ctx, b, helpText())
}

func (s *Service) start(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.sendMainMenu(ctx, b)
}

func (s *Service) newConversation(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveUser == nil || ctx.EffectiveMessage == nil {
		return nil
	}
	owner := ownerID(ctx.EffectiveUser.Id)
	persona, _ := splitFirstWord(commandRemainder(ctx.EffectiveMessage.GetText()))
	text, err := s.beginConversation(context.Background(), owner, persona)
	if err != nil {
		s.logger.Error().Err(err).Str("owner", owner).Msg("failed to start conversation")
		return s.reply(ctx, b, "Failed to start a new conversation.")
	}
	return s.reply(ctx, b, text)
}

func (s *Service) beginConversation(ctx context.Context, owner, persona string) (string, error) {
	if persona != "" {
		if _, err := s.store.GetPersona(ctx, owner, persona); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Sprintf("Persona %q not found. See /personas.", persona), nil
			}
			return "", err
		}
	}
	if _, err := s.startConversation(ctx, owner, persona); err != nil {
		return "", err
	}
	if persona != "" {
		return fmt.Sprintf("New conversation started with persona %s.", persona), nil
	}
	return "New conversation started.", nil
}

func (s *Service) stop(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveUser == nil {
		return nil
	}
	owner := ownerID(ctx.EffectiveUser.Id)
	id, err := s.store.GetActiveConversation(context.Background(), owner)
	if err != nil {
		return s.reply(ctx, b, "Nothing to stop.")
	}
	return s.reply(ctx, b, s.stopConversation(context.Background(), owner, id))
}

func (s *Service) stopConversation(ctx context.Context, owner, conversationID string) string {
	if err := s.sessions.Stop(ctx, conversationID); err != nil {
		s.logger.Error().Err(err).Str("owner", owner).Str("conversation_id", conversationID).Msg("failed to publish stop")
		return "Failed to stop the response."
	}
	return "Stopping…"
}

func (s *Service) history(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveUser == nil {
		return nil
	}
	text, markup, err := s.historyView(context.Background(), ownerID(ctx.EffectiveUser.Id))
	if err != nil {
		s.logger.Error().Err(err).Msg("list conversations failed")
		return s.reply(ctx, b, "Failed to load conversations.")
	}
	return s.replyWithMarkup(ctx, b, text, markup)
}

func (s *Service) persona(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveUser == nil || ctx.EffectiveMessage == nil {
		return nil
	}
	name, _ := splitFirstWord(commandRemainder(ctx.EffectiveMessage.GetText()))
	if name == "" {
		return s.personas(b, ctx)
	}
	return s.reply(ctx, b, s.applyPersona(context.Background(), ownerID(ctx.EffectiveUser.Id), name))
}

// applyPersona switches the active conversation to persona name; "-" clears it.
func (s *Service) applyPersona(ctx context.Context, owner, name string) string {
	if name == "-" {
		name = ""
	} else if _, err := s.store.GetPersona(ctx, owner, name); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Sprintf("Persona %q not found. Create one with /persona_new.", name)
		}
		s.logger.Error().Err(err).Msg("get persona failed")
		return "Failed to load persona."
	}
	conv, err := s.activeConversation(ctx, owner)
	if err != nil {
		s.logger.Error().Err(err).Msg("resolve active conversation failed")
		return "Failed to load the current conversation."
	}
	if err := s.store.SetConversationPersona(ctx, owner, conv.ID, name); err != nil {
		s.logger.Error().Err(err).Msg("set conversation persona failed")
		return "Failed to switch persona."
	}
	if name == "" {
		return "Persona cleared for this conversation."
	}
	return fmt.Sprintf("Persona %s is now active for this conversation.", name)
}

func (s *Service) personas(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveUser == nil {
		return nil
	}
	text, markup, err := s.personaView(context.Background(), ownerID(ctx.EffectiveUser.Id))
	if err != nil {
		s.logger.Error().Err(err).Msg("list personas failed")
		return s.reply(ctx, b, "Failed to load personas.")
	}
	return s.replyWithMarkup(ctx, b, text, markup)
}

func (s *Service) personaNew(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return nil
	}
	if ctx.EffectiveChat.Type != "private" {
		return s.reply(ctx, b, "Create personas in a private chat with the bot.")
	}
	state := personaWizardState{Step: stepName}
	if err := s.wizard.Set(context.Background(), ctx.EffectiveUser.Id, state); err != nil {
		return s.reply(ctx, b, "Failed to start wizard.")
	}
	return s.reply(ctx, b, "Send the persona name (letters, digits, _ or -, max 32). /cancel to abort.")
}

func (s *Service) personaDel(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveUser == nil || ctx.EffectiveMessage == nil {
		return nil
	}
	name, _ := splitFirstWord(commandRemainder(ctx.EffectiveMessage.GetText()))
	if name == "" {
		return s.reply(ctx, b, "Usage: /persona_del <name>")
	}
	owner := ownerID(ctx.EffectiveUser.Id)
	if err := s.store.DeletePersona(context.Background(), owner, name); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return s.reply(ctx, b, "Persona not found.")
		}
		s.logger.Error().Err(err).Msg("delete persona failed")
		return s.reply(ctx, b, "Failed to delete persona.")
	}
	s.audit(owner, "persona_del", map[string]any{"name": name})
	return s.reply(ctx, b, "Persona deleted.")
}

// key stores, clears or shows the owner's own upstream API key. The command
// message is deleted so the key does not stay in the chat.
func (s *Service) key(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil || ctx.EffectiveMessage == nil {
		return nil
	}
	if ctx.EffectiveChat.Type != "private" {
		return s.reply(ctx, b, "Send API keys in a private chat with the bot.")
	}
	if s.sealer == nil {
		return s.reply(ctx, b, "Personal API keys are disabled on this deployment.")
	}
	owner := ownerID(ctx.EffectiveUser.Id)
	arg, _ := splitFirstWord(commandRemainder(ctx.EffectiveMessage.GetText()))
	bg := context.Background()

	switch arg {
	case "":
		raw, err := s.store.GetOwnerAPIKey(bg, owner)
		if errors.Is(err, storage.ErrNotFound) {
			return s.reply(ctx, b, "No personal key set. Usage: /key <api-key> or /key clear")
		}
		if err != nil {
			s.logger.Error().Err(err).Msg("get owner key failed")
			return s.reply(ctx, b, "Failed to read your key.")
		}
		plain, err := s.sealer.OpenString(owner, raw)
		if err != nil {
			s.logger.Error().Err(err).Str("owner", owner).Msg("open owner key failed")
			return s.reply(ctx, b, "Your stored key cannot be read. Set it again with /key <api-key>.")
		}
		return s.reply(ctx, b, "Personal key: "+crypto.Mask(plain))

	case "clear", "-":
		if err := s.store.SetOwnerAPIKey(bg, owner, nil); err != nil {
			s.logger.Error().Err(err).Msg("clear owner key failed")
			return s.reply(ctx, b, "Failed to clear your key.")
		}
		s.audit(owner, "key_clear", nil)
		return s.reply(ctx, b, "Personal key removed. The shared key is used again.")
	}

	if _, err := b.DeleteMessageWithContext(bg, ctx.EffectiveChat.Id, ctx.EffectiveMessage.MessageId, nil); err != nil {
		s.logger.Warn().Err(err).Msg("failed to delete key message")
	}
	sealed, err := s.sealer.SealString(owner, arg)
	if err != nil {
		s.logger.Error().Err(err).Msg("seal owner key failed")
		return s.reply(ctx, b, "Failed to store your key.")
	}
	if err := s.store.SetOwnerAPIKey(bg, owner, &sealed); err != nil {
		s.logger.Error().Err(err).Msg("store owner key failed")
		return s.reply(ctx, b, "Failed to store your key.")
	}
	s.audit(owner, "key_set", map[string]any{"key": crypto.Mask(arg)})
	return s.reply(ctx, b, "Personal key saved: "+crypto.Mask(arg))
}

func (s *Service) cancelWizard(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil || ctx.EffectiveChat.Type != "private" {
		return nil
	}
	if err := s.wizard.Clear(context.Background(), ctx.EffectiveUser.Id); err != nil {
		return s.reply(ctx, b, "Failed to cancel wizard right now.")
	}
	return s.reply(ctx, b, "Wizard canceled.")
}

// privateMessage routes a private chat message: to the persona wizard when one
// is running, otherwise into the turn queue.
func (s *Service) privateMessage(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil || ctx.EffectiveMessage == nil {
		return nil
	}
	msg := ctx.EffectiveMessage
	text := strings.TrimSpace(msg.Text)
	if strings.HasPrefix(text, "/") {
		return nil
	}
	bg := context.Background()

	state, err := s.wizard.Get(bg, ctx.EffectiveUser.Id)
	if err != nil {
		s.logger.Error().Err(err).Msg("wizard load failed")
		return s.reply(ctx, b, "Wizard state error. Start again with /persona_new.")
	}
	if state != nil {
		return s.continueWizard(ctx, b, state, text)
	}

	if !s.allowRate(ctx.EffectiveUser.Id, b, ctx) {
		return nil
	}

	prompt := text
	if prompt == "" {
		prompt = strings.TrimSpace(msg.Caption)
	}
	files, err := s.files.Attachments(bg, b, msg)
	switch {
	case errors.Is(err, errUnsupportedFile):
		return s.reply(ctx, b, "Only photos and text files can be attached.")
	case errors.Is(err, errFileTooLarge):
		return s.reply(ctx, b, "The attachment is too large.")
	case err != nil:
		s.logger.Error().Err(err).Msg("attachment download failed")
		return s.reply(ctx, b, "Failed to download the attachment.")
	}
	return s.submit(bg, b, ctx, prompt, files)
}

func (s *Service) submit(bg context.Context, b *gotgbot.Bot, ctx *ext.Context, prompt string, files []chat.AttachedFile) error {
	owner := ownerID(ctx.EffectiveUser.Id)
	conv, err := s.activeConversation(bg, owner)
	if err != nil {
		s.logger.Error().Err(err).Str("owner", owner).Msg("resolve active conversation failed")
		return s.reply(ctx, b, "Failed to load the current conversation.")
	}

	token, err := s.sessions.Acquire(bg, conv.ID)
	if errors.Is(err, queue.ErrBusy) {
		return s.reply(ctx, b, "Still answering your previous message. Send /stop to interrupt it.")
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("turn gate failed")
		return s.reply(ctx, b, "Queue is unavailable right now.")
	}

	job := queue.TurnJob{
		Source:         queue.SourceTelegram,
		Owner:          owner,
		ConversationID: conv.ID,
		Persona:        conv.Persona,
		Prompt:         prompt,
		Files:          files,
		GateToken:      token,
		ChatID:         ctx.EffectiveChat.Id,
		MessageID:      ctx.EffectiveMessage.MessageId,
	}
	if _, err := s.queue.Enqueue(bg, job); err != nil {
		s.sessions.Release(bg, conv.ID, token)
		s.logger.Error().Err(err).Msg("failed to enqueue turn")
		return s.reply(ctx, b, "Queue is unavailable right now.")
	}
	s.metrics.EnqueuedJobs.Inc()
	return nil
}

func (s *Service) continueWizard(ctx *ext.Context, b *gotgbot.Bot, state *personaWizardState, text string) error {
	userID := ctx.EffectiveUser.Id
	next, reply, done, err := advanceWizard(*state, text)
	if err != nil {
		return s.reply(ctx, b, reply)
	}
	bg := context.Background()
	if !done {
		if err := s.wizard.Set(bg, userID, next); err != nil {
			return s.reply(ctx, b, "Failed to persist wizard state.")
		}
		return s.reply(ctx, b, reply)
	}

	owner := ownerID(userID)
	if err := s.store.UpsertPersona(bg, storage.Persona{
		Owner:        owner,
		Name:         next.Name,
		SystemPrompt: next.SystemPrompt,
		Model:        next.Model,
	}); err != nil {
		s.logger.Error().Err(err).Msg("save persona failed")
		return s.reply(ctx, b, "Failed to save persona. Try again with /persona_new.")
	}
	_ = s.wizard.Clear(bg, userID)
	s.audit(owner, "persona_add", map[string]any{"name": next.Name, "model": next.Model})
	return s.reply(ctx, b, reply)
}

func (s *Service) allowRate(userID int64, b *gotgbot.Bot, ctx *ext.Context) bool {
	if userID == 0 || s.rateLimiter == nil {
		return true
	}
	ok, _, resetAt, err := s.rateLimiter.Allow(context.Background(), ownerID(userID), s.now())
	if err != nil {
		s.logger.Error().Err(err).Msg("rate limiter failed")
		return true
	}
	if ok {
		return true
	}
	_ = s.reply(ctx, b, "Rate limit exceeded. Try again after "+resetAt.Format("15:04 UTC"))
	return false
}

func (s *Service) audit(owner, action string, meta map[string]any) {
	raw := "{}"
	if meta != nil {
		b, _ := json.Marshal(meta)
		raw = string(b)
	}
	if err := s.store.LogAction(context.Background(), storage.AuditEntry{Owner: owner, Action: action, MetaJSON: raw}); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Msg("failed to write audit entry")
	}
}

func (s *Service) reply(ctx *ext.Context, b *gotgbot.Bot, text string) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, nil)
	return err
}

func commandRemainder(text string) string {
	parts := strings.SplitN(strings.TrimSpace(text), " ", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func splitFirstWord(s string) (first string, rest string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	idx := strings.IndexByte(s, ' ')
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimSpace(s[idx+1:])
}
