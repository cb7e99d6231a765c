package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/callbackquery"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"nexuschat/internal/crypto"
	"nexuschat/internal/metrics"
	"nexuschat/internal/queue"
	"nexuschat/internal/session"
	"nexuschat/internal/storage"
)

type Service struct {
	store       *storage.Store
	queue       *queue.StreamQueue
	sessions    *session.Service
	sealer      *crypto.Sealer
	rateLimiter *queue.RateLimiter
	wizard      *wizardStore
	files       *fileFetcher
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	accessMode  string
	adminUserID int64
}

type Config struct {
	Store       *storage.Store
	Queue       *queue.StreamQueue
	Sessions    *session.Service
	Sealer      *crypto.Sealer
	RateLimiter *queue.RateLimiter
	Redis       *redis.Client
	HTTPClient  *http.Client
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	WizardTTL   time.Duration
	AccessMode  string
	AdminUserID int64
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.WizardTTL <= 0 {
		cfg.WizardTTL = 20 * time.Minute
	}
	return &Service{
		store:       cfg.Store,
		queue:       cfg.Queue,
		sessions:    cfg.Sessions,
		sealer:      cfg.Sealer,
		rateLimiter: cfg.RateLimiter,
		wizard:      newWizardStore(cfg.Redis, cfg.WizardTTL),
		files:       newFileFetcher(cfg.HTTPClient),
		logger:      cfg.Logger,
		metrics:     m,
		accessMode:  cfg.AccessMode,
		adminUserID: cfg.AdminUserID,
	}
}

func (s *Service) Register(d *ext.Dispatcher) {
	d.AddHandler(handlers.NewCommand("help", s.help))
	d.AddHandler(handlers.NewCommand("start", s.start))
	d.AddHandler(handlers.NewCommand("menu", s.menu))
	d.AddHandler(handlers.NewCommand("new", s.newConversation))
	d.AddHandler(handlers.NewCommand("stop", s.stop))
	d.AddHandler(handlers.NewCommand("history", s.history))
	d.AddHandler(handlers.NewCommand("persona", s.persona))
	d.AddHandler(handlers.NewCommand("personas", s.personas))
	d.AddHandler(handlers.NewCommand("persona_new", s.personaNew))
	d.AddHandler(handlers.NewCommand("persona_del", s.personaDel))
	d.AddHandler(handlers.NewCommand("key", s.key))
	d.AddHandler(handlers.NewCommand("cancel", s.cancelWizard))
	d.AddHandler(handlers.NewCallback(callbackquery.Prefix(cbPrefix), s.onCallback))
	d.AddHandler(handlers.NewMessage(isPrivateInput, s.privateMessage))
}

func isPrivateInput(msg *gotgbot.Message) bool {
	if msg == nil || msg.Chat.Type != "private" {
		return false
	}
	return msg.Text != "" || len(msg.Photo) > 0 || msg.Document != nil
}

func ownerID(userID int64) string {
	return fmt.Sprintf("tg:%d", userID)
}

// activeConversation returns the owner's current conversation, starting a new
// one when none is set or the stored one was deleted.
func (s *Service) activeConversation(ctx context.Context, owner string) (storage.Conversation, error) {
	id, err := s.store.GetActiveConversation(ctx, owner)
	switch {
	case err == nil:
		conv, err := s.store.GetConversation(ctx, owner, id)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return storage.Conversation{}, err
		}
	case !errors.Is(err, storage.ErrNotFound):
		return storage.Conversation{}, err
	}
	return s.startConversation(ctx, owner, "")
}

func (s *Service) startConversation(ctx context.Context, owner, persona string) (storage.Conversation, error) {
	conv, err := s.store.CreateConversation(ctx, owner, persona)
	if err != nil {
		return storage.Conversation{}, err
	}
	if err := s.store.SetActiveConversation(ctx, owner, conv.ID); err != nil {
		return storage.Conversation{}, err
	}
	return conv, nil
}

func (s *Service) now() time.Time {
	return time.Now().UTC()
}
