package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	stepName         = "name"
	stepSystemPrompt = "system_prompt"
	stepModel        = "model"
)

var errWizardInput = errors.New("invalid wizard input")

type personaWizardState struct {
	Step         string `json:"step"`
	Name         string `json:"name"`
	SystemPrompt string `json:"system_prompt"`
	Model        string `json:"model"`
}

// advanceWizard applies one reply to the persona wizard. It returns the next
// state, the text to send back, and done once the persona is complete. On
// errWizardInput the state is unchanged and reply explains the problem.
func advanceWizard(state personaWizardState, text string) (next personaWizardState, reply string, done bool, err error) {
	text = strings.TrimSpace(text)
	switch state.Step {
	case stepName:
		if !personaNameRegex.MatchString(text) {
			return state, "Invalid persona name. Use letters, digits, _ or -.", false, errWizardInput
		}
		state.Name = text
		state.Step = stepSystemPrompt
		return state, "Send the system prompt for " + text + ".", false, nil

	case stepSystemPrompt:
		if text == "" {
			return state, "The system prompt cannot be empty.", false, errWizardInput
		}
		state.SystemPrompt = text
		state.Step = stepModel
		return state, "Send a model id for this persona, or '-' to use the default model.", false, nil

	case stepModel:
		if text != "-" {
			if strings.ContainsAny(text, " \n\t") {
				return state, "Model ids cannot contain spaces. Send a model id or '-'.", false, errWizardInput
			}
			state.Model = text
		}
		return state, fmt.Sprintf("Persona %s saved. Activate it with /persona %s or /new %s.", state.Name, state.Name, state.Name), true, nil
	}
	return state, "Wizard state error. Start again with /persona_new.", false, errWizardInput
}

type wizardStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func newWizardStore(rdb *redis.Client, ttl time.Duration) *wizardStore {
	return &wizardStore{redis: rdb, ttl: ttl}
}

func (w *wizardStore) key(userID int64) string {
	return fmt.Sprintf("nexuschat:wizard:%d", userID)
}

func (w *wizardStore) Set(ctx context.Context, userID int64, state personaWizardState) error {
	b, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return w.redis.Set(ctx, w.key(userID), string(b), w.ttl).Err()
}

func (w *wizardStore) Get(ctx context.Context, userID int64) (*personaWizardState, error) {
	raw, err := w.redis.Get(ctx, w.key(userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state personaWizardState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (w *wizardStore) Clear(ctx context.Context, userID int64) error {
	return w.redis.Del(ctx, w.key(userID)).Err()
}
