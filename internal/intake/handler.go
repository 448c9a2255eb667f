// Package intake opens chats for accepted campaign applications announced
// on the marketplace message queue.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Satzhan7/diploma-sub000/internal/models"
	"github.com/Satzhan7/diploma-sub000/internal/service"

	"github.com/go-playground/validator/v10"
)

// ErrMalformed marks messages that can never succeed; they are dead-lettered
// instead of retried.
var ErrMalformed = errors.New("malformed acceptance")

// Acceptance is published when a brand accepts an influencer's application.
type Acceptance struct {
	BrandID      uint   `json:"brand_id" validate:"required"`
	InfluencerID uint   `json:"influencer_id" validate:"required,nefield=BrandID"`
	Welcome      string `json:"welcome,omitempty" validate:"max=4000"`
}

var validate = validator.New()

type ChatStore interface {
	GetOrCreateChat(ctx context.Context, initiator, peer uint) (*models.Chat, bool, error)
	AppendMessageIfEmpty(ctx context.Context, chatID, senderID uint, content string) (*models.Message, *models.Chat, error)
}

type Handler struct {
	chats ChatStore
}

func NewHandler(chats ChatStore) *Handler { return &Handler{chats: chats} }

func Decode(body []byte) (Acceptance, error) {
	var a Acceptance
	if err := json.Unmarshal(body, &a); err != nil {
		return a, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate.Struct(a); err != nil {
		return a, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return a, nil
}

// Handle opens the brand/influencer chat and posts the welcome message
// into a chat that has no messages yet, so redelivered or concurrent
// acceptances of the same pair post it once.
func (h *Handler) Handle(ctx context.Context, a Acceptance) (*models.Chat, error) {
	chat, _, err := h.chats.GetOrCreateChat(ctx, a.BrandID, a.InfluencerID)
	if err != nil {
		if errors.Is(err, service.ErrInvalidArgument) {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return nil, err
	}
	welcome := strings.TrimSpace(a.Welcome)
	if welcome == "" || chat.LastMessageAt != nil {
		return chat, nil
	}
	_, updated, err := h.chats.AppendMessageIfEmpty(ctx, chat.ID, a.BrandID, welcome)
	if errors.Is(err, service.ErrInvalidArgument) {
		// the chat exists; a bad welcome text is not worth a retry
		return chat, nil
	}
	if err != nil {
		return nil, fmt.Errorf("welcome message for chat %d: %w", chat.ID, err)
	}
	return updated, nil
}
