package service

import (
	"time"

	"github.com/Satzhan7/diploma-sub000/internal/models"

	"github.com/samber/lo"
)

// MessageDTO is the wire form of a message, shared by REST and the live channel.
type MessageDTO struct {
	ID          uint      `json:"id"`
	ChatID      uint      `json:"chat_id"`
	SenderID    uint      `json:"sender_id"`
	RecipientID uint      `json:"recipient_id"`
	Content     string    `json:"content"`
	IsRead      bool      `json:"is_read"`
	CreatedAt   time.Time `json:"created_at"`
}

func NewMessageDTO(m models.Message) MessageDTO {
	return MessageDTO{
		ID:          m.ID,
		ChatID:      m.ChatID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Content:     m.Content,
		IsRead:      m.IsRead,
		CreatedAt:   m.CreatedAt,
	}
}

func NewMessageDTOs(msgs []models.Message) []MessageDTO {
	return lo.Map(msgs, func(m models.Message, _ int) MessageDTO { return NewMessageDTO(m) })
}

// ChatDTO is a chat as seen by one of its participants: unread_count is the
// number of messages addressed to the viewer that they have not read yet.
type ChatDTO struct {
	ID            uint       `json:"id"`
	SenderID      uint       `json:"sender_id"`
	RecipientID   uint       `json:"recipient_id"`
	PeerID        uint       `json:"peer_id"`
	PeerOnline    bool       `json:"peer_online"`
	UnreadCount   int        `json:"unread_count"`
	LastMessage   string     `json:"last_message,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func NewChatDTO(c models.Chat, viewerID uint) ChatDTO {
	return ChatDTO{
		ID:            c.ID,
		SenderID:      c.SenderID,
		RecipientID:   c.RecipientID,
		PeerID:        c.PeerOf(viewerID),
		UnreadCount:   c.UnreadFor(viewerID),
		LastMessage:   c.LastMessagePreview,
		LastMessageAt: c.LastMessageAt,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}
