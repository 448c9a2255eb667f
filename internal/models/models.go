package models

import "time"

// Chat is a two-party conversation. UserLo/UserHi hold the participants in
// ascending order so the unique index covers the unordered pair; SenderID is
// the participant who initiated the chat.
type Chat struct {
	ID                 uint   `gorm:"primaryKey"`
	SenderID           uint   `gorm:"index;not null"`
	RecipientID        uint   `gorm:"index;not null"`
	UserLo             uint   `gorm:"uniqueIndex:idx_chat_pair;not null"`
	UserHi             uint   `gorm:"uniqueIndex:idx_chat_pair;not null"`
	SenderUnread       int    `gorm:"not null;default:0"`
	RecipientUnread    int    `gorm:"not null;default:0"`
	LastMessagePreview string `gorm:"size:140"`
	LastMessageAt      *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time `gorm:"index"`
}

// HasParticipant reports whether userID is one of the two chat members.
func (c *Chat) HasParticipant(userID uint) bool {
	return userID != 0 && (c.SenderID == userID || c.RecipientID == userID)
}

// PeerOf returns the other participant, or 0 if userID is not a member.
func (c *Chat) PeerOf(userID uint) uint {
	switch userID {
	case c.SenderID:
		return c.RecipientID
	case c.RecipientID:
		return c.SenderID
	}
	return 0
}

// UnreadFor returns the number of unread messages addressed to userID.
func (c *Chat) UnreadFor(userID uint) int {
	switch userID {
	case c.SenderID:
		return c.SenderUnread
	case c.RecipientID:
		return c.RecipientUnread
	}
	return 0
}

// UnreadColumn names the counter column holding unread messages for userID.
func (c *Chat) UnreadColumn(userID uint) string {
	if userID == c.SenderID {
		return "sender_unread"
	}
	return "recipient_unread"
}

type Message struct {
	ID          uint      `gorm:"primaryKey"`
	ChatID      uint      `gorm:"index:idx_msg_chat_created,priority:1;not null"`
	SenderID    uint      `gorm:"index;not null"`
	RecipientID uint      `gorm:"index:idx_msg_recipient_unread,priority:1;not null"`
	Content     string    `gorm:"type:text;not null"`
	IsRead      bool      `gorm:"index:idx_msg_recipient_unread,priority:2;not null;default:false"`
	CreatedAt   time.Time `gorm:"index:idx_msg_chat_created,priority:2"`
}
