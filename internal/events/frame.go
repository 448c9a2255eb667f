package events

import (
	"encoding/json"
	"time"
)

// Live channel event names.
const (
	// client -> server
	JoinChat  = "joinChat"
	LeaveChat = "leaveChat"
	Ping      = "ping"

	// server -> client
	NewMessage   = "newMessage"
	MessagesRead = "messagesRead"
	NewChat      = "newChat"
	ChatUpdated  = "chatUpdated"
	Joined       = "joined"
	Left         = "left"
	Error        = "error"
	Pong         = "pong"
)

// Frame is the envelope of every websocket text message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals data into a frame ready to be written to a socket.
func Encode(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

type ChatRef struct {
	ChatID uint `json:"chat_id"`
}

type ReadReceipt struct {
	ChatID uint `json:"chat_id"`
	UserID uint `json:"user_id"`
}

type LastMessage struct {
	ID        uint      `json:"id"`
	SenderID  uint      `json:"sender_id"`
	Preview   string    `json:"preview"`
	CreatedAt time.Time `json:"created_at"`
}

type ChatUpdate struct {
	ChatID      uint         `json:"chat_id"`
	UnreadCount int          `json:"unread_count"`
	LastMessage *LastMessage `json:"last_message,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	ChatID  uint   `json:"chat_id,omitempty"`
}
