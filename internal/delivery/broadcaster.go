// Package delivery turns committed store events into live channel frames.
package delivery

import (
	"context"

	"github.com/Satzhan7/diploma-sub000/internal/events"
	"github.com/Satzhan7/diploma-sub000/internal/metrics"
	"github.com/Satzhan7/diploma-sub000/internal/models"
	"github.com/Satzhan7/diploma-sub000/internal/service"
	"github.com/Satzhan7/diploma-sub000/internal/ws"

	"github.com/rs/zerolog/log"
)

// Emitter sends an encoded frame to every connection in a room. Emitting to
// a room nobody is in is not an error.
type Emitter interface {
	Emit(room string, frame []byte) error
}

type OnlineChecker interface {
	IsOnline(ctx context.Context, userID uint) bool
}

type Broadcaster struct {
	emit     Emitter
	presence OnlineChecker
}

// NewBroadcaster returns a broadcaster writing through e. presence is
// optional and only fills peer_online on newChat frames.
func NewBroadcaster(e Emitter, presence OnlineChecker) *Broadcaster {
	return &Broadcaster{emit: e, presence: presence}
}

// Run consumes events until the channel is closed or ctx is done.
func (b *Broadcaster) Run(ctx context.Context, in <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-in:
			if !ok {
				return
			}
			b.Handle(evt)
		}
	}
}

func (b *Broadcaster) Handle(evt events.Event) {
	switch evt.Kind {
	case events.KindChatCreated:
		b.BroadcastNewChat(evt.Chat)
	case events.KindMessageAppended:
		if evt.Message != nil {
			b.BroadcastNewMessage(*evt.Message, evt.Chat)
		}
	case events.KindMessagesRead:
		b.BroadcastRead(evt.Chat, evt.ReaderID)
	}
}

// BroadcastNewMessage shows the message to everyone viewing the chat and
// bumps the chat list entry of the addressee.
func (b *Broadcaster) BroadcastNewMessage(msg models.Message, chat models.Chat) {
	b.send(ws.ChatRoom(chat.ID), events.NewMessage, service.NewMessageDTO(msg))
	b.send(ws.UserRoom(msg.RecipientID), events.ChatUpdated, events.ChatUpdate{
		ChatID:      chat.ID,
		UnreadCount: chat.UnreadFor(msg.RecipientID),
		LastMessage: &events.LastMessage{
			ID:        msg.ID,
			SenderID:  msg.SenderID,
			Preview:   service.Preview(msg.Content),
			CreatedAt: msg.CreatedAt,
		},
	})
}

// BroadcastRead tells viewers of the chat that readerID caught up, and
// clears the badge on the reader's other screens.
func (b *Broadcaster) BroadcastRead(chat models.Chat, readerID uint) {
	b.send(ws.ChatRoom(chat.ID), events.MessagesRead, events.ReadReceipt{ChatID: chat.ID, UserID: readerID})
	b.send(ws.UserRoom(readerID), events.ChatUpdated, events.ChatUpdate{ChatID: chat.ID, UnreadCount: 0})
}

// BroadcastNewChat announces a chat to both participants, each seeing the
// other as the peer.
func (b *Broadcaster) BroadcastNewChat(chat models.Chat) {
	for _, viewer := range []uint{chat.SenderID, chat.RecipientID} {
		dto := service.NewChatDTO(chat, viewer)
		if b.presence != nil {
			dto.PeerOnline = b.presence.IsOnline(context.Background(), dto.PeerID)
		}
		b.send(ws.UserRoom(viewer), events.NewChat, dto)
	}
}

func (b *Broadcaster) send(room, event string, data any) {
	frame, err := events.Encode(event, data)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("encode frame")
		return
	}
	if err := b.emit.Emit(room, frame); err != nil {
		log.Warn().Err(err).Str("room", room).Str("event", event).Msg("emit frame")
		return
	}
	metrics.FramesEmitted.WithLabelValues(event).Inc()
}
