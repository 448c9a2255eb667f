package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Satzhan7/diploma-sub000/internal/auth"
	"github.com/Satzhan7/diploma-sub000/internal/events"
	"github.com/Satzhan7/diploma-sub000/internal/models"
	"github.com/Satzhan7/diploma-sub000/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	sendBuffer    = 256
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 30 * time.Second
	maxFrameSize  = 1 << 20
	authorizeWait = 5 * time.Second
)

// ChatAuthorizer checks that a user takes part in a chat before the socket
// is allowed into the chat room.
type ChatAuthorizer interface {
	GetChat(ctx context.Context, chatID, userID uint) (*models.Chat, error)
}

// Tracker is told when users come and go so presence can be published.
// connID names the socket that owns the user's presence: Disconnected must
// only clear presence still owned by that socket.
type Tracker interface {
	Connected(ctx context.Context, userID uint, connID string)
	Refresh(ctx context.Context, userID uint, connID string)
	Disconnected(ctx context.Context, userID uint, connID string)
}

type noopTracker struct{}

func (noopTracker) Connected(context.Context, uint, string)    {}
func (noopTracker) Refresh(context.Context, uint, string)      {}
func (noopTracker) Disconnected(context.Context, uint, string) {}

type Client struct {
	id     string
	userID uint
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	rooms  map[string]struct{}

	closeOnce sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn, userID uint) *Client {
	return &Client{
		id:     uuid.NewString(),
		userID: userID,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		rooms:  make(map[string]struct{}),
	}
}

func (c *Client) ID() string   { return c.id }
func (c *Client) UserID() uint { return c.userID }
func (c *Client) closeSend()   { c.closeOnce.Do(func() { close(c.send) }) }

// Gateway upgrades authenticated requests and runs the live channel.
type Gateway struct {
	hub      *Hub
	chats    ChatAuthorizer
	secret   string
	presence Tracker
	upgrader websocket.Upgrader
}

// NewGateway wires the live channel. checkOrigin may be nil to accept any
// origin; presence may be nil when nobody tracks online users.
func NewGateway(hub *Hub, chats ChatAuthorizer, secret string, presence Tracker, checkOrigin func(r *http.Request) bool) *Gateway {
	if presence == nil {
		presence = noopTracker{}
	}
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Gateway{
		hub:      hub,
		chats:    chats,
		secret:   secret,
		presence: presence,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
	}
}

// Serve authenticates before upgrading: a bad or missing token never gets a
// socket.
func (g *Gateway) Serve(c *gin.Context) {
	userID, err := auth.Authenticate(c.Request, g.secret)
	if errors.Is(err, auth.ErrMissingToken) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Uint("user_id", userID).Msg("ws upgrade")
		return
	}
	client := newClient(g.hub, conn, userID)
	g.hub.Register(client)
	g.presence.Connected(context.Background(), userID, client.id)
	log.Debug().Str("conn_id", client.id).Uint("user_id", userID).Msg("ws connected")

	go client.writePump()
	g.readPump(client)
}

func (g *Gateway) readPump(c *Client) {
	defer func() {
		g.hub.Unregister(c)
		_ = c.conn.Close()
		// hand presence to the socket now resolving the user, if any
		if next, ok := g.hub.Resolve(c.userID); ok {
			g.presence.Connected(context.Background(), c.userID, next.id)
		} else {
			g.presence.Disconnected(context.Background(), c.userID, c.id)
		}
		log.Debug().Str("conn_id", c.id).Uint("user_id", c.userID).Msg("ws disconnected")
	}()
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		g.presence.Refresh(context.Background(), c.userID, c.id)
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var in events.Frame
		if err := json.Unmarshal(data, &in); err != nil {
			g.reply(c, events.Error, events.ErrorPayload{Code: "bad_request", Message: "malformed frame"})
			continue
		}
		g.handle(c, in)
	}
}

func (g *Gateway) handle(c *Client, in events.Frame) {
	switch in.Event {
	case events.JoinChat:
		ref, ok := g.chatRef(c, in)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), authorizeWait)
		_, err := g.chats.GetChat(ctx, ref.ChatID, c.userID)
		cancel()
		if err != nil {
			code := "internal"
			if errors.Is(err, service.ErrNotFound) {
				code = "not_found"
			} else {
				log.Error().Err(err).Uint("chat_id", ref.ChatID).Uint("user_id", c.userID).Msg("ws authorize join")
			}
			g.reply(c, events.Error, events.ErrorPayload{Code: code, Message: "cannot join chat", ChatID: ref.ChatID})
			return
		}
		g.hub.Join(c, ChatRoom(ref.ChatID))
		g.reply(c, events.Joined, ref)
	case events.LeaveChat:
		ref, ok := g.chatRef(c, in)
		if !ok {
			return
		}
		g.hub.Leave(c, ChatRoom(ref.ChatID))
		g.reply(c, events.Left, ref)
	case events.Ping:
		g.presence.Refresh(context.Background(), c.userID, c.id)
		g.reply(c, events.Pong, nil)
	default:
		g.reply(c, events.Error, events.ErrorPayload{Code: "bad_request", Message: "unknown event " + in.Event})
	}
}

func (g *Gateway) chatRef(c *Client, in events.Frame) (events.ChatRef, bool) {
	var ref events.ChatRef
	if err := json.Unmarshal(in.Data, &ref); err != nil || ref.ChatID == 0 {
		g.reply(c, events.Error, events.ErrorPayload{Code: "bad_request", Message: "chat_id required"})
		return ref, false
	}
	return ref, true
}

func (g *Gateway) reply(c *Client, event string, data any) {
	frame, err := events.Encode(event, data)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("ws encode reply")
		return
	}
	g.hub.SendTo(c, frame)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
