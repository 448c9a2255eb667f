// Package client is a live channel client that keeps its socket up and
// restores chat room subscriptions after every reconnect.
package client

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Satzhan7/diploma-sub000/internal/events"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	DefaultReconnectDelay = 5 * time.Second
	// DefaultPongWait matches the server's read deadline; the server pings
	// twice within it.
	DefaultPongWait = 60 * time.Second
	writeWait       = 10 * time.Second
)

var ErrNotConnected = errors.New("not connected")

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

// Options configure a Client. URL points at the live endpoint, for example
// ws://host:8080/ws/chats. PongWait bounds how long the socket may stay
// silent, server pings included, before it is treated as dead and redialed.
// OnState, when set, is called on every state transition from the connection
// goroutine.
type Options struct {
	URL            string
	Token          string
	ReconnectDelay time.Duration
	PongWait       time.Duration
	Dialer         *websocket.Dialer
	OnState        func(State)
}

type Client struct {
	opts   Options
	state  atomic.Int32
	frames chan events.Frame

	mu      sync.Mutex
	conn    *websocket.Conn
	open    map[uint]struct{}
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	writeMu sync.Mutex
}

func New(opts Options) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.PongWait <= 0 {
		opts.PongWait = DefaultPongWait
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{
		opts:   opts,
		frames: make(chan events.Frame, 64),
		open:   make(map[uint]struct{}),
	}
}

func (c *Client) State() State { return State(c.state.Load()) }

// Events delivers every frame received from the server. It is closed once
// the client stops.
func (c *Client) Events() <-chan events.Frame { return c.frames }

func (c *Client) setState(s State) {
	if State(c.state.Swap(int32(s))) != s && c.opts.OnState != nil {
		c.opts.OnState(s)
	}
}

// Connect starts the connection loop. It retries forever with a fixed
// delay until ctx is cancelled or Disconnect is called.
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.loop(ctx)
}

// Disconnect closes the socket and stops reconnecting.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.cancel == nil {
		c.mu.Unlock()
		return
	}
	c.cancel()
	done, conn := c.done, c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	<-done
}

func (c *Client) loop(ctx context.Context) {
	defer func() {
		c.setState(Disconnected)
		close(c.frames)
		close(c.done)
	}()
	for {
		c.setState(Connecting)
		conn, err := c.dial(ctx)
		if err == nil {
			c.serve(ctx, conn)
		} else if ctx.Err() == nil {
			log.Warn().Err(err).Str("url", c.opts.URL).Msg("chat client dial")
		}
		c.setState(Disconnected)

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.opts.ReconnectDelay):
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.opts.Token)
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	return conn, err
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	chats := c.openChats()
	c.mu.Unlock()

	c.setState(Connected)
	for _, id := range chats {
		if err := c.write(conn, events.JoinChat, events.ChatRef{ChatID: id}); err != nil {
			log.Warn().Err(err).Uint("chat_id", id).Msg("chat client rejoin")
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		var f events.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() == nil {
				log.Debug().Err(err).Str("url", c.opts.URL).Msg("chat client read")
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		select {
		case c.frames <- f:
		default:
			log.Warn().Str("event", f.Event).Msg("chat client dropped frame, reader too slow")
		}
	}

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	_ = conn.Close()
}

// openChats must be called with mu held.
func (c *Client) openChats() []uint {
	ids := make([]uint, 0, len(c.open))
	for id := range c.open {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (c *Client) write(conn *websocket.Conn, event string, data any) error {
	frame, err := events.Encode(event, data)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) send(event string, data any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, event, data)
}

// OpenChat subscribes to a chat now if connected, and after every future
// reconnect. While offline the join is only remembered.
func (c *Client) OpenChat(chatID uint) error {
	c.mu.Lock()
	c.open[chatID] = struct{}{}
	c.mu.Unlock()
	if err := c.send(events.JoinChat, events.ChatRef{ChatID: chatID}); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

func (c *Client) CloseChat(chatID uint) error {
	c.mu.Lock()
	delete(c.open, chatID)
	c.mu.Unlock()
	if err := c.send(events.LeaveChat, events.ChatRef{ChatID: chatID}); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// OpenChats lists the chats that will be rejoined on reconnect.
func (c *Client) OpenChats() []uint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openChats()
}

func (c *Client) Ping() error { return c.send(events.Ping, nil) }
