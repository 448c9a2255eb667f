package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Satzhan7/diploma-sub000/internal/auth"
	"github.com/Satzhan7/diploma-sub000/internal/config"
	"github.com/Satzhan7/diploma-sub000/internal/delivery"
	"github.com/Satzhan7/diploma-sub000/internal/events"
	"github.com/Satzhan7/diploma-sub000/internal/presence"
	"github.com/Satzhan7/diploma-sub000/internal/service"
	"github.com/Satzhan7/diploma-sub000/internal/testdb"
	"github.com/Satzhan7/diploma-sub000/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "router-secret"

type env struct {
	engine *gin.Engine
	hub    *ws.Hub
}

func setup(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := config.Config{Port: "0", JWTSecret: secret, Env: "dev"}
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	chats := service.NewChatService(testdb.Open(t), bus)
	hub := ws.NewHub()
	local := presence.NewLocal(hub)
	go delivery.NewBroadcaster(hub, local).Run(ctx, bus.Subscribe(0))

	gw := ws.NewGateway(hub, chats, secret, local, nil)
	engine := SetupRouter(ctx, cfg, NewHandler(chats, local), gw)
	return &env{engine: engine, hub: hub}
}

func token(t *testing.T, uid uint) string {
	t.Helper()
	tok, err := auth.GenerateAccessToken(uid, secret, time.Minute)
	require.NoError(t, err)
	return tok
}

func (e *env) do(t *testing.T, uid uint, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if uid != 0 {
		req.Header.Set("Authorization", "Bearer "+token(t, uid))
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

type chatResp struct {
	Chat    service.ChatDTO `json:"chat"`
	Created bool            `json:"created"`
}

func (e *env) openChat(t *testing.T, from, to uint) service.ChatDTO {
	t.Helper()
	w := e.do(t, from, http.MethodPost, "/api/v1/chats/"+strconv.Itoa(int(to)), nil)
	require.Contains(t, []int{http.StatusOK, http.StatusCreated}, w.Code, w.Body.String())
	return decode[chatResp](t, w).Chat
}

func TestHealthz(t *testing.T) {
	e := setup(t)
	w := e.do(t, 0, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestAPI_RequiresToken(t *testing.T) {
	e := setup(t)
	w := e.do(t, 0, http.MethodGet, "/api/v1/chats", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"error"`)
}

func TestAPI_OpenChatIsIdempotent(t *testing.T) {
	e := setup(t)

	w := e.do(t, 1, http.MethodPost, "/api/v1/chats/2", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	first := decode[chatResp](t, w)
	assert.True(t, first.Created)
	assert.EqualValues(t, 2, first.Chat.PeerID)

	w = e.do(t, 2, http.MethodPost, "/api/v1/chats/1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	again := decode[chatResp](t, w)
	assert.False(t, again.Created)
	assert.Equal(t, first.Chat.ID, again.Chat.ID)
	assert.EqualValues(t, 1, again.Chat.PeerID)

	w = e.do(t, 1, http.MethodPost, "/api/v1/chats/1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = e.do(t, 1, http.MethodPost, "/api/v1/chats/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_MessagesUnreadAndRead(t *testing.T) {
	e := setup(t)
	chat := e.openChat(t, 1, 2)
	base := "/api/v1/chats/" + strconv.Itoa(int(chat.ID))

	for _, content := range []string{"hi", "are you there?"} {
		w := e.do(t, 1, http.MethodPost, base+"/messages", gin.H{"content": content})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}
	w := e.do(t, 1, http.MethodPost, base+"/messages", gin.H{"content": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, 2, http.MethodGet, "/api/v1/chats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Chats []service.ChatDTO `json:"chats"`
	}](t, w)
	require.Len(t, list.Chats, 1)
	assert.Equal(t, 2, list.Chats[0].UnreadCount)
	assert.Equal(t, "are you there?", list.Chats[0].LastMessage)

	w = e.do(t, 2, http.MethodGet, base+"/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	msgs := decode[struct {
		Messages []service.MessageDTO `json:"messages"`
	}](t, w).Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.False(t, msgs[0].IsRead)

	w = e.do(t, 2, http.MethodPost, base+"/read", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"chat_id":`+strconv.Itoa(int(chat.ID))+`,"read":2}`, w.Body.String())

	w = e.do(t, 2, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, decode[chatResp](t, w).Chat.UnreadCount)

	w = e.do(t, 1, http.MethodGet, base+"/messages?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[struct {
		Messages []service.MessageDTO `json:"messages"`
	}](t, w).Messages
	require.Len(t, page, 1)
	assert.Equal(t, "are you there?", page[0].Content)
	assert.True(t, page[0].IsRead)

	w = e.do(t, 1, http.MethodGet, base+"/messages?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_OutsidersGetNotFound(t *testing.T) {
	e := setup(t)
	chat := e.openChat(t, 1, 2)
	base := "/api/v1/chats/" + strconv.Itoa(int(chat.ID))

	assert.Equal(t, http.StatusNotFound, e.do(t, 3, http.MethodGet, base, nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, 3, http.MethodGet, base+"/messages", nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, 3, http.MethodPost, base+"/messages", gin.H{"content": "x"}).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, 3, http.MethodPost, base+"/read", nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, 1, http.MethodGet, "/api/v1/chats/9999", nil).Code)
}

func readFrame(t *testing.T, conn *websocket.Conn) events.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f events.Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestLive_MessageReachesViewersAndChatList(t *testing.T) {
	e := setup(t)
	srv := httptest.NewServer(e.engine)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chats?token="

	recipient, _, err := websocket.DefaultDialer.Dial(wsURL+token(t, 2), nil)
	require.NoError(t, err)
	defer recipient.Close()
	require.Eventually(t, func() bool { return e.hub.Connected(2) }, time.Second, 10*time.Millisecond)

	chat := e.openChat(t, 1, 2)
	f := readFrame(t, recipient)
	require.Equal(t, events.NewChat, f.Event)
	var created service.ChatDTO
	require.NoError(t, json.Unmarshal(f.Data, &created))
	assert.Equal(t, chat.ID, created.ID)
	assert.EqualValues(t, 1, created.PeerID)

	frame, err := events.Encode(events.JoinChat, events.ChatRef{ChatID: chat.ID})
	require.NoError(t, err)
	require.NoError(t, recipient.WriteMessage(websocket.TextMessage, frame))
	require.Equal(t, events.Joined, readFrame(t, recipient).Event)

	base := "/api/v1/chats/" + strconv.Itoa(int(chat.ID))
	require.Equal(t, http.StatusCreated, e.do(t, 1, http.MethodPost, base+"/messages", gin.H{"content": "welcome aboard"}).Code)

	f = readFrame(t, recipient)
	require.Equal(t, events.NewMessage, f.Event)
	var msg service.MessageDTO
	require.NoError(t, json.Unmarshal(f.Data, &msg))
	assert.Equal(t, "welcome aboard", msg.Content)

	f = readFrame(t, recipient)
	require.Equal(t, events.ChatUpdated, f.Event)
	var upd events.ChatUpdate
	require.NoError(t, json.Unmarshal(f.Data, &upd))
	assert.Equal(t, 1, upd.UnreadCount)

	require.Equal(t, http.StatusOK, e.do(t, 2, http.MethodPost, base+"/read", nil).Code)
	f = readFrame(t, recipient)
	require.Equal(t, events.MessagesRead, f.Event)
	f = readFrame(t, recipient)
	require.Equal(t, events.ChatUpdated, f.Event)
	require.NoError(t, json.Unmarshal(f.Data, &upd))
	assert.Zero(t, upd.UnreadCount)
}

func TestLive_PeerOnlineReflectsSockets(t *testing.T) {
	e := setup(t)
	srv := httptest.NewServer(e.engine)
	defer srv.Close()

	chat := e.openChat(t, 1, 2)
	assert.False(t, chat.PeerOnline)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/chats?token="+token(t, 2), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return e.hub.Connected(2) }, time.Second, 10*time.Millisecond)

	assert.True(t, e.openChat(t, 1, 2).PeerOnline)
}
