package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/Satzhan7/diploma-sub000/internal/auth"
	"github.com/Satzhan7/diploma-sub000/internal/models"
	"github.com/Satzhan7/diploma-sub000/internal/presence"
	"github.com/Satzhan7/diploma-sub000/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

const maxPageSize = 200

// Handler serves the chat REST API on top of the conversation store.
type Handler struct {
	chats    *service.ChatService
	presence presence.Presence
}

func NewHandler(chats *service.ChatService, p presence.Presence) *Handler {
	return &Handler{chats: chats, presence: p}
}

// fail maps store errors to the REST envelope. Unknown errors are logged and
// reported as 500 without details.
func fail(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidArgument):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Uint("user_id", auth.GetUserID(c)).Str("op", op).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to " + op})
	}
}

func pathID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(id), true
}

func (h *Handler) chatDTO(c *gin.Context, chat models.Chat, viewer uint) service.ChatDTO {
	dto := service.NewChatDTO(chat, viewer)
	if h.presence != nil {
		dto.PeerOnline = h.presence.IsOnline(c.Request.Context(), dto.PeerID)
	}
	return dto
}

// ListChats returns the caller's chats, most recently active first.
func (h *Handler) ListChats(c *gin.Context) {
	uid := auth.GetUserID(c)
	chats, err := h.chats.ListChatsForUser(c.Request.Context(), uid)
	if err != nil {
		fail(c, err, "list chats")
		return
	}
	out := lo.Map(chats, func(chat models.Chat, _ int) service.ChatDTO { return h.chatDTO(c, chat, uid) })
	c.JSON(http.StatusOK, gin.H{"chats": out})
}

func (h *Handler) GetChat(c *gin.Context) {
	chatID, ok := pathID(c)
	if !ok {
		return
	}
	uid := auth.GetUserID(c)
	chat, err := h.chats.GetChat(c.Request.Context(), chatID, uid)
	if err != nil {
		fail(c, err, "load chat")
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat": h.chatDTO(c, *chat, uid)})
}

// ListMessages returns chat history oldest first. Without limit the whole
// history is returned; before_id pages towards older messages.
func (h *Handler) ListMessages(c *gin.Context) {
	chatID, ok := pathID(c)
	if !ok {
		return
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxPageSize)
	}
	var beforeID uint
	if v := c.Query("before_id"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil || n == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before_id"})
			return
		}
		beforeID = uint(n)
	}
	msgs, err := h.chats.ListMessages(c.Request.Context(), chatID, auth.GetUserID(c), limit, beforeID)
	if err != nil {
		fail(c, err, "list messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": service.NewMessageDTOs(msgs)})
}

// OpenChat starts or resumes the chat between the caller and the user in
// the path.
func (h *Handler) OpenChat(c *gin.Context) {
	peerID, ok := pathID(c)
	if !ok {
		return
	}
	uid := auth.GetUserID(c)
	chat, created, err := h.chats.GetOrCreateChat(c.Request.Context(), uid, peerID)
	if err != nil {
		fail(c, err, "open chat")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"chat": h.chatDTO(c, *chat, uid), "created": created})
}

func (h *Handler) SendMessage(c *gin.Context) {
	chatID, ok := pathID(c)
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	msg, _, err := h.chats.AppendMessage(c.Request.Context(), chatID, auth.GetUserID(c), req.Content)
	if err != nil {
		fail(c, err, "send message")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": service.NewMessageDTO(*msg)})
}

func (h *Handler) MarkRead(c *gin.Context) {
	chatID, ok := pathID(c)
	if !ok {
		return
	}
	n, err := h.chats.MarkRead(c.Request.Context(), chatID, auth.GetUserID(c))
	if err != nil {
		fail(c, err, "mark read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat_id": chatID, "read": n})
}
