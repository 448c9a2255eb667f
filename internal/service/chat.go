package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/Satzhan7/diploma-sub000/internal/events"
	"github.com/Satzhan7/diploma-sub000/internal/metrics"
	"github.com/Satzhan7/diploma-sub000/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	maxContentLen = 4000
	previewLen    = 140
	lockStripes   = 64
)

// ChatService owns chats and messages. It is the only writer of both tables
// and publishes an event after every committed change.
type ChatService struct {
	db     *gorm.DB
	events events.Publisher
	locks  [lockStripes]sync.Mutex
	now    func() time.Time
}

func NewChatService(db *gorm.DB, pub events.Publisher) *ChatService {
	if pub == nil {
		pub = events.Discard{}
	}
	return &ChatService{db: db, events: pub, now: func() time.Time { return time.Now().UTC() }}
}

// lockChat serializes writers of one chat inside this process so that
// events leave in the same order the rows were committed.
func (s *ChatService) lockChat(chatID uint) func() {
	mu := &s.locks[chatID%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func orderedPair(a, b uint) (uint, uint) {
	if a < b {
		return a, b
	}
	return b, a
}

func (s *ChatService) findPair(ctx context.Context, lo, hi uint) (*models.Chat, error) {
	var chat models.Chat
	if err := s.db.WithContext(ctx).Where("user_lo = ? AND user_hi = ?", lo, hi).First(&chat).Error; err != nil {
		return nil, err
	}
	return &chat, nil
}

// GetOrCreateChat returns the chat between initiator and peer, creating it
// on first contact. The second return value is true when a row was inserted.
func (s *ChatService) GetOrCreateChat(ctx context.Context, initiator, peer uint) (*models.Chat, bool, error) {
	if initiator == 0 || peer == 0 {
		return nil, false, ErrInvalidUserID
	}
	if initiator == peer {
		return nil, false, ErrSelfChat
	}
	lo, hi := orderedPair(initiator, peer)

	existing, err := s.findPair(ctx, lo, hi)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("find chat %d/%d: %w", lo, hi, err)
	}

	chat := &models.Chat{SenderID: initiator, RecipientID: peer, UserLo: lo, UserHi: hi}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_lo"}, {Name: "user_hi"}}, DoNothing: true}).
		Create(chat)
	if res.Error != nil {
		return nil, false, fmt.Errorf("create chat %d/%d: %w", lo, hi, res.Error)
	}
	if res.RowsAffected == 0 {
		// lost the race against a concurrent creator
		existing, err := s.findPair(ctx, lo, hi)
		if err != nil {
			return nil, false, fmt.Errorf("reload chat %d/%d: %w", lo, hi, err)
		}
		return existing, false, nil
	}

	metrics.ChatsCreatedTotal.Inc()
	s.events.Publish(events.Event{Kind: events.KindChatCreated, Chat: *chat})
	return chat, true, nil
}

// ListChatsForUser returns every chat of userID, most recently active first.
func (s *ChatService) ListChatsForUser(ctx context.Context, userID uint) ([]models.Chat, error) {
	var chats []models.Chat
	err := s.db.WithContext(ctx).
		Where("sender_id = ? OR recipient_id = ?", userID, userID).
		Order("updated_at desc, id desc").
		Find(&chats).Error
	if err != nil {
		return nil, fmt.Errorf("list chats of user %d: %w", userID, err)
	}
	return chats, nil
}

// GetChat loads a chat on behalf of userID. Missing chats and chats the
// user does not take part in are indistinguishable to the caller.
func (s *ChatService) GetChat(ctx context.Context, chatID, userID uint) (*models.Chat, error) {
	if chatID == 0 {
		return nil, ErrChatNotFound
	}
	var chat models.Chat
	if err := s.db.WithContext(ctx).First(&chat, chatID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChatNotFound
		}
		return nil, fmt.Errorf("load chat %d: %w", chatID, err)
	}
	if !chat.HasParticipant(userID) {
		return nil, ErrChatNotFound
	}
	return &chat, nil
}

// ListMessages returns the history of a chat oldest first. With limit > 0
// only the newest limit messages (older than beforeID, when set) are returned.
func (s *ChatService) ListMessages(ctx context.Context, chatID, userID uint, limit int, beforeID uint) ([]models.Message, error) {
	if _, err := s.GetChat(ctx, chatID, userID); err != nil {
		return nil, err
	}

	q := s.db.WithContext(ctx).Where("chat_id = ?", chatID)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}

	var msgs []models.Message
	if limit <= 0 {
		if err := q.Order("created_at asc, id asc").Find(&msgs).Error; err != nil {
			return nil, fmt.Errorf("list messages of chat %d: %w", chatID, err)
		}
		return msgs, nil
	}

	if err := q.Order("created_at desc, id desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("list messages of chat %d: %w", chatID, err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// AppendMessage persists a message from senderID and bumps the unread
// counter of the other participant in the same transaction.
func (s *ChatService) AppendMessage(ctx context.Context, chatID, senderID uint, content string) (*models.Message, *models.Chat, error) {
	return s.appendMessage(ctx, chatID, senderID, content, false)
}

// AppendMessageIfEmpty appends like AppendMessage, but only into a chat that
// has no messages yet. It returns a nil message and the current chat when
// the chat already had one. The check holds across processes: it is part of
// the chat row update.
func (s *ChatService) AppendMessageIfEmpty(ctx context.Context, chatID, senderID uint, content string) (*models.Message, *models.Chat, error) {
	return s.appendMessage(ctx, chatID, senderID, content, true)
}

var errChatNotEmpty = errors.New("chat already has messages")

func (s *ChatService) appendMessage(ctx context.Context, chatID, senderID uint, content string, onlyIfEmpty bool) (*models.Message, *models.Chat, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, nil, ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > maxContentLen {
		return nil, nil, ErrContentTooLong
	}
	if chatID == 0 {
		return nil, nil, ErrChatNotFound
	}

	unlock := s.lockChat(chatID)
	defer unlock()

	var (
		chat models.Chat
		msg  models.Message
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// the row lock orders writers of this chat across processes
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&chat, chatID).Error; err != nil {
			return err
		}
		if !chat.HasParticipant(senderID) {
			return ErrChatNotFound
		}
		// a message never predates the one before it, whatever the
		// writer's clock says
		now := s.now()
		if chat.LastMessageAt != nil && now.Before(*chat.LastMessageAt) {
			now = *chat.LastMessageAt
		}
		recipient := chat.PeerOf(senderID)
		col := chat.UnreadColumn(recipient)

		q := tx.Model(&models.Chat{}).Where("id = ?", chat.ID)
		if onlyIfEmpty {
			q = q.Where("last_message_at IS NULL")
		}
		res := q.Updates(map[string]any{
			col:                    gorm.Expr(col + " + 1"),
			"last_message_preview": Preview(content),
			"last_message_at":      now,
			"updated_at":           now,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errChatNotEmpty
		}

		msg = models.Message{
			ChatID:      chat.ID,
			SenderID:    senderID,
			RecipientID: recipient,
			Content:     content,
			CreatedAt:   now,
		}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		return tx.First(&chat, chat.ID).Error
	})
	if errors.Is(err, errChatNotEmpty) {
		if err := s.db.WithContext(ctx).First(&chat, chatID).Error; err != nil {
			return nil, nil, fmt.Errorf("reload chat %d: %w", chatID, err)
		}
		return nil, &chat, nil
	}
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, ErrNotFound) {
			return nil, nil, ErrChatNotFound
		}
		return nil, nil, fmt.Errorf("append message to chat %d: %w", chatID, err)
	}

	metrics.MessagesTotal.Inc()
	s.events.Publish(events.Event{Kind: events.KindMessageAppended, Chat: chat, Message: &msg})
	return &msg, &chat, nil
}

// MarkRead acknowledges every message addressed to userID in the chat and
// resets that user's unread counter. It returns how many messages flipped.
// Messages userID sent are untouched, so a call by a participant with
// nothing addressed to them changes no data.
func (s *ChatService) MarkRead(ctx context.Context, chatID, userID uint) (int64, error) {
	if chatID == 0 {
		return 0, ErrChatNotFound
	}

	unlock := s.lockChat(chatID)
	defer unlock()

	var (
		chat    models.Chat
		flipped int64
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&chat, chatID).Error; err != nil {
			return err
		}
		if !chat.HasParticipant(userID) {
			return ErrChatNotFound
		}
		res := tx.Model(&models.Message{}).
			Where("chat_id = ? AND recipient_id = ? AND is_read = ?", chat.ID, userID, false).
			Update("is_read", true)
		if res.Error != nil {
			return res.Error
		}
		flipped = res.RowsAffected
		if err := tx.Model(&models.Chat{}).Where("id = ?", chat.ID).
			UpdateColumn(chat.UnreadColumn(userID), 0).Error; err != nil {
			return err
		}
		return tx.First(&chat, chat.ID).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, ErrNotFound) {
			return 0, ErrChatNotFound
		}
		return 0, fmt.Errorf("mark chat %d read: %w", chatID, err)
	}

	s.events.Publish(events.Event{Kind: events.KindMessagesRead, Chat: chat, ReaderID: userID, ReadCount: flipped})
	return flipped, nil
}

// Preview shortens content for chat list summaries.
func Preview(content string) string {
	if utf8.RuneCountInString(content) <= previewLen {
		return content
	}
	r := []rune(content)
	return string(r[:previewLen-1]) + "…"
}
