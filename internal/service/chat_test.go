package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Satzhan7/diploma-sub000/internal/events"
	"github.com/Satzhan7/diploma-sub000/internal/models"
	"github.com/Satzhan7/diploma-sub000/internal/testdb"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func newService(t *testing.T) (*ChatService, *recorder) {
	t.Helper()
	rec := &recorder{}
	return NewChatService(testdb.Open(t), rec), rec
}

func TestGetOrCreateChat_IdempotentInEitherOrder(t *testing.T) {
	svc, rec := newService(t)
	ctx := context.Background()

	first, created, err := svc.GetOrCreateChat(ctx, 1, 2)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, uint(1), first.SenderID)
	assert.Equal(t, uint(2), first.RecipientID)
	assert.Zero(t, first.SenderUnread)
	assert.Zero(t, first.RecipientUnread)

	again, created, err := svc.GetOrCreateChat(ctx, 1, 2)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	reversed, created, err := svc.GetOrCreateChat(ctx, 2, 1)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, reversed.ID)
	// the initiator role is fixed at creation
	assert.Equal(t, uint(1), reversed.SenderID)

	assert.Equal(t, []events.Kind{events.KindChatCreated}, rec.kinds())
}

func TestGetOrCreateChat_InvalidPairs(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, _, err := svc.GetOrCreateChat(ctx, 3, 3)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, _, err = svc.GetOrCreateChat(ctx, 0, 3)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestGetOrCreateChat_ConcurrentCallersShareOneChat(t *testing.T) {
	svc, rec := newService(t)
	ctx := context.Background()

	const callers = 12
	ids := make([]uint, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := uint(10), uint(20)
			if i%2 == 1 {
				a, b = b, a
			}
			chat, _, err := svc.GetOrCreateChat(ctx, a, b)
			if assert.NoError(t, err) {
				ids[i] = chat.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	var count int64
	require.NoError(t, svc.db.Model(&models.Chat{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
	assert.Len(t, rec.kinds(), 1)
}

func TestAppendMessage_CountsUnreadForRecipient(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	chat, _, err := svc.GetOrCreateChat(ctx, 1, 2)
	require.NoError(t, err)

	const n = 5
	for i := 0; i < n; i++ {
		msg, updated, err := svc.AppendMessage(ctx, chat.ID, 1, "hello")
		require.NoError(t, err)
		assert.Equal(t, uint(2), msg.RecipientID)
		assert.Equal(t, i+1, updated.UnreadFor(2))
	}

	got, err := svc.GetChat(ctx, chat.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, n, got.UnreadFor(2))
	assert.Equal(t, 0, got.UnreadFor(1))
	assert.Equal(t, "hello", got.LastMessagePreview)
	assert.NotNil(t, got.LastMessageAt)
}

func TestAppendMessage_RejectsBlankContent(t *testing.T) {
	svc, rec := newService(t)
	ctx := context.Background()
	chat, _, err := svc.GetOrCreateChat(ctx, 1, 2)
	require.NoError(t, err)

	for _, content := range []string{"", "   ", "\n\t"} {
		_, _, err := svc.AppendMessage(ctx, chat.ID, 1, content)
		assert.ErrorIs(t, err, ErrInvalidArgument, "content %q", content)
	}
	_, _, err = svc.AppendMessage(ctx, chat.ID, 1, strings.Repeat("x", maxContentLen+1))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	var count int64
	require.NoError(t, svc.db.Model(&models.Message{}).Count(&count).Error)
	assert.Zero(t, count)
	assert.Equal(t, []events.Kind{events.KindChatCreated}, rec.kinds())
}

func TestAppendMessage_NonParticipant(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	chat, _, err := svc.GetOrCreateChat(ctx, 1, 2)
	require.NoError(t, err)

	_, _, err = svc.AppendMessage(ctx, chat.ID, 3, "let me in")
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = svc.AppendMessage(ctx, 9999, 1, "nobody home")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendMessage_ConcurrentSendsKeepEveryIncrement(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	chat, _, err := svc.GetOrCreateChat(ctx, 1, 2)
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := svc.AppendMessage(ctx, chat.ID, 1, "burst")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := svc.GetChat(ctx, chat.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, n, got.UnreadFor(2))
}

func TestListMessages_OldestFirstInInsertionOrder(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	chat, _, err := svc.GetOrCreateChat(ctx, 1, 2)
	require.NoError(t, err)

	// identical timestamps must still come back in insertion order
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	want := []string{"one", "two", "three", "four"}
	for i, c := range want {
		sender := uint(1)
		if i%2 == 1 {
			sender = 2
		}
		_, _, err := svc.AppendMessage(ctx, chat.ID, sender, c)
		require.NoError(t, err)
	}

	msgs, err := svc.ListMessages(ctx, chat.ID, 2, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, len(want))
	for i, m := range msgs {
		assert.Equal(t, want[i], m.Content)
		if i > 0 {
			assert.False(t, m.CreatedAt.Before(msgs[i-1].CreatedAt))
			assert.Greater(t, m.ID, msgs[i-1].ID)
		}
	}

	page, err := svc.ListMessages(ctx, chat.ID, 1, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "three", page[0].Content)
	assert.Equal(t, "four", page[1].Content)

	older, err := svc.ListMessages(ctx, chat.ID, 1, 2, page[0].ID)
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Equal(t, "one", older[0].Content)
	assert.Equal(t, "two", older[1].Content)
}

func TestListMessages_ClockSteppingBackKeepsInsertionOrder(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	chat, _, err := svc.GetOrCreateChat(ctx, 1, 2)
	require.NoError(t, err)

	// a second writer whose clock lags the first one
	clocks := []time.Time{
		time.Date(2024, 5, 1, 12, 0, 10, 0, time.UTC),
		time.Date(2024, 5, 1, 12, 0, 5, 0, time.UTC),
		time.Date(2024, 5, 1, 12, 0, 20, 0, time.UTC),
	}
	want := []string{"first", "second", "third"}
	for i, c := range want {
		at := clocks[i]
		svc.now = func() time.Time { return at }
		_, _, err := svc.AppendMessage(ctx, chat.ID, 1, c)
		require.NoError(t, err)
	}

	msgs, err := svc.ListMessages(ctx, chat.ID, 2, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, want[i], m.Content)
	}
	assert.True(t, msgs[1].CreatedAt.Equal(clocks[0]), "lagging write is clamped to the previous message")
	assert.True(t, msgs[2].CreatedAt.Equal(clocks[2]))
}

func TestAppendMessageIfEmpty(t *testing.T) {
	svc, rec := newService(t)
	ctx := context.Background()
	chat, _, err := svc.GetOrCreateChat(ctx, 1, 2)
	require.NoError(t, err)

	msg, got, err := svc.AppendMessageIfEmpty(ctx, chat.ID, 1, "welcome")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, 1, got.UnreadFor(2))

	msg, got, err = svc.AppendMessageIfEmpty(ctx, chat.ID, 1, "welcome")
	require.NoError(t, err)
	assert.Nil(t, msg)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.UnreadFor(2), "skipped append must not bump the counter")
	assert.Equal(t, []events.Kind{events.KindChatCreated, events.KindMessageAppended}, rec.kinds())

	_, _, err = svc.AppendMessageIfEmpty(ctx, chat.ID, 3, "welcome")
	assert.ErrorIs(t, err, ErrNotFound)

	msgs, err := svc.ListMessages(ctx, chat.ID, 1, 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestAuthorizationBoundary(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	chat, _, err := svc.GetOrCreateChat(ctx, 1, 2)
	require.NoError(t, err)

	_, err = svc.GetChat(ctx, chat.ID, 3)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.ListMessages(ctx, chat.ID, 3, 0, 0)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.MarkRead(ctx, chat.ID, 3)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.GetChat(ctx, chat.ID+100, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkRead_RecipientResetsAndFlips(t *testing.T) {
	svc, rec := newService(t)
	ctx := context.Background()
	chat, _, err := svc.GetOrCreateChat(ctx, 1, 2)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, _, err := svc.AppendMessage(ctx, chat.ID, 1, "ping")
		require.NoError(t, err)
	}

	// the sender has nothing addressed to them: no data changes
	n, err := svc.MarkRead(ctx, chat.ID, 1)
	require.NoError(t, err)
	assert.Zero(t, n)
	got, err := svc.GetChat(ctx, chat.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, got.UnreadFor(2))

	n, err = svc.MarkRead(ctx, chat.ID, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	got, err = svc.GetChat(ctx, chat.ID, 2)
	require.NoError(t, err)
	assert.Zero(t, got.UnreadFor(2))

	msgs, err := svc.ListMessages(ctx, chat.ID, 2, 0, 0)
	require.NoError(t, err)
	for _, m := range msgs {
		assert.True(t, m.IsRead)
	}

	// isRead never reverts and a second read is harmless
	n, err = svc.MarkRead(ctx, chat.ID, 2)
	require.NoError(t, err)
	assert.Zero(t, n)

	kinds := rec.kinds()
	assert.Equal(t, events.KindMessagesRead, kinds[len(kinds)-1])
}

func TestMarkRead_EachSideHasItsOwnCounter(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	chat, _, err := svc.GetOrCreateChat(ctx, 1, 2)
	require.NoError(t, err)

	_, _, err = svc.AppendMessage(ctx, chat.ID, 1, "from brand")
	require.NoError(t, err)
	_, _, err = svc.AppendMessage(ctx, chat.ID, 2, "from influencer")
	require.NoError(t, err)
	_, _, err = svc.AppendMessage(ctx, chat.ID, 2, "again")
	require.NoError(t, err)

	_, err = svc.MarkRead(ctx, chat.ID, 1)
	require.NoError(t, err)

	got, err := svc.GetChat(ctx, chat.ID, 1)
	require.NoError(t, err)
	assert.Zero(t, got.UnreadFor(1))
	assert.Equal(t, 1, got.UnreadFor(2))
}

func TestListChatsForUser_MostRecentFirst(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	tick := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		tick = tick.Add(time.Minute)
		return tick
	}

	a, _, err := svc.GetOrCreateChat(ctx, 1, 2)
	require.NoError(t, err)
	b, _, err := svc.GetOrCreateChat(ctx, 3, 1)
	require.NoError(t, err)
	_, _, err = svc.GetOrCreateChat(ctx, 4, 5)
	require.NoError(t, err)

	_, _, err = svc.AppendMessage(ctx, b.ID, 3, "older")
	require.NoError(t, err)
	_, _, err = svc.AppendMessage(ctx, a.ID, 2, "newer")
	require.NoError(t, err)

	chats, err := svc.ListChatsForUser(ctx, 1)
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, a.ID, chats[0].ID)
	assert.Equal(t, b.ID, chats[1].ID)
}

func TestScenario_FirstContactThroughRead(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	c1, created, err := svc.GetOrCreateChat(ctx, 1, 2)
	require.NoError(t, err)
	require.True(t, created)
	assert.Zero(t, c1.UnreadFor(2))

	msg, chat, err := svc.AppendMessage(ctx, c1.ID, 1, "hi")
	require.NoError(t, err)
	assert.Equal(t, c1.ID, msg.ChatID)
	assert.Equal(t, 1, chat.UnreadFor(2))

	_, err = svc.MarkRead(ctx, c1.ID, 2)
	require.NoError(t, err)
	msgs, err := svc.ListMessages(ctx, c1.ID, 2, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsRead)

	same, created, err := svc.GetOrCreateChat(ctx, 2, 1)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, c1.ID, same.ID)
	assert.Zero(t, same.UnreadFor(2))
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", Preview("short"))
	long := strings.Repeat("é", previewLen+10)
	p := Preview(long)
	assert.Equal(t, previewLen, len([]rune(p)))
	assert.True(t, strings.HasSuffix(p, "…"))
}
