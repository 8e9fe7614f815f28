package ledger

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.convstate/internal/model"
)

// appendStore 支持写入消息的账本，测试用
type appendStore interface {
	Store
	AppendMessage(ctx context.Context, msg Message) (int64, error)
}

// runLedgerSuite 对所有驱动执行相同的行为校验
// 会话 ID 带随机后缀，可在共享数据库上重复执行
func runLedgerSuite(t *testing.T, newStore func(t *testing.T) appendStore) {
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	conv := func(name string) string { return name + ":" + suffix }
	base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)

	t.Run("UnreadExcludesOwnAndRead", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		c := conv("p:1001_2001")

		ids := make([]int64, 0, 5)
		for i := 0; i < 5; i++ {
			from := int64(2001)
			if i == 2 {
				from = 1001
			}
			id, err := store.AppendMessage(ctx, Message{
				ConversationId: c,
				FromUserId:     from,
				Content:        fmt.Sprintf("msg %d", i),
				CreatedAt:      base.Add(time.Duration(i) * time.Second),
			})
			require.NoError(t, err)
			ids = append(ids, id)
		}

		n, err := store.CalculateUnreadCount(ctx, 1001, c)
		require.NoError(t, err)
		assert.Equal(t, int64(4), n)

		require.NoError(t, store.MarkRead(ctx, 1001, c, ids[1], time.Now()))
		n, err = store.CalculateUnreadCount(ctx, 1001, c)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		// 已读位置只前进
		require.NoError(t, store.MarkRead(ctx, 1001, c, ids[0], time.Now()))
		n, err = store.CalculateUnreadCount(ctx, 1001, c)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		// 0 表示读到最新
		require.NoError(t, store.MarkRead(ctx, 1001, c, 0, time.Now()))
		n, err = store.CalculateUnreadCount(ctx, 1001, c)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	})

	t.Run("BatchUnreadFillsZero", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		c1, c2, empty := conv("g:1"), conv("g:2"), conv("g:empty")

		for i := 0; i < 3; i++ {
			_, err := store.AppendMessage(ctx, Message{ConversationId: c1, FromUserId: 7, Content: "a", CreatedAt: base})
			require.NoError(t, err)
		}
		_, err := store.AppendMessage(ctx, Message{ConversationId: c2, FromUserId: 7, Content: "b", CreatedAt: base})
		require.NoError(t, err)

		counts, err := store.BatchCalculateUnreadCount(ctx, 1001, []string{c1, c2, empty})
		require.NoError(t, err)
		assert.Equal(t, map[string]int64{c1: 3, c2: 1, empty: 0}, counts)
	})

	t.Run("LastMessage", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		c, empty := conv("g:3"), conv("g:none")

		_, err := store.AppendMessage(ctx, Message{ConversationId: c, FromUserId: 7, Content: "first", CreatedAt: base})
		require.NoError(t, err)
		lastId, err := store.AppendMessage(ctx, Message{
			ConversationId: c,
			FromUserId:     8,
			Content:        strings.Repeat("字", 150),
			CreatedAt:      base.Add(time.Second),
		})
		require.NoError(t, err)
		_, err = store.AppendMessage(ctx, Message{
			ConversationId: c,
			FromUserId:     8,
			Content:        "recalled",
			Status:         MessageStatusRecalled,
			CreatedAt:      base.Add(2 * time.Second),
		})
		require.NoError(t, err)

		preview, err := store.GetLastMessage(ctx, c)
		require.NoError(t, err)
		require.NotNil(t, preview)
		assert.Equal(t, lastId, preview.MessageId)
		assert.Equal(t, base.Add(time.Second).UnixMilli(), preview.Timestamp)
		assert.Equal(t, model.TruncatePreview(strings.Repeat("字", 150)), preview.Text)

		none, err := store.GetLastMessage(ctx, empty)
		require.NoError(t, err)
		assert.Nil(t, none)

		previews, err := store.BatchGetLastMessage(ctx, []string{c, empty})
		require.NoError(t, err)
		assert.Len(t, previews, 1)
		assert.Equal(t, lastId, previews[c].MessageId)
	})

	t.Run("EmptyBatch", func(t *testing.T) {
		store := newStore(t)
		counts, err := store.BatchCalculateUnreadCount(context.Background(), 1, nil)
		require.NoError(t, err)
		assert.Empty(t, counts)

		previews, err := store.BatchGetLastMessage(context.Background(), nil)
		require.NoError(t, err)
		assert.Empty(t, previews)
	})
}

func TestMemory(t *testing.T) {
	runLedgerSuite(t, func(t *testing.T) appendStore { return NewMemory() })
}

func TestMemory_Fail(t *testing.T) {
	m := NewMemory()
	want := fmt.Errorf("connection refused")
	m.Fail(want)

	_, err := m.CalculateUnreadCount(context.Background(), 1, "g:1")
	assert.ErrorIs(t, err, want)
	_, err = m.BatchGetLastMessage(context.Background(), []string{"g:1"})
	assert.ErrorIs(t, err, want)
	assert.ErrorIs(t, m.Ping(context.Background()), want)
	assert.Equal(t, int64(1), m.UnreadCalls())
	assert.Equal(t, int64(1), m.PreviewCalls())

	m.Fail(nil)
	assert.NoError(t, m.Ping(context.Background()))
}

func TestDedupe(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, dedupe([]string{"a", "b", "a", "c", "b"}))
	assert.Empty(t, dedupe(nil))
}
