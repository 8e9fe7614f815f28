package handler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.convstate/internal/proto"
)

type updateCall struct {
	senderId     int64
	recipientIds []int64
	convId       string
	text         string
	ts           int64
	msgId        int64
	increment    bool
	batch        bool
}

type readCall struct {
	userId        int64
	convId        string
	lastReadMsgId int64
	readAt        time.Time
}

type fakeState struct {
	mu      sync.Mutex
	updates []updateCall
	reads   []readCall
	readErr error
}

func (f *fakeState) UpdateConversation(ctx context.Context, recipientId int64, convId, text string, ts, msgId int64, incrementUnread bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, updateCall{
		recipientIds: []int64{recipientId},
		convId:       convId,
		text:         text,
		ts:           ts,
		msgId:        msgId,
		increment:    incrementUnread,
	})
}

func (f *fakeState) BatchUpdateConversation(ctx context.Context, senderId int64, recipientIds []int64, convId, text string, ts, msgId int64, incrementUnread bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, updateCall{
		senderId:     senderId,
		recipientIds: recipientIds,
		convId:       convId,
		text:         text,
		ts:           ts,
		msgId:        msgId,
		increment:    incrementUnread,
		batch:        true,
	})
}

func (f *fakeState) MarkConversationRead(ctx context.Context, userId int64, convId string, lastReadMsgId int64, readAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, readCall{userId: userId, convId: convId, lastReadMsgId: lastReadMsgId, readAt: readAt})
	return f.readErr
}

func TestHandleMessageStored(t *testing.T) {
	tests := []struct {
		name  string
		event proto.MessageStored
		want  updateCall
	}{
		{
			name:  "peer message defaults recipient to peer",
			event: proto.MessageStored{SenderId: 2001, PeerId: 1001, MessageId: 5, Text: "hi", Timestamp: 100},
			want: updateCall{
				recipientIds: []int64{1001},
				convId:       "p:1001_2001",
				text:         "hi",
				ts:           100,
				msgId:        5,
				increment:    true,
			},
		},
		{
			name: "group message fans out",
			event: proto.MessageStored{
				SenderId:     1,
				GroupId:      5001,
				RecipientIds: []int64{1, 2, 3},
				MessageId:    6,
				Text:         "hello",
				Timestamp:    200,
			},
			want: updateCall{
				senderId:     1,
				recipientIds: []int64{1, 2, 3},
				convId:       "g:5001",
				text:         "hello",
				ts:           200,
				msgId:        6,
				increment:    true,
				batch:        true,
			},
		},
		{
			name: "explicit conversation id and silent",
			event: proto.MessageStored{
				ConversationId: "sys:1",
				SenderId:       0,
				RecipientIds:   []int64{42},
				MessageId:      7,
				Text:           "notice",
				Timestamp:      300,
				Silent:         true,
			},
			want: updateCall{
				recipientIds: []int64{42},
				convId:       "sys:1",
				text:         "notice",
				ts:           300,
				msgId:        7,
			},
		},
		{
			name:  "sender as only recipient goes through batch filter",
			event: proto.MessageStored{SenderId: 9, RecipientIds: []int64{9}, GroupId: 1, MessageId: 8, Timestamp: 400},
			want: updateCall{
				senderId:     9,
				recipientIds: []int64{9},
				convId:       "g:1",
				ts:           400,
				msgId:        8,
				increment:    true,
				batch:        true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := &fakeState{}
			h := NewEventHandler(state)

			h.HandleMessageStored(context.Background(), &tt.event)

			require.Len(t, state.updates, 1)
			assert.Equal(t, tt.want, state.updates[0])
		})
	}
}

func TestHandleMessageStored_MissingConversation(t *testing.T) {
	state := &fakeState{}
	h := NewEventHandler(state)

	h.HandleMessageStored(context.Background(), &proto.MessageStored{SenderId: 1, MessageId: 2, Timestamp: 3})
	assert.Empty(t, state.updates)
}

// 缺少接收者的群消息只刷新预览，并被计数
func TestHandleMessageStored_GroupWithoutRecipients(t *testing.T) {
	state := &fakeState{}
	h := NewEventHandler(state)

	h.HandleMessageStored(context.Background(), &proto.MessageStored{SenderId: 1, GroupId: 5001, MessageId: 2, Text: "hi", Timestamp: 3})

	require.Len(t, state.updates, 1)
	assert.True(t, state.updates[0].batch)
	assert.Empty(t, state.updates[0].recipientIds)
	assert.Equal(t, "g:5001", state.updates[0].convId)
	assert.Equal(t, int64(1), h.NoRecipients())

	// 静默消息本来就不递增，不计数
	h.HandleMessageStored(context.Background(), &proto.MessageStored{SenderId: 1, GroupId: 5001, MessageId: 3, Timestamp: 4, Silent: true})
	assert.Equal(t, int64(1), h.NoRecipients())

	h.HandleMessageStored(context.Background(), &proto.MessageStored{SenderId: 1, GroupId: 5001, RecipientIds: []int64{2, 3}, MessageId: 4, Timestamp: 5})
	assert.Equal(t, int64(1), h.NoRecipients())
}

func TestHandleMessageStored_DefaultsTimestamp(t *testing.T) {
	state := &fakeState{}
	h := NewEventHandler(state)

	before := time.Now().UnixMilli()
	h.HandleMessageStored(context.Background(), &proto.MessageStored{SenderId: 1, PeerId: 2, MessageId: 3})

	require.Len(t, state.updates, 1)
	assert.GreaterOrEqual(t, state.updates[0].ts, before)
}

func TestHandleConversationRead(t *testing.T) {
	state := &fakeState{}
	h := NewEventHandler(state)

	h.HandleConversationRead(context.Background(), &proto.ConversationRead{
		UserId:        1001,
		PeerId:        2001,
		LastReadMsgId: 55,
		ReadAt:        1700000000000,
	})

	require.Len(t, state.reads, 1)
	got := state.reads[0]
	assert.Equal(t, int64(1001), got.userId)
	assert.Equal(t, "p:1001_2001", got.convId)
	assert.Equal(t, int64(55), got.lastReadMsgId)
	assert.Equal(t, int64(1700000000000), got.readAt.UnixMilli())
}

func TestHandleConversationRead_ErrorIsLogged(t *testing.T) {
	state := &fakeState{readErr: errors.New("ledger down")}
	h := NewEventHandler(state)

	h.HandleConversationRead(context.Background(), &proto.ConversationRead{UserId: 1, GroupId: 2})
	require.Len(t, state.reads, 1)
	assert.Equal(t, "g:2", state.reads[0].convId)
	assert.False(t, state.reads[0].readAt.IsZero())
}

func TestHandleConversationRead_MissingConversation(t *testing.T) {
	state := &fakeState{}
	h := NewEventHandler(state)

	h.HandleConversationRead(context.Background(), &proto.ConversationRead{UserId: 1})
	assert.Empty(t, state.reads)
}
