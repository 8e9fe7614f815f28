package handler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"sudooom.im.convstate/internal/model"
	"sudooom.im.convstate/internal/proto"
)

// ConversationState 事件处理依赖的会话状态写操作
type ConversationState interface {
	UpdateConversation(ctx context.Context, recipientId int64, convId, text string, ts, msgId int64, incrementUnread bool)
	BatchUpdateConversation(ctx context.Context, senderId int64, recipientIds []int64, convId, text string, ts, msgId int64, incrementUnread bool)
	MarkConversationRead(ctx context.Context, userId int64, convId string, lastReadMsgId int64, readAt time.Time) error
}

// EventHandler 会话事件处理器
type EventHandler struct {
	state  ConversationState
	logger *slog.Logger

	// 没有接收者列表的群消息数，只刷新预览
	noRecipients atomic.Int64
}

// NewEventHandler 创建事件处理器
func NewEventHandler(state ConversationState) *EventHandler {
	return &EventHandler{
		state:  state,
		logger: slog.Default(),
	}
}

// HandleMessageStored 新消息：接收者未读数 +1，刷新会话预览
func (h *EventHandler) HandleMessageStored(ctx context.Context, event *proto.MessageStored) {
	convId := resolveConversationId(event.ConversationId, event.SenderId, event.PeerId, event.GroupId)
	if convId == "" {
		h.logger.Warn("Message event without conversation", "messageId", event.MessageId, "senderId", event.SenderId)
		return
	}

	ts := event.Timestamp
	if ts <= 0 {
		ts = time.Now().UnixMilli()
		h.logger.Warn("Message event without timestamp, using receive time",
			"conversationId", convId,
			"messageId", event.MessageId)
	}

	recipients := event.RecipientIds
	if len(recipients) == 0 && event.PeerId > 0 {
		recipients = []int64{event.PeerId}
	}
	if len(recipients) == 0 && event.GroupId > 0 && !event.Silent {
		h.noRecipients.Add(1)
		h.logger.Warn("Group message event without recipients, unread counts not incremented",
			"conversationId", convId,
			"messageId", event.MessageId,
			"senderId", event.SenderId)
	}
	increment := !event.Silent

	if len(recipients) == 1 && recipients[0] != event.SenderId {
		h.state.UpdateConversation(ctx, recipients[0], convId, event.Text, ts, event.MessageId, increment)
	} else {
		h.state.BatchUpdateConversation(ctx, event.SenderId, recipients, convId, event.Text, ts, event.MessageId, increment)
	}

	h.logger.Debug("Conversation updated",
		"conversationId", convId,
		"messageId", event.MessageId,
		"recipients", len(recipients))
}

// NoRecipients 没有接收者列表、未递增任何未读数的群消息事件数
func (h *EventHandler) NoRecipients() int64 {
	return h.noRecipients.Load()
}

// HandleConversationRead 会话已读：持久化已读位置并更新未读数
func (h *EventHandler) HandleConversationRead(ctx context.Context, event *proto.ConversationRead) {
	convId := resolveConversationId(event.ConversationId, event.UserId, event.PeerId, event.GroupId)
	if convId == "" {
		h.logger.Warn("Read event without conversation", "userId", event.UserId)
		return
	}

	var readAt time.Time
	if event.ReadAt > 0 {
		readAt = time.UnixMilli(event.ReadAt)
	} else {
		readAt = time.Now()
	}

	if err := h.state.MarkConversationRead(ctx, event.UserId, convId, event.LastReadMsgId, readAt); err != nil {
		h.logger.Error("Failed to mark conversation read", "userId", event.UserId, "conversationId", convId, "error", err)
		return
	}
	h.logger.Debug("Conversation marked read",
		"userId", event.UserId,
		"conversationId", convId,
		"lastReadMsgId", event.LastReadMsgId)
}

// resolveConversationId 优先使用显式会话 ID，否则由私聊对端或群 ID 推导
func resolveConversationId(convId string, userId, peerId, groupId int64) string {
	switch {
	case convId != "":
		return convId
	case groupId > 0:
		return model.BuildGroupConversationId(groupId)
	case peerId > 0:
		return model.BuildPeerConversationId(userId, peerId)
	default:
		return ""
	}
}
