package model

import (
	"fmt"
	"unicode/utf8"
)

const (
	// PreviewMaxRunes 预览文本最大字符数
	PreviewMaxRunes = 100
	// PreviewEllipsis 截断标记
	PreviewEllipsis = "..."
)

// UnreadCounter 未读计数（存储在 Redis，按 userId + conversationId）
type UnreadCounter struct {
	UserId         int64  `json:"user_id"`
	ConversationId string `json:"conversation_id"`
	Count          int64  `json:"count"`          // 未读数，>= 0
	LastTimestamp  int64  `json:"last_timestamp"` // 最后一次生效的递增时间戳（毫秒）
}

// MessagePreview 会话最后一条消息预览（按 conversationId，所有成员共享）
type MessagePreview struct {
	ConversationId string `json:"conversation_id"`
	Text           string `json:"text"`
	Timestamp      int64  `json:"timestamp"`            // 毫秒
	MessageId      int64  `json:"message_id,omitempty"` // 0 表示无
}

// ConversationSummary 会话摘要（读模型，不落库）
type ConversationSummary struct {
	ConversationId string          `json:"conversation_id"`
	UnreadCount    int64           `json:"unread_count"`
	LastMessage    *MessagePreview `json:"last_message,omitempty"`
}

// TruncatePreview 截断预览文本，超过 100 个字符时保留前 100 个字符并追加省略号
func TruncatePreview(text string) string {
	if utf8.RuneCountInString(text) <= PreviewMaxRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:PreviewMaxRunes]) + PreviewEllipsis
}

// Truncated 返回文本已截断的副本
func (p MessagePreview) Truncated() MessagePreview {
	p.Text = TruncatePreview(p.Text)
	return p
}

// BuildPeerConversationId 构建私聊会话 ID，与双方顺序无关
// 格式: p:{minUserId}_{maxUserId}
func BuildPeerConversationId(userId, peerId int64) string {
	if userId > peerId {
		userId, peerId = peerId, userId
	}
	return fmt.Sprintf("p:%d_%d", userId, peerId)
}

// BuildGroupConversationId 构建群聊会话 ID
// 格式: g:{groupId}
func BuildGroupConversationId(groupId int64) string {
	return fmt.Sprintf("g:%d", groupId)
}

// IsGroupConversation 是否为群聊会话
func IsGroupConversation(conversationId string) bool {
	return len(conversationId) > 2 && conversationId[0] == 'g' && conversationId[1] == ':'
}
