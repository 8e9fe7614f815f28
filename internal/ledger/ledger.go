package ledger

import (
	"context"
	"time"

	"sudooom.im.convstate/internal/model"
)

// Ledger 持久化消息账本，热缓存未命中时回源
// 批量接口返回的 map 覆盖全部入参 id：无消息的会话计数为 0，无预览的会话不出现在结果中
type Ledger interface {
	CalculateUnreadCount(ctx context.Context, userId int64, convId string) (int64, error)
	BatchCalculateUnreadCount(ctx context.Context, userId int64, convIds []string) (map[string]int64, error)
	// GetLastMessage 会话无消息时返回 (nil, nil)
	GetLastMessage(ctx context.Context, convId string) (*model.MessagePreview, error)
	BatchGetLastMessage(ctx context.Context, convIds []string) (map[string]model.MessagePreview, error)
}

// ReadStateWriter 记录已读位置，之后的未读数从该位置重新计算
type ReadStateWriter interface {
	MarkRead(ctx context.Context, userId int64, convId string, lastReadMsgId int64, readAt time.Time) error
}

// Store 账本驱动实现的完整能力
type Store interface {
	Ledger
	ReadStateWriter
	Ping(ctx context.Context) error
	Close()
}

// Message 账本中的一条消息
type Message struct {
	Id             int64     `json:"id" bson:"_id"`
	ConversationId string    `json:"conversation_id" bson:"conversationId"`
	FromUserId     int64     `json:"from_user_id" bson:"fromUserId"`
	Content        string    `json:"content" bson:"content"`
	Status         int       `json:"status" bson:"status"`
	CreatedAt      time.Time `json:"created_at" bson:"createdAt"`
}

// 消息状态
const (
	MessageStatusNormal   = 1
	MessageStatusRecalled = 2
)

// toPreview 账本消息转为预览，时间戳为毫秒
func toPreview(msg Message) model.MessagePreview {
	return model.MessagePreview{
		ConversationId: msg.ConversationId,
		Text:           model.TruncatePreview(msg.Content),
		Timestamp:      msg.CreatedAt.UnixMilli(),
		MessageId:      msg.Id,
	}
}

// fillZero 补齐批量计数结果中缺失的会话
func fillZero(counts map[string]int64, convIds []string) map[string]int64 {
	for _, id := range convIds {
		if _, ok := counts[id]; !ok {
			counts[id] = 0
		}
	}
	return counts
}

// dedupe 去重并保持顺序
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*Mongo)(nil)
	_ Store = (*Memory)(nil)
)
