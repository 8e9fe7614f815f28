package hotcache

import "fmt"

const (
	// UnreadKeyPrefix 未读计数 Hash Key 前缀
	// Key: im:conv:unread:{userId:conversationId}
	UnreadKeyPrefix = "im:conv:unread:"

	// PreviewKeyPrefix 会话预览 Hash Key 前缀
	// Key: im:conv:preview:{conversationId}
	PreviewKeyPrefix = "im:conv:preview:"

	// seenKeySuffix 已生效时间戳集合（ZSet）后缀，与计数 Key 同槽
	seenKeySuffix = ":seen"
)

// 未读计数 Hash 字段
const (
	FieldCount   = "count"
	FieldLastTs  = "last_ts"
	FieldFloorTs = "floor_ts"
)

// 会话预览 Hash 字段
const (
	FieldText  = "text"
	FieldTs    = "ts"
	FieldMsgId = "msg_id"
	// FieldEmpty 为 "1" 表示账本中该会话没有消息
	FieldEmpty = "empty"
)

// BuildUnreadKey 构建未读计数 Key
// 花括号为 Cluster hash tag，保证计数 Key 与 seen Key 落在同一槽位
func BuildUnreadKey(userId int64, conversationId string) string {
	return fmt.Sprintf("%s{%d:%s}", UnreadKeyPrefix, userId, conversationId)
}

// BuildPreviewKey 构建会话预览 Key
func BuildPreviewKey(conversationId string) string {
	return fmt.Sprintf("%s{%s}", PreviewKeyPrefix, conversationId)
}

// buildSeenKey 由计数 Key 推导 seen Key
func buildSeenKey(unreadKey string) string {
	return unreadKey + seenKeySuffix
}
