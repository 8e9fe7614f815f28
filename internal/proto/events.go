package proto

// ConversationEvent NATS 上的会话事件信封，Payload 中只有一个字段非空
type ConversationEvent struct {
	EventId string       `json:"EventId,omitempty"`
	Payload EventPayload `json:"Payload"`
}

// EventPayload 事件载荷
type EventPayload struct {
	MessageStored    *MessageStored    `json:"MessageStored,omitempty"`
	ConversationRead *ConversationRead `json:"ConversationRead,omitempty"`
}

// MessageStored 消息已写入账本
// ConversationId 为空时由 PeerId / GroupId 推导；私聊时 RecipientIds 可省略，默认为 PeerId。
// Timestamp 为毫秒，同时作为未读递增的去重时间戳；Silent 表示不计未读（系统消息等）
type MessageStored struct {
	ConversationId string  `json:"ConversationId,omitempty"`
	PeerId         int64   `json:"PeerId,omitempty"`
	GroupId        int64   `json:"GroupId,omitempty"`
	SenderId       int64   `json:"SenderId"`
	RecipientIds   []int64 `json:"RecipientIds,omitempty"`
	MessageId      int64   `json:"MessageId"`
	Text           string  `json:"Text"`
	Timestamp      int64   `json:"Timestamp"`
	Silent         bool    `json:"Silent,omitempty"`
}

// ConversationRead 会话已读
// ConversationId 为空时由 PeerId / GroupId 推导
type ConversationRead struct {
	UserId         int64  `json:"UserId"`
	ConversationId string `json:"ConversationId,omitempty"`
	PeerId         int64  `json:"PeerId,omitempty"`
	GroupId        int64  `json:"GroupId,omitempty"`
	LastReadMsgId  int64  `json:"LastReadMsgId"`
	ReadAt         int64  `json:"ReadAt,omitempty"` // 毫秒
}
