package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"sudooom.im.convstate/internal/model"
)

type readKey struct {
	userId int64
	convId string
}

// Memory 进程内账本，用于本地开发和测试
// Fail 设置的错误会让所有读写返回该错误，模拟账本不可用
type Memory struct {
	mu       sync.RWMutex
	messages map[string][]Message
	reads    map[readKey]int64
	nextId   int64
	err      error

	unreadCalls  atomic.Int64
	previewCalls atomic.Int64
}

// NewMemory 创建进程内账本
func NewMemory() *Memory {
	return &Memory{
		messages: make(map[string][]Message),
		reads:    make(map[readKey]int64),
	}
}

// Fail 设置故障，传 nil 恢复
func (m *Memory) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// UnreadCalls 计数回源次数（单个与批量）
func (m *Memory) UnreadCalls() int64 { return m.unreadCalls.Load() }

// PreviewCalls 预览回源次数（单个与批量）
func (m *Memory) PreviewCalls() int64 { return m.previewCalls.Load() }

// AppendMessage 写入一条消息
func (m *Memory) AppendMessage(ctx context.Context, msg Message) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}

	m.nextId++
	msg.Id = m.nextId
	if msg.Status == 0 {
		msg.Status = MessageStatusNormal
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	m.messages[msg.ConversationId] = append(m.messages[msg.ConversationId], msg)
	return msg.Id, nil
}

func (m *Memory) CalculateUnreadCount(ctx context.Context, userId int64, convId string) (int64, error) {
	m.unreadCalls.Add(1)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return 0, m.err
	}
	return m.unreadLocked(userId, convId), nil
}

func (m *Memory) BatchCalculateUnreadCount(ctx context.Context, userId int64, convIds []string) (map[string]int64, error) {
	m.unreadCalls.Add(1)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}

	counts := make(map[string]int64, len(convIds))
	for _, id := range convIds {
		counts[id] = m.unreadLocked(userId, id)
	}
	return counts, nil
}

func (m *Memory) unreadLocked(userId int64, convId string) int64 {
	lastRead := m.reads[readKey{userId: userId, convId: convId}]
	var n int64
	for _, msg := range m.messages[convId] {
		if msg.FromUserId != userId && msg.Status != MessageStatusRecalled && msg.Id > lastRead {
			n++
		}
	}
	return n
}

func (m *Memory) GetLastMessage(ctx context.Context, convId string) (*model.MessagePreview, error) {
	m.previewCalls.Add(1)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}

	msg, ok := m.lastLocked(convId)
	if !ok {
		return nil, nil
	}
	preview := toPreview(msg)
	return &preview, nil
}

func (m *Memory) BatchGetLastMessage(ctx context.Context, convIds []string) (map[string]model.MessagePreview, error) {
	m.previewCalls.Add(1)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}

	previews := make(map[string]model.MessagePreview, len(convIds))
	for _, id := range convIds {
		if msg, ok := m.lastLocked(id); ok {
			previews[id] = toPreview(msg)
		}
	}
	return previews, nil
}

func (m *Memory) lastLocked(convId string) (Message, bool) {
	var last Message
	found := false
	for _, msg := range m.messages[convId] {
		if msg.Status == MessageStatusRecalled {
			continue
		}
		if !found || msg.CreatedAt.After(last.CreatedAt) ||
			(msg.CreatedAt.Equal(last.CreatedAt) && msg.Id > last.Id) {
			last = msg
			found = true
		}
	}
	return last, found
}

func (m *Memory) MarkRead(ctx context.Context, userId int64, convId string, lastReadMsgId int64, readAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}

	if lastReadMsgId <= 0 {
		for _, msg := range m.messages[convId] {
			if msg.Id > lastReadMsgId {
				lastReadMsgId = msg.Id
			}
		}
	}
	key := readKey{userId: userId, convId: convId}
	if lastReadMsgId > m.reads[key] {
		m.reads[key] = lastReadMsgId
	}
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

func (m *Memory) Close() {}
