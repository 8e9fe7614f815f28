package service

import (
	"context"
	"time"

	"github.com/sourcegraph/conc"

	appErrors "sudooom.im.convstate/internal/errors"
	"sudooom.im.convstate/internal/hotcache"
	"sudooom.im.convstate/internal/ledger"
	"sudooom.im.convstate/internal/model"
	"sudooom.im.convstate/internal/workerpool"
)

// ConversationStateService 会话状态门面：未读数 + 最后一条消息预览
type ConversationStateService struct {
	*cacheAside
	unread  *UnreadCache
	preview *PreviewCache
	reads   ledger.ReadStateWriter
}

// NewConversationStateService 创建会话状态服务
// ldg 同时实现 ledger.ReadStateWriter 时，MarkConversationRead 会持久化已读位置
func NewConversationStateService(store *hotcache.Store, ldg ledger.Ledger, pool *workerpool.Pool, stats *Stats, opts Options) *ConversationStateService {
	base := newCacheAside(store, ldg, pool, stats, opts)
	s := &ConversationStateService{
		cacheAside: base,
		unread:     &UnreadCache{cacheAside: base},
		preview:    &PreviewCache{cacheAside: base},
	}
	if w, ok := ldg.(ledger.ReadStateWriter); ok {
		s.reads = w
	}
	return s
}

// Stats 计数器
func (s *ConversationStateService) Stats() *Stats {
	return s.stats
}

// UpdateConversation 收到新消息时更新单个接收者：可选递增未读数 + 覆盖预览，一次 Pipeline
func (s *ConversationStateService) UpdateConversation(ctx context.Context, recipientId int64, convId, text string, ts, msgId int64, incrementUnread bool) {
	ops := make([]hotcache.Op, 0, 2)
	if incrementUnread {
		ops = append(ops, hotcache.IncrementOp(hotcache.BuildUnreadKey(recipientId, convId), ts))
	}
	ops = append(ops, s.previewOp(convId, text, ts, msgId))

	s.applyUpdate(ctx, convId, msgId, ops)
}

// BatchUpdateConversation 群消息扇出：所有接收者的递增与一次预览写入放在同一个 Pipeline
// 发送者和重复的接收者在构建批次前过滤
func (s *ConversationStateService) BatchUpdateConversation(ctx context.Context, senderId int64, recipientIds []int64, convId, text string, ts, msgId int64, incrementUnread bool) {
	ops := make([]hotcache.Op, 0, len(recipientIds)+1)
	if incrementUnread {
		seen := make(map[int64]struct{}, len(recipientIds))
		for _, userId := range recipientIds {
			if userId == senderId {
				continue
			}
			if _, ok := seen[userId]; ok {
				continue
			}
			seen[userId] = struct{}{}
			ops = append(ops, hotcache.IncrementOp(hotcache.BuildUnreadKey(userId, convId), ts))
		}
	}
	ops = append(ops, s.previewOp(convId, text, ts, msgId))

	s.applyUpdate(ctx, convId, msgId, ops)
}

func (s *ConversationStateService) previewOp(convId, text string, ts, msgId int64) hotcache.Op {
	preview := model.MessagePreview{
		ConversationId: convId,
		Text:           text,
		Timestamp:      ts,
		MessageId:      msgId,
	}.Truncated()
	return s.preview.upsertOp(convId, &preview)
}

// applyUpdate 执行写批次，失败只记录
func (s *ConversationStateService) applyUpdate(ctx context.Context, convId string, msgId int64, ops []hotcache.Op) {
	results, err := s.store.ExecuteBatch(ctx, ops)
	if err != nil {
		s.stats.UpdateFailures.Add(int64(len(ops)))
		s.logger.Warn("Failed to update conversation state",
			"conversationId", convId,
			"messageId", msgId,
			"ops", len(ops),
			"error", err)
		return
	}

	var failures, ignored int
	var lastErr error
	for i, r := range results {
		if !r.OK() {
			failures++
			lastErr = r.Err
			continue
		}
		if ops[i].Kind == hotcache.OpIncrement && !r.Applied {
			ignored++
		}
	}
	if failures > 0 {
		s.stats.UpdateFailures.Add(int64(failures))
		s.logger.Warn("Conversation state partially updated",
			"conversationId", convId,
			"messageId", msgId,
			"failed", failures,
			"ops", len(ops),
			"error", lastErr)
	}
	if ignored > 0 {
		s.logger.Debug("Stale or replayed increments ignored",
			"conversationId", convId,
			"messageId", msgId,
			"ignored", ignored)
	}
}

// BatchGetConversationState 批量获取会话摘要
// 计数与预览在同一个 Pipeline 中读取；两类未命中并发回源。
// 未读数无法确定的会话不出现在结果中，只有结果为空且回源失败时返回 ErrStorageUnavailable
func (s *ConversationStateService) BatchGetConversationState(ctx context.Context, userId int64, convIds []string) (map[string]model.ConversationSummary, error) {
	convIds = uniqueIds(convIds)
	summaries := make(map[string]model.ConversationSummary, len(convIds))
	if len(convIds) == 0 {
		return summaries, nil
	}

	ops := make([]hotcache.Op, 0, len(convIds)*2)
	for _, id := range convIds {
		ops = append(ops,
			hotcache.GetFieldOp(hotcache.BuildUnreadKey(userId, id), hotcache.FieldCount),
			hotcache.GetFieldsOp(hotcache.BuildPreviewKey(id)),
		)
	}
	results, err := s.store.ExecuteBatch(ctx, ops)
	if err != nil {
		s.logger.Warn("Hot cache batch read failed, falling back to ledger",
			"userId", userId,
			"conversations", len(convIds),
			"error", err)
	}

	counts := make(map[string]int64, len(convIds))
	previews := make(map[string]model.MessagePreview, len(convIds))
	var countMisses, previewMisses []string
	if len(results) == len(ops) {
		countResults := make([]hotcache.Result, len(convIds))
		previewResults := make([]hotcache.Result, len(convIds))
		for i := range convIds {
			countResults[i] = results[2*i]
			previewResults[i] = results[2*i+1]
		}
		countMisses = s.unread.collectCounts(userId, convIds, countResults, counts)
		previewMisses = s.preview.collectPreviews(convIds, previewResults, previews)
	} else {
		countMisses, previewMisses = convIds, convIds
	}

	var countErr, previewErr error
	var wg conc.WaitGroup
	wg.Go(func() { countErr = s.unread.resolveMisses(ctx, userId, countMisses, counts) })
	wg.Go(func() { previewErr = s.preview.resolveMisses(ctx, previewMisses, previews) })
	wg.Wait()

	for _, id := range convIds {
		n, ok := counts[id]
		if !ok {
			continue
		}
		summary := model.ConversationSummary{ConversationId: id, UnreadCount: n}
		if preview, ok := previews[id]; ok {
			summary.LastMessage = &preview
		}
		summaries[id] = summary
	}

	if len(summaries) == 0 {
		if countErr != nil {
			return nil, appErrors.ErrStorageUnavailable.Wrap(countErr)
		}
		if previewErr != nil {
			return nil, appErrors.ErrStorageUnavailable.Wrap(previewErr)
		}
	}
	return summaries, nil
}

// MarkConversationRead 用户读到 lastReadMsgId：持久化已读位置并更新缓存未读数
// lastReadMsgId <= 0 表示读到最新，缓存直接清零，账本写入失败时仍清零。
// 部分已读时按账本重新计数后对齐缓存；账本写入失败则删除缓存计数，下次读取回源。
// 账本写入失败返回 ErrLedgerUnavailable
func (s *ConversationStateService) MarkConversationRead(ctx context.Context, userId int64, convId string, lastReadMsgId int64, readAt time.Time) error {
	var ledgerErr error
	if s.reads != nil {
		_, ledgerErr = callLedger(ctx, s.cacheAside, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.reads.MarkRead(ctx, userId, convId, lastReadMsgId, readAt)
		})
		if ledgerErr != nil {
			s.logger.Error("Failed to persist read state",
				"userId", userId,
				"conversationId", convId,
				"lastReadMsgId", lastReadMsgId,
				"error", ledgerErr)
		}
	}

	var readTs int64
	if !readAt.IsZero() {
		readTs = readAt.UnixMilli()
	}

	switch {
	case lastReadMsgId <= 0 || s.reads == nil:
		s.unread.ResetUnreadCountAt(ctx, userId, convId, readTs)
	case ledgerErr != nil:
		s.unread.invalidate(ctx, userId, convId)
	default:
		s.unread.recount(ctx, userId, convId, readTs)
	}
	return ledgerErr
}

// GetUnreadCount 获取单个会话未读数
func (s *ConversationStateService) GetUnreadCount(ctx context.Context, userId int64, convId string) (int64, error) {
	return s.unread.GetUnreadCount(ctx, userId, convId)
}

// BatchGetUnreadCount 批量获取未读数
func (s *ConversationStateService) BatchGetUnreadCount(ctx context.Context, userId int64, convIds []string) (map[string]int64, error) {
	return s.unread.BatchGetUnreadCount(ctx, userId, convIds)
}

// ResetUnreadCount 未读数清零
func (s *ConversationStateService) ResetUnreadCount(ctx context.Context, userId int64, convId string) {
	s.unread.ResetUnreadCount(ctx, userId, convId)
}

// ResetUnreadCountAt 未读数清零，readTs 之前的递增不再计入
func (s *ConversationStateService) ResetUnreadCountAt(ctx context.Context, userId int64, convId string, readTs int64) {
	s.unread.ResetUnreadCountAt(ctx, userId, convId, readTs)
}

// GetLastMessage 获取最后一条消息预览
func (s *ConversationStateService) GetLastMessage(ctx context.Context, convId string) (*model.MessagePreview, error) {
	return s.preview.GetLastMessage(ctx, convId)
}

// BatchGetLastMessage 批量获取最后一条消息预览
func (s *ConversationStateService) BatchGetLastMessage(ctx context.Context, convIds []string) (map[string]model.MessagePreview, error) {
	return s.preview.BatchGetLastMessage(ctx, convIds)
}

// SetLastMessage 直接写入预览
func (s *ConversationStateService) SetLastMessage(ctx context.Context, preview model.MessagePreview) {
	s.preview.SetLastMessage(ctx, preview)
}

// Ping 检查热缓存
func (s *ConversationStateService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
