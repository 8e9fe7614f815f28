package service

import (
	"context"
	"time"

	appErrors "sudooom.im.convstate/internal/errors"
	"sudooom.im.convstate/internal/hotcache"
	"sudooom.im.convstate/internal/ledger"
	"sudooom.im.convstate/internal/workerpool"
)

// UnreadCache 未读计数 cache-aside
type UnreadCache struct {
	*cacheAside
}

// NewUnreadCache 创建未读计数缓存
func NewUnreadCache(store *hotcache.Store, ldg ledger.Ledger, pool *workerpool.Pool, stats *Stats, opts Options) *UnreadCache {
	return &UnreadCache{cacheAside: newCacheAside(store, ldg, pool, stats, opts)}
}

// GetUnreadCount 获取未读数
// 缓存命中直接返回；未命中或缓存出错时回源账本并异步回写；账本也失败返回 ErrStorageUnavailable
func (u *UnreadCache) GetUnreadCount(ctx context.Context, userId int64, convId string) (int64, error) {
	key := hotcache.BuildUnreadKey(userId, convId)
	if n, ok := u.parseCount(userId, convId, u.store.GetField(ctx, key, hotcache.FieldCount)); ok {
		return n, nil
	}

	observedAt := time.Now().UnixMilli()
	n, err := callLedger(ctx, u.cacheAside, func(ctx context.Context) (int64, error) {
		return u.ledger.CalculateUnreadCount(ctx, userId, convId)
	})
	if err != nil {
		u.logger.Error("Failed to load unread count",
			"userId", userId,
			"conversationId", convId,
			"error", err)
		return 0, appErrors.ErrStorageUnavailable.Wrap(err)
	}

	u.writeBack(ctx, "unread", []hotcache.Op{hotcache.FillOp(key, n, observedAt)})
	return n, nil
}

// BatchGetUnreadCount 批量获取未读数
// 一次 Pipeline 读取，未命中的会话一次批量回源。部分结果视为成功，
// 只有结果为空且回源失败时返回 ErrStorageUnavailable
func (u *UnreadCache) BatchGetUnreadCount(ctx context.Context, userId int64, convIds []string) (map[string]int64, error) {
	convIds = uniqueIds(convIds)
	counts := make(map[string]int64, len(convIds))
	if len(convIds) == 0 {
		return counts, nil
	}

	ops := make([]hotcache.Op, len(convIds))
	for i, id := range convIds {
		ops[i] = hotcache.GetFieldOp(hotcache.BuildUnreadKey(userId, id), hotcache.FieldCount)
	}
	results, err := u.store.ExecuteBatch(ctx, ops)
	if err != nil {
		u.logger.Warn("Hot cache batch read failed, falling back to ledger",
			"userId", userId,
			"conversations", len(convIds),
			"error", err)
	}

	misses := u.collectCounts(userId, convIds, results, counts)
	if err := u.resolveMisses(ctx, userId, misses, counts); err != nil && len(counts) == 0 {
		return nil, appErrors.ErrStorageUnavailable.Wrap(err)
	}
	return counts, nil
}

// ResetUnreadCount 未读数清零，尽力而为
func (u *UnreadCache) ResetUnreadCount(ctx context.Context, userId int64, convId string) {
	u.ResetUnreadCountAt(ctx, userId, convId, 0)
}

// ResetUnreadCountAt 未读数清零，readTs 及之前的递增事件不再计入
func (u *UnreadCache) ResetUnreadCountAt(ctx context.Context, userId int64, convId string, readTs int64) {
	key := hotcache.BuildUnreadKey(userId, convId)
	if err := u.store.RunReset(ctx, key, readTs); err != nil {
		u.stats.UpdateFailures.Add(1)
		u.logger.Warn("Failed to reset unread count",
			"userId", userId,
			"conversationId", convId,
			"error", err)
	}
}

// recount 部分已读后按账本重新计数，并把缓存重置为该值
// floor_ts 抬到 max(readTs, 账本读取时刻)，账本已计入的消息事件迟到时不重复计数
func (u *UnreadCache) recount(ctx context.Context, userId int64, convId string, readTs int64) {
	key := hotcache.BuildUnreadKey(userId, convId)
	observedAt := time.Now().UnixMilli()
	n, err := callLedger(ctx, u.cacheAside, func(ctx context.Context) (int64, error) {
		return u.ledger.CalculateUnreadCount(ctx, userId, convId)
	})
	if err != nil {
		u.logger.Warn("Failed to recount unread after partial read",
			"userId", userId,
			"conversationId", convId,
			"error", err)
		u.invalidate(ctx, userId, convId)
		return
	}

	if err := u.store.RunResetTo(ctx, key, max(readTs, observedAt), n); err != nil {
		u.stats.UpdateFailures.Add(1)
		u.logger.Warn("Failed to align unread count",
			"userId", userId,
			"conversationId", convId,
			"count", n,
			"error", err)
	}
}

// invalidate 删除缓存计数，下次读取回源账本
func (u *UnreadCache) invalidate(ctx context.Context, userId int64, convId string) {
	if err := u.store.Invalidate(ctx, hotcache.BuildUnreadKey(userId, convId)); err != nil {
		u.stats.UpdateFailures.Add(1)
		u.logger.Warn("Failed to invalidate unread count",
			"userId", userId,
			"conversationId", convId,
			"error", err)
	}
}

// parseCount 解析缓存结果，false 表示需要回源
func (u *UnreadCache) parseCount(userId int64, convId string, res hotcache.Result) (int64, bool) {
	u.observe(res)
	switch res.Status {
	case hotcache.StatusHit:
		n, err := res.Int64()
		if err == nil {
			return n, true
		}
		u.logger.Warn("Corrupt unread counter in cache",
			"userId", userId,
			"conversationId", convId,
			"value", res.Value)
	case hotcache.StatusMiss:
		u.logger.Debug("Unread counter cache miss",
			"userId", userId,
			"conversationId", convId)
	default:
		u.logger.Warn("Unread counter cache error",
			"userId", userId,
			"conversationId", convId,
			"error", res.Err)
	}
	return 0, false
}

// collectCounts 合并命中项，返回需要回源的会话
// results 与 convIds 一一对应；长度不符时全部视为未命中
func (u *UnreadCache) collectCounts(userId int64, convIds []string, results []hotcache.Result, counts map[string]int64) []string {
	if len(results) != len(convIds) {
		return convIds
	}
	var misses []string
	for i, id := range convIds {
		if n, ok := u.parseCount(userId, id, results[i]); ok {
			counts[id] = n
		} else {
			misses = append(misses, id)
		}
	}
	return misses
}

// resolveMisses 一次批量回源，结果写入 counts 并异步回写
func (u *UnreadCache) resolveMisses(ctx context.Context, userId int64, misses []string, counts map[string]int64) error {
	if len(misses) == 0 {
		return nil
	}

	observedAt := time.Now().UnixMilli()
	loaded, err := callLedger(ctx, u.cacheAside, func(ctx context.Context) (map[string]int64, error) {
		return u.ledger.BatchCalculateUnreadCount(ctx, userId, misses)
	})
	if err != nil {
		u.logger.Error("Failed to load unread counts",
			"userId", userId,
			"missing", len(misses),
			"error", err)
		return err
	}

	ops := make([]hotcache.Op, 0, len(loaded))
	for _, id := range misses {
		n, ok := loaded[id]
		if !ok {
			continue
		}
		counts[id] = n
		ops = append(ops, hotcache.FillOp(hotcache.BuildUnreadKey(userId, id), n, observedAt))
	}
	u.writeBack(ctx, "unread", ops)
	return nil
}
