package service

import (
	"context"
	"log/slog"
	"time"

	appErrors "sudooom.im.convstate/internal/errors"
	"sudooom.im.convstate/internal/hotcache"
	"sudooom.im.convstate/internal/ledger"
	"sudooom.im.convstate/internal/workerpool"
)

// Options 缓存层配置
type Options struct {
	PreviewTTL       time.Duration // 预览 TTL，未读计数 TTL 由 hotcache.Store 管理
	LedgerTimeout    time.Duration // 单次回源超时
	WriteBackTimeout time.Duration // 单次回写超时
}

// cacheAside 未读与预览共用的依赖：热缓存、账本、回源 Pool
type cacheAside struct {
	store  *hotcache.Store
	ledger ledger.Ledger
	pool   *workerpool.Pool
	stats  *Stats
	opts   Options
	logger *slog.Logger
}

func newCacheAside(store *hotcache.Store, ldg ledger.Ledger, pool *workerpool.Pool, stats *Stats, opts Options) *cacheAside {
	if stats == nil {
		stats = &Stats{}
	}
	if opts.PreviewTTL <= 0 {
		opts.PreviewTTL = 7 * 24 * time.Hour
	}
	if opts.LedgerTimeout <= 0 {
		opts.LedgerTimeout = 3 * time.Second
	}
	if opts.WriteBackTimeout <= 0 {
		opts.WriteBackTimeout = time.Second
	}
	return &cacheAside{
		store:  store,
		ledger: ldg,
		pool:   pool,
		stats:  stats,
		opts:   opts,
		logger: slog.Default(),
	}
}

// observe 统计一次缓存读取
func (c *cacheAside) observe(res hotcache.Result) {
	switch res.Status {
	case hotcache.StatusHit:
		c.stats.CacheHits.Add(1)
	case hotcache.StatusMiss:
		c.stats.CacheMisses.Add(1)
	default:
		c.stats.CacheErrors.Add(1)
	}
}

// callLedger 在 Pool 中执行回源，带独立超时
func callLedger[T any](ctx context.Context, c *cacheAside, fn func(context.Context) (T, error)) (T, error) {
	c.stats.LedgerCalls.Add(1)

	ctx, cancel := context.WithTimeout(ctx, c.opts.LedgerTimeout)
	defer cancel()

	v, err := workerpool.Call(ctx, c.pool, fn)
	if err != nil {
		c.stats.LedgerErrors.Add(1)
		var zero T
		return zero, appErrors.ErrLedgerUnavailable.Wrap(err)
	}
	return v, nil
}

// writeBack 异步回写，不阻塞调用方，失败只记录
// 队列满时直接丢弃，下次读取会再次回源
func (c *cacheAside) writeBack(ctx context.Context, kind string, ops []hotcache.Op) {
	if len(ops) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)

	task := func() {
		wctx, cancel := context.WithTimeout(ctx, c.opts.WriteBackTimeout)
		defer cancel()

		results, err := c.store.ExecuteBatch(wctx, ops)
		if err != nil {
			c.stats.WriteBackFailures.Add(int64(len(ops)))
			c.logger.Warn("Cache write-back failed",
				"kind", kind,
				"ops", len(ops),
				"error", appErrors.ErrWriteBackFailed.Wrap(err))
			return
		}

		var failures int64
		var lastErr error
		for _, r := range results {
			if !r.OK() {
				failures++
				lastErr = r.Err
			}
		}
		c.stats.WriteBacks.Add(int64(len(results)) - failures)
		if failures > 0 {
			c.stats.WriteBackFailures.Add(failures)
			c.logger.Warn("Cache write-back partially failed",
				"kind", kind,
				"failed", failures,
				"ops", len(ops),
				"error", appErrors.ErrWriteBackFailed.Wrap(lastErr))
		}
	}

	if err := c.pool.TrySubmit(task); err != nil {
		c.stats.WriteBackDropped.Add(1)
		c.logger.Warn("Cache write-back dropped",
			"kind", kind,
			"ops", len(ops),
			"error", err)
	}
}

// uniqueIds 去重并去掉空 ID，保持顺序
func uniqueIds(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
