package service

import "sync/atomic"

// Stats 缓存层计数器，被吞掉的失败在这里留痕
type Stats struct {
	CacheHits         atomic.Int64
	CacheMisses       atomic.Int64
	CacheErrors       atomic.Int64
	LedgerCalls       atomic.Int64
	LedgerErrors      atomic.Int64
	WriteBacks        atomic.Int64
	WriteBackFailures atomic.Int64
	WriteBackDropped  atomic.Int64
	UpdateFailures    atomic.Int64
}

// StatsSnapshot 计数器快照
type StatsSnapshot struct {
	CacheHits         int64 `json:"cache_hits"`
	CacheMisses       int64 `json:"cache_misses"`
	CacheErrors       int64 `json:"cache_errors"`
	LedgerCalls       int64 `json:"ledger_calls"`
	LedgerErrors      int64 `json:"ledger_errors"`
	WriteBacks        int64 `json:"write_backs"`
	WriteBackFailures int64 `json:"write_back_failures"`
	WriteBackDropped  int64 `json:"write_back_dropped"`
	UpdateFailures    int64 `json:"update_failures"`
}

// Snapshot 读取当前计数
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		CacheHits:         s.CacheHits.Load(),
		CacheMisses:       s.CacheMisses.Load(),
		CacheErrors:       s.CacheErrors.Load(),
		LedgerCalls:       s.LedgerCalls.Load(),
		LedgerErrors:      s.LedgerErrors.Load(),
		WriteBacks:        s.WriteBacks.Load(),
		WriteBackFailures: s.WriteBackFailures.Load(),
		WriteBackDropped:  s.WriteBackDropped.Load(),
		UpdateFailures:    s.UpdateFailures.Load(),
	}
}
