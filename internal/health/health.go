package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"sudooom.im.convstate/internal/service"
)

const (
	StateConnected    = "connected"
	StateDisconnected = "disconnected"
)

// Pinger 可探活的依赖（Redis、账本）
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnState 长连接状态（NATS）
type ConnState interface {
	IsConnected() bool
}

// Status 健康状态
type Status struct {
	NATS   string                 `json:"nats"`
	Redis  string                 `json:"redis"`
	Ledger string                 `json:"ledger"`
	Stats  *service.StatsSnapshot `json:"stats,omitempty"`
	Queue  *QueueStatus           `json:"queue,omitempty"`
}

// QueueStatus 队列积压情况
type QueueStatus struct {
	PoolPending        int   `json:"pool_pending"`
	EventsPending      int   `json:"events_pending"`
	EventsDropped      int64 `json:"events_dropped"`
	EventsNoRecipients int64 `json:"events_no_recipients"` // 没有接收者列表的群消息
}

// Ready 可以对外服务：NATS 在线，且热缓存与账本至少一个可用
func (s *Status) Ready() bool {
	return s.NATS == StateConnected &&
		(s.Redis == StateConnected || s.Ledger == StateConnected)
}

// Checker 健康检查器
type Checker struct {
	nats   ConnState
	cache  Pinger
	ledger Pinger
	stats  *service.Stats
	queue  func() QueueStatus
}

// NewChecker 创建健康检查器
func NewChecker(nats ConnState, cache, ledger Pinger, stats *service.Stats) *Checker {
	return &Checker{
		nats:   nats,
		cache:  cache,
		ledger: ledger,
		stats:  stats,
	}
}

// WithQueue 附加队列积压信息
func (h *Checker) WithQueue(fn func() QueueStatus) *Checker {
	h.queue = fn
	return h
}

// Check 执行健康检查
func (h *Checker) Check(ctx context.Context) *Status {
	status := &Status{
		NATS:   StateDisconnected,
		Redis:  ping(ctx, h.cache),
		Ledger: ping(ctx, h.ledger),
	}

	if h.nats != nil && h.nats.IsConnected() {
		status.NATS = StateConnected
	}
	if h.stats != nil {
		snap := h.stats.Snapshot()
		status.Stats = &snap
	}
	if h.queue != nil {
		q := h.queue()
		status.Queue = &q
	}

	return status
}

func ping(ctx context.Context, p Pinger) string {
	if p == nil {
		return StateDisconnected
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := p.Ping(ctx); err != nil {
		return StateDisconnected
	}
	return StateConnected
}

// IsHealthy 检查是否可以对外服务
func (h *Checker) IsHealthy(ctx context.Context) bool {
	return h.Check(ctx).Ready()
}

// ServeHTTP HTTP 健康检查端点
func (h *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if status.Ready() {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// ServeReady 就绪探针，只返回 OK / Not Ready
func (h *Checker) ServeReady(w http.ResponseWriter, r *http.Request) {
	if h.IsHealthy(r.Context()) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Not Ready"))
	}
}
