package hotcache

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	appErrors "sudooom.im.convstate/internal/errors"
)

// Status 缓存读取结果
type Status int

const (
	// StatusHit 命中（写操作表示成功）
	StatusHit Status = iota + 1
	// StatusMiss Key 或字段不存在，属于正常的冷缓存
	StatusMiss
	// StatusError Redis 出错
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusHit:
		return "hit"
	case StatusMiss:
		return "miss"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Result 单个操作的结果：Hit(value) | Miss | Error(err)
type Result struct {
	Status  Status
	Value   string            // GetField
	Fields  map[string]string // GetFields
	Applied bool              // Increment / Fill / FillPreview
	Err     error
}

// Hit 是否命中
func (r Result) Hit() bool { return r.Status == StatusHit }

// OK 是否未出错（命中或未命中）
func (r Result) OK() bool { return r.Status != StatusError }

// Int64 以整数解析字段值
func (r Result) Int64() (int64, error) {
	return strconv.ParseInt(r.Value, 10, 64)
}

func hit(value string) Result { return Result{Status: StatusHit, Value: value} }

func miss() Result { return Result{Status: StatusMiss} }

func failed(err error) Result {
	return Result{Status: StatusError, Err: appErrors.ErrHotCacheUnavailable.Wrap(err)}
}

// Options 热缓存配置
type Options struct {
	CounterTTL   time.Duration // 未读计数 TTL
	ReplayWindow int           // 每个计数保留的已生效时间戳个数
	OpTimeout    time.Duration // 单次 Redis 调用超时
}

// Store Redis 热缓存操作
// 客户端由调用方创建并负责关闭
type Store struct {
	client redis.UniversalClient
	opts   Options
	logger *slog.Logger
}

// NewStore 创建热缓存
func NewStore(client redis.UniversalClient, opts Options) *Store {
	if opts.CounterTTL <= 0 {
		opts.CounterTTL = 7 * 24 * time.Hour
	}
	if opts.ReplayWindow <= 0 {
		opts.ReplayWindow = 256
	}
	return &Store{
		client: client,
		opts:   opts,
		logger: slog.Default(),
	}
}

// LoadScripts 预加载 Lua 脚本，Pipeline 中只发送 EVALSHA
func (s *Store) LoadScripts(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	for _, script := range allScripts {
		if err := script.Load(ctx, s.client).Err(); err != nil {
			return appErrors.ErrHotCacheUnavailable.Wrap(err)
		}
	}
	return nil
}

// Ping 检查 Redis 连接
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// GetField 读取 Hash 单个字段
func (s *Store) GetField(ctx context.Context, key, field string) Result {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return stringResult(s.client.HGet(ctx, key, field))
}

// GetFields 读取整个 Hash，空 Hash 视为未命中
func (s *Store) GetFields(ctx context.Context, key string) Result {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return mapResult(s.client.HGetAll(ctx, key))
}

// SetFields 写入 Hash 字段并刷新 TTL
func (s *Store) SetFields(ctx context.Context, key string, fields map[string]any, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	if ttl > 0 {
		pipe.PExpire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return appErrors.ErrHotCacheUnavailable.Wrap(err)
	}
	return nil
}

// RunIncrement 原子递增未读数，返回是否生效
func (s *Store) RunIncrement(ctx context.Context, unreadKey string, ts int64) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := incrementScript.Run(ctx, s.client,
		[]string{unreadKey, buildSeenKey(unreadKey)},
		ts, s.opts.CounterTTL.Milliseconds(), s.opts.ReplayWindow,
	).Int64()
	if err != nil {
		return false, appErrors.ErrHotCacheUnavailable.Wrap(err)
	}
	return n == 1, nil
}

// RunReset 未读数清零，readTs 之前的递增不再生效
func (s *Store) RunReset(ctx context.Context, unreadKey string, readTs int64) error {
	return s.RunResetTo(ctx, unreadKey, readTs, 0)
}

// RunResetTo 未读数重置为 count，用于部分已读后与账本对齐
func (s *Store) RunResetTo(ctx context.Context, unreadKey string, readTs, count int64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := resetScript.Run(ctx, s.client,
		[]string{unreadKey, buildSeenKey(unreadKey)},
		readTs, s.opts.CounterTTL.Milliseconds(), count,
	).Err()
	if err != nil {
		return appErrors.ErrHotCacheUnavailable.Wrap(err)
	}
	return nil
}

// RunFill 回写未读数，计数已存在时不覆盖，返回是否写入
func (s *Store) RunFill(ctx context.Context, unreadKey string, count, observedAt int64) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := fillScript.Run(ctx, s.client,
		[]string{unreadKey},
		count, observedAt, s.opts.CounterTTL.Milliseconds(),
	).Int64()
	if err != nil {
		return false, appErrors.ErrHotCacheUnavailable.Wrap(err)
	}
	return n == 1, nil
}

// Invalidate 删除计数及其 seen 集合，下次读取回源账本
func (s *Store) Invalidate(ctx context.Context, unreadKey string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Del(ctx, unreadKey, buildSeenKey(unreadKey)).Err(); err != nil {
		return appErrors.ErrHotCacheUnavailable.Wrap(err)
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.OpTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.OpTimeout)
}

func stringResult(cmd *redis.StringCmd) Result {
	v, err := cmd.Result()
	if errors.Is(err, redis.Nil) {
		return miss()
	}
	if err != nil {
		return failed(err)
	}
	return hit(v)
}

func mapResult(cmd *redis.MapStringStringCmd) Result {
	v, err := cmd.Result()
	if err != nil {
		return failed(err)
	}
	if len(v) == 0 {
		return miss()
	}
	return Result{Status: StatusHit, Fields: v}
}
