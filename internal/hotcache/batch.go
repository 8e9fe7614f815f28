package hotcache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	appErrors "sudooom.im.convstate/internal/errors"
)

// OpKind 批量操作类型
type OpKind int

const (
	OpGetField OpKind = iota + 1
	OpGetFields
	OpSetFields
	OpIncrement
	OpReset
	OpFill
	OpFillPreview
)

// Op 批量中的单个子操作
type Op struct {
	Kind      OpKind
	Key       string
	Field     string         // OpGetField
	Fields    map[string]any // OpSetFields
	TTL       time.Duration  // OpSetFields / OpFillPreview
	Timestamp int64          // OpIncrement / OpReset / OpFill / OpFillPreview
	Count     int64          // OpFill / OpReset
	Text      string         // OpFillPreview
	MessageId int64          // OpFillPreview
	Empty     bool           // OpFillPreview
}

// GetFieldOp 读取字段
func GetFieldOp(key, field string) Op {
	return Op{Kind: OpGetField, Key: key, Field: field}
}

// GetFieldsOp 读取整个 Hash
func GetFieldsOp(key string) Op {
	return Op{Kind: OpGetFields, Key: key}
}

// SetFieldsOp 写入字段并刷新 TTL
func SetFieldsOp(key string, fields map[string]any, ttl time.Duration) Op {
	return Op{Kind: OpSetFields, Key: key, Fields: fields, TTL: ttl}
}

// IncrementOp 原子递增未读数
func IncrementOp(unreadKey string, ts int64) Op {
	return Op{Kind: OpIncrement, Key: unreadKey, Timestamp: ts}
}

// ResetOp 未读数清零
func ResetOp(unreadKey string, readTs int64) Op {
	return Op{Kind: OpReset, Key: unreadKey, Timestamp: readTs}
}

// ResetToOp 未读数重置为账本计算的值
func ResetToOp(unreadKey string, readTs, count int64) Op {
	return Op{Kind: OpReset, Key: unreadKey, Timestamp: readTs, Count: count}
}

// FillOp 回写账本计算的未读数，计数已存在时不覆盖
func FillOp(unreadKey string, count, observedAt int64) Op {
	return Op{Kind: OpFill, Key: unreadKey, Count: count, Timestamp: observedAt}
}

// FillPreviewOp 回写账本读出的会话预览，已有更新的预览时不覆盖
func FillPreviewOp(previewKey, text string, ts, msgId int64, ttl time.Duration) Op {
	return Op{Kind: OpFillPreview, Key: previewKey, Text: text, Timestamp: ts, MessageId: msgId, TTL: ttl}
}

// FillEmptyPreviewOp 回写空会话标记，Key 已存在时不写
func FillEmptyPreviewOp(previewKey string, ttl time.Duration) Op {
	return Op{Kind: OpFillPreview, Key: previewKey, Empty: true, TTL: ttl}
}

// queued 一个子操作在 Pipeline 中对应的命令
type queued struct {
	op   Op
	cmds []redis.Cmder
}

// ExecuteBatch 在一个 Pipeline 中执行全部子操作，只 flush 一次
// 结果顺序与提交顺序一致。返回的 error 只表示整批失败（如连接断开），
// 单个子操作的失败体现在对应的 Result 中。
func (s *Store) ExecuteBatch(ctx context.Context, ops []Op) ([]Result, error) {
	if len(ops) == 0 {
		return []Result{}, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	results, noScript, err := s.execPipeline(ctx, ops)
	if noScript {
		// Redis 重启或 SCRIPT FLUSH 后脚本缓存丢失，重新加载后整批重试一次。
		// 脚本全部失败意味着递增未生效，其余子操作是幂等的读写。
		s.logger.Warn("Script cache missing, reloading", "ops", len(ops))
		for _, script := range allScripts {
			if lerr := script.Load(ctx, s.client).Err(); lerr != nil {
				return failAll(ops, lerr), appErrors.ErrHotCacheUnavailable.Wrap(lerr)
			}
		}
		results, _, err = s.execPipeline(ctx, ops)
	}
	return results, err
}

func (s *Store) execPipeline(ctx context.Context, ops []Op) ([]Result, bool, error) {
	pipe := s.client.Pipeline()
	entries := make([]queued, len(ops))
	for i, op := range ops {
		entries[i] = queued{op: op, cmds: s.queue(ctx, pipe, op)}
	}

	_, execErr := pipe.Exec(ctx)
	if isTransportError(execErr) {
		return failAll(ops, execErr), false, appErrors.ErrHotCacheUnavailable.Wrap(execErr)
	}

	results := make([]Result, len(entries))
	noScript := false
	for i, e := range entries {
		results[i] = collect(e)
		if e.op.isScript() {
			if redis.HasErrorPrefix(e.cmds[0].Err(), "NOSCRIPT") {
				noScript = true
			}
		}
	}
	return results, noScript, nil
}

func (s *Store) queue(ctx context.Context, pipe redis.Pipeliner, op Op) []redis.Cmder {
	switch op.Kind {
	case OpGetField:
		return []redis.Cmder{pipe.HGet(ctx, op.Key, op.Field)}
	case OpGetFields:
		return []redis.Cmder{pipe.HGetAll(ctx, op.Key)}
	case OpSetFields:
		cmds := []redis.Cmder{pipe.HSet(ctx, op.Key, op.Fields)}
		if op.TTL > 0 {
			cmds = append(cmds, pipe.PExpire(ctx, op.Key, op.TTL))
		}
		return cmds
	case OpIncrement:
		return []redis.Cmder{incrementScript.EvalSha(ctx, pipe,
			[]string{op.Key, buildSeenKey(op.Key)},
			op.Timestamp, s.opts.CounterTTL.Milliseconds(), s.opts.ReplayWindow,
		)}
	case OpReset:
		return []redis.Cmder{resetScript.EvalSha(ctx, pipe,
			[]string{op.Key, buildSeenKey(op.Key)},
			op.Timestamp, s.opts.CounterTTL.Milliseconds(), op.Count,
		)}
	case OpFill:
		return []redis.Cmder{fillScript.EvalSha(ctx, pipe,
			[]string{op.Key},
			op.Count, op.Timestamp, s.opts.CounterTTL.Milliseconds(),
		)}
	case OpFillPreview:
		empty := "0"
		if op.Empty {
			empty = "1"
		}
		return []redis.Cmder{previewFillScript.EvalSha(ctx, pipe,
			[]string{op.Key},
			op.Timestamp, op.Text, op.MessageId, empty, op.TTL.Milliseconds(),
		)}
	default:
		return nil
	}
}

func (op Op) isScript() bool {
	switch op.Kind {
	case OpIncrement, OpReset, OpFill, OpFillPreview:
		return true
	}
	return false
}

func collect(e queued) Result {
	if len(e.cmds) == 0 {
		return failed(errors.New("unknown op kind"))
	}

	switch e.op.Kind {
	case OpGetField:
		return stringResult(e.cmds[0].(*redis.StringCmd))
	case OpGetFields:
		return mapResult(e.cmds[0].(*redis.MapStringStringCmd))
	case OpSetFields:
		for _, cmd := range e.cmds {
			if err := cmd.Err(); err != nil {
				return failed(err)
			}
		}
		return Result{Status: StatusHit}
	case OpIncrement, OpFill, OpFillPreview:
		n, err := e.cmds[0].(*redis.Cmd).Int64()
		if err != nil {
			return failed(err)
		}
		return Result{Status: StatusHit, Applied: n == 1}
	case OpReset:
		if err := e.cmds[0].Err(); err != nil {
			return failed(err)
		}
		return Result{Status: StatusHit}
	}
	return failed(errors.New("unknown op kind"))
}

func failAll(ops []Op, err error) []Result {
	results := make([]Result, len(ops))
	for i := range results {
		results[i] = failed(err)
	}
	return results
}

// isTransportError Exec 返回第一个失败命令的错误；redis.Nil 与服务端回复错误只影响单个子操作
func isTransportError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	var replyErr redis.Error
	return !errors.As(err, &replyErr)
}
