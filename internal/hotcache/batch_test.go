package hotcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "sudooom.im.convstate/internal/errors"
)

func TestExecuteBatch_PreservesOrder(t *testing.T) {
	store, _, _ := newTestStore(t, 16)
	ctx := context.Background()

	k1 := BuildUnreadKey(1001, "g:1")
	k2 := BuildUnreadKey(1001, "g:2")
	preview := BuildPreviewKey("g:1")
	require.NoError(t, store.SetFields(ctx, k1, map[string]any{FieldCount: 3}, time.Minute))

	results, err := store.ExecuteBatch(ctx, []Op{
		GetFieldOp(k1, FieldCount),
		GetFieldOp(k2, FieldCount),
		IncrementOp(k2, 10),
		SetFieldsOp(preview, map[string]any{FieldText: "hello", FieldTs: 10, FieldMsgId: 99}, time.Minute),
		GetFieldsOp(preview),
		GetFieldOp(k2, FieldCount),
	})
	require.NoError(t, err)
	require.Len(t, results, 6)

	assert.Equal(t, StatusHit, results[0].Status)
	assert.Equal(t, "3", results[0].Value)
	assert.Equal(t, StatusMiss, results[1].Status)
	assert.True(t, results[2].Applied)
	assert.True(t, results[3].OK())
	assert.Equal(t, "hello", results[4].Fields[FieldText])
	assert.Equal(t, "99", results[4].Fields[FieldMsgId])
	// 同一批次内后提交的读取能看到前面的递增
	assert.Equal(t, "1", results[5].Value)
}

func TestExecuteBatch_Empty(t *testing.T) {
	store, _, _ := newTestStore(t, 16)

	results, err := store.ExecuteBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestExecuteBatch_FanOutIncrements(t *testing.T) {
	store, _, _ := newTestStore(t, 16)
	ctx := context.Background()

	ops := make([]Op, 0, 200)
	for userId := int64(1); userId <= 200; userId++ {
		ops = append(ops, IncrementOp(BuildUnreadKey(userId, "g:5001"), 1000))
	}
	results, err := store.ExecuteBatch(ctx, ops)
	require.NoError(t, err)

	for i, r := range results {
		assert.Truef(t, r.Applied, "op %d not applied", i)
	}
	assert.Equal(t, int64(1), readCount(t, store, BuildUnreadKey(200, "g:5001")))
}

// 脚本缓存丢失（Redis 重启）后自动重新加载
func TestExecuteBatch_ReloadsFlushedScripts(t *testing.T) {
	store, _, client := newTestStore(t, 16)
	ctx := context.Background()
	key := BuildUnreadKey(1001, "g:5001")

	require.NoError(t, client.ScriptFlush(ctx).Err())

	results, err := store.ExecuteBatch(ctx, []Op{IncrementOp(key, 5), GetFieldOp(key, FieldCount)})
	require.NoError(t, err)
	assert.True(t, results[0].Applied)
	assert.Equal(t, "1", results[1].Value)
}

func TestExecuteBatch_PerOpErrors(t *testing.T) {
	store, m, _ := newTestStore(t, 16)
	m.SetError("ERR simulated outage")

	results, _ := store.ExecuteBatch(context.Background(), []Op{
		GetFieldOp(BuildUnreadKey(1, "g:1"), FieldCount),
		IncrementOp(BuildUnreadKey(2, "g:1"), 1),
	})
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, StatusError, r.Status)
		assert.True(t, appErrors.Is(r.Err, appErrors.ErrHotCacheUnavailable))
	}
}

func TestExecuteBatch_TransportFailure(t *testing.T) {
	store, m, _ := newTestStore(t, 16)
	m.Close()

	results, err := store.ExecuteBatch(context.Background(), []Op{
		GetFieldOp(BuildUnreadKey(1, "g:1"), FieldCount),
		GetFieldsOp(BuildPreviewKey("g:1")),
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrHotCacheUnavailable))
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, StatusError, r.Status)
	}
}

func TestResetOp_InBatch(t *testing.T) {
	store, _, _ := newTestStore(t, 16)
	ctx := context.Background()
	key := BuildUnreadKey(1001, "g:5001")

	store.RunIncrement(ctx, key, 1)
	store.RunIncrement(ctx, key, 2)

	results, err := store.ExecuteBatch(ctx, []Op{ResetOp(key, 0), GetFieldOp(key, FieldCount)})
	require.NoError(t, err)
	assert.True(t, results[0].OK())
	assert.Equal(t, "0", results[1].Value)
}

func TestFillOp_InBatch(t *testing.T) {
	store, _, _ := newTestStore(t, 16)
	ctx := context.Background()
	cold := BuildUnreadKey(1001, "g:1")
	warm := BuildUnreadKey(1001, "g:2")

	_, err := store.RunIncrement(ctx, warm, 10)
	require.NoError(t, err)

	results, err := store.ExecuteBatch(ctx, []Op{FillOp(cold, 3, 100), FillOp(warm, 8, 100)})
	require.NoError(t, err)
	assert.True(t, results[0].Applied)
	assert.False(t, results[1].Applied)
	assert.Equal(t, int64(3), readCount(t, store, cold))
	assert.Equal(t, int64(1), readCount(t, store, warm))
}

func TestResetToOp_InBatch(t *testing.T) {
	store, _, _ := newTestStore(t, 16)
	ctx := context.Background()
	key := BuildUnreadKey(1001, "g:5001")

	store.RunIncrement(ctx, key, 1)
	store.RunIncrement(ctx, key, 2)

	results, err := store.ExecuteBatch(ctx, []Op{ResetToOp(key, 2, 1), GetFieldOp(key, FieldCount)})
	require.NoError(t, err)
	assert.True(t, results[0].OK())
	assert.Equal(t, "1", results[1].Value)
}

// 回写的预览只覆盖空会话标记或更早的预览
func TestFillPreviewOp_KeepsNewerPreview(t *testing.T) {
	store, m, _ := newTestStore(t, 16)
	ctx := context.Background()
	cold := BuildPreviewKey("g:1")
	newer := BuildPreviewKey("g:2")
	older := BuildPreviewKey("g:3")
	empty := BuildPreviewKey("g:4")

	require.NoError(t, store.SetFields(ctx, newer, map[string]any{FieldText: "live", FieldTs: 200, FieldMsgId: 9, FieldEmpty: 0}, time.Minute))
	require.NoError(t, store.SetFields(ctx, older, map[string]any{FieldText: "stale", FieldTs: 50, FieldMsgId: 3, FieldEmpty: 0}, time.Minute))
	require.NoError(t, store.SetFields(ctx, empty, map[string]any{FieldText: "", FieldTs: 0, FieldMsgId: 0, FieldEmpty: 1}, time.Minute))

	results, err := store.ExecuteBatch(ctx, []Op{
		FillPreviewOp(cold, "loaded", 100, 7, 30*time.Minute),
		FillPreviewOp(newer, "loaded", 100, 7, 30*time.Minute),
		FillPreviewOp(older, "loaded", 100, 7, 30*time.Minute),
		FillPreviewOp(empty, "loaded", 100, 7, 30*time.Minute),
	})
	require.NoError(t, err)
	assert.True(t, results[0].Applied)
	assert.False(t, results[1].Applied)
	assert.True(t, results[2].Applied)
	assert.True(t, results[3].Applied)

	assert.Equal(t, "loaded", m.HGet(cold, FieldText))
	assert.Equal(t, "0", m.HGet(cold, FieldEmpty))
	assert.Equal(t, 30*time.Minute, m.TTL(cold))
	assert.Equal(t, "live", m.HGet(newer, FieldText))
	assert.Equal(t, "loaded", m.HGet(older, FieldText))
	assert.Equal(t, "0", m.HGet(empty, FieldEmpty))
}

// 空会话标记只写入不存在的 Key
func TestFillEmptyPreviewOp_OnlyColdKey(t *testing.T) {
	store, m, _ := newTestStore(t, 16)
	ctx := context.Background()
	cold := BuildPreviewKey("g:1")
	warm := BuildPreviewKey("g:2")

	require.NoError(t, store.SetFields(ctx, warm, map[string]any{FieldText: "live", FieldTs: 200, FieldMsgId: 9, FieldEmpty: 0}, time.Minute))

	results, err := store.ExecuteBatch(ctx, []Op{
		FillEmptyPreviewOp(cold, time.Minute),
		FillEmptyPreviewOp(warm, time.Minute),
	})
	require.NoError(t, err)
	assert.True(t, results[0].Applied)
	assert.False(t, results[1].Applied)
	assert.Equal(t, "1", m.HGet(cold, FieldEmpty))
	assert.Equal(t, "live", m.HGet(warm, FieldText))
}
