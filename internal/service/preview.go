package service

import (
	"context"
	"fmt"
	"strconv"

	appErrors "sudooom.im.convstate/internal/errors"
	"sudooom.im.convstate/internal/hotcache"
	"sudooom.im.convstate/internal/ledger"
	"sudooom.im.convstate/internal/model"
	"sudooom.im.convstate/internal/workerpool"
)

// PreviewCache 会话最后一条消息预览 cache-aside
// 账本中没有消息的会话回写 empty=1 的空会话标记，避免反复回源
type PreviewCache struct {
	*cacheAside
}

// NewPreviewCache 创建预览缓存
func NewPreviewCache(store *hotcache.Store, ldg ledger.Ledger, pool *workerpool.Pool, stats *Stats, opts Options) *PreviewCache {
	return &PreviewCache{cacheAside: newCacheAside(store, ldg, pool, stats, opts)}
}

// GetLastMessage 获取最后一条消息预览，会话无消息时返回 (nil, nil)
func (p *PreviewCache) GetLastMessage(ctx context.Context, convId string) (*model.MessagePreview, error) {
	key := hotcache.BuildPreviewKey(convId)
	if preview, ok := p.parsePreview(convId, p.store.GetFields(ctx, key)); ok {
		return preview, nil
	}

	preview, err := callLedger(ctx, p.cacheAside, func(ctx context.Context) (*model.MessagePreview, error) {
		return p.ledger.GetLastMessage(ctx, convId)
	})
	if err != nil {
		p.logger.Error("Failed to load last message",
			"conversationId", convId,
			"error", err)
		return nil, appErrors.ErrStorageUnavailable.Wrap(err)
	}

	if preview != nil {
		truncated := preview.Truncated()
		preview = &truncated
	}
	p.writeBack(ctx, "preview", []hotcache.Op{p.fillOp(convId, preview)})
	return preview, nil
}

// BatchGetLastMessage 批量获取预览，无消息的会话不出现在结果中
// 只有结果为空且回源失败时返回 ErrStorageUnavailable
func (p *PreviewCache) BatchGetLastMessage(ctx context.Context, convIds []string) (map[string]model.MessagePreview, error) {
	convIds = uniqueIds(convIds)
	previews := make(map[string]model.MessagePreview, len(convIds))
	if len(convIds) == 0 {
		return previews, nil
	}

	ops := make([]hotcache.Op, len(convIds))
	for i, id := range convIds {
		ops[i] = hotcache.GetFieldsOp(hotcache.BuildPreviewKey(id))
	}
	results, err := p.store.ExecuteBatch(ctx, ops)
	if err != nil {
		p.logger.Warn("Hot cache batch read failed, falling back to ledger",
			"conversations", len(convIds),
			"error", err)
	}

	misses := p.collectPreviews(convIds, results, previews)
	if err := p.resolveMisses(ctx, misses, previews); err != nil && len(previews) == 0 {
		return nil, appErrors.ErrStorageUnavailable.Wrap(err)
	}
	return previews, nil
}

// SetLastMessage 写入预览，先截断再写，尽力而为
func (p *PreviewCache) SetLastMessage(ctx context.Context, preview model.MessagePreview) {
	preview = preview.Truncated()
	key := hotcache.BuildPreviewKey(preview.ConversationId)
	if err := p.store.SetFields(ctx, key, previewFields(&preview), p.opts.PreviewTTL); err != nil {
		p.stats.UpdateFailures.Add(1)
		p.logger.Warn("Failed to set last message",
			"conversationId", preview.ConversationId,
			"messageId", preview.MessageId,
			"error", err)
	}
}

// upsertOp 构建实时预览写入操作，覆盖已有值（包括空会话标记）
func (p *PreviewCache) upsertOp(convId string, preview *model.MessagePreview) hotcache.Op {
	return hotcache.SetFieldsOp(hotcache.BuildPreviewKey(convId), previewFields(preview), p.opts.PreviewTTL)
}

// fillOp 构建回源回写操作，preview 为 nil 时写入空会话标记
// 不覆盖回源期间写入的更新预览
func (p *PreviewCache) fillOp(convId string, preview *model.MessagePreview) hotcache.Op {
	key := hotcache.BuildPreviewKey(convId)
	if preview == nil {
		return hotcache.FillEmptyPreviewOp(key, p.opts.PreviewTTL)
	}
	return hotcache.FillPreviewOp(key, preview.Text, preview.Timestamp, preview.MessageId, p.opts.PreviewTTL)
}

func previewFields(preview *model.MessagePreview) map[string]any {
	return map[string]any{
		hotcache.FieldText:  preview.Text,
		hotcache.FieldTs:    preview.Timestamp,
		hotcache.FieldMsgId: preview.MessageId,
		hotcache.FieldEmpty: 0,
	}
}

// parsePreview 解析缓存结果
// 返回 (nil, true) 表示已缓存的空会话标记，(_, false) 表示需要回源
func (p *PreviewCache) parsePreview(convId string, res hotcache.Result) (*model.MessagePreview, bool) {
	p.observe(res)
	switch res.Status {
	case hotcache.StatusHit:
		preview, err := decodePreview(convId, res.Fields)
		if err == nil {
			return preview, true
		}
		p.logger.Warn("Corrupt preview in cache",
			"conversationId", convId,
			"error", err)
	case hotcache.StatusMiss:
		p.logger.Debug("Preview cache miss", "conversationId", convId)
	default:
		p.logger.Warn("Preview cache error",
			"conversationId", convId,
			"error", res.Err)
	}
	return nil, false
}

// decodePreview 解析预览 Hash，空会话标记返回 (nil, nil)
// 事件可以不带消息 ID，msg_id 缺失或为 0 仍是有效预览
func decodePreview(convId string, fields map[string]string) (*model.MessagePreview, error) {
	if fields[hotcache.FieldEmpty] == "1" {
		return nil, nil
	}
	var msgId int64
	if raw := fields[hotcache.FieldMsgId]; raw != "" {
		var err error
		if msgId, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return nil, fmt.Errorf("parse msg_id: %w", err)
		}
	}
	ts, err := strconv.ParseInt(fields[hotcache.FieldTs], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse ts: %w", err)
	}
	return &model.MessagePreview{
		ConversationId: convId,
		Text:           fields[hotcache.FieldText],
		Timestamp:      ts,
		MessageId:      msgId,
	}, nil
}

// collectPreviews 合并命中项，返回需要回源的会话
func (p *PreviewCache) collectPreviews(convIds []string, results []hotcache.Result, previews map[string]model.MessagePreview) []string {
	if len(results) != len(convIds) {
		return convIds
	}
	var misses []string
	for i, id := range convIds {
		preview, ok := p.parsePreview(id, results[i])
		if !ok {
			misses = append(misses, id)
			continue
		}
		if preview != nil {
			previews[id] = *preview
		}
	}
	return misses
}

// resolveMisses 一次批量回源，结果写入 previews 并异步回写
func (p *PreviewCache) resolveMisses(ctx context.Context, misses []string, previews map[string]model.MessagePreview) error {
	if len(misses) == 0 {
		return nil
	}

	loaded, err := callLedger(ctx, p.cacheAside, func(ctx context.Context) (map[string]model.MessagePreview, error) {
		return p.ledger.BatchGetLastMessage(ctx, misses)
	})
	if err != nil {
		p.logger.Error("Failed to load last messages",
			"missing", len(misses),
			"error", err)
		return err
	}

	ops := make([]hotcache.Op, 0, len(misses))
	for _, id := range misses {
		preview, ok := loaded[id]
		if !ok {
			ops = append(ops, p.fillOp(id, nil))
			continue
		}
		preview = preview.Truncated()
		previews[id] = preview
		ops = append(ops, p.fillOp(id, &preview))
	}
	p.writeBack(ctx, "preview", ops)
	return nil
}
