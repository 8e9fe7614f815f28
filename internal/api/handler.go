package api

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	appErrors "sudooom.im.convstate/internal/errors"
	"sudooom.im.convstate/internal/model"
)

// MaxBatchIds 单次批量查询的会话数上限
const MaxBatchIds = 200

// ConversationService HTTP 层依赖的会话状态操作
type ConversationService interface {
	BatchGetConversationState(ctx context.Context, userId int64, convIds []string) (map[string]model.ConversationSummary, error)
	GetUnreadCount(ctx context.Context, userId int64, convId string) (int64, error)
	GetLastMessage(ctx context.Context, convId string) (*model.MessagePreview, error)
	MarkConversationRead(ctx context.Context, userId int64, convId string, lastReadMsgId int64, readAt time.Time) error
}

// ConversationHandler 会话状态 HTTP 处理器
type ConversationHandler struct {
	service ConversationService
	logger  *slog.Logger
}

// NewConversationHandler 创建处理器
func NewConversationHandler(service ConversationService) *ConversationHandler {
	return &ConversationHandler{
		service: service,
		logger:  slog.Default(),
	}
}

// MarkReadRequest 已读请求，LastReadMsgId 为 0 表示读到最新
type MarkReadRequest struct {
	LastReadMsgId int64 `json:"last_read_msg_id"`
}

// ListConversations 批量获取会话摘要，按 ids 顺序返回
// @Summary      批量获取会话摘要
// @Description  未读数与最后一条消息预览，未读数无法确定的会话不返回
// @Tags         会话
// @Produce      json
// @Param        userId path  int64  true "用户 ID"
// @Param        ids    query string true "逗号分隔的会话 ID"
// @Success      200  {object}  Response{data=object{conversations=[]model.ConversationSummary}}
// @Failure      503  {object}  Response
// @Router       /users/{userId}/conversations [get]
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	userId, ok := parseUserId(c)
	if !ok {
		return
	}

	ids := splitIds(c.Query("ids"))
	if len(ids) == 0 {
		ErrorWithMsg(c, appErrors.CodeInvalidParams, "ids is required")
		return
	}
	if len(ids) > MaxBatchIds {
		ErrorWithMsg(c, appErrors.CodeInvalidParams, "too many ids")
		return
	}

	summaries, err := h.service.BatchGetConversationState(c.Request.Context(), userId, ids)
	if err != nil {
		h.logger.Error("Failed to get conversation state", "userId", userId, "error", err)
		ErrorFromAppError(c, err)
		return
	}

	list := make([]model.ConversationSummary, 0, len(summaries))
	for _, id := range ids {
		if s, ok := summaries[id]; ok {
			list = append(list, s)
		}
	}
	Success(c, gin.H{"conversations": list})
}

// GetUnreadCount 获取单个会话未读数
// @Summary      获取未读数
// @Tags         会话
// @Produce      json
// @Param        userId path int64  true "用户 ID"
// @Param        convId path string true "会话 ID"
// @Success      200  {object}  Response{data=object{conversation_id=string,unread_count=int64}}
// @Failure      503  {object}  Response
// @Router       /users/{userId}/conversations/{convId}/unread [get]
func (h *ConversationHandler) GetUnreadCount(c *gin.Context) {
	userId, ok := parseUserId(c)
	if !ok {
		return
	}
	convId := c.Param("convId")

	n, err := h.service.GetUnreadCount(c.Request.Context(), userId, convId)
	if err != nil {
		h.logger.Error("Failed to get unread count", "userId", userId, "conversationId", convId, "error", err)
		ErrorFromAppError(c, err)
		return
	}

	Success(c, gin.H{
		"conversation_id": convId,
		"unread_count":    n,
	})
}

// GetLastMessage 获取最后一条消息预览，无消息时 data 为 null
// @Summary      获取最后一条消息预览
// @Tags         会话
// @Produce      json
// @Param        convId path string true "会话 ID"
// @Success      200  {object}  Response{data=model.MessagePreview}
// @Failure      503  {object}  Response
// @Router       /conversations/{convId}/last-message [get]
func (h *ConversationHandler) GetLastMessage(c *gin.Context) {
	convId := c.Param("convId")

	preview, err := h.service.GetLastMessage(c.Request.Context(), convId)
	if err != nil {
		h.logger.Error("Failed to get last message", "conversationId", convId, "error", err)
		ErrorFromAppError(c, err)
		return
	}

	if preview == nil {
		Success(c, nil)
		return
	}
	Success(c, preview)
}

// MarkRead 标记会话已读
// @Summary      标记会话已读
// @Description  last_read_msg_id 为 0 或不传表示读到最新
// @Tags         会话
// @Accept       json
// @Produce      json
// @Param        userId  path int64           true  "用户 ID"
// @Param        convId  path string          true  "会话 ID"
// @Param        request body MarkReadRequest false "已读位置"
// @Success      200  {object}  Response
// @Failure      200  {object}  Response
// @Router       /users/{userId}/conversations/{convId}/read [post]
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	userId, ok := parseUserId(c)
	if !ok {
		return
	}
	convId := c.Param("convId")

	var req MarkReadRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			ErrorWithMsg(c, appErrors.CodeInvalidParams, err.Error())
			return
		}
	}
	if req.LastReadMsgId < 0 {
		ErrorWithMsg(c, appErrors.CodeInvalidParams, "invalid last_read_msg_id")
		return
	}

	if err := h.service.MarkConversationRead(c.Request.Context(), userId, convId, req.LastReadMsgId, time.Now()); err != nil {
		h.logger.Error("Failed to mark conversation read", "userId", userId, "conversationId", convId, "error", err)
		ErrorFromAppError(c, err)
		return
	}

	Success(c, nil)
}

func parseUserId(c *gin.Context) (int64, bool) {
	userId, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil || userId <= 0 {
		ErrorWithMsg(c, appErrors.CodeInvalidParams, "invalid user id")
		return 0, false
	}
	return userId, true
}

func splitIds(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		ids = append(ids, p)
	}
	return ids
}
