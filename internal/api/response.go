package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	appErrors "sudooom.im.convstate/internal/errors"
)

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    appErrors.CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// ErrorWithMsg 自定义错误消息
func ErrorWithMsg(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
		Data:    nil,
	})
}

// ErrorFromAppError 从 AppError 生成错误响应
// 存储整体不可用返回 503，其余沿用 200 + 业务错误码
func ErrorFromAppError(c *gin.Context, err error) {
	status := http.StatusOK
	if appErrors.Is(err, appErrors.ErrStorageUnavailable) {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, Response{
		Code:    appErrors.GetCode(err),
		Message: appErrors.GetMessage(err),
		Data:    nil,
	})
}
