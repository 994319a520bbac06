package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/getcharzp/go-medseg/internal/logger"
	"github.com/getcharzp/go-medseg/internal/service"
	"github.com/getcharzp/go-medseg/internal/store"
	"github.com/getcharzp/go-medseg/medsam"
	"github.com/getcharzp/go-medseg/segment"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Response 成功响应
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{Success: true, Data: data})
}

func badRequest(c *gin.Context, message string, err error) {
	resp := ErrorResponse{Success: false, Message: message}
	if err != nil {
		resp.Error = err.Error()
	}
	c.JSON(http.StatusBadRequest, resp)
}

// errorStatus 错误类型到 HTTP 状态码, 第二个返回值为给用户的提示
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, medsam.ErrInvalidPromptShape),
		errors.Is(err, service.ErrInvalidImage),
		errors.Is(err, segment.ErrInvalidColor),
		errors.Is(err, segment.ErrInvalidName):
		return http.StatusBadRequest, "请求参数不合法"
	case errors.Is(err, segment.ErrSessionNotFound),
		errors.Is(err, segment.ErrSlotNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "资源不存在"
	case errors.Is(err, medsam.ErrMissingEmbedding):
		return http.StatusConflict, "请先上传并编码图片"
	case errors.Is(err, segment.ErrSlotDeleted),
		errors.Is(err, segment.ErrEncodeSuperseded),
		errors.Is(err, service.ErrNoMasks):
		return http.StatusConflict, "状态已变化"
	case errors.Is(err, medsam.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "推理超时"
	case errors.Is(err, service.ErrReportDisabled),
		errors.Is(err, service.ErrStoreDisabled):
		return http.StatusServiceUnavailable, "功能未启用"
	case errors.Is(err, medsam.ErrModelRuntime):
		return http.StatusInternalServerError, "模型推理失败"
	default:
		return http.StatusInternalServerError, "服务器内部错误"
	}
}

// fail 按错误类型写入错误响应
func fail(c *gin.Context, err error) {
	status, message := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err))
	}
	_ = c.Error(err)
	c.JSON(status, ErrorResponse{
		Success: false,
		Message: message,
		Error:   err.Error(),
	})
}
