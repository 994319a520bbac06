package handler

import (
	"errors"
	"net/http"

	"github.com/getcharzp/go-medseg/internal/config"
	"github.com/getcharzp/go-medseg/internal/service"
	"github.com/getcharzp/go-medseg/medsam"
	"github.com/gin-gonic/gin"
)

// ModelHandler 无状态接口: 编码返回 embedding, 解码时由客户端回传
type ModelHandler struct {
	cfg      *config.Config
	pipeline *service.Pipeline
}

func NewModelHandler(cfg *config.Config, pipeline *service.Pipeline) *ModelHandler {
	return &ModelHandler{cfg: cfg, pipeline: pipeline}
}

// LoadModel 编码上传的图片
func (h *ModelHandler) LoadModel(c *gin.Context) {
	up, ok := readUpload(c, &h.cfg.Upload)
	if !ok {
		return
	}
	resp, err := h.pipeline.LoadModel(c.Request.Context(), up)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// RunModel 根据提示点/框解码
func (h *ModelHandler) RunModel(c *gin.Context) {
	var req service.RunModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求体格式错误", err)
		return
	}
	resp, err := h.pipeline.RunModel(c.Request.Context(), &req)
	if err != nil {
		// 无状态接口缺少 embedding 属于参数错误
		if errors.Is(err, medsam.ErrMissingEmbedding) {
			badRequest(c, "缺少 image_embeddings", err)
			return
		}
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
