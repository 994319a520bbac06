package handler

import (
	"github.com/getcharzp/go-medseg/internal/service"
	"github.com/getcharzp/go-medseg/internal/store"
	"github.com/gin-gonic/gin"
)

// SegHandler 已保存的分割快照
type SegHandler struct {
	pipeline *service.Pipeline
}

func NewSegHandler(pipeline *service.Pipeline) *SegHandler {
	return &SegHandler{pipeline: pipeline}
}

func (h *SegHandler) snapshots(c *gin.Context) (*store.Store, bool) {
	s := h.pipeline.Snapshots()
	if s == nil {
		fail(c, service.ErrStoreDisabled)
		return nil, false
	}
	return s, true
}

// List 全部快照, pid 参数按病人过滤
func (h *SegHandler) List(c *gin.Context) {
	s, ok := h.snapshots(c)
	if !ok {
		return
	}
	segs, err := s.List(c.Request.Context(), c.Query("pid"))
	if err != nil {
		fail(c, err)
		return
	}
	success(c, segs)
}

// Get 单个快照
func (h *SegHandler) Get(c *gin.Context) {
	s, ok := h.snapshots(c)
	if !ok {
		return
	}
	seg, err := s.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	success(c, seg)
}

// Create 保存客户端提交的快照
func (h *SegHandler) Create(c *gin.Context) {
	s, ok := h.snapshots(c)
	if !ok {
		return
	}
	var seg store.Segmentation
	if err := c.ShouldBindJSON(&seg); err != nil {
		badRequest(c, "请求体格式错误", err)
		return
	}
	if seg.Model == "" {
		seg.Model = h.pipeline.Model().Name()
	}
	if err := seg.Validate(); err != nil {
		badRequest(c, "快照不合法", err)
		return
	}
	if err := s.Create(c.Request.Context(), &seg); err != nil {
		fail(c, err)
		return
	}
	success(c, seg)
}
