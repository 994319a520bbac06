package handler

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/getcharzp/go-medseg/internal/config"
	"github.com/getcharzp/go-medseg/internal/report"
	"github.com/getcharzp/go-medseg/internal/service"
	"github.com/getcharzp/go-medseg/medsam"
	"github.com/getcharzp/go-medseg/overlay"
	"github.com/getcharzp/go-medseg/segment"
	"github.com/gin-gonic/gin"
)

// SessionHandler 有状态接口: 服务端保存 embedding 和 mask slot
type SessionHandler struct {
	cfg      *config.Config
	pipeline *service.Pipeline
}

func NewSessionHandler(cfg *config.Config, pipeline *service.Pipeline) *SessionHandler {
	return &SessionHandler{cfg: cfg, pipeline: pipeline}
}

// sessionInfo 会话概要
type sessionInfo struct {
	ID            string             `json:"id"`
	OrigImSize    [2]int             `json:"orig_im_size"`
	EmbeddingDims []int64            `json:"embedding_dims"`
	Current       int                `json:"current"`
	Slots         []segment.SlotView `json:"slots"`
}

// decodeResponse 一次 slot 解码的结果
type decodeResponse struct {
	Slot             int                `json:"slot"`
	Refined          bool               `json:"refined"`
	Score            float32            `json:"score"`
	Masks            medsam.Mask        `json:"masks"`
	MasksShape       []int64            `json:"masks_shape"`
	IoUPredictions   []float32          `json:"iou_predictions"`
	LowResMasksShape []int64            `json:"low_res_masks_shape"`
	Slots            []segment.SlotView `json:"slots"`
}

func newSessionInfo(ws *segment.Workspace) sessionInfo {
	info := sessionInfo{
		ID:      ws.ID,
		Current: ws.Slots().Current(),
		Slots:   ws.Slots().Slots(),
	}
	if sess, _ := ws.Image(); sess != nil {
		h, w := sess.OrigSize()
		info.OrigImSize = [2]int{h, w}
		dims := sess.Embedding().Dims
		info.EmbeddingDims = dims[:]
	}
	return info
}

func (h *SessionHandler) workspace(c *gin.Context) (*segment.Workspace, bool) {
	ws, err := h.pipeline.Sessions().Get(c.Param("id"))
	if err != nil {
		fail(c, err)
		return nil, false
	}
	return ws, true
}

func slotParam(c *gin.Context) (int, bool) {
	i, err := strconv.Atoi(c.Param("slot"))
	if err != nil || i < 0 {
		badRequest(c, "slot 参数不合法", err)
		return 0, false
	}
	return i, true
}

// Create 上传图片并创建会话
func (h *SessionHandler) Create(c *gin.Context) {
	up, ok := readUpload(c, &h.cfg.Upload)
	if !ok {
		return
	}
	ws, _, err := h.pipeline.CreateSession(c.Request.Context(), up)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, newSessionInfo(ws))
}

// Get 会话概要
func (h *SessionHandler) Get(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	success(c, newSessionInfo(ws))
}

// Delete 删除会话, 进行中的编码被取消
func (h *SessionHandler) Delete(c *gin.Context) {
	if err := h.pipeline.Sessions().Delete(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	success(c, gin.H{"id": c.Param("id")})
}

// ReplaceImage 替换图片, 所有 slot 被清空
func (h *SessionHandler) ReplaceImage(c *gin.Context) {
	up, ok := readUpload(c, &h.cfg.Upload)
	if !ok {
		return
	}
	if _, err := h.pipeline.ReplaceImage(c.Request.Context(), c.Param("id"), up); err != nil {
		fail(c, err)
		return
	}
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	success(c, newSessionInfo(ws))
}

// ListSlots 所有 slot
func (h *SessionHandler) ListSlots(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	success(c, ws.Slots().Slots())
}

// StartSlot 新建 slot 并设为当前
func (h *SessionHandler) StartSlot(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	ws.Slots().StartNewSlot()
	success(c, ws.Slots().Slots())
}

type updateSlotRequest struct {
	Name  *string `json:"name"`
	Color *string `json:"color"`
}

// UpdateSlot 修改名称或颜色
func (h *SessionHandler) UpdateSlot(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	i, ok := slotParam(c)
	if !ok {
		return
	}
	var req updateSlotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求体格式错误", err)
		return
	}
	if req.Name != nil {
		if err := ws.Slots().Rename(i, *req.Name); err != nil {
			fail(c, err)
			return
		}
	}
	if req.Color != nil {
		if err := ws.Slots().SetColor(i, *req.Color); err != nil {
			fail(c, err)
			return
		}
	}
	success(c, ws.Slots().Slots())
}

// SelectSlot 切换当前 slot
func (h *SessionHandler) SelectSlot(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	i, ok := slotParam(c)
	if !ok {
		return
	}
	if err := ws.Slots().SelectSlot(i); err != nil {
		fail(c, err)
		return
	}
	success(c, ws.Slots().Slots())
}

type visibleRequest struct {
	Visible *bool `json:"visible" binding:"required"`
}

// SetVisible 设置 slot 是否参与叠加
func (h *SessionHandler) SetVisible(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	i, ok := slotParam(c)
	if !ok {
		return
	}
	var req visibleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求体格式错误", err)
		return
	}
	if err := ws.Slots().SetVisible(i, *req.Visible); err != nil {
		fail(c, err)
		return
	}
	success(c, ws.Slots().Slots())
}

// DeleteSlot 删除 slot
func (h *SessionHandler) DeleteSlot(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	i, ok := slotParam(c)
	if !ok {
		return
	}
	if err := ws.Slots().DeleteSlot(i); err != nil {
		fail(c, err)
		return
	}
	success(c, ws.Slots().Slots())
}

// AddPoint 向当前 slot 追加归一化坐标的提示点并解码
//
// decode=false 时只记录提示点。
func (h *SessionHandler) AddPoint(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	var p segment.PointPrompt
	if err := c.ShouldBindJSON(&p); err != nil {
		badRequest(c, "请求体格式错误", err)
		return
	}
	i, err := ws.Slots().AddPoint(c.Request.Context(), p)
	if err != nil {
		fail(c, err)
		return
	}
	h.decodeAfterPrompt(c, ws, i)
}

// SetBox 为当前 slot 设置归一化坐标的框并解码
func (h *SessionHandler) SetBox(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	var b segment.BoxPrompt
	if err := c.ShouldBindJSON(&b); err != nil {
		badRequest(c, "请求体格式错误", err)
		return
	}
	i, err := ws.Slots().SetBox(c.Request.Context(), b)
	if err != nil {
		fail(c, err)
		return
	}
	h.decodeAfterPrompt(c, ws, i)
}

func (h *SessionHandler) decodeAfterPrompt(c *gin.Context, ws *segment.Workspace, slot int) {
	if c.DefaultQuery("decode", "true") == "false" {
		success(c, ws.Slots().Slots())
		return
	}
	h.decode(c, ws, slot)
}

// Undo 撤销当前 slot 的最后一个提示
func (h *SessionHandler) Undo(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	undone, err := ws.Slots().UndoLastPrompt(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	success(c, gin.H{"undone": undone, "slots": ws.Slots().Slots()})
}

type decodeRequest struct {
	Slot *int `json:"slot"`
}

// Decode 用 slot 已有的提示重新解码, 默认当前 slot
func (h *SessionHandler) Decode(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	var req decodeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "请求体格式错误", err)
			return
		}
	}
	slot := -1
	if req.Slot != nil {
		slot = *req.Slot
	}
	h.decode(c, ws, slot)
}

func (h *SessionHandler) decode(c *gin.Context, ws *segment.Workspace, slot int) {
	out, err := h.pipeline.Decode(c.Request.Context(), ws.ID, slot)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, decodeResponse{
		Slot:             out.Slot,
		Refined:          out.Refined,
		Score:            out.Result.Score,
		Masks:            out.Result.Mask,
		MasksShape:       out.Result.MaskShape,
		IoUPredictions:   out.Result.IoUPredictions,
		LowResMasksShape: out.Result.LowResShape,
		Slots:            ws.Slots().Slots(),
	})
}

// Overlay 导出可见 slot 的叠加图
//
// format: png (默认), jpeg, webp; alpha: 0~1; labels: true 时绘制名称。
func (h *SessionHandler) Overlay(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	format, err := overlay.ParseFormat(c.DefaultQuery("format", "png"))
	if err != nil {
		badRequest(c, "不支持的图片格式", err)
		return
	}
	alpha, err := strconv.ParseFloat(c.DefaultQuery("alpha", "0"), 64)
	if err != nil || alpha < 0 || alpha > 1 {
		badRequest(c, "alpha 需要在 0~1 之间", err)
		return
	}
	quality, err := strconv.Atoi(c.DefaultQuery("quality", "90"))
	if err != nil || quality < 1 || quality > 100 {
		badRequest(c, "quality 需要在 1~100 之间", err)
		return
	}

	img, err := h.pipeline.Overlay(ws, overlay.Options{
		Alpha:  alpha,
		Labels: c.Query("labels") == "true",
	})
	if err != nil {
		fail(c, err)
		return
	}
	var buf bytes.Buffer
	if err := overlay.Encode(&buf, img, format, quality); err != nil {
		fail(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`inline; filename="overlay.%s"`, format))
	c.Data(http.StatusOK, format.ContentType(), buf.Bytes())
}

// Report 根据叠加图和临床信息生成报告
func (h *SessionHandler) Report(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	var clinical report.ClinicalContext
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&clinical); err != nil {
			badRequest(c, "请求体格式错误", err)
			return
		}
	}
	rep, err := h.pipeline.Report(c.Request.Context(), ws, clinical)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, rep)
}

// Snapshot 保存会话中的 mask
func (h *SessionHandler) Snapshot(c *gin.Context) {
	ws, ok := h.workspace(c)
	if !ok {
		return
	}
	var meta service.SnapshotMeta
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&meta); err != nil {
			badRequest(c, "请求体格式错误", err)
			return
		}
	}
	seg, err := h.pipeline.Snapshot(c.Request.Context(), ws, meta)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, seg)
}
