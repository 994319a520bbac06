package service

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/getcharzp/go-medseg/internal/cache"
	"github.com/getcharzp/go-medseg/internal/logger"
	"github.com/getcharzp/go-medseg/internal/report"
	"github.com/getcharzp/go-medseg/internal/store"
	"github.com/getcharzp/go-medseg/medsam"
	"github.com/getcharzp/go-medseg/overlay"
	"github.com/getcharzp/go-medseg/segment"
	"go.uber.org/zap"
)

var (
	// ErrReportDisabled 未配置报告模型
	ErrReportDisabled = errors.New("报告生成未启用")
	// ErrStoreDisabled 未配置快照存储
	ErrStoreDisabled = errors.New("快照存储未启用")
	// ErrNoMasks 没有可用的 mask
	ErrNoMasks = errors.New("没有可用的 mask")
)

// Model 编码器和解码器, *medsam.ModelRegistry 满足该接口
type Model interface {
	segment.Decoder
	Encode(ctx context.Context, img image.Image) (*medsam.ImageSession, error)
	Name() string
}

// Pipeline 串联模型, embedding 缓存, 会话, 快照和报告
type Pipeline struct {
	model     Model
	cache     cache.Embeddings
	sessions  *segment.Store
	snapshots *store.Store
	drafter   report.Drafter
	fontPath  string
}

// Option 可选组件
type Option func(*Pipeline)

// WithCache 启用 embedding 二级缓存
func WithCache(c cache.Embeddings) Option {
	return func(p *Pipeline) { p.cache = c }
}

// WithSnapshots 启用快照存储
func WithSnapshots(s *store.Store) Option {
	return func(p *Pipeline) { p.snapshots = s }
}

// WithDrafter 启用报告生成
func WithDrafter(d report.Drafter) Option {
	return func(p *Pipeline) { p.drafter = d }
}

// WithFontPath 叠加图标签使用的字体
func WithFontPath(path string) Option {
	return func(p *Pipeline) { p.fontPath = path }
}

// NewPipeline 创建处理流程
func NewPipeline(model Model, sessions *segment.Store, opts ...Option) *Pipeline {
	p := &Pipeline{model: model, sessions: sessions}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Model 模型
func (p *Pipeline) Model() Model { return p.model }

// Sessions 会话缓存
func (p *Pipeline) Sessions() *segment.Store { return p.sessions }

// Embed 编码图片, 优先读取缓存
//
// 缓存读写失败只记录日志, 不影响编码。
func (p *Pipeline) Embed(ctx context.Context, up *Upload) (*medsam.ImageSession, bool, error) {
	key := cache.Key(p.model.Name(), up.MD5)
	if p.cache != nil {
		sess, err := p.cache.Get(ctx, key)
		if err != nil {
			logger.Logger.Warn("failed to get embedding cache", zap.String("key", key), zap.Error(err))
		}
		if sess != nil {
			h, w := sess.OrigSize()
			b := up.Image.Bounds()
			if h == b.Dy() && w == b.Dx() {
				logger.Logger.Debug("embedding cache hit", zap.String("key", key))
				return sess, true, nil
			}
			logger.Logger.Warn("embedding cache size mismatch", zap.String("key", key))
		}
	}

	sess, err := p.model.Encode(ctx, up.Image)
	if err != nil {
		return nil, false, err
	}
	if p.cache != nil {
		if err := p.cache.Set(ctx, key, sess); err != nil {
			logger.Logger.Warn("failed to set embedding cache", zap.String("key", key), zap.Error(err))
		}
	}
	return sess, false, nil
}

func (p *Pipeline) encodeFunc(up *Upload) segment.EncodeFunc {
	return func(ctx context.Context) (*medsam.ImageSession, error) {
		sess, _, err := p.Embed(ctx, up)
		return sess, err
	}
}

// CreateSession 新建会话并编码图片
//
// 编码失败时会话会被删除。
func (p *Pipeline) CreateSession(ctx context.Context, up *Upload) (*segment.Workspace, *medsam.ImageSession, error) {
	ws := p.sessions.Create()
	sess, err := ws.ReplaceImage(ctx, up.Image, p.encodeFunc(up))
	if err != nil {
		_ = p.sessions.Delete(ws.ID)
		return nil, nil, err
	}
	logger.Logger.Info("session created",
		zap.String("session", ws.ID),
		zap.String("md5", up.MD5),
		zap.Int("width", up.Image.Bounds().Dx()),
		zap.Int("height", up.Image.Bounds().Dy()))
	return ws, sess, nil
}

// ReplaceImage 替换会话图片, 进行中的旧编码会被取消
func (p *Pipeline) ReplaceImage(ctx context.Context, id string, up *Upload) (*medsam.ImageSession, error) {
	ws, err := p.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	return ws.ReplaceImage(ctx, up.Image, p.encodeFunc(up))
}

// Decode 对会话中的 slot 解码, slot 小于 0 时使用当前 slot
func (p *Pipeline) Decode(ctx context.Context, id string, slot int) (*segment.DecodeOutcome, error) {
	ws, err := p.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	out, err := ws.Decode(ctx, p.model, slot)
	if err != nil {
		return nil, err
	}
	logger.Logger.Debug("slot decoded",
		zap.String("session", id),
		zap.Int("slot", out.Slot),
		zap.Bool("refined", out.Refined),
		zap.Float32("score", out.Result.Score),
		zap.Int("area", out.Result.Mask.Area()))
	return out, nil
}

// Overlay 把可见 slot 的 mask 叠加到原图
func (p *Pipeline) Overlay(ws *segment.Workspace, opts overlay.Options) (*image.NRGBA, error) {
	_, src := ws.Image()
	if src == nil {
		return nil, medsam.ErrMissingEmbedding
	}
	if opts.FontPath == "" {
		opts.FontPath = p.fontPath
	}
	var layers []overlay.Layer
	for _, s := range ws.Slots().Visible() {
		mask, dims := s.Mask()
		layers = append(layers, overlay.Layer{
			Mask:   mask,
			Height: dims[0],
			Width:  dims[1],
			Color:  s.Color(),
			Label:  s.Name(),
		})
	}
	return overlay.Render(src, layers, opts)
}

// Findings 统计可见 slot 的 mask
func (p *Pipeline) Findings(ws *segment.Workspace) []report.Finding {
	var out []report.Finding
	m := ws.Slots()
	for _, v := range m.Slots() {
		if !v.Visible || v.MaskArea == 0 {
			continue
		}
		s, err := m.Slot(v.Index)
		if err != nil {
			continue
		}
		mask, dims := s.Mask()
		out = append(out, report.FindingFromMask(v.Name, mask, dims[0], dims[1], v.Score))
	}
	return out
}

// Report 根据叠加图和临床信息生成报告
func (p *Pipeline) Report(ctx context.Context, ws *segment.Workspace, clinical report.ClinicalContext) (*report.Report, error) {
	if p.drafter == nil {
		return nil, ErrReportDisabled
	}
	img, err := p.Overlay(ws, overlay.Options{Labels: true})
	if err != nil {
		return nil, err
	}
	rep, err := p.drafter.Draft(ctx, &report.Request{
		Overlay:  img,
		Clinical: clinical,
		Findings: p.Findings(ws),
	})
	if err != nil {
		return nil, fmt.Errorf("生成报告失败: %w", err)
	}
	logger.Logger.Info("report drafted",
		zap.String("session", ws.ID),
		zap.String("model", rep.Model),
		zap.Int("length", len(rep.Markdown)))
	return rep, nil
}

// SnapshotMeta 快照的附加信息
type SnapshotMeta struct {
	UID         string `json:"uid"`
	PID         string `json:"pid"`
	UploadImage string `json:"uploadimage"`
}

// Snapshot 把会话中所有已有 mask 的 slot 保存为快照
func (p *Pipeline) Snapshot(ctx context.Context, ws *segment.Workspace, meta SnapshotMeta) (*store.Segmentation, error) {
	if p.snapshots == nil {
		return nil, ErrStoreDisabled
	}
	sess, _ := ws.Image()
	if sess == nil {
		return nil, medsam.ErrMissingEmbedding
	}
	h, w := sess.OrigSize()

	seg := &store.Segmentation{
		UID:         meta.UID,
		PID:         meta.PID,
		Model:       p.model.Name(),
		UploadImage: meta.UploadImage,
		OrigImSize:  [2]int{h, w},
	}
	m := ws.Slots()
	for _, v := range m.Slots() {
		s, err := m.Slot(v.Index)
		if err != nil {
			continue
		}
		mask, dims := s.Mask()
		if mask == nil || dims != [2]int{h, w} {
			continue
		}
		seg.Masks = append(seg.Masks, store.SegMask{
			Name:    v.Name,
			Color:   v.Color,
			Visible: v.Visible,
			Mask:    mask,
			Shape:   []int64{1, 1, int64(h), int64(w)},
		})
	}
	if len(seg.Masks) == 0 {
		return nil, ErrNoMasks
	}
	if err := p.snapshots.Create(ctx, seg); err != nil {
		return nil, err
	}
	logger.Logger.Info("snapshot saved",
		zap.String("sid", seg.SID),
		zap.String("pid", seg.PID),
		zap.Int("masks", len(seg.Masks)))
	return seg, nil
}

// Snapshots 快照存储, 未启用时为 nil
func (p *Pipeline) Snapshots() *store.Store { return p.snapshots }
