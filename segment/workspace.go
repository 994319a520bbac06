package segment

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/getcharzp/go-medseg/medsam"
)

// Decoder 解码器
type Decoder interface {
	Decode(ctx context.Context, req *medsam.DecodeRequest) (*medsam.DecodeResult, error)
}

// EncodeFunc 执行一次图片编码
type EncodeFunc func(ctx context.Context) (*medsam.ImageSession, error)

// Workspace 一个交互会话: 当前图片的编码结果以及其上的 mask slot
type Workspace struct {
	ID    string
	slots *Manager

	mu           sync.Mutex
	image        *medsam.ImageSession
	source       image.Image
	encodeGen    uint64
	encodeCancel context.CancelFunc

	lastUsed time.Time // 由 Store 维护
}

// NewWorkspace 创建空会话
func NewWorkspace(id string, historyCap int) *Workspace {
	return &Workspace{ID: id, slots: NewManager(historyCap)}
}

// Slots slot 管理器
func (w *Workspace) Slots() *Manager { return w.slots }

// Image 当前图片的编码结果与原图, 尚未编码时返回 nil
func (w *Workspace) Image() (*medsam.ImageSession, image.Image) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.image, w.source
}

// ReplaceImage 编码新图片并替换当前图片
//
// 正在进行的旧编码会被取消; 被更新的调用取代时返回 ErrEncodeSuperseded。
// 编码成功后所有 slot 被清空。
func (w *Workspace) ReplaceImage(ctx context.Context, src image.Image, encode EncodeFunc) (*medsam.ImageSession, error) {
	w.mu.Lock()
	if w.encodeCancel != nil {
		w.encodeCancel()
	}
	w.encodeGen++
	gen := w.encodeGen
	encCtx, cancel := context.WithCancel(ctx)
	w.encodeCancel = cancel
	w.mu.Unlock()
	defer cancel()

	sess, err := encode(encCtx)

	w.mu.Lock()
	defer w.mu.Unlock()
	if gen != w.encodeGen {
		return nil, ErrEncodeSuperseded
	}
	w.encodeCancel = nil
	if err != nil {
		return nil, err
	}
	w.image = sess
	w.source = src
	w.slots.Reset()
	return sess, nil
}

// Close 取消正在进行的编码并释放所有 slot
func (w *Workspace) Close() {
	w.mu.Lock()
	if w.encodeCancel != nil {
		w.encodeCancel()
		w.encodeCancel = nil
	}
	w.encodeGen++
	w.image = nil
	w.source = nil
	w.mu.Unlock()
	w.slots.Reset()
}

// DecodeOutcome 一次 slot 解码的结果
type DecodeOutcome struct {
	Slot    int
	Result  *medsam.DecodeResult
	Refined bool // 是否附带了上一次的低分辨率 logits
}

// Decode 用 slot 的全部提示解码, 成功后把结果压入该 slot 的历史
//
// slotIndex 小于 0 时使用当前 slot。失败时 slot 保持原状。
func (w *Workspace) Decode(ctx context.Context, dec Decoder, slotIndex int) (*DecodeOutcome, error) {
	sess, _ := w.Image()
	if sess == nil {
		return nil, medsam.ErrMissingEmbedding
	}

	var (
		s   *Slot
		err error
	)
	if slotIndex < 0 {
		slotIndex, s, err = w.slots.CurrentSlot()
	} else {
		s, err = w.slots.Slot(slotIndex)
	}
	if err != nil {
		return nil, err
	}

	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	in, err := s.beginDecode()
	if err != nil {
		return nil, err
	}
	res, refined, err := runDecode(ctx, dec, sess, in)
	if err != nil {
		if endErr := s.endDecode(nil); errors.Is(endErr, ErrSlotDeleted) {
			return nil, errors.Join(err, endErr)
		}
		return nil, err
	}

	fr := &frame{
		mask:   res.Mask,
		dims:   [2]int{res.Height(), res.Width()},
		lowRes: res.LowResMask,
		score:  res.Score,
		cursor: in.cursor,
	}
	if len(res.LowResShape) == 4 {
		fr.lowResSide = int(res.LowResShape[2])
	}
	if err := s.endDecode(fr); err != nil {
		return nil, err
	}
	return &DecodeOutcome{Slot: slotIndex, Result: res, Refined: refined}, nil
}

func runDecode(ctx context.Context, dec Decoder, sess *medsam.ImageSession, in decodeInput) (*medsam.DecodeResult, bool, error) {
	h, w := sess.OrigSize()
	points := toPixelPoints(in.points, h, w)
	newPoints := toPixelPoints(in.newPoints, h, w)

	req := &medsam.DecodeRequest{Session: sess, Points: points}
	if in.box != nil {
		req.Box = &medsam.Box{
			X0: in.box.X0 * float64(w),
			Y0: in.box.Y0 * float64(h),
			X1: in.box.X1 * float64(w),
			Y1: in.box.Y1 * float64(h),
		}
	}

	hasValidLowRes := in.hasPrev && len(in.prev.lowRes) > 0 &&
		in.prev.dims == [2]int{h, w} &&
		medsam.ValidateLowRes(in.prev.lowRes, sess.LowResSide()) == nil
	refine := WantRefine(in.prev.mask, in.prev.dims, hasValidLowRes, newPoints)

	has := float32(0)
	if refine {
		req.MaskInput = in.prev.lowRes
		has = 1
	}
	req.HasMaskInput = &has

	res, err := dec.Decode(ctx, req)
	if err != nil {
		return nil, false, err
	}
	return res, refine, nil
}

func toPixelPoints(points []PointPrompt, h, w int) []medsam.Point {
	out := make([]medsam.Point, 0, len(points))
	for _, p := range points {
		x, y := medsam.NormToPixel(p.X, p.Y, h, w)
		out = append(out, medsam.Point{X: float64(x), Y: float64(y), Label: p.Label})
	}
	return out
}
