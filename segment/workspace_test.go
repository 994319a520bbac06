package segment

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/getcharzp/go-medseg/medsam"
)

// fakeDecoder 左半边为前景, 低分辨率 logits 的第一个值记录调用序号
type fakeDecoder struct {
	mu          sync.Mutex
	reqs        []medsam.DecodeRequest
	err         error
	delay       time.Duration
	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (f *fakeDecoder) Decode(ctx context.Context, req *medsam.DecodeRequest) (*medsam.DecodeResult, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		m := f.maxInflight.Load()
		if n <= m || f.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.reqs = append(f.reqs, *req)
	seq := len(f.reqs)
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	h, w := req.Session.OrigSize()
	mask := make(medsam.Mask, h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w/2; x++ {
			mask[y*w+x] = 1
		}
	}
	side := req.Session.LowResSide()
	low := make([]float32, side*side)
	low[0] = float32(seq)
	return &medsam.DecodeResult{
		Mask:        mask,
		MaskShape:   []int64{1, 1, int64(h), int64(w)},
		LowResMask:  low,
		LowResShape: []int64{1, 1, int64(side), int64(side)},
		Score:       0.9,
	}, nil
}

func (f *fakeDecoder) last() medsam.DecodeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

func testSession(t *testing.T) *medsam.ImageSession {
	t.Helper()
	// targetLength 64, lowRes 16
	sess, err := medsam.NewImageSession(8, 8, make([]float32, 2*4*4), []int64{1, 2, 4, 4})
	if err != nil {
		t.Fatal(err)
	}
	return sess
}

func readyWorkspace(t *testing.T) *Workspace {
	t.Helper()
	ws := NewWorkspace("test", 8)
	sess := testSession(t)
	_, err := ws.ReplaceImage(context.Background(), image.NewGray(image.Rect(0, 0, 8, 8)), func(context.Context) (*medsam.ImageSession, error) {
		return sess, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return ws
}

func fgPoint(x, y float64) PointPrompt {
	return PointPrompt{X: x, Y: y, Label: medsam.LabelForeground}
}

func TestWorkspace_DecodeMissingEmbedding(t *testing.T) {
	ws := NewWorkspace("empty", 4)
	_, _ = ws.Slots().AddPoint(context.Background(), fgPoint(0.5, 0.5))
	if _, err := ws.Decode(context.Background(), &fakeDecoder{}, -1); !errors.Is(err, medsam.ErrMissingEmbedding) {
		t.Fatalf("期望 ErrMissingEmbedding, 实际 %v", err)
	}
}

func TestWorkspace_RefinementPolicy(t *testing.T) {
	ws := readyWorkspace(t)
	dec := &fakeDecoder{}
	ctx := context.Background()
	slots := ws.Slots()

	// 第一次解码没有历史, 不附带 logits
	_, _ = slots.AddPoint(ctx, fgPoint(0.25, 0.5))
	out, err := ws.Decode(ctx, dec, -1)
	if err != nil {
		t.Fatal(err)
	}
	req := dec.last()
	if out.Refined || *req.HasMaskInput != 0 || req.MaskInput != nil {
		t.Fatal("首次解码不应附带 logits")
	}
	if len(req.Points) != 1 || req.Points[0].X != 2 || req.Points[0].Y != 4 {
		t.Fatalf("像素坐标 %+v", req.Points)
	}
	s, _ := slots.Slot(0)
	if s.State() != StateMasked {
		t.Fatalf("state = %v", s.State())
	}

	// 新前景点落在 mask 内: 细化
	_, _ = slots.AddPoint(ctx, fgPoint(0.1, 0.1))
	out, err = ws.Decode(ctx, dec, -1)
	if err != nil {
		t.Fatal(err)
	}
	req = dec.last()
	if !out.Refined || *req.HasMaskInput != 1 || len(req.MaskInput) != 256 || req.MaskInput[0] != 1 {
		t.Fatal("点在 mask 内时应附带上一次的 logits")
	}
	if len(req.Points) != 2 {
		t.Fatalf("应携带全部提示点: %d", len(req.Points))
	}

	// 新前景点落在 mask 外: 不细化
	_, _ = slots.AddPoint(ctx, fgPoint(0.9, 0.5))
	out, err = ws.Decode(ctx, dec, -1)
	if err != nil {
		t.Fatal(err)
	}
	req = dec.last()
	if out.Refined || *req.HasMaskInput != 0 || req.MaskInput != nil {
		t.Fatal("前景点在 mask 外时不应附带 logits")
	}

	// 背景点不影响细化判断
	_, _ = slots.AddPoint(ctx, PointPrompt{X: 0.9, Y: 0.9, Label: medsam.LabelBackground})
	if out, _ = ws.Decode(ctx, dec, -1); !out.Refined {
		t.Fatal("只有背景点时应细化")
	}
}

func TestWorkspace_Box(t *testing.T) {
	ws := readyWorkspace(t)
	dec := &fakeDecoder{}
	ctx := context.Background()

	_, _ = ws.Slots().SetBox(ctx, BoxPrompt{X0: 0.1, Y0: 0.2, X1: 0.5, Y1: 0.75})
	_, _ = ws.Slots().SetBox(ctx, BoxPrompt{X0: 0.25, Y0: 0.25, X1: 0.5, Y1: 0.5})
	if _, err := ws.Decode(ctx, dec, -1); err != nil {
		t.Fatal(err)
	}
	req := dec.last()
	if req.Box == nil || *req.Box != (medsam.Box{X0: 2, Y0: 2, X1: 4, Y1: 4}) {
		t.Fatalf("应使用最新的框: %+v", req.Box)
	}
	if len(req.Points) != 0 {
		t.Fatalf("points = %+v", req.Points)
	}
}

func TestWorkspace_UndoSymmetry(t *testing.T) {
	ws := readyWorkspace(t)
	dec := &fakeDecoder{}
	ctx := context.Background()
	slots := ws.Slots()

	const n = 4
	for i := 0; i < n; i++ {
		_, _ = slots.AddPoint(ctx, fgPoint(0.1, float64(i)/8))
		if _, err := ws.Decode(ctx, dec, -1); err != nil {
			t.Fatal(err)
		}
	}
	s, _ := slots.Slot(0)
	if low := s.LowRes(); low[0] != n {
		t.Fatalf("当前 logits 应来自第 %d 次解码, 实际 %v", n, low[0])
	}

	// 撤销一次回到上一帧
	if ok, err := slots.UndoLastPrompt(ctx); !ok || err != nil {
		t.Fatal(ok, err)
	}
	if low := s.LowRes(); low[0] != n-1 {
		t.Fatalf("撤销后 logits 应来自第 %d 次解码, 实际 %v", n-1, low[0])
	}

	for i := 1; i < n; i++ {
		if _, err := slots.UndoLastPrompt(ctx); err != nil {
			t.Fatal(err)
		}
	}
	mask, _ := s.Mask()
	if s.State() != StateEmpty || mask != nil || s.LowRes() != nil {
		t.Fatalf("撤销全部提示后应回到空状态: %v", s.State())
	}
	if ok, _ := slots.UndoLastPrompt(ctx); ok {
		t.Fatal("空 slot 没有可撤销内容")
	}
}

func TestWorkspace_UndoPendingPrompt(t *testing.T) {
	ws := readyWorkspace(t)
	dec := &fakeDecoder{}
	ctx := context.Background()
	slots := ws.Slots()

	_, _ = slots.AddPoint(ctx, fgPoint(0.1, 0.1))
	_, _ = ws.Decode(ctx, dec, -1)
	_, _ = slots.AddPoint(ctx, fgPoint(0.2, 0.2))
	s, _ := slots.Slot(0)
	if s.State() != StatePrompted {
		t.Fatalf("state = %v", s.State())
	}
	// 未解码的提示被撤销时保留已有结果
	_, _ = slots.UndoLastPrompt(ctx)
	if s.State() != StateMasked || s.LowRes() == nil {
		t.Fatalf("state = %v", s.State())
	}
}

func TestWorkspace_FailedDecodeKeepsSlot(t *testing.T) {
	ws := readyWorkspace(t)
	dec := &fakeDecoder{}
	ctx := context.Background()
	slots := ws.Slots()

	_, _ = slots.AddPoint(ctx, fgPoint(0.1, 0.1))
	_, _ = ws.Decode(ctx, dec, -1)
	_, _ = slots.AddPoint(ctx, fgPoint(0.2, 0.2))

	dec.err = medsam.ErrModelRuntime
	if _, err := ws.Decode(ctx, dec, -1); !errors.Is(err, medsam.ErrModelRuntime) {
		t.Fatalf("期望 ErrModelRuntime, 实际 %v", err)
	}
	s, _ := slots.Slot(0)
	if s.State() != StatePrompted || s.LowRes()[0] != 1 {
		t.Fatalf("失败的解码不应改变 slot: %v", s.State())
	}
}

func TestWorkspace_SerializesSameSlot(t *testing.T) {
	ws := readyWorkspace(t)
	dec := &fakeDecoder{delay: 5 * time.Millisecond}
	ctx := context.Background()
	_, _ = ws.Slots().AddPoint(ctx, fgPoint(0.1, 0.1))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ws.Decode(ctx, dec, 0); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if m := dec.maxInflight.Load(); m != 1 {
		t.Fatalf("同一 slot 的解码应串行, 最大并发 %d", m)
	}
	s, _ := ws.Slots().Slot(0)
	if s.history.Len() != 8 {
		t.Fatalf("history = %d", s.history.Len())
	}
}

func TestWorkspace_ParallelSlots(t *testing.T) {
	ws := readyWorkspace(t)
	dec := &fakeDecoder{delay: 50 * time.Millisecond}
	ctx := context.Background()
	slots := ws.Slots()
	slots.StartNewSlot()
	slots.StartNewSlot()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := ws.Decode(ctx, dec, i); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()
	if m := dec.maxInflight.Load(); m != 2 {
		t.Fatalf("不同 slot 应并行解码, 最大并发 %d", m)
	}
}

func TestWorkspace_DeletedDuringDecode(t *testing.T) {
	ws := readyWorkspace(t)
	dec := &fakeDecoder{delay: 50 * time.Millisecond}
	ctx := context.Background()
	_, _ = ws.Slots().AddPoint(ctx, fgPoint(0.1, 0.1))

	done := make(chan error, 1)
	go func() {
		_, err := ws.Decode(ctx, dec, 0)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	if err := ws.Slots().DeleteSlot(0); err != nil {
		t.Fatal(err)
	}
	if err := <-done; !errors.Is(err, ErrSlotDeleted) {
		t.Fatalf("期望 ErrSlotDeleted, 实际 %v", err)
	}
}

func TestWorkspace_ReplaceImageCancelsEncode(t *testing.T) {
	ws := NewWorkspace("replace", 4)
	sess := testSession(t)
	img := image.NewGray(image.Rect(0, 0, 8, 8))

	started := make(chan struct{})
	firstErr := make(chan error, 1)
	go func() {
		_, err := ws.ReplaceImage(context.Background(), img, func(ctx context.Context) (*medsam.ImageSession, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		firstErr <- err
	}()
	<-started

	got, err := ws.ReplaceImage(context.Background(), img, func(context.Context) (*medsam.ImageSession, error) {
		return sess, nil
	})
	if err != nil || got != sess {
		t.Fatalf("第二次编码失败: %v", err)
	}
	if err := <-firstErr; !errors.Is(err, ErrEncodeSuperseded) {
		t.Fatalf("期望 ErrEncodeSuperseded, 实际 %v", err)
	}
	if cur, _ := ws.Image(); cur != sess {
		t.Fatal("被取消的编码不应覆盖新图片")
	}
}

func TestWorkspace_ReplaceImageResetsSlots(t *testing.T) {
	ws := readyWorkspace(t)
	_, _ = ws.Slots().AddPoint(context.Background(), fgPoint(0.1, 0.1))
	_, err := ws.ReplaceImage(context.Background(), nil, func(context.Context) (*medsam.ImageSession, error) {
		return testSession(t), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if ws.Slots().Len() != 0 || ws.Slots().Current() != -1 {
		t.Fatal("替换图片后应清空 slot")
	}
}
