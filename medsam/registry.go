package medsam

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"
)

// ModelRegistry 进程内唯一的模型句柄, 启动时创建一次并注入到各处理器
type ModelRegistry struct {
	runtime   Runtime
	config    Config
	semaphore chan struct{}
}

// NewModelRegistry 使用 ONNX Runtime 加载模型
func NewModelRegistry(cfg Config) (*ModelRegistry, error) {
	rt, err := NewOnnxRuntime(cfg)
	if err != nil {
		return nil, err
	}
	return NewModelRegistryWithRuntime(cfg, rt), nil
}

// NewModelRegistryWithRuntime 使用给定的运行时
func NewModelRegistryWithRuntime(cfg Config, rt Runtime) *ModelRegistry {
	n := cfg.MaxConcurrent
	if n <= 0 {
		n = 1
	}
	return &ModelRegistry{
		runtime:   rt,
		config:    cfg,
		semaphore: make(chan struct{}, n),
	}
}

// Name 模型名
func (r *ModelRegistry) Name() string { return r.config.Name }

// Destroy 释放相关资源
func (r *ModelRegistry) Destroy() error {
	if r.runtime == nil {
		return nil
	}
	return r.runtime.Destroy()
}

// Encode 图像特征提取, 每张图片只需要一次
func (r *ModelRegistry) Encode(ctx context.Context, img image.Image) (*ImageSession, error) {
	bounds := img.Bounds()
	origW, origH := bounds.Dx(), bounds.Dy()
	if origW <= 0 || origH <= 0 {
		return nil, fmt.Errorf("%w: 图片尺寸为空", ErrInvalidPromptShape)
	}

	input, err := encoderInput(img, r.config.Preprocess, r.config.InputSize)
	if err != nil {
		return nil, fmt.Errorf("预处理失败: %w", err)
	}

	var emb Tensor
	err = r.invoke(ctx, r.config.EncodeTimeout, func(ctx context.Context) error {
		var runErr error
		emb, runErr = r.runtime.Encode(ctx, input)
		return runErr
	})
	if err != nil {
		return nil, err
	}

	sess, err := NewImageSession(origH, origW, emb.Data, emb.Shape)
	if err != nil {
		return nil, fmt.Errorf("%w: encoder 输出不合法: %v", ErrModelRuntime, err)
	}
	return sess, nil
}

// DecodeRequest 一次解码请求, 坐标均为原图像素坐标
type DecodeRequest struct {
	Session *ImageSession
	Points  []Point
	Box     *Box

	// MaskInput 上一次的低分辨率 logits, 可为 nil
	MaskInput []float32
	// HasMaskInput 为 nil 时按 MaskInput 是否非零推断
	HasMaskInput *float32
}

// DecodeResult 解码结果
type DecodeResult struct {
	Mask           Mask    // [H*W] 0/1
	MaskShape      []int64 // [1, 1, H, W]
	IoUPredictions []float32
	IoUShape       []int64
	LowResMask     []float32 // [L*L]
	LowResShape    []int64   // [1, 1, L, L]
	Score          float32   // 选中 mask 的 IoU 预测
	UsedMaskInput  bool      // 是否附带了细化输入
}

// Height 原图高
func (r *DecodeResult) Height() int { return int(r.MaskShape[2]) }

// Width 原图宽
func (r *DecodeResult) Width() int { return int(r.MaskShape[3]) }

// Decode 组装解码器输入, 调用模型并将 logits 二值化
func (r *ModelRegistry) Decode(ctx context.Context, req *DecodeRequest) (*DecodeResult, error) {
	if req == nil || req.Session == nil {
		return nil, ErrMissingEmbedding
	}
	feeds, maskIn, err := BuildFeeds(req)
	if err != nil {
		return nil, err
	}

	var out *DecoderOutputs
	err = r.invoke(ctx, r.config.DecodeTimeout, func(ctx context.Context) error {
		var runErr error
		out, runErr = r.runtime.Decode(ctx, feeds)
		return runErr
	})
	if err != nil {
		return nil, err
	}

	origH, origW := req.Session.OrigSize()
	res, err := postprocess(out, req.Session.Transform(), origH, origW)
	if err != nil {
		return nil, err
	}
	res.UsedMaskInput = maskIn.Attached()
	return res, nil
}

// BuildFeeds 校验请求并生成解码器输入, 形状错误在调用模型前返回 ErrInvalidPromptShape
func BuildFeeds(req *DecodeRequest) (*DecoderFeeds, MaskInput, error) {
	sess := req.Session
	tf := sess.Transform()
	prompts, err := AssemblePrompts(req.Points, req.Box, tf)
	if err != nil {
		return nil, MaskInput{}, err
	}

	side := sess.LowResSide()
	// 不合法的低分辨率 mask 只会退化为不附带细化输入
	maskIn, _ := ResolveMaskInput(req.MaskInput, side, req.HasMaskInput)

	origH, origW := sess.OrigSize()
	emb := sess.Embedding()
	n := int64(prompts.NumPoints())
	feeds := &DecoderFeeds{
		ImageEmbeddings: Tensor{Data: emb.Data, Shape: emb.Dims[:]},
		PointCoords:     Tensor{Data: prompts.Coords, Shape: []int64{1, n, 2}},
		PointLabels:     Tensor{Data: prompts.Labels, Shape: []int64{1, n}},
		Boxes:           Tensor{Data: prompts.Boxes, Shape: []int64{1, int64(prompts.NumBoxes()), 4}},
		MaskInput:       Tensor{Data: maskIn.Data, Shape: []int64{1, 1, int64(side), int64(side)}},
		HasMaskInput:    Tensor{Data: []float32{maskIn.Has}, Shape: []int64{1}},
		OrigImSize:      Tensor{Data: []float32{float32(origH), float32(origW)}, Shape: []int64{2}},
	}
	return feeds, maskIn, nil
}

// postprocess 选择最佳 mask, 还原到原图尺寸并二值化
func postprocess(out *DecoderOutputs, tf Transform, origH, origW int) (*DecodeResult, error) {
	if out == nil || len(out.Masks.Shape) != 4 {
		return nil, fmt.Errorf("%w: masks 输出形状不合法", ErrModelRuntime)
	}
	numMasks := int(out.Masks.Shape[1])
	mh, mw := int(out.Masks.Shape[2]), int(out.Masks.Shape[3])
	if numMasks <= 0 || len(out.Masks.Data) != numMasks*mh*mw {
		return nil, fmt.Errorf("%w: masks 数据长度 %d 与形状 %v 不一致", ErrModelRuntime, len(out.Masks.Data), out.Masks.Shape)
	}

	scores := out.IoUPredictions.Data
	best := 0
	if len(scores) == numMasks {
		best = bestMaskIndex(scores)
	}
	logits := out.Masks.Data[best*mh*mw : (best+1)*mh*mw]

	var mask Mask
	if mh == origH && mw == origW {
		mask = Binarize(logits)
	} else {
		// 解码器未做原图后处理时, 输出覆盖的是补零后的方形输入
		newH, newW := tf.ResizedSize()
		target := float64(tf.TargetLength())
		validW := int(float64(newW) * float64(mw) / target)
		validH := int(float64(newH) * float64(mh) / target)
		mask = upscaleMaskLogits(logits, mw, validW, validH, origW, origH)
	}

	res := &DecodeResult{
		Mask:           mask,
		MaskShape:      []int64{1, 1, int64(origH), int64(origW)},
		IoUPredictions: scores,
		IoUShape:       out.IoUPredictions.Shape,
	}
	if len(scores) > best {
		res.Score = scores[best]
	}

	if lr := out.LowResMasks; len(lr.Shape) == 4 && lr.Shape[1] > 0 {
		lh, lw := int(lr.Shape[2]), int(lr.Shape[3])
		if len(lr.Data) == int(lr.Shape[1])*lh*lw {
			k := min(best, int(lr.Shape[1])-1)
			res.LowResMask = lr.Data[k*lh*lw : (k+1)*lh*lw]
			res.LowResShape = []int64{1, 1, int64(lh), int64(lw)}
		}
	}
	return res, nil
}

// invoke 在并发上限和超时约束下调用模型
//
// 模型调用本身无法中断, 超时后直接返回 ErrTimeout, 后台调用结束后才释放并发名额。
func (r *ModelRegistry) invoke(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	queueCtx := ctx
	if r.config.QueueTimeout > 0 {
		var cancel context.CancelFunc
		queueCtx, cancel = context.WithTimeout(ctx, r.config.QueueTimeout)
		defer cancel()
	}
	select {
	case r.semaphore <- struct{}{}:
	case <-queueCtx.Done():
		if ctx.Err() != nil {
			return classifyCtxErr(ctx.Err())
		}
		return fmt.Errorf("%w: 推理队列已满", ErrTimeout)
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() { <-r.semaphore }()
		done <- fn(runCtx)
	}()

	return awaitResult(runCtx, done)
}

// awaitResult 等待模型调用结束, 超时与完成同时就绪时以调用结果为准
func awaitResult(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return runResult(err)
	case <-ctx.Done():
		select {
		case err := <-done:
			return runResult(err)
		default:
		}
		return classifyCtxErr(ctx.Err())
	}
}

func runResult(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return classifyCtxErr(err)
	}
	return fmt.Errorf("%w: %w", ErrModelRuntime, err)
}

func classifyCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}
