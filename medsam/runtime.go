package medsam

import (
	"context"
	"fmt"
)

// Tensor 展开的 float32 张量
type Tensor struct {
	Data  []float32
	Shape []int64
}

// Len 按形状计算的元素个数
func (t Tensor) Len() int {
	n := 1
	for _, d := range t.Shape {
		n *= int(d)
	}
	return n
}

// DecoderFeeds 解码器输入, 名称与导出的 ONNX 图一致
type DecoderFeeds struct {
	ImageEmbeddings Tensor // image_embeddings [1, C, G, G]
	PointCoords     Tensor // point_coords [1, N, 2]
	PointLabels     Tensor // point_labels [1, N]
	Boxes           Tensor // boxes [1, B, 4]
	MaskInput       Tensor // mask_input [1, 1, L, L]
	HasMaskInput    Tensor // has_mask_input [1]
	OrigImSize      Tensor // orig_im_size [2]
}

// 解码器输入名称, 按导出图的顺序
const (
	InputImageEmbeddings = "image_embeddings"
	InputPointCoords     = "point_coords"
	InputPointLabels     = "point_labels"
	InputBoxes           = "boxes"
	InputMaskInput       = "mask_input"
	InputHasMaskInput    = "has_mask_input"
	InputOrigImSize      = "orig_im_size"
)

// DecoderInputSets 解码器可能收到的输入组合: 完整输入, 无框, 只有框
var DecoderInputSets = [][]string{
	{InputImageEmbeddings, InputPointCoords, InputPointLabels, InputBoxes, InputMaskInput, InputHasMaskInput, InputOrigImSize},
	{InputImageEmbeddings, InputPointCoords, InputPointLabels, InputMaskInput, InputHasMaskInput, InputOrigImSize},
	{InputImageEmbeddings, InputBoxes, InputMaskInput, InputHasMaskInput, InputOrigImSize},
}

// Inputs 按图输入顺序返回名称和张量
//
// 元素数为 0 的提示输入 (无框时的 boxes, 只有框时的 point_coords/point_labels) 不参与推理,
// ONNX Runtime 的张量不允许出现长度为 0 的维度。
func (f *DecoderFeeds) Inputs() ([]string, []Tensor) {
	all := []struct {
		name   string
		tensor Tensor
		prompt bool
	}{
		{InputImageEmbeddings, f.ImageEmbeddings, false},
		{InputPointCoords, f.PointCoords, true},
		{InputPointLabels, f.PointLabels, true},
		{InputBoxes, f.Boxes, true},
		{InputMaskInput, f.MaskInput, false},
		{InputHasMaskInput, f.HasMaskInput, false},
		{InputOrigImSize, f.OrigImSize, false},
	}
	names := make([]string, 0, len(all))
	tensors := make([]Tensor, 0, len(all))
	for _, in := range all {
		if in.prompt && in.tensor.Len() == 0 {
			continue
		}
		names = append(names, in.name)
		tensors = append(tensors, in.tensor)
	}
	return names, tensors
}

// DecoderOutputs 解码器输出
type DecoderOutputs struct {
	Masks          Tensor // masks [1, M, H, W]
	IoUPredictions Tensor // iou_predictions [1, M]
	LowResMasks    Tensor // low_res_masks [1, M, L, L]
}

// Runtime 编码器/解码器的运行时, 任何兼容 ONNX Runtime 的宿主都可以实现
type Runtime interface {
	// Encode 运行编码器, 返回 image_embeddings
	Encode(ctx context.Context, input Tensor) (Tensor, error)
	// Decode 运行解码器
	Decode(ctx context.Context, feeds *DecoderFeeds) (*DecoderOutputs, error)
	// Destroy 释放运行时资源
	Destroy() error
}

// Embedding 编码器输出, 创建后只读
type Embedding struct {
	Data []float32
	Dims [4]int64
}

// ImageSession 一张图片的编码结果
//
// 创建后不可变, 同一图片的所有解码调用共享同一份 embedding。
type ImageSession struct {
	origH, origW int
	embedding    Embedding
	targetLength int
}

// NewImageSession 由已有的 embedding 构造会话 (例如缓存命中或客户端回传)
func NewImageSession(origH, origW int, data []float32, dims []int64) (*ImageSession, error) {
	targetLength, err := TargetLength(dims)
	if err != nil {
		return nil, err
	}
	want := 1
	for _, d := range dims {
		want *= int(d)
	}
	if len(data) != want {
		return nil, fmt.Errorf("%w: image_embeddings 长度 %d 与维度 %v 不一致", ErrInvalidPromptShape, len(data), dims)
	}
	if origH <= 0 || origW <= 0 {
		return nil, fmt.Errorf("%w: orig_im_size [%d %d] 不合法", ErrInvalidPromptShape, origH, origW)
	}
	return &ImageSession{
		origH:        origH,
		origW:        origW,
		embedding:    Embedding{Data: data, Dims: [4]int64{dims[0], dims[1], dims[2], dims[3]}},
		targetLength: targetLength,
	}, nil
}

// OrigSize 原图尺寸
func (s *ImageSession) OrigSize() (h, w int) { return s.origH, s.origW }

// Embedding 返回 embedding, 调用方不得修改其内容
func (s *ImageSession) Embedding() *Embedding { return &s.embedding }

// TargetLength 模型输入长边
func (s *ImageSession) TargetLength() int { return s.targetLength }

// LowResSide 低分辨率 mask 边长
func (s *ImageSession) LowResSide() int { return LowResSide(s.targetLength) }

// Transform 该图片的坐标映射
func (s *ImageSession) Transform() Transform {
	tf, _ := NewTransform(s.origH, s.origW, s.targetLength)
	return tf
}
