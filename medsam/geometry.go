package medsam

import (
	"fmt"
	"math"
)

// TargetLength 由 embedding 维度 [1, C, G, G] 推出模型输入长边, 即 G * 16
func TargetLength(dims []int64) (int, error) {
	if err := validateEmbeddingDims(dims); err != nil {
		return 0, err
	}
	return int(dims[2]) * patchStride, nil
}

// LowResSide 低分辨率 mask 的边长
func LowResSide(targetLength int) int {
	return targetLength / lowResFactor
}

func validateEmbeddingDims(dims []int64) error {
	if len(dims) != 4 {
		return fmt.Errorf("%w: embedding_dims 需要 4 个维度, 实际 %d", ErrInvalidPromptShape, len(dims))
	}
	if dims[0] != 1 || dims[1] <= 0 || dims[2] <= 0 || dims[2] != dims[3] {
		return fmt.Errorf("%w: embedding_dims %v 应为 [1, C, G, G]", ErrInvalidPromptShape, dims)
	}
	return nil
}

// jsRound 与前端 Math.round 一致: 0.5 向正无穷取整
func jsRound(v float64) float64 {
	return math.Floor(v + 0.5)
}

// Transform 原图像素坐标与模型输入坐标之间的映射
type Transform struct {
	origH, origW int
	targetLength int
	newH, newW   int
	sx, sy       float64
}

// NewTransform 创建坐标映射
//
// # Params:
//
//	origH, origW: 原图尺寸
//	targetLength: 模型输入长边
func NewTransform(origH, origW, targetLength int) (Transform, error) {
	if origH <= 0 || origW <= 0 {
		return Transform{}, fmt.Errorf("%w: 原图尺寸 %dx%d 不合法", ErrInvalidPromptShape, origW, origH)
	}
	if targetLength <= 0 {
		return Transform{}, fmt.Errorf("%w: targetLength %d 不合法", ErrInvalidPromptShape, targetLength)
	}

	// 与编码器缩放图片的方式保持一致
	scale := float64(targetLength) / float64(max(origH, origW))
	newH := max(1, int(jsRound(float64(origH)*scale)))
	newW := max(1, int(jsRound(float64(origW)*scale)))

	return Transform{
		origH:        origH,
		origW:        origW,
		targetLength: targetLength,
		newH:         newH,
		newW:         newW,
		sx:           float64(newW) / float64(origW),
		sy:           float64(newH) / float64(origH),
	}, nil
}

// OrigSize 原图尺寸
func (t Transform) OrigSize() (h, w int) { return t.origH, t.origW }

// ResizedSize 编码器缩放后的图片尺寸
func (t Transform) ResizedSize() (h, w int) { return t.newH, t.newW }

// TargetLength 模型输入长边
func (t Transform) TargetLength() int { return t.targetLength }

// ToModelSpace 像素坐标 -> 模型输入坐标
func (t Transform) ToModelSpace(x, y float64) (float64, float64) {
	return x * t.sx, y * t.sy
}

// ToPixelSpace 模型输入坐标 -> 像素坐标
func (t Transform) ToPixelSpace(x, y float64) (float64, float64) {
	return x / t.sx, y / t.sy
}

// BoxToModelSpace 框的两个角点使用同样的缩放
func (t Transform) BoxToModelSpace(b Box) Box {
	x0, y0 := t.ToModelSpace(b.X0, b.Y0)
	x1, y1 := t.ToModelSpace(b.X1, b.Y1)
	return Box{X0: x0, Y0: y0, X1: x1, Y1: y1}
}

// NormToPixel UI 归一化坐标 -> 原图像素坐标, 结果限制在图像范围内
func NormToPixel(xNorm, yNorm float64, origH, origW int) (int, int) {
	x := int(jsRound(xNorm * float64(origW)))
	y := int(jsRound(yNorm * float64(origH)))
	return clampInt(x, 0, origW-1), clampInt(y, 0, origH-1)
}

func clampInt(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	return max(lo, min(v, hi))
}
