package medsam

import (
	"fmt"
	"math"
)

// Prompts 模型输入空间下的提示张量数据
type Prompts struct {
	Coords []float32 // [N*2] x, y 交替
	Labels []float32 // [N]
	Boxes  []float32 // [B*4], B 为 0 或 1
}

// NumPoints 提示点数量 (含占位点)
func (p *Prompts) NumPoints() int { return len(p.Labels) }

// NumBoxes 框数量
func (p *Prompts) NumBoxes() int { return len(p.Boxes) / 4 }

// AssemblePrompts 组装解码器的提示输入
//
// 没有框时总会追加一个 (0, 0) / -1 的占位点, 即使没有任何真实提示点;
// 有框时不追加, 由框提供定位。
//
// # Params:
//
//	points: 原图像素坐标下的提示点
//	box: 原图像素坐标下的框, 可为 nil
//	tf: 坐标映射
func AssemblePrompts(points []Point, box *Box, tf Transform) (*Prompts, error) {
	origH, origW := tf.OrigSize()
	for i, pt := range points {
		if err := validatePoint(pt, origH, origW); err != nil {
			return nil, fmt.Errorf("第 %d 个提示点: %w", i, err)
		}
	}
	if box != nil {
		if err := ValidateBox(*box, origH, origW); err != nil {
			return nil, err
		}
	}

	n := len(points)
	if box == nil {
		n++
	}
	p := &Prompts{
		Coords: make([]float32, 0, n*2),
		Labels: make([]float32, 0, n),
	}
	for _, pt := range points {
		x, y := tf.ToModelSpace(pt.X, pt.Y)
		p.Coords = append(p.Coords, float32(x), float32(y))
		p.Labels = append(p.Labels, float32(pt.Label))
	}

	if box == nil {
		p.Coords = append(p.Coords, 0, 0)
		p.Labels = append(p.Labels, float32(LabelPadding))
		p.Boxes = []float32{}
		return p, nil
	}

	mb := tf.BoxToModelSpace(*box)
	p.Boxes = []float32{float32(mb.X0), float32(mb.Y0), float32(mb.X1), float32(mb.Y1)}
	return p, nil
}

func validatePoint(pt Point, origH, origW int) error {
	if pt.Label != LabelForeground && pt.Label != LabelBackground {
		return fmt.Errorf("%w: 标签 %d 只能为 0 或 1", ErrInvalidPromptShape, pt.Label)
	}
	if !finite(pt.X) || !finite(pt.Y) {
		return fmt.Errorf("%w: 坐标不是有限数", ErrInvalidPromptShape)
	}
	if pt.X < 0 || pt.Y < 0 || pt.X > float64(origW) || pt.Y > float64(origH) {
		return fmt.Errorf("%w: 坐标 (%.1f, %.1f) 超出图片 %dx%d", ErrInvalidPromptShape, pt.X, pt.Y, origW, origH)
	}
	return nil
}

// ValidateBox 检查像素框: 需要 x0<x1, y0<y1, 且各边不小于对应图片边长的 MinBoxSize
func ValidateBox(b Box, origH, origW int) error {
	if !finite(b.X0) || !finite(b.Y0) || !finite(b.X1) || !finite(b.Y1) {
		return fmt.Errorf("%w: 框坐标不是有限数", ErrInvalidPromptShape)
	}
	if b.X0 >= b.X1 || b.Y0 >= b.Y1 {
		return fmt.Errorf("%w: 框 [%.1f %.1f %.1f %.1f] 角点顺序错误", ErrInvalidPromptShape, b.X0, b.Y0, b.X1, b.Y1)
	}
	if b.X1-b.X0 < MinBoxSize*float64(origW) || b.Y1-b.Y0 < MinBoxSize*float64(origH) {
		return fmt.Errorf("%w: 框过小", ErrInvalidPromptShape)
	}
	return nil
}

// PointsFromWire 将请求中的 [[x, y], ...] 与标签数组转换为提示点
func PointsFromWire(coords [][]float64, labels []float64) ([]Point, error) {
	if len(coords) != len(labels) {
		return nil, fmt.Errorf("%w: point_coords 长度 %d 与 point_labels 长度 %d 不一致",
			ErrInvalidPromptShape, len(coords), len(labels))
	}
	points := make([]Point, 0, len(coords))
	for i, c := range coords {
		if len(c) != 2 {
			return nil, fmt.Errorf("%w: 第 %d 个坐标需要 2 个值", ErrInvalidPromptShape, i)
		}
		l := labels[i]
		if l != float64(LabelForeground) && l != float64(LabelBackground) {
			return nil, fmt.Errorf("%w: 第 %d 个标签 %v 只能为 0 或 1", ErrInvalidPromptShape, i, l)
		}
		points = append(points, Point{X: c[0], Y: c[1], Label: Label(l)})
	}
	return points, nil
}

// BoxFromWire 将请求中的 [[x0, y0, x1, y1]] 转换为框, 每次调用最多一个框
func BoxFromWire(boxes [][]float64) (*Box, error) {
	switch len(boxes) {
	case 0:
		return nil, nil
	case 1:
	default:
		return nil, fmt.Errorf("%w: 每次解码最多一个框, 实际 %d", ErrInvalidPromptShape, len(boxes))
	}
	b := boxes[0]
	if len(b) != 4 {
		return nil, fmt.Errorf("%w: 框需要 4 个值", ErrInvalidPromptShape)
	}
	return &Box{X0: b[0], Y0: b[1], X1: b[2], Y1: b[3]}, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
