package medsam

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"gonum.org/v1/gonum/floats"
)

// Mask 按行展开的 0/1 二值 mask, JSON 编码为数字数组
type Mask []uint8

// MarshalJSON 输出 [0,1,...] 而不是 base64
func (m Mask) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.Grow(len(m)*2 + 2)
	buf.WriteByte('[')
	for i, v := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Itoa(int(v)))
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON 接受数字数组, 非零值记为 1
func (m *Mask) UnmarshalJSON(data []byte) error {
	var raw []float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("解析 mask 失败: %w", err)
	}
	if raw == nil {
		*m = nil
		return nil
	}
	out := make(Mask, len(raw))
	for i, v := range raw {
		if v != 0 {
			out[i] = 1
		}
	}
	*m = out
	return nil
}

// Area 前景像素数
func (m Mask) Area() int {
	n := 0
	for _, v := range m {
		if v != 0 {
			n++
		}
	}
	return n
}

// Binarize logits > 0 记为 1, 其余为 0; 对已经是 0/1 的数组是幂等的
func Binarize(logits []float32) Mask {
	out := make(Mask, len(logits))
	for i, v := range logits {
		if v > maskThreshold {
			out[i] = 1
		}
	}
	return out
}

// bestMaskIndex 多 mask 输出时选择 IoU 预测最高的一个
func bestMaskIndex(scores []float32) int {
	if len(scores) <= 1 {
		return 0
	}
	s := make([]float64, len(scores))
	for i, v := range scores {
		s[i] = float64(v)
	}
	return floats.MaxIdx(s)
}

// upscaleMaskLogits 将低分辨率 logits 最近邻放大到原图尺寸并二值化
//
// # Params:
//
//	logits: 低分辨率 logits, 行宽为 logitsDim
//	logitsDim: logits 的行宽
//	validW, validH: logits 中对应原图内容的有效区域 (其余为 padding)
//	dstW, dstH: 原图尺寸
func upscaleMaskLogits(logits []float32, logitsDim, validW, validH, dstW, dstH int) Mask {
	output := make(Mask, dstW*dstH)
	validW = max(validW, 1)
	validH = max(validH, 1)
	xRatio := float32(validW) / float32(dstW)
	yRatio := float32(validH) / float32(dstH)

	for y := 0; y < dstH; y++ {
		srcY := min(int(float32(y)*yRatio), validH-1)
		for x := 0; x < dstW; x++ {
			srcX := min(int(float32(x)*xRatio), validW-1)
			if logits[srcY*logitsDim+srcX] > maskThreshold {
				output[y*dstW+x] = 1
			}
		}
	}
	return output
}
