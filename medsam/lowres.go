package medsam

import (
	"fmt"
	"math"
)

// squareSide 返回 n 的整数平方根, n 不是完全平方数时 ok 为 false
func squareSide(n int) (int, bool) {
	if n <= 0 {
		return 0, false
	}
	s := int(math.Sqrt(float64(n)))
	for s*s > n {
		s--
	}
	for (s+1)*(s+1) <= n {
		s++
	}
	return s, s*s == n
}

// ValidateLowRes 检查低分辨率 mask 能否作为细化输入
//
// 长度必须是完全平方数; side > 0 时边长还需与之相等。
func ValidateLowRes(mask []float32, side int) error {
	s, ok := squareSide(len(mask))
	if !ok {
		return fmt.Errorf("%w: 长度 %d 不是完全平方数", ErrInvalidLowResMask, len(mask))
	}
	if side > 0 && s != side {
		return fmt.Errorf("%w: 边长 %d 与期望的 %d 不一致", ErrInvalidLowResMask, s, side)
	}
	return nil
}

// MaskInput 解码器的 mask_input / has_mask_input
type MaskInput struct {
	Data []float32 // [side*side]
	Has  float32   // 0 或 1
}

// Attached 是否携带了有效的细化输入
func (m MaskInput) Attached() bool { return m.Has == 1 }

// ResolveMaskInput 生成解码器的 mask 输入
//
// 只有 prev 合法且调用方要求附带时才会返回 Has=1; 其余情况返回全零 mask 和 Has=0。
// prev 不合法时 reason 为 ErrInvalidLowResMask, 仅供记录, 不应让请求失败。
//
// # Params:
//
//	prev: 上一次解码的低分辨率 logits, 可为 nil
//	side: 期望边长
//	hasMask: 调用方给出的 has_mask_input, nil 时按 prev 是否有非零值推断
func ResolveMaskInput(prev []float32, side int, hasMask *float32) (in MaskInput, reason error) {
	zero := MaskInput{Data: make([]float32, side*side), Has: 0}
	if len(prev) == 0 {
		return zero, nil
	}
	if err := ValidateLowRes(prev, side); err != nil {
		return zero, err
	}

	attach := false
	if hasMask != nil {
		attach = *hasMask == 1
	} else {
		for _, v := range prev {
			if v != 0 {
				attach = true
				break
			}
		}
	}
	if !attach {
		return zero, nil
	}
	return MaskInput{Data: prev, Has: 1}, nil
}
