package segment

import (
	"github.com/getcharzp/go-medseg/medsam"
)

// ExistsPositiveOutside 是否有前景点落在当前 mask 之外
//
// points 为原图像素坐标, dims 为 [H, W]。越界的点或空 mask 都算作在 mask 之外。
func ExistsPositiveOutside(mask medsam.Mask, dims [2]int, points []medsam.Point) bool {
	h, w := dims[0], dims[1]
	for _, p := range points {
		if p.Label != medsam.LabelForeground {
			continue
		}
		x, y := int(p.X), int(p.Y)
		if x < 0 || y < 0 || x >= w || y >= h {
			return true
		}
		idx := y*w + x
		if idx >= len(mask) || mask[idx] == 0 {
			return true
		}
	}
	return false
}

// WantRefine 本次解码是否附带上一次的低分辨率 logits
//
// 用户点到了模型漏掉的区域时, 旧的 logits 会把结果拉回旧边界, 此时只按提示重新分割。
func WantRefine(mask medsam.Mask, dims [2]int, hasValidLowRes bool, newPoints []medsam.Point) bool {
	return hasValidLowRes && !ExistsPositiveOutside(mask, dims, newPoints)
}
