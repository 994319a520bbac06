// Package overlay 将可见 mask 叠加到原图上, 用于导出和报告生成
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/getcharzp/go-medseg"
	"github.com/getcharzp/go-medseg/medsam"
	"github.com/lucasb-eyer/go-colorful"
)

// DefaultAlpha mask 叠加的默认不透明度
const DefaultAlpha = 0.45

// Layer 一层 mask
type Layer struct {
	Mask   medsam.Mask // 行优先 0/1
	Width  int
	Height int
	Color  colorful.Color
	Label  string
}

// Options 叠加参数
type Options struct {
	Alpha    float64 // 0~1, 0 时使用 DefaultAlpha
	Labels   bool    // 在每层 mask 左上角绘制名称
	FontPath string  // TrueType/OpenType 字体, 为空时使用内置点阵字体
}

// labelSize 标签字号随图片高度缩放
func labelSize(height int) float64 {
	return max(12, float64(height)/40)
}

func newDrawer(fontPath string, height int) (*medseg.TextDrawer, error) {
	if fontPath == "" {
		return medseg.NewBasicTextDrawer(), nil
	}
	drawer, err := medseg.NewTextDrawer(fontPath)
	if err != nil {
		return nil, err
	}
	if err := drawer.SetSize(labelSize(height)); err != nil {
		drawer.Close()
		return nil, err
	}
	return drawer, nil
}

// Render 按顺序叠加各层, 原图不被修改
func Render(base image.Image, layers []Layer, opts Options) (*image.NRGBA, error) {
	alpha := opts.Alpha
	if alpha <= 0 {
		alpha = DefaultAlpha
	}
	alpha = min(alpha, 1)

	out := imaging.Clone(base)
	bw, bh := out.Bounds().Dx(), out.Bounds().Dy()

	type anchor struct {
		x, y  int
		layer Layer
	}
	var anchors []anchor

	for _, l := range layers {
		if len(l.Mask) != l.Width*l.Height || l.Width <= 0 {
			return nil, fmt.Errorf("mask %q 长度 %d 与尺寸 %dx%d 不一致", l.Label, len(l.Mask), l.Width, l.Height)
		}
		m := maskImage(l)
		if l.Width != bw || l.Height != bh {
			m = imaging.Resize(m, bw, bh, imaging.NearestNeighbor)
		}

		minX, minY := bw, bh
		for y := 0; y < bh; y++ {
			for x := 0; x < bw; x++ {
				i := m.PixOffset(x, y)
				if m.Pix[i] == 0 {
					continue
				}
				j := out.PixOffset(x, y)
				src := colorful.Color{
					R: float64(out.Pix[j]) / 255,
					G: float64(out.Pix[j+1]) / 255,
					B: float64(out.Pix[j+2]) / 255,
				}
				r, g, b := src.BlendRgb(l.Color, alpha).Clamped().RGB255()
				out.Pix[j], out.Pix[j+1], out.Pix[j+2] = r, g, b
				minX, minY = min(minX, x), min(minY, y)
			}
		}
		if minX < bw && l.Label != "" {
			anchors = append(anchors, anchor{x: minX, y: minY, layer: l})
		}
	}

	if opts.Labels && len(anchors) > 0 {
		drawer, err := newDrawer(opts.FontPath, bh)
		if err != nil {
			return nil, err
		}
		defer drawer.Close()
		for _, a := range anchors {
			_, th := drawer.Measure(a.layer.Label)
			drawer.DrawLabel(out, a.layer.Label, a.x, a.y-th, color.White, a.layer.Color)
		}
	}
	return out, nil
}

// maskImage mask 转 NRGBA, 前景为不透明白色
func maskImage(l Layer) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, l.Width, l.Height))
	for i, v := range l.Mask {
		if v != 0 {
			o := i * 4
			img.Pix[o], img.Pix[o+1], img.Pix[o+2], img.Pix[o+3] = 255, 255, 255, 255
		}
	}
	return img
}

// Format 导出格式
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
	FormatWebP Format = "webp"
)

// ParseFormat 解析格式名, 空字符串为 png
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "png":
		return FormatPNG, nil
	case "jpg", "jpeg":
		return FormatJPEG, nil
	case "webp":
		return FormatWebP, nil
	}
	return "", fmt.Errorf("不支持的导出格式 %q", s)
}

// ContentType HTTP Content-Type
func (f Format) ContentType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatWebP:
		return "image/webp"
	}
	return "image/png"
}

// Encode 按格式编码, quality 作用于 jpeg 和 webp
func Encode(w io.Writer, img image.Image, format Format, quality int) error {
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	switch format {
	case FormatPNG, "":
		return imaging.Encode(w, img, imaging.PNG)
	case FormatJPEG:
		return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality))
	case FormatWebP:
		return webp.Encode(w, img, &webp.Options{Quality: float32(quality)})
	}
	return fmt.Errorf("不支持的导出格式 %q", format)
}
