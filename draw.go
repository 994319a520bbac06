package medseg

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// TextDrawer 文本绘制工具, 用于在叠加图上标注 Mask 名称
type TextDrawer struct {
	font     *opentype.Font
	face     font.Face
	fontSize float64
}

// NewTextDrawer 创建文本绘制工具
//
// # Params:
//
//	fontPath: 字体路径
func NewTextDrawer(fontPath string) (*TextDrawer, error) {
	fontBytes, err := os.ReadFile(fontPath)
	if err != nil {
		return nil, fmt.Errorf("打开字体文件失败：%w", err)
	}

	ttFont, err := opentype.Parse(fontBytes)
	if err != nil {
		return nil, fmt.Errorf("解析字体文件失败：%w", err)
	}

	d := &TextDrawer{font: ttFont}
	if err := d.SetSize(12); err != nil {
		return nil, err
	}
	return d, nil
}

// NewBasicTextDrawer 使用内置点阵字体, 不依赖字体文件
func NewBasicTextDrawer() *TextDrawer {
	return &TextDrawer{face: basicfont.Face7x13, fontSize: 13}
}

// SetSize 动态调整字体大小, 内置点阵字体不支持缩放
//
// # Params:
//
//	fontSize: 字体大小
func (d *TextDrawer) SetSize(fontSize float64) error {
	if d.font == nil {
		return nil
	}
	if d.face != nil && d.fontSize == fontSize {
		return nil
	}

	nf, err := opentype.NewFace(d.font, &opentype.FaceOptions{
		Size:    fontSize,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return err
	}

	// 释放旧 Face 内存
	if d.face != nil {
		d.face.Close()
	}
	d.face = nf
	d.fontSize = fontSize
	return nil
}

// Measure 返回文本的像素宽度和行高
func (d *TextDrawer) Measure(text string) (int, int) {
	adv := font.MeasureString(d.face, text)
	m := d.face.Metrics()
	return adv.Ceil(), (m.Ascent + m.Descent).Ceil()
}

// DrawText 绘制文本, (x, y) 为基线起点
//
// # Params:
//
//	img: 被绘制的图像
//	text: 绘制的文本
//	x, y: 绘制的坐标
//	c: 绘制的颜色
func (d *TextDrawer) DrawText(img draw.Image, text string, x, y int, c color.Color) {
	d1 := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: d.face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d1.DrawString(text)
}

// DrawLabel 在 (x, y) 左上角绘制带底色的标签, 标签会被限制在图像范围内
func (d *TextDrawer) DrawLabel(img draw.Image, text string, x, y int, fg, bg color.Color) {
	const pad = 2
	w, h := d.Measure(text)
	bounds := img.Bounds()
	x = max(bounds.Min.X, min(x, bounds.Max.X-w-2*pad))
	y = max(bounds.Min.Y, min(y, bounds.Max.Y-h-2*pad))

	rect := image.Rect(x, y, x+w+2*pad, y+h+2*pad)
	draw.Draw(img, rect, image.NewUniform(bg), image.Point{}, draw.Over)
	ascent := d.face.Metrics().Ascent.Ceil()
	d.DrawText(img, text, x+pad, y+pad+ascent, fg)
}

// Close 释放资源
func (d *TextDrawer) Close() {
	if d.face != nil && d.font != nil {
		d.face.Close()
	}
}
