package overlay

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/getcharzp/go-medseg/medsam"
	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/font/gofont/goregular"
	xwebp "golang.org/x/image/webp"
)

func whiteImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	return img
}

func TestRender_Blend(t *testing.T) {
	base := whiteImage(4, 4)
	red, _ := colorful.Hex("#ff0000")
	// 2x2 mask 放大到 4x4
	layer := Layer{Mask: medsam.Mask{1, 0, 0, 0}, Width: 2, Height: 2, Color: red}

	out, err := Render(base, []Layer{layer}, Options{Alpha: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	if got := out.NRGBAAt(1, 1); got != (color.NRGBA{R: 255, G: 128, B: 128, A: 255}) {
		t.Fatalf("mask 内像素 %v", got)
	}
	if got := out.NRGBAAt(3, 3); got != (color.NRGBA{R: 255, G: 255, B: 255, A: 255}) {
		t.Fatalf("mask 外像素 %v", got)
	}
	if base.Pix[0] != 255 || base.Pix[1] != 255 {
		t.Fatal("原图不应被修改")
	}
}

func TestRender_Invalid(t *testing.T) {
	_, err := Render(whiteImage(2, 2), []Layer{{Mask: medsam.Mask{1, 0, 1}, Width: 2, Height: 2}}, Options{})
	if err == nil {
		t.Fatal("长度不一致的 mask 应报错")
	}
}

func TestRender_Labels(t *testing.T) {
	base := whiteImage(64, 32)
	mask := make(medsam.Mask, 64*32)
	for y := 16; y < 32; y++ {
		for x := 20; x < 40; x++ {
			mask[y*64+x] = 1
		}
	}
	blue, _ := colorful.Hex("#0000ff")
	layer := Layer{Mask: mask, Width: 64, Height: 32, Color: blue, Label: "Mask 1"}

	plain, _ := Render(base, []Layer{layer}, Options{})
	labelled, _ := Render(base, []Layer{layer}, Options{Labels: true})
	if bytes.Equal(plain.Pix, labelled.Pix) {
		t.Fatal("标签未绘制")
	}
}

func TestRender_FontPath(t *testing.T) {
	fontPath := filepath.Join(t.TempDir(), "Go-Regular.ttf")
	if err := os.WriteFile(fontPath, goregular.TTF, 0o644); err != nil {
		t.Fatal(err)
	}

	base := whiteImage(640, 480)
	mask := make(medsam.Mask, 640*480)
	for y := 200; y < 400; y++ {
		for x := 100; x < 300; x++ {
			mask[y*640+x] = 1
		}
	}
	blue, _ := colorful.Hex("#0000ff")
	layer := Layer{Mask: mask, Width: 640, Height: 480, Color: blue, Label: "Mask 1"}

	basic, err := Render(base, []Layer{layer}, Options{Labels: true})
	if err != nil {
		t.Fatal(err)
	}
	ttf, err := Render(base, []Layer{layer}, Options{Labels: true, FontPath: fontPath})
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(basic.Pix, ttf.Pix) {
		t.Fatal("指定字体后标签应使用 TrueType 字体绘制")
	}

	if labelSize(480) != 12 || labelSize(1200) != 30 {
		t.Fatalf("labelSize = %v, %v", labelSize(480), labelSize(1200))
	}

	if _, err := Render(base, []Layer{layer}, Options{Labels: true, FontPath: filepath.Join(t.TempDir(), "missing.ttf")}); err == nil {
		t.Fatal("字体文件不存在时应报错")
	}
	// 不绘制标签时不加载字体
	if _, err := Render(base, []Layer{layer}, Options{FontPath: "missing.ttf"}); err != nil {
		t.Fatal(err)
	}
}

func TestEncode(t *testing.T) {
	img := whiteImage(8, 8)
	for _, name := range []string{"", "png", "JPG", "webp"} {
		f, err := ParseFormat(name)
		if err != nil {
			t.Fatal(err)
		}
		var buf bytes.Buffer
		if err := Encode(&buf, img, f, 80); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if buf.Len() == 0 {
			t.Fatalf("%s: 输出为空", name)
		}
		switch f {
		case FormatPNG:
			if _, err := png.Decode(&buf); err != nil {
				t.Fatal(err)
			}
		case FormatWebP:
			if _, err := xwebp.Decode(&buf); err != nil {
				t.Fatal(err)
			}
		}
	}
	if _, err := ParseFormat("gif"); err == nil {
		t.Fatal("gif 应不被支持")
	}
	if FormatWebP.ContentType() != "image/webp" || FormatPNG.ContentType() != "image/png" {
		t.Fatal("content type")
	}
}
