package medsam

import (
	"errors"
	"math"
	"testing"
)

func TestTargetLength(t *testing.T) {
	tl, err := TargetLength([]int64{1, 256, 64, 64})
	if err != nil {
		t.Fatal(err)
	}
	if tl != 1024 || LowResSide(tl) != 256 {
		t.Fatalf("targetLength=%d lowRes=%d, 期望 1024/256", tl, LowResSide(tl))
	}

	for _, dims := range [][]int64{
		{1, 256, 64},
		{2, 256, 64, 64},
		{1, 256, 64, 32},
		{1, 0, 64, 64},
	} {
		if _, err := TargetLength(dims); !errors.Is(err, ErrInvalidPromptShape) {
			t.Errorf("dims %v: 期望 ErrInvalidPromptShape, 实际 %v", dims, err)
		}
	}
}

func TestTransform_ToModelSpace(t *testing.T) {
	tf, err := NewTransform(512, 512, 1024)
	if err != nil {
		t.Fatal(err)
	}
	x, y := tf.ToModelSpace(336, 275)
	if x != 672 || y != 550 {
		t.Fatalf("(336,275) -> (%v,%v), 期望 (672,550)", x, y)
	}

	// 非方图: 长边缩放到 targetLength, 短边按 Math.round 取整
	tf, _ = NewTransform(300, 500, 1024)
	h, w := tf.ResizedSize()
	if w != 1024 || h != 614 {
		t.Fatalf("resized = %dx%d, 期望 1024x614", w, h)
	}
	_, y = tf.ToModelSpace(0, 300)
	if math.Abs(y-614) > 1e-9 {
		t.Fatalf("底边 y = %v, 期望 614", y)
	}
}

func TestTransform_RoundTrip(t *testing.T) {
	sizes := [][2]int{{512, 512}, {300, 500}, {777, 333}, {1, 4096}}
	for _, s := range sizes {
		tf, err := NewTransform(s[0], s[1], 1024)
		if err != nil {
			t.Fatal(err)
		}
		for _, p := range [][2]float64{{0, 0}, {float64(s[1]) / 2, float64(s[0]) / 3}, {float64(s[1]), float64(s[0])}} {
			mx, my := tf.ToModelSpace(p[0], p[1])
			px, py := tf.ToPixelSpace(mx, my)
			if math.Abs(px-p[0]) > 1e-9 || math.Abs(py-p[1]) > 1e-9 {
				t.Errorf("%v: 往返结果 (%v,%v)", p, px, py)
			}
		}
	}
}

func TestNewTransform_Invalid(t *testing.T) {
	if _, err := NewTransform(0, 10, 1024); !errors.Is(err, ErrInvalidPromptShape) {
		t.Fatalf("期望 ErrInvalidPromptShape, 实际 %v", err)
	}
	if _, err := NewTransform(10, 10, 0); !errors.Is(err, ErrInvalidPromptShape) {
		t.Fatalf("期望 ErrInvalidPromptShape, 实际 %v", err)
	}
}

func TestNormToPixel(t *testing.T) {
	cases := []struct {
		x, y   float64
		wx, wy int
	}{
		{0.5, 0.5, 256, 128},
		{0, 0, 0, 0},
		{1, 1, 511, 255},      // 右下角限制在图像内
		{0.0009, 0.002, 0, 1}, // 0.4608 -> 0, 0.512 -> 1
	}
	for _, c := range cases {
		x, y := NormToPixel(c.x, c.y, 256, 512)
		if x != c.wx || y != c.wy {
			t.Errorf("NormToPixel(%v,%v) = (%d,%d), 期望 (%d,%d)", c.x, c.y, x, y, c.wx, c.wy)
		}
	}
}

func TestJSRound(t *testing.T) {
	// Math.round(-2.5) = -2, Math.round(2.5) = 3
	if jsRound(2.5) != 3 || jsRound(-2.5) != -2 || jsRound(614.4) != 614 {
		t.Fatal("jsRound 与 Math.round 不一致")
	}
}
