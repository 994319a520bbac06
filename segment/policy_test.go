package segment

import (
	"testing"

	"github.com/getcharzp/go-medseg/medsam"
)

func TestExistsPositiveOutside(t *testing.T) {
	// 4x4, 左上 2x2 为前景
	mask := medsam.Mask{
		1, 1, 0, 0,
		1, 1, 0, 0,
		0, 0, 0, 0,
		0, 0, 0, 0,
	}
	dims := [2]int{4, 4}
	fg := func(x, y float64) medsam.Point { return medsam.Point{X: x, Y: y, Label: medsam.LabelForeground} }
	bg := func(x, y float64) medsam.Point { return medsam.Point{X: x, Y: y, Label: medsam.LabelBackground} }

	cases := []struct {
		name   string
		points []medsam.Point
		want   bool
	}{
		{"无新点", nil, false},
		{"前景点在 mask 内", []medsam.Point{fg(1, 1)}, false},
		{"前景点在 mask 外", []medsam.Point{fg(0, 0), fg(3, 0)}, true},
		{"背景点在 mask 外", []medsam.Point{bg(3, 3)}, false},
		{"越界前景点", []medsam.Point{fg(4, 0)}, true},
	}
	for _, c := range cases {
		if got := ExistsPositiveOutside(mask, dims, c.points); got != c.want {
			t.Errorf("%s: got %v", c.name, got)
		}
	}

	if !ExistsPositiveOutside(nil, dims, []medsam.Point{fg(0, 0)}) {
		t.Error("空 mask 时前景点视为在外")
	}
}

func TestWantRefine(t *testing.T) {
	mask := medsam.Mask{1, 0, 0, 0}
	dims := [2]int{2, 2}
	inside := []medsam.Point{{X: 0, Y: 0, Label: medsam.LabelForeground}}
	outside := []medsam.Point{{X: 1, Y: 1, Label: medsam.LabelForeground}}

	if !WantRefine(mask, dims, true, inside) {
		t.Error("有合法 logits 且点在 mask 内时应细化")
	}
	if WantRefine(mask, dims, true, outside) {
		t.Error("前景点落在 mask 外时不应细化")
	}
	if WantRefine(mask, dims, false, inside) {
		t.Error("没有合法 logits 时不应细化")
	}
	// 纯函数
	for i := 0; i < 10; i++ {
		if WantRefine(mask, dims, true, inside) != WantRefine(mask, dims, true, inside) {
			t.Fatal("相同输入结果不一致")
		}
	}
}
