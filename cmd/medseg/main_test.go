package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/getcharzp/go-medseg/medsam"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "medseg "+Version) {
		t.Fatalf("output = %q", out)
	}
}

func TestMissingConfigFile(t *testing.T) {
	_, err := runCLI(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "segment", "--image", "ct.png", "--point", "1,1")
	if err == nil || !strings.Contains(err.Error(), "config") {
		t.Fatalf("期望配置错误, 实际 %v", err)
	}
}

func TestSegmentRequiresPrompt(t *testing.T) {
	_, err := runCLI(t, "segment", "--image", "ct.png")
	if err == nil || !strings.Contains(err.Error(), "--point") {
		t.Fatalf("期望缺少提示的错误, 实际 %v", err)
	}
	_, err = runCLI(t, "segment", "--image", "ct.png", "--point", "1,1", "--out", "overlay.gif")
	if err == nil {
		t.Fatal("不支持的输出格式应报错")
	}
}

func TestParsePoint(t *testing.T) {
	cases := []struct {
		in      string
		want    medsam.Point
		wantErr bool
	}{
		{in: "336,275", want: medsam.Point{X: 336, Y: 275, Label: medsam.LabelForeground}},
		{in: "10.5, 20,0", want: medsam.Point{X: 10.5, Y: 20, Label: medsam.LabelBackground}},
		{in: "1,2,-1", wantErr: true},
		{in: "1,2,0.5", wantErr: true},
		{in: "1", wantErr: true},
		{in: "a,b", wantErr: true},
	}
	for _, tc := range cases {
		got, err := parsePoint(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parsePoint(%q) 应报错", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("parsePoint(%q) = %+v, %v", tc.in, got, err)
		}
	}
}

func TestParseBox(t *testing.T) {
	b, err := parseBox("1,2,30,40")
	if err != nil || b != (medsam.Box{X0: 1, Y0: 2, X1: 30, Y1: 40}) {
		t.Fatalf("box = %+v, %v", b, err)
	}
	if _, err := parseBox("1,2,3"); err == nil {
		t.Fatal("三个数值应报错")
	}
}

func TestMaskToGray(t *testing.T) {
	img := maskToGray(medsam.Mask{0, 1, 1, 0}, 2, 2)
	if img.GrayAt(1, 0).Y != 255 || img.GrayAt(0, 0).Y != 0 {
		t.Fatalf("pix = %v", img.Pix)
	}
}
