package medsam

import (
	"reflect"
	"testing"

	ort "github.com/yalue/onnxruntime_go"
)

func TestDecoderFeeds_Inputs(t *testing.T) {
	sess := newTestSession(t, 512, 512, 64)
	box := &Box{X0: 100, Y0: 120, X1: 300, Y1: 340}
	point := []Point{{X: 256, Y: 256, Label: LabelForeground}}

	cases := []struct {
		name      string
		req       *DecodeRequest
		wantNames []string
	}{
		{"point", &DecodeRequest{Session: sess, Points: point}, DecoderInputSets[1]},
		{"no prompt", &DecodeRequest{Session: sess}, DecoderInputSets[1]},
		{"point and box", &DecodeRequest{Session: sess, Points: point, Box: box}, DecoderInputSets[0]},
		{"box", &DecodeRequest{Session: sess, Box: box}, DecoderInputSets[2]},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			feeds, _, err := BuildFeeds(tc.req)
			if err != nil {
				t.Fatal(err)
			}
			names, tensors := feeds.Inputs()
			if !reflect.DeepEqual(names, tc.wantNames) {
				t.Fatalf("输入 = %v, 期望 %v", names, tc.wantNames)
			}
			for i, tensor := range tensors {
				if err := ort.NewShape(tensor.Shape...).Validate(); err != nil {
					t.Errorf("%s 形状 %v 不合法: %v", names[i], tensor.Shape, err)
				}
				if len(tensor.Data) != tensor.Len() {
					t.Errorf("%s 数据长度 %d 与形状 %v 不一致", names[i], len(tensor.Data), tensor.Shape)
				}
			}
		})
	}
}

func TestDecoderInputSets_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for _, names := range DecoderInputSets {
		key := inputKey(names)
		if seen[key] {
			t.Fatalf("重复的输入组合 %s", key)
		}
		seen[key] = true
	}
}
