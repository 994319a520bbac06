package medsam

import (
	"fmt"
	"image"

	"github.com/up-zero/gotool/imageutil"
)

// encoderInput 按配置的格式生成编码器输入张量
func encoderInput(img image.Image, mode Preprocess, inputSize int) (Tensor, error) {
	switch mode {
	case PreprocessRaw, "":
		data, h, w := rawHWC(img)
		return Tensor{Data: data, Shape: []int64{int64(h), int64(w), 3}}, nil
	case PreprocessNormalized:
		if inputSize <= 0 {
			return Tensor{}, fmt.Errorf("InputSize %d 不合法", inputSize)
		}
		bounds := img.Bounds()
		origW, origH := bounds.Dx(), bounds.Dy()
		tf, err := NewTransform(origH, origW, inputSize)
		if err != nil {
			return Tensor{}, err
		}
		newH, newW := tf.ResizedSize()
		resized := imageutil.Resize(img, newW, newH)
		data := normalizeAndPad(resized, inputSize, inputSize)
		return Tensor{Data: data, Shape: []int64{1, 3, int64(inputSize), int64(inputSize)}}, nil
	default:
		return Tensor{}, fmt.Errorf("不支持的预处理模式 %q", mode)
	}
}

// rawHWC 原图转 HWC float32, 保留 0~255 值域
func rawHWC(src image.Image) ([]float32, int, int) {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	data := make([]float32, h*w*3)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := src.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			idx := (y*w + x) * 3
			// RGBA returns 0-65535
			data[idx] = float32(r >> 8)
			data[idx+1] = float32(g >> 8)
			data[idx+2] = float32(b >> 8)
		}
	}
	return data, h, w
}

// normalizeAndPad 归一化和填充
func normalizeAndPad(src image.Image, targetW, targetH int) []float32 {
	bounds := src.Bounds()
	w, h := min(bounds.Dx(), targetW), min(bounds.Dy(), targetH)
	data := make([]float32, 3*targetW*targetH)
	plane := targetW * targetH

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := src.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			rf := (float32(r)/65535.0 - MeanR) / StdR
			gf := (float32(g)/65535.0 - MeanG) / StdG
			bf := (float32(b)/65535.0 - MeanB) / StdB

			// 目标索引 (CHW)
			idx := y*targetW + x
			data[idx] = rf
			data[plane+idx] = gf
			data[2*plane+idx] = bf
		}
	}
	return data
}
