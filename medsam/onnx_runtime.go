package medsam

import (
	"context"
	"fmt"
	"strings"

	"github.com/getcharzp/go-medseg"
	"github.com/up-zero/gotool/convertutil"
	ort "github.com/yalue/onnxruntime_go"
)

var decOutputs = []string{"masks", "iou_predictions", "low_res_masks"}

// onnxRuntime 持有编码器 Session, 以及按输入组合区分的解码器 Session
type onnxRuntime struct {
	encoderSession  *ort.DynamicAdvancedSession
	decoderSessions map[string]*ort.DynamicAdvancedSession
}

func inputKey(names []string) string { return strings.Join(names, ",") }

// NewOnnxRuntime 加载编码器和解码器模型
func NewOnnxRuntime(cfg Config) (Runtime, error) {
	onnxConfig := new(medseg.OnnxConfig)
	if err := convertutil.CopyProperties(cfg, onnxConfig); err != nil {
		return nil, fmt.Errorf("复制参数失败: %w", err)
	}
	if err := onnxConfig.New(); err != nil {
		return nil, err
	}
	defer onnxConfig.Destroy()

	encInputs := []string{"input_image"}
	if cfg.Preprocess == PreprocessNormalized {
		encInputs = []string{"image"}
	}
	encSession, err := ort.NewDynamicAdvancedSession(cfg.EncodeModelPath, encInputs, []string{"image_embeddings"}, onnxConfig.SessionOptions)
	if err != nil {
		return nil, fmt.Errorf("创建 Encoder ONNX 会话失败: %w", err)
	}

	r := &onnxRuntime{
		encoderSession:  encSession,
		decoderSessions: make(map[string]*ort.DynamicAdvancedSession, len(DecoderInputSets)),
	}
	for _, names := range DecoderInputSets {
		decSession, err := ort.NewDynamicAdvancedSession(cfg.DecodeModelPath, names, decOutputs, onnxConfig.SessionOptions)
		if err != nil {
			_ = r.Destroy()
			return nil, fmt.Errorf("创建 Decoder ONNX 会话失败: %w", err)
		}
		r.decoderSessions[inputKey(names)] = decSession
	}
	return r, nil
}

// Destroy 释放相关资源
func (r *onnxRuntime) Destroy() error {
	if r.encoderSession != nil {
		if err := r.encoderSession.Destroy(); err != nil {
			return fmt.Errorf("销毁 Encoder ONNX 会话失败: %w", err)
		}
		r.encoderSession = nil
	}
	for key, sess := range r.decoderSessions {
		if err := sess.Destroy(); err != nil {
			return fmt.Errorf("销毁 Decoder ONNX 会话失败: %w", err)
		}
		delete(r.decoderSessions, key)
	}
	return nil
}

// Encode 图像特征提取
func (r *onnxRuntime) Encode(ctx context.Context, input Tensor) (Tensor, error) {
	if err := ctx.Err(); err != nil {
		return Tensor{}, err
	}
	inputTensor, err := ort.NewTensor(ort.NewShape(input.Shape...), input.Data)
	if err != nil {
		return Tensor{}, fmt.Errorf("创建图片 Input Tensor 失败: %w", err)
	}
	defer inputTensor.Destroy()

	outputs := make([]ort.Value, 1)
	if err := r.encoderSession.Run([]ort.Value{inputTensor}, outputs); err != nil {
		return Tensor{}, fmt.Errorf("encoder 推理失败: %w", err)
	}
	defer destroyAll(outputs)

	return copyOut(outputs[0], "image_embeddings")
}

// Decode Mask解码
func (r *onnxRuntime) Decode(ctx context.Context, feeds *DecoderFeeds) (*DecoderOutputs, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	names, tensors := feeds.Inputs()
	session, ok := r.decoderSessions[inputKey(names)]
	if !ok {
		return nil, fmt.Errorf("%w: 不支持的解码器输入组合 %v", ErrInvalidPromptShape, names)
	}

	inputs := make([]ort.Value, 0, len(tensors))
	defer func() { destroyAll(inputs) }()
	for i, t := range tensors {
		v, err := ort.NewTensor(ort.NewShape(t.Shape...), t.Data)
		if err != nil {
			return nil, fmt.Errorf("创建 Decoder %s Tensor 失败: %w", names[i], err)
		}
		inputs = append(inputs, v)
	}

	outputs := make([]ort.Value, len(decOutputs))
	if err := session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("decoder 推理失败: %w", err)
	}
	defer destroyAll(outputs)

	var out DecoderOutputs
	var err error
	if out.Masks, err = copyOut(outputs[0], decOutputs[0]); err != nil {
		return nil, err
	}
	if out.IoUPredictions, err = copyOut(outputs[1], decOutputs[1]); err != nil {
		return nil, err
	}
	if out.LowResMasks, err = copyOut(outputs[2], decOutputs[2]); err != nil {
		return nil, err
	}
	return &out, nil
}

// copyOut 输出张量的内存由 ONNX Runtime 持有, 需要在 Destroy 前复制
func copyOut(v ort.Value, name string) (Tensor, error) {
	t, ok := v.(*ort.Tensor[float32])
	if !ok {
		return Tensor{}, fmt.Errorf("输出 %s 不是 float32 张量", name)
	}
	src := t.GetData()
	data := make([]float32, len(src))
	copy(data, src)
	shape := t.GetShape()
	return Tensor{Data: data, Shape: append([]int64(nil), shape...)}, nil
}

func destroyAll(values []ort.Value) {
	for _, v := range values {
		if v != nil {
			v.Destroy()
		}
	}
}
