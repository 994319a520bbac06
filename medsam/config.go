package medsam

import (
	"time"

	"github.com/getcharzp/go-medseg"
)

// Label 提示点标签
type Label int

const (
	LabelPadding    Label = -1 // 无 box 时追加的占位点
	LabelBackground Label = 0  // 背景/排除
	LabelForeground Label = 1  // 前景/包含
)

// Preprocess 编码器输入格式
type Preprocess string

const (
	// PreprocessRaw 原图 HWC, 像素值 0~255, 由模型内部缩放 (MedSAM 导出的 encoder)
	PreprocessRaw Preprocess = "raw"
	// PreprocessNormalized 长边缩放到 InputSize, 均值方差归一化并补零成 CHW 方图
	PreprocessNormalized Preprocess = "normalized"
)

// 均值和方差常量
const (
	MeanR = 0.485
	MeanG = 0.456
	MeanB = 0.406

	StdR = 0.229
	StdG = 0.224
	StdB = 0.225
)

const (
	// patchStride embedding 网格到 targetLength 的倍数
	patchStride = 16
	// lowResFactor targetLength 到低分辨率 mask 边长的缩放
	lowResFactor = 4
	// maskThreshold logits 阈值
	maskThreshold = 0.0
	// MinBoxSize 归一化框的最小边长, 更小的框视为退化
	MinBoxSize = 0.01
)

// Point 原图像素坐标下的提示点
type Point struct {
	X, Y  float64
	Label Label
}

// Box 原图像素坐标下的框, (X0, Y0) 左上, (X1, Y1) 右下
type Box struct {
	X0, Y0, X1, Y1 float64
}

// Config 配置项
type Config struct {
	// 必填参数
	OnnxRuntimeLibPath string // onnxruntime.dll (或 .so, .dylib) 的路径
	EncodeModelPath    string // 图片特征提取模型
	DecodeModelPath    string // Mask解码模型

	// 模型参数
	Name       string     // 模型名, 用于缓存键
	Preprocess Preprocess // 编码器输入格式, 默认 raw
	InputSize  int        // normalized 模式下的输入边长, 默认 1024

	// 调度参数
	EncodeTimeout time.Duration // 单次编码超时
	DecodeTimeout time.Duration // 单次解码超时
	MaxConcurrent int           // 同时进行的推理数
	QueueTimeout  time.Duration // 排队等待上限

	// 可选参数
	UseCuda    bool // (可选) 是否启用 CUDA
	NumThreads int  // (可选) ONNX 线程数, 默认由CPU核心数决定
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		OnnxRuntimeLibPath: medseg.DefaultLibraryPath(),
		EncodeModelPath:    "./medsam_weights/medsam_encoder.onnx",
		DecodeModelPath:    "./medsam_weights/medsam_decoder.onnx",
		Name:               "medsam-vit-b",
		Preprocess:         PreprocessRaw,
		InputSize:          1024,
		EncodeTimeout:      60 * time.Second,
		DecodeTimeout:      10 * time.Second,
		MaxConcurrent:      2,
		QueueTimeout:       30 * time.Second,
	}
}
