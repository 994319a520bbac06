package medsam

import "errors"

var (
	// ErrInvalidPromptShape 提示点/框或 embedding 的形状不合法, 在调用模型前拒绝
	ErrInvalidPromptShape = errors.New("提示形状不合法")
	// ErrInvalidLowResMask 低分辨率 mask 不可作为细化输入
	ErrInvalidLowResMask = errors.New("低分辨率 mask 不合法")
	// ErrModelRuntime 编码器或解码器运行失败, 不会自动重试
	ErrModelRuntime = errors.New("模型推理失败")
	// ErrMissingEmbedding 尚未成功编码图片就请求解码
	ErrMissingEmbedding = errors.New("图片 embedding 尚未生成")
	// ErrTimeout 推理或排队超时
	ErrTimeout = errors.New("推理超时")
)
