package segment

import "errors"

var (
	ErrSlotNotFound     = errors.New("mask slot 不存在")
	ErrSlotDeleted      = errors.New("mask slot 已删除")
	ErrSessionNotFound  = errors.New("会话不存在或已过期")
	ErrEncodeSuperseded = errors.New("图片已被替换, 编码结果作废")
	ErrInvalidColor     = errors.New("颜色格式不合法")
	ErrInvalidName      = errors.New("名称不能为空")
)
