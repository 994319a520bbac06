package segment

// DefaultHistoryCap 每个 slot 默认保留的历史帧数
const DefaultHistoryCap = 32

// History 容量固定的环形栈, 满时丢弃最旧的一帧
type History[T any] struct {
	buf  []T
	head int // 下一次写入的位置
	size int
}

// NewHistory 创建容量为 capacity 的历史栈
func NewHistory[T any](capacity int) *History[T] {
	if capacity <= 0 {
		capacity = DefaultHistoryCap
	}
	return &History[T]{buf: make([]T, capacity)}
}

// Push 压入一帧, 返回是否挤掉了最旧的一帧
func (h *History[T]) Push(v T) (evicted bool) {
	h.buf[h.head] = v
	h.head = (h.head + 1) % len(h.buf)
	if h.size == len(h.buf) {
		return true
	}
	h.size++
	return false
}

// Pop 弹出栈顶
func (h *History[T]) Pop() (T, bool) {
	var zero T
	if h.size == 0 {
		return zero, false
	}
	h.head = (h.head - 1 + len(h.buf)) % len(h.buf)
	v := h.buf[h.head]
	h.buf[h.head] = zero
	h.size--
	return v, true
}

// Peek 查看栈顶
func (h *History[T]) Peek() (T, bool) {
	var zero T
	if h.size == 0 {
		return zero, false
	}
	return h.buf[(h.head-1+len(h.buf))%len(h.buf)], true
}

// Len 当前帧数
func (h *History[T]) Len() int { return h.size }

// Cap 容量
func (h *History[T]) Cap() int { return len(h.buf) }

// Reset 清空
func (h *History[T]) Reset() {
	clear(h.buf)
	h.head, h.size = 0, 0
}
