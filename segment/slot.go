package segment

import (
	"context"
	"fmt"
	"sync"

	"github.com/getcharzp/go-medseg/medsam"
	"github.com/lucasb-eyer/go-colorful"
)

// State slot 状态
type State int

const (
	StateEmpty    State = iota // 无提示, 无 mask
	StatePrompted              // 有未解码的提示
	StateRefining              // 解码中
	StateMasked                // mask 与低分辨率 logits 已就绪
	StateDeleted               // 已删除
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StatePrompted:
		return "prompted"
	case StateRefining:
		return "refining"
	case StateMasked:
		return "masked"
	case StateDeleted:
		return "deleted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText 以字符串形式序列化
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(text []byte) error {
	for st := StateEmpty; st <= StateDeleted; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("未知的 slot 状态 %q", text)
}

// PointPrompt UI 归一化坐标下的提示点
type PointPrompt struct {
	X     float64      `json:"x"`
	Y     float64      `json:"y"`
	Label medsam.Label `json:"label"`
}

// Validate 坐标在 [0,1] 内, 标签为 0 或 1
func (p PointPrompt) Validate() error {
	if !(p.X >= 0 && p.X <= 1 && p.Y >= 0 && p.Y <= 1) {
		return fmt.Errorf("%w: 归一化坐标 (%v, %v) 超出 [0,1]", medsam.ErrInvalidPromptShape, p.X, p.Y)
	}
	if p.Label != medsam.LabelForeground && p.Label != medsam.LabelBackground {
		return fmt.Errorf("%w: 标签 %d 不合法", medsam.ErrInvalidPromptShape, p.Label)
	}
	return nil
}

// BoxPrompt UI 归一化坐标下的框
type BoxPrompt struct {
	X0 float64 `json:"x0"`
	Y0 float64 `json:"y0"`
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
}

// Validate x0<x1, y0<y1, 且边长不小于 MinBoxSize
func (b BoxPrompt) Validate() error {
	for _, v := range []float64{b.X0, b.Y0, b.X1, b.Y1} {
		if !(v >= 0 && v <= 1) {
			return fmt.Errorf("%w: 框坐标 %v 超出 [0,1]", medsam.ErrInvalidPromptShape, v)
		}
	}
	if b.X1-b.X0 < medsam.MinBoxSize || b.Y1-b.Y0 < medsam.MinBoxSize {
		return fmt.Errorf("%w: 框 (%v,%v)-(%v,%v) 过小或角点颠倒", medsam.ErrInvalidPromptShape, b.X0, b.Y0, b.X1, b.Y1)
	}
	return nil
}

// Prompt 一次交互, Point 与 Box 二选一
type Prompt struct {
	Point *PointPrompt `json:"point,omitempty"`
	Box   *BoxPrompt   `json:"box,omitempty"`
}

// frame 一次成功解码后的结果
type frame struct {
	mask       medsam.Mask
	dims       [2]int // [H, W]
	lowRes     []float32
	lowResSide int
	score      float32
	cursor     int // 已纳入该结果的提示数
}

// Slot 一个独立的分割目标
type Slot struct {
	sem chan struct{} // 串行化同一 slot 的解码与提示修改

	mu       sync.Mutex
	name     string
	color    colorful.Color
	visible  bool
	prompts  []Prompt
	history  *History[frame]
	refining bool
	deleted  bool
}

func newSlot(name string, color colorful.Color, historyCap int) *Slot {
	return &Slot{
		sem:     make(chan struct{}, 1),
		name:    name,
		color:   color,
		visible: true,
		history: NewHistory[frame](historyCap),
	}
}

func (s *Slot) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Slot) release() { <-s.sem }

// State 由内容推导出的状态
func (s *Slot) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Slot) stateLocked() State {
	switch {
	case s.deleted:
		return StateDeleted
	case s.refining:
		return StateRefining
	}
	top, ok := s.history.Peek()
	if !ok {
		if len(s.prompts) == 0 {
			return StateEmpty
		}
		return StatePrompted
	}
	if len(s.prompts) > top.cursor {
		return StatePrompted
	}
	return StateMasked
}

// Name 名称
func (s *Slot) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Color 颜色
func (s *Slot) Color() colorful.Color {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.color
}

// Visible 是否参与叠加显示
func (s *Slot) Visible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

// Mask 当前 mask, 没有时返回 nil
func (s *Slot) Mask() (medsam.Mask, [2]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	top, ok := s.history.Peek()
	if !ok {
		return nil, [2]int{}
	}
	return top.mask, top.dims
}

// LowRes 当前低分辨率 logits, 没有时返回 nil
func (s *Slot) LowRes() []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	top, ok := s.history.Peek()
	if !ok {
		return nil
	}
	return top.lowRes
}

func (s *Slot) addPrompt(p Prompt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return ErrSlotDeleted
	}
	s.prompts = append(s.prompts, p)
	return nil
}

// undo 撤销最后一个提示以及纳入了它的结果, 没有可撤销内容时返回 false
func (s *Slot) undo() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return false, ErrSlotDeleted
	}
	if len(s.prompts) == 0 {
		// 只剩无提示的解码结果
		_, ok := s.history.Pop()
		return ok, nil
	}
	s.prompts[len(s.prompts)-1] = Prompt{}
	s.prompts = s.prompts[:len(s.prompts)-1]
	for {
		top, ok := s.history.Peek()
		if !ok || top.cursor <= len(s.prompts) {
			break
		}
		s.history.Pop()
	}
	return true, nil
}

// decodeInput 解码所需的快照
type decodeInput struct {
	points    []PointPrompt
	box       *BoxPrompt
	newPoints []PointPrompt
	cursor    int
	prev      frame
	hasPrev   bool
}

// beginDecode 拍快照并进入 Refining, 调用方必须持有 sem
func (s *Slot) beginDecode() (decodeInput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return decodeInput{}, ErrSlotDeleted
	}
	in := decodeInput{cursor: len(s.prompts)}
	in.prev, in.hasPrev = s.history.Peek()
	for i, p := range s.prompts {
		switch {
		case p.Point != nil:
			in.points = append(in.points, *p.Point)
			if !in.hasPrev || i >= in.prev.cursor {
				in.newPoints = append(in.newPoints, *p.Point)
			}
		case p.Box != nil:
			b := *p.Box
			in.box = &b
		}
	}
	s.refining = true
	return in, nil
}

// endDecode 退出 Refining, fr 非 nil 时提交新结果
func (s *Slot) endDecode(fr *frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refining = false
	if s.deleted {
		return ErrSlotDeleted
	}
	if fr != nil {
		s.history.Push(*fr)
	}
	return nil
}

// SlotView slot 的只读视图
type SlotView struct {
	Index     int           `json:"index"`
	Name      string        `json:"name"`
	Color     string        `json:"color"`
	Visible   bool          `json:"visible"`
	Current   bool          `json:"current"`
	State     State         `json:"state"`
	Points    []PointPrompt `json:"points"`
	Box       *BoxPrompt    `json:"box,omitempty"`
	MaskShape []int         `json:"masks_shape,omitempty"`
	MaskArea  int           `json:"mask_area"`
	Score     float32       `json:"score"`
	HasLowRes bool          `json:"has_low_res"`
	History   int           `json:"history"`
}

func (s *Slot) view(index int, current bool) SlotView {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := SlotView{
		Index:   index,
		Name:    s.name,
		Color:   s.color.Hex(),
		Visible: s.visible,
		Current: current,
		State:   s.stateLocked(),
		Points:  []PointPrompt{},
		History: s.history.Len(),
	}
	for _, p := range s.prompts {
		if p.Point != nil {
			v.Points = append(v.Points, *p.Point)
		}
		if p.Box != nil {
			b := *p.Box
			v.Box = &b
		}
	}
	if top, ok := s.history.Peek(); ok {
		v.MaskShape = []int{1, 1, top.dims[0], top.dims[1]}
		v.MaskArea = top.mask.Area()
		v.Score = top.score
		v.HasLowRes = len(top.lowRes) > 0
	}
	return v
}
