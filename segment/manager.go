package segment

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/lucasb-eyer/go-colorful"
)

// goldenAngle 相邻 slot 的色相间隔
const goldenAngle = 137.508

// Manager 一张图片上的多个 mask slot
//
// 结构变化 (增删, 切换) 由 mu 保护, 单个 slot 内的解码与提示修改由 slot 自己的信号量串行化,
// 不同 slot 之间互不影响。
type Manager struct {
	mu         sync.RWMutex
	slots      []*Slot
	current    int
	historyCap int
	created    int
}

// NewManager 创建空的 slot 管理器
func NewManager(historyCap int) *Manager {
	return &Manager{current: -1, historyCap: historyCap}
}

// PaletteColor 第 n 个 slot 的默认颜色
func PaletteColor(n int) colorful.Color {
	return colorful.Hsv(math.Mod(float64(n)*goldenAngle, 360), 0.75, 0.95)
}

// StartNewSlot 新建空 slot 并设为当前, 返回其下标
func (m *Manager) StartNewSlot() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked()
}

func (m *Manager) startLocked() int {
	m.created++
	s := newSlot(fmt.Sprintf("Mask %d", m.created), PaletteColor(m.created-1), m.historyCap)
	m.slots = append(m.slots, s)
	m.current = len(m.slots) - 1
	return m.current
}

// SelectSlot 切换当前 slot
func (m *Manager) SelectSlot(i int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.slots) {
		return fmt.Errorf("%w: %d", ErrSlotNotFound, i)
	}
	m.current = i
	return nil
}

// SetVisible 设置是否参与叠加显示
func (m *Manager) SetVisible(i int, visible bool) error {
	s, err := m.Slot(i)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.visible = visible
	s.mu.Unlock()
	return nil
}

// Rename 重命名
func (m *Manager) Rename(i int, name string) error {
	s, err := m.Slot(i)
	if err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidName
	}
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
	return nil
}

// SetColor 设置颜色, hex 形如 #rrggbb
func (m *Manager) SetColor(i int, hex string) error {
	c, err := colorful.Hex(hex)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidColor, hex)
	}
	s, err := m.Slot(i)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.color = c
	s.mu.Unlock()
	return nil
}

// DeleteSlot 删除 slot 并调整当前下标
//
// 删除当前 slot 时选中 max(0, i-1), 删除当前之前的 slot 时当前下标减一, 删空后为 -1。
func (m *Manager) DeleteSlot(i int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.slots) {
		return fmt.Errorf("%w: %d", ErrSlotNotFound, i)
	}
	s := m.slots[i]
	s.mu.Lock()
	s.deleted = true
	s.mu.Unlock()

	m.slots = append(m.slots[:i], m.slots[i+1:]...)
	switch {
	case len(m.slots) == 0:
		m.current = -1
	case i == m.current:
		m.current = max(0, i-1)
	case i < m.current:
		m.current--
	}
	return nil
}

// Current 当前 slot 下标, 没有 slot 时为 -1
func (m *Manager) Current() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Len slot 数量
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.slots)
}

// Slot 按下标获取
func (m *Manager) Slot(i int) (*Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i < 0 || i >= len(m.slots) {
		return nil, fmt.Errorf("%w: %d", ErrSlotNotFound, i)
	}
	return m.slots[i], nil
}

// CurrentSlot 当前 slot, 没有时返回 ErrSlotNotFound
func (m *Manager) CurrentSlot() (int, *Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current < 0 {
		return -1, nil, ErrSlotNotFound
	}
	return m.current, m.slots[m.current], nil
}

// ensureCurrent 没有 slot 时自动新建
func (m *Manager) ensureCurrent() (int, *Slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current < 0 {
		m.startLocked()
	}
	return m.current, m.slots[m.current]
}

// AddPoint 向当前 slot 追加提示点
func (m *Manager) AddPoint(ctx context.Context, p PointPrompt) (int, error) {
	if err := p.Validate(); err != nil {
		return -1, err
	}
	return m.addPrompt(ctx, Prompt{Point: &p})
}

// SetBox 为当前 slot 设置框, 之后的解码以最新的框为准
func (m *Manager) SetBox(ctx context.Context, b BoxPrompt) (int, error) {
	if err := b.Validate(); err != nil {
		return -1, err
	}
	return m.addPrompt(ctx, Prompt{Box: &b})
}

func (m *Manager) addPrompt(ctx context.Context, p Prompt) (int, error) {
	i, s := m.ensureCurrent()
	if err := s.acquire(ctx); err != nil {
		return i, err
	}
	defer s.release()
	return i, s.addPrompt(p)
}

// UndoLastPrompt 撤销当前 slot 的最后一个提示
func (m *Manager) UndoLastPrompt(ctx context.Context) (bool, error) {
	_, s, err := m.CurrentSlot()
	if err != nil {
		return false, err
	}
	if err := s.acquire(ctx); err != nil {
		return false, err
	}
	defer s.release()
	return s.undo()
}

// Slots 所有 slot 的快照
func (m *Manager) Slots() []SlotView {
	m.mu.RLock()
	slots := append([]*Slot(nil), m.slots...)
	current := m.current
	m.mu.RUnlock()

	views := make([]SlotView, len(slots))
	for i, s := range slots {
		views[i] = s.view(i, i == current)
	}
	return views
}

// Visible 可见且已有 mask 的 slot
func (m *Manager) Visible() []*Slot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Slot
	for _, s := range m.slots {
		if mask, _ := s.Mask(); mask != nil && s.Visible() {
			out = append(out, s)
		}
	}
	return out
}

// Reset 删除所有 slot
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.slots {
		s.mu.Lock()
		s.deleted = true
		s.mu.Unlock()
	}
	m.slots = nil
	m.current = -1
}
