package segment

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// StoreConfig 会话缓存配置
type StoreConfig struct {
	TTL        time.Duration // 闲置超过该时长的会话被淘汰, 0 表示不过期
	MaxEntries int           // 会话数上限, 超出时淘汰最久未使用的, 0 表示不限
	HistoryCap int           // 每个 slot 的历史容量
}

// Store 会话缓存, 淘汰在访问时惰性进行
type Store struct {
	mu      sync.Mutex
	entries map[string]*Workspace
	config  StoreConfig
	now     func() time.Time
}

// NewStore 创建会话缓存
func NewStore(cfg StoreConfig) *Store {
	return &Store{
		entries: make(map[string]*Workspace),
		config:  cfg,
		now:     time.Now,
	}
}

// Create 新建会话
func (s *Store) Create() *Workspace {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepLocked(now)
	if s.config.MaxEntries > 0 {
		for len(s.entries) >= s.config.MaxEntries {
			s.evictOldestLocked()
		}
	}

	ws := NewWorkspace(uuid.NewString(), s.config.HistoryCap)
	ws.lastUsed = now
	s.entries[ws.ID] = ws
	return ws
}

// Get 获取会话并刷新其使用时间
func (s *Store) Get(id string) (*Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	ws, ok := s.entries[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.expired(ws, now) {
		s.removeLocked(id)
		return nil, ErrSessionNotFound
	}
	ws.lastUsed = now
	return ws, nil
}

// Delete 删除会话
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return ErrSessionNotFound
	}
	s.removeLocked(id)
	return nil
}

// Len 当前会话数 (含尚未清理的过期会话)
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close 关闭所有会话
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.entries {
		s.removeLocked(id)
	}
}

func (s *Store) expired(ws *Workspace, now time.Time) bool {
	return s.config.TTL > 0 && now.Sub(ws.lastUsed) > s.config.TTL
}

func (s *Store) sweepLocked(now time.Time) {
	for id, ws := range s.entries {
		if s.expired(ws, now) {
			s.removeLocked(id)
		}
	}
}

func (s *Store) evictOldestLocked() {
	var (
		oldestID string
		oldest   time.Time
	)
	for id, ws := range s.entries {
		if oldestID == "" || ws.lastUsed.Before(oldest) {
			oldestID, oldest = id, ws.lastUsed
		}
	}
	if oldestID != "" {
		s.removeLocked(oldestID)
	}
}

func (s *Store) removeLocked(id string) {
	if ws, ok := s.entries[id]; ok {
		delete(s.entries, id)
		ws.Close()
	}
}
