package segment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/getcharzp/go-medseg/medsam"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(cfg StoreConfig) (*Store, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewStore(cfg)
	s.now = clock.now
	return s, clock
}

func TestStore_TTL(t *testing.T) {
	s, clock := newTestStore(StoreConfig{TTL: time.Minute})
	ws := s.Create()
	if ws.ID == "" {
		t.Fatal("会话 id 为空")
	}

	clock.advance(50 * time.Second)
	if _, err := s.Get(ws.ID); err != nil {
		t.Fatalf("未过期的会话: %v", err)
	}
	// Get 刷新了使用时间
	clock.advance(50 * time.Second)
	if _, err := s.Get(ws.ID); err != nil {
		t.Fatalf("刷新后的会话: %v", err)
	}

	clock.advance(61 * time.Second)
	if _, err := s.Get(ws.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("期望 ErrSessionNotFound, 实际 %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("过期会话应被清理, len=%d", s.Len())
	}
}

func TestStore_MaxEntries(t *testing.T) {
	s, clock := newTestStore(StoreConfig{MaxEntries: 2})
	a := s.Create()
	clock.advance(time.Second)
	b := s.Create()
	clock.advance(time.Second)
	_, _ = s.Get(a.ID) // a 比 b 更近被使用
	clock.advance(time.Second)
	c := s.Create()

	if s.Len() != 2 {
		t.Fatalf("len = %d", s.Len())
	}
	if _, err := s.Get(b.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatal("最久未使用的会话应被淘汰")
	}
	for _, id := range []string{a.ID, c.ID} {
		if _, err := s.Get(id); err != nil {
			t.Fatalf("%s: %v", id, err)
		}
	}
}

func TestStore_DeleteClosesWorkspace(t *testing.T) {
	s, _ := newTestStore(StoreConfig{})
	ws := s.Create()

	started := make(chan struct{})
	encErr := make(chan error, 1)
	go func() {
		_, err := ws.ReplaceImage(context.Background(), nil, func(ctx context.Context) (*medsam.ImageSession, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		encErr <- err
	}()
	<-started

	if err := s.Delete(ws.ID); err != nil {
		t.Fatal(err)
	}
	if err := <-encErr; !errors.Is(err, ErrEncodeSuperseded) {
		t.Fatalf("删除会话应取消编码, 实际 %v", err)
	}
	if err := s.Delete(ws.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("期望 ErrSessionNotFound, 实际 %v", err)
	}
}

func TestStore_IsolatedSessions(t *testing.T) {
	s, _ := newTestStore(StoreConfig{})
	a, b := s.Create(), s.Create()
	if a.ID == b.ID {
		t.Fatal("会话 id 重复")
	}
	_, _ = a.Slots().AddPoint(context.Background(), fgPoint(0.5, 0.5))
	if b.Slots().Len() != 0 {
		t.Fatal("会话之间不应共享 slot")
	}
}
