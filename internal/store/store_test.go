package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/getcharzp/go-medseg/medsam"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "medseg.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleSegmentation(pid string) *Segmentation {
	return &Segmentation{
		UID:         "u1",
		PID:         pid,
		Model:       "medsam-vit-b",
		UploadImage: "uploads/ct.png",
		OrigImSize:  [2]int{2, 3},
		Masks: []SegMask{{
			Name:    "Mask 1",
			Color:   "#ff0000",
			Visible: true,
			Mask:    medsam.Mask{0, 1, 1, 0, 0, 1},
			Shape:   []int64{1, 1, 2, 3},
		}},
	}
}

func TestStore_CreateGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seg := sampleSegmentation("p1")
	if err := s.Create(ctx, seg); err != nil {
		t.Fatal(err)
	}
	if seg.SID == "" || seg.CreatedAt.IsZero() {
		t.Fatalf("sid/createdat 未填充: %+v", seg)
	}

	got, err := s.Get(ctx, seg.SID)
	if err != nil {
		t.Fatal(err)
	}
	if got.PID != "p1" || got.OrigImSize != [2]int{2, 3} || len(got.Masks) != 1 {
		t.Fatalf("got = %+v", got)
	}
	if got.Masks[0].Mask.Area() != 3 || got.Masks[0].Color != "#ff0000" {
		t.Fatalf("mask = %+v", got.Masks[0])
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("期望 ErrNotFound, 实际 %v", err)
	}
}

func TestStore_List(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, pid := range []string{"p1", "p2", "p1"} {
		if err := s.Create(ctx, sampleSegmentation(pid)); err != nil {
			t.Fatal(err)
		}
		time.Sleep(time.Millisecond)
	}

	all, err := s.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d", len(all))
	}
	if all[0].CreatedAt.Before(all[2].CreatedAt) {
		t.Fatal("应按创建时间倒序")
	}

	p1, err := s.List(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(p1) != 2 {
		t.Fatalf("p1 len = %d", len(p1))
	}

	none, err := s.List(ctx, "nobody")
	if err != nil || none == nil || len(none) != 0 {
		t.Fatalf("空结果应为空切片: %v %v", none, err)
	}
}

func TestStore_Validate(t *testing.T) {
	s := openTestStore(t)
	seg := sampleSegmentation("p1")
	seg.Masks[0].Mask = medsam.Mask{1, 0}
	if err := s.Create(context.Background(), seg); err == nil {
		t.Fatal("尺寸不一致的 mask 应被拒绝")
	}
	seg.OrigImSize = [2]int{0, 3}
	if err := seg.Validate(); err == nil {
		t.Fatal("origimsize 为 0 应被拒绝")
	}
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "medseg.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	seg := sampleSegmentation("p1")
	if err := s.Create(context.Background(), seg); err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.Get(context.Background(), seg.SID); err != nil {
		t.Fatal(err)
	}
}
