package report

import (
	"context"
	"errors"
	"image"
	"strings"
	"testing"

	"github.com/getcharzp/go-medseg/medsam"
	"github.com/ollama/ollama/api"
)

type fakeChat struct {
	req      *api.ChatRequest
	deadline bool
	reply    []string
	err      error
}

func (f *fakeChat) Chat(ctx context.Context, req *api.ChatRequest, fn api.ChatResponseFunc) error {
	f.req = req
	_, f.deadline = ctx.Deadline()
	if f.err != nil {
		return f.err
	}
	for _, r := range f.reply {
		if err := fn(api.ChatResponse{Message: api.Message{Role: "assistant", Content: r}}); err != nil {
			return err
		}
	}
	return nil
}

func TestOllamaDrafter_Draft(t *testing.T) {
	fake := &fakeChat{reply: []string{"<think>hmm</think>```markdown\n# Medical Imaging Report\n", "## Findings\nok\n```"}}
	d := newOllamaDrafter(fake, OllamaConfig{Model: "llava", MaxImageDim: 16})

	rep, err := d.Draft(context.Background(), &Request{
		Overlay:  image.NewNRGBA(image.Rect(0, 0, 64, 32)),
		Clinical: ClinicalContext{Indication: "右上腹痛", Age: "54"},
		Findings: []Finding{{Name: "Mask 1", AreaPixels: 10}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Markdown != "# Medical Imaging Report\n## Findings\nok" {
		t.Fatalf("markdown = %q", rep.Markdown)
	}
	if rep.Model != "llava" || rep.Format != "markdown" {
		t.Fatalf("report = %+v", rep)
	}

	if !fake.deadline {
		t.Fatal("没有 deadline 的 ctx 应被加上默认超时")
	}
	msgs := fake.req.Messages
	if len(msgs) != 2 || msgs[0].Role != "system" || len(msgs[1].Images) != 1 {
		t.Fatalf("messages = %+v", msgs)
	}
	if !strings.Contains(msgs[1].Content, "右上腹痛") || !strings.Contains(msgs[1].Content, "Mask 1") {
		t.Fatalf("prompt = %s", msgs[1].Content)
	}
	if fake.req.Stream == nil || *fake.req.Stream {
		t.Fatal("应使用非流式请求")
	}
}

func TestOllamaDrafter_Errors(t *testing.T) {
	d := newOllamaDrafter(&fakeChat{reply: []string{"  "}}, OllamaConfig{Model: "m"})
	if _, err := d.Draft(context.Background(), &Request{}); !errors.Is(err, ErrEmptyReport) {
		t.Fatalf("期望 ErrEmptyReport, 实际 %v", err)
	}

	boom := errors.New("connection refused")
	d = newOllamaDrafter(&fakeChat{err: boom}, OllamaConfig{Model: "m"})
	if _, err := d.Draft(context.Background(), &Request{}); !errors.Is(err, boom) {
		t.Fatalf("期望包装原始错误, 实际 %v", err)
	}
}

func TestNewOllamaDrafter_InvalidURL(t *testing.T) {
	if _, err := NewOllamaDrafter(OllamaConfig{BaseURL: "localhost"}); err == nil {
		t.Fatal("缺少 scheme 的 URL 应报错")
	}
	if _, err := NewOllamaDrafter(OllamaConfig{BaseURL: "http://localhost:11434/api/chat"}); err != nil {
		t.Fatal(err)
	}
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt(&Request{})
	if strings.Contains(p, "## Patient") || !strings.Contains(p, "No regions were segmented") {
		t.Fatalf("prompt = %s", p)
	}
	p = BuildPrompt(&Request{Clinical: ClinicalContext{PatientName: "张三", ExamType: "CT"}})
	if !strings.Contains(p, "Name: 张三") || !strings.Contains(p, "## Exam\nCT") {
		t.Fatalf("prompt = %s", p)
	}
}

func TestFindingFromMask(t *testing.T) {
	mask := medsam.Mask{
		0, 0, 0, 0,
		0, 1, 1, 0,
		0, 1, 0, 0,
	}
	f := FindingFromMask("lesion", mask, 3, 4, 0.8)
	if f.AreaPixels != 3 || f.BBox != [4]int{1, 1, 3, 3} {
		t.Fatalf("finding = %+v", f)
	}
	if f.AreaFraction != 0.25 {
		t.Fatalf("fraction = %v", f.AreaFraction)
	}
	empty := FindingFromMask("none", make(medsam.Mask, 12), 3, 4, 0)
	if empty.AreaPixels != 0 || empty.BBox != [4]int{} {
		t.Fatalf("empty = %+v", empty)
	}
}
