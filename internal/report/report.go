package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/getcharzp/go-medseg/medsam"
	"github.com/ollama/ollama/api"
)

// ErrEmptyReport 模型没有返回内容
var ErrEmptyReport = errors.New("模型返回的报告为空")

// ClinicalContext 临床信息, 均为可选
type ClinicalContext struct {
	PatientName  string `json:"patient_name"`
	Age          string `json:"age"`
	Gender       string `json:"gender"`
	MRN          string `json:"mrn"`
	Indication   string `json:"indication"`
	ExamType     string `json:"exam_type"`
	PriorStudies string `json:"prior_studies"`
	History      string `json:"history"`
}

// Finding 一个分割区域的量化描述
type Finding struct {
	Name         string  `json:"name"`
	AreaPixels   int     `json:"area_pixels"`
	AreaFraction float64 `json:"area_fraction"`
	BBox         [4]int  `json:"bbox"` // x0, y0, x1, y1 (不含)
	Score        float32 `json:"score"`
}

// FindingFromMask 统计 mask 的面积和外接框
func FindingFromMask(name string, mask medsam.Mask, h, w int, score float32) Finding {
	f := Finding{Name: name, Score: score, BBox: [4]int{w, h, 0, 0}}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if mask[y*w+x] == 0 {
				continue
			}
			f.AreaPixels++
			f.BBox[0], f.BBox[1] = min(f.BBox[0], x), min(f.BBox[1], y)
			f.BBox[2], f.BBox[3] = max(f.BBox[2], x+1), max(f.BBox[3], y+1)
		}
	}
	if f.AreaPixels == 0 {
		f.BBox = [4]int{}
	}
	if h*w > 0 {
		f.AreaFraction = float64(f.AreaPixels) / float64(h*w)
	}
	return f
}

// Request 报告生成输入
type Request struct {
	Overlay  image.Image
	Clinical ClinicalContext
	Findings []Finding
}

// Report 生成的报告
type Report struct {
	Markdown  string    `json:"markdown"`
	Format    string    `json:"format"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
}

// Drafter 根据叠加图和临床信息生成报告
type Drafter interface {
	Draft(ctx context.Context, req *Request) (*Report, error)
}

// chatClient ollama api.Client 的子集
type chatClient interface {
	Chat(ctx context.Context, req *api.ChatRequest, fn api.ChatResponseFunc) error
}

// OllamaConfig 报告模型配置
type OllamaConfig struct {
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float64
	MaxImageDim int
}

// OllamaDrafter 使用本地 Ollama 视觉模型生成报告
type OllamaDrafter struct {
	client chatClient
	config OllamaConfig
}

// NewOllamaDrafter 创建 Ollama 客户端, 只保留 URL 的 scheme 和 host
func NewOllamaDrafter(cfg OllamaConfig) (*OllamaDrafter, error) {
	parsedURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid URL: %q", cfg.BaseURL)
	}
	baseURL := &url.URL{
		Scheme: parsedURL.Scheme,
		Host:   parsedURL.Host,
	}
	return newOllamaDrafter(api.NewClient(baseURL, http.DefaultClient), cfg), nil
}

func newOllamaDrafter(client chatClient, cfg OllamaConfig) *OllamaDrafter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	return &OllamaDrafter{client: client, config: cfg}
}

// Draft 生成 Markdown 报告
func (d *OllamaDrafter) Draft(ctx context.Context, req *Request) (*Report, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.Timeout)
		defer cancel()
	}

	msg := api.Message{
		Role:    "user",
		Content: BuildPrompt(req),
	}
	if req.Overlay != nil {
		img, err := d.encodeImage(req.Overlay)
		if err != nil {
			return nil, err
		}
		msg.Images = []api.ImageData{img}
	}

	streamFalse := false
	chatReq := &api.ChatRequest{
		Model: d.config.Model,
		Messages: []api.Message{
			{Role: "system", Content: systemPrompt},
			msg,
		},
		Stream: &streamFalse,
		Options: map[string]any{
			"temperature": d.config.Temperature,
			"num_ctx":     4096,
		},
	}

	var content strings.Builder
	err := d.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama chat error: %w", err)
	}

	markdown := sanitizeMarkdown(content.String())
	if markdown == "" {
		return nil, ErrEmptyReport
	}
	return &Report{
		Markdown:  markdown,
		Format:    "markdown",
		Model:     d.config.Model,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (d *OllamaDrafter) encodeImage(img image.Image) (api.ImageData, error) {
	if n := d.config.MaxImageDim; n > 0 {
		b := img.Bounds()
		if b.Dx() > n || b.Dy() > n {
			img = imaging.Fit(img, n, n, imaging.Lanczos)
		}
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("编码叠加图失败: %w", err)
	}
	return api.ImageData(buf.Bytes()), nil
}

var (
	reThink = regexp.MustCompile(`(?s)<think>.*?</think>`)
)

// sanitizeMarkdown 去掉思考段落和代码围栏
func sanitizeMarkdown(raw string) string {
	raw = reThink.ReplaceAllString(raw, "")
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	return strings.TrimSpace(raw)
}
