package main

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/getcharzp/go-medseg/internal/logger"
	"github.com/getcharzp/go-medseg/medsam"
	"github.com/getcharzp/go-medseg/overlay"
	"github.com/getcharzp/go-medseg/segment"
	"github.com/spf13/cobra"
	"github.com/up-zero/gotool/imageutil"
	"go.uber.org/zap"
)

type segmentOptions struct {
	image   string
	points  []string
	box     string
	out     string
	maskOut string
	alpha   float64
	labels  bool
	font    string
}

func newSegmentCommand(ctx *commandContext) *cobra.Command {
	opts := &segmentOptions{}
	cmd := &cobra.Command{
		Use:   "segment",
		Short: "Segment one image from point/box prompts and write the overlay",
		Example: `  medseg segment --image ct.png --point 336,275 --out overlay.png
  medseg segment --image ct.png --box 120,80,300,260 --point 200,150,0 --mask mask.png`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			points := make([]medsam.Point, 0, len(opts.points))
			for _, s := range opts.points {
				p, err := parsePoint(s)
				if err != nil {
					return err
				}
				points = append(points, p)
			}
			var box *medsam.Box
			if opts.box != "" {
				b, err := parseBox(opts.box)
				if err != nil {
					return err
				}
				box = &b
			}
			if len(points) == 0 && box == nil {
				return errors.New("至少需要一个 --point 或 --box")
			}
			fontPath := opts.font
			if fontPath == "" {
				fontPath = cfg.Overlay.FontPath
			}
			format, err := overlay.ParseFormat(strings.TrimPrefix(filepath.Ext(opts.out), "."))
			if err != nil {
				return err
			}

			img, err := imageutil.Open(opts.image)
			if err != nil {
				return fmt.Errorf("打开图片失败: %w", err)
			}

			registry, err := medsam.NewModelRegistry(cfg.Model.MedSAM())
			if err != nil {
				return err
			}
			defer registry.Destroy()

			sess, err := registry.Encode(cmd.Context(), img)
			if err != nil {
				return err
			}
			res, err := registry.Decode(cmd.Context(), &medsam.DecodeRequest{
				Session: sess,
				Points:  points,
				Box:     box,
			})
			if err != nil {
				return err
			}
			logger.Logger.Info("image segmented",
				zap.String("image", opts.image),
				zap.Float32("score", res.Score),
				zap.Int("area", res.Mask.Area()))

			rendered, err := overlay.Render(img, []overlay.Layer{{
				Mask:   res.Mask,
				Width:  res.Width(),
				Height: res.Height(),
				Color:  segment.PaletteColor(0),
				Label:  "Mask 1",
			}}, overlay.Options{Alpha: opts.alpha, Labels: opts.labels, FontPath: fontPath})
			if err != nil {
				return err
			}
			f, err := os.Create(opts.out)
			if err != nil {
				return err
			}
			if err := overlay.Encode(f, rendered, format, 95); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}

			if opts.maskOut != "" {
				if err := imageutil.Save(opts.maskOut, maskToGray(res.Mask, res.Width(), res.Height()), 100); err != nil {
					return fmt.Errorf("保存 mask 失败: %w", err)
				}
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "score=%.4f area=%d size=%dx%d overlay=%s\n",
				res.Score, res.Mask.Area(), res.Width(), res.Height(), opts.out)
			return err
		},
	}

	cmd.Flags().StringVarP(&opts.image, "image", "i", "", "Input image")
	cmd.Flags().StringArrayVarP(&opts.points, "point", "p", nil, "Pixel prompt x,y[,label], label 1=foreground (default) 0=background")
	cmd.Flags().StringVarP(&opts.box, "box", "b", "", "Pixel box x0,y0,x1,y1")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "overlay.png", "Overlay output (.png, .jpg, .webp)")
	cmd.Flags().StringVar(&opts.maskOut, "mask", "", "Binary mask output (optional)")
	cmd.Flags().Float64Var(&opts.alpha, "alpha", overlay.DefaultAlpha, "Mask opacity 0~1")
	cmd.Flags().BoolVar(&opts.labels, "labels", false, "Draw mask names")
	cmd.Flags().StringVar(&opts.font, "font", "", "TrueType font for labels, overrides overlay.font_path")
	_ = cmd.MarkFlagRequired("image")
	return cmd
}

func parseFloats(s string, want ...int) ([]float64, error) {
	parts := strings.Split(s, ",")
	ok := false
	for _, n := range want {
		ok = ok || len(parts) == n
	}
	if !ok {
		return nil, fmt.Errorf("%q: 需要 %v 个逗号分隔的数值", s, want)
	}
	out := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", s, err)
		}
		out[i] = v
	}
	return out, nil
}

// parsePoint 解析 x,y 或 x,y,label
func parsePoint(s string) (medsam.Point, error) {
	v, err := parseFloats(s, 2, 3)
	if err != nil {
		return medsam.Point{}, err
	}
	p := medsam.Point{X: v[0], Y: v[1], Label: medsam.LabelForeground}
	if len(v) == 3 {
		p.Label = medsam.Label(v[2])
		if float64(p.Label) != v[2] || (p.Label != medsam.LabelForeground && p.Label != medsam.LabelBackground) {
			return medsam.Point{}, fmt.Errorf("%q: 标签只能为 0 或 1", s)
		}
	}
	return p, nil
}

// parseBox 解析 x0,y0,x1,y1
func parseBox(s string) (medsam.Box, error) {
	v, err := parseFloats(s, 4)
	if err != nil {
		return medsam.Box{}, err
	}
	return medsam.Box{X0: v[0], Y0: v[1], X1: v[2], Y1: v[3]}, nil
}

func maskToGray(mask medsam.Mask, w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i, v := range mask {
		if v != 0 {
			img.Pix[i] = 255
		}
	}
	return img
}
