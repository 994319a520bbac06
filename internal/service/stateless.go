package service

import (
	"context"
	"fmt"

	"github.com/getcharzp/go-medseg/medsam"
)

// LoadModelResponse /api/models/load_model 的响应
type LoadModelResponse struct {
	Message         string    `json:"message"`
	ImageEmbeddings []float32 `json:"image_embeddings"`
	EmbeddingDims   []int64   `json:"embedding_dims"`
	OrigImSize      [2]int    `json:"orig_im_size"`
	Cached          bool      `json:"cached"`
}

// RunModelRequest /api/models/run_model 的请求, 坐标为原图像素坐标
type RunModelRequest struct {
	ImageEmbeddings []float32   `json:"image_embeddings"`
	EmbeddingDims   []int64     `json:"embedding_dims"`
	PointCoords     [][]float64 `json:"point_coords"`
	PointLabels     []float64   `json:"point_labels"`
	Boxes           [][]float64 `json:"boxes"`
	MaskInput       []float32   `json:"mask_input"`
	HasMaskInput    []float32   `json:"has_mask_input"`
	OrigImSize      []int       `json:"orig_im_size"`
}

// RunModelResponse /api/models/run_model 的响应
type RunModelResponse struct {
	Message          string      `json:"message"`
	Masks            medsam.Mask `json:"masks"`
	MasksShape       []int64     `json:"masks_shape"`
	IoUPredictions   []float32   `json:"iou_predictions"`
	IoUShape         []int64     `json:"iou_shape"`
	LowResMasks      []float32   `json:"low_res_masks"`
	LowResMasksShape []int64     `json:"low_res_masks_shape"`
	UsedMaskInput    bool        `json:"used_mask_input"`
	Score            float32     `json:"score"`
}

// LoadModel 编码上传的图片并返回 embedding
func (p *Pipeline) LoadModel(ctx context.Context, up *Upload) (*LoadModelResponse, error) {
	sess, cached, err := p.Embed(ctx, up)
	if err != nil {
		return nil, err
	}
	h, w := sess.OrigSize()
	emb := sess.Embedding()
	return &LoadModelResponse{
		Message:         "success",
		ImageEmbeddings: emb.Data,
		EmbeddingDims:   emb.Dims[:],
		OrigImSize:      [2]int{h, w},
		Cached:          cached,
	}, nil
}

// DecodeRequest 校验并转换为解码请求
//
// 客户端附带的 (0, 0) / -1 占位点会被丢弃, 由服务端重新追加。
func (r *RunModelRequest) DecodeRequest() (*medsam.DecodeRequest, error) {
	if len(r.ImageEmbeddings) == 0 || len(r.EmbeddingDims) == 0 {
		return nil, fmt.Errorf("%w: 请求未携带 image_embeddings", medsam.ErrMissingEmbedding)
	}
	if len(r.OrigImSize) != 2 {
		return nil, fmt.Errorf("%w: orig_im_size 需要 [H, W]", medsam.ErrInvalidPromptShape)
	}
	sess, err := medsam.NewImageSession(r.OrigImSize[0], r.OrigImSize[1], r.ImageEmbeddings, r.EmbeddingDims)
	if err != nil {
		return nil, err
	}
	if len(r.PointCoords) != len(r.PointLabels) {
		return nil, fmt.Errorf("%w: point_coords 数量 %d 与 point_labels 数量 %d 不一致",
			medsam.ErrInvalidPromptShape, len(r.PointCoords), len(r.PointLabels))
	}

	coords := make([][]float64, 0, len(r.PointCoords))
	labels := make([]float64, 0, len(r.PointLabels))
	for i, l := range r.PointLabels {
		if l == float64(medsam.LabelPadding) {
			continue
		}
		coords = append(coords, r.PointCoords[i])
		labels = append(labels, l)
	}
	points, err := medsam.PointsFromWire(coords, labels)
	if err != nil {
		return nil, err
	}
	box, err := medsam.BoxFromWire(r.Boxes)
	if err != nil {
		return nil, err
	}

	req := &medsam.DecodeRequest{Session: sess, Points: points, Box: box, MaskInput: r.MaskInput}
	if len(r.HasMaskInput) > 0 {
		has := r.HasMaskInput[0]
		req.HasMaskInput = &has
	}
	return req, nil
}

// RunModel 无状态解码, embedding 由客户端回传
func (p *Pipeline) RunModel(ctx context.Context, r *RunModelRequest) (*RunModelResponse, error) {
	req, err := r.DecodeRequest()
	if err != nil {
		return nil, err
	}
	res, err := p.model.Decode(ctx, req)
	if err != nil {
		return nil, err
	}
	return &RunModelResponse{
		Message:          "success",
		Masks:            res.Mask,
		MasksShape:       res.MaskShape,
		IoUPredictions:   res.IoUPredictions,
		IoUShape:         res.IoUShape,
		LowResMasks:      res.LowResMask,
		LowResMasksShape: res.LowResShape,
		UsedMaskInput:    res.UsedMaskInput,
		Score:            res.Score,
	}, nil
}
