package handler

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/getcharzp/go-medseg/internal/config"
	"github.com/getcharzp/go-medseg/internal/logger"
	"github.com/getcharzp/go-medseg/internal/middleware"
	"github.com/getcharzp/go-medseg/internal/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// BuildInfo 版本信息
type BuildInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
}

// NewRouter 创建路由
func NewRouter(cfg *config.Config, pipeline *service.Pipeline, build BuildInfo) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS())
	r.MaxMultipartMemory = cfg.Upload.MaxSize

	// 健康检查和版本信息
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"version": build.Version,
			"model":   pipeline.Model().Name(),
		})
	})
	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, build)
	})

	models := NewModelHandler(cfg, pipeline)
	sessions := NewSessionHandler(cfg, pipeline)
	segs := NewSegHandler(pipeline)

	m := r.Group("/api/models")
	{
		m.POST("/load_model", models.LoadModel)
		m.POST("/run_model", models.RunModel)
	}

	s := r.Group("/api/v1/sessions")
	{
		s.POST("", sessions.Create)
		s.GET("/:id", sessions.Get)
		s.DELETE("/:id", sessions.Delete)
		s.PUT("/:id/image", sessions.ReplaceImage)

		s.GET("/:id/slots", sessions.ListSlots)
		s.POST("/:id/slots", sessions.StartSlot)
		s.PUT("/:id/slots/:slot", sessions.UpdateSlot)
		s.PUT("/:id/slots/:slot/select", sessions.SelectSlot)
		s.PUT("/:id/slots/:slot/visible", sessions.SetVisible)
		s.DELETE("/:id/slots/:slot", sessions.DeleteSlot)

		s.POST("/:id/points", sessions.AddPoint)
		s.PUT("/:id/box", sessions.SetBox)
		s.POST("/:id/undo", sessions.Undo)
		s.POST("/:id/decode", sessions.Decode)

		s.GET("/:id/overlay", sessions.Overlay)
		s.POST("/:id/report", sessions.Report)
		s.POST("/:id/snapshot", sessions.Snapshot)
	}

	g := r.Group("/api/segs")
	{
		g.GET("", segs.List)
		g.GET("/:id", segs.Get)
		g.POST("", segs.Create)
	}

	return r
}

// readUpload 读取 multipart 中的 image 字段并解码
func readUpload(c *gin.Context, cfg *config.UploadConfig) (*service.Upload, bool) {
	file, err := c.FormFile("image")
	if err != nil {
		logger.Logger.Warn("failed to get uploaded file", zap.Error(err))
		badRequest(c, "请上传图片文件", err)
		return nil, false
	}

	// 验证文件大小
	if cfg.MaxSize > 0 && file.Size > cfg.MaxSize {
		badRequest(c, fmt.Sprintf("文件大小超过限制 (%d MB)", cfg.MaxSize/(1024*1024)), nil)
		return nil, false
	}

	// 验证文件类型
	contentType := file.Header.Get("Content-Type")
	if !isAllowedType(cfg.AllowedTypes, contentType) {
		badRequest(c, "不支持的文件类型: "+contentType, nil)
		return nil, false
	}

	f, err := file.Open()
	if err != nil {
		fail(c, err)
		return nil, false
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		fail(c, err)
		return nil, false
	}

	up, err := service.DecodeUpload(data)
	if err != nil {
		fail(c, err)
		return nil, false
	}
	logger.Logger.Info("file uploaded",
		zap.String("filename", file.Filename),
		zap.String("md5", up.MD5),
		zap.String("type", up.Type),
		zap.Int64("size", file.Size))
	return up, true
}

// isAllowedType 未声明类型或 octet-stream 时交给解码器判断
func isAllowedType(allowed []string, contentType string) bool {
	if len(allowed) == 0 || contentType == "" || contentType == "application/octet-stream" {
		return true
	}
	contentType = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	for _, t := range allowed {
		if strings.EqualFold(t, contentType) {
			return true
		}
	}
	return false
}
