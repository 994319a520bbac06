package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/getcharzp/go-medseg/internal/cache"
	"github.com/getcharzp/go-medseg/internal/config"
	"github.com/getcharzp/go-medseg/internal/handler"
	"github.com/getcharzp/go-medseg/internal/logger"
	"github.com/getcharzp/go-medseg/internal/report"
	"github.com/getcharzp/go-medseg/internal/service"
	"github.com/getcharzp/go-medseg/internal/store"
	"github.com/getcharzp/go-medseg/medsam"
	"github.com/getcharzp/go-medseg/segment"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Server.Port = port
			}
			return runServer(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "Listen address, overrides server.port")
	return cmd
}

func runServer(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Logger.Info("starting medseg server",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("model", cfg.Model.Name))

	// 初始化模型
	registry, err := medsam.NewModelRegistry(cfg.Model.MedSAM())
	if err != nil {
		return err
	}
	defer registry.Destroy()
	logger.Logger.Info("model loaded",
		zap.String("encoder", cfg.Model.EncodeModelPath),
		zap.String("decoder", cfg.Model.DecodeModelPath))

	opts := []service.Option{service.WithFontPath(cfg.Overlay.FontPath)}

	// 初始化Redis
	if cfg.Redis.Enabled {
		redisCache := cache.NewRedisCache(&cfg.Redis)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Logger.Warn("redis connection failed, cache disabled", zap.Error(err))
			_ = redisCache.Close()
		} else {
			logger.Logger.Info("redis connected successfully")
			defer redisCache.Close()
			opts = append(opts, service.WithCache(redisCache))
		}
	}

	// 快照存储
	if cfg.Store.Enabled {
		snapshots, err := store.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer snapshots.Close()
		opts = append(opts, service.WithSnapshots(snapshots))
	}

	// 报告模型
	if cfg.Report.Enabled {
		drafter, err := report.NewOllamaDrafter(report.OllamaConfig{
			BaseURL:     cfg.Report.BaseURL,
			Model:       cfg.Report.Model,
			Timeout:     cfg.Report.Timeout,
			Temperature: cfg.Report.Temperature,
			MaxImageDim: cfg.Report.MaxImageDim,
		})
		if err != nil {
			return err
		}
		opts = append(opts, service.WithDrafter(drafter))
	}

	sessions := segment.NewStore(cfg.Session.Segment())
	defer sessions.Close()
	pipeline := service.NewPipeline(registry, sessions, opts...)

	gin.SetMode(cfg.Server.Mode)
	router := handler.NewRouter(cfg, pipeline, handler.BuildInfo{Version: Version, BuildTime: BuildTime})

	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Logger.Info("server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
