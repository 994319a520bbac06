package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/getcharzp/go-medseg/medsam"
	"github.com/getcharzp/go-medseg/segment"
	"github.com/spf13/viper"
)

// DefaultPath 默认配置文件
const DefaultPath = "config.yaml"

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Model   ModelConfig   `mapstructure:"model"`
	Session SessionConfig `mapstructure:"session"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Store   StoreConfig   `mapstructure:"store"`
	Report  ReportConfig  `mapstructure:"report"`
	Upload  UploadConfig  `mapstructure:"upload"`
	Overlay OverlayConfig `mapstructure:"overlay"`
}

type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type ModelConfig struct {
	OnnxRuntimeLibPath string        `mapstructure:"onnxruntime_lib_path"`
	EncodeModelPath    string        `mapstructure:"encode_model_path"`
	DecodeModelPath    string        `mapstructure:"decode_model_path"`
	Name               string        `mapstructure:"name"`
	Preprocess         string        `mapstructure:"preprocess"`
	InputSize          int           `mapstructure:"input_size"`
	EncodeTimeout      time.Duration `mapstructure:"encode_timeout"`
	DecodeTimeout      time.Duration `mapstructure:"decode_timeout"`
	MaxConcurrent      int           `mapstructure:"max_concurrent"`
	QueueTimeout       time.Duration `mapstructure:"queue_timeout"`
	UseCuda            bool          `mapstructure:"use_cuda"`
	NumThreads         int           `mapstructure:"num_threads"`
}

type SessionConfig struct {
	TTL        time.Duration `mapstructure:"ttl"`
	MaxEntries int           `mapstructure:"max_entries"`
	HistoryCap int           `mapstructure:"history_cap"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type ReportConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Temperature float64       `mapstructure:"temperature"`
	MaxImageDim int           `mapstructure:"max_image_dim"`
}

type OverlayConfig struct {
	FontPath string `mapstructure:"font_path"`
}

type UploadConfig struct {
	MaxSize      int64    `mapstructure:"max_size"`
	AllowedTypes []string `mapstructure:"allowed_types"`
}

// Load 从 YAML 文件加载配置, 环境变量 MEDSEG_<SECTION>_<KEY> 优先
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("medseg")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 设置默认值
	setDefaults(v)

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// New 加载配置, 失败时返回默认配置
func New(configPath string) *Config {
	if configPath == "" {
		configPath = DefaultPath
	}
	cfg, err := Load(configPath)
	if err != nil {
		return Default()
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.mode", d.Server.Mode)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)

	v.SetDefault("model.onnxruntime_lib_path", d.Model.OnnxRuntimeLibPath)
	v.SetDefault("model.encode_model_path", d.Model.EncodeModelPath)
	v.SetDefault("model.decode_model_path", d.Model.DecodeModelPath)
	v.SetDefault("model.name", d.Model.Name)
	v.SetDefault("model.preprocess", d.Model.Preprocess)
	v.SetDefault("model.input_size", d.Model.InputSize)
	v.SetDefault("model.encode_timeout", d.Model.EncodeTimeout)
	v.SetDefault("model.decode_timeout", d.Model.DecodeTimeout)
	v.SetDefault("model.max_concurrent", d.Model.MaxConcurrent)
	v.SetDefault("model.queue_timeout", d.Model.QueueTimeout)
	v.SetDefault("model.use_cuda", d.Model.UseCuda)
	v.SetDefault("model.num_threads", d.Model.NumThreads)

	v.SetDefault("session.ttl", d.Session.TTL)
	v.SetDefault("session.max_entries", d.Session.MaxEntries)
	v.SetDefault("session.history_cap", d.Session.HistoryCap)

	v.SetDefault("redis.enabled", d.Redis.Enabled)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.ttl", d.Redis.TTL)

	v.SetDefault("store.enabled", d.Store.Enabled)
	v.SetDefault("store.path", d.Store.Path)

	v.SetDefault("report.enabled", d.Report.Enabled)
	v.SetDefault("report.base_url", d.Report.BaseURL)
	v.SetDefault("report.model", d.Report.Model)
	v.SetDefault("report.timeout", d.Report.Timeout)
	v.SetDefault("report.temperature", d.Report.Temperature)
	v.SetDefault("report.max_image_dim", d.Report.MaxImageDim)

	v.SetDefault("upload.max_size", d.Upload.MaxSize)
	v.SetDefault("upload.allowed_types", d.Upload.AllowedTypes)

	v.SetDefault("overlay.font_path", d.Overlay.FontPath)
}

// Default 默认配置
func Default() *Config {
	m := medsam.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Port:         ":8080",
			Mode:         "debug",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
		},
		Model: ModelConfig{
			OnnxRuntimeLibPath: m.OnnxRuntimeLibPath,
			EncodeModelPath:    m.EncodeModelPath,
			DecodeModelPath:    m.DecodeModelPath,
			Name:               m.Name,
			Preprocess:         string(m.Preprocess),
			InputSize:          m.InputSize,
			EncodeTimeout:      m.EncodeTimeout,
			DecodeTimeout:      m.DecodeTimeout,
			MaxConcurrent:      m.MaxConcurrent,
			QueueTimeout:       m.QueueTimeout,
			UseCuda:            m.UseCuda,
			NumThreads:         m.NumThreads,
		},
		Session: SessionConfig{
			TTL:        30 * time.Minute,
			MaxEntries: 64,
			HistoryCap: segment.DefaultHistoryCap,
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			DB:      0,
			TTL:     24 * time.Hour,
		},
		Store: StoreConfig{
			Enabled: true,
			Path:    "medseg.db",
		},
		Report: ReportConfig{
			Enabled:     false,
			BaseURL:     "http://localhost:11434",
			Model:       "llava:13b",
			Timeout:     300 * time.Second,
			Temperature: 0.2,
			MaxImageDim: 1024,
		},
		Upload: UploadConfig{
			MaxSize:      20 * 1024 * 1024,
			AllowedTypes: []string{"image/jpeg", "image/png", "image/jpg", "image/webp", "image/bmp", "image/tiff"},
		},
	}
}

// MedSAM 转为模型配置
func (c ModelConfig) MedSAM() medsam.Config {
	return medsam.Config{
		OnnxRuntimeLibPath: c.OnnxRuntimeLibPath,
		EncodeModelPath:    c.EncodeModelPath,
		DecodeModelPath:    c.DecodeModelPath,
		Name:               c.Name,
		Preprocess:         medsam.Preprocess(c.Preprocess),
		InputSize:          c.InputSize,
		EncodeTimeout:      c.EncodeTimeout,
		DecodeTimeout:      c.DecodeTimeout,
		MaxConcurrent:      c.MaxConcurrent,
		QueueTimeout:       c.QueueTimeout,
		UseCuda:            c.UseCuda,
		NumThreads:         c.NumThreads,
	}
}

// Segment 转为会话缓存配置
func (c SessionConfig) Segment() segment.StoreConfig {
	return segment.StoreConfig{
		TTL:        c.TTL,
		MaxEntries: c.MaxEntries,
		HistoryCap: c.HistoryCap,
	}
}
