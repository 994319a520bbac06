package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/getcharzp/go-medseg/internal/config"
	"github.com/getcharzp/go-medseg/internal/logger"
	"github.com/getcharzp/go-medseg/medsam"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Embeddings 图片 embedding 的二级缓存
type Embeddings interface {
	// Get 未命中时返回 nil, nil
	Get(ctx context.Context, key string) (*medsam.ImageSession, error)
	Set(ctx context.Context, key string, sess *medsam.ImageSession) error
}

// Key 缓存键, 同一图片在不同模型下的 embedding 互不相同
func Key(model, md5 string) string {
	return "embedding:" + model + ":" + md5
}

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(cfg *config.RedisConfig) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &RedisCache{
		client: client,
		ttl:    cfg.TTL,
	}
}

func (s *RedisCache) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Get 从缓存读取 embedding
func (s *RedisCache) Get(ctx context.Context, key string) (*medsam.ImageSession, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // 缓存未命中
		}
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	sess, err := decodeEntry(fields)
	if err != nil {
		logger.Logger.Error("failed to decode cached embedding",
			zap.String("key", key), zap.Error(err))
		return nil, err
	}
	return sess, nil
}

// Set 写入 embedding 并设置过期时间
func (s *RedisCache) Set(ctx context.Context, key string, sess *medsam.ImageSession) error {
	fields := encodeEntry(sess)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	return err
}

func (s *RedisCache) Close() error {
	return s.client.Close()
}

func encodeEntry(sess *medsam.ImageSession) map[string]any {
	h, w := sess.OrigSize()
	emb := sess.Embedding()
	return map[string]any{
		"data":   EncodeFloat32s(emb.Data),
		"dims":   joinDims(emb.Dims[:]),
		"orig_h": h,
		"orig_w": w,
	}
}

func decodeEntry(fields map[string]string) (*medsam.ImageSession, error) {
	dims, err := splitDims(fields["dims"])
	if err != nil {
		return nil, err
	}
	h, err := strconv.Atoi(fields["orig_h"])
	if err != nil {
		return nil, fmt.Errorf("orig_h: %w", err)
	}
	w, err := strconv.Atoi(fields["orig_w"])
	if err != nil {
		return nil, fmt.Errorf("orig_w: %w", err)
	}
	data, err := DecodeFloat32s([]byte(fields["data"]))
	if err != nil {
		return nil, err
	}
	return medsam.NewImageSession(h, w, data, dims)
}

// EncodeFloat32s 小端序
func EncodeFloat32s(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// DecodeFloat32s 小端序
func DecodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("数据长度 %d 不是 4 的倍数", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}

func joinDims(dims []int64) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = strconv.FormatInt(d, 10)
	}
	return strings.Join(parts, ",")
}

func splitDims(s string) ([]int64, error) {
	if s == "" {
		return nil, errors.New("dims 为空")
	}
	parts := strings.Split(s, ",")
	dims := make([]int64, len(parts))
	for i, p := range parts {
		d, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("dims: %w", err)
		}
		dims[i] = d
	}
	return dims, nil
}
