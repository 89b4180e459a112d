package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"cv-agent-go/internal/config"
	"cv-agent-go/internal/constants"
	"cv-agent-go/internal/logger"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var embeddingCacheTracer = otel.Tracer("cv-agent-go/storage/embedding_cache")

// NewRedisClient 创建Redis客户端连接并挂载OpenTelemetry钩子
func NewRedisClient(cfg *config.RedisConfig) (*redis.Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis配置不能为空")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis地址不能为空")
	}

	opt := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,

		DialTimeout:  time.Duration(cfg.DialTimeoutSeconds) * time.Second,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSeconds) * time.Second,
	}

	client := redis.NewClient(opt)

	// 记录所有Redis操作到追踪系统
	if err := redisotel.InstrumentTracing(client); err != nil {
		return nil, fmt.Errorf("为Redis挂载OpenTelemetry钩子失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("连接Redis失败 %s: %w", cfg.Address, err)
	}

	return client, nil
}

// 确保CachedEmbedder实现了eino的Embedder接口
var _ embedding.Embedder = (*CachedEmbedder)(nil)

// CachedEmbedder 带Redis缓存的嵌入器。
// 同一文本在不同运行之间复用向量，缓存键按模型名隔离。
// 缓存故障只记日志不阻断，嵌入本身仍由底层嵌入器兜底。
type CachedEmbedder struct {
	inner     embedding.Embedder
	client    *redis.Client
	modelName string
	ttl       time.Duration
}

// NewCachedEmbedder 创建带缓存的嵌入器
func NewCachedEmbedder(inner embedding.Embedder, client *redis.Client, modelName string, ttl time.Duration) *CachedEmbedder {
	if ttl <= 0 {
		ttl = constants.DefaultEmbeddingCacheTTL
	}
	return &CachedEmbedder{
		inner:     inner,
		client:    client,
		modelName: modelName,
		ttl:       ttl,
	}
}

// cacheKey 生成文本的缓存键，文本内容做哈希避免超长键
func (c *CachedEmbedder) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf(constants.KeyEmbeddingVector, c.modelName, hex.EncodeToString(sum[:]))
}

// EmbedStrings 批量嵌入文本，命中缓存的跳过底层调用
func (c *CachedEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error) {
	ctx, span := embeddingCacheTracer.Start(ctx, "CachedEmbedder.EmbedStrings")
	defer span.End()
	span.SetAttributes(attribute.Int("embedding.text_count", len(texts)))

	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float64, len(texts))
	var missTexts []string
	var missIdx []int

	keys := make([]string, len(texts))
	for i, text := range texts {
		keys[i] = c.cacheKey(text)
	}

	cached, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		// 缓存读取失败退化为全部直查
		logger.Ctx(ctx).Warn().Err(err).Msg("读取嵌入缓存失败，全部走底层嵌入")
		cached = make([]interface{}, len(texts))
	}

	for i, raw := range cached {
		s, ok := raw.(string)
		if !ok {
			missTexts = append(missTexts, texts[i])
			missIdx = append(missIdx, i)
			continue
		}
		var vec []float64
		if err := json.Unmarshal([]byte(s), &vec); err != nil || len(vec) == 0 {
			missTexts = append(missTexts, texts[i])
			missIdx = append(missIdx, i)
			continue
		}
		vectors[i] = vec
	}

	span.SetAttributes(
		attribute.Int("embedding.cache_hit", len(texts)-len(missTexts)),
		attribute.Int("embedding.cache_miss", len(missTexts)),
	)

	if len(missTexts) == 0 {
		return vectors, nil
	}

	fresh, err := c.inner.EmbedStrings(ctx, missTexts, opts...)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(missTexts) {
		return nil, fmt.Errorf("嵌入结果数量不匹配: 期望 %d, 实际 %d", len(missTexts), len(fresh))
	}

	pipe := c.client.Pipeline()
	for j, i := range missIdx {
		vectors[i] = fresh[j]
		data, err := json.Marshal(fresh[j])
		if err != nil {
			continue
		}
		pipe.Set(ctx, keys[i], data, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("写入嵌入缓存失败")
	}

	return vectors, nil
}
