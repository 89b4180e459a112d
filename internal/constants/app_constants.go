package constants

import "time"

const (
	// 工作流默认参数
	DefaultAbortThreshold  = 50 // 低于该分数直接放弃改写
	DefaultSkipThreshold   = 95 // 达到该分数跳过改写
	DefaultMaxQAIterations = 2  // 改写-校验循环上限
	DefaultExtractRetries  = 2  // 结构校验失败后的重试次数
	DefaultProviderRetries = 2  // 瞬时后端故障的重试次数
	DefaultLLMCallTimeout  = 60 * time.Second
	DefaultProviderBackoff = 1 * time.Second

	// 检索默认参数
	DefaultRetrievalTopK = 5  // 单次检索返回的块数
	DefaultFusionQueries = 3  // 融合检索的查询数量（含种子查询）
	MaxFusionQueries     = 4  // 融合查询数量上限，约束并发的检索扇出
	DefaultRRFOffset     = 60 // 倒数排名融合的偏移常量

	// 嵌入缓存
	DefaultEmbeddingCacheTTL = 24 * time.Hour

	// 改写的目标章节，顺序即输出顺序
	SectionSummary    = "summary"
	SectionExperience = "experience"
	SectionSkills     = "skills"
)

// Redis Key 前缀和格式常量
// 使用统一的命名规范: app:{module}:{entity}:{unique_id}
const (
	// AppPrefix 是所有Redis Key的统一应用前缀
	AppPrefix = "app"

	// EmbedModulePrefix 嵌入模块
	EmbedModulePrefix = "embed"
	// EntityVector 向量实体
	EntityVector = "vector"

	// KeyEmbeddingVector 文本嵌入缓存 (STRING, JSON编码的向量)
	// 格式: app:embed:vector:{model}:{sha256(text)}
	KeyEmbeddingVector = AppPrefix + ":" + EmbedModulePrefix + ":" + EntityVector + ":%s:%s"
)
