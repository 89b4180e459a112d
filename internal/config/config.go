package config

import (
	"fmt"
	"os"
	"time"

	"cv-agent-go/internal/constants"

	"gopkg.in/yaml.v3"
)

// Config 应用程序配置
type Config struct {
	Aliyun struct {
		APIKey     string            `yaml:"api_key"`
		APIURL     string            `yaml:"api_url"`
		Model      string            `yaml:"model"`
		TaskModels map[string]string `yaml:"task_models"` // 任务专用模型（混合模型策略）
		Embedding  EmbeddingConfig   `yaml:"embedding"`
	} `yaml:"aliyun"`

	Qdrant QdrantConfig `yaml:"qdrant"`

	Redis RedisConfig `yaml:"redis"`

	Server ServerConfig `yaml:"server"`

	Workflow WorkflowConfig `yaml:"workflow"`

	Retrieval RetrievalConfig `yaml:"retrieval"`

	Logger LoggerConfig `yaml:"logger"`

	// 模型QPM限制配置
	ModelQPMLimits map[string]int `yaml:"model_qpm_limits"`
}

// EmbeddingConfig Embedding相关配置
type EmbeddingConfig struct {
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	BaseURL    string `yaml:"base_url"`
}

// QdrantConfig Qdrant向量库配置（可选，默认使用进程内索引）
type QdrantConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Endpoint   string `yaml:"endpoint"`
	Collection string `yaml:"collection"`
	Dimension  int    `yaml:"dimension"`
	APIKey     string `yaml:"api_key,omitempty"`
}

// RedisConfig Redis配置（可选的嵌入缓存）
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// 连接池设置
	PoolSize     int `yaml:"pool_size"`
	MinIdleConns int `yaml:"min_idle_conns"`
	// 超时设置
	DialTimeoutSeconds  int `yaml:"dial_timeout_seconds"`
	ReadTimeoutSeconds  int `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int `yaml:"write_timeout_seconds"`
	// 嵌入缓存过期时间(小时)
	EmbeddingCacheTTLHours int `yaml:"embedding_cache_ttl_hours"`
}

// ServerConfig 定义服务器配置
type ServerConfig struct {
	Address string `yaml:"address"` // 例如 ":8080"
}

// WorkflowConfig 工作流编排配置
type WorkflowConfig struct {
	AbortThreshold     int `yaml:"abort_threshold"`      // 低于该分数走ABORT
	SkipThreshold      int `yaml:"skip_threshold"`       // 达到该分数走SKIP_REWRITE
	MaxQAIterations    int `yaml:"max_qa_iterations"`    // 改写-校验循环上限
	ExtractRetries     int `yaml:"extract_retries"`      // 结构校验重试次数
	ProviderRetries    int `yaml:"provider_retries"`     // 瞬时后端故障重试次数
	LLMTimeoutSeconds  int `yaml:"llm_timeout_seconds"`  // 单次模型调用超时
	ProviderBackoffMS  int `yaml:"provider_backoff_ms"`  // 重试退避基准
}

// RetrievalConfig 检索与融合配置
type RetrievalConfig struct {
	TopK          int `yaml:"top_k"`          // 单次检索返回的块数
	FusionQueries int `yaml:"fusion_queries"` // 融合检索查询数量（含种子查询，上限4）
	RRFOffset     int `yaml:"rrf_offset"`     // 倒数排名融合偏移常量
}

// LoggerConfig 定义日志配置
type LoggerConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	TimeFormat   string `yaml:"time_format"`
	ReportCaller bool   `yaml:"report_caller"`
}

// LLMTimeout 将秒数转换为Duration
func (w WorkflowConfig) LLMTimeout() time.Duration {
	return time.Duration(w.LLMTimeoutSeconds) * time.Second
}

// ProviderBackoff 将毫秒数转换为Duration
func (w WorkflowConfig) ProviderBackoff() time.Duration {
	return time.Duration(w.ProviderBackoffMS) * time.Millisecond
}

// TaskModel 返回指定任务绑定的模型名，未配置时回退到默认模型
func (c *Config) TaskModel(task string) string {
	if c.Aliyun.TaskModels != nil {
		if m, ok := c.Aliyun.TaskModels[task]; ok && m != "" {
			return m
		}
	}
	return c.Aliyun.Model
}

// LoadConfig 从YAML文件加载配置，应用默认值并做基本校验
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return nil, fmt.Errorf("必须提供配置文件路径")
	}

	if _, err := os.Stat(configPath); err != nil {
		return nil, fmt.Errorf("配置文件不存在: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	// 从环境变量覆盖配置（如果存在）
	if envKey := os.Getenv("ALIYUN_API_KEY"); envKey != "" {
		config.Aliyun.APIKey = envKey
	}
	if envURL := os.Getenv("ALIYUN_API_URL"); envURL != "" {
		config.Aliyun.APIURL = envURL
	}
	if envModel := os.Getenv("ALIYUN_MODEL"); envModel != "" {
		config.Aliyun.Model = envModel
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// ApplyDefaults 为未填写的字段设置默认值
func (c *Config) ApplyDefaults() {
	if c.Aliyun.Model == "" {
		c.Aliyun.Model = "qwen-plus"
	}
	if c.Aliyun.APIURL == "" {
		c.Aliyun.APIURL = "https://dashscope.aliyuncs.com/compatible-mode/v1/chat/completions"
	}
	if c.Aliyun.Embedding.Model == "" {
		c.Aliyun.Embedding.Model = "text-embedding-v3"
	}
	if c.Aliyun.Embedding.Dimensions == 0 {
		c.Aliyun.Embedding.Dimensions = 1024
	}
	if c.Aliyun.Embedding.BaseURL == "" {
		c.Aliyun.Embedding.BaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1/embeddings"
	}

	if c.Qdrant.Endpoint == "" {
		c.Qdrant.Endpoint = "http://localhost:6333"
	}
	if c.Qdrant.Collection == "" {
		c.Qdrant.Collection = "cv_evidence"
	}
	if c.Qdrant.Dimension == 0 {
		c.Qdrant.Dimension = c.Aliyun.Embedding.Dimensions
	}

	if c.Redis.Address == "" {
		c.Redis.Address = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}
	if c.Redis.EmbeddingCacheTTLHours == 0 {
		c.Redis.EmbeddingCacheTTLHours = int(constants.DefaultEmbeddingCacheTTL / time.Hour)
	}

	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Workflow.AbortThreshold == 0 {
		c.Workflow.AbortThreshold = constants.DefaultAbortThreshold
	}
	if c.Workflow.SkipThreshold == 0 {
		c.Workflow.SkipThreshold = constants.DefaultSkipThreshold
	}
	if c.Workflow.MaxQAIterations == 0 {
		c.Workflow.MaxQAIterations = constants.DefaultMaxQAIterations
	}
	if c.Workflow.ExtractRetries == 0 {
		c.Workflow.ExtractRetries = constants.DefaultExtractRetries
	}
	if c.Workflow.ProviderRetries == 0 {
		c.Workflow.ProviderRetries = constants.DefaultProviderRetries
	}
	if c.Workflow.LLMTimeoutSeconds == 0 {
		c.Workflow.LLMTimeoutSeconds = int(constants.DefaultLLMCallTimeout / time.Second)
	}
	if c.Workflow.ProviderBackoffMS == 0 {
		c.Workflow.ProviderBackoffMS = int(constants.DefaultProviderBackoff / time.Millisecond)
	}

	if c.Retrieval.TopK == 0 {
		c.Retrieval.TopK = constants.DefaultRetrievalTopK
	}
	if c.Retrieval.FusionQueries == 0 {
		c.Retrieval.FusionQueries = constants.DefaultFusionQueries
	}
	if c.Retrieval.RRFOffset == 0 {
		c.Retrieval.RRFOffset = constants.DefaultRRFOffset
	}

	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "json"
	}
}

// Validate 校验阈值之间的关系
func (c *Config) Validate() error {
	if c.Workflow.AbortThreshold < 0 || c.Workflow.AbortThreshold > 100 {
		return fmt.Errorf("abort_threshold 必须在 [0,100] 内, 当前为 %d", c.Workflow.AbortThreshold)
	}
	if c.Workflow.SkipThreshold < 0 || c.Workflow.SkipThreshold > 100 {
		return fmt.Errorf("skip_threshold 必须在 [0,100] 内, 当前为 %d", c.Workflow.SkipThreshold)
	}
	if c.Workflow.AbortThreshold >= c.Workflow.SkipThreshold {
		return fmt.Errorf("abort_threshold (%d) 必须小于 skip_threshold (%d)",
			c.Workflow.AbortThreshold, c.Workflow.SkipThreshold)
	}
	if c.Retrieval.FusionQueries > constants.MaxFusionQueries {
		return fmt.Errorf("fusion_queries 不能超过 %d, 当前为 %d",
			constants.MaxFusionQueries, c.Retrieval.FusionQueries)
	}
	return nil
}
