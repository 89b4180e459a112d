package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cv-agent-go/internal/agent"
	"cv-agent-go/internal/api/handler"
	"cv-agent-go/internal/api/router"
	"cv-agent-go/internal/config"
	"cv-agent-go/internal/llm"
	appLogger "cv-agent-go/internal/logger"
	"cv-agent-go/internal/retrieval"
	"cv-agent-go/internal/storage"
	"cv-agent-go/internal/workflow"
	"cv-agent-go/pkg/ratelimit"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	glog "github.com/cloudwego/hertz/pkg/common/hlog"
	hertzadapter "github.com/hertz-contrib/logger/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	var configPath string
	pflag.StringVarP(&configPath, "config", "c", "internal/config/config.yaml", "Path to config file")
	pflag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		glog.Fatalf("加载配置失败: %v", err)
	}

	initLogger(cfg)
	glog.Info("配置加载成功")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 嵌入器，可选Redis缓存
	var embedder embedding.Embedder
	aliyunEmbedder, err := llm.NewAliyunEmbedder(cfg.Aliyun.APIKey, cfg.Aliyun.Embedding)
	if err != nil {
		glog.Fatalf("初始化阿里云Embedder失败: %v", err)
	}
	embedder = aliyunEmbedder

	if cfg.Redis.Enabled {
		redisClient, err := storage.NewRedisClient(&cfg.Redis)
		if err != nil {
			glog.Fatalf("初始化Redis失败: %v", err)
		}
		defer redisClient.Close()

		ttl := time.Duration(cfg.Redis.EmbeddingCacheTTLHours) * time.Hour
		embedder = storage.NewCachedEmbedder(aliyunEmbedder, redisClient, cfg.Aliyun.Embedding.Model, ttl)
		glog.Info("嵌入缓存已启用")
	}

	// 证据索引，默认进程内，可选Qdrant
	var index retrieval.EvidenceIndex
	if cfg.Qdrant.Enabled {
		qdrantIndex, err := storage.NewQdrantIndex(&cfg.Qdrant, embedder)
		if err != nil {
			glog.Fatalf("初始化Qdrant索引失败: %v", err)
		}
		index = qdrantIndex
		glog.Info("使用Qdrant证据索引")
	} else {
		index = retrieval.NewMemoryIndex(embedder)
		glog.Info("使用进程内证据索引")
	}

	// 每个任务独立的限流模型，混合模型策略按任务选模型
	extractModel := buildModel(cfg, "extract")
	scoreModel := buildModel(cfg, "score")
	rewriteModel := buildModel(cfg, "rewrite")
	qaModel := buildModel(cfg, "qa")
	queryModel := buildModel(cfg, "query")

	retriever := retrieval.NewFusionRetriever(index, queryModel,
		retrieval.WithNumQueries(cfg.Retrieval.FusionQueries),
		retrieval.WithRRFOffset(cfg.Retrieval.RRFOffset),
	)

	llmTimeout := cfg.Workflow.LLMTimeout()
	providerRetries := cfg.Workflow.ProviderRetries
	providerBackoff := cfg.Workflow.ProviderBackoff()

	extractor := agent.NewExtractor(extractModel, index,
		agent.WithExtractRetries(cfg.Workflow.ExtractRetries),
		agent.WithExtractorLLMPolicy(llmTimeout, providerRetries, providerBackoff))
	scorer := agent.NewScorer(scoreModel, retriever, index,
		agent.WithScorerTopK(cfg.Retrieval.TopK),
		agent.WithScorerLLMPolicy(llmTimeout, providerRetries, providerBackoff))
	rewriter := agent.NewRewriter(rewriteModel, retriever, index,
		agent.WithRewriterTopK(cfg.Retrieval.TopK),
		agent.WithRewriterLLMPolicy(llmTimeout, providerRetries, providerBackoff))
	qaChecker := agent.NewQAChecker(qaModel, index,
		agent.WithQALLMPolicy(llmTimeout, providerRetries, providerBackoff))

	wf := workflow.NewWorkflow(extractor, scorer, rewriter, qaChecker, index,
		workflow.WithThresholds(cfg.Workflow.AbortThreshold, cfg.Workflow.SkipThreshold),
		workflow.WithMaxQAIterations(cfg.Workflow.MaxQAIterations),
	)
	glog.Info("工作流初始化成功")

	adaptHandler := handler.NewAdaptHandler(wf)

	h := server.New(
		server.WithHostPorts(cfg.Server.Address),
		server.WithHandleMethodNotAllowed(true),
	)
	h.Use(func(c context.Context, reqCtx *app.RequestContext) {
		glog.CtxInfof(c, "Request: %s %s", string(reqCtx.Method()), string(reqCtx.Path()))
		reqCtx.Next(c)
		glog.CtxInfof(c, "Response: status %d", reqCtx.Response.StatusCode())
	})

	router.RegisterRoutes(h, adaptHandler)
	glog.Info("HTTP路由注册成功")

	glog.Infof("HTTP 服务器启动中，监听地址: %s", cfg.Server.Address)
	go func() {
		if err := h.Run(); err != nil {
			glog.Fatalf("启动HTTP服务器失败: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	glog.Info("接收到终止信号，正在优雅退出...")

	shutdownCtx, cancelShutdown := context.WithTimeout(ctx, 5*time.Second)
	defer cancelShutdown()
	if err := h.Shutdown(shutdownCtx); err != nil {
		glog.Fatalf("服务器关闭失败: %v", err)
	}
	glog.Info("优雅退出完成")
}

// buildModel 为指定任务构建带限流的模型
func buildModel(cfg *config.Config, task string) model.ToolCallingChatModel {
	modelName := cfg.TaskModel(task)
	base, err := llm.NewAliyunQwenChatModel(cfg.Aliyun.APIKey, modelName, cfg.Aliyun.APIURL)
	if err != nil {
		glog.Fatalf("初始化%s任务模型失败: %v", task, err)
	}

	return ratelimit.NewLLMWithRateLimit(base, modelName, cfg.ModelQPMLimits,
		0, cfg.Workflow.ProviderRetries, cfg.Workflow.ProviderBackoff())
}

func initLogger(cfg *config.Config) {
	appLogger.Init(appLogger.Config{
		Level:        cfg.Logger.Level,
		Format:       cfg.Logger.Format,
		TimeFormat:   cfg.Logger.TimeFormat,
		ReportCaller: cfg.Logger.ReportCaller,
	})

	// Hertz日志走同一个zerolog实例
	glog.SetLogger(hertzadapter.From(appLogger.Logger))
}
