package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"cv-agent-go/internal/config"
	"cv-agent-go/internal/retrieval"
	"cv-agent-go/internal/tracing"
	"cv-agent-go/internal/types"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/gofrs/uuid/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// 定义Qdrant的专用tracer
var qdrantTracer = otel.Tracer("cv-agent-go/storage/qdrant")

// QdrantPointIDNamespace 用于生成确定性Qdrant点ID的专用命名空间。
// 相同分区+相同块ID永远映射到同一个点ID，重复写入天然幂等。
var QdrantPointIDNamespace = uuid.Must(uuid.FromString("9b1f4c8e-2d57-4a6b-b0c3-5e84d1f2a9c6"))

// 确保QdrantIndex实现了证据索引接口
var _ retrieval.EvidenceIndex = (*QdrantIndex)(nil)

// QdrantIndex 基于Qdrant的证据索引。
// 两个分区共用一个集合，靠payload中的namespace字段做硬过滤隔离。
type QdrantIndex struct {
	endpoint       string
	collectionName string
	vectorSize     int
	distanceMetric string
	apiKey         string
	httpClient     *http.Client
	embedder       embedding.Embedder
}

// QdrantOption 定义Qdrant构造函数选项
type QdrantOption func(*QdrantIndex)

// WithDistanceMetric 设置距离度量
func WithDistanceMetric(metric string) QdrantOption {
	return func(q *QdrantIndex) {
		q.distanceMetric = metric
	}
}

// WithHTTPTimeout 设置HTTP客户端超时
func WithHTTPTimeout(timeout time.Duration) QdrantOption {
	return func(q *QdrantIndex) {
		q.httpClient = &http.Client{Timeout: timeout}
	}
}

// NewQdrantIndex 创建Qdrant证据索引，并确保集合存在
func NewQdrantIndex(cfg *config.QdrantConfig, embedder embedding.Embedder, opts ...QdrantOption) (*QdrantIndex, error) {
	if cfg == nil {
		return nil, fmt.Errorf("qdrant配置不能为空")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder不能为空")
	}

	q := &QdrantIndex{
		endpoint:       cfg.Endpoint,
		collectionName: cfg.Collection,
		vectorSize:     cfg.Dimension,
		distanceMetric: "Cosine",
		apiKey:         cfg.APIKey,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		embedder:       embedder,
	}
	if q.endpoint == "" {
		q.endpoint = "http://localhost:6333"
	}
	if q.collectionName == "" {
		q.collectionName = "cv_evidence"
	}
	if q.vectorSize <= 0 {
		q.vectorSize = 1024
	}

	for _, opt := range opts {
		opt(q)
	}

	if err := q.ensureCollectionExists(context.Background()); err != nil {
		return nil, fmt.Errorf("确保集合 '%s' 存在失败: %w", q.collectionName, err)
	}

	return q, nil
}

// ensureCollectionExists 确保向量集合存在
func (q *QdrantIndex) ensureCollectionExists(ctx context.Context) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.EnsureCollectionExists",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("net.peer.name", q.endpoint),
		attribute.String("db.system", "qdrant"),
		attribute.String("db.operation", "check_collection"),
		attribute.String("db.collection", q.collectionName),
		attribute.Int("db.vector_size", q.vectorSize),
	)

	url := fmt.Sprintf("%s/collections/%s", q.endpoint, q.collectionName)
	resp, err := q.doRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		span.AddEvent("collection_not_found", trace.WithAttributes(
			attribute.String("action", "create_collection"),
		))
		return q.createCollection(ctx)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("检查集合失败，状态码: %d, 响应: %s", resp.StatusCode, string(body))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// createCollection 创建新的向量集合
func (q *QdrantIndex) createCollection(ctx context.Context) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.CreateCollection",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("db.system", "qdrant"),
		attribute.String("db.operation", "create_collection"),
		attribute.String("db.collection", q.collectionName),
		attribute.Int("db.vector_size", q.vectorSize),
		attribute.String("db.vector.distance", q.distanceMetric),
	)

	createReqBody := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     q.vectorSize,
			"distance": q.distanceMetric,
		},
		"optimizers_config": map[string]interface{}{
			"default_segment_number": 2,
		},
	}

	url := fmt.Sprintf("%s/collections/%s", q.endpoint, q.collectionName)
	resp, err := q.doRequest(ctx, http.MethodPut, url, createReqBody)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("创建集合失败，状态码: %d, 响应: %s", resp.StatusCode, string(body))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// pointID 生成确定性点ID，保证对同一分区同一块的重复写入幂等
func (q *QdrantIndex) pointID(ns types.Namespace, chunkID string) string {
	idSource := fmt.Sprintf("namespace:%s_chunk_id:%s", ns, chunkID)
	return uuid.NewV5(QdrantPointIDNamespace, idSource).String()
}

// Upsert 向指定分区写入证据块，未携带向量的块先做嵌入
func (q *QdrantIndex) Upsert(ctx context.Context, ns types.Namespace, chunks []types.EvidenceChunk) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.Upsert",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("db.system", "qdrant"),
		attribute.String("db.operation", "upsert_points"),
		attribute.String("db.collection", q.collectionName),
		attribute.String("index.namespace", string(ns)),
		attribute.Int("index.chunk_count", len(chunks)),
	)

	if err := checkNamespace(ns); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if len(chunks) == 0 {
		span.SetStatus(codes.Ok, "no chunks to store")
		return nil
	}

	var pendingTexts []string
	var pendingIdx []int
	for i, c := range chunks {
		if len(c.Vector) == 0 {
			pendingTexts = append(pendingTexts, c.Text)
			pendingIdx = append(pendingIdx, i)
		}
	}
	if len(pendingTexts) > 0 {
		vectors, err := q.embedder.EmbedStrings(ctx, pendingTexts)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return types.NewRetrievalError("upsert", err)
		}
		if len(vectors) != len(pendingTexts) {
			err := fmt.Errorf("嵌入结果数量不匹配: 期望 %d, 实际 %d", len(pendingTexts), len(vectors))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return types.NewRetrievalError("upsert", err)
		}
		for j, i := range pendingIdx {
			chunks[i].Vector = vectors[j]
		}
	}

	points := make([]interface{}, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Vector) != q.vectorSize {
			err := fmt.Errorf("向量维度(%d)与配置维度(%d)不匹配", len(c.Vector), q.vectorSize)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return types.NewRetrievalError("upsert", err)
		}
		points = append(points, map[string]interface{}{
			"id":     q.pointID(ns, c.ID),
			"vector": c.Vector,
			"payload": map[string]interface{}{
				"chunk_id":     c.ID,
				"namespace":    string(ns),
				"chunk_kind":   c.Kind,
				"content_text": c.Text,
			},
		})
	}

	url := fmt.Sprintf("%s/collections/%s/points?wait=true", q.endpoint, q.collectionName)
	resp, err := q.doRequest(ctx, http.MethodPut, url, map[string]interface{}{"points": points})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return types.NewRetrievalError("upsert", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("写入向量失败，状态码: %d, 响应: %s", resp.StatusCode, string(body))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return types.NewRetrievalError("upsert", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// Search 在指定分区内做向量检索。namespace过滤在服务端执行，
// 不依赖客户端过滤，保证分区之间绝不串块。
func (q *QdrantIndex) Search(ctx context.Context, ns types.Namespace, query string, k int) ([]retrieval.ScoredChunk, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.Search",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("db.system", "qdrant"),
		attribute.String("db.operation", "search_points"),
		attribute.String("db.collection", q.collectionName),
		attribute.String("index.namespace", string(ns)),
		attribute.Int("index.top_k", k),
		attribute.String("db.query_preview", tracing.SafeChunkContent(query)),
	)

	if err := checkNamespace(ns); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if k <= 0 {
		span.SetStatus(codes.Ok, "")
		return nil, nil
	}

	vectors, err := q.embedder.EmbedStrings(ctx, []string{query})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, types.NewRetrievalError("search", err)
	}
	if len(vectors) != 1 {
		err := fmt.Errorf("查询嵌入结果数量异常: %d", len(vectors))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, types.NewRetrievalError("search", err)
	}

	searchReq := map[string]interface{}{
		"vector":       vectors[0],
		"limit":        k,
		"with_payload": true,
		"filter": map[string]interface{}{
			"must": []interface{}{
				map[string]interface{}{
					"key":   "namespace",
					"match": map[string]interface{}{"value": string(ns)},
				},
			},
		},
	}

	url := fmt.Sprintf("%s/collections/%s/points/search", q.endpoint, q.collectionName)
	resp, err := q.doRequest(ctx, http.MethodPost, url, searchReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, types.NewRetrievalError("search", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("向量检索失败，状态码: %d, 响应: %s", resp.StatusCode, string(body))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, types.NewRetrievalError("search", err)
	}

	var searchResp struct {
		Result []struct {
			Score   float64                `json:"score"`
			Payload map[string]interface{} `json:"payload"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, types.NewRetrievalError("search", fmt.Errorf("解析检索响应失败: %w", err))
	}

	results := make([]retrieval.ScoredChunk, 0, len(searchResp.Result))
	for _, r := range searchResp.Result {
		results = append(results, retrieval.ScoredChunk{
			Chunk: chunkFromPayload(ns, r.Payload),
			Score: r.Score,
		})
	}

	span.SetAttributes(attribute.Int("index.result_count", len(results)))
	span.SetStatus(codes.Ok, "")
	return results, nil
}

// Resolve 按块ID解析证据块，点ID可由分区和块ID确定性推出
func (q *QdrantIndex) Resolve(ctx context.Context, ns types.Namespace, chunkID string) (*types.EvidenceChunk, bool, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.Resolve",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("db.system", "qdrant"),
		attribute.String("db.operation", "get_point"),
		attribute.String("index.namespace", string(ns)),
		attribute.String("index.chunk_id", chunkID),
	)

	if err := checkNamespace(ns); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}

	url := fmt.Sprintf("%s/collections/%s/points/%s", q.endpoint, q.collectionName, q.pointID(ns, chunkID))
	resp, err := q.doRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, types.NewRetrievalError("resolve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		span.SetStatus(codes.Ok, "point not found")
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("读取点失败，状态码: %d, 响应: %s", resp.StatusCode, string(body))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, types.NewRetrievalError("resolve", err)
	}

	var getResp struct {
		Result struct {
			Payload map[string]interface{} `json:"payload"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&getResp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, types.NewRetrievalError("resolve", fmt.Errorf("解析点响应失败: %w", err))
	}

	chunk := chunkFromPayload(ns, getResp.Result.Payload)
	span.SetStatus(codes.Ok, "")
	return &chunk, true, nil
}

// Reset 按分区过滤删除所有点，保留集合本身
func (q *QdrantIndex) Reset(ctx context.Context) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.Reset",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("db.system", "qdrant"),
		attribute.String("db.operation", "delete_points"),
		attribute.String("db.collection", q.collectionName),
	)

	deleteReq := map[string]interface{}{
		"filter": map[string]interface{}{
			"must": []interface{}{
				map[string]interface{}{
					"key": "namespace",
					"match": map[string]interface{}{
						"any": []string{string(types.NamespaceCandidate), string(types.NamespaceJob)},
					},
				},
			},
		},
	}

	url := fmt.Sprintf("%s/collections/%s/points/delete?wait=true", q.endpoint, q.collectionName)
	resp, err := q.doRequest(ctx, http.MethodPost, url, deleteReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return types.NewRetrievalError("reset", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("清空索引失败，状态码: %d, 响应: %s", resp.StatusCode, string(body))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return types.NewRetrievalError("reset", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// doRequest 发送HTTP请求并注入追踪上下文
func (q *QdrantIndex) doRequest(ctx context.Context, method, url string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("序列化请求失败: %w", err)
		}
		reader = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送请求失败: %w", err)
	}
	return resp, nil
}

// chunkFromPayload 从Qdrant payload还原证据块
func chunkFromPayload(ns types.Namespace, payload map[string]interface{}) types.EvidenceChunk {
	c := types.EvidenceChunk{Namespace: ns}
	if v, ok := payload["chunk_id"].(string); ok {
		c.ID = v
	}
	if v, ok := payload["chunk_kind"].(string); ok {
		c.Kind = v
	}
	if v, ok := payload["content_text"].(string); ok {
		c.Text = v
	}
	return c
}

func checkNamespace(ns types.Namespace) error {
	if ns != types.NamespaceCandidate && ns != types.NamespaceJob {
		return types.NewRetrievalError("namespace", fmt.Errorf("未知分区: %s", ns))
	}
	return nil
}
