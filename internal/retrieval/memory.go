package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"cv-agent-go/internal/types"

	"github.com/cloudwego/eino/components/embedding"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var memoryIndexTracer = otel.Tracer("cv-agent-go/retrieval/memory")

// MemoryIndex 进程内证据索引，一次运行独占一个实例。
// 写入时嵌入，检索用余弦相似度，排序对相同输入完全确定。
type MemoryIndex struct {
	embedder embedding.Embedder
	mu       sync.RWMutex
	chunks   map[types.Namespace]map[string]types.EvidenceChunk
}

var _ EvidenceIndex = (*MemoryIndex)(nil)

// NewMemoryIndex 创建进程内索引
func NewMemoryIndex(embedder embedding.Embedder) *MemoryIndex {
	return &MemoryIndex{
		embedder: embedder,
		chunks: map[types.Namespace]map[string]types.EvidenceChunk{
			types.NamespaceCandidate: {},
			types.NamespaceJob:       {},
		},
	}
}

// Upsert 向指定分区写入证据块，未携带向量的块先做嵌入
func (m *MemoryIndex) Upsert(ctx context.Context, ns types.Namespace, chunks []types.EvidenceChunk) error {
	ctx, span := memoryIndexTracer.Start(ctx, "MemoryIndex.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("index.namespace", string(ns)),
		attribute.Int("index.chunk_count", len(chunks)),
	)

	if err := m.checkNamespace(ns); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	// 收集需要嵌入的文本
	var pendingTexts []string
	var pendingIdx []int
	for i, c := range chunks {
		if len(c.Vector) == 0 {
			pendingTexts = append(pendingTexts, c.Text)
			pendingIdx = append(pendingIdx, i)
		}
	}

	if len(pendingTexts) > 0 {
		vectors, err := m.embedder.EmbedStrings(ctx, pendingTexts)
		if err != nil {
			return types.NewRetrievalError("upsert", err)
		}
		if len(vectors) != len(pendingTexts) {
			return types.NewRetrievalError("upsert",
				fmt.Errorf("嵌入结果数量不匹配: 期望 %d, 实际 %d", len(pendingTexts), len(vectors)))
		}
		for j, i := range pendingIdx {
			chunks[i].Vector = vectors[j]
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		c.Namespace = ns
		m.chunks[ns][c.ID] = c
	}
	return nil
}

// Search 在指定分区内做余弦相似度检索。
// 结果按 (分数降序, 块ID升序) 排列，保证对相同输入的确定性。
func (m *MemoryIndex) Search(ctx context.Context, ns types.Namespace, query string, k int) ([]ScoredChunk, error) {
	ctx, span := memoryIndexTracer.Start(ctx, "MemoryIndex.Search", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.String("index.namespace", string(ns)),
		attribute.Int("index.top_k", k),
	)

	if err := m.checkNamespace(ns); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	vectors, err := m.embedder.EmbedStrings(ctx, []string{query})
	if err != nil {
		// 嵌入后端故障按检索错误上报，调用方必须能区分"无证据"与"检索不可用"
		return nil, types.NewRetrievalError("search", err)
	}
	if len(vectors) != 1 {
		return nil, types.NewRetrievalError("search",
			fmt.Errorf("查询嵌入结果数量异常: %d", len(vectors)))
	}
	queryVec := vectors[0]

	m.mu.RLock()
	results := make([]ScoredChunk, 0, len(m.chunks[ns]))
	for _, c := range m.chunks[ns] {
		results = append(results, ScoredChunk{Chunk: c, Score: cosineSimilarity(queryVec, c.Vector)})
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})

	if len(results) > k {
		results = results[:k]
	}
	span.SetAttributes(attribute.Int("index.result_count", len(results)))
	return results, nil
}

// Resolve 按块ID解析证据块
func (m *MemoryIndex) Resolve(_ context.Context, ns types.Namespace, chunkID string) (*types.EvidenceChunk, bool, error) {
	if err := m.checkNamespace(ns); err != nil {
		return nil, false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chunks[ns][chunkID]
	if !ok {
		return nil, false, nil
	}
	return &c, true, nil
}

// Reset 清空两个分区
func (m *MemoryIndex) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = map[types.Namespace]map[string]types.EvidenceChunk{
		types.NamespaceCandidate: {},
		types.NamespaceJob:       {},
	}
	return nil
}

func (m *MemoryIndex) checkNamespace(ns types.Namespace) error {
	if ns != types.NamespaceCandidate && ns != types.NamespaceJob {
		return types.NewRetrievalError("namespace", fmt.Errorf("未知分区: %s", ns))
	}
	return nil
}

// cosineSimilarity 计算两个向量的余弦相似度，维度不符时返回0
func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
