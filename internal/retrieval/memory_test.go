package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"cv-agent-go/internal/types"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEmbedder 确定性假嵌入器，向量由文本内容推导
type fakeEmbedder struct {
	failNext bool
}

func (f *fakeEmbedder) EmbedStrings(_ context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	if f.failNext {
		return nil, errors.New("嵌入后端不可用")
	}
	vectors := make([][]float64, len(texts))
	for i, text := range texts {
		var a, b float64
		for _, r := range text {
			a += float64(r % 7)
			b += float64(r % 13)
		}
		vectors[i] = []float64{a + 1, b + 1, float64(len(text) + 1)}
	}
	return vectors, nil
}

func candidateChunk(id, text string) types.EvidenceChunk {
	return types.EvidenceChunk{ID: id, Kind: "experience", Text: text}
}

// TestMemoryIndexNamespaceIsolation 一个分区的检索绝不返回另一个分区的块
func TestMemoryIndexNamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	index := NewMemoryIndex(&fakeEmbedder{})

	require.NoError(t, index.Upsert(ctx, types.NamespaceCandidate, []types.EvidenceChunk{
		candidateChunk("cand-1", "主导订单系统微服务改造"),
	}), "候选人分区写入不应失败")
	require.NoError(t, index.Upsert(ctx, types.NamespaceJob, []types.EvidenceChunk{
		candidateChunk("job-1", "要求微服务架构经验"),
	}), "岗位分区写入不应失败")

	results, err := index.Search(ctx, types.NamespaceCandidate, "微服务", 10)
	require.NoError(t, err, "检索不应失败")
	require.Len(t, results, 1, "候选人分区应只有一个块")
	assert.Equal(t, "cand-1", results[0].Chunk.ID, "不应检索到岗位分区的块")
	assert.Equal(t, types.NamespaceCandidate, results[0].Chunk.Namespace, "块应归属候选人分区")

	jobResults, err := index.Search(ctx, types.NamespaceJob, "微服务", 10)
	require.NoError(t, err)
	require.Len(t, jobResults, 1)
	assert.Equal(t, "job-1", jobResults[0].Chunk.ID, "不应检索到候选人分区的块")
}

// TestMemoryIndexDeterministicOrdering 相同输入多次检索结果顺序一致
func TestMemoryIndexDeterministicOrdering(t *testing.T) {
	ctx := context.Background()
	index := NewMemoryIndex(&fakeEmbedder{})

	chunks := []types.EvidenceChunk{
		candidateChunk("id-c", "内容相同的块"),
		candidateChunk("id-a", "内容相同的块"),
		candidateChunk("id-b", "内容相同的块"),
	}
	require.NoError(t, index.Upsert(ctx, types.NamespaceCandidate, chunks))

	first, err := index.Search(ctx, types.NamespaceCandidate, "内容", 10)
	require.NoError(t, err)
	require.Len(t, first, 3)

	// 分数相同的块按ID升序
	assert.Equal(t, "id-a", first[0].Chunk.ID, "并列分数应按块ID升序")
	assert.Equal(t, "id-b", first[1].Chunk.ID)
	assert.Equal(t, "id-c", first[2].Chunk.ID)

	for i := 0; i < 5; i++ {
		again, err := index.Search(ctx, types.NamespaceCandidate, "内容", 10)
		require.NoError(t, err)
		assert.Equal(t, first, again, "相同输入的检索结果必须完全一致")
	}
}

// TestMemoryIndexEmbedFailure 嵌入后端故障必须以检索错误上浮
func TestMemoryIndexEmbedFailure(t *testing.T) {
	ctx := context.Background()
	embedder := &fakeEmbedder{}
	index := NewMemoryIndex(embedder)

	require.NoError(t, index.Upsert(ctx, types.NamespaceCandidate, []types.EvidenceChunk{
		candidateChunk("cand-1", "一些内容"),
	}))

	embedder.failNext = true
	_, err := index.Search(ctx, types.NamespaceCandidate, "查询", 5)
	require.Error(t, err, "嵌入失败时检索必须报错而不是返回空结果")
	assert.ErrorIs(t, err, types.ErrRetrieval, "错误必须归类为检索错误")
}

// TestMemoryIndexResolve 按块ID解析
func TestMemoryIndexResolve(t *testing.T) {
	ctx := context.Background()
	index := NewMemoryIndex(&fakeEmbedder{})

	require.NoError(t, index.Upsert(ctx, types.NamespaceCandidate, []types.EvidenceChunk{
		candidateChunk("cand-1", "可引用的证据"),
	}))

	chunk, found, err := index.Resolve(ctx, types.NamespaceCandidate, "cand-1")
	require.NoError(t, err)
	require.True(t, found, "已写入的块应能解析")
	assert.Equal(t, "可引用的证据", chunk.Text)

	_, found, err = index.Resolve(ctx, types.NamespaceJob, "cand-1")
	require.NoError(t, err)
	assert.False(t, found, "跨分区解析不应命中")

	_, found, err = index.Resolve(ctx, types.NamespaceCandidate, "不存在")
	require.NoError(t, err)
	assert.False(t, found, "不存在的块应返回未找到")
}

// TestMemoryIndexUnknownNamespace 未知分区直接报错
func TestMemoryIndexUnknownNamespace(t *testing.T) {
	ctx := context.Background()
	index := NewMemoryIndex(&fakeEmbedder{})

	err := index.Upsert(ctx, types.Namespace("other"), []types.EvidenceChunk{candidateChunk("x", "y")})
	assert.ErrorIs(t, err, types.ErrRetrieval, "未知分区应报检索错误")

	_, err = index.Search(ctx, types.Namespace("other"), "查询", 5)
	assert.ErrorIs(t, err, types.ErrRetrieval)
}

// TestMemoryIndexTopK 截断到k个结果
func TestMemoryIndexTopK(t *testing.T) {
	ctx := context.Background()
	index := NewMemoryIndex(&fakeEmbedder{})

	var chunks []types.EvidenceChunk
	for i := 0; i < 10; i++ {
		chunks = append(chunks, candidateChunk(fmt.Sprintf("id-%02d", i), fmt.Sprintf("证据内容%d", i)))
	}
	require.NoError(t, index.Upsert(ctx, types.NamespaceCandidate, chunks))

	results, err := index.Search(ctx, types.NamespaceCandidate, "证据", 3)
	require.NoError(t, err)
	assert.Len(t, results, 3, "结果应截断到k个")
}
