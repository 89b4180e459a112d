package retrieval

import (
	"context"
	"testing"

	"cv-agent-go/internal/constants"
	"cv-agent-go/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scored(id string, score float64) ScoredChunk {
	return ScoredChunk{Chunk: types.EvidenceChunk{ID: id, Text: "文本" + id}, Score: score}
}

// TestFuseRankedRRFScore 验证倒数排名融合的分数计算
func TestFuseRankedRRFScore(t *testing.T) {
	lists := [][]ScoredChunk{
		{scored("a", 0.9), scored("b", 0.8)},
		{scored("b", 0.7), scored("a", 0.6)},
	}

	merged := fuseRanked(lists, 60)
	require.Len(t, merged, 2, "融合后应去重为两个块")

	// 两个块都出现在rank 0和rank 1各一次，融合分数相等: 1/61 + 1/62
	expected := 1.0/61 + 1.0/62
	assert.InDelta(t, expected, merged[0].Score, 1e-12, "融合分数应为各排名倒数之和")
	assert.InDelta(t, expected, merged[1].Score, 1e-12)

	// 分数和最好名次都并列时按块ID升序
	assert.Equal(t, "a", merged[0].Chunk.ID, "全并列时应按块ID升序")
	assert.Equal(t, "b", merged[1].Chunk.ID)
}

// TestFuseRankedOrdering 出现次数多、名次好的块融合分更高
func TestFuseRankedOrdering(t *testing.T) {
	// y两次第一名(2/61)，x一次第二名加一次第三名(1/62+1/63)，
	// z一次第一名(1/61)，w一次第二名(1/62)
	lists := [][]ScoredChunk{
		{scored("z", 0.9)},
		{scored("y", 0.9), scored("x", 0.8)},
		{scored("y", 0.9), scored("w", 0.8), scored("x", 0.7)},
	}

	merged := fuseRanked(lists, 60)
	require.Len(t, merged, 4)
	assert.Equal(t, "y", merged[0].Chunk.ID, "两次第一名的块应排最前")
	assert.Equal(t, "x", merged[1].Chunk.ID, "两次上榜应胜过一次第一名")
	assert.Equal(t, "z", merged[2].Chunk.ID)
	assert.Equal(t, "w", merged[3].Chunk.ID)
}

// TestFuseRankedDeterminism 相同输入多次融合结果完全一致
func TestFuseRankedDeterminism(t *testing.T) {
	lists := [][]ScoredChunk{
		{scored("a", 0.9), scored("b", 0.8), scored("c", 0.7)},
		{scored("c", 0.9), scored("a", 0.8), scored("d", 0.7)},
		{scored("d", 0.9), scored("b", 0.8), scored("a", 0.7)},
	}

	first := fuseRanked(lists, 60)
	for i := 0; i < 10; i++ {
		again := fuseRanked(lists, 60)
		assert.Equal(t, first, again, "融合结果必须与输入顺序无关地保持一致")
	}
}

// TestParseStringArray 从模型输出提取字符串数组
func TestParseStringArray(t *testing.T) {
	assert.Equal(t, []string{"改写一", "改写二"},
		parseStringArray(`这是前缀 ["改写一", "改写二"] 这是后缀`), "应忽略JSON数组前后的杂质")
	assert.Nil(t, parseStringArray("没有数组"), "没有数组时应返回nil")
	assert.Nil(t, parseStringArray("[1, 2]"), "非字符串数组应返回nil")
	assert.Equal(t, []string{"有效"}, parseStringArray(`["有效", "", "  "]`), "空白元素应被剔除")
}

// TestWithNumQueriesClamped 查询总数封顶，非法值保留默认
func TestWithNumQueriesClamped(t *testing.T) {
	f := NewFusionRetriever(nil, nil, WithNumQueries(10))
	assert.Equal(t, constants.MaxFusionQueries, f.numQueries, "查询数应被裁剪到上限")

	f = NewFusionRetriever(nil, nil, WithNumQueries(0))
	assert.Equal(t, constants.DefaultFusionQueries, f.numQueries, "非法值应保留默认")

	f = NewFusionRetriever(nil, nil, WithNumQueries(constants.MaxFusionQueries))
	assert.Equal(t, constants.MaxFusionQueries, f.numQueries, "上限本身应被接受")
}

// TestFusionRetrieverWithoutLLM 无改写模型时退化为单查询检索
func TestFusionRetrieverWithoutLLM(t *testing.T) {
	ctx := context.Background()
	index := NewMemoryIndex(&fakeEmbedder{})
	require.NoError(t, index.Upsert(ctx, types.NamespaceCandidate, []types.EvidenceChunk{
		{ID: "c-1", Text: "微服务改造经验"},
		{ID: "c-2", Text: "数据库优化经验"},
	}))

	retriever := NewFusionRetriever(index, nil, WithNumQueries(3), WithRRFOffset(60))
	results, err := retriever.Retrieve(ctx, types.NamespaceCandidate, "微服务", 2)
	require.NoError(t, err, "单查询退化路径不应失败")
	assert.Len(t, results, 2)

	again, err := retriever.Retrieve(ctx, types.NamespaceCandidate, "微服务", 2)
	require.NoError(t, err)
	assert.Equal(t, results, again, "相同查询的融合检索结果必须一致")
}

// TestFusionRetrieverPropagatesError 任一子查询失败整体失败
func TestFusionRetrieverPropagatesError(t *testing.T) {
	ctx := context.Background()
	embedder := &fakeEmbedder{}
	index := NewMemoryIndex(embedder)
	require.NoError(t, index.Upsert(ctx, types.NamespaceCandidate, []types.EvidenceChunk{
		{ID: "c-1", Text: "一些内容"},
	}))

	embedder.failNext = true
	retriever := NewFusionRetriever(index, nil)
	_, err := retriever.Retrieve(ctx, types.NamespaceCandidate, "查询", 5)
	require.Error(t, err, "检索故障不允许被部分结果掩盖")
	assert.ErrorIs(t, err, types.ErrRetrieval)
}
