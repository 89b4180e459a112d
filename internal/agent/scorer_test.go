package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"cv-agent-go/internal/retrieval"
	"cv-agent-go/internal/types"

	"github.com/cloudwego/eino/components/embedding"
	einoschema "github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingEmbedder 始终失败的嵌入器，用来模拟检索后端故障
type failingEmbedder struct{}

func (failingEmbedder) EmbedStrings(_ context.Context, _ []string, _ ...embedding.Option) ([][]float64, error) {
	return nil, errors.New("嵌入服务不可用")
}

func scorerFixture(t *testing.T) (retrieval.EvidenceIndex, *retrieval.FusionRetriever) {
	t.Helper()
	index := retrieval.NewMemoryIndex(testEmbedder{})
	require.NoError(t, index.Upsert(context.Background(), types.NamespaceCandidate, []types.EvidenceChunk{
		{ID: "cand-1", Kind: ChunkKindAchievement, Text: "订单链路耗时下降40%"},
		{ID: "cand-2", Kind: ChunkKindSkills, Text: "Go, MySQL, Redis"},
	}))
	require.NoError(t, index.Upsert(context.Background(), types.NamespaceJob, []types.EvidenceChunk{
		{ID: "job-1", Kind: ChunkKindRequirement, Text: "三年以上Go开发经验"},
	}))
	return index, retrieval.NewFusionRetriever(index, nil)
}

func scoringResponse(score int, citations string) string {
	return fmt.Sprintf(`{
  "score": %d,
  "gaps": ["未见Kubernetes经验"],
  "target_keywords": ["Go", "Kubernetes"],
  "citations": [%s],
  "rationale": "核心技能有证据支撑"
}`, score, citations)
}

func scoringInput() (*types.CandidateProfile, *types.JobRequirement) {
	return &types.CandidateProfile{Summary: "五年后端经验", Skills: []string{"Go"}},
		&types.JobRequirement{Title: "资深Go工程师", MustHave: []types.Qualification{{Text: "Go经验"}}}
}

// TestScoreFiltersUnresolvableCitations 无法解析的引用被丢弃而不是失败
func TestScoreFiltersUnresolvableCitations(t *testing.T) {
	index, retriever := scorerFixture(t)
	model := &scriptedModel{respond: func(_ []*einoschema.Message) (string, error) {
		return scoringResponse(72,
			`{"chunk_id": "cand-1", "quote": "耗时下降40%"},
			 {"chunk_id": "job-1", "quote": "三年以上Go开发经验"},
			 {"chunk_id": "不存在的块", "quote": "编造的引用"}`), nil
	}}

	scorer := NewScorer(model, retriever, index)
	profile, req := scoringInput()
	report, err := scorer.Score(context.Background(), profile, req)
	require.NoError(t, err)
	assert.Equal(t, 72, report.Score)
	require.Len(t, report.Citations, 2, "无法解析的引用应被丢弃")
	assert.Equal(t, "cand-1", report.Citations[0].ChunkID)
	assert.Equal(t, "job-1", report.Citations[1].ChunkID, "两个分区的引用都应保留")
}

// TestScoreClampsOutOfRange 越界分数先重试一次，仍越界则裁剪到[0,100]
func TestScoreClampsOutOfRange(t *testing.T) {
	index, retriever := scorerFixture(t)
	profile, req := scoringInput()

	for _, tc := range []struct {
		raw, want int
	}{
		{150, 100},
		{-5, 0},
	} {
		var calls int
		model := &scriptedModel{respond: func(_ []*einoschema.Message) (string, error) {
			calls++
			return scoringResponse(tc.raw, ``), nil
		}}
		scorer := NewScorer(model, retriever, index)
		report, err := scorer.Score(context.Background(), profile, req)
		require.NoError(t, err)
		assert.Equal(t, 2, calls, "越界分数应先触发一次重试")
		assert.Equal(t, tc.want, report.Score, "分数%d应被裁剪到%d", tc.raw, tc.want)
	}
}

// TestScoreRetriesOnParseFailure 解析失败带反馈重试一次
func TestScoreRetriesOnParseFailure(t *testing.T) {
	index, retriever := scorerFixture(t)
	var calls int
	model := &scriptedModel{respond: func(_ []*einoschema.Message) (string, error) {
		calls++
		if calls == 1 {
			return "这不是JSON", nil
		}
		return scoringResponse(60, ``), nil
	}}

	scorer := NewScorer(model, retriever, index)
	profile, req := scoringInput()
	report, err := scorer.Score(context.Background(), profile, req)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "解析失败应重试一次")
	assert.Equal(t, 60, report.Score)
}

// TestScoreRetrievalFailurePropagates 证据检索失败整体失败
func TestScoreRetrievalFailurePropagates(t *testing.T) {
	index := retrieval.NewMemoryIndex(failingEmbedder{})
	retriever := retrieval.NewFusionRetriever(index, nil)
	scorer := NewScorer(cleanAuditModel(), retriever, index)

	profile, req := scoringInput()
	_, err := scorer.Score(context.Background(), profile, req)
	require.Error(t, err, "检索故障不允许被忽略")
	assert.ErrorIs(t, err, types.ErrRetrieval)
}

// TestSeedQueries 种子查询的构造和兜底
func TestSeedQueries(t *testing.T) {
	req := &types.JobRequirement{
		Title:    "资深Go工程师",
		MustHave: []types.Qualification{{Text: "三年以上Go经验"}},
	}
	assert.Contains(t, requirementSeedQuery(req), "资深Go工程师")
	assert.Contains(t, requirementSeedQuery(req), "三年以上Go经验")

	// 没有标题和硬性要求时退回职责
	fallback := &types.JobRequirement{Responsibilities: []string{"负责核心服务开发"}}
	assert.Equal(t, "负责核心服务开发", requirementSeedQuery(fallback))

	profile := &types.CandidateProfile{Summary: "五年后端经验", Skills: []string{"Go", "Redis"}}
	assert.Contains(t, profileSeedQuery(profile), "五年后端经验")
	assert.Contains(t, profileSeedQuery(profile), "Go, Redis")

	assert.Equal(t, "候选人经历", profileSeedQuery(&types.CandidateProfile{}), "空画像应有固定兜底查询")
}
