package agent

import (
	"context"
	"errors"
	"testing"

	"cv-agent-go/internal/retrieval"
	"cv-agent-go/internal/types"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/model"
	einoschema "github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testEmbedder 确定性假嵌入器
type testEmbedder struct{}

func (testEmbedder) EmbedStrings(_ context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	vectors := make([][]float64, len(texts))
	for i, text := range texts {
		var a float64
		for _, r := range text {
			a += float64(r % 11)
		}
		vectors[i] = []float64{a + 1, float64(len(text) + 1), 1}
	}
	return vectors, nil
}

// scriptedModel 按脚本应答的假模型
type scriptedModel struct {
	respond func(messages []*einoschema.Message) (string, error)
}

func (s *scriptedModel) Generate(_ context.Context, messages []*einoschema.Message, _ ...model.Option) (*einoschema.Message, error) {
	content, err := s.respond(messages)
	if err != nil {
		return nil, err
	}
	return einoschema.AssistantMessage(content, nil), nil
}

func (s *scriptedModel) Stream(_ context.Context, _ []*einoschema.Message, _ ...model.Option) (*einoschema.StreamReader[*einoschema.Message], error) {
	return nil, errors.New("未实现")
}

func (s *scriptedModel) WithTools(_ []*einoschema.ToolInfo) (model.ToolCallingChatModel, error) {
	return s, nil
}

func cleanAuditModel() *scriptedModel {
	return &scriptedModel{respond: func(_ []*einoschema.Message) (string, error) {
		return `{"unsupported_claims": []}`, nil
	}}
}

func indexWithChunk(t *testing.T, id, text string) retrieval.EvidenceIndex {
	t.Helper()
	index := retrieval.NewMemoryIndex(testEmbedder{})
	require.NoError(t, index.Upsert(context.Background(), types.NamespaceCandidate, []types.EvidenceChunk{
		{ID: id, Kind: ChunkKindAchievement, Text: text},
	}))
	return index
}

func passingSections(chunkID string) []types.RewrittenSection {
	return []types.RewrittenSection{
		{
			Section:   "summary",
			Text:      "五年后端经验，主导订单链路优化，耗时下降40%",
			Citations: []types.Citation{{ChunkID: chunkID, Quote: "耗时下降40%"}},
			Iteration: 1,
		},
	}
}

// TestQAReviewPass 引用可解析且审计无问题时通过
func TestQAReviewPass(t *testing.T) {
	index := indexWithChunk(t, "cand-1", "订单链路耗时下降40%")
	qa := NewQAChecker(cleanAuditModel(), index)

	report, err := qa.Review(context.Background(), passingSections("cand-1"), &types.MatchGapReport{}, 1)
	require.NoError(t, err)
	assert.True(t, report.Pass, "没有HIGH问题时应判通过")
	assert.Empty(t, report.Feedback, "通过时不应有反馈")
	assert.Equal(t, 1, report.Iteration)
}

// TestQAReviewUnresolvableCitation 无法解析的引用是HIGH问题
func TestQAReviewUnresolvableCitation(t *testing.T) {
	index := indexWithChunk(t, "cand-1", "订单链路耗时下降40%")
	qa := NewQAChecker(cleanAuditModel(), index)

	report, err := qa.Review(context.Background(), passingSections("不存在的块"), &types.MatchGapReport{}, 1)
	require.NoError(t, err)
	assert.False(t, report.Pass, "引用无法解析必须判不通过")
	require.NotEmpty(t, report.Issues)
	assert.Equal(t, types.SeverityHigh, report.Issues[0].Severity, "无法解析的引用应是HIGH")
	assert.NotEmpty(t, report.Feedback, "不通过时必须产出反馈")
}

// TestQAReviewUnsupportedClaim 审计发现撑不住的表述判不通过
func TestQAReviewUnsupportedClaim(t *testing.T) {
	index := indexWithChunk(t, "cand-1", "订单链路耗时下降40%")
	auditModel := &scriptedModel{respond: func(_ []*einoschema.Message) (string, error) {
		return `{"unsupported_claims": [{"section": "summary", "claim": "管理过20人团队", "reason": "证据中没有团队管理记录"}]}`, nil
	}}
	qa := NewQAChecker(auditModel, index)

	report, err := qa.Review(context.Background(), passingSections("cand-1"), &types.MatchGapReport{}, 1)
	require.NoError(t, err)
	assert.False(t, report.Pass, "存在撑不住的表述必须判不通过")

	var highCount int
	for _, issue := range report.Issues {
		if issue.Severity == types.SeverityHigh {
			highCount++
		}
	}
	assert.Equal(t, 1, highCount, "每条撑不住的表述应产生一个HIGH问题")
}

// TestQAReviewIdempotent 相同输入多次校验结论一致
func TestQAReviewIdempotent(t *testing.T) {
	index := indexWithChunk(t, "cand-1", "订单链路耗时下降40%")
	qa := NewQAChecker(cleanAuditModel(), index)
	sections := passingSections("cand-1")
	report := &types.MatchGapReport{TargetKeywords: []string{"订单", "Kubernetes"}}

	first, err := qa.Review(context.Background(), sections, report, 1)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := qa.Review(context.Background(), sections, report, 1)
		require.NoError(t, err)
		assert.Equal(t, first, again, "相同输入的校验结论必须完全一致")
	}
}

// TestQAReviewKeywordCoverage 关键词缺失只是MEDIUM反馈，不影响通过
func TestQAReviewKeywordCoverage(t *testing.T) {
	index := indexWithChunk(t, "cand-1", "订单链路耗时下降40%")
	qa := NewQAChecker(cleanAuditModel(), index)
	report := &types.MatchGapReport{TargetKeywords: []string{"订单", "Kubernetes"}}

	result, err := qa.Review(context.Background(), passingSections("cand-1"), report, 1)
	require.NoError(t, err)
	assert.True(t, result.Pass, "MEDIUM问题不应导致不通过")

	var foundMedium bool
	for _, issue := range result.Issues {
		if issue.Severity == types.SeverityMedium {
			foundMedium = true
		}
	}
	assert.True(t, foundMedium, "未覆盖的关键词应产生MEDIUM问题")
}

// TestQAReviewAuditDegraded 审计模型不可用时退化为本地检查
func TestQAReviewAuditDegraded(t *testing.T) {
	index := indexWithChunk(t, "cand-1", "订单链路耗时下降40%")
	failingModel := &scriptedModel{respond: func(_ []*einoschema.Message) (string, error) {
		return "", types.NewMalformedError("generate", errors.New("输出损坏"))
	}}
	qa := NewQAChecker(failingModel, index)

	report, err := qa.Review(context.Background(), passingSections("cand-1"), &types.MatchGapReport{}, 1)
	require.NoError(t, err, "审计不可用不应让校验失败")
	assert.True(t, report.Pass, "本地检查通过时应判通过")
}

// TestQAReviewHighIssuesFirst HIGH问题排在反馈最前面
func TestQAReviewHighIssuesFirst(t *testing.T) {
	index := indexWithChunk(t, "cand-1", "订单链路耗时下降40%")
	qa := NewQAChecker(cleanAuditModel(), index)
	report := &types.MatchGapReport{TargetKeywords: []string{"Kubernetes"}}

	sections := []types.RewrittenSection{
		{Section: "summary", Text: "一些内容", Citations: nil, Iteration: 1},
	}
	result, err := qa.Review(context.Background(), sections, report, 1)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(result.Issues), 2, "应同时存在HIGH和MEDIUM问题")
	assert.Equal(t, types.SeverityHigh, result.Issues[0].Severity, "HIGH问题必须排在最前")
	assert.Equal(t, types.SeverityMedium, result.Issues[len(result.Issues)-1].Severity)
}
