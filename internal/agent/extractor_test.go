package agent

import (
	"context"
	"strings"
	"testing"

	"cv-agent-go/internal/retrieval"
	"cv-agent-go/internal/types"

	einoschema "github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validProfileJSON = `{
  "summary": "五年后端开发经验",
  "experience": [{"company": "某公司", "position": "工程师", "achievements": ["耗时下降40%"]}],
  "skills": ["Go"]
}`

const validRequirementJSON = `{
  "title": "资深Go工程师",
  "must_have": [{"text": "三年以上Go经验"}],
  "keywords": ["Go"]
}`

// TestExtractProfileRetryWithFeedback 首次输出损坏时应带反馈重试
func TestExtractProfileRetryWithFeedback(t *testing.T) {
	var calls int
	var secondCallMessages []*einoschema.Message
	model := &scriptedModel{respond: func(messages []*einoschema.Message) (string, error) {
		calls++
		if calls == 1 {
			return "这不是JSON", nil
		}
		secondCallMessages = messages
		return validProfileJSON, nil
	}}

	extractor := NewExtractor(model, retrieval.NewMemoryIndex(testEmbedder{}))
	profile, err := extractor.ExtractProfile(context.Background(), "简历原文")
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "损坏输出后应重试一次")
	assert.False(t, profile.LowConfidence, "重试成功不应打低置信标记")
	assert.Equal(t, "五年后端开发经验", profile.Summary)

	// 重试请求必须携带纠正反馈
	require.NotEmpty(t, secondCallMessages)
	last := secondCallMessages[len(secondCallMessages)-1]
	assert.Contains(t, last.Content, "上一次的输出存在问题", "重试时应附带失败原因")
}

// TestExtractProfileFallbackLowConfidence 重试耗尽后走低置信兜底
func TestExtractProfileFallbackLowConfidence(t *testing.T) {
	model := &scriptedModel{respond: func(_ []*einoschema.Message) (string, error) {
		return "始终不是JSON", nil
	}}

	extractor := NewExtractor(model, retrieval.NewMemoryIndex(testEmbedder{}), WithExtractRetries(1))
	profile, err := extractor.ExtractProfile(context.Background(), "  原始简历内容  ")
	require.NoError(t, err, "兜底路径不应返回错误")
	assert.True(t, profile.LowConfidence, "兜底画像必须打低置信标记")
	assert.Equal(t, "原始简历内容", profile.Summary, "兜底概要应为裁剪后的原文")
}

// TestExtractRequirementSuccess 正常输出一次通过
func TestExtractRequirementSuccess(t *testing.T) {
	model := &scriptedModel{respond: func(_ []*einoschema.Message) (string, error) {
		return validRequirementJSON, nil
	}}

	extractor := NewExtractor(model, retrieval.NewMemoryIndex(testEmbedder{}))
	req, err := extractor.ExtractRequirement(context.Background(), "岗位描述")
	require.NoError(t, err)
	assert.Equal(t, "资深Go工程师", req.Title)
	require.Len(t, req.MustHave, 1)
	assert.Equal(t, "三年以上Go经验", req.MustHave[0].Text)
}

// TestExtractRequirementFallback 岗位提取兜底使用原文首行作为标题
func TestExtractRequirementFallback(t *testing.T) {
	model := &scriptedModel{respond: func(_ []*einoschema.Message) (string, error) {
		return "不是JSON", nil
	}}

	extractor := NewExtractor(model, retrieval.NewMemoryIndex(testEmbedder{}), WithExtractRetries(0))
	req, err := extractor.ExtractRequirement(context.Background(), "资深Go工程师\n要求如下...")
	require.NoError(t, err)
	assert.Equal(t, "资深Go工程师", req.Title, "兜底标题应取原文首行")
	require.NotEmpty(t, req.MustHave, "兜底要求应保留原文")
}

// TestExtractValidationRejectsEmpty 结构校验拒绝空画像
func TestExtractValidationRejectsEmpty(t *testing.T) {
	var calls int
	model := &scriptedModel{respond: func(_ []*einoschema.Message) (string, error) {
		calls++
		return `{"summary": "", "experience": [], "skills": []}`, nil
	}}

	extractor := NewExtractor(model, retrieval.NewMemoryIndex(testEmbedder{}), WithExtractRetries(2))
	profile, err := extractor.ExtractProfile(context.Background(), "简历")
	require.NoError(t, err)
	assert.Equal(t, 3, calls, "空画像应触发全部重试")
	assert.True(t, profile.LowConfidence, "校验始终失败应走兜底")
}

// TestExtractCanceledContext 取消直接上浮，不走兜底
func TestExtractCanceledContext(t *testing.T) {
	model := &scriptedModel{respond: func(_ []*einoschema.Message) (string, error) {
		return validProfileJSON, nil
	}}
	extractor := NewExtractor(model, retrieval.NewMemoryIndex(testEmbedder{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := extractor.ExtractProfile(ctx, "简历")
	require.Error(t, err, "取消必须上浮为错误")
	assert.ErrorIs(t, err, context.Canceled)
}

// TestIndexEvidence 证据落入各自分区且可解析
func TestIndexEvidence(t *testing.T) {
	index := retrieval.NewMemoryIndex(testEmbedder{})
	extractor := NewExtractor(&scriptedModel{}, index)

	profile := sampleProfile()
	req := &types.JobRequirement{
		Title:    "资深Go工程师",
		MustHave: []types.Qualification{{Text: "三年以上Go经验"}},
	}

	require.NoError(t, extractor.IndexEvidence(context.Background(), profile, req))

	candidateChunks := ChunkProfile(profile)
	require.NotEmpty(t, candidateChunks)
	for _, c := range candidateChunks {
		_, found, err := index.Resolve(context.Background(), types.NamespaceCandidate, c.ID)
		require.NoError(t, err)
		assert.True(t, found, "候选人块 %s 应能在候选人分区解析", c.ID)

		_, crossFound, err := index.Resolve(context.Background(), types.NamespaceJob, c.ID)
		require.NoError(t, err)
		assert.False(t, crossFound, "候选人块不应泄漏到岗位分区")
	}

	jobChunks := ChunkRequirement(req)
	for _, c := range jobChunks {
		_, found, err := index.Resolve(context.Background(), types.NamespaceJob, c.ID)
		require.NoError(t, err)
		assert.True(t, found, "岗位块 %s 应能在岗位分区解析", c.ID)
	}
}

// TestParseAndValidateSanitization 解析失败时自动修复再试一次
func TestParseAndValidateSanitization(t *testing.T) {
	var out struct {
		Text string `json:"text"`
	}
	broken := `{"text": "他说"没问题"然后签字"}`
	err := parseAndValidate("test", broken, &out, func() error { return nil })
	require.NoError(t, err, "可修复的JSON不应报错")
	assert.True(t, strings.Contains(out.Text, "没问题"))
}
