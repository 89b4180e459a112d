package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cv-agent-go/internal/constants"
	"cv-agent-go/internal/logger"
	"cv-agent-go/internal/retrieval"
	"cv-agent-go/internal/types"

	"github.com/cloudwego/eino/components/model"
	einoschema "github.com/cloudwego/eino/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var scorerTracer = otel.Tracer("cv-agent-go/agent/scorer")

// Scorer 评估候选人与岗位的匹配度，产出带证据引用的差距报告。
// 评分前先从两个分区各取一批证据：用岗位要求检索候选人分区找支撑，
// 用候选人概要检索岗位分区找对应要求，模型只基于这些证据打分。
type Scorer struct {
	caller    *llmCaller
	retriever *retrieval.FusionRetriever
	index     retrieval.EvidenceIndex
	topK      int
}

// ScorerOption 定义评分器构造选项
type ScorerOption func(*Scorer)

// WithScorerTopK 设置每个分区检索的证据块数
func WithScorerTopK(k int) ScorerOption {
	return func(s *Scorer) {
		if k > 0 {
			s.topK = k
		}
	}
}

// WithScorerLLMPolicy 设置模型调用的超时与后端重试策略
func WithScorerLLMPolicy(timeout time.Duration, retries int, backoff time.Duration) ScorerOption {
	return func(s *Scorer) {
		s.caller.withPolicy(timeout, retries, backoff)
	}
}

// NewScorer 创建评分器
func NewScorer(llm model.ToolCallingChatModel, retriever *retrieval.FusionRetriever, index retrieval.EvidenceIndex, opts ...ScorerOption) *Scorer {
	s := &Scorer{
		caller:    newLLMCaller(llm),
		retriever: retriever,
		index:     index,
		topK:      constants.DefaultRetrievalTopK,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// 评分标准的few-shot说明，跟随system message下发
const scoringRubric = `评分标准:
- 0-29: 基本不匹配，核心硬性要求几乎全部缺失。
- 30-49: 匹配度低，多数硬性要求缺乏证据支撑。
- 50-69: 部分匹配，核心要求有证据但存在明显差距。
- 70-89: 匹配度高，硬性要求基本有证据，少量差距。
- 90-100: 高度匹配，硬性要求全部有直接证据，加分项也多数满足。

示例输出:
{
  "score": 72,
  "gaps": ["未见Kubernetes生产环境经验的证据", "岗位要求的团队管理经验未在简历中体现"],
  "target_keywords": ["微服务", "高并发", "Kubernetes"],
  "citations": [
    {"chunk_id": "c9f1...", "quote": "主导订单系统微服务改造，日均处理10万订单"}
  ],
  "rationale": "核心后端技能有直接证据支撑，但运维和管理两项要求缺乏证据。"
}`

const scoringPromptTemplate = `请基于下列证据评估候选人与岗位的匹配度，输出JSON对象：

{
  "score": 0到100的整数,
  "gaps": ["岗位要求中缺乏候选人证据支撑的差距"],
  "target_keywords": ["改写时应覆盖的岗位关键词"],
  "citations": [{"chunk_id": "证据块ID", "quote": "被引用的原文片段"}],
  "rationale": "一句话评分依据"
}

规则：
- 只能引用下面列出的证据块，chunk_id必须原样照抄。
- 每个支持评分的关键判断都要有引用。
- 只输出JSON。

候选人证据:
%s

岗位要求证据:
%s`

// Score 执行匹配度评估。分数裁剪到[0,100]，
// 无法解析到任何块的引用被丢弃而不是导致失败。
func (s *Scorer) Score(ctx context.Context, profile *types.CandidateProfile, req *types.JobRequirement) (*types.MatchGapReport, error) {
	ctx, span := scorerTracer.Start(ctx, "Scorer.Score")
	defer span.End()

	candidateEvidence, err := s.retriever.Retrieve(ctx, types.NamespaceCandidate, requirementSeedQuery(req), s.topK)
	if err != nil {
		return nil, err
	}
	jobEvidence, err := s.retriever.Retrieve(ctx, types.NamespaceJob, profileSeedQuery(profile), s.topK)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("score.candidate_evidence", len(candidateEvidence)),
		attribute.Int("score.job_evidence", len(jobEvidence)),
	)

	prompt := fmt.Sprintf(scoringPromptTemplate,
		formatEvidence(candidateEvidence), formatEvidence(jobEvidence))
	messages := []*einoschema.Message{
		einoschema.SystemMessage("你是一位资深的AI招聘助手，专注于分析岗位描述和候选人简历的匹配度。\n\n" + scoringRubric),
		einoschema.UserMessage(prompt),
	}

	// 首次要求分数严格落在[0,100]，越界视为畸形输出；
	// 重试后不再苛求，越界分数直接裁剪。
	report, err := s.generateReport(ctx, messages, true)
	if err != nil {
		// 解析失败重试一次，后端故障和取消直接上浮
		if ctx.Err() != nil || errors.Is(err, types.ErrProviderUnavailable) {
			return nil, err
		}
		logger.Ctx(ctx).Warn().Err(err).Msg("评分结果解析失败，重试一次")
		messages = append(messages,
			einoschema.AssistantMessage("(上一次输出无法解析)", nil),
			einoschema.UserMessage(fmt.Sprintf("你上一次的输出存在问题: %v。请严格按照指定的JSON格式重新输出。", err)),
		)
		report, err = s.generateReport(ctx, messages, false)
		if err != nil {
			return nil, err
		}
	}

	report.Citations = s.filterResolvable(ctx, report.Citations)
	span.SetAttributes(
		attribute.Int("score.value", report.Score),
		attribute.Int("score.citation_count", len(report.Citations)),
	)
	return report, nil
}

func (s *Scorer) generateReport(ctx context.Context, messages []*einoschema.Message, strictRange bool) (*types.MatchGapReport, error) {
	content, err := s.caller.generate(ctx, "score", messages)
	if err != nil {
		return nil, err
	}

	var report types.MatchGapReport
	if err := parseAndValidate("score", content, &report, func() error {
		if strings.TrimSpace(report.Rationale) == "" {
			return errors.New("评分依据为空")
		}
		if strictRange && (report.Score < 0 || report.Score > 100) {
			return fmt.Errorf("分数越界: %d", report.Score)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if report.Score < 0 {
		report.Score = 0
	}
	if report.Score > 100 {
		report.Score = 100
	}
	return &report, nil
}

// filterResolvable 丢弃无法在任一分区解析到证据块的引用
func (s *Scorer) filterResolvable(ctx context.Context, citations []types.Citation) []types.Citation {
	var kept []types.Citation
	for _, c := range citations {
		if c.ChunkID == "" {
			continue
		}
		if _, found, err := s.index.Resolve(ctx, types.NamespaceCandidate, c.ChunkID); err == nil && found {
			kept = append(kept, c)
			continue
		}
		if _, found, err := s.index.Resolve(ctx, types.NamespaceJob, c.ChunkID); err == nil && found {
			kept = append(kept, c)
			continue
		}
		logger.Ctx(ctx).Warn().Str("chunk_id", c.ChunkID).Msg("丢弃无法解析的引用")
	}
	return kept
}

// formatEvidence 将检索结果格式化为带块ID的证据列表
func formatEvidence(chunks []retrieval.ScoredChunk) string {
	if len(chunks) == 0 {
		return "(无)"
	}
	var sb strings.Builder
	for _, sc := range chunks {
		sb.WriteString(fmt.Sprintf("- [%s] (%s) %s\n", sc.Chunk.ID, sc.Chunk.Kind, sc.Chunk.Text))
	}
	return sb.String()
}

// requirementSeedQuery 用岗位的核心要求构造候选人分区的种子查询
func requirementSeedQuery(req *types.JobRequirement) string {
	var parts []string
	if req.Title != "" {
		parts = append(parts, req.Title)
	}
	for _, q := range req.MustHave {
		parts = append(parts, q.Text)
	}
	if len(parts) == 0 {
		for _, r := range req.Responsibilities {
			parts = append(parts, r)
		}
	}
	return strings.Join(parts, "; ")
}

// profileSeedQuery 用候选人的概要和技能构造岗位分区的种子查询
func profileSeedQuery(profile *types.CandidateProfile) string {
	var parts []string
	if profile.Summary != "" {
		parts = append(parts, profile.Summary)
	}
	if len(profile.Skills) > 0 {
		parts = append(parts, strings.Join(profile.Skills, ", "))
	}
	for _, exp := range profile.Experience {
		if exp.Position != "" {
			parts = append(parts, exp.Position)
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "候选人经历")
	}
	return strings.Join(parts, "; ")
}
