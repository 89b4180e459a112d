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

var rewriterTracer = otel.Tracer("cv-agent-go/agent/rewriter")

// rewriteSections 改写的目标章节，顺序即输出顺序
var rewriteSections = []string{
	constants.SectionSummary,
	constants.SectionExperience,
	constants.SectionSkills,
}

// Rewriter 面向目标岗位改写简历的各个章节。
// 每个章节只基于候选人分区的证据改写，任何新表述都必须能引用到证据块，
// 岗位信息只用来决定强调什么，不作为事实来源。
type Rewriter struct {
	caller    *llmCaller
	retriever *retrieval.FusionRetriever
	index     retrieval.EvidenceIndex
	topK      int
}

// RewriterOption 定义改写器构造选项
type RewriterOption func(*Rewriter)

// WithRewriterTopK 设置每个章节检索的证据块数
func WithRewriterTopK(k int) RewriterOption {
	return func(r *Rewriter) {
		if k > 0 {
			r.topK = k
		}
	}
}

// WithRewriterLLMPolicy 设置模型调用的超时与后端重试策略
func WithRewriterLLMPolicy(timeout time.Duration, retries int, backoff time.Duration) RewriterOption {
	return func(r *Rewriter) {
		r.caller.withPolicy(timeout, retries, backoff)
	}
}

// NewRewriter 创建改写器
func NewRewriter(llm model.ToolCallingChatModel, retriever *retrieval.FusionRetriever, index retrieval.EvidenceIndex, opts ...RewriterOption) *Rewriter {
	r := &Rewriter{
		caller:    newLLMCaller(llm),
		retriever: retriever,
		index:     index,
		topK:      constants.DefaultRetrievalTopK,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// 改写风格示例，动作导向、结果量化
const rewriteStyleExamples = `改写风格示例:
- 改写前: "负责订单系统的开发和维护"
  改写后: "主导订单系统微服务改造，支撑日均10万订单，下单链路耗时下降40%"
- 改写前: "熟悉MySQL"
  改写后: "通过索引重构与慢查询治理，将核心报表查询从12秒压缩到800毫秒"

要点：以动作动词开头，量化结果，但数字和事实必须来自证据块，绝不编造。`

const rewritePromptTemplate = `请面向目标岗位改写简历的「%s」章节，输出JSON对象：

{
  "text": "改写后的内容",
  "citations": [{"chunk_id": "支撑该内容的证据块ID", "quote": "被引用的原文片段"}]
}

目标岗位: %s
应覆盖的关键词: %s
需要弥补的差距(能用证据支撑时尽量回应): %s
%s
可用证据(只能使用这些，chunk_id必须原样照抄):
%s

规则：
- 每个事实性表述都要有对应引用。
- 证据中没有的事实绝对不能出现。
- 自然融入关键词，不要堆砌。
- 只输出JSON。`

// Rewrite 改写全部章节。iteration从1开始计数，
// feedback是上一轮校验的改进反馈，首轮为空。
func (r *Rewriter) Rewrite(ctx context.Context, profile *types.CandidateProfile, req *types.JobRequirement, report *types.MatchGapReport, feedback string, iteration int) ([]types.RewrittenSection, error) {
	ctx, span := rewriterTracer.Start(ctx, "Rewriter.Rewrite")
	defer span.End()
	span.SetAttributes(attribute.Int("rewrite.iteration", iteration))

	sections := make([]types.RewrittenSection, 0, len(rewriteSections))
	for _, sectionName := range rewriteSections {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		section, err := r.rewriteSection(ctx, sectionName, profile, req, report, feedback, iteration)
		if err != nil {
			return nil, err
		}
		sections = append(sections, *section)
	}

	return sections, nil
}

// rewriteSection 改写单个章节
func (r *Rewriter) rewriteSection(ctx context.Context, sectionName string, profile *types.CandidateProfile, req *types.JobRequirement, report *types.MatchGapReport, feedback string, iteration int) (*types.RewrittenSection, error) {
	ctx, span := rewriterTracer.Start(ctx, "Rewriter.rewriteSection")
	defer span.End()
	span.SetAttributes(
		attribute.String("rewrite.section", sectionName),
		attribute.Int("rewrite.iteration", iteration),
	)

	evidence, err := r.retriever.Retrieve(ctx, types.NamespaceCandidate,
		sectionSeedQuery(sectionName, profile, req, report), r.topK)
	if err != nil {
		return nil, err
	}

	feedbackBlock := ""
	if strings.TrimSpace(feedback) != "" {
		feedbackBlock = "上一轮校验反馈(必须逐条回应):\n" + feedback + "\n"
	}

	prompt := fmt.Sprintf(rewritePromptTemplate,
		sectionLabel(sectionName),
		strings.TrimSpace(req.Company+" "+req.Title),
		strings.Join(report.TargetKeywords, ", "),
		strings.Join(report.Gaps, "; "),
		feedbackBlock,
		formatEvidence(evidence))

	messages := []*einoschema.Message{
		einoschema.SystemMessage("你是一位专业的简历优化顾问，擅长在不偏离事实的前提下突出候选人与岗位的契合点。\n\n" + rewriteStyleExamples),
		einoschema.UserMessage(prompt),
	}

	section, err := r.generateSection(ctx, sectionName, messages, iteration)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, types.ErrProviderUnavailable) {
			return nil, err
		}
		logger.Ctx(ctx).Warn().Err(err).Str("section", sectionName).Msg("章节改写解析失败，重试一次")
		messages = append(messages,
			einoschema.AssistantMessage("(上一次输出无法解析)", nil),
			einoschema.UserMessage(fmt.Sprintf("你上一次的输出存在问题: %v。请严格按照指定的JSON格式重新输出。", err)),
		)
		section, err = r.generateSection(ctx, sectionName, messages, iteration)
		if err != nil {
			return nil, err
		}
	}

	section.Citations = r.filterCandidateCitations(ctx, section.Citations)
	span.SetAttributes(attribute.Int("rewrite.citation_count", len(section.Citations)))
	return section, nil
}

func (r *Rewriter) generateSection(ctx context.Context, sectionName string, messages []*einoschema.Message, iteration int) (*types.RewrittenSection, error) {
	content, err := r.caller.generate(ctx, "rewrite_"+sectionName, messages)
	if err != nil {
		return nil, err
	}

	var section types.RewrittenSection
	if err := parseAndValidate("rewrite_"+sectionName, content, &section, func() error {
		if strings.TrimSpace(section.Text) == "" {
			return errors.New("改写内容为空")
		}
		return nil
	}); err != nil {
		return nil, err
	}

	section.Section = sectionName
	section.Iteration = iteration
	return &section, nil
}

// filterCandidateCitations 改写的引用只认候选人分区，岗位块不能作为事实来源
func (r *Rewriter) filterCandidateCitations(ctx context.Context, citations []types.Citation) []types.Citation {
	var kept []types.Citation
	for _, c := range citations {
		if c.ChunkID == "" {
			continue
		}
		if _, found, err := r.index.Resolve(ctx, types.NamespaceCandidate, c.ChunkID); err == nil && found {
			kept = append(kept, c)
			continue
		}
		logger.Ctx(ctx).Warn().Str("chunk_id", c.ChunkID).Msg("丢弃无法解析的改写引用")
	}
	return kept
}

// sectionSeedQuery 为不同章节构造检索种子
func sectionSeedQuery(sectionName string, profile *types.CandidateProfile, req *types.JobRequirement, report *types.MatchGapReport) string {
	switch sectionName {
	case constants.SectionSummary:
		parts := []string{req.Title}
		parts = append(parts, report.TargetKeywords...)
		return strings.Join(parts, "; ")
	case constants.SectionSkills:
		var parts []string
		for _, q := range req.MustHave {
			parts = append(parts, q.Text)
		}
		parts = append(parts, report.TargetKeywords...)
		return strings.Join(parts, "; ")
	default:
		var parts []string
		for _, q := range req.MustHave {
			parts = append(parts, q.Text)
		}
		for _, resp := range req.Responsibilities {
			parts = append(parts, resp)
		}
		if len(parts) == 0 {
			parts = append(parts, req.Title)
		}
		return strings.Join(parts, "; ")
	}
}

// sectionLabel 章节的中文名
func sectionLabel(sectionName string) string {
	switch sectionName {
	case constants.SectionSummary:
		return "个人概要"
	case constants.SectionExperience:
		return "工作经历"
	case constants.SectionSkills:
		return "技能"
	default:
		return sectionName
	}
}
