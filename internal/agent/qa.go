package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cv-agent-go/internal/logger"
	"cv-agent-go/internal/retrieval"
	"cv-agent-go/internal/types"

	"github.com/cloudwego/eino/components/model"
	einoschema "github.com/cloudwego/eino/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var qaTracer = otel.Tracer("cv-agent-go/agent/qa")

// QAChecker 校验改写结果。
// 确定性检查在本地做：引用必须能解析、章节不能为空、关键词覆盖。
// 模型只负责事实审计(找出证据撑不住的表述)，模型不可用时退化为纯本地检查。
// 对相同输入，本地检查的结论是完全确定的。
type QAChecker struct {
	caller *llmCaller
	index  retrieval.EvidenceIndex
}

// QAOption 定义校验器构造选项
type QAOption func(*QAChecker)

// WithQALLMPolicy 设置审计模型调用的超时与后端重试策略
func WithQALLMPolicy(timeout time.Duration, retries int, backoff time.Duration) QAOption {
	return func(qa *QAChecker) {
		if qa.caller != nil {
			qa.caller.withPolicy(timeout, retries, backoff)
		}
	}
}

// NewQAChecker 创建校验器。llm为nil时只做本地检查。
func NewQAChecker(llm model.ToolCallingChatModel, index retrieval.EvidenceIndex, opts ...QAOption) *QAChecker {
	qa := &QAChecker{index: index}
	if llm != nil {
		qa.caller = newLLMCaller(llm)
	}
	for _, opt := range opts {
		opt(qa)
	}
	return qa
}

const auditPromptTemplate = `请审计下面改写后的简历内容，找出证据无法支撑的事实性表述，输出JSON对象：

{
  "unsupported_claims": [
    {"section": "章节名", "claim": "撑不住的表述", "reason": "为什么证据不支持"}
  ]
}

规则：
- 只报告证据中完全找不到依据的事实(数字、头衔、成果)。
- 措辞润色和强调顺序的调整不算问题。
- 没有问题时输出 {"unsupported_claims": []}。
- 只输出JSON。

改写内容:
%s

被引用的证据:
%s`

// Review 对一轮改写做校验。iteration从1开始。
// 当且仅当没有HIGH问题时判通过。
func (qa *QAChecker) Review(ctx context.Context, sections []types.RewrittenSection, report *types.MatchGapReport, iteration int) (*types.QAReport, error) {
	ctx, span := qaTracer.Start(ctx, "QAChecker.Review")
	defer span.End()
	span.SetAttributes(attribute.Int("qa.iteration", iteration))

	var issues []types.QAIssue

	// 本地确定性检查
	issues = append(issues, qa.checkStructure(ctx, sections)...)
	issues = append(issues, qa.checkKeywordCoverage(sections, report)...)

	// 模型事实审计，失败时退化为纯本地检查
	if qa.caller != nil {
		auditIssues, err := qa.auditClaims(ctx, sections)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Ctx(ctx).Warn().Err(err).Msg("事实审计不可用，退化为本地检查")
			span.SetAttributes(attribute.Bool("qa.audit_degraded", true))
		} else {
			issues = append(issues, auditIssues...)
		}
	}

	// HIGH在前，同级按发现顺序
	ordered := make([]types.QAIssue, 0, len(issues))
	for _, is := range issues {
		if is.Severity == types.SeverityHigh {
			ordered = append(ordered, is)
		}
	}
	highCount := len(ordered)
	for _, is := range issues {
		if is.Severity != types.SeverityHigh {
			ordered = append(ordered, is)
		}
	}

	result := &types.QAReport{
		Pass:      highCount == 0,
		Issues:    ordered,
		Feedback:  buildFeedback(ordered),
		Iteration: iteration,
	}

	span.SetAttributes(
		attribute.Bool("qa.pass", result.Pass),
		attribute.Int("qa.high_issues", highCount),
		attribute.Int("qa.total_issues", len(ordered)),
	)
	return result, nil
}

// checkStructure 检查章节非空和引用可解析性
func (qa *QAChecker) checkStructure(ctx context.Context, sections []types.RewrittenSection) []types.QAIssue {
	var issues []types.QAIssue

	for _, section := range sections {
		if strings.TrimSpace(section.Text) == "" {
			issues = append(issues, types.QAIssue{
				Severity: types.SeverityHigh,
				Section:  section.Section,
				Message:  "章节内容为空",
			})
			continue
		}

		if len(section.Citations) == 0 {
			issues = append(issues, types.QAIssue{
				Severity: types.SeverityHigh,
				Section:  section.Section,
				Message:  "章节没有任何证据引用",
			})
		}

		for _, c := range section.Citations {
			_, found, err := qa.index.Resolve(ctx, types.NamespaceCandidate, c.ChunkID)
			if err != nil || !found {
				issues = append(issues, types.QAIssue{
					Severity: types.SeverityHigh,
					Section:  section.Section,
					Message:  fmt.Sprintf("引用的证据块无法解析: %s", c.ChunkID),
					ChunkID:  c.ChunkID,
				})
			}
		}
	}

	return issues
}

// checkKeywordCoverage 检查目标关键词是否被覆盖，缺失仅作为改进反馈
func (qa *QAChecker) checkKeywordCoverage(sections []types.RewrittenSection, report *types.MatchGapReport) []types.QAIssue {
	if report == nil || len(report.TargetKeywords) == 0 {
		return nil
	}

	var all strings.Builder
	for _, section := range sections {
		all.WriteString(strings.ToLower(section.Text))
		all.WriteString("\n")
	}
	combined := all.String()

	var issues []types.QAIssue
	for _, kw := range report.TargetKeywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		if !strings.Contains(combined, strings.ToLower(kw)) {
			issues = append(issues, types.QAIssue{
				Severity: types.SeverityMedium,
				Message:  fmt.Sprintf("目标关键词未覆盖: %s", kw),
			})
		}
	}
	return issues
}

// auditClaims 用模型找出证据撑不住的表述，每条问题记为HIGH
func (qa *QAChecker) auditClaims(ctx context.Context, sections []types.RewrittenSection) ([]types.QAIssue, error) {
	var contentSb, evidenceSb strings.Builder
	seen := map[string]bool{}

	for _, section := range sections {
		contentSb.WriteString(fmt.Sprintf("[%s]\n%s\n\n", sectionLabel(section.Section), section.Text))
		for _, c := range section.Citations {
			if seen[c.ChunkID] {
				continue
			}
			seen[c.ChunkID] = true
			chunk, found, err := qa.index.Resolve(ctx, types.NamespaceCandidate, c.ChunkID)
			if err == nil && found {
				evidenceSb.WriteString(fmt.Sprintf("- [%s] %s\n", chunk.ID, chunk.Text))
			}
		}
	}
	if evidenceSb.Len() == 0 {
		evidenceSb.WriteString("(无)")
	}

	messages := []*einoschema.Message{
		einoschema.SystemMessage("你是一位严格的简历事实审计员，只相信证据。"),
		einoschema.UserMessage(fmt.Sprintf(auditPromptTemplate, contentSb.String(), evidenceSb.String())),
	}

	content, err := qa.caller.generate(ctx, "qa_audit", messages)
	if err != nil {
		return nil, err
	}

	var audit struct {
		UnsupportedClaims []struct {
			Section string `json:"section"`
			Claim   string `json:"claim"`
			Reason  string `json:"reason"`
		} `json:"unsupported_claims"`
	}
	if err := parseAndValidate("qa_audit", content, &audit, func() error { return nil }); err != nil {
		return nil, err
	}

	issues := make([]types.QAIssue, 0, len(audit.UnsupportedClaims))
	for _, claim := range audit.UnsupportedClaims {
		if strings.TrimSpace(claim.Claim) == "" {
			continue
		}
		msg := fmt.Sprintf("证据无法支撑的表述: %s", claim.Claim)
		if claim.Reason != "" {
			msg += " (" + claim.Reason + ")"
		}
		issues = append(issues, types.QAIssue{
			Severity: types.SeverityHigh,
			Section:  claim.Section,
			Message:  msg,
		})
	}
	return issues, nil
}

// buildFeedback 将问题列表拼装为给下一轮改写的反馈
func buildFeedback(issues []types.QAIssue) string {
	if len(issues) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, is := range issues {
		if i > 0 {
			sb.WriteString("\n")
		}
		if is.Section != "" {
			sb.WriteString(fmt.Sprintf("%d. [%s][%s] %s", i+1, is.Severity, sectionLabel(is.Section), is.Message))
		} else {
			sb.WriteString(fmt.Sprintf("%d. [%s] %s", i+1, is.Severity, is.Message))
		}
	}
	return sb.String()
}
