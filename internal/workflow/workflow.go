package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cv-agent-go/internal/agent"
	"cv-agent-go/internal/constants"
	"cv-agent-go/internal/logger"
	"cv-agent-go/internal/retrieval"
	"cv-agent-go/internal/tracing"
	"cv-agent-go/internal/types"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var workflowTracer = otel.Tracer("cv-agent-go/workflow")

// Workflow 简历适配工作流的编排器。
// 节点顺序: 提取 -> 证据入库 -> 评分 -> 分流 -> (放弃 | 跳过 | 改写-校验循环) -> 收尾。
// 节点之间显式检查取消；除取消外的所有故障都收敛为失败结果而不是错误返回。
type Workflow struct {
	extractor *agent.Extractor
	scorer    *agent.Scorer
	rewriter  *agent.Rewriter
	qa        *agent.QAChecker
	index     retrieval.EvidenceIndex

	abortThreshold  int
	skipThreshold   int
	maxQAIterations int
	resetOnFinish   bool
}

// NewWorkflow 创建工作流编排器
func NewWorkflow(extractor *agent.Extractor, scorer *agent.Scorer, rewriter *agent.Rewriter, qa *agent.QAChecker, index retrieval.EvidenceIndex, opts ...Option) *Workflow {
	w := &Workflow{
		extractor: extractor,
		scorer:    scorer,
		rewriter:  rewriter,
		qa:        qa,
		index:     index,
	}
	defaultWorkflowOptions(w)
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run 执行一次完整的简历适配。
// 返回的error仅在调用方取消时非nil，其他故障都体现在结果的
// Success/FailureReason字段里，调用方不需要同时检查两处。
func (w *Workflow) Run(ctx context.Context, resumeText, jobText string) (*types.WorkflowResult, error) {
	runID := uuid.NewString()
	runLogger := logger.Logger.With().Str("run_id", runID).Logger()
	ctx = runLogger.WithContext(ctx)

	ctx, span := workflowTracer.Start(ctx, "Workflow.Run")
	defer span.End()
	span.SetAttributes(attribute.String("workflow.run_id", runID))

	result := &types.WorkflowResult{RunID: runID}

	if w.resetOnFinish {
		defer func() {
			if err := w.index.Reset(context.WithoutCancel(ctx)); err != nil {
				runLogger.Warn().Err(err).Msg("收尾清空索引失败")
			}
		}()
	}

	if strings.TrimSpace(resumeText) == "" || strings.TrimSpace(jobText) == "" {
		result.Success = false
		result.FailureReason = types.FailureInvalidInput
		result.FailureDetail = "输入为空: 简历原文和岗位描述都不能为空"
		return result, nil
	}

	// 提取
	profile, err := w.extractor.ExtractProfile(ctx, resumeText)
	if err != nil {
		return w.fail(ctx, result, "extract_profile", err)
	}
	result.Profile = profile

	if err := w.checkCanceled(ctx, result); err != nil {
		return result, err
	}

	requirement, err := w.extractor.ExtractRequirement(ctx, jobText)
	if err != nil {
		return w.fail(ctx, result, "extract_requirement", err)
	}
	result.Requirement = requirement

	if err := w.checkCanceled(ctx, result); err != nil {
		return result, err
	}

	// 证据入库
	if err := w.extractor.IndexEvidence(ctx, profile, requirement); err != nil {
		return w.fail(ctx, result, "index_evidence", err)
	}

	if err := w.checkCanceled(ctx, result); err != nil {
		return result, err
	}

	// 评分
	report, err := w.scorer.Score(ctx, profile, requirement)
	if err != nil {
		return w.fail(ctx, result, "score", err)
	}
	result.MatchReport = report
	span.SetAttributes(attribute.Int("workflow.score", report.Score))

	// 分流。Route本身是纯函数，低置信画像的降级在这一层做：
	// 兜底提取的画像不足以断定不匹配，放弃改为尝试改写。
	route := Route(report.Score, w.abortThreshold, w.skipThreshold)
	if route == types.RouteAbort && profile.LowConfidence {
		logger.Ctx(ctx).Info().Int("score", report.Score).Msg("低置信画像，放弃降级为改写")
		route = types.RouteRewrite
	}
	result.Route = route
	span.SetAttributes(attribute.String("workflow.route", string(route)))

	switch route {
	case types.RouteAbort:
		return w.finalizeAbort(ctx, result)
	case types.RouteSkipRewrite:
		return w.finalizeSkip(ctx, result)
	default:
		return w.runRefinementLoop(ctx, result)
	}
}

// runRefinementLoop 执行改写-校验循环，轮次封顶。
// 达到上限仍未通过时按成功收尾，qa_passed=false留给调用方判断。
func (w *Workflow) runRefinementLoop(ctx context.Context, result *types.WorkflowResult) (*types.WorkflowResult, error) {
	ctx, span := workflowTracer.Start(ctx, "Workflow.RefinementLoop")
	defer span.End()

	feedback := ""
	for iteration := 1; iteration <= w.maxQAIterations; iteration++ {
		if err := w.checkCanceled(ctx, result); err != nil {
			return result, err
		}

		sections, err := w.rewriter.Rewrite(ctx, result.Profile, result.Requirement, result.MatchReport, feedback, iteration)
		if err != nil {
			return w.fail(ctx, result, "rewrite", err)
		}
		result.Sections = sections
		result.SectionHistory = append(result.SectionHistory, sections)
		result.IterationCount = iteration

		if err := w.checkCanceled(ctx, result); err != nil {
			return result, err
		}

		qaReport, err := w.qa.Review(ctx, sections, result.MatchReport, iteration)
		if err != nil {
			return w.fail(ctx, result, "qa", err)
		}
		result.QAReports = append(result.QAReports, *qaReport)

		logger.Ctx(ctx).Info().
			Int("iteration", iteration).
			Bool("pass", qaReport.Pass).
			Int("issues", len(qaReport.Issues)).
			Msg("一轮校验完成")

		if qaReport.Pass {
			result.QAPassed = true
			break
		}
		feedback = qaReport.Feedback
	}

	span.SetAttributes(
		attribute.Int("workflow.iterations", result.IterationCount),
		attribute.Bool("workflow.qa_passed", result.QAPassed),
	)

	if !result.QAPassed {
		logger.Ctx(ctx).Warn().
			Int("iterations", result.IterationCount).
			Msg("改写循环达到上限仍未通过校验")
	}

	result.Success = true
	return result, nil
}

// finalizeAbort 放弃路径：不产出改写内容，差距报告保留给调用方
func (w *Workflow) finalizeAbort(ctx context.Context, result *types.WorkflowResult) (*types.WorkflowResult, error) {
	logger.Ctx(ctx).Info().
		Int("score", result.MatchReport.Score).
		Msg("匹配度过低，放弃改写")
	result.Success = true
	result.QAPassed = false
	return result, nil
}

// finalizeSkip 跳过路径：用原始画像组装章节，引用指向对应的证据块
func (w *Workflow) finalizeSkip(ctx context.Context, result *types.WorkflowResult) (*types.WorkflowResult, error) {
	logger.Ctx(ctx).Info().
		Int("score", result.MatchReport.Score).
		Msg("匹配度极高，原文直接可用")

	result.Sections = sectionsFromProfile(result.Profile)
	result.Success = true
	result.QAPassed = true
	return result, nil
}

// sectionsFromProfile 不经改写地从画像组装输出章节。
// 章节与拆块共用同一套确定性ID，引用天然可解析。
func sectionsFromProfile(profile *types.CandidateProfile) []types.RewrittenSection {
	chunks := agent.ChunkProfile(profile)
	citationsByKind := map[string][]types.Citation{}
	for _, c := range chunks {
		citationsByKind[c.Kind] = append(citationsByKind[c.Kind], types.Citation{ChunkID: c.ID, Quote: c.Text})
	}

	var sections []types.RewrittenSection

	if strings.TrimSpace(profile.Summary) != "" {
		sections = append(sections, types.RewrittenSection{
			Section:   constants.SectionSummary,
			Text:      profile.Summary,
			Citations: citationsByKind[agent.ChunkKindSummary],
		})
	}

	if len(profile.Experience) > 0 {
		var sb strings.Builder
		for i, exp := range profile.Experience {
			if i > 0 {
				sb.WriteString("\n\n")
			}
			sb.WriteString(strings.TrimSpace(fmt.Sprintf("%s %s %s", exp.Company, exp.Position, exp.Duration)))
			if exp.Description != "" {
				sb.WriteString("\n" + exp.Description)
			}
			for _, ach := range exp.Achievements {
				sb.WriteString("\n- " + ach)
			}
		}
		sections = append(sections, types.RewrittenSection{
			Section:   constants.SectionExperience,
			Text:      sb.String(),
			Citations: citationsByKind[agent.ChunkKindExperience],
		})
	}

	if len(profile.Skills) > 0 {
		sections = append(sections, types.RewrittenSection{
			Section:   constants.SectionSkills,
			Text:      strings.Join(profile.Skills, ", "),
			Citations: citationsByKind[agent.ChunkKindSkills],
		})
	}

	return sections
}

// fail 将内部故障分类并收敛为失败结果
func (w *Workflow) fail(ctx context.Context, result *types.WorkflowResult, stage string, err error) (*types.WorkflowResult, error) {
	span := trace.SpanFromContext(ctx)

	// 取消只认调用方上下文的状态。单次模型调用超时会把
	// DeadlineExceeded留在错误链里，不能凭错误链误判为取消。
	if ctx.Err() != nil {
		result.Success = false
		result.FailureReason = types.FailureCanceled
		result.FailureDetail = fmt.Sprintf("%s: %v", stage, err)
		tracing.RecordError(span, err, tracing.ErrorTypeWorkflow)
		return result, err
	}

	switch {
	case errors.Is(err, types.ErrRetrieval):
		result.FailureReason = types.FailureRetrieval
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
	case errors.Is(err, types.ErrProviderUnavailable), errors.Is(err, types.ErrMalformedOutput):
		result.FailureReason = types.FailureProvider
		tracing.RecordError(span, err, tracing.ErrorTypeLLM)
	default:
		result.FailureReason = types.FailureProvider
		tracing.RecordError(span, err, tracing.ErrorTypeWorkflow)
	}

	result.Success = false
	result.FailureDetail = fmt.Sprintf("%s: %v", stage, err)

	logger.Ctx(ctx).Error().
		Err(err).
		Str("stage", stage).
		Str("reason", string(result.FailureReason)).
		Msg("工作流失败")
	return result, nil
}

// checkCanceled 节点之间的取消检查
func (w *Workflow) checkCanceled(ctx context.Context, result *types.WorkflowResult) error {
	if err := ctx.Err(); err != nil {
		result.Success = false
		result.FailureReason = types.FailureCanceled
		result.FailureDetail = err.Error()
		return err
	}
	return nil
}
