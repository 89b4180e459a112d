package agent

import (
	"context"
	"encoding/json"
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

var extractorTracer = otel.Tracer("cv-agent-go/agent/extractor")

// Extractor 从简历原文和岗位描述中提取结构化数据，并负责证据入库。
// 提取结果先过结构校验，失败时带着校验反馈重试；重试耗尽后走宽松兜底，
// 兜底产物打上低置信标记，让下游降低分流的激进程度。
type Extractor struct {
	caller  *llmCaller
	index   retrieval.EvidenceIndex
	retries int
}

// ExtractorOption 定义提取器构造选项
type ExtractorOption func(*Extractor)

// WithExtractRetries 设置结构校验失败后的重试次数
func WithExtractRetries(n int) ExtractorOption {
	return func(e *Extractor) {
		if n >= 0 {
			e.retries = n
		}
	}
}

// WithExtractorLLMPolicy 设置模型调用的超时与后端重试策略
func WithExtractorLLMPolicy(timeout time.Duration, retries int, backoff time.Duration) ExtractorOption {
	return func(e *Extractor) {
		e.caller.withPolicy(timeout, retries, backoff)
	}
}

// NewExtractor 创建提取器
func NewExtractor(llm model.ToolCallingChatModel, index retrieval.EvidenceIndex, opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		caller:  newLLMCaller(llm),
		index:   index,
		retries: constants.DefaultExtractRetries,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

const profileExtractionPrompt = `你是一个简历解析助手。请从下面的简历原文中提取结构化信息，输出JSON对象，格式如下：

{
  "contact": {"name": "", "email": "", "phone": "", "location": ""},
  "summary": "个人概要",
  "experience": [
    {
      "company": "公司名",
      "position": "职位",
      "duration": "起止时间",
      "description": "职责描述",
      "achievements": ["可核验的成就，一条一个"],
      "skills_used": ["该段经历使用的技术"],
      "metrics": ["量化指标，如'QPS提升3倍'"]
    }
  ],
  "skills": ["技能列表"],
  "education": [{"institution": "学校", "degree": "学位", "field": "专业", "year": "年份"}],
  "projects": ["独立项目经历，一条一个"],
  "certifications": ["证书或认证"]
}

要求：
- 只输出JSON，不要输出其他内容。
- 只提取原文中存在的信息，绝不编造。
- 成就按条拆开，每条保持原文表述。

简历原文:
"""
%s
"""`

const requirementExtractionPrompt = `你是一个岗位描述解析助手。请从下面的岗位描述中提取结构化要求，输出JSON对象，格式如下：

{
  "title": "岗位名称",
  "company": "公司名",
  "must_have": [{"text": "硬性要求", "category": "technical/experience/education"}],
  "nice_to_have": [{"text": "加分项", "category": "technical/experience/education"}],
  "responsibilities": ["岗位职责，一条一个"],
  "keywords": ["筛选系统关注的关键词"]
}

要求：
- 只输出JSON，不要输出其他内容。
- 硬性要求与加分项按原文措辞区分，拿不准的归入硬性要求。

岗位描述:
"""
%s
"""`

// ExtractProfile 从简历原文提取候选人画像
func (e *Extractor) ExtractProfile(ctx context.Context, resumeText string) (*types.CandidateProfile, error) {
	ctx, span := extractorTracer.Start(ctx, "Extractor.ExtractProfile")
	defer span.End()
	span.SetAttributes(attribute.Int("extract.input_length", len(resumeText)))

	var profile types.CandidateProfile
	err := e.extractWithRetry(ctx, "extract_profile",
		fmt.Sprintf(profileExtractionPrompt, resumeText),
		&profile, func() error { return validateProfile(&profile) })
	if err == nil {
		span.SetAttributes(attribute.Int("extract.experience_count", len(profile.Experience)))
		return &profile, nil
	}

	// 上下文取消和后端故障直接上浮，兜底只针对结构问题
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(err, types.ErrProviderUnavailable) {
		return nil, err
	}

	logger.Ctx(ctx).Warn().Err(err).Msg("画像提取重试耗尽，使用低置信兜底")
	span.SetAttributes(attribute.Bool("extract.low_confidence", true))

	fallback := &types.CandidateProfile{
		Summary:       truncateRunes(strings.TrimSpace(resumeText), 500),
		LowConfidence: true,
	}
	return fallback, nil
}

// ExtractRequirement 从岗位描述提取结构化要求
func (e *Extractor) ExtractRequirement(ctx context.Context, jobText string) (*types.JobRequirement, error) {
	ctx, span := extractorTracer.Start(ctx, "Extractor.ExtractRequirement")
	defer span.End()
	span.SetAttributes(attribute.Int("extract.input_length", len(jobText)))

	var req types.JobRequirement
	err := e.extractWithRetry(ctx, "extract_requirement",
		fmt.Sprintf(requirementExtractionPrompt, jobText),
		&req, func() error { return validateRequirement(&req) })
	if err == nil {
		span.SetAttributes(attribute.Int("extract.must_have_count", len(req.MustHave)))
		return &req, nil
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(err, types.ErrProviderUnavailable) {
		return nil, err
	}

	logger.Ctx(ctx).Warn().Err(err).Msg("岗位要求提取重试耗尽，使用原文兜底")

	fallback := &types.JobRequirement{
		Title: firstLine(jobText),
		MustHave: []types.Qualification{
			{Text: truncateRunes(strings.TrimSpace(jobText), 500)},
		},
	}
	return fallback, nil
}

// IndexEvidence 将画像和岗位要求拆块后写入各自分区。
// 检索错误原样上浮，证据缺失的运行没有继续的意义。
func (e *Extractor) IndexEvidence(ctx context.Context, profile *types.CandidateProfile, req *types.JobRequirement) error {
	ctx, span := extractorTracer.Start(ctx, "Extractor.IndexEvidence")
	defer span.End()

	candidateChunks := ChunkProfile(profile)
	jobChunks := ChunkRequirement(req)
	span.SetAttributes(
		attribute.Int("index.candidate_chunks", len(candidateChunks)),
		attribute.Int("index.job_chunks", len(jobChunks)),
	)

	if err := e.index.Upsert(ctx, types.NamespaceCandidate, candidateChunks); err != nil {
		return err
	}
	if err := e.index.Upsert(ctx, types.NamespaceJob, jobChunks); err != nil {
		return err
	}

	logger.Ctx(ctx).Info().
		Int("candidate_chunks", len(candidateChunks)).
		Int("job_chunks", len(jobChunks)).
		Msg("证据入库完成")
	return nil
}

// extractWithRetry 调用模型并解析JSON，结构校验失败时带着反馈重试
func (e *Extractor) extractWithRetry(ctx context.Context, op string, prompt string, out interface{}, validate func() error) error {
	messages := []*einoschema.Message{
		einoschema.SystemMessage("你是一个严谨的结构化信息提取助手，只输出JSON。"),
		einoschema.UserMessage(prompt),
	}

	var lastErr error
	for attempt := 0; attempt <= e.retries; attempt++ {
		content, err := e.caller.generate(ctx, op, messages)
		if err != nil {
			// 后端不可用和取消没有重试价值，这一层只处理结构问题
			if ctx.Err() != nil || errors.Is(err, types.ErrProviderUnavailable) {
				return err
			}
			lastErr = err
		} else {
			lastErr = parseAndValidate(op, content, out, validate)
			if lastErr == nil {
				return nil
			}
		}

		logger.Ctx(ctx).Warn().
			Err(lastErr).
			Str("op", op).
			Int("attempt", attempt+1).
			Msg("提取结果校验失败")

		// 把失败原因作为纠正反馈附加到对话，让下一次尝试有的放矢
		messages = append(messages,
			einoschema.AssistantMessage("(上一次输出无法通过校验)", nil),
			einoschema.UserMessage(fmt.Sprintf("你上一次的输出存在问题: %v。请严格按照指定的JSON格式重新输出。", lastErr)),
		)
	}

	return lastErr
}

// parseAndValidate 从模型输出提取JSON并做结构校验
func parseAndValidate(op string, content string, out interface{}, validate func() error) error {
	jsonStr := extractJSONObject(content)
	if jsonStr == "" {
		return types.NewMalformedError(op, errors.New("响应中没有JSON对象"))
	}

	if err := json.Unmarshal([]byte(jsonStr), out); err != nil {
		fixed := sanitizeJSON(jsonStr)
		if jsonErr := json.Unmarshal([]byte(fixed), out); jsonErr != nil {
			return types.NewMalformedError(op, fmt.Errorf("JSON解析失败: %w", err))
		}
	}

	if err := validate(); err != nil {
		return types.NewValidationError(op, err)
	}
	return nil
}

// validateProfile 画像结构校验：至少要有一段经历或一项技能或概要
func validateProfile(p *types.CandidateProfile) error {
	if len(p.Experience) == 0 && len(p.Skills) == 0 && strings.TrimSpace(p.Summary) == "" {
		return errors.New("画像为空: 没有经历、技能或概要")
	}
	for i, exp := range p.Experience {
		if strings.TrimSpace(exp.Company) == "" && strings.TrimSpace(exp.Position) == "" {
			return fmt.Errorf("第%d段经历缺少公司和职位", i+1)
		}
	}
	return nil
}

// validateRequirement 岗位要求结构校验：标题必填，至少一条要求或职责
func validateRequirement(r *types.JobRequirement) error {
	if strings.TrimSpace(r.Title) == "" {
		return errors.New("岗位标题为空")
	}
	if len(r.MustHave) == 0 && len(r.NiceToHave) == 0 && len(r.Responsibilities) == 0 {
		return errors.New("没有提取到任何要求或职责")
	}
	for i, q := range r.MustHave {
		if strings.TrimSpace(q.Text) == "" {
			return fmt.Errorf("第%d条硬性要求为空", i+1)
		}
	}
	return nil
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return truncateRunes(line, 80)
		}
	}
	return "未知岗位"
}
