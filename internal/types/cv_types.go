package types

// ContactInfo 候选人联系方式
type ContactInfo struct {
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Location string `json:"location,omitempty"`
}

// ExperienceEntry 一段工作经历
type ExperienceEntry struct {
	Company      string   `json:"company"`
	Position     string   `json:"position"`
	Duration     string   `json:"duration,omitempty"`
	Description  string   `json:"description,omitempty"`
	Achievements []string `json:"achievements,omitempty"` // 可核验的成就条目
	SkillsUsed   []string `json:"skills_used,omitempty"`
	Metrics      []string `json:"metrics,omitempty"` // 量化指标，如"QPS提升3倍"
}

// EducationEntry 一条教育经历
type EducationEntry struct {
	Institution string `json:"institution"`
	Degree      string `json:"degree,omitempty"`
	Field       string `json:"field,omitempty"`
	Year        string `json:"year,omitempty"`
}

// CandidateProfile 从简历原文提取的结构化候选人画像
type CandidateProfile struct {
	Contact        ContactInfo       `json:"contact,omitempty"`
	Summary        string            `json:"summary,omitempty"`
	Experience     []ExperienceEntry `json:"experience,omitempty"`
	Skills         []string          `json:"skills,omitempty"`
	Education      []EducationEntry  `json:"education,omitempty"`
	Projects       []string          `json:"projects,omitempty"`
	Certifications []string          `json:"certifications,omitempty"`

	// LowConfidence 表示提取经过宽松兜底，结构校验未完全通过。
	// 下游对低置信画像降低分流的激进程度。
	LowConfidence bool `json:"low_confidence,omitempty"`
}

// Qualification 一条岗位资格要求
type Qualification struct {
	Text     string `json:"text"`
	Category string `json:"category,omitempty"` // 如 technical / experience / education
}

// JobRequirement 从岗位描述提取的结构化要求
type JobRequirement struct {
	Title            string          `json:"title"`
	Company          string          `json:"company,omitempty"`
	MustHave         []Qualification `json:"must_have,omitempty"`
	NiceToHave       []Qualification `json:"nice_to_have,omitempty"`
	Responsibilities []string        `json:"responsibilities,omitempty"`
	Keywords         []string        `json:"keywords,omitempty"`
}

// Namespace 证据索引的分区名
type Namespace string

const (
	// NamespaceCandidate 候选人证据分区
	NamespaceCandidate Namespace = "candidate"
	// NamespaceJob 岗位证据分区
	NamespaceJob Namespace = "job"
)

// EvidenceChunk 一个可被引用的证据块
type EvidenceChunk struct {
	ID        string    `json:"id"`
	Namespace Namespace `json:"namespace"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text"`
	Vector    []float64 `json:"-"`
}

// Citation 对某个证据块的引用
type Citation struct {
	ChunkID string `json:"chunk_id"`
	Quote   string `json:"quote,omitempty"` // 被引用的原文片段
}

// MatchGapReport 匹配度评估报告
type MatchGapReport struct {
	Score          int        `json:"score"` // [0,100]
	Gaps           []string   `json:"gaps,omitempty"`
	TargetKeywords []string   `json:"target_keywords,omitempty"`
	Citations      []Citation `json:"citations,omitempty"`
	Rationale      string     `json:"rationale,omitempty"`
}

// RewrittenSection 一段改写后的简历内容
type RewrittenSection struct {
	Section   string     `json:"section"` // summary / experience / skills
	Text      string     `json:"text"`
	Citations []Citation `json:"citations,omitempty"`
	Iteration int        `json:"iteration"` // 产生该版本的循环轮次，从1开始
}

// IssueSeverity 校验问题严重级别
type IssueSeverity string

const (
	// SeverityHigh 高危问题，存在任何一个即判不通过
	SeverityHigh IssueSeverity = "HIGH"
	// SeverityMedium 中等问题，只作为改进反馈
	SeverityMedium IssueSeverity = "MEDIUM"
)

// QAIssue 一条校验问题
type QAIssue struct {
	Severity IssueSeverity `json:"severity"`
	Section  string        `json:"section,omitempty"`
	Message  string        `json:"message"`
	ChunkID  string        `json:"chunk_id,omitempty"` // 涉及的引用块(如有)
}

// QAReport 一轮校验的结果
type QAReport struct {
	Pass      bool      `json:"pass"` // 当且仅当没有HIGH问题
	Issues    []QAIssue `json:"issues,omitempty"`
	Feedback  string    `json:"feedback,omitempty"` // 给下一轮改写的反馈
	Iteration int       `json:"iteration"`          // 轮次，从1开始
}

// RouteTag 评分后的分流标签
type RouteTag string

const (
	// RouteAbort 匹配度过低，不值得改写
	RouteAbort RouteTag = "ABORT"
	// RouteSkipRewrite 匹配度极高，原文直接可用
	RouteSkipRewrite RouteTag = "SKIP_REWRITE"
	// RouteRewrite 进入改写-校验循环
	RouteRewrite RouteTag = "REWRITE"
)

// FailureReason 运行失败的原因分类
type FailureReason string

const (
	// FailureNone 未失败
	FailureNone FailureReason = ""
	// FailureProvider 模型后端不可用
	FailureProvider FailureReason = "PROVIDER_UNAVAILABLE"
	// FailureRetrieval 检索后端不可用
	FailureRetrieval FailureReason = "RETRIEVAL_UNAVAILABLE"
	// FailureCanceled 调用方取消
	FailureCanceled FailureReason = "CANCELED"
	// FailureInvalidInput 输入不合法
	FailureInvalidInput FailureReason = "INVALID_INPUT"
)

// WorkflowResult 一次完整运行的产出
type WorkflowResult struct {
	RunID string `json:"run_id"`

	Profile     *CandidateProfile `json:"profile,omitempty"`
	Requirement *JobRequirement   `json:"requirement,omitempty"`

	Sections       []RewrittenSection   `json:"sections,omitempty"`
	SectionHistory [][]RewrittenSection `json:"section_history,omitempty"` // 每轮改写的快照
	MatchReport    *MatchGapReport      `json:"match_report,omitempty"`
	QAReports      []QAReport           `json:"qa_reports,omitempty"`

	Route          RouteTag `json:"route,omitempty"`
	IterationCount int      `json:"iteration_count"`
	QAPassed       bool     `json:"qa_passed"`

	Success       bool          `json:"success"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
	FailureDetail string        `json:"failure_detail,omitempty"`
}
