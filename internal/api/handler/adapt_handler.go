package handler

import (
	"context"
	"errors"
	"strings"

	"cv-agent-go/internal/types"
	"cv-agent-go/internal/workflow"
)

// AdaptHandler 处理简历适配请求
type AdaptHandler struct {
	workflow *workflow.Workflow
}

// NewAdaptHandler 创建适配处理器
func NewAdaptHandler(wf *workflow.Workflow) *AdaptHandler {
	return &AdaptHandler{workflow: wf}
}

// AdaptRequest 适配请求体
type AdaptRequest struct {
	ResumeText string `json:"resume_text"`
	JobText    string `json:"job_text"`
}

// Validate 请求体基本校验
func (r *AdaptRequest) Validate() error {
	if strings.TrimSpace(r.ResumeText) == "" {
		return errors.New("resume_text 不能为空")
	}
	if strings.TrimSpace(r.JobText) == "" {
		return errors.New("job_text 不能为空")
	}
	return nil
}

// HandleAdapt 执行一次简历适配运行
func (h *AdaptHandler) HandleAdapt(ctx context.Context, req *AdaptRequest) (*types.WorkflowResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return h.workflow.Run(ctx, req.ResumeText, req.JobText)
}
