package types

import (
	"errors"
	"fmt"
)

// 错误分类哨兵。工作流按这些类别决定失败原因，而不是解析错误文本。
var (
	// ErrValidation 结构校验失败
	ErrValidation = errors.New("结构校验失败")
	// ErrProviderUnavailable 模型后端不可用
	ErrProviderUnavailable = errors.New("模型后端不可用")
	// ErrMalformedOutput 模型输出无法解析
	ErrMalformedOutput = errors.New("模型输出无法解析")
	// ErrRetrieval 检索后端不可用
	ErrRetrieval = errors.New("检索后端不可用")
)

// StageError 携带阶段信息的错误
type StageError struct {
	Stage   string // 发生错误的阶段，如 extract / score / rewrite / qa
	Op      string // 具体操作
	BaseErr error  // 分类哨兵
	Detail  error  // 底层错误
}

func (e *StageError) Error() string {
	if e.Detail != nil {
		return fmt.Sprintf("[%s/%s] %s: %v", e.Stage, e.Op, e.BaseErr, e.Detail)
	}
	return fmt.Sprintf("[%s/%s] %s", e.Stage, e.Op, e.BaseErr)
}

func (e *StageError) Unwrap() error {
	return e.BaseErr
}

// Is 同时匹配分类哨兵与底层错误
func (e *StageError) Is(target error) bool {
	return errors.Is(e.BaseErr, target) || errors.Is(e.Detail, target)
}

func newStageError(stage, op string, base, detail error) *StageError {
	return &StageError{Stage: stage, Op: op, BaseErr: base, Detail: detail}
}

// NewValidationError 创建结构校验错误
func NewValidationError(op string, detail error) *StageError {
	return newStageError("validation", op, ErrValidation, detail)
}

// NewProviderError 创建模型后端错误
func NewProviderError(op string, detail error) *StageError {
	return newStageError("provider", op, ErrProviderUnavailable, detail)
}

// NewMalformedError 创建模型输出解析错误
func NewMalformedError(op string, detail error) *StageError {
	return newStageError("provider", op, ErrMalformedOutput, detail)
}

// NewRetrievalError 创建检索后端错误
func NewRetrievalError(op string, detail error) *StageError {
	return newStageError("retrieval", op, ErrRetrieval, detail)
}
