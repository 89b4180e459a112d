package workflow

import "cv-agent-go/internal/constants"

// Option 定义工作流构造选项
type Option func(*Workflow)

// WithThresholds 设置分流阈值
func WithThresholds(abort, skip int) Option {
	return func(w *Workflow) {
		if abort >= 0 && skip > abort {
			w.abortThreshold = abort
			w.skipThreshold = skip
		}
	}
}

// WithMaxQAIterations 设置改写-校验循环的轮次上限
func WithMaxQAIterations(n int) Option {
	return func(w *Workflow) {
		if n > 0 {
			w.maxQAIterations = n
		}
	}
}

// WithResetOnFinish 控制运行结束时是否清空证据索引。
// 进程内索引每次运行独占实例时可以关掉，共享索引必须开。
func WithResetOnFinish(reset bool) Option {
	return func(w *Workflow) {
		w.resetOnFinish = reset
	}
}

func defaultWorkflowOptions(w *Workflow) {
	w.abortThreshold = constants.DefaultAbortThreshold
	w.skipThreshold = constants.DefaultSkipThreshold
	w.maxQAIterations = constants.DefaultMaxQAIterations
	w.resetOnFinish = true
}
