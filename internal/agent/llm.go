package agent

import (
	"context"
	"errors"
	"time"

	"cv-agent-go/internal/constants"
	"cv-agent-go/internal/logger"
	"cv-agent-go/internal/types"

	"github.com/cloudwego/eino/components/model"
	einoschema "github.com/cloudwego/eino/schema"
)

// llmCaller 封装带超时和瞬时故障重试的模型调用。
// 所有阶段共用同一套调用策略：每次调用限时，后端故障按固定次数退避重试，
// 重试耗尽后以后端错误上报。结构性校验重试由各阶段自己做，不在这一层。
type llmCaller struct {
	llm     model.ToolCallingChatModel
	timeout time.Duration
	retries int
	backoff time.Duration
}

func newLLMCaller(llm model.ToolCallingChatModel) *llmCaller {
	return &llmCaller{
		llm:     llm,
		timeout: constants.DefaultLLMCallTimeout,
		retries: constants.DefaultProviderRetries,
		backoff: constants.DefaultProviderBackoff,
	}
}

func (c *llmCaller) withPolicy(timeout time.Duration, retries int, backoff time.Duration) *llmCaller {
	if timeout > 0 {
		c.timeout = timeout
	}
	if retries >= 0 {
		c.retries = retries
	}
	if backoff > 0 {
		c.backoff = backoff
	}
	return c
}

// generate 执行一次模型调用。返回的错误只有三类：
// 上下文取消、后端不可用(重试耗尽)、空响应(畸形输出)。
func (c *llmCaller) generate(ctx context.Context, stage string, messages []*einoschema.Message) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= c.retries; attempt++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		resp, err := c.llm.Generate(callCtx, messages)
		cancel()

		if err == nil {
			if resp == nil || resp.Content == "" {
				return "", types.NewMalformedError(stage, errors.New("模型返回空响应"))
			}
			return resp.Content, nil
		}

		// 外层上下文取消不属于后端故障，立即上浮
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		lastErr = err
		if !isTransient(err) {
			break
		}

		logger.Ctx(ctx).Warn().
			Err(err).
			Str("stage", stage).
			Int("attempt", attempt+1).
			Msg("模型调用失败，准备重试")

		if attempt < c.retries {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.backoff * time.Duration(1<<uint(attempt))):
			}
		}
	}

	if errors.Is(lastErr, types.ErrMalformedOutput) {
		return "", lastErr
	}
	return "", types.NewProviderError(stage, lastErr)
}

// isTransient 判断错误是否值得重试。
// 单次调用超时和后端故障可重试，畸形输出重试无意义。
func isTransient(err error) bool {
	if err == nil || errors.Is(err, types.ErrMalformedOutput) {
		return false
	}
	return true
}
