package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"cv-agent-go/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTokenBucketAllow 桶容量内放行，耗尽后拒绝
func TestTokenBucketAllow(t *testing.T) {
	tb := NewTokenBucket(60, 2)
	assert.True(t, tb.Allow(), "初始桶满应放行")
	assert.True(t, tb.Allow())
	assert.False(t, tb.Allow(), "令牌耗尽应拒绝")
}

// TestRetryableErrorClassification 错误链分类优先于消息匹配
func TestRetryableErrorClassification(t *testing.T) {
	assert.False(t, isRetryableError(nil))
	assert.False(t, isRetryableError(context.Canceled), "取消重试不会有不同结果")
	assert.False(t, isRetryableError(types.NewMalformedError("score", errors.New("不是JSON"))), "畸形输出重试无意义")
	assert.False(t, isRetryableError(types.NewValidationError("extract_profile", errors.New("画像为空"))))
	assert.False(t, isRetryableError(errors.New("invalid api key")))

	assert.True(t, isRetryableError(types.NewProviderError("rewrite", errors.New("后端繁忙"))), "后端故障应重试")
	assert.True(t, isRetryableError(types.NewRetrievalError("search", errors.New("连接中断"))))
	assert.True(t, isRetryableError(fmt.Errorf("Post: %w", context.DeadlineExceeded)), "单次调用超时应重试")
	assert.True(t, isRetryableError(errors.New("429 Too Many Requests")), "没有哨兵时退回消息匹配")
}

// TestRetryWithBackoffStopsOnNonRetryable 不可重试错误只调用一次
func TestRetryWithBackoffStopsOnNonRetryable(t *testing.T) {
	tb := NewTokenBucket(6000, 10).WithRetryPolicy(time.Millisecond, 3)

	var calls int
	err := tb.RetryWithBackoff(context.Background(), func() error {
		calls++
		return types.NewValidationError("extract_profile", errors.New("画像为空"))
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrValidation)
	assert.Equal(t, 1, calls, "不可重试错误不应再次调用")
}

// TestRetryWithBackoffRetriesTransient 瞬时故障重试到成功
func TestRetryWithBackoffRetriesTransient(t *testing.T) {
	tb := NewTokenBucket(6000, 10).WithRetryPolicy(time.Millisecond, 3)

	var calls int
	err := tb.RetryWithBackoff(context.Background(), func() error {
		calls++
		if calls < 3 {
			return types.NewProviderError("score", errors.New("服务器繁忙"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls, "瞬时故障应重试到成功")
}
