package workflow

import (
	"testing"

	"cv-agent-go/internal/types"

	"github.com/stretchr/testify/assert"
)

// TestRouteBoundaries 验证分流在阈值边界上的归属
func TestRouteBoundaries(t *testing.T) {
	testCases := []struct {
		name  string
		score int
		want  types.RouteTag
	}{
		{"最低分放弃", 0, types.RouteAbort},
		{"阈值下一分放弃", 49, types.RouteAbort},
		{"恰好等于放弃阈值进改写", 50, types.RouteRewrite},
		{"中间分数进改写", 72, types.RouteRewrite},
		{"跳过阈值下一分进改写", 94, types.RouteRewrite},
		{"恰好等于跳过阈值跳过", 95, types.RouteSkipRewrite},
		{"满分跳过", 100, types.RouteSkipRewrite},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := Route(tc.score, 50, 95)
			assert.Equal(t, tc.want, got, "分数 %d 的分流结果与预期不符", tc.score)
		})
	}
}

// TestRouteCustomThresholds 验证自定义阈值下的分流
func TestRouteCustomThresholds(t *testing.T) {
	assert.Equal(t, types.RouteAbort, Route(29, 30, 80), "低于自定义放弃阈值应放弃")
	assert.Equal(t, types.RouteRewrite, Route(30, 30, 80), "等于自定义放弃阈值应进改写")
	assert.Equal(t, types.RouteSkipRewrite, Route(80, 30, 80), "等于自定义跳过阈值应跳过")
}

// TestRouteIsPure 相同输入必须得到相同结果
func TestRouteIsPure(t *testing.T) {
	for i := 0; i < 10; i++ {
		assert.Equal(t, types.RouteRewrite, Route(60, 50, 95), "纯函数多次调用结果必须一致")
	}
}
