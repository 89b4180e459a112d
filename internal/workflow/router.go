package workflow

import "cv-agent-go/internal/types"

// Route 根据匹配分数决定走向，是一个纯函数。
// 低于abortThreshold放弃，达到skipThreshold跳过改写，其余进入改写循环。
// 边界归属：score等于abortThreshold时进改写，等于skipThreshold时跳过。
func Route(score, abortThreshold, skipThreshold int) types.RouteTag {
	if score < abortThreshold {
		return types.RouteAbort
	}
	if score >= skipThreshold {
		return types.RouteSkipRewrite
	}
	return types.RouteRewrite
}
