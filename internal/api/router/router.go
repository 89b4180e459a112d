package router

import (
	"context"

	"cv-agent-go/internal/api/handler"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
)

// RegisterRoutes 注册 API 路由
func RegisterRoutes(h *server.Hertz, adaptHandler *handler.AdaptHandler) {
	api := h.Group("/api/v1")

	api.POST("/adapt", func(c context.Context, ctx *app.RequestContext) {
		var req handler.AdaptRequest
		if err := ctx.BindAndValidate(&req); err != nil {
			ctx.JSON(consts.StatusBadRequest, utils.H{"error": "请求体解析失败: " + err.Error()})
			return
		}

		result, err := adaptHandler.HandleAdapt(c, &req)
		if err != nil {
			// 运行内部的故障已经收敛到result里，这里的err只剩输入校验和取消
			ctx.JSON(consts.StatusBadRequest, utils.H{"error": err.Error()})
			return
		}

		ctx.JSON(consts.StatusOK, result)
	})

	// 健康检查
	api.GET("/health", func(c context.Context, ctx *app.RequestContext) {
		ctx.JSON(consts.StatusOK, utils.H{"status": "ok"})
	})
}
