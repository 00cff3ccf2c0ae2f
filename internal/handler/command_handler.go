package handler

import (
	"github.com/dushixiang/lynx/internal/service"
	"github.com/go-orz/orz"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type CommandHandler struct {
	logger         *zap.Logger
	commandService *service.CommandService
}

func NewCommandHandler(logger *zap.Logger, commandService *service.CommandService) *CommandHandler {
	return &CommandHandler{
		logger:         logger,
		commandService: commandService,
	}
}

// Send 向探针下发指令并同步等待执行结果。
// 系统管理级指令需要在 X-Elevated-Token 头里携带升级凭证。
func (h *CommandHandler) Send(c echo.Context) error {
	agentID := c.Param("id")

	var req struct {
		Type string `json:"type" validate:"required"`
		Args string `json:"args"`
	}
	if err := c.Bind(&req); err != nil {
		return orz.NewError(400, "请求参数错误")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	elevatedToken := c.Request().Header.Get("X-Elevated-Token")

	ctx := c.Request().Context()
	resp, err := h.commandService.Dispatch(ctx, currentUserID(c), agentID, req.Type, req.Args, elevatedToken)
	if err != nil {
		return err
	}
	return orz.Ok(c, resp)
}

// AuditPaging 指令审计分页查询
func (h *CommandHandler) AuditPaging(c echo.Context) error {
	agentID := c.QueryParam("agentId")
	userID := c.QueryParam("userId")
	status := c.QueryParam("status")
	commandType := c.QueryParam("commandType")

	pr := orz.GetPageRequest(c, "created_at")

	builder := orz.NewPageBuilder(h.commandService.AuditRepo).
		PageRequest(pr).
		Equal("agent_id", agentID).
		Equal("user_id", userID).
		Equal("status", status).
		Equal("command_type", commandType)

	ctx := c.Request().Context()
	page, err := builder.Execute(ctx)
	if err != nil {
		return err
	}
	return orz.Ok(c, page)
}
