package handler

import (
	"github.com/dushixiang/lynx/internal/models"
	"github.com/dushixiang/lynx/internal/service"
	"github.com/go-orz/orz"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type PermissionHandler struct {
	logger            *zap.Logger
	permissionService *service.PermissionService
	agentService      *service.AgentService
}

func NewPermissionHandler(logger *zap.Logger,
	permissionService *service.PermissionService,
	agentService *service.AgentService) *PermissionHandler {
	return &PermissionHandler{
		logger:            logger,
		permissionService: permissionService,
		agentService:      agentService,
	}
}

// Grant 授予或更新显式覆盖授权，可高于也可低于组上限
func (h *PermissionHandler) Grant(c echo.Context) error {
	userID := c.Param("userId")
	agentID := c.Param("agentId")

	var req struct {
		Level models.PermissionLevel `json:"level"`
	}
	if err := c.Bind(&req); err != nil {
		return orz.NewError(400, "请求参数错误")
	}

	ctx := c.Request().Context()
	if err := h.permissionService.GrantOverride(ctx, currentUserID(c), userID, agentID, req.Level); err != nil {
		return err
	}
	return orz.Ok(c, orz.Map{"message": "授权成功"})
}

// Revoke 撤销显式覆盖，之后回落到组上限
func (h *PermissionHandler) Revoke(c echo.Context) error {
	ctx := c.Request().Context()
	if err := h.permissionService.RevokeOverride(ctx, c.Param("userId"), c.Param("agentId")); err != nil {
		return err
	}
	return orz.Ok(c, orz.Map{"message": "已撤销"})
}

// Effective 用户对全部探针的生效等级清单，invisible 的探针不出现
func (h *PermissionHandler) Effective(c echo.Context) error {
	ctx := c.Request().Context()

	agents, err := h.agentService.ListAgents(ctx)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(agents))
	for _, agent := range agents {
		ids = append(ids, agent.ID)
	}

	permissions, err := h.permissionService.EffectivePermissions(ctx, c.Param("userId"), ids)
	if err != nil {
		return err
	}
	return orz.Ok(c, permissions)
}

// OverridesByAgent 针对某个探针的全部显式覆盖
func (h *PermissionHandler) OverridesByAgent(c echo.Context) error {
	ctx := c.Request().Context()
	overrides, err := h.permissionService.ListOverridesByAgent(ctx, c.Param("agentId"))
	if err != nil {
		return err
	}
	return orz.Ok(c, overrides)
}
