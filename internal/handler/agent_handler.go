package handler

import (
	"github.com/dushixiang/lynx/internal/gateway"
	"github.com/dushixiang/lynx/internal/models"
	"github.com/dushixiang/lynx/internal/repo"
	"github.com/dushixiang/lynx/internal/service"
	"github.com/go-orz/orz"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type AgentHandler struct {
	logger            *zap.Logger
	agentService      *service.AgentService
	metricService     *service.MetricService
	permissionService *service.PermissionService
	gateway           *gateway.Gateway
}

func NewAgentHandler(logger *zap.Logger,
	agentService *service.AgentService,
	metricService *service.MetricService,
	permissionService *service.PermissionService,
	gw *gateway.Gateway) *AgentHandler {
	return &AgentHandler{
		logger:            logger,
		agentService:      agentService,
		metricService:     metricService,
		permissionService: permissionService,
		gateway:           gw,
	}
}

// List 探针分页查询，只返回当前用户可见的探针
func (h *AgentHandler) List(c echo.Context) error {
	filter := repo.AgentPageFilter{
		Name:      c.QueryParam("name"),
		Hostname:  c.QueryParam("hostname"),
		PageIndex: intQueryParam(c, "pageIndex", 1),
		PageSize:  intQueryParam(c, "pageSize", 10),
	}
	switch c.QueryParam("status") {
	case "online":
		online := models.AgentStatusOnline
		filter.Status = &online
	case "offline":
		offline := models.AgentStatusOffline
		filter.Status = &offline
	}

	ctx := c.Request().Context()
	agents, total, err := h.agentService.PageVisible(ctx, currentUserID(c), filter)
	if err != nil {
		return err
	}
	return orz.Ok(c, orz.Map{
		"items": agents,
		"total": total,
	})
}

// Get 探针详情。不可见的探针与不存在的探针返回同样的结果。
func (h *AgentHandler) Get(c echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()

	if err := h.permissionService.Require(ctx, currentUserID(c), id, models.LevelReadOnly); err != nil {
		return err
	}
	agent, err := h.agentService.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	return orz.Ok(c, agent)
}

// Update 更新探针信息，缺省字段保持原值
func (h *AgentHandler) Update(c echo.Context) error {
	id := c.Param("id")

	var req struct {
		Name   *string   `json:"name"`
		Tags   *[]string `json:"tags"`
		Remark *string   `json:"remark"`
	}
	if err := c.Bind(&req); err != nil {
		return orz.NewError(400, "请求参数错误")
	}

	ctx := c.Request().Context()
	if err := h.permissionService.Require(ctx, currentUserID(c), id, models.LevelBasicWrite); err != nil {
		return err
	}

	agent, err := h.agentService.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	name := agent.Name
	tags := []string(agent.Tags)
	remark := agent.Remark
	if req.Name != nil {
		name = *req.Name
	}
	if req.Tags != nil {
		tags = *req.Tags
	}
	if req.Remark != nil {
		remark = *req.Remark
	}

	if err := h.agentService.UpdateAgent(ctx, id, name, tags, remark); err != nil {
		return err
	}
	return orz.Ok(c, orz.Map{"message": "更新成功"})
}

// Delete 删除探针及其授权关系与历史指标
func (h *AgentHandler) Delete(c echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()

	if err := h.permissionService.Require(ctx, currentUserID(c), id, models.LevelSystemAdmin); err != nil {
		return err
	}
	if err := h.agentService.DeleteAgent(ctx, id); err != nil {
		return err
	}
	return orz.Ok(c, orz.Map{"message": "删除成功"})
}

// Statistics 舰队统计。目录计数、实时连接数与存储健康放在一起，
// 目录在线数与网关连接数不一致说明有状态漂移。
func (h *AgentHandler) Statistics(c echo.Context) error {
	ctx := c.Request().Context()

	stats, err := h.agentService.GetStatistics(ctx)
	if err != nil {
		return err
	}
	stats["connected"] = h.gateway.SessionCount()
	stats["subscribers"] = h.gateway.SubscriberCount()
	stats["storage"] = h.metricService.StorageStatus(ctx)
	return orz.Ok(c, stats)
}

// Tags 全部探针标签，去重排序
func (h *AgentHandler) Tags(c echo.Context) error {
	ctx := c.Request().Context()
	tags, err := h.agentService.GetAllTags(ctx)
	if err != nil {
		return err
	}
	return orz.Ok(c, tags)
}
