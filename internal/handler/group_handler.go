package handler

import (
	"github.com/dushixiang/lynx/internal/service"
	"github.com/go-orz/orz"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type GroupHandler struct {
	logger       *zap.Logger
	groupService *service.GroupService
}

func NewGroupHandler(logger *zap.Logger, groupService *service.GroupService) *GroupHandler {
	return &GroupHandler{
		logger:       logger,
		groupService: groupService,
	}
}

// List 全部授权组
func (h *GroupHandler) List(c echo.Context) error {
	ctx := c.Request().Context()
	groups, err := h.groupService.ListGroups(ctx)
	if err != nil {
		return err
	}
	return orz.Ok(c, groups)
}

// Create 创建授权组
func (h *GroupHandler) Create(c echo.Context) error {
	var req struct {
		Name   string `json:"name" validate:"required,max=64"`
		Remark string `json:"remark"`
	}
	if err := c.Bind(&req); err != nil {
		return orz.NewError(400, "请求参数错误")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	group, err := h.groupService.CreateGroup(ctx, req.Name, req.Remark)
	if err != nil {
		return err
	}
	return orz.Ok(c, group)
}

// Get 组详情，包含成员与探针绑定
func (h *GroupHandler) Get(c echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()

	group, err := h.groupService.GroupRepo.FindById(ctx, id)
	if err != nil {
		return err
	}
	members, err := h.groupService.Members(ctx, id)
	if err != nil {
		return err
	}
	bindings, err := h.groupService.Bindings(ctx, id)
	if err != nil {
		return err
	}
	return orz.Ok(c, orz.Map{
		"group":    group,
		"members":  members,
		"bindings": bindings,
	})
}

// Update 更新组名称与备注
func (h *GroupHandler) Update(c echo.Context) error {
	var req struct {
		Name   string `json:"name" validate:"required,max=64"`
		Remark string `json:"remark"`
	}
	if err := c.Bind(&req); err != nil {
		return orz.NewError(400, "请求参数错误")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	if err := h.groupService.UpdateGroup(ctx, c.Param("id"), req.Name, req.Remark); err != nil {
		return err
	}
	return orz.Ok(c, orz.Map{"message": "更新成功"})
}

// Delete 删除组，级联清理成员关系与探针绑定
func (h *GroupHandler) Delete(c echo.Context) error {
	ctx := c.Request().Context()
	if err := h.groupService.DeleteGroup(ctx, c.Param("id")); err != nil {
		return err
	}
	return orz.Ok(c, orz.Map{"message": "删除成功"})
}

// SetMembers 整体替换组成员
func (h *GroupHandler) SetMembers(c echo.Context) error {
	var req struct {
		UserIds []string `json:"userIds"`
	}
	if err := c.Bind(&req); err != nil {
		return orz.NewError(400, "请求参数错误")
	}

	ctx := c.Request().Context()
	if err := h.groupService.SetMembers(ctx, c.Param("id"), req.UserIds); err != nil {
		return err
	}
	return orz.Ok(c, orz.Map{"message": "设置成功"})
}

// SetAgents 整体替换组的探针绑定及各自的上限等级
func (h *GroupHandler) SetAgents(c echo.Context) error {
	var req struct {
		Bindings []service.AgentBinding `json:"bindings"`
	}
	if err := c.Bind(&req); err != nil {
		return orz.NewError(400, "请求参数错误")
	}

	ctx := c.Request().Context()
	if err := h.groupService.SetBindings(ctx, c.Param("id"), req.Bindings); err != nil {
		return err
	}
	return orz.Ok(c, orz.Map{"message": "设置成功"})
}
