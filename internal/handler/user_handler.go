package handler

import (
	"github.com/dushixiang/lynx/internal/service"
	"github.com/go-orz/orz"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type UserHandler struct {
	logger         *zap.Logger
	accountService *service.AccountService
}

func NewUserHandler(logger *zap.Logger, accountService *service.AccountService) *UserHandler {
	return &UserHandler{
		logger:         logger,
		accountService: accountService,
	}
}

// Paging 用户分页查询
func (h *UserHandler) Paging(c echo.Context) error {
	username := c.QueryParam("username")
	nickname := c.QueryParam("nickname")

	pr := orz.GetPageRequest(c, "username")

	builder := orz.NewPageBuilder(h.accountService.UserRepo).
		PageRequest(pr).
		Contains("username", username).
		Contains("nickname", nickname)

	ctx := c.Request().Context()
	page, err := builder.Execute(ctx)
	if err != nil {
		return err
	}
	return orz.Ok(c, page)
}

// Create 创建用户
func (h *UserHandler) Create(c echo.Context) error {
	var req struct {
		Username   string `json:"username" validate:"required,min=2,max=32"`
		Nickname   string `json:"nickname"`
		Password   string `json:"password" validate:"required,min=8"`
		Superadmin bool   `json:"superadmin"`
	}
	if err := c.Bind(&req); err != nil {
		return orz.NewError(400, "请求参数错误")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	user, err := h.accountService.CreateUser(ctx, req.Username, req.Nickname, req.Password, req.Superadmin)
	if err != nil {
		return err
	}
	return orz.Ok(c, user)
}

// Get 用户详情
func (h *UserHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()
	user, err := h.accountService.UserRepo.FindById(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return orz.Ok(c, user)
}

// Update 更新用户昵称与超管标记
func (h *UserHandler) Update(c echo.Context) error {
	var req struct {
		Nickname   string `json:"nickname"`
		Superadmin bool   `json:"superadmin"`
	}
	if err := c.Bind(&req); err != nil {
		return orz.NewError(400, "请求参数错误")
	}

	ctx := c.Request().Context()
	if err := h.accountService.UpdateUser(ctx, c.Param("id"), req.Nickname, req.Superadmin); err != nil {
		return err
	}
	return orz.Ok(c, orz.Map{"message": "更新成功"})
}

// Delete 删除用户并清理其授权关系
func (h *UserHandler) Delete(c echo.Context) error {
	ctx := c.Request().Context()
	if err := h.accountService.DeleteUser(ctx, c.Param("id")); err != nil {
		return err
	}
	return orz.Ok(c, orz.Map{"message": "删除成功"})
}

// ResetPassword 管理员重置用户密码
func (h *UserHandler) ResetPassword(c echo.Context) error {
	var req struct {
		Password string `json:"password" validate:"required,min=8"`
	}
	if err := c.Bind(&req); err != nil {
		return orz.NewError(400, "请求参数错误")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	if err := h.accountService.ResetPassword(ctx, c.Param("id"), req.Password); err != nil {
		return err
	}
	return orz.Ok(c, orz.Map{"message": "重置成功"})
}
