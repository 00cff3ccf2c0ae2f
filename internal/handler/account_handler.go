package handler

import (
	"github.com/dushixiang/lynx/internal/service"
	"github.com/go-orz/orz"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type AccountHandler struct {
	logger         *zap.Logger
	accountService *service.AccountService
}

func NewAccountHandler(logger *zap.Logger, accountService *service.AccountService) *AccountHandler {
	return &AccountHandler{
		logger:         logger,
		accountService: accountService,
	}
}

// currentUserID 取认证中间件写入的用户ID
func currentUserID(c echo.Context) string {
	if v, ok := c.Get("userID").(string); ok {
		return v
	}
	return ""
}

// Login 用户名密码登录
func (h *AccountHandler) Login(c echo.Context) error {
	var req struct {
		Username string `json:"username" validate:"required"`
		Password string `json:"password" validate:"required"`
	}
	if err := c.Bind(&req); err != nil {
		return orz.NewError(400, "请求参数错误")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	token, user, err := h.accountService.Login(ctx, req.Username, req.Password)
	if err != nil {
		return err
	}

	return orz.Ok(c, orz.Map{
		"token": token,
		"user":  user,
	})
}

// Logout 退出登录。令牌是无状态 JWT，服务端只记录日志，前端丢弃令牌即可。
func (h *AccountHandler) Logout(c echo.Context) error {
	h.logger.Info("用户退出登录", zap.String("userId", currentUserID(c)))
	return orz.Ok(c, orz.Map{"message": "已退出"})
}

// Info 当前登录用户信息
func (h *AccountHandler) Info(c echo.Context) error {
	ctx := c.Request().Context()
	user, err := h.accountService.UserRepo.FindById(ctx, currentUserID(c))
	if err != nil {
		return err
	}
	return orz.Ok(c, user)
}

// Sudo 重新校验密码，签发系统管理级指令所需的短时升级凭证
func (h *AccountHandler) Sudo(c echo.Context) error {
	var req struct {
		Password string `json:"password" validate:"required"`
	}
	if err := c.Bind(&req); err != nil {
		return orz.NewError(400, "请求参数错误")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	token, err := h.accountService.Sudo(ctx, currentUserID(c), req.Password)
	if err != nil {
		return err
	}
	return orz.Ok(c, orz.Map{"token": token})
}

// ChangePassword 修改自己的密码
func (h *AccountHandler) ChangePassword(c echo.Context) error {
	var req struct {
		OldPassword string `json:"oldPassword" validate:"required"`
		NewPassword string `json:"newPassword" validate:"required,min=8"`
	}
	if err := c.Bind(&req); err != nil {
		return orz.NewError(400, "请求参数错误")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	if err := h.accountService.ChangePassword(ctx, currentUserID(c), req.OldPassword, req.NewPassword); err != nil {
		return err
	}
	return orz.Ok(c, orz.Map{"message": "修改成功"})
}

// ValidateToken 供认证中间件调用，返回令牌归属的用户ID
func (h *AccountHandler) ValidateToken(token string) (string, error) {
	return h.accountService.ValidateToken(token)
}
