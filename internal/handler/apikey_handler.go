package handler

import (
	"github.com/dushixiang/lynx/internal/service"
	"github.com/go-orz/orz"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type ApiKeyHandler struct {
	logger        *zap.Logger
	apiKeyService *service.ApiKeyService
}

func NewApiKeyHandler(logger *zap.Logger, apiKeyService *service.ApiKeyService) *ApiKeyHandler {
	return &ApiKeyHandler{
		logger:        logger,
		apiKeyService: apiKeyService,
	}
}

// Paging 接入密钥分页查询
func (h *ApiKeyHandler) Paging(c echo.Context) error {
	name := c.QueryParam("name")

	pr := orz.GetPageRequest(c, "created_at", "name")

	builder := orz.NewPageBuilder(h.apiKeyService.ApiKeyRepo).
		PageRequest(pr).
		Contains("name", name)

	ctx := c.Request().Context()
	page, err := builder.Execute(ctx)
	if err != nil {
		return err
	}
	return orz.Ok(c, page)
}

// Create 创建接入密钥。明文只在创建响应里出现一次，之后无法再取回。
func (h *ApiKeyHandler) Create(c echo.Context) error {
	var req struct {
		Name string `json:"name" validate:"required,max=64"`
	}
	if err := c.Bind(&req); err != nil {
		return orz.NewError(400, "请求参数错误")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	apiKey, rawKey, err := h.apiKeyService.CreateApiKey(ctx, req.Name)
	if err != nil {
		return err
	}
	return orz.Ok(c, orz.Map{
		"apiKey": apiKey,
		"key":    rawKey,
	})
}

// Enable 启用接入密钥
func (h *ApiKeyHandler) Enable(c echo.Context) error {
	ctx := c.Request().Context()
	if err := h.apiKeyService.SetEnabled(ctx, c.Param("id"), true); err != nil {
		return err
	}
	return orz.Ok(c, orz.Map{"message": "已启用"})
}

// Disable 停用接入密钥，已建立的连接不受影响，新连接无法再用它注册
func (h *ApiKeyHandler) Disable(c echo.Context) error {
	ctx := c.Request().Context()
	if err := h.apiKeyService.SetEnabled(ctx, c.Param("id"), false); err != nil {
		return err
	}
	return orz.Ok(c, orz.Map{"message": "已停用"})
}

// Delete 删除接入密钥
func (h *ApiKeyHandler) Delete(c echo.Context) error {
	ctx := c.Request().Context()
	if err := h.apiKeyService.DeleteApiKey(ctx, c.Param("id")); err != nil {
		return err
	}
	return orz.Ok(c, orz.Map{"message": "删除成功"})
}
