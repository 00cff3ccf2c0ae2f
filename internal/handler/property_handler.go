package handler

import (
	"encoding/json"

	"github.com/dushixiang/lynx/internal/service"
	"github.com/go-orz/orz"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type PropertyHandler struct {
	logger          *zap.Logger
	propertyService *service.PropertyService
	notifier        *service.Notifier
}

func NewPropertyHandler(logger *zap.Logger, propertyService *service.PropertyService, notifier *service.Notifier) *PropertyHandler {
	return &PropertyHandler{
		logger:          logger,
		propertyService: propertyService,
		notifier:        notifier,
	}
}

// Get 获取配置项，Value 反序列化成 JSON 后返回
func (h *PropertyHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	property, err := h.propertyService.Get(ctx, id)
	if err != nil {
		return err
	}

	var value interface{}
	if property.Value != "" {
		if err := json.Unmarshal([]byte(property.Value), &value); err != nil {
			// 历史数据可能存过裸字符串
			value = property.Value
		}
	}

	return orz.Ok(c, orz.Map{
		"id":    property.ID,
		"name":  property.Name,
		"value": value,
	})
}

// Set 写入配置项，value 任意 JSON 结构
func (h *PropertyHandler) Set(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	var req struct {
		Name  string      `json:"name"`
		Value interface{} `json:"value"`
	}
	if err := c.Bind(&req); err != nil {
		return orz.NewError(400, "请求参数错误")
	}

	if err := h.propertyService.Set(ctx, id, req.Name, req.Value); err != nil {
		return err
	}

	h.logger.Info("更新系统配置", zap.String("id", id))
	return orz.Ok(c, orz.Map{"message": "保存成功"})
}

// TestNotificationChannel 向指定渠道发送测试消息，渠道未启用也允许测试
func (h *PropertyHandler) TestNotificationChannel(c echo.Context) error {
	ctx := c.Request().Context()
	channelType := c.Param("type")

	if err := h.notifier.TestChannel(ctx, channelType); err != nil {
		return err
	}

	return orz.Ok(c, orz.Map{"message": "测试消息发送成功"})
}
