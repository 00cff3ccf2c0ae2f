package handler

import (
	"net/http"
	"strings"

	"github.com/dushixiang/lynx/internal/gateway"
	"github.com/dushixiang/lynx/internal/service"
	"github.com/go-orz/orz"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type GatewayHandler struct {
	logger         *zap.Logger
	gateway        *gateway.Gateway
	accountService *service.AccountService
	upgrader       websocket.Upgrader
}

func NewGatewayHandler(logger *zap.Logger, gw *gateway.Gateway, accountService *service.AccountService) *GatewayHandler {
	h := &GatewayHandler{
		logger:         logger,
		gateway:        gw,
		accountService: accountService,
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024 * 32,
		WriteBufferSize: 1024 * 32,
		// 面板和网关可能分开部署，跨域握手放行
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	return h
}

// HandleAgentWS 探针接入，注册帧在会话内读取
func (h *GatewayHandler) HandleAgentWS(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket", zap.Error(err))
		return err
	}

	h.gateway.RunAgentSession(gateway.NewWebsocketConn(conn), c.RealIP(), gateway.TransportWebsocket, "")
	return nil
}

// HandleSubscribeWS 面板订阅实时指标，浏览器 WebSocket 不能带请求头，令牌走查询参数
func (h *GatewayHandler) HandleSubscribeWS(c echo.Context) error {
	token := c.QueryParam("token")
	if token == "" {
		authorization := c.Request().Header.Get("Authorization")
		token = strings.TrimPrefix(authorization, "Bearer ")
	}
	if token == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "缺少认证令牌")
	}

	userID, err := h.accountService.ValidateToken(token)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "认证令牌无效")
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket", zap.Error(err))
		return err
	}

	return h.gateway.RunSubscriber(gateway.NewWebsocketConn(conn), userID)
}

// Health 公开的存活探测
func (h *GatewayHandler) Health(c echo.Context) error {
	return orz.Ok(c, orz.Map{
		"status":          "ok",
		"connectedAgents": h.gateway.SessionCount(),
	})
}
