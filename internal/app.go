package internal

import (
	"context"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/dushixiang/lynx/internal/config"
	"github.com/dushixiang/lynx/internal/errs"
	"github.com/dushixiang/lynx/internal/gateway"
	"github.com/dushixiang/lynx/internal/handler"
	"github.com/dushixiang/lynx/internal/migrate"
	"github.com/dushixiang/lynx/internal/models"
	"github.com/dushixiang/lynx/internal/service"
	"github.com/google/uuid"

	"github.com/go-errors/errors"
	"github.com/go-orz/orz"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"
)

func Run(configPath string) {
	err := orz.Quick(configPath, setup)
	if err != nil {
		log.Fatal(err)
	}
}

func setup(app *orz.App) error {
	// 数据库迁移
	if err := autoMigrate(app.GetDatabase()); err != nil {
		return err
	}

	// 读取应用配置
	var appConfig config.AppConfig
	_config := app.GetConfig()
	if _config != nil {
		if err := _config.App.Unmarshal(&appConfig); err != nil {
			app.Logger().Error("读取配置失败", zap.Error(err))
			return err
		}
	}
	appConfig.Normalize()

	// 设置默认值
	if appConfig.JWT.Secret == "" {
		appConfig.JWT.Secret = uuid.NewString()
		app.Logger().Warn("未配置JWT密钥，使用随机UUID，重启后已签发的令牌全部失效")
	}

	// 初始化应用组件
	components, err := InitializeApp(app.Logger(), app.GetDatabase(), &appConfig)
	if err != nil {
		return err
	}

	ctx := context.Background()

	// 版本化数据迁移
	if err := migrate.AutoMigrate(app.Logger(), app.GetDatabase(), components.PropertyService); err != nil {
		return err
	}

	// 初始化默认账户与默认配置
	if err := components.AccountService.EnsureDefaultAccount(ctx); err != nil {
		return err
	}
	if err := components.PropertyService.InitializeDefaultConfigs(ctx); err != nil {
		app.Logger().Error("初始化默认配置失败", zap.Error(err))
		// 不返回错误，继续启动
	}

	// 上次退出时残留的在线状态全部复位，真实状态由探针重连后恢复
	if err := components.AgentService.InitStatus(ctx); err != nil {
		return err
	}

	if err := components.GeoIPService.Start(); err != nil {
		app.Logger().Warn("GeoIP 初始化失败，位置解析停用", zap.Error(err))
	}

	// 指令经网关下发
	components.CommandService.SetLink(components.Gateway)

	// 审计在数据库之外再落一份滚动文件
	if appConfig.Audit.LogFile != "" {
		components.CommandService.SetAuditSink(newAuditSink(appConfig.Audit))
	}

	// gRPC 接入
	grpcCtx, stopGRPC := context.WithCancel(ctx)
	if appConfig.Gateway.GRPCAddr != "" {
		if err := startGRPCGateway(grpcCtx, app.Logger(), appConfig.Gateway.GRPCAddr, components.Gateway); err != nil {
			stopGRPC()
			return err
		}
	}

	// 周期任务
	if err := startCronJobs(ctx, components, appConfig, app.Logger()); err != nil {
		stopGRPC()
		return err
	}

	// 存储降级状态监视
	go watchStorageHealth(ctx, components, app.Logger())

	// 收尾顺序：先停新接入，通知存量会话迁移，最后关存储
	app.GetEcho().Server.RegisterOnShutdown(func() {
		stopGRPC()
		components.Gateway.Shutdown()
		_ = components.Engine.Close()
		components.GeoIPService.Close()
	})

	// 设置API
	setupApi(app, components)

	return nil
}

func setupApi(app *orz.App, components *AppComponents) {
	logger := app.Logger()
	e := app.GetEcho()

	e.Use(middleware.Recover())
	e.Use(ErrorHandler(logger))

	customValidator := CustomValidator{Validator: validator.New()}
	if err := customValidator.TransInit(); err != nil {
		logger.Fatal("failed to init custom validator", zap.Error(err))
	}
	e.Validator = &customValidator

	// 口令类接口限速，防止爆破
	loginLimiter := middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(5)))

	// 公开接口（无需认证）
	publicApi := e.Group("/api")
	{
		publicApi.POST("/login", components.AccountHandler.Login, loginLimiter)
		publicApi.GET("/health", components.GatewayHandler.Health)
	}

	// WebSocket 路由（探针接入与面板订阅）
	e.GET("/ws/agent", components.GatewayHandler.HandleAgentWS)
	e.GET("/ws/subscribe", components.GatewayHandler.HandleSubscribeWS)

	// 管理员 API 路由（需要认证）
	adminApi := e.Group("/api/admin")
	adminApi.Use(JWTAuthMiddleware(components.AccountHandler))
	{
		// 账户相关
		adminApi.GET("/account/info", components.AccountHandler.Info)
		adminApi.POST("/account/change-password", components.AccountHandler.ChangePassword)
		adminApi.POST("/logout", components.AccountHandler.Logout)
		adminApi.POST("/sudo", components.AccountHandler.Sudo, loginLimiter)

		// 探针（按调用者可见范围过滤）
		adminApi.GET("/agents", components.AgentHandler.List)
		adminApi.GET("/agents/tags", components.AgentHandler.Tags)
		adminApi.GET("/agents/:id", components.AgentHandler.Get)
		adminApi.PUT("/agents/:id", components.AgentHandler.Update)
		adminApi.DELETE("/agents/:id", components.AgentHandler.Delete)

		// 指标查询
		adminApi.GET("/agents/metrics/latest", components.MetricsHandler.AllLatest)
		adminApi.GET("/agents/:id/metrics/latest", components.MetricsHandler.Latest)
		adminApi.GET("/agents/:id/metrics", components.MetricsHandler.History)
		adminApi.GET("/agents/:id/metrics/summary", components.MetricsHandler.Summary)

		// 指令下发
		adminApi.POST("/agents/:id/command", components.CommandHandler.Send)
	}

	// 管理面路由（仅超级管理员）
	superApi := adminApi.Group("", SuperadminMiddleware(components.PermissionService))
	{
		superApi.GET("/agents/statistics", components.AgentHandler.Statistics)

		// 用户管理
		superApi.GET("/users", components.UserHandler.Paging)
		superApi.POST("/users", components.UserHandler.Create)
		superApi.GET("/users/:id", components.UserHandler.Get)
		superApi.PUT("/users/:id", components.UserHandler.Update)
		superApi.DELETE("/users/:id", components.UserHandler.Delete)
		superApi.POST("/users/:id/reset-password", components.UserHandler.ResetPassword)

		// 用户组与组内授权
		superApi.GET("/groups", components.GroupHandler.List)
		superApi.POST("/groups", components.GroupHandler.Create)
		superApi.GET("/groups/:id", components.GroupHandler.Get)
		superApi.PUT("/groups/:id", components.GroupHandler.Update)
		superApi.DELETE("/groups/:id", components.GroupHandler.Delete)
		superApi.PUT("/groups/:id/members", components.GroupHandler.SetMembers)
		superApi.PUT("/groups/:id/agents", components.GroupHandler.SetAgents)

		// 用户级覆盖授权
		superApi.GET("/permissions/users/:userId", components.PermissionHandler.Effective)
		superApi.PUT("/permissions/users/:userId/agents/:agentId", components.PermissionHandler.Grant)
		superApi.DELETE("/permissions/users/:userId/agents/:agentId", components.PermissionHandler.Revoke)
		superApi.GET("/permissions/agents/:agentId", components.PermissionHandler.OverridesByAgent)

		// API密钥管理
		superApi.GET("/api-keys", components.ApiKeyHandler.Paging)
		superApi.POST("/api-keys", components.ApiKeyHandler.Create)
		superApi.DELETE("/api-keys/:id", components.ApiKeyHandler.Delete)
		superApi.POST("/api-keys/:id/enable", components.ApiKeyHandler.Enable)
		superApi.POST("/api-keys/:id/disable", components.ApiKeyHandler.Disable)

		// 指令审计
		superApi.GET("/audit-logs", components.CommandHandler.AuditPaging)

		// 系统配置与通知渠道
		superApi.GET("/properties/:id", components.PropertyHandler.Get)
		superApi.PUT("/properties/:id", components.PropertyHandler.Set)
		superApi.POST("/notification-channels/:type/test", components.PropertyHandler.TestNotificationChannel)
	}
}

func autoMigrate(database *gorm.DB) error {
	// 自动迁移数据库表
	return database.AutoMigrate(
		&models.User{},
		&models.Group{},
		&models.UserGroup{},
		&models.AgentGroupBinding{},
		&models.UserAgentPermission{},
		&models.Agent{},
		&models.ApiKey{},
		&models.AuditLog{},
		&models.Property{},
	)
}

// newAuditSink 指令审计的滚动文件输出
func newAuditSink(conf config.AuditConfig) *zap.Logger {
	writer := &lumberjack.Logger{
		Filename:   conf.LogFile,
		MaxSize:    100, // MB
		MaxBackups: 10,
		MaxAge:     conf.RetentionDays,
		Compress:   true,
	}
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(writer), zapcore.InfoLevel)
	return zap.New(core)
}

// startGRPCGateway 在独立端口提供 gRPC 双向流接入。
// Serve 出错会取消组内上下文，外部取消则触发优雅退出。
func startGRPCGateway(ctx context.Context, logger *zap.Logger, addr string, gw *gateway.Gateway) error {
	server := gateway.NewGRPCServer(gw)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Serve(listener)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		server.GracefulStop()
		return nil
	})
	go func() {
		if err := group.Wait(); err != nil {
			logger.Error("gRPC 服务退出", zap.Error(err))
		}
	}()

	logger.Info("gRPC 接入已启动", zap.String("addr", addr))
	return nil
}

// startCronJobs 注册周期任务
func startCronJobs(ctx context.Context, components *AppComponents, conf config.AppConfig, logger *zap.Logger) error {
	c := cron.New()

	// 错开整点，等最后一批数据落库后再推进汇总和保留期
	if _, err := c.AddFunc("7 * * * *", func() {
		taskCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cancel()
		if err := components.Engine.Maintain(taskCtx); err != nil {
			logger.Error("存储维护任务失败", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	// 每天凌晨清理过期审计
	if _, err := c.AddFunc("30 3 * * *", func() {
		taskCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		if err := components.CommandService.PruneAudits(taskCtx, conf.Audit.RetentionDays); err != nil {
			logger.Error("审计清理任务失败", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	c.Start()
	return nil
}

// watchStorageHealth 监视持久后端降级状态，状态翻转时外发通知
func watchStorageHealth(ctx context.Context, components *AppComponents, logger *zap.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	degraded := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := components.Engine.Degraded()
			if now == degraded {
				continue
			}
			degraded = now
			if now {
				logger.Warn("指标存储进入降级模式", zap.Int("spoolPending", components.Engine.SpoolPending()))
				components.Notifier.StorageDegraded(components.Engine.SpoolPending())
			} else {
				logger.Info("指标存储已恢复")
				components.Notifier.StorageRecovered()
			}
		}
	}
}

func ErrorHandler(logger *zap.Logger) func(next echo.HandlerFunc) echo.HandlerFunc {
	var a = func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if err := next(c); err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					return c.JSON(he.Code, orz.Map{
						"code":    he.Code,
						"message": err.Error(),
					})
				}

				var oe *orz.Error
				if errors.As(err, &oe) {
					return c.JSON(400, orz.Map{
						"code":    oe.Code,
						"message": err.Error(),
					})
				}

				var de *errs.Error
				if errors.As(err, &de) {
					status := errs.HTTPStatus(de.Kind)
					if status >= 500 {
						logger.Sugar().Errorf("[ERROR] %s", err.Error())
					}
					// 对外只暴露文案，包装的底层错误留在日志里
					return c.JSON(status, orz.Map{
						"code":    status,
						"message": de.Message,
					})
				}

				logger.Sugar().Errorf("[ERROR] %s", err.Error())

				return c.JSON(500, orz.Map{
					"code":    500,
					"message": "Internal Server Error",
				})
			}
			return nil
		}
	}
	return a
}

// JWTAuthMiddleware JWT 认证中间件（必须登录）
func JWTAuthMiddleware(accountHandler *handler.AccountHandler) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// 从 Authorization header 获取 token
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "未提供认证令牌")
			}

			// 检查 Bearer 前缀
			const bearerPrefix = "Bearer "
			if len(authHeader) < len(bearerPrefix) || authHeader[:len(bearerPrefix)] != bearerPrefix {
				return echo.NewHTTPError(http.StatusUnauthorized, "认证令牌格式错误")
			}

			tokenString := authHeader[len(bearerPrefix):]

			// 验证 token
			userID, err := accountHandler.ValidateToken(tokenString)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "认证令牌无效: "+err.Error())
			}

			// 将用户信息存入 context
			c.Set("userID", userID)
			c.Set("authenticated", true)

			return next(c)
		}
	}
}

// SuperadminMiddleware 管理面路由门禁，仅超级管理员可过
func SuperadminMiddleware(permissionService *service.PermissionService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID, _ := c.Get("userID").(string)
			ok, err := permissionService.IsSuperadmin(c.Request().Context(), userID)
			if err != nil {
				return err
			}
			if !ok {
				return echo.NewHTTPError(http.StatusForbidden, "需要超级管理员权限")
			}
			return next(c)
		}
	}
}
