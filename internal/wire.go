//go:build wireinject
// +build wireinject

package internal

import (
	"context"

	"github.com/dushixiang/lynx/internal/config"
	"github.com/dushixiang/lynx/internal/gateway"
	"github.com/dushixiang/lynx/internal/handler"
	"github.com/dushixiang/lynx/internal/registry"
	"github.com/dushixiang/lynx/internal/service"
	"github.com/dushixiang/lynx/internal/tsdb"
	"github.com/google/wire"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// InitializeApp 装配全部组件
func InitializeApp(logger *zap.Logger, db *gorm.DB, cfg *config.AppConfig) (*AppComponents, error) {
	wire.Build(
		provideJWTConfig,
		provideGatewayConfig,
		provideEngine,
		provideGeoIPService,
		registry.New,

		service.NewPermissionService,
		service.NewApiKeyService,
		service.NewAccountService,
		service.NewPropertyService,
		service.NewGroupService,
		service.NewMetricService,
		service.NewAgentService,
		service.NewCommandService,
		service.NewNotifier,

		gateway.New,

		handler.NewAccountHandler,
		handler.NewUserHandler,
		handler.NewAgentHandler,
		handler.NewMetricsHandler,
		handler.NewCommandHandler,
		handler.NewGroupHandler,
		handler.NewPermissionHandler,
		handler.NewApiKeyHandler,
		handler.NewPropertyHandler,
		handler.NewGatewayHandler,

		wire.Struct(new(AppComponents), "*"),
	)
	return nil, nil
}

// AppComponents 应用组件
type AppComponents struct {
	AccountHandler    *handler.AccountHandler
	UserHandler       *handler.UserHandler
	AgentHandler      *handler.AgentHandler
	MetricsHandler    *handler.MetricsHandler
	CommandHandler    *handler.CommandHandler
	GroupHandler      *handler.GroupHandler
	PermissionHandler *handler.PermissionHandler
	ApiKeyHandler     *handler.ApiKeyHandler
	PropertyHandler   *handler.PropertyHandler
	GatewayHandler    *handler.GatewayHandler

	AccountService    *service.AccountService
	AgentService      *service.AgentService
	ApiKeyService     *service.ApiKeyService
	CommandService    *service.CommandService
	GroupService      *service.GroupService
	MetricService     *service.MetricService
	PermissionService *service.PermissionService
	PropertyService   *service.PropertyService
	GeoIPService      *service.GeoIPService
	Notifier          *service.Notifier

	Gateway  *gateway.Gateway
	Engine   *tsdb.Engine
	Registry *registry.Registry
}

func provideJWTConfig(cfg *config.AppConfig) config.JWTConfig {
	return cfg.JWT
}

func provideGatewayConfig(cfg *config.AppConfig) config.GatewayConfig {
	return cfg.Gateway
}

func provideGeoIPService(logger *zap.Logger, cfg *config.AppConfig) *service.GeoIPService {
	return service.NewGeoIPService(logger, cfg.GeoIP.DatabasePath)
}

// provideEngine 按配置组装存储后端、本地暂存与存储门面
func provideEngine(logger *zap.Logger, cfg *config.AppConfig) (*tsdb.Engine, error) {
	backend, err := tsdb.New(context.Background(), *cfg, logger)
	if err != nil {
		return nil, err
	}
	var spool *tsdb.Spool
	if cfg.Metrics.SpoolPath != "" {
		spool = tsdb.NewSpool(logger, cfg.Metrics.SpoolPath)
	}
	return tsdb.NewEngine(logger, backend, cfg.Metrics.CacheSize, spool), nil
}
