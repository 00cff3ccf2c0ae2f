package migrate

import (
	"context"
	"strings"

	"github.com/dushixiang/lynx/internal/migrate/v0_1_1"
	"github.com/dushixiang/lynx/internal/service"
	"github.com/dushixiang/lynx/pkg/version"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AutoMigrate 按记录的系统版本逐级执行数据迁移，表结构变更由 gorm 自动迁移负责，
// 这里只处理需要改写存量数据的升级
func AutoMigrate(logger *zap.Logger, db *gorm.DB, propertyService *service.PropertyService) error {
	ctx := context.Background()
	localVersion, _ := propertyService.GetSystemVersion(ctx)
	if localVersion == "" {
		localVersion = "v0.1.0"
	}

	// 升级到 v0.1.1 版本
	if strings.Compare(localVersion, "v0.1.1") < 0 {
		if err := v0_1_1.Migrate(logger, db); err != nil {
			return err
		}
	}

	return propertyService.SetSystemVersion(ctx, version.Version)
}
