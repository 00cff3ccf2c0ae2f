package repo

import (
	"context"
	"errors"
	"time"

	"github.com/dushixiang/lynx/internal/models"
	"github.com/go-orz/orz"
	"gorm.io/gorm"
)

type ApiKeyRepo struct {
	orz.Repository[models.ApiKey, string]
	db *gorm.DB
}

func NewApiKeyRepo(db *gorm.DB) *ApiKeyRepo {
	return &ApiKeyRepo{
		Repository: orz.NewRepository[models.ApiKey, string](db),
		db:         db,
	}
}

// FindByKey 按密钥内容查找
func (r *ApiKeyRepo) FindByKey(ctx context.Context, key string) (models.ApiKey, bool, error) {
	var apiKey models.ApiKey
	err := r.db.WithContext(ctx).
		Where("key = ?", key).
		First(&apiKey).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ApiKey{}, false, nil
		}
		return models.ApiKey{}, false, err
	}
	return apiKey, true, nil
}

// TouchLastUsed 记录最近使用时间
func (r *ApiKeyRepo) TouchLastUsed(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).
		Model(&models.ApiKey{}).
		Where("id = ?", id).
		UpdateColumn("last_used_at", time.Now().UnixMilli()).Error
}
