package repo

import (
	"context"

	"github.com/dushixiang/lynx/internal/models"
	"github.com/go-orz/orz"
	"gorm.io/gorm"
)

type PropertyRepo struct {
	orz.Repository[models.Property, string]
	db *gorm.DB
}

func NewPropertyRepo(db *gorm.DB) *PropertyRepo {
	return &PropertyRepo{
		Repository: orz.NewRepository[models.Property, string](db),
		db:         db,
	}
}

// Save 按主键插入或整体覆盖
func (r *PropertyRepo) Save(ctx context.Context, property *models.Property) error {
	return r.db.WithContext(ctx).Save(property).Error
}
