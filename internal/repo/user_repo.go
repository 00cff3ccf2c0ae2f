package repo

import (
	"context"
	"errors"

	"github.com/dushixiang/lynx/internal/models"
	"github.com/go-orz/orz"
	"gorm.io/gorm"
)

type UserRepo struct {
	orz.Repository[models.User, string]
	db *gorm.DB
}

func NewUserRepo(db *gorm.DB) *UserRepo {
	return &UserRepo{
		Repository: orz.NewRepository[models.User, string](db),
		db:         db,
	}
}

// FindByUsername 按登录名查找
func (r *UserRepo) FindByUsername(ctx context.Context, username string) (models.User, bool, error) {
	var user models.User
	err := r.db.WithContext(ctx).
		Where("username = ?", username).
		First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.User{}, false, nil
		}
		return models.User{}, false, err
	}
	return user, true, nil
}

// ExistsByUsername 登录名是否已占用
func (r *UserRepo) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.User{}).
		Where("username = ?", username).
		Count(&count).Error
	return count > 0, err
}

// CountSuperadmins 现存超级管理员数量
func (r *UserRepo) CountSuperadmins(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.User{}).
		Where("superadmin = ?", true).
		Count(&count).Error
	return count, err
}

// UpdatePassword 更新密码散列
func (r *UserRepo) UpdatePassword(ctx context.Context, userID, hashed string) error {
	return r.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Update("password", hashed).Error
}
