package repo

import (
	"context"
	"errors"

	"github.com/dushixiang/lynx/internal/models"
	"github.com/go-orz/orz"
	"gorm.io/gorm"
)

// PermissionRepo (用户,探针) 显式覆盖授权
type PermissionRepo struct {
	orz.Repository[models.UserAgentPermission, string]
	db *gorm.DB
}

func NewPermissionRepo(db *gorm.DB) *PermissionRepo {
	return &PermissionRepo{
		Repository: orz.NewRepository[models.UserAgentPermission, string](db),
		db:         db,
	}
}

// FindByUserAndAgent 查找覆盖授权
func (r *PermissionRepo) FindByUserAndAgent(ctx context.Context, userID, agentID string) (models.UserAgentPermission, bool, error) {
	var perm models.UserAgentPermission
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND agent_id = ?", userID, agentID).
		First(&perm).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.UserAgentPermission{}, false, nil
		}
		return models.UserAgentPermission{}, false, err
	}
	return perm, true, nil
}

// FindByUserId 用户的全部覆盖授权
func (r *PermissionRepo) FindByUserId(ctx context.Context, userID string) ([]models.UserAgentPermission, error) {
	var perms []models.UserAgentPermission
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Find(&perms).Error
	return perms, err
}

// FindByAgentId 指向某探针的全部覆盖授权
func (r *PermissionRepo) FindByAgentId(ctx context.Context, agentID string) ([]models.UserAgentPermission, error) {
	var perms []models.UserAgentPermission
	err := r.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Find(&perms).Error
	return perms, err
}

// RemoveByUserAndAgent 撤销覆盖授权，软删除
func (r *PermissionRepo) RemoveByUserAndAgent(ctx context.Context, userID, agentID string) error {
	return r.db.WithContext(ctx).
		Where("user_id = ? AND agent_id = ?", userID, agentID).
		Delete(&models.UserAgentPermission{}).Error
}

// RemoveByAgentId 探针删除时清理指向它的覆盖授权
func (r *PermissionRepo) RemoveByAgentId(ctx context.Context, agentID string) error {
	return r.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Delete(&models.UserAgentPermission{}).Error
}

// RemoveByUserId 用户删除时清理其全部覆盖授权
func (r *PermissionRepo) RemoveByUserId(ctx context.Context, userID string) error {
	return r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&models.UserAgentPermission{}).Error
}
