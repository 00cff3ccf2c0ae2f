package repo

import (
	"context"
	"errors"

	"github.com/dushixiang/lynx/internal/models"
	"github.com/go-orz/orz"
	"gorm.io/gorm"
)

type GroupRepo struct {
	orz.Repository[models.Group, string]
	db *gorm.DB
}

func NewGroupRepo(db *gorm.DB) *GroupRepo {
	return &GroupRepo{
		Repository: orz.NewRepository[models.Group, string](db),
		db:         db,
	}
}

// MaxBindingLevel 用户经由组绑定对目标探针的最高等级。
// 没有任何绑定时 found 为 false，调用方据此判定不可见。
func (r *GroupRepo) MaxBindingLevel(ctx context.Context, userID, agentID string) (models.PermissionLevel, bool, error) {
	var level *int
	err := r.db.WithContext(ctx).
		Model(&models.AgentGroupBinding{}).
		Select("MAX(agent_group_bindings.level)").
		Joins("JOIN user_groups ON user_groups.group_id = agent_group_bindings.group_id AND user_groups.deleted_at = 0").
		Where("user_groups.user_id = ? AND agent_group_bindings.agent_id = ?", userID, agentID).
		Scan(&level).Error
	if err != nil {
		return 0, false, err
	}
	if level == nil {
		return 0, false, nil
	}
	return models.PermissionLevel(*level), true, nil
}

// BindingCeilings 用户经由组绑定对各探针的最高等级，按探针ID聚合
func (r *GroupRepo) BindingCeilings(ctx context.Context, userID string) (map[string]models.PermissionLevel, error) {
	var rows []struct {
		AgentID string
		Level   int
	}
	err := r.db.WithContext(ctx).
		Model(&models.AgentGroupBinding{}).
		Select("agent_group_bindings.agent_id AS agent_id, MAX(agent_group_bindings.level) AS level").
		Joins("JOIN user_groups ON user_groups.group_id = agent_group_bindings.group_id AND user_groups.deleted_at = 0").
		Where("user_groups.user_id = ?", userID).
		Group("agent_group_bindings.agent_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	ceilings := make(map[string]models.PermissionLevel, len(rows))
	for _, row := range rows {
		ceilings[row.AgentID] = models.PermissionLevel(row.Level)
	}
	return ceilings, nil
}

// AgentIdsForUser 用户经由组绑定可见的探针ID
func (r *GroupRepo) AgentIdsForUser(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&models.AgentGroupBinding{}).
		Distinct("agent_group_bindings.agent_id").
		Joins("JOIN user_groups ON user_groups.group_id = agent_group_bindings.group_id AND user_groups.deleted_at = 0").
		Where("user_groups.user_id = ?", userID).
		Pluck("agent_group_bindings.agent_id", &ids).Error
	return ids, err
}

// FindGroupIdsByUserId 用户所属组ID
func (r *GroupRepo) FindGroupIdsByUserId(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&models.UserGroup{}).
		Where("user_id = ?", userID).
		Pluck("group_id", &ids).Error
	return ids, err
}

// FindMembers 组成员关系
func (r *GroupRepo) FindMembers(ctx context.Context, groupID string) ([]models.UserGroup, error) {
	var members []models.UserGroup
	err := r.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Find(&members).Error
	return members, err
}

// AddMember 加入组，已是成员时返回唯一键冲突
func (r *GroupRepo) AddMember(ctx context.Context, member *models.UserGroup) error {
	return r.db.WithContext(ctx).Create(member).Error
}

// RemoveMember 移出组，软删除
func (r *GroupRepo) RemoveMember(ctx context.Context, groupID, userID string) error {
	return r.db.WithContext(ctx).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		Delete(&models.UserGroup{}).Error
}

// RemoveAllMembers 组删除时清理全部成员关系
func (r *GroupRepo) RemoveAllMembers(ctx context.Context, groupID string) error {
	return r.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Delete(&models.UserGroup{}).Error
}

// RemoveUserMemberships 用户删除时清理其全部成员关系
func (r *GroupRepo) RemoveUserMemberships(ctx context.Context, userID string) error {
	return r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&models.UserGroup{}).Error
}

// FindBindings 组的探针绑定
func (r *GroupRepo) FindBindings(ctx context.Context, groupID string) ([]models.AgentGroupBinding, error) {
	var bindings []models.AgentGroupBinding
	err := r.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Find(&bindings).Error
	return bindings, err
}

// FindBinding 查找单条绑定
func (r *GroupRepo) FindBinding(ctx context.Context, groupID, agentID string) (models.AgentGroupBinding, bool, error) {
	var binding models.AgentGroupBinding
	err := r.db.WithContext(ctx).
		Where("group_id = ? AND agent_id = ?", groupID, agentID).
		First(&binding).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.AgentGroupBinding{}, false, nil
		}
		return models.AgentGroupBinding{}, false, err
	}
	return binding, true, nil
}

// CreateBinding 新建绑定
func (r *GroupRepo) CreateBinding(ctx context.Context, binding *models.AgentGroupBinding) error {
	return r.db.WithContext(ctx).Create(binding).Error
}

// UpdateBindingLevel 调整绑定等级
func (r *GroupRepo) UpdateBindingLevel(ctx context.Context, id string, level models.PermissionLevel) error {
	return r.db.WithContext(ctx).
		Model(&models.AgentGroupBinding{}).
		Where("id = ?", id).
		Update("level", level).Error
}

// RemoveBinding 解绑，软删除
func (r *GroupRepo) RemoveBinding(ctx context.Context, groupID, agentID string) error {
	return r.db.WithContext(ctx).
		Where("group_id = ? AND agent_id = ?", groupID, agentID).
		Delete(&models.AgentGroupBinding{}).Error
}

// RemoveAllBindings 组删除时清理全部绑定
func (r *GroupRepo) RemoveAllBindings(ctx context.Context, groupID string) error {
	return r.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Delete(&models.AgentGroupBinding{}).Error
}

// RemoveAgentBindings 探针删除时清理指向它的绑定
func (r *GroupRepo) RemoveAgentBindings(ctx context.Context, agentID string) error {
	return r.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Delete(&models.AgentGroupBinding{}).Error
}
