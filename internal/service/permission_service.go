package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dushixiang/lynx/internal/errs"
	"github.com/dushixiang/lynx/internal/models"
	"github.com/dushixiang/lynx/internal/repo"
	"github.com/go-orz/orz"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// EffectivePermission 用户对单个探针的生效等级及其来源
type EffectivePermission struct {
	AgentID string                 `json:"agentId"` // 探针ID
	Level   models.PermissionLevel `json:"level"`   // 生效等级
	Source  string                 `json:"source"`  // 来源: superadmin, override, group
}

const (
	permissionSourceSuperadmin = "superadmin"
	permissionSourceOverride   = "override"
	permissionSourceGroup      = "group"
)

type PermissionService struct {
	logger *zap.Logger
	*orz.Service
	userRepo       *repo.UserRepo
	groupRepo      *repo.GroupRepo
	permissionRepo *repo.PermissionRepo
}

func NewPermissionService(logger *zap.Logger, db *gorm.DB) *PermissionService {
	return &PermissionService{
		logger:         logger,
		Service:        orz.NewService(db),
		userRepo:       repo.NewUserRepo(db),
		groupRepo:      repo.NewGroupRepo(db),
		permissionRepo: repo.NewPermissionRepo(db),
	}
}

// Resolve 计算用户对探针的生效等级。
// 超级管理员恒为最高等级；显式覆盖替换（而非叠加）组上限，可升可降；
// 两者都不存在且无任何组绑定时返回 LevelInvisible。
// 只读计算，不产生任何副作用，可并发调用。
func (s *PermissionService) Resolve(ctx context.Context, userID, agentID string) (models.PermissionLevel, error) {
	user, ok, err := s.userRepo.FindByIdExists(ctx, userID)
	if err != nil {
		return models.LevelInvisible, err
	}
	if !ok {
		return models.LevelInvisible, nil
	}
	if user.Superadmin {
		return models.LevelSystemAdmin, nil
	}

	override, ok, err := s.permissionRepo.FindByUserAndAgent(ctx, userID, agentID)
	if err != nil {
		return models.LevelInvisible, err
	}
	if ok {
		return override.Level, nil
	}

	ceiling, ok, err := s.groupRepo.MaxBindingLevel(ctx, userID, agentID)
	if err != nil {
		return models.LevelInvisible, err
	}
	if ok {
		return ceiling, nil
	}
	return models.LevelInvisible, nil
}

// Require 校验用户对探针至少持有 min 等级。
// 不可见时返回的错误对外与目标不存在完全一致，等级不足时返回明确的授权错误，
// 绝不把请求静默降级执行。
func (s *PermissionService) Require(ctx context.Context, userID, agentID string, min models.PermissionLevel) error {
	level, err := s.Resolve(ctx, userID, agentID)
	if err != nil {
		return err
	}
	if level == models.LevelInvisible {
		return errs.Invisible("探针不存在")
	}
	if level < min {
		return errs.Authorization(fmt.Sprintf("权限不足，需要 %s，当前 %s", min, level))
	}
	return nil
}

// VisibleAgentIds 用户可见的探针ID集合。
// all 为 true 表示超级管理员，可见全部探针，此时不展开具体ID。
func (s *PermissionService) VisibleAgentIds(ctx context.Context, userID string) (ids []string, all bool, err error) {
	user, ok, err := s.userRepo.FindByIdExists(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	if user.Superadmin {
		return nil, true, nil
	}

	groupIds, err := s.groupRepo.AgentIdsForUser(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	overrides, err := s.permissionRepo.FindByUserId(ctx, userID)
	if err != nil {
		return nil, false, err
	}

	seen := make(map[string]struct{}, len(groupIds)+len(overrides))
	for _, id := range groupIds {
		if _, exists := seen[id]; !exists {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	for _, p := range overrides {
		if _, exists := seen[p.AgentID]; !exists {
			seen[p.AgentID] = struct{}{}
			ids = append(ids, p.AgentID)
		}
	}
	return ids, false, nil
}

// EffectivePermissions 列出用户对所有可见探针的生效等级。
// 超级管理员对 allAgentIds 中的每个探针均为最高等级。
func (s *PermissionService) EffectivePermissions(ctx context.Context, userID string, allAgentIds []string) ([]EffectivePermission, error) {
	user, ok, err := s.userRepo.FindByIdExists(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.NotFound("用户不存在")
	}
	if user.Superadmin {
		result := make([]EffectivePermission, 0, len(allAgentIds))
		for _, agentID := range allAgentIds {
			result = append(result, EffectivePermission{
				AgentID: agentID,
				Level:   models.LevelSystemAdmin,
				Source:  permissionSourceSuperadmin,
			})
		}
		return result, nil
	}

	ceilings, err := s.groupRepo.BindingCeilings(ctx, userID)
	if err != nil {
		return nil, err
	}
	effective := make(map[string]EffectivePermission, len(ceilings))
	for agentID, level := range ceilings {
		effective[agentID] = EffectivePermission{
			AgentID: agentID,
			Level:   level,
			Source:  permissionSourceGroup,
		}
	}

	// 显式覆盖整体替换组上限
	overrides, err := s.permissionRepo.FindByUserId(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, p := range overrides {
		effective[p.AgentID] = EffectivePermission{
			AgentID: p.AgentID,
			Level:   p.Level,
			Source:  permissionSourceOverride,
		}
	}

	result := make([]EffectivePermission, 0, len(effective))
	for _, p := range effective {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].AgentID < result[j].AgentID
	})
	return result, nil
}

// GrantOverride 授予或更新显式覆盖。同一(用户,探针)重复授予时更新等级。
func (s *PermissionService) GrantOverride(ctx context.Context, grantedBy, userID, agentID string, level models.PermissionLevel) error {
	if !level.Valid() {
		return errs.Validation(fmt.Sprintf("非法的权限等级: %d", level))
	}
	_, ok, err := s.userRepo.FindByIdExists(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFound("用户不存在")
	}

	existing, ok, err := s.permissionRepo.FindByUserAndAgent(ctx, userID, agentID)
	if err != nil {
		return err
	}
	if ok {
		existing.Level = level
		existing.GrantedBy = grantedBy
		if err := s.permissionRepo.UpdateById(ctx, &existing); err != nil {
			return err
		}
	} else {
		permission := models.UserAgentPermission{
			ID:        uuid.NewString(),
			UserID:    userID,
			AgentID:   agentID,
			Level:     level,
			GrantedBy: grantedBy,
			CreatedAt: time.Now().UnixMilli(),
		}
		if err := s.permissionRepo.Create(ctx, &permission); err != nil {
			return err
		}
	}
	s.logger.Info("已设置显式覆盖授权",
		zap.String("userId", userID),
		zap.String("agentId", agentID),
		zap.String("level", level.String()),
		zap.String("grantedBy", grantedBy))
	return nil
}

// RevokeOverride 撤销显式覆盖，目标不存在时静默成功
func (s *PermissionService) RevokeOverride(ctx context.Context, userID, agentID string) error {
	return s.permissionRepo.RemoveByUserAndAgent(ctx, userID, agentID)
}

// IsSuperadmin 用户是否为超级管理员，管理面路由以此做门禁
func (s *PermissionService) IsSuperadmin(ctx context.Context, userID string) (bool, error) {
	user, ok, err := s.userRepo.FindByIdExists(ctx, userID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, errs.Authentication("用户不存在")
	}
	return user.Superadmin, nil
}

// ListOverridesByAgent 列出针对某探针的全部显式覆盖
func (s *PermissionService) ListOverridesByAgent(ctx context.Context, agentID string) ([]models.UserAgentPermission, error) {
	return s.permissionRepo.FindByAgentId(ctx, agentID)
}

// CleanupAgent 探针删除后清理其授权关系
func (s *PermissionService) CleanupAgent(ctx context.Context, agentID string) error {
	return s.Transaction(ctx, func(ctx context.Context) error {
		if err := s.permissionRepo.RemoveByAgentId(ctx, agentID); err != nil {
			return err
		}
		return s.groupRepo.RemoveAgentBindings(ctx, agentID)
	})
}

// CleanupUser 用户删除后清理其授权关系
func (s *PermissionService) CleanupUser(ctx context.Context, userID string) error {
	return s.Transaction(ctx, func(ctx context.Context) error {
		if err := s.permissionRepo.RemoveByUserId(ctx, userID); err != nil {
			return err
		}
		return s.groupRepo.RemoveUserMemberships(ctx, userID)
	})
}
