package service

import (
	"context"
	"fmt"
	"time"

	"github.com/dushixiang/lynx/internal/errs"
	"github.com/dushixiang/lynx/internal/models"
	"github.com/dushixiang/lynx/internal/repo"
	"github.com/go-orz/orz"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type GroupService struct {
	logger *zap.Logger
	*orz.Service
	GroupRepo *repo.GroupRepo
	userRepo  *repo.UserRepo
	agentRepo *repo.AgentRepo
}

func NewGroupService(logger *zap.Logger, db *gorm.DB) *GroupService {
	return &GroupService{
		logger:    logger,
		Service:   orz.NewService(db),
		GroupRepo: repo.NewGroupRepo(db),
		userRepo:  repo.NewUserRepo(db),
		agentRepo: repo.NewAgentRepo(db),
	}
}

func (s *GroupService) CreateGroup(ctx context.Context, name, remark string) (models.Group, error) {
	group := models.Group{
		ID:        uuid.NewString(),
		Name:      name,
		Remark:    remark,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := s.GroupRepo.Create(ctx, &group); err != nil {
		return models.Group{}, err
	}
	return group, nil
}

func (s *GroupService) UpdateGroup(ctx context.Context, id, name, remark string) error {
	group, ok, err := s.GroupRepo.FindByIdExists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFound("组不存在")
	}
	group.Name = name
	group.Remark = remark
	return s.GroupRepo.UpdateById(ctx, &group)
}

// DeleteGroup 删除组及其成员关系与绑定。
// 全部走软删除，授权历史可追溯。
func (s *GroupService) DeleteGroup(ctx context.Context, id string) error {
	return s.Transaction(ctx, func(ctx context.Context) error {
		if err := s.GroupRepo.RemoveAllMembers(ctx, id); err != nil {
			return err
		}
		if err := s.GroupRepo.RemoveAllBindings(ctx, id); err != nil {
			return err
		}
		return s.GroupRepo.DeleteById(ctx, id)
	})
}

// AddMember 把用户加入组，重复加入静默成功
func (s *GroupService) AddMember(ctx context.Context, groupID, userID string) error {
	if _, err := s.GroupRepo.FindById(ctx, groupID); err != nil {
		return errs.NotFound("组不存在")
	}
	_, ok, err := s.userRepo.FindByIdExists(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFound("用户不存在")
	}

	members, err := s.GroupRepo.FindMembers(ctx, groupID)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m.UserID == userID {
			return nil
		}
	}
	member := models.UserGroup{
		ID:        uuid.NewString(),
		UserID:    userID,
		GroupID:   groupID,
		CreatedAt: time.Now().UnixMilli(),
	}
	return s.GroupRepo.AddMember(ctx, &member)
}

// RemoveMember 把用户移出组，不在组内时静默成功
func (s *GroupService) RemoveMember(ctx context.Context, groupID, userID string) error {
	return s.GroupRepo.RemoveMember(ctx, groupID, userID)
}

// Members 组内用户列表
func (s *GroupService) Members(ctx context.Context, groupID string) ([]models.User, error) {
	members, err := s.GroupRepo.FindMembers(ctx, groupID)
	if err != nil {
		return nil, err
	}
	userIds := make([]string, 0, len(members))
	for _, m := range members {
		userIds = append(userIds, m.UserID)
	}
	if len(userIds) == 0 {
		return []models.User{}, nil
	}
	return s.userRepo.FindByIdIn(ctx, userIds)
}

// BindAgent 绑定探针到组并设置上限等级，重复绑定时更新等级
func (s *GroupService) BindAgent(ctx context.Context, groupID, agentID string, level models.PermissionLevel) error {
	if !level.Valid() {
		return errs.Validation(fmt.Sprintf("非法的权限等级: %d", level))
	}
	if _, err := s.GroupRepo.FindById(ctx, groupID); err != nil {
		return errs.NotFound("组不存在")
	}
	if _, err := s.agentRepo.FindById(ctx, agentID); err != nil {
		return errs.NotFound("探针不存在")
	}

	existing, ok, err := s.GroupRepo.FindBinding(ctx, groupID, agentID)
	if err != nil {
		return err
	}
	if ok {
		return s.GroupRepo.UpdateBindingLevel(ctx, existing.ID, level)
	}
	binding := models.AgentGroupBinding{
		ID:        uuid.NewString(),
		GroupID:   groupID,
		AgentID:   agentID,
		Level:     level,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := s.GroupRepo.CreateBinding(ctx, &binding); err != nil {
		return err
	}
	s.logger.Info("已绑定探针到组",
		zap.String("groupId", groupID),
		zap.String("agentId", agentID),
		zap.String("level", level.String()))
	return nil
}

// UnbindAgent 解除组与探针的绑定，未绑定时静默成功
func (s *GroupService) UnbindAgent(ctx context.Context, groupID, agentID string) error {
	return s.GroupRepo.RemoveBinding(ctx, groupID, agentID)
}

// Bindings 组绑定的探针及各自的上限等级
func (s *GroupService) Bindings(ctx context.Context, groupID string) ([]models.AgentGroupBinding, error) {
	return s.GroupRepo.FindBindings(ctx, groupID)
}

// SetMembers 以给定列表整体替换组成员，多退少补
func (s *GroupService) SetMembers(ctx context.Context, groupID string, userIds []string) error {
	if _, err := s.GroupRepo.FindById(ctx, groupID); err != nil {
		return errs.NotFound("组不存在")
	}

	want := make(map[string]struct{}, len(userIds))
	for _, id := range userIds {
		want[id] = struct{}{}
	}
	// 先整体校验用户存在，避免改了一半才失败
	if len(want) > 0 {
		uniq := make([]string, 0, len(want))
		for id := range want {
			uniq = append(uniq, id)
		}
		users, err := s.userRepo.FindByIdIn(ctx, uniq)
		if err != nil {
			return err
		}
		if len(users) != len(uniq) {
			return errs.NotFound("部分用户不存在")
		}
	}

	return s.Transaction(ctx, func(ctx context.Context) error {
		members, err := s.GroupRepo.FindMembers(ctx, groupID)
		if err != nil {
			return err
		}
		for _, m := range members {
			if _, keep := want[m.UserID]; keep {
				delete(want, m.UserID)
				continue
			}
			if err := s.GroupRepo.RemoveMember(ctx, groupID, m.UserID); err != nil {
				return err
			}
		}
		for userID := range want {
			member := models.UserGroup{
				ID:        uuid.NewString(),
				UserID:    userID,
				GroupID:   groupID,
				CreatedAt: time.Now().UnixMilli(),
			}
			if err := s.GroupRepo.AddMember(ctx, &member); err != nil {
				return err
			}
		}
		return nil
	})
}

// AgentBinding 期望的组内探针绑定，SetBindings 的输入
type AgentBinding struct {
	AgentID string                 `json:"agentId"`
	Level   models.PermissionLevel `json:"level"`
}

// SetBindings 以给定列表整体替换组的探针绑定，等级变化原地更新
func (s *GroupService) SetBindings(ctx context.Context, groupID string, bindings []AgentBinding) error {
	if _, err := s.GroupRepo.FindById(ctx, groupID); err != nil {
		return errs.NotFound("组不存在")
	}

	want := make(map[string]models.PermissionLevel, len(bindings))
	for _, b := range bindings {
		if !b.Level.Valid() {
			return errs.Validation(fmt.Sprintf("非法的权限等级: %d", b.Level))
		}
		want[b.AgentID] = b.Level
	}
	if len(want) > 0 {
		ids := make([]string, 0, len(want))
		for id := range want {
			ids = append(ids, id)
		}
		agents, err := s.agentRepo.ListByIDs(ctx, ids)
		if err != nil {
			return err
		}
		if len(agents) != len(ids) {
			return errs.NotFound("部分探针不存在")
		}
	}

	return s.Transaction(ctx, func(ctx context.Context) error {
		existing, err := s.GroupRepo.FindBindings(ctx, groupID)
		if err != nil {
			return err
		}
		for _, b := range existing {
			level, keep := want[b.AgentID]
			if !keep {
				if err := s.GroupRepo.RemoveBinding(ctx, groupID, b.AgentID); err != nil {
					return err
				}
				continue
			}
			if b.Level != level {
				if err := s.GroupRepo.UpdateBindingLevel(ctx, b.ID, level); err != nil {
					return err
				}
			}
			delete(want, b.AgentID)
		}
		for agentID, level := range want {
			binding := models.AgentGroupBinding{
				ID:        uuid.NewString(),
				GroupID:   groupID,
				AgentID:   agentID,
				Level:     level,
				CreatedAt: time.Now().UnixMilli(),
			}
			if err := s.GroupRepo.CreateBinding(ctx, &binding); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListGroups 全部组
func (s *GroupService) ListGroups(ctx context.Context) ([]models.Group, error) {
	return s.GroupRepo.FindAll(ctx)
}
