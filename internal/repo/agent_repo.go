package repo

import (
	"context"
	"sort"
	"time"

	"github.com/dushixiang/lynx/internal/models"
	"github.com/go-orz/orz"
	"gorm.io/gorm"
)

type AgentRepo struct {
	orz.Repository[models.Agent, string]
	db *gorm.DB
}

func NewAgentRepo(db *gorm.DB) *AgentRepo {
	return &AgentRepo{
		Repository: orz.NewRepository[models.Agent, string](db),
		db:         db,
	}
}

// UpdateStatus 更新探针状态
func (r *AgentRepo) UpdateStatus(ctx context.Context, agentID string, status int) error {
	return r.db.WithContext(ctx).
		Model(&models.Agent{}).
		Where("id = ?", agentID).
		Updates(map[string]interface{}{
			"status":       status,
			"last_seen_at": time.Now().UnixMilli(),
		}).Error
}

// MarkAllOffline 启动时把所有探针置为离线，在线状态由新连接重新建立
func (r *AgentRepo) MarkAllOffline(ctx context.Context) error {
	return r.db.WithContext(ctx).
		Model(&models.Agent{}).
		Where("status = ?", models.AgentStatusOnline).
		Update("status", models.AgentStatusOffline).Error
}

// FindOnlineAgents 查找所有在线探针
func (r *AgentRepo) FindOnlineAgents(ctx context.Context) ([]models.Agent, error) {
	var agents []models.Agent
	err := r.db.WithContext(ctx).
		Where("status = ?", models.AgentStatusOnline).
		Find(&agents).Error
	return agents, err
}

// GetStatistics 获取探针统计数据
func (r *AgentRepo) GetStatistics(ctx context.Context) (total int64, online int64, err error) {
	err = r.db.WithContext(ctx).
		Model(&models.Agent{}).
		Count(&total).Error
	if err != nil {
		return 0, 0, err
	}

	err = r.db.WithContext(ctx).
		Model(&models.Agent{}).
		Where("status = ?", models.AgentStatusOnline).
		Count(&online).Error

	return total, online, err
}

// ListByIDs 根据ID列表获取探针
func (r *AgentRepo) ListByIDs(ctx context.Context, ids []string) ([]models.Agent, error) {
	var agents []models.Agent
	if len(ids) == 0 {
		return agents, nil
	}
	err := r.db.WithContext(ctx).
		Where("id IN ?", ids).
		Find(&agents).Error
	return agents, err
}

// AgentPageFilter 探针分页查询条件。
// VisibleIds 为 nil 表示不限制可见范围，空切片表示什么都看不到。
type AgentPageFilter struct {
	VisibleIds []string
	Name       string
	Hostname   string
	Status     *int
	PageIndex  int
	PageSize   int
}

// Page 按可见范围分页查询探针
func (r *AgentRepo) Page(ctx context.Context, f AgentPageFilter) ([]models.Agent, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Agent{})
	if f.VisibleIds != nil {
		if len(f.VisibleIds) == 0 {
			return []models.Agent{}, 0, nil
		}
		query = query.Where("id IN ?", f.VisibleIds)
	}
	if f.Name != "" {
		query = query.Where("name LIKE ?", "%"+f.Name+"%")
	}
	if f.Hostname != "" {
		query = query.Where("hostname LIKE ?", "%"+f.Hostname+"%")
	}
	if f.Status != nil {
		query = query.Where("status = ?", *f.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if f.PageIndex < 1 {
		f.PageIndex = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 10
	}
	if f.PageSize > 200 {
		f.PageSize = 200
	}

	var agents []models.Agent
	err := query.
		Order("name").
		Offset((f.PageIndex - 1) * f.PageSize).
		Limit(f.PageSize).
		Find(&agents).Error
	return agents, total, err
}

// UpdateInfo 更新探针信息（名称、标签、备注等）
func (r *AgentRepo) UpdateInfo(ctx context.Context, agentID string, updates map[string]interface{}) error {
	return r.db.WithContext(ctx).
		Model(&models.Agent{}).
		Where("id = ?", agentID).
		Updates(updates).Error
}

// GetAllTags 收集所有探针的标签并去重排序
func (r *AgentRepo) GetAllTags(ctx context.Context) ([]string, error) {
	var agents []models.Agent
	err := r.db.WithContext(ctx).
		Select("tags").
		Find(&agents).Error
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var tags []string
	for _, agent := range agents {
		for _, tag := range agent.Tags {
			if _, ok := seen[tag]; !ok {
				seen[tag] = struct{}{}
				tags = append(tags, tag)
			}
		}
	}
	sort.Strings(tags)
	return tags, nil
}
