package service

import (
	"context"
	"time"

	"github.com/dushixiang/lynx/internal/errs"
	"github.com/dushixiang/lynx/internal/models"
	"github.com/dushixiang/lynx/internal/protocol"
	"github.com/dushixiang/lynx/internal/repo"
	"github.com/go-orz/orz"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type AgentService struct {
	logger *zap.Logger
	*orz.Service
	AgentRepo         *repo.AgentRepo
	apiKeyService     *ApiKeyService
	permissionService *PermissionService
	geoipService      *GeoIPService
	metricService     *MetricService
}

func NewAgentService(logger *zap.Logger, db *gorm.DB, apiKeyService *ApiKeyService, permissionService *PermissionService, geoipService *GeoIPService, metricService *MetricService) *AgentService {
	return &AgentService{
		logger:            logger,
		Service:           orz.NewService(db),
		AgentRepo:         repo.NewAgentRepo(db),
		apiKeyService:     apiKeyService,
		permissionService: permissionService,
		geoipService:      geoipService,
		metricService:     metricService,
	}
}

// RegisterAgent 注册探针
func (s *AgentService) RegisterAgent(ctx context.Context, ip, transport string, info *protocol.AgentInfo, apiKey string) (*models.Agent, error) {
	// 验证接入密钥
	if _, err := s.apiKeyService.ValidateApiKey(ctx, apiKey); err != nil {
		s.logger.Warn("探针注册失败，接入密钥无效",
			zap.String("agentID", info.ID),
			zap.String("hostname", info.Hostname),
		)
		return nil, err
	}

	// 验证探针 ID
	if info.ID == "" {
		return nil, errs.Validation("探针ID不能为空")
	}

	location := ""
	if s.geoipService != nil {
		location = s.geoipService.Lookup(ip)
	}

	// 使用探针的持久化 ID 来识别同一个探针
	// 这样即使主机名或 IP 变化，也能正确识别
	existingAgent, err := s.AgentRepo.FindById(ctx, info.ID)
	if err == nil {
		// 更新现有探针信息（允许主机名、IP、名称等变化）
		now := time.Now().UnixMilli()
		existingAgent.Hostname = info.Hostname
		existingAgent.IP = ip
		existingAgent.OS = info.OS
		existingAgent.Arch = info.Arch
		existingAgent.Version = info.Version
		existingAgent.Transport = transport
		existingAgent.Status = models.AgentStatusOnline
		existingAgent.ConnectedAt = now
		existingAgent.LastSeenAt = now
		existingAgent.UpdatedAt = now
		if location != "" {
			existingAgent.Location = location
		}

		if err := s.AgentRepo.UpdateById(ctx, &existingAgent); err != nil {
			return nil, err
		}
		s.logger.Info("探针重新注册",
			zap.String("agentID", existingAgent.ID),
			zap.String("name", info.Name),
			zap.String("hostname", info.Hostname),
			zap.String("ip", ip),
			zap.String("transport", transport),
			zap.String("version", info.Version))
		return &existingAgent, nil
	}

	// 创建新探针（使用客户端提供的持久化 ID）
	now := time.Now().UnixMilli()
	agent := &models.Agent{
		ID:          info.ID, // 使用客户端持久化的 ID
		Name:        info.Name,
		Hostname:    info.Hostname,
		IP:          ip,
		OS:          info.OS,
		Arch:        info.Arch,
		Version:     info.Version,
		Transport:   transport,
		Location:    location,
		Status:      models.AgentStatusOnline,
		ConnectedAt: now,
		LastSeenAt:  now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.AgentRepo.Create(ctx, agent); err != nil {
		return nil, err
	}

	s.logger.Info("探针注册成功",
		zap.String("agentID", agent.ID),
		zap.String("name", info.Name),
		zap.String("hostname", info.Hostname),
		zap.String("ip", ip),
		zap.String("transport", transport),
		zap.String("version", info.Version))
	return agent, nil
}

// UpdateAgentStatus 更新探针状态
func (s *AgentService) UpdateAgentStatus(ctx context.Context, agentID string, status int) error {
	return s.AgentRepo.UpdateStatus(ctx, agentID, status)
}

// MarkOffline 探针断开后置为离线，心跳超时与主动断开走同一条路径
func (s *AgentService) MarkOffline(ctx context.Context, agentID string) error {
	return s.AgentRepo.UpdateStatus(ctx, agentID, models.AgentStatusOffline)
}

// GetAgent 获取探针信息
func (s *AgentService) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	agent, ok, err := s.AgentRepo.FindByIdExists(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.NotFound("探针不存在")
	}
	return &agent, nil
}

// ListAgents 列出所有探针
func (s *AgentService) ListAgents(ctx context.Context) ([]models.Agent, error) {
	return s.AgentRepo.FindAll(ctx)
}

// ListOnlineAgents 列出所有在线探针
func (s *AgentService) ListOnlineAgents(ctx context.Context) ([]models.Agent, error) {
	return s.AgentRepo.FindOnlineAgents(ctx)
}

// ListVisibleAgents 列出用户可见的探针
func (s *AgentService) ListVisibleAgents(ctx context.Context, userID string) ([]models.Agent, error) {
	ids, all, err := s.permissionService.VisibleAgentIds(ctx, userID)
	if err != nil {
		return nil, err
	}
	if all {
		return s.AgentRepo.FindAll(ctx)
	}
	return s.AgentRepo.ListByIDs(ctx, ids)
}

// PageVisible 分页列出用户可见的探针，过滤条件在可见范围内生效
func (s *AgentService) PageVisible(ctx context.Context, userID string, filter repo.AgentPageFilter) ([]models.Agent, int64, error) {
	ids, all, err := s.permissionService.VisibleAgentIds(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	if all {
		filter.VisibleIds = nil
	} else {
		if ids == nil {
			ids = []string{}
		}
		filter.VisibleIds = ids
	}
	return s.AgentRepo.Page(ctx, filter)
}

// UpdateAgent 更新探针的名称、标签与备注
func (s *AgentService) UpdateAgent(ctx context.Context, agentID, name string, tags []string, remark string) error {
	_, ok, err := s.AgentRepo.FindByIdExists(ctx, agentID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFound("探针不存在")
	}
	return s.AgentRepo.UpdateInfo(ctx, agentID, map[string]interface{}{
		"name":   name,
		"tags":   datatypes.NewJSONSlice(tags),
		"remark": remark,
	})
}

// GetStatistics 获取探针统计数据
func (s *AgentService) GetStatistics(ctx context.Context) (map[string]interface{}, error) {
	total, online, err := s.AgentRepo.GetStatistics(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"total":   total,
		"online":  online,
		"offline": total - online,
	}, nil
}

// GetAllTags 获取所有探针的标签
func (s *AgentService) GetAllTags(ctx context.Context) ([]string, error) {
	return s.AgentRepo.GetAllTags(ctx)
}

// DeleteAgent 删除探针及其授权关系和历史指标
func (s *AgentService) DeleteAgent(ctx context.Context, agentID string) error {
	err := s.Transaction(ctx, func(ctx context.Context) error {
		// 先清理授权关系，再删除探针本身
		if err := s.permissionService.CleanupAgent(ctx, agentID); err != nil {
			s.logger.Error("清理探针授权关系失败", zap.String("agentId", agentID), zap.Error(err))
			return err
		}
		if err := s.AgentRepo.DeleteById(ctx, agentID); err != nil {
			s.logger.Error("删除探针失败", zap.String("agentId", agentID), zap.Error(err))
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	// 指标清理在事务之外尽力而为，失败只记录，保留期最终会清掉
	if err := s.metricService.DeleteAgentMetrics(ctx, agentID); err != nil {
		s.logger.Warn("清理探针历史指标失败", zap.String("agentId", agentID), zap.Error(err))
	}
	s.logger.Info("探针删除成功", zap.String("agentId", agentID))
	return nil
}

// InitStatus 启动时把所有探针置为离线，在线状态由新连接重新建立
func (s *AgentService) InitStatus(ctx context.Context) error {
	return s.AgentRepo.MarkAllOffline(ctx)
}
