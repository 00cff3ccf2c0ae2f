package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dushixiang/lynx/internal/config"
	"github.com/dushixiang/lynx/internal/errs"
	"github.com/dushixiang/lynx/internal/models"
	"github.com/dushixiang/lynx/internal/protocol"
	"github.com/dushixiang/lynx/internal/repo"
	"github.com/go-orz/orz"
	"github.com/go-orz/toolkit/syncx"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 指令类型
const (
	CommandRestartService   = "restart_service"   // 重启系统服务
	CommandKillProcess      = "kill_process"      // 结束进程
	CommandRestartContainer = "restart_container" // 重启容器
	CommandExecShell        = "exec_shell"        // 执行任意shell
)

// commandMinLevel 每种指令要求的最低权限等级
var commandMinLevel = map[string]models.PermissionLevel{
	CommandRestartService:   models.LevelServiceControl,
	CommandKillProcess:      models.LevelServiceControl,
	CommandRestartContainer: models.LevelServiceControl,
	CommandExecShell:        models.LevelSystemAdmin,
}

// AgentLink 探针下行通道，由网关实现
type AgentLink interface {
	// IsStreaming 探针是否处于可接收指令的流式状态
	IsStreaming(agentID string) bool
	// SendToAgent 向探针下发一条帧
	SendToAgent(agentID string, msg protocol.Message) error
}

// CommandService 指令调度。对调用方同步，内部按相关性ID等待探针异步应答。
type CommandService struct {
	logger *zap.Logger
	*orz.Service
	AuditRepo         *repo.AuditRepo
	userRepo          *repo.UserRepo
	permissionService *PermissionService
	accountService    *AccountService

	link      AgentLink
	waiters   *syncx.SafeMap[string, chan *protocol.CommandResponse]
	timeout   time.Duration
	auditSink *zap.Logger // 可为 nil，审计只落库
}

func NewCommandService(logger *zap.Logger, db *gorm.DB, conf config.GatewayConfig, permissionService *PermissionService, accountService *AccountService) *CommandService {
	return &CommandService{
		logger:            logger,
		Service:           orz.NewService(db),
		AuditRepo:         repo.NewAuditRepo(db),
		userRepo:          repo.NewUserRepo(db),
		permissionService: permissionService,
		accountService:    accountService,
		waiters:           syncx.NewSafeMap[string, chan *protocol.CommandResponse](),
		timeout:           time.Duration(conf.CommandTimeout) * time.Second,
	}
}

// SetLink 注入网关实现，应用装配时调用一次
func (s *CommandService) SetLink(link AgentLink) {
	s.link = link
}

// SetAuditSink 审计在数据库之外再落一份滚动文件，便于离线归档
func (s *CommandService) SetAuditSink(sink *zap.Logger) {
	s.auditSink = sink
}

// Dispatch 向探针下发指令并等待应答。
// 下发前先写 pending 审计，收到应答或超时后回填结果。
// 等待超时返回 KindTimeout，与探针明确报错（应答中的 error 状态）可区分。
func (s *CommandService) Dispatch(ctx context.Context, userID, agentID, cmdType, args, elevatedToken string) (*protocol.CommandResponse, error) {
	min, ok := commandMinLevel[cmdType]
	if !ok {
		return nil, errs.Validation("未知的指令类型: " + cmdType)
	}
	if err := s.permissionService.Require(ctx, userID, agentID, min); err != nil {
		return nil, err
	}
	// 系统管理级指令还需校验调用时携带的升级凭证
	if min == models.LevelSystemAdmin {
		if err := s.accountService.ValidateElevated(userID, elevatedToken); err != nil {
			return nil, err
		}
	}
	// 目标必须在线，离线立即失败而不是挂到超时
	if s.link == nil || !s.link.IsStreaming(agentID) {
		return nil, errs.NotFound("探针未连接")
	}

	id := uuid.NewString()
	startedAt := time.Now()
	if err := s.writePendingAudit(ctx, id, userID, agentID, cmdType, args); err != nil {
		return nil, err
	}

	ch := make(chan *protocol.CommandResponse, 1)
	s.waiters.Set(id, ch)
	defer s.waiters.Delete(id)

	msg, err := protocol.NewMessage(protocol.MessageTypeCommand, protocol.CommandRequest{
		ID:   id,
		Type: cmdType,
		Args: args,
	})
	if err != nil {
		s.finishAudit(id, userID, agentID, cmdType, models.AuditStatusFailed, err.Error(), startedAt)
		return nil, err
	}
	if err := s.link.SendToAgent(agentID, msg); err != nil {
		s.finishAudit(id, userID, agentID, cmdType, models.AuditStatusFailed, err.Error(), startedAt)
		return nil, errs.NotFound("探针未连接")
	}

	s.logger.Info("指令已下发",
		zap.String("commandId", id),
		zap.String("agentId", agentID),
		zap.String("type", cmdType),
		zap.String("userId", userID))

	select {
	case resp := <-ch:
		status := models.AuditStatusSuccess
		if resp.Status == protocol.CommandStatusError {
			status = models.AuditStatusFailed
		}
		s.finishAudit(id, userID, agentID, cmdType, status, resp.Error, startedAt)
		return resp, nil

	case <-time.After(s.timeout):
		s.finishAudit(id, userID, agentID, cmdType, models.AuditStatusTimeout, "等待探针应答超时", startedAt)
		s.logger.Warn("指令应答超时",
			zap.String("commandId", id),
			zap.String("agentId", agentID),
			zap.String("type", cmdType))
		return nil, errs.Timeout("等待探针应答超时")

	case <-ctx.Done():
		s.finishAudit(id, userID, agentID, cmdType, models.AuditStatusFailed, "请求已取消", startedAt)
		return nil, ctx.Err()
	}
}

// HandleResponse 网关收到指令应答后投递给等待方。
// running 状态是中间进度，不结束等待；超时后迟到的应答只记日志。
func (s *CommandService) HandleResponse(agentID string, resp *protocol.CommandResponse) {
	if resp == nil || resp.ID == "" {
		return
	}
	if resp.Status == protocol.CommandStatusRunning {
		s.logger.Debug("指令执行中",
			zap.String("commandId", resp.ID),
			zap.String("agentId", agentID))
		return
	}

	ch, ok := s.waiters.Get(resp.ID)
	if !ok {
		s.logger.Warn("收到无人等待的指令应答，可能已超时",
			zap.String("commandId", resp.ID),
			zap.String("agentId", agentID))
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

func (s *CommandService) writePendingAudit(ctx context.Context, id, userID, agentID, cmdType, args string) error {
	username := ""
	if user, err := s.userRepo.FindById(ctx, userID); err == nil {
		username = user.Username
	}
	params, _ := json.Marshal(map[string]string{"args": args})
	audit := models.AuditLog{
		ID:          id,
		UserID:      userID,
		Username:    username,
		AgentID:     agentID,
		CommandType: cmdType,
		Params:      datatypes.JSON(params),
		Status:      models.AuditStatusPending,
		CreatedAt:   time.Now().UnixMilli(),
	}
	return s.AuditRepo.Create(ctx, &audit)
}

// finishAudit 回填审计结果。用独立context，请求取消后结果也要落库。
func (s *CommandService) finishAudit(id, userID, agentID, cmdType, status, errMsg string, startedAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	duration := time.Since(startedAt).Milliseconds()
	if err := s.AuditRepo.UpdateResult(ctx, id, status, errMsg, duration); err != nil {
		s.logger.Error("回填审计结果失败", zap.String("commandId", id), zap.Error(err))
	}
	if s.auditSink != nil {
		s.auditSink.Info("command",
			zap.String("commandId", id),
			zap.String("userId", userID),
			zap.String("agentId", agentID),
			zap.String("type", cmdType),
			zap.String("status", status),
			zap.String("error", errMsg),
			zap.Int64("durationMs", duration))
	}
}

// PruneAudits 按保留期硬删除过老的审计记录，由周期任务调用
func (s *CommandService) PruneAudits(ctx context.Context, retentionDays int) error {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	deleted, err := s.AuditRepo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	if deleted > 0 {
		s.logger.Info("已清理过期审计记录",
			zap.Int64("deleted", deleted),
			zap.Int("retentionDays", retentionDays))
	}

	// 长期停留在 pending 的记录说明回填链路出过问题，巡检时顺带告警
	stuck, err := s.AuditRepo.CountPendingOlderThan(ctx, time.Now().Add(-time.Hour))
	if err == nil && stuck > 0 {
		s.logger.Warn("存在长期未回填的审计记录", zap.Int64("count", stuck))
	}
	return nil
}
