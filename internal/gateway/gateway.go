package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dushixiang/lynx/internal/config"
	"github.com/dushixiang/lynx/internal/errs"
	"github.com/dushixiang/lynx/internal/models"
	"github.com/dushixiang/lynx/internal/protocol"
	"github.com/dushixiang/lynx/internal/registry"
	"github.com/dushixiang/lynx/internal/service"
	"github.com/go-orz/toolkit/syncx"
	"go.uber.org/zap"
)

const (
	// TransportWebsocket WebSocket 长连接
	TransportWebsocket = "websocket"
	// TransportGRPC gRPC 双向流
	TransportGRPC = "grpc"

	// registerTimeout 连接建立后等待注册帧的时间
	registerTimeout = 10 * time.Second
)

// Gateway 探针接入网关。
// 持有全部探针会话与订阅连接，是指令下发和事件推送的唯一出入口。
type Gateway struct {
	logger            *zap.Logger
	registry          *registry.Registry
	agentService      *service.AgentService
	metricService     *service.MetricService
	commandService    *service.CommandService
	permissionService *service.PermissionService
	notifier          *service.Notifier // 可为 nil，上下线不外发通知

	sessions    *syncx.SafeMap[string, *Session]
	subscribers *syncx.SafeMap[string, *subscriber]

	heartbeatTimeout time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

func New(logger *zap.Logger, conf config.GatewayConfig,
	reg *registry.Registry,
	agentService *service.AgentService,
	metricService *service.MetricService,
	commandService *service.CommandService,
	permissionService *service.PermissionService,
	notifier *service.Notifier) *Gateway {
	return newGateway(logger, time.Duration(conf.HeartbeatTimeout)*time.Second,
		reg, agentService, metricService, commandService, permissionService, notifier)
}

func newGateway(logger *zap.Logger, heartbeatTimeout time.Duration,
	reg *registry.Registry,
	agentService *service.AgentService,
	metricService *service.MetricService,
	commandService *service.CommandService,
	permissionService *service.PermissionService,
	notifier *service.Notifier) *Gateway {
	g := &Gateway{
		logger:            logger,
		registry:          reg,
		agentService:      agentService,
		metricService:     metricService,
		commandService:    commandService,
		permissionService: permissionService,
		notifier:          notifier,
		sessions:          syncx.NewSafeMap[string, *Session](),
		subscribers:       syncx.NewSafeMap[string, *subscriber](),
		heartbeatTimeout:  heartbeatTimeout,
		done:              make(chan struct{}),
	}
	go g.watchdog()
	return g
}

// RunAgentSession 承载一条探针连接的完整生命周期，连接断开后返回。
// 第一帧必须是注册请求，注册失败的连接不会留下任何痕迹。
func (g *Gateway) RunAgentSession(conn Conn, remoteIP, transport, fallbackApiKey string) {
	sess := newSession(conn, transport, remoteIP, g.logger)

	msg, err := readWithTimeout(conn, registerTimeout)
	if err != nil {
		g.logger.Warn("等待注册帧失败",
			zap.String("ip", remoteIP),
			zap.String("transport", transport),
			zap.Error(err))
		sess.shutdown()
		return
	}
	if msg.Type != protocol.MessageTypeRegister {
		g.rejectRegister(sess, "第一帧必须是注册请求")
		return
	}
	var req protocol.RegisterRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		g.rejectRegister(sess, "注册请求格式错误")
		return
	}
	// gRPC 探针可以把接入密钥放在连接元数据里，注册帧里的优先
	if req.ApiKey == "" {
		req.ApiKey = fallbackApiKey
	}

	agent, err := g.agentService.RegisterAgent(context.Background(), remoteIP, transport, &req.AgentInfo, req.ApiKey)
	if err != nil {
		g.logger.Warn("探针注册被拒绝",
			zap.String("ip", remoteIP),
			zap.Error(err))
		g.rejectRegister(sess, err.Error())
		return
	}
	sess.AgentID = agent.ID
	sess.AgentName = agent.Name
	sess.setState(StateAuthenticated)

	ack, err := protocol.NewMessage(protocol.MessageTypeRegisterAck, protocol.RegisterResponse{
		AgentID: agent.ID,
		Status:  "success",
	})
	if err == nil {
		// 写协程尚未启动，注册阶段直接写是安全的
		err = conn.WriteMessage(ack)
	}
	if err != nil {
		g.logger.Warn("发送注册响应失败", zap.String("agentId", agent.ID), zap.Error(err))
		sess.shutdown()
		return
	}

	// 同一探针重连时先占位再关旧连接，
	// 旧连接收尾时已不是当前会话，不会触发下线副作用
	old, hadOld := g.sessions.Get(agent.ID)
	g.sessions.Set(agent.ID, sess)
	if hadOld && old != sess {
		g.logger.Info("探针重连，替换旧连接",
			zap.String("agentId", agent.ID),
			zap.String("oldTransport", old.Transport),
			zap.String("newTransport", transport))
		old.shutdown()
	}

	now := time.Now().UnixMilli()
	g.registry.Register(&registry.Agent{
		ID:          agent.ID,
		Name:        agent.Name,
		Hostname:    agent.Hostname,
		OS:          agent.OS,
		Arch:        agent.Arch,
		Version:     agent.Version,
		Transport:   transport,
		IP:          remoteIP,
		ConnectedAt: now,
		LastSeenAt:  now,
	})

	sess.setState(StateStreaming)
	g.logger.Info("探针进入流式状态",
		zap.String("agentId", agent.ID),
		zap.String("transport", transport),
		zap.String("ip", remoteIP))
	g.publishAgentEvent(protocol.EventTypeAgentOnline, agent.ID)
	if g.notifier != nil {
		go g.notifier.AgentOnline(agent)
	}

	go sess.writePump()
	g.readLoop(sess)
}

// rejectRegister 注册阶段失败应答，尽力发出后直接关闭
func (g *Gateway) rejectRegister(sess *Session, reason string) {
	msg, err := protocol.NewMessage(protocol.MessageTypeRegisterErr, protocol.RegisterResponse{
		Status:  "error",
		Message: reason,
	})
	if err == nil {
		_ = sess.conn.WriteMessage(msg)
	}
	sess.shutdown()
}

func (g *Gateway) readLoop(sess *Session) {
	defer g.drop(sess, "连接断开")
	for {
		msg, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		sess.touch()
		g.registry.Touch(sess.AgentID, time.Now().UnixMilli())
		if err := g.handleFrame(sess, msg); err != nil {
			g.logger.Warn("处理帧失败",
				zap.String("agentId", sess.AgentID),
				zap.String("type", string(msg.Type)),
				zap.Error(err))
		}
	}
}

func (g *Gateway) handleFrame(sess *Session, msg protocol.Message) error {
	ctx := context.Background()
	switch msg.Type {
	case protocol.MessageTypeHeartbeat:
		// 触达时间在读循环里已刷新，这里回写目录里的在线状态
		return g.agentService.UpdateAgentStatus(ctx, sess.AgentID, models.AgentStatusOnline)

	case protocol.MessageTypeMetrics:
		snap, err := normalizeSnapshot(sess.AgentID, msg.Data)
		if err != nil {
			return err
		}
		g.registry.UpdateSnapshot(snap)
		g.publishSnapshot(snap)
		// 完整快照落盘；写入失败只降级不断流
		return g.metricService.Ingest(ctx, snap)

	case protocol.MessageTypeRealtime:
		var rt protocol.RealtimeData
		if err := json.Unmarshal(msg.Data, &rt); err != nil {
			return err
		}
		base, _ := g.registry.Latest(sess.AgentID)
		snap := mergeRealtime(sess.AgentID, base, &rt)
		g.registry.UpdateSnapshot(snap)
		// 高频采样只进内存缓存和订阅推送，不落盘
		g.publishSnapshot(snap)
		return nil

	case protocol.MessageTypeHostInfo:
		var payload protocol.HostInfoPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return err
		}
		base, _ := g.registry.Latest(sess.AgentID)
		snap := mergeHostInfo(sess.AgentID, base, &payload)
		g.registry.UpdateSnapshot(snap)
		g.publishSnapshot(snap)
		return nil

	case protocol.MessageTypeCommandResp:
		var resp protocol.CommandResponse
		if err := json.Unmarshal(msg.Data, &resp); err != nil {
			return err
		}
		g.commandService.HandleResponse(sess.AgentID, &resp)
		return nil

	default:
		return errs.Validation("未知的帧类型: " + string(msg.Type))
	}
}

// drop 探针下线的唯一路径：会话摘除、注册表登记、离线事件、目录回写全在这里。
// 以指针判断是否仍是当前会话，被重连顶掉的旧连接收尾不产生副作用。
func (g *Gateway) drop(sess *Session, reason string) {
	sess.dropOnce.Do(func() {
		draining := sess.State() == StateDraining
		if !draining {
			sess.setState(StateLost)
		}
		current := false
		if cur, ok := g.sessions.Get(sess.AgentID); ok && cur == sess {
			g.sessions.Delete(sess.AgentID)
			current = true
		}
		sess.setState(StateClosed)
		sess.shutdown()
		if !current || sess.AgentID == "" {
			return
		}
		view, _ := g.registry.Get(sess.AgentID)
		if !g.registry.Unregister(sess.AgentID) {
			return
		}
		g.logger.Info("探针离线",
			zap.String("agentId", sess.AgentID),
			zap.String("reason", reason))
		g.publishAgentEvent(protocol.EventTypeAgentOffline, sess.AgentID)
		// 服务端主动收尾不外发离线通知，避免重启时刷屏
		if g.notifier != nil && !draining && view != nil {
			go g.notifier.AgentOffline(&models.Agent{
				ID:       view.ID,
				Name:     view.Name,
				Hostname: view.Hostname,
				IP:       view.IP,
			})
		}

		// 目录状态回写失败不影响下线流程，注册表才是在线状态的事实来源
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.agentService.MarkOffline(ctx, sess.AgentID); err != nil {
			g.logger.Warn("回写离线状态失败",
				zap.String("agentId", sess.AgentID),
				zap.Error(err))
		}
	})
}

// watchdog 周期检查心跳，超时的会话走统一下线路径
func (g *Gateway) watchdog() {
	interval := g.heartbeatTimeout / 3
	if interval < time.Second {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-g.done:
			return
		case now := <-ticker.C:
			var expired []*Session
			for sess := range g.sessions.Values() {
				if sess.State() != StateStreaming {
					continue
				}
				if sess.idle(now) > g.heartbeatTimeout {
					expired = append(expired, sess)
				}
			}
			for _, sess := range expired {
				g.logger.Warn("探针心跳超时",
					zap.String("agentId", sess.AgentID),
					zap.Duration("idle", sess.idle(now)))
				g.drop(sess, "心跳超时")
			}
		}
	}
}

// IsStreaming 探针是否处于可接收指令的状态
func (g *Gateway) IsStreaming(agentID string) bool {
	sess, ok := g.sessions.Get(agentID)
	return ok && sess.State() == StateStreaming
}

// SendToAgent 向探针下发一帧，发送队列堆满按坏连接处理
func (g *Gateway) SendToAgent(agentID string, msg protocol.Message) error {
	sess, ok := g.sessions.Get(agentID)
	if !ok || sess.State() != StateStreaming {
		return errs.NotFound("探针未连接")
	}
	if err := sess.enqueue(msg); err != nil {
		g.logger.Warn("探针发送队列不可用，断开连接",
			zap.String("agentId", agentID),
			zap.Error(err))
		g.drop(sess, "发送队列溢出")
		return errs.NotFound("探针连接不可用")
	}
	return nil
}

// SessionCount 当前探针连接数
func (g *Gateway) SessionCount() int {
	return g.sessions.Len()
}

// SubscriberCount 当前订阅连接数
func (g *Gateway) SubscriberCount() int {
	return g.subscribers.Len()
}

// Shutdown 收尾全部连接。进程退出前调用；
// 目录里的在线状态由下次启动时的全量离线重置兜底。
func (g *Gateway) Shutdown() {
	g.closeOnce.Do(func() {
		close(g.done)
	})
	var all []*Session
	for sess := range g.sessions.Values() {
		sess.transition(StateStreaming, StateDraining)
		all = append(all, sess)
	}
	for _, sess := range all {
		g.drop(sess, "服务端关闭")
	}
	var subs []*subscriber
	for sub := range g.subscribers.Values() {
		subs = append(subs, sub)
	}
	for _, sub := range subs {
		g.subscribers.Delete(sub.id)
		sub.close()
	}
	g.logger.Info("网关已关闭")
}
