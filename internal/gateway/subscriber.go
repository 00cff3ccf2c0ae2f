package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dushixiang/lynx/internal/protocol"
	"github.com/dushixiang/lynx/internal/registry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// subscriber 一条订阅连接。
// 可见范围在订阅建立时确定一次，期间权限变更需要重连才生效。
type subscriber struct {
	id      string
	userID  string
	all     bool
	visible map[string]struct{}

	conn      Conn
	send      chan protocol.Message
	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscriber) wants(agentID string) bool {
	if s.all || agentID == "" {
		return true
	}
	_, ok := s.visible[agentID]
	return ok
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *subscriber) writePump(logger *zap.Logger) {
	for {
		select {
		case msg := <-s.send:
			if err := s.conn.WriteMessage(msg); err != nil {
				logger.Debug("订阅端写出失败",
					zap.String("userId", s.userID),
					zap.Error(err))
				return
			}
		case <-s.done:
			return
		}
	}
}

// snapshotPayload 订阅建立后推送的全量状态
type snapshotPayload struct {
	Agents  []*registry.Agent                   `json:"agents"`
	Metrics map[string]*protocol.MetricSnapshot `json:"metrics"`
}

// RunSubscriber 承载一条订阅连接：先推全量快照，之后持续推增量事件，断开后返回。
// 读方向只用于感知断开，订阅端不上行业务帧。
func (g *Gateway) RunSubscriber(conn Conn, userID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	ids, all, err := g.permissionService.VisibleAgentIds(ctx, userID)
	cancel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	visible := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		visible[id] = struct{}{}
	}
	sub := &subscriber{
		id:      uuid.NewString(),
		userID:  userID,
		all:     all,
		visible: visible,
		conn:    conn,
		send:    make(chan protocol.Message, sendQueueSize),
		done:    make(chan struct{}),
	}

	snapshot, err := g.snapshotMessage(sub)
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := conn.WriteMessage(snapshot); err != nil {
		_ = conn.Close()
		return err
	}

	g.subscribers.Set(sub.id, sub)
	g.logger.Info("订阅连接建立",
		zap.String("userId", userID),
		zap.Bool("all", all),
		zap.Int("visibleAgents", len(ids)))
	defer func() {
		g.subscribers.Delete(sub.id)
		sub.close()
		g.logger.Info("订阅连接断开", zap.String("userId", userID))
	}()

	go sub.writePump(g.logger)
	for {
		if _, err := conn.ReadMessage(); err != nil {
			return nil
		}
	}
}

// snapshotMessage 组装可见范围内的全量状态帧
func (g *Gateway) snapshotMessage(sub *subscriber) (protocol.Message, error) {
	payload := snapshotPayload{
		Agents:  make([]*registry.Agent, 0),
		Metrics: make(map[string]*protocol.MetricSnapshot),
	}
	for _, agent := range g.registry.Agents() {
		if sub.wants(agent.ID) {
			payload.Agents = append(payload.Agents, agent)
		}
	}
	for id, snap := range g.registry.AllLatest() {
		if sub.wants(id) {
			payload.Metrics[id] = snap
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return protocol.Message{}, err
	}
	return protocol.NewMessage(protocol.MessageTypeEvent, protocol.Event{
		Type:      protocol.EventTypeSnapshot,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	})
}

// publish 向可见范围覆盖该探针的订阅端推送事件。
// 消费过慢把队列攒满的订阅端直接断开，重连后重新拿全量快照对齐状态。
func (g *Gateway) publish(evt protocol.Event) {
	if g.subscribers.Len() == 0 {
		return
	}
	msg, err := protocol.NewMessage(protocol.MessageTypeEvent, evt)
	if err != nil {
		return
	}
	var overflowed []*subscriber
	for sub := range g.subscribers.Values() {
		if !sub.wants(evt.AgentID) {
			continue
		}
		select {
		case sub.send <- msg:
		default:
			overflowed = append(overflowed, sub)
		}
	}
	for _, sub := range overflowed {
		g.logger.Warn("订阅端消费过慢，断开连接", zap.String("userId", sub.userID))
		g.subscribers.Delete(sub.id)
		sub.close()
	}
}

func (g *Gateway) publishSnapshot(snap *protocol.MetricSnapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	g.publish(protocol.Event{
		Type:      protocol.EventTypeMetrics,
		AgentID:   snap.AgentID,
		Timestamp: snap.Timestamp,
		Data:      data,
	})
}

// publishAgentEvent 上线事件附带注册表里的探针视图，下线事件只带 ID
func (g *Gateway) publishAgentEvent(eventType protocol.EventType, agentID string) {
	evt := protocol.Event{
		Type:      eventType,
		AgentID:   agentID,
		Timestamp: time.Now().UnixMilli(),
	}
	if agent, ok := g.registry.Get(agentID); ok {
		if data, err := json.Marshal(agent); err == nil {
			evt.Data = data
		}
	}
	g.publish(evt)
}
