package gateway

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dushixiang/lynx/internal/protocol"
	"go.uber.org/zap"
)

// State 探针会话状态。
// 正常流转：Connecting -> Authenticated -> Streaming -> Closed；
// 服务端收尾经过 Draining，心跳超时或读出错经过 Lost。
type State int32

const (
	StateConnecting    State = iota // 连接已建立，等待注册帧
	StateAuthenticated              // 注册通过，尚未进入读循环
	StateStreaming                  // 正常收发帧
	StateDraining                   // 服务端主动收尾，不再派发新指令
	StateLost                       // 心跳超时或连接出错
	StateClosed                     // 终态
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateLost:
		return "lost"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const sendQueueSize = 256

var (
	errSendQueueFull = errors.New("发送队列已满")
	errSessionClosed = errors.New("会话已关闭")
)

// Session 一条探针连接的运行时状态
type Session struct {
	AgentID     string
	AgentName   string
	Transport   string // websocket / grpc
	RemoteIP    string
	ConnectedAt int64 // 毫秒

	conn       Conn
	send       chan protocol.Message
	state      atomic.Int32
	lastActive atomic.Int64 // 最后收到任意帧的时间（毫秒）

	closeOnce sync.Once
	dropOnce  sync.Once
	done      chan struct{}
	logger    *zap.Logger
}

func newSession(conn Conn, transport, remoteIP string, logger *zap.Logger) *Session {
	s := &Session{
		Transport:   transport,
		RemoteIP:    remoteIP,
		ConnectedAt: time.Now().UnixMilli(),
		conn:        conn,
		send:        make(chan protocol.Message, sendQueueSize),
		done:        make(chan struct{}),
		logger:      logger,
	}
	s.state.Store(int32(StateConnecting))
	s.touch()
	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(to State) {
	s.state.Store(int32(to))
}

// transition 条件迁移，并发收尾时只有一条路径能成功
func (s *Session) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixMilli())
}

func (s *Session) idle(now time.Time) time.Duration {
	return time.Duration(now.UnixMilli()-s.lastActive.Load()) * time.Millisecond
}

// enqueue 投递一帧到发送队列。
// 队列堆满说明对端长期没有消费，按坏连接处理，由调用方决定收尾。
func (s *Session) enqueue(msg protocol.Message) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.send <- msg:
		return nil
	default:
		return errSendQueueFull
	}
}

// writePump 唯一的写协程，连接出错或会话收尾时退出
func (s *Session) writePump() {
	for {
		select {
		case msg := <-s.send:
			if err := s.conn.WriteMessage(msg); err != nil {
				s.logger.Debug("写出帧失败",
					zap.String("agentId", s.AgentID),
					zap.Error(err))
				return
			}
		case <-s.done:
			return
		}
	}
}

// shutdown 释放连接资源，可重入
func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}
