package gateway

import (
	"errors"
	"testing"

	"github.com/dushixiang/lynx/internal/protocol"
	"go.uber.org/zap"
)

func TestSessionTransition(t *testing.T) {
	t.Parallel()
	sess := newSession(newChanConn(1), TransportWebsocket, "127.0.0.1", zap.NewNop())
	if got := sess.State(); got != StateConnecting {
		t.Fatalf("初始状态 = %s, 期望 connecting", got)
	}
	if !sess.transition(StateConnecting, StateAuthenticated) {
		t.Fatal("Connecting -> Authenticated 应该成功")
	}
	// 条件迁移只认当前状态，重复迁移失败
	if sess.transition(StateConnecting, StateAuthenticated) {
		t.Fatal("重复迁移应该失败")
	}
	if !sess.transition(StateAuthenticated, StateStreaming) {
		t.Fatal("Authenticated -> Streaming 应该成功")
	}
	if sess.State().String() != "streaming" {
		t.Fatalf("State.String() = %s", sess.State())
	}
}

func TestSessionEnqueueOverflow(t *testing.T) {
	t.Parallel()
	sess := newSession(newChanConn(1), TransportWebsocket, "127.0.0.1", zap.NewNop())
	msg, err := protocol.NewMessage(protocol.MessageTypeHeartbeat, nil)
	if err != nil {
		t.Fatalf("构造帧失败: %v", err)
	}
	// 写协程未启动，队列能且只能容纳 sendQueueSize 帧
	for i := 0; i < sendQueueSize; i++ {
		if err := sess.enqueue(msg); err != nil {
			t.Fatalf("第 %d 帧入队失败: %v", i, err)
		}
	}
	if err := sess.enqueue(msg); !errors.Is(err, errSendQueueFull) {
		t.Fatalf("队列满应返回 errSendQueueFull, got %v", err)
	}

	sess.shutdown()
	if err := sess.enqueue(msg); !errors.Is(err, errSessionClosed) {
		t.Fatalf("会话关闭后入队应返回 errSessionClosed, got %v", err)
	}
}
