package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dushixiang/lynx/internal/protocol"
	"github.com/gorilla/websocket"
)

// Conn 传输层连接抽象。WebSocket 与 gRPC 流承载同一套帧结构，
// 会话层只跟帧打交道，不关心字节如何进出。
type Conn interface {
	// ReadMessage 阻塞读取下一帧
	ReadMessage() (protocol.Message, error)
	// WriteMessage 写出一帧，调用方必须保证同一时刻只有一个写协程
	WriteMessage(msg protocol.Message) error
	Close() error
}

type wsConn struct {
	conn *websocket.Conn
}

// NewWebsocketConn 把 gorilla 连接包装成网关连接
func NewWebsocketConn(conn *websocket.Conn) Conn {
	return &wsConn{conn: conn}
}

func (c *wsConn) ReadMessage() (protocol.Message, error) {
	var msg protocol.Message
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("解析消息失败: %w", err)
	}
	return msg, nil
}

func (c *wsConn) WriteMessage(msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// readWithTimeout 在限定时间内读取一帧。
// 超时后关闭底层连接迫使阻塞的读取返回，读协程不会泄漏。
func readWithTimeout(conn Conn, timeout time.Duration) (protocol.Message, error) {
	type result struct {
		msg protocol.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := conn.ReadMessage()
		ch <- result{msg: msg, err: err}
	}()
	select {
	case r := <-ch:
		return r.msg, r.err
	case <-time.After(timeout):
		_ = conn.Close()
		return protocol.Message{}, fmt.Errorf("读取帧超时")
	}
}
