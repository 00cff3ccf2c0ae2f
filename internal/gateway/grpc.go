package gateway

import (
	"encoding/json"
	"net"
	"strings"
	"sync"

	"github.com/dushixiang/lynx/internal/protocol"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

// jsonCodec 让 gRPC 流直接承载 JSON 帧，
// 探针在两种传输上发送完全相同的消息结构，不需要 proto 生成代码。
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// streamServiceDesc 手写的服务描述，只有一个双向流方法
var streamServiceDesc = grpc.ServiceDesc{
	ServiceName: "lynx.gateway.v1.AgentGateway",
	HandlerType: (*any)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       agentStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "lynx.gateway.v1",
}

func agentStreamHandler(srv any, stream grpc.ServerStream) error {
	g := srv.(*Gateway)
	return g.runGRPCStream(stream)
}

// NewGRPCServer 构造承载探针流的 gRPC 服务端
func NewGRPCServer(g *Gateway) *grpc.Server {
	srv := grpc.NewServer(grpc.ForceServerCodec(jsonCodec{}))
	srv.RegisterService(&streamServiceDesc, g)
	return srv
}

func (g *Gateway) runGRPCStream(stream grpc.ServerStream) error {
	remoteIP := ""
	if p, ok := peer.FromContext(stream.Context()); ok && p.Addr != nil {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			remoteIP = host
		} else {
			remoteIP = p.Addr.String()
		}
	}
	conn := newGRPCConn(stream)
	// 会话结束后返回，gRPC 框架随之拆除流
	g.RunAgentSession(conn, remoteIP, TransportGRPC, bearerFromContext(stream))
	return nil
}

// bearerFromContext 从连接元数据里取接入密钥，注册帧里没带时用它兜底
func bearerFromContext(stream grpc.ServerStream) string {
	md, ok := metadata.FromIncomingContext(stream.Context())
	if !ok {
		return ""
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return ""
	}
	return strings.TrimPrefix(values[0], "Bearer ")
}

type recvResult struct {
	msg protocol.Message
	err error
}

// grpcConn 把 gRPC 双向流适配成网关连接。
// RecvMsg 无法从服务端主动打断，所以由独立协程持续收帧，
// Close 之后读取立即返回，收帧协程在流被框架拆除时自行退出。
type grpcConn struct {
	stream grpc.ServerStream

	recvCh    chan recvResult
	closed    chan struct{}
	closeOnce sync.Once
}

func newGRPCConn(stream grpc.ServerStream) *grpcConn {
	c := &grpcConn{
		stream: stream,
		recvCh: make(chan recvResult),
		closed: make(chan struct{}),
	}
	go c.recvLoop()
	return c
}

func (c *grpcConn) recvLoop() {
	for {
		var msg protocol.Message
		if err := c.stream.RecvMsg(&msg); err != nil {
			select {
			case c.recvCh <- recvResult{err: err}:
			case <-c.closed:
			}
			return
		}
		select {
		case c.recvCh <- recvResult{msg: msg}:
		case <-c.closed:
			return
		}
	}
}

func (c *grpcConn) ReadMessage() (protocol.Message, error) {
	select {
	case r := <-c.recvCh:
		return r.msg, r.err
	case <-c.closed:
		return protocol.Message{}, net.ErrClosed
	}
}

func (c *grpcConn) WriteMessage(msg protocol.Message) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	return c.stream.SendMsg(&msg)
}

func (c *grpcConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}
