package protocol

import "encoding/json"

// Message 传输层统一帧结构（WebSocket 与 gRPC 流共用同一套帧）
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewMessage 构造一条帧，payload 序列化失败时返回错误
func NewMessage(t MessageType, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: t, Data: data}, nil
}

type MessageType string

// 控制帧
const (
	MessageTypeRegister    MessageType = "register"
	MessageTypeRegisterAck MessageType = "register_ack"
	MessageTypeRegisterErr MessageType = "register_error"
	MessageTypeHeartbeat   MessageType = "heartbeat"
	MessageTypeCommand     MessageType = "command"
	MessageTypeCommandResp MessageType = "command_response"
)

// 指标帧（探针 -> 服务端）
const (
	MessageTypeHostInfo MessageType = "host_info" // 低频：磁盘清单/登录会话/系统信息
	MessageTypeMetrics  MessageType = "metrics"   // 完整指标快照
	MessageTypeRealtime MessageType = "realtime"  // 高频：仅 CPU/内存
)

// 订阅流帧（服务端 -> 查询客户端），载荷为 Event
const (
	MessageTypeEvent MessageType = "event"
)

// 订阅端事件类型（服务端 -> 查询客户端）
type EventType string

const (
	EventTypeSnapshot     EventType = "snapshot"      // 订阅建立后推送的全量状态
	EventTypeMetrics      EventType = "metrics"       // 增量指标更新
	EventTypeAgentOnline  EventType = "agent_online"  // 探针上线
	EventTypeAgentOffline EventType = "agent_offline" // 探针离线
)

// Event 推送给订阅端的事件
type Event struct {
	Type      EventType       `json:"type"`
	AgentID   string          `json:"agentId,omitempty"`
	Timestamp int64           `json:"timestamp"` // 毫秒
	Data      json.RawMessage `json:"data,omitempty"`
}

// RegisterRequest 注册请求（连接后的第一帧）
type RegisterRequest struct {
	AgentInfo AgentInfo `json:"agentInfo"`
	ApiKey    string    `json:"apiKey"`
}

// RegisterResponse 注册响应
type RegisterResponse struct {
	AgentID string `json:"agentId"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// AgentInfo 探针静态信息（注册时上报一次）
type AgentInfo struct {
	ID       string `json:"id"`       // 探针唯一标识（持久化）
	Name     string `json:"name"`     // 探针名称
	Hostname string `json:"hostname"` // 主机名
	OS       string `json:"os"`       // 操作系统
	Arch     string `json:"arch"`     // 架构
	Version  string `json:"version"`  // 版本号
}

// MetricSnapshot 规范化后的指标快照，网关归一化后系统内部只流转这一种形态
type MetricSnapshot struct {
	AgentID   string        `json:"agentId"`
	Timestamp int64         `json:"timestamp"` // 毫秒
	CPU       *CPUData      `json:"cpu,omitempty"`
	Memory    *MemoryData   `json:"memory,omitempty"`
	Disks     []DiskData    `json:"disks,omitempty"`
	Networks  []NetworkData `json:"networks,omitempty"`
	GPUs      []GPUData     `json:"gpus,omitempty"`
	Sessions  int           `json:"sessions,omitempty"` // 活跃登录会话数
	Host      *HostInfoData `json:"host,omitempty"`
}

// Clone 深拷贝一份快照，注册表以换指针的方式更新缓存，避免读写竞争
func (s *MetricSnapshot) Clone() *MetricSnapshot {
	if s == nil {
		return nil
	}
	out := *s
	if s.CPU != nil {
		cpu := *s.CPU
		out.CPU = &cpu
	}
	if s.Memory != nil {
		mem := *s.Memory
		out.Memory = &mem
	}
	if s.Host != nil {
		host := *s.Host
		out.Host = &host
	}
	out.Disks = append([]DiskData(nil), s.Disks...)
	out.Networks = append([]NetworkData(nil), s.Networks...)
	out.GPUs = append([]GPUData(nil), s.GPUs...)
	return &out
}

// RealtimeData 高频采样，只携带 CPU/内存
type RealtimeData struct {
	Timestamp          int64   `json:"timestamp"` // 毫秒
	CPUUsagePercent    float64 `json:"cpuUsagePercent"`
	MemoryUsagePercent float64 `json:"memoryUsagePercent"`
	MemoryUsed         uint64  `json:"memoryUsed,omitempty"`
}

// HostInfoPayload 低频帧载荷：系统信息 + 磁盘清单 + 登录会话数
type HostInfoPayload struct {
	Host     *HostInfoData `json:"host,omitempty"`
	Disks    []DiskData    `json:"disks,omitempty"`
	Sessions int           `json:"sessions,omitempty"`
}

// CPUData CPU数据
type CPUData struct {
	// 静态信息(不常变化,但每次都发送)
	LogicalCores  int    `json:"logicalCores"`
	PhysicalCores int    `json:"physicalCores"`
	ModelName     string `json:"modelName"`
	// 动态信息
	UsagePercent float64   `json:"usagePercent"`
	PerCore      []float64 `json:"perCore,omitempty"`
}

// MemoryData 内存数据
type MemoryData struct {
	Total        uint64  `json:"total"`
	Used         uint64  `json:"used"`
	Free         uint64  `json:"free"`
	Available    uint64  `json:"available"`
	UsagePercent float64 `json:"usagePercent"`
	SwapTotal    uint64  `json:"swapTotal,omitempty"`
	SwapUsed     uint64  `json:"swapUsed,omitempty"`
}

// DiskData 磁盘数据
type DiskData struct {
	MountPoint   string  `json:"mountPoint"`
	Device       string  `json:"device"`
	Fstype       string  `json:"fstype"`
	Total        uint64  `json:"total"`
	Used         uint64  `json:"used"`
	Free         uint64  `json:"free"`
	UsagePercent float64 `json:"usagePercent"`
}

// NetworkData 网络数据
type NetworkData struct {
	Interface      string   `json:"interface"`
	MacAddress     string   `json:"macAddress,omitempty"`
	Addrs          []string `json:"addrs,omitempty"`
	BytesSentRate  uint64   `json:"bytesSentRate"`  // 发送速率(字节/秒)
	BytesRecvRate  uint64   `json:"bytesRecvRate"`  // 接收速率(字节/秒)
	BytesSentTotal uint64   `json:"bytesSentTotal"` // 累计发送字节数
	BytesRecvTotal uint64   `json:"bytesRecvTotal"` // 累计接收字节数
}

// GPUData GPU/NPU数据
type GPUData struct {
	Index       int     `json:"index"`
	Name        string  `json:"name"`
	Utilization float64 `json:"utilization,omitempty"`
	MemoryTotal uint64  `json:"memoryTotal,omitempty"`
	MemoryUsed  uint64  `json:"memoryUsed,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// HostInfoData 主机信息
type HostInfoData struct {
	Hostname        string `json:"hostname"`
	Uptime          uint64 `json:"uptime"`
	BootTime        uint64 `json:"bootTime"`
	Procs           uint64 `json:"procs"`
	OS              string `json:"os"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platformVersion"`
	KernelVersion   string `json:"kernelVersion"`
	KernelArch      string `json:"kernelArch"`
}

// CommandRequest 指令请求
type CommandRequest struct {
	ID   string `json:"id"`   // 指令ID（相关性ID）
	Type string `json:"type"` // 指令类型: restart_service/kill_process/restart_container/exec_shell
	Args string `json:"args,omitempty"`
}

// CommandResponse 指令响应
type CommandResponse struct {
	ID     string `json:"id"`               // 指令ID
	Type   string `json:"type"`             // 指令类型
	Status string `json:"status"`           // running/success/error
	Error  string `json:"error,omitempty"`  // 错误信息
	Result string `json:"result,omitempty"` // 结果数据(JSON字符串)
}

// 指令响应状态
const (
	CommandStatusRunning = "running"
	CommandStatusSuccess = "success"
	CommandStatusError   = "error"
)
