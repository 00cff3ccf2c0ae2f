package models

import "gorm.io/datatypes"

// 探针状态
const (
	AgentStatusOffline = 0
	AgentStatusOnline  = 1
)

// 探针接入方式
const (
	TransportWebSocket = "websocket"
	TransportGRPC      = "grpc"
)

// Agent 探针信息
type Agent struct {
	ID          string                      `gorm:"primaryKey" json:"id"`                  // 探针ID (UUID)
	Name        string                      `gorm:"index" json:"name"`                     // 探针名称
	Hostname    string                      `gorm:"index" json:"hostname,omitempty"`       // 主机名
	IP          string                      `gorm:"index" json:"ip,omitempty"`             // IP地址
	OS          string                      `json:"os"`                                    // 操作系统
	Arch        string                      `json:"arch"`                                  // 架构
	Version     string                      `json:"version"`                               // 探针版本
	Transport   string                      `json:"transport"`                             // 接入方式: websocket, grpc
	Tags        datatypes.JSONSlice[string] `json:"tags"`                                  // 标签
	Location    string                      `json:"location,omitempty"`                    // 地理位置（GeoIP解析）
	Status      int                         `json:"status"`                                // 状态: 0-离线, 1-在线
	Remark      string                      `json:"remark"`                                // 备注信息
	ConnectedAt int64                       `json:"connectedAt"`                           // 本次连接建立时间（时间戳毫秒）
	LastSeenAt  int64                       `gorm:"index" json:"lastSeenAt"`               // 最后心跳时间（时间戳毫秒）
	CreatedAt   int64                       `json:"createdAt"`                             // 创建时间（时间戳毫秒）
	UpdatedAt   int64                       `json:"updatedAt" gorm:"autoUpdateTime:milli"` // 更新时间（时间戳毫秒）
}

func (Agent) TableName() string {
	return "agents"
}
