package models

import "gorm.io/datatypes"

// 指令审计状态
const (
	AuditStatusPending = "pending" // 已下发，等待探针应答
	AuditStatusSuccess = "success" // 探针执行成功
	AuditStatusFailed  = "failed"  // 探针明确报告失败
	AuditStatusTimeout = "timeout" // 等待应答超时
)

// AuditLog 指令审计记录。下发前先以 pending 落库，收到应答或超时后回填结果，
// 此后不再修改，只按保留期清理。
type AuditLog struct {
	ID          string         `gorm:"primaryKey" json:"id"`                             // 审计ID（与指令相关性ID相同）
	UserID      string         `gorm:"index" json:"userId"`                              // 发起人用户ID
	Username    string         `json:"username"`                                         // 发起人登录名（冗余，用户删除后仍可追溯）
	AgentID     string         `gorm:"index" json:"agentId"`                             // 目标探针ID
	CommandType string         `gorm:"index" json:"commandType"`                         // 指令类型
	Params      datatypes.JSON `json:"params,omitempty"`                                 // 指令参数
	Status      string         `json:"status"`                                           // pending/success/failed/timeout
	Error       string         `json:"error,omitempty"`                                  // 错误信息
	DurationMs  int64          `json:"durationMs"`                                       // 从下发到结束的耗时（毫秒）
	CreatedAt   int64          `gorm:"index" json:"createdAt"`                           // 下发时间（时间戳毫秒）
	UpdatedAt   int64          `json:"updatedAt" gorm:"autoUpdateTime:milli"`            // 更新时间（时间戳毫秒）
}

func (AuditLog) TableName() string {
	return "audit_logs"
}
