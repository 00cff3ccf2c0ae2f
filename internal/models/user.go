package models

import "gorm.io/plugin/soft_delete"

// PermissionLevel 权限等级，全序：0 < 1 < 2 < 3
type PermissionLevel int

const (
	LevelInvisible      PermissionLevel = -1 // 无任何授权关系，对调用方表现为不存在
	LevelReadOnly       PermissionLevel = 0  // 只读
	LevelBasicWrite     PermissionLevel = 1  // 基础写操作
	LevelServiceControl PermissionLevel = 2  // 服务控制（重启服务/杀进程/重启容器）
	LevelSystemAdmin    PermissionLevel = 3  // 系统管理（任意shell执行，调用时还需升级凭证）
)

// Valid 合法的存储等级为 0-3，LevelInvisible 只作为解析结果出现
func (l PermissionLevel) Valid() bool {
	return l >= LevelReadOnly && l <= LevelSystemAdmin
}

func (l PermissionLevel) String() string {
	switch l {
	case LevelInvisible:
		return "invisible"
	case LevelReadOnly:
		return "read_only"
	case LevelBasicWrite:
		return "basic_write"
	case LevelServiceControl:
		return "service_control"
	case LevelSystemAdmin:
		return "system_admin"
	default:
		return "unknown"
	}
}

// User 用户
type User struct {
	ID         string                `gorm:"primaryKey" json:"id"`                               // 用户ID (UUID)
	Username   string                `gorm:"uniqueIndex:ux_users_username" json:"username"`      // 登录名
	Nickname   string                `json:"nickname"`                                           // 显示名称
	Password   string                `json:"-"`                                                  // bcrypt散列
	Superadmin bool                  `json:"superadmin"`                                         // 超级管理员，对所有探针恒为最高等级
	CreatedAt  int64                 `json:"createdAt"`                                          // 创建时间（时间戳毫秒）
	UpdatedAt  int64                 `json:"updatedAt" gorm:"autoUpdateTime:milli"`              // 更新时间（时间戳毫秒）
	DeletedAt  soft_delete.DeletedAt `gorm:"softDelete:milli;uniqueIndex:ux_users_username" json:"-"` // 软删除墓碑（毫秒）
}

func (User) TableName() string {
	return "users"
}

// Group 授权组
type Group struct {
	ID        string                `gorm:"primaryKey" json:"id"`                  // 组ID (UUID)
	Name      string                `gorm:"index" json:"name"`                     // 组名称
	Remark    string                `json:"remark"`                                // 备注信息
	CreatedAt int64                 `json:"createdAt"`                             // 创建时间（时间戳毫秒）
	UpdatedAt int64                 `json:"updatedAt" gorm:"autoUpdateTime:milli"` // 更新时间（时间戳毫秒）
	DeletedAt soft_delete.DeletedAt `gorm:"softDelete:milli" json:"-"`             // 软删除墓碑（毫秒）
}

func (Group) TableName() string {
	return "groups"
}

// UserGroup 用户与组的成员关系
type UserGroup struct {
	ID        string                `gorm:"primaryKey" json:"id"`                                  // 关系ID (UUID)
	UserID    string                `gorm:"index;uniqueIndex:ux_user_group" json:"userId"`         // 用户ID
	GroupID   string                `gorm:"index;uniqueIndex:ux_user_group" json:"groupId"`        // 组ID
	CreatedAt int64                 `json:"createdAt"`                                             // 创建时间（时间戳毫秒）
	DeletedAt soft_delete.DeletedAt `gorm:"softDelete:milli;uniqueIndex:ux_user_group" json:"-"`   // 软删除墓碑（毫秒）
}

func (UserGroup) TableName() string {
	return "user_groups"
}

// AgentGroupBinding 组与探针的绑定，携带该组成员对探针的上限等级
type AgentGroupBinding struct {
	ID        string                `gorm:"primaryKey" json:"id"`                                  // 绑定ID (UUID)
	GroupID   string                `gorm:"index;uniqueIndex:ux_group_agent" json:"groupId"`       // 组ID
	AgentID   string                `gorm:"index;uniqueIndex:ux_group_agent" json:"agentId"`       // 探针ID
	Level     PermissionLevel       `json:"level"`                                                 // 上限等级 0-3
	CreatedAt int64                 `json:"createdAt"`                                             // 创建时间（时间戳毫秒）
	UpdatedAt int64                 `json:"updatedAt" gorm:"autoUpdateTime:milli"`                 // 更新时间（时间戳毫秒）
	DeletedAt soft_delete.DeletedAt `gorm:"softDelete:milli;uniqueIndex:ux_group_agent" json:"-"`  // 软删除墓碑（毫秒）
}

func (AgentGroupBinding) TableName() string {
	return "agent_group_bindings"
}

// UserAgentPermission 针对单个(用户,探针)的显式覆盖授权。
// 存在时直接取代组上限，可升可降，由超级管理员授予。
type UserAgentPermission struct {
	ID        string                `gorm:"primaryKey" json:"id"`                                  // 授权ID (UUID)
	UserID    string                `gorm:"index;uniqueIndex:ux_user_agent" json:"userId"`         // 用户ID
	AgentID   string                `gorm:"index;uniqueIndex:ux_user_agent" json:"agentId"`        // 探针ID
	Level     PermissionLevel       `json:"level"`                                                 // 覆盖等级 0-3
	GrantedBy string                `json:"grantedBy"`                                             // 授予人用户ID
	CreatedAt int64                 `json:"createdAt"`                                             // 创建时间（时间戳毫秒）
	UpdatedAt int64                 `json:"updatedAt" gorm:"autoUpdateTime:milli"`                 // 更新时间（时间戳毫秒）
	DeletedAt soft_delete.DeletedAt `gorm:"softDelete:milli;uniqueIndex:ux_user_agent" json:"-"`   // 软删除墓碑（毫秒）
}

func (UserAgentPermission) TableName() string {
	return "user_agent_permissions"
}
