package models

import "gorm.io/plugin/soft_delete"

// ApiKey 探针接入密钥，探针建立连接时在注册帧中携带
type ApiKey struct {
	ID         string                `gorm:"primaryKey" json:"id"`                             // 密钥ID (UUID)
	Name       string                `json:"name"`                                             // 名称
	Key        string                `gorm:"uniqueIndex:ux_api_keys_key" json:"-"`             // 密钥内容
	Enabled    bool                  `json:"enabled"`                                          // 是否启用
	LastUsedAt int64                 `json:"lastUsedAt"`                                       // 最后使用时间（时间戳毫秒）
	CreatedAt  int64                 `json:"createdAt"`                                        // 创建时间（时间戳毫秒）
	UpdatedAt  int64                 `json:"updatedAt" gorm:"autoUpdateTime:milli"`            // 更新时间（时间戳毫秒）
	DeletedAt  soft_delete.DeletedAt `gorm:"softDelete:milli;uniqueIndex:ux_api_keys_key" json:"-"` // 软删除墓碑（毫秒）
}

func (ApiKey) TableName() string {
	return "api_keys"
}
