package v0_1_1

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Migrate 把 agents.tags 从逗号分隔文本转换为 JSON 数组。
// v0.1.0 把标签存成 "a,b,c"，之后统一改用 JSON 数组存储。
func Migrate(logger *zap.Logger, db *gorm.DB) error {
	logger.Info("开始执行 v0.1.1 版本数据迁移")

	migrator := db.Migrator()
	if migrator == nil {
		logger.Warn("无法获取数据库 migrator，跳过迁移")
		return nil
	}
	if !migrator.HasTable("agents") || !migrator.HasColumn("agents", "tags") {
		logger.Info("未检测到 agents.tags 字段，跳过迁移")
		return nil
	}

	type tagRow struct {
		ID   string
		Tags string
	}
	var rows []tagRow
	// JSON 数组以 [ 开头，剩下的都是旧格式
	if err := db.Table("agents").
		Select("id", "tags").
		Where("tags IS NOT NULL AND tags <> '' AND tags NOT LIKE '[%'").
		Scan(&rows).Error; err != nil {
		logger.Error("读取旧格式标签失败", zap.Error(err))
		return err
	}
	if len(rows) == 0 {
		logger.Info("没有需要转换的标签数据")
		return nil
	}

	for _, row := range rows {
		parts := strings.Split(row.Tags, ",")
		tags := make([]string, 0, len(parts))
		for _, part := range parts {
			if part = strings.TrimSpace(part); part != "" {
				tags = append(tags, part)
			}
		}
		data, err := json.Marshal(tags)
		if err != nil {
			return err
		}
		if err := db.Table("agents").
			Where("id = ?", row.ID).
			Update("tags", string(data)).Error; err != nil {
			logger.Error("转换标签失败", zap.String("id", row.ID), zap.Error(err))
			return err
		}
	}

	logger.Info("v0.1.1 版本数据迁移完成", zap.Int("converted", len(rows)))
	return nil
}
