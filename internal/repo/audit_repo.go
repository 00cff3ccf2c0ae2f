package repo

import (
	"context"
	"time"

	"github.com/dushixiang/lynx/internal/models"
	"github.com/go-orz/orz"
	"gorm.io/gorm"
)

type AuditRepo struct {
	orz.Repository[models.AuditLog, string]
	db *gorm.DB
}

func NewAuditRepo(db *gorm.DB) *AuditRepo {
	return &AuditRepo{
		Repository: orz.NewRepository[models.AuditLog, string](db),
		db:         db,
	}
}

// UpdateResult 回填指令执行结果
func (r *AuditRepo) UpdateResult(ctx context.Context, id, status, errMsg string, durationMs int64) error {
	return r.db.WithContext(ctx).
		Model(&models.AuditLog{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      status,
			"error":       errMsg,
			"duration_ms": durationMs,
		}).Error
}

// CountPendingOlderThan 统计下发后长期未回填的记录，用于巡检告警
func (r *AuditRepo) CountPendingOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.AuditLog{}).
		Where("status = ? and created_at < ?", models.AuditStatusPending, cutoff.UnixMilli()).
		Count(&count).Error
	return count, err
}

// DeleteOlderThan 物理删除早于截止时间的审计记录，返回删除条数
func (r *AuditRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff.UnixMilli()).
		Delete(&models.AuditLog{})
	return result.RowsAffected, result.Error
}
