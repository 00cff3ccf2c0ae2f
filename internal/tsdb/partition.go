package tsdb

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// 分区表名固定为 <父表>_y<四位年>m<两位月>，同一 (年,月) 永远得到同一个名字，
// 懒创建与保留期清理都依赖这一点
var partitionNameRe = regexp.MustCompile(`^(.+)_y(\d{4})m(\d{2})$`)

// PartitionName 按 (年,月) 生成分区表名，如 metrics_raw_y2026m01
func PartitionName(parent string, year int, month time.Month) string {
	return fmt.Sprintf("%s_y%04dm%02d", parent, year, month)
}

// PartitionOf 毫秒时间戳所属的分区表名及其月边界（UTC）
func PartitionOf(parent string, ts int64) (name string, from, to time.Time) {
	from = MonthStart(time.UnixMilli(ts).UTC())
	to = from.AddDate(0, 1, 0)
	return PartitionName(parent, from.Year(), from.Month()), from, to
}

// ParsePartitionName 从分区表名还原月起点，非分区表名返回 false
func ParsePartitionName(name string) (parent string, start time.Time, ok bool) {
	m := partitionNameRe.FindStringSubmatch(name)
	if m == nil {
		return "", time.Time{}, false
	}
	year, _ := strconv.Atoi(m[2])
	month, _ := strconv.Atoi(m[3])
	if month < 1 || month > 12 {
		return "", time.Time{}, false
	}
	return m[1], time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC), true
}

// MonthStart 所在月的起点（UTC）
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// RetentionCutoff 保留期界限：now 减去保留天数后截断到月起点。
// 月起点早于该界限的分区整体删除，晚于或等于的保留。
func RetentionCutoff(now time.Time, retentionDays int) time.Time {
	return MonthStart(now.UTC().AddDate(0, 0, -retentionDays))
}
