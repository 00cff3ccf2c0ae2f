package tsdb

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dushixiang/lynx/internal/errs"
	"github.com/dushixiang/lynx/internal/protocol"
	"github.com/golang-migrate/migrate/v4"
	postgresdriver "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const (
	tableRaw  = "metrics_raw"
	tableDisk = "metrics_disk"
	tableNet  = "metrics_net"

	rollup1hRetention = 90 * 24 * time.Hour  // 小时级汇总保留90天
	rollup1dRetention = 730 * 24 * time.Hour // 天级汇总保留两年
	rollupBackfill    = 7 * 24 * time.Hour   // 空表首次汇总最多回溯7天
)

// TimescaleStore 关系型时序后端（PostgreSQL/TimescaleDB）。
// 原始数据写入按月分区的表，分区懒创建；汇总表只追加，由周期任务推进。
type TimescaleStore struct {
	logger        *zap.Logger
	pool          *pgxpool.Pool
	retentionDays int

	mu      sync.Mutex
	created map[string]struct{} // 本进程已确认存在的分区
}

func NewTimescaleStore(ctx context.Context, logger *zap.Logger, dsn string, retentionDays int) (*TimescaleStore, error) {
	if err := migrateSchema(dsn); err != nil {
		return nil, fmt.Errorf("初始化时序库表结构失败: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("解析时序库连接串失败: %w", err)
	}
	// date_trunc 的结果依赖会话时区，分区边界与汇总桶都要求 UTC 对齐
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, `SET TIME ZONE 'UTC'`)
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("创建时序库连接池失败: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("时序库连接失败: %w", err)
	}

	return &TimescaleStore{
		logger:        logger,
		pool:          pool,
		retentionDays: retentionDays,
		created:       make(map[string]struct{}),
	}, nil
}

// migrateSchema golang-migrate 需要 database/sql 接口，走 pgx 的 stdlib 适配
func migrateSchema(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("打开迁移连接失败: %w", err)
	}
	defer db.Close()

	driver, err := postgresdriver.WithInstance(db, &postgresdriver.Config{
		MigrationsTable: "lynx_tsdb_migrations",
	})
	if err != nil {
		return fmt.Errorf("创建迁移驱动失败: %w", err)
	}

	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("加载内嵌迁移脚本失败: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("创建迁移实例失败: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

const upsertRawSQL = `
INSERT INTO metrics_raw (time, agent_id, cpu_percent, memory_total, memory_used, memory_percent, swap_total, swap_used, sessions)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (time, agent_id) DO UPDATE SET
    cpu_percent    = EXCLUDED.cpu_percent,
    memory_total   = EXCLUDED.memory_total,
    memory_used    = EXCLUDED.memory_used,
    memory_percent = EXCLUDED.memory_percent,
    swap_total     = EXCLUDED.swap_total,
    swap_used      = EXCLUDED.swap_used,
    sessions       = EXCLUDED.sessions`

const upsertDiskSQL = `
INSERT INTO metrics_disk (time, agent_id, mount_point, device, total, used, free, usage_percent)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (time, agent_id, mount_point) DO UPDATE SET
    device        = EXCLUDED.device,
    total         = EXCLUDED.total,
    used          = EXCLUDED.used,
    free          = EXCLUDED.free,
    usage_percent = EXCLUDED.usage_percent`

const upsertNetSQL = `
INSERT INTO metrics_net (time, agent_id, iface, sent_rate, recv_rate, sent_total, recv_total)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (time, agent_id, iface) DO UPDATE SET
    sent_rate  = EXCLUDED.sent_rate,
    recv_rate  = EXCLUDED.recv_rate,
    sent_total = EXCLUDED.sent_total,
    recv_total = EXCLUDED.recv_total`

// Write 同一 (time, agent_id) 的重复投递走 upsert，结果与首次投递一致
func (s *TimescaleStore) Write(ctx context.Context, snap *protocol.MetricSnapshot) error {
	if snap == nil || snap.AgentID == "" {
		return nil
	}
	t := time.UnixMilli(snap.Timestamp).UTC()
	if err := s.ensurePartitions(ctx, t); err != nil {
		return errs.Storage("创建月度分区失败", err)
	}

	var cpuPercent, memPercent *float64
	var memTotal, memUsed, swapTotal, swapUsed *int64
	if snap.CPU != nil {
		cpuPercent = &snap.CPU.UsagePercent
	}
	if snap.Memory != nil {
		memPercent = &snap.Memory.UsagePercent
		memTotal = int64Ptr(snap.Memory.Total)
		memUsed = int64Ptr(snap.Memory.Used)
		swapTotal = int64Ptr(snap.Memory.SwapTotal)
		swapUsed = int64Ptr(snap.Memory.SwapUsed)
	}

	batch := &pgx.Batch{}
	batch.Queue(upsertRawSQL, t, snap.AgentID, cpuPercent, memTotal, memUsed, memPercent, swapTotal, swapUsed, snap.Sessions)
	for _, d := range snap.Disks {
		batch.Queue(upsertDiskSQL, t, snap.AgentID, d.MountPoint, d.Device,
			int64(d.Total), int64(d.Used), int64(d.Free), d.UsagePercent)
	}
	for _, n := range snap.Networks {
		batch.Queue(upsertNetSQL, t, snap.AgentID, n.Interface,
			int64(n.BytesSentRate), int64(n.BytesRecvRate), int64(n.BytesSentTotal), int64(n.BytesRecvTotal))
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return errs.Storage("写入指标失败", err)
		}
	}
	return nil
}

func int64Ptr(v uint64) *int64 {
	i := int64(v)
	return &i
}

// ensurePartitions 首次写入某个月时为三张明细表各建一个分区
func (s *TimescaleStore) ensurePartitions(ctx context.Context, t time.Time) error {
	for _, parent := range []string{tableRaw, tableDisk, tableNet} {
		name, from, to := PartitionOf(parent, t.UnixMilli())

		s.mu.Lock()
		_, ok := s.created[name]
		s.mu.Unlock()
		if ok {
			continue
		}

		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
			name, parent, from.Format("2006-01-02"), to.Format("2006-01-02"))
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return err
		}

		s.mu.Lock()
		s.created[name] = struct{}{}
		s.mu.Unlock()
		s.logger.Info("已创建月度分区", zap.String("partition", name))
	}
	return nil
}

func (s *TimescaleStore) Query(ctx context.Context, agentID string, params QueryParams) ([]*protocol.MetricSnapshot, error) {
	from, to := timeRange(params)

	query := `SELECT time, cpu_percent, memory_total, memory_used, memory_percent, swap_total, swap_used, sessions
		FROM metrics_raw WHERE agent_id = $1 AND time >= $2 AND time <= $3 ORDER BY time`
	args := []any{agentID, from, to}
	if params.Limit > 0 {
		// 取最近 N 个点：倒序限量后再翻回升序
		query = `SELECT time, cpu_percent, memory_total, memory_used, memory_percent, swap_total, swap_used, sessions
			FROM metrics_raw WHERE agent_id = $1 AND time >= $2 AND time <= $3 ORDER BY time DESC LIMIT $4`
		args = append(args, params.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errs.Storage("查询指标失败", err)
	}
	defer rows.Close()

	var snaps []*protocol.MetricSnapshot
	for rows.Next() {
		snap, err := scanRawRow(rows, agentID)
		if err != nil {
			return nil, errs.Storage("解析指标行失败", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage("遍历指标行失败", err)
	}

	if params.Limit > 0 {
		reverseSnapshots(snaps)
	}

	if err := s.attachDisks(ctx, agentID, snaps); err != nil {
		return nil, err
	}
	if err := s.attachNets(ctx, agentID, snaps); err != nil {
		return nil, err
	}
	return snaps, nil
}

// QueryAll 跨探针查询只返回主表指标，不合并磁盘/网卡明细
func (s *TimescaleStore) QueryAll(ctx context.Context, params QueryParams) (map[string][]*protocol.MetricSnapshot, error) {
	from, to := timeRange(params)

	query := `SELECT time, agent_id, cpu_percent, memory_total, memory_used, memory_percent, swap_total, swap_used, sessions
		FROM metrics_raw WHERE time >= $1 AND time <= $2 ORDER BY agent_id, time`
	args := []any{from, to}
	if params.Limit > 0 {
		query = `SELECT time, agent_id, cpu_percent, memory_total, memory_used, memory_percent, swap_total, swap_used, sessions
			FROM (
				SELECT *, row_number() OVER (PARTITION BY agent_id ORDER BY time DESC) AS rn
				FROM metrics_raw WHERE time >= $1 AND time <= $2
			) ranked WHERE rn <= $3 ORDER BY agent_id, time`
		args = append(args, params.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errs.Storage("查询指标失败", err)
	}
	defer rows.Close()

	out := make(map[string][]*protocol.MetricSnapshot)
	for rows.Next() {
		snap, agentID, err := scanRawRowWithAgent(rows)
		if err != nil {
			return nil, errs.Storage("解析指标行失败", err)
		}
		out[agentID] = append(out[agentID], snap)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage("遍历指标行失败", err)
	}
	return out, nil
}

func scanRawRow(rows pgx.Rows, agentID string) (*protocol.MetricSnapshot, error) {
	var (
		t          time.Time
		cpuPercent *float64
		memTotal   *int64
		memUsed    *int64
		memPercent *float64
		swapTotal  *int64
		swapUsed   *int64
		sessions   *int
	)
	if err := rows.Scan(&t, &cpuPercent, &memTotal, &memUsed, &memPercent, &swapTotal, &swapUsed, &sessions); err != nil {
		return nil, err
	}
	return buildSnapshot(agentID, t, cpuPercent, memTotal, memUsed, memPercent, swapTotal, swapUsed, sessions), nil
}

func scanRawRowWithAgent(rows pgx.Rows) (*protocol.MetricSnapshot, string, error) {
	var (
		t          time.Time
		agentID    string
		cpuPercent *float64
		memTotal   *int64
		memUsed    *int64
		memPercent *float64
		swapTotal  *int64
		swapUsed   *int64
		sessions   *int
	)
	if err := rows.Scan(&t, &agentID, &cpuPercent, &memTotal, &memUsed, &memPercent, &swapTotal, &swapUsed, &sessions); err != nil {
		return nil, "", err
	}
	return buildSnapshot(agentID, t, cpuPercent, memTotal, memUsed, memPercent, swapTotal, swapUsed, sessions), agentID, nil
}

func buildSnapshot(agentID string, t time.Time, cpuPercent *float64, memTotal, memUsed *int64, memPercent *float64, swapTotal, swapUsed *int64, sessions *int) *protocol.MetricSnapshot {
	snap := &protocol.MetricSnapshot{
		AgentID:   agentID,
		Timestamp: t.UnixMilli(),
	}
	if cpuPercent != nil {
		snap.CPU = &protocol.CPUData{UsagePercent: *cpuPercent}
	}
	if memTotal != nil || memUsed != nil || memPercent != nil {
		mem := &protocol.MemoryData{}
		if memTotal != nil {
			mem.Total = uint64(*memTotal)
		}
		if memUsed != nil {
			mem.Used = uint64(*memUsed)
		}
		if memPercent != nil {
			mem.UsagePercent = *memPercent
		}
		if swapTotal != nil {
			mem.SwapTotal = uint64(*swapTotal)
		}
		if swapUsed != nil {
			mem.SwapUsed = uint64(*swapUsed)
		}
		snap.Memory = mem
	}
	if sessions != nil {
		snap.Sessions = *sessions
	}
	return snap
}

func reverseSnapshots(snaps []*protocol.MetricSnapshot) {
	for i, j := 0, len(snaps)-1; i < j; i, j = i+1, j-1 {
		snaps[i], snaps[j] = snaps[j], snaps[i]
	}
}

func (s *TimescaleStore) attachDisks(ctx context.Context, agentID string, snaps []*protocol.MetricSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	byTime, times := indexByTime(snaps)

	rows, err := s.pool.Query(ctx,
		`SELECT time, mount_point, device, total, used, free, usage_percent
		 FROM metrics_disk WHERE agent_id = $1 AND time = ANY($2)`,
		agentID, times)
	if err != nil {
		return errs.Storage("查询磁盘明细失败", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			t                 time.Time
			mountPoint        string
			device            *string
			total, used, free *int64
			usagePercent      *float64
		)
		if err := rows.Scan(&t, &mountPoint, &device, &total, &used, &free, &usagePercent); err != nil {
			return errs.Storage("解析磁盘明细失败", err)
		}
		snap, ok := byTime[t.UnixMilli()]
		if !ok {
			continue
		}
		disk := protocol.DiskData{MountPoint: mountPoint}
		if device != nil {
			disk.Device = *device
		}
		if total != nil {
			disk.Total = uint64(*total)
		}
		if used != nil {
			disk.Used = uint64(*used)
		}
		if free != nil {
			disk.Free = uint64(*free)
		}
		if usagePercent != nil {
			disk.UsagePercent = *usagePercent
		}
		snap.Disks = append(snap.Disks, disk)
	}
	return rows.Err()
}

func (s *TimescaleStore) attachNets(ctx context.Context, agentID string, snaps []*protocol.MetricSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	byTime, times := indexByTime(snaps)

	rows, err := s.pool.Query(ctx,
		`SELECT time, iface, sent_rate, recv_rate, sent_total, recv_total
		 FROM metrics_net WHERE agent_id = $1 AND time = ANY($2)`,
		agentID, times)
	if err != nil {
		return errs.Storage("查询网卡明细失败", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			t                   time.Time
			iface               string
			sentRate, recvRate  *int64
			sentTotal, recvSum  *int64
		)
		if err := rows.Scan(&t, &iface, &sentRate, &recvRate, &sentTotal, &recvSum); err != nil {
			return errs.Storage("解析网卡明细失败", err)
		}
		snap, ok := byTime[t.UnixMilli()]
		if !ok {
			continue
		}
		net := protocol.NetworkData{Interface: iface}
		if sentRate != nil {
			net.BytesSentRate = uint64(*sentRate)
		}
		if recvRate != nil {
			net.BytesRecvRate = uint64(*recvRate)
		}
		if sentTotal != nil {
			net.BytesSentTotal = uint64(*sentTotal)
		}
		if recvSum != nil {
			net.BytesRecvTotal = uint64(*recvSum)
		}
		snap.Networks = append(snap.Networks, net)
	}
	return rows.Err()
}

func indexByTime(snaps []*protocol.MetricSnapshot) (map[int64]*protocol.MetricSnapshot, []time.Time) {
	byTime := make(map[int64]*protocol.MetricSnapshot, len(snaps))
	times := make([]time.Time, 0, len(snaps))
	for _, snap := range snaps {
		byTime[snap.Timestamp] = snap
		times = append(times, time.UnixMilli(snap.Timestamp).UTC())
	}
	return byTime, times
}

// Delete 清除指定探针的全部数据，包括明细与汇总
func (s *TimescaleStore) Delete(ctx context.Context, agentID string) error {
	for _, table := range []string{tableRaw, tableDisk, tableNet, "metrics_rollup_1h", "metrics_rollup_1d"} {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE agent_id = $1`, table), agentID); err != nil {
			return errs.Storage("删除探针指标失败", err)
		}
	}
	return nil
}

func (s *TimescaleStore) Close() error {
	s.pool.Close()
	return nil
}

const rollupHourlySQL = `
INSERT INTO metrics_rollup_1h (bucket, agent_id, cpu_avg, cpu_max, memory_avg, memory_max, point_count)
SELECT date_trunc('hour', time), agent_id,
       avg(cpu_percent), max(cpu_percent),
       avg(memory_percent), max(memory_percent),
       count(*)
FROM metrics_raw
WHERE time >= $1 AND time < $2
GROUP BY 1, 2
ON CONFLICT (bucket, agent_id) DO NOTHING`

const rollupDailySQL = `
INSERT INTO metrics_rollup_1d (bucket, agent_id, cpu_avg, cpu_max, memory_avg, memory_max, point_count)
SELECT date_trunc('day', time), agent_id,
       avg(cpu_percent), max(cpu_percent),
       avg(memory_percent), max(memory_percent),
       count(*)
FROM metrics_raw
WHERE time >= $1 AND time < $2
GROUP BY 1, 2
ON CONFLICT (bucket, agent_id) DO NOTHING`

func (s *TimescaleStore) RollupHourly(ctx context.Context) (int64, error) {
	return s.rollupInto(ctx, rollupHourlySQL, "metrics_rollup_1h", time.Hour)
}

func (s *TimescaleStore) RollupDaily(ctx context.Context) (int64, error) {
	return s.rollupInto(ctx, rollupDailySQL, "metrics_rollup_1d", 24*time.Hour)
}

// rollupInto 只聚合已完结的桶：窗口上界是当前进行中的桶起点。
// 下界取已有汇总的最高水位，最后一个桶会重算一次，ON CONFLICT DO NOTHING
// 保证已写入的行不被改写，晚到的数据不会改变既有汇总。
func (s *TimescaleStore) rollupInto(ctx context.Context, insertSQL, table string, step time.Duration) (int64, error) {
	var last *time.Time
	if err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT max(bucket) FROM %s`, table)).Scan(&last); err != nil {
		return 0, errs.Storage("查询汇总水位失败", err)
	}

	cur := time.Now().UTC().Truncate(step)
	from := cur.Add(-rollupBackfill)
	if last != nil {
		from = *last
	}
	if !from.Before(cur) {
		return 0, nil
	}

	tag, err := s.pool.Exec(ctx, insertSQL, from, cur)
	if err != nil {
		return 0, errs.Storage("写入汇总失败", err)
	}
	return tag.RowsAffected(), nil
}

const checkRollupSQL = `
SELECT count(*),
       count(*) FILTER (WHERE r.point_count IS NULL),
       count(*) FILTER (WHERE r.point_count IS NOT NULL AND r.point_count <> raw.cnt)
FROM (
    SELECT date_trunc('hour', time) AS bucket, agent_id, count(*) AS cnt
    FROM metrics_raw
    WHERE time >= $1 AND time < $2
    GROUP BY 1, 2
) raw
LEFT JOIN metrics_rollup_1h r ON r.bucket = raw.bucket AND r.agent_id = raw.agent_id`

// CheckRollups 以原始表为基准逐桶核对小时汇总的点数。
// 只核对已完结的桶，窗口深度与首次汇总的回溯深度一致。
func (s *TimescaleStore) CheckRollups(ctx context.Context) (RollupReport, error) {
	cur := time.Now().UTC().Truncate(time.Hour)
	from := cur.Add(-rollupBackfill)

	report := RollupReport{CheckedAt: time.Now().UnixMilli()}
	if err := s.pool.QueryRow(ctx, checkRollupSQL, from, cur).
		Scan(&report.CheckedBuckets, &report.MissingBuckets, &report.MismatchedBuckets); err != nil {
		return RollupReport{}, errs.Storage("汇总对账失败", err)
	}
	return report, nil
}

// ApplyRetention 删除月起点早于保留界限的分区，并按行龄修剪汇总表
func (s *TimescaleStore) ApplyRetention(ctx context.Context) error {
	cutoff := RetentionCutoff(time.Now(), s.retentionDays)

	for _, parent := range []string{tableRaw, tableDisk, tableNet} {
		names, err := s.listPartitions(ctx, parent)
		if err != nil {
			return err
		}
		for _, name := range names {
			_, start, ok := ParsePartitionName(name)
			if !ok || !start.Before(cutoff) {
				continue
			}
			if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, name)); err != nil {
				return errs.Storage("删除过期分区失败", err)
			}
			s.mu.Lock()
			delete(s.created, name)
			s.mu.Unlock()
			s.logger.Info("已删除过期分区", zap.String("partition", name))
		}
	}

	now := time.Now().UTC()
	for table, keep := range map[string]time.Duration{
		"metrics_rollup_1h": rollup1hRetention,
		"metrics_rollup_1d": rollup1dRetention,
	} {
		if _, err := s.pool.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE bucket < $1`, table), now.Add(-keep)); err != nil {
			return errs.Storage("修剪汇总表失败", err)
		}
	}
	return nil
}

func (s *TimescaleStore) listPartitions(ctx context.Context, parent string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.relname
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class p ON p.oid = i.inhparent
		WHERE p.relname = $1`, parent)
	if err != nil {
		return nil, errs.Storage("查询分区列表失败", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errs.Storage("解析分区名失败", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
