package service

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/dushixiang/lynx/internal/errs"
	"github.com/dushixiang/lynx/internal/models"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("打开内存数据库失败: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("获取底层连接失败: %v", err)
	}
	// 内存库随连接销毁，限制单连接避免跨连接丢表
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&models.User{},
		&models.Group{},
		&models.UserGroup{},
		&models.AgentGroupBinding{},
		&models.UserAgentPermission{},
		&models.Agent{},
		&models.ApiKey{},
		&models.AuditLog{},
		&models.Property{},
	); err != nil {
		t.Fatalf("建表失败: %v", err)
	}
	return db
}

func newPermissionTestService(t *testing.T) (*PermissionService, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	return NewPermissionService(zap.NewNop(), db), db
}

func seedUser(t *testing.T, db *gorm.DB, id string, superadmin bool) {
	t.Helper()
	user := models.User{
		ID:         id,
		Username:   id,
		Nickname:   id,
		Superadmin: superadmin,
		CreatedAt:  time.Now().UnixMilli(),
	}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("写入用户失败: %v", err)
	}
}

// bindViaGroup 建一个组，把用户加进去并绑定探针，返回组ID
func bindViaGroup(t *testing.T, db *gorm.DB, userID, agentID string, level models.PermissionLevel) string {
	t.Helper()
	now := time.Now().UnixMilli()
	group := models.Group{ID: uuid.NewString(), Name: "g-" + uuid.NewString()[:8], CreatedAt: now}
	if err := db.Create(&group).Error; err != nil {
		t.Fatalf("写入组失败: %v", err)
	}
	member := models.UserGroup{ID: uuid.NewString(), UserID: userID, GroupID: group.ID, CreatedAt: now}
	if err := db.Create(&member).Error; err != nil {
		t.Fatalf("写入组成员失败: %v", err)
	}
	binding := models.AgentGroupBinding{ID: uuid.NewString(), GroupID: group.ID, AgentID: agentID, Level: level, CreatedAt: now}
	if err := db.Create(&binding).Error; err != nil {
		t.Fatalf("写入组绑定失败: %v", err)
	}
	return group.ID
}

func seedOverride(t *testing.T, db *gorm.DB, userID, agentID string, level models.PermissionLevel) {
	t.Helper()
	permission := models.UserAgentPermission{
		ID:        uuid.NewString(),
		UserID:    userID,
		AgentID:   agentID,
		Level:     level,
		GrantedBy: "root",
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := db.Create(&permission).Error; err != nil {
		t.Fatalf("写入覆盖授权失败: %v", err)
	}
}

func mustResolve(t *testing.T, s *PermissionService, userID, agentID string) models.PermissionLevel {
	t.Helper()
	level, err := s.Resolve(context.Background(), userID, agentID)
	if err != nil {
		t.Fatalf("Resolve(%s, %s) 出错: %v", userID, agentID, err)
	}
	return level
}

func TestResolveSuperadminAlwaysTop(t *testing.T) {
	t.Parallel()

	s, db := newPermissionTestService(t)
	seedUser(t, db, "root", true)
	// 即使存在更低的显式覆盖，超级管理员仍然短路为最高等级
	seedOverride(t, db, "root", "agent-1", models.LevelReadOnly)

	if got := mustResolve(t, s, "root", "agent-1"); got != models.LevelSystemAdmin {
		t.Errorf("Resolve = %v, want %v", got, models.LevelSystemAdmin)
	}
	if got := mustResolve(t, s, "root", "agent-never-seen"); got != models.LevelSystemAdmin {
		t.Errorf("Resolve = %v, want %v", got, models.LevelSystemAdmin)
	}
}

func TestResolveGroupCeilingTakesMax(t *testing.T) {
	t.Parallel()

	s, db := newPermissionTestService(t)
	seedUser(t, db, "alice", false)
	bindViaGroup(t, db, "alice", "agent-1", models.LevelBasicWrite)
	bindViaGroup(t, db, "alice", "agent-1", models.LevelServiceControl)

	if got := mustResolve(t, s, "alice", "agent-1"); got != models.LevelServiceControl {
		t.Errorf("Resolve = %v, want %v", got, models.LevelServiceControl)
	}
}

func TestResolveOverrideReplacesCeiling(t *testing.T) {
	t.Parallel()

	s, db := newPermissionTestService(t)

	// 向下覆盖：组上限 3，覆盖为 0，生效 0
	seedUser(t, db, "bob", false)
	bindViaGroup(t, db, "bob", "agent-1", models.LevelSystemAdmin)
	seedOverride(t, db, "bob", "agent-1", models.LevelReadOnly)
	if got := mustResolve(t, s, "bob", "agent-1"); got != models.LevelReadOnly {
		t.Errorf("向下覆盖: Resolve = %v, want %v", got, models.LevelReadOnly)
	}

	// 向上覆盖：组上限 0，覆盖为 2，生效 2
	seedUser(t, db, "carol", false)
	bindViaGroup(t, db, "carol", "agent-2", models.LevelReadOnly)
	seedOverride(t, db, "carol", "agent-2", models.LevelServiceControl)
	if got := mustResolve(t, s, "carol", "agent-2"); got != models.LevelServiceControl {
		t.Errorf("向上覆盖: Resolve = %v, want %v", got, models.LevelServiceControl)
	}
}

func TestResolveOverrideWithoutGroupBinding(t *testing.T) {
	t.Parallel()

	s, db := newPermissionTestService(t)
	seedUser(t, db, "dave", false)
	seedOverride(t, db, "dave", "agent-1", models.LevelBasicWrite)

	if got := mustResolve(t, s, "dave", "agent-1"); got != models.LevelBasicWrite {
		t.Errorf("Resolve = %v, want %v", got, models.LevelBasicWrite)
	}
}

func TestResolveNoRelationshipIsInvisible(t *testing.T) {
	t.Parallel()

	s, db := newPermissionTestService(t)
	seedUser(t, db, "eve", false)

	if got := mustResolve(t, s, "eve", "agent-1"); got != models.LevelInvisible {
		t.Errorf("普通用户无关系: Resolve = %v, want %v", got, models.LevelInvisible)
	}
	// 用户本身不存在时同样不可见
	if got := mustResolve(t, s, "ghost", "agent-1"); got != models.LevelInvisible {
		t.Errorf("用户不存在: Resolve = %v, want %v", got, models.LevelInvisible)
	}
}

func TestResolveIgnoresRevokedMembership(t *testing.T) {
	t.Parallel()

	s, db := newPermissionTestService(t)
	seedUser(t, db, "frank", false)
	groupID := bindViaGroup(t, db, "frank", "agent-1", models.LevelServiceControl)

	if got := mustResolve(t, s, "frank", "agent-1"); got != models.LevelServiceControl {
		t.Fatalf("移除前: Resolve = %v, want %v", got, models.LevelServiceControl)
	}

	if err := s.groupRepo.RemoveMember(context.Background(), groupID, "frank"); err != nil {
		t.Fatalf("移除组成员失败: %v", err)
	}
	if got := mustResolve(t, s, "frank", "agent-1"); got != models.LevelInvisible {
		t.Errorf("移除后: Resolve = %v, want %v", got, models.LevelInvisible)
	}
}

func TestRequireDistinguishesInvisibleFromDenied(t *testing.T) {
	t.Parallel()

	s, db := newPermissionTestService(t)
	ctx := context.Background()
	seedUser(t, db, "grace", false)
	bindViaGroup(t, db, "grace", "agent-1", models.LevelBasicWrite)

	// 无任何关系的探针：错误对外等同于不存在
	err := s.Require(ctx, "grace", "agent-hidden", models.LevelReadOnly)
	if errs.KindOf(err) != errs.KindInvisible {
		t.Errorf("不可见: KindOf = %v, want KindInvisible", errs.KindOf(err))
	}

	// 等级不足：明确的授权错误，而不是静默降级
	err = s.Require(ctx, "grace", "agent-1", models.LevelServiceControl)
	if errs.KindOf(err) != errs.KindAuthorization {
		t.Errorf("等级不足: KindOf = %v, want KindAuthorization", errs.KindOf(err))
	}

	if err := s.Require(ctx, "grace", "agent-1", models.LevelBasicWrite); err != nil {
		t.Errorf("等级满足: err = %v, want nil", err)
	}
}

func TestGrantOverrideUpsertsExisting(t *testing.T) {
	t.Parallel()

	s, db := newPermissionTestService(t)
	ctx := context.Background()
	seedUser(t, db, "root", true)
	seedUser(t, db, "henry", false)

	if err := s.GrantOverride(ctx, "root", "henry", "agent-1", models.LevelBasicWrite); err != nil {
		t.Fatalf("首次授予失败: %v", err)
	}
	if got := mustResolve(t, s, "henry", "agent-1"); got != models.LevelBasicWrite {
		t.Fatalf("首次授予后: Resolve = %v, want %v", got, models.LevelBasicWrite)
	}

	if err := s.GrantOverride(ctx, "root", "henry", "agent-1", models.LevelSystemAdmin); err != nil {
		t.Fatalf("重复授予失败: %v", err)
	}
	if got := mustResolve(t, s, "henry", "agent-1"); got != models.LevelSystemAdmin {
		t.Errorf("重复授予后: Resolve = %v, want %v", got, models.LevelSystemAdmin)
	}

	var count int64
	if err := db.Model(&models.UserAgentPermission{}).
		Where("user_id = ? AND agent_id = ?", "henry", "agent-1").
		Count(&count).Error; err != nil {
		t.Fatalf("统计覆盖记录失败: %v", err)
	}
	if count != 1 {
		t.Errorf("覆盖记录数 = %d, want 1", count)
	}
}

func TestGrantOverrideRejectsInvalidLevel(t *testing.T) {
	t.Parallel()

	s, db := newPermissionTestService(t)
	ctx := context.Background()
	seedUser(t, db, "root", true)
	seedUser(t, db, "ivy", false)

	for _, level := range []models.PermissionLevel{models.LevelInvisible, 4, 99} {
		err := s.GrantOverride(ctx, "root", "ivy", "agent-1", level)
		if errs.KindOf(err) != errs.KindValidation {
			t.Errorf("level=%d: KindOf = %v, want KindValidation", level, errs.KindOf(err))
		}
	}
}

func TestVisibleAgentIdsUnion(t *testing.T) {
	t.Parallel()

	s, db := newPermissionTestService(t)
	ctx := context.Background()
	seedUser(t, db, "judy", false)
	bindViaGroup(t, db, "judy", "agent-a", models.LevelReadOnly)
	bindViaGroup(t, db, "judy", "agent-b", models.LevelBasicWrite)
	seedOverride(t, db, "judy", "agent-b", models.LevelReadOnly)
	seedOverride(t, db, "judy", "agent-c", models.LevelServiceControl)

	ids, all, err := s.VisibleAgentIds(ctx, "judy")
	if err != nil {
		t.Fatalf("VisibleAgentIds 出错: %v", err)
	}
	if all {
		t.Error("普通用户 all = true, want false")
	}
	sort.Strings(ids)
	want := []string{"agent-a", "agent-b", "agent-c"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %s, want %s", i, ids[i], want[i])
		}
	}

	seedUser(t, db, "root", true)
	_, all, err = s.VisibleAgentIds(ctx, "root")
	if err != nil {
		t.Fatalf("VisibleAgentIds 出错: %v", err)
	}
	if !all {
		t.Error("超级管理员 all = false, want true")
	}
}

func TestEffectivePermissionsMergesSources(t *testing.T) {
	t.Parallel()

	s, db := newPermissionTestService(t)
	ctx := context.Background()
	seedUser(t, db, "kate", false)
	bindViaGroup(t, db, "kate", "agent-a", models.LevelBasicWrite)
	bindViaGroup(t, db, "kate", "agent-c", models.LevelSystemAdmin)
	seedOverride(t, db, "kate", "agent-a", models.LevelReadOnly)
	seedOverride(t, db, "kate", "agent-b", models.LevelServiceControl)

	got, err := s.EffectivePermissions(ctx, "kate", nil)
	if err != nil {
		t.Fatalf("EffectivePermissions 出错: %v", err)
	}
	want := []EffectivePermission{
		{AgentID: "agent-a", Level: models.LevelReadOnly, Source: permissionSourceOverride},
		{AgentID: "agent-b", Level: models.LevelServiceControl, Source: permissionSourceOverride},
		{AgentID: "agent-c", Level: models.LevelSystemAdmin, Source: permissionSourceGroup},
	}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}
