package service

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/dushixiang/lynx/internal/errs"
	"github.com/dushixiang/lynx/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newGroupTestService(t *testing.T) (*GroupService, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	return NewGroupService(zap.NewNop(), db), db
}

func seedAgent(t *testing.T, db *gorm.DB, id string) {
	t.Helper()
	agent := models.Agent{
		ID:        id,
		Name:      id,
		Hostname:  id + ".internal",
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := db.Create(&agent).Error; err != nil {
		t.Fatalf("写入探针失败: %v", err)
	}
}

func memberUsernames(t *testing.T, s *GroupService, groupID string) []string {
	t.Helper()
	users, err := s.Members(context.Background(), groupID)
	if err != nil {
		t.Fatalf("Members 出错: %v", err)
	}
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.Username)
	}
	sort.Strings(names)
	return names
}

func TestSetMembersReplaces(t *testing.T) {
	t.Parallel()

	s, db := newGroupTestService(t)
	ctx := context.Background()
	for _, id := range []string{"alice", "bob", "carol"} {
		seedUser(t, db, id, false)
	}
	group, err := s.CreateGroup(ctx, "运维组", "")
	if err != nil {
		t.Fatalf("建组失败: %v", err)
	}
	for _, id := range []string{"alice", "bob"} {
		if err := s.AddMember(ctx, group.ID, id); err != nil {
			t.Fatalf("加入成员失败: %v", err)
		}
	}

	// bob 保留，alice 移除，carol 新增
	if err := s.SetMembers(ctx, group.ID, []string{"bob", "carol"}); err != nil {
		t.Fatalf("SetMembers 出错: %v", err)
	}

	got := memberUsernames(t, s, group.ID)
	want := []string{"bob", "carol"}
	if len(got) != len(want) {
		t.Fatalf("成员 = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("成员[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestSetMembersEmptyClearsAll(t *testing.T) {
	t.Parallel()

	s, db := newGroupTestService(t)
	ctx := context.Background()
	seedUser(t, db, "alice", false)
	group, err := s.CreateGroup(ctx, "临时组", "")
	if err != nil {
		t.Fatalf("建组失败: %v", err)
	}
	if err := s.AddMember(ctx, group.ID, "alice"); err != nil {
		t.Fatalf("加入成员失败: %v", err)
	}

	if err := s.SetMembers(ctx, group.ID, nil); err != nil {
		t.Fatalf("SetMembers 出错: %v", err)
	}
	if got := memberUsernames(t, s, group.ID); len(got) != 0 {
		t.Errorf("成员 = %v, want 空", got)
	}
}

func TestSetMembersRejectsUnknownUser(t *testing.T) {
	t.Parallel()

	s, db := newGroupTestService(t)
	ctx := context.Background()
	seedUser(t, db, "alice", false)
	group, err := s.CreateGroup(ctx, "运维组", "")
	if err != nil {
		t.Fatalf("建组失败: %v", err)
	}
	if err := s.AddMember(ctx, group.ID, "alice"); err != nil {
		t.Fatalf("加入成员失败: %v", err)
	}

	err = s.SetMembers(ctx, group.ID, []string{"alice", "ghost"})
	if errs.KindOf(err) != errs.KindNotFound {
		t.Fatalf("KindOf = %v, want KindNotFound", errs.KindOf(err))
	}
	// 整体校验先于写入，原有成员不受影响
	if got := memberUsernames(t, s, group.ID); len(got) != 1 || got[0] != "alice" {
		t.Errorf("成员 = %v, want [alice]", got)
	}
}

func TestSetBindingsReplacesAndUpdatesInPlace(t *testing.T) {
	t.Parallel()

	s, db := newGroupTestService(t)
	ctx := context.Background()
	for _, id := range []string{"agent-x", "agent-y", "agent-z"} {
		seedAgent(t, db, id)
	}
	group, err := s.CreateGroup(ctx, "生产集群", "")
	if err != nil {
		t.Fatalf("建组失败: %v", err)
	}
	if err := s.BindAgent(ctx, group.ID, "agent-x", models.LevelBasicWrite); err != nil {
		t.Fatalf("绑定失败: %v", err)
	}
	if err := s.BindAgent(ctx, group.ID, "agent-y", models.LevelServiceControl); err != nil {
		t.Fatalf("绑定失败: %v", err)
	}

	before, err := s.Bindings(ctx, group.ID)
	if err != nil {
		t.Fatalf("Bindings 出错: %v", err)
	}
	var xBindingID string
	for _, b := range before {
		if b.AgentID == "agent-x" {
			xBindingID = b.ID
		}
	}

	// x 升级，y 解绑，z 新增
	err = s.SetBindings(ctx, group.ID, []AgentBinding{
		{AgentID: "agent-x", Level: models.LevelSystemAdmin},
		{AgentID: "agent-z", Level: models.LevelReadOnly},
	})
	if err != nil {
		t.Fatalf("SetBindings 出错: %v", err)
	}

	after, err := s.Bindings(ctx, group.ID)
	if err != nil {
		t.Fatalf("Bindings 出错: %v", err)
	}
	if len(after) != 2 {
		t.Fatalf("绑定数 = %d, want 2: %+v", len(after), after)
	}
	levels := map[string]models.PermissionLevel{}
	for _, b := range after {
		levels[b.AgentID] = b.Level
		if b.AgentID == "agent-x" && b.ID != xBindingID {
			t.Errorf("agent-x 绑定被重建, id %s -> %s, want 原地更新", xBindingID, b.ID)
		}
	}
	if levels["agent-x"] != models.LevelSystemAdmin {
		t.Errorf("agent-x level = %v, want %v", levels["agent-x"], models.LevelSystemAdmin)
	}
	if levels["agent-z"] != models.LevelReadOnly {
		t.Errorf("agent-z level = %v, want %v", levels["agent-z"], models.LevelReadOnly)
	}
	if _, stillBound := levels["agent-y"]; stillBound {
		t.Error("agent-y 仍在绑定列表, want 已解绑")
	}
}

func TestSetBindingsRejectsInvalidLevel(t *testing.T) {
	t.Parallel()

	s, db := newGroupTestService(t)
	ctx := context.Background()
	seedAgent(t, db, "agent-x")
	group, err := s.CreateGroup(ctx, "生产集群", "")
	if err != nil {
		t.Fatalf("建组失败: %v", err)
	}

	err = s.SetBindings(ctx, group.ID, []AgentBinding{{AgentID: "agent-x", Level: 4}})
	if errs.KindOf(err) != errs.KindValidation {
		t.Errorf("KindOf = %v, want KindValidation", errs.KindOf(err))
	}
}

func TestSetBindingsRejectsUnknownAgent(t *testing.T) {
	t.Parallel()

	s, db := newGroupTestService(t)
	ctx := context.Background()
	seedAgent(t, db, "agent-x")
	group, err := s.CreateGroup(ctx, "生产集群", "")
	if err != nil {
		t.Fatalf("建组失败: %v", err)
	}
	if err := s.BindAgent(ctx, group.ID, "agent-x", models.LevelReadOnly); err != nil {
		t.Fatalf("绑定失败: %v", err)
	}

	err = s.SetBindings(ctx, group.ID, []AgentBinding{
		{AgentID: "agent-x", Level: models.LevelReadOnly},
		{AgentID: "agent-ghost", Level: models.LevelReadOnly},
	})
	if errs.KindOf(err) != errs.KindNotFound {
		t.Fatalf("KindOf = %v, want KindNotFound", errs.KindOf(err))
	}
	after, err := s.Bindings(ctx, group.ID)
	if err != nil {
		t.Fatalf("Bindings 出错: %v", err)
	}
	if len(after) != 1 || after[0].AgentID != "agent-x" {
		t.Errorf("绑定 = %+v, want 仅 agent-x", after)
	}
}

func TestDeleteGroupCascades(t *testing.T) {
	t.Parallel()

	s, db := newGroupTestService(t)
	ctx := context.Background()
	seedUser(t, db, "alice", false)
	seedAgent(t, db, "agent-x")
	group, err := s.CreateGroup(ctx, "临时组", "")
	if err != nil {
		t.Fatalf("建组失败: %v", err)
	}
	if err := s.AddMember(ctx, group.ID, "alice"); err != nil {
		t.Fatalf("加入成员失败: %v", err)
	}
	if err := s.BindAgent(ctx, group.ID, "agent-x", models.LevelServiceControl); err != nil {
		t.Fatalf("绑定失败: %v", err)
	}

	if err := s.DeleteGroup(ctx, group.ID); err != nil {
		t.Fatalf("DeleteGroup 出错: %v", err)
	}

	if _, ok, err := s.GroupRepo.FindByIdExists(ctx, group.ID); err != nil || ok {
		t.Errorf("组仍可见: ok=%v err=%v", ok, err)
	}
	members, err := s.GroupRepo.FindMembers(ctx, group.ID)
	if err != nil {
		t.Fatalf("FindMembers 出错: %v", err)
	}
	if len(members) != 0 {
		t.Errorf("成员关系未清理: %+v", members)
	}
	bindings, err := s.GroupRepo.FindBindings(ctx, group.ID)
	if err != nil {
		t.Fatalf("FindBindings 出错: %v", err)
	}
	if len(bindings) != 0 {
		t.Errorf("绑定未清理: %+v", bindings)
	}
}
