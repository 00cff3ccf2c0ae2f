package service

import (
	"context"
	"testing"

	"github.com/dushixiang/lynx/internal/config"
	"github.com/dushixiang/lynx/internal/errs"
	"go.uber.org/zap"
)

func newAccountTestService(t *testing.T) *AccountService {
	t.Helper()
	db := newTestDB(t)
	logger := zap.NewNop()
	permissionService := NewPermissionService(logger, db)
	conf := config.JWTConfig{Secret: "test-secret", ExpiresHours: 1}
	return NewAccountService(logger, db, conf, permissionService)
}

func TestLoginIssuesValidToken(t *testing.T) {
	t.Parallel()

	s := newAccountTestService(t)
	ctx := context.Background()
	user, err := s.CreateUser(ctx, "alice", "Alice", "s3cret", false)
	if err != nil {
		t.Fatalf("创建用户失败: %v", err)
	}

	token, _, err := s.Login(ctx, "alice", "s3cret")
	if err != nil {
		t.Fatalf("登录失败: %v", err)
	}
	userID, err := s.ValidateToken(token)
	if err != nil {
		t.Fatalf("校验令牌失败: %v", err)
	}
	if userID != user.ID {
		t.Errorf("ValidateToken = %s, want %s", userID, user.ID)
	}

	// 密码错误与用户不存在必须返回完全一致的错误，不泄露账号是否存在
	_, _, wrongPass := s.Login(ctx, "alice", "nope")
	_, _, unknownUser := s.Login(ctx, "ghost", "nope")
	if errs.KindOf(wrongPass) != errs.KindAuthentication {
		t.Errorf("密码错误: KindOf = %v, want KindAuthentication", errs.KindOf(wrongPass))
	}
	if errs.KindOf(unknownUser) != errs.KindAuthentication {
		t.Errorf("用户不存在: KindOf = %v, want KindAuthentication", errs.KindOf(unknownUser))
	}
	if wrongPass.Error() != unknownUser.Error() {
		t.Errorf("错误文案不一致: %q vs %q", wrongPass.Error(), unknownUser.Error())
	}
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	t.Parallel()

	s := newAccountTestService(t)
	for _, token := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := s.ValidateToken(token); errs.KindOf(err) != errs.KindAuthentication {
			t.Errorf("token=%q: KindOf = %v, want KindAuthentication", token, errs.KindOf(err))
		}
	}
}

func TestSudoElevatedLifecycle(t *testing.T) {
	t.Parallel()

	s := newAccountTestService(t)
	ctx := context.Background()
	user, err := s.CreateUser(ctx, "root", "Root", "rootpass", true)
	if err != nil {
		t.Fatalf("创建用户失败: %v", err)
	}

	if _, err := s.Sudo(ctx, user.ID, "wrong"); errs.KindOf(err) != errs.KindAuthentication {
		t.Errorf("密码错误: KindOf = %v, want KindAuthentication", errs.KindOf(err))
	}

	token, err := s.Sudo(ctx, user.ID, "rootpass")
	if err != nil {
		t.Fatalf("申请升级凭证失败: %v", err)
	}
	if err := s.ValidateElevated(user.ID, token); err != nil {
		t.Errorf("本人校验: err = %v, want nil", err)
	}
	// 凭证与用户绑定，他人不能冒用
	if err := s.ValidateElevated("someone-else", token); errs.KindOf(err) != errs.KindAuthentication {
		t.Errorf("他人冒用: KindOf = %v, want KindAuthentication", errs.KindOf(err))
	}
	if err := s.ValidateElevated(user.ID, ""); errs.KindOf(err) != errs.KindAuthentication {
		t.Errorf("空凭证: KindOf = %v, want KindAuthentication", errs.KindOf(err))
	}
}

func TestChangePassword(t *testing.T) {
	t.Parallel()

	s := newAccountTestService(t)
	ctx := context.Background()
	user, err := s.CreateUser(ctx, "bob", "Bob", "old-pass", false)
	if err != nil {
		t.Fatalf("创建用户失败: %v", err)
	}

	if err := s.ChangePassword(ctx, user.ID, "wrong", "new-pass"); errs.KindOf(err) != errs.KindAuthentication {
		t.Errorf("原密码错误: KindOf = %v, want KindAuthentication", errs.KindOf(err))
	}
	if err := s.ChangePassword(ctx, user.ID, "old-pass", "new-pass"); err != nil {
		t.Fatalf("修改密码失败: %v", err)
	}
	if _, _, err := s.Login(ctx, "bob", "new-pass"); err != nil {
		t.Errorf("新密码登录: err = %v, want nil", err)
	}
	if _, _, err := s.Login(ctx, "bob", "old-pass"); errs.KindOf(err) != errs.KindAuthentication {
		t.Errorf("旧密码登录: KindOf = %v, want KindAuthentication", errs.KindOf(err))
	}
}

func TestCreateUserDuplicateUsername(t *testing.T) {
	t.Parallel()

	s := newAccountTestService(t)
	ctx := context.Background()
	if _, err := s.CreateUser(ctx, "carol", "Carol", "pass", false); err != nil {
		t.Fatalf("创建用户失败: %v", err)
	}
	_, err := s.CreateUser(ctx, "carol", "Carol2", "pass", false)
	if errs.KindOf(err) != errs.KindConflict {
		t.Errorf("KindOf = %v, want KindConflict", errs.KindOf(err))
	}
}

func TestDeleteLastSuperadminRefused(t *testing.T) {
	t.Parallel()

	s := newAccountTestService(t)
	ctx := context.Background()
	first, err := s.CreateUser(ctx, "root", "Root", "pass", true)
	if err != nil {
		t.Fatalf("创建用户失败: %v", err)
	}

	if err := s.DeleteUser(ctx, first.ID); errs.KindOf(err) != errs.KindConflict {
		t.Errorf("最后一个超管: KindOf = %v, want KindConflict", errs.KindOf(err))
	}

	second, err := s.CreateUser(ctx, "root2", "Root2", "pass", true)
	if err != nil {
		t.Fatalf("创建用户失败: %v", err)
	}
	if err := s.DeleteUser(ctx, second.ID); err != nil {
		t.Errorf("存在其他超管时删除: err = %v, want nil", err)
	}
}

func TestEnsureDefaultAccount(t *testing.T) {
	t.Parallel()

	s := newAccountTestService(t)
	ctx := context.Background()
	if err := s.EnsureDefaultAccount(ctx); err != nil {
		t.Fatalf("初始化默认账号失败: %v", err)
	}
	count, err := s.UserRepo.CountSuperadmins(ctx)
	if err != nil {
		t.Fatalf("统计超管失败: %v", err)
	}
	if count != 1 {
		t.Fatalf("超管数量 = %d, want 1", count)
	}

	// 已存在超管时不再重复创建
	if err := s.EnsureDefaultAccount(ctx); err != nil {
		t.Fatalf("重复初始化失败: %v", err)
	}
	count, _ = s.UserRepo.CountSuperadmins(ctx)
	if count != 1 {
		t.Errorf("重复初始化后超管数量 = %d, want 1", count)
	}
}
