package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dushixiang/lynx/internal/config"
	"github.com/dushixiang/lynx/internal/errs"
	"github.com/dushixiang/lynx/internal/models"
	"github.com/dushixiang/lynx/internal/repo"
	"github.com/go-orz/cache"
	"github.com/go-orz/orz"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const elevatedTokenTTL = 5 * time.Minute // 升级凭证有效期

// TokenClaims 登录令牌声明
type TokenClaims struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type AccountService struct {
	logger *zap.Logger
	*orz.Service
	UserRepo          *repo.UserRepo
	permissionService *PermissionService

	secret        []byte
	tokenTTL      time.Duration
	elevatedCache cache.Cache[string, string] // 升级凭证 -> 用户ID
}

func NewAccountService(logger *zap.Logger, db *gorm.DB, conf config.JWTConfig, permissionService *PermissionService) *AccountService {
	secret := conf.Secret
	if secret == "" {
		// 未配置密钥时随机生成，重启后所有已签发令牌失效
		buf := make([]byte, 32)
		_, _ = rand.Read(buf)
		secret = hex.EncodeToString(buf)
		logger.Warn("未配置 jwt 密钥，已随机生成，重启后登录态将失效")
	}
	return &AccountService{
		logger:            logger,
		Service:           orz.NewService(db),
		UserRepo:          repo.NewUserRepo(db),
		permissionService: permissionService,
		secret:            []byte(secret),
		tokenTTL:          time.Duration(conf.ExpiresHours) * time.Hour,
		elevatedCache:     cache.New[string, string](time.Minute),
	}
}

// Login 用户名密码登录，成功后签发访问令牌。
// 用户不存在与密码错误返回同一错误，不泄露账号是否存在。
func (s *AccountService) Login(ctx context.Context, username, password string) (string, models.User, error) {
	user, ok, err := s.UserRepo.FindByUsername(ctx, username)
	if err != nil {
		return "", models.User{}, err
	}
	if !ok {
		return "", models.User{}, errs.Authentication("用户名或密码错误")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		s.logger.Warn("登录失败，密码错误", zap.String("username", username))
		return "", models.User{}, errs.Authentication("用户名或密码错误")
	}

	token, err := s.issueToken(user)
	if err != nil {
		return "", models.User{}, err
	}
	s.logger.Info("用户登录成功", zap.String("username", username), zap.String("userId", user.ID))
	return token, user, nil
}

func (s *AccountService) issueToken(user models.User) (string, error) {
	now := time.Now()
	claims := &TokenClaims{
		UserID:   user.ID,
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("签发令牌失败: %w", err)
	}
	return signed, nil
}

// ValidateToken 校验访问令牌并返回用户ID
func (s *AccountService) ValidateToken(tokenString string) (string, error) {
	claims := &TokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("不支持的签名算法: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return "", errs.Authentication("令牌无效或已过期")
	}
	return claims.UserID, nil
}

// Sudo 重新校验密码后签发短时升级凭证，系统管理级指令调用时必须携带
func (s *AccountService) Sudo(ctx context.Context, userID, password string) (string, error) {
	user, err := s.UserRepo.FindById(ctx, userID)
	if err != nil {
		return "", errs.Authentication("用户不存在")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		s.logger.Warn("升级凭证申请失败，密码错误", zap.String("userId", userID))
		return "", errs.Authentication("密码错误")
	}

	token := uuid.NewString()
	s.elevatedCache.Set(token, userID, elevatedTokenTTL)
	s.logger.Info("已签发升级凭证", zap.String("userId", userID))
	return token, nil
}

// ValidateElevated 校验升级凭证是否属于该用户且仍在有效期内
func (s *AccountService) ValidateElevated(userID, token string) error {
	if token == "" {
		return errs.Authentication("缺少升级凭证")
	}
	owner, ok := s.elevatedCache.Get(token)
	if !ok || owner != userID {
		return errs.Authentication("升级凭证无效或已过期")
	}
	return nil
}

// ChangePassword 修改自己的密码
func (s *AccountService) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	user, err := s.UserRepo.FindById(ctx, userID)
	if err != nil {
		return errs.NotFound("用户不存在")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(oldPassword)); err != nil {
		return errs.Authentication("原密码错误")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return s.UserRepo.UpdatePassword(ctx, userID, string(hashed))
}

// CreateUser 创建用户
func (s *AccountService) CreateUser(ctx context.Context, username, nickname, password string, superadmin bool) (models.User, error) {
	exists, err := s.UserRepo.ExistsByUsername(ctx, username)
	if err != nil {
		return models.User{}, err
	}
	if exists {
		return models.User{}, errs.Conflict("登录名已被占用")
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, err
	}
	user := models.User{
		ID:         uuid.NewString(),
		Username:   username,
		Nickname:   nickname,
		Password:   string(hashed),
		Superadmin: superadmin,
		CreatedAt:  time.Now().UnixMilli(),
	}
	if err := s.UserRepo.Create(ctx, &user); err != nil {
		return models.User{}, err
	}
	s.logger.Info("用户已创建", zap.String("username", username), zap.Bool("superadmin", superadmin))
	return user, nil
}

// UpdateUser 更新显示名称与超级管理员标记
func (s *AccountService) UpdateUser(ctx context.Context, userID, nickname string, superadmin bool) error {
	user, ok, err := s.UserRepo.FindByIdExists(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFound("用户不存在")
	}
	user.Nickname = nickname
	user.Superadmin = superadmin
	return s.UserRepo.UpdateById(ctx, &user)
}

// DeleteUser 删除用户并清理其授权关系
func (s *AccountService) DeleteUser(ctx context.Context, userID string) error {
	user, ok, err := s.UserRepo.FindByIdExists(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if user.Superadmin {
		count, err := s.UserRepo.CountSuperadmins(ctx)
		if err != nil {
			return err
		}
		if count <= 1 {
			return errs.Conflict("不能删除最后一个超级管理员")
		}
	}
	return s.Transaction(ctx, func(ctx context.Context) error {
		if err := s.permissionService.CleanupUser(ctx, userID); err != nil {
			return err
		}
		return s.UserRepo.DeleteById(ctx, userID)
	})
}

// ResetPassword 管理员重置他人密码
func (s *AccountService) ResetPassword(ctx context.Context, userID, newPassword string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return s.UserRepo.UpdatePassword(ctx, userID, string(hashed))
}

// EnsureDefaultAccount 首次启动时创建默认超级管理员
func (s *AccountService) EnsureDefaultAccount(ctx context.Context) error {
	count, err := s.UserRepo.CountSuperadmins(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	password := uuid.NewString()[:16]
	if _, err := s.CreateUser(ctx, "admin", "管理员", password, true); err != nil {
		return err
	}
	s.logger.Info("已创建默认超级管理员，请登录后立即修改密码",
		zap.String("username", "admin"),
		zap.String("password", password))
	return nil
}
