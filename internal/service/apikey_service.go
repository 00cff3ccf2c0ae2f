package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/dushixiang/lynx/internal/errs"
	"github.com/dushixiang/lynx/internal/models"
	"github.com/dushixiang/lynx/internal/repo"
	"github.com/go-orz/orz"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ApiKeyService struct {
	logger *zap.Logger
	*orz.Service
	ApiKeyRepo *repo.ApiKeyRepo
}

func NewApiKeyService(logger *zap.Logger, db *gorm.DB) *ApiKeyService {
	return &ApiKeyService{
		logger:     logger,
		Service:    orz.NewService(db),
		ApiKeyRepo: repo.NewApiKeyRepo(db),
	}
}

// CreateApiKey 创建接入密钥，密钥内容只在创建时完整返回一次
func (s *ApiKeyService) CreateApiKey(ctx context.Context, name string) (models.ApiKey, string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return models.ApiKey{}, "", err
	}
	key := "lynx_" + hex.EncodeToString(buf)

	apiKey := models.ApiKey{
		ID:        uuid.NewString(),
		Name:      name,
		Key:       key,
		Enabled:   true,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := s.ApiKeyRepo.Create(ctx, &apiKey); err != nil {
		return models.ApiKey{}, "", err
	}
	s.logger.Info("已创建接入密钥", zap.String("name", name), zap.String("id", apiKey.ID))
	return apiKey, key, nil
}

// ValidateApiKey 校验探针注册时携带的接入密钥
func (s *ApiKeyService) ValidateApiKey(ctx context.Context, key string) (models.ApiKey, error) {
	if key == "" {
		return models.ApiKey{}, errs.Authentication("缺少接入密钥")
	}
	apiKey, ok, err := s.ApiKeyRepo.FindByKey(ctx, key)
	if err != nil {
		return models.ApiKey{}, err
	}
	if !ok {
		return models.ApiKey{}, errs.Authentication("无效的接入密钥")
	}
	if !apiKey.Enabled {
		return models.ApiKey{}, errs.Authentication("接入密钥已停用")
	}
	// 最近使用时间只是辅助信息，失败不影响认证结果
	if err := s.ApiKeyRepo.TouchLastUsed(ctx, apiKey.ID); err != nil {
		s.logger.Warn("更新密钥使用时间失败", zap.String("id", apiKey.ID), zap.Error(err))
	}
	return apiKey, nil
}

// SetEnabled 启用或停用密钥
func (s *ApiKeyService) SetEnabled(ctx context.Context, id string, enabled bool) error {
	apiKey, ok, err := s.ApiKeyRepo.FindByIdExists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFound("密钥不存在")
	}
	apiKey.Enabled = enabled
	return s.ApiKeyRepo.UpdateById(ctx, &apiKey)
}

func (s *ApiKeyService) DeleteApiKey(ctx context.Context, id string) error {
	return s.ApiKeyRepo.DeleteById(ctx, id)
}
