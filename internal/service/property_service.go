package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dushixiang/lynx/internal/models"
	"github.com/dushixiang/lynx/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// PropertyIDNotificationChannels 通知渠道配置的固定 ID
	PropertyIDNotificationChannels = "notification_channels"
	// PropertyIDSystemConfig 系统配置的固定 ID
	PropertyIDSystemConfig = "system_config"
	// PropertyIDSystemVersion 数据版本号，版本化迁移以它为基准
	PropertyIDSystemVersion = "system_version"
)

type PropertyService struct {
	repo   *repo.PropertyRepo
	logger *zap.Logger
}

func NewPropertyService(logger *zap.Logger, db *gorm.DB) *PropertyService {
	return &PropertyService{
		repo:   repo.NewPropertyRepo(db),
		logger: logger,
	}
}

// Get 获取属性（返回原始 JSON 字符串）
func (s *PropertyService) Get(ctx context.Context, id string) (models.Property, error) {
	return s.repo.FindById(ctx, id)
}

// GetValue 获取属性值并反序列化
func (s *PropertyService) GetValue(ctx context.Context, id string, target interface{}) error {
	property, err := s.repo.FindById(ctx, id)
	if err != nil {
		return err
	}

	if property.Value == "" {
		return nil
	}
	return json.Unmarshal([]byte(property.Value), target)
}

// Set 设置属性（接收对象，自动序列化）
func (s *PropertyService) Set(ctx context.Context, id string, name string, value interface{}) error {
	jsonValue, err := json.Marshal(value)
	if err != nil {
		return err
	}

	property := &models.Property{
		ID:        id,
		Name:      name,
		Value:     string(jsonValue),
		CreatedAt: time.Now().UnixMilli(),
		UpdatedAt: time.Now().UnixMilli(),
	}

	return s.repo.Save(ctx, property)
}

// Delete 删除属性
func (s *PropertyService) Delete(ctx context.Context, id string) error {
	return s.repo.DeleteById(ctx, id)
}

func (s *PropertyService) GetNotificationChannelConfigs(ctx context.Context) ([]models.NotificationChannelConfig, error) {
	var allChannels []models.NotificationChannelConfig
	err := s.GetValue(ctx, PropertyIDNotificationChannels, &allChannels)
	if err != nil {
		return nil, fmt.Errorf("获取通知渠道配置失败: %w", err)
	}
	return allChannels, nil
}

func (s *PropertyService) GetSystemConfig(ctx context.Context) (*models.SystemConfig, error) {
	var systemConfig models.SystemConfig
	err := s.GetValue(ctx, PropertyIDSystemConfig, &systemConfig)
	if err != nil {
		return nil, fmt.Errorf("获取系统配置失败: %w", err)
	}
	return &systemConfig, nil
}

// GetSystemVersion 读取数据版本号，属性缺失时返回空串
func (s *PropertyService) GetSystemVersion(ctx context.Context) (string, error) {
	property, err := s.repo.FindById(ctx, PropertyIDSystemVersion)
	if err != nil {
		return "", err
	}
	var v string
	if err := json.Unmarshal([]byte(property.Value), &v); err != nil {
		return "", err
	}
	return v, nil
}

func (s *PropertyService) SetSystemVersion(ctx context.Context, version string) error {
	return s.Set(ctx, PropertyIDSystemVersion, "数据版本号", version)
}

// defaultPropertyConfig 默认配置项定义
type defaultPropertyConfig struct {
	ID    string
	Name  string
	Value interface{}
}

// InitializeDefaultConfigs 初始化默认配置（如果数据库中不存在）
func (s *PropertyService) InitializeDefaultConfigs(ctx context.Context) error {
	defaultConfigs := []defaultPropertyConfig{
		{
			ID:   PropertyIDSystemConfig,
			Name: "系统配置",
			Value: models.SystemConfig{
				SystemNameZh: "山猫监控",
				SystemNameEn: "Lynx Monitor",
			},
		},
		{
			ID:    PropertyIDNotificationChannels,
			Name:  "通知渠道配置",
			Value: []models.NotificationChannelConfig{},
		},
	}

	for _, config := range defaultConfigs {
		if err := s.initializeProperty(ctx, config); err != nil {
			return fmt.Errorf("初始化 %s 失败: %w", config.Name, err)
		}
	}

	s.logger.Info("默认配置初始化完成")
	return nil
}

// initializeProperty 初始化单个配置项，已存在的不覆盖
func (s *PropertyService) initializeProperty(ctx context.Context, config defaultPropertyConfig) error {
	exists, err := s.repo.ExistsById(ctx, config.ID)
	if err != nil {
		return err
	}

	if exists {
		return nil
	}

	if err := s.Set(ctx, config.ID, config.Name, config.Value); err != nil {
		return err
	}
	s.logger.Info("配置默认值已初始化", zap.String("name", config.Name))
	return nil
}
