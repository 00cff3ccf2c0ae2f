package service

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/oschwald/geoip2-golang"
	"go.uber.org/zap"
)

// GeoIPService 把探针IP解析为地理位置。
// 数据库文件被替换（离线更新 mmdb）时自动重新加载。
type GeoIPService struct {
	logger *zap.Logger
	path   string

	mu      sync.RWMutex
	reader  *geoip2.Reader
	watcher *fsnotify.Watcher
}

func NewGeoIPService(logger *zap.Logger, path string) *GeoIPService {
	return &GeoIPService{logger: logger, path: path}
}

// Start 加载数据库并监听文件变更，path 为空时整个服务保持停用
func (s *GeoIPService) Start() error {
	if s.path == "" {
		return nil
	}
	reader, err := geoip2.Open(s.path)
	if err != nil {
		return fmt.Errorf("打开 GeoIP 数据库失败: %w", err)
	}
	s.mu.Lock()
	s.reader = reader
	s.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("创建文件监听失败，GeoIP 数据库更新后需要重启生效", zap.Error(err))
		return nil
	}
	// 监听目录而不是文件本身，原子替换（rename覆盖）时文件级监听会失效
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		s.logger.Warn("监听 GeoIP 数据库目录失败", zap.Error(err))
		_ = watcher.Close()
		return nil
	}
	s.watcher = watcher
	go s.watchLoop()
	return nil
}

func (s *GeoIPService) watchLoop() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Name != s.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			s.reload()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("GeoIP 文件监听出错", zap.Error(err))
		}
	}
}

func (s *GeoIPService) reload() {
	reader, err := geoip2.Open(s.path)
	if err != nil {
		s.logger.Warn("重新加载 GeoIP 数据库失败，继续使用旧数据", zap.Error(err))
		return
	}
	s.mu.Lock()
	old := s.reader
	s.reader = reader
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	s.logger.Info("GeoIP 数据库已重新加载", zap.String("path", s.path))
}

// Lookup 解析IP的地理位置，未启用或解析失败时返回空串
func (s *GeoIPService) Lookup(ip string) string {
	s.mu.RLock()
	reader := s.reader
	s.mu.RUnlock()
	if reader == nil {
		return ""
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	record, err := reader.City(parsed)
	if err != nil {
		return ""
	}

	country := record.Country.Names["zh-CN"]
	if country == "" {
		country = record.Country.Names["en"]
	}
	city := record.City.Names["zh-CN"]
	if city == "" {
		city = record.City.Names["en"]
	}

	switch {
	case country != "" && city != "":
		return strings.TrimSpace(country + " " + city)
	case country != "":
		return country
	default:
		return ""
	}
}

func (s *GeoIPService) Close() {
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader != nil {
		_ = s.reader.Close()
		s.reader = nil
	}
}
