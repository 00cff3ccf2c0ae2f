package config

// AppConfig 应用配置，对应配置文件的 app: 子树
type AppConfig struct {
	JWT             JWTConfig              `mapstructure:"jwt"`
	Metrics         MetricsConfig          `mapstructure:"metrics"`
	VictoriaMetrics *VictoriaMetricsConfig `mapstructure:"victoriaMetrics"`
	Timescale       *TimescaleConfig       `mapstructure:"timescale"`
	Gateway         GatewayConfig          `mapstructure:"gateway"`
	GeoIP           GeoIPConfig            `mapstructure:"geoip"`
	Audit           AuditConfig            `mapstructure:"audit"`
}

// JWTConfig 登录令牌配置
type JWTConfig struct {
	Secret       string `mapstructure:"secret"`       // 签名密钥，缺省时启动随机生成
	ExpiresHours int    `mapstructure:"expiresHours"` // 令牌有效期（小时）
}

// MetricsConfig 指标存储配置
type MetricsConfig struct {
	Backend       string `mapstructure:"backend"`       // memory | victoria | timescale
	CacheSize     int    `mapstructure:"cacheSize"`     // 每探针内存环形缓冲容量（点数），默认600（约1Hz下10分钟）
	RetentionDays int    `mapstructure:"retentionDays"` // 原始数据保留天数，默认30
	SpoolPath     string `mapstructure:"spoolPath"`     // 降级模式磁盘暂存文件路径，空则禁用暂存
}

// VictoriaMetricsConfig VictoriaMetrics 后端配置
type VictoriaMetricsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	URL          string `mapstructure:"url"`
	WriteTimeout int    `mapstructure:"writeTimeout"` // 秒
	QueryTimeout int    `mapstructure:"queryTimeout"` // 秒
}

// TimescaleConfig 关系型时序后端配置（PostgreSQL/TimescaleDB）
type TimescaleConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

// GatewayConfig 探针网关配置
type GatewayConfig struct {
	HeartbeatTimeout int    `mapstructure:"heartbeatTimeout"` // 心跳超时（秒），默认90
	CommandTimeout   int    `mapstructure:"commandTimeout"`   // 指令应答超时（秒），默认30
	GRPCAddr         string `mapstructure:"grpcAddr"`         // gRPC 流式传输监听地址，空则不启用
}

// GeoIPConfig GeoIP 数据库配置
type GeoIPConfig struct {
	DatabasePath string `mapstructure:"databasePath"` // GeoLite2-City.mmdb 路径，空则不启用
}

// AuditConfig 审计日志配置
type AuditConfig struct {
	RetentionDays int    `mapstructure:"retentionDays"` // 审计记录保留天数，默认90
	LogFile       string `mapstructure:"logFile"`       // 额外的滚动审计日志文件，空则只写数据库
}

// Normalize 填充缺省值
func (c *AppConfig) Normalize() {
	if c.JWT.ExpiresHours == 0 {
		c.JWT.ExpiresHours = 168 // 7天
	}
	if c.Metrics.Backend == "" {
		c.Metrics.Backend = "memory"
	}
	if c.Metrics.CacheSize <= 0 {
		c.Metrics.CacheSize = 600
	}
	if c.Metrics.RetentionDays <= 0 {
		c.Metrics.RetentionDays = 30
	}
	if c.Gateway.HeartbeatTimeout <= 0 {
		c.Gateway.HeartbeatTimeout = 90
	}
	if c.Gateway.CommandTimeout <= 0 {
		c.Gateway.CommandTimeout = 30
	}
	if c.Audit.RetentionDays <= 0 {
		c.Audit.RetentionDays = 90
	}
}
