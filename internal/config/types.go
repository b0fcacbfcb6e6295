// Package config 统一配置管理
//
// 配置加载优先级（高→低）：
//  1. 环境变量（通过 .env 文件或 shell/systemd 注入）
//  2. YAML 配置文件（common.yaml 被 {env}.yaml 覆盖）
//  3. 代码硬编码默认值
//
// 凭据单一数据源：
//
//	密码/密钥只存在 .env 文件或进程环境中（YAML 中不存储任何密码）。
//	.env 文件同时被 Docker Compose（--env-file）、Go 应用（godotenv）、
//	systemd（EnvironmentFile=）共用，确保单一数据源。
//
// 配置路径确定策略：
//  1. --config 命令行参数（显式路径）
//  2. CONFIG_DIR 环境变量
//  3. 按 APP_ENV 选择默认路径：
//     - prod → /etc/studio-orchestrator/
//     - dev/test → ./configs/
//
// 环境：
//   - 开发: APP_ENV=dev → configs/dev.yaml + .env.dev
//   - 测试: APP_ENV=test → configs/test.yaml + .env.test
//   - 生产: APP_ENV=prod → /etc/studio-orchestrator/prod.yaml
package config

import "time"

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test" // 测试环境（集成测试 + E2E 共用）
	EnvDevelopment Environment = "dev"
)

// InsecureDefaultToken API_TOKEN 未设置时的回退令牌。
// 使用该令牌启动时必须在日志中发出不安全警告。
const InsecureDefaultToken = "studio-dev-token"

// YAMLConfig 统一 YAML 配置文件结构
type YAMLConfig struct {
	Server    ServerConfig    `yaml:"server"`     // HTTP 服务
	Database  DatabaseConfig  `yaml:"database"`   // 数据库
	Redis     RedisConfig     `yaml:"redis"`      // Redis 事件镜像（可选）
	MinIO     MinIOConfig     `yaml:"minio"`      // MinIO 产物归档（可选）
	Storage   StorageConfig   `yaml:"storage"`    // 本地产物与事件日志目录
	Pipeline  PipelineConfig  `yaml:"pipeline"`   // 流水线与门禁策略
	RateLimit RateLimitConfig `yaml:"rate_limit"` // 限流
	TLS       TLSConfig       `yaml:"tls"`        // TLS（可选）
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Port string `yaml:"port"` // 监听端口
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" or "postgres"（默认 sqlite）
	Path     string `yaml:"path"`   // SQLite 文件路径
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"` // 只从 DB_PASSWORD 环境变量读取
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"-"`      // 只从 REDIS_PASSWORD 环境变量读取
	URL      string `yaml:"url"`    // 直接指定 URL（优先于 host/port/db）
	Stream   string `yaml:"stream"` // 事件镜像的 Stream 键名
}

// MinIOConfig MinIO 对象存储配置
type MinIOConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"` // 例如 localhost:9000
	AccessKey string `yaml:"-"`        // 只从 MINIO_ROOT_USER 环境变量读取
	SecretKey string `yaml:"-"`        // 只从 MINIO_ROOT_PASSWORD 环境变量读取
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"` // 归档 bucket 名称
}

// StorageConfig 本地存储配置
type StorageConfig struct {
	DataDir string `yaml:"data_dir"` // 产物与事件日志根目录
}

// PipelineConfig 流水线配置
type PipelineConfig struct {
	Executor          string        `yaml:"executor"`           // "sim" or "command"
	StageCommand      string        `yaml:"stage_command"`      // command 执行器调用的可执行文件
	StageTimeout      time.Duration `yaml:"stage_timeout"`      // 单阶段执行超时
	WatchdogInterval  time.Duration `yaml:"watchdog_interval"`  // 门禁超时巡检间隔
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // 事件流心跳间隔
	Gates             []GateRule    `yaml:"gates"`              // 默认门禁策略（可被创建请求覆盖）
}

// GateRule 单个阶段的默认门禁策略
type GateRule struct {
	Stage            string        `yaml:"stage"`
	Required         bool          `yaml:"required"`
	AutoApproveAfter time.Duration `yaml:"auto_approve_after"` // 0 表示不自动批准
}

// RateLimitConfig 滑动窗口限流配置
type RateLimitConfig struct {
	JobsPerMinute     int `yaml:"jobs_per_minute"`     // 单客户端每分钟作业创建数
	RequestsPerMinute int `yaml:"requests_per_minute"` // 单客户端每分钟总请求数
}

// TLSConfig TLS/HTTPS 配置
type TLSConfig struct {
	Enabled      bool   `yaml:"enabled"`
	CertFile     string `yaml:"cert_file"`     // 服务端证书
	KeyFile      string `yaml:"key_file"`      // 服务端私钥
	CertDir      string `yaml:"cert_dir"`      // 证书目录（auto_generate 时使用）
	AutoGenerate bool   `yaml:"auto_generate"` // 启用时若证书不存在则自动生成自签名证书
	Hosts        string `yaml:"hosts"`         // 证书 SANs（逗号分隔的 IP/域名，自动包含 localhost）
}

// AuthConfig 认证配置
// 注意：APIToken 只从环境变量读取，不存储在 YAML 中
type AuthConfig struct {
	APIToken string `yaml:"-"` // 只从 API_TOKEN 环境变量读取
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env            Environment
	APIPort        string
	DatabaseDriver string // "sqlite" or "postgres"
	DatabaseURL    string
	Redis          RedisConfig
	RedisURL       string
	MinIO          MinIOConfig
	DataDir        string
	Pipeline       PipelineConfig
	RateLimit      RateLimitConfig
	TLS            TLSConfig
	Auth           AuthConfig
	ConfigFilePath string // 实际加载的配置文件路径
}

// yamlConfigInternal 内部包装，记录配置文件来源（不参与 YAML 序列化）
type yamlConfigInternal struct {
	YAMLConfig `yaml:",inline"`
	loadedFrom string
}
