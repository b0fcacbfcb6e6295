package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Load 加载配置
// 1. 加载 .env.{env}（敏感信息 + APP_ENV）
// 2. 根据 APP_ENV 加载 configs/common.yaml + configs/{env}.yaml
// 3. 环境变量覆盖敏感字段，构建最终配置
func Load() *Config {
	env := parseEnv(getEnv("APP_ENV", "dev"))
	loadEnvFiles(env)
	// .env 可能改写 APP_ENV，重新解析一次
	env = parseEnv(getEnv("APP_ENV", string(env)))

	yamlCfg := loadYAMLConfig(env)

	// 敏感信息只从环境变量读取
	yamlCfg.Database.Password = os.Getenv("DB_PASSWORD")
	yamlCfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	yamlCfg.MinIO.AccessKey = firstEnv("MINIO_ROOT_USER", "MINIO_ACCESS_KEY")
	yamlCfg.MinIO.SecretKey = firstEnv("MINIO_ROOT_PASSWORD", "MINIO_SECRET_KEY")

	databaseURL := getEnv("DATABASE_URL", buildDatabaseURL(yamlCfg.Database, yamlCfg.Database.Password))

	cfg := &Config{
		Env:            env,
		APIPort:        getEnv("PORT", yamlCfg.Server.Port),
		DatabaseDriver: detectDatabaseDriver(yamlCfg.Database.Driver, databaseURL),
		DatabaseURL:    databaseURL,
		Redis:          yamlCfg.Redis,
		RedisURL:       buildRedisURL(yamlCfg.Redis),
		MinIO:          yamlCfg.MinIO,
		DataDir:        getEnv("DATA_DIR", yamlCfg.Storage.DataDir),
		Pipeline:       yamlCfg.Pipeline,
		RateLimit:      yamlCfg.RateLimit,
		TLS:            yamlCfg.TLS,
		Auth:           AuthConfig{APIToken: getEnv("API_TOKEN", InsecureDefaultToken)},
		ConfigFilePath: yamlCfg.loadedFrom,
	}

	cfg.Pipeline.validate()
	cfg.RateLimit.validate()

	return cfg
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → common.yaml → {env}.yaml
func loadYAMLConfig(env Environment) *yamlConfigInternal {
	cfg := &yamlConfigInternal{YAMLConfig: defaultYAMLConfig()}

	// common.yaml（公共配置）
	for _, base := range effectiveConfigPaths() {
		path := filepath.Join(base, "common.yaml")
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, &cfg.YAMLConfig)
			break
		}
	}

	// {env}.yaml（环境特定配置，覆盖公共配置）
	filename := fmt.Sprintf("%s.yaml", env)
	for _, base := range effectiveConfigPaths() {
		path := filepath.Join(base, filename)
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, &cfg.YAMLConfig)
			cfg.loadedFrom = path
			break
		}
	}

	return cfg
}

// defaultYAMLConfig 硬编码默认值
func defaultYAMLConfig() YAMLConfig {
	return YAMLConfig{
		Server: ServerConfig{Port: "8080"},
		Database: DatabaseConfig{
			Driver: "sqlite", Path: "./data/studio.db",
			Host: "localhost", Port: 5432, User: "studio", Name: "studio_orchestrator", SSLMode: "disable",
		},
		Redis: RedisConfig{Host: "localhost", Port: 6379, DB: 0, Stream: "studio:events"},
		MinIO: MinIOConfig{Endpoint: "localhost:9000", Bucket: "studio-artifacts"},
		Storage: StorageConfig{
			DataDir: "./data",
		},
		Pipeline: PipelineConfig{
			Executor:          "sim",
			StageTimeout:      10 * time.Minute,
			WatchdogInterval:  20 * time.Second,
			HeartbeatInterval: 5 * time.Second,
			Gates: []GateRule{
				{Stage: "script", Required: true},
				{Stage: "assemble", Required: true},
			},
		},
		RateLimit: RateLimitConfig{JobsPerMinute: 10, RequestsPerMinute: 120},
	}
}

// validate 验证并填充流水线默认值
func (p *PipelineConfig) validate() {
	if p.Executor == "" {
		p.Executor = "sim"
	}
	if p.StageTimeout == 0 {
		p.StageTimeout = 10 * time.Minute
	}
	if p.WatchdogInterval == 0 {
		p.WatchdogInterval = 20 * time.Second
	}
	if p.HeartbeatInterval == 0 {
		p.HeartbeatInterval = 5 * time.Second
	}
}

// validate 验证并填充限流默认值
func (r *RateLimitConfig) validate() {
	if r.JobsPerMinute <= 0 {
		r.JobsPerMinute = 10
	}
	if r.RequestsPerMinute <= 0 {
		r.RequestsPerMinute = 120
	}
}
