// Package main API Server 入口
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"studio-orchestrator/internal/apiserver/auth"
	"studio-orchestrator/internal/apiserver/server"
	"studio-orchestrator/internal/artifactstore"
	"studio-orchestrator/internal/config"
	"studio-orchestrator/internal/eventbus"
	eventbusredis "studio-orchestrator/internal/eventbus/redis"
	"studio-orchestrator/internal/eventlog"
	"studio-orchestrator/internal/model"
	"studio-orchestrator/internal/objstore"
	"studio-orchestrator/internal/orchestrator"
	"studio-orchestrator/internal/storage"
	"studio-orchestrator/internal/storage/dbutil"
	"studio-orchestrator/internal/tlsutil"
	"studio-orchestrator/pkg/logging"
)

func main() {
	// 加载配置（自动加载 .env，根据 APP_ENV 切换 YAML）
	cfg := config.Load()

	log.Printf("Starting API Server... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())
	if cfg.InsecureToken() {
		log.Printf("WARNING: API_TOKEN not set, using insecure default token; do not expose this instance")
	}

	// 初始化持久层（默认 SQLite 单文件，可切 PostgreSQL）
	store, err := storage.NewPersistentStoreFromDSN(dbutil.DriverType(cfg.DatabaseDriver), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()
	log.Printf("Connected to %s store", cfg.DatabaseDriver)

	// 产物收纳与事件分发
	artifacts := artifactstore.NewManager(cfg.DataDir)
	streams := eventlog.NewStreamManager(cfg.Pipeline.HeartbeatInterval, logging.Default("eventlog"))
	defer streams.Close()

	// Redis 事件镜像（可选，未启用时用空操作实现）
	var mirror eventbus.Publisher = eventbus.NewNoOpPublisher()
	if cfg.Redis.Enabled {
		mirror, err = eventbusredis.NewStoreFromURL(cfg.RedisURL, cfg.Redis.Stream)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		log.Println("Connected to Redis event mirror")
	}
	defer mirror.Close()

	// MinIO 产物归档（可选，删除作业前上传产物树）
	var archive orchestrator.Archiver
	if cfg.MinIO.Enabled {
		client, err := objstore.NewClient(cfg.MinIO)
		if err != nil {
			log.Fatalf("Failed to connect to MinIO: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := client.EnsureBucket(ctx); err != nil {
			cancel()
			log.Fatalf("Failed to ensure MinIO bucket: %v", err)
		}
		cancel()
		archive = client
		log.Println("Connected to MinIO archive")
	}

	recorder := eventlog.NewRecorder(cfg.DataDir, store, streams, mirror, logging.Default("eventlog"))

	// 指标先于编排器创建：编排器的指标回调挂在同一个实例上
	metrics := server.NewMetrics("studio")

	orch := orchestrator.New(orchestrator.Config{
		Store:        store,
		Recorder:     recorder,
		Artifacts:    artifacts,
		Executor:     buildExecutor(cfg.Pipeline),
		GatePolicy:   buildGatePolicy(cfg.Pipeline.Gates),
		StageTimeout: cfg.Pipeline.StageTimeout,
		Mirror:       mirror,
		Archive:      archive,
		Metrics:      metrics,
		Logger:       logging.Default("orchestrator"),
	})

	// 后台任务：门禁超时巡检 + 作业状态指标刷新
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchdog := orchestrator.NewWatchdog(store, orch, cfg.Pipeline.WatchdogInterval, nil)
	go watchdog.Run(ctx)

	// 上一个进程崩溃时停在 running 的作业需要重新派发
	if n, err := orch.Recover(ctx); err != nil {
		log.Printf("Job recovery failed: %v", err)
	} else if n > 0 {
		log.Printf("Re-dispatched %d interrupted job(s)", n)
	}

	limiter := auth.NewRateLimiter(cfg.RateLimit.JobsPerMinute, cfg.RateLimit.RequestsPerMinute, logging.Default("ratelimit"))
	h := server.NewHandler(store, orch, streams, limiter, auth.Config{Token: cfg.Auth.APIToken}, logging.Default("apiserver"))
	go h.RunJobGaugeLoop(ctx, 15*time.Second)

	srv := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      h.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // 事件流接口长连接，不限写超时
		IdleTimeout:  60 * time.Second,
	}

	// 优雅关闭：先停 HTTP，再等在跑的阶段收尾
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		if err := orch.Shutdown(shutdownCtx); err != nil {
			log.Printf("Orchestrator shutdown error: %v", err)
		}
		cancel()
	}()

	if err := serveHTTP(srv, cfg.TLS); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	fmt.Println("Server stopped")
}

// serveHTTP 按 TLS 配置启动监听
func serveHTTP(srv *http.Server, tlsCfg config.TLSConfig) error {
	if !tlsCfg.Enabled {
		log.Printf("API Server listening on %s", srv.Addr)
		return srv.ListenAndServe()
	}

	certFile, keyFile := tlsCfg.CertFile, tlsCfg.KeyFile
	if tlsCfg.AutoGenerate {
		opts := tlsutil.DefaultGenerateOptions()
		if tlsCfg.CertDir != "" {
			opts.CertDir = tlsCfg.CertDir
		}
		if tlsCfg.Hosts != "" {
			opts.Hosts = tlsCfg.Hosts
		}
		files, err := tlsutil.EnsureCerts(opts)
		if err != nil {
			return fmt.Errorf("ensure TLS certificates: %w", err)
		}
		certFile, keyFile = files.CertFile, files.KeyFile
	}

	log.Printf("API Server listening on %s (TLS)", srv.Addr)
	return srv.ListenAndServeTLS(certFile, keyFile)
}

// buildExecutor 按配置选择阶段执行器
func buildExecutor(p config.PipelineConfig) orchestrator.StageExecutor {
	if p.Executor == "command" {
		if p.StageCommand == "" {
			log.Fatalf("pipeline.executor is 'command' but pipeline.stage_command is empty")
		}
		return &orchestrator.CommandExecutor{Command: p.StageCommand}
	}
	return &orchestrator.SimExecutor{}
}

// buildGatePolicy 把 YAML 门禁规则转换为服务级默认策略
func buildGatePolicy(rules []config.GateRule) []model.GatePolicy {
	policies := make([]model.GatePolicy, 0, len(rules))
	for _, r := range rules {
		policies = append(policies, model.GatePolicy{
			Stage:      model.Stage(r.Stage),
			Required:   r.Required,
			TimeoutSec: int(r.AutoApproveAfter.Seconds()),
		})
	}
	return policies
}
