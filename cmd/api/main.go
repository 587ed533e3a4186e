package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/gyb-chat/backend/internal/config"
	"github.com/zhouzirui/gyb-chat/backend/internal/handler"
	"github.com/zhouzirui/gyb-chat/backend/internal/handler/completion"
	"github.com/zhouzirui/gyb-chat/backend/internal/model/agent"
	"github.com/zhouzirui/gyb-chat/backend/internal/service/ai"
	"github.com/zhouzirui/gyb-chat/backend/internal/service/gateway"
	"github.com/zhouzirui/gyb-chat/backend/internal/service/session"
	"github.com/zhouzirui/gyb-chat/backend/internal/store"
	"github.com/zhouzirui/gyb-chat/backend/internal/store/memory"
	"github.com/zhouzirui/gyb-chat/backend/internal/store/remote"
	"github.com/zhouzirui/gyb-chat/backend/internal/store/sqlstore"
	"github.com/zhouzirui/gyb-chat/backend/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, closeLog, err := telemetry.InitLogger(cfg.Log)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer closeLog()

	shutdownTelemetry, err := telemetry.InitTelemetry(ctx, cfg.Telemetry, cfg.Log.Dir)
	if err != nil {
		logger.Warn("telemetry disabled", "error", err)
		shutdownTelemetry = func() {}
	}
	defer shutdownTelemetry()

	docs, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("failed to open document store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer docs.Close()
	logger.Info("document store ready", "driver", cfg.Store.Driver)

	agents := agent.NewMemoryStore(agent.Seed())

	// 服务端补全引擎；未配置 Ark 时 /api/chat 返回 env_missing
	var engine completion.Engine
	if cfg.AI.Enabled() {
		aiService, err := ai.NewService(ctx, agents, cfg.AI, cfg.Gateway.HistoryLimit, logger)
		if err != nil {
			logger.Warn("failed to initialize AI service, continuing without completions", "error", err)
		} else {
			engine = aiService
			logger.Info("AI service initialized successfully", "model", cfg.AI.Model)
		}
	} else {
		logger.Info("Ark 凭证未配置，跳过 AI 功能初始化")
	}

	gatewayCfg := cfg.Gateway
	if gatewayCfg.BaseURL == "" && engine != nil {
		gatewayCfg.BaseURL = selfURL(cfg.Server.Addr)
		logger.Info("gateway base url not set, using this process", "base_url", gatewayCfg.BaseURL)
	}
	client := gateway.New(gatewayCfg, agents, gateway.WithLogger(logger))

	sessions := session.NewManager(docs, client, agents, cfg.Session, logger)
	defer sessions.CloseAll()

	deps := handler.Deps{
		Agents:         agents,
		Sessions:       sessions,
		Engine:         engine,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	}
	if cfg.Store.Driver != config.StoreRemote {
		deps.Docs = docs
	}

	startServer(ctx, cfg.Server, handler.NewRouter(deps), logger)
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case config.StoreMemory:
		return memory.New(), nil
	case config.StoreSQLite, config.StorePostgres:
		return sqlstore.Open(ctx, cfg.Driver, cfg.DSN, logger)
	case config.StoreRemote:
		return remote.Dial(ctx, cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

// selfURL 把监听地址转换成本机可访问的 URL
func selfURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://127.0.0.1" + addr
	}
	return "http://" + addr
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, logger *slog.Logger) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("GYB chat backend listening", "addr", addr)
	if err := runServer(ctx, srv); err != nil {
		logger.Error("server error", "error", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
