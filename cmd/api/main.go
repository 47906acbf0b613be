package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/config"
	"github.com/zhouzirui/z-chat/backend/internal/handler"
	"github.com/zhouzirui/z-chat/backend/internal/handler/realtime"
	"github.com/zhouzirui/z-chat/backend/internal/hub"
	"github.com/zhouzirui/z-chat/backend/internal/service/auth"
	"github.com/zhouzirui/z-chat/backend/internal/service/call"
	"github.com/zhouzirui/z-chat/backend/internal/service/chat"
	"github.com/zhouzirui/z-chat/backend/internal/service/friend"
	"github.com/zhouzirui/z-chat/backend/internal/service/group"
	"github.com/zhouzirui/z-chat/backend/internal/service/presence"
	"github.com/zhouzirui/z-chat/backend/internal/service/storage"
	"github.com/zhouzirui/z-chat/backend/internal/store"
	"github.com/zhouzirui/z-chat/backend/pkg/logger"
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

	zl, err := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		Console:    true,
	})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()
	zap.ReplaceGlobals(zl)

	if err := run(ctx, cfg, zl); err != nil {
		zl.Fatal("server error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, zl *zap.Logger) error {
	db, err := store.Open(store.Config{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN}, zl.Named("store"))
	if err != nil {
		return err
	}
	defer db.Close()

	h := hub.New(cfg.Server.NodeID, cfg.Realtime.SendBuffer, zl.Named("hub"))
	defer h.Shutdown()

	// 配置 Redis 时，在线状态与跨节点投递共享；否则只在本进程内维护
	var (
		registry presence.Registry
		tracker  presence.NodeTracker
	)
	if cfg.Redis.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		if err := client.Ping(ctx).Err(); err != nil {
			return err
		}

		bridge := hub.NewRedisBridge(client, h, zl.Named("bridge"))
		if err := bridge.Start(ctx); err != nil {
			return err
		}
		defer bridge.Close()

		redisRegistry := presence.NewRedisRegistry(client, cfg.Realtime.NodeTTL)
		registry, tracker = redisRegistry, redisRegistry
		zl.Info("redis presence enabled", zap.String("addr", cfg.Redis.Addr), zap.String("node", cfg.Server.NodeID))
	} else {
		registry = presence.NewMemoryRegistry()
		zl.Info("redis not configured, presence kept in memory", zap.String("node", cfg.Server.NodeID))
	}

	fanout := hub.NewFanout(registry, h, zl.Named("fanout"))

	uploader, err := storage.NewLocalUploader(storage.Config{
		Dir:          cfg.Upload.Dir,
		BaseURL:      cfg.Upload.BaseURL,
		MaxBytes:     cfg.Upload.MaxBytes,
		AllowedTypes: cfg.Upload.AllowedTypes,
	}, zl.Named("storage"))
	if err != nil {
		return err
	}

	friendGraph := friend.New(db.Friends, db.Users, fanout, zl.Named("friend"))
	presenceService := presence.NewService(registry, db.Users, friendGraph, presence.NewBroadcaster(fanout, zl.Named("presence")), zl.Named("presence"))
	chatRouter := chat.NewRouter(chat.Deps{
		Messages:      db.Messages,
		Users:         db.Users,
		Groups:        db.Groups,
		Relationships: friendGraph,
		Uploader:      uploader,
		Notifier:      fanout,
	}, chat.SearchConfig{
		CaseSensitive: cfg.Search.CaseSensitive,
		DirectEnabled: cfg.Search.DirectEnabled,
	}, zl.Named("chat"))

	authService := auth.NewService(db.Users, db.Tokens, auth.Config{
		Secret: cfg.Auth.Secret,
		Issuer: cfg.Auth.Issuer,
		TTL:    cfg.Auth.TokenTTL,
	}, zl.Named("auth"))
	wsHandler := realtime.NewWebSocketHandler(h, presenceService, call.NewRelay(fanout, zl.Named("call")), chatRouter, authService,
		realtime.Options{RequireToken: cfg.Auth.RequireWSToken}, zl.Named("ws"))

	router := handler.NewRouter(handler.Services{
		Auth:     authService,
		Chat:     chatRouter,
		Friends:  friendGraph,
		Groups:   group.NewService(db.Groups, db.Users, zl.Named("group")),
		Users:    db.Users,
		Realtime: wsHandler,
		Ping:     db.Ping,
	}, handler.Options{
		UploadDir:     uploader.Dir(),
		UploadBaseURL: cfg.Upload.BaseURL,
	}, zl)

	// 心跳在监听前先写一次，其余节点才不会把本节点的新连接当作过期
	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	monitorDone := make(chan struct{})
	if tracker != nil {
		monitor := presence.NewMonitor(tracker, presenceService, cfg.Server.NodeID, cfg.Realtime.NodeTTL, zl.Named("presence"))
		if err := monitor.Tick(monitorCtx); err != nil {
			return err
		}
		go func() {
			defer close(monitorDone)
			monitor.Run(monitorCtx)
		}()
	} else {
		close(monitorDone)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 先关闭实时端点，让 WebSocket 连接在 HTTP 关闭前收到断开通知
	srv.RegisterOnShutdown(h.Shutdown)

	zl.Info("Z Chat backend listening", zap.String("addr", cfg.Server.Addr), zap.String("node", cfg.Server.NodeID))
	serveErr := runServer(ctx, srv)

	// 连接的离线处理要用到 Redis 与数据库，必须在延迟关闭它们之前完成
	h.Shutdown()
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Realtime.DrainTimeout)
	defer cancel()
	if err := wsHandler.Drain(drainCtx); err != nil {
		zl.Warn("websocket drain incomplete", zap.Error(err))
	}
	stopMonitor()
	<-monitorDone

	return serveErr
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
