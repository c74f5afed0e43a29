package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"AP2-Orchestrator/internal/api"
	"AP2-Orchestrator/internal/app"
	"AP2-Orchestrator/internal/auth"
	"AP2-Orchestrator/internal/checkout"
	"AP2-Orchestrator/internal/config"
	"AP2-Orchestrator/internal/observability/metrics"
	"AP2-Orchestrator/internal/orders"
	"AP2-Orchestrator/pkg/logger"
)

// main 是 AP2 守护进程的入口。
func main() {
	configPath := flag.String("config", "", "配置文件路径，默认读取 AP2_CONFIG 或 configs/ap2.yaml")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("ap2d 运行失败: %v", err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}
	if err := app.InitLogger(cfg); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("ap2d")

	collector := metrics.Default
	orch, reg, err := app.NewOrchestrator(cfg, app.OrchestratorOptions{Observer: collector})
	if err != nil {
		return err
	}
	log.Info("对手方注册表已加载", "agents", reg.IDs())

	store, err := app.OpenSessionStore(cfg.Checkout.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("关闭会话存储失败", "error", err)
		}
	}()

	queue, err := app.OpenQueue(cfg.Checkout.Queue)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Warn("关闭结账队列失败", "error", err)
		}
	}()

	orderStore, err := app.OpenOrders(ctx, cfg.Orders)
	if err != nil {
		return err
	}
	defer orderStore.Close()

	dispatcher, err := app.NewDispatcher(cfg.Events)
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	svc := checkout.NewService(store, queue,
		checkout.WithMaxAttempts(cfg.Checkout.MaxAttempts),
		checkout.WithAuditBook(checkout.NewAuditBook(cfg.Checkout.AuditRetention)),
	)
	processor := checkout.NewProcessor(orch, svc, queue,
		checkout.WithWorkerCount(cfg.Checkout.Workers),
		checkout.WithRecorder(orders.NewRecorder(orderStore)),
		checkout.WithDispatcher(dispatcher),
		checkout.WithMetrics(collector),
		checkout.WithAuditMirror(cfg.Logging.Audit.Enabled),
	)

	report, err := svc.Recover(ctx)
	if err != nil {
		return err
	}
	if len(report.Requeued)+len(report.Interrupted)+report.StaleInFlight > 0 {
		log.Warn("已恢复上次运行遗留的结账会话", "requeued", len(report.Requeued),
			"interrupted", report.Interrupted, "stale_in_flight", report.StaleInFlight)
	}

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("结账处理器异常退出", "error", err)
		}
	}()
	log.Info("结账处理器已启动",
		"workers", cfg.Checkout.Workers,
		"queue", cfg.Checkout.Queue.Driver,
		"store", cfg.Checkout.Store.Driver,
		"orders", cfg.Orders.Driver,
		"events", dispatcher.Channels())

	authSvc, err := auth.NewService(cfg.AuthService())
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Server.Address, svc,
		api.WithAuth(authSvc),
		api.WithRateLimit(cfg.Server.RateLimit.RPS, cfg.Server.RateLimit.Burst),
		api.WithOrders(orderStore),
		api.WithMetrics(collector),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
	)
	log.Info("API 服务监听中", "address", cfg.Server.Address, "auth", authSvc.Mode())
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
