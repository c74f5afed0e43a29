package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"AP2-Orchestrator/internal/app"
	"AP2-Orchestrator/internal/config"
	"AP2-Orchestrator/internal/signing"
	"AP2-Orchestrator/internal/simulator"
	"AP2-Orchestrator/pkg/logger"
)

// main 启动参考商户、凭证提供方与支付处理方服务。
func main() {
	configPath := flag.String("config", "", "配置文件路径，默认读取 AP2_CONFIG 或 configs/ap2.yaml")
	addr := flag.String("addr", "", "监听地址，覆盖 simulator.address")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *addr); err != nil {
		log.Fatalf("ap2sim 运行失败: %v", err)
	}
}

func run(ctx context.Context, configPath, addr string) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}
	if err := app.InitLogger(cfg); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("ap2sim")

	sc := cfg.Simulator
	if addr = strings.TrimSpace(addr); addr != "" {
		sc.Address = addr
	}

	opts := []simulator.Option{
		simulator.WithOTPCode(sc.OTPCode),
		simulator.WithPublicURL(sc.PublicURL),
	}
	if len(sc.AllowedAgents) > 0 {
		opts = append(opts, simulator.WithAllowedAgents(sc.AllowedAgents))
	}

	switch sc.OTPStore {
	case "redis":
		store, err := simulator.NewRedisOTPStore(simulator.RedisOTPConfig{
			Address:  sc.Redis.Address,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			Prefix:   sc.Redis.Key,
			TTL:      sc.OTPTTL,
		})
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, simulator.WithOTPStore(store))
	default:
		opts = append(opts, simulator.WithOTPStore(simulator.NewMemoryOTPStore(sc.OTPTTL)))
	}

	if key := strings.TrimSpace(sc.SigningKey); key != "" {
		priv, err := signing.LoadPrivateKey(key)
		if err != nil {
			return err
		}
		signer := signing.NewECDSASigner(priv)
		opts = append(opts, simulator.WithMerchantSigner(signer))
		log.Info("商户签名已启用", "public_key", signer.PublicKeyHex())
	}

	server := &http.Server{
		Addr:              sc.Address,
		Handler:           simulator.New(opts...).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	log.Info("参考服务监听中", "address", sc.Address, "otp_store", sc.OTPStore)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
