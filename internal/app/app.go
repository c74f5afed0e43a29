// Package app 根据配置装配二进制共用的运行时组件。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"AP2-Orchestrator/internal/a2a"
	"AP2-Orchestrator/internal/checkout"
	"AP2-Orchestrator/internal/config"
	"AP2-Orchestrator/internal/counterparty"
	xerrors "AP2-Orchestrator/internal/errors"
	"AP2-Orchestrator/internal/events"
	"AP2-Orchestrator/internal/mandate"
	"AP2-Orchestrator/internal/orchestrator"
	"AP2-Orchestrator/internal/orders"
	"AP2-Orchestrator/internal/registry"
	"AP2-Orchestrator/internal/signing"
	"AP2-Orchestrator/pkg/logger"
)

// InitLogger 按配置初始化全局日志。
func InitLogger(cfg *config.Config) error {
	return logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	})
}

// UserSigner 返回购物代理的签名器，未配置私钥时使用占位签名。
func UserSigner(cfg *config.Config) (mandate.Signer, error) {
	key := strings.TrimSpace(cfg.ShoppingAgent.SigningKey)
	if key == "" {
		return mandate.PlaceholderSigner{}, nil
	}
	priv, err := signing.LoadPrivateKey(key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "shopping_agent.signing_key 无效")
	}
	return signing.NewECDSASigner(priv), nil
}

// OrchestratorOptions 补充装配时的可选项。
type OrchestratorOptions struct {
	Observer orchestrator.CallObserver
	Logger   *slog.Logger
}

// NewOrchestrator 基于配置构建对手方客户端与编排器。
func NewOrchestrator(cfg *config.Config, extra OrchestratorOptions) (*orchestrator.Orchestrator, *registry.Registry, error) {
	reg := cfg.Registry()
	clientOpts := []counterparty.Option{
		counterparty.WithShoppingAgentID(cfg.ShoppingAgent.HeaderID),
		counterparty.WithTimeout(registry.MerchantAgent, cfg.Timeouts.Merchant),
		counterparty.WithTimeout(registry.CredentialsProvider, cfg.Timeouts.Credentials),
		counterparty.WithTimeout(registry.MerchantPaymentProcessor, cfg.Timeouts.Processor),
	}
	if cfg.ShoppingAgent.DiscoverAgentCards {
		clientOpts = append(clientOpts, counterparty.WithAgentCardPath(a2a.WellKnownAgentCardSuffix))
	}
	set, err := counterparty.NewSet(reg, clientOpts...)
	if err != nil {
		return nil, nil, err
	}

	signer, err := UserSigner(cfg)
	if err != nil {
		return nil, nil, err
	}
	builderOpts := []mandate.BuilderOption{mandate.WithUserSigner(signer)}
	if cfg.ShoppingAgent.Currency != "" {
		builderOpts = append(builderOpts, mandate.WithCurrency(cfg.ShoppingAgent.Currency))
	}

	opts := []orchestrator.Option{
		orchestrator.WithRegistry(reg),
		orchestrator.WithBuilder(mandate.NewBuilder(builderOpts...)),
		orchestrator.WithAgentID(cfg.ShoppingAgent.ID),
		orchestrator.WithOTPTimeout(cfg.Timeouts.OTP),
	}
	if cfg.ShoppingAgent.VerifyMerchantSignatures {
		opts = append(opts, orchestrator.WithVerifier(signing.Verifier{AllowPlaceholder: true}))
	}
	if extra.Observer != nil {
		opts = append(opts, orchestrator.WithCallObserver(extra.Observer))
	}
	if extra.Logger != nil {
		opts = append(opts, orchestrator.WithLogger(extra.Logger))
	}
	return orchestrator.New(set.Merchant, set.Credentials, set.Processor, opts...), reg, nil
}

// OpenSessionStore 按驱动打开结账会话存储。
func OpenSessionStore(cfg config.SessionStoreConfig) (checkout.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return checkout.NewMemoryStore(), nil
	case "mysql":
		store, err := checkout.NewMySQLStore(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, "未知的会话存储驱动: "+cfg.Driver)
	}
}

// OpenQueue 按驱动打开结账队列。
func OpenQueue(cfg config.QueueConfig) (checkout.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return checkout.NewMemoryQueue(cfg.Size), nil
	case "redis":
		q, err := checkout.NewRedisQueue(checkout.RedisQueueConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Queue:    cfg.Redis.Key,
		})
		if err != nil {
			return nil, err
		}
		return q, nil
	case "rabbitmq":
		q, err := checkout.NewRabbitMQQueue(checkout.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  cfg.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, err
		}
		return q, nil
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, "未知的队列驱动: "+cfg.Driver)
	}
}

// OpenOrders 按驱动打开订单存储。
func OpenOrders(ctx context.Context, cfg config.OrdersConfig) (orders.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		store, err := orders.NewMemoryStore(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		return store, nil
	case orders.DialectMySQL, orders.DialectPostgres:
		store, err := orders.OpenSQLStore(ctx, orders.Config{
			Driver:          cfg.Driver,
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, "未知的订单存储驱动: "+cfg.Driver)
	}
}

// Dispatcher 汇总事件通道及需要在退出时关闭的资源。
type Dispatcher struct {
	*events.FanoutDispatcher
	closers []io.Closer
}

// Close 关闭全部通道。
func (d *Dispatcher) Close() error {
	var errs []error
	for _, c := range d.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewDispatcher 根据配置启用日志、Kafka 与 Webhook 通道。
func NewDispatcher(cfg config.EventsConfig) (*Dispatcher, error) {
	d := &Dispatcher{}
	var notifiers []events.Notifier
	if cfg.Log {
		notifiers = append(notifiers, &events.LogNotifier{})
	}
	if len(cfg.Kafka.Brokers) > 0 {
		kafka, err := events.NewKafkaNotifier(events.KafkaConfig{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			ClientID: cfg.Kafka.ClientID,
		})
		if err != nil {
			return nil, fmt.Errorf("kafka 通道: %w", err)
		}
		notifiers = append(notifiers, kafka)
		d.closers = append(d.closers, kafka)
	}
	if cfg.Webhook.URL != "" {
		notifiers = append(notifiers, events.NewWebhookNotifier(cfg.Webhook.URL, cfg.Webhook.Timeout))
	}
	d.FanoutDispatcher = events.NewFanout(notifiers...)
	return d, nil
}
