package checkout

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"AP2-Orchestrator/internal/audit"
	xerrors "AP2-Orchestrator/internal/errors"
	"AP2-Orchestrator/internal/orchestrator"
	"AP2-Orchestrator/pkg/logger"
)

// DefaultMaxAttempts 表示会话默认只执行一次。
const DefaultMaxAttempts = 1

// SubmitRequest 描述一次结账提交。
type SubmitRequest struct {
	// ID 可选，重复提交同一 ID 返回已有会话。
	ID           string                       `json:"id,omitempty"`
	Items        []orchestrator.LineSelection `json:"items"`
	UserIdentity string                       `json:"user_identity,omitempty"`
	PaymentAlias string                       `json:"payment_alias,omitempty"`
}

// Service 负责会话的创建、查询与挑战应答。
type Service struct {
	store       Store
	producer    Producer
	hub         *PromptHub
	audits      *AuditBook
	maxAttempts int
}

// ServiceOption 定义 Service 的可选配置。
type ServiceOption func(*Service)

// WithMaxAttempts 设置会话最大执行次数。
func WithMaxAttempts(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithPromptHub 指定与处理器共享的 PromptHub。
func WithPromptHub(h *PromptHub) ServiceOption {
	return func(s *Service) {
		if h != nil {
			s.hub = h
		}
	}
}

// WithAuditBook 指定与处理器共享的 AuditBook。
func WithAuditBook(b *AuditBook) ServiceOption {
	return func(s *Service) {
		if b != nil {
			s.audits = b
		}
	}
}

// NewService 构造会话服务。
func NewService(store Store, producer Producer, opts ...ServiceOption) *Service {
	s := &Service{
		store:       store,
		producer:    producer,
		hub:         NewPromptHub(),
		audits:      NewAuditBook(0),
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Hub 返回服务使用的 PromptHub。
func (s *Service) Hub() *PromptHub { return s.hub }

// Audits 返回服务使用的 AuditBook。
func (s *Service) Audits() *AuditBook { return s.audits }

func validateItems(items []orchestrator.LineSelection) error {
	if len(items) == 0 {
		return xerrors.New(CodeSessionValidation, "No items selected")
	}
	var problems []string
	for i, item := range items {
		if strings.TrimSpace(item.Name) == "" {
			problems = append(problems, fmt.Sprintf("items[%d]: name is required", i))
		}
		if item.Quantity <= 0 {
			problems = append(problems, fmt.Sprintf("items[%d]: quantity must be positive", i))
		}
	}
	if len(problems) > 0 {
		return xerrors.New(CodeSessionValidation, "Invalid item selection", xerrors.WithProblems(problems...))
	}
	return nil
}

// Submit 创建会话并推送到队列。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Session, error) {
	if err := validateItems(req.Items); err != nil {
		return nil, err
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "结账服务未初始化")
	}

	id := strings.TrimSpace(req.ID)
	if id != "" {
		existing, err := s.store.Get(ctx, id)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
	} else {
		id = uuid.NewString()
	}

	user := strings.TrimSpace(req.UserIdentity)
	if user == "" {
		user = orchestrator.DefaultUserIdentity
	}
	alias := strings.TrimSpace(req.PaymentAlias)
	if alias == "" {
		alias = orchestrator.DefaultPaymentAlias
	}
	session := &Session{
		ID:           id,
		Items:        req.Items,
		UserIdentity: user,
		PaymentAlias: alias,
		Status:       StatusPending,
		MaxAttempts:  s.maxAttempts,
	}
	if err := s.store.Create(ctx, session); err != nil {
		if stdErrors.Is(err, ErrSessionConflict) {
			if existing, getErr := s.store.Get(ctx, id); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, id); err != nil {
		logger.L().Error("会话入队失败", slog.Any("error", err), slog.String("session_id", id))
		wrapped := xerrors.Wrap(CodeSessionPublish, err, "发布会话到队列失败")
		_ = s.store.MarkFailed(ctx, id, CodeSessionPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("结账会话入队成功",
		slog.String("session_id", id),
		slog.String("user_identity", user),
		slog.Int("items", len(req.Items)),
		slog.Int("max_attempts", session.MaxAttempts),
	)
	return session, nil
}

// Get 返回会话状态。
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "会话存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的会话列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Session, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "会话存储未初始化")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的会话统计。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "会话存储未初始化")
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

func (s *Service) pendingPrompter(ctx context.Context, id string) (*orchestrator.ChannelPrompter, error) {
	session, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status != StatusAwaitingOTP {
		return nil, ErrNoChallenge
	}
	p, ok := s.hub.Lookup(id)
	if !ok {
		return nil, ErrNoChallenge
	}
	return p, nil
}

// AnswerChallenge 将验证码交给等待中的会话。
func (s *Service) AnswerChallenge(ctx context.Context, id, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return xerrors.New(CodeSessionValidation, "OTP code is required")
	}
	p, err := s.pendingPrompter(ctx, id)
	if err != nil {
		return err
	}
	if !p.Answer(code) {
		return ErrSessionConflict
	}
	logger.Audit().Info("验证码已提交", slog.String("session_id", id))
	return nil
}

// DeclineChallenge 拒绝等待中的挑战，会话将以用户取消结束。
func (s *Service) DeclineChallenge(ctx context.Context, id string) error {
	p, err := s.pendingPrompter(ctx, id)
	if err != nil {
		return err
	}
	if !p.Decline() {
		return ErrSessionConflict
	}
	logger.Audit().Info("验证码挑战被拒绝", slog.String("session_id", id))
	return nil
}

// AuditLog 返回会话的协议审计日志。日志仅保存在执行该会话的进程内。
func (s *Service) AuditLog(ctx context.Context, id string) ([]audit.Entry, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	log, ok := s.audits.Get(id)
	if !ok {
		return []audit.Entry{}, nil
	}
	return log.Entries(), nil
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 轮询会话直到进入终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Session, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		session, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if session.Status.Terminal() {
			return session, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
