package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"

	xerrors "AP2-Orchestrator/internal/errors"
	"AP2-Orchestrator/pkg/logger"
)

// Service 负责校验请求携带的 API Key。
type Service struct {
	mode  Mode
	keys  map[[sha256.Size]byte]*Subject
	audit *slog.Logger
}

// NewService 根据配置构建认证服务，mode 为空时视为关闭。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	s := &Service{mode: mode, keys: make(map[[sha256.Size]byte]*Subject), audit: logger.Audit()}
	switch mode {
	case ModeDisabled:
		return s, nil
	case ModeAPIKey:
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("unsupported auth mode: %s", cfg.Mode))
	}

	var problems []string
	for i, k := range cfg.Keys {
		key := strings.TrimSpace(k.Key)
		if key == "" {
			problems = append(problems, fmt.Sprintf("keys[%d] (%s) has an empty key", i, k.Name))
			continue
		}
		digest := sha256.Sum256([]byte(key))
		if _, dup := s.keys[digest]; dup {
			problems = append(problems, fmt.Sprintf("keys[%d] (%s) duplicates another key", i, k.Name))
			continue
		}
		subject := &Subject{Name: k.Name, Permissions: append([]string(nil), k.Permissions...), Disabled: k.Disabled}
		subject.normalise()
		s.keys[digest] = subject
	}
	if len(s.keys) == 0 && len(problems) == 0 {
		problems = append(problems, "api_key mode requires at least one key")
	}
	if len(problems) > 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "invalid auth configuration", xerrors.WithProblems(problems...))
	}
	return s, nil
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 解析 Authorization 头并返回对应的调用方。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return &Subject{Name: "anonymous", Permissions: []string{PermAll}}, nil
	}
	scheme, token, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(strings.TrimSpace(token)))
	for known, subject := range s.keys {
		if subtle.ConstantTimeCompare(known[:], digest[:]) == 1 {
			if subject.Disabled {
				return nil, ErrSubjectRevoked
			}
			return subject, nil
		}
	}
	return nil, ErrInvalidToken
}
