package checkout

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"AP2-Orchestrator/internal/audit"
	xerrors "AP2-Orchestrator/internal/errors"
	"AP2-Orchestrator/internal/events"
	"AP2-Orchestrator/internal/orchestrator"
	"AP2-Orchestrator/internal/orders"
	"AP2-Orchestrator/pkg/logger"
)

// Runner 执行一笔交易。
type Runner interface {
	Run(ctx context.Context, req orchestrator.Request) *orchestrator.Result
}

// Recorder 在支付成功后保存订单。
type Recorder interface {
	Record(ctx context.Context, c orders.Completion) (*orders.Order, error)
}

// Metrics 接收交易结果用于统计。
type Metrics interface {
	ObserveTransaction(outcome string, code xerrors.Code, elapsed time.Duration)
}

// Processor 从队列消费会话并交给编排器执行。
type Processor struct {
	runner      Runner
	store       Store
	consumer    Consumer
	producer    Producer
	hub         *PromptHub
	audits      *AuditBook
	recorder    Recorder
	dispatcher  events.Dispatcher
	metrics     Metrics
	workerCount int
	mirrorAudit bool
	logger      *slog.Logger
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = l
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRecorder 配置订单记录器。
func WithRecorder(r Recorder) ProcessorOption {
	return func(p *Processor) {
		p.recorder = r
	}
}

// WithDispatcher 配置事件派发器。
func WithDispatcher(d events.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.dispatcher = d
	}
}

// WithMetrics 配置指标收集器。
func WithMetrics(m Metrics) ProcessorOption {
	return func(p *Processor) {
		p.metrics = m
	}
}

// WithAuditMirror 将协议审计日志同步写入审计 logger。
func WithAuditMirror(enabled bool) ProcessorOption {
	return func(p *Processor) {
		p.mirrorAudit = enabled
	}
}

// NewProcessor 构造 Processor。hub 与 audits 通常取自 Service，以便应答挑战与查询审计日志。
func NewProcessor(runner Runner, svc *Service, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		consumer:    consumer,
		workerCount: 1,
	}
	if svc != nil {
		p.store = svc.store
		p.producer = svc.producer
		p.hub = svc.hub
		p.audits = svc.audits
	}
	if p.hub == nil {
		p.hub = NewPromptHub()
	}
	if p.audits == nil {
		p.audits = NewAuditBook(0)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("checkout")
	}
	return p
}

// Start 启动会话处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置会话消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, id string) error {
	if p.store == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	session, err := p.store.Claim(ctx, id)
	if err != nil {
		if stdErrors.Is(err, ErrSessionNotFound) || stdErrors.Is(err, ErrSessionCompleted) ||
			stdErrors.Is(err, ErrSessionExhausted) || stdErrors.Is(err, ErrSessionConflict) {
			p.logger.Debug("跳过会话", slog.String("session_id", id), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取会话失败", slog.Any("error", err), slog.String("session_id", id))
		p.emit(ctx, events.Event{
			Type:      events.TypeCheckoutFailed,
			SessionID: id,
			Code:      CodeSessionProcessing,
			Message:   err.Error(),
			Severity:  xerrors.SeverityOf(err),
			Metadata:  map[string]string{"stage": "claim"},
		})
		return err
	}

	var auditOpts []audit.Option
	if p.mirrorAudit {
		auditOpts = append(auditOpts, audit.WithMirror(logger.ForTransaction(logger.Audit(), id)))
	}
	log := audit.New(auditOpts...)
	p.audits.Put(id, log)

	prompter := p.hub.Open(id)
	defer p.hub.Close(id, prompter)

	res := p.runner.Run(ctx, orchestrator.Request{
		TransactionID: id,
		Items:         session.Items,
		UserIdentity:  session.UserIdentity,
		PaymentAlias:  session.PaymentAlias,
		Audit:         log,
		Prompter:      p.challengePrompter(session, prompter),
		OnStep: func(state orchestrator.State, line string) {
			step := orchestrator.Step{State: state, Line: line, At: time.Now()}
			if err := p.store.AppendStep(context.WithoutCancel(ctx), id, step); err != nil {
				p.logger.Warn("记录会话进度失败", slog.Any("error", err), slog.String("session_id", id))
			}
		},
	})
	if res == nil {
		res = &orchestrator.Result{
			TransactionID: id,
			State:         orchestrator.StateFailed,
			Err:           xerrors.New(CodeSessionProcessing, "orchestrator returned no result"),
		}
	}
	if p.metrics != nil {
		var code xerrors.Code
		if res.Err != nil {
			code = xerrors.CodeOf(res.Err)
		}
		p.metrics.ObserveTransaction(string(res.State), code, res.FinishedAt.Sub(res.StartedAt))
	}
	if res.Succeeded() {
		return p.handleSuccess(ctx, session, res)
	}
	return p.handleFailure(ctx, session, res)
}

// challengePrompter 在等待验证码期间把挑战写入会话，使 API 调用方可以看到并应答。
func (p *Processor) challengePrompter(session *Session, inner *orchestrator.ChannelPrompter) orchestrator.OTPPrompter {
	return orchestrator.PrompterFunc(func(ctx context.Context, ch orchestrator.Challenge) (string, error) {
		bg := context.WithoutCancel(ctx)
		if err := p.store.SetChallenge(bg, session.ID, &ch); err != nil {
			p.logger.Warn("记录验证码挑战失败", slog.Any("error", err), slog.String("session_id", session.ID))
		}
		p.emit(bg, events.Event{
			Type:        events.TypeChallengeRequired,
			SessionID:   session.ID,
			Message:     ch.Message,
			Severity:    xerrors.SeverityInfo,
			Attempts:    session.Attempts,
			MaxAttempts: session.MaxAttempts,
			Metadata:    map[string]string{"display_text": ch.DisplayText},
		})
		code, err := inner.PromptOTP(ctx, ch)
		if clearErr := p.store.SetChallenge(bg, session.ID, nil); clearErr != nil {
			p.logger.Warn("清除验证码挑战失败", slog.Any("error", clearErr), slog.String("session_id", session.ID))
		}
		return code, err
	})
}

func (p *Processor) handleSuccess(ctx context.Context, session *Session, res *orchestrator.Result) error {
	bg := context.WithoutCancel(ctx)
	out := Outcome{Receipt: *res.Receipt}
	if res.Cart != nil {
		out.CartID = res.Cart.CartID
		out.Currency = res.Cart.Currency
	}
	if res.Payment != nil {
		out.MandateID = res.Payment.MandateID
		out.Amount = res.Payment.Amount
		if res.Payment.Currency != "" {
			out.Currency = res.Payment.Currency
		}
	}
	if err := p.store.MarkSucceeded(bg, session.ID, out); err != nil {
		// 付款已完成，不能重新入队，只能告警。
		p.logger.Error("标记会话成功失败", slog.Any("error", err), slog.String("session_id", session.ID))
		p.emit(bg, events.Event{
			Type:      events.TypeCheckoutFailed,
			SessionID: session.ID,
			Code:      CodeSessionProcessing,
			Message:   err.Error(),
			Severity:  xerrors.SeverityCritical,
			Metadata:  map[string]string{"stage": "mark_succeeded", "receipt_id": out.Receipt.ID},
		})
		return nil
	}

	meta := map[string]string{
		"receipt_id": out.Receipt.ID,
		"cart_id":    out.CartID,
		"amount":     fmt.Sprintf("%.2f", out.Amount),
		"currency":   out.Currency,
	}
	if p.recorder != nil {
		order, err := p.recorder.Record(bg, orders.Completion{
			SessionID:    session.ID,
			UserIdentity: session.UserIdentity,
			PaymentAlias: session.PaymentAlias,
			Cart:         res.Cart,
			Payment:      res.Payment,
			Receipt:      res.Receipt,
		})
		if err != nil {
			wrapped := xerrors.Wrap(CodeOrderRecording, err, "支付成功但订单写入失败")
			p.logger.Error("订单写入失败", slog.Any("error", wrapped), slog.String("session_id", session.ID))
			p.emit(bg, events.Event{
				Type:      events.TypeCheckoutFailed,
				SessionID: session.ID,
				Code:      CodeOrderRecording,
				Message:   wrapped.Error(),
				Severity:  xerrors.SeverityCritical,
				Metadata:  meta,
			})
			return nil
		}
		meta["order_id"] = order.ID
	}
	logger.Audit().Info("结账成功",
		slog.String("session_id", session.ID),
		slog.String("receipt_id", out.Receipt.ID),
		slog.Float64("amount", out.Amount),
	)
	p.emit(bg, events.Event{
		Type:        events.TypeOrderCompleted,
		SessionID:   session.ID,
		Message:     res.Message,
		Severity:    xerrors.SeverityInfo,
		Attempts:    session.Attempts,
		MaxAttempts: session.MaxAttempts,
		Metadata:    meta,
	})
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, session *Session, res *orchestrator.Result) error {
	bg := context.WithoutCancel(ctx)
	err := res.Err
	if err == nil {
		err = xerrors.New(CodeSessionProcessing, res.Message)
	}
	code := xerrors.CodeOf(err)
	if code == xerrors.CodeUnknown {
		code = CodeSessionProcessing
	}
	message := res.Message
	if message == "" {
		message = xerrors.MessageOf(err)
	}
	retryable := xerrors.RetryableError(err) && ctx.Err() == nil
	terminal := !retryable || (session.MaxAttempts > 0 && session.Attempts >= session.MaxAttempts)

	if storeErr := p.store.MarkFailed(bg, session.ID, code, message, terminal); storeErr != nil {
		p.logger.Error("标记会话失败状态出错", slog.Any("error", storeErr), slog.String("session_id", session.ID))
		return storeErr
	}
	logger.Audit().Warn("结账失败",
		slog.String("session_id", session.ID),
		slog.String("code", string(code)),
		slog.String("message", message),
		slog.Bool("terminal", terminal),
		slog.Int("attempts", session.Attempts),
	)
	if !terminal {
		if pubErr := p.producer.Publish(bg, session.ID); pubErr != nil {
			wrapped := xerrors.Wrap(CodeSessionPublish, pubErr, fmt.Sprintf("会话 %s 重新入队失败", session.ID))
			_ = p.store.MarkFailed(bg, session.ID, CodeSessionPublish, wrapped.Error(), true)
			p.emit(bg, events.Event{
				Type:      events.TypeCheckoutFailed,
				SessionID: session.ID,
				Code:      CodeSessionPublish,
				Message:   wrapped.Error(),
				Severity:  xerrors.SeverityCritical,
			})
			return wrapped
		}
		return nil
	}
	p.emit(bg, events.Event{
		Type:        events.TypeCheckoutFailed,
		SessionID:   session.ID,
		Code:        code,
		Message:     message,
		Severity:    xerrors.SeverityOf(err),
		Attempts:    session.Attempts,
		MaxAttempts: session.MaxAttempts,
		Metadata:    map[string]string{"state": string(res.State)},
	})
	return nil
}

func (p *Processor) emit(ctx context.Context, e events.Event) {
	if p.dispatcher == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if err := p.dispatcher.Notify(ctx, e); err != nil {
		p.logger.Warn("派发结账事件失败", slog.Any("error", err), slog.String("session_id", e.SessionID), slog.String("type", string(e.Type)))
	}
}
