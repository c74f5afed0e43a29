package checkout

import (
	"context"
	"log/slog"

	"AP2-Orchestrator/pkg/logger"
)

const recoveryPageSize = 100

// RecoveryReport 汇总一次启动恢复的结果。
type RecoveryReport struct {
	Requeued    []string
	Interrupted []string
	// StaleInFlight 是队列中清理掉的上次运行的在途记录数。
	StaleInFlight int
}

// Recover 在进程启动时修复上次运行遗留的会话：待处理会话重新入队；
// 运行中或等待验证码的会话已丢失提示通道，且可能已经扣款，直接标记为终态失败供人工对账。
// 队列若记录在途消息，先清掉上次运行的残留。必须在处理器启动之前调用。
func (s *Service) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	if r, ok := s.producer.(inFlightResetter); ok {
		n, err := r.ResetInFlight(ctx)
		if err != nil {
			return report, err
		}
		report.StaleInFlight = n
	}
	pending, err := s.collect(ctx, StatusPending)
	if err != nil {
		return report, err
	}
	orphaned, err := s.collect(ctx, StatusRunning, StatusAwaitingOTP)
	if err != nil {
		return report, err
	}

	for _, id := range orphaned {
		if err := s.store.MarkFailed(ctx, id, CodeSessionInterrupted, "会话在进程重启时中断，请核对支付结果", true); err != nil {
			return report, err
		}
		report.Interrupted = append(report.Interrupted, id)
		logger.Audit().Warn("结账会话因重启中断", slog.String("session_id", id))
	}
	for _, id := range pending {
		if err := s.producer.Publish(ctx, id); err != nil {
			return report, err
		}
		report.Requeued = append(report.Requeued, id)
	}
	return report, nil
}

// collect 先取出全部匹配的会话 ID，避免状态变化打乱分页。
func (s *Service) collect(ctx context.Context, statuses ...Status) ([]string, error) {
	var ids []string
	for offset := 0; ; offset += recoveryPageSize {
		page, err := s.store.List(ctx, buildListOptions([]ListOption{
			WithStatuses(statuses...),
			WithLimit(recoveryPageSize),
			WithOffset(offset),
			WithSortOrder(SortByUpdatedAsc),
		}))
		if err != nil {
			return nil, err
		}
		for _, session := range page {
			ids = append(ids, session.ID)
		}
		if len(page) < recoveryPageSize {
			return ids, nil
		}
	}
}
