package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gmfi-labs/gmfi-chain/internal/kafka"
	"github.com/gmfi-labs/gmfi-chain/internal/metrics"
	"github.com/gmfi-labs/gmfi-chain/internal/model"
	"github.com/gmfi-labs/gmfi-chain/internal/repository"
	"github.com/gmfi-labs/gmfi-chain/internal/webhook"
	"github.com/gmfi-labs/gmfi-chain/pkg/logger"
)

// Deliverer 通知推送通道
type Deliverer interface {
	Deliver(ctx context.Context, url, key string, content map[string]interface{}) error
}

// NotificationService 生成并推送项目方通知
//
// 每笔交易在未确认、已确认两个阶段各最多生成一条通知。
// 推送失败累加项目的连续失败次数，达到上限后暂停该项目的推送，直到人工重置。
type NotificationService struct {
	repos     *repository.Repositories
	deliverer Deliverer
	publisher kafka.EventPublisher
	logger    *zap.Logger

	batchSize      int
	maxFailedTimes int
	claimTTL       time.Duration
}

// NotificationServiceConfig 配置
type NotificationServiceConfig struct {
	BatchSize      int
	MaxFailedTimes int
	// ClaimTTL 认领租期，需大于单次推送超时
	ClaimTTL time.Duration
}

// NewNotificationService 创建通知服务
func NewNotificationService(
	repos *repository.Repositories,
	deliverer Deliverer,
	publisher kafka.EventPublisher,
	cfg *NotificationServiceConfig,
) *NotificationService {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 4
	}
	maxFailedTimes := cfg.MaxFailedTimes
	if maxFailedTimes <= 0 {
		maxFailedTimes = 32
	}
	claimTTL := cfg.ClaimTTL
	if claimTTL <= 0 {
		claimTTL = time.Minute
	}
	if publisher == nil {
		publisher = kafka.NoopPublisher{}
	}

	return &NotificationService{
		repos:          repos,
		deliverer:      deliverer,
		publisher:      publisher,
		logger:         logger.Named("notification"),
		batchSize:      batchSize,
		maxFailedTimes: maxFailedTimes,
		claimTTL:       claimTTL,
	}
}

// Emit 为交易生成通知
//
// confirmed=false 为预通知：只在项目开启预通知且区块未确认时生成。
// 同一阶段重复调用不会生成第二条。
func (s *NotificationService) Emit(ctx context.Context, chain *model.Chain, block *model.Block, tx *model.Transaction, confirmed bool) error {
	if tx.ProjectID == nil || !tx.Success {
		return nil
	}

	project, err := s.repos.Project.GetByID(ctx, *tx.ProjectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	if !confirmed && (!project.PreNotify || block.Confirmed) {
		return nil
	}

	payload, ok, err := s.payload(ctx, chain, tx)
	if err != nil || !ok {
		return err
	}

	content := model.JSONMap{
		"transaction": map[string]interface{}{
			"network":   chain.Name,
			"chain_id":  chain.ID,
			"block":     block.Number,
			"hash":      tx.Hash,
			"timestamp": block.Timestamp,
			"confirmed": confirmed,
		},
	}
	for k, v := range payload {
		content[k] = v
	}

	err = s.repos.Notification.Create(ctx, &model.Notification{
		ProjectID:     project.ID,
		TransactionID: tx.ID,
		Confirmed:     confirmed,
		Content:       content,
	})
	if errors.Is(err, repository.ErrDuplicateNotification) {
		return nil
	}
	return err
}

// payload 各结算类型的通知内容，ok=false 表示该类型不通知
func (s *NotificationService) payload(ctx context.Context, chain *model.Chain, tx *model.Transaction) (map[string]interface{}, bool, error) {
	switch tx.Type {
	case model.SettlementTypeDepositing:
		deposit, err := s.repos.Deposit.GetByTransaction(ctx, tx.ID)
		if err != nil {
			return nil, false, err
		}
		user, err := s.repos.User.GetByID(ctx, deposit.UserID)
		if err != nil {
			return nil, false, err
		}
		token, err := s.repos.Token.GetByID(ctx, deposit.TokenID)
		if err != nil {
			return nil, false, err
		}
		return map[string]interface{}{
			"action": "deposit",
			"data": map[string]interface{}{
				"uid":    user.UID,
				"symbol": token.Symbol,
				"value":  token.ToDisplay(deposit.Value).String(),
			},
		}, true, nil

	case model.SettlementTypeWithdrawal:
		withdrawal, err := s.repos.Withdrawal.GetByTransaction(ctx, tx.ID)
		if errors.Is(err, repository.ErrWithdrawalNotFound) {
			// 非出账队列发起的提币没有业务单号
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		user, err := s.repos.User.GetByID(ctx, withdrawal.UserID)
		if err != nil {
			return nil, false, err
		}
		token, err := s.repos.Token.GetByID(ctx, withdrawal.TokenID)
		if err != nil {
			return nil, false, err
		}
		return map[string]interface{}{
			"action": "withdrawal",
			"data": map[string]interface{}{
				"no":     withdrawal.No,
				"uid":    user.UID,
				"symbol": token.Symbol,
				"value":  token.ToDisplay(withdrawal.Value).String(),
			},
		}, true, nil

	case model.SettlementTypePaying:
		payment, err := s.repos.Invoice.GetPaymentByTransaction(ctx, tx.ID)
		if err != nil {
			return nil, false, err
		}
		invoice, err := s.repos.Invoice.GetByID(ctx, payment.InvoiceID)
		if err != nil {
			return nil, false, err
		}
		// 账单未付清时只通知交易本身
		if !invoice.Paid {
			return map[string]interface{}{}, true, nil
		}
		token, err := s.repos.Token.GetByID(ctx, invoice.TokenID)
		if err != nil {
			return nil, false, err
		}
		return map[string]interface{}{
			"action": "invoice",
			"data": map[string]interface{}{
				"no":           invoice.No,
				"out_no":       invoice.OutNo,
				"network":      chain.Name,
				"token":        token.Symbol,
				"value":        token.ToDisplay(invoice.Value).String(),
				"actual_value": token.ToDisplay(invoice.ActualValue).String(),
			},
		}, true, nil
	}
	return nil, false, nil
}

// Dispatch 推送一批待发送通知，返回成功数
func (s *NotificationService) Dispatch(ctx context.Context) (int, error) {
	pending, err := s.repos.Notification.ListPending(ctx, s.maxFailedTimes, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending notifications: %w", err)
	}

	delivered := 0
	for _, n := range pending {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		ok, err := s.deliver(ctx, n)
		if err != nil {
			return delivered, err
		}
		if ok {
			delivered++
		}
	}
	return delivered, nil
}

// deliver 推送单条通知；推送失败不返回错误，只记录失败次数
//
// 推送前先认领，同一通知同时只有一个调用方推送
func (s *NotificationService) deliver(ctx context.Context, n *model.Notification) (bool, error) {
	project, err := s.repos.Project.GetByID(ctx, n.ProjectID)
	if err != nil {
		return false, err
	}
	// 同批次前面的失败可能已使项目达到上限
	if project.NotificationFailedTimes >= s.maxFailedTimes {
		return false, nil
	}

	now := time.Now()
	claimed, err := s.repos.Notification.Claim(ctx, n.ID, now.UnixMilli(), now.Add(-s.claimTTL).UnixMilli())
	if err != nil {
		return false, fmt.Errorf("claim notification: %w", err)
	}
	if !claimed {
		return false, nil
	}

	start := time.Now()
	deliverErr := s.deliverer.Deliver(ctx, project.Webhook, project.HMACKey, n.Content)
	metrics.RecordNotification(deliverErr == nil, time.Since(start))

	event := &model.NotificationResultEvent{
		NotificationID: n.ID,
		ProjectID:      project.ID,
		TransactionID:  n.TransactionID,
		Delivered:      deliverErr == nil,
		Timestamp:      time.Now().UnixMilli(),
	}

	if deliverErr != nil {
		if err := s.repos.Notification.Unclaim(ctx, n.ID); err != nil {
			s.logger.Warn("unclaim notification failed", zap.Int64("notification_id", n.ID), zap.Error(err))
		}
		times, err := s.repos.Project.IncrNotificationFailures(ctx, project.ID)
		if err != nil {
			return false, err
		}
		event.Error = deliverErr.Error()
		event.FailedTimes = times

		fields := []zap.Field{
			zap.Int64("notification_id", n.ID),
			zap.Int64("project_id", project.ID),
			zap.Int("failed_times", times),
			zap.Error(deliverErr),
		}
		if times >= s.maxFailedTimes {
			s.logger.Error("notification suspended for project", fields...)
		} else {
			s.logger.Warn("notification delivery failed", fields...)
		}
		s.publish(ctx, event)
		return false, nil
	}

	err = s.repos.WithTx(ctx, func(ctx context.Context) error {
		if err := s.repos.Notification.MarkNotified(ctx, n.ID, time.Now().UnixMilli()); err != nil {
			return err
		}
		if project.NotificationFailedTimes == 0 {
			return nil
		}
		return s.repos.Project.ResetNotificationFailures(ctx, project.ID)
	})
	if errors.Is(err, repository.ErrNotificationNotFound) {
		// 并发推送已标记
		return false, nil
	}
	if err != nil {
		return false, err
	}

	s.logger.Info("notification delivered",
		zap.Int64("notification_id", n.ID),
		zap.Int64("project_id", project.ID))
	s.publish(ctx, event)
	return true, nil
}

func (s *NotificationService) publish(ctx context.Context, event *model.NotificationResultEvent) {
	if err := s.publisher.PublishNotificationResult(ctx, event); err != nil {
		s.logger.Warn("publish notification result failed",
			zap.Int64("notification_id", event.NotificationID),
			zap.Error(err))
	}
}

// ResetFailures 人工恢复项目的通知推送
func (s *NotificationService) ResetFailures(ctx context.Context, projectID int64) error {
	if err := s.repos.Project.ResetNotificationFailures(ctx, projectID); err != nil {
		return err
	}
	s.logger.Info("notification failures reset", zap.Int64("project_id", projectID))
	return nil
}

var _ Deliverer = (*webhook.Deliverer)(nil)
