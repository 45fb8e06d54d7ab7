package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	x402 "github.com/x402-upl/x402/go"
	"github.com/x402-upl/x402/go/webhook"
)

// DefaultFeeBasisPoints is the platform fee, 2% in basis points.
const DefaultFeeBasisPoints = 200

// ScheduleConfig describes one recurring settlement. Schedule is a
// standard five-field cron expression. MinimumAmount, in smallest units,
// skips cycles whose batch total falls below it.
type ScheduleConfig struct {
	ServiceID      string
	MerchantWallet string
	Schedule       string
	MinimumAmount  uint64
	Enabled        bool

	// WebhookURL, when set, receives settlement.completed and
	// settlement.failed events.
	WebhookURL string
}

// Settler executes the consolidated treasury transfer for a batch.
// *payment.Coordinator satisfies it.
type Settler interface {
	Settle(ctx context.Context, to string, amount uint64, asset string, signer x402.Signer) (*x402.PaymentReceipt, error)
}

// Notifier enqueues webhook events. *webhook.Service satisfies it.
type Notifier interface {
	Enqueue(url, eventType string, payload interface{}) (string, error)
}

// Config configures a Scheduler.
type Config struct {
	Store    TransactionStore
	Settler  Settler
	Treasury x402.Signer

	// Asset is the mint settled batches are paid in.
	Asset string

	// FeeBasisPoints overrides DefaultFeeBasisPoints.
	FeeBasisPoints uint64

	// Webhooks is optional; without it no events are emitted.
	Webhooks Notifier

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

type scheduleJob struct {
	config   ScheduleConfig
	schedule cron.Schedule
	stop     chan struct{}
}

// Scheduler owns one goroutine per enabled schedule and fires settlement
// batches at the configured cron times. At most one batch per
// (service, merchant) pair runs at a time, whether triggered by a cron
// fire or a direct SettleNow call; a cycle arriving while the previous
// one is still running is skipped.
type Scheduler struct {
	store    TransactionStore
	settler  Settler
	treasury x402.Signer
	asset    string
	feeBP    uint64
	webhooks Notifier
	logger   *zap.Logger

	mu      sync.Mutex
	jobs    map[string]*scheduleJob
	running map[string]bool
	wg      sync.WaitGroup
}

// New creates a Scheduler. Store, Settler, Treasury and Asset are required.
func New(config Config) (*Scheduler, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("scheduler: store is required")
	}
	if config.Settler == nil {
		return nil, fmt.Errorf("scheduler: settler is required")
	}
	if config.Treasury == nil {
		return nil, fmt.Errorf("scheduler: treasury signer is required")
	}
	if config.Asset == "" {
		return nil, fmt.Errorf("scheduler: asset is required")
	}

	s := &Scheduler{
		store:    config.Store,
		settler:  config.Settler,
		treasury: config.Treasury,
		asset:    config.Asset,
		feeBP:    config.FeeBasisPoints,
		webhooks: config.Webhooks,
		logger:   config.Logger,
		jobs:     make(map[string]*scheduleJob),
		running:  make(map[string]bool),
	}
	if s.feeBP == 0 {
		s.feeBP = DefaultFeeBasisPoints
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s, nil
}

// AddSchedule registers config and starts firing it. A disabled config is
// ignored; re-adding an existing (service, merchant) pair replaces the
// previous schedule.
func (s *Scheduler) AddSchedule(config ScheduleConfig) error {
	if !config.Enabled {
		return nil
	}
	schedule, err := cron.ParseStandard(config.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid cron expression %q: %w", config.Schedule, err)
	}

	key := pairKey(config.ServiceID, config.MerchantWallet)
	job := &scheduleJob{
		config:   config,
		schedule: schedule,
		stop:     make(chan struct{}),
	}

	s.mu.Lock()
	if existing, ok := s.jobs[key]; ok {
		close(existing.stop)
	}
	s.jobs[key] = job
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(job)
	return nil
}

// RemoveSchedule cancels future fires for the pair. An in-flight batch
// completes.
func (s *Scheduler) RemoveSchedule(serviceID, merchantWallet string) {
	key := pairKey(serviceID, merchantWallet)

	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[key]; ok {
		close(job.stop)
		delete(s.jobs, key)
	}
}

// StopAll cancels every schedule and waits for in-flight batches.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	for key, job := range s.jobs {
		close(job.stop)
		delete(s.jobs, key)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// run fires the job at its cron times until stopped. The next fire time is
// re-derived from the wall clock after every fire, so clock adjustments
// cannot accumulate drift.
func (s *Scheduler) run(job *scheduleJob) {
	defer s.wg.Done()
	for {
		next := job.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-job.stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.SettleNow(context.Background(), job.config); err != nil {
				s.logger.Error("scheduled settlement failed",
					zap.Error(err),
					zap.String("serviceId", job.config.ServiceID),
					zap.String("merchantWallet", job.config.MerchantWallet),
				)
			}
		}()
	}
}

// SettleNow runs one settlement cycle for config immediately: list the
// unsettled batch, take the platform fee, transfer the remainder to the
// merchant and record the result. An empty or below-minimum batch is a
// no-op. On transfer failure the batch stays unsettled for the next cycle.
//
// Cycles for the same (service, merchant) pair are mutually exclusive. A
// call arriving while another cycle for the pair is in flight returns nil
// without touching the batch, so a cron fire racing a direct call cannot
// pay the same batch twice.
func (s *Scheduler) SettleNow(ctx context.Context, config ScheduleConfig) error {
	key := pairKey(config.ServiceID, config.MerchantWallet)

	s.mu.Lock()
	if s.running[key] {
		s.mu.Unlock()
		return nil
	}
	s.running[key] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, key)
		s.mu.Unlock()
	}()

	return s.settle(ctx, config)
}

func (s *Scheduler) settle(ctx context.Context, config ScheduleConfig) error {
	batch, err := s.store.ListUnsettled(ctx, config.ServiceID, config.MerchantWallet)
	if err != nil {
		return fmt.Errorf("scheduler: list batch: %w", err)
	}
	if len(batch) == 0 {
		return nil
	}

	var total uint64
	ids := make([]string, 0, len(batch))
	for _, tx := range batch {
		total += tx.Amount
		ids = append(ids, tx.ID)
	}
	if total < config.MinimumAmount {
		s.logger.Debug("batch below minimum, skipping cycle",
			zap.String("serviceId", config.ServiceID),
			zap.Uint64("total", total),
			zap.Uint64("minimum", config.MinimumAmount),
		)
		return nil
	}

	// Split at the divisor so total*feeBP cannot overflow; both terms
	// round down.
	fee := total/10000*s.feeBP + total%10000*s.feeBP/10000
	merchantAmount := total - fee

	receipt, err := s.settler.Settle(ctx, config.MerchantWallet, merchantAmount, s.asset, s.treasury)
	if err != nil {
		s.notify(config.WebhookURL, webhook.EventSettlementFailed, webhook.SettlementFailedEvent{
			ServiceID:      config.ServiceID,
			MerchantWallet: config.MerchantWallet,
			Reason:         err.Error(),
			FailedAt:       time.Now(),
		})
		return fmt.Errorf("scheduler: settlement transfer: %w", err)
	}

	result := x402.SettlementResult{
		SettlementID:     uuid.NewString(),
		TotalAmount:      total,
		MerchantAmount:   merchantAmount,
		PlatformFee:      fee,
		Transaction:      receipt.TransactionID,
		TransactionCount: len(batch),
		CompletedAt:      time.Now(),
	}

	if err := s.store.MarkSettled(ctx, ids, result.SettlementID, result.CompletedAt); err != nil {
		return fmt.Errorf("scheduler: mark settled: %w", err)
	}
	if err := s.store.AppendSettlement(ctx, config.ServiceID, config.MerchantWallet, result); err != nil {
		return fmt.Errorf("scheduler: append settlement: %w", err)
	}

	s.logger.Info("settlement completed",
		zap.String("settlementId", result.SettlementID),
		zap.String("serviceId", config.ServiceID),
		zap.String("merchantWallet", config.MerchantWallet),
		zap.Uint64("merchantAmount", merchantAmount),
		zap.Uint64("platformFee", fee),
		zap.Int("transactionCount", len(batch)),
	)

	s.notify(config.WebhookURL, webhook.EventSettlementCompleted, webhook.SettlementCompletedEvent{
		ServiceID:        config.ServiceID,
		MerchantWallet:   config.MerchantWallet,
		SettlementID:     result.SettlementID,
		TotalAmount:      result.TotalAmount,
		MerchantAmount:   result.MerchantAmount,
		PlatformFee:      result.PlatformFee,
		Transaction:      result.Transaction,
		TransactionCount: result.TransactionCount,
		CompletedAt:      result.CompletedAt,
	})
	return nil
}

func (s *Scheduler) notify(url, eventType string, payload interface{}) {
	if s.webhooks == nil || url == "" {
		return
	}
	if _, err := s.webhooks.Enqueue(url, eventType, payload); err != nil {
		s.logger.Warn("webhook enqueue failed", zap.Error(err), zap.String("event", eventType))
	}
}
