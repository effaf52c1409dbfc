package services

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/craftmarket/ledger/pkg/logger"
)

// Scheduler owns the periodic passes: settlement batching, settlement
// reconciliation and the advance default sweep. Each pass is a plain
// synchronous method on its service, so tests invoke them directly and the
// scheduler stays a thin cron wrapper.
type Scheduler struct {
	cron       *cron.Cron
	settlement *SettlementService
	advances   *AdvanceService
}

func NewScheduler(settlement *SettlementService, advances *AdvanceService) *Scheduler {
	viper.SetDefault("ledger.schedule.settlement", "@every 1h")
	viper.SetDefault("ledger.schedule.reconcile", "@every 15m")
	viper.SetDefault("ledger.schedule.default_sweep", "@daily")

	return &Scheduler{
		cron:       cron.New(),
		settlement: settlement,
		advances:   advances,
	}
}

func (s *Scheduler) Start() {
	s.mustAdd(viper.GetString("ledger.schedule.settlement"), "settlement batch", func(ctx context.Context) error {
		return s.settlement.RunOnce(ctx)
	})
	s.mustAdd(viper.GetString("ledger.schedule.reconcile"), "settlement reconcile", func(ctx context.Context) error {
		return s.settlement.ReconcileOnce(ctx)
	})
	s.mustAdd(viper.GetString("ledger.schedule.default_sweep"), "advance default sweep", func(ctx context.Context) error {
		_, err := s.advances.DefaultSweepOnce(ctx)
		return err
	})

	s.cron.Start()
	logger.Info("scheduler started")
}

func (s *Scheduler) Stop() {
	// Stop returns a context that completes when running jobs finish.
	<-s.cron.Stop().Done()
	logger.Info("scheduler stopped")
}

func (s *Scheduler) mustAdd(spec, name string, pass func(context.Context) error) {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := pass(ctx); err != nil {
			logger.Error("scheduled pass failed", zap.String("pass", name), zap.Error(err))
		}
	})
	if err != nil {
		logger.Fatal("invalid cron schedule", zap.String("pass", name), zap.String("spec", spec), zap.Error(err))
	}
}
