package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/camden-git/mediapipeline/config"
	"github.com/camden-git/mediapipeline/ledger"
	"github.com/camden-git/mediapipeline/logging"
	"github.com/camden-git/mediapipeline/queue"
)

// MaintenanceReport summarizes one maintenance pass.
type MaintenanceReport struct {
	ReleasedReservations int64 `json:"released_reservations"`
	SweptLedgerEntries   int64 `json:"swept_ledger_entries"`
}

// Maintenance periodically returns stale reservations to their queues and
// reconciles ledger entries no live job refers to.
type Maintenance struct {
	scheduler          *gocron.Scheduler
	ledger             *ledger.Ledger
	store              *queue.Store
	interval           time.Duration
	staleAge           time.Duration
	reservationTimeout time.Duration
	logger             *zap.Logger
}

func NewMaintenance(cfg config.Config, l *ledger.Ledger, store *queue.Store, logger *zap.Logger) *Maintenance {
	scheduler := gocron.NewScheduler(time.UTC)
	scheduler.SingletonModeAll()
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Maintenance{
		scheduler:          scheduler,
		ledger:             l,
		store:              store,
		interval:           interval,
		staleAge:           cfg.LedgerStaleAge,
		reservationTimeout: cfg.ReservationTimeout,
		logger:             logging.OrNop(logger).Named("maintenance"),
	}
}

// Start schedules RunOnce every interval.
func (m *Maintenance) Start() error {
	_, err := m.scheduler.Every(m.interval).Do(func() {
		if _, err := m.RunOnce(context.Background()); err != nil {
			m.logger.Error("maintenance pass failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule maintenance: %w", err)
	}
	m.scheduler.StartAsync()
	m.logger.Info("maintenance scheduled", zap.Duration("interval", m.interval))
	return nil
}

func (m *Maintenance) Stop() {
	m.scheduler.Stop()
}

// RunOnce releases stale reservations first, so their jobs keep the ledger
// entries they own, then sweeps the ledger.
func (m *Maintenance) RunOnce(ctx context.Context) (MaintenanceReport, error) {
	var report MaintenanceReport
	if m.reservationTimeout > 0 {
		n, err := m.store.ReleaseStale(ctx, m.reservationTimeout)
		if err != nil {
			return report, err
		}
		report.ReleasedReservations = n
	}
	if m.staleAge > 0 {
		n, err := m.ledger.Sweep(ctx, m.staleAge)
		if err != nil {
			return report, err
		}
		report.SweptLedgerEntries = n
	}
	m.logger.Debug("maintenance pass finished",
		zap.Int64("released", report.ReleasedReservations),
		zap.Int64("swept", report.SweptLedgerEntries))
	return report, nil
}
