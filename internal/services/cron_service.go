package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// ExpiringTable is a store whose rows carry their own expiry
type ExpiringTable interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// AuditPruner deletes audit rows older than a cutoff
type AuditPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// CronService manages scheduled background jobs
type CronService struct {
	cron           *cron.Cron
	schedule       string
	tables         map[string]ExpiringTable
	audits         AuditPruner
	auditRetention time.Duration
	logger         *logrus.Logger
}

// NewCronService creates a sweeper for the Postgres-backed reservation tables
// and the audit trail. schedule uses the six-field (seconds) cron format.
func NewCronService(schedule string, logger *logrus.Logger) *CronService {
	return &CronService{
		cron:     cron.New(cron.WithSeconds()),
		schedule: schedule,
		tables:   make(map[string]ExpiringTable),
		logger:   logger,
	}
}

// AddTable registers a table swept on every run
func (s *CronService) AddTable(name string, table ExpiringTable) {
	s.tables[name] = table
}

// SetAuditRetention enables pruning of audit rows older than retention
func (s *CronService) SetAuditRetention(audits AuditPruner, retention time.Duration) {
	s.audits = audits
	s.auditRetention = retention
}

// Start starts all cron jobs
func (s *CronService) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.sweepJob); err != nil {
		return fmt.Errorf("failed to schedule retention sweep: %w", err)
	}

	s.cron.Start()
	s.logger.WithFields(logrus.Fields{
		"schedule": s.schedule,
		"tables":   len(s.tables),
	}).Info("Cron service started")

	return nil
}

// Stop stops all cron jobs and waits for a running sweep
func (s *CronService) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Cron service stopped")
}

// RunOnce sweeps every registered store immediately
func (s *CronService) RunOnce(ctx context.Context) map[string]int64 {
	deleted := make(map[string]int64, len(s.tables)+1)

	for name, table := range s.tables {
		count, err := table.DeleteExpired(ctx)
		if err != nil {
			s.logger.WithError(err).WithField("table", name).Error("[CRON ERROR] Failed to sweep expired rows")
			continue
		}
		deleted[name] = count
	}

	if s.audits != nil && s.auditRetention > 0 {
		count, err := s.audits.DeleteOlderThan(ctx, time.Now().Add(-s.auditRetention))
		if err != nil {
			s.logger.WithError(err).Error("[CRON ERROR] Failed to prune webhook audits")
		} else {
			deleted["payment_webhook_audits"] = count
		}
	}

	return deleted
}

func (s *CronService) sweepJob() {
	startTime := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	deleted := s.RunOnce(ctx)

	fields := logrus.Fields{"duration": time.Since(startTime).String()}
	for name, count := range deleted {
		fields[name] = count
	}
	s.logger.WithFields(fields).Info("[CRON] Retention sweep completed")
}
