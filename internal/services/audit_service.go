package services

import (
	"context"
	"sync"
	"time"

	"github.com/sewago/payment-webhooks/internal/models"
	"github.com/sirupsen/logrus"
)

// AuditRecorder persists audit events. Implemented by database.PaymentAuditRepository.
type AuditRecorder interface {
	Record(ctx context.Context, event *models.AuditEvent) error
}

// LogAuditSink writes every audit event as a structured log line
type LogAuditSink struct {
	logger *logrus.Logger
}

// NewLogAuditSink creates a logrus-backed audit sink
func NewLogAuditSink(logger *logrus.Logger) *LogAuditSink {
	return &LogAuditSink{logger: logger}
}

// Record implements AuditSink
func (s *LogAuditSink) Record(event *models.AuditEvent) {
	fields := logrus.Fields{
		"audit_id":     event.ID,
		"audit_kind":   event.Kind,
		"gateway":      event.Gateway,
		"is_duplicate": event.IsDuplicate,
	}
	if event.TransactionID != nil {
		fields["transaction_id"] = *event.TransactionID
	}
	if event.OrderID != nil {
		fields["order_id"] = *event.OrderID
	}
	if event.IdempotencyKey != nil {
		fields["idempotency_key"] = *event.IdempotencyKey
	}
	if event.Code != nil {
		fields["code"] = *event.Code
	}
	if event.HTTPStatus != nil {
		fields["http_status"] = *event.HTTPStatus
	}
	if event.RiskLevel != nil {
		fields["risk_level"] = *event.RiskLevel
		fields["triggered_rules"] = []string(event.TriggeredRules)
	}
	if event.SourceIP != nil {
		fields["source_ip"] = *event.SourceIP
	}
	if event.CorrelationID != nil {
		fields["correlation_id"] = *event.CorrelationID
	}

	entry := s.logger.WithFields(fields)
	switch event.Kind {
	case models.AuditEventAccepted, models.AuditEventAcknowledged, models.AuditEventCached:
		entry.Info("Payment webhook audit")
	case models.AuditEventInfraError:
		entry.Error("Payment webhook audit")
	default:
		entry.Warn("Payment webhook audit")
	}
}

// RepositoryAuditSink persists events through an AuditRecorder.
// Failures are logged and never surface to the request.
type RepositoryAuditSink struct {
	recorder AuditRecorder
	timeout  time.Duration
	logger   *logrus.Logger
}

// NewRepositoryAuditSink creates a sink that writes to the audit table
func NewRepositoryAuditSink(recorder AuditRecorder, timeout time.Duration, logger *logrus.Logger) *RepositoryAuditSink {
	return &RepositoryAuditSink{recorder: recorder, timeout: timeout, logger: logger}
}

// Record implements AuditSink
func (s *RepositoryAuditSink) Record(event *models.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.recorder.Record(ctx, event); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"audit_id":   event.ID,
			"audit_kind": event.Kind,
		}).Error("AUDIT ERROR: failed to persist payment webhook audit")
	}
}

// MultiAuditSink fans an event out to several sinks in order
type MultiAuditSink []AuditSink

// Record implements AuditSink
func (m MultiAuditSink) Record(event *models.AuditEvent) {
	for _, sink := range m {
		sink.Record(event)
	}
}

// AsyncAuditSink decouples the request path from a slow sink with a bounded
// buffer. When the buffer is full the event is dropped and counted.
type AsyncAuditSink struct {
	next    AuditSink
	events  chan *models.AuditEvent
	logger  *logrus.Logger
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	dropped uint64
}

// NewAsyncAuditSink starts a background worker draining into next
func NewAsyncAuditSink(next AuditSink, bufferSize int, logger *logrus.Logger) *AsyncAuditSink {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	s := &AsyncAuditSink{
		next:   next,
		events: make(chan *models.AuditEvent, bufferSize),
		logger: logger,
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *AsyncAuditSink) run() {
	defer s.wg.Done()
	for event := range s.events {
		s.next.Record(event)
	}
}

// Record implements AuditSink without blocking
func (s *AsyncAuditSink) Record(event *models.AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.events <- event:
	default:
		s.dropped++
		s.logger.WithFields(logrus.Fields{
			"audit_id":      event.ID,
			"audit_kind":    event.Kind,
			"dropped_total": s.dropped,
		}).Error("AUDIT ERROR: audit buffer full, event dropped")
	}
}

// Dropped returns how many events were dropped because the buffer was full
func (s *AsyncAuditSink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close stops accepting events and drains the buffer
func (s *AsyncAuditSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()

	s.wg.Wait()
}
