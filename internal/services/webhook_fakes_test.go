package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sewago/payment-webhooks/internal/cache"
	"github.com/sewago/payment-webhooks/internal/models"
	"github.com/sirupsen/logrus"
)

const testSecret = "s3cr3t"

var errStoreDown = errors.New("store unavailable")

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeOrders is an in-memory OrderStore
type fakeOrders struct {
	mu      sync.Mutex
	amounts map[string]float64
	err     error
	delay   time.Duration
	calls   int
}

func newFakeOrders(amounts map[string]float64) *fakeOrders {
	return &fakeOrders{amounts: amounts}
}

func (o *fakeOrders) GetExpectedAmount(ctx context.Context, orderID string) (float64, error) {
	o.mu.Lock()
	o.calls++
	delay, err := o.delay, o.err
	amount, ok := o.amounts[orderID]
	o.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, models.ErrOrderNotFound
	}
	return amount, nil
}

// fakeEffects records every applied payment
type fakeEffects struct {
	mu      sync.Mutex
	applied []string
	err     error
}

func (e *fakeEffects) ApplyPaymentSuccess(_ context.Context, orderID, transactionID string, amount float64) (models.EffectRef, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return "", e.err
	}
	e.applied = append(e.applied, transactionID)
	return models.EffectRef(fmt.Sprintf("ledger-%s-%s", orderID, transactionID)), nil
}

func (e *fakeEffects) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.applied)
}

func (e *fakeEffects) setErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

// recordingAudit keeps every event in memory
type recordingAudit struct {
	mu     sync.Mutex
	events []*models.AuditEvent
}

func (a *recordingAudit) Record(event *models.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *recordingAudit) kinds() []models.AuditEventKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	kinds := make([]models.AuditEventKind, 0, len(a.events))
	for _, e := range a.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func (a *recordingAudit) last() *models.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.events) == 0 {
		return nil
	}
	return a.events[len(a.events)-1]
}

func (a *recordingAudit) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = nil
}

// failingStore wraps a store and fails chosen operations
type failingStore struct {
	*cache.MemoryStore
	mu          sync.Mutex
	failReserve bool
	failLookup  bool
	// failComplete counts Complete calls still to fail
	failComplete int
	releases     int
}

func newFailingStore() *failingStore {
	return &failingStore{MemoryStore: cache.NewMemoryStore(0, time.Hour)}
}

func (s *failingStore) TryReserve(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	fail := s.failReserve
	s.mu.Unlock()
	if fail {
		return false, errStoreDown
	}
	return s.MemoryStore.TryReserve(ctx, key)
}

func (s *failingStore) Lookup(ctx context.Context, key string) (*models.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	fail := s.failLookup
	s.mu.Unlock()
	if fail {
		return nil, false, errStoreDown
	}
	return s.MemoryStore.Lookup(ctx, key)
}

func (s *failingStore) Complete(ctx context.Context, record models.IdempotencyRecord) error {
	s.mu.Lock()
	fail := s.failComplete > 0
	if fail {
		s.failComplete--
	}
	s.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return s.MemoryStore.Complete(ctx, record)
}

func (s *failingStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	s.releases++
	s.mu.Unlock()
	return s.MemoryStore.Release(ctx, key)
}

// staticVelocity reports a fixed answer
type staticVelocity struct {
	exceeded bool
	err      error
}

func (v staticVelocity) Hit(context.Context, string) (bool, error) {
	return v.exceeded, v.err
}

// signedRequest builds an eSewa delivery signed with testSecret
func signedRequest(body string, idempotencyKey string) *models.InboundWebhook {
	header := http.Header{}
	header.Set(models.HeaderEsewaSignature, ComputeSignature([]byte(testSecret), []byte(body)))
	if idempotencyKey != "" {
		header.Set(models.HeaderIdempotencyKey, idempotencyKey)
	}
	return &models.InboundWebhook{
		Gateway:       models.GatewayEsewa,
		RawBody:       []byte(body),
		Header:        header,
		SourceIP:      "203.0.113.10",
		UserAgent:     "esewa-notifier/1.0",
		CorrelationID: "req-1",
		ReceivedAt:    time.Now(),
	}
}

func paymentBody(orderID, transactionID string, amount float64, status string) string {
	return fmt.Sprintf(`{"orderId":%q,"transactionId":%q,"amount":%v,"status":%q}`, orderID, transactionID, amount, status)
}
