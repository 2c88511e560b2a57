package services

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sewago/payment-webhooks/internal/models"
	"github.com/sirupsen/logrus"
)

// PipelineConfig holds the pipeline's per-request policy
type PipelineConfig struct {
	MerchantCodes   map[models.Gateway]string
	SuspiciousIPs   []string
	LargeAmount     float64
	InProgressRetry time.Duration
}

// WebhookPipeline admits payment webhooks through an ordered chain of checks:
//
//	signature -> idempotency -> replay -> amount -> fraud -> effect -> cache + audit
//
// Every delivery ends in exactly one terminal audit event; accepted deliveries
// call the effect sink exactly once.
type WebhookPipeline struct {
	verifier *SignatureVerifier
	gate     *IdempotencyGate
	replay   *ReplayGuard
	amounts  *AmountValidator
	fraud    *FraudScreen
	velocity VelocityCounter
	effects  EffectSink
	audit    AuditSink
	config   PipelineConfig
	logger   *logrus.Logger
}

// NewWebhookPipeline wires the pipeline stages together
func NewWebhookPipeline(
	verifier *SignatureVerifier,
	gate *IdempotencyGate,
	replay *ReplayGuard,
	amounts *AmountValidator,
	fraud *FraudScreen,
	velocity VelocityCounter,
	effects EffectSink,
	audit AuditSink,
	config PipelineConfig,
	logger *logrus.Logger,
) *WebhookPipeline {
	return &WebhookPipeline{
		verifier: verifier,
		gate:     gate,
		replay:   replay,
		amounts:  amounts,
		fraud:    fraud,
		velocity: velocity,
		effects:  effects,
		audit:    audit,
		config:   config,
		logger:   logger,
	}
}

// Supports reports whether deliveries for gateway can be verified
func (p *WebhookPipeline) Supports(gateway models.Gateway) bool {
	return p.verifier.Supports(gateway)
}

// admission captures what happened inside the idempotency compute step so the
// terminal audit event can be written once the gate returns
type admission struct {
	kind       models.AuditEventKind
	response   models.WebhookResponse
	status     int
	reason     *WebhookError
	effectRef  models.EffectRef
	expected   *float64
	assessment *models.FraudAssessment
}

// Process runs one delivery through the pipeline
func (p *WebhookPipeline) Process(ctx context.Context, req *models.InboundWebhook) *models.PipelineResult {
	start := time.Now()
	envelope, parseErr := BuildEnvelope(req)

	if err := p.verifier.Verify(envelope); err != nil {
		return p.reject(envelope, err, start)
	}

	if parseErr != nil {
		return p.reject(envelope, parseErr, start)
	}

	if envelope.IdempotencyKey == "" {
		return p.reject(envelope, ErrMissingIdempotencyKey(), start)
	}

	var outcome *admission
	resolution, err := p.gate.Resolve(ctx, idempotencyKey(envelope), func(ctx context.Context) (StoredResponse, error) {
		result, err := p.admit(ctx, envelope)
		if err != nil {
			return StoredResponse{}, err
		}
		outcome = result
		return StoredResponse{StatusCode: result.status, Body: result.response.Bytes()}, nil
	})
	if err != nil {
		return p.reject(envelope, err, start)
	}

	if resolution.Cached {
		event := p.newEvent(models.AuditEventCached, envelope).
			SetOutcome(codeFromBody(resolution.Response.Body), "", resolution.Response.StatusCode).
			MarkAsDuplicate().
			SetProcessingTime(start)
		p.audit.Record(event)

		return &models.PipelineResult{
			Outcome:    models.OutcomeCached,
			StatusCode: resolution.Response.StatusCode,
			Body:       resolution.Response.Body,
			Code:       codeFromBody(resolution.Response.Body),
		}
	}

	event := p.newEvent(outcome.kind, envelope).
		SetOutcome(outcome.response.Code, outcome.response.Message, outcome.status).
		SetProcessingTime(start)
	if outcome.expected != nil {
		event.SetAmounts(*outcome.expected, envelope.Payload.Amount)
	}
	if outcome.assessment != nil {
		event.SetRisk(*outcome.assessment)
	}
	if outcome.reason != nil {
		for k, v := range outcome.reason.Detail {
			event.SetDetail(k, v)
		}
	}
	if outcome.effectRef != "" {
		event.SetDetail("effect_ref", string(outcome.effectRef))
	}
	p.audit.Record(event)

	result := &models.PipelineResult{
		StatusCode: resolution.Response.StatusCode,
		Body:       resolution.Response.Body,
		Code:       outcome.response.Code,
		EffectRef:  outcome.effectRef,
	}
	switch outcome.kind {
	case models.AuditEventAccepted:
		result.Outcome = models.OutcomeAccepted
	case models.AuditEventAcknowledged:
		result.Outcome = models.OutcomeAcknowledged
	default:
		result.Outcome = models.OutcomeRejected
		result.Reason = outcome.reason
	}
	return result
}

// admit runs the stages behind the idempotency gate. Terminal rejections are
// returned as an admission (and cached); infrastructure failures are returned
// as errors after releasing the replay reservation.
func (p *WebhookPipeline) admit(ctx context.Context, envelope *models.WebhookEnvelope) (*admission, error) {
	payload := envelope.Payload

	if !payload.IsSuccessful() {
		p.logger.WithFields(logrus.Fields{
			"gateway":        envelope.Gateway,
			"transaction_id": payload.TransactionID,
			"payment_status": payload.Status,
		}).Info("Payment not successful - acknowledging webhook")
		return &admission{
			kind:   models.AuditEventAcknowledged,
			status: http.StatusOK,
			response: models.WebhookResponse{
				Code:          CodeNotSuccessful,
				Message:       "Webhook acknowledged, payment status " + payload.Status,
				TransactionID: payload.TransactionID,
				OrderID:       payload.OrderID,
			},
		}, nil
	}

	if expected := p.config.MerchantCodes[envelope.Gateway]; expected != "" && payload.MerchantCode != "" && payload.MerchantCode != expected {
		return p.rejection(models.AuditEventRejected, ErrMerchantMismatch().WithDetail("merchant_code", payload.MerchantCode))
	}

	if err := p.replay.Check(ctx, payload.TransactionID, envelope.Timestamp); err != nil {
		return p.rejection(models.AuditEventReplayBlocked, err)
	}

	// From here on the transaction id is reserved; infrastructure failures must release it
	releaseReplay := func() {
		p.replay.Release(context.WithoutCancel(ctx), payload.TransactionID)
	}

	expectedAmount, err := p.amounts.Validate(ctx, payload.OrderID, payload.Amount)
	if err != nil {
		webhookErr, ok := AsWebhookError(err)
		if !ok || webhookErr.Retryable() {
			releaseReplay()
			return p.rejection(models.AuditEventInfraError, err)
		}
		if webhookErr.Code != CodeAmountMismatch {
			return p.rejection(models.AuditEventRejected, webhookErr)
		}
		result, rejectErr := p.rejection(models.AuditEventAmountMismatch, webhookErr)
		if result != nil {
			result.expected = &expectedAmount
		}
		return result, rejectErr
	}

	velocityExceeded, err := p.velocity.Hit(ctx, velocityKey(envelope))
	if err != nil {
		releaseReplay()
		return nil, ErrInfrastructure("velocity", err)
	}

	assessment := p.fraud.Evaluate(envelope, FraudContext{
		SuspiciousIPs:    p.config.SuspiciousIPs,
		LargeAmount:      p.config.LargeAmount,
		VelocityExceeded: velocityExceeded,
	})
	if assessment.Blocked() {
		result, rejectErr := p.rejection(models.AuditEventFraudBlocked, ErrFraudBlocked(assessment.TriggeredRules))
		if result != nil {
			result.assessment = &assessment
			result.expected = &expectedAmount
		}
		return result, rejectErr
	}
	if assessment.Flagged() {
		// Non-blocking flags get their own event ahead of the terminal one
		p.audit.Record(p.newEvent(models.AuditEventFraudFlagged, envelope).SetRisk(assessment))
	}

	effectRef, err := p.effects.ApplyPaymentSuccess(ctx, payload.OrderID, payload.TransactionID, payload.Amount)
	if err != nil {
		releaseReplay()
		p.logger.WithError(err).WithFields(logrus.Fields{
			"order_id":       payload.OrderID,
			"transaction_id": payload.TransactionID,
		}).Error("Failed to apply payment effect")
		return nil, ErrInfrastructure("apply_effect", err)
	}

	p.logger.WithFields(logrus.Fields{
		"gateway":        envelope.Gateway,
		"order_id":       payload.OrderID,
		"transaction_id": payload.TransactionID,
		"amount":         payload.Amount,
		"effect_ref":     effectRef,
	}).Info("Payment webhook accepted")

	result := &admission{
		kind:      models.AuditEventAccepted,
		status:    http.StatusOK,
		effectRef: effectRef,
		expected:  &expectedAmount,
		response: models.WebhookResponse{
			Code:          CodeAccepted,
			Message:       "Payment verified and applied",
			TransactionID: payload.TransactionID,
			OrderID:       payload.OrderID,
			EffectRef:     string(effectRef),
		},
	}
	if assessment.Flagged() {
		result.assessment = &assessment
	}
	return result, nil
}

// rejection converts a stage error into a cacheable admission, or passes
// infrastructure errors through
func (p *WebhookPipeline) rejection(kind models.AuditEventKind, err error) (*admission, error) {
	webhookErr, ok := AsWebhookError(err)
	if !ok {
		return nil, ErrInfrastructure("unknown", err)
	}
	if webhookErr.Retryable() {
		return nil, webhookErr
	}
	return &admission{
		kind:   kind,
		status: webhookErr.Status,
		reason: webhookErr,
		response: models.WebhookResponse{
			Code:    webhookErr.Code,
			Message: webhookErr.Message,
		},
	}, nil
}

// reject builds an uncached terminal result and writes its audit event
func (p *WebhookPipeline) reject(envelope *models.WebhookEnvelope, err error, start time.Time) *models.PipelineResult {
	webhookErr, ok := AsWebhookError(err)
	if !ok {
		webhookErr = ErrInfrastructure("unknown", err)
	}

	kind := models.AuditEventRejected
	switch {
	case webhookErr.Category == CategoryAuthentication:
		kind = models.AuditEventSignatureFail
	case webhookErr.Retryable():
		kind = models.AuditEventInfraError
	}

	event := p.newEvent(kind, envelope).
		SetOutcome(webhookErr.Code, webhookErr.Message, webhookErr.Status).
		SetProcessingTime(start)
	for k, v := range webhookErr.Detail {
		event.SetDetail(k, v)
	}
	if webhookErr.Err != nil {
		event.SetDetail("error", webhookErr.Err.Error())
	}
	p.audit.Record(event)

	entry := p.logger.WithFields(logrus.Fields{
		"gateway":        envelope.Gateway,
		"transaction_id": envelope.Payload.TransactionID,
		"code":           webhookErr.Code,
		"source_ip":      envelope.SourceIP,
	})
	if webhookErr.Retryable() {
		entry.WithError(webhookErr.Err).Error("Payment webhook failed, gateway should retry")
	} else {
		entry.Warn("Payment webhook rejected")
	}

	result := &models.PipelineResult{
		Outcome:    models.OutcomeRejected,
		StatusCode: webhookErr.Status,
		Code:       webhookErr.Code,
		Reason:     webhookErr,
		Body: models.WebhookResponse{
			Code:    webhookErr.Code,
			Message: webhookErr.Message,
		}.Bytes(),
	}
	if webhookErr.Code == CodeIdempotencyInProgress {
		result.RetryAfter = p.config.InProgressRetry
	}
	return result
}

func (p *WebhookPipeline) newEvent(kind models.AuditEventKind, envelope *models.WebhookEnvelope) *models.AuditEvent {
	return models.NewAuditEvent(kind, envelope.Gateway).
		SetTransaction(envelope.Payload.TransactionID, envelope.Payload.OrderID).
		SetIdempotencyKey(envelope.IdempotencyKey).
		SetMetadata(envelope.SourceIP, envelope.UserAgent, envelope.CorrelationID)
}

// idempotencyKey namespaces gateway-supplied keys per gateway
func idempotencyKey(envelope *models.WebhookEnvelope) string {
	return string(envelope.Gateway) + ":" + envelope.IdempotencyKey
}

// codeFromBody extracts the response code from a stored body for auditing replays
func codeFromBody(body []byte) string {
	var response models.WebhookResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ""
	}
	return response.Code
}

func velocityKey(envelope *models.WebhookEnvelope) string {
	return string(envelope.Gateway) + ":" + envelope.SourceIP
}
