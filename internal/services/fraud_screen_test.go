package services

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sewago/payment-webhooks/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fraudEnvelope(amount float64, sourceIP, userAgent string) *models.WebhookEnvelope {
	return &models.WebhookEnvelope{
		Gateway:   models.GatewayEsewa,
		SourceIP:  sourceIP,
		UserAgent: userAgent,
		Payload: models.PaymentPayload{
			OrderID:       "O1",
			TransactionID: "T1",
			Amount:        amount,
			Status:        "SUCCESS",
		},
	}
}

func TestFraudScreen_DefaultRules(t *testing.T) {
	screen, err := NewFraudScreen(DefaultFraudRules(), quietLogger())
	require.NoError(t, err)
	require.Len(t, screen.Rules(), 3)

	fc := FraudContext{SuspiciousIPs: []string{"198.51.100.7"}, LargeAmount: 100000}

	tests := []struct {
		name      string
		envelope  *models.WebhookEnvelope
		velocity  bool
		wantRisk  models.RiskLevel
		wantRules []string
	}{
		{
			name:      "clean",
			envelope:  fraudEnvelope(500, "203.0.113.10", "esewa-notifier/1.0"),
			wantRisk:  models.RiskNone,
			wantRules: []string{},
		},
		{
			name:      "large amount from suspicious ip",
			envelope:  fraudEnvelope(150000, "198.51.100.7", "esewa-notifier/1.0"),
			wantRisk:  models.RiskHigh,
			wantRules: []string{"high_amount_suspicious_ip"},
		},
		{
			name:      "large amount from clean ip",
			envelope:  fraudEnvelope(150000, "203.0.113.10", "esewa-notifier/1.0"),
			wantRisk:  models.RiskNone,
			wantRules: []string{},
		},
		{
			name:      "velocity exceeded",
			envelope:  fraudEnvelope(500, "203.0.113.10", "esewa-notifier/1.0"),
			velocity:  true,
			wantRisk:  models.RiskMedium,
			wantRules: []string{"rapid_transactions"},
		},
		{
			name:      "bot user agent",
			envelope:  fraudEnvelope(500, "203.0.113.10", "python-requests bot/2.0"),
			wantRisk:  models.RiskLow,
			wantRules: []string{"suspicious_user_agent"},
		},
		{
			name:      "highest risk wins",
			envelope:  fraudEnvelope(150000, "198.51.100.7", "crawler/1.0"),
			velocity:  true,
			wantRisk:  models.RiskHigh,
			wantRules: []string{"high_amount_suspicious_ip", "rapid_transactions", "suspicious_user_agent"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := fc
			ctx.VelocityExceeded = tt.velocity
			assessment := screen.Evaluate(tt.envelope, ctx)
			assert.Equal(t, tt.wantRisk, assessment.Risk)
			assert.Equal(t, tt.wantRules, assessment.TriggeredRules)
			assert.Equal(t, tt.wantRisk == models.RiskHigh, assessment.Blocked())
		})
	}
}

func TestFraudScreen_EvaluationErrorCountsAsTriggered(t *testing.T) {
	screen, err := NewFraudScreen([]models.FraudRule{
		{ID: "missing_field", Expression: `payment.no_such_field > 1`, Risk: models.RiskMedium},
	}, quietLogger())
	require.NoError(t, err)

	assessment := screen.Evaluate(fraudEnvelope(500, "203.0.113.10", ""), FraudContext{})
	assert.Equal(t, models.RiskMedium, assessment.Risk)
	assert.Equal(t, []string{"missing_field"}, assessment.TriggeredRules)
}

func TestNewFraudScreen_InvalidRules(t *testing.T) {
	tests := []struct {
		name  string
		rules []models.FraudRule
	}{
		{"syntax error", []models.FraudRule{{ID: "broken", Expression: `payment.amount >`, Risk: models.RiskLow}}},
		{"missing id", []models.FraudRule{{Expression: `true`, Risk: models.RiskLow}}},
		{"duplicate id", []models.FraudRule{
			{ID: "dup", Expression: `true`, Risk: models.RiskLow},
			{ID: "dup", Expression: `false`, Risk: models.RiskLow},
		}},
		{"undeclared variable", []models.FraudRule{{ID: "unknown", Expression: `merchant.name == "x"`, Risk: models.RiskLow}}},
		{"missing risk", []models.FraudRule{{ID: "no_risk", Expression: `true`}}},
		{"unknown risk", []models.FraudRule{{ID: "critical", Expression: `true`, Risk: "CRITICAL"}}},
		{"none risk", []models.FraudRule{{ID: "never_counts", Expression: `true`, Risk: models.RiskNone}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFraudScreen(tt.rules, quietLogger())
			assert.Error(t, err)
		})
	}
}

func TestNewFraudScreen_NormalizesRisk(t *testing.T) {
	screen, err := NewFraudScreen([]models.FraudRule{
		{ID: "always", Expression: `true`, Risk: " high "},
	}, quietLogger())
	require.NoError(t, err)
	require.Len(t, screen.Rules(), 1)
	assert.Equal(t, models.RiskHigh, screen.Rules()[0].Risk)

	assessment := screen.Evaluate(fraudEnvelope(500, "203.0.113.10", "esewa-notifier/1.0"), FraudContext{})
	assert.True(t, assessment.Blocked())
}

func TestFraudScreen_SuspiciousRanges(t *testing.T) {
	screen, err := NewFraudScreen(DefaultFraudRules(), quietLogger())
	require.NoError(t, err)

	fc := FraudContext{SuspiciousIPs: []string{"198.51.100.0/24", "192.0.2.55"}, LargeAmount: 100000}

	tests := []struct {
		name     string
		sourceIP string
		blocked  bool
	}{
		{"inside range", "198.51.100.200", true},
		{"exact address", "192.0.2.55", true},
		{"outside range", "198.51.101.1", false},
		{"unparseable source", "not-an-ip", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assessment := screen.Evaluate(fraudEnvelope(150000, tt.sourceIP, "esewa-notifier/1.0"), fc)
			assert.Equal(t, tt.blocked, assessment.Blocked())
			if tt.blocked {
				assert.Equal(t, []string{"high_amount_suspicious_ip"}, assessment.TriggeredRules)
			}
		})
	}
}

func TestParseFraudRules(t *testing.T) {
	data := []byte(`
rules:
  - id: khalti_large
    description: Large Khalti payment
    expression: payment.gateway == "khalti" && payment.amount > 50000.0
    risk: medium
  - id: blocked_merchant
    expression: payment.merchant_code == "BLOCKED"
    risk: HIGH
`)

	rules, err := ParseFraudRules(data)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "khalti_large", rules[0].ID)
	assert.Equal(t, models.RiskMedium, rules[0].Risk)
	assert.Equal(t, models.RiskHigh, rules[1].Risk)

	screen, err := NewFraudScreen(rules, quietLogger())
	require.NoError(t, err)

	envelope := fraudEnvelope(60000, "203.0.113.10", "")
	envelope.Gateway = models.GatewayKhalti
	assessment := screen.Evaluate(envelope, FraudContext{})
	assert.Equal(t, models.RiskMedium, assessment.Risk)
	assert.False(t, assessment.Blocked())
}

func TestParseFraudRules_Errors(t *testing.T) {
	_, err := ParseFraudRules([]byte(`rules: []`))
	assert.Error(t, err)

	_, err = ParseFraudRules([]byte("rules:\n  - id: x\n    expression: 'true'\n    risk: SEVERE\n"))
	assert.Error(t, err)

	_, err = ParseFraudRules([]byte("rules: [unclosed"))
	assert.Error(t, err)
}

func TestLoadFraudRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - id: always\n    expression: 'true'\n    risk: low\n"), 0o600))

	rules, err := LoadFraudRules(path)
	require.NoError(t, err)
	assert.Equal(t, []models.FraudRule{{ID: "always", Expression: "true", Risk: models.RiskLow}}, rules)

	_, err = LoadFraudRules(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
