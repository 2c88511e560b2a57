package services

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/sewago/payment-webhooks/internal/models"
	"github.com/sewago/payment-webhooks/internal/utils"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// FraudContext is the per-request context resolved by the pipeline before screening
type FraudContext struct {
	SuspiciousIPs    []string
	LargeAmount      float64
	VelocityExceeded bool
}

// DefaultFraudRules mirrors the production rule set: large payments from
// suspicious addresses are blocked, bursts and bot-like clients are flagged.
func DefaultFraudRules() []models.FraudRule {
	return []models.FraudRule{
		{
			ID:          "high_amount_suspicious_ip",
			Description: "Large payment from a suspicious source address",
			Expression:  `payment.amount > context.large_amount && request.from_suspicious_ip`,
			Risk:        models.RiskHigh,
		},
		{
			ID:          "rapid_transactions",
			Description: "Too many deliveries from one source in the velocity window",
			Expression:  `context.velocity_exceeded`,
			Risk:        models.RiskMedium,
		},
		{
			ID:          "suspicious_user_agent",
			Description: "Delivery from a bot-like user agent",
			Expression:  `request.is_bot`,
			Risk:        models.RiskLow,
		},
	}
}

type fraudRulesFile struct {
	Rules []models.FraudRule `yaml:"rules"`
}

// LoadFraudRules reads an ordered rule list from a YAML file
func LoadFraudRules(path string) ([]models.FraudRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fraud rules: %w", err)
	}
	return ParseFraudRules(data)
}

// ParseFraudRules decodes a YAML rule list
func ParseFraudRules(data []byte) ([]models.FraudRule, error) {
	var file fraudRulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse fraud rules: %w", err)
	}
	if len(file.Rules) == 0 {
		return nil, fmt.Errorf("fraud rules file defines no rules")
	}
	for i := range file.Rules {
		risk, err := models.ParseRiskLevel(string(file.Rules[i].Risk))
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", file.Rules[i].ID, err)
		}
		file.Rules[i].Risk = risk
	}
	return file.Rules, nil
}

// CompiledRule is a fraud rule with its CEL program. Rules are pure: Matches
// depends only on its input.
type CompiledRule struct {
	models.FraudRule
	program cel.Program
}

// Matches evaluates the rule against an activation built by FraudInput
func (r *CompiledRule) Matches(input map[string]any) (bool, error) {
	out, _, err := r.program.Eval(input)
	if err != nil {
		return false, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule %s returned %T, want bool", r.ID, out.Value())
	}
	return matched, nil
}

// FraudScreen evaluates an ordered list of CEL rules and reports the highest risk
type FraudScreen struct {
	rules  []*CompiledRule
	logger *logrus.Logger
}

// NewFraudScreen compiles rules once. A rule that fails to compile is a startup error.
func NewFraudScreen(rules []models.FraudRule, logger *logrus.Logger) (*FraudScreen, error) {
	env, err := cel.NewEnv(
		cel.Variable("payment", cel.DynType),
		cel.Variable("request", cel.DynType),
		cel.Variable("context", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	seen := make(map[string]bool, len(rules))
	compiled := make([]*CompiledRule, 0, len(rules))
	for _, rule := range rules {
		if rule.ID == "" {
			return nil, fmt.Errorf("fraud rule with expression %q has no id", rule.Expression)
		}
		if seen[rule.ID] {
			return nil, fmt.Errorf("duplicate fraud rule id %q", rule.ID)
		}
		seen[rule.ID] = true

		risk, err := models.ParseRiskLevel(string(rule.Risk))
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		rule.Risk = risk

		ast, issues := env.Compile(rule.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %s: compile: %w", rule.ID, issues.Err())
		}
		program, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("rule %s: program: %w", rule.ID, err)
		}
		compiled = append(compiled, &CompiledRule{FraudRule: rule, program: program})
	}

	return &FraudScreen{rules: compiled, logger: logger}, nil
}

// Rules returns the compiled rules in evaluation order
func (s *FraudScreen) Rules() []*CompiledRule {
	return s.rules
}

// Evaluate runs every rule. A rule that errors counts as triggered so a broken
// rule cannot silently admit traffic.
func (s *FraudScreen) Evaluate(envelope *models.WebhookEnvelope, fc FraudContext) models.FraudAssessment {
	input := FraudInput(envelope, fc)
	assessment := models.FraudAssessment{Risk: models.RiskNone, TriggeredRules: []string{}}

	for _, rule := range s.rules {
		matched, err := rule.Matches(input)
		if err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"rule_id":        rule.ID,
				"transaction_id": envelope.Payload.TransactionID,
			}).Error("Fraud rule evaluation failed, treating as triggered")
			matched = true
		}
		if !matched {
			continue
		}
		assessment.TriggeredRules = append(assessment.TriggeredRules, rule.ID)
		assessment.Risk = assessment.Risk.Max(rule.Risk)
	}

	if assessment.Flagged() {
		s.logger.WithFields(logrus.Fields{
			"transaction_id":  envelope.Payload.TransactionID,
			"order_id":        envelope.Payload.OrderID,
			"source_ip":       envelope.SourceIP,
			"risk_level":      assessment.Risk,
			"triggered_rules": strings.Join(assessment.TriggeredRules, ","),
		}).Warn("Fraud rules triggered")
	}

	return assessment
}

// FraudInput builds the CEL activation for one delivery. suspicious_ips entries
// may be single addresses or CIDR ranges.
func FraudInput(envelope *models.WebhookEnvelope, fc FraudContext) map[string]any {
	suspicious := fc.SuspiciousIPs
	if suspicious == nil {
		suspicious = []string{}
	}
	return map[string]any{
		"payment": map[string]any{
			"gateway":        string(envelope.Gateway),
			"order_id":       envelope.Payload.OrderID,
			"transaction_id": envelope.Payload.TransactionID,
			"amount":         envelope.Payload.Amount,
			"status":         envelope.Payload.Status,
			"merchant_code":  envelope.Payload.MerchantCode,
		},
		"request": map[string]any{
			"source_ip":          envelope.SourceIP,
			"user_agent":         envelope.UserAgent,
			"is_bot":             utils.IsSuspiciousUserAgent(envelope.UserAgent),
			"from_suspicious_ip": utils.IPInList(envelope.SourceIP, suspicious),
		},
		"context": map[string]any{
			"suspicious_ips":    suspicious,
			"large_amount":      fc.LargeAmount,
			"velocity_exceeded": fc.VelocityExceeded,
		},
	}
}
