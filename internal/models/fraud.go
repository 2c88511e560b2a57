package models

import (
	"fmt"
	"strings"
)

// RiskLevel is the severity a fraud rule assigns when it triggers
type RiskLevel string

const (
	RiskNone   RiskLevel = "NONE"
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

var riskRank = map[RiskLevel]int{
	RiskNone:   0,
	RiskLow:    1,
	RiskMedium: 2,
	RiskHigh:   3,
}

// ParseRiskLevel accepts LOW, MEDIUM, HIGH in any case
func ParseRiskLevel(s string) (RiskLevel, error) {
	level := RiskLevel(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := riskRank[level]; !ok || level == RiskNone {
		return "", fmt.Errorf("invalid risk level %q (must be LOW, MEDIUM or HIGH)", s)
	}
	return level, nil
}

// Rank orders risk levels: NONE < LOW < MEDIUM < HIGH
func (r RiskLevel) Rank() int {
	return riskRank[r]
}

// Max returns the more severe of two levels
func (r RiskLevel) Max(other RiskLevel) RiskLevel {
	if other.Rank() > r.Rank() {
		return other
	}
	return r
}

// FraudRule is one named predicate over a delivery and its context
type FraudRule struct {
	ID          string    `json:"id" yaml:"id"`
	Description string    `json:"description,omitempty" yaml:"description"`
	Expression  string    `json:"expression" yaml:"expression"`
	Risk        RiskLevel `json:"risk" yaml:"risk"`
}

// FraudAssessment is the result of running every rule against one delivery
type FraudAssessment struct {
	Risk           RiskLevel `json:"risk"`
	TriggeredRules []string  `json:"triggered_rules"`
}

// Blocked reports whether the delivery must be refused
func (a FraudAssessment) Blocked() bool {
	return a.Risk == RiskHigh
}

// Flagged reports whether at least one rule triggered
func (a FraudAssessment) Flagged() bool {
	return len(a.TriggeredRules) > 0
}
