// Package policy evaluates advisory rules against a draft execution plan.
// Results never block plan creation; an approval step is expected to read
// them and decide.
package policy

import (
	"context"
	"fmt"
	"strings"

	"crisp/internal/config"
	"crisp/internal/domain"
)

// Engine is the gate contract consumed by the orchestrator. Implementations
// must be deterministic: results come back in rule order.
type Engine interface {
	Validate(ctx context.Context, req domain.ProjectRequirements, draft *domain.ExecutionPlan) []domain.PolicyValidationResult
}

// RulesEngine evaluates rules loaded from configuration.
type RulesEngine struct {
	rules []config.PolicyRule
}

func NewRulesEngine(rules []config.PolicyRule) *RulesEngine {
	return &RulesEngine{rules: rules}
}

func (e *RulesEngine) Validate(ctx context.Context, req domain.ProjectRequirements, draft *domain.ExecutionPlan) []domain.PolicyValidationResult {
	results := make([]domain.PolicyValidationResult, 0, len(e.rules))
	for _, rule := range e.rules {
		results = append(results, evaluate(rule, req))
	}
	return results
}

func evaluate(rule config.PolicyRule, req domain.ProjectRequirements) domain.PolicyValidationResult {
	res := domain.PolicyValidationResult{
		PolicyID: rule.ID,
		Name:     rule.Name,
		Severity: severityOrDefault(rule.Severity),
		Passed:   true,
	}
	switch rule.Type {
	case config.RuleMaxNameLength:
		if len(req.ProjectName) > rule.Value {
			res.Passed = false
			res.Message = fmt.Sprintf("project name exceeds %d characters", rule.Value)
		}
	case config.RuleRequireDescription:
		if strings.TrimSpace(req.Description) == "" {
			res.Passed = false
			res.Message = "project has no description"
		}
	case config.RuleVisibilityAllowed:
		if !contains(rule.Allowed, req.Visibility) {
			res.Passed = false
			res.Message = fmt.Sprintf("visibility %q not in allowed set", req.Visibility)
		}
	case config.RuleLanguageAllowed:
		if !containsFold(rule.Allowed, req.Language) {
			res.Passed = false
			res.Message = fmt.Sprintf("language %q not in allowed set", req.Language)
		}
	default:
		res.Passed = false
		res.Severity = domain.SeverityWarning
		res.Message = fmt.Sprintf("unknown rule type %q", rule.Type)
	}
	if res.Passed && res.Message == "" {
		res.Message = "ok"
	}
	return res
}

func severityOrDefault(s string) string {
	if s == "" {
		return domain.SeverityWarning
	}
	return s
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
