package approval

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"

	"github.com/jkaninda/gatekeeper/internal/domain"
)

// PolicyApprover decides, on behalf of the producer, whether a freshly
// submitted record may skip human review. Rules are CEL expressions over a
// `request` map; any rule evaluating to true approves. Records riskier than
// the configured ceiling are never auto-approved.
type PolicyApprover struct {
	rules   []policyRule
	maxRisk domain.RiskLevel
	logger  *slog.Logger
}

type policyRule struct {
	expr string
	prg  cel.Program
}

// NewPolicyApprover compiles rules. An invalid rule fails construction.
func NewPolicyApprover(rules []string, maxRisk domain.RiskLevel, logger *slog.Logger) (*PolicyApprover, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating policy environment: %w", err)
	}
	if !maxRisk.Valid() {
		maxRisk = domain.RiskLow
	}

	p := &PolicyApprover{maxRisk: maxRisk, logger: logger}
	for _, expr := range rules {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compiling policy rule %q: %w", expr, issues.Err())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("building policy rule %q: %w", expr, err)
		}
		p.rules = append(p.rules, policyRule{expr: expr, prg: prg})
	}
	return p, nil
}

// Evaluate returns true and the matching rule when r may be auto-approved.
// Evaluation errors count as no match.
func (p *PolicyApprover) Evaluate(r *Request) (bool, string) {
	if p == nil || len(p.rules) == 0 {
		return false, ""
	}
	if !r.RiskLevel.AtMost(p.maxRisk) {
		return false, ""
	}

	input := map[string]any{"request": policyInput(r)}
	for _, rule := range p.rules {
		out, _, err := rule.prg.Eval(input)
		if err != nil {
			p.logger.Warn("auto-approval rule evaluation failed",
				slog.String("approval_id", r.ID),
				slog.String("rule", rule.expr),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok, isBool := out.Value().(bool); isBool && ok {
			return true, rule.expr
		}
	}
	return false, ""
}

func policyInput(r *Request) map[string]any {
	params := r.Parameters
	if params == nil {
		params = map[string]any{}
	}
	return map[string]any{
		"id":          r.ID,
		"action_type": r.ActionType,
		"domain":      r.Domain,
		"target":      r.Target,
		"tool_ref":    r.ToolRef,
		"risk_level":  string(r.RiskLevel),
		"source":      r.Source,
		"parameters":  params,
	}
}
