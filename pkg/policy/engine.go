package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/verge-sh/verge/pkg/engine"
	"github.com/verge-sh/verge/pkg/telemetry"
)

// Engine evaluates policies against computed deltas. It implements
// engine.DeltaAdmitter.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
	events   *telemetry.EventPublisher
	ctx      AdmissionContext
}

// compiledPolicy is a parsed Rego policy ready for evaluation.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger, events *telemetry.EventPublisher, admCtx AdmissionContext) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		events:   events,
		ctx:      admCtx,
	}

	for _, p := range GetBuiltinPolicies() {
		if err := e.compileAndStore(p); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
	}
	return e, nil
}

// Admit evaluates every enabled policy against the delta. An error or
// critical violation denies the run before any snapshot or mutation.
func (e *Engine) Admit(ctx context.Context, manifest *engine.Manifest, delta *engine.Delta) error {
	result, err := e.Evaluate(ctx, manifest, delta)
	if err != nil {
		return err
	}
	if result.Allowed {
		return nil
	}

	var msgs []string
	for _, v := range result.Violations {
		if v.Severity == SeverityError || v.Severity == SeverityCritical {
			msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
		}
	}
	return engine.NewPermanentError("delta denied by policy", nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithOperation("admit").
		WithDetail("violations", msgs)
}

// Evaluate runs all enabled policies and collects violations.
func (e *Engine) Evaluate(ctx context.Context, manifest *engine.Manifest, delta *engine.Delta) (*Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	admCtx := e.ctx
	admCtx.Timestamp = time.Now().UTC()
	admCtx.Operation = "reconcile"

	input := &AdmissionInput{
		Manifest: manifest,
		Changes:  delta.Mutations(),
		Context:  admCtx,
	}

	result := &Result{Allowed: true}
	for _, cp := range e.policies {
		if !cp.policy.Enabled {
			continue
		}

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("policy %s evaluation failed: %v", cp.policy.Name, err))
			continue
		}
		result.Violations = append(result.Violations, violations...)
	}

	for _, v := range result.Violations {
		if v.Severity == SeverityError || v.Severity == SeverityCritical {
			result.Allowed = false
		}
		if e.events != nil {
			e.events.PublishPolicyViolation("", v.Policy, v.Message)
		}
	}
	result.EvaluatedAt = time.Now().UTC()
	return result, nil
}

// evaluatePolicy queries the policy's deny set.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *AdmissionInput) ([]Violation, error) {
	query := fmt.Sprintf("data.%s.deny", extractPackageName(cp.policy.Rego))

	r := rego.New(
		rego.Module(cp.policy.Name, cp.policy.Rego),
		rego.Query(query),
		rego.Input(input),
	)

	results, err := r.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, e.makeViolation(cp.policy, d))
			}
		}
	}
	return violations, nil
}

// makeViolation converts one deny result into a Violation.
func (e *Engine) makeViolation(policy *Policy, result interface{}) Violation {
	v := Violation{
		Policy:     policy.Name,
		Severity:   policy.Severity,
		DetectedAt: time.Now().UTC(),
	}

	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if comp, ok := r["component"].(string); ok {
			v.Component = comp
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

// LoadPolicies loads additional policies from files or directories.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range policies {
		if err := e.compileAndStore(policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded")
	return nil
}

// ReplacePolicy swaps one policy in place. Used by the hot-reload watcher.
func (e *Engine) ReplacePolicy(p Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compileAndStore(p)
}

// ListPolicies returns all loaded policies.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	return policies
}

func (e *Engine) compileAndStore(p Policy) error {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	e.policies[p.Name] = &compiledPolicy{
		policy:   &p,
		module:   module,
		compiled: time.Now(),
	}
	return nil
}

// extractPackageName extracts the package name from Rego code.
func extractPackageName(regoSrc string) string {
	for _, line := range strings.Split(regoSrc, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "verge.policies"
}
