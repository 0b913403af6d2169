package policy

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/broker/pkg/engine"
)

// Engine evaluates Rego placement policies. It implements
// engine.PlacementPolicy.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
	loader   *Loader
	builtins bool
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	pkg      string
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithData makes doc available to policies under `data`. The built-in
// limits policy reads data.broker.limits.
func WithData(doc map[string]interface{}) Option {
	return func(e *Engine) {
		e.store = inmem.NewFromObject(doc)
	}
}

// WithoutBuiltins skips the built-in policies.
func WithoutBuiltins() Option {
	return func(e *Engine) {
		e.builtins = false
	}
}

// NewEngine creates a new policy engine.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	logger = logger.With().Str("component", "policy-engine").Logger()
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger,
		loader:   NewLoader(logger),
		builtins: true,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.builtins {
		if err := e.loadBuiltinPolicies(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to load built-in policies: %w", err)
		}
	}
	return e, nil
}

// Place implements engine.PlacementPolicy. Any deny result rejects the order
// with a terminal POLICY_DENIED error. Otherwise the first placement, in
// policy name order, that names one of clouds wins. No placement leaves the
// choice to the caller.
func (e *Engine) Place(ctx context.Context, order engine.OrderView, clouds []string) (engine.Placement, error) {
	d, err := e.Decide(ctx, order, clouds)
	if err != nil {
		return engine.Placement{}, engine.NewRecoverableError("placement policy evaluation failed", err).
			WithOrder(order.ID).WithOperation("policy").WithCode(engine.ErrCodeInternal)
	}
	if d.Denied() {
		msgs := make([]string, 0, len(d.Violations))
		for _, v := range d.Violations {
			msgs = append(msgs, v.Policy+": "+v.Message)
		}
		return engine.Placement{}, engine.NewTerminalError(strings.Join(msgs, "; "), nil).
			WithOrder(order.ID).WithCode(engine.ErrCodePolicyDenied)
	}
	return d.Placement, nil
}

// Decide evaluates every enabled policy against order.
func (e *Engine) Decide(ctx context.Context, order engine.OrderView, clouds []string) (*Decision, error) {
	start := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := &Input{Order: order, Clouds: clouds}
	if input.Clouds == nil {
		input.Clouds = []string{}
	}

	d := &Decision{}
	for _, cp := range e.sorted() {
		if !cp.policy.Enabled {
			continue
		}
		deny, placement, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", cp.policy.Name, err)
		}
		d.Violations = append(d.Violations, deny...)

		if placement == nil || d.DecidedBy != "" {
			continue
		}
		if placement.Cloud != "" && !slices.Contains(clouds, placement.Cloud) {
			e.logger.Debug().
				Str("policy", cp.policy.Name).
				Str("order_id", order.ID).
				Str("cloud", placement.Cloud).
				Msg("Ignoring placement outside the candidate clouds")
			continue
		}
		d.Placement = *placement
		d.DecidedBy = cp.policy.Name
	}

	e.logger.Debug().
		Str("order_id", order.ID).
		Int("violations", len(d.Violations)).
		Str("cloud", d.Placement.Cloud).
		Dur("duration", time.Since(start)).
		Msg("Placement policy evaluation completed")
	return d, nil
}

// sorted returns the compiled policies by name. Callers hold e.mu.
func (e *Engine) sorted() []*compiledPolicy {
	out := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].policy.Name < out[j].policy.Name })
	return out
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, *engine.Placement, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, nil, fmt.Errorf("policy evaluation error: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, nil, nil
	}
	doc, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return nil, nil, nil
	}

	var violations []Violation
	if denySet, ok := doc["deny"].([]interface{}); ok {
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}

	var placement *engine.Placement
	if p, ok := doc["placement"].(map[string]interface{}); ok {
		cloud, _ := p["cloud"].(string)
		provider, _ := p["provider"].(string)
		if cloud != "" || provider != "" {
			placement = &engine.Placement{Cloud: cloud, Provider: provider}
		}
	}
	return violations, placement, nil
}

// createViolation creates a Violation from a deny result.
func createViolation(policy *Policy, result interface{}) Violation {
	v := Violation{Policy: policy.Name}
	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

// compile parses and prepares a policy. The query returns the whole package
// document so deny and placement come back from one evaluation.
func (e *Engine) compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	pkg := module.Package.Path.String()

	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query(pkg),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{
		policy:   policy,
		pkg:      pkg,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		cp, err := e.compile(ctx, &builtins[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[builtins[i].Name] = cp
	}

	e.logger.Info().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")
	return nil
}

// LoadPolicies reads policy files and directories and replaces every
// non-builtin policy with them. Nothing changes when any policy fails to
// compile.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.replace(ctx, policies)
}

func (e *Engine) replace(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		cp, err := e.compile(ctx, &policies[i])
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled[policies[i].Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		if existing, ok := e.policies[name]; ok && existing.policy.Builtin {
			e.logger.Warn().Str("policy", name).Msg("Policy file overrides built-in policy")
		}
		e.policies[name] = cp
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")
	return nil
}

// Watch reloads the policies under paths whenever one of their files
// changes, until ctx is done.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.replace(ctx, policies)
	})
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.sorted() {
		policies = append(policies, *cp.policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")
	return nil
}

var _ engine.PlacementPolicy = (*Engine)(nil)
