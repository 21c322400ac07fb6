// Package quality provides the CEL-Go based data-quality rule engine.
//
// Rules are evaluated against every reported stratum/method cell of a
// facility record. A triggered rule produces a flag, never an error:
// downstream computation continues on whatever the flags leave behind.
package quality

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-health/wardwatch/internal/domain"
)

// Engine compiles and evaluates quality rules. Rule sets are isolated
// per session and hot-reloadable.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	compiled   map[string]map[string]*compiledRule // session -> rule ID
	maxWorkers int
}

type compiledRule struct {
	rule    *domain.QualityRule
	program cel.Program
}

// NewEngine creates a rule engine. maxWorkers bounds concurrent facility
// evaluation in EvaluateBatch.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(
		cel.Variable("tested", cel.IntType),
		cel.Variable("positive", cel.IntType),
		cel.Variable("has_tested", cel.BoolType),
		cel.Variable("has_positive", cel.BoolType),
		cel.Variable("age_group", cel.StringType),
		cel.Variable("method", cel.StringType),
		cel.Variable("attendance", cel.IntType),
		cel.Variable("has_attendance", cel.BoolType),
		cel.Variable("level", cel.StringType),
		cel.Variable("urban", cel.BoolType),
		cel.Variable("facility", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:        env,
		compiled:   make(map[string]map[string]*compiledRule),
		maxWorkers: maxWorkers,
	}, nil
}

// Validate compiles a rule without loading it.
func (e *Engine) Validate(rule *domain.QualityRule) error {
	if rule == nil {
		return fmt.Errorf("quality rule is required")
	}
	_, err := e.compile(rule)
	return err
}

// Load compiles and loads a rule into the session's rule set.
func (e *Engine) Load(rule *domain.QualityRule) error {
	compiled, err := e.compile(rule)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	set := e.compiled[rule.SessionID]
	if set == nil {
		set = make(map[string]*compiledRule)
		e.compiled[rule.SessionID] = set
	}
	set[rule.ID] = compiled
	return nil
}

// Reload replaces a session's rule set atomically. Disabled rules are
// skipped; a compile failure leaves the previous set in place.
func (e *Engine) Reload(sessionID string, rules []*domain.QualityRule) error {
	next := make(map[string]*compiledRule)
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		compiled, err := e.compile(r)
		if err != nil {
			return err
		}
		next[r.ID] = compiled
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled[sessionID] = next
	return nil
}

// Unload drops a session's rule set.
func (e *Engine) Unload(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.compiled, sessionID)
}

// RuleCount returns the number of loaded rules for a session.
func (e *Engine) RuleCount(sessionID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled[sessionID])
}

// Evaluate runs the session's rules against one facility record and
// returns the triggered flags. Each rule sees every reported
// stratum/method cell; a facility that reported nothing gets a single
// pass with empty cell variables so absence rules can still fire.
func (e *Engine) Evaluate(sessionID string, rec *domain.FacilityTestRecord) []domain.QualityFlag {
	e.mu.RLock()
	rules := make([]*compiledRule, 0, len(e.compiled[sessionID]))
	for _, r := range e.compiled[sessionID] {
		rules = append(rules, r)
	}
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil
	}

	cells := recordCells(rec)
	var flags []domain.QualityFlag
	seen := map[string]bool{}

	for _, cell := range cells {
		activation := cellActivation(rec, cell)
		for _, rule := range rules {
			flag, fired := evalRule(rule, rec, cell, activation)
			if !fired {
				continue
			}
			key := flag.RuleID + "\x1f" + string(flag.AgeGroup) + "\x1f" + string(flag.Method)
			if seen[key] {
				continue
			}
			seen[key] = true
			flags = append(flags, flag)
		}
	}
	return flags
}

// EvaluateBatch evaluates many records concurrently, returning flags
// keyed by facility record ID.
func (e *Engine) EvaluateBatch(ctx context.Context, sessionID string, recs []*domain.FacilityTestRecord) map[string][]domain.QualityFlag {
	out := make([][]domain.QualityFlag, len(recs))
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, rec := range recs {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(idx int, r *domain.FacilityTestRecord) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			out[idx] = e.Evaluate(sessionID, r)
		}(i, rec)
	}
	wg.Wait()

	flags := make(map[string][]domain.QualityFlag)
	for i, f := range out {
		if len(f) > 0 {
			flags[recs[i].ID] = f
		}
	}
	return flags
}

// Close clears all loaded rule sets.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled = make(map[string]map[string]*compiledRule)
	return nil
}

func (e *Engine) compile(rule *domain.QualityRule) (*compiledRule, error) {
	ast, issues := e.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", rule.ID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", rule.ID, ast.OutputType())
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}
	return &compiledRule{rule: rule, program: program}, nil
}

// cell is one stratum/method slot of a facility record.
type cell struct {
	group  domain.AgeGroup
	method domain.TestMethod
	counts domain.TestCount
}

// recordCells lists the reported cells, or one empty cell for a silent
// facility.
func recordCells(rec *domain.FacilityTestRecord) []cell {
	var cells []cell
	for _, g := range domain.AgeGroups() {
		for _, m := range domain.TestMethods() {
			c := rec.Count(g, m)
			if c.Tested != nil || c.Positive != nil {
				cells = append(cells, cell{group: g, method: m, counts: c})
			}
		}
	}
	if len(cells) == 0 {
		cells = append(cells, cell{})
	}
	return cells
}

func cellActivation(rec *domain.FacilityTestRecord, c cell) map[string]any {
	var tested, positive int64
	if c.counts.Tested != nil {
		tested = *c.counts.Tested
	}
	if c.counts.Positive != nil {
		positive = *c.counts.Positive
	}
	var attendance int64
	if rec.Attendance != nil {
		attendance = *rec.Attendance
	}

	return map[string]any{
		"tested":         tested,
		"positive":       positive,
		"has_tested":     c.counts.Tested != nil,
		"has_positive":   c.counts.Positive != nil,
		"age_group":      string(c.group),
		"method":         string(c.method),
		"attendance":     attendance,
		"has_attendance": rec.Attendance != nil,
		"level":          string(rec.Level),
		"urban":          rec.Urban,
		"facility": map[string]any{
			"id":     rec.ID,
			"name":   rec.Facility,
			"state":  rec.State,
			"lga":    rec.LGA,
			"ward":   rec.Ward,
			"period": rec.Period,
		},
	}
}

func evalRule(rule *compiledRule, rec *domain.FacilityTestRecord, c cell, activation map[string]any) (domain.QualityFlag, bool) {
	flag := domain.QualityFlag{
		RuleID:     rule.rule.ID,
		FacilityID: rec.ID,
		Facility:   rec.Facility,
		AgeGroup:   c.group,
		Method:     c.method,
		Severity:   rule.rule.Severity,
		Reason:     rule.rule.Name,
	}

	out, _, err := rule.program.Eval(activation)
	if err != nil {
		// A broken expression must never silently drop data.
		flag.Severity = domain.SeverityWarning
		flag.Reason = fmt.Sprintf("evaluation error: %v", err)
		return flag, true
	}
	return flag, truthy(out)
}

func truthy(val ref.Val) bool {
	b, ok := val.(types.Bool)
	return ok && bool(b)
}
