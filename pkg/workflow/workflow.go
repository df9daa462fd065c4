// Package workflow defines workflow graphs: ordered steps, dependency
// edges, per-step metadata, and the resolver from step slug to user code.
//
// A Definition is an immutable, validated description of a DAG. The runtime
// consumes only step enumeration, dependency counts, per-step metadata, and
// the slug-to-Step resolver; scheduling state lives in the store, never here.
package workflow

import (
	"context"
)

// Default execution limits applied when neither the workflow nor the step
// overrides them.
const (
	// DefaultMaxAttempts is the number of times a task may be claimed
	// before it fails permanently.
	DefaultMaxAttempts = 3

	// DefaultTimeoutSeconds is the per-task execution deadline.
	DefaultTimeoutSeconds = 60
)

// StepType distinguishes how a step materializes into tasks.
type StepType string

const (
	// StepTypeSingle expands to exactly one task.
	StepTypeSingle StepType = "single"

	// StepTypeMap expands to InitialTasks parallel tasks, each seeing one
	// element of the parent's collection output.
	StepTypeMap StepType = "map"
)

// Step is the unit of user code dispatched by the worker. Implementations
// are registered at startup and looked up by slug; unknown slugs are
// rejected with a ValidationError.
type Step interface {
	// Slug returns the step's workflow-local identifier.
	Slug() string

	// Run executes the step against its merged input and returns the step
	// output. Errors are classified by the worker as user-logic failures
	// and never cross the worker boundary.
	Run(ctx context.Context, input map[string]any) (map[string]any, error)
}

// StepFunc adapts a plain function to the Step interface.
type StepFunc func(ctx context.Context, input map[string]any) (map[string]any, error)

// funcStep is the Step returned by NewStep.
type funcStep struct {
	slug string
	fn   StepFunc
}

// NewStep wraps fn as a Step with the given slug.
func NewStep(slug string, fn StepFunc) Step {
	return &funcStep{slug: slug, fn: fn}
}

func (s *funcStep) Slug() string { return s.slug }

func (s *funcStep) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	return s.fn(ctx, input)
}

// StepDef is a validated step within a Definition.
type StepDef struct {
	// Slug identifies the step within its workflow.
	Slug string

	// Index is the dense, workflow-local ordinal of the step.
	Index int

	// Type is single or map.
	Type StepType

	// DependsOn lists parent step slugs, in declaration order. Declaration
	// order is significant: task input merging lets later parents win on
	// key conflicts.
	DependsOn []string

	// InitialTasks is the number of tasks materialized when the step
	// becomes ready. Always 1 for single steps; zero is legal for map
	// steps and completes the step immediately.
	InitialTasks int

	// MaxAttempts bounds how often a task of this step may be claimed.
	MaxAttempts int

	// TimeoutSeconds is the per-task execution deadline.
	TimeoutSeconds int

	step Step
}

// Definition is an immutable workflow graph plus the user code resolver.
// Build one with New and Add, then Validate before use; the runtime assumes
// topological validity.
type Definition struct {
	slug           string
	maxAttempts    int
	timeoutSeconds int

	steps  []*StepDef
	bySlug map[string]*StepDef
}

// Option configures workflow-level defaults on New.
type Option func(*Definition)

// WithMaxAttempts sets the workflow-level default for task attempts.
func WithMaxAttempts(n int) Option {
	return func(d *Definition) { d.maxAttempts = n }
}

// WithTimeoutSeconds sets the workflow-level default per-task deadline.
func WithTimeoutSeconds(n int) Option {
	return func(d *Definition) { d.timeoutSeconds = n }
}

// New creates an empty Definition for the given workflow slug.
func New(slug string, opts ...Option) *Definition {
	d := &Definition{
		slug:           slug,
		maxAttempts:    DefaultMaxAttempts,
		timeoutSeconds: DefaultTimeoutSeconds,
		bySlug:         make(map[string]*StepDef),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// stepConfig accumulates StepOption settings. Explicit zero values are
// legal (MaxAttempts(0), Map with zero tasks), so set-flags are tracked
// separately instead of treating zero as unset.
type stepConfig struct {
	dependsOn []string

	stepType     StepType
	initialTasks int

	maxAttempts    int
	maxAttemptsSet bool

	timeoutSeconds    int
	timeoutSecondsSet bool
}

// StepOption configures a single step on Add.
type StepOption func(*stepConfig)

// After declares the step's parents. Order matters for input merging.
func After(slugs ...string) StepOption {
	return func(c *stepConfig) { c.dependsOn = append(c.dependsOn, slugs...) }
}

// AsMap marks the step as a map step fanning out into initialTasks tasks.
func AsMap(initialTasks int) StepOption {
	return func(c *stepConfig) {
		c.stepType = StepTypeMap
		c.initialTasks = initialTasks
	}
}

// MaxAttempts overrides the workflow default for this step.
func MaxAttempts(n int) StepOption {
	return func(c *stepConfig) {
		c.maxAttempts = n
		c.maxAttemptsSet = true
	}
}

// TimeoutSeconds overrides the workflow default for this step.
func TimeoutSeconds(n int) StepOption {
	return func(c *stepConfig) {
		c.timeoutSeconds = n
		c.timeoutSecondsSet = true
	}
}

// Add appends a step to the definition. Structural problems are reported by
// Validate, not here, so definitions can be assembled in any order.
func (d *Definition) Add(step Step, opts ...StepOption) *Definition {
	cfg := stepConfig{
		stepType:     StepTypeSingle,
		initialTasks: 1,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if !cfg.maxAttemptsSet {
		cfg.maxAttempts = d.maxAttempts
	}
	if !cfg.timeoutSecondsSet {
		cfg.timeoutSeconds = d.timeoutSeconds
	}

	def := &StepDef{
		Slug:           step.Slug(),
		Index:          len(d.steps),
		Type:           cfg.stepType,
		DependsOn:      cfg.dependsOn,
		InitialTasks:   cfg.initialTasks,
		MaxAttempts:    cfg.maxAttempts,
		TimeoutSeconds: cfg.timeoutSeconds,
		step:           step,
	}
	d.steps = append(d.steps, def)
	d.bySlug[def.Slug] = def
	return d
}

// Slug returns the workflow slug, which is also the queue name.
func (d *Definition) Slug() string { return d.slug }

// Steps returns the steps in declaration order. Callers must not mutate the
// returned slice.
func (d *Definition) Steps() []*StepDef { return d.steps }

// Lookup returns the step definition for slug, or nil.
func (d *Definition) Lookup(slug string) *StepDef {
	return d.bySlug[slug]
}

// DependencyCount returns the number of incoming edges for slug.
func (d *Definition) DependencyCount(slug string) int {
	s := d.bySlug[slug]
	if s == nil {
		return 0
	}
	return len(s.DependsOn)
}

// Resolve returns the Step implementation for slug.
func (d *Definition) Resolve(slug string) (Step, error) {
	s := d.bySlug[slug]
	if s == nil || s.step == nil {
		return nil, NewValidationError("step", "unknown step slug: "+slug, ErrUnknownStep)
	}
	return s.step, nil
}

// Leaves returns the steps with no outgoing edges, in declaration order.
// Their outputs form the run output.
func (d *Definition) Leaves() []*StepDef {
	hasChild := make(map[string]bool, len(d.steps))
	for _, s := range d.steps {
		for _, dep := range s.DependsOn {
			hasChild[dep] = true
		}
	}

	var leaves []*StepDef
	for _, s := range d.steps {
		if !hasChild[s.Slug] {
			leaves = append(leaves, s)
		}
	}
	return leaves
}
