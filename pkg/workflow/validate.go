package workflow

import (
	"fmt"
	"regexp"
)

// maxSteps bounds workflow size to prevent resource exhaustion from
// runaway definitions.
const maxSteps = 1000

// slugPattern is the grammar for workflow and step slugs.
var slugPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,127}$`)

// reservedSlugs cannot be used as workflow or step slugs. "run" collides
// with the run-scoped key space in the persistence layer.
var reservedSlugs = map[string]bool{
	"run": true,
}

// ValidSlug reports whether s matches the slug grammar and is not reserved.
func ValidSlug(s string) bool {
	return slugPattern.MatchString(s) && !reservedSlugs[s]
}

// Validate checks the definition for structural problems: bad slugs,
// duplicate steps, unknown or cyclic dependencies, and malformed map steps.
// The runtime assumes a validated definition.
func (d *Definition) Validate() error {
	if !ValidSlug(d.slug) {
		return NewValidationError("workflow.slug",
			fmt.Sprintf("invalid workflow slug %q", d.slug), nil)
	}
	if len(d.steps) == 0 {
		return NewValidationError("workflow.steps", "workflow must have at least one step", nil)
	}
	if len(d.steps) > maxSteps {
		return NewValidationError("workflow.steps",
			fmt.Sprintf("too many steps: %d (max %d)", len(d.steps), maxSteps), nil)
	}

	seen := make(map[string]bool, len(d.steps))
	for _, s := range d.steps {
		if !ValidSlug(s.Slug) {
			return NewValidationError("step.slug",
				fmt.Sprintf("invalid step slug %q", s.Slug), nil)
		}
		if seen[s.Slug] {
			return NewValidationError("step.slug",
				fmt.Sprintf("duplicate step slug %q", s.Slug), ErrDuplicateStep)
		}
		seen[s.Slug] = true
	}

	for _, s := range d.steps {
		if err := d.validateStep(s, seen); err != nil {
			return err
		}
	}

	return d.validateAcyclic()
}

func (d *Definition) validateStep(s *StepDef, known map[string]bool) error {
	for _, dep := range s.DependsOn {
		if !known[dep] {
			return NewValidationError("step.depends_on",
				fmt.Sprintf("step %s depends on non-existent step %s", s.Slug, dep),
				ErrUnknownStep)
		}
		if dep == s.Slug {
			return NewValidationError("step.depends_on",
				fmt.Sprintf("step %s depends on itself", s.Slug),
				ErrCircularDependency)
		}
	}

	switch s.Type {
	case StepTypeSingle:
		if s.InitialTasks != 1 {
			return NewValidationError("step.initial_tasks",
				fmt.Sprintf("single step %s must have exactly one task", s.Slug), nil)
		}
	case StepTypeMap:
		if len(s.DependsOn) > 1 {
			return NewValidationError("step.depends_on",
				fmt.Sprintf("map step %s may have at most one dependency", s.Slug), nil)
		}
		if s.InitialTasks < 0 {
			return NewValidationError("step.initial_tasks",
				fmt.Sprintf("map step %s has negative initial_tasks", s.Slug), nil)
		}
	default:
		return NewValidationError("step.type",
			fmt.Sprintf("invalid step type %q for step %s", s.Type, s.Slug), nil)
	}

	if s.MaxAttempts < 0 {
		return NewValidationError("step.max_attempts",
			fmt.Sprintf("step %s has negative max_attempts", s.Slug), nil)
	}
	if s.TimeoutSeconds <= 0 {
		return NewValidationError("step.timeout_seconds",
			fmt.Sprintf("step %s must have a positive timeout", s.Slug), nil)
	}
	return nil
}

// validateAcyclic detects cycles in the dependency graph using DFS.
func (d *Definition) validateAcyclic() error {
	visited := make(map[string]bool, len(d.steps))
	recStack := make(map[string]bool, len(d.steps))

	var hasCycle func(string) bool
	hasCycle = func(slug string) bool {
		visited[slug] = true
		recStack[slug] = true

		if s := d.bySlug[slug]; s != nil {
			for _, dep := range s.DependsOn {
				if !visited[dep] {
					if hasCycle(dep) {
						return true
					}
				} else if recStack[dep] {
					return true
				}
			}
		}

		recStack[slug] = false
		return false
	}

	for _, s := range d.steps {
		if !visited[s.Slug] {
			if hasCycle(s.Slug) {
				return NewValidationError("workflow.dependencies",
					fmt.Sprintf("cycle involving step %s", s.Slug),
					ErrCircularDependency)
			}
		}
	}
	return nil
}
