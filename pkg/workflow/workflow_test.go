package workflow

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoStep(slug string) Step {
	return NewStep(slug, func(_ context.Context, input map[string]any) (map[string]any, error) {
		return input, nil
	})
}

func TestDefinition_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		def    *Definition
		errMsg string
	}{
		{
			name: "valid chain",
			def: New("etl").
				Add(echoStep("extract")).
				Add(echoStep("load"), After("extract")),
		},
		{
			name:   "invalid workflow slug",
			def:    New("9bad").Add(echoStep("s")),
			errMsg: "invalid workflow slug",
		},
		{
			name:   "reserved workflow slug",
			def:    New("run").Add(echoStep("s")),
			errMsg: "invalid workflow slug",
		},
		{
			name:   "no steps",
			def:    New("empty"),
			errMsg: "at least one step",
		},
		{
			name:   "invalid step slug",
			def:    New("wf").Add(echoStep("bad-slug")),
			errMsg: "invalid step slug",
		},
		{
			name: "duplicate step slug",
			def: New("wf").
				Add(echoStep("s")).
				Add(echoStep("s")),
			errMsg: "duplicate step slug",
		},
		{
			name:   "unknown dependency",
			def:    New("wf").Add(echoStep("s"), After("ghost")),
			errMsg: "non-existent step",
		},
		{
			name: "self dependency",
			def:  New("wf").Add(echoStep("s"), After("s")),
			// Reported before the DFS runs.
			errMsg: "depends on itself",
		},
		{
			name: "cycle",
			def: New("wf").
				Add(echoStep("a"), After("b")).
				Add(echoStep("b"), After("a")),
			errMsg: "cycle",
		},
		{
			name: "map step with two parents",
			def: New("wf").
				Add(echoStep("p1")).
				Add(echoStep("p2")).
				Add(echoStep("m"), AsMap(2), After("p1", "p2")),
			errMsg: "at most one dependency",
		},
		{
			name: "map step with zero tasks is legal",
			def: New("wf").
				Add(echoStep("p")).
				Add(echoStep("m"), AsMap(0), After("p")),
		},
		{
			name:   "negative max attempts",
			def:    New("wf").Add(echoStep("s"), MaxAttempts(-1)),
			errMsg: "negative max_attempts",
		},
		{
			name:   "non-positive timeout",
			def:    New("wf").Add(echoStep("s"), TimeoutSeconds(0)),
			errMsg: "positive timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.def.Validate()
			if tt.errMsg == "" {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			}
		})
	}
}

func TestDefinition_ValidateLongSlug(t *testing.T) {
	t.Parallel()

	ok := strings.Repeat("a", 128)
	require.True(t, ValidSlug(ok))
	require.False(t, ValidSlug(ok+"a"))
}

func TestDefinition_Defaults(t *testing.T) {
	t.Parallel()

	def := New("wf", WithMaxAttempts(5), WithTimeoutSeconds(120)).
		Add(echoStep("a")).
		Add(echoStep("b"), MaxAttempts(0), TimeoutSeconds(1))
	require.NoError(t, def.Validate())

	a := def.Lookup("a")
	require.NotNil(t, a)
	assert.Equal(t, 5, a.MaxAttempts)
	assert.Equal(t, 120, a.TimeoutSeconds)
	assert.Equal(t, StepTypeSingle, a.Type)
	assert.Equal(t, 1, a.InitialTasks)

	// Explicit zero overrides the workflow default.
	b := def.Lookup("b")
	require.NotNil(t, b)
	assert.Equal(t, 0, b.MaxAttempts)
	assert.Equal(t, 1, b.TimeoutSeconds)
}

func TestDefinition_Leaves(t *testing.T) {
	t.Parallel()

	def := New("diamond").
		Add(echoStep("root")).
		Add(echoStep("left"), After("root")).
		Add(echoStep("right"), After("root")).
		Add(echoStep("merge"), After("left", "right"))
	require.NoError(t, def.Validate())

	leaves := def.Leaves()
	require.Len(t, leaves, 1)
	assert.Equal(t, "merge", leaves[0].Slug)

	fanout := New("fan").
		Add(echoStep("root")).
		Add(echoStep("l1"), After("root")).
		Add(echoStep("l2"), After("root"))
	require.NoError(t, fanout.Validate())

	leaves = fanout.Leaves()
	require.Len(t, leaves, 2)
	assert.Equal(t, "l1", leaves[0].Slug)
	assert.Equal(t, "l2", leaves[1].Slug)
}

func TestDefinition_Resolve(t *testing.T) {
	t.Parallel()

	def := New("wf").Add(echoStep("s"))
	require.NoError(t, def.Validate())

	step, err := def.Resolve("s")
	require.NoError(t, err)
	assert.Equal(t, "s", step.Slug())

	_, err = def.Resolve("ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownStep)
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	def := New("wf").Add(echoStep("s"))

	require.NoError(t, reg.Register(def))

	got, err := reg.Get("wf")
	require.NoError(t, err)
	assert.Same(t, def, got)

	// Double registration is rejected.
	err = reg.Register(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	_, err = reg.Get("missing")
	require.Error(t, err)

	assert.Equal(t, []string{"wf"}, reg.Slugs())
}

func TestRegistry_RejectsInvalidDefinition(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	err := reg.Register(New("wf"))
	require.Error(t, err)

	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}
