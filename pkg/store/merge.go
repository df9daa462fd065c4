package store

// Input and output merging rules. Maps merge key-wise with later sources
// winning; ordering is always the workflow's step declaration order, so the
// result is deterministic for a given run.

// MergeMaps unions the given maps left to right; on key collision the later
// map wins. The inputs are never mutated.
func MergeMaps(maps ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// SingleTaskInput builds the input for a single-type step's task: the run
// input unioned with the outputs of the step's parents in declaration order.
func SingleTaskInput(runInput map[string]any, parentOutputs []map[string]any) map[string]any {
	merged := make([]map[string]any, 0, len(parentOutputs)+1)
	merged = append(merged, runInput)
	merged = append(merged, parentOutputs...)
	return MergeMaps(merged...)
}

// MapTaskInput builds the input for task i of a map step: the run input
// unioned with {"item": items[i]}. An index beyond the parent's list yields
// a nil item.
func MapTaskInput(runInput map[string]any, items []any, taskIndex int) map[string]any {
	var item any
	if taskIndex >= 0 && taskIndex < len(items) {
		item = items[taskIndex]
	}
	return MergeMaps(runInput, map[string]any{"item": item})
}

// ExtractItems pulls the fan-out list a map step distributes across its
// tasks from the parent's output: either the output's "items" value when it
// is a list, or nothing. A root map step (no parent) fans out over the
// run input's "items" value the same way.
func ExtractItems(output map[string]any) []any {
	if items, ok := output["items"].([]any); ok {
		return items
	}
	return nil
}

// StepOutput folds a step's task outputs, ordered by task index, into the
// step's output. Single-type steps pass their one task output through;
// map steps union all task outputs with higher indices winning.
func StepOutput(taskOutputs []map[string]any) map[string]any {
	return MergeMaps(taskOutputs...)
}

// RunOutput builds a completed run's output: the run input unioned with the
// outputs of the leaf steps in declaration order.
func RunOutput(runInput map[string]any, leafOutputs []map[string]any) map[string]any {
	merged := make([]map[string]any, 0, len(leafOutputs)+1)
	merged = append(merged, runInput)
	merged = append(merged, leafOutputs...)
	return MergeMaps(merged...)
}
