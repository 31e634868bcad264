package orchestrator

import (
	"fmt"

	"tachikoma/internal/task"
)

// validatePlan re-checks the sub-task graph the planner produced before any
// assignment happens: references resolve, no self-loops, no cycles, and the
// steps cover disjoint id sets.
func validatePlan(subtasks map[string]*task.SubTask, plan task.ExecutionPlan) error {
	for id, st := range subtasks {
		for _, dep := range st.Dependencies {
			if dep == id {
				return fmt.Errorf("subtask %s depends on itself", id)
			}
			if _, ok := subtasks[dep]; !ok {
				return fmt.Errorf("subtask %s depends on unknown subtask %s", id, dep)
			}
		}
	}

	if err := checkAcyclic(subtasks); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for i, step := range plan.Steps {
		if len(step.SubtaskIDs) == 0 {
			return fmt.Errorf("step %d has no subtasks", i+1)
		}
		for _, sid := range step.SubtaskIDs {
			if _, ok := subtasks[sid]; !ok {
				return fmt.Errorf("step %d references unknown subtask %s", i+1, sid)
			}
			if seen[sid] {
				return fmt.Errorf("subtask %s appears in more than one step", sid)
			}
			seen[sid] = true
		}
	}
	return nil
}

func checkAcyclic(subtasks map[string]*task.SubTask) error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(subtasks))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = grey
		for _, dep := range subtasks[id].Dependencies {
			switch color[dep] {
			case grey:
				return fmt.Errorf("circular dependency through %s and %s", id, dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for id := range subtasks {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}
