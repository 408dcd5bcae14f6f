package workflow

import "fmt"

// TopoOrder returns the step names in a valid execution order using
// Kahn's algorithm. Ties are broken by declaration order so the result
// is deterministic. Fails if the dependency graph contains a cycle.
func TopoOrder(steps []StepDefinition) ([]string, error) {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		indegree[s.Name] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}

	order := make([]string, 0, len(steps))
	done := make(map[string]bool, len(steps))
	for len(order) < len(steps) {
		progressed := false
		for _, s := range steps {
			if done[s.Name] || indegree[s.Name] > 0 {
				continue
			}
			done[s.Name] = true
			order = append(order, s.Name)
			for _, next := range dependents[s.Name] {
				indegree[next]--
			}
			progressed = true
		}
		if !progressed {
			return nil, fmt.Errorf("dependency cycle involving %s", firstUnordered(steps, done))
		}
	}
	return order, nil
}

func firstUnordered(steps []StepDefinition, done map[string]bool) string {
	for _, s := range steps {
		if !done[s.Name] {
			return fmt.Sprintf("step %q", s.Name)
		}
	}
	return "unknown step"
}

// ReadySteps returns the steps of def that are eligible to execute for
// the given run: every dependency has a recorded output and the step
// itself has not completed. The result preserves declaration order.
func ReadySteps(def *Definition, run *Run) []StepDefinition {
	var ready []StepDefinition
	for _, s := range def.Steps {
		if run.StepCompleted(s.Name) {
			continue
		}
		ok := true
		for _, dep := range s.DependsOn {
			if !run.StepCompleted(dep) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, s)
		}
	}
	return ready
}

// Remaining reports how many steps of def have not yet completed for
// the given run.
func Remaining(def *Definition, run *Run) int {
	n := 0
	for _, s := range def.Steps {
		if !run.StepCompleted(s.Name) {
			n++
		}
	}
	return n
}
