package scheduler

import (
	"fmt"
	"sort"
	"strings"
)

// validateGraph checks that the dependency graph is acyclic with Kahn's
// algorithm. deps maps each task ID to the IDs it depends on; every
// dependency must itself be a key.
func validateGraph(deps map[string][]string) error {
	inDegree := make(map[string]int, len(deps))
	dependents := make(map[string][]string, len(deps))
	for id, ds := range deps {
		inDegree[id] += 0
		for _, d := range ds {
			inDegree[id]++
			dependents[d] = append(dependents[d], id)
		}
	}

	queue := make([]string, 0, len(deps))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(deps) {
		path := findCyclePath(deps)
		return fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(path, " -> "))
	}
	return nil
}

// findCyclePath returns one cycle as a closed path, e.g. [a b a].
func findCyclePath(deps map[string][]string) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	ids := make([]string, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	color := make(map[string]int, len(deps))
	parent := make(map[string]string, len(deps))
	var cycle []string

	var dfs func(id string) bool
	dfs = func(id string) bool {
		color[id] = gray
		for _, d := range deps[id] {
			switch color[d] {
			case gray:
				cycle = []string{d}
				for cur := id; cur != d; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, d)
				for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
					cycle[i], cycle[j] = cycle[j], cycle[i]
				}
				return true
			case white:
				parent[d] = id
				if dfs(d) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for _, id := range ids {
		if color[id] == white && dfs(id) {
			return cycle
		}
	}
	return nil
}

// transitiveDependents returns every task that depends on root directly or
// indirectly, in BFS order.
func transitiveDependents(root string, deps map[string][]string) []string {
	reverse := make(map[string][]string, len(deps))
	for id, ds := range deps {
		for _, d := range ds {
			reverse[d] = append(reverse[d], id)
		}
	}
	for _, ids := range reverse {
		sort.Strings(ids)
	}

	visited := map[string]bool{root: true}
	queue := []string{root}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range reverse[cur] {
			if visited[dep] {
				continue
			}
			visited[dep] = true
			out = append(out, dep)
			queue = append(queue, dep)
		}
	}
	return out
}
