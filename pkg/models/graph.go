package models

import "sort"

// DependencyCycle returns one cycle among the non-optional dependencies as
// a closed path of event IDs (first == last), or nil when they form a DAG.
// Edges naming unknown events are ignored here; validation reports them.
func (sd *ScheduleData) DependencyCycle() []string {
	known := make(map[string]bool, len(sd.Events))
	for _, e := range sd.Events {
		known[e.ID] = true
	}
	adj := make(map[string][]string)
	for _, d := range sd.Dependencies {
		if d.Optional || !known[d.From] || !known[d.To] {
			continue
		}
		adj[d.From] = append(adj[d.From], d.To)
	}
	for k := range adj {
		sort.Strings(adj[k])
	}

	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(known))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, next := range adj[id] {
			switch color[next] {
			case grey:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == next {
						cycle = append(append([]string{}, stack[i:]...), next)
						return true
					}
				}
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	ids := make([]string, 0, len(sd.Events))
	for _, e := range sd.Events {
		ids = append(ids, e.ID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}
