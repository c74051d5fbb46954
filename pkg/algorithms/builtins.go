package algorithms

import (
	"time"
)

// Builtins returns fresh instances of the shipped algorithms
func Builtins() []Algorithm {
	return []Algorithm{
		&builtin{
			info: Info{
				ID:          "forward-scheduling",
				Name:        "Forward Scheduling",
				Description: "Places every event as early as its dependencies and resource capacity allow.",
				Objectives:  []string{"minimize_makespan"},
			},
			plan: planForward,
		},
		&builtin{
			info: Info{
				ID:          "backward-scheduling",
				Name:        "Backward Scheduling",
				Description: "Places every event as late as possible while still finishing by the current schedule end.",
				Objectives:  []string{"minimize_wait_time"},
			},
			plan: planBackward,
		},
		&builtin{
			info: Info{
				ID:          "critical-path",
				Name:        "Critical Path Method",
				Description: "Computes earliest starts and slack ignoring resource capacity and reports the critical path.",
				Objectives:  []string{"minimize_makespan"},
			},
			plan: planCriticalPath,
		},
		&builtin{
			info: Info{
				ID:          "resource-leveling",
				Name:        "Resource Leveling",
				Description: "Schedules least-slack work first without exceeding resource capacity.",
				Objectives:  []string{"minimize_makespan", "maximize_utilization"},
			},
			plan: planLeveling,
		},
	}
}

func planForward(p *problem, tl *timeline, order []int, step func(int) error) ([]time.Time, []string, error) {
	start, err := placeAll(p, tl, order, step)
	return start, nil, err
}

func planBackward(p *problem, tl *timeline, order []int, step func(int) error) ([]time.Time, []string, error) {
	start := make([]time.Time, len(p.events))
	for i := len(order) - 1; i >= 0; i-- {
		if err := step(len(order) - 1 - i); err != nil {
			return nil, nil, err
		}
		v := order[i]
		e := p.events[v]
		d := p.durations[v]
		if e.Fixed() {
			start[v] = e.StartDate
			tl.reserveBackward(e.ResourceID, e.StartDate, e.StartDate.Add(d))
			continue
		}
		end, fits := tl.placeBackward(e.ResourceID, p.latestEnd(v, start), d)
		if !fits {
			p.warn("Event %s does not fit any availability window of resource %s", e.ID, e.ResourceID)
		}
		start[v] = end.Add(-d)
	}
	if len(order) > 0 {
		earliest := start[order[0]]
		for _, s := range start {
			if s.Before(earliest) {
				earliest = s
			}
		}
		if earliest.Before(p.origin) {
			p.warn("Backward schedule starts %.1f hours before the current schedule start", p.origin.Sub(earliest).Hours())
		}
	}
	return start, nil, nil
}

// cpm runs the forward and backward passes ignoring resource capacity
func cpm(p *problem, order []int) (es, ls []time.Time) {
	n := len(p.events)
	es = make([]time.Time, n)
	for _, v := range order {
		if p.events[v].Fixed() {
			es[v] = p.events[v].StartDate
			continue
		}
		es[v] = p.earliestStart(v, es)
	}

	var projectEnd time.Time
	for v := range es {
		if end := es[v].Add(p.durations[v]); end.After(projectEnd) {
			projectEnd = end
		}
	}

	ls = make([]time.Time, n)
	for i := len(order) - 1; i >= 0; i-- {
		v := order[i]
		if p.events[v].Fixed() {
			ls[v] = p.events[v].StartDate
			continue
		}
		ls[v] = p.depCeil(v, ls, projectEnd).Add(-p.durations[v])
	}
	return es, ls
}

func planCriticalPath(p *problem, tl *timeline, order []int, step func(int) error) ([]time.Time, []string, error) {
	for i := range order {
		if err := step(i); err != nil {
			return nil, nil, err
		}
	}
	es, ls := cpm(p, order)

	var critical []string
	for _, v := range order {
		if ls[v].Sub(es[v]) <= time.Second {
			critical = append(critical, p.events[v].ID)
		}
	}

	conflicts := 0
	byResource := make(map[string][]int)
	for _, v := range order {
		if _, ok := p.resources[p.events[v].ResourceID]; ok {
			byResource[p.events[v].ResourceID] = append(byResource[p.events[v].ResourceID], v)
		}
	}
	for id, vs := range byResource {
		capacity := len(tl.slots[id])
		for _, a := range vs {
			overlapping := 1
			for _, b := range vs {
				if a != b && es[b].Before(es[a].Add(p.durations[a])) && es[a].Before(es[b].Add(p.durations[b])) {
					overlapping++
				}
			}
			if overlapping > capacity {
				conflicts++
			}
		}
	}
	if conflicts > 0 {
		p.warn("%d events exceed resource capacity; critical path scheduling does not level resources", conflicts)
	}
	return es, critical, nil
}

func planLeveling(p *problem, tl *timeline, order []int, step func(int) error) ([]time.Time, []string, error) {
	es, ls := cpm(p, order)
	// least slack first, then earliest start
	prioritized, err := p.topoOrder(func(a, b int) bool {
		sa, sb := ls[a].Sub(es[a]), ls[b].Sub(es[b])
		if sa != sb {
			return sa < sb
		}
		if !es[a].Equal(es[b]) {
			return es[a].Before(es[b])
		}
		return p.events[a].ID < p.events[b].ID
	})
	if err != nil {
		return nil, nil, err
	}
	start, err := placeAll(p, tl, prioritized, step)
	return start, nil, err
}
