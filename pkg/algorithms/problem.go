package algorithms

import (
	"container/heap"
	"fmt"
	"strings"
	"time"

	"github.com/psantana5/schedopt/pkg/models"
)

type link struct {
	other int
	typ   models.DependencyType
	lag   time.Duration
}

// problem is the indexed form of a schedule that planners work on
type problem struct {
	events    []models.Event
	index     map[string]int
	durations []time.Duration
	succ      [][]link
	pred      [][]link
	origin    time.Time // earliest original start
	horizon   time.Time // latest original end
	resources map[string]models.Resource
	settings  Settings
	warnings  []string
}

func newProblem(in Input) (*problem, error) {
	sd := in.Schedule
	n := len(sd.Events)
	p := &problem{
		events:    sd.Events,
		index:     make(map[string]int, n),
		durations: make([]time.Duration, n),
		succ:      make([][]link, n),
		pred:      make([][]link, n),
		resources: make(map[string]models.Resource, len(sd.Resources)),
		settings:  in.Settings,
	}
	for _, r := range sd.Resources {
		p.resources[r.ID] = r
	}
	for i, e := range sd.Events {
		if _, dup := p.index[e.ID]; dup {
			return nil, models.NewJobError(models.ErrCodeInvalidSchedule, fmt.Sprintf("duplicate event id %q", e.ID))
		}
		p.index[e.ID] = i
		d := e.Span()
		if d < 0 {
			return nil, models.NewJobError(models.ErrCodeInvalidSchedule, fmt.Sprintf("event %q ends before it starts", e.ID))
		}
		p.durations[i] = d
		if p.origin.IsZero() || e.StartDate.Before(p.origin) {
			p.origin = e.StartDate
		}
		if end := e.StartDate.Add(d); end.After(p.horizon) {
			p.horizon = end
		}
	}
	for _, d := range sd.Dependencies {
		if d.Optional {
			continue
		}
		from, ok1 := p.index[d.From]
		to, ok2 := p.index[d.To]
		if !ok1 || !ok2 {
			return nil, models.NewJobError(models.ErrCodeInvalidSchedule,
				fmt.Sprintf("dependency %s -> %s references an unknown event", d.From, d.To))
		}
		typ := d.Type
		if typ == "" {
			typ = models.FinishToStart
		}
		p.succ[from] = append(p.succ[from], link{other: to, typ: typ, lag: d.LagDuration()})
		p.pred[to] = append(p.pred[to], link{other: from, typ: typ, lag: d.LagDuration()})
	}
	return p, nil
}

func (p *problem) warn(format string, args ...interface{}) {
	p.warnings = append(p.warnings, fmt.Sprintf(format, args...))
}

// priorityQueue orders ready events by a caller supplied key
type priorityQueue struct {
	items []int
	less  func(a, b int) bool
}

func (q *priorityQueue) Len() int           { return len(q.items) }
func (q *priorityQueue) Less(i, j int) bool { return q.less(q.items[i], q.items[j]) }
func (q *priorityQueue) Swap(i, j int)      { q.items[i], q.items[j] = q.items[j], q.items[i] }
func (q *priorityQueue) Push(x interface{}) { q.items = append(q.items, x.(int)) }
func (q *priorityQueue) Pop() interface{} {
	old := q.items
	n := len(old)
	x := old[n-1]
	q.items = old[:n-1]
	return x
}

// byOriginalStart is the default tie break: original start, then ID
func (p *problem) byOriginalStart(a, b int) bool {
	ea, eb := p.events[a], p.events[b]
	if !ea.StartDate.Equal(eb.StartDate) {
		return ea.StartDate.Before(eb.StartDate)
	}
	return ea.ID < eb.ID
}

// topoOrder returns a topological order choosing among ready events with
// less. A cycle yields a CIRCULAR_DEPENDENCY job error.
func (p *problem) topoOrder(less func(a, b int) bool) ([]int, error) {
	n := len(p.events)
	indeg := make([]int, n)
	for v := range p.pred {
		indeg[v] = len(p.pred[v])
	}
	q := &priorityQueue{less: less}
	for v := 0; v < n; v++ {
		if indeg[v] == 0 {
			q.items = append(q.items, v)
		}
	}
	heap.Init(q)

	order := make([]int, 0, n)
	for q.Len() > 0 {
		v := heap.Pop(q).(int)
		order = append(order, v)
		for _, l := range p.succ[v] {
			indeg[l.other]--
			if indeg[l.other] == 0 {
				heap.Push(q, l.other)
			}
		}
	}
	if len(order) < n {
		sd := models.ScheduleData{Events: p.events}
		for v := range p.succ {
			for _, l := range p.succ[v] {
				sd.Dependencies = append(sd.Dependencies, models.Dependency{From: p.events[v].ID, To: p.events[l.other].ID})
			}
		}
		cycle := sd.DependencyCycle()
		return nil, models.NewJobError(models.ErrCodeCircularDependency,
			"Circular dependency detected: "+strings.Join(cycle, " -> ")).
			WithDetail("cycle", cycle)
	}
	return order, nil
}

// earliestStart is the dependency lower bound for v given placed
// predecessors, never earlier than the schedule origin
func (p *problem) earliestStart(v int, start []time.Time) time.Time {
	return p.depBound(v, start, p.origin)
}

func (p *problem) depBound(v int, start []time.Time, floor time.Time) time.Time {
	es := floor
	dv := p.durations[v]
	for _, l := range p.pred[v] {
		us := start[l.other]
		ue := us.Add(p.durations[l.other])
		var b time.Time
		switch l.typ {
		case models.StartToStart:
			b = us.Add(l.lag)
		case models.FinishToFinish:
			b = ue.Add(l.lag - dv)
		case models.StartToFinish:
			b = us.Add(l.lag - dv)
		default:
			b = ue.Add(l.lag)
		}
		if b.After(es) {
			es = b
		}
	}
	return es
}

// latestEnd is the dependency upper bound on v's end given placed
// successors, never later than the schedule horizon
func (p *problem) latestEnd(v int, start []time.Time) time.Time {
	return p.depCeil(v, start, p.horizon)
}

func (p *problem) depCeil(v int, start []time.Time, ceiling time.Time) time.Time {
	le := ceiling
	dv := p.durations[v]
	for _, l := range p.succ[v] {
		ws := start[l.other]
		we := ws.Add(p.durations[l.other])
		var b time.Time
		switch l.typ {
		case models.StartToStart:
			b = ws.Add(-l.lag + dv)
		case models.FinishToFinish:
			b = we.Add(-l.lag)
		case models.StartToFinish:
			b = we.Add(-l.lag + dv)
		default:
			b = ws.Add(-l.lag)
		}
		if b.Before(le) {
			le = b
		}
	}
	return le
}

// violations counts events the planned schedule starts too early
func (p *problem) violations(start []time.Time) int {
	count := 0
	for v := range p.events {
		if len(p.pred[v]) == 0 {
			continue
		}
		if start[v].Before(p.depBound(v, start, time.Time{})) {
			count++
			p.warn("Event %s starts before its predecessors allow", p.events[v].ID)
		}
	}
	return count
}
