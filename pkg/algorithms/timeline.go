package algorithms

import (
	"math"
	"sort"
	"time"

	"github.com/psantana5/schedopt/pkg/models"
)

// timeline tracks when each parallel slot of each resource is busy.
// Forward planners store the instant a slot becomes free; backward
// planners store the instant it becomes busy. The zero time means the
// slot has not been used yet.
type timeline struct {
	slots   map[string][]time.Time
	windows map[string][]models.Window
	setup   time.Duration
	setups  int
}

func newTimeline(p *problem) *timeline {
	tl := &timeline{
		slots:   make(map[string][]time.Time, len(p.resources)),
		windows: make(map[string][]models.Window, len(p.resources)),
		setup:   time.Duration(p.settings.SetupHours * float64(time.Hour)),
	}
	for id, r := range p.resources {
		n := int(math.Floor(r.Capacity))
		if n < 1 {
			n = 1
		}
		tl.slots[id] = make([]time.Time, n)
		if len(r.Availability) > 0 {
			w := append([]models.Window(nil), r.Availability...)
			sort.Slice(w, func(i, j int) bool { return w[i].Start.Before(w[j].Start) })
			tl.windows[id] = w
		}
	}
	return tl
}

// fitForward moves start to the first window that holds [start, start+d)
func fitForward(windows []models.Window, start time.Time, d time.Duration) (time.Time, bool) {
	if len(windows) == 0 {
		return start, true
	}
	for _, w := range windows {
		s := start
		if w.Start.After(s) {
			s = w.Start
		}
		if !s.Add(d).After(w.End) {
			return s, true
		}
	}
	return start, false
}

// fitBackward moves end to the last window that holds [end-d, end)
func fitBackward(windows []models.Window, end time.Time, d time.Duration) (time.Time, bool) {
	if len(windows) == 0 {
		return end, true
	}
	for i := len(windows) - 1; i >= 0; i-- {
		w := windows[i]
		e := end
		if w.End.Before(e) {
			e = w.End
		}
		if !e.Add(-d).Before(w.Start) {
			return e, true
		}
	}
	return end, false
}

// placeForward books the earliest slot start at or after earliest
func (tl *timeline) placeForward(resourceID string, earliest time.Time, d time.Duration) (time.Time, bool) {
	slots, ok := tl.slots[resourceID]
	if !ok {
		return earliest, true
	}
	best := -1
	var bestStart time.Time
	bestFits, bestSetup := true, false
	for i, free := range slots {
		c := earliest
		setup := false
		if !free.IsZero() {
			if f := free.Add(tl.setup); f.After(c) {
				c = f
			}
			setup = tl.setup > 0
		}
		c, fits := fitForward(tl.windows[resourceID], c, d)
		if best < 0 || c.Before(bestStart) {
			best, bestStart, bestFits, bestSetup = i, c, fits, setup
		}
	}
	slots[best] = bestStart.Add(d)
	if bestSetup {
		tl.setups++
	}
	return bestStart, bestFits
}

// placeBackward books the latest slot end at or before latest
func (tl *timeline) placeBackward(resourceID string, latest time.Time, d time.Duration) (time.Time, bool) {
	slots, ok := tl.slots[resourceID]
	if !ok {
		return latest, true
	}
	best := -1
	var bestEnd time.Time
	bestFits, bestSetup := true, false
	for i, busy := range slots {
		c := latest
		setup := false
		if !busy.IsZero() {
			if b := busy.Add(-tl.setup); b.Before(c) {
				c = b
			}
			setup = tl.setup > 0
		}
		c, fits := fitBackward(tl.windows[resourceID], c, d)
		if best < 0 || c.After(bestEnd) {
			best, bestEnd, bestFits, bestSetup = i, c, fits, setup
		}
	}
	slots[best] = bestEnd.Add(-d)
	if bestSetup {
		tl.setups++
	}
	return bestEnd, bestFits
}

// reserveForward books a fixed event in a forward timeline
func (tl *timeline) reserveForward(resourceID string, start, end time.Time) {
	slots, ok := tl.slots[resourceID]
	if !ok {
		return
	}
	best := 0
	for i, free := range slots {
		if !free.After(start) {
			best = i
			break
		}
		if free.Before(slots[best]) {
			best = i
		}
	}
	if end.After(slots[best]) {
		slots[best] = end
	}
}

// reserveBackward books a fixed event in a backward timeline
func (tl *timeline) reserveBackward(resourceID string, start, end time.Time) {
	slots, ok := tl.slots[resourceID]
	if !ok {
		return
	}
	best := 0
	for i, busy := range slots {
		if busy.IsZero() || !busy.Before(end) {
			best = i
			break
		}
		if busy.After(slots[best]) {
			best = i
		}
	}
	if slots[best].IsZero() || start.Before(slots[best]) {
		slots[best] = start
	}
}
