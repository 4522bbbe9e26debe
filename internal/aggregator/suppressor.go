package aggregator

import (
	"sync"
	"time"

	"github.com/rickgao/energy-pipeline/internal/model"
)

// suppressionRetention is how far behind a device's newest claimed hour a
// device-hour is still remembered.
const suppressionRetention = 24 * time.Hour

// deviceHours holds the claimed hours of one device, keyed by Unix seconds.
type deviceHours struct {
	newest  time.Time
	claimed map[int64]struct{}
}

// suppressionState is only touched by the Suppressor goroutine.
type suppressionState map[int64]*deviceHours

// Suppressor remembers which device-hours have already alerted. Its map is
// owned by one goroutine.
//
// Retention is measured against the newest hour claimed for the same
// device, never the wall clock, so replaying an old backlog alerts once per
// hour. An hour that has already fallen out of retention counts as claimed.
type Suppressor struct {
	ops       chan func(suppressionState)
	done      chan struct{}
	closeOnce sync.Once
}

// NewSuppressor starts an empty Suppressor.
func NewSuppressor() *Suppressor {
	s := &Suppressor{
		ops:  make(chan func(suppressionState)),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Suppressor) run() {
	state := make(suppressionState)
	for {
		select {
		case <-s.done:
			return
		case op := <-s.ops:
			op(state)
		}
	}
}

func (s *Suppressor) do(fn func(suppressionState)) bool {
	finished := make(chan struct{})
	select {
	case s.ops <- func(state suppressionState) {
		fn(state)
		close(finished)
	}:
	case <-s.done:
		return false
	}
	<-finished
	return true
}

// Claim marks key as alerted. It reports true only for the first claim.
func (s *Suppressor) Claim(key model.SuppressionKey) bool {
	var claimed bool
	s.do(func(state suppressionState) {
		dh, ok := state[key.DeviceID]
		if !ok {
			dh = &deviceHours{newest: key.HourStart, claimed: make(map[int64]struct{})}
			state[key.DeviceID] = dh
		}
		if key.HourStart.After(dh.newest) {
			dh.newest = key.HourStart
			dh.prune()
		}

		if key.HourStart.Before(dh.cutoff()) {
			return
		}
		hour := key.HourStart.Unix()
		if _, ok := dh.claimed[hour]; ok {
			return
		}
		dh.claimed[hour] = struct{}{}
		claimed = true
	})
	return claimed
}

func (dh *deviceHours) cutoff() time.Time {
	return dh.newest.Add(-suppressionRetention)
}

func (dh *deviceHours) prune() {
	cutoff := dh.cutoff().Unix()
	for hour := range dh.claimed {
		if hour < cutoff {
			delete(dh.claimed, hour)
		}
	}
}

// Release forgets key so the next Claim succeeds again.
func (s *Suppressor) Release(key model.SuppressionKey) {
	s.do(func(state suppressionState) {
		if dh, ok := state[key.DeviceID]; ok {
			delete(dh.claimed, key.HourStart.Unix())
		}
	})
}

// Len returns the number of remembered device-hours.
func (s *Suppressor) Len() int {
	var n int
	s.do(func(state suppressionState) {
		for _, dh := range state {
			n += len(dh.claimed)
		}
	})
	return n
}

// Close stops the Suppressor goroutine.
func (s *Suppressor) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
