// Package deopt tracks per-function tier state. The controller is a
// passive recorder: other layers post events, and callers ask whether
// a function must run on the plain interpreted path.
package deopt

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultRegressionThreshold deoptimises a function when its observed
// time exceeds baseline by half again.
const DefaultRegressionThreshold = 1.5

// EventKind identifies why an optimistic assumption failed.
type EventKind uint8

const (
	EventTypeMismatch EventKind = iota
	EventOptimisationFailure
	EventMemoryPressure
	EventCompilationError
	EventPerformanceRegression
)

func (k EventKind) String() string {
	switch k {
	case EventTypeMismatch:
		return "type_mismatch"
	case EventOptimisationFailure:
		return "optimisation_failure"
	case EventMemoryPressure:
		return "memory_pressure"
	case EventCompilationError:
		return "compilation_error"
	case EventPerformanceRegression:
		return "performance_regression"
	default:
		return fmt.Sprintf("EventKind(%d)", k)
	}
}

// Fatal reports whether a single event of this kind is enough to
// deoptimise the function it was posted against.
func (k EventKind) Fatal() bool {
	return k == EventTypeMismatch || k == EventCompilationError
}

// Event is one recorded fact about a function. Only the fields
// relevant to the kind are populated.
type Event struct {
	Kind       EventKind
	When       time.Time
	Expected   string // type_mismatch
	Actual     string // type_mismatch
	Assumption string // optimisation_failure
	Message    string // compilation_error
	Bytes      uint64 // memory_pressure
	BaselineNs int64  // performance_regression
	ObservedNs int64  // performance_regression
}

func (e Event) String() string {
	switch e.Kind {
	case EventTypeMismatch:
		return fmt.Sprintf("type_mismatch expected=%s actual=%s", e.Expected, e.Actual)
	case EventOptimisationFailure:
		return fmt.Sprintf("optimisation_failure assumption=%q", e.Assumption)
	case EventMemoryPressure:
		return fmt.Sprintf("memory_pressure bytes=%d", e.Bytes)
	case EventCompilationError:
		return fmt.Sprintf("compilation_error %s", e.Message)
	case EventPerformanceRegression:
		return fmt.Sprintf("performance_regression baseline=%dns observed=%dns", e.BaselineNs, e.ObservedNs)
	default:
		return e.Kind.String()
	}
}

// funcState is the controller's view of one function.
type funcState struct {
	deoptimised bool
	events      []Event
	allocBytes  uint64
}

// Stats is a queryable snapshot of the controller.
type Stats struct {
	PerKind     map[EventKind]uint64
	Deoptimised []string // sorted function names
	Functions   int
}

// Controller governs when a function falls back to interpreted
// execution. Thread-safe for concurrent access.
type Controller struct {
	mu        sync.Mutex
	funcs     map[string]*funcState
	perKind   map[EventKind]uint64
	threshold float64
}

// NewController returns a controller with the given performance
// regression threshold; zero or negative selects the default.
func NewController(threshold float64) *Controller {
	if threshold <= 0 {
		threshold = DefaultRegressionThreshold
	}
	return &Controller{
		funcs:     make(map[string]*funcState),
		perKind:   make(map[EventKind]uint64),
		threshold: threshold,
	}
}

func (c *Controller) state(fn string) *funcState {
	st := c.funcs[fn]
	if st == nil {
		st = &funcState{}
		c.funcs[fn] = st
	}
	return st
}

// RecordEvent posts an event against a function and applies the tier
// policy for its kind.
func (c *Controller) RecordEvent(fn string, ev Event) {
	if c == nil {
		return
	}
	if ev.When.IsZero() {
		ev.When = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apply(fn, ev)
}

// apply assumes c.mu is held.
func (c *Controller) apply(fn string, ev Event) {
	st := c.state(fn)
	st.events = append(st.events, ev)
	c.perKind[ev.Kind]++

	switch {
	case ev.Kind.Fatal():
		st.deoptimised = true
	case ev.Kind == EventPerformanceRegression:
		if exceeds(ev.BaselineNs, ev.ObservedNs, c.threshold) {
			st.deoptimised = true
		}
	case ev.Kind == EventMemoryPressure:
		if st.allocBytes > c.medianAllocBytes() {
			st.deoptimised = true
		}
	}
}

// RecordTypeMismatch posts a fatal type mismatch against a function.
func (c *Controller) RecordTypeMismatch(fn, expected, actual string) {
	c.RecordEvent(fn, Event{Kind: EventTypeMismatch, Expected: expected, Actual: actual})
}

// RecordOptimisationFailure posts a failed speculative assumption.
func (c *Controller) RecordOptimisationFailure(fn, assumption string) {
	c.RecordEvent(fn, Event{Kind: EventOptimisationFailure, Assumption: assumption})
}

// RecordCompilationError posts a fatal compilation failure.
func (c *Controller) RecordCompilationError(fn, message string) {
	c.RecordEvent(fn, Event{Kind: EventCompilationError, Message: message})
}

// RecordPerformanceRegression posts a timing sample; the function is
// deoptimised when observed exceeds baseline by the threshold factor.
func (c *Controller) RecordPerformanceRegression(fn string, baseline, observed time.Duration) {
	c.RecordEvent(fn, Event{
		Kind:       EventPerformanceRegression,
		BaselineNs: baseline.Nanoseconds(),
		ObservedNs: observed.Nanoseconds(),
	})
}

// RecordMemoryPressure broadcasts a pressure notification. Only
// functions whose resident allocations sit above the median are
// deoptimised by it.
func (c *Controller) RecordMemoryPressure(liveBytes uint64) {
	if c == nil {
		return
	}
	ev := Event{Kind: EventMemoryPressure, Bytes: liveBytes, When: time.Now()}
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.funcs))
	for fn := range c.funcs {
		names = append(names, fn)
	}
	sort.Strings(names)
	for _, fn := range names {
		c.apply(fn, ev)
	}
}

// ObserveAllocation attributes allocated bytes to a function for the
// memory-pressure median policy.
func (c *Controller) ObserveAllocation(fn string, bytes uint64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state(fn).allocBytes += bytes
}

// medianAllocBytes assumes c.mu is held.
func (c *Controller) medianAllocBytes() uint64 {
	if len(c.funcs) == 0 {
		return 0
	}
	all := make([]uint64, 0, len(c.funcs))
	for _, st := range c.funcs {
		all = append(all, st.allocBytes)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	return all[len(all)/2]
}

// IsDeoptimised reports whether a function must run on the plain
// interpreted path.
func (c *Controller) IsDeoptimised(fn string) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.funcs[fn]
	return st != nil && st.deoptimised
}

// Reenable clears a function's deoptimised bit; its event log is kept.
func (c *Controller) Reenable(fn string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if st := c.funcs[fn]; st != nil {
		st.deoptimised = false
	}
}

// ShouldDeoptimise is the pure regression predicate: true when
// observed exceeds baseline by more than the threshold factor.
func (c *Controller) ShouldDeoptimise(fn string, baseline, observed time.Duration, threshold float64) bool {
	if threshold <= 0 {
		threshold = DefaultRegressionThreshold
	}
	return exceeds(baseline.Nanoseconds(), observed.Nanoseconds(), threshold)
}

func exceeds(baselineNs, observedNs int64, threshold float64) bool {
	if baselineNs <= 0 {
		return false
	}
	return float64(observedNs) > float64(baselineNs)*threshold
}

// EventsFor returns a copy of a function's event log.
func (c *Controller) EventsFor(fn string) []Event {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.funcs[fn]
	if st == nil {
		return nil
	}
	out := make([]Event, len(st.events))
	copy(out, st.events)
	return out
}

// Stats returns a snapshot of per-kind counters and the deoptimised set.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		PerKind:   make(map[EventKind]uint64, len(c.perKind)),
		Functions: len(c.funcs),
	}
	for k, v := range c.perKind {
		s.PerKind[k] = v
	}
	for fn, st := range c.funcs {
		if st.deoptimised {
			s.Deoptimised = append(s.Deoptimised, fn)
		}
	}
	sort.Strings(s.Deoptimised)
	return s
}
