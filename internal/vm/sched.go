package vm

// Priority orders the scheduler's queues. Signals drain before
// computeds, computeds before effects, effects before deferred work.
type Priority uint8

const (
	// PrioSync holds written signals.
	PrioSync Priority = iota
	// PrioHigh holds dirty computeds.
	PrioHigh
	// PrioNormal holds effects due to re-run.
	PrioNormal
	// PrioLow holds cleanups and deferred work.
	PrioLow

	prioCount
)

// String returns a human-readable name for the priority tier.
func (p Priority) String() string {
	switch p {
	case PrioSync:
		return "sync"
	case PrioHigh:
		return "high"
	case PrioNormal:
		return "normal"
	case PrioLow:
		return "low"
	default:
		return "?"
	}
}

// DefaultMaxFlushDepth bounds the number of full queue passes in one
// flush before the scheduler reports a runaway update loop.
const DefaultMaxFlushDepth = 100

// Scheduler coordinates reactive propagation over heap-resident nodes.
// Queue entries hold strong references, making pending work a GC root.
type Scheduler struct {
	vm        *VM
	queues    [prioCount][]Handle
	scheduled map[Handle]struct{}

	flushing      bool
	batchDepth    int
	maxFlushDepth int

	observer Handle // ambient current observer, 0 when not tracking
}

func newScheduler(vm *VM, maxFlushDepth int) *Scheduler {
	if maxFlushDepth <= 0 {
		maxFlushDepth = DefaultMaxFlushDepth
	}
	return &Scheduler{
		vm:            vm,
		scheduled:     make(map[Handle]struct{}),
		maxFlushDepth: maxFlushDepth,
	}
}

// Pending reports whether any queue holds work.
func (s *Scheduler) Pending() bool {
	for i := range s.queues {
		if len(s.queues[i]) > 0 {
			return true
		}
	}
	return false
}

// Enqueue schedules a node once per flush window. The queue retains
// the node until it is drained.
func (s *Scheduler) Enqueue(h Handle, p Priority) {
	if _, ok := s.scheduled[h]; ok {
		return
	}
	s.scheduled[h] = struct{}{}
	s.vm.Heap.Retain(h)
	s.queues[p] = append(s.queues[p], h)
	if s.vm.Trace != nil {
		s.vm.Trace.TraceSchedEnqueue(h, p)
	}
}

func (s *Scheduler) dequeue(p Priority) Handle {
	h := s.queues[p][0]
	s.queues[p] = s.queues[p][1:]
	delete(s.scheduled, h)
	return h
}

// BatchEnter opens a batch frame; flushes are deferred until the
// outermost frame exits.
func (s *Scheduler) BatchEnter() {
	s.batchDepth++
}

// BatchExit closes a batch frame, flushing on outermost exit.
func (s *Scheduler) BatchExit() *VMError {
	if s.batchDepth == 0 {
		return s.vm.eb.batchMismatch()
	}
	s.batchDepth--
	if s.batchDepth == 0 && !s.flushing {
		return s.Flush()
	}
	return nil
}

// InBatch reports whether a batch frame is open.
func (s *Scheduler) InBatch() bool { return s.batchDepth > 0 }

// Flush drains the queues to quiescence in priority order. A flush
// already in progress makes this a no-op; the active flush picks up
// the new work. On error the flush flag is restored and the
// scheduled-set cleared, but queued work survives to the next flush.
func (s *Scheduler) Flush() *VMError {
	if s.flushing || s.batchDepth > 0 {
		return nil
	}
	s.flushing = true
	defer func() { s.flushing = false }()

	if s.vm.Rec != nil {
		s.vm.Rec.CountFlush()
	}

	for pass := 0; s.Pending(); pass++ {
		if pass >= s.maxFlushDepth {
			s.scheduled = make(map[Handle]struct{})
			return s.vm.eb.runawayUpdateLoop(s.maxFlushDepth)
		}
		if err := s.drainPass(); err != nil {
			s.scheduled = make(map[Handle]struct{})
			return err
		}
	}
	return nil
}

// drainPass performs one pass over all four queues.
func (s *Scheduler) drainPass() *VMError {
	for len(s.queues[PrioSync]) > 0 {
		h := s.dequeue(PrioSync)
		s.propagateSignal(h)
		s.vm.Heap.Release(h)
	}
	for len(s.queues[PrioHigh]) > 0 {
		h := s.dequeue(PrioHigh)
		err := s.recompute(h)
		s.vm.Heap.Release(h)
		if err != nil {
			return err
		}
	}
	for len(s.queues[PrioNormal]) > 0 {
		h := s.dequeue(PrioNormal)
		err := s.runEffect(h)
		s.vm.Heap.Release(h)
		if err != nil {
			return err
		}
	}
	for len(s.queues[PrioLow]) > 0 {
		h := s.dequeue(PrioLow)
		err := s.runCleanup(h)
		s.vm.Heap.Release(h)
		if err != nil {
			return err
		}
	}
	return nil
}

// propagateSignal enqueues every dependent of a drained signal at its
// natural priority.
func (s *Scheduler) propagateSignal(h Handle) {
	obj := s.vm.Heap.Get(h)
	if obj.Kind != OKSignal {
		return
	}
	s.enqueueDependents(obj.Signal.Downstream)
}

func (s *Scheduler) enqueueDependents(downstream []Handle) {
	for _, d := range downstream {
		dobj := s.vm.Heap.Get(d)
		switch dobj.Kind {
		case OKComputed:
			dobj.Computed.Dirty = true
			s.Enqueue(d, PrioHigh)
		case OKEffect:
			if dobj.Effect.Active {
				s.Enqueue(d, PrioNormal)
			}
		}
	}
}

// recompute marks a computed clean, re-evaluates its thunk under a
// tracking frame and, when the cached value changed, enqueues its
// dependents. An unchanged value stops propagation.
func (s *Scheduler) recompute(h Handle) *VMError {
	obj := s.vm.Heap.Get(h)
	if obj.Kind != OKComputed {
		return nil
	}
	obj.Computed.Dirty = false

	prev := s.beginTracking(h)
	res, err := s.vm.CallClosure(obj.Computed.Thunk, nil)
	s.endTracking(prev)
	if err != nil {
		obj.Computed.Dirty = true
		return err
	}

	changed := !s.vm.valueEqual(obj.Computed.Cached, res)
	s.vm.Heap.ReleaseValue(obj.Computed.Cached)
	obj.Computed.Cached = res
	if s.vm.Trace != nil {
		s.vm.Trace.TraceRecompute(h, changed)
	}
	if changed {
		s.enqueueDependents(obj.Computed.Downstream)
	}
	return nil
}

// runEffect re-runs an active effect's thunk under a tracking frame.
// The previous cleanup, if any, runs first.
func (s *Scheduler) runEffect(h Handle) *VMError {
	obj := s.vm.Heap.Get(h)
	if obj.Kind != OKEffect || !obj.Effect.Active {
		return nil
	}
	if obj.Effect.Cleanup != 0 {
		cres, err := s.vm.CallClosure(obj.Effect.Cleanup, nil)
		if err != nil {
			return err
		}
		s.vm.Heap.ReleaseValue(cres)
	}

	prev := s.beginTracking(h)
	res, err := s.vm.CallClosure(obj.Effect.Thunk, nil)
	s.endTracking(prev)
	if err != nil {
		return err
	}
	s.vm.Heap.ReleaseValue(res)
	if s.vm.Rec != nil {
		s.vm.Rec.CountEffectRun()
	}
	return nil
}

// runCleanup runs a detached effect's cleanup thunk from the Low queue.
func (s *Scheduler) runCleanup(h Handle) *VMError {
	obj := s.vm.Heap.Get(h)
	if obj.Kind != OKEffect || obj.Effect.Cleanup == 0 {
		return nil
	}
	res, err := s.vm.CallClosure(obj.Effect.Cleanup, nil)
	if err != nil {
		return err
	}
	s.vm.Heap.ReleaseValue(res)
	return nil
}
