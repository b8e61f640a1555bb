package vm

// Dependency tracking. A single ambient "current observer" slot lives
// on the scheduler; entering a computed's or effect's evaluation
// installs the node, drops its previous read set, and every signal or
// computed read during the evaluation re-records an edge. The guard
// restores the previous observer on exit so tracking never leaks
// across evaluations.

// beginTracking installs observer as the ambient observer, clearing
// its previous upstream edges, and returns the displaced observer.
func (s *Scheduler) beginTracking(observer Handle) Handle {
	prev := s.observer
	s.observer = observer
	s.clearUpstream(observer)
	return prev
}

// endTracking restores the displaced observer.
func (s *Scheduler) endTracking(prev Handle) {
	s.observer = prev
}

// Observer returns the ambient observer handle, 0 when not tracking.
func (s *Scheduler) Observer() Handle { return s.observer }

// recordDependency adds a bidirectional edge between a read dependency
// (signal or computed) and the ambient observer. Both directions are
// strong references, so the edge participates in reachability and in
// cycle collection like any other pair of heap pointers.
func (s *Scheduler) recordDependency(dep Handle) {
	if s.observer == 0 || dep == s.observer {
		return
	}
	heap := s.vm.Heap
	oobj := heap.Get(s.observer)

	var upstream *[]Handle
	switch oobj.Kind {
	case OKComputed:
		upstream = &oobj.Computed.Upstream
	case OKEffect:
		upstream = &oobj.Effect.Upstream
	default:
		return
	}
	for _, existing := range *upstream {
		if existing == dep {
			return
		}
	}

	dobj := heap.Get(dep)
	var downstream *[]Handle
	switch dobj.Kind {
	case OKSignal:
		downstream = &dobj.Signal.Downstream
	case OKComputed:
		downstream = &dobj.Computed.Downstream
	default:
		return
	}

	heap.Retain(dep)
	*upstream = append(*upstream, dep)
	heap.Retain(s.observer)
	*downstream = append(*downstream, s.observer)
	if s.vm.Trace != nil {
		s.vm.Trace.TraceEdgeAdd(dep, s.observer)
	}
}

// clearUpstream removes every upstream edge of a node, releasing both
// directions. Called at the start of each re-evaluation and on detach.
func (s *Scheduler) clearUpstream(node Handle) {
	heap := s.vm.Heap
	obj := heap.Get(node)

	var upstream []Handle
	switch obj.Kind {
	case OKComputed:
		upstream = obj.Computed.Upstream
		obj.Computed.Upstream = nil
	case OKEffect:
		upstream = obj.Effect.Upstream
		obj.Effect.Upstream = nil
	default:
		return
	}

	for _, dep := range upstream {
		dobj, ok := heap.lookup(dep)
		if !ok {
			continue
		}
		switch dobj.Kind {
		case OKSignal:
			dobj.Signal.Downstream = removeHandle(dobj.Signal.Downstream, node)
		case OKComputed:
			dobj.Computed.Downstream = removeHandle(dobj.Computed.Downstream, node)
		}
		if s.vm.Trace != nil {
			s.vm.Trace.TraceEdgeDrop(dep, node)
		}
		heap.Release(node) // the dependency's downstream reference
		heap.Release(dep)
	}
}

// removeHandle deletes the first occurrence of h, preserving order.
func removeHandle(set []Handle, h Handle) []Handle {
	for i, existing := range set {
		if existing == h {
			return append(set[:i], set[i+1:]...)
		}
	}
	return set
}
