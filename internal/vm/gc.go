package vm

// Cycle collection via the trial-deletion algorithm of Bacon & Rajan.
// Objects whose count drops without reaching zero are coloured purple
// and buffered; when the buffer exceeds the configured threshold (or on
// ForceCollect) a pass trial-decrements internal edges, scans for
// subgraphs with no external support, and frees the white remainder.
//
// The VM operand stack, frame locals, globals and scheduler queues all
// hold counted references, and trial deletion only decrements edges
// between heap objects, so anything root-reachable keeps a positive
// count through the scan and survives.

// DefaultCycleThreshold is the candidate-buffer size that triggers an
// automatic cycle pass.
const DefaultCycleThreshold = 64

// DefaultPressureFraction is the minimum fraction of candidates a pass
// must free before the heap reports memory pressure.
const DefaultPressureFraction = 0.25

// possibleRoot buffers an object whose count dropped but stayed
// positive; it may be the root of an unreachable cycle.
func (h *Heap) possibleRoot(handle Handle, obj *Object) {
	if obj.Colour != ColPurple {
		obj.Colour = ColPurple
		if !obj.Buffered {
			obj.Buffered = true
			h.candidates = append(h.candidates, handle)
		}
	}
	if len(h.candidates) > h.cycleThreshold {
		h.Collect()
	}
}

// Collect runs one full cycle pass over the candidate buffer and
// reports how many objects it freed.
func (h *Heap) Collect() int {
	if len(h.candidates) == 0 {
		return 0
	}
	candidateCount := len(h.candidates)
	freedBefore := h.stats.Freed

	h.markCandidates()
	for _, handle := range h.candidates {
		if obj, ok := h.objs[handle]; ok && obj.Alive {
			h.scan(handle, obj)
		}
	}
	h.collectCandidates()

	h.stats.Collections++
	freed := int(h.stats.Freed - freedBefore)
	if h.vm != nil && h.vm.Trace != nil {
		h.vm.Trace.TraceGC(candidateCount, freed)
	}
	if h.vm != nil && h.vm.Rec != nil {
		h.vm.Rec.CountCollection(candidateCount, freed)
	}

	if h.onPressure != nil && float64(freed) < h.pressureFraction*float64(candidateCount) {
		liveBytes := uint64(0)
		for _, obj := range h.objs {
			if obj.Alive {
				liveBytes += obj.approxBytes()
			}
		}
		h.onPressure(liveBytes)
	}
	return freed
}

// markCandidates greys live purple candidates and drops stale buffer
// entries, freeing objects that died while buffered.
func (h *Heap) markCandidates() {
	kept := h.candidates[:0]
	for _, handle := range h.candidates {
		obj, ok := h.objs[handle]
		if !ok || obj == nil {
			continue
		}
		if obj.Alive && obj.Colour == ColPurple && obj.RC > 0 {
			h.markGrey(obj)
			kept = append(kept, handle)
			continue
		}
		obj.Buffered = false
		if !obj.Alive {
			delete(h.objs, handle)
		}
	}
	h.candidates = kept
}

// markGrey trial-deletes the subgraph: every internal edge decrements
// its target once.
func (h *Heap) markGrey(obj *Object) {
	if obj.Colour == ColGrey {
		return
	}
	obj.Colour = ColGrey
	obj.eachRef(func(child Handle) {
		if co, ok := h.lookup(child); ok {
			co.RC--
			h.markGrey(co)
		}
	})
}

// scan separates externally supported subgraphs (restored to black)
// from pure cycle members (white).
func (h *Heap) scan(_ Handle, obj *Object) {
	if obj.Colour != ColGrey {
		return
	}
	if obj.RC > 0 {
		h.scanBlack(obj)
		return
	}
	obj.Colour = ColWhite
	obj.eachRef(func(child Handle) {
		if co, ok := h.lookup(child); ok {
			h.scan(child, co)
		}
	})
}

// scanBlack undoes trial deletion below a live object.
func (h *Heap) scanBlack(obj *Object) {
	obj.Colour = ColBlack
	obj.eachRef(func(child Handle) {
		if co, ok := h.lookup(child); ok {
			co.RC++
			if co.Colour != ColBlack {
				h.scanBlack(co)
			}
		}
	})
}

// collectCandidates frees every white object left in the buffer.
func (h *Heap) collectCandidates() {
	pending := h.candidates
	h.candidates = nil
	for _, handle := range pending {
		obj, ok := h.objs[handle]
		if !ok || obj == nil {
			continue
		}
		obj.Buffered = false
		h.collectWhite(handle, obj)
		if !obj.Alive {
			delete(h.objs, handle)
		}
	}
}

// collectWhite frees a white subgraph. Counts were already adjusted by
// trial deletion, so members are reclaimed without releasing edges.
func (h *Heap) collectWhite(handle Handle, obj *Object) {
	if obj.Colour != ColWhite || obj.Buffered || !obj.Alive {
		return
	}
	obj.Colour = ColBlack
	obj.Alive = false
	h.stats.Freed++
	h.stats.BytesFreed += obj.approxBytes()
	if h.vm != nil && h.vm.Trace != nil {
		h.vm.Trace.TraceHeapFree(handle)
	}
	if h.vm != nil && h.vm.Rec != nil {
		h.vm.Rec.CountFree()
	}

	var children []Handle
	obj.eachRef(func(child Handle) { children = append(children, child) })
	h.clearPayload(obj)
	for _, child := range children {
		if co, ok := h.objs[child]; ok && co != nil {
			h.collectWhite(child, co)
			if !co.Alive && !co.Buffered {
				delete(h.objs, child)
			}
		}
	}
	delete(h.objs, handle)
}
