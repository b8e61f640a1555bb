package vm

import "fmt"

// HeapStats is a snapshot of heap activity counters.
type HeapStats struct {
	Allocations uint64
	Freed       uint64
	BytesFreed  uint64
	Collections uint64
	Live        uint64
	Candidates  int // current size of the cycle-candidate buffer
}

// Heap stores all shared runtime objects. Reclamation is two-tier:
// strong reference counts free acyclic garbage immediately, and a
// trial-deletion cycle pass reclaims reference cycles. Handles are
// monotonically increasing and never reused within a run.
//
// Every stored Value that refers to the heap holds one strong count:
// operand stack slots, frame locals, globals, scheduler queue entries
// and object payload slots alike. Trial deletion only decrements
// object-to-object edges, so root-held references keep their targets
// alive through the ordinary count arithmetic.
type Heap struct {
	next        Handle
	nextAllocID uint64
	objs        map[Handle]*Object
	candidates  []Handle // purple buffer for the cycle collector

	cycleThreshold   int
	pressureFraction float64
	onPressure       func(liveBytes uint64)

	stats HeapStats

	vm *VM
}

// NewHeap creates an empty heap. A zero cycleThreshold selects the
// default of 64 candidates; pressureFraction defaults to 0.25.
func NewHeap(cycleThreshold int, pressureFraction float64) *Heap {
	if cycleThreshold <= 0 {
		cycleThreshold = DefaultCycleThreshold
	}
	if pressureFraction <= 0 {
		pressureFraction = DefaultPressureFraction
	}
	return &Heap{
		next:             1,
		nextAllocID:      1,
		objs:             make(map[Handle]*Object, 128),
		cycleThreshold:   cycleThreshold,
		pressureFraction: pressureFraction,
	}
}

// SetPressureFunc installs the memory-pressure callback, invoked after
// a cycle pass that frees less than pressureFraction of its candidates.
func (h *Heap) SetPressureFunc(fn func(liveBytes uint64)) {
	h.onPressure = fn
}

// Stats returns a snapshot of the heap counters.
func (h *Heap) Stats() HeapStats {
	s := h.stats
	s.Live = uint64(h.liveCount())
	s.Candidates = len(h.candidates)
	return s
}

func (h *Heap) liveCount() int {
	n := 0
	for _, obj := range h.objs {
		if obj.Alive {
			n++
		}
	}
	return n
}

func (h *Heap) alloc(kind ObjectKind) (Handle, *Object) {
	handle := h.next
	h.next++
	obj := &Object{
		Kind:    kind,
		Colour:  ColBlack,
		Alive:   true,
		RC:      1,
		AllocID: h.nextAllocID,
	}
	h.nextAllocID++
	h.objs[handle] = obj
	h.stats.Allocations++
	if h.vm != nil && h.vm.Trace != nil {
		h.vm.Trace.TraceHeapAlloc(kind, handle)
	}
	if h.vm != nil && h.vm.Rec != nil {
		h.vm.Rec.CountAlloc(kind)
	}
	if h.vm != nil && h.vm.Deopt != nil && len(h.vm.Frames) > 0 {
		frame := &h.vm.Frames[len(h.vm.Frames)-1]
		h.vm.Deopt.ObserveAllocation(h.vm.Module.Name(frame.CodeIndex), obj.approxBytes())
	}
	return handle, obj
}

// AllocString allocates an immutable string object.
func (h *Heap) AllocString(s string) Handle {
	handle, obj := h.alloc(OKString)
	obj.Str = s
	return handle
}

// AllocList allocates a list taking ownership of the element references.
func (h *Heap) AllocList(elems []Value) Handle {
	handle, obj := h.alloc(OKList)
	obj.Elems = elems
	return handle
}

// AllocTuple allocates a fixed tuple taking ownership of the elements.
func (h *Heap) AllocTuple(elems []Value) Handle {
	handle, obj := h.alloc(OKTuple)
	obj.Elems = elems
	return handle
}

// AllocDict allocates an empty dict.
func (h *Heap) AllocDict() Handle {
	handle, obj := h.alloc(OKDict)
	obj.Dict = make(map[dictKey]dictEntry)
	return handle
}

// AllocSet allocates an empty set.
func (h *Heap) AllocSet() Handle {
	handle, obj := h.alloc(OKSet)
	obj.Set = make(map[dictKey]Value)
	return handle
}

// AllocClosure allocates a bytecode closure taking ownership of the
// capture references.
func (h *Heap) AllocClosure(codeIndex int32, captures []Value) Handle {
	handle, obj := h.alloc(OKClosure)
	obj.Closure = ClosurePayload{CodeIndex: codeIndex, Captures: captures}
	return handle
}

// AllocNativeClosure allocates a closure around a Go thunk.
func (h *Heap) AllocNativeClosure(fn NativeFunc) Handle {
	handle, obj := h.alloc(OKClosure)
	obj.Closure = ClosurePayload{CodeIndex: -1, Native: fn}
	return handle
}

// AllocSignal allocates a reactive source taking ownership of the
// initial value reference.
func (h *Heap) AllocSignal(initial Value) Handle {
	handle, obj := h.alloc(OKSignal)
	obj.Signal = SignalPayload{Value: initial}
	return handle
}

// AllocComputed allocates a dirty computed around the thunk reference.
func (h *Heap) AllocComputed(thunk Handle) Handle {
	handle, obj := h.alloc(OKComputed)
	obj.Computed = ComputedPayload{Thunk: thunk, Cached: MakeNull(), Dirty: true}
	return handle
}

// AllocEffect allocates an active effect around the thunk reference.
func (h *Heap) AllocEffect(thunk Handle) Handle {
	handle, obj := h.alloc(OKEffect)
	obj.Effect = EffectPayload{Thunk: thunk, Active: true}
	return handle
}

// Get resolves a handle to its live object. Structural misuse (null or
// dangling handles) is a fatal fault, not a recoverable VM error.
func (h *Heap) Get(handle Handle) *Object {
	if handle == 0 {
		h.fatal(ErrNullDereference, "dereference of null handle")
	}
	obj, ok := h.objs[handle]
	if !ok || obj == nil || !obj.Alive {
		h.fatal(ErrNullDereference, fmt.Sprintf("dereference of dead handle %d", handle))
	}
	return obj
}

// Retain increments the strong count. O(1).
func (h *Heap) Retain(handle Handle) {
	if handle == 0 {
		h.fatal(ErrNullDereference, "retain of null handle")
	}
	obj, ok := h.objs[handle]
	if !ok || obj == nil || !obj.Alive {
		h.fatal(ErrDoubleFree, fmt.Sprintf("retain of freed handle %d", handle))
	}
	obj.RC++
	obj.Colour = ColBlack
}

// RetainValue retains v's referent when v is a heap value.
func (h *Heap) RetainValue(v Value) {
	if hd := v.Handle(); hd != 0 {
		h.Retain(hd)
	}
}

// Release decrements the strong count, destroying the object at zero
// and otherwise registering it as a possible cycle root. O(1) outside
// destruction.
func (h *Heap) Release(handle Handle) {
	if handle == 0 {
		h.fatal(ErrNullDereference, "release of null handle")
	}
	obj, ok := h.objs[handle]
	if !ok || obj == nil || !obj.Alive {
		h.fatal(ErrDoubleFree, fmt.Sprintf("double release of handle %d", handle))
	}
	obj.RC--
	if obj.RC < 0 {
		h.fatal(ErrDoubleFree, fmt.Sprintf("negative count on handle %d", handle))
	}
	if obj.RC == 0 {
		h.destroy(handle, obj)
		return
	}
	h.possibleRoot(handle, obj)
}

// ReleaseValue releases v's referent when v is a heap value.
func (h *Heap) ReleaseValue(v Value) {
	if hd := v.Handle(); hd != 0 {
		h.Release(hd)
	}
}

// destroy reclaims an object whose count reached zero: outgoing
// references are released (which may cascade) and the storage is
// returned. Buffered objects stay in the table until the next cycle
// pass removes their buffer entry.
func (h *Heap) destroy(handle Handle, obj *Object) {
	obj.Alive = false
	obj.Colour = ColBlack
	h.stats.Freed++
	h.stats.BytesFreed += obj.approxBytes()
	if h.vm != nil && h.vm.Trace != nil {
		h.vm.Trace.TraceHeapFree(handle)
	}
	if h.vm != nil && h.vm.Rec != nil {
		h.vm.Rec.CountFree()
	}

	obj.eachRef(func(child Handle) {
		if co, ok := h.objs[child]; ok && co.Alive {
			h.Release(child)
		}
	})
	h.clearPayload(obj)

	if !obj.Buffered {
		delete(h.objs, handle)
	}
}

func (h *Heap) clearPayload(obj *Object) {
	obj.Str = ""
	obj.Elems = nil
	obj.Dict = nil
	obj.Set = nil
	obj.Closure = ClosurePayload{}
	obj.Signal = SignalPayload{}
	obj.Computed = ComputedPayload{}
	obj.Effect = EffectPayload{}
}

func (h *Heap) lookup(handle Handle) (*Object, bool) {
	obj, ok := h.objs[handle]
	return obj, ok && obj != nil && obj.Alive
}

func (h *Heap) fatal(code ErrCode, msg string) {
	panic(&VMError{Code: code, Message: msg})
}
