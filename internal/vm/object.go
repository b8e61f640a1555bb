package vm

import "fmt"

// Handle is a stable, monotonically increasing reference to a heap
// object. Handle(0) is always invalid.
type Handle uint32

// ObjectKind identifies the kind of heap object.
type ObjectKind uint8

const (
	OKString ObjectKind = iota
	OKList
	OKDict
	OKSet
	OKTuple
	OKClosure
	OKSignal
	OKComputed
	OKEffect
)

// String returns a human-readable name for the object kind.
func (k ObjectKind) String() string {
	switch k {
	case OKString:
		return "string"
	case OKList:
		return "list"
	case OKDict:
		return "dict"
	case OKSet:
		return "set"
	case OKTuple:
		return "tuple"
	case OKClosure:
		return "closure"
	case OKSignal:
		return "signal"
	case OKComputed:
		return "computed"
	case OKEffect:
		return "effect"
	default:
		return fmt.Sprintf("ObjectKind(%d)", k)
	}
}

// Colour is the cycle collector's per-object marking state.
type Colour uint8

const (
	// ColBlack marks an object as in use (or restored after a scan).
	ColBlack Colour = iota
	// ColPurple marks a possible root of a garbage cycle.
	ColPurple
	// ColGrey marks an object visited by trial deletion.
	ColGrey
	// ColWhite marks a member of a garbage cycle.
	ColWhite
)

// dictKey is the comparable hash key for dict and set entries.
// Numeric keys are canonicalised so Int(1) and Float(1.0) collide, and
// string keys hash by content rather than handle identity.
type dictKey struct {
	Kind ValueKind
	Bits uint64
	Str  string
}

// dictEntry retains the original key value alongside the payload so
// iteration and destruction see the real references.
type dictEntry struct {
	Key Value
	Val Value
}

// ClosurePayload is either a code object reference with captured
// upvalues or a native Go thunk installed by the embedder.
type ClosurePayload struct {
	CodeIndex int32 // -1 for native closures
	Captures  []Value
	Native    NativeFunc
}

// NativeFunc is a Go-implemented closure body. It runs on the VM's
// thread and may read signals through the ambient observer.
type NativeFunc func(vm *VM) (Value, *VMError)

// SignalPayload is a reactive source: a current value and the set of
// nodes that read it.
type SignalPayload struct {
	Value      Value
	Downstream []Handle // computeds and effects, strong references
}

// ComputedPayload is a reactive derivation with a cached value.
type ComputedPayload struct {
	Thunk    Handle // closure, strong reference
	Cached   Value
	Dirty    bool
	Upstream []Handle // signals and computeds read during the last run
	// Downstream mirrors SignalPayload: nodes that read this computed.
	Downstream []Handle
}

// EffectPayload is a reactive sink re-run when its upstream changes.
type EffectPayload struct {
	Thunk    Handle // closure, strong reference
	Cleanup  Handle // optional cleanup closure, 0 if unset
	Active   bool
	Upstream []Handle
}

// Object is a heap-allocated value. The header combines the strong
// reference count with the cycle collector's colour and candidate
// buffer membership.
type Object struct {
	Kind     ObjectKind
	Colour   Colour
	Buffered bool // sits in the cycle-candidate buffer
	Alive    bool
	RC       int32
	AllocID  uint64

	Str      string
	Elems    []Value // list and tuple storage
	Dict     map[dictKey]dictEntry
	Set      map[dictKey]Value
	Closure  ClosurePayload
	Signal   SignalPayload
	Computed ComputedPayload
	Effect   EffectPayload
}

// approxBytes estimates the payload size for heap statistics.
func (o *Object) approxBytes() uint64 {
	const headerBytes = 32
	size := uint64(headerBytes)
	switch o.Kind {
	case OKString:
		size += uint64(len(o.Str))
	case OKList, OKTuple:
		size += uint64(len(o.Elems)) * 16
	case OKDict:
		size += uint64(len(o.Dict)) * 48
	case OKSet:
		size += uint64(len(o.Set)) * 32
	case OKClosure:
		size += uint64(len(o.Closure.Captures)) * 16
	case OKSignal:
		size += uint64(len(o.Signal.Downstream)) * 4
	case OKComputed:
		size += uint64(len(o.Computed.Upstream)+len(o.Computed.Downstream)) * 4
	case OKEffect:
		size += uint64(len(o.Effect.Upstream)) * 4
	}
	return size
}

// eachRef visits every outgoing strong heap reference of the object.
// The cycle collector and the destructor both walk edges through here,
// so the two stay in agreement about what counts as a reference.
func (o *Object) eachRef(visit func(Handle)) {
	visitValue := func(v Value) {
		if h := v.Handle(); h != 0 {
			visit(h)
		}
	}
	switch o.Kind {
	case OKList, OKTuple:
		for _, v := range o.Elems {
			visitValue(v)
		}
	case OKDict:
		for _, e := range o.Dict {
			visitValue(e.Key)
			visitValue(e.Val)
		}
	case OKSet:
		for _, v := range o.Set {
			visitValue(v)
		}
	case OKClosure:
		for _, v := range o.Closure.Captures {
			visitValue(v)
		}
	case OKSignal:
		visitValue(o.Signal.Value)
		for _, h := range o.Signal.Downstream {
			visit(h)
		}
	case OKComputed:
		if o.Computed.Thunk != 0 {
			visit(o.Computed.Thunk)
		}
		visitValue(o.Computed.Cached)
		for _, h := range o.Computed.Upstream {
			visit(h)
		}
		for _, h := range o.Computed.Downstream {
			visit(h)
		}
	case OKEffect:
		if o.Effect.Thunk != 0 {
			visit(o.Effect.Thunk)
		}
		if o.Effect.Cleanup != 0 {
			visit(o.Effect.Cleanup)
		}
		for _, h := range o.Effect.Upstream {
			visit(h)
		}
	}
}
