// Package vm implements the Vela bytecode execution engine: the stack
// machine, the reference-counted cycle-collecting heap, and the
// reactive scheduler that propagates signal updates across heap nodes.
package vm

import (
	"fmt"
	"math"
	"strconv"
)

// ValueKind identifies the runtime type of a Value.
type ValueKind uint8

const (
	// VKNull represents the null value.
	VKNull ValueKind = iota
	// VKBool represents a boolean value.
	VKBool
	// VKInt represents a 64-bit signed integer value.
	VKInt
	// VKFloat represents a 64-bit IEEE-754 float value.
	VKFloat
	// VKHandle represents a reference to a heap object.
	VKHandle
)

// String returns a human-readable name for the value kind.
func (k ValueKind) String() string {
	switch k {
	case VKNull:
		return "null"
	case VKBool:
		return "bool"
	case VKInt:
		return "int"
	case VKFloat:
		return "float"
	case VKHandle:
		return "object"
	default:
		return fmt.Sprintf("ValueKind(%d)", k)
	}
}

// Value is the uniform tagged runtime value. Non-heap kinds are carried
// in the 64-bit payload; heap kinds carry a Handle. The whole struct
// stays within 16 bytes.
type Value struct {
	Kind ValueKind
	bits uint64
}

// MakeNull creates the null value.
func MakeNull() Value {
	return Value{Kind: VKNull}
}

// MakeBool creates a boolean value.
func MakeBool(b bool) Value {
	v := Value{Kind: VKBool}
	if b {
		v.bits = 1
	}
	return v
}

// MakeInt creates an integer value.
func MakeInt(n int64) Value {
	return Value{Kind: VKInt, bits: uint64(n)}
}

// MakeFloat creates a float value.
func MakeFloat(f float64) Value {
	return Value{Kind: VKFloat, bits: math.Float64bits(f)}
}

// MakeHandle creates a heap reference value. The reference itself is
// not retained; ownership bookkeeping is the caller's.
func MakeHandle(h Handle) Value {
	return Value{Kind: VKHandle, bits: uint64(h)}
}

// Bool returns the boolean payload.
func (v Value) Bool() bool { return v.bits != 0 }

// Int returns the integer payload.
func (v Value) Int() int64 { return int64(v.bits) }

// Float returns the float payload.
func (v Value) Float() float64 { return math.Float64frombits(v.bits) }

// Handle returns the heap reference payload, or 0 for non-heap kinds.
func (v Value) Handle() Handle {
	if v.Kind != VKHandle {
		return 0
	}
	return Handle(v.bits)
}

// IsHeap reports whether the value refers to a heap object.
func (v Value) IsHeap() bool { return v.Kind == VKHandle }

// IsNumeric reports whether the value participates in arithmetic.
func (v Value) IsNumeric() bool { return v.Kind == VKInt || v.Kind == VKFloat }

// AsFloat widens a numeric value to float for Int x Float promotion.
func (v Value) AsFloat() float64 {
	if v.Kind == VKInt {
		return float64(v.Int())
	}
	return v.Float()
}

// Truthy reports the value's branch polarity: null and false branch
// false, everything else branches true.
func (v Value) Truthy() bool {
	switch v.Kind {
	case VKNull:
		return false
	case VKBool:
		return v.Bool()
	default:
		return true
	}
}

// String returns a human-readable representation of the value. Heap
// payloads are rendered as opaque handles; use VM.FormatValue for
// contents.
func (v Value) String() string {
	switch v.Kind {
	case VKNull:
		return "null"
	case VKBool:
		return strconv.FormatBool(v.Bool())
	case VKInt:
		return strconv.FormatInt(v.Int(), 10)
	case VKFloat:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	case VKHandle:
		return fmt.Sprintf("obj#%d", v.Handle())
	default:
		return fmt.Sprintf("<invalid:%d>", v.Kind)
	}
}
