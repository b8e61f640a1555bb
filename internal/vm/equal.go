package vm

import (
	"fmt"
	"hash/fnv"
	"math"
)

// valueEqual implements the language equality relation. Different kinds
// compare unequal except for numeric cross-kind (1 == 1.0). Strings
// compare by content; other heap objects compare by identity.
func (vm *VM) valueEqual(a, b Value) bool {
	switch {
	case a.Kind == VKNull && b.Kind == VKNull:
		return true
	case a.Kind == VKBool && b.Kind == VKBool:
		return a.Bool() == b.Bool()
	case a.Kind == VKInt && b.Kind == VKInt:
		return a.Int() == b.Int()
	case a.IsNumeric() && b.IsNumeric():
		return a.AsFloat() == b.AsFloat()
	case a.Kind == VKHandle && b.Kind == VKHandle:
		if a.Handle() == b.Handle() {
			return true
		}
		ao, bo := vm.Heap.Get(a.Handle()), vm.Heap.Get(b.Handle())
		if ao.Kind == OKString && bo.Kind == OKString {
			return ao.Str == bo.Str
		}
		return false
	default:
		return false
	}
}

// valueCompare orders two values: -1, 0 or +1. Only numerics and
// strings are orderable; anything else is a TypeMismatch.
func (vm *VM) valueCompare(a, b Value) (int, *VMError) {
	if a.IsNumeric() && b.IsNumeric() {
		if a.Kind == VKInt && b.Kind == VKInt {
			switch {
			case a.Int() < b.Int():
				return -1, nil
			case a.Int() > b.Int():
				return 1, nil
			default:
				return 0, nil
			}
		}
		af, bf := a.AsFloat(), b.AsFloat()
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		default:
			return 0, nil
		}
	}
	if a.Kind == VKHandle && b.Kind == VKHandle {
		ao, bo := vm.Heap.Get(a.Handle()), vm.Heap.Get(b.Handle())
		if ao.Kind == OKString && bo.Kind == OKString {
			switch {
			case ao.Str < bo.Str:
				return -1, nil
			case ao.Str > bo.Str:
				return 1, nil
			default:
				return 0, nil
			}
		}
	}
	return 0, vm.eb.typeMismatch("orderable operands", fmt.Sprintf("%s and %s", vm.kindName(a), vm.kindName(b)))
}

// valueHash hashes a value consistently with valueEqual.
func (vm *VM) valueHash(v Value) uint64 {
	h := fnv.New64a()
	switch v.Kind {
	case VKNull:
		h.Write([]byte{0})
	case VKBool:
		if v.Bool() {
			h.Write([]byte{1, 1})
		} else {
			h.Write([]byte{1, 0})
		}
	case VKInt, VKFloat:
		// Numeric cross-kind equality forces a shared hash domain.
		f := v.AsFloat()
		var buf [9]byte
		buf[0] = 2
		bits := math.Float64bits(f)
		for i := 0; i < 8; i++ {
			buf[1+i] = byte(bits >> (8 * i))
		}
		h.Write(buf[:])
	case VKHandle:
		obj := vm.Heap.Get(v.Handle())
		if obj.Kind == OKString {
			h.Write([]byte{3})
			h.Write([]byte(obj.Str))
		} else {
			var buf [5]byte
			buf[0] = 4
			hd := v.Handle()
			for i := 0; i < 4; i++ {
				buf[1+i] = byte(hd >> (8 * i))
			}
			h.Write(buf[:])
		}
	}
	return h.Sum64()
}

// keyFor canonicalises a value into a comparable dict/set key. Only
// hashable-by-content kinds are accepted.
func (vm *VM) keyFor(v Value) (dictKey, *VMError) {
	switch v.Kind {
	case VKNull:
		return dictKey{Kind: VKNull}, nil
	case VKBool:
		return dictKey{Kind: VKBool, Bits: v.bits}, nil
	case VKInt:
		return dictKey{Kind: VKInt, Bits: v.bits}, nil
	case VKFloat:
		// Fold integral floats onto the int key space so 1 and 1.0
		// address the same slot.
		f := v.Float()
		if f == math.Trunc(f) && f >= math.MinInt64 && f <= math.MaxInt64 {
			return dictKey{Kind: VKInt, Bits: uint64(int64(f))}, nil
		}
		return dictKey{Kind: VKFloat, Bits: v.bits}, nil
	case VKHandle:
		obj := vm.Heap.Get(v.Handle())
		if obj.Kind == OKString {
			return dictKey{Kind: VKHandle, Str: obj.Str}, nil
		}
		return dictKey{}, vm.eb.typeMismatch("hashable key", obj.Kind.String())
	default:
		return dictKey{}, vm.eb.typeMismatch("hashable key", v.Kind.String())
	}
}

// kindName names a value's runtime type for diagnostics, looking
// through handles to the object kind.
func (vm *VM) kindName(v Value) string {
	if v.Kind == VKHandle {
		if obj, ok := vm.Heap.lookup(v.Handle()); ok {
			return obj.Kind.String()
		}
	}
	return v.Kind.String()
}
