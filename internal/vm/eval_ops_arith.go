package vm

import (
	"fmt"
	"math"

	"vela/internal/bytecode"
)

// execBinaryArith pops two operands, applies the arithmetic opcode and
// pushes the result. Int x Float promotes to Float; non-numeric
// operands fail with TypeMismatch.
func (vm *VM) execBinaryArith(op bytecode.Opcode) *VMError {
	right, err := vm.pop(op.String())
	if err != nil {
		return err
	}
	left, err := vm.pop(op.String())
	if err != nil {
		vm.Heap.ReleaseValue(right)
		return err
	}
	res, aerr := vm.evalArith(op, left, right)
	vm.Heap.ReleaseValue(left)
	vm.Heap.ReleaseValue(right)
	if aerr != nil {
		return aerr
	}
	vm.push(res)
	return nil
}

func (vm *VM) evalArith(op bytecode.Opcode, left, right Value) (Value, *VMError) {
	if !left.IsNumeric() || !right.IsNumeric() {
		aerr := vm.eb.typeMismatch("numeric operands",
			fmt.Sprintf("%s and %s", vm.kindName(left), vm.kindName(right)))
		if vm.Deopt != nil && len(vm.Frames) > 0 {
			vm.Deopt.RecordTypeMismatch(vm.Module.Name(vm.Frames[len(vm.Frames)-1].CodeIndex),
				"numeric", vm.kindName(left)+"/"+vm.kindName(right))
		}
		return Value{}, aerr
	}

	if left.Kind == VKInt && right.Kind == VKInt {
		return vm.evalIntArith(op, left.Int(), right.Int())
	}
	return vm.evalFloatArith(op, left.AsFloat(), right.AsFloat())
}

func (vm *VM) evalIntArith(op bytecode.Opcode, a, b int64) (Value, *VMError) {
	switch op {
	case bytecode.OpAdd:
		return MakeInt(a + b), nil
	case bytecode.OpSub:
		return MakeInt(a - b), nil
	case bytecode.OpMul:
		return MakeInt(a * b), nil
	case bytecode.OpDiv:
		if b == 0 {
			return Value{}, vm.eb.divisionByZero()
		}
		return MakeInt(a / b), nil
	case bytecode.OpMod:
		if b == 0 {
			return Value{}, vm.eb.divisionByZero()
		}
		return MakeInt(a % b), nil
	case bytecode.OpPow:
		return vm.evalIntPow(a, b)
	default:
		return Value{}, vm.eb.invalidOpcode(byte(op))
	}
}

// evalIntPow keeps Int results for non-negative exponents and falls
// back to Float otherwise.
func (vm *VM) evalIntPow(base, exp int64) (Value, *VMError) {
	if exp < 0 {
		return MakeFloat(math.Pow(float64(base), float64(exp))), nil
	}
	result := int64(1)
	for i := int64(0); i < exp; i++ {
		result *= base
	}
	return MakeInt(result), nil
}

func (vm *VM) evalFloatArith(op bytecode.Opcode, a, b float64) (Value, *VMError) {
	switch op {
	case bytecode.OpAdd:
		return MakeFloat(a + b), nil
	case bytecode.OpSub:
		return MakeFloat(a - b), nil
	case bytecode.OpMul:
		return MakeFloat(a * b), nil
	case bytecode.OpDiv:
		if b == 0 {
			return Value{}, vm.eb.divisionByZero()
		}
		return MakeFloat(a / b), nil
	case bytecode.OpMod:
		if b == 0 {
			return Value{}, vm.eb.divisionByZero()
		}
		return MakeFloat(math.Mod(a, b)), nil
	case bytecode.OpPow:
		return MakeFloat(math.Pow(a, b)), nil
	default:
		return Value{}, vm.eb.invalidOpcode(byte(op))
	}
}

// evalNeg negates a numeric value. Negating the minimum int64 has no
// representable result and fails.
func (vm *VM) evalNeg(v Value) (Value, *VMError) {
	switch v.Kind {
	case VKInt:
		if v.Int() == math.MinInt64 {
			return Value{}, vm.eb.typeMismatch("negatable int", "integer overflow negating minimum int")
		}
		return MakeInt(-v.Int()), nil
	case VKFloat:
		return MakeFloat(-v.Float()), nil
	default:
		return Value{}, vm.eb.typeMismatch("numeric operand", vm.kindName(v))
	}
}
