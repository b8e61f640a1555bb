package vm

import "vela/internal/bytecode"

// execCompare pops two operands, applies the comparison opcode and
// pushes a Bool. Equality is total; ordering requires numerics or
// strings.
func (vm *VM) execCompare(op bytecode.Opcode) *VMError {
	right, err := vm.pop(op.String())
	if err != nil {
		return err
	}
	left, err := vm.pop(op.String())
	if err != nil {
		vm.Heap.ReleaseValue(right)
		return err
	}

	var result bool
	var cerr *VMError
	switch op {
	case bytecode.OpEq:
		result = vm.valueEqual(left, right)
	case bytecode.OpNe:
		result = !vm.valueEqual(left, right)
	default:
		var ord int
		ord, cerr = vm.valueCompare(left, right)
		if cerr == nil {
			switch op {
			case bytecode.OpLt:
				result = ord < 0
			case bytecode.OpLe:
				result = ord <= 0
			case bytecode.OpGt:
				result = ord > 0
			case bytecode.OpGe:
				result = ord >= 0
			}
		}
	}

	vm.Heap.ReleaseValue(left)
	vm.Heap.ReleaseValue(right)
	if cerr != nil {
		return cerr
	}
	vm.push(MakeBool(result))
	return nil
}
