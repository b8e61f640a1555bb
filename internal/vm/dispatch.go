package vm

import (
	"encoding/binary"
	"fmt"

	"vela/internal/bytecode"
)

// step fetches and executes one instruction of the current frame.
func (vm *VM) step() *VMError {
	frame := &vm.Frames[len(vm.Frames)-1]
	code := frame.Code.Code
	if frame.IP < 0 || frame.IP >= len(code) {
		frame.OpPC = frame.IP
		return vm.eb.makeError(ErrInvalidOpcode, fmt.Sprintf("instruction pointer %d out of code bounds", frame.IP))
	}
	frame.OpPC = frame.IP
	op := bytecode.Opcode(code[frame.IP])
	frame.IP++

	if vm.Trace != nil {
		vm.Trace.TraceInstr(len(vm.Frames), vm.Module.Name(frame.CodeIndex), frame.OpPC, op)
	}
	if vm.Rec != nil {
		vm.Rec.CountInstr(op)
	}

	switch op {
	case bytecode.OpLoadConst:
		idx, err := vm.readU16(frame, op)
		if err != nil {
			return err
		}
		if int(idx) >= len(vm.consts) {
			return vm.eb.makeError(ErrInvalidOpcode, fmt.Sprintf("constant index %d out of range", idx))
		}
		v := vm.consts[idx]
		vm.Heap.RetainValue(v)
		vm.push(v)

	case bytecode.OpLoadLocal:
		idx, err := vm.readU16(frame, op)
		if err != nil {
			return err
		}
		if int(idx) >= len(frame.Locals) {
			return vm.eb.localOutOfRange(int(idx), len(frame.Locals))
		}
		v := frame.Locals[idx]
		vm.Heap.RetainValue(v)
		vm.push(v)

	case bytecode.OpStoreLocal:
		idx, err := vm.readU16(frame, op)
		if err != nil {
			return err
		}
		if int(idx) >= len(frame.Locals) {
			return vm.eb.localOutOfRange(int(idx), len(frame.Locals))
		}
		v, verr := vm.pop("store_local")
		if verr != nil {
			return verr
		}
		vm.Heap.ReleaseValue(frame.Locals[idx])
		frame.Locals[idx] = v

	case bytecode.OpLoadGlobal:
		idx, err := vm.readU16(frame, op)
		if err != nil {
			return err
		}
		if int(idx) >= len(vm.Globals) {
			return vm.eb.globalOutOfRange(int(idx), len(vm.Globals))
		}
		v := vm.Globals[idx]
		vm.Heap.RetainValue(v)
		vm.push(v)

	case bytecode.OpStoreGlobal:
		idx, err := vm.readU16(frame, op)
		if err != nil {
			return err
		}
		if int(idx) >= len(vm.Globals) {
			return vm.eb.globalOutOfRange(int(idx), len(vm.Globals))
		}
		v, verr := vm.pop("store_global")
		if verr != nil {
			return verr
		}
		vm.Heap.ReleaseValue(vm.Globals[idx])
		vm.Globals[idx] = v

	case bytecode.OpPop:
		v, err := vm.pop("pop")
		if err != nil {
			return err
		}
		vm.Heap.ReleaseValue(v)

	case bytecode.OpDup:
		v, err := vm.peek("dup")
		if err != nil {
			return err
		}
		vm.Heap.RetainValue(v)
		vm.push(v)

	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv,
		bytecode.OpMod, bytecode.OpPow:
		if err := vm.execBinaryArith(op); err != nil {
			return err
		}

	case bytecode.OpNeg:
		v, err := vm.pop("neg")
		if err != nil {
			return err
		}
		res, aerr := vm.evalNeg(v)
		vm.Heap.ReleaseValue(v)
		if aerr != nil {
			return aerr
		}
		vm.push(res)

	case bytecode.OpEq, bytecode.OpNe, bytecode.OpLt, bytecode.OpLe,
		bytecode.OpGt, bytecode.OpGe:
		if err := vm.execCompare(op); err != nil {
			return err
		}

	case bytecode.OpAnd, bytecode.OpOr:
		right, err := vm.pop(op.String())
		if err != nil {
			return err
		}
		left, err := vm.pop(op.String())
		if err != nil {
			vm.Heap.ReleaseValue(right)
			return err
		}
		if left.Kind != VKBool || right.Kind != VKBool {
			kinds := fmt.Sprintf("%s and %s", vm.kindName(left), vm.kindName(right))
			vm.Heap.ReleaseValue(left)
			vm.Heap.ReleaseValue(right)
			return vm.eb.typeMismatch("bool operands", kinds)
		}
		if op == bytecode.OpAnd {
			vm.push(MakeBool(left.Bool() && right.Bool()))
		} else {
			vm.push(MakeBool(left.Bool() || right.Bool()))
		}

	case bytecode.OpNot:
		v, err := vm.pop("not")
		if err != nil {
			return err
		}
		if v.Kind != VKBool {
			kind := vm.kindName(v)
			vm.Heap.ReleaseValue(v)
			return vm.eb.typeMismatch("bool operand", kind)
		}
		vm.push(MakeBool(!v.Bool()))

	case bytecode.OpJump:
		offset, err := vm.readI32(frame, op)
		if err != nil {
			return err
		}
		frame.IP += int(offset)

	case bytecode.OpJumpIfFalse:
		offset, err := vm.readI32(frame, op)
		if err != nil {
			return err
		}
		cond, cerr := vm.pop("jump_if_false")
		if cerr != nil {
			return cerr
		}
		taken := !cond.Truthy()
		vm.Heap.ReleaseValue(cond)
		if taken {
			frame.IP += int(offset)
		}

	case bytecode.OpCall:
		argc, err := vm.readU8(frame, op)
		if err != nil {
			return err
		}
		if cerr := vm.execCall(int(argc)); cerr != nil {
			return cerr
		}

	case bytecode.OpReturn:
		return vm.execReturn()

	case bytecode.OpNewList, bytecode.OpNewTuple, bytecode.OpNewSet:
		count, err := vm.readU16(frame, op)
		if err != nil {
			return err
		}
		if cerr := vm.execNewSequence(op, int(count)); cerr != nil {
			return cerr
		}

	case bytecode.OpNewDict:
		pairs, err := vm.readU16(frame, op)
		if err != nil {
			return err
		}
		if cerr := vm.execNewDict(int(pairs)); cerr != nil {
			return cerr
		}

	case bytecode.OpNewClosure:
		codeIdx, err := vm.readU16(frame, op)
		if err != nil {
			return err
		}
		captures, err := vm.readU8(frame, op)
		if err != nil {
			return err
		}
		if cerr := vm.execNewClosure(int(codeIdx), int(captures)); cerr != nil {
			return cerr
		}

	case bytecode.OpNewSignal:
		initial, err := vm.pop("new_signal")
		if err != nil {
			return err
		}
		vm.push(MakeHandle(vm.Heap.AllocSignal(initial)))

	case bytecode.OpSignalGet:
		if err := vm.execSignalGet(); err != nil {
			return err
		}

	case bytecode.OpSignalSet:
		if err := vm.execSignalSet(); err != nil {
			return err
		}

	case bytecode.OpNewComputed:
		if err := vm.execNewComputed(); err != nil {
			return err
		}

	case bytecode.OpComputedRead:
		if err := vm.execComputedRead(); err != nil {
			return err
		}

	case bytecode.OpEffectAttach:
		if err := vm.execEffectAttach(); err != nil {
			return err
		}

	case bytecode.OpEffectDetach:
		if err := vm.execEffectDetach(); err != nil {
			return err
		}

	case bytecode.OpBatchEnter:
		vm.Sched.BatchEnter()

	case bytecode.OpBatchExit:
		if err := vm.Sched.BatchExit(); err != nil {
			return err
		}

	default:
		return vm.eb.invalidOpcode(byte(op))
	}
	return nil
}

// execCall pops argc arguments and a callee closure and activates it.
func (vm *VM) execCall(argc int) *VMError {
	args := make([]Value, argc)
	for i := argc - 1; i >= 0; i-- {
		v, err := vm.pop("call argument")
		if err != nil {
			for j := i + 1; j < argc; j++ {
				vm.Heap.ReleaseValue(args[j])
			}
			return err
		}
		args[i] = v
	}
	callee, err := vm.pop("call target")
	if err != nil {
		for _, a := range args {
			vm.Heap.ReleaseValue(a)
		}
		return err
	}
	releaseAll := func() {
		for _, a := range args {
			vm.Heap.ReleaseValue(a)
		}
		vm.Heap.ReleaseValue(callee)
	}
	if callee.Kind != VKHandle {
		kind := vm.kindName(callee)
		releaseAll()
		return vm.eb.typeMismatch("closure", kind)
	}
	obj := vm.Heap.Get(callee.Handle())
	if obj.Kind != OKClosure {
		kind := obj.Kind.String()
		releaseAll()
		return vm.eb.typeMismatch("closure", kind)
	}
	if obj.Closure.Native != nil {
		for _, a := range args {
			vm.Heap.ReleaseValue(a)
		}
		res, nerr := obj.Closure.Native(vm)
		vm.Heap.Release(callee.Handle())
		if nerr != nil {
			return nerr
		}
		vm.push(res)
		return nil
	}
	codeIndex := int(obj.Closure.CodeIndex)
	if codeIndex < 0 || codeIndex >= len(vm.Module.Code) {
		releaseAll()
		return vm.eb.makeError(ErrInvalidOpcode, fmt.Sprintf("closure references code %d", codeIndex))
	}
	code := &vm.Module.Code[codeIndex]
	// Surplus arguments beyond the local slots are dropped.
	if len(args) > int(code.LocalCount) {
		for _, a := range args[code.LocalCount:] {
			vm.Heap.ReleaseValue(a)
		}
		args = args[:code.LocalCount]
	}
	vm.pushCallFrame(codeIndex, callee.Handle(), args)
	return nil
}

// execReturn discards the current frame and hands the returned value to
// the caller's stack.
func (vm *VM) execReturn() *VMError {
	ret, err := vm.pop("return")
	if err != nil {
		return err
	}
	frame := &vm.Frames[len(vm.Frames)-1]
	for _, v := range frame.Locals {
		vm.Heap.ReleaseValue(v)
	}
	if frame.Closure != 0 {
		vm.Heap.Release(frame.Closure)
	}
	vm.truncateStack(frame.Base)
	vm.Frames = vm.Frames[:len(vm.Frames)-1]
	vm.push(ret)
	return nil
}

func (vm *VM) execNewSequence(op bytecode.Opcode, count int) *VMError {
	elems := make([]Value, count)
	for i := count - 1; i >= 0; i-- {
		v, err := vm.pop(op.String())
		if err != nil {
			for j := i + 1; j < count; j++ {
				vm.Heap.ReleaseValue(elems[j])
			}
			return err
		}
		elems[i] = v
	}
	switch op {
	case bytecode.OpNewList:
		vm.push(MakeHandle(vm.Heap.AllocList(elems)))
	case bytecode.OpNewTuple:
		vm.push(MakeHandle(vm.Heap.AllocTuple(elems)))
	case bytecode.OpNewSet:
		h := vm.Heap.AllocSet()
		obj := vm.Heap.Get(h)
		for i, v := range elems {
			key, kerr := vm.keyFor(v)
			if kerr != nil {
				vm.Heap.ReleaseValue(v)
				for _, rest := range elems[i+1:] {
					vm.Heap.ReleaseValue(rest)
				}
				vm.Heap.Release(h)
				return kerr
			}
			if old, ok := obj.Set[key]; ok {
				vm.Heap.ReleaseValue(old)
			}
			obj.Set[key] = v
		}
		vm.push(MakeHandle(h))
	}
	return nil
}

func (vm *VM) execNewDict(pairs int) *VMError {
	h := vm.Heap.AllocDict()
	obj := vm.Heap.Get(h)
	for i := 0; i < pairs; i++ {
		val, err := vm.pop("new_dict value")
		if err != nil {
			vm.Heap.Release(h)
			return err
		}
		key, err := vm.pop("new_dict key")
		if err != nil {
			vm.Heap.ReleaseValue(val)
			vm.Heap.Release(h)
			return err
		}
		dk, kerr := vm.keyFor(key)
		if kerr != nil {
			vm.Heap.ReleaseValue(val)
			vm.Heap.ReleaseValue(key)
			vm.Heap.Release(h)
			return kerr
		}
		if old, ok := obj.Dict[dk]; ok {
			vm.Heap.ReleaseValue(old.Key)
			vm.Heap.ReleaseValue(old.Val)
		}
		obj.Dict[dk] = dictEntry{Key: key, Val: val}
	}
	vm.push(MakeHandle(h))
	return nil
}

func (vm *VM) execNewClosure(codeIndex, captures int) *VMError {
	if codeIndex >= len(vm.Module.Code) {
		return vm.eb.makeError(ErrInvalidOpcode, fmt.Sprintf("new_closure references code %d", codeIndex))
	}
	caps := make([]Value, captures)
	for i := captures - 1; i >= 0; i-- {
		v, err := vm.pop("new_closure capture")
		if err != nil {
			for j := i + 1; j < captures; j++ {
				vm.Heap.ReleaseValue(caps[j])
			}
			return err
		}
		caps[i] = v
	}
	vm.push(MakeHandle(vm.Heap.AllocClosure(int32(codeIndex), caps)))
	return nil
}

// Operand readers. A truncated operand surfaces as InvalidOpcode on the
// instruction that carried it.

func (vm *VM) readU8(frame *Frame, op bytecode.Opcode) (uint8, *VMError) {
	code := frame.Code.Code
	if frame.IP+1 > len(code) {
		return 0, vm.eb.truncatedOperand(op.String())
	}
	v := code[frame.IP]
	frame.IP++
	return v, nil
}

func (vm *VM) readU16(frame *Frame, op bytecode.Opcode) (uint16, *VMError) {
	code := frame.Code.Code
	if frame.IP+2 > len(code) {
		return 0, vm.eb.truncatedOperand(op.String())
	}
	v := binary.LittleEndian.Uint16(code[frame.IP:])
	frame.IP += 2
	return v, nil
}

func (vm *VM) readI32(frame *Frame, op bytecode.Opcode) (int32, *VMError) {
	code := frame.Code.Code
	if frame.IP+4 > len(code) {
		return 0, vm.eb.truncatedOperand(op.String())
	}
	v := int32(binary.LittleEndian.Uint32(code[frame.IP:]))
	frame.IP += 4
	return v, nil
}
