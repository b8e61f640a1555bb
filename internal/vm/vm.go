package vm

import (
	"fmt"
	"strings"

	"vela/internal/bytecode"
	"vela/internal/deopt"
)

// Options configures VM execution.
type Options struct {
	CycleThreshold   int     // cycle-candidate buffer size triggering a pass (default 64)
	PressureFraction float64 // minimum freed fraction before pressure is reported (default 0.25)
	MaxFlushDepth    int     // scheduler pass bound (default 100)
	Trace            *Tracer
	Rec              *Recorder
	Deopt            *deopt.Controller
}

// VM is the bytecode interpreter. One VM owns one operand stack, one
// frame stack, one heap and one scheduler; it is single-threaded and
// must not be shared across goroutines.
type VM struct {
	Module  *bytecode.Module
	Stack   []Value
	Frames  []Frame
	Globals []Value
	Heap    *Heap
	Sched   *Scheduler
	Deopt   *deopt.Controller
	Trace   *Tracer
	Rec     *Recorder

	consts []Value // materialised constant pool; string entries hold one count each

	eb *errorBuilder
}

// New creates a VM for the given module.
func New(m *bytecode.Module, opts Options) *VM {
	vm := &VM{
		Module: m,
		Heap:   NewHeap(opts.CycleThreshold, opts.PressureFraction),
		Deopt:  opts.Deopt,
		Trace:  opts.Trace,
		Rec:    opts.Rec,
	}
	vm.Heap.vm = vm
	vm.eb = &errorBuilder{vm: vm}
	vm.Sched = newScheduler(vm, opts.MaxFlushDepth)
	if vm.Trace != nil {
		vm.Trace.vm = vm
	}

	vm.Globals = make([]Value, m.GlobalCount)
	for i := range vm.Globals {
		vm.Globals[i] = MakeNull()
	}

	vm.consts = make([]Value, len(m.Consts))
	for i, c := range m.Consts {
		switch c.Kind {
		case bytecode.ConstNull:
			vm.consts[i] = MakeNull()
		case bytecode.ConstBool:
			vm.consts[i] = MakeBool(c.Bool)
		case bytecode.ConstInt:
			vm.consts[i] = MakeInt(c.Int)
		case bytecode.ConstFloat:
			vm.consts[i] = MakeFloat(c.Float)
		case bytecode.ConstString, bytecode.ConstSymbol:
			vm.consts[i] = MakeHandle(vm.Heap.AllocString(c.Str))
		}
	}
	return vm
}

// Execute runs the module's entry code object to completion and
// returns the value left by its final return.
func (vm *VM) Execute() (Value, *VMError) {
	if len(vm.Module.Code) == 0 {
		return MakeNull(), vm.eb.makeError(ErrInvalidOpcode, "module has no entry code object")
	}
	vm.pushCallFrame(0, 0, nil)
	entryDepth := len(vm.Frames) - 1
	for len(vm.Frames) > entryDepth {
		if err := vm.step(); err != nil {
			vm.unwindTo(entryDepth)
			return MakeNull(), err
		}
	}
	return vm.pop("entry return")
}

// pushCallFrame activates a code object. The deoptimisation controller
// is consulted before the first opcode of the call; a deoptimised
// callee takes the plain interpreted path.
func (vm *VM) pushCallFrame(codeIndex int, closure Handle, args []Value) {
	code := &vm.Module.Code[codeIndex]
	if vm.Deopt != nil && vm.Deopt.IsDeoptimised(vm.Module.Name(codeIndex)) {
		if vm.Trace != nil {
			vm.Trace.TraceDeoptPath(vm.Module.Name(codeIndex))
		}
	}
	vm.Frames = append(vm.Frames, newFrame(code, codeIndex, len(vm.Stack), closure, args))
	if vm.Rec != nil {
		vm.Rec.CountCall()
	}
}

// unwindTo drops frames and operand stack entries after an error,
// releasing the references they held.
func (vm *VM) unwindTo(depth int) {
	for len(vm.Frames) > depth {
		f := &vm.Frames[len(vm.Frames)-1]
		for _, v := range f.Locals {
			vm.Heap.ReleaseValue(v)
		}
		if f.Closure != 0 {
			vm.Heap.Release(f.Closure)
		}
		vm.truncateStack(f.Base)
		vm.Frames = vm.Frames[:len(vm.Frames)-1]
	}
}

// truncateStack pops and releases stack entries above base.
func (vm *VM) truncateStack(base int) {
	for i := len(vm.Stack) - 1; i >= base; i-- {
		vm.Heap.ReleaseValue(vm.Stack[i])
	}
	vm.Stack = vm.Stack[:base]
}

// push transfers ownership of a reference onto the operand stack.
func (vm *VM) push(v Value) {
	vm.Stack = append(vm.Stack, v)
}

// pop transfers ownership of the top value to the caller.
func (vm *VM) pop(op string) (Value, *VMError) {
	base := 0
	if len(vm.Frames) > 0 {
		base = vm.Frames[len(vm.Frames)-1].Base
	}
	if len(vm.Stack) <= base {
		return Value{}, vm.eb.stackUnderflow(op)
	}
	v := vm.Stack[len(vm.Stack)-1]
	vm.Stack = vm.Stack[:len(vm.Stack)-1]
	return v, nil
}

// peek returns the top value without transferring ownership.
func (vm *VM) peek(op string) (Value, *VMError) {
	base := 0
	if len(vm.Frames) > 0 {
		base = vm.Frames[len(vm.Frames)-1].Base
	}
	if len(vm.Stack) <= base {
		return Value{}, vm.eb.stackUnderflow(op)
	}
	return vm.Stack[len(vm.Stack)-1], nil
}

// CallClosure invokes a closure synchronously with the given argument
// values (ownership transfers) and returns the result. Native closures
// run directly; bytecode closures run a nested dispatch loop.
func (vm *VM) CallClosure(h Handle, args []Value) (Value, *VMError) {
	obj := vm.Heap.Get(h)
	if obj.Kind != OKClosure {
		return Value{}, vm.eb.typeMismatch("closure", obj.Kind.String())
	}
	if obj.Closure.Native != nil {
		for _, a := range args {
			vm.Heap.ReleaseValue(a)
		}
		return obj.Closure.Native(vm)
	}
	codeIndex := int(obj.Closure.CodeIndex)
	if codeIndex < 0 || codeIndex >= len(vm.Module.Code) {
		return Value{}, vm.eb.makeError(ErrInvalidOpcode, fmt.Sprintf("closure references code %d", codeIndex))
	}
	vm.Heap.Retain(h)
	vm.pushCallFrame(codeIndex, h, args)
	entryDepth := len(vm.Frames) - 1
	for len(vm.Frames) > entryDepth {
		if err := vm.step(); err != nil {
			vm.unwindTo(entryDepth)
			return Value{}, err
		}
	}
	return vm.pop("closure return")
}

// FormatValue renders a value with heap contents for traces and CLI
// output. Cycles are cut off at a fixed depth.
func (vm *VM) FormatValue(v Value) string {
	return vm.formatValue(v, 4)
}

func (vm *VM) formatValue(v Value, depth int) string {
	if v.Kind != VKHandle {
		return v.String()
	}
	obj, ok := vm.Heap.lookup(v.Handle())
	if !ok {
		return fmt.Sprintf("<dead#%d>", v.Handle())
	}
	if depth <= 0 {
		return fmt.Sprintf("<%s#%d>", obj.Kind, v.Handle())
	}
	switch obj.Kind {
	case OKString:
		return fmt.Sprintf("%q", obj.Str)
	case OKList, OKTuple:
		open, close := "[", "]"
		if obj.Kind == OKTuple {
			open, close = "(", ")"
		}
		parts := make([]string, len(obj.Elems))
		for i, e := range obj.Elems {
			parts[i] = vm.formatValue(e, depth-1)
		}
		return open + strings.Join(parts, ", ") + close
	case OKDict:
		parts := make([]string, 0, len(obj.Dict))
		for _, e := range obj.Dict {
			parts = append(parts, vm.formatValue(e.Key, depth-1)+": "+vm.formatValue(e.Val, depth-1))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case OKSet:
		parts := make([]string, 0, len(obj.Set))
		for _, e := range obj.Set {
			parts = append(parts, vm.formatValue(e, depth-1))
		}
		return "#{" + strings.Join(parts, ", ") + "}"
	case OKSignal:
		return fmt.Sprintf("signal(%s)", vm.formatValue(obj.Signal.Value, depth-1))
	case OKComputed:
		state := "clean"
		if obj.Computed.Dirty {
			state = "dirty"
		}
		return fmt.Sprintf("computed(%s, %s)", vm.formatValue(obj.Computed.Cached, depth-1), state)
	case OKEffect:
		if obj.Effect.Active {
			return "effect(active)"
		}
		return "effect(detached)"
	case OKClosure:
		if obj.Closure.Native != nil {
			return "closure(native)"
		}
		return fmt.Sprintf("closure(%s)", vm.Module.Name(int(obj.Closure.CodeIndex)))
	default:
		return fmt.Sprintf("<%s#%d>", obj.Kind, v.Handle())
	}
}
