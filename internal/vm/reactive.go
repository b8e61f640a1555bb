package vm

// Reactive operations shared by the dispatch loop and the embedder
// API. Ownership follows the stack discipline: arguments transfer in,
// results transfer out retained.

// SignalNew allocates a signal, taking ownership of the initial value.
func (vm *VM) SignalNew(initial Value) Handle {
	return vm.Heap.AllocSignal(initial)
}

// SignalValue reads a signal's current value, records the signal as a
// dependency of the ambient observer, and returns a retained copy.
func (vm *VM) SignalValue(h Handle) (Value, *VMError) {
	obj := vm.Heap.Get(h)
	if obj.Kind != OKSignal {
		return Value{}, vm.eb.typeMismatch("signal", obj.Kind.String())
	}
	vm.Sched.recordDependency(h)
	v := obj.Signal.Value
	vm.Heap.RetainValue(v)
	return v, nil
}

// SignalWrite stores a new value (ownership transfers), enqueues the
// signal, and flushes unless a batch or flush is already open.
func (vm *VM) SignalWrite(h Handle, v Value) *VMError {
	obj := vm.Heap.Get(h)
	if obj.Kind != OKSignal {
		vm.Heap.ReleaseValue(v)
		return vm.eb.typeMismatch("signal", obj.Kind.String())
	}
	vm.Heap.ReleaseValue(obj.Signal.Value)
	obj.Signal.Value = v
	if vm.Trace != nil {
		vm.Trace.TraceSignalSet(h, v)
	}
	vm.Sched.Enqueue(h, PrioSync)
	return vm.Sched.Flush()
}

// ComputedNew allocates a computed around a thunk closure (ownership
// transfers). The node starts dirty; the first read evaluates it.
func (vm *VM) ComputedNew(thunk Handle) (Handle, *VMError) {
	obj := vm.Heap.Get(thunk)
	if obj.Kind != OKClosure {
		vm.Heap.Release(thunk)
		return 0, vm.eb.typeMismatch("closure", obj.Kind.String())
	}
	return vm.Heap.AllocComputed(thunk), nil
}

// ComputedValue returns the cached value when clean, recomputing under
// a tracking frame otherwise, and records the computed as a dependency
// of the ambient observer. The returned copy is retained.
func (vm *VM) ComputedValue(h Handle) (Value, *VMError) {
	obj := vm.Heap.Get(h)
	if obj.Kind != OKComputed {
		return Value{}, vm.eb.typeMismatch("computed", obj.Kind.String())
	}
	if obj.Computed.Dirty {
		if err := vm.Sched.recompute(h); err != nil {
			return Value{}, err
		}
	}
	vm.Sched.recordDependency(h)
	v := obj.Computed.Cached
	vm.Heap.RetainValue(v)
	return v, nil
}

// EffectNew allocates an effect around a thunk closure (ownership
// transfers) and evaluates it once to populate the upstream set.
func (vm *VM) EffectNew(thunk Handle) (Handle, *VMError) {
	obj := vm.Heap.Get(thunk)
	if obj.Kind != OKClosure {
		vm.Heap.Release(thunk)
		return 0, vm.eb.typeMismatch("closure", obj.Kind.String())
	}
	h := vm.Heap.AllocEffect(thunk)
	if err := vm.Sched.runEffect(h); err != nil {
		vm.Heap.Release(h)
		return 0, err
	}
	return h, nil
}

// EffectSetCleanup installs a cleanup thunk (ownership transfers) run
// before each re-run and after detach.
func (vm *VM) EffectSetCleanup(h, cleanup Handle) *VMError {
	obj := vm.Heap.Get(h)
	if obj.Kind != OKEffect {
		vm.Heap.Release(cleanup)
		return vm.eb.typeMismatch("effect", obj.Kind.String())
	}
	if cobj := vm.Heap.Get(cleanup); cobj.Kind != OKClosure {
		vm.Heap.Release(cleanup)
		return vm.eb.typeMismatch("closure", cobj.Kind.String())
	}
	if obj.Effect.Cleanup != 0 {
		vm.Heap.Release(obj.Effect.Cleanup)
	}
	obj.Effect.Cleanup = cleanup
	return nil
}

// EffectDetach marks an effect inactive and releases its upstream
// edges; pending queue entries become no-ops. A cleanup thunk is
// deferred to the Low queue.
func (vm *VM) EffectDetach(h Handle) *VMError {
	obj := vm.Heap.Get(h)
	if obj.Kind != OKEffect {
		return vm.eb.typeMismatch("effect", obj.Kind.String())
	}
	if !obj.Effect.Active {
		return nil
	}
	obj.Effect.Active = false
	vm.Sched.clearUpstream(h)
	if obj.Effect.Cleanup != 0 {
		vm.Sched.Enqueue(h, PrioLow)
		return vm.Sched.Flush()
	}
	return nil
}

// Dispatch-loop wrappers.

func (vm *VM) execSignalGet() *VMError {
	sig, err := vm.pop("signal_get")
	if err != nil {
		return err
	}
	if sig.Kind != VKHandle {
		kind := vm.kindName(sig)
		vm.Heap.ReleaseValue(sig)
		return vm.eb.typeMismatch("signal", kind)
	}
	v, gerr := vm.SignalValue(sig.Handle())
	vm.Heap.ReleaseValue(sig)
	if gerr != nil {
		return gerr
	}
	vm.push(v)
	return nil
}

func (vm *VM) execSignalSet() *VMError {
	v, err := vm.pop("signal_set value")
	if err != nil {
		return err
	}
	sig, err := vm.pop("signal_set target")
	if err != nil {
		vm.Heap.ReleaseValue(v)
		return err
	}
	if sig.Kind != VKHandle {
		kind := vm.kindName(sig)
		vm.Heap.ReleaseValue(v)
		vm.Heap.ReleaseValue(sig)
		return vm.eb.typeMismatch("signal", kind)
	}
	werr := vm.SignalWrite(sig.Handle(), v)
	vm.Heap.ReleaseValue(sig)
	return werr
}

func (vm *VM) execNewComputed() *VMError {
	thunk, err := vm.pop("new_computed")
	if err != nil {
		return err
	}
	if thunk.Kind != VKHandle {
		kind := vm.kindName(thunk)
		vm.Heap.ReleaseValue(thunk)
		return vm.eb.typeMismatch("closure", kind)
	}
	h, cerr := vm.ComputedNew(thunk.Handle())
	if cerr != nil {
		return cerr
	}
	vm.push(MakeHandle(h))
	return nil
}

func (vm *VM) execComputedRead() *VMError {
	c, err := vm.pop("computed_read")
	if err != nil {
		return err
	}
	if c.Kind != VKHandle {
		kind := vm.kindName(c)
		vm.Heap.ReleaseValue(c)
		return vm.eb.typeMismatch("computed", kind)
	}
	v, rerr := vm.ComputedValue(c.Handle())
	vm.Heap.ReleaseValue(c)
	if rerr != nil {
		return rerr
	}
	vm.push(v)
	return nil
}

func (vm *VM) execEffectAttach() *VMError {
	thunk, err := vm.pop("effect_attach")
	if err != nil {
		return err
	}
	if thunk.Kind != VKHandle {
		kind := vm.kindName(thunk)
		vm.Heap.ReleaseValue(thunk)
		return vm.eb.typeMismatch("closure", kind)
	}
	h, aerr := vm.EffectNew(thunk.Handle())
	if aerr != nil {
		return aerr
	}
	vm.push(MakeHandle(h))
	return nil
}

func (vm *VM) execEffectDetach() *VMError {
	e, err := vm.pop("effect_detach")
	if err != nil {
		return err
	}
	if e.Kind != VKHandle {
		kind := vm.kindName(e)
		vm.Heap.ReleaseValue(e)
		return vm.eb.typeMismatch("effect", kind)
	}
	derr := vm.EffectDetach(e.Handle())
	vm.Heap.ReleaseValue(e)
	return derr
}
