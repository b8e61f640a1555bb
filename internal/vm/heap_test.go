package vm

import (
	"testing"

	"vela/internal/bytecode"
)

func newTestVM(t *testing.T, opts Options) *VM {
	t.Helper()
	return New(bytecode.NewBuilder().Module(), opts)
}

func TestReleaseFreesAcyclicGraph(t *testing.T) {
	vm := newTestVM(t, Options{})
	heap := vm.Heap

	s := heap.AllocString("payload")
	l := heap.AllocList([]Value{MakeHandle(s)}) // list owns the string ref

	heap.Release(l)

	if _, ok := heap.lookup(l); ok {
		t.Error("list still live after release")
	}
	if _, ok := heap.lookup(s); ok {
		t.Error("string still live after owner released")
	}
	if got := heap.Stats().Freed; got != 2 {
		t.Errorf("Freed = %d, want 2", got)
	}
}

func TestRetainKeepsSharedChild(t *testing.T) {
	vm := newTestVM(t, Options{})
	heap := vm.Heap

	s := heap.AllocString("shared")
	heap.Retain(s)
	l := heap.AllocList([]Value{MakeHandle(s)})

	heap.Release(l)

	if _, ok := heap.lookup(s); !ok {
		t.Fatal("string freed while externally retained")
	}
	heap.Release(s)
	if _, ok := heap.lookup(s); ok {
		t.Error("string still live after final release")
	}
}

func TestDoubleReleaseIsFatal(t *testing.T) {
	vm := newTestVM(t, Options{})
	s := vm.Heap.AllocString("x")
	vm.Heap.Release(s)

	defer func() {
		r := recover()
		verr, ok := r.(*VMError)
		if !ok {
			t.Fatalf("recovered %v, want *VMError", r)
		}
		if verr.Code != ErrDoubleFree {
			t.Errorf("code = %s, want %s", verr.Code, ErrDoubleFree)
		}
		if !verr.Code.Fatal() {
			t.Error("double free not marked fatal")
		}
	}()
	vm.Heap.Release(s)
}

func TestNullDereferenceIsFatal(t *testing.T) {
	vm := newTestVM(t, Options{})

	defer func() {
		r := recover()
		verr, ok := r.(*VMError)
		if !ok {
			t.Fatalf("recovered %v, want *VMError", r)
		}
		if verr.Code != ErrNullDereference {
			t.Errorf("code = %s, want %s", verr.Code, ErrNullDereference)
		}
	}()
	vm.Heap.Get(0)
}

func TestCycleCollectionFreesListCycle(t *testing.T) {
	vm := newTestVM(t, Options{})
	heap := vm.Heap

	a := heap.AllocList([]Value{MakeNull()})
	b := heap.AllocList([]Value{MakeNull()})
	heap.Retain(b)
	heap.Get(a).Elems[0] = MakeHandle(b)
	heap.Retain(a)
	heap.Get(b).Elems[0] = MakeHandle(a)

	heap.Release(a)
	heap.Release(b)

	// Both survive on their internal edges alone.
	if _, ok := heap.lookup(a); !ok {
		t.Fatal("a freed by plain refcounting")
	}

	freed := heap.Collect()
	if freed != 2 {
		t.Errorf("Collect() freed %d, want 2", freed)
	}
	if _, ok := heap.lookup(a); ok {
		t.Error("a still live after collection")
	}
	if _, ok := heap.lookup(b); ok {
		t.Error("b still live after collection")
	}
}

func TestCycleCollectionKeepsExternallyReachable(t *testing.T) {
	vm := newTestVM(t, Options{})
	heap := vm.Heap

	a := heap.AllocList([]Value{MakeNull()})
	b := heap.AllocList([]Value{MakeNull()})
	heap.Retain(b)
	heap.Get(a).Elems[0] = MakeHandle(b)
	heap.Retain(a)
	heap.Get(b).Elems[0] = MakeHandle(a)

	// Keep the external reference to a; drop only b's.
	heap.Release(b)

	if freed := heap.Collect(); freed != 0 {
		t.Errorf("Collect() freed %d, want 0", freed)
	}
	if _, ok := heap.lookup(a); !ok {
		t.Error("a freed while externally reachable")
	}
	if _, ok := heap.lookup(b); !ok {
		t.Error("b freed while reachable through a")
	}

	// Counts must be restored; dropping the last external reference
	// and collecting reclaims the pair.
	heap.Release(a)
	if freed := heap.Collect(); freed != 2 {
		t.Errorf("second Collect() freed %d, want 2", freed)
	}
}

func TestCycleThresholdTriggersCollection(t *testing.T) {
	vm := newTestVM(t, Options{CycleThreshold: 2})
	heap := vm.Heap

	for i := 0; i < 3; i++ {
		a := heap.AllocList([]Value{MakeNull()})
		b := heap.AllocList([]Value{MakeNull()})
		heap.Retain(b)
		heap.Get(a).Elems[0] = MakeHandle(b)
		heap.Retain(a)
		heap.Get(b).Elems[0] = MakeHandle(a)
		heap.Release(a)
		heap.Release(b)
	}

	if got := heap.Stats().Collections; got == 0 {
		t.Error("no automatic collection despite exceeded threshold")
	}
}

func TestOperandStackIsARoot(t *testing.T) {
	vm := newTestVM(t, Options{})
	heap := vm.Heap

	a := heap.AllocList([]Value{MakeNull()})
	b := heap.AllocList([]Value{MakeNull()})
	heap.Retain(b)
	heap.Get(a).Elems[0] = MakeHandle(b)
	heap.Retain(a)
	heap.Get(b).Elems[0] = MakeHandle(a)

	// Transfer the external reference to a onto the operand stack.
	vm.push(MakeHandle(a))
	heap.Release(b)

	if freed := heap.Collect(); freed != 0 {
		t.Errorf("Collect() freed %d, want 0 while rooted on the stack", freed)
	}

	vm.truncateStack(0)
	if freed := heap.Collect(); freed != 2 {
		t.Errorf("Collect() freed %d after unroot, want 2", freed)
	}
}

func TestReactiveCycleIsReclaimed(t *testing.T) {
	vm := newTestVM(t, Options{})
	heap := vm.Heap

	sig := vm.SignalNew(MakeInt(1))
	thunk := heap.AllocNativeClosure(func(vm *VM) (Value, *VMError) {
		v, err := vm.SignalValue(sig)
		if err != nil {
			return Value{}, err
		}
		return MakeInt(v.Int() + 1), nil
	})
	c, err := vm.ComputedNew(thunk)
	if err != nil {
		t.Fatalf("ComputedNew: %v", err)
	}
	if _, err := vm.ComputedValue(c); err != nil {
		t.Fatalf("ComputedValue: %v", err)
	}

	live := heap.Stats().Live
	if live != 3 {
		t.Fatalf("live = %d, want signal+computed+thunk", live)
	}

	// The signal<->computed edges form a cycle; dropping the embedder
	// references leaves it for the collector.
	heap.Release(sig)
	heap.Release(c)

	if freed := heap.Collect(); freed != 3 {
		t.Errorf("Collect() freed %d, want 3", freed)
	}
}

func TestMemoryPressureCallback(t *testing.T) {
	vm := newTestVM(t, Options{PressureFraction: 0.5})
	heap := vm.Heap

	fired := 0
	heap.SetPressureFunc(func(liveBytes uint64) {
		fired++
		if liveBytes == 0 {
			t.Error("pressure reported zero live bytes")
		}
	})

	// A buffered candidate that the pass cannot free: the pass frees
	// nothing, which is below the configured fraction.
	a := heap.AllocList([]Value{MakeNull()})
	heap.Retain(a)
	heap.Release(a) // drops to 1, buffered purple

	if freed := heap.Collect(); freed != 0 {
		t.Fatalf("Collect() freed %d, want 0", freed)
	}
	if fired != 1 {
		t.Errorf("pressure fired %d times, want 1", fired)
	}
}

func TestHeapStatsCounts(t *testing.T) {
	vm := newTestVM(t, Options{})
	heap := vm.Heap

	s := heap.AllocString("abc")
	l := heap.AllocList([]Value{MakeHandle(s)})

	stats := heap.Stats()
	if stats.Allocations != 2 {
		t.Errorf("Allocations = %d, want 2", stats.Allocations)
	}
	if stats.Live != 2 {
		t.Errorf("Live = %d, want 2", stats.Live)
	}

	heap.Release(l)
	stats = heap.Stats()
	if stats.Freed != 2 {
		t.Errorf("Freed = %d, want 2", stats.Freed)
	}
	if stats.Live != 0 {
		t.Errorf("Live = %d, want 0", stats.Live)
	}
	if stats.BytesFreed == 0 {
		t.Error("BytesFreed = 0, want > 0")
	}
}
