// Package engine is the embedder surface of the runtime: it owns a VM,
// wires the heap's memory-pressure notifications into the
// deoptimisation controller, and exposes the reactive graph without
// requiring callers to assemble bytecode.
package engine

import (
	"fmt"
	"io"

	"vela/internal/bytecode"
	"vela/internal/config"
	"vela/internal/deopt"
	"vela/internal/vm"
)

// Options configures a Runtime. The zero value selects the config
// defaults with tracing and recording disabled.
type Options struct {
	Config config.Runtime
	Trace  io.Writer // optional execution trace destination
	Record bool      // accumulate a run log
}

// Thunk is a Go-implemented reactive computation. It runs on the
// runtime's goroutine and may read signals through Get.
type Thunk = vm.NativeFunc

// Runtime is one embedded Vela engine: a VM, its heap and scheduler,
// and a deoptimisation controller. Not safe for concurrent use.
type Runtime struct {
	opts Options
	ctrl *deopt.Controller
	rec  *vm.Recorder
	vm   *vm.VM
}

// New creates a runtime with no module loaded. The reactive API is
// usable immediately; Execute requires Load first.
func New(opts Options) *Runtime {
	if opts.Config == (config.Runtime{}) {
		opts.Config = config.Default()
	}
	r := &Runtime{
		opts: opts,
		ctrl: deopt.NewController(opts.Config.Deopt.RegressionThreshold),
	}
	r.bind(&bytecode.Module{})
	return r
}

// bind constructs a fresh VM around a module. Heap, scheduler and all
// reactive state start empty; the controller survives across binds.
func (r *Runtime) bind(m *bytecode.Module) {
	var tracer *vm.Tracer
	if r.opts.Trace != nil {
		tracer = vm.NewTracer(r.opts.Trace)
	}
	r.rec = nil
	if r.opts.Record {
		r.rec = vm.NewRecorder(m.Name(0))
	}
	r.vm = vm.New(m, vm.Options{
		CycleThreshold:   r.opts.Config.GC.CycleThreshold,
		PressureFraction: r.opts.Config.GC.PressureFraction,
		MaxFlushDepth:    r.opts.Config.Scheduler.MaxFlushDepth,
		Trace:            tracer,
		Rec:              r.rec,
		Deopt:            r.ctrl,
	})
	r.vm.Heap.SetPressureFunc(r.ctrl.RecordMemoryPressure)
}

// Load decodes a module binary and binds a fresh VM to it. Reactive
// handles from before the load are invalidated.
func (r *Runtime) Load(data []byte) error {
	m, err := bytecode.Decode(data)
	if err != nil {
		return fmt.Errorf("load module: %w", err)
	}
	r.bind(m)
	return nil
}

// LoadModule binds a fresh VM to an already constructed module.
func (r *Runtime) LoadModule(m *bytecode.Module) {
	r.bind(m)
}

// Execute runs the loaded module's entry code object to completion.
func (r *Runtime) Execute() (vm.Value, error) {
	v, verr := r.vm.Execute()
	if verr != nil {
		return vm.MakeNull(), verr
	}
	return v, nil
}

// VM exposes the underlying machine for callers that need value
// formatting or direct heap access.
func (r *Runtime) VM() *vm.VM { return r.vm }

// Deopt exposes the deoptimisation controller.
func (r *Runtime) Deopt() *deopt.Controller { return r.ctrl }

// RunLog returns the accumulated run log, or nil when recording is off.
func (r *Runtime) RunLog() *vm.RunLog {
	return r.rec.Log()
}

// Recorder returns the underlying recorder, or nil when recording is off.
func (r *Runtime) Recorder() *vm.Recorder { return r.rec }

// NewSignal allocates a signal holding the initial value.
func (r *Runtime) NewSignal(initial vm.Value) vm.Handle {
	r.vm.Heap.RetainValue(initial)
	return r.vm.SignalNew(initial)
}

// Get reads a signal or computed, recording a dependency when called
// from inside a thunk.
func (r *Runtime) Get(h vm.Handle) (vm.Value, error) {
	obj := r.vm.Heap.Get(h)
	var v vm.Value
	var verr *vm.VMError
	if obj.Kind == vm.OKComputed {
		v, verr = r.vm.ComputedValue(h)
	} else {
		v, verr = r.vm.SignalValue(h)
	}
	if verr != nil {
		return vm.MakeNull(), verr
	}
	return v, nil
}

// Set writes a signal and propagates the update (deferred inside a
// batch).
func (r *Runtime) Set(h vm.Handle, v vm.Value) error {
	r.vm.Heap.RetainValue(v)
	if verr := r.vm.SignalWrite(h, v); verr != nil {
		return verr
	}
	return nil
}

// NewComputed allocates a computed node around a Go thunk. The first
// Get evaluates it.
func (r *Runtime) NewComputed(fn Thunk) (vm.Handle, error) {
	thunk := r.vm.Heap.AllocNativeClosure(fn)
	h, verr := r.vm.ComputedNew(thunk)
	if verr != nil {
		return 0, verr
	}
	return h, nil
}

// NewEffect allocates an effect around a Go thunk and runs it once.
func (r *Runtime) NewEffect(fn Thunk) (vm.Handle, error) {
	thunk := r.vm.Heap.AllocNativeClosure(fn)
	h, verr := r.vm.EffectNew(thunk)
	if verr != nil {
		return 0, verr
	}
	return h, nil
}

// OnCleanup installs a cleanup thunk on an effect.
func (r *Runtime) OnCleanup(effect vm.Handle, fn Thunk) error {
	cleanup := r.vm.Heap.AllocNativeClosure(fn)
	if verr := r.vm.EffectSetCleanup(effect, cleanup); verr != nil {
		return verr
	}
	return nil
}

// Detach deactivates an effect; pending queue entries become no-ops.
func (r *Runtime) Detach(effect vm.Handle) error {
	if verr := r.vm.EffectDetach(effect); verr != nil {
		return verr
	}
	return nil
}

// Release drops the embedder's reference to a reactive node, list or
// other heap object obtained from this runtime.
func (r *Runtime) Release(h vm.Handle) {
	r.vm.Heap.Release(h)
}

// Batch runs fn with update propagation deferred; the flush happens on
// return. Batches nest.
func (r *Runtime) Batch(fn func() error) error {
	r.vm.Sched.BatchEnter()
	err := fn()
	if verr := r.vm.Sched.BatchExit(); err == nil && verr != nil {
		return verr
	}
	return err
}

// ForceCollect runs a full cycle-collection pass and reports how many
// objects were freed.
func (r *Runtime) ForceCollect() int {
	return r.vm.Heap.Collect()
}

// HeapStats returns a snapshot of heap activity counters.
func (r *Runtime) HeapStats() vm.HeapStats {
	return r.vm.Heap.Stats()
}
