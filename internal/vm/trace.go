package vm

import (
	"fmt"
	"io"
	"unicode/utf8"

	"vela/internal/bytecode"
)

// Tracer outputs execution traces for debugging.
type Tracer struct {
	w  io.Writer
	vm *VM
}

// NewTracer creates a new tracer that writes to w.
func NewTracer(w io.Writer) *Tracer {
	return &Tracer{w: w}
}

// TraceInstr traces execution of an instruction.
// Format: [depth=N] <func> pc<pc> <op>
func (t *Tracer) TraceInstr(depth int, fn string, pc int, op bytecode.Opcode) {
	if t == nil || t.w == nil {
		return
	}
	fmt.Fprintf(t.w, "[depth=%d] %s pc%d %s\n", depth, fn, pc, op)
}

func (t *Tracer) TraceHeapAlloc(kind ObjectKind, h Handle) {
	if t == nil || t.w == nil {
		return
	}
	fmt.Fprintf(t.w, "[heap] alloc %s#%d\n", kind, h)
}

func (t *Tracer) TraceHeapFree(h Handle) {
	if t == nil || t.w == nil {
		return
	}
	fmt.Fprintf(t.w, "[heap] free handle#%d\n", h)
}

// TraceGC reports one cycle-collection pass.
func (t *Tracer) TraceGC(candidates, freed int) {
	if t == nil || t.w == nil {
		return
	}
	fmt.Fprintf(t.w, "[gc] collect candidates=%d freed=%d\n", candidates, freed)
}

func (t *Tracer) TraceSignalSet(h Handle, v Value) {
	if t == nil || t.w == nil {
		return
	}
	fmt.Fprintf(t.w, "[signal] set signal#%d = %s\n", h, t.formatValue(v))
}

func (t *Tracer) TraceSchedEnqueue(h Handle, p Priority) {
	if t == nil || t.w == nil {
		return
	}
	fmt.Fprintf(t.w, "[sched] enqueue handle#%d prio=%s\n", h, p)
}

func (t *Tracer) TraceRecompute(h Handle, changed bool) {
	if t == nil || t.w == nil {
		return
	}
	fmt.Fprintf(t.w, "[sched] recompute computed#%d changed=%t\n", h, changed)
}

func (t *Tracer) TraceEdgeAdd(dep, node Handle) {
	if t == nil || t.w == nil {
		return
	}
	fmt.Fprintf(t.w, "[graph] edge handle#%d -> handle#%d\n", dep, node)
}

func (t *Tracer) TraceEdgeDrop(dep, node Handle) {
	if t == nil || t.w == nil {
		return
	}
	fmt.Fprintf(t.w, "[graph] drop handle#%d -> handle#%d\n", dep, node)
}

// TraceDeoptPath marks entry into a function running on the baseline path.
func (t *Tracer) TraceDeoptPath(fn string) {
	if t == nil || t.w == nil {
		return
	}
	fmt.Fprintf(t.w, "[deopt] baseline %s\n", fn)
}

func (t *Tracer) formatValue(v Value) string {
	if v.Kind != VKHandle {
		return v.String()
	}
	obj := t.lookup(v.Handle())
	if obj == nil {
		return fmt.Sprintf("handle#%d(<invalid>)", v.Handle())
	}
	if !obj.Alive {
		return fmt.Sprintf("handle#%d(<freed>)", v.Handle())
	}
	switch obj.Kind {
	case OKString:
		return fmt.Sprintf("string#%d(%q)", v.Handle(), truncateRunes(obj.Str, 32))
	case OKList, OKTuple:
		return fmt.Sprintf("%s#%d(len=%d)", obj.Kind, v.Handle(), len(obj.Elems))
	case OKDict:
		return fmt.Sprintf("dict#%d(len=%d)", v.Handle(), len(obj.Dict))
	case OKSet:
		return fmt.Sprintf("set#%d(len=%d)", v.Handle(), len(obj.Set))
	default:
		return fmt.Sprintf("%s#%d", obj.Kind, v.Handle())
	}
}

func (t *Tracer) lookup(h Handle) *Object {
	if t == nil || t.vm == nil || t.vm.Heap == nil {
		return nil
	}
	obj, _ := t.vm.Heap.lookup(h)
	return obj
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || s == "" {
		return ""
	}
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	out := make([]rune, 0, limit)
	for _, r := range s {
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	return string(out)
}
