package vm

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"

	"vela/internal/bytecode"
)

// Current schema version - increment when RunLog format changes
const runLogSchemaVersion uint16 = 1

// RunLog is the serialized profile of one execution: instruction and
// allocation counters keyed by opcode and object kind, plus scheduler
// and collector totals. Two runs of the same module over the same
// inputs produce identical logs.
type RunLog struct {
	Schema uint16

	ModuleName string

	Instrs map[uint8]uint64 // per-opcode execution counts
	Allocs map[uint8]uint64 // per-object-kind allocation counts
	Frees  uint64

	Calls      uint64
	Flushes    uint64
	EffectRuns uint64

	Collections  uint64
	GCCandidates uint64
	GCFreed      uint64
}

// Recorder accumulates a RunLog during execution. All count methods
// are nil-safe so instrumented code never has to branch.
type Recorder struct {
	log RunLog
}

// NewRecorder returns a recorder for a module run.
func NewRecorder(moduleName string) *Recorder {
	return &Recorder{log: RunLog{
		Schema:     runLogSchemaVersion,
		ModuleName: moduleName,
		Instrs:     make(map[uint8]uint64),
		Allocs:     make(map[uint8]uint64),
	}}
}

func (r *Recorder) CountInstr(op bytecode.Opcode) {
	if r == nil {
		return
	}
	r.log.Instrs[uint8(op)]++
}

func (r *Recorder) CountAlloc(kind ObjectKind) {
	if r == nil {
		return
	}
	r.log.Allocs[uint8(kind)]++
}

func (r *Recorder) CountFree() {
	if r == nil {
		return
	}
	r.log.Frees++
}

func (r *Recorder) CountCall() {
	if r == nil {
		return
	}
	r.log.Calls++
}

func (r *Recorder) CountFlush() {
	if r == nil {
		return
	}
	r.log.Flushes++
}

func (r *Recorder) CountEffectRun() {
	if r == nil {
		return
	}
	r.log.EffectRuns++
}

func (r *Recorder) CountCollection(candidates, freed int) {
	if r == nil {
		return
	}
	r.log.Collections++
	r.log.GCCandidates += uint64(candidates)
	r.log.GCFreed += uint64(freed)
}

// Log returns the accumulated run log.
func (r *Recorder) Log() *RunLog {
	if r == nil {
		return nil
	}
	return &r.log
}

// WriteFile serializes the log to path atomically.
func (r *Recorder) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(path), "tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	enc := msgpack.NewEncoder(f)
	if err := enc.Encode(&r.log); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

// ReadRunLog deserializes and validates a log written by WriteFile.
func ReadRunLog(path string) (*RunLog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var log RunLog
	dec := msgpack.NewDecoder(f)
	if err := dec.Decode(&log); err != nil {
		return nil, fmt.Errorf("decode run log: %w", err)
	}
	if log.Schema != runLogSchemaVersion {
		return nil, fmt.Errorf("unsupported run log schema %d", log.Schema)
	}
	return &log, nil
}

// Compare reports the differences between two runs of the same module.
// An empty slice means the runs are identical.
func (l *RunLog) Compare(other *RunLog) []string {
	var diffs []string
	if l.ModuleName != other.ModuleName {
		diffs = append(diffs, fmt.Sprintf("module: %q vs %q", l.ModuleName, other.ModuleName))
	}
	diffs = append(diffs, compareCounters("instr", l.Instrs, other.Instrs, func(k uint8) string {
		return bytecode.Opcode(k).String()
	})...)
	diffs = append(diffs, compareCounters("alloc", l.Allocs, other.Allocs, func(k uint8) string {
		return ObjectKind(k).String()
	})...)
	scalars := []struct {
		name string
		a, b uint64
	}{
		{"frees", l.Frees, other.Frees},
		{"calls", l.Calls, other.Calls},
		{"flushes", l.Flushes, other.Flushes},
		{"effect runs", l.EffectRuns, other.EffectRuns},
		{"collections", l.Collections, other.Collections},
		{"gc candidates", l.GCCandidates, other.GCCandidates},
		{"gc freed", l.GCFreed, other.GCFreed},
	}
	for _, s := range scalars {
		if s.a != s.b {
			diffs = append(diffs, fmt.Sprintf("%s: %d vs %d", s.name, s.a, s.b))
		}
	}
	return diffs
}

func compareCounters(label string, a, b map[uint8]uint64, name func(uint8) string) []string {
	var diffs []string
	for k, va := range a {
		if vb := b[k]; va != vb {
			diffs = append(diffs, fmt.Sprintf("%s %s: %d vs %d", label, name(k), va, vb))
		}
	}
	for k, vb := range b {
		if _, ok := a[k]; !ok {
			diffs = append(diffs, fmt.Sprintf("%s %s: 0 vs %d", label, name(k), vb))
		}
	}
	return diffs
}
