package vm

import (
	"math"
	"testing"

	"vela/internal/bytecode"
	"vela/internal/deopt"
)

// buildEntry assembles a module with a single entry code object.
func buildEntry(locals uint16, build func(b *bytecode.Builder, cb *bytecode.CodeBuilder)) *bytecode.Module {
	b := bytecode.NewBuilder()
	cb := b.NewCode("main", "main.vl", 0, locals)
	build(b, cb)
	cb.Done()
	return b.Module()
}

func runEntry(t *testing.T, locals uint16, build func(b *bytecode.Builder, cb *bytecode.CodeBuilder)) (Value, *VMError) {
	t.Helper()
	vm := New(buildEntry(locals, build), Options{})
	return vm.Execute()
}

func mustRun(t *testing.T, locals uint16, build func(b *bytecode.Builder, cb *bytecode.CodeBuilder)) Value {
	t.Helper()
	v, err := runEntry(t, locals, build)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	return v
}

func TestExecuteArithmetic(t *testing.T) {
	tests := []struct {
		name  string
		build func(b *bytecode.Builder, cb *bytecode.CodeBuilder)
		want  Value
	}{
		{
			name: "add ints",
			build: func(b *bytecode.Builder, cb *bytecode.CodeBuilder) {
				cb.OpU16(bytecode.OpLoadConst, b.Int(5)).
					OpU16(bytecode.OpLoadConst, b.Int(3)).
					Op(bytecode.OpAdd).
					Op(bytecode.OpReturn)
			},
			want: MakeInt(8),
		},
		{
			name: "int float promotes",
			build: func(b *bytecode.Builder, cb *bytecode.CodeBuilder) {
				cb.OpU16(bytecode.OpLoadConst, b.Int(5)).
					OpU16(bytecode.OpLoadConst, b.Float(0.5)).
					Op(bytecode.OpAdd).
					Op(bytecode.OpReturn)
			},
			want: MakeFloat(5.5),
		},
		{
			name: "int pow stays int",
			build: func(b *bytecode.Builder, cb *bytecode.CodeBuilder) {
				cb.OpU16(bytecode.OpLoadConst, b.Int(2)).
					OpU16(bytecode.OpLoadConst, b.Int(10)).
					Op(bytecode.OpPow).
					Op(bytecode.OpReturn)
			},
			want: MakeInt(1024),
		},
		{
			name: "negative exponent falls back to float",
			build: func(b *bytecode.Builder, cb *bytecode.CodeBuilder) {
				cb.OpU16(bytecode.OpLoadConst, b.Int(2)).
					OpU16(bytecode.OpLoadConst, b.Int(-1)).
					Op(bytecode.OpPow).
					Op(bytecode.OpReturn)
			},
			want: MakeFloat(0.5),
		},
		{
			name: "mod",
			build: func(b *bytecode.Builder, cb *bytecode.CodeBuilder) {
				cb.OpU16(bytecode.OpLoadConst, b.Int(7)).
					OpU16(bytecode.OpLoadConst, b.Int(3)).
					Op(bytecode.OpMod).
					Op(bytecode.OpReturn)
			},
			want: MakeInt(1),
		},
		{
			name: "neg",
			build: func(b *bytecode.Builder, cb *bytecode.CodeBuilder) {
				cb.OpU16(bytecode.OpLoadConst, b.Int(5)).
					Op(bytecode.OpNeg).
					Op(bytecode.OpReturn)
			},
			want: MakeInt(-5),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mustRun(t, 0, tt.build)
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestExecuteConditional(t *testing.T) {
	got := mustRun(t, 0, func(b *bytecode.Builder, cb *bytecode.CodeBuilder) {
		cb.OpU16(bytecode.OpLoadConst, b.Bool(false))
		skip := cb.JumpPlaceholder(bytecode.OpJumpIfFalse)
		cb.OpU16(bytecode.OpLoadConst, b.Int(10)).
			Op(bytecode.OpReturn)
		cb.PatchJump(skip, cb.Pos())
		cb.OpU16(bytecode.OpLoadConst, b.Int(20)).
			Op(bytecode.OpReturn)
	})
	if got != MakeInt(20) {
		t.Errorf("got %s, want 20", got)
	}
}

func TestExecuteLoop(t *testing.T) {
	// sum 0..4 with a backward jump: locals are i and acc.
	got := mustRun(t, 2, func(b *bytecode.Builder, cb *bytecode.CodeBuilder) {
		start := cb.Pos()
		cb.OpU16(bytecode.OpLoadLocal, 0).
			OpU16(bytecode.OpLoadConst, b.Int(5)).
			Op(bytecode.OpLt)
		exit := cb.JumpPlaceholder(bytecode.OpJumpIfFalse)
		cb.OpU16(bytecode.OpLoadLocal, 1).
			OpU16(bytecode.OpLoadLocal, 0).
			Op(bytecode.OpAdd).
			OpU16(bytecode.OpStoreLocal, 1).
			OpU16(bytecode.OpLoadLocal, 0).
			OpU16(bytecode.OpLoadConst, b.Int(1)).
			Op(bytecode.OpAdd).
			OpU16(bytecode.OpStoreLocal, 0)
		back := cb.JumpPlaceholder(bytecode.OpJump)
		cb.PatchJump(back, start)
		cb.PatchJump(exit, cb.Pos())
		cb.OpU16(bytecode.OpLoadLocal, 1).
			Op(bytecode.OpReturn)
	})
	if got != MakeInt(10) {
		t.Errorf("got %s, want 10", got)
	}
}

func TestExecuteLoopStartsFromNullLocals(t *testing.T) {
	// Local 0 is null until stored; arithmetic on it must fail.
	_, err := runEntry(t, 1, func(b *bytecode.Builder, cb *bytecode.CodeBuilder) {
		cb.OpU16(bytecode.OpLoadLocal, 0).
			OpU16(bytecode.OpLoadConst, b.Int(1)).
			Op(bytecode.OpAdd).
			Op(bytecode.OpReturn)
	})
	if err == nil || err.Code != ErrTypeMismatch {
		t.Fatalf("err = %v, want %s", err, ErrTypeMismatch)
	}
}

func TestExecuteClosureCall(t *testing.T) {
	b := bytecode.NewBuilder()
	main := b.NewCode("main", "main.vl", 0, 0)
	addOne := b.NewCode("add_one", "main.vl", 1, 1)

	addOne.OpU16(bytecode.OpLoadLocal, 0).
		OpU16(bytecode.OpLoadConst, b.Int(1)).
		Op(bytecode.OpAdd).
		Op(bytecode.OpReturn)
	addOne.Done()

	main.OpClosure(addOne.Index(), 0).
		OpU16(bytecode.OpLoadConst, b.Int(41)).
		OpU8(bytecode.OpCall, 1).
		Op(bytecode.OpReturn)
	main.Done()

	vm := New(b.Module(), Options{})
	got, err := vm.Execute()
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if got != MakeInt(42) {
		t.Errorf("got %s, want 42", got)
	}
	if len(vm.Stack) != 0 || len(vm.Frames) != 0 {
		t.Errorf("stack/frames not drained: %d values, %d frames", len(vm.Stack), len(vm.Frames))
	}
}

func TestExecuteSurplusArgumentsDropped(t *testing.T) {
	b := bytecode.NewBuilder()
	main := b.NewCode("main", "main.vl", 0, 0)
	first := b.NewCode("first", "main.vl", 1, 1)

	first.OpU16(bytecode.OpLoadLocal, 0).
		Op(bytecode.OpReturn)
	first.Done()

	main.OpClosure(first.Index(), 0).
		OpU16(bytecode.OpLoadConst, b.Int(1)).
		OpU16(bytecode.OpLoadConst, b.Int(2)).
		OpU8(bytecode.OpCall, 2).
		Op(bytecode.OpReturn)
	main.Done()

	vm := New(b.Module(), Options{})
	got, err := vm.Execute()
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if got != MakeInt(1) {
		t.Errorf("got %s, want 1", got)
	}
}

func TestExecuteGlobals(t *testing.T) {
	b := bytecode.NewBuilder()
	b.Globals(1)
	cb := b.NewCode("main", "main.vl", 0, 0)
	cb.OpU16(bytecode.OpLoadConst, b.Int(7)).
		OpU16(bytecode.OpStoreGlobal, 0).
		OpU16(bytecode.OpLoadGlobal, 0).
		OpU16(bytecode.OpLoadGlobal, 0).
		Op(bytecode.OpMul).
		Op(bytecode.OpReturn)
	cb.Done()

	vm := New(b.Module(), Options{})
	got, err := vm.Execute()
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if got != MakeInt(49) {
		t.Errorf("got %s, want 49", got)
	}
}

func TestExecuteErrors(t *testing.T) {
	tests := []struct {
		name   string
		locals uint16
		build  func(b *bytecode.Builder, cb *bytecode.CodeBuilder)
		code   ErrCode
	}{
		{
			name: "int division by zero",
			build: func(b *bytecode.Builder, cb *bytecode.CodeBuilder) {
				cb.OpU16(bytecode.OpLoadConst, b.Int(1)).
					OpU16(bytecode.OpLoadConst, b.Int(0)).
					Op(bytecode.OpDiv).
					Op(bytecode.OpReturn)
			},
			code: ErrDivisionByZero,
		},
		{
			name: "float mod by zero",
			build: func(b *bytecode.Builder, cb *bytecode.CodeBuilder) {
				cb.OpU16(bytecode.OpLoadConst, b.Float(1)).
					OpU16(bytecode.OpLoadConst, b.Float(0)).
					Op(bytecode.OpMod).
					Op(bytecode.OpReturn)
			},
			code: ErrDivisionByZero,
		},
		{
			name: "add bool to int",
			build: func(b *bytecode.Builder, cb *bytecode.CodeBuilder) {
				cb.OpU16(bytecode.OpLoadConst, b.Int(1)).
					OpU16(bytecode.OpLoadConst, b.Bool(true)).
					Op(bytecode.OpAdd).
					Op(bytecode.OpReturn)
			},
			code: ErrTypeMismatch,
		},
		{
			name: "order null against null",
			build: func(b *bytecode.Builder, cb *bytecode.CodeBuilder) {
				cb.OpU16(bytecode.OpLoadConst, b.Null()).
					OpU16(bytecode.OpLoadConst, b.Null()).
					Op(bytecode.OpLt).
					Op(bytecode.OpReturn)
			},
			code: ErrTypeMismatch,
		},
		{
			name: "not on int",
			build: func(b *bytecode.Builder, cb *bytecode.CodeBuilder) {
				cb.OpU16(bytecode.OpLoadConst, b.Int(1)).
					Op(bytecode.OpNot).
					Op(bytecode.OpReturn)
			},
			code: ErrTypeMismatch,
		},
		{
			name: "and on ints",
			build: func(b *bytecode.Builder, cb *bytecode.CodeBuilder) {
				cb.OpU16(bytecode.OpLoadConst, b.Int(1)).
					OpU16(bytecode.OpLoadConst, b.Int(2)).
					Op(bytecode.OpAnd).
					Op(bytecode.OpReturn)
			},
			code: ErrTypeMismatch,
		},
		{
			name: "add underflows",
			build: func(b *bytecode.Builder, cb *bytecode.CodeBuilder) {
				cb.OpU16(bytecode.OpLoadConst, b.Int(1)).
					Op(bytecode.OpAdd).
					Op(bytecode.OpReturn)
			},
			code: ErrStackUnderflow,
		},
		{
			name: "pop empty stack",
			build: func(b *bytecode.Builder, cb *bytecode.CodeBuilder) {
				cb.Op(bytecode.OpPop).
					Op(bytecode.OpReturn)
			},
			code: ErrStackUnderflow,
		},
		{
			name: "undefined opcode",
			build: func(b *bytecode.Builder, cb *bytecode.CodeBuilder) {
				cb.Op(bytecode.Opcode(0xff))
			},
			code: ErrInvalidOpcode,
		},
		{
			name: "jump out of bounds",
			build: func(b *bytecode.Builder, cb *bytecode.CodeBuilder) {
				cb.Jump(bytecode.OpJump, 1000)
			},
			code: ErrInvalidOpcode,
		},
		{
			name: "truncated operand",
			build: func(b *bytecode.Builder, cb *bytecode.CodeBuilder) {
				cb.Op(bytecode.OpLoadConst) // operand bytes missing
			},
			code: ErrInvalidOpcode,
		},
		{
			name:   "local out of range",
			locals: 1,
			build: func(b *bytecode.Builder, cb *bytecode.CodeBuilder) {
				cb.OpU16(bytecode.OpLoadLocal, 9).
					Op(bytecode.OpReturn)
			},
			code: ErrLocalOutOfRange,
		},
		{
			name: "global out of range",
			build: func(b *bytecode.Builder, cb *bytecode.CodeBuilder) {
				cb.OpU16(bytecode.OpLoadGlobal, 0).
					Op(bytecode.OpReturn)
			},
			code: ErrGlobalOutOfRange,
		},
		{
			name: "negate minimum int",
			build: func(b *bytecode.Builder, cb *bytecode.CodeBuilder) {
				cb.OpU16(bytecode.OpLoadConst, b.Int(math.MinInt64)).
					Op(bytecode.OpNeg).
					Op(bytecode.OpReturn)
			},
			code: ErrTypeMismatch,
		},
		{
			name: "batch exit without enter",
			build: func(b *bytecode.Builder, cb *bytecode.CodeBuilder) {
				cb.Op(bytecode.OpBatchExit).
					OpU16(bytecode.OpLoadConst, b.Null()).
					Op(bytecode.OpReturn)
			},
			code: ErrBatchMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runEntry(t, tt.locals, tt.build)
			if err == nil {
				t.Fatalf("Execute() succeeded, want %s", tt.code)
			}
			if err.Code != tt.code {
				t.Errorf("err.Code = %s (%s), want %s", err.Code, err.Message, tt.code)
			}
			if err.FuncName != "main" {
				t.Errorf("err.FuncName = %q, want main", err.FuncName)
			}
		})
	}
}

func TestExecuteErrorCarriesBacktrace(t *testing.T) {
	b := bytecode.NewBuilder()
	main := b.NewCode("main", "main.vl", 0, 0)
	boom := b.NewCode("boom", "main.vl", 0, 0)

	boom.Line(12).
		OpU16(bytecode.OpLoadConst, b.Int(1)).
		OpU16(bytecode.OpLoadConst, b.Int(0)).
		Op(bytecode.OpDiv).
		Op(bytecode.OpReturn)
	boom.Done()

	main.OpClosure(boom.Index(), 0).
		OpU8(bytecode.OpCall, 0).
		Op(bytecode.OpReturn)
	main.Done()

	vm := New(b.Module(), Options{})
	_, err := vm.Execute()
	if err == nil {
		t.Fatal("Execute() succeeded, want division by zero")
	}
	if err.Code != ErrDivisionByZero || err.FuncName != "boom" {
		t.Fatalf("err = %v, want VE1004 in boom", err)
	}
	if len(err.Backtrace) != 2 {
		t.Fatalf("backtrace has %d frames, want 2", len(err.Backtrace))
	}
	if err.Backtrace[0].FuncName != "boom" || err.Backtrace[1].FuncName != "main" {
		t.Errorf("backtrace order = %s, %s", err.Backtrace[0].FuncName, err.Backtrace[1].FuncName)
	}
	if err.Backtrace[0].Line != 12 {
		t.Errorf("innermost line = %d, want 12", err.Backtrace[0].Line)
	}
	if len(vm.Frames) != 0 {
		t.Errorf("frames not unwound: %d left", len(vm.Frames))
	}
}

func TestExecuteStringEquality(t *testing.T) {
	got := mustRun(t, 0, func(b *bytecode.Builder, cb *bytecode.CodeBuilder) {
		cb.OpU16(bytecode.OpLoadConst, b.Str("vela")).
			OpU16(bytecode.OpLoadConst, b.Str("vel"+"a")).
			Op(bytecode.OpEq).
			Op(bytecode.OpReturn)
	})
	if got != MakeBool(true) {
		t.Errorf("got %s, want true", got)
	}
}

func TestExecuteNumericCrossKindEquality(t *testing.T) {
	got := mustRun(t, 0, func(b *bytecode.Builder, cb *bytecode.CodeBuilder) {
		cb.OpU16(bytecode.OpLoadConst, b.Int(1)).
			OpU16(bytecode.OpLoadConst, b.Float(1.0)).
			Op(bytecode.OpEq).
			Op(bytecode.OpReturn)
	})
	if got != MakeBool(true) {
		t.Errorf("got %s, want true", got)
	}
}

func TestExecuteCollections(t *testing.T) {
	b := bytecode.NewBuilder()
	cb := b.NewCode("main", "main.vl", 0, 0)
	cb.OpU16(bytecode.OpLoadConst, b.Int(1)).
		OpU16(bytecode.OpLoadConst, b.Int(2)).
		OpU16(bytecode.OpNewList, 2).
		Op(bytecode.OpReturn)
	cb.Done()

	vm := New(b.Module(), Options{})
	got, err := vm.Execute()
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if s := vm.FormatValue(got); s != "[1, 2]" {
		t.Errorf("FormatValue = %q, want [1, 2]", s)
	}
}

func TestExecuteDictDeduplicatesKeys(t *testing.T) {
	b := bytecode.NewBuilder()
	cb := b.NewCode("main", "main.vl", 0, 0)
	// {1: "a", 1.0: "b"} collapses onto one slot.
	cb.OpU16(bytecode.OpLoadConst, b.Int(1)).
		OpU16(bytecode.OpLoadConst, b.Str("a")).
		OpU16(bytecode.OpLoadConst, b.Float(1.0)).
		OpU16(bytecode.OpLoadConst, b.Str("b")).
		OpU16(bytecode.OpNewDict, 2).
		Op(bytecode.OpReturn)
	cb.Done()

	vm := New(b.Module(), Options{})
	got, err := vm.Execute()
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	obj := vm.Heap.Get(got.Handle())
	if len(obj.Dict) != 1 {
		t.Errorf("dict has %d entries, want 1", len(obj.Dict))
	}
}

func TestExecuteSetRejectsUnhashableElement(t *testing.T) {
	_, err := runEntry(t, 0, func(b *bytecode.Builder, cb *bytecode.CodeBuilder) {
		cb.OpU16(bytecode.OpNewList, 0).
			OpU16(bytecode.OpNewSet, 1).
			Op(bytecode.OpReturn)
	})
	if err == nil || err.Code != ErrTypeMismatch {
		t.Fatalf("err = %v, want %s", err, ErrTypeMismatch)
	}
}

func TestExecuteSignalOpcodes(t *testing.T) {
	got := mustRun(t, 1, func(b *bytecode.Builder, cb *bytecode.CodeBuilder) {
		cb.OpU16(bytecode.OpLoadConst, b.Int(1)).
			Op(bytecode.OpNewSignal).
			OpU16(bytecode.OpStoreLocal, 0).
			OpU16(bytecode.OpLoadLocal, 0).
			OpU16(bytecode.OpLoadConst, b.Int(42)).
			Op(bytecode.OpSignalSet).
			OpU16(bytecode.OpLoadLocal, 0).
			Op(bytecode.OpSignalGet).
			Op(bytecode.OpReturn)
	})
	if got != MakeInt(42) {
		t.Errorf("got %s, want 42", got)
	}
}

func TestExecuteBatchOpcodes(t *testing.T) {
	got := mustRun(t, 1, func(b *bytecode.Builder, cb *bytecode.CodeBuilder) {
		cb.OpU16(bytecode.OpLoadConst, b.Int(1)).
			Op(bytecode.OpNewSignal).
			OpU16(bytecode.OpStoreLocal, 0).
			Op(bytecode.OpBatchEnter).
			OpU16(bytecode.OpLoadLocal, 0).
			OpU16(bytecode.OpLoadConst, b.Int(2)).
			Op(bytecode.OpSignalSet).
			OpU16(bytecode.OpLoadLocal, 0).
			OpU16(bytecode.OpLoadConst, b.Int(3)).
			Op(bytecode.OpSignalSet).
			Op(bytecode.OpBatchExit).
			OpU16(bytecode.OpLoadLocal, 0).
			Op(bytecode.OpSignalGet).
			Op(bytecode.OpReturn)
	})
	if got != MakeInt(3) {
		t.Errorf("got %s, want 3", got)
	}
}

func TestArithmeticTypeMismatchPostsDeoptEvent(t *testing.T) {
	ctrl := deopt.NewController(0)
	vm := New(buildEntry(0, func(b *bytecode.Builder, cb *bytecode.CodeBuilder) {
		cb.OpU16(bytecode.OpLoadConst, b.Int(1)).
			OpU16(bytecode.OpLoadConst, b.Bool(true)).
			Op(bytecode.OpAdd).
			Op(bytecode.OpReturn)
	}), Options{Deopt: ctrl})

	if _, err := vm.Execute(); err == nil {
		t.Fatal("Execute() succeeded, want type mismatch")
	}
	if !ctrl.IsDeoptimised("main") {
		t.Error("main not deoptimised after type mismatch")
	}
}
