package vm

import (
	"fmt"
	"strings"
)

// ErrCode identifies the kind of a runtime error.
type ErrCode int

// Stable error codes - do not change values.
const (
	ErrStackUnderflow    ErrCode = 1001 // VE1001: operand stack underflow
	ErrInvalidOpcode     ErrCode = 1002 // VE1002: undefined or truncated opcode
	ErrTypeMismatch      ErrCode = 1003 // VE1003: operand type mismatch
	ErrDivisionByZero    ErrCode = 1004 // VE1004: integer or float division by zero
	ErrLocalOutOfRange   ErrCode = 1005 // VE1005: local slot out of range
	ErrGlobalOutOfRange  ErrCode = 1006 // VE1006: global slot out of range
	ErrRunawayUpdateLoop ErrCode = 1007 // VE1007: flush exceeded max depth
	ErrBatchMismatch     ErrCode = 1008 // VE1008: batch_exit without batch_enter
	ErrDoubleFree        ErrCode = 1009 // VE1009: release of a freed object
	ErrNullDereference   ErrCode = 1010 // VE1010: use of a null handle
)

// String returns the code as "VE1001" format.
func (c ErrCode) String() string {
	return fmt.Sprintf("VE%d", c)
}

// Fatal reports whether the error is a structural heap fault that must
// abort the process rather than surface to the embedder.
func (c ErrCode) Fatal() bool {
	return c == ErrDoubleFree || c == ErrNullDereference
}

// BacktraceFrame is one call-stack entry captured at error time.
type BacktraceFrame struct {
	FuncName string
	PC       int
	Line     uint32
}

// VMError is a terminal runtime error. Execution aborts at the layer
// that raised it; there is no in-language exception mechanism.
type VMError struct {
	Code      ErrCode
	Message   string
	PC        int
	FuncName  string
	Backtrace []BacktraceFrame
}

// Error implements the error interface.
func (e *VMError) Error() string {
	if e.FuncName != "" {
		return fmt.Sprintf("%s: %s (in %s at pc=%d)", e.Code, e.Message, e.FuncName, e.PC)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Format renders the error with its backtrace, one frame per line.
func (e *VMError) Format() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("error %s: %s\n", e.Code, e.Message))
	if len(e.Backtrace) > 0 {
		sb.WriteString("backtrace:\n")
		for i, frame := range e.Backtrace {
			if frame.Line > 0 {
				sb.WriteString(fmt.Sprintf("  %d: %s pc=%d line=%d\n", i, frame.FuncName, frame.PC, frame.Line))
			} else {
				sb.WriteString(fmt.Sprintf("  %d: %s pc=%d\n", i, frame.FuncName, frame.PC))
			}
		}
	}
	return sb.String()
}

// errorBuilder constructs VMError values with the current pc and a
// backtrace snapshot.
type errorBuilder struct {
	vm *VM
}

func (eb *errorBuilder) makeError(code ErrCode, msg string) *VMError {
	e := &VMError{Code: code, Message: msg, PC: -1}
	vm := eb.vm
	if len(vm.Frames) > 0 {
		top := &vm.Frames[len(vm.Frames)-1]
		e.PC = top.OpPC
		e.FuncName = vm.Module.Name(top.CodeIndex)
	}
	e.Backtrace = make([]BacktraceFrame, 0, len(vm.Frames))
	for i := len(vm.Frames) - 1; i >= 0; i-- {
		f := &vm.Frames[i]
		e.Backtrace = append(e.Backtrace, BacktraceFrame{
			FuncName: vm.Module.Name(f.CodeIndex),
			PC:       f.OpPC,
			Line:     f.Code.LineFor(f.OpPC),
		})
	}
	return e
}

func (eb *errorBuilder) stackUnderflow(op string) *VMError {
	return eb.makeError(ErrStackUnderflow, fmt.Sprintf("%s on empty stack", op))
}

func (eb *errorBuilder) invalidOpcode(b byte) *VMError {
	return eb.makeError(ErrInvalidOpcode, fmt.Sprintf("invalid opcode 0x%02x", b))
}

func (eb *errorBuilder) truncatedOperand(op string) *VMError {
	return eb.makeError(ErrInvalidOpcode, fmt.Sprintf("truncated operand for %s", op))
}

func (eb *errorBuilder) typeMismatch(expected, got string) *VMError {
	return eb.makeError(ErrTypeMismatch, fmt.Sprintf("expected %s, got %s", expected, got))
}

func (eb *errorBuilder) divisionByZero() *VMError {
	return eb.makeError(ErrDivisionByZero, "division by zero")
}

func (eb *errorBuilder) localOutOfRange(index, count int) *VMError {
	return eb.makeError(ErrLocalOutOfRange, fmt.Sprintf("local %d out of range (frame has %d slots)", index, count))
}

func (eb *errorBuilder) globalOutOfRange(index, count int) *VMError {
	return eb.makeError(ErrGlobalOutOfRange, fmt.Sprintf("global %d out of range (module has %d slots)", index, count))
}

func (eb *errorBuilder) runawayUpdateLoop(depth int) *VMError {
	return eb.makeError(ErrRunawayUpdateLoop, fmt.Sprintf("runaway update loop: flush exceeded %d passes", depth))
}

func (eb *errorBuilder) batchMismatch() *VMError {
	return eb.makeError(ErrBatchMismatch, "batch_exit without matching batch_enter")
}
