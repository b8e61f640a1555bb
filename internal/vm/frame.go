package vm

import "vela/internal/bytecode"

// Frame is a function activation record on the call stack.
type Frame struct {
	Code      *bytecode.CodeObject
	CodeIndex int // index into the module code table
	IP        int // byte offset of the next fetch
	OpPC      int // byte offset of the opcode being executed
	Base      int // operand stack index where this frame began
	Locals    []Value
	Closure   Handle // executing closure, 0 for the entry frame
}

// newFrame creates a frame for the given code object. Argument values
// transfer into the leading local slots; the remainder start null.
func newFrame(code *bytecode.CodeObject, codeIndex int, base int, closure Handle, args []Value) Frame {
	locals := make([]Value, code.LocalCount)
	copy(locals, args)
	for i := len(args); i < len(locals); i++ {
		locals[i] = MakeNull()
	}
	return Frame{
		Code:      code,
		CodeIndex: codeIndex,
		Base:      base,
		Locals:    locals,
		Closure:   closure,
	}
}
