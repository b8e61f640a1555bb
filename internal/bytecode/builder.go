package bytecode

import (
	"encoding/binary"
	"fmt"

	"fortio.org/safecast"
)

// Builder assembles modules programmatically. The production compiler
// emits the binary container directly; the builder exists for tests,
// examples and embedders that synthesise small modules at runtime.
type Builder struct {
	module   Module
	interned map[Const]uint16
}

// NewBuilder returns an empty module builder.
func NewBuilder() *Builder {
	return &Builder{interned: make(map[Const]uint16)}
}

// Const interns a constant and returns its pool index.
func (b *Builder) Const(c Const) uint16 {
	if idx, ok := b.interned[c]; ok {
		return idx
	}
	idx, err := safecast.Convert[uint16](len(b.module.Consts))
	if err != nil {
		panic(fmt.Sprintf("constant pool overflow: %v", err))
	}
	b.module.Consts = append(b.module.Consts, c)
	b.interned[c] = idx
	return idx
}

// Int interns an integer constant.
func (b *Builder) Int(v int64) uint16 { return b.Const(Const{Kind: ConstInt, Int: v}) }

// Float interns a float constant.
func (b *Builder) Float(v float64) uint16 { return b.Const(Const{Kind: ConstFloat, Float: v}) }

// Str interns a string constant.
func (b *Builder) Str(s string) uint16 { return b.Const(Const{Kind: ConstString, Str: s}) }

// Bool interns a boolean constant.
func (b *Builder) Bool(v bool) uint16 { return b.Const(Const{Kind: ConstBool, Bool: v}) }

// Null interns the null constant.
func (b *Builder) Null() uint16 { return b.Const(Const{Kind: ConstNull}) }

// Globals sets the module's global slot count.
func (b *Builder) Globals(n uint16) { b.module.GlobalCount = n }

// Module finalises and returns the built module.
func (b *Builder) Module() *Module { return &b.module }

// CodeBuilder assembles one code object's bytecode stream.
type CodeBuilder struct {
	parent *Builder
	index  uint16
	code   CodeObject
}

// NewCode starts a new code object. Code object 0 is the entry point.
func (b *Builder) NewCode(name, filename string, params uint8, locals uint16) *CodeBuilder {
	idx, err := safecast.Convert[uint16](len(b.module.Code))
	if err != nil {
		panic(fmt.Sprintf("code table overflow: %v", err))
	}
	b.module.Code = append(b.module.Code, CodeObject{
		NameConst:     b.Str(name),
		FilenameConst: b.Str(filename),
		ParamCount:    params,
		LocalCount:    locals,
	})
	return &CodeBuilder{parent: b, index: idx}
}

// Index returns the code object's position in the module code table.
func (cb *CodeBuilder) Index() uint16 { return cb.index }

// Pos returns the current bytecode offset, the target for PatchJump.
func (cb *CodeBuilder) Pos() int { return len(cb.code.Code) }

// Op appends an opcode with no operand.
func (cb *CodeBuilder) Op(op Opcode) *CodeBuilder {
	cb.code.Code = append(cb.code.Code, byte(op))
	return cb
}

// OpU8 appends an opcode with a u8 operand.
func (cb *CodeBuilder) OpU8(op Opcode, v uint8) *CodeBuilder {
	cb.code.Code = append(cb.code.Code, byte(op), v)
	return cb
}

// OpU16 appends an opcode with a u16 operand.
func (cb *CodeBuilder) OpU16(op Opcode, v uint16) *CodeBuilder {
	var operand [2]byte
	binary.LittleEndian.PutUint16(operand[:], v)
	cb.code.Code = append(cb.code.Code, byte(op), operand[0], operand[1])
	return cb
}

// OpClosure appends new_closure with its two operands.
func (cb *CodeBuilder) OpClosure(codeIndex uint16, captures uint8) *CodeBuilder {
	var operand [2]byte
	binary.LittleEndian.PutUint16(operand[:], codeIndex)
	cb.code.Code = append(cb.code.Code, byte(OpNewClosure), operand[0], operand[1], captures)
	return cb
}

// Jump appends a jump opcode with the given relative offset. The offset
// is measured from the first byte after the operand.
func (cb *CodeBuilder) Jump(op Opcode, offset int32) *CodeBuilder {
	var operand [4]byte
	binary.LittleEndian.PutUint32(operand[:], uint32(offset))
	cb.code.Code = append(cb.code.Code, byte(op))
	cb.code.Code = append(cb.code.Code, operand[:]...)
	return cb
}

// JumpPlaceholder appends a jump with a zero offset and returns the
// offset of the operand for later patching.
func (cb *CodeBuilder) JumpPlaceholder(op Opcode) int {
	cb.Jump(op, 0)
	return len(cb.code.Code) - 4
}

// PatchJump resolves a placeholder so the jump lands on target.
func (cb *CodeBuilder) PatchJump(operandPos, target int) {
	offset := target - (operandPos + 4)
	off32, err := safecast.Convert[int32](offset)
	if err != nil {
		panic(fmt.Sprintf("jump offset overflow: %v", err))
	}
	binary.LittleEndian.PutUint32(cb.code.Code[operandPos:], uint32(off32))
}

// Line records that bytecode from the current offset onward maps to the
// given source line.
func (cb *CodeBuilder) Line(line uint32) *CodeBuilder {
	off, err := safecast.Convert[uint32](len(cb.code.Code))
	if err != nil {
		panic(fmt.Sprintf("code offset overflow: %v", err))
	}
	cb.code.Lines = append(cb.code.Lines, LineEntry{Offset: off, Line: line})
	return cb
}

// Done writes the assembled bytecode back into the module.
func (cb *CodeBuilder) Done() {
	mc := &cb.parent.module.Code[cb.index]
	mc.Code = cb.code.Code
	mc.Lines = cb.code.Lines
}
