package bytecode

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"
)

var (
	disasmHeader  = color.New(color.FgCyan, color.Bold)
	disasmOffset  = color.New(color.Faint)
	disasmComment = color.New(color.FgGreen)
)

// Disassemble writes a human-readable listing of every code object in
// the module to w.
func Disassemble(w io.Writer, m *Module) {
	fmt.Fprintf(w, "module: %d constants, %d globals, %d code objects\n",
		len(m.Consts), m.GlobalCount, len(m.Code))
	for i := range m.Code {
		fmt.Fprintln(w)
		DisassembleCode(w, m, i)
	}
}

// DisassembleCode writes a listing of a single code object.
func DisassembleCode(w io.Writer, m *Module, codeIndex int) {
	c := &m.Code[codeIndex]
	disasmHeader.Fprintf(w, "%s", m.Name(codeIndex))
	fmt.Fprintf(w, " (code %d, %d params, %d locals, %d bytes)\n",
		codeIndex, c.ParamCount, c.LocalCount, len(c.Code))

	pos := 0
	for pos < len(c.Code) {
		next, text, comment := decodeInstr(m, c.Code, pos)
		disasmOffset.Fprintf(w, "  %04d  ", pos)
		fmt.Fprintf(w, "%-24s", text)
		if comment != "" {
			disasmComment.Fprintf(w, "; %s", comment)
		}
		fmt.Fprintln(w)
		if next <= pos {
			return
		}
		pos = next
	}
}

// decodeInstr renders one instruction and returns the next offset. A
// truncated operand consumes the rest of the stream.
func decodeInstr(m *Module, code []byte, pos int) (next int, text, comment string) {
	op := Opcode(code[pos])
	width := op.OperandWidth()
	if width < 0 {
		return pos + 1, fmt.Sprintf(".byte 0x%02x", code[pos]), "invalid opcode"
	}
	if pos+1+width > len(code) {
		return len(code), op.String(), "truncated operand"
	}
	operand := code[pos+1 : pos+1+width]
	next = pos + 1 + width

	switch op {
	case OpLoadConst:
		idx := binary.LittleEndian.Uint16(operand)
		return next, fmt.Sprintf("%s %d", op, idx), constComment(m, idx)
	case OpLoadLocal, OpStoreLocal, OpLoadGlobal, OpStoreGlobal,
		OpNewList, OpNewDict, OpNewTuple, OpNewSet:
		return next, fmt.Sprintf("%s %d", op, binary.LittleEndian.Uint16(operand)), ""
	case OpNewClosure:
		idx := binary.LittleEndian.Uint16(operand)
		captures := operand[2]
		return next, fmt.Sprintf("%s %d %d", op, idx, captures), m.Name(int(idx))
	case OpJump, OpJumpIfFalse:
		offset := int32(binary.LittleEndian.Uint32(operand))
		return next, fmt.Sprintf("%s %+d", op, offset), fmt.Sprintf("-> %04d", next+int(offset))
	case OpCall:
		return next, fmt.Sprintf("%s %d", op, operand[0]), ""
	default:
		return next, op.String(), ""
	}
}

func constComment(m *Module, idx uint16) string {
	if int(idx) >= len(m.Consts) {
		return "out of range"
	}
	c := m.Consts[idx]
	switch c.Kind {
	case ConstNull:
		return "null"
	case ConstBool:
		return strconv.FormatBool(c.Bool)
	case ConstInt:
		return strconv.FormatInt(c.Int, 10)
	case ConstFloat:
		return strconv.FormatFloat(c.Float, 'g', -1, 64)
	case ConstString:
		return strconv.Quote(c.Str)
	case ConstSymbol:
		return ":" + c.Str
	default:
		return c.Kind.String()
	}
}
