// Package bytecode defines the Vela module format: opcodes, constant
// pools, code objects and the binary codec the runtime consumes.
package bytecode

import "fmt"

// Opcode is a single VM instruction. Inline operands follow the opcode
// byte in little-endian form.
type Opcode byte

// Stable opcode numbering. Existing module binaries depend on these
// values; never renumber.
const (
	OpLoadConst   Opcode = 0x00 // u16 constant index
	OpLoadLocal   Opcode = 0x01 // u16 local slot
	OpStoreLocal  Opcode = 0x02 // u16 local slot
	OpLoadGlobal  Opcode = 0x03 // u16 global slot
	OpStoreGlobal Opcode = 0x04 // u16 global slot

	OpPop Opcode = 0x07
	OpDup Opcode = 0x08

	OpAdd Opcode = 0x10
	OpSub Opcode = 0x11
	OpMul Opcode = 0x12
	OpDiv Opcode = 0x13
	OpMod Opcode = 0x14
	OpPow Opcode = 0x15
	OpNeg Opcode = 0x16

	OpEq Opcode = 0x20
	OpNe Opcode = 0x21
	OpLt Opcode = 0x22
	OpLe Opcode = 0x23
	OpGt Opcode = 0x24
	OpGe Opcode = 0x25

	OpAnd Opcode = 0x30
	OpOr  Opcode = 0x31
	OpNot Opcode = 0x32

	OpJump        Opcode = 0x40 // i32 relative offset
	OpJumpIfFalse Opcode = 0x41 // i32 relative offset

	OpCall   Opcode = 0x50 // u8 argument count
	OpReturn Opcode = 0x51

	OpNewList    Opcode = 0x60 // u16 element count
	OpNewDict    Opcode = 0x61 // u16 pair count
	OpNewTuple   Opcode = 0x62 // u16 element count
	OpNewSet     Opcode = 0x63 // u16 element count
	OpNewClosure Opcode = 0x64 // u16 code index, u8 capture count

	OpNewSignal    Opcode = 0x70
	OpSignalGet    Opcode = 0x71
	OpSignalSet    Opcode = 0x72
	OpNewComputed  Opcode = 0x73
	OpComputedRead Opcode = 0x74
	OpEffectAttach Opcode = 0x75
	OpEffectDetach Opcode = 0x76
	OpBatchEnter   Opcode = 0x77
	OpBatchExit    Opcode = 0x78
)

// opcodeInfo describes the inline operand layout of one opcode.
type opcodeInfo struct {
	name  string
	width int // operand bytes following the opcode
}

var opcodes = map[Opcode]opcodeInfo{
	OpLoadConst:   {"load_const", 2},
	OpLoadLocal:   {"load_local", 2},
	OpStoreLocal:  {"store_local", 2},
	OpLoadGlobal:  {"load_global", 2},
	OpStoreGlobal: {"store_global", 2},

	OpPop: {"pop", 0},
	OpDup: {"dup", 0},

	OpAdd: {"add", 0},
	OpSub: {"sub", 0},
	OpMul: {"mul", 0},
	OpDiv: {"div", 0},
	OpMod: {"mod", 0},
	OpPow: {"pow", 0},
	OpNeg: {"neg", 0},

	OpEq: {"eq", 0},
	OpNe: {"ne", 0},
	OpLt: {"lt", 0},
	OpLe: {"le", 0},
	OpGt: {"gt", 0},
	OpGe: {"ge", 0},

	OpAnd: {"and", 0},
	OpOr:  {"or", 0},
	OpNot: {"not", 0},

	OpJump:        {"jump", 4},
	OpJumpIfFalse: {"jump_if_false", 4},

	OpCall:   {"call", 1},
	OpReturn: {"return", 0},

	OpNewList:    {"new_list", 2},
	OpNewDict:    {"new_dict", 2},
	OpNewTuple:   {"new_tuple", 2},
	OpNewSet:     {"new_set", 2},
	OpNewClosure: {"new_closure", 3},

	OpNewSignal:    {"new_signal", 0},
	OpSignalGet:    {"signal_get", 0},
	OpSignalSet:    {"signal_set", 0},
	OpNewComputed:  {"new_computed", 0},
	OpComputedRead: {"computed_read", 0},
	OpEffectAttach: {"effect_attach", 0},
	OpEffectDetach: {"effect_detach", 0},
	OpBatchEnter:   {"batch_enter", 0},
	OpBatchExit:    {"batch_exit", 0},
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodes[op]
	return ok
}

// OperandWidth returns the number of inline operand bytes for op, or -1
// for an unknown opcode.
func (op Opcode) OperandWidth() int {
	info, ok := opcodes[op]
	if !ok {
		return -1
	}
	return info.width
}

// String returns the assembler mnemonic of the opcode.
func (op Opcode) String() string {
	info, ok := opcodes[op]
	if !ok {
		return fmt.Sprintf("Opcode(0x%02x)", byte(op))
	}
	return info.name
}
