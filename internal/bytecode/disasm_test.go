package bytecode_test

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"vela/internal/bytecode"
)

func TestBuilderPatchJump(t *testing.T) {
	b := bytecode.NewBuilder()
	f := b.Str("f")
	cb := b.NewCode("main", "jump.vela", 0, 0)
	cb.OpU16(bytecode.OpLoadConst, f)
	hole := cb.JumpPlaceholder(bytecode.OpJumpIfFalse)
	cb.Op(bytecode.OpPop)
	target := cb.Pos()
	cb.Op(bytecode.OpReturn)
	cb.PatchJump(hole, target)
	cb.Done()

	code := b.Module().Code[0].Code
	offset := int32(binary.LittleEndian.Uint32(code[hole : hole+4]))
	// Offsets are relative to the first byte after the operand.
	if got := hole + 4 + int(offset); got != target {
		t.Errorf("patched jump lands at %d, want %d", got, target)
	}
}

func TestDisassembleListing(t *testing.T) {
	m := sampleModule()
	var buf bytes.Buffer
	bytecode.Disassemble(&buf, m)
	out := buf.String()

	for _, want := range []string{"main", "helper", "load_const", "add", "return", "; 5"} {
		if !strings.Contains(out, want) {
			t.Errorf("listing missing %q:\n%s", want, out)
		}
	}
}

func TestDisassembleInvalidOpcode(t *testing.T) {
	m := &bytecode.Module{
		Consts: []bytecode.Const{{Kind: bytecode.ConstString, Str: "main"}},
		Code: []bytecode.CodeObject{{
			Code: []byte{0xEE},
		}},
	}
	var buf bytes.Buffer
	bytecode.DisassembleCode(&buf, m, 0)
	if !strings.Contains(buf.String(), "invalid opcode") {
		t.Errorf("expected invalid opcode marker, got:\n%s", buf.String())
	}
}
