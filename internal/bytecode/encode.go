package bytecode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"fortio.org/safecast"
)

// Binary container layout: magic, version, constant pool, global slot
// count, code object table. All multi-byte fields are little-endian.
var magic = [4]byte{'V', 'L', 'B', 'C'}

const (
	// VersionMajor is bumped on incompatible format changes.
	VersionMajor uint8 = 1
	// VersionMinor is bumped on additive format changes.
	VersionMinor uint8 = 0
)

// Encode serialises the module into the binary container format.
// Encoding a decoded module reproduces the original bytes exactly.
func Encode(m *Module) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(magic[:])
	buf.WriteByte(VersionMajor)
	buf.WriteByte(VersionMinor)

	constCount, err := safecast.Convert[uint16](len(m.Consts))
	if err != nil {
		return nil, fmt.Errorf("constant pool too large: %w", err)
	}
	writeU16(&buf, constCount)
	for i, c := range m.Consts {
		if err := encodeConst(&buf, c); err != nil {
			return nil, fmt.Errorf("constant %d: %w", i, err)
		}
	}

	writeU16(&buf, m.GlobalCount)

	codeCount, err := safecast.Convert[uint16](len(m.Code))
	if err != nil {
		return nil, fmt.Errorf("code table too large: %w", err)
	}
	writeU16(&buf, codeCount)
	for i := range m.Code {
		if err := encodeCode(&buf, &m.Code[i]); err != nil {
			return nil, fmt.Errorf("code object %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

func encodeConst(buf *bytes.Buffer, c Const) error {
	buf.WriteByte(byte(c.Kind))
	switch c.Kind {
	case ConstNull:
	case ConstBool:
		if c.Bool {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case ConstInt:
		writeU64(buf, uint64(c.Int))
	case ConstFloat:
		writeU64(buf, math.Float64bits(c.Float))
	case ConstString, ConstSymbol:
		n, err := safecast.Convert[uint32](len(c.Str))
		if err != nil {
			return fmt.Errorf("string constant too large: %w", err)
		}
		writeU32(buf, n)
		buf.WriteString(c.Str)
	default:
		return fmt.Errorf("unknown constant kind %d", c.Kind)
	}
	return nil
}

func encodeCode(buf *bytes.Buffer, c *CodeObject) error {
	writeU16(buf, c.NameConst)
	writeU16(buf, c.FilenameConst)
	buf.WriteByte(c.ParamCount)
	writeU16(buf, c.LocalCount)

	codeLen, err := safecast.Convert[uint32](len(c.Code))
	if err != nil {
		return fmt.Errorf("bytecode too large: %w", err)
	}
	writeU32(buf, codeLen)
	buf.Write(c.Code)

	lineCount, err := safecast.Convert[uint32](len(c.Lines))
	if err != nil {
		return fmt.Errorf("line map too large: %w", err)
	}
	writeU32(buf, lineCount)
	for _, e := range c.Lines {
		writeU32(buf, e.Offset)
		writeU32(buf, e.Line)
	}
	return nil
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}
