package bytecode

import "fmt"

// ConstKind tags one entry of a module's constant pool.
type ConstKind uint8

const (
	ConstNull ConstKind = iota
	ConstBool
	ConstInt
	ConstFloat
	ConstString
	ConstSymbol
)

// String returns a human-readable name for the constant kind.
func (k ConstKind) String() string {
	switch k {
	case ConstNull:
		return "null"
	case ConstBool:
		return "bool"
	case ConstInt:
		return "int"
	case ConstFloat:
		return "float"
	case ConstString:
		return "string"
	case ConstSymbol:
		return "symbol"
	default:
		return fmt.Sprintf("ConstKind(%d)", k)
	}
}

// Const is a constant pool entry. Symbols share the string payload.
type Const struct {
	Kind  ConstKind
	Bool  bool
	Int   int64
	Float float64
	Str   string
}

// LineEntry maps a bytecode offset to a source line.
type LineEntry struct {
	Offset uint32
	Line   uint32
}

// CodeObject is one compiled function: raw bytecode plus the frame
// shape the VM needs to execute it.
type CodeObject struct {
	NameConst     uint16 // constant pool index of the function name
	FilenameConst uint16 // constant pool index of the source filename
	ParamCount    uint8
	LocalCount    uint16 // includes parameter slots
	Code          []byte
	Lines         []LineEntry // optional, sorted by Offset
}

// Module is an immutable compiled bundle. The runtime consumes modules;
// it never produces them. Entry point is code object 0.
type Module struct {
	Consts      []Const
	GlobalCount uint16
	Code        []CodeObject
}

// Name resolves a code object's name from the constant pool, falling
// back to "code@<index>" when the pool entry is missing or not a string.
func (m *Module) Name(codeIndex int) string {
	if codeIndex < 0 || codeIndex >= len(m.Code) {
		return fmt.Sprintf("code@%d", codeIndex)
	}
	ci := int(m.Code[codeIndex].NameConst)
	if ci < len(m.Consts) {
		c := m.Consts[ci]
		if (c.Kind == ConstString || c.Kind == ConstSymbol) && c.Str != "" {
			return c.Str
		}
	}
	return fmt.Sprintf("code@%d", codeIndex)
}

// LineFor returns the source line covering the given bytecode offset,
// or 0 when the code object carries no line map.
func (c *CodeObject) LineFor(offset int) uint32 {
	line := uint32(0)
	for _, e := range c.Lines {
		if int(e.Offset) > offset {
			break
		}
		line = e.Line
	}
	return line
}
