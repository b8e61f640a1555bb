package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Decode parses a binary module container produced per Encode's layout.
func Decode(data []byte) (*Module, error) {
	r := &reader{data: data}

	var got [4]byte
	if err := r.bytes(got[:]); err != nil {
		return nil, fmt.Errorf("reading magic: %w", err)
	}
	if got != magic {
		return nil, fmt.Errorf("bad magic %q, want %q", got[:], magic[:])
	}
	major, err := r.u8()
	if err != nil {
		return nil, fmt.Errorf("reading version: %w", err)
	}
	minor, err := r.u8()
	if err != nil {
		return nil, fmt.Errorf("reading version: %w", err)
	}
	if major != VersionMajor {
		return nil, fmt.Errorf("unsupported module version %d.%d", major, minor)
	}

	m := &Module{}
	constCount, err := r.u16()
	if err != nil {
		return nil, fmt.Errorf("reading constant count: %w", err)
	}
	m.Consts = make([]Const, 0, constCount)
	for i := 0; i < int(constCount); i++ {
		c, err := decodeConst(r)
		if err != nil {
			return nil, fmt.Errorf("constant %d: %w", i, err)
		}
		m.Consts = append(m.Consts, c)
	}

	if m.GlobalCount, err = r.u16(); err != nil {
		return nil, fmt.Errorf("reading global count: %w", err)
	}

	codeCount, err := r.u16()
	if err != nil {
		return nil, fmt.Errorf("reading code count: %w", err)
	}
	m.Code = make([]CodeObject, 0, codeCount)
	for i := 0; i < int(codeCount); i++ {
		c, err := decodeCode(r)
		if err != nil {
			return nil, fmt.Errorf("code object %d: %w", i, err)
		}
		m.Code = append(m.Code, c)
	}

	if r.pos != len(r.data) {
		return nil, fmt.Errorf("%d trailing bytes after module", len(r.data)-r.pos)
	}
	if len(m.Code) == 0 {
		return nil, fmt.Errorf("module has no code objects")
	}
	return m, nil
}

func decodeConst(r *reader) (Const, error) {
	tag, err := r.u8()
	if err != nil {
		return Const{}, err
	}
	c := Const{Kind: ConstKind(tag)}
	switch c.Kind {
	case ConstNull:
	case ConstBool:
		b, err := r.u8()
		if err != nil {
			return Const{}, err
		}
		c.Bool = b != 0
	case ConstInt:
		v, err := r.u64()
		if err != nil {
			return Const{}, err
		}
		c.Int = int64(v)
	case ConstFloat:
		v, err := r.u64()
		if err != nil {
			return Const{}, err
		}
		c.Float = math.Float64frombits(v)
	case ConstString, ConstSymbol:
		n, err := r.u32()
		if err != nil {
			return Const{}, err
		}
		s, err := r.str(int(n))
		if err != nil {
			return Const{}, err
		}
		c.Str = s
	default:
		return Const{}, fmt.Errorf("unknown constant kind %d", tag)
	}
	return c, nil
}

func decodeCode(r *reader) (CodeObject, error) {
	var c CodeObject
	var err error
	if c.NameConst, err = r.u16(); err != nil {
		return c, err
	}
	if c.FilenameConst, err = r.u16(); err != nil {
		return c, err
	}
	if c.ParamCount, err = r.u8(); err != nil {
		return c, err
	}
	if c.LocalCount, err = r.u16(); err != nil {
		return c, err
	}
	codeLen, err := r.u32()
	if err != nil {
		return c, err
	}
	c.Code = make([]byte, codeLen)
	if err := r.bytes(c.Code); err != nil {
		return c, err
	}
	lineCount, err := r.u32()
	if err != nil {
		return c, err
	}
	if lineCount > 0 {
		c.Lines = make([]LineEntry, 0, lineCount)
		for i := 0; i < int(lineCount); i++ {
			off, err := r.u32()
			if err != nil {
				return c, err
			}
			line, err := r.u32()
			if err != nil {
				return c, err
			}
			c.Lines = append(c.Lines, LineEntry{Offset: off, Line: line})
		}
	}
	return c, nil
}

// reader is a bounds-checked cursor over the raw container bytes.
type reader struct {
	data []byte
	pos  int
}

func (r *reader) need(n int) error {
	if r.pos+n > len(r.data) {
		return fmt.Errorf("unexpected end of module at offset %d (need %d bytes)", r.pos, n)
	}
	return nil
}

func (r *reader) u8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.data[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) bytes(dst []byte) error {
	if err := r.need(len(dst)); err != nil {
		return err
	}
	copy(dst, r.data[r.pos:])
	r.pos += len(dst)
	return nil
}

func (r *reader) str(n int) (string, error) {
	if err := r.need(n); err != nil {
		return "", err
	}
	s := string(r.data[r.pos : r.pos+n])
	r.pos += n
	return s, nil
}
