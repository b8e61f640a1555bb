package bytecode_test

import (
	"bytes"
	"reflect"
	"testing"

	"vela/internal/bytecode"
)

func sampleModule() *bytecode.Module {
	b := bytecode.NewBuilder()
	b.Globals(3)
	five := b.Int(5)
	three := b.Int(3)
	b.Float(2.5)
	b.Str("greeting")
	b.Bool(true)
	b.Null()
	b.Const(bytecode.Const{Kind: bytecode.ConstSymbol, Str: "tick"})

	main := b.NewCode("main", "sample.vela", 0, 0)
	main.Line(1)
	main.OpU16(bytecode.OpLoadConst, five)
	main.OpU16(bytecode.OpLoadConst, three)
	main.Op(bytecode.OpAdd)
	main.Op(bytecode.OpReturn)
	main.Done()

	helper := b.NewCode("helper", "sample.vela", 2, 4)
	helper.OpU16(bytecode.OpLoadLocal, 0)
	helper.OpU16(bytecode.OpLoadLocal, 1)
	helper.Op(bytecode.OpMul)
	helper.Op(bytecode.OpReturn)
	helper.Done()

	return b.Module()
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := sampleModule()
	data, err := bytecode.Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := bytecode.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(m, decoded) {
		t.Errorf("decoded module differs from original\n orig: %+v\n back: %+v", m, decoded)
	}

	reencoded, err := bytecode.Encode(decoded)
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if !bytes.Equal(data, reencoded) {
		t.Errorf("re-encoded bytes differ: %d vs %d bytes", len(data), len(reencoded))
	}
}

func TestDecodeRejectsBadInput(t *testing.T) {
	valid, err := bytecode.Encode(sampleModule())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	cases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad magic", append([]byte("XXXX"), valid[4:]...)},
		{"bad version", func() []byte {
			d := append([]byte(nil), valid...)
			d[4] = 0xFF
			return d
		}()},
		{"truncated", valid[:len(valid)-3]},
		{"trailing garbage", append(append([]byte(nil), valid...), 0x00)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := bytecode.Decode(tc.data); err == nil {
				t.Errorf("expected decode error")
			}
		})
	}
}

func TestDecodeRejectsEmptyCodeTable(t *testing.T) {
	b := bytecode.NewBuilder()
	data, err := bytecode.Encode(b.Module())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := bytecode.Decode(data); err == nil {
		t.Errorf("expected error for module without code objects")
	}
}

func TestCodeObjectLineFor(t *testing.T) {
	c := bytecode.CodeObject{Lines: []bytecode.LineEntry{
		{Offset: 0, Line: 10},
		{Offset: 4, Line: 11},
		{Offset: 9, Line: 14},
	}}
	cases := []struct {
		offset int
		want   uint32
	}{
		{0, 10}, {3, 10}, {4, 11}, {8, 11}, {9, 14}, {100, 14},
	}
	for _, tc := range cases {
		if got := c.LineFor(tc.offset); got != tc.want {
			t.Errorf("LineFor(%d) = %d, want %d", tc.offset, got, tc.want)
		}
	}
}

func TestModuleName(t *testing.T) {
	m := sampleModule()
	if got := m.Name(0); got != "main" {
		t.Errorf("Name(0) = %q, want %q", got, "main")
	}
	if got := m.Name(1); got != "helper" {
		t.Errorf("Name(1) = %q, want %q", got, "helper")
	}
	if got := m.Name(99); got != "code@99" {
		t.Errorf("Name(99) = %q, want fallback", got)
	}
}
