package tlv

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/towerctl/internal/testutil/testlog"
)

func TestDecodeKeepsUnknownFields(t *testing.T) {
	testlog.Start(t)
	in := []Field{
		String(1, "appt-1"),
		Bytes(9999, []byte{0xAA, 0xBB}),
	}
	out, err := DecodeFields(EncodeFields(in))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestTypedAccessors(t *testing.T) {
	testlog.Start(t)
	fields, err := DecodeFields(EncodeFields([]Field{U32(1, 144), U64(2, 1<<40), String(3, "x")}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	f, _ := Get(fields, 1)
	if v, err := f.AsU32(); err != nil || v != 144 {
		t.Fatalf("u32: v=%d err=%v", v, err)
	}
	f, _ = Get(fields, 2)
	if v, err := f.AsU64(); err != nil || v != 1<<40 {
		t.Fatalf("u64: v=%d err=%v", v, err)
	}
	f, _ = Get(fields, 3)
	if _, err := f.AsBytes(); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
	bad := Field{ID: 4, Type: TypeU32, Value: []byte{1}}
	if _, err := bad.AsU32(); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
	if _, ok := Get(fields, 77); ok {
		t.Fatalf("unexpected field 77")
	}
}

func TestDecodeFieldsMalformedHeader(t *testing.T) {
	testlog.Start(t)
	if _, err := DecodeFields([]byte{1, 2, 3}); !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLength(t *testing.T) {
	testlog.Start(t)
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	if _, err := DecodeFields(payload); !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}
