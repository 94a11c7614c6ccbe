package tlv8

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeSimple(t *testing.T) {
	c := New().AddByte(0x06, 1).AddByte(0x00, 0)
	got := c.Encode()
	want := []byte{0x06, 0x01, 0x01, 0x00, 0x01, 0x00}
	if !bytes.Equal(got, want) {
		t.Errorf("Encode = %x, want %x", got, want)
	}
}

func TestFragmentation(t *testing.T) {
	long := bytes.Repeat([]byte{0xAB}, 384)
	c := New().Add(0x03, long).AddByte(0x06, 2)

	data := c.Encode()
	// 2+255 + 2+129 + 3
	if len(data) != 391 {
		t.Fatalf("encoded length = %d, want 391", len(data))
	}
	if data[0] != 0x03 || data[1] != 255 || data[257] != 0x03 || data[258] != 129 {
		t.Errorf("unexpected fragment headers: %x %x %x %x", data[0], data[1], data[257], data[258])
	}

	dec, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	v, err := dec.Bytes(0x03)
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	if !bytes.Equal(v, long) {
		t.Error("fragmented value not reassembled")
	}
	if len(dec.Items()) != 2 {
		t.Errorf("items = %d, want 2", len(dec.Items()))
	}
}

func TestExactFragmentBoundary(t *testing.T) {
	v := bytes.Repeat([]byte{1}, 255)
	c := New().Add(0x05, v).Add(0x05, []byte{2})
	dec, err := Decode(c.Encode())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	// A full fragment followed by the same type is indistinguishable from a
	// continuation, which is how the format is defined.
	got, _ := dec.Bytes(0x05)
	if len(got) != 256 {
		t.Errorf("len = %d, want 256", len(got))
	}
}

func TestDecodeTruncated(t *testing.T) {
	tests := map[string][]byte{
		"header": {0x06},
		"value":  {0x06, 0x02, 0x01},
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode(data); !errors.Is(err, ErrTruncated) {
				t.Errorf("error = %v, want ErrTruncated", err)
			}
		})
	}
}

func TestTypedGetters(t *testing.T) {
	c := New().AddUint(0x08, 300).AddString(0x01, "ctrl").AddByte(0x06, 4)
	dec, err := Decode(c.Encode())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if v, err := dec.Uint(0x08); err != nil || v != 300 {
		t.Errorf("Uint = %d, %v", v, err)
	}
	if v, err := dec.String(0x01); err != nil || v != "ctrl" {
		t.Errorf("String = %q, %v", v, err)
	}
	if v, err := dec.Byte(0x06); err != nil || v != 4 {
		t.Errorf("Byte = %d, %v", v, err)
	}
	if _, err := dec.Byte(0x07); !errors.Is(err, ErrMissing) {
		t.Errorf("missing error = %v", err)
	}
	if _, err := dec.Byte(0x08); err == nil {
		t.Error("expected length error for 2-byte value")
	}
}

func TestSplitRecords(t *testing.T) {
	c := New().
		AddString(0x01, "a").AddByte(0x0B, 1).
		AddSeparator().
		AddString(0x01, "b").AddByte(0x0B, 0)

	dec, err := Decode(c.Encode())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	recs := dec.Split()
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	if id, _ := recs[1].String(0x01); id != "b" {
		t.Errorf("second id = %q", id)
	}
}
