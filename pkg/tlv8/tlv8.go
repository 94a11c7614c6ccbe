// Package tlv8 implements the type-length-value encoding used by accessory
// pairing messages.
//
// Each item is one type byte, one length byte and up to 255 value bytes.
// Longer values are split into consecutive fragments of the same type and
// joined again on decode. Items with different types separate fragments, and
// the Separator type splits lists of records.
package tlv8

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Decode errors.
var (
	ErrTruncated = errors.New("tlv8: truncated item")
	ErrMissing   = errors.New("tlv8: missing item")
)

// Separator is the zero-length item that delimits records in a list.
const Separator byte = 0xFF

const maxFragment = 255

// Item is a single decoded type/value pair.
type Item struct {
	Type  byte
	Value []byte
}

// Container is an ordered list of items.
type Container struct {
	items []Item
}

// New returns an empty container.
func New() *Container {
	return &Container{}
}

// Add appends an item with a raw value.
func (c *Container) Add(typ byte, value []byte) *Container {
	c.items = append(c.items, Item{Type: typ, Value: append([]byte(nil), value...)})
	return c
}

// AddByte appends a single-byte item.
func (c *Container) AddByte(typ, v byte) *Container {
	return c.Add(typ, []byte{v})
}

// AddString appends a UTF-8 item.
func (c *Container) AddString(typ byte, v string) *Container {
	return c.Add(typ, []byte(v))
}

// AddUint appends an integer in the minimal little-endian width.
func (c *Container) AddUint(typ byte, v uint64) *Container {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	n := 8
	for n > 1 && buf[n-1] == 0 {
		n--
	}
	return c.Add(typ, buf[:n])
}

// AddSeparator appends a list separator.
func (c *Container) AddSeparator() *Container {
	c.items = append(c.items, Item{Type: Separator})
	return c
}

// Items returns the items in order.
func (c *Container) Items() []Item {
	return c.items
}

// Has reports whether an item of the given type is present.
func (c *Container) Has(typ byte) bool {
	_, ok := c.Get(typ)
	return ok
}

// Get returns the first item value of the given type.
func (c *Container) Get(typ byte) ([]byte, bool) {
	for _, it := range c.items {
		if it.Type == typ {
			return it.Value, true
		}
	}
	return nil, false
}

// Bytes returns the value of a required item.
func (c *Container) Bytes(typ byte) ([]byte, error) {
	v, ok := c.Get(typ)
	if !ok {
		return nil, fmt.Errorf("%w: type 0x%02x", ErrMissing, typ)
	}
	return v, nil
}

// Byte returns the single-byte value of a required item.
func (c *Container) Byte(typ byte) (byte, error) {
	v, err := c.Bytes(typ)
	if err != nil {
		return 0, err
	}
	if len(v) != 1 {
		return 0, fmt.Errorf("tlv8: type 0x%02x has length %d, want 1", typ, len(v))
	}
	return v[0], nil
}

// Uint returns a little-endian integer value of a required item.
func (c *Container) Uint(typ byte) (uint64, error) {
	v, err := c.Bytes(typ)
	if err != nil {
		return 0, err
	}
	if len(v) > 8 {
		return 0, fmt.Errorf("tlv8: type 0x%02x too long for integer", typ)
	}
	var buf [8]byte
	copy(buf[:], v)
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// String returns the UTF-8 value of a required item.
func (c *Container) String(typ byte) (string, error) {
	v, err := c.Bytes(typ)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// Split breaks the container into records at each Separator.
func (c *Container) Split() []*Container {
	var out []*Container
	cur := New()
	for _, it := range c.items {
		if it.Type == Separator {
			out = append(out, cur)
			cur = New()
			continue
		}
		cur.items = append(cur.items, it)
	}
	if len(cur.items) > 0 || len(out) == 0 {
		out = append(out, cur)
	}
	return out
}

// Encode serializes the container, fragmenting long values.
func (c *Container) Encode() []byte {
	var out []byte
	for _, it := range c.items {
		if len(it.Value) == 0 {
			out = append(out, it.Type, 0)
			continue
		}
		v := it.Value
		for len(v) > 0 {
			n := len(v)
			if n > maxFragment {
				n = maxFragment
			}
			out = append(out, it.Type, byte(n))
			out = append(out, v[:n]...)
			v = v[n:]
		}
	}
	return out
}

// Decode parses a TLV8 byte stream. Consecutive items of the same type are
// joined when the earlier one is a full 255-byte fragment.
func Decode(data []byte) (*Container, error) {
	c := New()
	continuing := false
	for i := 0; i < len(data); {
		if i+2 > len(data) {
			return nil, fmt.Errorf("%w: header at offset %d", ErrTruncated, i)
		}
		typ, n := data[i], int(data[i+1])
		i += 2
		if i+n > len(data) {
			return nil, fmt.Errorf("%w: type 0x%02x wants %d bytes, %d left", ErrTruncated, typ, n, len(data)-i)
		}
		value := data[i : i+n]
		i += n

		last := len(c.items) - 1
		if continuing && c.items[last].Type == typ {
			c.items[last].Value = append(c.items[last].Value, value...)
		} else {
			c.items = append(c.items, Item{Type: typ, Value: append([]byte(nil), value...)})
		}
		continuing = n == maxFragment
	}
	return c, nil
}
