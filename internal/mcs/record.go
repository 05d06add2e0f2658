package mcs

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field is one decoded protobuf field. Varint, fixed32 and fixed64 values
// are held in Int; length-delimited values in Bytes.
type Field struct {
	Num   protowire.Number
	Type  protowire.Type
	Int   uint64
	Bytes []byte
}

// Record is a decoded protobuf message, fields in wire order.
type Record []Field

// ParseRecord decodes raw protobuf wire data. Groups are not supported.
func ParseRecord(b []byte) (Record, error) {
	var rec Record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		f := Field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			f.Int, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.Int, n = protowire.ConsumeFixed64(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.Int = uint64(v)
		case protowire.BytesType:
			f.Bytes, n = protowire.ConsumeBytes(b)
		default:
			return nil, fmt.Errorf("%w: field %d: unsupported wire type %d", ErrMalformed, num, typ)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]
		rec = append(rec, f)
	}
	return rec, nil
}

// Text returns the first length-delimited field num as a string.
func (r Record) Text(num protowire.Number) string {
	for _, f := range r {
		if f.Num == num && f.Type == protowire.BytesType {
			return string(f.Bytes)
		}
	}
	return ""
}

// Uint returns the first varint or fixed field num.
func (r Record) Uint(num protowire.Number) (uint64, bool) {
	for _, f := range r {
		if f.Num == num && f.Type != protowire.BytesType {
			return f.Int, true
		}
	}
	return 0, false
}

// Message returns the first length-delimited field num parsed as a record.
func (r Record) Message(num protowire.Number) (Record, bool) {
	for _, f := range r {
		if f.Num == num && f.Type == protowire.BytesType {
			sub, err := ParseRecord(f.Bytes)
			if err != nil {
				return nil, false
			}
			return sub, true
		}
	}
	return nil, false
}

// Messages returns every length-delimited field num that parses as a record.
func (r Record) Messages(num protowire.Number) []Record {
	var out []Record
	for _, f := range r {
		if f.Num == num && f.Type == protowire.BytesType {
			if sub, err := ParseRecord(f.Bytes); err == nil {
				out = append(out, sub)
			}
		}
	}
	return out
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
