package sparkplugb

import (
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// wireDecoder walks a length-delimited protobuf-style buffer, tracking the
// absolute byte offset so codec errors can report where decoding failed.
// base is the offset of buf within the outermost message.
type wireDecoder struct {
	buf  []byte
	pos  int
	base int
}

func (d *wireDecoder) offset() int { return d.base + d.pos }

func (d *wireDecoder) done() bool { return d.pos >= len(d.buf) }

func (d *wireDecoder) readTag() (protowire.Number, protowire.Type, error) {
	num, typ, n := protowire.ConsumeTag(d.buf[d.pos:])
	if n < 0 {
		return 0, 0, newCodecError(d.offset(), 0, "malformed field tag")
	}
	switch typ {
	case protowire.VarintType, protowire.Fixed32Type, protowire.Fixed64Type, protowire.BytesType:
	default:
		return 0, 0, newCodecError(d.offset(), num, "unknown wire type")
	}
	d.pos += n
	return num, typ, nil
}

func (d *wireDecoder) readVarint(num protowire.Number) (uint64, error) {
	v, n := protowire.ConsumeVarint(d.buf[d.pos:])
	if n < 0 {
		return 0, newCodecError(d.offset(), num, "malformed varint")
	}
	d.pos += n
	return v, nil
}

func (d *wireDecoder) readFixed32(num protowire.Number) (uint32, error) {
	v, n := protowire.ConsumeFixed32(d.buf[d.pos:])
	if n < 0 {
		return 0, newCodecError(d.offset(), num, "truncated 32-bit field")
	}
	d.pos += n
	return v, nil
}

func (d *wireDecoder) readFixed64(num protowire.Number) (uint64, error) {
	v, n := protowire.ConsumeFixed64(d.buf[d.pos:])
	if n < 0 {
		return 0, newCodecError(d.offset(), num, "truncated 64-bit field")
	}
	d.pos += n
	return v, nil
}

func (d *wireDecoder) readBytes(num protowire.Number) ([]byte, error) {
	v, n := protowire.ConsumeBytes(d.buf[d.pos:])
	if n < 0 {
		return nil, newCodecError(d.offset(), num, "truncated length-delimited field")
	}
	d.pos += n
	return v, nil
}

func (d *wireDecoder) readString(num protowire.Number) (string, error) {
	b, err := d.readBytes(num)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", newCodecError(d.offset(), num, "string field is not valid UTF-8")
	}
	return string(b), nil
}

// skip consumes an unknown field's value.
func (d *wireDecoder) skip(num protowire.Number, typ protowire.Type) error {
	n := protowire.ConsumeFieldValue(num, typ, d.buf[d.pos:])
	if n < 0 {
		return newCodecError(d.offset(), num, "truncated field")
	}
	d.pos += n
	return nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFixed32Field(b []byte, num protowire.Number, v uint32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, v)
}

func appendFixed64Field(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}
