package mumble

import (
	"errors"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// The control message payloads use protobuf wire encoding with the field
// numbers fixed by the upstream Mumble.proto. The messages here are encoded
// and decoded directly with protowire; optional scalar presence is modeled
// with pointer fields, as the protocol distinguishes unset from zero.

var errFieldType = errors.New("mumble: unexpected wire type for field")

// Pointer constructors for optional fields.

func Uint32(v uint32) *uint32 { return &v }
func Uint64(v uint64) *uint64 { return &v }
func Int32(v int32) *int32    { return &v }
func Bool(v bool) *bool       { return &v }
func String(v string) *string { return &v }
func Float32(v float32) *float32 {
	return &v
}

// GetUint32 dereferences p, returning def when unset.
func GetUint32(p *uint32, def uint32) uint32 {
	if p == nil {
		return def
	}
	return *p
}

// GetBool dereferences p, returning false when unset.
func GetBool(p *bool) bool { return p != nil && *p }

// GetString dereferences p, returning "" when unset.
func GetString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// Append helpers. A nil pointer appends nothing.

func putUint32(b []byte, num protowire.Number, v *uint32) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(*v))
}

func putUint64(b []byte, num protowire.Number, v *uint64) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, *v)
}

func putInt32(b []byte, num protowire.Number, v *int32) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(*v)))
}

func putBool(b []byte, num protowire.Number, v *bool) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	if *v {
		return protowire.AppendVarint(b, 1)
	}
	return protowire.AppendVarint(b, 0)
}

func putString(b []byte, num protowire.Number, v *string) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, *v)
}

func putBytes(b []byte, num protowire.Number, v []byte) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func putFloat32(b []byte, num protowire.Number, v *float32) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(*v))
}

func putUint32s(b []byte, num protowire.Number, vs []uint32) []byte {
	for _, v := range vs {
		b = protowire.AppendTag(b, num, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(v))
	}
	return b
}

func putInt32s(b []byte, num protowire.Number, vs []int32) []byte {
	for _, v := range vs {
		b = protowire.AppendTag(b, num, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(v)))
	}
	return b
}

func putStrings(b []byte, num protowire.Number, vs []string) []byte {
	for _, v := range vs {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendString(b, v)
	}
	return b
}

func putBytesSlice(b []byte, num protowire.Number, vs [][]byte) []byte {
	for _, v := range vs {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, v)
	}
	return b
}

func putMessage(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

// eachField walks the top-level fields of data. fn returns the number of
// bytes it consumed; zero means the field was not recognized and its value
// is skipped.
func eachField(data []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		consumed, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		if consumed == 0 {
			consumed = protowire.ConsumeFieldValue(num, typ, data)
			if consumed < 0 {
				return protowire.ParseError(consumed)
			}
		}
		data = data[consumed:]
	}
	return nil
}

// Typed field consumers.

func fieldVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, errFieldType
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func fieldBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, errFieldType
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, n, nil
}

func fieldString(typ protowire.Type, b []byte) (string, int, error) {
	if typ != protowire.BytesType {
		return "", 0, errFieldType
	}
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return "", 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func fieldFloat32(typ protowire.Type, b []byte) (float32, int, error) {
	if typ != protowire.Fixed32Type {
		return 0, 0, errFieldType
	}
	v, n := protowire.ConsumeFixed32(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return math.Float32frombits(v), n, nil
}

// fieldUint32s appends one or more values of a repeated uint32 field,
// accepting both the unpacked and packed encodings.
func fieldUint32s(typ protowire.Type, b []byte, dst []uint32) ([]uint32, int, error) {
	switch typ {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return dst, 0, protowire.ParseError(n)
		}
		return append(dst, uint32(v)), n, nil
	case protowire.BytesType:
		body, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return dst, 0, protowire.ParseError(n)
		}
		for len(body) > 0 {
			v, m := protowire.ConsumeVarint(body)
			if m < 0 {
				return dst, 0, protowire.ParseError(m)
			}
			dst = append(dst, uint32(v))
			body = body[m:]
		}
		return dst, n, nil
	default:
		return dst, 0, errFieldType
	}
}

// fieldInt32s is fieldUint32s for repeated int32 fields.
func fieldInt32s(typ protowire.Type, b []byte, dst []int32) ([]int32, int, error) {
	u, n, err := fieldUint32s(typ, b, nil)
	if err != nil {
		return dst, 0, err
	}
	for _, v := range u {
		dst = append(dst, int32(v))
	}
	return dst, n, nil
}
