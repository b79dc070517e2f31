package mumble

import "errors"

// Mumble's voice-channel varint. Not the protobuf varint: small values pack
// into one byte, and the 0xF0/0xF4 escapes carry raw 32- and 64-bit values.
//
// Encodings, by leading bits of the first byte:
//
//	0xxxxxxx            7-bit value
//	10xxxxxx + 1 byte   14-bit value
//	110xxxxx + 2 bytes  21-bit value
//	111100__ + 4 bytes  raw uint32
//	111101__ + 8 bytes  raw uint64
//
// The decoder additionally accepts the 1110xxxx 28-bit form some clients
// emit; the encoder always jumps from the 21-bit form to the raw escape.

var ErrVarint = errors.New("mumble: truncated or invalid varint")

// AppendVarint appends the shortest encoding of v to b.
func AppendVarint(b []byte, v uint64) []byte {
	switch {
	case v < 0x80:
		return append(b, byte(v))
	case v < 0x4000:
		return append(b, byte(v>>8)|0x80, byte(v))
	case v < 0x200000:
		return append(b, byte(v>>16)|0xC0, byte(v>>8), byte(v))
	case v <= 0xFFFFFFFF:
		return append(b, 0xF0, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	default:
		return append(b,
			0xF4,
			byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
			byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
}

// Varint decodes one varint from b, returning the value and the number of
// bytes consumed.
func Varint(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, ErrVarint
	}
	first := b[0]
	switch {
	case first < 0x80:
		return uint64(first), 1, nil
	case first&0xC0 == 0x80:
		if len(b) < 2 {
			return 0, 0, ErrVarint
		}
		return uint64(first&0x3F)<<8 | uint64(b[1]), 2, nil
	case first&0xE0 == 0xC0:
		if len(b) < 3 {
			return 0, 0, ErrVarint
		}
		return uint64(first&0x1F)<<16 | uint64(b[1])<<8 | uint64(b[2]), 3, nil
	case first&0xF0 == 0xE0:
		if len(b) < 4 {
			return 0, 0, ErrVarint
		}
		return uint64(first&0x0F)<<24 | uint64(b[1])<<16 | uint64(b[2])<<8 | uint64(b[3]), 4, nil
	case first&0xFC == 0xF0:
		if len(b) < 5 {
			return 0, 0, ErrVarint
		}
		return uint64(b[1])<<24 | uint64(b[2])<<16 | uint64(b[3])<<8 | uint64(b[4]), 5, nil
	case first&0xFC == 0xF4:
		if len(b) < 9 {
			return 0, 0, ErrVarint
		}
		var v uint64
		for _, c := range b[1:9] {
			v = v<<8 | uint64(c)
		}
		return v, 9, nil
	default:
		return 0, 0, ErrVarint
	}
}
