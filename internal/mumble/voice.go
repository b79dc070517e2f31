package mumble

import "fmt"

// VoicePacket is the parsed form of a client→server voice datagram:
// a 1-byte header (type in the top 3 bits, target in the low 5), followed
// by varint(sequence) and the codec frames. The codec frames, including any
// trailing positional audio, are carried opaque.
type VoicePacket struct {
	Type     byte
	Target   byte
	Sequence uint64
	Frames   []byte
}

// ParseVoice parses the plaintext of a client voice packet. Ping packets
// (type 1) are returned with the full payload in Frames so they can be
// echoed back untouched.
func ParseVoice(plain []byte) (*VoicePacket, error) {
	if len(plain) < 1 {
		return nil, fmt.Errorf("mumble: empty voice packet")
	}
	vp := &VoicePacket{
		Type:   plain[0] >> 5,
		Target: plain[0] & 0x1F,
	}
	rest := plain[1:]
	if vp.Type == UDPPing {
		vp.Frames = rest
		return vp, nil
	}
	switch vp.Type {
	case UDPVoiceCELTAlpha, UDPVoiceSpeex, UDPVoiceCELTBeta, UDPVoiceOpus:
	default:
		return nil, fmt.Errorf("mumble: unknown voice packet type %d", vp.Type)
	}
	seq, n, err := Varint(rest)
	if err != nil {
		return nil, err
	}
	vp.Sequence = seq
	vp.Frames = rest[n:]
	return vp, nil
}

// ForListener rewrites the packet for server→client delivery: the target
// bits are zeroed and varint(session) of the speaker is prepended before
// the original sequence varint and codec frames.
func (vp *VoicePacket) ForListener(speaker uint32) []byte {
	out := make([]byte, 0, 1+5+5+len(vp.Frames))
	out = append(out, vp.Type<<5)
	out = AppendVarint(out, uint64(speaker))
	out = AppendVarint(out, vp.Sequence)
	return append(out, vp.Frames...)
}
