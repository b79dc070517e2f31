package mumble

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	msg := &Ping{Timestamp: Uint64(42), Good: Uint32(7)}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, KindPing, msg.Marshal()))

	kind, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, KindPing, kind)

	decoded, err := Decode(kind, payload)
	require.NoError(t, err)
	ping := decoded.(*Ping)
	require.NotNil(t, ping.Timestamp)
	assert.Equal(t, uint64(42), *ping.Timestamp)
	assert.Equal(t, uint32(7), GetUint32(ping.Good, 0))

	// The buffered forms agree with the streaming ones.
	kind2, payload2, err := DecodeFrame(Encode(msg))
	require.NoError(t, err)
	assert.Equal(t, KindPing, kind2)
	assert.Equal(t, payload, payload2)
}

func TestReadFrameRejectsOversizedPayload(t *testing.T) {
	var hdr [FrameHeaderLen]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(KindUserState))
	binary.BigEndian.PutUint32(hdr[2:6], MaxPayloadLen+1)

	_, _, err := ReadFrame(bytes.NewReader(hdr[:]))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	err := WriteFrame(io.Discard, KindUserState, make([]byte, MaxPayloadLen+1))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestDecodeFrameRejectsOversizedLength(t *testing.T) {
	var hdr [FrameHeaderLen]byte
	binary.BigEndian.PutUint32(hdr[2:6], MaxPayloadLen+1)
	_, _, err := DecodeFrame(hdr[:])
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestReadFrameTruncated(t *testing.T) {
	full := EncodeFrame(KindPing, []byte{1, 2, 3, 4})

	_, _, err := ReadFrame(bytes.NewReader(full[:3]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	// Header promises more payload than the stream carries.
	_, _, err = ReadFrame(bytes.NewReader(full[:FrameHeaderLen+2]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDecodeFrameLengthMismatch(t *testing.T) {
	full := EncodeFrame(KindPing, []byte{1, 2, 3, 4})
	_, _, err := DecodeFrame(full[:len(full)-1])
	assert.Error(t, err)

	_, _, err = DecodeFrame(full[:4])
	assert.Error(t, err)
}
