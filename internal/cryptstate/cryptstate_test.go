package cryptstate

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cryptPair links two states the way CryptSetup does: each side decrypts
// under the other side's encrypt nonce.
func cryptPair(t *testing.T) (*CryptState, *CryptState) {
	t.Helper()
	key := bytes.Repeat([]byte{0x11}, KeySize)
	ivA := bytes.Repeat([]byte{0x22}, IVSize)
	ivB := bytes.Repeat([]byte{0x33}, IVSize)
	var sender, receiver CryptState
	require.NoError(t, sender.SetKey(key, ivA, ivB))
	require.NoError(t, receiver.SetKey(key, ivB, ivA))
	return &sender, &receiver
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	sender, receiver := cryptPair(t)

	for i := 0; i < 5; i++ {
		plain := []byte{0x80, byte(i), 0xDE, 0xAD}
		ct, err := sender.Encrypt(plain)
		require.NoError(t, err)
		assert.Len(t, ct, len(plain)+Overhead)

		got, err := receiver.Decrypt(ct)
		require.NoError(t, err)
		assert.Equal(t, plain, got)
	}
	assert.Equal(t, uint32(5), receiver.Local.Good)
	assert.Zero(t, receiver.Local.Late)
	assert.Zero(t, receiver.Local.Lost)
	assert.False(t, receiver.LastGoodAt.IsZero())
}

func TestDecryptRejectsTamperAndKeepsIV(t *testing.T) {
	sender, receiver := cryptPair(t)
	plain := []byte("voice frame")
	ct, err := sender.Encrypt(plain)
	require.NoError(t, err)

	flippedBody := append([]byte(nil), ct...)
	flippedBody[Overhead] ^= 0x01
	_, err = receiver.Decrypt(flippedBody)
	assert.ErrorIs(t, err, ErrTag)

	flippedTag := append([]byte(nil), ct...)
	flippedTag[1] ^= 0x01
	_, err = receiver.Decrypt(flippedTag)
	assert.ErrorIs(t, err, ErrTag)
	assert.Zero(t, receiver.Local.Good)

	// The failed attempts left the IV alone, so the real packet still lands.
	got, err := receiver.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
	assert.Equal(t, uint32(1), receiver.Local.Good)
}

func TestDecryptLateWindowBoundary(t *testing.T) {
	sender, receiver := cryptPair(t)

	packets := make([][]byte, 31)
	for i := range packets {
		ct, err := sender.Encrypt([]byte{byte(i)})
		require.NoError(t, err)
		packets[i] = ct
	}

	// The newest packet first: everything before it counts as lost.
	_, err := receiver.Decrypt(packets[30])
	require.NoError(t, err)
	assert.Equal(t, uint32(30), receiver.Local.Lost)

	// 30 behind is outside the window.
	_, err = receiver.Decrypt(packets[0])
	assert.ErrorIs(t, err, ErrOutOfSeq)

	// 29 behind is the oldest acceptable late packet.
	got, err := receiver.Decrypt(packets[1])
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, got)
	assert.Equal(t, uint32(1), receiver.Local.Late)
	assert.Equal(t, uint32(2), receiver.Local.Good)
}

func TestDecryptRejectsReplay(t *testing.T) {
	sender, receiver := cryptPair(t)

	var second []byte
	for i := 0; i < 3; i++ {
		ct, err := sender.Encrypt([]byte{byte(i)})
		require.NoError(t, err)
		if i == 1 {
			second = append([]byte(nil), ct...)
		}
		_, err = receiver.Decrypt(ct)
		require.NoError(t, err)
	}

	_, err := receiver.Decrypt(second)
	assert.ErrorIs(t, err, ErrReplay)
	assert.Equal(t, uint32(3), receiver.Local.Good)
}

func TestDecryptAcrossIVWrap(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, KeySize)
	edge := bytes.Repeat([]byte{0xFF}, IVSize)
	other := bytes.Repeat([]byte{0x01}, IVSize)
	var sender, receiver CryptState
	require.NoError(t, sender.SetKey(key, edge, other))
	require.NoError(t, receiver.SetKey(key, other, edge))

	// The first increment carries through every nonce byte.
	ct, err := sender.Encrypt([]byte("wrap"))
	require.NoError(t, err)
	got, err := receiver.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("wrap"), got)
	assert.Equal(t, bytes.Repeat([]byte{0x00}, IVSize), receiver.DecryptIV())
}

func TestSetDecryptIVCountsResync(t *testing.T) {
	_, receiver := cryptPair(t)
	iv := bytes.Repeat([]byte{0x77}, IVSize)

	require.NoError(t, receiver.SetDecryptIV(iv))
	assert.Equal(t, uint32(1), receiver.Local.Resync)
	assert.Equal(t, iv, receiver.DecryptIV())

	assert.ErrorIs(t, receiver.SetDecryptIV(iv[:4]), ErrBadLength)
	assert.Equal(t, uint32(1), receiver.Local.Resync)

	var blank CryptState
	assert.ErrorIs(t, blank.SetDecryptIV(iv), ErrNoKey)
}

func TestKeyMaterialValidation(t *testing.T) {
	var cs CryptState
	assert.False(t, cs.Ready())

	key := bytes.Repeat([]byte{0x01}, KeySize)
	iv := bytes.Repeat([]byte{0x02}, IVSize)
	assert.ErrorIs(t, cs.SetKey(key[:8], iv, iv), ErrBadLength)
	assert.ErrorIs(t, cs.SetKey(key, iv[:8], iv), ErrBadLength)
	assert.ErrorIs(t, cs.SetKey(key, iv, iv[:8]), ErrBadLength)
	assert.False(t, cs.Ready())

	_, err := cs.Encrypt([]byte("x"))
	assert.ErrorIs(t, err, ErrNoKey)
	_, err = cs.Decrypt(make([]byte, 8))
	assert.ErrorIs(t, err, ErrNoKey)

	require.NoError(t, cs.GenerateKey())
	assert.True(t, cs.Ready())
	_, err = cs.Decrypt([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrShort)
}
