// Package cryptstate implements the OCB2-AES128 packet cryptography used on
// the Mumble voice path: one symmetric key per session, strictly sequenced
// IVs with a bounded reorder window, a replay history, and the
// good/late/lost/resync counters exchanged in Ping messages.
package cryptstate

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"time"
)

const (
	// KeySize is the AES-128 key length.
	KeySize = 16
	// IVSize is the OCB2 nonce length.
	IVSize = 16
	// Overhead is the per-packet expansion: 1 IV byte + 3 tag bytes.
	Overhead = 4
	// tagSize is the truncated tag carried on the wire.
	tagSize = 3
	// lateWindow is how far behind the expected IV a packet may arrive.
	lateWindow = 30
)

var (
	ErrNoKey     = errors.New("cryptstate: no key material")
	ErrShort     = errors.New("cryptstate: packet too short")
	ErrTag       = errors.New("cryptstate: tag mismatch")
	ErrReplay    = errors.New("cryptstate: replayed packet")
	ErrOutOfSeq  = errors.New("cryptstate: IV outside acceptance window")
	ErrBadLength = errors.New("cryptstate: invalid key or IV length")
)

// Stats are the decrypt-side packet counters. Remote holds the peer's view
// of its own receive path, as reported in Ping.
type Stats struct {
	Good   uint32
	Late   uint32
	Lost   uint32
	Resync uint32
}

// CryptState holds the crypto state of one session's voice channel.
// Callers must serialize access; the edge guards it with the per-client lock.
type CryptState struct {
	key       [KeySize]byte
	encryptIV [IVSize]byte
	decryptIV [IVSize]byte

	// history[i] is the second IV byte last accepted with first byte i.
	history [256]byte

	cipher cipher.Block
	ready  bool

	Local  Stats
	Remote Stats

	LastGoodAt    time.Time
	LastRequestAt time.Time
}

// GenerateKey installs fresh random key material and nonces.
func (cs *CryptState) GenerateKey() error {
	var buf [KeySize + 2*IVSize]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return err
	}
	return cs.SetKey(buf[:KeySize], buf[KeySize:KeySize+IVSize], buf[KeySize+IVSize:])
}

// SetKey installs explicit key material. encryptIV is the nonce this side
// sends under; decryptIV is the last nonce accepted from the peer.
func (cs *CryptState) SetKey(key, encryptIV, decryptIV []byte) error {
	if len(key) != KeySize || len(encryptIV) != IVSize || len(decryptIV) != IVSize {
		return ErrBadLength
	}
	copy(cs.key[:], key)
	copy(cs.encryptIV[:], encryptIV)
	copy(cs.decryptIV[:], decryptIV)
	c, err := aes.NewCipher(cs.key[:])
	if err != nil {
		return err
	}
	cs.cipher = c
	cs.history = [256]byte{}
	cs.ready = true
	return nil
}

// SetDecryptIV installs a peer-provided nonce (CryptSetup resync) and bumps
// the resync counter.
func (cs *CryptState) SetDecryptIV(iv []byte) error {
	if !cs.ready {
		return ErrNoKey
	}
	if len(iv) != IVSize {
		return ErrBadLength
	}
	copy(cs.decryptIV[:], iv)
	cs.Local.Resync++
	return nil
}

// Key returns the session key.
func (cs *CryptState) Key() []byte { return append([]byte(nil), cs.key[:]...) }

// EncryptIV returns the current server nonce.
func (cs *CryptState) EncryptIV() []byte { return append([]byte(nil), cs.encryptIV[:]...) }

// DecryptIV returns the current expected client nonce.
func (cs *CryptState) DecryptIV() []byte { return append([]byte(nil), cs.decryptIV[:]...) }

// Ready reports whether key material has been installed.
func (cs *CryptState) Ready() bool { return cs.ready }

// Encrypt seals plain into a datagram of len(plain)+Overhead bytes:
// IV low byte, 3 tag bytes, OCB2 ciphertext.
func (cs *CryptState) Encrypt(plain []byte) ([]byte, error) {
	if !cs.ready {
		return nil, ErrNoKey
	}

	// Increment the nonce, little-endian carry from byte 0.
	for i := range cs.encryptIV {
		cs.encryptIV[i]++
		if cs.encryptIV[i] != 0 {
			break
		}
	}

	var nonce block
	copy(nonce[:], cs.encryptIV[:])
	var tag block
	dst := make([]byte, len(plain)+Overhead)
	ocbEncrypt(cs.cipher, dst[Overhead:], plain, nonce, &tag)
	dst[0] = cs.encryptIV[0]
	copy(dst[1:Overhead], tag[:tagSize])
	return dst, nil
}

// Decrypt opens a datagram produced by the peer's Encrypt. On any failure
// the IV state is left as it was before the call.
func (cs *CryptState) Decrypt(crypted []byte) ([]byte, error) {
	if !cs.ready {
		return nil, ErrNoKey
	}
	if len(crypted) < Overhead {
		return nil, ErrShort
	}

	ivByte := crypted[0]
	saved := cs.decryptIV
	restore := false
	var late, lost uint32

	if (cs.decryptIV[0]+1)&0xFF == ivByte {
		// In-order packet.
		if ivByte > cs.decryptIV[0] {
			cs.decryptIV[0] = ivByte
		} else {
			// Wrapped: carry into the higher bytes.
			cs.decryptIV[0] = ivByte
			cs.carry(1)
		}
	} else {
		diff := int(ivByte) - int(cs.decryptIV[0])
		if diff > 128 {
			diff -= 256
		} else if diff < -128 {
			diff += 256
		}

		switch {
		case diff < 0 && diff > -lateWindow && ivByte < cs.decryptIV[0]:
			// Late packet within the window.
			late = 1
			cs.decryptIV[0] = ivByte
			restore = true
		case diff < 0 && diff > -lateWindow && ivByte > cs.decryptIV[0]:
			// Late packet from before the last wrap.
			late = 1
			cs.decryptIV[0] = ivByte
			cs.borrow(1)
			restore = true
		case diff > 0 && ivByte > cs.decryptIV[0]:
			// Jumped ahead; the gap counts as losses.
			lost = uint32(diff - 1)
			cs.decryptIV[0] = ivByte
		case diff > 0 && ivByte < cs.decryptIV[0]:
			// Jumped ahead across a wrap.
			lost = uint32(diff - 1)
			cs.decryptIV[0] = ivByte
			cs.carry(1)
		default:
			return nil, ErrOutOfSeq
		}

		if cs.history[cs.decryptIV[0]] == cs.decryptIV[1] {
			cs.decryptIV = saved
			return nil, ErrReplay
		}
	}

	var nonce block
	copy(nonce[:], cs.decryptIV[:])
	var tag block
	plain := make([]byte, len(crypted)-Overhead)
	ocbDecrypt(cs.cipher, plain, crypted[Overhead:], nonce, &tag)

	if tag[0] != crypted[1] || tag[1] != crypted[2] || tag[2] != crypted[3] {
		cs.decryptIV = saved
		return nil, ErrTag
	}
	cs.history[cs.decryptIV[0]] = cs.decryptIV[1]

	if restore {
		cs.decryptIV = saved
	}

	cs.Local.Good++
	cs.Local.Late += late
	cs.Local.Lost += lost
	cs.LastGoodAt = time.Now()
	return plain, nil
}

// carry propagates an increment into decryptIV bytes from index i upward.
func (cs *CryptState) carry(i int) {
	for ; i < IVSize; i++ {
		cs.decryptIV[i]++
		if cs.decryptIV[i] != 0 {
			return
		}
	}
}

// borrow propagates a decrement into decryptIV bytes from index i upward.
func (cs *CryptState) borrow(i int) {
	for ; i < IVSize; i++ {
		cs.decryptIV[i]--
		if cs.decryptIV[i] != 0xFF {
			return
		}
	}
}
