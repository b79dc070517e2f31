package cryptstate

import "crypto/cipher"

// OCB2 mode over a 16-byte block cipher, as used by the Mumble voice
// transport. The tag is truncated to 3 bytes by the caller.

const blockSize = 16

type block [blockSize]byte

func (b *block) xor(a, c *block) {
	for i := range b {
		b[i] = a[i] ^ c[i]
	}
}

func (b *block) xorIn(a *block) {
	for i := range b {
		b[i] ^= a[i]
	}
}

// double is multiplication by x in GF(2^128).
func (b *block) double() {
	carry := b[0] >> 7
	for i := 0; i < blockSize-1; i++ {
		b[i] = (b[i] << 1) | (b[i+1] >> 7)
	}
	b[blockSize-1] <<= 1
	if carry != 0 {
		b[blockSize-1] ^= 0x87
	}
}

// triple is double(x) xor x.
func (b *block) triple() {
	var d block
	d = *b
	d.double()
	b.xorIn(&d)
}

// ocbEncrypt encrypts plain into dst (same length) and writes the full
// 16-byte tag. nonce is consumed by value.
func ocbEncrypt(c cipher.Block, dst, plain []byte, nonce block, tag *block) {
	var delta, checksum, tmp, pad block
	c.Encrypt(delta[:], nonce[:])

	for len(plain) > blockSize {
		delta.double()
		var pt block
		copy(pt[:], plain[:blockSize])
		tmp.xor(&delta, &pt)
		c.Encrypt(tmp[:], tmp[:])
		var ct block
		ct.xor(&delta, &tmp)
		copy(dst[:blockSize], ct[:])
		checksum.xorIn(&pt)
		plain = plain[blockSize:]
		dst = dst[blockSize:]
	}

	// Final (possibly partial) block.
	n := len(plain)
	delta.double()
	tmp = block{}
	tmp[blockSize-1] = byte(n * 8)
	tmp.xorIn(&delta)
	c.Encrypt(pad[:], tmp[:])
	tmp = block{}
	copy(tmp[:], plain)
	copy(tmp[n:], pad[n:])
	checksum.xorIn(&tmp)
	tmp.xorIn(&pad)
	copy(dst, tmp[:n])

	delta.triple()
	tmp.xor(&delta, &checksum)
	c.Encrypt(tag[:], tmp[:])
}

// ocbDecrypt decrypts crypted into dst (same length) and writes the tag the
// ciphertext should carry.
func ocbDecrypt(c cipher.Block, dst, crypted []byte, nonce block, tag *block) {
	var delta, checksum, tmp, pad block
	c.Encrypt(delta[:], nonce[:])

	for len(crypted) > blockSize {
		delta.double()
		var ct block
		copy(ct[:], crypted[:blockSize])
		tmp.xor(&delta, &ct)
		c.Decrypt(tmp[:], tmp[:])
		var pt block
		pt.xor(&delta, &tmp)
		copy(dst[:blockSize], pt[:])
		checksum.xorIn(&pt)
		crypted = crypted[blockSize:]
		dst = dst[blockSize:]
	}

	n := len(crypted)
	delta.double()
	tmp = block{}
	tmp[blockSize-1] = byte(n * 8)
	tmp.xorIn(&delta)
	c.Encrypt(pad[:], tmp[:])
	tmp = block{}
	copy(tmp[:], crypted)
	tmp.xorIn(&pad)
	checksum.xorIn(&tmp)
	copy(dst, tmp[:n])

	delta.triple()
	tmp.xor(&delta, &checksum)
	c.Encrypt(tag[:], tmp[:])
}
