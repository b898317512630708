package hashing

import (
	"encoding/binary"
	"sync"

	"github.com/minio/sha256-simd"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/salsa20/salsa"
)

// ScryptN is the Scrypt cost parameter used for mining (r=1, p=1).
const ScryptN = 1024

// blockLen is the BlockMix block size for r=1.
const blockLen = 128

// romix holds a Scrypt N and a pool of scratchpads sized for it.
type romix struct {
	n       int
	scratch sync.Pool
}

func newROMix(n int) *romix {
	r := &romix{n: n}
	r.scratch.New = func() any {
		v := make([]byte, n*blockLen)
		return &v
	}
	return r
}

// key derives keyLen bytes: PBKDF2(password, salt, 1, 128) → ROMix → PBKDF2(password, B, 1, keyLen).
func (r *romix) key(password, salt []byte, keyLen int) []byte {
	b := pbkdf2.Key(password, salt, 1, blockLen, sha256.New)

	vp := r.scratch.Get().(*[]byte)
	r.mix(b, *vp)
	r.scratch.Put(vp)

	return pbkdf2.Key(password, b, 1, keyLen, sha256.New)
}

// mix runs ROMix in place over the 128-byte block b using v as scratch.
func (r *romix) mix(b, v []byte) {
	var x [blockLen]byte
	copy(x[:], b)

	for i := range r.n {
		copy(v[i*blockLen:], x[:])
		blockMix(&x)
	}

	mask := uint32(r.n - 1)
	for range r.n {
		j := binary.LittleEndian.Uint32(x[64:68]) & mask
		vj := v[int(j)*blockLen : int(j+1)*blockLen]
		for k := range x {
			x[k] ^= vj[k]
		}
		blockMix(&x)
	}

	copy(b, x[:])
}

// blockMix is BlockMix for r=1 over Salsa20/8:
// X = B1; X ^= B0; Y0 = H(X); X = Y0 ^ B1; Y1 = H(X); B' = Y0 ∥ Y1.
func blockMix(b *[blockLen]byte) {
	var x, y0, y1 [64]byte

	copy(x[:], b[64:])
	for i := range x {
		x[i] ^= b[i]
	}
	salsa.Core208(&y0, &x)

	for i := range x {
		x[i] = y0[i] ^ b[64+i]
	}
	salsa.Core208(&y1, &x)

	copy(b[:64], y0[:])
	copy(b[64:], y1[:])
}
