// Package hashprim implements C1: the digest and midstate primitives the
// job builder is built on.
//
// spec.md §1 treats "the low-level compression-function block primitive
// (sha256 of a 64-byte block with arbitrary initial state...)" as an
// external collaborator, consumed through an interface rather than
// implemented here. BlockCompressor is that interface. A standard
// software implementation ships so the module runs without extra wiring,
// but a hardware-backed compressor can be substituted without touching
// any caller.
package hashprim

import (
	"crypto/sha256"
	"encoding/binary"
)

// StandardIV is the FIPS 180-4 initial hash value for SHA-256.
var StandardIV = [8]uint32{
	0x6a09e667, 0xbb67ae85, 0x3c6ef372, 0xa54ff53a,
	0x510e527f, 0x9b05688c, 0x1f83d9ab, 0x5be0cd19,
}

// BlockCompressor advances an 8-word SHA-256 state by exactly one 64-byte
// block, with no padding applied. This is the external primitive spec.md
// §1 and §4.1 describe.
type BlockCompressor interface {
	Compress(state [8]uint32, block [64]byte) [8]uint32
}

// softwareCompressor is the default BlockCompressor: a direct, unpadded
// implementation of the SHA-256 compression round function.
type softwareCompressor struct{}

// Compress implements BlockCompressor.
func (softwareCompressor) Compress(state [8]uint32, block [64]byte) [8]uint32 {
	var w [64]uint32
	for i := 0; i < 16; i++ {
		w[i] = binary.BigEndian.Uint32(block[i*4 : i*4+4])
	}
	for i := 16; i < 64; i++ {
		v0 := rotr(w[i-15], 7) ^ rotr(w[i-15], 18) ^ (w[i-15] >> 3)
		v1 := rotr(w[i-2], 17) ^ rotr(w[i-2], 19) ^ (w[i-2] >> 10)
		w[i] = w[i-16] + v0 + w[i-7] + v1
	}

	a, b, c, d, e, f, g, h := state[0], state[1], state[2], state[3], state[4], state[5], state[6], state[7]

	for i := 0; i < 64; i++ {
		s1 := rotr(e, 6) ^ rotr(e, 11) ^ rotr(e, 25)
		ch := (e & f) ^ (^e & g)
		t1 := h + s1 + ch + sha256RoundK[i] + w[i]
		s0 := rotr(a, 2) ^ rotr(a, 13) ^ rotr(a, 22)
		maj := (a & b) ^ (a & c) ^ (b & c)
		t2 := s0 + maj

		h, g, f, e, d, c, b, a = g, f, e, d+t1, c, b, a, t1+t2
	}

	return [8]uint32{
		state[0] + a, state[1] + b, state[2] + c, state[3] + d,
		state[4] + e, state[5] + f, state[6] + g, state[7] + h,
	}
}

func rotr(x uint32, n uint) uint32 { return (x >> n) | (x << (32 - n)) }

var sha256RoundK = [64]uint32{
	0x428a2f98, 0x71374491, 0xb5c0fbcf, 0xe9b5dba5, 0x3956c25b, 0x59f111f1, 0x923f82a4, 0xab1c5ed5,
	0xd807aa98, 0x12835b01, 0x243185be, 0x550c7dc3, 0x72be5d74, 0x80deb1fe, 0x9bdc06a7, 0xc19bf174,
	0xe49b69c1, 0xefbe4786, 0x0fc19dc6, 0x240ca1cc, 0x2de92c6f, 0x4a7484aa, 0x5cb0a9dc, 0x76f988da,
	0x983e5152, 0xa831c66d, 0xb00327c8, 0xbf597fc7, 0xc6e00bf3, 0xd5a79147, 0x06ca6351, 0x14292967,
	0x27b70a85, 0x2e1b2138, 0x4d2c6dfc, 0x53380d13, 0x650a7354, 0x766a0abb, 0x81c2c92e, 0x92722c85,
	0xa2bfe8a1, 0xa81a664b, 0xc24b8b70, 0xc76c51a3, 0xd192e819, 0xd6990624, 0xf40e3585, 0x106aa070,
	0x19a4c116, 0x1e376c08, 0x2748774c, 0x34b0bcb5, 0x391c0cb3, 0x4ed8aa4a, 0x5b9cca4f, 0x682e6ff3,
	0x748f82ee, 0x78a5636f, 0x84c87814, 0x8cc70208, 0x90befffa, 0xa4506ceb, 0xbef9a3f7, 0xc67178f2,
}

// Hasher computes digests and midstates using an injected BlockCompressor.
type Hasher struct {
	compressor BlockCompressor
}

// New returns a Hasher backed by the standard software BlockCompressor.
func New() *Hasher {
	return &Hasher{compressor: softwareCompressor{}}
}

// NewWithCompressor returns a Hasher backed by a caller-supplied
// BlockCompressor, e.g. one that offloads to hardware.
func NewWithCompressor(c BlockCompressor) *Hasher {
	if c == nil {
		return New()
	}
	return &Hasher{compressor: c}
}

// Midstate returns the compression state after consuming exactly one
// 64-byte block from the standard IV, per spec.md §4.1. No padding is
// applied; block is the raw header prefix.
func (h *Hasher) Midstate(block [64]byte) [8]uint32 {
	return h.compressor.Compress(StandardIV, block)
}

// MidstateBytes serializes a midstate as eight big-endian 32-bit words in
// natural order, per spec.md §4.1 and §6.
func MidstateBytes(state [8]uint32) [32]byte {
	var out [32]byte
	for i, word := range state {
		binary.BigEndian.PutUint32(out[i*4:i*4+4], word)
	}
	return out
}

// Digest computes sha256(sha256(b)), spec.md §4.1's double-hash. This is the standard full-message digest — it is not the
// arbitrary-state block primitive BlockCompressor models, so it is
// implemented directly against crypto/sha256 rather than through the
// interface.
func Digest(b []byte) [32]byte {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}
