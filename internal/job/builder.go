// Package job implements C5: turning a decoded mining.notify into a
// block-header pre-image and pre-computed midstate, per spec.md §4.5.
package job

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"shapool/internal/hashprim"
	"shapool/internal/protocol"
)

// Built is the record queued by C6 for C3 to consume, spec.md §3's
// "built job".
type Built struct {
	JobID       string
	ExtraNonce2 string // ASCII-hex, length 2*extraNonce2Size
	Timestamp   string // preserved verbatim from the notification
	Midstate    [32]byte
	Tail        [8]byte // timestamp(4) ‖ bits(4); device-specific padding is appended by the controller
}

// Builder holds the subscription state needed to turn a notification
// into a Built job: the server-assigned extra-nonce-1 and the expected
// extra-nonce-2 length.
type Builder struct {
	hasher          *hashprim.Hasher
	extraNonce1     []byte
	extraNonce2Size int
}

// New returns a Builder using the default software hash primitive.
func New(extraNonce1 []byte, extraNonce2Size int) *Builder {
	return NewWithHasher(hashprim.New(), extraNonce1, extraNonce2Size)
}

// NewWithHasher returns a Builder using a caller-supplied Hasher, e.g.
// one backed by a hardware BlockCompressor.
func NewWithHasher(h *hashprim.Hasher, extraNonce1 []byte, extraNonce2Size int) *Builder {
	return &Builder{hasher: h, extraNonce1: extraNonce1, extraNonce2Size: extraNonce2Size}
}

// Build turns a decoded notification into a Built job, per spec.md
// §4.5's five steps.
func (b *Builder) Build(n *protocol.NotifyParams) (*Built, error) {
	extraNonce2 := make([]byte, b.extraNonce2Size)
	if _, err := rand.Read(extraNonce2); err != nil {
		return nil, fmt.Errorf("job: generate extra_nonce_2: %w", err)
	}

	coinbase := make([]byte, 0, len(n.Coinbase1)+len(b.extraNonce1)+len(extraNonce2)+len(n.Coinbase2))
	coinbase = append(coinbase, n.Coinbase1...)
	coinbase = append(coinbase, b.extraNonce1...)
	coinbase = append(coinbase, extraNonce2...)
	coinbase = append(coinbase, n.Coinbase2...)
	coinbaseHash := hashprim.Digest(coinbase)

	merkleRoot := ReduceMerkle(coinbaseHash, n.MerkleBranch)

	timestampBytes, err := hex.DecodeString(n.Timestamp)
	if err != nil || len(timestampBytes) != 4 {
		return nil, fmt.Errorf("job: timestamp must be 4 bytes of hex, got %q", n.Timestamp)
	}

	message := make([]byte, 0, 76)
	message = append(message, n.Version[:]...)
	message = append(message, n.PreviousHash[:]...)
	message = append(message, merkleRoot[:]...)
	message = append(message, timestampBytes...)
	message = append(message, n.Bits[:]...)
	if len(message) != 76 {
		return nil, fmt.Errorf("job: assembled header is %d bytes, want 76", len(message))
	}

	var firstBlock [64]byte
	copy(firstBlock[:], message[:64])

	midstate := hashprim.MidstateBytes(b.hasher.Midstate(firstBlock))

	var tail [8]byte
	copy(tail[:4], timestampBytes)
	copy(tail[4:], n.Bits[:])

	return &Built{
		JobID:       n.JobID,
		ExtraNonce2: hex.EncodeToString(extraNonce2),
		Timestamp:   n.Timestamp,
		Midstate:    midstate,
		Tail:        tail,
	}, nil
}

// ReduceMerkle applies spec.md §4.5 step 3: starting from coinbaseHash,
// fold in each branch digest with a double-hash, then reverse the
// accumulator's byte order. An empty branch returns the coinbase hash
// reversed.
func ReduceMerkle(coinbaseHash [32]byte, branch [][32]byte) [32]byte {
	acc := coinbaseHash
	for _, b := range branch {
		combined := make([]byte, 0, 64)
		combined = append(combined, acc[:]...)
		combined = append(combined, b[:]...)
		acc = hashprim.Digest(combined)
	}
	return reverse32(acc)
}

func reverse32(b [32]byte) [32]byte {
	var out [32]byte
	for i := range b {
		out[i] = b[31-i]
	}
	return out
}
