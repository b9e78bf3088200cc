package job

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"shapool/internal/hashprim"
	"shapool/internal/protocol"
)

func decodeFixed32(t *testing.T, hexStr string) [32]byte {
	t.Helper()
	b, err := hex.DecodeString(hexStr)
	require.NoError(t, err)
	require.Len(t, b, 32)
	var out [32]byte
	copy(out[:], b)
	return out
}

func TestReduceMerkleEmptyBranch(t *testing.T) {
	// spec.md §8 scenario 5: empty branch -> root = reverse(C).
	c := decodeFixed32(t, "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")

	got := ReduceMerkle(c, nil)

	want := c
	for i, j := 0, 31; i < j; i, j = i+1, j-1 {
		want[i], want[j] = want[j], want[i]
	}
	require.Equal(t, want, got)
}

func TestReduceMerkleTwoBranches(t *testing.T) {
	// spec.md §8 scenario 5: root = reverse(digest(digest(C ‖ B1) ‖ B2)).
	c := decodeFixed32(t, "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	b1 := decodeFixed32(t, "202020202020202020202020202020202020202020202020202020202020202f")
	b2 := decodeFixed32(t, "303030303030303030303030303030303030303030303030303030303030303f")

	got := ReduceMerkle(c, [][32]byte{b1, b2})

	step1 := hashprim.Digest(append(append([]byte{}, c[:]...), b1[:]...))
	step2 := hashprim.Digest(append(append([]byte{}, step1[:]...), b2[:]...))
	want := step2
	for i, j := 0, 31; i < j; i, j = i+1, j-1 {
		want[i], want[j] = want[j], want[i]
	}

	require.Equal(t, want, got)
}

func notifyParams() *protocol.NotifyParams {
	var n protocol.NotifyParams
	n.JobID = "job1"
	n.Coinbase1 = []byte{0x01, 0x02}
	n.Coinbase2 = []byte{0x03, 0x04}
	n.Version = [4]byte{0x00, 0x00, 0x00, 0x01}
	n.Bits = [4]byte{0x1d, 0x00, 0xff, 0xff}
	n.Timestamp = "5e6f7a1b"
	n.CleanJobs = false
	return &n
}

func TestBuildProducesSixtyFourByteFirstBlockMidstate(t *testing.T) {
	n := notifyParams()
	b := New([]byte{0xab, 0xcd}, 4)

	built, err := b.Build(n)
	require.NoError(t, err)

	require.Equal(t, "job1", built.JobID)
	require.Len(t, built.ExtraNonce2, 8) // 2 * extraNonce2Size
	require.Equal(t, "5e6f7a1b", built.Timestamp)

	// Midstate must equal midstate(first 64 bytes of version‖previous_hash‖merkle_root‖timestamp‖bits).
	extraNonce2Bytes, err := hex.DecodeString(built.ExtraNonce2)
	require.NoError(t, err)

	fullCoinbase := make([]byte, 0)
	fullCoinbase = append(fullCoinbase, n.Coinbase1...)
	fullCoinbase = append(fullCoinbase, b.extraNonce1...)
	fullCoinbase = append(fullCoinbase, extraNonce2Bytes...)
	fullCoinbase = append(fullCoinbase, n.Coinbase2...)
	coinbaseHash := hashprim.Digest(fullCoinbase)
	merkleRoot := ReduceMerkle(coinbaseHash, nil)

	message := make([]byte, 0, 76)
	message = append(message, n.Version[:]...)
	message = append(message, n.PreviousHash[:]...)
	message = append(message, merkleRoot[:]...)
	timestampBytes, _ := hex.DecodeString(n.Timestamp)
	message = append(message, timestampBytes...)
	message = append(message, n.Bits[:]...)

	var firstBlock [64]byte
	copy(firstBlock[:], message[:64])
	wantMidstate := hashprim.MidstateBytes(hashprim.New().Midstate(firstBlock))

	require.Equal(t, wantMidstate, built.Midstate)
}

func TestBuildTailIsTimestampThenBits(t *testing.T) {
	n := notifyParams()
	b := New([]byte{0xab, 0xcd}, 4)

	built, err := b.Build(n)
	require.NoError(t, err)

	timestampBytes, _ := hex.DecodeString(n.Timestamp)
	require.Equal(t, timestampBytes, built.Tail[:4])
	require.Equal(t, n.Bits[:], built.Tail[4:])
}

func TestBuildRejectsMalformedTimestamp(t *testing.T) {
	n := notifyParams()
	n.Timestamp = "nothex"
	b := New([]byte{0xab, 0xcd}, 4)

	_, err := b.Build(n)
	require.Error(t, err)
}

func TestBuildExtraNonce2IsCryptographicallyRandomEachCall(t *testing.T) {
	n := notifyParams()
	b := New([]byte{0xab, 0xcd}, 8)

	built1, err := b.Build(n)
	require.NoError(t, err)
	built2, err := b.Build(n)
	require.NoError(t, err)

	require.NotEqual(t, built1.ExtraNonce2, built2.ExtraNonce2)
}
