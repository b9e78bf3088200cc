package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shapool/internal/bus"
)

func TestDeviceOffsetVector(t *testing.T) {
	cases := []struct {
		n    int
		want []byte
	}{
		{1, []byte{0}},
		{2, []byte{0, 128}},
		{3, []byte{0x00, 0x55, 0xAA}},
		{4, []byte{0, 64, 128, 192}},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, deviceOffsetVector(tc.n))
	}
}

func TestNewRejectsNonPowerOfTwoCores(t *testing.T) {
	_, err := New(bus.NewLoopbackBus(), 1, 3)
	require.Error(t, err)
}

func TestNewRejectsZeroDevices(t *testing.T) {
	_, err := New(bus.NewLoopbackBus(), 0, 8)
	require.Error(t, err)
}

func TestHardcodedBitsForPowerOfTwoCores(t *testing.T) {
	for k := 0; k <= 6; k++ {
		cores := 1 << k
		c, err := New(bus.NewLoopbackBus(), 1, cores)
		require.NoError(t, err)
		require.Equal(t, uint(k), c.hardcodedBits)
	}
}

func TestCorrectNonceWorkedExample(t *testing.T) {
	// spec.md §8 scenario 2.
	got, err := correctNonce(0x04, 0x40, 3, 0x00000005)
	require.NoError(t, err)
	require.Equal(t, uint32(0x48000003), got)
}

func TestCorrectNonceRejectsNonOneHotFlags(t *testing.T) {
	_, err := correctNonce(0x03, 0x00, 3, 0)
	require.Error(t, err)
}

func TestCorrectNonceDeterministic(t *testing.T) {
	for flags := range flagToCoreIndex {
		for _, offset := range []byte{0x00, 0x40, 0x80, 0xC0} {
			a, err := correctNonce(flags, offset, 3, 0x1234)
			require.NoError(t, err)
			b, err := correctNonce(flags, offset, 3, 0x1234)
			require.NoError(t, err)
			require.Equal(t, a, b)
		}
	}
}

func TestUpdateDeviceConfigsRequiresReset(t *testing.T) {
	l := bus.NewLoopbackBus()
	c, err := New(l, 2, 8)
	require.NoError(t, err)

	require.NoError(t, c.UpdateDeviceConfigs())
	require.Equal(t, []byte{0, 128}, l.LastDaisyWrite)

	require.NoError(t, c.StartExecution())
	require.Error(t, c.UpdateDeviceConfigs())
}

func TestUpdateJobWritesFortyEightBytes(t *testing.T) {
	l := bus.NewLoopbackBus()
	pad := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	l.SetTailPadding(pad)
	c, err := New(l, 1, 1)
	require.NoError(t, err)

	var midstate [32]byte
	var tailCore [8]byte
	for i := range midstate {
		midstate[i] = byte(i)
	}
	for i := range tailCore {
		tailCore[i] = byte(100 + i)
	}

	require.NoError(t, c.UpdateJob(midstate, tailCore))
	require.Len(t, l.LastSharedWrite, 48)
	require.Equal(t, midstate[:], l.LastSharedWrite[:32])
	require.Equal(t, tailCore[:], l.LastSharedWrite[32:40])
	require.Equal(t, pad[:], l.LastSharedWrite[40:])
}

func TestStartExecutionTransitionsToRunning(t *testing.T) {
	l := bus.NewLoopbackBus()
	c, err := New(l, 1, 1)
	require.NoError(t, err)

	require.NoError(t, c.StartExecution())
	require.False(t, l.ResetAsserted)
	require.Equal(t, stateRunning, c.state)
}

func TestPollUntilReadyOrTimeoutSucceeds(t *testing.T) {
	l := bus.NewLoopbackBus()
	l.ReadyQueue = []bool{false, false, true}
	c, err := New(l, 1, 1)
	require.NoError(t, err)

	timeout := time.Second
	ready, err := c.PollUntilReadyOrTimeout(&timeout)
	require.NoError(t, err)
	require.True(t, ready)
	require.Equal(t, stateReady, c.state)
}

func TestPollUntilReadyOrTimeoutExpires(t *testing.T) {
	l := bus.NewLoopbackBus()
	l.ReadyQueue = []bool{false}
	c, err := New(l, 1, 1)
	require.NoError(t, err)

	timeout := 20 * time.Millisecond
	ready, err := c.PollUntilReadyOrTimeout(&timeout)
	require.NoError(t, err)
	require.False(t, ready)
}

func TestGetResultRequiresReady(t *testing.T) {
	c, err := New(bus.NewLoopbackBus(), 1, 1)
	require.NoError(t, err)

	_, err = c.GetResult()
	require.Error(t, err)
}

func TestGetResultNoHit(t *testing.T) {
	l := bus.NewLoopbackBus()
	l.ReadyQueue = []bool{true}
	l.ReadDaisyResult = make([]byte, 10) // 2 devices, all zero flags
	c, err := New(l, 2, 1)
	require.NoError(t, err)

	timeout := time.Second
	_, err = c.PollUntilReadyOrTimeout(&timeout)
	require.NoError(t, err)

	nonce, err := c.GetResult()
	require.NoError(t, err)
	require.Nil(t, nonce)
}

func TestGetResultFirstDeviceWins(t *testing.T) {
	l := bus.NewLoopbackBus()
	l.ReadyQueue = []bool{true}
	// Device 0: no hit. Device 1: flags=0x01, nonce=0x00000005.
	l.ReadDaisyResult = []byte{
		0x00, 0, 0, 0, 0,
		0x01, 0, 0, 0, 5,
	}
	c, err := New(l, 2, 8)
	require.NoError(t, err)

	timeout := time.Second
	_, err = c.PollUntilReadyOrTimeout(&timeout)
	require.NoError(t, err)

	nonce, err := c.GetResult()
	require.NoError(t, err)
	require.NotNil(t, nonce)

	want, err := correctNonce(0x01, c.deviceOffsets[1], c.hardcodedBits, 5)
	require.NoError(t, err)
	require.Equal(t, want, *nonce)
}

func TestGetResultLowestIndexWinsOnMultipleHits(t *testing.T) {
	l := bus.NewLoopbackBus()
	l.ReadyQueue = []bool{true}
	l.ReadDaisyResult = []byte{
		0x02, 0, 0, 0, 9,
		0x01, 0, 0, 0, 5,
	}
	c, err := New(l, 2, 8)
	require.NoError(t, err)

	timeout := time.Second
	_, err = c.PollUntilReadyOrTimeout(&timeout)
	require.NoError(t, err)

	nonce, err := c.GetResult()
	require.NoError(t, err)
	want, err := correctNonce(0x02, c.deviceOffsets[0], c.hardcodedBits, 9)
	require.NoError(t, err)
	require.Equal(t, want, *nonce)
}

func TestResetAssertsBus(t *testing.T) {
	l := bus.NewLoopbackBus()
	c, err := New(l, 1, 1)
	require.NoError(t, err)
	require.NoError(t, c.StartExecution())

	require.NoError(t, c.Reset())
	require.True(t, l.ResetAsserted)
	require.Equal(t, stateReset, c.state)
}

func TestCloseLeavesDeviceInReset(t *testing.T) {
	l := bus.NewLoopbackBus()
	c, err := New(l, 1, 1)
	require.NoError(t, err)
	require.NoError(t, c.StartExecution())

	require.NoError(t, c.Close())
	require.True(t, l.ResetAsserted)
}

func TestInterruptExecutionDoesNotChangeState(t *testing.T) {
	l := bus.NewLoopbackBus()
	c, err := New(l, 1, 1)
	require.NoError(t, err)
	require.NoError(t, c.StartExecution())

	require.NoError(t, c.InterruptExecution())
	require.Equal(t, stateRunning, c.state)
	require.Equal(t, 1, l.InterruptCount)
}
