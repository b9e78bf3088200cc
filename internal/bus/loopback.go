package bus

import "fmt"

// LoopbackBus is an in-memory Bus used by tests and by hosts with no
// accelerator attached. It records every write so callers can assert on
// the exact bytes that crossed the bus, and lets a test script the
// sequence of PollReady results and the bytes returned by SPIReadDaisy.
type LoopbackBus struct {
	ResetAsserted bool
	SharedAsserted bool
	DaisyAsserted  bool

	LastSharedWrite []byte
	LastDaisyWrite  []byte

	// ReadyQueue is consumed one value per PollReady call; once
	// exhausted, PollReady keeps returning the last queued value (or
	// false if the queue was never populated).
	ReadyQueue []bool
	pollCalls  int

	// ReadDaisyResult is returned verbatim by SPIReadDaisy, truncated or
	// zero-padded to the requested length.
	ReadDaisyResult []byte

	// InterruptCount counts daisy assert/deassert pairs issued with no
	// write or read in between — i.e. InterruptPulse calls.
	InterruptCount int
	daisyDirty     bool

	tailPad [8]byte
}

// NewLoopbackBus returns a LoopbackBus starting in reset.
func NewLoopbackBus() *LoopbackBus {
	return &LoopbackBus{ResetAsserted: true}
}

// SetTailPadding configures the value TailPadding() (via the TailPadder
// interface) returns.
func (l *LoopbackBus) SetTailPadding(pad [8]byte) {
	l.tailPad = pad
}

// TailPadding implements TailPadder.
func (l *LoopbackBus) TailPadding() [8]byte {
	return l.tailPad
}

func (l *LoopbackBus) AssertReset() error {
	l.ResetAsserted = true
	return nil
}

func (l *LoopbackBus) DeassertReset() error {
	l.ResetAsserted = false
	return nil
}

func (l *LoopbackBus) SPIAssertShared() error {
	if l.SharedAsserted {
		return fmt.Errorf("bus: shared already asserted")
	}
	l.SharedAsserted = true
	return nil
}

func (l *LoopbackBus) SPIWriteShared(data []byte) error {
	if !l.SharedAsserted {
		return fmt.Errorf("bus: shared write without assert")
	}
	l.LastSharedWrite = append([]byte(nil), data...)
	return nil
}

func (l *LoopbackBus) SPIDeassertShared() error {
	if !l.SharedAsserted {
		return fmt.Errorf("bus: shared deassert without assert")
	}
	l.SharedAsserted = false
	return nil
}

func (l *LoopbackBus) SPIAssertDaisy() error {
	if l.DaisyAsserted {
		return fmt.Errorf("bus: daisy already asserted")
	}
	l.DaisyAsserted = true
	l.daisyDirty = false
	return nil
}

func (l *LoopbackBus) SPIWriteDaisy(data []byte) error {
	if !l.DaisyAsserted {
		return fmt.Errorf("bus: daisy write without assert")
	}
	l.LastDaisyWrite = append([]byte(nil), data...)
	l.daisyDirty = true
	return nil
}

func (l *LoopbackBus) SPIReadDaisy(n int) ([]byte, error) {
	if !l.DaisyAsserted {
		return nil, fmt.Errorf("bus: daisy read without assert")
	}
	l.daisyDirty = true
	out := make([]byte, n)
	copy(out, l.ReadDaisyResult)
	return out, nil
}

func (l *LoopbackBus) SPIDeassertDaisy() error {
	if !l.DaisyAsserted {
		return fmt.Errorf("bus: daisy deassert without assert")
	}
	l.DaisyAsserted = false
	if !l.daisyDirty {
		l.InterruptCount++
	}
	return nil
}

func (l *LoopbackBus) PollReady() (bool, error) {
	defer func() { l.pollCalls++ }()
	if len(l.ReadyQueue) == 0 {
		return false, nil
	}
	idx := l.pollCalls
	if idx >= len(l.ReadyQueue) {
		idx = len(l.ReadyQueue) - 1
	}
	return l.ReadyQueue[idx], nil
}
