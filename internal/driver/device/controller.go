// Package device implements C3: the accelerator controller state machine
// that drives a daisy-chained array of hash-search accelerators over a
// bus.Bus, per spec.md §4.3.
package device

import (
	"fmt"
	"log"
	"math/bits"
	"sync"
	"time"

	"shapool/internal/bus"
)

// state is the controller's position in the RESET/RUNNING/READY cycle.
type state int

const (
	stateReset state = iota
	stateRunning
	stateReady
)

func (s state) String() string {
	switch s {
	case stateReset:
		return "RESET"
	case stateRunning:
		return "RUNNING"
	case stateReady:
		return "READY"
	default:
		return "UNKNOWN"
	}
}

// flagToCoreIndex maps a raw one-hot flags byte to a core index 0..7, per
// spec.md §4.3's nonce correction.
var flagToCoreIndex = map[byte]uint32{
	0x01: 0, 0x02: 1, 0x04: 2, 0x08: 3,
	0x10: 4, 0x20: 5, 0x40: 6, 0x80: 7,
}

// Controller drives the device array described in spec.md §4.3: an
// N-device daisy chain, each device internally split across
// 2^hardcodedBits cores. The bus is a single shared resource, and
// spec.md §5 lets the receive loop issue InterruptExecution directly
// while the worker loop drives the rest of the state machine, so every
// exported method that touches the bus serializes on mu.
type Controller struct {
	mu sync.Mutex

	bus Bus

	numberOfDevices int
	coresPerDevice  int
	hardcodedBits   uint

	deviceOffsets []byte

	state state

	log *log.Logger
}

// Bus is an alias of bus.Bus, the full interface the controller depends
// on; tests can swap in bus.LoopbackBus or any other bus.Bus.
type Bus = bus.Bus

// New returns a Controller over b for an array of numberOfDevices
// accelerators, each with coresPerDevice cores. coresPerDevice must be a
// power of two, per spec.md §8's invariant `cores_per_device = 2^k`.
func New(b Bus, numberOfDevices, coresPerDevice int) (*Controller, error) {
	if numberOfDevices < 1 {
		return nil, fmt.Errorf("device: numberOfDevices must be >= 1, got %d", numberOfDevices)
	}
	if coresPerDevice < 1 || coresPerDevice&(coresPerDevice-1) != 0 {
		return nil, fmt.Errorf("device: coresPerDevice must be a power of two, got %d", coresPerDevice)
	}

	c := &Controller{
		bus:             b,
		numberOfDevices: numberOfDevices,
		coresPerDevice:  coresPerDevice,
		hardcodedBits:   uint(bits.TrailingZeros(uint(coresPerDevice))),
		deviceOffsets:   deviceOffsetVector(numberOfDevices),
		state:           stateReset,
		log:             log.New(log.Writer(), "[device] ", log.LstdFlags),
	}
	return c, nil
}

// deviceOffsetVector computes offset[i] = i * floor(256/n), spec.md §3's
// device configuration vector.
func deviceOffsetVector(n int) []byte {
	step := 256 / n
	offsets := make([]byte, n)
	for i := range offsets {
		offsets[i] = byte(i * step)
	}
	return offsets
}

// UpdateDeviceConfigs writes the per-device offset vector via the daisy
// path. Valid only in RESET.
func (c *Controller) UpdateDeviceConfigs() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateReset {
		return fmt.Errorf("device: update_device_configs requires RESET, in %s", c.state)
	}
	if err := c.bus.SPIAssertDaisy(); err != nil {
		return fmt.Errorf("device: assert daisy: %w", err)
	}
	defer c.bus.SPIDeassertDaisy()

	if err := c.bus.SPIWriteDaisy(c.deviceOffsets); err != nil {
		return fmt.Errorf("device: write device configs: %w", err)
	}
	return nil
}

// UpdateJob broadcasts midstate‖tail (48 bytes) via the shared path.
// tailCore is the timestamp‖bits 8 bytes the job builder computes; the
// remaining 8 bytes of the 16-byte tail are firmware-specific and
// supplied by the bus itself (bus.TailPadding), per spec.md §9's open
// question on the device tail. Valid only in RESET.
func (c *Controller) UpdateJob(midstate [32]byte, tailCore [8]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateReset {
		return fmt.Errorf("device: update_job requires RESET, in %s", c.state)
	}
	if err := c.bus.SPIAssertShared(); err != nil {
		return fmt.Errorf("device: assert shared: %w", err)
	}
	defer c.bus.SPIDeassertShared()

	pad := bus.TailPadding(c.bus)
	payload := make([]byte, 0, 48)
	payload = append(payload, midstate[:]...)
	payload = append(payload, tailCore[:]...)
	payload = append(payload, pad[:]...)
	if err := c.bus.SPIWriteShared(payload); err != nil {
		return fmt.Errorf("device: write job: %w", err)
	}
	return nil
}

// StartExecution deasserts reset and transitions to RUNNING.
func (c *Controller) StartExecution() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.bus.DeassertReset(); err != nil {
		return fmt.Errorf("device: deassert reset: %w", err)
	}
	c.state = stateRunning
	return nil
}

// InterruptExecution issues the dedicated interrupt pulse on the daisy
// path without altering configuration or controller state. This is the
// only bus operation the receive loop may issue directly, per spec.md
// §5's shared-resource rule.
func (c *Controller) InterruptExecution() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := bus.InterruptPulse(c.bus); err != nil {
		return fmt.Errorf("device: interrupt execution: %w", err)
	}
	return nil
}

// PollUntilReadyOrTimeout busy-loops poll_ready until it reports true or
// timeout elapses; timeout == nil waits indefinitely. On a true reading,
// the controller transitions to READY. Unlike the other exported
// methods, this one only holds mu for the duration of each individual
// poll_ready call rather than the whole loop, so InterruptExecution from
// the receive loop is never blocked out for the full poll duration.
func (c *Controller) PollUntilReadyOrTimeout(timeout *time.Duration) (bool, error) {
	const pollInterval = 10 * time.Millisecond

	var deadline time.Time
	hasDeadline := timeout != nil
	if hasDeadline {
		deadline = time.Now().Add(*timeout)
	}

	for {
		ready, err := c.pollOnce()
		if err != nil {
			return false, fmt.Errorf("device: poll ready: %w", err)
		}
		if ready {
			return true, nil
		}
		if hasDeadline && time.Now().After(deadline) {
			return false, nil
		}
		time.Sleep(pollInterval)
	}
}

func (c *Controller) pollOnce() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ready, err := c.bus.PollReady()
	if err != nil {
		return false, err
	}
	if ready {
		c.state = stateReady
	}
	return ready, nil
}

// GetResult reads 5*N bytes from the daisy path and returns the
// corrected nonce from the first device reporting a hit, or nil if none
// did. Valid only in READY.
func (c *Controller) GetResult() (*uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateReady {
		return nil, fmt.Errorf("device: get_result requires READY, in %s", c.state)
	}

	if err := c.bus.SPIAssertDaisy(); err != nil {
		return nil, fmt.Errorf("device: assert daisy: %w", err)
	}
	defer c.bus.SPIDeassertDaisy()

	raw, err := c.bus.SPIReadDaisy(5 * c.numberOfDevices)
	if err != nil {
		return nil, fmt.Errorf("device: read result: %w", err)
	}
	if len(raw) != 5*c.numberOfDevices {
		return nil, fmt.Errorf("device: short result read: got %d bytes, want %d", len(raw), 5*c.numberOfDevices)
	}

	for i := 0; i < c.numberOfDevices; i++ {
		record := raw[i*5 : i*5+5]
		flags := record[0]
		if flags == 0 {
			continue
		}
		rawNonce := uint32(record[1])<<24 | uint32(record[2])<<16 | uint32(record[3])<<8 | uint32(record[4])
		corrected, err := correctNonce(flags, c.deviceOffsets[i], c.hardcodedBits, rawNonce)
		if err != nil {
			return nil, fmt.Errorf("device: correct nonce from device %d: %w", i, err)
		}
		return &corrected, nil
	}
	return nil, nil
}

// correctNonce applies spec.md §4.3's nonce correction: pipeline
// correction, core-id injection, then device-id injection, all in the
// 32-bit ring.
func correctNonce(flags, deviceOffset byte, hardcodedBits uint, raw uint32) (uint32, error) {
	coreIndex, ok := flagToCoreIndex[flags]
	if !ok {
		return 0, fmt.Errorf("device: non-one-hot flags byte 0x%02x", flags)
	}

	n := raw - 2
	n |= coreIndex << (32 - hardcodedBits)
	n ^= uint32(deviceOffset) << (32 - hardcodedBits - 8)
	return n, nil
}

// Reset unconditionally asserts reset and transitions to RESET.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.bus.AssertReset(); err != nil {
		return fmt.Errorf("device: assert reset: %w", err)
	}
	c.state = stateReset
	return nil
}

// Close enforces the destruction invariant: devices are left in reset.
func (c *Controller) Close() error {
	return c.Reset()
}
