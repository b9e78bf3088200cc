// Package bus implements C2: framed access to the daisy-chained
// accelerator array. spec.md §1 treats "the raw SPI/GPIO transport driver
// for the accelerator bus" as an external collaborator; Bus is the
// interface that boundary takes in this module. internal/driver/device
// (C3) is the only caller.
package bus

import "fmt"

// Bus abstracts the accelerator chain with its two addressing modes,
// spec.md §4.2: shared (one broadcast payload seen identically by every
// device) and daisy (a shift register through the whole chain,
// MSB-first of the composite payload).
//
// Every Assert must be paired with exactly one Deassert on every exit
// path, including error paths — callers are expected to use defer.
type Bus interface {
	// AssertReset holds all devices in reset; DeassertReset releases
	// them. While asserted, internal search is halted and reads are
	// undefined.
	AssertReset() error
	DeassertReset() error

	// SPIAssertShared/SPIDeassertShared bracket a broadcast write seen
	// identically by every device.
	SPIAssertShared() error
	SPIWriteShared(data []byte) error
	SPIDeassertShared() error

	// SPIAssertDaisy/SPIDeassertDaisy bracket a shift-register
	// transaction through the whole chain. A lone assert/deassert pair
	// with no write or read in between is the interrupt pulse: it
	// aborts any in-progress search without losing configuration.
	SPIAssertDaisy() error
	SPIWriteDaisy(data []byte) error
	SPIReadDaisy(n int) ([]byte, error)
	SPIDeassertDaisy() error

	// PollReady is a non-blocking sample of the wired-OR "result
	// available" line.
	PollReady() (bool, error)
}

// TailPadder is implemented by a Bus whose firmware defines the 8 bytes
// of the 16-byte device tail beyond timestamp‖bits (spec.md §9's open
// question on the device tail). Buses that don't implement it are
// treated as padding with zeros.
type TailPadder interface {
	TailPadding() [8]byte
}

// TailPadding returns b's firmware-specific tail padding, or eight zero
// bytes if b does not implement TailPadder.
func TailPadding(b Bus) [8]byte {
	if p, ok := b.(TailPadder); ok {
		return p.TailPadding()
	}
	return [8]byte{}
}

// InterruptPulse issues the dedicated interrupt pulse described in
// spec.md §4.2 and §5: a daisy assert/deassert pair with no payload.
// This is the only bus operation the receive loop is permitted to issue
// directly; every other bus operation belongs to the worker loop.
func InterruptPulse(b Bus) error {
	if err := b.SPIAssertDaisy(); err != nil {
		return fmt.Errorf("bus: interrupt pulse assert: %w", err)
	}
	if err := b.SPIDeassertDaisy(); err != nil {
		return fmt.Errorf("bus: interrupt pulse deassert: %w", err)
	}
	return nil
}
