//go:build !mips && !mipsle
// +build !mips,!mipsle

package bus

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"time"

	"github.com/google/gousb"
)

// Frame tokens identifying each of the six bus operations on the wire.
// The framing itself — token byte, zero byte, little-endian length, payload, then a
// trailing Modbus-style CRC16 — is the teacher's Bitmain packet shape,
// generalized here from device-specific packets (TxConfig/TxTask/RxStatus)
// to the six primitive bus ops spec.md §4.2/§5 define.
const (
	tokenResetAssert   = 0xA0
	tokenResetDeassert = 0xA1
	tokenSharedWrite   = 0xB0
	tokenDaisyWrite    = 0xB1
	tokenDaisyRead     = 0xB2
	tokenPoll          = 0xB3
)

var crcHiTable = [256]uint8{
	0x00, 0xC1, 0x81, 0x40, 0x01, 0xC0, 0x80, 0x41, 0x01, 0xC0, 0x80, 0x41,
	0x00, 0xC1, 0x81, 0x40, 0x01, 0xC0, 0x80, 0x41, 0x00, 0xC1, 0x81, 0x40,
	0x00, 0xC1, 0x81, 0x40, 0x01, 0xC0, 0x80, 0x41, 0x01, 0xC0, 0x80, 0x41,
	0x00, 0xC1, 0x81, 0x40, 0x00, 0xC1, 0x81, 0x40, 0x01, 0xC0, 0x80, 0x41,
	0x00, 0xC1, 0x81, 0x40, 0x01, 0xC0, 0x80, 0x41, 0x01, 0xC0, 0x80, 0x41,
	0x00, 0xC1, 0x81, 0x40, 0x01, 0xC0, 0x80, 0x41, 0x00, 0xC1, 0x81, 0x40,
	0x00, 0xC1, 0x81, 0x40, 0x01, 0xC0, 0x80, 0x41, 0x00, 0xC1, 0x81, 0x40,
	0x01, 0xC0, 0x80, 0x41, 0x01, 0xC0, 0x80, 0x41, 0x00, 0xC1, 0x81, 0x40,
	0x00, 0xC1, 0x81, 0x40, 0x01, 0xC0, 0x80, 0x41, 0x01, 0xC0, 0x80, 0x41,
	0x00, 0xC1, 0x81, 0x40, 0x01, 0xC0, 0x80, 0x41, 0x00, 0xC1, 0x81, 0x40,
	0x00, 0xC1, 0x81, 0x40, 0x01, 0xC0, 0x80, 0x41, 0x01, 0xC0, 0x80, 0x41,
	0x00, 0xC1, 0x81, 0x40, 0x00, 0xC1, 0x81, 0x40, 0x01, 0xC0, 0x80, 0x41,
	0x00, 0xC1, 0x81, 0x40, 0x01, 0xC0, 0x80, 0x41, 0x01, 0xC0, 0x80, 0x41,
	0x00, 0xC1, 0x81, 0x40, 0x00, 0xC1, 0x81, 0x40, 0x01, 0xC0, 0x80, 0x41,
	0x01, 0xC0, 0x80, 0x41, 0x00, 0xC1, 0x81, 0x40, 0x01, 0xC0, 0x80, 0x41,
	0x00, 0xC1, 0x81, 0x40, 0x00, 0xC1, 0x81, 0x40, 0x01, 0xC0, 0x80, 0x41,
	0x00, 0xC1, 0x81, 0x40, 0x01, 0xC0, 0x80, 0x41, 0x01, 0xC0, 0x80, 0x41,
	0x00, 0xC1, 0x81, 0x40, 0x01, 0xC0, 0x80, 0x41, 0x00, 0xC1, 0x81, 0x40,
	0x00, 0xC1, 0x81, 0x40, 0x01, 0xC0, 0x80, 0x41, 0x01, 0xC0, 0x80, 0x41,
	0x00, 0xC1, 0x81, 0x40, 0x00, 0xC1, 0x81, 0x40, 0x01, 0xC0, 0x80, 0x41,
	0x00, 0xC1, 0x81, 0x40, 0x01, 0xC0, 0x80, 0x41, 0x01, 0xC0, 0x80, 0x41,
	0x00, 0xC1, 0x81, 0x40,
}

var crcLoTable = [256]uint8{
	0x00, 0xC0, 0xC1, 0x01, 0xC3, 0x03, 0x02, 0xC2, 0xC6, 0x06, 0x07, 0xC7,
	0x05, 0xC5, 0xC4, 0x04, 0xCC, 0x0C, 0x0D, 0xCD, 0x0F, 0xCF, 0xCE, 0x0E,
	0x0A, 0xCA, 0xCB, 0x0B, 0xC9, 0x09, 0x08, 0xC8, 0xD8, 0x18, 0x19, 0xD9,
	0x1B, 0xDB, 0xDA, 0x1A, 0x1E, 0xDE, 0xDF, 0x1F, 0xDD, 0x1D, 0x1C, 0xDC,
	0x14, 0xD4, 0xD5, 0x15, 0xD7, 0x17, 0x16, 0xD6, 0xD2, 0x12, 0x13, 0xD3,
	0x11, 0xD1, 0xD0, 0x10, 0xF0, 0x30, 0x31, 0xF1, 0x33, 0xF3, 0xF2, 0x32,
	0x36, 0xF6, 0xF7, 0x37, 0xF5, 0x35, 0x34, 0xF4, 0x3C, 0xFC, 0xFD, 0x3D,
	0xFF, 0x3F, 0x3E, 0xFE, 0xFA, 0x3A, 0x3B, 0xFB, 0x39, 0xF9, 0xF8, 0x38,
	0x28, 0xE8, 0xE9, 0x29, 0xEB, 0x2B, 0x2A, 0xEA, 0xEE, 0x2E, 0x2F, 0xEF,
	0x2D, 0xED, 0xEC, 0x2C, 0xE4, 0x24, 0x25, 0xE5, 0x27, 0xE7, 0xE6, 0x26,
	0x22, 0xE2, 0xE3, 0x23, 0xE1, 0x21, 0x20, 0xE0, 0xA0, 0x60, 0x61, 0xA1,
	0x63, 0xA3, 0xA2, 0x62, 0x66, 0xA6, 0xA7, 0x67, 0xA5, 0x65, 0x64, 0xA4,
	0x6C, 0xAC, 0xAD, 0x6D, 0xAF, 0x6F, 0x6E, 0xAE, 0xAA, 0x6A, 0x6B, 0xAB,
	0x69, 0xA9, 0xA8, 0x68, 0x78, 0xB8, 0xB9, 0x79, 0xBB, 0x7B, 0x7A, 0xBA,
	0xBE, 0x7E, 0x7F, 0xBF, 0x7D, 0xBD, 0xBC, 0x7C, 0xB4, 0x74, 0x75, 0xB5,
	0x77, 0xB7, 0xB6, 0x76, 0x72, 0xB2, 0xB3, 0x73, 0xB1, 0x71, 0x70, 0xB0,
	0x50, 0x90, 0x91, 0x51, 0x93, 0x53, 0x52, 0x92, 0x96, 0x56, 0x57, 0x97,
	0x55, 0x95, 0x94, 0x54, 0x9C, 0x5C, 0x5D, 0x9D, 0x5F, 0x9F, 0x9E, 0x5E,
	0x5A, 0x9A, 0x9B, 0x5B, 0x99, 0x59, 0x58, 0x98, 0x88, 0x48, 0x49, 0x89,
	0x4B, 0x8B, 0x8A, 0x4A, 0x4E, 0x8E, 0x8F, 0x4F, 0x8D, 0x4D, 0x4C, 0x8C,
	0x44, 0x84, 0x85, 0x45, 0x87, 0x47, 0x46, 0x86, 0x82, 0x42, 0x43, 0x83,
	0x41, 0x81, 0x80, 0x40,
}

// crc16 computes the Modbus-style CRC16 the teacher's Bitmain packets use
// to cover every frame's header and payload.
func crc16(data []byte) uint16 {
	hi := uint8(0xFF)
	lo := uint8(0xFF)
	for _, b := range data {
		idx := lo ^ b
		lo = hi ^ crcHiTable[idx]
		hi = crcLoTable[idx]
	}
	return uint16(hi)<<8 | uint16(lo)
}

// buildFrame assembles token + a zero byte + little-endian length +
// payload + CRC16,
// the teacher's packet shape generalized to an arbitrary token/payload.
func buildFrame(token byte, payload []byte) []byte {
	frame := make([]byte, 4+len(payload)+2)
	frame[0] = token
	frame[1] = 0x00
	binary.LittleEndian.PutUint16(frame[2:4], uint16(len(payload)))
	copy(frame[4:], payload)
	crc := crc16(frame[:4+len(payload)])
	binary.LittleEndian.PutUint16(frame[4+len(payload):], crc)
	return frame
}

const (
	usbReadTimeout  = 2 * time.Second
	usbWriteTimeout = 2 * time.Second
)

// USBBus is a Bus backed by a real accelerator chain attached over USB,
// grounded on the teacher's direct-USB ASIC access (bypassing any kernel
// module) via gousb.
type USBBus struct {
	ctx    *gousb.Context
	device *gousb.Device
	config *gousb.Config
	intf   *gousb.Interface
	epOut  *gousb.OutEndpoint
	epIn   *gousb.InEndpoint

	sharedOpen bool
	daisyOpen  bool
}

// OpenUSBBus opens the accelerator chain identified by vid/pid.
func OpenUSBBus(vid, pid gousb.ID) (*USBBus, error) {
	ctx := gousb.NewContext()

	device, err := ctx.OpenDeviceWithVIDPID(vid, pid)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("bus: open USB device: %w", err)
	}
	if device == nil {
		ctx.Close()
		return nil, fmt.Errorf("bus: USB device not found (VID:0x%04x PID:0x%04x)", vid, pid)
	}

	config, err := device.Config(1)
	if err != nil {
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("bus: set USB config: %w", err)
	}

	intf, err := config.Interface(0, 0)
	if err != nil {
		config.Close()
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("bus: claim USB interface: %w", err)
	}

	epOut, err := intf.OutEndpoint(1)
	if err != nil {
		intf.Close()
		config.Close()
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("bus: open OUT endpoint: %w", err)
	}

	epIn, err := intf.InEndpoint(1)
	if err != nil {
		intf.Close()
		config.Close()
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("bus: open IN endpoint: %w", err)
	}

	log.Printf("bus: opened accelerator chain over USB (VID:0x%04x PID:0x%04x)", vid, pid)
	return &USBBus{ctx: ctx, device: device, config: config, intf: intf, epOut: epOut, epIn: epIn}, nil
}

// Close releases the USB resources, in reverse acquisition order.
func (u *USBBus) Close() error {
	if u.intf != nil {
		u.intf.Close()
	}
	if u.config != nil {
		u.config.Close()
	}
	if u.device != nil {
		u.device.Close()
	}
	if u.ctx != nil {
		u.ctx.Close()
	}
	return nil
}

func (u *USBBus) send(frame []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), usbWriteTimeout)
	defer cancel()
	_, err := u.epOut.WriteContext(ctx, frame)
	if err != nil {
		return fmt.Errorf("bus: USB write: %w", err)
	}
	return nil
}

func (u *USBBus) recv(n int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), usbReadTimeout)
	defer cancel()
	buf := make([]byte, n)
	read, err := u.epIn.ReadContext(ctx, buf)
	if err != nil {
		return nil, fmt.Errorf("bus: USB read: %w", err)
	}
	return buf[:read], nil
}

func (u *USBBus) AssertReset() error {
	return u.send(buildFrame(tokenResetAssert, nil))
}

func (u *USBBus) DeassertReset() error {
	return u.send(buildFrame(tokenResetDeassert, nil))
}

func (u *USBBus) SPIAssertShared() error {
	if u.sharedOpen {
		return fmt.Errorf("bus: shared already asserted")
	}
	u.sharedOpen = true
	return nil
}

func (u *USBBus) SPIWriteShared(data []byte) error {
	if !u.sharedOpen {
		return fmt.Errorf("bus: shared write without assert")
	}
	return u.send(buildFrame(tokenSharedWrite, data))
}

func (u *USBBus) SPIDeassertShared() error {
	if !u.sharedOpen {
		return fmt.Errorf("bus: shared deassert without assert")
	}
	u.sharedOpen = false
	return nil
}

func (u *USBBus) SPIAssertDaisy() error {
	if u.daisyOpen {
		return fmt.Errorf("bus: daisy already asserted")
	}
	u.daisyOpen = true
	return nil
}

func (u *USBBus) SPIWriteDaisy(data []byte) error {
	if !u.daisyOpen {
		return fmt.Errorf("bus: daisy write without assert")
	}
	return u.send(buildFrame(tokenDaisyWrite, data))
}

func (u *USBBus) SPIReadDaisy(n int) ([]byte, error) {
	if !u.daisyOpen {
		return nil, fmt.Errorf("bus: daisy read without assert")
	}
	if err := u.send(buildFrame(tokenDaisyRead, binary.LittleEndian.AppendUint16(nil, uint16(n)))); err != nil {
		return nil, err
	}
	return u.recv(n)
}

func (u *USBBus) SPIDeassertDaisy() error {
	if !u.daisyOpen {
		return fmt.Errorf("bus: daisy deassert without assert")
	}
	u.daisyOpen = false
	return nil
}

func (u *USBBus) PollReady() (bool, error) {
	if err := u.send(buildFrame(tokenPoll, nil)); err != nil {
		return false, err
	}
	resp, err := u.recv(1)
	if err != nil {
		return false, err
	}
	return len(resp) > 0 && resp[0] != 0, nil
}
