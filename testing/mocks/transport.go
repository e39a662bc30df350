// Package mocks provides mock implementations for testing.
package mocks

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/nexus-edge/rackmon/internal/domain"
)

// MockTransport is an in-memory RS-485 bus. Devices added with AddDevice
// answer read, write and file record requests from their register bank;
// every other address times out.
type MockTransport struct {
	mu sync.Mutex

	// ExchangeFunc overrides the simulated bus entirely
	ExchangeFunc func(ctx context.Context, addr uint8, pdu []byte) ([]byte, error)

	// Errors forces the next exchanges with an address to fail, in order
	Errors map[uint8][]error

	devices map[uint8]*SimDevice

	// Call tracking
	ExchangeCalls int
	Requests      []Request
}

// Request records one exchange seen by the mock.
type Request struct {
	Addr    uint8
	PDU     []byte
	Timeout time.Duration
	Settle  time.Duration
}

// SimDevice is a simulated device register bank.
type SimDevice struct {
	Registers map[uint16]uint16
	Files     map[uint16][]uint16 // file number -> registers, record number is the offset
}

// NewMockTransport creates a bus with no devices.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		Errors:  make(map[uint8][]error),
		devices: make(map[uint8]*SimDevice),
	}
}

// AddDevice attaches a device at addr and returns its register bank.
func (m *MockTransport) AddDevice(addr uint8) *SimDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev := &SimDevice{
		Registers: make(map[uint16]uint16),
		Files:     make(map[uint16][]uint16),
	}
	m.devices[addr] = dev
	return dev
}

// RemoveDevice detaches the device at addr.
func (m *MockTransport) RemoveDevice(addr uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, addr)
}

// SetRegisters stores values starting at reg on the device at addr.
func (m *MockTransport) SetRegisters(addr uint8, reg uint16, values ...uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[addr]
	if !ok {
		return
	}
	for i, v := range values {
		dev.Registers[reg+uint16(i)] = v
	}
}

// Register returns the value of reg on the device at addr.
func (m *MockTransport) Register(addr uint8, reg uint16) uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dev, ok := m.devices[addr]; ok {
		return dev.Registers[reg]
	}
	return 0
}

// FailNext queues errors for the next exchanges with addr.
func (m *MockTransport) FailNext(addr uint8, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors[addr] = append(m.Errors[addr], errs...)
}

// Exchange implements the modbus Transport interface.
func (m *MockTransport) Exchange(ctx context.Context, addr uint8, pdu []byte, timeout, settle time.Duration) ([]byte, error) {
	m.mu.Lock()
	m.ExchangeCalls++
	m.Requests = append(m.Requests, Request{
		Addr:    addr,
		PDU:     append([]byte(nil), pdu...),
		Timeout: timeout,
		Settle:  settle,
	})
	fn := m.ExchangeFunc
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(ctx, addr, pdu)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if queued := m.Errors[addr]; len(queued) > 0 {
		m.Errors[addr] = queued[1:]
		return nil, queued[0]
	}

	dev, ok := m.devices[addr]
	if !ok {
		return nil, domain.ErrTimeout
	}
	return dev.handle(pdu), nil
}

// Calls returns the number of exchanges with addr.
func (m *MockTransport) Calls(addr uint8) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.Requests {
		if r.Addr == addr {
			n++
		}
	}
	return n
}

// Reset clears call tracking and queued errors.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ExchangeCalls = 0
	m.Requests = nil
	m.Errors = make(map[uint8][]error)
}

// AssertExchangeCalled checks that Exchange was called the expected number of times.
func (m *MockTransport) AssertExchangeCalled(t interface{ Errorf(string, ...interface{}) }, expected int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ExchangeCalls != expected {
		t.Errorf("expected %d Exchange calls, got %d", expected, m.ExchangeCalls)
	}
}

func exception(fc, code byte) []byte {
	return []byte{fc | 0x80, code}
}

func (d *SimDevice) handle(pdu []byte) []byte {
	if len(pdu) == 0 {
		return exception(0, 0x01)
	}
	fc := pdu[0]
	switch fc {
	case 0x03:
		if len(pdu) != 5 {
			return exception(fc, 0x03)
		}
		reg := binary.BigEndian.Uint16(pdu[1:])
		count := binary.BigEndian.Uint16(pdu[3:])
		resp := []byte{fc, byte(2 * count)}
		for i := uint16(0); i < count; i++ {
			v, ok := d.Registers[reg+i]
			if !ok {
				return exception(fc, 0x02)
			}
			resp = binary.BigEndian.AppendUint16(resp, v)
		}
		return resp

	case 0x06:
		if len(pdu) != 5 {
			return exception(fc, 0x03)
		}
		reg := binary.BigEndian.Uint16(pdu[1:])
		d.Registers[reg] = binary.BigEndian.Uint16(pdu[3:])
		return append([]byte(nil), pdu...)

	case 0x10:
		if len(pdu) < 6 {
			return exception(fc, 0x03)
		}
		reg := binary.BigEndian.Uint16(pdu[1:])
		count := binary.BigEndian.Uint16(pdu[3:])
		if len(pdu) != 6+2*int(count) {
			return exception(fc, 0x03)
		}
		for i := uint16(0); i < count; i++ {
			d.Registers[reg+i] = binary.BigEndian.Uint16(pdu[6+2*i:])
		}
		return append([]byte{fc}, pdu[1:5]...)

	case 0x14:
		if len(pdu) < 2 || len(pdu) != 2+int(pdu[1]) || pdu[1]%7 != 0 {
			return exception(fc, 0x03)
		}
		body := []byte{}
		for sub := pdu[2:]; len(sub) >= 7; sub = sub[7:] {
			file := binary.BigEndian.Uint16(sub[1:])
			rec := binary.BigEndian.Uint16(sub[3:])
			n := binary.BigEndian.Uint16(sub[5:])
			data, ok := d.Files[file]
			if !ok || int(rec)+int(n) > len(data) {
				return exception(fc, 0x02)
			}
			body = append(body, byte(1+2*n), 0x06)
			for _, v := range data[rec : rec+n] {
				body = binary.BigEndian.AppendUint16(body, v)
			}
		}
		return append([]byte{fc, byte(len(body))}, body...)

	default:
		return exception(fc, 0x01)
	}
}
