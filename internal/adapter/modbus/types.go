// Package modbus provides Modbus RTU device monitoring: the PDU codec, the
// per-device register poller with its health record, scheduled special
// writes, and the serial bus transport.
package modbus

import (
	"context"
	"sync/atomic"
	"time"
)

// Transport exchanges one request PDU with the device at addr on the bus and
// returns the response PDU. Framing, addressing and CRC are owned by the
// transport. Failures wrap domain.ErrCRC, domain.ErrTimeout or anything else.
// A zero timeout selects the transport default; settle is the quiet time the
// bus needs after the exchange.
type Transport interface {
	Exchange(ctx context.Context, addr uint8, pdu []byte, timeout, settle time.Duration) ([]byte, error)
}

// RegisterWriter is the capability special handlers need from a device.
type RegisterWriter interface {
	WriteMultipleRegisters(ctx context.Context, addr uint16, values []uint16) error
}

// DeviceConfig holds per-device exchange settings.
type DeviceConfig struct {
	// CommandTimeout is passed to the transport for every exchange (0 = transport default)
	CommandTimeout time.Duration

	// SettleTime is the quiet time requested after each exchange
	SettleTime time.Duration

	// Baudrate is the rate the serial line runs at (0 = the register map's default_baudrate)
	Baudrate uint32

	// ShellTimeout bounds special handler shell commands
	ShellTimeout time.Duration

	// Clock returns the current time; defaults to time.Now
	Clock func() time.Time
}

// MonitorResult summarises one monitor cycle.
type MonitorResult struct {
	// Reads is the number of register blocks read successfully
	Reads int

	// Failures is the number of register blocks whose exchange failed
	Failures int

	// DecodeErrors is the number of blocks read but not decodable
	DecodeErrors int

	// HandlersFired and HandlerErrors count special handler writes
	HandlersFired int
	HandlerErrors int

	// Duration is the wall time of the cycle
	Duration time.Duration
}

// DeviceStats tracks exchange performance for one device.
type DeviceStats struct {
	Address        uint8   `json:"address"`
	ReadCount      uint64  `json:"readCount"`
	WriteCount     uint64  `json:"writeCount"`
	ErrorCount     uint64  `json:"errorCount"`
	AvgReadTimeMs  float64 `json:"avgReadTimeMs"`
	AvgWriteTimeMs float64 `json:"avgWriteTimeMs"`
}

// deviceCounters are the atomic counters behind DeviceStats.
type deviceCounters struct {
	ReadCount      atomic.Uint64
	WriteCount     atomic.Uint64
	ErrorCount     atomic.Uint64
	TotalReadTime  atomic.Int64 // nanoseconds
	TotalWriteTime atomic.Int64 // nanoseconds
}

// RegisterDiagnostic tracks per-register read outcomes.
type RegisterDiagnostic struct {
	RegAddress      uint16
	ReadCount       atomic.Uint64
	ErrorCount      atomic.Uint64
	LastError       atomic.Value // stores errorValue; read with Err
	LastErrorTime   atomic.Value // stores time.Time
	LastSuccessTime atomic.Value // stores time.Time
}

// NewRegisterDiagnostic creates a new register diagnostic tracker.
func NewRegisterDiagnostic(addr uint16) *RegisterDiagnostic {
	return &RegisterDiagnostic{RegAddress: addr}
}
