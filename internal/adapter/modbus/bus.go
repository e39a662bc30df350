package modbus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/goburrow/serial"
	"github.com/nexus-edge/rackmon/internal/domain"
	"github.com/nexus-edge/rackmon/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// BusConfig holds serial line settings for a Bus.
type BusConfig struct {
	// Device is the serial device path (e.g. /dev/ttyUSB0)
	Device string

	BaudRate int
	DataBits int
	Parity   string
	StopBits int

	// Timeout is the default response timeout
	Timeout time.Duration

	// IdleTimeout closes the port after this long without traffic
	IdleTimeout time.Duration

	// Trace logs every frame on the wire
	Trace bool

	// Circuit breaker settings for the port itself
	BreakerMaxRequests      uint32
	BreakerInterval         time.Duration
	BreakerTimeout          time.Duration
	BreakerFailureThreshold uint32
}

// rtuHandler frames, sends and unframes RTU requests.
type rtuHandler interface {
	Encode(pdu *modbus.ProtocolDataUnit) ([]byte, error)
	Verify(aduRequest, aduResponse []byte) error
	Decode(adu []byte) (*modbus.ProtocolDataUnit, error)
	Send(aduRequest []byte) ([]byte, error)
	Connect() error
	Close() error
	SetSlave(id byte)
	SetTimeout(d time.Duration)
}

// Bus is the Transport for one RS-485 line. Exchanges are serialized; only one
// request may be on the wire at a time.
type Bus struct {
	config  BusConfig
	handler rtuHandler
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
	metrics *metrics.Registry

	mu        sync.Mutex
	timeout   time.Duration
	connected bool
}

// NewBus creates a bus on the configured serial device. The port is opened
// lazily on the first exchange.
func NewBus(config BusConfig, logger zerolog.Logger, metricsReg *metrics.Registry) (*Bus, error) {
	if config.Device == "" {
		return nil, fmt.Errorf("%w: serial device is required", domain.ErrInvalidConfig)
	}

	t := newRTUTransport(serial.Config{
		Address:  config.Device,
		BaudRate: config.BaudRate,
		DataBits: config.DataBits,
		Parity:   config.Parity,
		StopBits: config.StopBits,
	}, config.IdleTimeout, openSerial)

	b := newBus(config, t, logger, metricsReg)
	if config.Trace {
		t.logger = log.New(b.logger.With().Str("component", "rtu").Logger(), "", 0)
	}
	return b, nil
}

func newBus(config BusConfig, handler rtuHandler, logger zerolog.Logger, metricsReg *metrics.Registry) *Bus {
	if config.Timeout == 0 {
		config.Timeout = defaultResponseTimeout
	}
	if config.BreakerMaxRequests == 0 {
		config.BreakerMaxRequests = 1
	}
	if config.BreakerTimeout == 0 {
		config.BreakerTimeout = 30 * time.Second
	}
	if config.BreakerFailureThreshold == 0 {
		config.BreakerFailureThreshold = 5
	}

	b := &Bus{
		config:  config,
		handler: handler,
		logger:  logger.With().Str("serial_device", config.Device).Logger(),
		metrics: metricsReg,
	}
	handler.SetTimeout(config.Timeout)
	b.timeout = config.Timeout
	b.breaker = b.createCircuitBreaker()
	return b
}

// createCircuitBreaker trips on port level failures only. Devices that time
// out or answer with bad frames are accounted per device, not per port.
func (b *Bus) createCircuitBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("rtu-%s", b.config.Device),
		MaxRequests: b.config.BreakerMaxRequests,
		Interval:    b.config.BreakerInterval,
		Timeout:     b.config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= b.config.BreakerFailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrTimeout) || errors.Is(err, domain.ErrCRC)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			b.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Serial port circuit breaker state changed")
			if b.metrics != nil {
				b.metrics.SetBreakerOpen(to == gobreaker.StateOpen)
			}
		},
	})
}

// Exchange implements Transport.
func (b *Bus) Exchange(ctx context.Context, addr uint8, pdu []byte, timeout, settle time.Duration) ([]byte, error) {
	if len(pdu) == 0 {
		return nil, fmt.Errorf("%w: empty request", domain.ErrInvalidDataLength)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	result, err := b.breaker.Execute(func() (interface{}, error) {
		return b.exchange(addr, pdu, timeout)
	})

	if settle > 0 {
		b.settle(ctx, settle)
	}

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s", domain.ErrCircuitBreakerOpen, b.config.Device)
		}
		return nil, err
	}
	return result.([]byte), nil
}

// exchange requires b.mu held.
func (b *Bus) exchange(addr uint8, pdu []byte, timeout time.Duration) ([]byte, error) {
	if timeout == 0 {
		timeout = b.config.Timeout
	}
	if timeout != b.timeout {
		b.handler.SetTimeout(timeout)
		b.timeout = timeout
	}

	if !b.connected {
		err := b.handler.Connect()
		if b.metrics != nil {
			b.metrics.RecordPortOpen(err == nil)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", domain.ErrExchangeFailed, b.config.Device, err)
		}
		b.connected = true
		b.logger.Debug().Msg("Serial port opened")
	}

	b.handler.SetSlave(addr)

	start := time.Now()
	resp, err := b.roundTrip(pdu)
	if b.metrics != nil {
		b.metrics.RecordExchange(exchangeResult(err), time.Since(start).Seconds())
	}
	return resp, err
}

func (b *Bus) roundTrip(pdu []byte) ([]byte, error) {
	req, err := b.handler.Encode(&modbus.ProtocolDataUnit{FunctionCode: pdu[0], Data: pdu[1:]})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidDataLength, err)
	}

	adu, err := b.handler.Send(req)
	if err != nil {
		return nil, classifyError(err)
	}
	if err := b.handler.Verify(req, adu); err != nil {
		return nil, classifyError(err)
	}
	resp, err := b.handler.Decode(adu)
	if err != nil {
		return nil, classifyError(err)
	}

	out := make([]byte, 0, 1+len(resp.Data))
	out = append(out, resp.FunctionCode)
	return append(out, resp.Data...), nil
}

func (b *Bus) settle(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
	if b.metrics != nil {
		b.metrics.RecordSettle(d.Seconds())
	}
}

// classifyError maps library errors onto the exchange error taxonomy.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "crc"):
		return fmt.Errorf("%w: %v", domain.ErrCRC, err)
	case errors.Is(err, os.ErrDeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout(),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"):
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", domain.ErrExchangeFailed, err)
	}
}

func exchangeResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrCRC):
		return "crc"
	case errors.Is(err, domain.ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}

// BreakerState returns the port circuit breaker state.
func (b *Bus) BreakerState() string {
	return b.breaker.State().String()
}

// HealthCheck reports whether the serial port is usable.
func (b *Bus) HealthCheck(ctx context.Context) error {
	if b.breaker.State() == gobreaker.StateOpen {
		return fmt.Errorf("%w: %s", domain.ErrCircuitBreakerOpen, b.config.Device)
	}
	return nil
}

// Close closes the serial port.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return nil
	}
	b.connected = false
	return b.handler.Close()
}
