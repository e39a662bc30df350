package modbus

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/goburrow/serial"
)

const (
	rtuMinSize       = 4
	rtuMaxSize       = 256
	rtuExceptionSize = 5

	defaultResponseTimeout = 300 * time.Millisecond

	// readSlice is the serial read timeout. Response deadlines are enforced
	// across slices, so they can change per request with the port left open.
	readSlice = 20 * time.Millisecond
)

type openFunc func(c *serial.Config) (io.ReadWriteCloser, error)

func openSerial(c *serial.Config) (io.ReadWriteCloser, error) {
	return serial.Open(c)
}

// rtuTransport frames requests with the goburrow RTU packager and reads
// replies from the port until the frame is complete. goburrow's own
// transporter only knows the reply length of the standard function codes
// and cuts variable length replies such as read file record short.
type rtuTransport struct {
	packager    *modbus.RTUClientHandler
	config      serial.Config
	idleTimeout time.Duration
	open        openFunc
	logger      *log.Logger

	mu           sync.Mutex
	port         io.ReadWriteCloser
	timeout      time.Duration
	lastActivity time.Time
	closeTimer   *time.Timer
}

func newRTUTransport(config serial.Config, idleTimeout time.Duration, open openFunc) *rtuTransport {
	config.Timeout = readSlice
	return &rtuTransport{
		packager:    modbus.NewRTUClientHandler(config.Address),
		config:      config,
		idleTimeout: idleTimeout,
		open:        open,
		timeout:     defaultResponseTimeout,
	}
}

func (t *rtuTransport) Encode(pdu *modbus.ProtocolDataUnit) ([]byte, error) {
	return t.packager.Encode(pdu)
}

func (t *rtuTransport) Verify(aduRequest, aduResponse []byte) error {
	return t.packager.Verify(aduRequest, aduResponse)
}

func (t *rtuTransport) Decode(adu []byte) (*modbus.ProtocolDataUnit, error) {
	return t.packager.Decode(adu)
}

func (t *rtuTransport) SetSlave(id byte) {
	t.packager.SlaveId = id
}

// SetTimeout sets the response deadline for following requests. The port is
// not reopened.
func (t *rtuTransport) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = defaultResponseTimeout
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = d
}

// Connect opens the serial port if it is not open.
func (t *rtuTransport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connect()
}

func (t *rtuTransport) connect() error {
	if t.port != nil {
		return nil
	}
	port, err := t.open(&t.config)
	if err != nil {
		return err
	}
	t.port = port
	return nil
}

// Close closes the serial port.
func (t *rtuTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.close()
}

func (t *rtuTransport) close() error {
	if t.closeTimer != nil {
		t.closeTimer.Stop()
		t.closeTimer = nil
	}
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

// Send writes aduRequest and returns the complete response frame.
func (t *rtuTransport) Send(aduRequest []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.connect(); err != nil {
		return nil, err
	}
	t.lastActivity = time.Now()
	t.startCloseTimer()

	t.logf("modbus: sending % x", aduRequest)
	if _, err := t.port.Write(aduRequest); err != nil {
		return nil, err
	}

	adu, err := t.readFrame(time.Now().Add(t.timeout))
	if err != nil {
		return nil, err
	}
	t.logf("modbus: received % x", adu)
	return adu, nil
}

// readFrame reads until the length announced by the response header is in.
// For function codes without a known layout, a quiet slice ends the frame.
func (t *rtuTransport) readFrame(deadline time.Time) ([]byte, error) {
	var buf [rtuMaxSize]byte
	n := 0
	for {
		want := responseLength(buf[:n])
		if want > rtuMaxSize {
			return nil, fmt.Errorf("modbus: response length '%v' exceeds maximum '%v'", want, rtuMaxSize)
		}
		if want > 0 && n >= want {
			return append([]byte(nil), buf[:want]...), nil
		}
		if !time.Now().Before(deadline) {
			if n == 0 {
				return nil, serial.ErrTimeout
			}
			return nil, fmt.Errorf("%w: incomplete response after %d bytes", serial.ErrTimeout, n)
		}

		m, err := t.port.Read(buf[n:])
		n += m
		if err != nil && !errors.Is(err, serial.ErrTimeout) {
			return nil, err
		}
		if m == 0 && want < 0 && n >= rtuMinSize {
			return append([]byte(nil), buf[:n]...), nil
		}
	}
}

// responseLength returns the full length of the response frame starting with
// adu, 0 if more header bytes are needed, or -1 for an unknown function code.
func responseLength(adu []byte) int {
	if len(adu) < 2 {
		return 0
	}
	fc := adu[1]
	if fc&0x80 != 0 {
		return rtuExceptionSize
	}
	switch fc {
	case modbus.FuncCodeReadCoils,
		modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters,
		modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeReadWriteMultipleRegisters,
		FuncReadFileRecord:
		if len(adu) < 3 {
			return 0
		}
		// address, function, byte count, data, crc
		return 3 + int(adu[2]) + 2
	case modbus.FuncCodeWriteSingleCoil,
		modbus.FuncCodeWriteMultipleCoils,
		modbus.FuncCodeWriteSingleRegister,
		modbus.FuncCodeWriteMultipleRegisters:
		return 8
	case modbus.FuncCodeMaskWriteRegister:
		return 10
	}
	return -1
}

func (t *rtuTransport) startCloseTimer() {
	if t.idleTimeout <= 0 {
		return
	}
	if t.closeTimer == nil {
		t.closeTimer = time.AfterFunc(t.idleTimeout, t.closeIdle)
	} else {
		t.closeTimer.Reset(t.idleTimeout)
	}
}

func (t *rtuTransport) closeIdle() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return
	}
	if idle := time.Since(t.lastActivity); idle >= t.idleTimeout {
		t.logf("modbus: closing connection due to idle timeout: %v", idle)
		_ = t.port.Close()
		t.port = nil
	}
}

func (t *rtuTransport) logf(format string, v ...interface{}) {
	if t.logger != nil {
		t.logger.Printf(format, v...)
	}
}
