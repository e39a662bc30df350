package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nexus-edge/rackmon/internal/domain"
	"github.com/nexus-edge/rackmon/internal/metrics"
	"github.com/nexus-edge/rackmon/pkg/logging"
	"github.com/rs/zerolog"
)

// ModbusDevice polls one device on the bus according to its register map and
// keeps its health record. Projections may be taken concurrently with a
// monitor cycle; they wait for the cycle to finish.
type ModbusDevice struct {
	transport Transport
	regmap    *domain.RegisterMap
	config    DeviceConfig
	logger    zerolog.Logger
	metrics   *metrics.Registry

	mu       sync.RWMutex // guards info, stores and handlers
	info     domain.ModbusDeviceInfo
	stores   []*domain.RegisterStore
	handlers []*SpecialHandler

	stats          deviceCounters
	regDiagnostics sync.Map // map[uint16]*RegisterDiagnostic
}

// NewModbusDevice creates a device at addr bound to regmap.
func NewModbusDevice(
	transport Transport,
	addr uint8,
	regmap *domain.RegisterMap,
	config DeviceConfig,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) (*ModbusDevice, error) {
	if transport == nil {
		return nil, fmt.Errorf("modbus transport is required")
	}
	if regmap == nil {
		return nil, fmt.Errorf("%w: 0x%02x", domain.ErrRegisterMapNotFound, addr)
	}
	if addr == 0 {
		return nil, domain.ErrInvalidSlaveID
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.ShellTimeout == 0 {
		config.ShellTimeout = 5 * time.Second
	}

	baudrate := config.Baudrate
	if baudrate == 0 {
		baudrate = regmap.DefaultBaudrate
	}
	info := domain.NewModbusDeviceInfo(addr, baudrate)
	info.DeviceType = regmap.Name

	d := &ModbusDevice{
		transport: transport,
		regmap:    regmap,
		config:    config,
		info:      info,
		metrics:   metricsReg,
		logger:    logging.WithDeviceContext(logger, addr, regmap.Name),
	}

	d.stores = make([]*domain.RegisterStore, 0, len(regmap.Registers))
	for i := range regmap.Registers {
		d.stores = append(d.stores, domain.NewRegisterStore(&regmap.Registers[i]))
	}
	d.handlers = make([]*SpecialHandler, 0, len(regmap.SpecialHandlers))
	for _, sh := range regmap.SpecialHandlers {
		d.handlers = append(d.handlers, NewSpecialHandler(sh, config.ShellTimeout))
	}

	return d, nil
}

// Address returns the device's bus address.
func (d *ModbusDevice) Address() uint8 {
	return d.info.DeviceAddress
}

// RegisterMap returns the register map the device is bound to.
func (d *ModbusDevice) RegisterMap() *domain.RegisterMap {
	return d.regmap
}

func (d *ModbusDevice) now() time.Time {
	return d.config.Clock()
}

// Command sends req and decodes the reply into resp. Every failure is
// classified and counted in the device's health record before it is returned.
func (d *ModbusDevice) Command(ctx context.Context, req Request, resp Response, timeout, settle time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.command(ctx, req, resp, timeout, settle)
}

// command requires d.mu held for writing.
func (d *ModbusDevice) command(ctx context.Context, req Request, resp Response, timeout, settle time.Duration) error {
	pdu, err := req.Encode()
	if err != nil {
		return err
	}

	out, err := d.transport.Exchange(ctx, d.info.DeviceAddress, pdu, timeout, settle)
	if err == nil {
		err = resp.Decode(out)
	}
	if echo, ok := resp.(echoResponse); ok && err == nil {
		err = echo.CheckEcho(req)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		d.recordFailure(err)
		return err
	}

	d.info.LastActive = d.now()
	return nil
}

// recordFailure requires d.mu held for writing.
func (d *ModbusDevice) recordFailure(err error) {
	var errorType string
	switch {
	case errors.Is(err, domain.ErrCRC):
		d.info.IncCRCErrors()
		errorType = "crc"
	case errors.Is(err, domain.ErrTimeout):
		d.info.IncTimeouts()
		errorType = "timeout"
	default:
		d.info.IncMiscErrors()
		errorType = "misc"
	}
	d.stats.ErrorCount.Add(1)

	if d.metrics != nil {
		d.metrics.RecordDeviceError(d.info.DeviceAddress, errorType)
	}

	d.logger.Debug().
		Err(err).
		Str("error_type", errorType).
		Uint32("consecutive_failures", d.info.NumConsecutiveFailures).
		Msg("Modbus exchange failed")
}

// ReadHoldingRegisters reads count registers starting at addr.
func (d *ModbusDevice) ReadHoldingRegisters(ctx context.Context, addr, count uint16) ([]uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readHoldingRegisters(ctx, addr, count)
}

func (d *ModbusDevice) readHoldingRegisters(ctx context.Context, addr, count uint16) ([]uint16, error) {
	start := time.Now()
	resp := ReadHoldingRegistersResponse{Count: count}
	req := ReadHoldingRegistersRequest{Address: addr, Count: count}
	if err := d.command(ctx, req, &resp, d.config.CommandTimeout, d.config.SettleTime); err != nil {
		return nil, err
	}
	d.stats.ReadCount.Add(1)
	d.stats.TotalReadTime.Add(time.Since(start).Nanoseconds())
	return resp.Values, nil
}

// WriteSingleRegister writes value to addr. A reply that does not echo the
// write counts as a failed exchange.
func (d *ModbusDevice) WriteSingleRegister(ctx context.Context, addr, value uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	var resp WriteSingleRegisterResponse
	req := WriteSingleRegisterRequest{Address: addr, Value: value}
	if err := d.command(ctx, req, &resp, d.config.CommandTimeout, d.config.SettleTime); err != nil {
		return fmt.Errorf("write register 0x%04x: %w", addr, err)
	}
	d.stats.WriteCount.Add(1)
	d.stats.TotalWriteTime.Add(time.Since(start).Nanoseconds())
	return nil
}

// WriteMultipleRegisters writes values starting at addr.
func (d *ModbusDevice) WriteMultipleRegisters(ctx context.Context, addr uint16, values []uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeMultipleRegisters(ctx, addr, values)
}

func (d *ModbusDevice) writeMultipleRegisters(ctx context.Context, addr uint16, values []uint16) error {
	start := time.Now()
	var resp WriteMultipleRegistersResponse
	req := WriteMultipleRegistersRequest{Address: addr, Values: values}
	if err := d.command(ctx, req, &resp, d.config.CommandTimeout, d.config.SettleTime); err != nil {
		return fmt.Errorf("write registers 0x%04x: %w", addr, err)
	}
	d.stats.WriteCount.Add(1)
	d.stats.TotalWriteTime.Add(time.Since(start).Nanoseconds())
	return nil
}

// ReadFileRecord reads the given file records. The Data slice of each record
// selects how many registers are read and is replaced with the data read.
func (d *ModbusDevice) ReadFileRecord(ctx context.Context, records []FileRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	resp := ReadFileRecordResponse{Records: records}
	req := ReadFileRecordRequest{Records: records}
	if err := d.command(ctx, req, &resp, d.config.CommandTimeout, d.config.SettleTime); err != nil {
		return fmt.Errorf("read file record: %w", err)
	}
	d.stats.ReadCount.Add(1)
	return nil
}

// heldWriter writes through a device whose lock is already held by the caller.
type heldWriter struct {
	d *ModbusDevice
}

func (w heldWriter) WriteMultipleRegisters(ctx context.Context, addr uint16, values []uint16) error {
	return w.d.writeMultipleRegisters(ctx, addr, values)
}

// Monitor runs one poll cycle: every register block is read and stored in
// schema order, then due special handlers fire. A failed block does not stop
// the cycle. The device lock is held for the whole cycle.
func (d *ModbusDevice) Monitor(ctx context.Context) MonitorResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	var res MonitorResult

	for _, s := range d.stores {
		if ctx.Err() != nil {
			break
		}

		values, err := d.readHoldingRegisters(ctx, s.RegAddr(), s.Length())
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			res.Failures++
			d.recordRegisterError(s.RegAddr(), err)
			continue
		}
		res.Reads++

		if err := s.Update(values, d.now()); err != nil {
			res.DecodeErrors++
			d.recordRegisterError(s.RegAddr(), err)
			d.logger.Warn().Err(err).Msg("Failed to decode register value")
			continue
		}
		d.recordRegisterSuccess(s.RegAddr())
	}

	now := d.now()
	writer := heldWriter{d: d}
	for _, h := range d.handlers {
		if ctx.Err() != nil {
			break
		}
		if !h.IsReady(now) {
			continue
		}
		res.HandlersFired++
		err := h.Fire(ctx, writer, now)
		if d.metrics != nil {
			d.metrics.RecordSpecialHandler(d.info.DeviceAddress, err == nil)
		}
		if err != nil {
			res.HandlerErrors++
			d.logger.Warn().Err(err).Uint16("reg", h.Info().Reg).Msg("Special handler failed")
			continue
		}
		d.logger.Debug().Uint16("reg", h.Info().Reg).Msg("Special handler fired")
	}

	res.Duration = time.Since(start)
	return res
}

// SetActive clears the consecutive failure run and returns the device to active polling.
func (d *ModbusDevice) SetActive() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info.NumConsecutiveFailures = 0
	d.info.Mode = domain.DeviceModeActive
}

// SetDormant stops regular polling of the device.
func (d *ModbusDevice) SetDormant() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info.Mode = domain.DeviceModeDormant
}

// IsActive reports whether the device is in active mode.
func (d *ModbusDevice) IsActive() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.info.Mode == domain.DeviceModeActive
}

// LastActive returns the time of the last successful exchange.
func (d *ModbusDevice) LastActive() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.info.LastActive
}

// ConsecutiveFailures returns the current failure run length.
func (d *ModbusDevice) ConsecutiveFailures() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.info.NumConsecutiveFailures
}

// ExceedsFailureThreshold reports whether the failure run has reached max.
// A zero max uses domain.MaxConsecutiveFailures.
func (d *ModbusDevice) ExceedsFailureThreshold(max uint32) bool {
	if max == 0 {
		max = domain.MaxConsecutiveFailures
	}
	return d.ConsecutiveFailures() >= max
}

// Info returns a snapshot of the device health record.
func (d *ModbusDevice) Info() domain.ModbusDeviceInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.info
}

// RawData returns the health record and every register's readings as hex.
func (d *ModbusDevice) RawData() domain.DeviceRawData {
	d.mu.RLock()
	defer d.mu.RUnlock()

	data := domain.DeviceRawData{
		ModbusDeviceInfo: d.info,
		Registers:        make([]domain.RegisterRawData, 0, len(d.stores)),
	}
	for _, s := range d.stores {
		data.Registers = append(data.Registers, s.RawData())
	}
	return data
}

// ValueData returns the health record and every register's decoded readings.
func (d *ModbusDevice) ValueData() domain.DeviceValueData {
	d.mu.RLock()
	defer d.mu.RUnlock()

	data := domain.DeviceValueData{
		ModbusDeviceInfo: d.info,
		Registers:        make([]domain.RegisterValueData, 0, len(d.stores)),
	}
	for _, s := range d.stores {
		data.Registers = append(data.Registers, s.ValueData())
	}
	return data
}

// FmtData returns the health record and every register rendered for display.
//
// Deprecated: use ValueData for structured readings.
func (d *ModbusDevice) FmtData() domain.DeviceFmtData {
	d.mu.RLock()
	defer d.mu.RUnlock()

	data := domain.DeviceFmtData{
		ModbusDeviceInfo: d.info,
		Registers:        make([]string, 0, len(d.stores)),
	}
	for _, s := range d.stores {
		data.Registers = append(data.Registers, s.String())
	}
	return data
}
