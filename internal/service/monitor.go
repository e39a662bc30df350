// Package service provides the monitor service that discovers devices on the
// bus, polls them according to their register maps and publishes the results.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/rackmon/internal/adapter/modbus"
	"github.com/nexus-edge/rackmon/internal/domain"
	"github.com/nexus-edge/rackmon/internal/metrics"
	"github.com/rs/zerolog"
)

// Publisher receives the value projection of a device after each poll.
type Publisher interface {
	Publish(ctx context.Context, data domain.DeviceValueData) error
}

// MonitorConfig holds configuration for the monitor service.
type MonitorConfig struct {
	// Interval is the poll cadence for active devices
	Interval time.Duration

	// ScanInterval is the cadence of discovery scans
	ScanInterval time.Duration

	// DormantRetry is how often dormant devices are probed
	DormantRetry time.Duration

	// MinAddress and MaxAddress bound the monitored bus addresses
	MinAddress uint8
	MaxAddress uint8

	// ProbeTimeout is the response timeout used while scanning
	ProbeTimeout time.Duration

	// MaxConsecutiveFailures makes a device dormant once reached
	MaxConsecutiveFailures uint32

	ShutdownTimeout time.Duration

	// Device holds the exchange settings of every created device
	Device modbus.DeviceConfig
}

// MonitorStats tracks monitor statistics.
type MonitorStats struct {
	Scans           atomic.Uint64
	TotalPolls      atomic.Uint64
	FailedPolls     atomic.Uint64
	RegistersRead   atomic.Uint64
	DecodeErrors    atomic.Uint64
	Published       atomic.Uint64
	PublishFailures atomic.Uint64
}

// Monitor is the single poll driver of one bus. It owns the devices it
// discovers; the register maps they are bound to are owned by the database.
type Monitor struct {
	config    MonitorConfig
	transport modbus.Transport
	regmaps   *RegisterMapDatabase
	publisher Publisher
	logger    zerolog.Logger
	metrics   *metrics.Registry

	mu      sync.RWMutex
	devices map[uint8]*modbus.ModbusDevice

	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stats   *MonitorStats
}

// NewMonitor creates a monitor service. publisher and metricsReg may be nil.
func NewMonitor(
	config MonitorConfig,
	transport modbus.Transport,
	regmaps *RegisterMapDatabase,
	publisher Publisher,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *Monitor {
	if config.Interval <= 0 {
		config.Interval = 3 * time.Second
	}
	if config.ScanInterval <= 0 {
		config.ScanInterval = time.Minute
	}
	if config.DormantRetry <= 0 {
		config.DormantRetry = 5 * time.Minute
	}
	if config.MaxConsecutiveFailures == 0 {
		config.MaxConsecutiveFailures = domain.MaxConsecutiveFailures
	}
	if config.MaxAddress == 0 {
		config.MaxAddress = 0xff
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	return &Monitor{
		config:    config,
		transport: transport,
		regmaps:   regmaps,
		publisher: publisher,
		logger:    logger.With().Str("component", "monitor").Logger(),
		metrics:   metricsReg,
		devices:   make(map[uint8]*modbus.ModbusDevice),
		stats:     &MonitorStats{},
	}
}

// Start scans the bus once and then runs the poll, scan and dormant recovery
// loops until Stop is called or ctx is done.
func (s *Monitor) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}

	ctx, s.cancel = context.WithCancel(ctx)

	s.logger.Info().
		Dur("interval", s.config.Interval).
		Dur("scan_interval", s.config.ScanInterval).
		Str("address_range", fmt.Sprintf("0x%02x-0x%02x", s.config.MinAddress, s.config.MaxAddress)).
		Int("register_maps", s.regmaps.Len()).
		Msg("Starting monitor service")

	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

func (s *Monitor) run(ctx context.Context) {
	defer s.wg.Done()

	s.Scan(ctx)

	pollTicker := time.NewTicker(s.config.Interval)
	defer pollTicker.Stop()
	scanTicker := time.NewTicker(s.config.ScanInterval)
	defer scanTicker.Stop()
	dormantTicker := time.NewTicker(s.config.DormantRetry)
	defer dormantTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			s.PollOnce(ctx)
		case <-scanTicker.C:
			s.Scan(ctx)
		case <-dormantTicker.C:
			s.RecoverDormant(ctx)
		}
	}
}

// Stop cancels the loops and waits for the running cycle to finish.
func (s *Monitor) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}

	s.logger.Info().Msg("Stopping monitor service")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timeout := time.NewTimer(s.config.ShutdownTimeout)
	defer timeout.Stop()

	select {
	case <-done:
		s.logger.Info().Msg("Monitor stopped")
	case <-ctx.Done():
		s.logger.Warn().Msg("Timeout waiting for monitor to stop")
	case <-timeout.C:
		s.logger.Warn().Msg("Timeout waiting for monitor to stop")
	}

	s.started.Store(false)
	return nil
}

// Scan probes every unclaimed address in range that a register map covers and
// adds the devices that answer. It returns the number of devices added.
func (s *Monitor) Scan(ctx context.Context) int {
	s.stats.Scans.Add(1)
	if s.metrics != nil {
		s.metrics.RecordScan()
	}

	s.mu.RLock()
	minAddr, maxAddr := s.config.MinAddress, s.config.MaxAddress
	s.mu.RUnlock()

	added := 0
	for _, addr := range s.regmaps.ProbeAddresses(minAddr, maxAddr) {
		if ctx.Err() != nil {
			break
		}
		if s.hasDevice(addr) {
			continue
		}

		m, err := s.regmaps.At(addr)
		if err != nil {
			continue
		}
		if err := s.probe(ctx, addr, m.ProbeRegister); err != nil {
			s.logger.Trace().Err(err).Uint8("address", addr).Msg("No device at address")
			continue
		}
		if err := s.addDevice(addr, m); err != nil {
			if !errors.Is(err, domain.ErrDeviceExists) {
				s.logger.Warn().Err(err).Uint8("address", addr).Msg("Failed to add device")
			}
			continue
		}
		added++
	}

	s.updateDeviceCounts()
	if added > 0 {
		s.logger.Info().Int("added", added).Int("devices", s.deviceCount()).Msg("Scan found new devices")
	}
	return added
}

// probe reads the probe register of a not yet monitored address.
func (s *Monitor) probe(ctx context.Context, addr uint8, reg uint16) error {
	req := modbus.ReadHoldingRegistersRequest{Address: reg, Count: 1}
	pdu, err := req.Encode()
	if err != nil {
		return err
	}
	out, err := s.transport.Exchange(ctx, addr, pdu, s.config.ProbeTimeout, s.config.Device.SettleTime)
	if err != nil {
		return err
	}
	resp := modbus.ReadHoldingRegistersResponse{Count: 1}
	return resp.Decode(out)
}

// AddDevice starts monitoring addr with the register map that covers it.
func (s *Monitor) AddDevice(addr uint8) error {
	m, err := s.regmaps.At(addr)
	if err != nil {
		return err
	}
	if err := s.addDevice(addr, m); err != nil {
		return err
	}
	s.updateDeviceCounts()
	return nil
}

func (s *Monitor) addDevice(addr uint8, m *domain.RegisterMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.devices[addr]; exists {
		return fmt.Errorf("%w: 0x%02x", domain.ErrDeviceExists, addr)
	}
	if addr < s.config.MinAddress || addr > s.config.MaxAddress {
		return fmt.Errorf("%w: 0x%02x outside monitored range", domain.ErrInvalidAddressRange, addr)
	}

	dev, err := modbus.NewModbusDevice(s.transport, addr, m, s.config.Device, s.logger, s.metrics)
	if err != nil {
		return err
	}
	s.devices[addr] = dev

	s.logger.Info().
		Str("device_address", fmt.Sprintf("0x%02x", addr)).
		Str("device_type", m.Name).
		Int("registers", len(m.Registers)).
		Msg("Monitoring device")
	return nil
}

// RemoveDevice stops monitoring addr.
func (s *Monitor) RemoveDevice(addr uint8) error {
	s.mu.Lock()
	if _, exists := s.devices[addr]; !exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: 0x%02x", domain.ErrDeviceNotFound, addr)
	}
	delete(s.devices, addr)
	s.mu.Unlock()

	s.updateDeviceCounts()
	s.logger.Info().Str("device_address", fmt.Sprintf("0x%02x", addr)).Msg("Removed device")
	return nil
}

// SetAddressRange changes the monitored address range. Devices outside the
// new range are dropped.
func (s *Monitor) SetAddressRange(min, max uint8) error {
	if min > max {
		return fmt.Errorf("%w: [0x%02x, 0x%02x]", domain.ErrInvalidAddressRange, min, max)
	}

	s.mu.Lock()
	s.config.MinAddress, s.config.MaxAddress = min, max
	dropped := 0
	for addr := range s.devices {
		if addr < min || addr > max {
			delete(s.devices, addr)
			dropped++
		}
	}
	s.mu.Unlock()

	s.updateDeviceCounts()
	s.logger.Info().
		Str("address_range", fmt.Sprintf("0x%02x-0x%02x", min, max)).
		Int("dropped", dropped).
		Msg("Address range changed")
	return nil
}

// PollOnce runs one monitor cycle on every active device, in address order.
// A cycle with at least one successful read confirms the device; a device
// whose failure run reaches the threshold becomes dormant.
func (s *Monitor) PollOnce(ctx context.Context) {
	for _, dev := range s.Devices() {
		if ctx.Err() != nil {
			return
		}
		if !dev.IsActive() {
			continue
		}
		s.pollDevice(ctx, dev)
	}
	s.updateDeviceCounts()
}

func (s *Monitor) pollDevice(ctx context.Context, dev *modbus.ModbusDevice) {
	addr := dev.Address()
	res := dev.Monitor(ctx)

	s.stats.TotalPolls.Add(1)
	s.stats.RegistersRead.Add(uint64(res.Reads))
	s.stats.DecodeErrors.Add(uint64(res.DecodeErrors))

	if s.metrics != nil {
		if res.Reads > 0 {
			s.metrics.RecordPollSuccess(addr, res.Duration.Seconds(), res.Reads)
		} else {
			s.metrics.RecordPollError(addr, res.Duration.Seconds())
		}
		s.metrics.RecordDecodeErrors(addr, res.DecodeErrors)
	}

	if res.Reads > 0 {
		dev.SetActive()
	} else {
		s.stats.FailedPolls.Add(1)
	}

	if dev.ExceedsFailureThreshold(s.config.MaxConsecutiveFailures) {
		failures := dev.ConsecutiveFailures()
		dev.SetDormant()
		if s.metrics != nil {
			s.metrics.RecordModeChange(addr, string(domain.DeviceModeDormant))
		}
		s.logger.Warn().
			Str("device_address", fmt.Sprintf("0x%02x", addr)).
			Uint32("consecutive_failures", failures).
			Msg("Device stopped responding, marking dormant")
		return
	}

	s.logger.Debug().
		Str("device_address", fmt.Sprintf("0x%02x", addr)).
		Int("reads", res.Reads).
		Int("failures", res.Failures).
		Int("decode_errors", res.DecodeErrors).
		Int("handlers_fired", res.HandlersFired).
		Dur("duration", res.Duration).
		Msg("Poll cycle completed")

	if s.publisher != nil && res.Reads > 0 {
		if err := s.publisher.Publish(ctx, dev.ValueData()); err != nil {
			s.stats.PublishFailures.Add(1)
			s.logger.Warn().Err(err).Str("device_address", fmt.Sprintf("0x%02x", addr)).Msg("Failed to publish device data")
		} else {
			s.stats.Published.Add(1)
		}
	}
}

// RecoverDormant probes every dormant device and reactivates those that answer.
func (s *Monitor) RecoverDormant(ctx context.Context) int {
	recovered := 0
	for _, dev := range s.Devices() {
		if ctx.Err() != nil {
			break
		}
		if dev.IsActive() {
			continue
		}
		if _, err := dev.ReadHoldingRegisters(ctx, dev.RegisterMap().ProbeRegister, 1); err != nil {
			continue
		}
		dev.SetActive()
		recovered++
		if s.metrics != nil {
			s.metrics.RecordModeChange(dev.Address(), string(domain.DeviceModeActive))
		}
		s.logger.Info().
			Str("device_address", fmt.Sprintf("0x%02x", dev.Address())).
			Msg("Dormant device recovered")
	}
	s.updateDeviceCounts()
	return recovered
}

func (s *Monitor) hasDevice(addr uint8) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.devices[addr]
	return ok
}

func (s *Monitor) deviceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}

func (s *Monitor) updateDeviceCounts() {
	if s.metrics == nil {
		return
	}
	active, dormant := 0, 0
	for _, dev := range s.Devices() {
		if dev.IsActive() {
			active++
		} else {
			dormant++
		}
	}
	s.metrics.UpdateDeviceCount(active, dormant)
}

// Devices returns the monitored devices in address order.
func (s *Monitor) Devices() []*modbus.ModbusDevice {
	s.mu.RLock()
	devices := make([]*modbus.ModbusDevice, 0, len(s.devices))
	for _, dev := range s.devices {
		devices = append(devices, dev)
	}
	s.mu.RUnlock()

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Address() < devices[j].Address()
	})
	return devices
}

// Device returns the device at addr.
func (s *Monitor) Device(addr uint8) (*modbus.ModbusDevice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dev, ok := s.devices[addr]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%02x", domain.ErrDeviceNotFound, addr)
	}
	return dev, nil
}

// DeviceInfos returns the health record of every device.
func (s *Monitor) DeviceInfos() []domain.ModbusDeviceInfo {
	devices := s.Devices()
	infos := make([]domain.ModbusDeviceInfo, 0, len(devices))
	for _, dev := range devices {
		infos = append(infos, dev.Info())
	}
	return infos
}

// ValueData returns the value projection of every device.
func (s *Monitor) ValueData() []domain.DeviceValueData {
	devices := s.Devices()
	data := make([]domain.DeviceValueData, 0, len(devices))
	for _, dev := range devices {
		data = append(data, dev.ValueData())
	}
	return data
}

// RawData returns the raw projection of every device.
func (s *Monitor) RawData() []domain.DeviceRawData {
	devices := s.Devices()
	data := make([]domain.DeviceRawData, 0, len(devices))
	for _, dev := range devices {
		data = append(data, dev.RawData())
	}
	return data
}

// StatsSnapshot holds a point-in-time snapshot of monitor statistics.
type StatsSnapshot struct {
	Scans           uint64
	TotalPolls      uint64
	FailedPolls     uint64
	RegistersRead   uint64
	DecodeErrors    uint64
	Published       uint64
	PublishFailures uint64
	Devices         int
	ActiveDevices   int
}

// Stats returns a snapshot of the monitor statistics.
func (s *Monitor) Stats() StatsSnapshot {
	snap := StatsSnapshot{
		Scans:           s.stats.Scans.Load(),
		TotalPolls:      s.stats.TotalPolls.Load(),
		FailedPolls:     s.stats.FailedPolls.Load(),
		RegistersRead:   s.stats.RegistersRead.Load(),
		DecodeErrors:    s.stats.DecodeErrors.Load(),
		Published:       s.stats.Published.Load(),
		PublishFailures: s.stats.PublishFailures.Load(),
	}
	for _, dev := range s.Devices() {
		snap.Devices++
		if dev.IsActive() {
			snap.ActiveDevices++
		}
	}
	return snap
}

// HealthCheck implements health.Checker.
func (s *Monitor) HealthCheck(ctx context.Context) error {
	if !s.started.Load() {
		return domain.ErrServiceNotStarted
	}
	return nil
}
