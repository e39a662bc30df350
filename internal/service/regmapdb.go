package service

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/nexus-edge/rackmon/internal/adapter/config"
	"github.com/nexus-edge/rackmon/internal/domain"
	"github.com/rs/zerolog"
)

// RegisterMapDatabase owns every loaded register map and resolves bus
// addresses to them. Maps are immutable once added and outlive the devices
// bound to them.
type RegisterMapDatabase struct {
	mu     sync.RWMutex
	maps   []*domain.RegisterMap
	logger zerolog.Logger
}

// NewRegisterMapDatabase creates an empty database.
func NewRegisterMapDatabase(logger zerolog.Logger) *RegisterMapDatabase {
	return &RegisterMapDatabase{
		logger: logger.With().Str("component", "regmap-db").Logger(),
	}
}

// Load adds every register map document in dir. Subdirectories are not
// searched. A file that fails to load is logged and skipped; the returned
// error joins the failures of all skipped files.
func (db *RegisterMapDatabase) Load(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read register map directory: %w", err)
	}

	var errs []error
	loaded := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !config.IsRegisterMapFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		m, err := config.LoadRegisterMapFile(path)
		if err != nil {
			db.logger.Error().Err(err).Str("file", path).Msg("Skipping register map")
			errs = append(errs, fmt.Errorf("%s: %w", entry.Name(), err))
			continue
		}
		db.Add(m)
		loaded++

		db.logger.Debug().
			Str("file", path).
			Str("name", m.Name).
			Int("registers", len(m.Registers)).
			Msg("Loaded register map")
	}

	db.logger.Info().
		Str("dir", dir).
		Int("loaded", loaded).
		Int("skipped", len(errs)).
		Msg("Register maps loaded")

	return errors.Join(errs...)
}

// LoadDocument adds a single in-memory register map document. JSON documents
// start with '{'; anything else is parsed as YAML.
func (db *RegisterMapDatabase) LoadDocument(data []byte) (*domain.RegisterMap, error) {
	var (
		m   *domain.RegisterMap
		err error
	)
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		m, err = config.ParseRegisterMapJSON(trimmed)
	} else {
		m, err = config.ParseRegisterMapYAML(data)
	}
	if err != nil {
		return nil, err
	}
	db.Add(m)
	return m, nil
}

// Add appends an already validated register map. Maps are matched in the
// order they were added.
func (db *RegisterMapDatabase) Add(m *domain.RegisterMap) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, other := range db.maps {
		if overlaps(other.ApplicableAddresses, m.ApplicableAddresses) {
			db.logger.Warn().
				Str("name", m.Name).
				Str("shadowed_by", other.Name).
				Msg("Register map address range overlaps an earlier map")
		}
	}
	db.maps = append(db.maps, m)
}

func overlaps(a, b domain.AddrRange) bool {
	return a.Min <= b.Max && b.Min <= a.Max
}

// At returns the first map whose address range contains addr.
func (db *RegisterMapDatabase) At(addr uint8) (*domain.RegisterMap, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	for _, m := range db.maps {
		if m.ApplicableAddresses.Contains(addr) {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: 0x%02x", domain.ErrRegisterMapNotFound, addr)
}

// Maps returns the loaded maps in match order.
func (db *RegisterMapDatabase) Maps() []*domain.RegisterMap {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return append([]*domain.RegisterMap(nil), db.maps...)
}

// Len returns the number of loaded maps.
func (db *RegisterMapDatabase) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.maps)
}

// ProbeAddresses returns every address covered by at least one map within
// [min, max], ascending.
func (db *RegisterMapDatabase) ProbeAddresses(min, max uint8) []uint8 {
	db.mu.RLock()
	defer db.mu.RUnlock()

	seen := make(map[uint8]struct{})
	for _, m := range db.maps {
		lo, hi := m.ApplicableAddresses.Min, m.ApplicableAddresses.Max
		if lo < min {
			lo = min
		}
		if hi > max {
			hi = max
		}
		for a := int(lo); a <= int(hi); a++ {
			seen[uint8(a)] = struct{}{}
		}
	}

	addrs := make([]uint8, 0, len(seen))
	for a := range seen {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

// Print writes every loaded map to w in the JSON document shape.
func (db *RegisterMapDatabase) Print(w io.Writer) error {
	data, err := config.MarshalRegisterMaps(db.Maps())
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
