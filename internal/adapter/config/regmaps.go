package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nexus-edge/rackmon/internal/domain"
	"gopkg.in/yaml.v3"
)

// RegisterMapConfig is the document structure of one register map file.
// Pointer fields distinguish a missing key from a zero value.
type RegisterMapConfig struct {
	AddressRange      []int                  `json:"address_range" yaml:"address_range"`
	ProbeRegister     *int                   `json:"probe_register" yaml:"probe_register"`
	Name              *string                `json:"name" yaml:"name"`
	PreferredBaudrate *uint32                `json:"preferred_baudrate" yaml:"preferred_baudrate"`
	DefaultBaudrate   *uint32                `json:"default_baudrate" yaml:"default_baudrate"`
	Registers         []RegisterConfig       `json:"registers" yaml:"registers"`
	SpecialHandlers   []SpecialHandlerConfig `json:"special_handlers,omitempty" yaml:"special_handlers,omitempty"`
}

// RegisterConfig is the document structure of a register descriptor.
type RegisterConfig struct {
	Begin       *int         `json:"begin" yaml:"begin"`
	Length      *int         `json:"length" yaml:"length"`
	Name        *string      `json:"name" yaml:"name"`
	Keep        *int         `json:"keep,omitempty" yaml:"keep,omitempty"`
	ChangesOnly *bool        `json:"changes_only,omitempty" yaml:"changes_only,omitempty"`
	Format      *string      `json:"format,omitempty" yaml:"format,omitempty"`
	Precision   *int         `json:"precision,omitempty" yaml:"precision,omitempty"`
	Flags       []FlagConfig `json:"flags,omitempty" yaml:"flags,omitempty"`
}

// FlagConfig is a [bit, name] pair.
type FlagConfig struct {
	Bit  int
	Name string
}

// UnmarshalJSON decodes a [bit, name] pair.
func (f *FlagConfig) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("flag must be a [bit, name] pair, got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &f.Bit); err != nil {
		return fmt.Errorf("flag bit: %w", err)
	}
	if err := json.Unmarshal(pair[1], &f.Name); err != nil {
		return fmt.Errorf("flag name: %w", err)
	}
	return nil
}

// UnmarshalYAML decodes a [bit, name] sequence.
func (f *FlagConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode || len(value.Content) != 2 {
		return fmt.Errorf("line %d: flag must be a [bit, name] pair", value.Line)
	}
	if err := value.Content[0].Decode(&f.Bit); err != nil {
		return fmt.Errorf("flag bit: %w", err)
	}
	if err := value.Content[1].Decode(&f.Name); err != nil {
		return fmt.Errorf("flag name: %w", err)
	}
	return nil
}

// SpecialHandlerConfig is the document structure of a special handler.
type SpecialHandlerConfig struct {
	Reg    *int               `json:"reg" yaml:"reg"`
	Len    *int               `json:"len" yaml:"len"`
	Period *int               `json:"period,omitempty" yaml:"period,omitempty"`
	Action *string            `json:"action" yaml:"action"`
	Info   *WriteActionConfig `json:"info" yaml:"info"`
}

// WriteActionConfig is the document structure of a special handler value source.
type WriteActionConfig struct {
	Interpret *string `json:"interpret" yaml:"interpret"`
	Shell     *string `json:"shell,omitempty" yaml:"shell,omitempty"`
	Value     *string `json:"value,omitempty" yaml:"value,omitempty"`
}

// IsRegisterMapFile reports whether path has a register map document extension.
func IsRegisterMapFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// LoadRegisterMapFile reads and validates a register map document.
// The document syntax is selected by extension: .json, .yaml or .yml.
func LoadRegisterMapFile(path string) (*domain.RegisterMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read register map file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseRegisterMapYAML(data)
	default:
		return ParseRegisterMapJSON(data)
	}
}

// ParseRegisterMapJSON parses and validates a JSON register map document.
func ParseRegisterMapJSON(data []byte) (*domain.RegisterMap, error) {
	var rc RegisterMapConfig
	if err := json.Unmarshal(data, &rc); err != nil {
		return nil, fmt.Errorf("%w: failed to parse JSON: %v", domain.ErrSchema, err)
	}
	return convertRegisterMapConfig(rc)
}

// ParseRegisterMapYAML parses and validates a YAML register map document.
func ParseRegisterMapYAML(data []byte) (*domain.RegisterMap, error) {
	var rc RegisterMapConfig
	if err := yaml.Unmarshal(data, &rc); err != nil {
		return nil, fmt.Errorf("%w: failed to parse YAML: %v", domain.ErrSchema, err)
	}
	return convertRegisterMapConfig(rc)
}

// MarshalRegisterMaps serialises maps in the JSON document shape, indented by four spaces.
func MarshalRegisterMaps(maps []*domain.RegisterMap) ([]byte, error) {
	if maps == nil {
		maps = []*domain.RegisterMap{}
	}
	return json.MarshalIndent(maps, "", "    ")
}

func missing(field, where string) error {
	return fmt.Errorf("%w: %w: %q in %s", domain.ErrSchema, domain.ErrMissingField, field, where)
}

func outOfRange(field, where string, v, lo, hi int) error {
	return fmt.Errorf("%w: %s in %s: %d not in [%d, %d]", domain.ErrSchema, field, where, v, lo, hi)
}

// convertRegisterMapConfig converts a document to a validated domain.RegisterMap.
func convertRegisterMapConfig(rc RegisterMapConfig) (*domain.RegisterMap, error) {
	where := "register map"
	if rc.Name == nil {
		return nil, missing("name", where)
	}
	where = fmt.Sprintf("register map %q", *rc.Name)

	if rc.AddressRange == nil {
		return nil, missing("address_range", where)
	}
	if len(rc.AddressRange) != 2 {
		return nil, fmt.Errorf("%w: address_range in %s must be [min, max]", domain.ErrSchema, where)
	}
	for _, a := range rc.AddressRange {
		if a < 0 || a > 0xff {
			return nil, outOfRange("address_range", where, a, 0, 0xff)
		}
	}
	if rc.ProbeRegister == nil {
		return nil, missing("probe_register", where)
	}
	if *rc.ProbeRegister < 0 || *rc.ProbeRegister > 0xffff {
		return nil, outOfRange("probe_register", where, *rc.ProbeRegister, 0, 0xffff)
	}
	if rc.PreferredBaudrate == nil {
		return nil, missing("preferred_baudrate", where)
	}
	if rc.DefaultBaudrate == nil {
		return nil, missing("default_baudrate", where)
	}
	if rc.Registers == nil {
		return nil, missing("registers", where)
	}

	m := &domain.RegisterMap{
		ApplicableAddresses: domain.AddrRange{Min: uint8(rc.AddressRange[0]), Max: uint8(rc.AddressRange[1])},
		ProbeRegister:       uint16(*rc.ProbeRegister),
		Name:                *rc.Name,
		PreferredBaudrate:   *rc.PreferredBaudrate,
		DefaultBaudrate:     *rc.DefaultBaudrate,
		Registers:           make([]domain.RegisterDescriptor, 0, len(rc.Registers)),
	}

	for idx, reg := range rc.Registers {
		desc, err := convertRegisterConfig(reg, fmt.Sprintf("%s register[%d]", where, idx))
		if err != nil {
			return nil, err
		}
		m.Registers = append(m.Registers, desc)
	}

	for idx, sh := range rc.SpecialHandlers {
		info, err := convertSpecialHandlerConfig(sh, fmt.Sprintf("%s special_handlers[%d]", where, idx))
		if err != nil {
			return nil, err
		}
		m.SpecialHandlers = append(m.SpecialHandlers, info)
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrSchema, err)
	}
	return m, nil
}

// convertRegisterConfig converts a register document to a domain.RegisterDescriptor.
func convertRegisterConfig(rc RegisterConfig, where string) (domain.RegisterDescriptor, error) {
	var desc domain.RegisterDescriptor

	if rc.Begin == nil {
		return desc, missing("begin", where)
	}
	if *rc.Begin < 0 || *rc.Begin > 0xffff {
		return desc, outOfRange("begin", where, *rc.Begin, 0, 0xffff)
	}
	if rc.Length == nil {
		return desc, missing("length", where)
	}
	if *rc.Length < 1 || *rc.Length > 0xffff {
		return desc, outOfRange("length", where, *rc.Length, 1, 0xffff)
	}
	if rc.Name == nil {
		return desc, missing("name", where)
	}

	desc = domain.RegisterDescriptor{
		Begin:  uint16(*rc.Begin),
		Length: uint16(*rc.Length),
		Name:   *rc.Name,
		Keep:   domain.DefaultKeep,
		Format: domain.KindRaw,
	}
	if rc.Keep != nil {
		if *rc.Keep < 1 {
			return desc, outOfRange("keep", where, *rc.Keep, 1, int(^uint(0)>>1))
		}
		desc.Keep = *rc.Keep
	}
	if rc.ChangesOnly != nil {
		desc.ChangesOnly = *rc.ChangesOnly
	}
	if rc.Format != nil {
		desc.Format = domain.Kind(*rc.Format)
		if !desc.Format.IsValid() {
			return desc, fmt.Errorf("%w: %w: %q in %s", domain.ErrSchema, domain.ErrInvalidFormat, *rc.Format, where)
		}
	}

	switch desc.Format {
	case domain.KindFloat:
		if rc.Precision == nil {
			return desc, missing("precision", where)
		}
		if *rc.Precision < 0 || *rc.Precision > 31 {
			return desc, outOfRange("precision", where, *rc.Precision, 0, 31)
		}
		desc.Precision = uint8(*rc.Precision)
	case domain.KindFlags:
		if rc.Flags == nil {
			return desc, missing("flags", where)
		}
		desc.Flags = make([]domain.FlagDescriptor, 0, len(rc.Flags))
		for _, f := range rc.Flags {
			if f.Bit < 0 || f.Bit > 31 {
				return desc, outOfRange("flag bit", where, f.Bit, 0, 31)
			}
			desc.Flags = append(desc.Flags, domain.FlagDescriptor{Bit: uint8(f.Bit), Name: f.Name})
		}
	}

	return desc, nil
}

// convertSpecialHandlerConfig converts a handler document to a domain.SpecialHandlerInfo.
func convertSpecialHandlerConfig(sc SpecialHandlerConfig, where string) (domain.SpecialHandlerInfo, error) {
	var info domain.SpecialHandlerInfo

	if sc.Reg == nil {
		return info, missing("reg", where)
	}
	if *sc.Reg < 0 || *sc.Reg > 0xffff {
		return info, outOfRange("reg", where, *sc.Reg, 0, 0xffff)
	}
	if sc.Len == nil {
		return info, missing("len", where)
	}
	if *sc.Len < 1 || *sc.Len > 0x7b {
		return info, outOfRange("len", where, *sc.Len, 1, 0x7b)
	}
	if sc.Action == nil {
		return info, missing("action", where)
	}
	if sc.Info == nil {
		return info, missing("info", where)
	}
	if sc.Info.Interpret == nil {
		return info, missing("info.interpret", where)
	}

	info = domain.SpecialHandlerInfo{
		Reg:    uint16(*sc.Reg),
		Len:    uint16(*sc.Len),
		Period: domain.RunOnce,
		Action: *sc.Action,
		Info: domain.WriteActionInfo{
			Interpret: domain.Kind(*sc.Info.Interpret),
			Shell:     sc.Info.Shell,
			Value:     sc.Info.Value,
		},
	}
	if sc.Period != nil {
		info.Period = *sc.Period
	}
	return info, nil
}
