package service_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/nexus-edge/rackmon/internal/domain"
	"github.com/nexus-edge/rackmon/internal/service"
	"github.com/nexus-edge/rackmon/testing/testutil"
	"github.com/rs/zerolog"
)

func TestRegisterMapDatabase_At(t *testing.T) {
	db := service.NewRegisterMapDatabase(zerolog.Nop())
	if _, err := db.LoadDocument([]byte(testutil.RegisterMapJSON("low", 1, 10))); err != nil {
		t.Fatalf("LoadDocument: %v", err)
	}
	if _, err := db.LoadDocument([]byte(testutil.RegisterMapJSON("high", 11, 20))); err != nil {
		t.Fatalf("LoadDocument: %v", err)
	}

	tests := []struct {
		addr    uint8
		want    string
		wantErr error
	}{
		{1, "low", nil},
		{5, "low", nil},
		{10, "low", nil},
		{11, "high", nil},
		{15, "high", nil},
		{20, "high", nil},
		{0, "", domain.ErrRegisterMapNotFound},
		{25, "", domain.ErrRegisterMapNotFound},
	}

	for _, tt := range tests {
		m, err := db.At(tt.addr)
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("At(%d): expected %v, got %v", tt.addr, tt.wantErr, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("At(%d): unexpected error: %v", tt.addr, err)
			continue
		}
		if m.Name != tt.want {
			t.Errorf("At(%d): expected %s, got %s", tt.addr, tt.want, m.Name)
		}
	}
}

func TestRegisterMapDatabase_FirstMatchWins(t *testing.T) {
	db := service.NewRegisterMapDatabase(zerolog.Nop())
	db.LoadDocument([]byte(testutil.RegisterMapJSON("first", 1, 10)))
	db.LoadDocument([]byte(testutil.RegisterMapJSON("second", 5, 15)))

	m, err := db.At(7)
	if err != nil {
		t.Fatalf("At: %v", err)
	}
	if m.Name != "first" {
		t.Errorf("expected first, got %s", m.Name)
	}
}

func TestRegisterMapDatabase_LoadSkipsBadFiles(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteFile(t, dir, "psu.json", testutil.RegisterMapJSON("psu", 0xa0, 0xbf))
	testutil.WriteFile(t, dir, "bbu.yaml", `
name: bbu
address_range: [16, 31]
probe_register: 0
default_baudrate: 19200
preferred_baudrate: 19200
registers:
  - begin: 0
    length: 1
    name: State
`)
	testutil.WriteFile(t, dir, "broken.json", `{"name": "broken", "registers": []}`)
	testutil.WriteFile(t, dir, "README.md", "not a register map")
	if err := os.Mkdir(filepath.Join(dir, "nested"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	testutil.WriteFile(t, filepath.Join(dir, "nested"), "other.json", testutil.RegisterMapJSON("nested", 1, 2))

	db := service.NewRegisterMapDatabase(zerolog.Nop())
	err := db.Load(dir)
	if !errors.Is(err, domain.ErrSchema) {
		t.Fatalf("expected schema error for broken.json, got %v", err)
	}
	if db.Len() != 2 {
		t.Fatalf("expected 2 maps loaded, got %d", db.Len())
	}
	if _, err := db.At(0xa4); err != nil {
		t.Errorf("expected psu map: %v", err)
	}
	if _, err := db.At(0x10); err != nil {
		t.Errorf("expected bbu map: %v", err)
	}
	if _, err := db.At(1); !errors.Is(err, domain.ErrRegisterMapNotFound) {
		t.Errorf("nested directories must not be loaded, got %v", err)
	}
}

func TestRegisterMapDatabase_LoadMissingDir(t *testing.T) {
	db := service.NewRegisterMapDatabase(zerolog.Nop())
	if err := db.Load(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestRegisterMapDatabase_LoadDocumentYAML(t *testing.T) {
	db := service.NewRegisterMapDatabase(zerolog.Nop())
	m, err := db.LoadDocument([]byte(`
name: yaml_psu
address_range: [1, 2]
probe_register: 0
default_baudrate: 9600
preferred_baudrate: 9600
registers:
  - {begin: 0, length: 1, name: State}
`))
	if err != nil {
		t.Fatalf("LoadDocument: %v", err)
	}
	if m.Name != "yaml_psu" || m.DefaultBaudrate != 9600 {
		t.Errorf("unexpected map: %+v", m)
	}

	if _, err := db.LoadDocument([]byte(`{"name": "x"}`)); !errors.Is(err, domain.ErrMissingField) {
		t.Errorf("expected ErrMissingField, got %v", err)
	}
	if db.Len() != 1 {
		t.Errorf("failed document must not be added, got %d maps", db.Len())
	}
}

func TestRegisterMapDatabase_Print(t *testing.T) {
	db := service.NewRegisterMapDatabase(zerolog.Nop())
	db.LoadDocument([]byte(testutil.RegisterMapJSON("psu", 0xa0, 0xbf)))

	var buf bytes.Buffer
	if err := db.Print(&buf); err != nil {
		t.Fatalf("Print: %v", err)
	}

	var docs []map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &docs); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if len(docs) != 1 || docs[0]["name"] != "psu" {
		t.Fatalf("unexpected output: %s", buf.String())
	}

	// The printed document loads back to the same map.
	again := service.NewRegisterMapDatabase(zerolog.Nop())
	first, _ := json.Marshal(docs[0])
	m, err := again.LoadDocument(first)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if m.ApplicableAddresses.Min != 0xa0 || m.ApplicableAddresses.Max != 0xbf || len(m.Registers) != 2 {
		t.Errorf("unexpected reloaded map: %+v", m)
	}
}

func TestRegisterMapDatabase_ProbeAddresses(t *testing.T) {
	db := service.NewRegisterMapDatabase(zerolog.Nop())
	db.LoadDocument([]byte(testutil.RegisterMapJSON("a", 10, 12)))
	db.LoadDocument([]byte(testutil.RegisterMapJSON("b", 11, 14)))

	got := db.ProbeAddresses(0, 13)
	want := []uint8{10, 11, 12, 13}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %v, got %v", want, got)
			break
		}
	}
}
