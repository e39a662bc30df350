package testutil

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

// RegisterMapJSON returns a minimal power supply register map document
// covering [min, max]: a two word "Model" string at 0 and a one word
// "Voltage" float with precision 2 at 16. Probe register is 0.
func RegisterMapJSON(name string, min, max int) string {
	return `{
  "name": "` + name + `",
  "address_range": [` + strconv.Itoa(min) + `, ` + strconv.Itoa(max) + `],
  "probe_register": 0,
  "default_baudrate": 19200,
  "preferred_baudrate": 19200,
  "registers": [
    {"begin": 0, "length": 2, "format": "string", "name": "Model"},
    {"begin": 16, "length": 1, "format": "float", "precision": 2, "name": "Voltage"}
  ]
}`
}

// WriteFile writes content to dir/name.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}
