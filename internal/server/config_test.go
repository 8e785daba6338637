package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shaunagostinho/lasaur-bridge/internal/link"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	def := DefaultConfig()
	if cfg.Serial != def.Serial || cfg.Server != def.Server {
		t.Errorf("got %+v / %+v, want defaults", cfg.Serial, cfg.Server)
	}
}

func TestLoadConfig_YAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := `serial:
  port_path: /dev/ttyACM3
  baud_rate: 115200
  redundancy: detection
server:
  listen_addr: ":8080"
`
	if err := os.WriteFile(path, []byte(yml), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("# comment\nSERIAL_CHUNK=\"32\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SERIAL_CHUNK", "")
	t.Setenv("SERIAL_BAUD", "9600")
	t.Setenv("LOG_ENABLED", "yes")

	cfg := LoadConfig(path)
	if cfg.Serial.PortPath != "/dev/ttyACM3" {
		t.Errorf("PortPath = %q", cfg.Serial.PortPath)
	}
	if cfg.Serial.BaudRate != 9600 {
		t.Errorf("BaudRate = %d, env should win", cfg.Serial.BaudRate)
	}
	if cfg.Serial.ChunkSize != 32 {
		t.Errorf("ChunkSize = %d, want 32 from .env", cfg.Serial.ChunkSize)
	}
	if cfg.Serial.Match != DefaultConfig().Serial.Match {
		t.Errorf("unset field lost its default: %q", cfg.Serial.Match)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if !cfg.Logging.Enabled {
		t.Errorf("LOG_ENABLED not applied")
	}
}

func TestLoadConfig_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("serial: [unterminated"), 0644)
	cfg := LoadConfig(path)
	if cfg.Serial.BaudRate != 57600 {
		t.Errorf("BaudRate = %d, want default after parse error", cfg.Serial.BaudRate)
	}
}

func TestUpdateFromJSON_DeepMerge(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.UpdateFromJSON([]byte(`{"serial":{"portPath":"COM4"}}`)); err != nil {
		t.Fatal(err)
	}
	if cfg.Serial.PortPath != "COM4" {
		t.Errorf("PortPath = %q", cfg.Serial.PortPath)
	}
	if cfg.Serial.BaudRate != 57600 || cfg.Serial.Redundancy != "correction" {
		t.Errorf("sibling fields lost: %+v", cfg.Serial)
	}
	if err := cfg.UpdateFromJSON([]byte(`{not json`)); err == nil {
		t.Errorf("want error for malformed patch")
	}
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.path = path
	cfg.Serial.PortPath = "/dev/ttyUSB1"
	if err := cfg.Save(); err != nil {
		t.Fatal(err)
	}
	got := LoadConfig(path)
	if got.Serial.PortPath != "/dev/ttyUSB1" {
		t.Errorf("PortPath after reload = %q", got.Serial.PortPath)
	}
}

func TestLinkConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Serial.Redundancy = "none"
	cfg.Serial.WriteTimeoutMs = 250
	cfg.Serial.Debug = true

	lc := cfg.LinkConfig("v1")
	if lc.Redundancy != link.RedundancyNone {
		t.Errorf("Redundancy = %v", lc.Redundancy)
	}
	if lc.WriteTimeout != 250*time.Millisecond {
		t.Errorf("WriteTimeout = %v", lc.WriteTimeout)
	}
	if lc.ChunkSize != link.DefaultChunkSize || lc.AppVersion != "v1" || !lc.Debug {
		t.Errorf("LinkConfig = %+v", lc)
	}

	cfg.Serial.Redundancy = "bogus"
	if lc := cfg.LinkConfig(""); lc.Redundancy != link.ErrorCorrection {
		t.Errorf("unknown redundancy = %v, want correction", lc.Redundancy)
	}
}

func TestPollInterval(t *testing.T) {
	cfg := DefaultConfig()
	if d := cfg.PollInterval(); d != 400*time.Microsecond {
		t.Errorf("default = %v", d)
	}
	cfg.Serial.PollIntervalUs = 0
	if d := cfg.PollInterval(); d != 400*time.Microsecond {
		t.Errorf("zero = %v", d)
	}
	cfg.Serial.PollIntervalUs = 2000
	if d := cfg.PollInterval(); d != 2*time.Millisecond {
		t.Errorf("2000us = %v", d)
	}
}
