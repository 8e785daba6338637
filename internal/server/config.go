package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/lasaur-bridge/internal/link"
)

// Config holds all bridge configuration.
type Config struct {
	mu sync.RWMutex

	// Serial link to the laser controller
	Serial SerialConfig `yaml:"serial" json:"serial"`

	// Status CSV log
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// HTTP / websocket surface
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type SerialConfig struct {
	Demo           bool   `yaml:"demo" json:"demo"`                     // use the in-process simulated controller
	PortPath       string `yaml:"port_path" json:"portPath"`            // empty: match by pattern
	Match          string `yaml:"match" json:"match"`                   // regexp for auto-detection
	BaudRate       int    `yaml:"baud_rate" json:"baudRate"`            // LasaurGrbl runs at 57600
	ChunkSize      int    `yaml:"chunk_size" json:"chunkSize"`          // must match firmware RX chunk
	Redundancy     string `yaml:"redundancy" json:"redundancy"`         // "none", "detection", "correction"
	WriteTimeoutMs int    `yaml:"write_timeout_ms" json:"writeTimeoutMs"`
	PollIntervalUs int    `yaml:"poll_interval_us" json:"pollIntervalUs"` // pause between poll steps
	AutoConnect    bool   `yaml:"auto_connect" json:"autoConnect"`
	Debug          bool   `yaml:"debug" json:"debug"` // log RX/TX traffic
}

type LoggingConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Path     string `yaml:"path" json:"path"`
	Interval int    `yaml:"interval_ms" json:"intervalMs"` // ms between log entries
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
	StatusHz   int    `yaml:"status_hz" json:"statusHz"` // websocket status broadcast rate
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Serial: SerialConfig{
			Match:          "usbmodem|ttyACM|ttyUSB",
			BaudRate:       57600,
			ChunkSize:      link.DefaultChunkSize,
			Redundancy:     "correction",
			WriteTimeoutMs: 1000,
			PollIntervalUs: 400,
			AutoConnect:    true,
		},
		Logging: LoggingConfig{
			Enabled:  false,
			Path:     "/var/log/lasaur-bridge",
			Interval: 500,
		},
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:4444",
			StatusHz:   4,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func envBool(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: SERIAL_DEMO, SERIAL_PORT, SERIAL_MATCH, SERIAL_BAUD,
// SERIAL_REDUNDANCY, SERIAL_CHUNK, SERIAL_DEBUG, LISTEN_ADDR, LOG_ENABLED,
// LOG_PATH, LOG_INTERVAL_MS
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SERIAL_DEMO"); v != "" {
		c.Serial.Demo = envBool(v)
	}
	if v := os.Getenv("SERIAL_PORT"); v != "" {
		c.Serial.PortPath = v
	}
	if v := os.Getenv("SERIAL_MATCH"); v != "" {
		c.Serial.Match = v
	}
	if v := os.Getenv("SERIAL_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Serial.BaudRate = n
		}
	}
	if v := os.Getenv("SERIAL_REDUNDANCY"); v != "" {
		c.Serial.Redundancy = v
	}
	if v := os.Getenv("SERIAL_CHUNK"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Serial.ChunkSize = n
		}
	}
	if v := os.Getenv("SERIAL_DEBUG"); v != "" {
		c.Serial.Debug = envBool(v)
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	// Logging
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = envBool(v)
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	if v := os.Getenv("LOG_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Logging.Interval = n
		}
	}
}

// LinkConfig derives the engine settings. An unknown redundancy falls back
// to full error correction.
func (c *Config) LinkConfig(appVersion string) link.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	lc := link.DefaultConfig()
	lc.AppVersion = appVersion
	lc.Debug = c.Serial.Debug
	if c.Serial.ChunkSize > 0 {
		lc.ChunkSize = c.Serial.ChunkSize
	}
	if c.Serial.WriteTimeoutMs > 0 {
		lc.WriteTimeout = time.Duration(c.Serial.WriteTimeoutMs) * time.Millisecond
	}
	r, err := link.ParseRedundancy(c.Serial.Redundancy)
	if err != nil {
		log.Printf("[config] %v, using %s", err, r)
	}
	lc.Redundancy = r
	return lc
}

// PollInterval is the pause between engine poll steps.
func (c *Config) PollInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Serial.PollIntervalUs <= 0 {
		return 400 * time.Microsecond
	}
	return time.Duration(c.Serial.PollIntervalUs) * time.Microsecond
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/lasaur-bridge/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
