// Package config loads the flat sectioned key/value controller configuration
// file and validates it against the constraints every component relies on.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// DefaultPath is where the daemon looks for its configuration when no
// --config flag is given.
const DefaultPath = "/etc/gpu-controller.conf"

// Config holds every tunable the controller reads at startup. Values are
// immutable once loaded.
type Config struct {
	TailThresholdMS      float64
	PersistenceWindows   int
	CooldownObservations int
	PollIntervalSec      float64
	LogLevel             string

	NUMAWeight           float64
	PCIeWeight           float64
	EnableMIGReconfig    bool
	MaxCgroupIOLimitMbps int
}

// Default returns the configuration a missing file resolves to.
func Default() Config {
	return Config{
		TailThresholdMS:      100.0,
		PersistenceWindows:   3,
		CooldownObservations: 10,
		PollIntervalSec:      30.0,
		LogLevel:             "INFO",
		NUMAWeight:           2.0,
		PCIeWeight:           1.5,
		EnableMIGReconfig:    true,
		MaxCgroupIOLimitMbps: 1000,
	}
}

// Load reads the configuration file at path, applying defaults for any
// section/key not present. A missing file is not an error: it yields
// Default(). A malformed or out-of-range value is a fatal error — the
// caller is expected to treat it as a startup failure.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	raw, err := parse(f)
	if err != nil {
		return Config{}, fmt.Errorf("parse config %q: %w", path, err)
	}

	if err := apply(&cfg, raw); err != nil {
		return Config{}, fmt.Errorf("config %q: %w", path, err)
	}
	if err := validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

// section.key -> raw string value
type rawValues map[string]string

// parse reads a flat sectioned key/value file:
//
//	[section]
//	key = value
//
// Blank lines and lines starting with '#' or ';' are ignored. Keys outside
// any section are rejected.
func parse(f *os.File) (rawValues, error) {
	values := rawValues{}
	section := ""
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSpace(line[1 : len(line)-1])
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			return nil, fmt.Errorf("line %d: expected 'key = value', got %q", lineNo, line)
		}
		if section == "" {
			return nil, fmt.Errorf("line %d: key %q outside any [section]", lineNo, line)
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		values[section+"."+key] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func apply(cfg *Config, raw rawValues) error {
	for key, val := range raw {
		var err error
		switch key {
		case "controller.tail_threshold_ms":
			cfg.TailThresholdMS, err = strconv.ParseFloat(val, 64)
		case "controller.persistence_windows":
			cfg.PersistenceWindows, err = strconv.Atoi(val)
		case "controller.cooldown_observations":
			cfg.CooldownObservations, err = strconv.Atoi(val)
		case "controller.poll_interval_sec":
			cfg.PollIntervalSec, err = strconv.ParseFloat(val, 64)
		case "controller.log_level":
			cfg.LogLevel = strings.ToUpper(val)
		case "placement.numa_weight":
			cfg.NUMAWeight, err = strconv.ParseFloat(val, 64)
		case "placement.pcie_weight":
			cfg.PCIeWeight, err = strconv.ParseFloat(val, 64)
		case "placement.enable_mig_reconfiguration":
			cfg.EnableMIGReconfig, err = strconv.ParseBool(val)
		case "placement.max_cgroup_io_limit_mbps":
			cfg.MaxCgroupIOLimitMbps, err = strconv.Atoi(val)
		default:
			return fmt.Errorf("unrecognised key %q", key)
		}
		if err != nil {
			return fmt.Errorf("key %q: value %q: %w", key, val, err)
		}
	}
	return nil
}

func validate(cfg Config) error {
	switch {
	case cfg.TailThresholdMS <= 0:
		return fmt.Errorf("tail_threshold_ms must be > 0, got %v", cfg.TailThresholdMS)
	case cfg.PersistenceWindows < 1:
		return fmt.Errorf("persistence_windows must be >= 1, got %d", cfg.PersistenceWindows)
	case cfg.CooldownObservations < 1:
		return fmt.Errorf("cooldown_observations must be >= 1, got %d", cfg.CooldownObservations)
	case cfg.PollIntervalSec <= 0:
		return fmt.Errorf("poll_interval_sec must be > 0, got %v", cfg.PollIntervalSec)
	case !isValidLogLevel(cfg.LogLevel):
		return fmt.Errorf("log_level must be one of debug/info/warn/error, got %q", cfg.LogLevel)
	case cfg.NUMAWeight < 0:
		return fmt.Errorf("numa_weight must be >= 0, got %v", cfg.NUMAWeight)
	case cfg.PCIeWeight < 0:
		return fmt.Errorf("pcie_weight must be >= 0, got %v", cfg.PCIeWeight)
	case cfg.MaxCgroupIOLimitMbps <= 0:
		return fmt.Errorf("max_cgroup_io_limit_mbps must be > 0, got %d", cfg.MaxCgroupIOLimitMbps)
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToUpper(level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
		return true
	}
	return false
}
