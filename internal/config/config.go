// Package config provides configuration loading and validation for the
// SIMBIOTA on-access agent.
//
// Configuration file: /etc/simbiota/agent.yaml (default)
//
// Validation:
//   - All required fields must be present.
//   - File paths referenced by enabled features must be non-empty.
//   - Invalid config on startup: agent refuses to start (fatal error).
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime can be overridden at build time via
// -ldflags "-X ...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for the agent.
type Config struct {
	Detector    DetectorConfig    `yaml:"detector"`
	Database    DatabaseConfig    `yaml:"database"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Cache       CacheConfig       `yaml:"cache"`
	Email       EmailConfig       `yaml:"email"`
	Quarantine  QuarantineConfig  `yaml:"quarantine"`
	Logger      LoggerConfig      `yaml:"logger"`
	Observability ObservabilityConfig `yaml:"observability"`
	Operator    OperatorConfig    `yaml:"operator"`
	Storage     StorageConfig     `yaml:"storage"`
}

// DetectorConfig selects and parameterises the hash-based detector (C4).
type DetectorConfig struct {
	// Class selects a registered detector provider. Built-in:
	// "simple_tlsh", and the composition meta-class "weighted" (requires
	// Members).
	Class string `yaml:"class"`

	// DetectorSpecificConfig carries provider-specific knobs, notably
	// "threshold" (legacy fixed distance threshold, default 40).
	Config DetectorSpecificConfig `yaml:"config"`

	// Members configures the "weighted" class's ensemble: each entry
	// names a member class, its vote weight, and the threshold to build
	// that member with. Ignored unless Class == "weighted".
	Members []DetectorMember `yaml:"members"`
}

// DetectorSpecificConfig holds the keys a detector provider understands.
type DetectorSpecificConfig struct {
	// Threshold is the legacy fixed distance threshold used when a
	// signature entry carries no per-entry detection_distance.
	Threshold int `yaml:"threshold"`
}

// DetectorMember is one entry in detector.members[], used only when
// detector.class is "weighted".
type DetectorMember struct {
	Class     string `yaml:"class"`
	Weight    int    `yaml:"weight"`
	Threshold int    `yaml:"threshold"`
}

// DatabaseConfig locates the signature database (C5).
type DatabaseConfig struct {
	// DatabaseFile is the signature file location.
	DatabaseFile string `yaml:"database_file"`

	// LowMemory is parsed but not consulted: the signature database is
	// always loaded eagerly (whole file read and parsed), and no lazy
	// (memory-mapped/indexed) loading mode exists. Default: false.
	LowMemory bool `yaml:"low_memory"`
}

// MonitorConfig configures the kernel event source (C1).
type MonitorConfig struct {
	// Flags is the fanotify channel-creation flag set:
	// CLOEXEC, NONBLOCK, UNLIMITED_QUEUE, UNLIMITED_MARKS.
	Flags []string `yaml:"flags"`

	// Paths is the list of filesystem locations to watch.
	Paths []MonitoredPath `yaml:"paths"`
}

// MonitoredPath describes one fanotify mark.
type MonitoredPath struct {
	Path            string   `yaml:"path"`
	Dir             bool     `yaml:"dir"`
	Mount           bool     `yaml:"mount"`
	Filesystem      bool     `yaml:"filesystem"`
	EventOnChildren bool     `yaml:"event_on_children"`
	// Mask is a list of: ACCESS, MODIFY, CLOSE_WRITE, CLOSE_NOWRITE, OPEN,
	// OPEN_EXEC, OPEN_PERM, OPEN_EXEC_PERM, ACCESS_PERM.
	Mask []string `yaml:"mask"`
}

// CacheConfig selects the detection cache mode (C3).
type CacheConfig struct {
	// Disable selects the disabled cache (every get misses, every set is
	// a no-op) instead of the in-memory cache.
	Disable bool `yaml:"disable"`
}

// EmailConfig describes an external alert-notification collaborator;
// only its shape is carried so the config schema round-trips, since
// actually sending mail is outside this agent's own scope.
type EmailConfig struct {
	Enabled    bool     `yaml:"enabled"`
	SMTP       SMTPConfig `yaml:"smtp"`
	Recipients []string `yaml:"recipients"`
}

// SMTPConfig is the e-mail transport detail.
type SMTPConfig struct {
	Server   string `yaml:"server"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Security string `yaml:"security"` // none|ssl|starttls|tls (empty = none)
}

// QuarantineConfig configures the quarantine store (C6).
type QuarantineConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggerConfig describes the logging appender; only level/format are
// honoured by this implementation's zap-based ambient logging.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // json|console
}

// ObservabilityConfig configures the ambient Prometheus metrics/health
// surface.
type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
}

// OperatorConfig configures the control front-end (C7).
type OperatorConfig struct {
	// SocketName is the abstract-namespace socket name, normally
	// "simbiota"; exposed here only so tests can use a distinct name
	// without colliding across parallel test runs.
	SocketName string `yaml:"socket_name"`
}

// StorageConfig configures the supplemental bbolt-backed audit ledger
// (SPEC_FULL.md "Supplemented features"). Not part of spec.md's core;
// additive observability only.
type StorageConfig struct {
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// Defaults returns a Config populated with all default values, mirroring
// spec.md's own defaults where stated (threshold 40, quarantine at
// /var/lib/simbiota/quarantine, OPEN_EXEC_PERM on /usr/bin).
func Defaults() Config {
	return Config{
		Detector: DetectorConfig{
			Class:  "simple_tlsh",
			Config: DetectorSpecificConfig{Threshold: 40},
		},
		Database: DatabaseConfig{
			DatabaseFile: "/var/lib/simbiota/database.sbdb",
		},
		Monitor: MonitorConfig{
			Flags: []string{"CLOEXEC", "UNLIMITED_MARKS", "UNLIMITED_QUEUE"},
			Paths: []MonitoredPath{
				{
					Path:            "/usr/bin",
					Dir:             true,
					EventOnChildren: true,
					Mask:            []string{"OPEN_EXEC_PERM"},
				},
			},
		},
		Cache: CacheConfig{Disable: false},
		Quarantine: QuarantineConfig{
			Enabled: true,
			Path:    "/var/lib/simbiota/quarantine",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "json",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
		},
		Operator: OperatorConfig{
			SocketName: "simbiota",
		},
		Storage: StorageConfig{
			DBPath:        "/var/lib/simbiota/ledger.db",
			RetentionDays: 30,
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

var validMonitorFlags = map[string]bool{
	"CLOEXEC": true, "NONBLOCK": true, "UNLIMITED_QUEUE": true, "UNLIMITED_MARKS": true,
}

var validMaskKinds = map[string]bool{
	"ACCESS": true, "MODIFY": true, "CLOSE_WRITE": true, "CLOSE_NOWRITE": true,
	"OPEN": true, "OPEN_EXEC": true, "OPEN_PERM": true, "OPEN_EXEC_PERM": true,
	"ACCESS_PERM": true,
}

// Validate checks all config fields for correctness, returning a single
// error listing every violation found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Detector.Class == "" {
		errs = append(errs, "detector.class must not be empty")
	}
	if cfg.Detector.Class == "weighted" {
		if len(cfg.Detector.Members) < 2 {
			errs = append(errs, "detector.members must list at least 2 entries when detector.class is \"weighted\"")
		}
		for i, m := range cfg.Detector.Members {
			if m.Class == "" {
				errs = append(errs, fmt.Sprintf("detector.members[%d].class must not be empty", i))
			} else if m.Class == "weighted" {
				errs = append(errs, fmt.Sprintf("detector.members[%d].class must not be \"weighted\" (no nested ensembles)", i))
			}
			if m.Weight <= 0 {
				errs = append(errs, fmt.Sprintf("detector.members[%d].weight must be > 0", i))
			}
		}
	}
	if cfg.Database.DatabaseFile == "" {
		errs = append(errs, "database.database_file must not be empty")
	}
	for _, f := range cfg.Monitor.Flags {
		if !validMonitorFlags[f] {
			errs = append(errs, fmt.Sprintf("monitor.flags: unknown flag %q", f))
		}
	}
	if len(cfg.Monitor.Paths) == 0 {
		errs = append(errs, "monitor.paths must contain at least one entry")
	}
	for i, p := range cfg.Monitor.Paths {
		if p.Path == "" {
			errs = append(errs, fmt.Sprintf("monitor.paths[%d].path must not be empty", i))
		}
		if len(p.Mask) == 0 {
			errs = append(errs, fmt.Sprintf("monitor.paths[%d].mask must not be empty", i))
		}
		for _, m := range p.Mask {
			if !validMaskKinds[m] {
				errs = append(errs, fmt.Sprintf("monitor.paths[%d].mask: unknown kind %q", i, m))
			}
		}
	}
	if cfg.Quarantine.Enabled && cfg.Quarantine.Path == "" {
		errs = append(errs, "quarantine.path must be set when quarantine.enabled is true")
	}
	if cfg.Email.Enabled {
		if cfg.Email.SMTP.Server == "" {
			errs = append(errs, "email.smtp.server is required when email.enabled is true")
		}
		switch strings.ToLower(cfg.Email.SMTP.Security) {
		case "", "none", "ssl", "starttls", "tls":
		default:
			errs = append(errs, fmt.Sprintf("email.smtp.security: invalid value %q", cfg.Email.SMTP.Security))
		}
	}
	switch cfg.Logger.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logger.level: invalid value %q", cfg.Logger.Level))
	}
	switch cfg.Logger.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("logger.format: invalid value %q", cfg.Logger.Format))
	}
	if cfg.Operator.SocketName == "" {
		errs = append(errs, "operator.socket_name must not be empty")
	}
	if cfg.Storage.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("storage.retention_days must be >= 1, got %d", cfg.Storage.RetentionDays))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
