// Package config loads the atomically CLI configuration from layered JSONC
// files.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/calvinalkan/atomically/pkg/atomicfile"
	"github.com/calvinalkan/atomically/pkg/kvstore"
	"github.com/tailscale/hujson"
)

// Config errors.
var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config file")
	ErrTimeoutInvalid     = errors.New("timeout must be positive")
	ErrSlotLimitInvalid   = errors.New("slot_limit must be positive")
	ErrFormatUnknown      = errors.New("unknown format")
	ErrLogLevelUnknown    = errors.New("unknown log level")
)

// FileName is the project config file name.
const FileName = ".atomically.json"

// Config holds all configuration options.
type Config struct {
	TimeoutMS     int    `json:"timeout_ms"`
	SyncTimeoutMS int    `json:"sync_timeout_ms"`
	Fsync         bool   `json:"fsync"`
	FsyncWait     bool   `json:"fsync_wait"`
	SlotLimit     int    `json:"slot_limit"`
	MaxBasename   int    `json:"max_basename"`
	LogLevel      string `json:"log_level"`
	Format        string `json:"format"`

	// Absolute working directory (from -C or os.Getwd).
	EffectiveCwd string `json:"-"`

	Sources Sources `json:"-"`
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global  string
	Project string
}

// fileConfig is the on-disk shape. Pointers distinguish "unset" from an
// explicit zero or false, so a later layer can turn fsync off.
type fileConfig struct {
	TimeoutMS     *int    `json:"timeout_ms"`
	SyncTimeoutMS *int    `json:"sync_timeout_ms"`
	Fsync         *bool   `json:"fsync"`
	FsyncWait     *bool   `json:"fsync_wait"`
	SlotLimit     *int    `json:"slot_limit"`
	MaxBasename   *int    `json:"max_basename"`
	LogLevel      *string `json:"log_level"`
	Format        *string `json:"format"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		TimeoutMS:     int(atomicfile.DefaultAsyncTimeout / time.Millisecond),
		SyncTimeoutMS: int(atomicfile.DefaultSyncTimeout / time.Millisecond),
		Fsync:         true,
		FsyncWait:     true,
		SlotLimit:     atomicfile.DefaultSlotLimit,
		MaxBasename:   atomicfile.DefaultMaxBasename,
		LogLevel:      "warn",
		Format:        "json",
	}
}

// Timeout is TimeoutMS as a duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// SyncTimeout is SyncTimeoutMS as a duration.
func (c Config) SyncTimeout() time.Duration {
	return time.Duration(c.SyncTimeoutMS) * time.Millisecond
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	return ParseLevel(c.LogLevel)
}

// ParseLevel accepts debug, info, warn and error, case-insensitively.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level

	err := level.UnmarshalText([]byte(strings.ToLower(s)))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrLogLevelUnknown, s)
	}

	return level, nil
}

// WriteOptions converts the write-related fields to atomicfile options.
func (c Config) WriteOptions() atomicfile.WriteOptions {
	return atomicfile.WriteOptions{
		NoFsync:     !c.Fsync,
		NoFsyncWait: !c.FsyncWait,
		Timeout:     c.Timeout(),
	}
}

// globalPath returns $XDG_CONFIG_HOME/atomically/config.json, falling back
// to ~/.config/atomically/config.json. Empty if neither can be determined.
func globalPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "atomically", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "atomically", "config.json")
	}

	return ""
}

// LoadInput holds the inputs for Load.
type LoadInput struct {
	WorkDirOverride  string // -C/--cwd; os.Getwd() if empty
	ConfigPath       string // -c/--config
	LogLevelOverride string // --log-level; empty means no override
	Env              map[string]string
}

// Load resolves configuration with the following precedence (highest wins):
//  1. Defaults
//  2. Global user config
//  3. Project config (.atomically.json in the working directory, if present)
//  4. Explicit config file via ConfigPath
//  5. CLI overrides
func Load(input LoadInput) (Config, error) {
	workDir := input.WorkDirOverride
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	} else if !filepath.IsAbs(workDir) {
		abs, err := filepath.Abs(workDir)
		if err != nil {
			return Config{}, fmt.Errorf("cannot resolve working directory: %w", err)
		}

		workDir = abs
	}

	cfg := Default()

	if p := globalPath(input.Env); p != "" {
		fc, loaded, err := loadFile(p, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg = merge(cfg, fc)
			cfg.Sources.Global = p
		}
	}

	projectFile := filepath.Join(workDir, FileName)
	mustExist := false

	if input.ConfigPath != "" {
		projectFile = input.ConfigPath
		if !filepath.IsAbs(projectFile) {
			projectFile = filepath.Join(workDir, projectFile)
		}

		mustExist = true

		if _, err := os.Stat(projectFile); err != nil {
			return Config{}, fmt.Errorf("%w: %s", ErrConfigFileNotFound, input.ConfigPath)
		}
	}

	fc, loaded, err := loadFile(projectFile, mustExist)
	if err != nil {
		return Config{}, err
	}

	if loaded {
		cfg = merge(cfg, fc)
		cfg.Sources.Project = projectFile
	}

	if input.LogLevelOverride != "" {
		cfg.LogLevel = input.LogLevelOverride
	}

	err = validate(cfg)
	if err != nil {
		return Config{}, err
	}

	cfg.EffectiveCwd = workDir

	return cfg, nil
}

// loadFile reads and parses one layer. A missing optional file is not an
// error and reports loaded=false.
func loadFile(path string, mustExist bool) (fileConfig, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if mustExist {
			return fileConfig{}, false, fmt.Errorf("%w: %s", ErrConfigFileRead, path)
		}

		return fileConfig{}, false, nil
	}

	fc, err := parse(data)
	if err != nil {
		return fileConfig{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return fc, true, nil
}

func parse(data []byte) (fileConfig, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fileConfig{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var fc fileConfig

	dec := json.NewDecoder(strings.NewReader(string(standardized)))
	dec.DisallowUnknownFields()

	err = dec.Decode(&fc)
	if err != nil {
		return fileConfig{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return fc, nil
}

func merge(base Config, overlay fileConfig) Config {
	if overlay.TimeoutMS != nil {
		base.TimeoutMS = *overlay.TimeoutMS
	}

	if overlay.SyncTimeoutMS != nil {
		base.SyncTimeoutMS = *overlay.SyncTimeoutMS
	}

	if overlay.Fsync != nil {
		base.Fsync = *overlay.Fsync
	}

	if overlay.FsyncWait != nil {
		base.FsyncWait = *overlay.FsyncWait
	}

	if overlay.SlotLimit != nil {
		base.SlotLimit = *overlay.SlotLimit
	}

	if overlay.MaxBasename != nil {
		base.MaxBasename = *overlay.MaxBasename
	}

	if overlay.LogLevel != nil {
		base.LogLevel = *overlay.LogLevel
	}

	if overlay.Format != nil {
		base.Format = *overlay.Format
	}

	return base
}

func validate(cfg Config) error {
	if cfg.TimeoutMS <= 0 || cfg.SyncTimeoutMS <= 0 {
		return ErrTimeoutInvalid
	}

	if cfg.SlotLimit <= 0 {
		return ErrSlotLimitInvalid
	}

	if _, err := kvstore.CodecByName(cfg.Format); err != nil {
		return fmt.Errorf("%w: %q", ErrFormatUnknown, cfg.Format)
	}

	if _, err := cfg.Level(); err != nil {
		return err
	}

	return nil
}
