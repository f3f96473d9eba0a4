// Package config loads process configuration from the environment and an
// optional YAML file.
package config

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/tasklink/client"
	"github.com/seantiz/tasklink/worker"
)

const (
	defaultProxyTarget = "unix:///tmp/tasklink-proxy.sock"
	defaultCallTimeout = 30 * time.Second
	defaultStatusAddr  = ":8089"
	defaultEmulatorDB  = ":memory:"

	envProxyTarget       = "TASKLINK_PROXY_TARGET"
	envCallTimeout       = "TASKLINK_CALL_TIMEOUT"
	envHeartbeatInterval = "TASKLINK_HEARTBEAT_INTERVAL"
	envDefaultDomain     = "TASKLINK_DEFAULT_DOMAIN"
	envDefaultTaskList   = "TASKLINK_DEFAULT_TASKLIST"
	envStatusAddr        = "TASKLINK_STATUS_ADDR"
	envLogLevel          = "TASKLINK_LOG_LEVEL"
	envConfigFile        = "TASKLINK_CONFIG_FILE"
	envTraceFile         = "TASKLINK_TRACE_FILE"
	envEmulatorListen    = "TASKLINK_EMULATOR_LISTEN"
	envEmulatorDB        = "TASKLINK_EMULATOR_DB"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ProxyTarget       string
	CallTimeout       time.Duration
	HeartbeatInterval time.Duration
	DefaultDomain     string
	DefaultTaskList   string
	StatusAddr        string
	LogLevel          slog.Level
	ConfigFile        string
	TraceFile         string
	EmulatorListen    string
	EmulatorDB        string

	// File is the content of ConfigFile, zero when none is set.
	File FileConfig
}

// FileConfig is the YAML configuration file.
type FileConfig struct {
	Endpoints    []string       `yaml:"endpoints"`
	Identity     string         `yaml:"identity"`
	Domain       string         `yaml:"domain"`
	CreateDomain bool           `yaml:"create_domain"`
	Workers      []WorkerConfig `yaml:"workers"`
}

// WorkerConfig describes a worker the daemon starts at boot.
type WorkerConfig struct {
	Kind     worker.Kind     `yaml:"kind"`
	Domain   string          `yaml:"domain"`
	TaskList string          `yaml:"task_list"`
	Type     string          `yaml:"type"`
	Options  *worker.Options `yaml:"options"`
}

// Load reads configuration from environment variables with sensible
// defaults, then the YAML file named by TASKLINK_CONFIG_FILE if set.
func Load() (Config, error) {
	cfg := Config{
		ProxyTarget:    defaultProxyTarget,
		CallTimeout:    defaultCallTimeout,
		StatusAddr:     defaultStatusAddr,
		LogLevel:       slog.LevelInfo,
		EmulatorListen: defaultProxyTarget,
		EmulatorDB:     defaultEmulatorDB,
	}

	if v := os.Getenv(envProxyTarget); v != "" {
		cfg.ProxyTarget = v
	}
	if v := os.Getenv(envStatusAddr); v != "" {
		cfg.StatusAddr = v
	}
	cfg.DefaultDomain = os.Getenv(envDefaultDomain)
	cfg.DefaultTaskList = os.Getenv(envDefaultTaskList)
	cfg.ConfigFile = os.Getenv(envConfigFile)
	cfg.TraceFile = os.Getenv(envTraceFile)
	if v := os.Getenv(envEmulatorListen); v != "" {
		cfg.EmulatorListen = v
	}
	if v := os.Getenv(envEmulatorDB); v != "" {
		cfg.EmulatorDB = v
	}

	var err error
	if v := os.Getenv(envLogLevel); v != "" {
		if cfg.LogLevel, err = parseLogLevel(v); err != nil {
			return Config{}, fmt.Errorf("%s: %w", envLogLevel, err)
		}
	}
	if cfg.CallTimeout, err = durationEnv(envCallTimeout, cfg.CallTimeout); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatInterval, err = durationEnv(envHeartbeatInterval, 0); err != nil {
		return Config{}, err
	}

	if cfg.ConfigFile != "" {
		file, err := LoadFile(cfg.ConfigFile)
		if err != nil {
			return Config{}, err
		}
		cfg.File = file
		if cfg.DefaultDomain == "" {
			cfg.DefaultDomain = file.Domain
		}
	}

	return cfg, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %s", key, v)
	}
	return d, nil
}

// LoadFile reads and validates a YAML configuration file.
func LoadFile(path string) (FileConfig, error) {
	var cfg FileConfig

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}

	for i, w := range cfg.Workers {
		if _, err := worker.ParseKind(string(w.Kind)); err != nil {
			return cfg, fmt.Errorf("config file %s: workers[%d]: %w", path, i, err)
		}
		if w.Type == "" {
			return cfg, fmt.Errorf("config file %s: workers[%d]: type is required", path, i)
		}
	}

	return cfg, nil
}

// ClientSettings returns the client settings described by the configuration.
func (c Config) ClientSettings() client.Settings {
	return client.Settings{
		Target:            c.ProxyTarget,
		Endpoints:         c.File.Endpoints,
		Identity:          c.File.Identity,
		CreateDomain:      c.File.CreateDomain,
		DefaultDomain:     c.DefaultDomain,
		DefaultTaskList:   c.DefaultTaskList,
		CallTimeout:       c.CallTimeout,
		HeartbeatInterval: c.HeartbeatInterval,
	}
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug, info, warn or error)", s)
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
