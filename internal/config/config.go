// Package config loads the copilot core's typed configuration from a
// YAML file and watches it for changes, hot-reloading the subset of
// fields that are safe to change live.
package config

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ServerConfig configures the thin HTTP entrypoint.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// ModelConfig configures the Model Gateway (C1).
type ModelConfig struct {
	Name                  string        `yaml:"name"`
	Endpoint              string        `yaml:"endpoint"`
	EmbeddingEndpoint     string        `yaml:"embedding_endpoint"`
	Timeout               time.Duration `yaml:"timeout"`
	Temperature           float64       `yaml:"temperature"`
	TopK                  int           `yaml:"top_k"`
	MaxPredictTokens      int           `yaml:"max_predict_tokens"`
	KeepAlive             time.Duration `yaml:"keep_alive"`
	CircuitFailThreshold  int           `yaml:"circuit_fail_threshold"`
	CircuitCooldownSecond int           `yaml:"circuit_cooldown_seconds"`
}

// RetrievalConfig configures the Retrieval Store (C2).
type RetrievalConfig struct {
	EmbeddingDim  int    `yaml:"embedding_dim"`
	LexicalWeight float64 `yaml:"lexical_weight"`
	VectorWeight  float64 `yaml:"vector_weight"`
	CandidateSize int    `yaml:"candidate_size"`
	DSN           string `yaml:"dsn"`
}

// ContextConfig configures the Context Builder (C3).
type ContextConfig struct {
	DefaultWindowHours int `yaml:"default_window_hours"`
	MaxOrders          int `yaml:"max_orders"`
	MaxErrors          int `yaml:"max_errors"`
	MaxAllocations     int `yaml:"max_allocations"`
	SoftCapBytes       int `yaml:"soft_cap_bytes"`
	HardCapBytes       int `yaml:"hard_cap_bytes"`
}

// RateConfig configures the Rate Limiter & Budget Guard (C9).
type RateConfig struct {
	PerHour          int           `yaml:"per_hour"`
	PerDay           int           `yaml:"per_day"`
	WallClockBudget  time.Duration `yaml:"wall_clock_budget"`
	RedisAddr        string        `yaml:"redis_addr"`
}

// GuardrailConfig configures the Guardrail Validator (C7).
type GuardrailConfig struct {
	RedactEmployeeNames bool    `yaml:"redact_employee_names"`
	LowTrustThreshold   float64 `yaml:"low_trust_threshold"`
}

// FeatureConfig holds master switches.
type FeatureConfig struct {
	FastPathEnabled   bool `yaml:"fast_path_enabled"`
	SlackWebhookEnabled bool `yaml:"slack_webhook_enabled"`
}

// LoggingConfig configures internal/telemetry's logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the copilot core's full typed configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Model      ModelConfig      `yaml:"model"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Context    ContextConfig    `yaml:"context"`
	Rate       RateConfig       `yaml:"rate"`
	Guardrail  GuardrailConfig  `yaml:"guardrail"`
	Features   FeatureConfig    `yaml:"features"`
	Logging    LoggingConfig    `yaml:"logging"`
	SlackWebhookURL string      `yaml:"slack_webhook_url"`
}

// Default returns a Config populated with the defaults named in spec §6.
func Default() *Config {
	return &Config{
		Server: ServerConfig{ListenAddr: ":8080"},
		Model: ModelConfig{
			Name:                  "llama3",
			Endpoint:              "http://localhost:11434",
			EmbeddingEndpoint:     "http://localhost:11434",
			Timeout:               30 * time.Second,
			Temperature:           0.3,
			TopK:                  40,
			MaxPredictTokens:      500,
			KeepAlive:             5 * time.Minute,
			CircuitFailThreshold:  3,
			CircuitCooldownSecond: 60,
		},
		Retrieval: RetrievalConfig{
			EmbeddingDim:  768,
			LexicalWeight: 0.4,
			VectorWeight:  0.6,
			CandidateSize: 4000,
		},
		Context: ContextConfig{
			DefaultWindowHours: 24,
			MaxOrders:          50,
			MaxErrors:          100,
			MaxAllocations:     50,
			SoftCapBytes:       8 * 1024,
			HardCapBytes:       16 * 1024,
		},
		Rate: RateConfig{
			PerHour:         60,
			PerDay:          300,
			WallClockBudget: 20 * time.Second,
		},
		Guardrail: GuardrailConfig{
			RedactEmployeeNames: true,
			LowTrustThreshold:   0.6,
		},
		Features: FeatureConfig{
			FastPathEnabled: true,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads and parses the YAML file at path, overlaying it onto
// Default().
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// reloadable is the subset of fields safe to change without a process
// restart: live traffic parameters, not connection strings or
// topology. The model gateway's circuit breaker threshold is
// deliberately not in this set -- gobreaker bakes ReadyToTrip into the
// breaker at construction, so changing it live means rebuilding the
// breaker and losing its open/half-open state; that field is read
// once at startup instead (see Config.Model.CircuitFailThreshold).
type reloadable struct {
	perHour             atomic.Int64
	perDay              atomic.Int64
	lowTrustThreshold   atomic.Value // float64
	redactEmployeeNames atomic.Bool
}

// Watcher hot-reloads a config file's reloadable fields on change,
// exposing the live values through atomics so concurrent readers never
// race with a reload.
type Watcher struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex
	live   reloadable
	fsw    *fsnotify.Watcher
}

// NewWatcher loads path once, then begins watching it for changes.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, *Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("config: new watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w := &Watcher{path: path, logger: logger, fsw: fsw}
	w.store(cfg)
	go w.run()
	return w, cfg, nil
}

func (w *Watcher) store(cfg *Config) {
	w.live.perHour.Store(int64(cfg.Rate.PerHour))
	w.live.perDay.Store(int64(cfg.Rate.PerDay))
	w.live.lowTrustThreshold.Store(cfg.Guardrail.LowTrustThreshold)
	w.live.redactEmployeeNames.Store(cfg.Guardrail.RedactEmployeeNames)
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Warn("config: reload failed, keeping previous values", zap.Error(err))
				continue
			}
			w.mu.Lock()
			w.store(cfg)
			w.mu.Unlock()
			w.logger.Info("config: reloaded", zap.String("path", w.path))
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config: watcher error", zap.Error(err))
		}
	}
}

// Close stops the underlying filesystem watcher.
func (w *Watcher) Close() error { return w.fsw.Close() }

// PerHour returns the live (possibly hot-reloaded) per-hour rate limit.
func (w *Watcher) PerHour() int { return int(w.live.perHour.Load()) }

// PerDay returns the live per-day rate limit.
func (w *Watcher) PerDay() int { return int(w.live.perDay.Load()) }

// LowTrustThreshold returns the live low-trust-index threshold.
func (w *Watcher) LowTrustThreshold() float64 {
	v, _ := w.live.lowTrustThreshold.Load().(float64)
	return v
}

// RedactEmployeeNames returns the live redaction flag.
func (w *Watcher) RedactEmployeeNames() bool { return w.live.redactEmployeeNames.Load() }
