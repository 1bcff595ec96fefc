package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel    string            `json:"log_level" yaml:"log_level"`
	LogFormat   string            `json:"log_format" yaml:"log_format"`
	API         APIConfig         `json:"api" yaml:"api"`
	Auth        AuthConfig        `json:"auth" yaml:"auth"`
	Ingest      IngestConfig      `json:"ingest" yaml:"ingest"`
	Detection   DetectionConfig   `json:"detection" yaml:"detection"`
	Anomaly     AnomalyConfig     `json:"anomaly" yaml:"anomaly"`
	Correlation CorrelationConfig `json:"correlation" yaml:"correlation"`
	Broadcast   BroadcastConfig   `json:"broadcast" yaml:"broadcast"`
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
	Redis       RedisConfig       `json:"redis" yaml:"redis"`
	Notify      NotifyConfig      `json:"notify" yaml:"notify"`
	Inventory   InventoryConfig   `json:"inventory" yaml:"inventory"`
	Feed        FeedConfig        `json:"feed" yaml:"feed"`
}

type APIConfig struct {
	Enabled   bool          `json:"enabled" yaml:"enabled"`
	Addr      string        `json:"addr" yaml:"addr"`
	KeepAlive time.Duration `json:"keep_alive" yaml:"keep_alive"`
	MaxBody   int64         `json:"max_body" yaml:"max_body"`
}

type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
	Issuer    string `json:"issuer" yaml:"issuer"`
}

type IngestConfig struct {
	Kafka KafkaConfig `json:"kafka" yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled        bool          `json:"enabled" yaml:"enabled"`
	Brokers        []string      `json:"brokers" yaml:"brokers"`
	Topic          string        `json:"topic" yaml:"topic"`
	GroupID        string        `json:"group_id" yaml:"group_id"`
	ConnectRetries int           `json:"connect_retries" yaml:"connect_retries"`
	RetryDelay     time.Duration `json:"retry_delay" yaml:"retry_delay"`
	// Publish routes REST ingest through Kafka instead of processing inline.
	Publish bool `json:"publish" yaml:"publish"`
}

type DetectionConfig struct {
	LoginFailThreshold float64       `json:"login_fail_threshold" yaml:"login_fail_threshold"`
	CriticalEventTypes []string      `json:"critical_event_types" yaml:"critical_event_types"`
	DedupeWindow       time.Duration `json:"dedupe_window" yaml:"dedupe_window"`
	MaxClockSkew       time.Duration `json:"max_clock_skew" yaml:"max_clock_skew"`
	MaxFutureSkew      time.Duration `json:"max_future_skew" yaml:"max_future_skew"`
}

type AnomalyConfig struct {
	Enabled       bool    `json:"enabled" yaml:"enabled"`
	BufferSize    int     `json:"buffer_size" yaml:"buffer_size"`
	NumTrees      int     `json:"num_trees" yaml:"num_trees"`
	SampleSize    int     `json:"sample_size" yaml:"sample_size"`
	Contamination float64 `json:"contamination" yaml:"contamination"`
	AsyncTraining bool    `json:"async_training" yaml:"async_training"`
	// ModelStore is one of sql, file, redis, memory.
	ModelStore string `json:"model_store" yaml:"model_store"`
	ModelDir   string `json:"model_dir" yaml:"model_dir"`
}

type CorrelationConfig struct {
	// LockDriver is local or redis.
	LockDriver string        `json:"lock_driver" yaml:"lock_driver"`
	LockTTL    time.Duration `json:"lock_ttl" yaml:"lock_ttl"`
}

type BroadcastConfig struct {
	QueueSize   int `json:"queue_size" yaml:"queue_size"`
	RelayBuffer int `json:"relay_buffer" yaml:"relay_buffer"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url" yaml:"url"`
}

type NotifyConfig struct {
	Enabled        bool              `json:"enabled" yaml:"enabled"`
	WebhookURL     string            `json:"webhook_url" yaml:"webhook_url"`
	AuthToken      string            `json:"auth_token" yaml:"auth_token"`
	Timeout        time.Duration     `json:"timeout" yaml:"timeout"`
	MinSeverity    string            `json:"min_severity" yaml:"min_severity"`
	Cooldown       time.Duration     `json:"cooldown" yaml:"cooldown"`
	RatePerSecond  float64           `json:"rate_per_second" yaml:"rate_per_second"`
	Burst          int               `json:"burst" yaml:"burst"`
	Workers        int               `json:"workers" yaml:"workers"`
	Buffer         int               `json:"buffer" yaml:"buffer"`
	DefaultContact string            `json:"default_contact" yaml:"default_contact"`
	TenantContacts map[string]string `json:"tenant_contacts" yaml:"tenant_contacts"`
}

type InventoryConfig struct {
	StoreLimit   int           `json:"store_limit" yaml:"store_limit"`
	OfflineAfter time.Duration `json:"offline_after" yaml:"offline_after"`
}

type FeedConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

var defaultCriticalEventTypes = []string{"malware_detected", "ransomware_activity", "privilege_escalation"}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		API:       APIConfig{Enabled: true, Addr: ":8080", KeepAlive: 15 * time.Second, MaxBody: 2 << 20},
		Auth:      AuthConfig{Issuer: "threatwatch"},
		Ingest: IngestConfig{
			Kafka: KafkaConfig{
				Enabled:        false,
				Topic:          "security-events",
				GroupID:        "threatwatch",
				ConnectRetries: 20,
				RetryDelay:     5 * time.Second,
			},
		},
		Detection: DetectionConfig{
			LoginFailThreshold: 3,
			CriticalEventTypes: append([]string(nil), defaultCriticalEventTypes...),
			DedupeWindow:       10 * time.Minute,
			MaxClockSkew:       24 * time.Hour,
			MaxFutureSkew:      5 * time.Minute,
		},
		Anomaly: AnomalyConfig{
			Enabled:       true,
			BufferSize:    100,
			NumTrees:      100,
			SampleSize:    256,
			Contamination: 0.05,
			ModelStore:    "sql",
			ModelDir:      "models",
		},
		Correlation: CorrelationConfig{LockDriver: "local", LockTTL: 10 * time.Second},
		Broadcast:   BroadcastConfig{QueueSize: 100, RelayBuffer: 1024},
		Storage:     StorageConfig{Driver: "sqlite", DSN: "file:threatwatch.db?_pragma=busy_timeout(5000)"},
		Notify: NotifyConfig{
			Enabled:       false,
			Timeout:       10 * time.Second,
			MinSeverity:   "high",
			Cooldown:      15 * time.Minute,
			RatePerSecond: 5,
			Burst:         10,
			Workers:       3,
			Buffer:        100,
		},
		Inventory: InventoryConfig{StoreLimit: 5000, OfflineAfter: 2 * time.Minute},
		Feed:      FeedConfig{StoreLimit: 500},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

// Parse decodes a YAML or JSON document on top of DefaultConfig. ${VAR}
// references are expanded from the environment first.
func Parse(content []byte) (*Config, error) {
	cfg := DefaultConfig()
	trimmed := strings.TrimSpace(os.ExpandEnv(string(content)))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.API.KeepAlive <= 0 {
		cfg.API.KeepAlive = def.API.KeepAlive
	}
	if cfg.API.MaxBody <= 0 {
		cfg.API.MaxBody = def.API.MaxBody
	}
	if cfg.Ingest.Kafka.ConnectRetries <= 0 {
		cfg.Ingest.Kafka.ConnectRetries = def.Ingest.Kafka.ConnectRetries
	}
	if cfg.Ingest.Kafka.RetryDelay <= 0 {
		cfg.Ingest.Kafka.RetryDelay = def.Ingest.Kafka.RetryDelay
	}
	if cfg.Detection.LoginFailThreshold <= 0 {
		cfg.Detection.LoginFailThreshold = def.Detection.LoginFailThreshold
	}
	if len(cfg.Detection.CriticalEventTypes) == 0 {
		cfg.Detection.CriticalEventTypes = def.Detection.CriticalEventTypes
	}
	if cfg.Anomaly.BufferSize <= 0 {
		cfg.Anomaly.BufferSize = def.Anomaly.BufferSize
	}
	if cfg.Anomaly.NumTrees <= 0 {
		cfg.Anomaly.NumTrees = def.Anomaly.NumTrees
	}
	if cfg.Anomaly.SampleSize <= 0 {
		cfg.Anomaly.SampleSize = def.Anomaly.SampleSize
	}
	if cfg.Anomaly.Contamination <= 0 {
		cfg.Anomaly.Contamination = def.Anomaly.Contamination
	}
	if cfg.Anomaly.ModelStore == "" {
		cfg.Anomaly.ModelStore = def.Anomaly.ModelStore
	}
	if cfg.Anomaly.ModelDir == "" {
		cfg.Anomaly.ModelDir = def.Anomaly.ModelDir
	}
	if cfg.Correlation.LockDriver == "" {
		cfg.Correlation.LockDriver = def.Correlation.LockDriver
	}
	if cfg.Correlation.LockTTL <= 0 {
		cfg.Correlation.LockTTL = def.Correlation.LockTTL
	}
	if cfg.Broadcast.QueueSize <= 0 {
		cfg.Broadcast.QueueSize = def.Broadcast.QueueSize
	}
	if cfg.Broadcast.RelayBuffer <= 0 {
		cfg.Broadcast.RelayBuffer = def.Broadcast.RelayBuffer
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = def.Storage.Driver
	}
	if cfg.Notify.Timeout <= 0 {
		cfg.Notify.Timeout = def.Notify.Timeout
	}
	if cfg.Notify.MinSeverity == "" {
		cfg.Notify.MinSeverity = def.Notify.MinSeverity
	}
	if cfg.Notify.Workers <= 0 {
		cfg.Notify.Workers = def.Notify.Workers
	}
	if cfg.Notify.Buffer <= 0 {
		cfg.Notify.Buffer = def.Notify.Buffer
	}
	if cfg.Notify.RatePerSecond <= 0 {
		cfg.Notify.RatePerSecond = def.Notify.RatePerSecond
	}
	if cfg.Notify.Burst <= 0 {
		cfg.Notify.Burst = def.Notify.Burst
	}
	if cfg.Inventory.StoreLimit <= 0 {
		cfg.Inventory.StoreLimit = def.Inventory.StoreLimit
	}
	if cfg.Inventory.OfflineAfter <= 0 {
		cfg.Inventory.OfflineAfter = def.Inventory.OfflineAfter
	}
	if cfg.Feed.StoreLimit <= 0 {
		cfg.Feed.StoreLimit = def.Feed.StoreLimit
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.API.Enabled && cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret required when api.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled || cfg.Ingest.Kafka.Publish {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Anomaly.Contamination >= 0.5 {
		return fmt.Errorf("anomaly.contamination must be < 0.5, got %v", cfg.Anomaly.Contamination)
	}
	switch strings.ToLower(cfg.Anomaly.ModelStore) {
	case "sql", "file", "memory":
	case "redis":
		if cfg.Redis.URL == "" {
			return errors.New("redis.url required when anomaly.model_store is redis")
		}
	default:
		return fmt.Errorf("unsupported anomaly.model_store: %q", cfg.Anomaly.ModelStore)
	}
	switch strings.ToLower(cfg.Correlation.LockDriver) {
	case "local":
	case "redis":
		if cfg.Redis.URL == "" {
			return errors.New("redis.url required when correlation.lock_driver is redis")
		}
	default:
		return fmt.Errorf("unsupported correlation.lock_driver: %q", cfg.Correlation.LockDriver)
	}
	if cfg.Notify.Enabled && cfg.Notify.WebhookURL == "" {
		return errors.New("notify.webhook_url required when notify.enabled is true")
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config. Reload and Watch are no-ops.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if m.path == "" {
		<-stop
		return
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
