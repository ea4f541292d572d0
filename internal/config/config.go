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
	LogLevel   string            `json:"log_level" yaml:"log_level"`
	API        APIConfig         `json:"api" yaml:"api"`
	Auth       AuthConfig        `json:"auth" yaml:"auth"`
	Storage    StorageConfig     `json:"storage" yaml:"storage"`
	Trust      TrustConfig       `json:"trust" yaml:"trust"`
	Beacon     BeaconConfig      `json:"beacon" yaml:"beacon"`
	Smoothing  SmoothingConfig   `json:"smoothing" yaml:"smoothing"`
	Proximity  ProximityConfig   `json:"proximity" yaml:"proximity"`
	Scoring    ScoringConfig     `json:"scoring" yaml:"scoring"`
	WarmScan   WarmScanConfig    `json:"warm_scan" yaml:"warm_scan"`
	Classrooms []ClassroomConfig `json:"classrooms" yaml:"classrooms"`
	Events     EventsConfig      `json:"events" yaml:"events"`
	Ingest     IngestConfig      `json:"ingest" yaml:"ingest"`
	Metrics    MetricsConfig     `json:"metrics" yaml:"metrics"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`

	// RateLimitPerMinute caps requests per client IP; 0 disables the limit.
	RateLimitPerMinute int `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
}

type AuthConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Issuer     string `json:"issuer" yaml:"issuer"`
	SigningKey string `json:"signing_key" yaml:"signing_key"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type TrustConfig struct {
	// Backend selects where trust records live: memory, sql or redis.
	Backend              string        `json:"backend" yaml:"backend"`
	Cooldown             time.Duration `json:"cooldown" yaml:"cooldown"`
	RequireAdminApproval bool          `json:"require_admin_approval" yaml:"require_admin_approval"`
	Redis                RedisConfig   `json:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Addr   string `json:"addr" yaml:"addr"`
	Prefix string `json:"prefix" yaml:"prefix"`
}

type BeaconConfig struct {
	Secret           string        `json:"secret" yaml:"secret"`
	RotationInterval time.Duration `json:"rotation_interval" yaml:"rotation_interval"`
	SkewSlots        int           `json:"skew_slots" yaml:"skew_slots"`
}

type SmoothingConfig struct {
	Alpha float64 `json:"alpha" yaml:"alpha"`
}

type ProximityConfig struct {
	VeryNear float64 `json:"very_near" yaml:"very_near"`
	Good     float64 `json:"good" yaml:"good"`
	Fair     float64 `json:"fair" yaml:"fair"`
}

type ScoringConfig struct {
	Weights              WeightsConfig    `json:"weights" yaml:"weights"`
	Threshold            float64          `json:"threshold" yaml:"threshold"`
	SSIDOnlyCredit       float64          `json:"ssid_only_credit" yaml:"ssid_only_credit"`
	TierScores           TierScoresConfig `json:"tier_scores" yaml:"tier_scores"`
	MaxGPSAccuracyMeters float64          `json:"max_gps_accuracy_meters" yaml:"max_gps_accuracy_meters"`
	DedupeWindow         time.Duration    `json:"dedupe_window" yaml:"dedupe_window"`
}

type WeightsConfig struct {
	GPS       float64 `json:"gps" yaml:"gps"`
	WiFi      float64 `json:"wifi" yaml:"wifi"`
	Bluetooth float64 `json:"bluetooth" yaml:"bluetooth"`
}

type TierScoresConfig struct {
	VeryNear float64 `json:"very_near" yaml:"very_near"`
	Good     float64 `json:"good" yaml:"good"`
	Fair     float64 `json:"fair" yaml:"fair"`
}

type WarmScanConfig struct {
	Interval         time.Duration `json:"interval" yaml:"interval"`
	Lead             time.Duration `json:"lead" yaml:"lead"`
	Trailing         time.Duration `json:"trailing" yaml:"trailing"`
	Capacity         int           `json:"capacity" yaml:"capacity"`
	CollectorTimeout time.Duration `json:"collector_timeout" yaml:"collector_timeout"`
	ProbeScan        time.Duration `json:"probe_scan" yaml:"probe_scan"`
	EscalatedScan    time.Duration `json:"escalated_scan" yaml:"escalated_scan"`
	ReadingTTL       time.Duration `json:"reading_ttl" yaml:"reading_ttl"`
}

type ClassroomConfig struct {
	ClassID      uint32          `json:"class_id" yaml:"class_id"`
	Latitude     float64         `json:"lat" yaml:"lat"`
	Longitude    float64         `json:"lon" yaml:"lon"`
	RadiusMeters float64         `json:"radius_m" yaml:"radius_m"`
	Networks     []NetworkConfig `json:"networks" yaml:"networks"`
	BeaconSecret string          `json:"beacon_secret" yaml:"beacon_secret"`
}

type NetworkConfig struct {
	SSID  string `json:"ssid" yaml:"ssid"`
	BSSID string `json:"bssid" yaml:"bssid"`
}

type EventsConfig struct {
	StoreLimit int               `json:"store_limit" yaml:"store_limit"`
	Kafka      KafkaWriterConfig `json:"kafka" yaml:"kafka"`
}

type KafkaWriterConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type IngestConfig struct {
	Kafka KafkaConfig `json:"kafka" yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type MetricsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		API:      APIConfig{Enabled: true, Addr: ":8081"},
		Auth:     AuthConfig{Enabled: true, Issuer: "presenceguard"},
		Storage:  StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:presenceguard.db?_pragma=busy_timeout(5000)"},
		Trust: TrustConfig{
			Backend:              "memory",
			Cooldown:             48 * time.Hour,
			RequireAdminApproval: true,
			Redis:                RedisConfig{Addr: "localhost:6379", Prefix: "presenceguard:trust:"},
		},
		Beacon: BeaconConfig{
			RotationInterval: 5 * time.Minute,
			SkewSlots:        1,
		},
		Smoothing: SmoothingConfig{Alpha: 0.3},
		Proximity: ProximityConfig{VeryNear: -50, Good: -65, Fair: -80},
		Scoring: ScoringConfig{
			Weights:              WeightsConfig{GPS: 0.3, WiFi: 0.3, Bluetooth: 0.4},
			Threshold:            0.85,
			SSIDOnlyCredit:       0.5,
			TierScores:           TierScoresConfig{VeryNear: 1.0, Good: 0.7, Fair: 0.4},
			MaxGPSAccuracyMeters: 100,
			DedupeWindow:         30 * time.Second,
		},
		WarmScan: WarmScanConfig{
			Interval:         30 * time.Second,
			Lead:             10 * time.Minute,
			Trailing:         2 * time.Minute,
			Capacity:         20,
			CollectorTimeout: 5 * time.Second,
			ProbeScan:        700 * time.Millisecond,
			EscalatedScan:    12 * time.Second,
			ReadingTTL:       time.Minute,
		},
		Events:  EventsConfig{StoreLimit: 1000},
		Metrics: MetricsConfig{StoreLimit: 5000},
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
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
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
	if cfg.Trust.Backend == "" {
		cfg.Trust.Backend = def.Trust.Backend
	}
	if cfg.Trust.Cooldown <= 0 {
		cfg.Trust.Cooldown = def.Trust.Cooldown
	}
	if cfg.Trust.Redis.Prefix == "" {
		cfg.Trust.Redis.Prefix = def.Trust.Redis.Prefix
	}
	if cfg.Beacon.RotationInterval <= 0 {
		cfg.Beacon.RotationInterval = def.Beacon.RotationInterval
	}
	if cfg.Beacon.SkewSlots < 0 {
		cfg.Beacon.SkewSlots = 0
	}
	if cfg.Smoothing.Alpha <= 0 {
		cfg.Smoothing.Alpha = def.Smoothing.Alpha
	}
	if cfg.Scoring.Threshold <= 0 {
		cfg.Scoring.Threshold = def.Scoring.Threshold
	}
	w := cfg.Scoring.Weights
	if w.GPS == 0 && w.WiFi == 0 && w.Bluetooth == 0 {
		cfg.Scoring.Weights = def.Scoring.Weights
	}
	if cfg.Scoring.TierScores == (TierScoresConfig{}) {
		cfg.Scoring.TierScores = def.Scoring.TierScores
	}
	if cfg.WarmScan.Interval <= 0 {
		cfg.WarmScan.Interval = def.WarmScan.Interval
	}
	if cfg.WarmScan.Lead <= 0 {
		cfg.WarmScan.Lead = def.WarmScan.Lead
	}
	if cfg.WarmScan.Capacity <= 0 {
		cfg.WarmScan.Capacity = def.WarmScan.Capacity
	}
	if cfg.WarmScan.CollectorTimeout <= 0 {
		cfg.WarmScan.CollectorTimeout = def.WarmScan.CollectorTimeout
	}
	if cfg.WarmScan.ProbeScan <= 0 {
		cfg.WarmScan.ProbeScan = def.WarmScan.ProbeScan
	}
	if cfg.WarmScan.EscalatedScan <= 0 {
		cfg.WarmScan.EscalatedScan = def.WarmScan.EscalatedScan
	}
	if cfg.WarmScan.ReadingTTL <= 0 {
		cfg.WarmScan.ReadingTTL = def.WarmScan.ReadingTTL
	}
	if cfg.Events.StoreLimit <= 0 {
		cfg.Events.StoreLimit = def.Events.StoreLimit
	}
	if cfg.Metrics.StoreLimit <= 0 {
		cfg.Metrics.StoreLimit = def.Metrics.StoreLimit
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.API.Enabled && cfg.Auth.Enabled && cfg.Auth.SigningKey == "" {
		return errors.New("auth.signing_key required when auth.enabled is true")
	}
	switch strings.ToLower(cfg.Trust.Backend) {
	case "memory":
	case "sql":
		if !cfg.Storage.Enabled {
			return errors.New("trust.backend sql requires storage.enabled")
		}
	case "redis":
		if cfg.Trust.Redis.Addr == "" {
			return errors.New("trust.redis.addr required when trust.backend is redis")
		}
	default:
		return fmt.Errorf("unsupported trust.backend: %q", cfg.Trust.Backend)
	}
	if cfg.API.RateLimitPerMinute < 0 {
		return errors.New("api.rate_limit_per_minute must be >= 0")
	}
	if cfg.Smoothing.Alpha > 1 {
		return errors.New("smoothing.alpha must be in (0, 1]")
	}
	p := cfg.Proximity
	if !(p.VeryNear > p.Good && p.Good > p.Fair) {
		return errors.New("proximity thresholds must be strictly descending: very_near > good > fair")
	}
	w := cfg.Scoring.Weights
	if w.GPS < 0 || w.WiFi < 0 || w.Bluetooth < 0 {
		return errors.New("scoring.weights must be >= 0")
	}
	if w.GPS+w.WiFi+w.Bluetooth <= 0 {
		return errors.New("scoring.weights must not all be zero")
	}
	if cfg.Scoring.Threshold > 1 {
		return errors.New("scoring.threshold must be in (0, 1]")
	}
	if cfg.Scoring.SSIDOnlyCredit < 0 || cfg.Scoring.SSIDOnlyCredit > 1 {
		return errors.New("scoring.ssid_only_credit must be in [0, 1]")
	}
	if cfg.WarmScan.EscalatedScan < cfg.WarmScan.ProbeScan {
		return errors.New("warm_scan.escalated_scan must be >= warm_scan.probe_scan")
	}
	seen := make(map[uint32]struct{}, len(cfg.Classrooms))
	for _, room := range cfg.Classrooms {
		if _, dup := seen[room.ClassID]; dup {
			return fmt.Errorf("classrooms: duplicate class_id %d", room.ClassID)
		}
		seen[room.ClassID] = struct{}{}
		if room.RadiusMeters <= 0 {
			return fmt.Errorf("classrooms[%d].radius_m must be > 0", room.ClassID)
		}
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Events.Kafka.Enabled {
		if len(cfg.Events.Kafka.Brokers) == 0 || cfg.Events.Kafka.Topic == "" {
			return errors.New("events.kafka requires brokers, topic")
		}
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

// NewStaticManager wraps an in-memory config; Reload and Watch are no-ops.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	if cfg == nil {
		cfg = DefaultConfig()
	}
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

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
		if info, err := os.Stat(m.path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	m.cfg.Store(cfg)
	return nil
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
