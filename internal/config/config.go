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
	LogLevel   string           `json:"log_level" yaml:"log_level"`
	Ingest     IngestConfig     `json:"ingest" yaml:"ingest"`
	Detection  DetectionConfig  `json:"detection" yaml:"detection"`
	Trend      TrendConfig      `json:"trend" yaml:"trend"`
	Decision   DecisionConfig   `json:"decision" yaml:"decision"`
	Reasoning  ReasoningConfig  `json:"reasoning" yaml:"reasoning"`
	Telephony  TelephonyConfig  `json:"telephony" yaml:"telephony"`
	Outreach   OutreachConfig   `json:"outreach" yaml:"outreach"`
	Aggregator AggregatorConfig `json:"aggregator" yaml:"aggregator"`
	API        APIConfig        `json:"api" yaml:"api"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer"`
	REST          RESTConfig      `json:"rest" yaml:"rest"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type DetectionConfig struct {
	CartAbandonThreshold time.Duration `json:"cart_abandon_threshold" yaml:"cart_abandon_threshold"`
	CartAbandonPenalty   int           `json:"cart_abandon_penalty" yaml:"cart_abandon_penalty"`
	RemovalPenaltyTier1  int           `json:"removal_penalty_tier1" yaml:"removal_penalty_tier1"`
	RemovalPenaltyTier2  int           `json:"removal_penalty_tier2" yaml:"removal_penalty_tier2"`
	RemovalPenaltyTier3  int           `json:"removal_penalty_tier3" yaml:"removal_penalty_tier3"`
	InactivityThreshold  time.Duration `json:"inactivity_threshold" yaml:"inactivity_threshold"`
	InactivityPenalty    int           `json:"inactivity_penalty" yaml:"inactivity_penalty"`
	// UserStateLimit caps tracked users. At the cap the least recently
	// seen user is evicted, and with them their removal history: a
	// returning evicted user restarts at escalation tier 1.
	UserStateLimit int `json:"user_state_limit" yaml:"user_state_limit"`
}

type TrendConfig struct {
	MinPoints          int           `json:"min_points" yaml:"min_points"`
	DropThreshold      float64       `json:"drop_threshold" yaml:"drop_threshold"`
	DirectionDelta     float64       `json:"direction_delta" yaml:"direction_delta"`
	SuddenDropRatio    float64       `json:"sudden_drop_ratio" yaml:"sudden_drop_ratio"`
	ConsecutiveDecline int           `json:"consecutive_decline" yaml:"consecutive_decline"`
	Retention          time.Duration `json:"retention" yaml:"retention"`
	SeriesPointLimit   int           `json:"series_point_limit" yaml:"series_point_limit"`
}

type DecisionConfig struct {
	ForcedRemovalThreshold int           `json:"forced_removal_threshold" yaml:"forced_removal_threshold"`
	AbandonCartValueMin    float64       `json:"abandon_cart_value_min" yaml:"abandon_cart_value_min"`
	RemovalCartValueMin    float64       `json:"removal_cart_value_min" yaml:"removal_cart_value_min"`
	ConsultTimeout         time.Duration `json:"consult_timeout" yaml:"consult_timeout"`
}

type ReasoningConfig struct {
	Enabled bool          `json:"enabled" yaml:"enabled"`
	URL     string        `json:"url" yaml:"url"`
	APIKey  string        `json:"api_key" yaml:"api_key"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

type TelephonyConfig struct {
	Enabled bool          `json:"enabled" yaml:"enabled"`
	URL     string        `json:"url" yaml:"url"`
	APIKey  string        `json:"api_key" yaml:"api_key"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

type OutreachConfig struct {
	// Directory maps user ids to E.164 destinations. Users absent from
	// the directory are skipped unless DefaultDestination is set.
	Directory          map[string]string `json:"directory" yaml:"directory"`
	DefaultDestination string            `json:"default_destination" yaml:"default_destination"`
	DoNotCall          []string          `json:"do_not_call" yaml:"do_not_call"`
	ScriptTemplate     string            `json:"script_template" yaml:"script_template"`
}

type AggregatorConfig struct {
	HistoryLimit  int `json:"history_limit" yaml:"history_limit"`
	EventLogLimit int `json:"event_log_limit" yaml:"event_log_limit"`
	TopFeatures   int `json:"top_features" yaml:"top_features"`
	DedupeSize    int `json:"dedupe_size" yaml:"dedupe_size"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
	// FlushInterval is how often new aggregate points are persisted.
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9000"},
			Kafka:         KafkaConfig{Enabled: false},
		},
		Detection: DetectionConfig{
			CartAbandonThreshold: 5 * time.Minute,
			CartAbandonPenalty:   30,
			RemovalPenaltyTier1:  10,
			RemovalPenaltyTier2:  20,
			RemovalPenaltyTier3:  35,
			InactivityThreshold:  24 * time.Hour,
			InactivityPenalty:    25,
			UserStateLimit:       50000,
		},
		Trend: TrendConfig{
			MinPoints:          3,
			DropThreshold:      0.30,
			DirectionDelta:     0.10,
			SuddenDropRatio:    0.50,
			ConsecutiveDecline: 3,
			Retention:          30 * 24 * time.Hour,
			SeriesPointLimit:   500,
		},
		Decision: DecisionConfig{
			ForcedRemovalThreshold: 3,
			AbandonCartValueMin:    50,
			RemovalCartValueMin:    25,
			ConsultTimeout:         5 * time.Second,
		},
		Reasoning: ReasoningConfig{Enabled: false, Timeout: 5 * time.Second},
		Telephony: TelephonyConfig{Enabled: false, Timeout: 10 * time.Second},
		Outreach: OutreachConfig{
			ScriptTemplate: "Hi, this is a quick courtesy call about your recent visit. {reason}",
		},
		Aggregator: AggregatorConfig{
			HistoryLimit:  20,
			EventLogLimit: 100,
			TopFeatures:   5,
			DedupeSize:    4096,
		},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:cartwatch.db?_pragma=busy_timeout(5000)", FlushInterval: time.Minute},
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
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = def.Ingest.ChannelBuffer
	}
	if cfg.Detection.CartAbandonThreshold <= 0 {
		cfg.Detection.CartAbandonThreshold = def.Detection.CartAbandonThreshold
	}
	if cfg.Detection.CartAbandonPenalty <= 0 {
		cfg.Detection.CartAbandonPenalty = def.Detection.CartAbandonPenalty
	}
	if cfg.Detection.RemovalPenaltyTier1 <= 0 {
		cfg.Detection.RemovalPenaltyTier1 = def.Detection.RemovalPenaltyTier1
	}
	if cfg.Detection.RemovalPenaltyTier2 <= 0 {
		cfg.Detection.RemovalPenaltyTier2 = def.Detection.RemovalPenaltyTier2
	}
	if cfg.Detection.RemovalPenaltyTier3 <= 0 {
		cfg.Detection.RemovalPenaltyTier3 = def.Detection.RemovalPenaltyTier3
	}
	if cfg.Detection.InactivityThreshold <= 0 {
		cfg.Detection.InactivityThreshold = def.Detection.InactivityThreshold
	}
	if cfg.Detection.InactivityPenalty <= 0 {
		cfg.Detection.InactivityPenalty = def.Detection.InactivityPenalty
	}
	if cfg.Detection.UserStateLimit <= 0 {
		cfg.Detection.UserStateLimit = def.Detection.UserStateLimit
	}
	if cfg.Trend.MinPoints <= 0 {
		cfg.Trend.MinPoints = def.Trend.MinPoints
	}
	if cfg.Trend.DropThreshold <= 0 {
		cfg.Trend.DropThreshold = def.Trend.DropThreshold
	}
	if cfg.Trend.DirectionDelta <= 0 {
		cfg.Trend.DirectionDelta = def.Trend.DirectionDelta
	}
	if cfg.Trend.SuddenDropRatio <= 0 {
		cfg.Trend.SuddenDropRatio = def.Trend.SuddenDropRatio
	}
	if cfg.Trend.ConsecutiveDecline <= 0 {
		cfg.Trend.ConsecutiveDecline = def.Trend.ConsecutiveDecline
	}
	if cfg.Trend.Retention <= 0 {
		cfg.Trend.Retention = def.Trend.Retention
	}
	if cfg.Trend.SeriesPointLimit <= 0 {
		cfg.Trend.SeriesPointLimit = def.Trend.SeriesPointLimit
	}
	if cfg.Decision.ForcedRemovalThreshold <= 0 {
		cfg.Decision.ForcedRemovalThreshold = def.Decision.ForcedRemovalThreshold
	}
	if cfg.Decision.ConsultTimeout <= 0 {
		cfg.Decision.ConsultTimeout = def.Decision.ConsultTimeout
	}
	if cfg.Reasoning.Timeout <= 0 {
		cfg.Reasoning.Timeout = def.Reasoning.Timeout
	}
	if cfg.Telephony.Timeout <= 0 {
		cfg.Telephony.Timeout = def.Telephony.Timeout
	}
	if cfg.Outreach.ScriptTemplate == "" {
		cfg.Outreach.ScriptTemplate = def.Outreach.ScriptTemplate
	}
	if cfg.Aggregator.HistoryLimit <= 0 {
		cfg.Aggregator.HistoryLimit = def.Aggregator.HistoryLimit
	}
	if cfg.Aggregator.EventLogLimit <= 0 {
		cfg.Aggregator.EventLogLimit = def.Aggregator.EventLogLimit
	}
	if cfg.Aggregator.TopFeatures <= 0 {
		cfg.Aggregator.TopFeatures = def.Aggregator.TopFeatures
	}
	if cfg.Aggregator.DedupeSize <= 0 {
		cfg.Aggregator.DedupeSize = def.Aggregator.DedupeSize
	}
	if cfg.Storage.FlushInterval <= 0 {
		cfg.Storage.FlushInterval = def.Storage.FlushInterval
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Reasoning.Enabled && cfg.Reasoning.URL == "" {
		return errors.New("reasoning.url required when reasoning.enabled is true")
	}
	if cfg.Telephony.Enabled && cfg.Telephony.URL == "" {
		return errors.New("telephony.url required when telephony.enabled is true")
	}
	if cfg.Trend.DropThreshold >= 1 {
		return fmt.Errorf("trend.drop_threshold must be a ratio below 1, got %v", cfg.Trend.DropThreshold)
	}
	if cfg.Decision.AbandonCartValueMin < 0 || cfg.Decision.RemovalCartValueMin < 0 {
		return errors.New("decision cart value thresholds must be >= 0")
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
	if info, err := os.Stat(path); err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config with no backing file.
// Used by tests and by callers that assemble config programmatically.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	applyDefaults(cfg)
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
		return nil, errors.New("no config file to reload")
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
