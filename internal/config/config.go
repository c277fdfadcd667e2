package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dhanush-2313/finalyearproject-sub000/internal/record"
)

// Config holds the YAML configuration.
type Config struct {
	Version    int              `yaml:"version"`
	Global     GlobalConfig     `yaml:"global"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Waiter     WaiterConfig     `yaml:"waiter"`
	Subscriber SubscriberConfig `yaml:"subscriber"`
	Cache      CacheConfig      `yaml:"cache"`
	Server     ServerConfig     `yaml:"server"`
	Sinks      []Sink           `yaml:"sinks"`
	Notify     []NotifyRule     `yaml:"notify"`
}

type GlobalConfig struct {
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

type LedgerConfig struct {
	RPCURL        string        `yaml:"rpc_url"`
	Contract      string        `yaml:"contract"`
	ChainID       int64         `yaml:"chain_id"`
	PrivateKey    string        `yaml:"private_key"`
	ABIPath       string        `yaml:"abi_path"`
	SubmitTimeout time.Duration `yaml:"submit_timeout"`
	StartBlock    string        `yaml:"start_block"`
}

type WaiterConfig struct {
	Confirmations  uint64        `yaml:"confirmations"`
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
	InitialDelay   time.Duration `yaml:"initial_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	MaxWait        time.Duration `yaml:"max_wait"`
	PollsPerSecond float64       `yaml:"polls_per_second"`
	RearmInterval  time.Duration `yaml:"rearm_interval"`
	RearmAfter     time.Duration `yaml:"rearm_after"`
	OrphanAfter    time.Duration `yaml:"orphan_after"`
}

type SubscriberConfig struct {
	Kinds               []string      `yaml:"kinds"`
	ChunkSize           uint64        `yaml:"chunk_size"`
	ResubscribeDelay    time.Duration `yaml:"resubscribe_delay"`
	MaxResubscribeDelay time.Duration `yaml:"max_resubscribe_delay"`
}

type CacheConfig struct {
	Size int64         `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// MaxLag fails /healthz when the replay cursor trails the head by more
	// blocks than this. Zero disables the check.
	MaxLag uint64 `yaml:"max_lag"`
}

type Sink struct {
	ID         string `yaml:"id"`
	Type       string `yaml:"type"`
	WebhookURL string `yaml:"webhook_url"`
	Template   string `yaml:"template"`
	URL        string `yaml:"url"`
	Method     string `yaml:"method"`
}

// NotifyRule routes finalized records matching Where to Sinks.
type NotifyRule struct {
	ID        string        `yaml:"id"`
	Where     []string      `yaml:"where"`
	Sinks     []string      `yaml:"sinks"`
	DedupeTTL time.Duration `yaml:"dedupe_ttl"`
}

var envPattern = regexp.MustCompile(`\${([A-Za-z_][A-Za-z0-9_]*)}`)

// Load reads, interpolates env vars, parses YAML, applies defaults and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	interpolated, err := interpolateEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func interpolateEnv(input string) (string, error) {
	missing := []string{}
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(dedup(missing), ", "))
	}
	return out, nil
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	setDefault(&c.Global.DBPath, "aidledger.db")
	setDefault(&c.Global.LogLevel, "info")

	setDefault(&c.Ledger.SubmitTimeout, 30*time.Second)
	setDefault(&c.Ledger.StartBlock, "0")

	w := &c.Waiter
	setDefault(&w.Confirmations, 2)
	setDefault(&w.Workers, 4)
	setDefault(&w.QueueSize, 256)
	setDefault(&w.InitialDelay, time.Second)
	setDefault(&w.MaxDelay, 30*time.Second)
	setDefault(&w.MaxWait, 10*time.Minute)
	setDefault(&w.PollsPerSecond, 10)
	setDefault(&w.RearmInterval, time.Minute)
	setDefault(&w.RearmAfter, 30*time.Second)
	setDefault(&w.OrphanAfter, 10*time.Minute)

	s := &c.Subscriber
	if len(s.Kinds) == 0 {
		for _, k := range record.Kinds() {
			s.Kinds = append(s.Kinds, string(k))
		}
	}
	setDefault(&s.ChunkSize, 2000)
	setDefault(&s.ResubscribeDelay, 2*time.Second)
	setDefault(&s.MaxResubscribeDelay, time.Minute)

	setDefault(&c.Cache.Size, 10000)
	setDefault(&c.Cache.TTL, 10*time.Minute)

	setDefault(&c.Server.Addr, ":8080")

	for i := range c.Notify {
		setDefault(&c.Notify[i].DedupeTTL, 24*time.Hour)
	}
}

func setDefault[T comparable](v *T, def T) {
	var zero T
	if *v == zero {
		*v = def
	}
}

// Validate performs small, direct schema checks.
func (c *Config) Validate() error {
	if c.Version == 0 {
		return errors.New("version is required")
	}
	if err := c.Ledger.Validate(); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	if err := c.Waiter.Validate(); err != nil {
		return fmt.Errorf("waiter: %w", err)
	}
	if err := c.Subscriber.Validate(); err != nil {
		return fmt.Errorf("subscriber: %w", err)
	}
	if c.Cache.Size < 0 || c.Cache.TTL < 0 {
		return errors.New("cache: size and ttl must not be negative")
	}

	sinkIDs := map[string]*Sink{}
	for i := range c.Sinks {
		s := &c.Sinks[i]
		if _, exists := sinkIDs[s.ID]; exists {
			return fmt.Errorf("duplicate sink id: %s", s.ID)
		}
		sinkIDs[s.ID] = s
		if err := s.Validate(); err != nil {
			return fmt.Errorf("sink %s: %w", s.ID, err)
		}
	}

	ruleIDs := map[string]struct{}{}
	for _, r := range c.Notify {
		if _, exists := ruleIDs[r.ID]; exists {
			return fmt.Errorf("duplicate notify id: %s", r.ID)
		}
		ruleIDs[r.ID] = struct{}{}
		if err := r.Validate(sinkIDs); err != nil {
			return fmt.Errorf("notify %s: %w", r.ID, err)
		}
	}

	return nil
}

func (l *LedgerConfig) Validate() error {
	if l.RPCURL == "" {
		return errors.New("rpc_url is required")
	}
	if !common.IsHexAddress(l.Contract) {
		return fmt.Errorf("contract %q is not a valid address", l.Contract)
	}
	if l.ChainID <= 0 {
		return errors.New("chain_id is required")
	}
	if l.PrivateKey != "" {
		key := strings.TrimPrefix(l.PrivateKey, "0x")
		if len(key) != 64 {
			return errors.New("private_key must be 32 hex bytes")
		}
	}
	if err := validateStartBlock(l.StartBlock); err != nil {
		return err
	}
	return nil
}

func validateStartBlock(s string) error {
	if s == "" || s == "latest" {
		return nil
	}
	n := strings.TrimPrefix(s, "latest-")
	if _, err := strconv.ParseUint(n, 10, 64); err != nil {
		return fmt.Errorf("start_block %q must be a number, latest or latest-N", s)
	}
	return nil
}

func (w *WaiterConfig) Validate() error {
	if w.Workers < 1 {
		return errors.New("workers must be at least 1")
	}
	if w.QueueSize < 1 {
		return errors.New("queue_size must be at least 1")
	}
	if w.InitialDelay > w.MaxDelay {
		return errors.New("initial_delay must not exceed max_delay")
	}
	if w.MaxWait <= 0 {
		return errors.New("max_wait must be positive")
	}
	if w.PollsPerSecond <= 0 {
		return errors.New("polls_per_second must be positive")
	}
	return nil
}

func (s *SubscriberConfig) Validate() error {
	for _, k := range s.Kinds {
		if _, err := record.ParseKind(k); err != nil {
			return err
		}
	}
	if s.ResubscribeDelay > s.MaxResubscribeDelay {
		return errors.New("resubscribe_delay must not exceed max_resubscribe_delay")
	}
	return nil
}

// ParsedKinds returns the configured kinds; Validate has already checked them.
func (s *SubscriberConfig) ParsedKinds() []record.Kind {
	out := make([]record.Kind, 0, len(s.Kinds))
	for _, k := range s.Kinds {
		if kind, err := record.ParseKind(k); err == nil {
			out = append(out, kind)
		}
	}
	return out
}

func (r *NotifyRule) Validate(sinkIDs map[string]*Sink) error {
	if r.ID == "" {
		return errors.New("id is required")
	}
	if len(r.Sinks) == 0 {
		return errors.New("at least one sink is required")
	}
	for _, sinkID := range r.Sinks {
		if _, ok := sinkIDs[sinkID]; !ok {
			return fmt.Errorf("unknown sink: %s", sinkID)
		}
	}
	return nil
}

func (s *Sink) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	if s.Type == "" {
		return errors.New("type is required")
	}

	switch strings.ToLower(s.Type) {
	case "slack", "teams":
		if s.WebhookURL == "" {
			return errors.New("webhook_url is required for slack/teams sinks")
		}
	case "webhook":
		if s.URL == "" {
			return errors.New("url is required for webhook sink")
		}
		if s.Method == "" {
			s.Method = "POST"
		}
	default:
		return fmt.Errorf("unsupported sink type: %s", s.Type)
	}
	return nil
}

func dedup(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
