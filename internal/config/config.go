package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"skylark/internal/model"
)

// Config is the application's configuration model. It captures the
// consumer key pair, the authorized accounts, and the category set the
// engine keeps fresh.
type Config struct {
	Consumer   ConsumerConfig   `yaml:"consumer"`
	Accounts   []AccountConfig  `yaml:"accounts"`
	Categories []CategoryConfig `yaml:"categories"`
	Timeline   TimelineConfig   `yaml:"timeline"`
	Connection ConnectionConfig `yaml:"connection"`
	Storage    StorageConfig    `yaml:"storage"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type ConsumerConfig struct {
	// OAuth consumer key pair. If empty, read from env SKYLARK_CONSUMER_KEY
	// and SKYLARK_CONSUMER_SECRET.
	Key    string `yaml:"key"`
	Secret string `yaml:"secret"`
}

// AccountConfig is one persisted credential. Absent token fields mean the
// account is not authorized yet.
type AccountConfig struct {
	Name        string `yaml:"name"`
	UserID      int64  `yaml:"userId"`
	Token       string `yaml:"token,omitempty"`
	TokenSecret string `yaml:"tokenSecret,omitempty"`
}

// Credential converts the persisted form into the runtime credential.
func (a AccountConfig) Credential() *model.Credential {
	return &model.Credential{
		Name:        a.Name,
		UserID:      model.UserID(a.UserID),
		Token:       a.Token,
		TokenSecret: a.TokenSecret,
	}
}

// Account converts a runtime credential back into the persisted form.
func Account(c *model.Credential) AccountConfig {
	return AccountConfig{
		Name:        c.Name,
		UserID:      int64(c.UserID),
		Token:       c.Token,
		TokenSecret: c.TokenSecret,
	}
}

// SourceConfig names where a category's entries come from.
// Kinds: home, mentions, sent, dm-received, dm-sent, favorites, search,
// user, notices. Account selects the owning credential by name; empty
// means the first configured account.
type SourceConfig struct {
	Kind    string `yaml:"kind"`
	Account string `yaml:"account,omitempty"`
	// Name is the target screen name for user and favorites sources.
	Name string `yaml:"name,omitempty"`
	// Query is the keyword query for search sources.
	Query string `yaml:"query,omitempty"`
}

// TermConfig is one keep/drop predicate.
type TermConfig struct {
	Contains string `yaml:"contains,omitempty"`
	Pattern  string `yaml:"pattern,omitempty"`
	Negate   bool   `yaml:"negate,omitempty"`
}

type CategoryConfig struct {
	Name string `yaml:"name"`
	// Interval between refreshes, in seconds.
	Interval int            `yaml:"interval"`
	Sources  []SourceConfig `yaml:"sources"`
	Terms    []TermConfig   `yaml:"terms,omitempty"`
}

// IntervalDuration returns the refresh interval, defaulting to a minute.
func (c CategoryConfig) IntervalDuration() time.Duration {
	if c.Interval <= 0 {
		return time.Minute
	}
	return time.Duration(c.Interval) * time.Second
}

type TimelineConfig struct {
	// MaxEntries caps every category's list.
	MaxEntries int `yaml:"maxEntries"`
}

type ConnectionConfig struct {
	BaseURL   string `yaml:"baseUrl"`
	StreamURL string `yaml:"streamUrl"`
	Streaming bool   `yaml:"streaming"`
}

type StorageConfig struct {
	// DBPath enables the local sqlite archive when non-empty.
	DBPath string `yaml:"dbPath,omitempty"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// Default returns a sensible default configuration.
func Default() Config {
	return Config{
		Categories: []CategoryConfig{
			{Name: "Home", Interval: 90, Sources: []SourceConfig{{Kind: "home"}}},
			{Name: "Mentions", Interval: 180, Sources: []SourceConfig{{Kind: "mentions"}}},
			{Name: "Messages", Interval: 360, Sources: []SourceConfig{{Kind: "dm-received"}, {Kind: "dm-sent"}}},
		},
		Timeline: TimelineConfig{MaxEntries: 500},
		Connection: ConnectionConfig{
			BaseURL:   "https://api.twitter.com/1",
			StreamURL: "https://userstream.twitter.com/2/user.json",
			Streaming: true,
		},
		Storage: StorageConfig{DBPath: "./skylark.db"},
	}
}

// ResolveEnv fills in config fields from environment variables if not set.
func (c *Config) ResolveEnv() {
	if c.Consumer.Key == "" {
		c.Consumer.Key = os.Getenv("SKYLARK_CONSUMER_KEY")
	}
	if c.Consumer.Secret == "" {
		c.Consumer.Secret = os.Getenv("SKYLARK_CONSUMER_SECRET")
	}
}

// Validate rejects configs the engine cannot run with.
func (c *Config) Validate() error {
	if c.Consumer.Key == "" || c.Consumer.Secret == "" {
		return errors.New("consumer key and secret are required")
	}
	seen := make(map[string]bool, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.Name == "" {
			return errors.New("account name is required")
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate account %q", a.Name)
		}
		seen[a.Name] = true
	}
	for _, cat := range c.Categories {
		if cat.Name == "" {
			return errors.New("category name is required")
		}
		for _, s := range cat.Sources {
			switch s.Kind {
			case "home", "mentions", "sent", "dm-received", "dm-sent", "favorites", "notices":
			case "search":
				if s.Query == "" {
					return fmt.Errorf("category %q: search source needs a query", cat.Name)
				}
			case "user":
				if s.Name == "" {
					return fmt.Errorf("category %q: user source needs a name", cat.Name)
				}
			default:
				return fmt.Errorf("category %q: unknown source kind %q", cat.Name, s.Kind)
			}
			if s.Account != "" && !seen[s.Account] {
				return fmt.Errorf("category %q: unknown account %q", cat.Name, s.Account)
			}
		}
	}
	return nil
}

// Load reads YAML config from path.
func Load(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	cfg.ResolveEnv()
	return cfg, nil
}

// Save writes YAML config to path, creating directories as needed.
func Save(path string, cfg Config) error {
	if path == "" {
		return errors.New("empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
