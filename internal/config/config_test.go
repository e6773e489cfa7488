package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Consumer = ConsumerConfig{Key: "ck", Secret: "cs"}
	cfg.Accounts = []AccountConfig{{Name: "alice", UserID: 1, Token: "tok", TokenSecret: "sec"}}

	path := filepath.Join(t.TempDir(), "conf", "skylark.yaml")
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(cfg, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveEnvFillsConsumerPair(t *testing.T) {
	t.Setenv("SKYLARK_CONSUMER_KEY", "env-key")
	t.Setenv("SKYLARK_CONSUMER_SECRET", "env-secret")
	cfg := Default()
	cfg.ResolveEnv()
	if cfg.Consumer.Key != "env-key" || cfg.Consumer.Secret != "env-secret" {
		t.Fatalf("consumer = %+v", cfg.Consumer)
	}

	cfg.Consumer = ConsumerConfig{Key: "explicit", Secret: "explicit"}
	cfg.ResolveEnv()
	if cfg.Consumer.Key != "explicit" {
		t.Fatalf("explicit values must win over env")
	}
}

func TestCredentialConversion(t *testing.T) {
	a := AccountConfig{Name: "alice", UserID: 1, Token: "tok", TokenSecret: "sec"}
	cred := a.Credential()
	if !cred.Authorized() {
		t.Fatalf("token pair present means authorized")
	}
	if diff := cmp.Diff(a, Account(cred)); diff != "" {
		t.Fatalf("conversion mismatch (-want +got):\n%s", diff)
	}

	bare := AccountConfig{Name: "bob", UserID: 2}
	if bare.Credential().Authorized() {
		t.Fatalf("absent token fields mean not authorized")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Consumer = ConsumerConfig{Key: "ck", Secret: "cs"}
	cfg.Accounts = []AccountConfig{{Name: "alice", UserID: 1}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config with consumer pair must validate: %v", err)
	}

	bad := cfg
	bad.Consumer.Secret = ""
	if bad.Validate() == nil {
		t.Fatalf("missing consumer secret must fail")
	}

	bad = cfg
	bad.Categories = append([]CategoryConfig(nil), cfg.Categories...)
	bad.Categories = append(bad.Categories, CategoryConfig{Name: "s", Sources: []SourceConfig{{Kind: "search"}}})
	if bad.Validate() == nil {
		t.Fatalf("search source without a query must fail")
	}

	bad = cfg
	bad.Categories = []CategoryConfig{{Name: "x", Sources: []SourceConfig{{Kind: "home", Account: "ghost"}}}}
	if bad.Validate() == nil {
		t.Fatalf("unknown account reference must fail")
	}
}

func TestIntervalDuration(t *testing.T) {
	if got := (CategoryConfig{Interval: 90}).IntervalDuration(); got != 90*time.Second {
		t.Fatalf("interval = %v", got)
	}
	if got := (CategoryConfig{}).IntervalDuration(); got != time.Minute {
		t.Fatalf("default interval = %v", got)
	}
}
