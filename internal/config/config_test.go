package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	xerrors "AP2-Orchestrator/internal/errors"
	"AP2-Orchestrator/internal/registry"
)

const sample = `
server:
  address: ":9090"
agents:
  merchant_agent:
    base_url: "http://merchant.local/"
    public_key: "02abcdef"
timeouts:
  merchant: 3s
  otp: 2m
checkout:
  workers: 8
  max_attempts: 3
  queue:
    driver: redis
    redis:
      address: "localhost:6379"
orders:
  driver: memory
  data_dir: data
events:
  kafka:
    brokers: ["localhost:9092"]
    topic: ap2.events
  webhook:
    url: "http://hooks.local"
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sample), "/etc/ap2")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cfg.Server.Address != ":9090" || cfg.Checkout.Workers != 8 || cfg.Checkout.MaxAttempts != 3 {
		t.Fatalf("explicit values lost: %+v", cfg)
	}
	if cfg.Timeouts.Merchant != 3*time.Second || cfg.Timeouts.OTP != 2*time.Minute || cfg.Timeouts.Processor != 15*time.Second {
		t.Fatalf("unexpected timeouts: %+v", cfg.Timeouts)
	}
	if cfg.Orders.DataDir != filepath.Join("/etc/ap2", "data") {
		t.Fatalf("data dir not resolved: %s", cfg.Orders.DataDir)
	}
	if cfg.Events.Webhook.Timeout != 5*time.Second {
		t.Fatalf("webhook timeout default missing: %v", cfg.Events.Webhook.Timeout)
	}
	if cfg.ShoppingAgent.UserIdentity != "bugsbunny@gmail.com" || cfg.Simulator.OTPCode != "123456" {
		t.Fatalf("identity defaults missing: %+v", cfg.ShoppingAgent)
	}

	entry, ok := cfg.Registry().Lookup(registry.MerchantAgent)
	if !ok || entry.BaseURL != "http://merchant.local" || entry.PublicKey != "02abcdef" || len(entry.Extensions) != 2 {
		t.Fatalf("registry override not applied: %+v", entry)
	}
}

func TestParseAcceptsJSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"server":{"address":":7000"},"checkout":{"workers":2}}`), ".")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cfg.Server.Address != ":7000" || cfg.Checkout.Workers != 2 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	_, err := Parse([]byte(`
checkout:
  queue:
    driver: kafka
  store:
    driver: mysql
orders:
  driver: postgres
`), ".")
	if xerrors.CodeOf(err) != xerrors.CodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if got := len(xerrors.ProblemsOf(err)); got != 3 {
		t.Fatalf("expected 3 problems, got %d: %v", got, xerrors.ProblemsOf(err))
	}
}

func TestResolvePathHonoursEnv(t *testing.T) {
	t.Setenv(EnvPath, "/tmp/custom.yaml")
	if got := ResolvePath(""); got != "/tmp/custom.yaml" {
		t.Fatalf("unexpected path %s", got)
	}
	if got := ResolvePath("explicit.yaml"); got != "explicit.yaml" {
		t.Fatalf("unexpected path %s", got)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ap2.yaml")
	if err := os.WriteFile(path, []byte("server:\n  address: \":8181\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Address != ":8181" {
		t.Fatalf("unexpected address %s", cfg.Server.Address)
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); xerrors.CodeOf(err) != xerrors.CodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestLoadOrDefaultWithoutFile(t *testing.T) {
	t.Setenv(EnvPath, "")
	wd, _ := os.Getwd()
	t.Cleanup(func() { _ = os.Chdir(wd) })
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	cfg, err := LoadOrDefault("")
	if err != nil {
		t.Fatalf("expected defaults, got %v", err)
	}
	if cfg.Checkout.Queue.Driver != "memory" {
		t.Fatalf("unexpected driver %s", cfg.Checkout.Queue.Driver)
	}
}

func TestShippedConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "ap2.yaml"))
	if err != nil {
		t.Fatalf("shipped config should load: %v", err)
	}
	if cfg.ShoppingAgent.Currency != "INR" || cfg.Simulator.OTPCode != "123456" {
		t.Fatalf("unexpected shipped values: %+v %+v", cfg.ShoppingAgent, cfg.Simulator)
	}
	entry, ok := cfg.Registry().Lookup(registry.MerchantPaymentProcessor)
	if !ok || entry.BaseURL != "http://localhost:8001" {
		t.Fatalf("unexpected processor entry %+v", entry)
	}
	if cfg.Server.RateLimit.RPS != 20 || cfg.Server.RateLimit.Burst != 40 {
		t.Fatalf("unexpected rate limit %+v", cfg.Server.RateLimit)
	}
}

func TestAuthKeysResolveFromEnv(t *testing.T) {
	t.Setenv("AP2_TEST_KEY", "from-env")
	cfg, err := Parse([]byte(`
server:
  auth:
    mode: api_key
    keys:
      - name: ops
        key: inline
        key_env: AP2_TEST_KEY
        permissions: ["*"]
`), ".")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ac := cfg.AuthService()
	if len(ac.Keys) != 1 || ac.Keys[0].Key != "from-env" || string(ac.Mode) != "api_key" {
		t.Fatalf("unexpected auth config %+v", ac)
	}
	if Default().Server.Auth.Mode != "disabled" {
		t.Fatalf("auth should default to disabled")
	}
	if _, err := Parse([]byte("server:\n  auth:\n    mode: jwt\n"), "."); xerrors.CodeOf(err) != xerrors.CodeConfiguration {
		t.Fatalf("expected configuration error for unknown mode, got %v", err)
	}
}
