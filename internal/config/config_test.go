package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
database_path: "${DB_PATH}"
signing:
  provider: raw
  mnemonic: "${TEST_MNEMONIC}"
networks:
  - name: sepolia
    chain_id: 11155111
    rpc_url: "https://rpc.example.com"
    block_interval: "12s"
    confirmations: 3
    eip1559: true
    gas_provider: blocknative
    gas_provider_url: "https://api.blocknative.com"
    gas_api_key: "key123"
    max_gas_price: "200000000000"
webhooks:
  max_retries: 5
  timeout: "10s"
  endpoints:
    - name: ops
      url: "https://hooks.example.com"
      shared_secret: "secret"
      networks: ["*"]
rate_limits:
  global:
    transactions_per_minute: 600
  per_user:
    transactions_per_minute: 60
  unlimited_users: ["admin"]
top_up:
  networks:
    - chain_id: 11155111
      source_address: "0x1111111111111111111111111111111111111111"
      source_wallet_index: 0
      targets: ["0x2222222222222222222222222222222222222222"]
      native:
        min_balance: "1000000000000000000"
        top_up_amount: "2000000000000000000"
`

func writeSample(t *testing.T) string {
	t.Helper()
	t.Setenv("DB_PATH", "test.db")
	t.Setenv("TEST_MNEMONIC", "test test test test test test test test test test test junk")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	return path
}

func TestLoadExpandsEnvVarsAndParsesNetwork(t *testing.T) {
	path := writeSample(t)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabasePath != "test.db" {
		t.Fatalf("expected interpolated db path, got %s", cfg.DatabasePath)
	}
	if cfg.Signing.Mnemonic != "test test test test test test test test test test test junk" {
		t.Fatalf("expected interpolated mnemonic, got %s", cfg.Signing.Mnemonic)
	}
	if len(cfg.Networks) != 1 || cfg.Networks[0].ChainId != 11155111 {
		t.Fatalf("expected one network with chain id 11155111, got %+v", cfg.Networks)
	}
	if cfg.Networks[0].BlockInterval.AsDuration().String() != "12s" {
		t.Fatalf("expected 12s block interval, got %s", cfg.Networks[0].BlockInterval.AsDuration())
	}
}

func TestResolveWebhooksAndRateLimits(t *testing.T) {
	cfg, err := Load(writeSample(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	wcfg := cfg.ResolveWebhooks()
	if len(wcfg.Endpoints) != 1 || wcfg.Endpoints[0].Name != "ops" {
		t.Fatalf("expected one ops endpoint, got %+v", wcfg.Endpoints)
	}
	if wcfg.MaxRetries != 5 {
		t.Fatalf("expected max retries 5, got %d", wcfg.MaxRetries)
	}

	rcfg := cfg.ResolveRateLimits()
	if rcfg.Global == nil || rcfg.Global.TransactionsPerMinute == nil || *rcfg.Global.TransactionsPerMinute != 600 {
		t.Fatalf("expected global cap 600, got %+v", rcfg.Global)
	}
	if !rcfg.UnlimitedUserSet.Contains("admin") {
		t.Fatalf("expected admin in unlimited user set")
	}
}

func TestResolveTopUpParsesAddressesAndAmounts(t *testing.T) {
	cfg, err := Load(writeSample(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tcfg, err := cfg.ResolveTopUp()
	if err != nil {
		t.Fatalf("ResolveTopUp: %v", err)
	}
	if len(tcfg.Networks) != 1 {
		t.Fatalf("expected one top-up network, got %d", len(tcfg.Networks))
	}
	net := tcfg.Networks[0]
	if net.Native == nil || net.Native.MinBalance.String() != "1000000000000000000" {
		t.Fatalf("expected parsed native min balance, got %+v", net.Native)
	}
	if len(net.Targets) != 1 {
		t.Fatalf("expected one target address, got %d", len(net.Targets))
	}
}

const brokenTopUpYAML = `
top_up:
  networks:
    - chain_id: 1
      source_address: "0x1111111111111111111111111111111111111111"
      source_wallet_index: 0
      native:
        min_balance: "not-a-number"
        top_up_amount: "1"
`

func TestResolveTopUpRejectsInvalidAmount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.yaml")
	if err := os.WriteFile(path, []byte(brokenTopUpYAML), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := cfg.ResolveTopUp(); err == nil {
		t.Fatalf("expected error for non-numeric min_balance")
	}
}
