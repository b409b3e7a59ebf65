// Package config loads the operator-facing YAML configuration
// describing networks, webhook endpoints, rate limits, and automatic
// top-up policy, then resolves it into the strongly typed config
// structs internal/queue, internal/webhook, internal/ratelimit, and
// internal/topup expect.
//
// No example repo in the pack parses YAML, so this package follows the
// teacher's flag-parsing main()'s plain, fail-fast style (os.Getenv
// defaults, log.Fatalf-worthy errors returned rather than panicking)
// while using gopkg.in/yaml.v3 for the actual decode, the ecosystem's
// standard choice for this job.
package config

import (
	"fmt"
	"math/big"
	"os"
	"regexp"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/rrelayer/rrelayer/internal/queue"
	"github.com/rrelayer/rrelayer/internal/ratelimit"
	"github.com/rrelayer/rrelayer/internal/topup"
	"github.com/rrelayer/rrelayer/internal/webhook"
)

// Duration wraps time.Duration with YAML string support ("12s", "500ms").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) AsDuration() time.Duration { return time.Duration(d) }

// NetworkConfig is one chain's full relay configuration (spec §3, §6).
type NetworkConfig struct {
	Name            string   `yaml:"name"`
	ChainId         uint64   `yaml:"chain_id"`
	RPCURL          string   `yaml:"rpc_url"`
	BlockInterval   Duration `yaml:"block_interval"`
	Confirmations   int      `yaml:"confirmations"`
	EIP1559         bool     `yaml:"eip1559"`
	BlobSupport     bool     `yaml:"blob_support"`
	SigningProvider string   `yaml:"signing_provider"`
	GasProvider     string   `yaml:"gas_provider"`
	GasProviderURL  string   `yaml:"gas_provider_url"`
	GasAPIKey       string   `yaml:"gas_api_key"`
	MaxGasPrice     string   `yaml:"max_gas_price"`
	AllowlistedOnly bool     `yaml:"allowlisted_only"`
}

// QueueConfig resolves this network's queue.Config.
func (n NetworkConfig) QueueConfig() queue.Config {
	return queue.Config{
		BlockInterval: n.BlockInterval.AsDuration(),
		Confirmations: n.Confirmations,
	}
}

// MaxGasPriceWei parses the configured gas-price ceiling, nil when unset.
func (n NetworkConfig) MaxGasPriceWei() (*big.Int, error) {
	if n.MaxGasPrice == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(n.MaxGasPrice, 10)
	if !ok {
		return nil, fmt.Errorf("config: network %s: invalid max_gas_price %q", n.Name, n.MaxGasPrice)
	}
	return v, nil
}

// EndpointConfig is one webhook subscriber (spec §6).
type EndpointConfig struct {
	Name         string   `yaml:"name"`
	URL          string   `yaml:"url"`
	SharedSecret string   `yaml:"shared_secret"`
	Networks     []string `yaml:"networks"`
}

// WebhookConfig configures the process-wide webhook manager.
type WebhookConfig struct {
	MaxRetries int        `yaml:"max_retries"`
	Timeout    Duration   `yaml:"timeout"`
	Endpoints  []EndpointConfig `yaml:"endpoints"`
}

// LimitsConfig mirrors ratelimit.Limits in YAML-friendly form.
type LimitsConfig struct {
	TransactionsPerMinute *uint64 `yaml:"transactions_per_minute"`
	SigningPerMinute      *uint64 `yaml:"signing_per_minute"`
}

func (l LimitsConfig) resolve() ratelimit.Limits {
	return ratelimit.Limits{TransactionsPerMinute: l.TransactionsPerMinute, SigningPerMinute: l.SigningPerMinute}
}

// RateLimitConfig configures the process-wide rate limiter (spec §4.10).
type RateLimitConfig struct {
	Global         *LimitsConfig `yaml:"global"`
	PerUser        LimitsConfig  `yaml:"per_user"`
	UnlimitedUsers []string      `yaml:"unlimited_users"`
}

// NativeTopUpConfig mirrors topup.NativeTokenConfig in YAML-friendly form.
type NativeTopUpConfig struct {
	MinBalance  string `yaml:"min_balance"`
	TopUpAmount string `yaml:"top_up_amount"`
}

// ERC20TopUpConfig mirrors topup.ERC20TokenConfig in YAML-friendly form.
type ERC20TopUpConfig struct {
	Token       string `yaml:"token"`
	MinBalance  string `yaml:"min_balance"`
	TopUpAmount string `yaml:"top_up_amount"`
}

// TopUpNetworkConfig is one network's automatic top-up policy (spec §4.9).
type TopUpNetworkConfig struct {
	ChainId           uint64             `yaml:"chain_id"`
	SourceAddress     string             `yaml:"source_address"`
	SourceWalletIndex uint32             `yaml:"source_wallet_index"`
	Targets           []string           `yaml:"targets"`
	Native            *NativeTopUpConfig `yaml:"native"`
	ERC20             []ERC20TopUpConfig `yaml:"erc20"`
}

// TopUpConfig configures the process-wide automatic top-up task.
type TopUpConfig struct {
	Networks []TopUpNetworkConfig `yaml:"networks"`
}

// SigningConfig selects and parameterizes the process-wide wallet
// backend (spec §4.11). Only "raw" is constructible from YAML alone;
// the cloud/HSM/custody backends need a live credentialed client the
// operator wires in code (see cmd/relayerd).
type SigningConfig struct {
	Provider string `yaml:"provider"`
	Mnemonic string `yaml:"mnemonic"`
}

// Config is the full YAML document this engine loads at startup.
type Config struct {
	DatabasePath string          `yaml:"database_path"`
	Signing      SigningConfig   `yaml:"signing"`
	Networks     []NetworkConfig `yaml:"networks"`
	Webhooks     WebhookConfig   `yaml:"webhooks"`
	RateLimits   RateLimitConfig `yaml:"rate_limits"`
	TopUp        TopUpConfig     `yaml:"top_up"`
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolateEnv replaces ${VAR} references with the environment's
// value, leaving the reference untouched when the variable is unset so
// misconfiguration surfaces at connection time rather than silently.
func interpolateEnv(raw []byte) []byte {
	return envVarPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		if v, ok := os.LookupEnv(string(name)); ok {
			return []byte(v)
		}
		return match
	})
}

// Load reads and parses the YAML configuration file at path, expanding
// ${VAR} environment references first.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	expanded := interpolateEnv(raw)

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "rrelayer.db"
	}
	return &cfg, nil
}

// ResolveWebhooks builds internal/webhook's Config.
func (c *Config) ResolveWebhooks() webhook.Config {
	endpoints := make([]webhook.Endpoint, 0, len(c.Webhooks.Endpoints))
	for _, e := range c.Webhooks.Endpoints {
		endpoints = append(endpoints, webhook.Endpoint{
			Name:         e.Name,
			URL:          e.URL,
			SharedSecret: e.SharedSecret,
			Networks:     e.Networks,
		})
	}
	return webhook.Config{
		Endpoints:  endpoints,
		MaxRetries: c.Webhooks.MaxRetries,
		Timeout:    c.Webhooks.Timeout.AsDuration(),
	}
}

// ResolveRateLimits builds internal/ratelimit's Config.
func (c *Config) ResolveRateLimits() ratelimit.Config {
	var global *ratelimit.Limits
	if c.RateLimits.Global != nil {
		l := c.RateLimits.Global.resolve()
		global = &l
	}
	return ratelimit.Config{
		Global:           global,
		PerUser:          c.RateLimits.PerUser.resolve(),
		UnlimitedUserSet: mapset.NewSet(c.RateLimits.UnlimitedUsers...),
	}
}

// ResolveTopUp builds internal/topup's Config, parsing every address and
// decimal-string amount.
func (c *Config) ResolveTopUp() (topup.Config, error) {
	out := topup.Config{Networks: make([]topup.NetworkConfig, 0, len(c.TopUp.Networks))}
	for _, n := range c.TopUp.Networks {
		targets := make([]common.Address, 0, len(n.Targets))
		for _, t := range n.Targets {
			targets = append(targets, common.HexToAddress(t))
		}

		var native *topup.NativeTokenConfig
		if n.Native != nil {
			minBalance, err := parseBig(n.Native.MinBalance)
			if err != nil {
				return topup.Config{}, fmt.Errorf("config: network %d native min_balance: %w", n.ChainId, err)
			}
			topUpAmount, err := parseBig(n.Native.TopUpAmount)
			if err != nil {
				return topup.Config{}, fmt.Errorf("config: network %d native top_up_amount: %w", n.ChainId, err)
			}
			native = &topup.NativeTokenConfig{MinBalance: minBalance, TopUpAmount: topUpAmount}
		}

		erc20 := make([]topup.ERC20TokenConfig, 0, len(n.ERC20))
		for _, tok := range n.ERC20 {
			minBalance, err := parseBig(tok.MinBalance)
			if err != nil {
				return topup.Config{}, fmt.Errorf("config: network %d token %s min_balance: %w", n.ChainId, tok.Token, err)
			}
			topUpAmount, err := parseBig(tok.TopUpAmount)
			if err != nil {
				return topup.Config{}, fmt.Errorf("config: network %d token %s top_up_amount: %w", n.ChainId, tok.Token, err)
			}
			erc20 = append(erc20, topup.ERC20TokenConfig{
				Token:       common.HexToAddress(tok.Token),
				MinBalance:  minBalance,
				TopUpAmount: topUpAmount,
			})
		}

		out.Networks = append(out.Networks, topup.NetworkConfig{
			ChainId:           n.ChainId,
			SourceAddress:     common.HexToAddress(n.SourceAddress),
			SourceWalletIndex: n.SourceWalletIndex,
			Targets:           targets,
			Native:            native,
			ERC20:             erc20,
		})
	}
	return out, nil
}

func parseBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal integer %q", s)
	}
	return v, nil
}
