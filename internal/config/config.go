// Package config loads the process configuration (§6) from a TOML file
// using naoina/toml, the teacher's configuration library, and exposes
// the urfave/cli flags that point at it and allow a handful of overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/naoina/toml"
)

// Upstream is one named substitution entry under the [upstream.*] table.
type Upstream struct {
	URI            string `toml:"uri"`
	MaxConnections int    `toml:"max_connections"`
	KeepAlive      bool   `toml:"keep_alive"`
	TimeoutMs      int    `toml:"timeout_ms"`
}

func (u Upstream) Timeout() time.Duration { return time.Duration(u.TimeoutMs) * time.Millisecond }

// IPFilter configures the rate limiter (§4.6).
type IPFilter struct {
	RequestsPerSec int `toml:"requests_per_sec"`
	WindowSizeSec  int `toml:"window_size_sec"`
	BanIPSec       int `toml:"ban_ip_sec"`
}

// Config is the full [6]-described configuration surface.
type Config struct {
	HTTPAddress string `toml:"http_address"`
	CoapAddress string `toml:"coap_address"`

	WorkersCount               int `toml:"workers_count"`
	WorkerQueueLen             int `toml:"worker_queue_len"`
	WorkersExpellingIntervalMs int `toml:"workers_expelling_interval_ms"`

	TimerPollIntervalMs     int `toml:"timer_poll_interval_ms"`
	HTTPConnectionTimeoutMs int `toml:"http_connection_timeout"`
	UpstreamRequestTimeoutMs int `toml:"upstream_request_timeout"`
	LRUTimeoutMs            int `toml:"lru_timeout_ms"`

	CryptonodeRPCAddress string `toml:"cryptonode_rpc_address"`

	Upstream map[string]Upstream `toml:"upstream"`
	IPFilter IPFilter             `toml:"ipfilter"`

	DataDir                      string `toml:"data_dir"`
	StakeWalletName              string `toml:"stake_wallet_name"`
	StakeWalletRefreshIntervalMs int    `toml:"stake_wallet_refresh_interval_ms"`
	Testnet                      bool   `toml:"testnet"`
	WatchonlyWalletsPath         string `toml:"watchonly_wallets_path"`

	LogLevel      int    `toml:"log_level"`
	LogConsole    bool   `toml:"log_console"`
	LogFilename   string `toml:"log_filename"`
	LogCategories string `toml:"log_categories"`

	BlacklistRuleFile string `toml:"blacklist_rule_file"`
}

// Default fills in the minimal viable set of fields, used by tests and as
// a base a loaded file is layered over.
func Default() *Config {
	return &Config{
		HTTPAddress:                "0.0.0.0:28690",
		WorkersCount:               4,
		WorkerQueueLen:             128,
		WorkersExpellingIntervalMs: 60000,
		TimerPollIntervalMs:        1000,
		HTTPConnectionTimeoutMs:    5000,
		UpstreamRequestTimeoutMs:   5000,
		LRUTimeoutMs:               60000,
		IPFilter:                   IPFilter{RequestsPerSec: 100, WindowSizeSec: 5, BanIPSec: 300},
	}
}

// Load reads and parses path, applied on top of Default().
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	cfg := Default()
	if err := toml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}
