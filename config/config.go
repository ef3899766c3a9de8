// Package config loads the layered configuration: system config file,
// user config file, working-directory config file, environment variables,
// then command-line flags, each overriding the last.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/btcaddrindex/addrindexer/internal/netparams"
)

// envPrefix is prepended (upper-cased) to every recognized key when viper
// resolves it from the environment: ADDRINDEXRS_NETWORK, ADDRINDEXRS_DB_DIR
// and so on.
const envPrefix = "ADDRINDEXRS"

// Config holds every recognized option.
type Config struct {
	DBDir       string `mapstructure:"db_dir"`
	DaemonDir   string `mapstructure:"daemon_dir"`
	Cookie      string `mapstructure:"cookie"`
	DaemonUser  string `mapstructure:"daemon_user"`
	DaemonPass  string `mapstructure:"daemon_pass"`
	Network     string `mapstructure:"network"`

	IndexerRPCHost string `mapstructure:"indexer_rpc_host"`
	IndexerRPCPort int    `mapstructure:"indexer_rpc_port"`
	DaemonRPCHost  string `mapstructure:"daemon_rpc_host"`
	DaemonRPCPort  int    `mapstructure:"daemon_rpc_port"`

	JSONRPCImport         bool `mapstructure:"jsonrpc_import"`
	IndexBatchSize        int  `mapstructure:"index_batch_size"`
	BulkIndexThreads      int  `mapstructure:"bulk_index_threads"`
	BlockTxIDsCacheSizeMB int  `mapstructure:"blocktxids_cache_size_mb"`

	Verbose   int  `mapstructure:"verbose"`
	Timestamp bool `mapstructure:"timestamp"`
}

// defaults holds the out-of-the-box values. Network-dependent fields (the
// two RPC ports) are filled in after loading, only if the user hasn't set
// them.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"db_dir":                   "./db",
		"daemon_dir":               "",
		"cookie":                   "",
		"network":                  string(netparams.Mainnet),
		"indexer_rpc_host":         "127.0.0.1",
		"daemon_rpc_host":          "127.0.0.1",
		"jsonrpc_import":           false,
		"index_batch_size":         100,
		"bulk_index_threads":       runtime.NumCPU(),
		"blocktxids_cache_size_mb": 10,
		"verbose":                  0,
		"timestamp":                true,
	}
}

// Load builds a Config by layering, lowest to highest precedence:
// /etc/addrindexer/config.toml, ~/.addrindexer/config.toml,
// ./addrindexer.toml, ADDRINDEXRS_-prefixed environment variables, then
// the flags already parsed into fs.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for key, val := range defaults() {
		v.SetDefault(key, val)
	}

	home, _ := os.UserHomeDir()
	for _, path := range []string{
		"/etc/addrindexer/config.toml",
		filepath.Join(home, ".addrindexer", "config.toml"),
		"./addrindexer.toml",
	} {
		if path == "" {
			continue
		}
		if err := mergeFile(v, path); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := applyNetworkDefaults(cfg, v); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeFile merges one TOML file into v if it exists, tolerating a
// missing file (every config layer is optional) but not a malformed one.
// Each call is independent of viper's own config-path search so the three
// layers merge in a fixed low-to-high order regardless of which paths
// exist.
func mergeFile(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	layer := viper.New()
	layer.SetConfigFile(path)
	layer.SetConfigType("toml")
	if err := layer.ReadInConfig(); err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	return v.MergeConfigMap(layer.AllSettings())
}

// applyNetworkDefaults fills in indexer_rpc_port/daemon_rpc_port from the
// resolved network's defaults when the user left them unset.
func applyNetworkDefaults(cfg *Config, v *viper.Viper) error {
	params, err := netparams.Lookup(cfg.Network)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if !v.IsSet("indexer_rpc_port") {
		cfg.IndexerRPCPort = params.IndexerRPCPort
	}
	if !v.IsSet("daemon_rpc_port") {
		cfg.DaemonRPCPort = params.DaemonRPCPort
	}
	return nil
}

func (c *Config) validate() error {
	if _, err := netparams.Lookup(c.Network); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.IndexerRPCPort <= 0 || c.IndexerRPCPort > 65535 {
		return fmt.Errorf("config: indexer_rpc_port out of range: %d", c.IndexerRPCPort)
	}
	if c.DaemonRPCPort <= 0 || c.DaemonRPCPort > 65535 {
		return fmt.Errorf("config: daemon_rpc_port out of range: %d", c.DaemonRPCPort)
	}
	if c.IndexBatchSize <= 0 {
		return fmt.Errorf("config: index_batch_size must be positive")
	}
	if c.BulkIndexThreads <= 0 {
		return fmt.Errorf("config: bulk_index_threads must be positive")
	}
	if c.Cookie == "" && c.DaemonPass == "" && c.DaemonDir == "" {
		return fmt.Errorf("config: no daemon credentials: set cookie, daemon_user/daemon_pass, or daemon_dir (for its .cookie file)")
	}
	return nil
}

// CookiePath returns the cookie file to read node credentials from: the
// explicit cookie option if set, otherwise the .cookie file the node
// maintains in its data directory. Empty if user/pass auth is in use.
func (c *Config) CookiePath() string {
	if c.DaemonPass != "" {
		return ""
	}
	if c.Cookie != "" {
		return c.Cookie
	}
	if c.DaemonDir != "" {
		return filepath.Join(c.DaemonDir, ".cookie")
	}
	return ""
}

// RegisterFlags adds every Config field as a pflag, for main.go to parse
// before calling Load.
func RegisterFlags(fs *pflag.FlagSet) {
	d := defaults()
	fs.String("db_dir", d["db_dir"].(string), "directory for the on-disk index")
	fs.String("daemon_dir", d["daemon_dir"].(string), "full node data directory (for blk*.dat bulk import)")
	fs.String("cookie", d["cookie"].(string), "path to the node's .cookie auth file")
	fs.String("daemon_user", "", "daemon RPC username (alternative to cookie)")
	fs.String("daemon_pass", "", "daemon RPC password (alternative to cookie)")
	fs.String("network", d["network"].(string), "mainnet, testnet, or regtest")
	fs.String("indexer_rpc_host", d["indexer_rpc_host"].(string), "bind address for the indexer's own RPC service")
	fs.Int("indexer_rpc_port", 0, "bind port for the indexer's own RPC service (0 = network default)")
	fs.String("daemon_rpc_host", d["daemon_rpc_host"].(string), "full node RPC host")
	fs.Int("daemon_rpc_port", 0, "full node RPC port (0 = network default)")
	fs.Bool("jsonrpc_import", d["jsonrpc_import"].(bool), "force RpcSource import instead of reading blk*.dat directly")
	fs.Int("index_batch_size", d["index_batch_size"].(int), "blocks per daemon batch request")
	fs.Int("bulk_index_threads", d["bulk_index_threads"].(int), "worker count for the bulk parse/extract stage")
	fs.Int("blocktxids_cache_size_mb", d["blocktxids_cache_size_mb"].(int), "txid cache capacity in megabytes")
	fs.CountP("verbose", "v", "increase log verbosity (repeatable)")
	fs.Bool("timestamp", d["timestamp"].(bool), "prefix log lines with a timestamp")
}
