// Package config holds the runtime configuration of the authorization services.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	dapps "github.com/decentraland/dapps/go"
	"github.com/decentraland/dapps/go/mechanisms/evm"
)

// Keys read by Load. Each key is also read from the environment with the DAPPS_ prefix,
// dashes replaced by underscores (DAPPS_RPC_ETHEREUM, DAPPS_PRIVATE_KEY, ...).
const (
	KeyRPCEthereum         = "rpc-ethereum"
	KeyRPCSepolia          = "rpc-sepolia"
	KeyRPCPolygon          = "rpc-polygon"
	KeyRPCAmoy             = "rpc-amoy"
	KeyChainID             = "chain-id"
	KeyPrivateKey          = "private-key"
	KeyPollDelay           = "poll-delay"
	KeyDroppedAfter        = "dropped-after"
	KeyRevertedWatchWindow = "reverted-window"
	KeyBatchSize           = "batch-size"
	KeyRequestsPerSecond   = "rps"
	KeyListenAddr          = "listen"
)

// EnvPrefix is the environment variable prefix
const EnvPrefix = "DAPPS"

// DefaultListenAddr is the default HTTP listen address
const DefaultListenAddr = ":8080"

var rpcKeys = map[string]dapps.ChainID{
	KeyRPCEthereum: dapps.ChainIDEthereumMainnet,
	KeyRPCSepolia:  dapps.ChainIDEthereumSepolia,
	KeyRPCPolygon:  dapps.ChainIDPolygonMainnet,
	KeyRPCAmoy:     dapps.ChainIDPolygonAmoy,
}

// Config is the configuration of the reader, tracker, wallet and HTTP surface
type Config struct {
	// RPCURLs maps each chain to its JSON-RPC endpoint
	RPCURLs map[dapps.ChainID]string `json:"rpcUrls"`
	// ChainID is the chain the wallet is connected to
	ChainID dapps.ChainID `json:"chainId"`
	// PrivateKey is the hex-encoded wallet key. Only required to send transactions.
	PrivateKey string `json:"-"`

	// InitialPollDelay is the first delay of the confirmation backoff (default: 1s)
	InitialPollDelay time.Duration `json:"initialPollDelay,omitempty"`
	// DroppedAfter is how long an unknown transaction is reported as pending (default: 10m)
	DroppedAfter time.Duration `json:"droppedAfter,omitempty"`
	// RevertedWatchWindow bounds the watch of reverted transactions (default: 24h)
	RevertedWatchWindow time.Duration `json:"revertedWatchWindow,omitempty"`
	// RefreshBatchSize is the number of reads per JSON-RPC batch (default: 500)
	RefreshBatchSize int `json:"refreshBatchSize,omitempty"`
	// RPCRequestsPerSecond limits read batches per chain; zero means unlimited
	RPCRequestsPerSecond float64 `json:"rpcRequestsPerSecond,omitempty"`

	// ListenAddr is the HTTP listen address (default: ":8080")
	ListenAddr string `json:"listenAddr,omitempty"`
}

// NewViper returns a viper instance reading DAPPS_ environment variables
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration from v and validates it
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		RPCURLs:              make(map[dapps.ChainID]string),
		ChainID:              dapps.ChainID(v.GetUint64(KeyChainID)),
		PrivateKey:           strings.TrimSpace(v.GetString(KeyPrivateKey)),
		InitialPollDelay:     v.GetDuration(KeyPollDelay),
		DroppedAfter:         v.GetDuration(KeyDroppedAfter),
		RevertedWatchWindow:  v.GetDuration(KeyRevertedWatchWindow),
		RefreshBatchSize:     v.GetInt(KeyBatchSize),
		RPCRequestsPerSecond: v.GetFloat64(KeyRequestsPerSecond),
		ListenAddr:           v.GetString(KeyListenAddr),
	}
	for key, chainID := range rpcKeys {
		if url := strings.TrimSpace(v.GetString(key)); url != "" {
			cfg.RPCURLs[chainID] = url
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if the config has all required fields
func (c *Config) Validate() error {
	if len(c.RPCURLs) == 0 {
		return ErrMissingRPCURL
	}
	for chainID := range c.RPCURLs {
		if !evm.IsValidChain(chainID) {
			return fmt.Errorf("%w: %s", ErrUnsupportedChain, chainID)
		}
	}
	if c.ChainID == 0 {
		return ErrMissingChainID
	}
	if _, ok := c.RPCURLs[c.ChainID]; !ok {
		return fmt.Errorf("%w: %s", ErrMissingConnectedRPC, c.ChainID)
	}
	if c.InitialPollDelay < 0 || c.DroppedAfter < 0 || c.RevertedWatchWindow < 0 {
		return ErrNegativeDuration
	}
	if c.RPCRequestsPerSecond < 0 {
		return ErrNegativeRateLimit
	}
	return nil
}

// GetInitialPollDelay returns the first backoff delay, defaulting to 1s if not set
func (c *Config) GetInitialPollDelay() time.Duration {
	if c.InitialPollDelay <= 0 {
		return evm.DefaultInitialPollDelay
	}
	return c.InitialPollDelay
}

// GetDroppedAfter returns the dropped window, defaulting to 10m if not set
func (c *Config) GetDroppedAfter() time.Duration {
	if c.DroppedAfter <= 0 {
		return evm.DefaultDroppedAfter
	}
	return c.DroppedAfter
}

// GetRevertedWatchWindow returns the reverted watch window, defaulting to 24h if not set
func (c *Config) GetRevertedWatchWindow() time.Duration {
	if c.RevertedWatchWindow <= 0 {
		return evm.DefaultRevertedWatchWindow
	}
	return c.RevertedWatchWindow
}

// GetRefreshBatchSize returns the read batch size, defaulting to 500 if not set
func (c *Config) GetRefreshBatchSize() int {
	if c.RefreshBatchSize <= 0 {
		return evm.DefaultBatchSize
	}
	return c.RefreshBatchSize
}

// GetListenAddr returns the HTTP listen address
func (c *Config) GetListenAddr() string {
	if c.ListenAddr == "" {
		return DefaultListenAddr
	}
	return c.ListenAddr
}

// ReaderOptions returns the reader options described by the config
func (c *Config) ReaderOptions() []evm.ReaderOption {
	return []evm.ReaderOption{
		evm.WithBatchSize(c.GetRefreshBatchSize()),
		evm.WithRateLimit(c.RPCRequestsPerSecond, 1),
	}
}

// TrackerOptions returns the tracker options described by the config
func (c *Config) TrackerOptions() []evm.TrackerOption {
	return []evm.TrackerOption{
		evm.WithInitialPollDelay(c.GetInitialPollDelay()),
		evm.WithDroppedAfter(c.GetDroppedAfter()),
		evm.WithRevertedWatchWindow(c.GetRevertedWatchWindow()),
	}
}
