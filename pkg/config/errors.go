package config

import "errors"

// Config validation errors
var (
	ErrMissingRPCURL       = errors.New("dapps: at least one RPC URL is required")
	ErrUnsupportedChain    = errors.New("dapps: unsupported chain")
	ErrMissingChainID      = errors.New("dapps: chain-id is required")
	ErrMissingConnectedRPC = errors.New("dapps: no RPC URL for the connected chain")
	ErrNegativeDuration    = errors.New("dapps: durations must not be negative")
	ErrNegativeRateLimit   = errors.New("dapps: rps must not be negative")
	ErrMissingPrivateKey   = errors.New("dapps: private-key is required to send transactions")
)
