// Package opnettx constructs, signs, and exports Bitcoin transactions for
// the OP_NET smart-contract protocol: Taproot script-path interactions, the
// hash-committed P2WSH censorship-evasion path, and their supporting fee
// estimation and signing orchestration.
package opnettx

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/hashicorp/go-hclog"
)

// NetworkName identifies one of the three networks this core builds
// transactions for.
type NetworkName string

const (
	NetworkMainnet NetworkName = "mainnet"
	NetworkTestnet NetworkName = "testnet"
	NetworkRegtest NetworkName = "regtest"
)

// Params resolves a network name to the chaincfg parameters the rest of the
// pipeline needs for address encoding and script construction.
func (n NetworkName) Params() (*chaincfg.Params, error) {
	switch n {
	case NetworkMainnet:
		return &chaincfg.MainNetParams, nil
	case NetworkTestnet:
		return &chaincfg.TestNet3Params, nil
	case NetworkRegtest:
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("opnettx: invalid network %q", n)
	}
}

// Default protocol-wide constants (spec §6).
const (
	DustThresholdSegwit  uint64 = 546
	DustThresholdTaproot uint64 = 330
	MaxCompressedCalldata int   = 1 << 20
	TapscriptLeafVersion  byte  = 0xc0
	DefaultTxVersion      int32 = 2
	MinimumAmountReward   uint64 = 330
	MaxFeeLoopIterations  int   = 5
)

// Config is the caller-supplied, process-wide configuration for a builder
// session. It carries no persistence or network I/O of its own: UTXOs are
// always supplied by the caller or an injected utxoprovider.Provider.
type Config struct {
	Network     NetworkName
	Logger      hclog.Logger
	DefaultFeeRate float64 // sat/vB; builders take their fee rate as a constructor argument and do not read this field
}

// WithDefaults fills unset fields with library defaults; it never mutates
// fields the caller already populated.
func (c Config) WithDefaults() Config {
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}
	if c.Network == "" {
		c.Network = NetworkMainnet
	}
	if c.DefaultFeeRate <= 0 {
		c.DefaultFeeRate = 1
	}
	return c
}
