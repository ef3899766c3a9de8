// Package netparams resolves the three supported networks (mainnet,
// testnet, regtest) to their wire-protocol magic and default
// indexer/daemon ports, building on the chain parameters shipped by
// github.com/btcsuite/btcd.
package netparams

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

// Network identifies one of the three supported networks.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Regtest Network = "regtest"
)

// Params bundles everything the core needs to know about a network.
type Params struct {
	Network          Network
	Magic            wire.BitcoinNet
	ChainParams      *chaincfg.Params
	IndexerRPCPort   int
	DaemonRPCPort    int
	DefaultDirSuffix string
}

var byNetwork = map[Network]Params{
	Mainnet: {
		Network:          Mainnet,
		Magic:            wire.MainNet,
		ChainParams:      &chaincfg.MainNetParams,
		IndexerRPCPort:   50001,
		DaemonRPCPort:    8332,
		DefaultDirSuffix: "mainnet",
	},
	Testnet: {
		Network:          Testnet,
		Magic:            wire.TestNet3,
		ChainParams:      &chaincfg.TestNet3Params,
		IndexerRPCPort:   60001,
		DaemonRPCPort:    18332,
		DefaultDirSuffix: "testnet3",
	},
	Regtest: {
		Network:          Regtest,
		Magic:            wire.TestNet,
		ChainParams:      &chaincfg.RegressionNetParams,
		IndexerRPCPort:   60401,
		DaemonRPCPort:    18443,
		DefaultDirSuffix: "regtest",
	},
}

// Lookup resolves a network name to its Params.
func Lookup(name string) (Params, error) {
	p, ok := byNetwork[Network(name)]
	if !ok {
		return Params{}, fmt.Errorf("netparams: unknown network %q (want mainnet, testnet, or regtest)", name)
	}
	return p, nil
}
