// Package utxoprovider defines the UTXO source every txbuilder.Builder is
// fed from. The spec treats this source as an external collaborator (the
// indexer or node a deployment wires up), so the interface is the
// product here; utxoprovider/electrum is one concrete adapter.
package utxoprovider

import (
	"context"

	"github.com/opnet-labs/opnettx/txbuilder"
)

// Provider supplies spendable UTXOs for a single address.
type Provider interface {
	ListUnspent(ctx context.Context, address string) ([]txbuilder.UTXORef, error)
}
