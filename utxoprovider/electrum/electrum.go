// Package electrum adapts the Electrum protocol client into a
// utxoprovider.Provider, grounded on the teacher's electrum/client.go and
// wallet.AddressToScriptHash scripthash convention.
package electrum

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"

	"github.com/opnet-labs/opnettx/electrum"
	"github.com/opnet-labs/opnettx/feeest"
	"github.com/opnet-labs/opnettx/txbuilder"
)

// Provider lists unspent outputs for an address via a connected Electrum
// client.
type Provider struct {
	Client  *electrum.Client
	Network *chaincfg.Params
}

// New wraps an already-connected Electrum client.
func New(client *electrum.Client, network *chaincfg.Params) *Provider {
	return &Provider{Client: client, Network: network}
}

// ListUnspent decodes address, derives its Electrum scripthash, and
// converts the server's response into txbuilder.UTXORef values sized for
// the fee estimator by address type. The underlying client has no
// cancellation hook of its own (spec §1 treats it as an external
// collaborator); ctx is honored only insofar as it is already canceled.
func (p *Provider) ListUnspent(ctx context.Context, address string) ([]txbuilder.UTXORef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	addr, err := btcutil.DecodeAddress(address, p.Network)
	if err != nil {
		return nil, fmt.Errorf("utxoprovider: decode address: %w", err)
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("utxoprovider: derive pkscript: %w", err)
	}
	kind, err := inputKindFor(addr)
	if err != nil {
		return nil, err
	}

	raw, err := p.Client.ListUnspent(scriptHash(pkScript))
	if err != nil {
		return nil, fmt.Errorf("utxoprovider: list unspent: %w", err)
	}

	refs := make([]txbuilder.UTXORef, 0, len(raw))
	for _, u := range raw {
		txid, err := chainhash.NewHashFromStr(u.TxHash)
		if err != nil {
			return nil, fmt.Errorf("utxoprovider: parse txid %q: %w", u.TxHash, err)
		}
		refs = append(refs, txbuilder.UTXORef{
			TxID:     *txid,
			Vout:     uint32(u.TxPos),
			Value:    uint64(u.Value),
			PkScript: pkScript,
			Address:  address,
			Kind:     kind,
		})
	}
	return refs, nil
}

// inputKindFor classifies an address's script type into the fee
// estimator's vocabulary; this core only ever hands ordinary funding
// inputs through the provider, so only the key-path shapes are valid
// here (a script-path input is always the caller's own already-spent
// contract UTXO, never something a provider discovers).
func inputKindFor(addr btcutil.Address) (feeest.InputKind, error) {
	switch addr.(type) {
	case *btcutil.AddressWitnessPubKeyHash:
		return feeest.InputP2WPKH, nil
	case *btcutil.AddressTaproot:
		return feeest.InputP2TRKeyPath, nil
	default:
		return 0, fmt.Errorf("utxoprovider: unsupported address type %T for a funding input", addr)
	}
}

// scriptHash is SHA256 of the scriptPubKey, byte-reversed to the
// little-endian hex Electrum's scripthash subscriptions expect.
func scriptHash(pkScript []byte) string {
	hash := sha256.Sum256(pkScript)
	for i, j := 0, len(hash)-1; i < j; i, j = i+1, j-1 {
		hash[i], hash[j] = hash[j], hash[i]
	}
	return hex.EncodeToString(hash[:])
}
