package queue

import (
	"crypto/sha256"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto/kzg4844"
	"github.com/holiman/uint256"

	"github.com/rrelayer/rrelayer/internal/model"
)

func callMsg(from, to common.Address, value *big.Int, data []byte) ethereum.CallMsg {
	return ethereum.CallMsg{From: from, To: &to, Value: value, Data: data}
}

// buildTypedTx dispatches to the typed transaction construction
// matching the relayer's fee mode and whether blobs are present (spec
// §4.3 step 6). The relayer model carries only a Legacy/EIP-1559 fee
// mode plus blob presence, so dispatch covers DynamicFee, Legacy, and
// Blob; there is no access-list mode in the data model to route an
// EIP-2930 transaction from, so that type has no construction path
// here.
func buildTypedTx(relayer *model.Relayer, tx *model.Transaction, fees model.GasFees, blobFees *model.BlobGasFees) (*types.Transaction, error) {
	if len(tx.Blobs) > 0 {
		return buildBlobTx(relayer, tx, fees, blobFees)
	}
	if relayer.EIP1559Enabled {
		return buildDynamicFeeTx(relayer, tx, fees), nil
	}
	return buildLegacyTx(relayer, tx, fees), nil
}

func buildDynamicFeeTx(relayer *model.Relayer, tx *model.Transaction, fees model.GasFees) *types.Transaction {
	to := tx.To
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(relayer.ChainId),
		Nonce:     tx.Nonce,
		GasTipCap: fees.MaxPriorityFee,
		GasFeeCap: fees.MaxFee,
		Gas:       gasLimitOf(tx),
		To:        &to,
		Value:     valueOf(tx.Value),
		Data:      tx.Data,
	})
}

func buildLegacyTx(relayer *model.Relayer, tx *model.Transaction, fees model.GasFees) *types.Transaction {
	to := tx.To
	return types.NewTx(&types.LegacyTx{
		Nonce:    tx.Nonce,
		GasPrice: fees.MaxFee,
		Gas:      gasLimitOf(tx),
		To:       &to,
		Value:    valueOf(tx.Value),
		Data:     tx.Data,
	})
}

// buildBlobTx constructs an EIP-4844 blob-carrying transaction,
// computing each blob's KZG commitment, proof, and versioned hash via
// go-ethereum's kzg4844 package.
func buildBlobTx(relayer *model.Relayer, tx *model.Transaction, fees model.GasFees, blobFees *model.BlobGasFees) (*types.Transaction, error) {
	if blobFees == nil {
		return nil, fmt.Errorf("queue: blob transaction requires blob gas fees")
	}
	sidecar := &types.BlobTxSidecar{}
	hashes := make([]common.Hash, 0, len(tx.Blobs))
	for i := range tx.Blobs {
		var blob kzg4844.Blob
		copy(blob[:], tx.Blobs[i][:])
		commitment, err := kzg4844.BlobToCommitment(&blob)
		if err != nil {
			return nil, fmt.Errorf("kzg commitment for blob %d: %w", i, err)
		}
		proof, err := kzg4844.ComputeBlobProof(&blob, commitment)
		if err != nil {
			return nil, fmt.Errorf("kzg proof for blob %d: %w", i, err)
		}
		sidecar.Blobs = append(sidecar.Blobs, blob)
		sidecar.Commitments = append(sidecar.Commitments, commitment)
		sidecar.Proofs = append(sidecar.Proofs, proof)
		hashes = append(hashes, kzg4844.CalcBlobHashV1(sha256.New(), &commitment))
	}

	feeCap, _ := uint256.FromBig(fees.MaxFee)
	tipCap, _ := uint256.FromBig(fees.MaxPriorityFee)
	blobFeeCap, _ := uint256.FromBig(blobFees.BlobGasPrice)
	value, _ := uint256.FromBig(valueOf(tx.Value))
	to := tx.To

	return types.NewTx(&types.BlobTx{
		ChainID:    uint256.NewInt(relayer.ChainId),
		Nonce:      tx.Nonce,
		GasTipCap:  tipCap,
		GasFeeCap:  feeCap,
		Gas:        gasLimitOf(tx),
		To:         to,
		Value:      value,
		Data:       tx.Data,
		BlobFeeCap: blobFeeCap,
		BlobHashes: hashes,
		Sidecar:    sidecar,
	}), nil
}

func gasLimitOf(tx *model.Transaction) uint64 {
	if tx.GasLimit != nil {
		return *tx.GasLimit
	}
	return estimationGasLimit
}

func valueOf(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
