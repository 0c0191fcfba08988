// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package chainview is the contract between the service-node subsystem and
// the host daemon's blockchain database. The subsystem only ever reads
// through this interface; writes and consensus stay with the host.
package chainview

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/event"
	"github.com/pkg/errors"
)

var (
	// ErrBusy means the chain lock could not be taken without blocking.
	// Callers treat it as transient and retry on a later tick.
	ErrBusy = errors.New("chain busy")

	// ErrSpent means the outpoint exists but its output was spent.
	ErrSpent = errors.New("outpoint spent")

	// ErrNotFound means the requested block or outpoint is unknown.
	ErrNotFound = errors.New("not found")
)

// BlockRef identifies one block.
type BlockRef struct {
	Height int32
	Hash   chainhash.Hash
	Time   int64
}

// Block is a fully read block; only the coinbase and times are consumed by
// this subsystem.
type Block struct {
	Ref BlockRef
	Txs []*wire.MsgTx
}

// Coinbase returns the first transaction, or nil for an empty block.
func (b *Block) Coinbase() *wire.MsgTx {
	if len(b.Txs) == 0 {
		return nil
	}
	return b.Txs[0]
}

// UTXO describes one unspent output.
type UTXO struct {
	Value    btcutil.Amount
	Height   int32
	PkScript []byte
}

// TxEvent announces a transaction seen in the mempool or in a block.
type TxEvent struct {
	Tx    *wire.MsgTx
	Block *BlockRef // nil when unconfirmed
}

// Chain is the read-only view of the host's chain state. All methods that
// reach into the chain database may return ErrBusy when the chain lock is
// contended; callers must not block on it.
type Chain interface {
	// Tip returns the current best block.
	Tip() (BlockRef, error)

	// BlockRefAt returns the block at the given height on the active chain.
	BlockRefAt(height int32) (BlockRef, error)

	// BlockHash returns the hash of the block at the given height.
	BlockHash(height int32) (chainhash.Hash, error)

	// HeightOf returns the active-chain height of a known block hash.
	HeightOf(hash chainhash.Hash) (int32, error)

	// UTXO looks up an unspent output, ErrSpent if consumed.
	UTXO(op wire.OutPoint) (*UTXO, error)

	// ReadBlock reads a full block at the given height.
	ReadBlock(height int32) (*Block, error)

	// OperatorPayment returns the operator share of the block reward at the
	// given height, derived from the coinbase's total output value.
	OperatorPayment(height int32, totalOut btcutil.Amount) btcutil.Amount

	// SubscribeTip delivers best-block updates.
	SubscribeTip(ch chan<- BlockRef) event.Subscription

	// SubscribeTx delivers transaction events.
	SubscribeTx(ch chan<- TxEvent) event.Subscription
}
