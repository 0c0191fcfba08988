// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package chainview

import (
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/event"
)

// Mem is an in-memory Chain used by tests and tooling. Blocks are appended
// with Extend; UTXOs are declared explicitly.
type Mem struct {
	mu       sync.Mutex
	blocks   []*Block
	utxos    map[wire.OutPoint]*UTXO
	spent    map[wire.OutPoint]bool
	payment  func(height int32, totalOut btcutil.Amount) btcutil.Amount
	tipFeed  event.Feed
	txFeed   event.Feed
	scope    event.SubscriptionScope
	busyOnce bool
}

// NewMem creates an empty in-memory chain with a genesis block at height 0.
func NewMem() *Mem {
	m := &Mem{
		utxos: make(map[wire.OutPoint]*UTXO),
		spent: make(map[wire.OutPoint]bool),
	}
	m.blocks = append(m.blocks, &Block{Ref: BlockRef{Height: 0, Hash: hashOfHeight(0), Time: 0}})
	return m
}

func hashOfHeight(h int32) (hash chainhash.Hash) {
	hash[0] = byte(h)
	hash[1] = byte(h >> 8)
	hash[2] = byte(h >> 16)
	hash[3] = byte(h >> 24)
	hash[31] = 0x80
	return
}

// Extend appends n empty blocks, each one second after the previous, and
// announces the new tip.
func (m *Mem) Extend(n int, blockTime int64) BlockRef {
	m.mu.Lock()
	var tip BlockRef
	for i := 0; i < n; i++ {
		h := int32(len(m.blocks))
		tip = BlockRef{Height: h, Hash: hashOfHeight(h), Time: blockTime + int64(i)}
		m.blocks = append(m.blocks, &Block{Ref: tip})
	}
	m.mu.Unlock()
	m.tipFeed.Send(tip)
	return tip
}

// PutBlock replaces the block at its height, extending the chain as needed.
func (m *Mem) PutBlock(b *Block) {
	m.mu.Lock()
	for int32(len(m.blocks)) <= b.Ref.Height {
		h := int32(len(m.blocks))
		m.blocks = append(m.blocks, &Block{Ref: BlockRef{Height: h, Hash: hashOfHeight(h)}})
	}
	if b.Ref.Hash == (chainhash.Hash{}) {
		b.Ref.Hash = hashOfHeight(b.Ref.Height)
	}
	m.blocks[b.Ref.Height] = b
	m.mu.Unlock()
}

// AddUTXO declares an unspent output.
func (m *Mem) AddUTXO(op wire.OutPoint, u UTXO) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.utxos[op] = &u
}

// Spend marks an outpoint spent.
func (m *Mem) Spend(op wire.OutPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.utxos, op)
	m.spent[op] = true
}

// SetPayment overrides the operator payment formula.
func (m *Mem) SetPayment(f func(int32, btcutil.Amount) btcutil.Amount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payment = f
}

// FailNextLookup makes the next chain access return ErrBusy, simulating
// lock contention.
func (m *Mem) FailNextLookup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busyOnce = true
}

func (m *Mem) takeBusy() bool {
	if m.busyOnce {
		m.busyOnce = false
		return true
	}
	return false
}

func (m *Mem) Tip() (BlockRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.takeBusy() {
		return BlockRef{}, ErrBusy
	}
	return m.blocks[len(m.blocks)-1].Ref, nil
}

func (m *Mem) BlockRefAt(height int32) (BlockRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.takeBusy() {
		return BlockRef{}, ErrBusy
	}
	if height < 0 || int(height) >= len(m.blocks) {
		return BlockRef{}, ErrNotFound
	}
	return m.blocks[height].Ref, nil
}

func (m *Mem) BlockHash(height int32) (chainhash.Hash, error) {
	ref, err := m.BlockRefAt(height)
	return ref.Hash, err
}

func (m *Mem) HeightOf(hash chainhash.Hash) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.blocks {
		if b.Ref.Hash == hash {
			return b.Ref.Height, nil
		}
	}
	return 0, ErrNotFound
}

func (m *Mem) UTXO(op wire.OutPoint) (*UTXO, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.takeBusy() {
		return nil, ErrBusy
	}
	if u, ok := m.utxos[op]; ok {
		cpy := *u
		return &cpy, nil
	}
	if m.spent[op] {
		return nil, ErrSpent
	}
	return nil, ErrNotFound
}

func (m *Mem) ReadBlock(height int32) (*Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if height < 0 || int(height) >= len(m.blocks) {
		return nil, ErrNotFound
	}
	return m.blocks[height], nil
}

func (m *Mem) OperatorPayment(height int32, totalOut btcutil.Amount) btcutil.Amount {
	m.mu.Lock()
	f := m.payment
	m.mu.Unlock()
	if f != nil {
		return f(height, totalOut)
	}
	// default: 45% of the block reward goes to the operator
	return totalOut * 45 / 100
}

func (m *Mem) SubscribeTip(ch chan<- BlockRef) event.Subscription {
	return m.scope.Track(m.tipFeed.Subscribe(ch))
}

func (m *Mem) SubscribeTx(ch chan<- TxEvent) event.Subscription {
	return m.scope.Track(m.txFeed.Subscribe(ch))
}

// AnnounceTx publishes a transaction event to subscribers.
func (m *Mem) AnnounceTx(ev TxEvent) {
	m.txFeed.Send(ev)
}

var _ Chain = (*Mem)(nil)
