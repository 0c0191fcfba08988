// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package notify is the single subscriber to the host's chain feed. It
// fans tip updates and transaction events out to the service-node
// components in registration order, on one dedicated goroutine.
package notify

import (
	"context"

	"github.com/inconshreveable/log15"

	"github.com/emberchain/ember/chainview"
	"github.com/emberchain/ember/co"
)

var log = log15.New("pkg", "notify")

// Notifier owns the chain subscriptions.
type Notifier struct {
	chain chainview.Chain
	goes  co.Goes

	tipHandlers []func(chainview.BlockRef)
	txHandlers  []func(chainview.TxEvent)
}

// New creates a Notifier for the chain.
func New(chain chainview.Chain) *Notifier {
	return &Notifier{chain: chain}
}

// OnTip registers a tip-update handler. Register before Start.
func (n *Notifier) OnTip(f func(chainview.BlockRef)) {
	n.tipHandlers = append(n.tipHandlers, f)
}

// OnTx registers a transaction handler. Register before Start.
func (n *Notifier) OnTx(f func(chainview.TxEvent)) {
	n.txHandlers = append(n.txHandlers, f)
}

// Start subscribes and dispatches until the context is done.
func (n *Notifier) Start(ctx context.Context) {
	tipCh := make(chan chainview.BlockRef, 16)
	txCh := make(chan chainview.TxEvent, 64)
	tipSub := n.chain.SubscribeTip(tipCh)
	txSub := n.chain.SubscribeTx(txCh)
	n.goes.Go(func() {
		defer tipSub.Unsubscribe()
		defer txSub.Unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case ref := <-tipCh:
				log.Debug("dispatching tip update", "height", ref.Height)
				for _, f := range n.tipHandlers {
					f(ref)
				}
			case ev := <-txCh:
				for _, f := range n.txHandlers {
					f(ev)
				}
			case err := <-tipSub.Err():
				if err != nil {
					log.Warn("tip subscription ended", "err", err)
				}
				return
			}
		}
	})
}

// Wait blocks until the dispatch loop exits.
func (n *Notifier) Wait() {
	n.goes.Wait()
}
