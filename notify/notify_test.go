// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package notify

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/emberchain/ember/chainview"
)

func TestFanOutOrder(t *testing.T) {
	chain := chainview.NewMem()
	n := New(chain)

	got := make(chan string, 8)
	n.OnTip(func(ref chainview.BlockRef) { got <- "first" })
	n.OnTip(func(ref chainview.BlockRef) { got <- "second" })
	n.OnTx(func(ev chainview.TxEvent) { got <- "tx" })

	ctx, cancel := context.WithCancel(context.Background())
	n.Start(ctx)

	chain.Extend(1, 100)
	require.Equal(t, "first", recv(t, got))
	require.Equal(t, "second", recv(t, got))

	chain.AnnounceTx(chainview.TxEvent{Tx: &wire.MsgTx{}})
	require.Equal(t, "tx", recv(t, got))

	cancel()
	n.Wait()

	// no deliveries after shutdown
	chain.Extend(1, 101)
	select {
	case v := <-got:
		t.Fatalf("unexpected delivery %q after shutdown", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func recv(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return ""
	}
}
