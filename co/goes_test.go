// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package co

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGoesWait(t *testing.T) {
	var g Goes
	var n int32
	for i := 0; i < 8; i++ {
		g.Go(func() { atomic.AddInt32(&n, 1) })
	}
	g.Wait()
	assert.Equal(t, int32(8), atomic.LoadInt32(&n))
}

func TestGoesDone(t *testing.T) {
	var g Goes
	g.Go(func() { time.Sleep(10 * time.Millisecond) })
	select {
	case <-g.Done():
	case <-time.After(time.Second):
		t.Fatal("done channel never closed")
	}
}
