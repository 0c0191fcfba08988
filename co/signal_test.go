// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package co

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSignalWakesOneWaiter(t *testing.T) {
	var s Signal
	w := s.NewWaiter()

	s.Signal()
	select {
	case v := <-w.C():
		assert.True(t, v, "signal should read true")
	case <-time.After(time.Second):
		t.Fatal("waiter never woke up")
	}
}

func TestBroadcastWakesAllWaiters(t *testing.T) {
	var s Signal
	ws := []Waiter{s.NewWaiter(), s.NewWaiter(), s.NewWaiter()}

	s.Broadcast()
	for _, w := range ws {
		select {
		case v := <-w.C():
			assert.False(t, v, "broadcast should read false")
		case <-time.After(time.Second):
			t.Fatal("waiter never woke up")
		}
	}
}
