// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package co carries the small concurrency helpers shared by the long
// running loops of the service-node subsystem.
package co

import (
	"sync"
)

// Goes runs and manages the life-cycle of go routines.
type Goes struct {
	wg sync.WaitGroup
}

// Go runs f in a go routine.
func (g *Goes) Go(f func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		f()
	}()
}

// Wait waits for all go routines started by 'Go' to be done.
func (g *Goes) Wait() {
	g.wg.Wait()
}

// Done returns a channel closed when all go routines are done.
func (g *Goes) Done() chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.wg.Wait()
	}()
	return done
}
