// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package gossip

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/emberchain/ember/ember"
)

// Fulfilled request names shared between the sync controller and the
// registry's serve paths.
const (
	ReqSporkSync     = "spork-sync"
	ReqListSync      = "operator-list-sync"
	ReqPaymentSync   = "operator-payment-sync"
	ReqGovSync       = "governance-sync"
	ReqFullSync      = "full-sync"
	ReqVerifyRequest = "mnv-request"
	ReqVerifyReply   = "mnv-reply"
	ReqVerifyDone    = "mnv-done"
)

const (
	fulfilledTTL     = time.Hour
	fulfilledMaxSize = 1 << 16
)

// FulfilledReqs remembers which request kinds were already served to or by
// each host, so neither side spams the other. Entries expire on their own;
// sync restarts clear the sync-related ones explicitly.
type FulfilledReqs struct {
	cache *expirable.LRU[string, struct{}]
}

// NewFulfilledReqs creates the cache with the default TTL.
func NewFulfilledReqs() *FulfilledReqs {
	return &FulfilledReqs{
		cache: expirable.NewLRU[string, struct{}](fulfilledMaxSize, nil, fulfilledTTL),
	}
}

func key(addr ember.NetAddr, name string) string {
	return addr.Key() + "|" + name
}

// Has reports whether the request was fulfilled recently.
func (f *FulfilledReqs) Has(addr ember.NetAddr, name string) bool {
	_, ok := f.cache.Get(key(addr, name))
	return ok
}

// Add marks the request fulfilled.
func (f *FulfilledReqs) Add(addr ember.NetAddr, name string) {
	f.cache.Add(key(addr, name), struct{}{})
}

// Remove forgets one fulfilment.
func (f *FulfilledReqs) Remove(addr ember.NetAddr, name string) {
	f.cache.Remove(key(addr, name))
}

// RemoveSync forgets all sync-stage fulfilments of a host, letting a fresh
// bootstrap request everything again.
func (f *FulfilledReqs) RemoveSync(addr ember.NetAddr) {
	for _, name := range []string{ReqSporkSync, ReqListSync, ReqPaymentSync, ReqGovSync, ReqFullSync} {
		f.cache.Remove(key(addr, name))
	}
}
