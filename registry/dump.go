// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package registry

import (
	"io"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
)

// Save writes the registry snapshot. The layout is version tag, records,
// ask windows, recovery bookkeeping, watchdog and queue counters, then the
// seen caches and the index sidecar.
func (r *Registry) Save(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := wire.WriteVarString(w, pver, serializationVersion); err != nil {
		return errors.Wrap(err, "write version")
	}

	records := r.sortedRecordsLocked()
	if err := wire.WriteVarInt(w, pver, uint64(len(records))); err != nil {
		return err
	}
	for _, o := range records {
		if err := o.encodeTo(w); err != nil {
			return errors.Wrap(err, "write record")
		}
	}

	if err := writeAddrWindow(w, r.askedUsForList); err != nil {
		return err
	}
	if err := writeAddrWindow(w, r.weAskedForList); err != nil {
		return err
	}

	ops := make([]wire.OutPoint, 0, len(r.weAskedForEntry))
	for op := range r.weAskedForEntry {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return outPointLess(ops[i], ops[j]) })
	if err := wire.WriteVarInt(w, pver, uint64(len(ops))); err != nil {
		return err
	}
	for _, op := range ops {
		op := op
		if err := writeOutPoint(w, &op); err != nil {
			return err
		}
		if err := writeAddrWindow(w, r.weAskedForEntry[op]); err != nil {
			return err
		}
	}

	if err := writeInt64(w, r.lastWatchdogVote); err != nil {
		return err
	}
	if err := writeInt64(w, r.dsqCount); err != nil {
		return err
	}

	annHashes := make([]chainhash.Hash, 0, len(r.seenAnnounce))
	for h := range r.seenAnnounce {
		annHashes = append(annHashes, h)
	}
	sort.Slice(annHashes, func(i, j int) bool {
		return lessHash(annHashes[i], annHashes[j])
	})
	if err := wire.WriteVarInt(w, pver, uint64(len(annHashes))); err != nil {
		return err
	}
	for _, h := range annHashes {
		entry := r.seenAnnounce[h]
		if err := writeInt64(w, entry.firstSeen); err != nil {
			return err
		}
		if err := entry.ann.EncodeTo(w); err != nil {
			return errors.Wrap(err, "write seen announce")
		}
	}

	hbHashes := make([]chainhash.Hash, 0, len(r.seenHeartbeat))
	for h := range r.seenHeartbeat {
		hbHashes = append(hbHashes, h)
	}
	sort.Slice(hbHashes, func(i, j int) bool {
		return lessHash(hbHashes[i], hbHashes[j])
	})
	if err := wire.WriteVarInt(w, pver, uint64(len(hbHashes))); err != nil {
		return err
	}
	for _, h := range hbHashes {
		if err := r.seenHeartbeat[h].EncodeTo(w); err != nil {
			return errors.Wrap(err, "write seen heartbeat")
		}
	}

	return r.index.encodeTo(w)
}

// Load restores a snapshot. A version-tag mismatch discards the data and
// leaves the registry cleared; that is the upgrade path.
func (r *Registry) Load(rd io.Reader) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	version, err := wire.ReadVarString(rd, pver)
	if err != nil {
		return errors.Wrap(err, "read version")
	}
	if version != serializationVersion {
		r.clearLocked()
		return errors.Errorf("snapshot version %q, want %q", version, serializationVersion)
	}

	n, err := wire.ReadVarInt(rd, pver)
	if err != nil {
		return err
	}
	records := make(map[wire.OutPoint]*Operator, n)
	for i := uint64(0); i < n; i++ {
		o, err := decodeOperator(rd)
		if err != nil {
			r.clearLocked()
			return errors.Wrap(err, "read record")
		}
		records[o.Collateral()] = o
	}

	askedUs, err := readAddrWindow(rd)
	if err != nil {
		r.clearLocked()
		return err
	}
	weAsked, err := readAddrWindow(rd)
	if err != nil {
		r.clearLocked()
		return err
	}

	nEntries, err := wire.ReadVarInt(rd, pver)
	if err != nil {
		r.clearLocked()
		return err
	}
	entryWindows := make(map[wire.OutPoint]map[string]int64, nEntries)
	for i := uint64(0); i < nEntries; i++ {
		var op wire.OutPoint
		if err := readOutPoint(rd, &op); err != nil {
			r.clearLocked()
			return err
		}
		window, err := readAddrWindow(rd)
		if err != nil {
			r.clearLocked()
			return err
		}
		entryWindows[op] = window
	}

	var lastWatchdog, dsq int64
	if err := readInt64(rd, &lastWatchdog); err != nil {
		r.clearLocked()
		return err
	}
	if err := readInt64(rd, &dsq); err != nil {
		r.clearLocked()
		return err
	}

	nAnn, err := wire.ReadVarInt(rd, pver)
	if err != nil {
		r.clearLocked()
		return err
	}
	seenAnn := make(map[chainhash.Hash]*seenAnnounceEntry, nAnn)
	for i := uint64(0); i < nAnn; i++ {
		var firstSeen int64
		if err := readInt64(rd, &firstSeen); err != nil {
			r.clearLocked()
			return err
		}
		var ann Announce
		if err := ann.DecodeFrom(rd); err != nil {
			r.clearLocked()
			return errors.Wrap(err, "read seen announce")
		}
		seenAnn[ann.Hash()] = &seenAnnounceEntry{firstSeen: firstSeen, ann: &ann}
	}

	nHb, err := wire.ReadVarInt(rd, pver)
	if err != nil {
		r.clearLocked()
		return err
	}
	seenHb := make(map[chainhash.Hash]*Heartbeat, nHb)
	for i := uint64(0); i < nHb; i++ {
		var hb Heartbeat
		if err := hb.DecodeFrom(rd); err != nil {
			r.clearLocked()
			return errors.Wrap(err, "read seen heartbeat")
		}
		seenHb[hb.Hash()] = &hb
	}

	index := newOperatorIndex()
	if err := index.decodeFrom(rd); err != nil {
		r.clearLocked()
		return errors.Wrap(err, "read index")
	}

	r.records = records
	r.askedUsForList = askedUs
	r.weAskedForList = weAsked
	r.weAskedForEntry = entryWindows
	r.lastWatchdogVote = lastWatchdog
	r.dsqCount = dsq
	r.seenAnnounce = seenAnn
	r.seenHeartbeat = seenHb
	r.index = index
	log.Info("registry snapshot loaded", "operators", len(records))
	return nil
}

func (r *Registry) clearLocked() {
	r.records = make(map[wire.OutPoint]*Operator)
	r.askedUsForList = make(map[string]int64)
	r.weAskedForList = make(map[string]int64)
	r.weAskedForEntry = make(map[wire.OutPoint]map[string]int64)
	r.seenAnnounce = make(map[chainhash.Hash]*seenAnnounceEntry)
	r.seenHeartbeat = make(map[chainhash.Hash]*Heartbeat)
	r.dsqCount = 0
	r.lastWatchdogVote = 0
	r.index.Clear()
	r.indexOld.Clear()
}

func writeAddrWindow(w io.Writer, m map[string]int64) error {
	if err := wire.WriteVarInt(w, pver, uint64(len(m))); err != nil {
		return err
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := wire.WriteVarString(w, pver, k); err != nil {
			return err
		}
		if err := writeInt64(w, m[k]); err != nil {
			return err
		}
	}
	return nil
}

func readAddrWindow(r io.Reader) (map[string]int64, error) {
	n, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return nil, err
	}
	m := make(map[string]int64, n)
	for i := uint64(0); i < n; i++ {
		k, err := wire.ReadVarString(r, pver)
		if err != nil {
			return nil, err
		}
		var v int64
		if err := readInt64(r, &v); err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

func lessHash(a, b chainhash.Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
