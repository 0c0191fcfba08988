// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package payments

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"io"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Payee is one endorsed payout script with the votes backing it.
type Payee struct {
	Script     []byte
	VoteHashes []chainhash.Hash
}

// VoteCount returns the number of backing votes.
func (p *Payee) VoteCount() int { return len(p.VoteHashes) }

// BlockPayees aggregates the payee votes of one block height.
type BlockPayees struct {
	Height int32
	Payees []Payee
}

// AddVote files a vote under its payee script, creating the payee entry on
// first sight.
func (b *BlockPayees) AddVote(v *PaymentVote) {
	hash := v.Hash()
	for i := range b.Payees {
		if bytes.Equal(b.Payees[i].Script, v.Payee) {
			for _, h := range b.Payees[i].VoteHashes {
				if h == hash {
					return
				}
			}
			b.Payees[i].VoteHashes = append(b.Payees[i].VoteHashes, hash)
			return
		}
	}
	b.Payees = append(b.Payees, Payee{Script: v.Payee, VoteHashes: []chainhash.Hash{hash}})
}

// BestPayee returns the script with the most votes, requiring at least
// one.
func (b *BlockPayees) BestPayee() ([]byte, bool) {
	var best []byte
	bestVotes := 0
	for i := range b.Payees {
		if n := b.Payees[i].VoteCount(); n > bestVotes {
			bestVotes = n
			best = b.Payees[i].Script
		}
	}
	return best, best != nil
}

// HasPayeeWithVotes reports whether some payee reached the vote floor, or
// a specific payee when script is non-nil.
func (b *BlockPayees) HasPayeeWithVotes(script []byte, minVotes int) bool {
	for i := range b.Payees {
		if b.Payees[i].VoteCount() < minVotes {
			continue
		}
		if script == nil || bytes.Equal(b.Payees[i].Script, script) {
			return true
		}
	}
	return false
}

// IsTransactionValid checks a coinbase against the aggregated votes: when
// at least one payee reached the signature floor, some output must pay the
// required amount to one of those payees. With no qualified payee the rule
// is permissive.
func (b *BlockPayees) IsTransactionValid(coinbase *wire.MsgTx, required btcutil.Amount) (bool, string) {
	qualified := make([][]byte, 0, len(b.Payees))
	maxVotes := 0
	for i := range b.Payees {
		if n := b.Payees[i].VoteCount(); n > maxVotes {
			maxVotes = n
		}
		if b.Payees[i].VoteCount() >= SignaturesRequired {
			qualified = append(qualified, b.Payees[i].Script)
		}
	}
	// not enough agreement yet, take whatever the miner chose
	if len(qualified) == 0 {
		return true, ""
	}

	var wanted []string
	for _, script := range qualified {
		for _, out := range coinbase.TxOut {
			if bytes.Equal(out.PkScript, script) && btcutil.Amount(out.Value) == required {
				return true, ""
			}
		}
		wanted = append(wanted, hex.EncodeToString(script))
	}
	return false, strings.Join(wanted, ", ")
}

// RequiredPaymentsString lists the qualified payees for RPC display.
func (b *BlockPayees) RequiredPaymentsString() string {
	var parts []string
	for i := range b.Payees {
		if b.Payees[i].VoteCount() >= SignaturesRequired {
			parts = append(parts, hex.EncodeToString(b.Payees[i].Script))
		}
	}
	if len(parts) == 0 {
		return "Unknown"
	}
	return strings.Join(parts, ", ")
}

func (b *BlockPayees) encodeTo(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, b.Height); err != nil {
		return err
	}
	if err := wire.WriteVarInt(w, pver, uint64(len(b.Payees))); err != nil {
		return err
	}
	for i := range b.Payees {
		if err := wire.WriteVarBytes(w, pver, b.Payees[i].Script); err != nil {
			return err
		}
		if err := wire.WriteVarInt(w, pver, uint64(len(b.Payees[i].VoteHashes))); err != nil {
			return err
		}
		for _, h := range b.Payees[i].VoteHashes {
			if _, err := w.Write(h[:]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *BlockPayees) decodeFrom(r io.Reader) error {
	if err := binary.Read(r, binary.LittleEndian, &b.Height); err != nil {
		return err
	}
	n, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return err
	}
	b.Payees = make([]Payee, 0, n)
	for i := uint64(0); i < n; i++ {
		script, err := wire.ReadVarBytes(r, pver, maxScriptSize, "payee")
		if err != nil {
			return err
		}
		nv, err := wire.ReadVarInt(r, pver)
		if err != nil {
			return err
		}
		hashes := make([]chainhash.Hash, nv)
		for j := uint64(0); j < nv; j++ {
			if _, err := io.ReadFull(r, hashes[j][:]); err != nil {
				return err
			}
		}
		b.Payees = append(b.Payees, Payee{Script: script, VoteHashes: hashes})
	}
	return nil
}
