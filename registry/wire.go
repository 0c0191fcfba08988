// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package registry

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/emberchain/ember/ember"
)

// Payload encoding uses the bitcoin framing rules: little-endian integers,
// compact-size prefixed sequences and length-prefixed byte vectors. Field
// order is canonical for hashing and signing; changing it breaks gossip.

const (
	// pver is the protocol version passed to the wire var-length helpers.
	// The helpers only use it for error messages.
	pver = 0

	maxSigSize    = 72 * 2 // generous bound for a compact or DER signature
	maxPubKeySize = 65
	maxScriptSize = 10_000
)

func writeOutPoint(w io.Writer, op *wire.OutPoint) error {
	if _, err := w.Write(op.Hash[:]); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, op.Index)
}

func readOutPoint(r io.Reader, op *wire.OutPoint) error {
	if _, err := io.ReadFull(r, op.Hash[:]); err != nil {
		return err
	}
	return binary.Read(r, binary.LittleEndian, &op.Index)
}

func writeTxIn(w io.Writer, in *wire.TxIn) error {
	if err := writeOutPoint(w, &in.PreviousOutPoint); err != nil {
		return err
	}
	if err := wire.WriteVarBytes(w, pver, in.SignatureScript); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, in.Sequence)
}

func readTxIn(r io.Reader, in *wire.TxIn) error {
	if err := readOutPoint(r, &in.PreviousOutPoint); err != nil {
		return err
	}
	script, err := wire.ReadVarBytes(r, pver, maxScriptSize, "scriptSig")
	if err != nil {
		return err
	}
	if len(script) > 0 {
		in.SignatureScript = script
	}
	return binary.Read(r, binary.LittleEndian, &in.Sequence)
}

// writeNetAddr encodes the 16-byte mapped IP followed by a big-endian port,
// the bitcoin CService layout.
func writeNetAddr(w io.Writer, addr *ember.NetAddr) error {
	ip := addr.IP.To16()
	if ip == nil {
		ip = make(net.IP, 16)
	}
	if _, err := w.Write(ip); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, addr.Port)
}

func readNetAddr(r io.Reader, addr *ember.NetAddr) error {
	ip := make(net.IP, 16)
	if _, err := io.ReadFull(r, ip); err != nil {
		return err
	}
	addr.IP = ip
	if v4 := ip.To4(); v4 != nil {
		addr.IP = v4
	}
	return binary.Read(r, binary.BigEndian, &addr.Port)
}

func writeHash(w io.Writer, h *chainhash.Hash) error {
	_, err := w.Write(h[:])
	return err
}

func readHash(r io.Reader, h *chainhash.Hash) error {
	_, err := io.ReadFull(r, h[:])
	return err
}

func writeInt64(w io.Writer, v int64) error {
	return binary.Write(w, binary.LittleEndian, v)
}

func readInt64(r io.Reader, v *int64) error {
	return binary.Read(r, binary.LittleEndian, v)
}

func writeInt32(w io.Writer, v int32) error {
	return binary.Write(w, binary.LittleEndian, v)
}

func readInt32(r io.Reader, v *int32) error {
	return binary.Read(r, binary.LittleEndian, v)
}

// OutPointShort renders "hash-n" with the full 64-char hash, the form used
// inside verification broadcast signed messages and in logs.
func OutPointShort(op wire.OutPoint) string {
	return fmt.Sprintf("%s-%d", op.Hash.String(), op.Index)
}

// txInString renders a transaction input the way the reference wallet
// prints it. Heartbeat signed messages embed this exact form.
func txInString(in *wire.TxIn) string {
	h := in.PreviousOutPoint.Hash.String()
	s := fmt.Sprintf("CTxIn(COutPoint(%.10s, %d)", h, in.PreviousOutPoint.Index)
	sig := hex.EncodeToString(in.SignatureScript)
	if len(sig) > 24 {
		sig = sig[:24]
	}
	s += fmt.Sprintf(", scriptSig=%s", sig)
	if in.Sequence != wire.MaxTxInSequenceNum {
		s += fmt.Sprintf(", nSequence=%d", in.Sequence)
	}
	return s + ")"
}

// collateralTxIn builds the canonical collateral input: empty scriptSig,
// final sequence.
func collateralTxIn(op wire.OutPoint) wire.TxIn {
	return wire.TxIn{PreviousOutPoint: op, Sequence: wire.MaxTxInSequenceNum}
}
