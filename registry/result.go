// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package registry

// Outcome classifies the admission of an inbound payload.
type Outcome int

const (
	// OutcomeAccepted means the payload changed the registry and was relayed.
	OutcomeAccepted Outcome = iota

	// OutcomeAlreadyKnown means a legit duplicate; nothing changed.
	OutcomeAlreadyKnown

	// OutcomeRejected means the payload was invalid; DoS carries the score.
	OutcomeRejected

	// OutcomeNotFound means the payload references an unknown record.
	OutcomeNotFound

	// OutcomeDeferred means a chain lock was contended; retry later without
	// penalizing the sender.
	OutcomeDeferred
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeAlreadyKnown:
		return "already-known"
	case OutcomeRejected:
		return "rejected"
	case OutcomeNotFound:
		return "not-found"
	case OutcomeDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// Result is the verdict of one admission.
type Result struct {
	Outcome Outcome
	DoS     int
	Err     error
}

func accepted() Result          { return Result{Outcome: OutcomeAccepted} }
func alreadyKnown() Result      { return Result{Outcome: OutcomeAlreadyKnown} }
func deferred() Result          { return Result{Outcome: OutcomeDeferred} }
func notFound(err error) Result { return Result{Outcome: OutcomeNotFound, Err: err} }

func rejected(dos int, err error) Result {
	return Result{Outcome: OutcomeRejected, DoS: dos, Err: err}
}
