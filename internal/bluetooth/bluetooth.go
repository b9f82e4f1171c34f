// Package bluetooth implements the per-participant contact history
// ("bluetooth layer") and the matching engine that tells whether the
// owner of a candidate TEK was encountered during that TEK's rolling
// window.
package bluetooth

import (
	"fmt"

	"github.com/dstotijn/ssev/internal/entime"
	"github.com/dstotijn/ssev/internal/model"
	"github.com/dstotijn/ssev/internal/xcrypto"
)

// Layer is the contact history: a two-level map keyed first by
// TEKRP-floor ENIN, then by exact ENIN, each leaf holding the ordered
// list of contacts traced at that exact interval. This gives O(1)
// lookup (amortized) of "every contact during the rolling window of a
// candidate TEK" by its ValidFrom.
type Layer struct {
	tekrp    entime.TEKRP
	byWindow map[entime.ENIN]map[entime.ENIN][]model.TracedContact
}

// New creates an empty contact history for the given TEK rolling
// period.
func New(tekrp entime.TEKRP) *Layer {
	return &Layer{
		tekrp:    tekrp,
		byWindow: make(map[entime.ENIN]map[entime.ENIN][]model.TracedContact),
	}
}

// Add records a traced contact, preserving insertion order within its
// exact-ENIN bucket.
func (l *Layer) Add(tc model.TracedContact) {
	window := entime.FloorTEKRPMultiple(tc.ENIN, l.tekrp)
	bucket, ok := l.byWindow[window]
	if !ok {
		bucket = make(map[entime.ENIN][]model.TracedContact)
		l.byWindow[window] = bucket
	}
	bucket[tc.ENIN] = append(bucket[tc.ENIN], tc)
}

// ErrInconsistentEndpoint is raised when contacts inside the same
// TEKRP bucket that all decrypt under the same candidate keyring
// report different connection endpoints. Per the specification this
// indicates protocol corruption (the bucket was assumed to all
// belong to the same broadcaster); the prototype treats it as fatal.
type ErrInconsistentEndpoint struct {
	Window entime.ENIN
	First  string
	Second string
}

func (e *ErrInconsistentEndpoint) Error() string {
	return fmt.Sprintf("bluetooth: inconsistent endpoint in window %d: %q vs %q",
		e.Window, e.First, e.Second)
}

// MatchWith looks up the rolling window of candidate and classifies
// every traced contact whose observed RPI matches the candidate's
// derived RPI for that contact's ENIN, by encounter intensity. It
// returns (Match, true) iff at least one RPI matched.
//
// MatchWith panics (per the specification's fail-fast policy for this
// prototype) if decrypted endpoints within the window disagree; a
// production implementation would instead drop the match with a
// signed protocol error. Callers that want the recoverable behavior
// should use MatchWithSafe.
func (l *Layer) MatchWith(candidate model.KeyringValidity) (model.Match, bool) {
	m, ok, err := l.matchWith(candidate)
	if err != nil {
		panic(err)
	}
	return m, ok
}

// MatchWithSafe behaves like MatchWith but returns the inconsistent-
// endpoint condition as an error instead of panicking, for callers
// (such as tests, or a hardened production variant) that want to
// handle it explicitly.
func (l *Layer) MatchWithSafe(candidate model.KeyringValidity) (model.Match, bool, error) {
	return l.matchWith(candidate)
}

func (l *Layer) matchWith(candidate model.KeyringValidity) (model.Match, bool, error) {
	bucket, ok := l.byWindow[candidate.ValidFrom]
	if !ok {
		return model.Match{}, false, nil
	}

	keyring := candidate.Value
	match := model.Match{
		CandidateTEK:  keyring.TEK,
		HighRiskTimes: make(map[entime.ENIN]struct{}),
		LowRiskTimes:  make(map[entime.ENIN]struct{}),
	}
	var matched bool
	var endpoint string
	var haveEndpoint bool

	for enin, contacts := range bucket {
		derivedRPI, err := xcrypto.DeriveRPI(keyring.RPIK, uint32(enin))
		if err != nil {
			continue
		}
		for _, tc := range contacts {
			if tc.RPI != derivedRPI {
				continue
			}
			plaintext, err := xcrypto.DecryptAEM(keyring.AEMK, derivedRPI, tc.AEM)
			if err != nil {
				continue
			}
			md, err := model.DecodeMetadata(plaintext)
			if err != nil {
				continue
			}

			if haveEndpoint && endpoint != md.Endpoint {
				return model.Match{}, false, &ErrInconsistentEndpoint{
					Window: candidate.ValidFrom,
					First:  endpoint,
					Second: md.Endpoint,
				}
			}
			endpoint = md.Endpoint
			haveEndpoint = true
			matched = true

			if md.Intensity == model.HighRisk {
				match.HighRiskTimes[enin] = struct{}{}
			} else {
				match.LowRiskTimes[enin] = struct{}{}
			}
		}
	}

	if !matched {
		return model.Match{}, false, nil
	}
	match.Endpoint = endpoint
	return match, true, nil
}
