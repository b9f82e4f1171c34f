package pnstate

import (
	"time"

	"github.com/dstotijn/ssev/internal/entime"
	"github.com/dstotijn/ssev/internal/model"
	"github.com/dstotijn/ssev/internal/xcrypto"
)

// KeyHistory is a PN's own exposure keyrings, newest-first, covering
// exactly InfectionPeriod consecutive TEKRPs. Every ValidFrom is
// TEKRP-aligned, by construction.
type KeyHistory struct {
	tekrp   entime.TEKRP
	entries []model.KeyringValidity // newest first
}

// NewKeyHistory generates a fresh key history for now, covering
// params.InfectionPeriod TEKRPs ending at now's rolling window.
func NewKeyHistory(now time.Time, params model.SystemParams) (*KeyHistory, error) {
	start := entime.FloorTEKRPMultiple(entime.Now(now), params.TEKRollingPeriod)

	kh := &KeyHistory{tekrp: params.TEKRollingPeriod}
	for i := 0; i < params.InfectionPeriod; i++ {
		validFrom := start - entime.ENIN(uint32(i)*uint32(params.TEKRollingPeriod))
		kr, err := model.NewKeyring()
		if err != nil {
			return nil, err
		}
		kh.entries = append(kh.entries, model.NewValidity(validFrom, params.TEKRollingPeriod, kr))
	}
	return kh, nil
}

// All returns every TEK in the history as a Validity, newest first —
// the set a positively-tested PN uploads to the blacklist.
func (kh *KeyHistory) All() []model.TEKValidity {
	out := make([]model.TEKValidity, len(kh.entries))
	for i, e := range kh.entries {
		out[i] = model.NewValidity(e.ValidFrom, kh.tekrp, e.Value.TEK)
	}
	return out
}

// At returns the keyring valid at validFrom, if the PN holds one.
func (kh *KeyHistory) At(validFrom entime.ENIN) (model.Keyring, bool) {
	for _, e := range kh.entries {
		if e.ValidFrom == validFrom {
			return e.Value, true
		}
	}
	return model.Keyring{}, false
}

// ContainsTEKValidity reports whether tv names one of this PN's own
// TEKs at its own ValidFrom — used to detect "I've been greylisted".
func (kh *KeyHistory) ContainsTEKValidity(tv model.TEKValidity) bool {
	for _, e := range kh.entries {
		if e.ValidFrom == tv.ValidFrom && e.Value.TEK == tv.Value {
			return true
		}
	}
	return false
}

// ownTEKAt is a convenience used when building forward messages: the
// raw TEK valid at validFrom, or the zero TEK and false.
func (kh *KeyHistory) ownTEKAt(validFrom entime.ENIN) (xcrypto.TEK, bool) {
	kr, ok := kh.At(validFrom)
	if !ok {
		return xcrypto.TEK{}, false
	}
	return kr.TEK, true
}
