// Package model holds the shared data types exchanged between the
// diagnosis server, the participant node state machine, and the
// bluetooth matching engine: traced contacts, matches, computations,
// chunks, and system parameters.
package model

import (
	"fmt"
	"time"

	"github.com/dstotijn/ssev/internal/entime"
	"github.com/dstotijn/ssev/internal/xcrypto"
)

// SystemParams are the protocol-wide tunables, loaded from a DS or PN
// config document.
type SystemParams struct {
	// TEKRollingPeriod is the TEK rolling period, in ENIN units.
	TEKRollingPeriod entime.TEKRP
	// InfectionPeriod is the number of TEKRPs a key history retains.
	InfectionPeriod int
	// ChunkPeriod is the wall-clock width of one DS chunk.
	ChunkPeriod time.Duration
	// RefreshPeriod is how often a PN polls the DS for new chunks.
	RefreshPeriod time.Duration
	// ComputationPeriod is how long a forwarder window stays open
	// after being triggered, absent further activity.
	ComputationPeriod time.Duration
	// RetentionPeriod is how long the DS retains done chunks.
	RetentionPeriod time.Duration
}

// DefaultSystemParams returns the protocol defaults documented in the
// specification.
func DefaultSystemParams() SystemParams {
	return SystemParams{
		TEKRollingPeriod:  entime.DefaultTEKRP,
		InfectionPeriod:   entime.DefaultInfectionPeriod,
		ChunkPeriod:       30 * time.Second,
		RefreshPeriod:     30 * time.Second,
		ComputationPeriod: 10 * time.Minute,
		RetentionPeriod:   14 * 24 * time.Hour,
	}
}

// ApplyDefaults fills any zero-valued fields of p with the protocol
// defaults, in place.
func (p *SystemParams) ApplyDefaults() {
	d := DefaultSystemParams()
	if p.TEKRollingPeriod == 0 {
		p.TEKRollingPeriod = d.TEKRollingPeriod
	}
	if p.InfectionPeriod == 0 {
		p.InfectionPeriod = d.InfectionPeriod
	}
	if p.ChunkPeriod == 0 {
		p.ChunkPeriod = d.ChunkPeriod
	}
	if p.RefreshPeriod == 0 {
		p.RefreshPeriod = d.RefreshPeriod
	}
	if p.ComputationPeriod == 0 {
		p.ComputationPeriod = d.ComputationPeriod
	}
	if p.RetentionPeriod == 0 {
		p.RetentionPeriod = d.RetentionPeriod
	}
}

// EncounterIntensity is the broadcaster's declared encounter intensity.
type EncounterIntensity uint8

const (
	// LowRisk marks a low-risk encounter.
	LowRisk EncounterIntensity = iota
	// HighRisk marks a high-risk encounter.
	HighRisk
)

func (i EncounterIntensity) String() string {
	if i == HighRisk {
		return "high_risk"
	}
	return "low_risk"
}

// Metadata is the AEM plaintext: the broadcaster's encounter intensity
// and a routing connection identifier (an "ip:port" endpoint standing
// in for the encrypted-public-key pooling-node handshake a production
// implementation would use).
type Metadata struct {
	Intensity EncounterIntensity
	Endpoint  string
}

// maxEndpointLen bounds the encoded endpoint so Encode/DecodeMetadata
// round-trip through a fixed-size plaintext, matching the spec's
// "AEM ciphertext has the same length as plaintext" requirement.
const maxEndpointLen = 64

// Encode serializes the metadata to a fixed-length plaintext: one byte
// of intensity, one byte of endpoint length, then the endpoint bytes
// padded with zeroes to maxEndpointLen.
func (m Metadata) Encode() ([]byte, error) {
	if len(m.Endpoint) > maxEndpointLen {
		return nil, fmt.Errorf("model: endpoint %q exceeds %d bytes", m.Endpoint, maxEndpointLen)
	}
	out := make([]byte, 2+maxEndpointLen)
	out[0] = byte(m.Intensity)
	out[1] = byte(len(m.Endpoint))
	copy(out[2:], m.Endpoint)
	return out, nil
}

// DecodeMetadata parses the fixed-length plaintext produced by Encode.
func DecodeMetadata(plaintext []byte) (Metadata, error) {
	if len(plaintext) != 2+maxEndpointLen {
		return Metadata{}, fmt.Errorf("model: metadata plaintext has wrong length %d", len(plaintext))
	}
	n := int(plaintext[1])
	if n > maxEndpointLen {
		return Metadata{}, fmt.Errorf("model: metadata endpoint length %d exceeds bound", n)
	}
	return Metadata{
		Intensity: EncounterIntensity(plaintext[0]),
		Endpoint:  string(plaintext[2 : 2+n]),
	}, nil
}


// Keyring is the tuple of keys derived from one TEK, plus the
// protocol-symmetry seed/PKSK that the core matching logic never uses.
type Keyring struct {
	TEK  xcrypto.TEK
	RPIK xcrypto.RPIK
	AEMK xcrypto.AEMK
	Seed []byte
	PKSK xcrypto.PKSK
}

// NewKeyring derives a full keyring from a freshly generated TEK.
func NewKeyring() (Keyring, error) {
	tek, err := xcrypto.NewTEK()
	if err != nil {
		return Keyring{}, err
	}
	return KeyringFromTEK(tek)
}

// KeyringFromTEK derives a full keyring from an existing TEK, e.g. one
// recovered from a blacklist or greylist entry.
func KeyringFromTEK(tek xcrypto.TEK) (Keyring, error) {
	rpik, err := xcrypto.DeriveRPIK(tek)
	if err != nil {
		return Keyring{}, err
	}
	aemk, err := xcrypto.DeriveAEMK(tek)
	if err != nil {
		return Keyring{}, err
	}
	pksk, err := xcrypto.DerivePKSK(tek)
	if err != nil {
		return Keyring{}, err
	}
	seed, err := xcrypto.NewSeed()
	if err != nil {
		return Keyring{}, err
	}
	return Keyring{TEK: tek, RPIK: rpik, AEMK: aemk, Seed: seed, PKSK: pksk}, nil
}

// Validity pairs a value with the TEKRP-aligned ENIN from which it is
// valid. New always floors the given ENIN so ValidFrom is always
// TEKRP-aligned.
type Validity[T any] struct {
	ValidFrom entime.ENIN
	Value     T
}

// NewValidity builds a Validity, flooring from to its TEKRP-aligned
// start.
func NewValidity[T any](from entime.ENIN, tekrp entime.TEKRP, value T) Validity[T] {
	return Validity[T]{ValidFrom: entime.FloorTEKRPMultiple(from, tekrp), Value: value}
}

// Query returns (Value, true) iff t falls within this validity's
// TEKRP-aligned window, else the zero value and false.
func (v Validity[T]) Query(t entime.ENIN, tekrp entime.TEKRP) (T, bool) {
	if entime.FloorTEKRPMultiple(t, tekrp) == v.ValidFrom {
		return v.Value, true
	}
	var zero T
	return zero, false
}

// TEKValidity is a TEK together with its TEKRP-aligned valid_from.
type TEKValidity = Validity[xcrypto.TEK]

// KeyringValidity is a Keyring together with its TEKRP-aligned
// valid_from.
type KeyringValidity = Validity[Keyring]

// TracedContact is one observed beacon.
type TracedContact struct {
	Timestamp time.Time
	ENIN      entime.ENIN
	RPI       xcrypto.RPI
	AEM       []byte
}

// Match is the result of matching a candidate TEK against the
// bluetooth layer's contact history: the broadcaster's endpoint and
// the set of ENINs it was seen at, split by risk.
type Match struct {
	Endpoint      string
	CandidateTEK  xcrypto.TEK
	HighRiskTimes map[entime.ENIN]struct{}
	LowRiskTimes  map[entime.ENIN]struct{}
}

// Equal reports whether two matches represent the same candidate TEK;
// matches form a set keyed by TEK value, never by pointer identity.
func (m Match) Equal(o Match) bool {
	return m.CandidateTEK == o.CandidateTEK
}

// ComputationID is a diagnosis-server-allocated identifier for one
// notification computation.
type ComputationID uint32

// Computation is a PN's per-computation state: the successors it will
// forward to, and the predecessor TEKs it has already accepted
// forwards for.
type Computation struct {
	// Own is true iff this PN began this computation by uploading to
	// the blacklist itself (pooling node for its greylist). It is
	// fixed at creation time; it does not depend on whether Successors
	// is currently empty, since an own computation also accumulates
	// successors as its own contacts are matched against its own
	// blacklist upload.
	Own        bool
	Successors map[xcrypto.TEK]Match
	Redlist    map[xcrypto.TEK]struct{}
}

// NewComputation creates an empty computation, own iff this PN
// initiated it via blacklist_upload.
func NewComputation(own bool) *Computation {
	return &Computation{
		Own:        own,
		Successors: make(map[xcrypto.TEK]Match),
		Redlist:    make(map[xcrypto.TEK]struct{}),
	}
}

// IsOwn reports whether this PN is the pooling node for the
// computation.
func (c *Computation) IsOwn() bool {
	return c.Own
}

// AddSuccessor inserts m into the successor set, keyed by candidate
// TEK value so duplicate matches for the same TEK collapse.
func (c *Computation) AddSuccessor(m Match) {
	c.Successors[m.CandidateTEK] = m
}

// InRedlist reports whether tek has already been accepted as a
// predecessor for this computation.
func (c *Computation) InRedlist(tek xcrypto.TEK) bool {
	_, ok := c.Redlist[tek]
	return ok
}

// AddRedlist admits tek as a predecessor. Returns false if tek was
// already present (caller should log a warning, not treat it as
// fatal).
func (c *Computation) AddRedlist(tek xcrypto.TEK) bool {
	if c.InRedlist(tek) {
		return false
	}
	c.Redlist[tek] = struct{}{}
	return true
}

// CompEntry is one computation's state as carried in a chunk: the
// blacklist TEKs uploaded by the pooling node, and the greylist TEKs
// announced as transitive contacts. Entries are keyed by TEKValidity,
// not bare TEK, so the TEKRP-aligned valid_from the bluetooth matching
// engine needs survives the upload/download round trip; the RPC
// surface (§6) already carries Validity<TEK> sets for this reason.
type CompEntry struct {
	Blacklist map[TEKValidity]struct{}
	Greylist  map[TEKValidity]struct{}
}

func newCompEntry() *CompEntry {
	return &CompEntry{
		Blacklist: make(map[TEKValidity]struct{}),
		Greylist:  make(map[TEKValidity]struct{}),
	}
}

// Chunk is the diagnosis server's sealed or in-progress unit of
// publication: a half-open coverage window and the per-computation
// blacklist/greylist data sealed within it.
type Chunk struct {
	Covers entime.TimeInterval
	Data   map[ComputationID]*CompEntry
}

// NewChunk creates an empty chunk covering the given interval.
func NewChunk(covers entime.TimeInterval) *Chunk {
	return &Chunk{Covers: covers, Data: make(map[ComputationID]*CompEntry)}
}

// NextChunk returns a new, empty chunk covering the interval
// immediately following this one.
func (c *Chunk) NextChunk() *Chunk {
	return NewChunk(c.Covers.NextInterval())
}

// Entry returns the CompEntry for id, creating it if absent.
func (c *Chunk) Entry(id ComputationID) *CompEntry {
	e, ok := c.Data[id]
	if !ok {
		e = newCompEntry()
		c.Data[id] = e
	}
	return e
}
