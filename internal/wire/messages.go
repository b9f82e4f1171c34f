package wire

import (
	"sort"

	"github.com/dstotijn/ssev/internal/entime"
	"github.com/dstotijn/ssev/internal/model"
	"github.com/dstotijn/ssev/internal/xcrypto"
)

// BlacklistUploadRequest is the payload of a blacklist_upload RPC: the
// full set of the caller's own TEK validities.
type BlacklistUploadRequest struct {
	DiagnosisKeys []model.TEKValidity
}

// BlacklistUploadResponse carries the DS-allocated computation id.
type BlacklistUploadResponse struct {
	ComputationID model.ComputationID
}

// GreylistUploadRequest is the payload of a greylist_upload RPC.
type GreylistUploadRequest struct {
	ComputationID model.ComputationID
	DiagnosisKeys []model.TEKValidity
}

// GreylistUploadResponse is the (empty) acknowledgement of a
// greylist_upload RPC.
type GreylistUploadResponse struct{}

// DownloadRequest is the payload of a download RPC.
type DownloadRequest struct {
	From entime.Tick
}

// ChunkDTO is the wire representation of a sealed model.Chunk: maps
// with TEK keys don't gob-encode their key type directly in a way
// that's friendly to evolve independently of model.Chunk, so the DTO
// flattens each computation's blacklist/greylist to TEKValidity slices.
type ChunkDTO struct {
	Covers entime.TimeInterval
	Data   map[model.ComputationID]CompEntryDTO
}

// CompEntryDTO is the wire representation of one computation's
// blacklist/greylist sets within a chunk.
type CompEntryDTO struct {
	Blacklist []model.TEKValidity
	Greylist  []model.TEKValidity
}

// EncodeChunk flattens a model.Chunk into its wire representation.
func EncodeChunk(c *model.Chunk) ChunkDTO {
	dto := ChunkDTO{Covers: c.Covers, Data: make(map[model.ComputationID]CompEntryDTO, len(c.Data))}
	for id, entry := range c.Data {
		dto.Data[id] = CompEntryDTO{
			Blacklist: tekSetToSlice(entry.Blacklist),
			Greylist:  tekSetToSlice(entry.Greylist),
		}
	}
	return dto
}

// DecodeChunk reconstructs a model.Chunk from its wire representation.
func DecodeChunk(dto ChunkDTO) *model.Chunk {
	c := model.NewChunk(dto.Covers)
	for id, entry := range dto.Data {
		e := c.Entry(id)
		for _, t := range entry.Blacklist {
			e.Blacklist[t] = struct{}{}
		}
		for _, t := range entry.Greylist {
			e.Greylist[t] = struct{}{}
		}
	}
	return c
}

func tekSetToSlice(set map[model.TEKValidity]struct{}) []model.TEKValidity {
	out := make([]model.TEKValidity, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	return out
}

// DownloadResponse carries the chunks the DS owes the caller.
type DownloadResponse struct {
	Chunks []ChunkDTO
}

// ForwardInfo is the predecessor/origin TEK pair carried by a forward
// RPC, wrapped in a Validity so both sides agree on the TEKRP-aligned
// window they describe.
type ForwardInfo struct {
	PredecessorTEK xcrypto.TEK
	OriginTEK      xcrypto.TEK
}

// ForwardParams is the payload of a forward RPC.
type ForwardParams struct {
	ComputationID        model.ComputationID
	Info                 model.Validity[ForwardInfo]
	SharedEncounterTimes []entime.ENIN // sorted ascending
}

// ForwardResponse is the (empty) acknowledgement of a forward RPC.
type ForwardResponse struct{}

// NewForwardParams builds the first-hop forward: origin_tek and
// predecessor_tek are both ownTEK, marking the sender as the direct
// contact of the blacklist-matched broadcaster.
func NewForwardParams(
	computationID model.ComputationID,
	validFrom entime.ENIN,
	tekrp entime.TEKRP,
	ownTEK xcrypto.TEK,
	highRisk map[entime.ENIN]struct{},
) ForwardParams {
	return ForwardParams{
		ComputationID: computationID,
		Info: model.NewValidity(validFrom, tekrp, ForwardInfo{
			PredecessorTEK: ownTEK,
			OriginTEK:      ownTEK,
		}),
		SharedEncounterTimes: SortedENINs(highRisk),
	}
}

// PredecessorTEKValidity returns the predecessor TEK as a Validity
// anchored at this message's window.
func (p ForwardParams) PredecessorTEKValidity(tekrp entime.TEKRP) model.TEKValidity {
	return model.NewValidity(p.Info.ValidFrom, tekrp, p.Info.Value.PredecessorTEK)
}

// OriginTEKValidity returns the origin TEK as a Validity anchored at
// this message's window.
func (p ForwardParams) OriginTEKValidity(tekrp entime.TEKRP) model.TEKValidity {
	return model.NewValidity(p.Info.ValidFrom, tekrp, p.Info.Value.OriginTEK)
}

// IsFirstForward reports whether this message is the first hop of its
// chain: origin_tek and predecessor_tek are byte-equal.
func (p ForwardParams) IsFirstForward() bool {
	return p.Info.Value.OriginTEK == p.Info.Value.PredecessorTEK
}

// Update returns a copy of p with predecessor_tek set to
// newPredecessorTEK and shared_encounter_times set to newShared;
// origin_tek and the computation id are unchanged. Used when relaying
// a forward to a qualifying successor.
func (p ForwardParams) Update(newPredecessorTEK xcrypto.TEK, newShared map[entime.ENIN]struct{}) ForwardParams {
	next := p
	next.Info = model.Validity[ForwardInfo]{
		ValidFrom: p.Info.ValidFrom,
		Value: ForwardInfo{
			PredecessorTEK: newPredecessorTEK,
			OriginTEK:      p.Info.Value.OriginTEK,
		},
	}
	next.SharedEncounterTimes = SortedENINs(newShared)
	return next
}

// SortedENINs returns the elements of set as an ascending sorted
// slice, for deterministic wire encoding and for intersecting against
// another such slice.
func SortedENINs(set map[entime.ENIN]struct{}) []entime.ENIN {
	out := make([]entime.ENIN, 0, len(set))
	for e := range set {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ENINSet converts a sorted (or unsorted) slice back into a set.
func ENINSet(list []entime.ENIN) map[entime.ENIN]struct{} {
	out := make(map[entime.ENIN]struct{}, len(list))
	for _, e := range list {
		out[e] = struct{}{}
	}
	return out
}

// IntersectENINs returns the set intersection of a and b.
func IntersectENINs(a map[entime.ENIN]struct{}, b []entime.ENIN) map[entime.ENIN]struct{} {
	out := make(map[entime.ENIN]struct{})
	for _, e := range b {
		if _, ok := a[e]; ok {
			out[e] = struct{}{}
		}
	}
	return out
}

// IntersectENINSets returns the set intersection of two ENIN sets.
func IntersectENINSets(a, b map[entime.ENIN]struct{}) map[entime.ENIN]struct{} {
	out := make(map[entime.ENIN]struct{})
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	for e := range small {
		if _, ok := large[e]; ok {
			out[e] = struct{}{}
		}
	}
	return out
}
