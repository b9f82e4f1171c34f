package dsstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dstotijn/ssev/internal/entime"
	"github.com/dstotijn/ssev/internal/model"
	"github.com/dstotijn/ssev/internal/xcrypto"
)

func params() model.SystemParams {
	p := model.SystemParams{
		ChunkPeriod:     time.Second,
		RetentionPeriod: 10 * time.Hour,
	}
	p.ApplyDefaults()
	p.ChunkPeriod = time.Second
	p.RetentionPeriod = 10 * time.Hour
	return p
}

func mustTEKValidity(t *testing.T) model.TEKValidity {
	t.Helper()
	tek, err := xcrypto.NewTEK()
	require.NoError(t, err)
	return model.NewValidity(entime.ENIN(1), entime.DefaultTEKRP, tek)
}

func TestBlacklistUploadAllocatesMonotonicIDs(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	s := New(params(), func() time.Time { return now })

	id1 := s.BlacklistUpload([]model.TEKValidity{mustTEKValidity(t)})
	id2 := s.BlacklistUpload([]model.TEKValidity{mustTEKValidity(t)})
	require.Equal(t, model.ComputationID(0), id1)
	require.Equal(t, model.ComputationID(1), id2)
}

func TestDownloadExcludesCurrentChunk(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	s := New(params(), func() time.Time { return now })
	s.BlacklistUpload([]model.TEKValidity{mustTEKValidity(t)})

	chunks := s.Download(entime.TickOf(now) - 1000)
	require.Empty(t, chunks, "nothing sealed yet")
}

func TestRotateSealsAndDownloadReturnsIt(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	s := New(params(), func() time.Time { return now })

	id := s.BlacklistUpload([]model.TEKValidity{mustTEKValidity(t)})

	s.rotate()

	from := entime.TickOf(now) - 1000
	chunks := s.Download(from)
	require.Len(t, chunks, 1)
	_, ok := chunks[0].Data[id]
	require.True(t, ok)
}

func TestDownloadMonotonicityAcrossTwoRotations(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	s := New(params(), func() time.Time { return now })

	s.rotate() // seal chunk A
	firstFrom := entime.TickOf(now) - 10_000
	first := s.Download(firstFrom)
	require.Len(t, first, 1)
	newestTo := first[0].Covers.To

	s.rotate() // seal chunk B

	second := s.Download(newestTo)
	require.Len(t, second, 1)
	require.Equal(t, newestTo, second[0].Covers.From)

	// No overlap: the union of both batches covers two contiguous,
	// non-overlapping windows.
	require.Equal(t, first[0].Covers.To, second[0].Covers.From)
}

func TestDownloadEmptyWhenFromAtOrAfterNewest(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	s := New(params(), func() time.Time { return now })
	s.rotate()

	// from at the newest done chunk's own start is the watermark a
	// caller would hold right after sealing began but before it has
	// consumed anything: that chunk is still owed to it, not "already
	// seen". Only once from reaches the chunk's end (everything in it
	// has been processed) is there nothing new to report.
	chunks := s.Download(s.done[0].Covers.To)
	require.Empty(t, chunks)
}

func TestGreylistUploadDedupsAgainstDoneChunks(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	s := New(params(), func() time.Time { return now })

	id := s.BlacklistUpload(nil)
	tv := mustTEKValidity(t)
	s.GreylistUpload(id, []model.TEKValidity{tv})
	s.rotate()

	// Re-uploading the same TEK after the chunk sealed must not
	// duplicate it in the new current chunk.
	s.GreylistUpload(id, []model.TEKValidity{tv})

	s.muCurrent.Lock()
	entry := s.current.Entry(id)
	s.muCurrent.Unlock()
	require.Empty(t, entry.Greylist, "already-sealed greylist TEK must be deduped")
}

func TestRetentionPrunesOldChunksFIFO(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	p := params()
	p.RetentionPeriod = 2 * time.Second
	s := New(p, func() time.Time { return now })

	s.rotate()
	now = now.Add(3 * time.Second)
	s.clock = func() time.Time { return now }
	s.rotate()

	s.muDone.Lock()
	defer s.muDone.Unlock()
	require.Len(t, s.done, 1, "first chunk should have been pruned past retention")
}
