// Package dsstore implements the diagnosis server's chunked,
// time-windowed list store: the current (mutable) chunk, a bounded
// FIFO of done (sealed, read-only) chunks, and the background rotator
// that advances the chunk grid on the configured chunk period.
package dsstore

import (
	"context"
	"sync"
	"time"

	"github.com/dstotijn/ssev/internal/entime"
	"github.com/dstotijn/ssev/internal/model"
)

// Clock abstracts wall-clock reads so tests can control time instead
// of sleeping through real chunk periods.
type Clock func() time.Time

// Store holds the DS's in-memory chunk state. All mutable fields are
// behind their own mutex, matching the specification's "DS state
// discipline": short critical sections, no lock held across a sleep.
type Store struct {
	params model.SystemParams
	clock  Clock

	muCurrent sync.Mutex
	current   *model.Chunk

	muDone sync.Mutex
	done   []*model.Chunk // newest first

	muSeed sync.Mutex
	seed   uint32
}

// New creates a store whose current chunk is aligned to the configured
// chunk period and contains now.
func New(params model.SystemParams, clock Clock) *Store {
	if clock == nil {
		clock = time.Now
	}
	iv, err := entime.WithAlignment(clock(), params.ChunkPeriod)
	if err != nil {
		// Config loading replaces a zero ChunkPeriod with the default; a
		// zero/negative period reaching here is a programmer error.
		panic(err)
	}
	return &Store{
		params:  params,
		clock:   clock,
		current: model.NewChunk(iv),
	}
}

// Run drives the background rotator until ctx is cancelled: it sleeps
// until the current chunk's coverage window ends, atomically swaps in
// the next chunk, and prunes done chunks older than the retention
// period.
func (s *Store) Run(ctx context.Context) {
	for {
		s.muCurrent.Lock()
		sleepUntil := s.current.Covers.To.Time()
		s.muCurrent.Unlock()

		d := time.Until(sleepUntil)
		if d < 0 {
			d = 0
		}

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.rotate()
		}
	}
}

// rotate seals the current chunk and installs the next one, pruning
// the done deque's oldest entries past the retention horizon. The two
// chunk-store locks are acquired together in this one critical
// section, matching the specification's atomic-swap requirement.
func (s *Store) rotate() {
	now := s.clock()
	s.muCurrent.Lock()
	defer s.muCurrent.Unlock()
	s.muDone.Lock()
	defer s.muDone.Unlock()

	sealed := s.current
	s.current = sealed.NextChunk()
	s.done = append([]*model.Chunk{sealed}, s.done...)
	for len(s.done) > 0 {
		oldest := s.done[len(s.done)-1]
		if oldest.Covers.To > entime.TickOf(now)-entime.Tick(s.params.RetentionPeriod/time.Second) {
			break
		}
		s.done = s.done[:len(s.done)-1]
	}
}

// nextComputationID allocates and returns the next monotonic
// computation id.
func (s *Store) nextComputationID() model.ComputationID {
	s.muSeed.Lock()
	defer s.muSeed.Unlock()
	id := s.seed
	s.seed++
	return model.ComputationID(id)
}

// doneUnion returns the union, across every done chunk, of the named
// list (blacklist or greylist) for one computation id.
func (s *Store) doneUnion(id model.ComputationID, pick func(*model.CompEntry) map[model.TEKValidity]struct{}) map[model.TEKValidity]struct{} {
	s.muDone.Lock()
	defer s.muDone.Unlock()

	union := make(map[model.TEKValidity]struct{})
	for _, c := range s.done {
		entry, ok := c.Data[id]
		if !ok {
			continue
		}
		for t := range pick(entry) {
			union[t] = struct{}{}
		}
	}
	return union
}

// BlacklistUpload allocates a fresh computation id and seals the
// caller's TEK set (deduplicated against any same-id entries in
// already-done chunks, which is defensive only: the id was just
// allocated and cannot appear in an earlier chunk) into the current
// chunk's blacklist for that id.
func (s *Store) BlacklistUpload(teks []model.TEKValidity) model.ComputationID {
	id := s.nextComputationID()

	seen := s.doneUnion(id, func(e *model.CompEntry) map[model.TEKValidity]struct{} { return e.Blacklist })

	s.muCurrent.Lock()
	entry := s.current.Entry(id)
	for _, v := range teks {
		if _, dup := seen[v]; dup {
			continue
		}
		entry.Blacklist[v] = struct{}{}
	}
	s.muCurrent.Unlock()

	return id
}

// GreylistUpload seals the given TEK set (deduplicated against every
// done chunk's greylist for this id) into the current chunk's
// greylist for id.
func (s *Store) GreylistUpload(id model.ComputationID, teks []model.TEKValidity) {
	seen := s.doneUnion(id, func(e *model.CompEntry) map[model.TEKValidity]struct{} { return e.Greylist })

	s.muCurrent.Lock()
	entry := s.current.Entry(id)
	for _, v := range teks {
		if _, dup := seen[v]; dup {
			continue
		}
		entry.Greylist[v] = struct{}{}
	}
	s.muCurrent.Unlock()
}

// Download returns all done (sealed) chunks whose coverage window has
// not been fully consumed as of from, newest first, stopping at the
// first (and every older) chunk whose coverage ends at or before from.
// The current, unsealed chunk is never returned. from is always the
// caller's watermark from a previous call (the max Covers.To it has
// already processed), so a chunk whose Covers.From equals from is
// exactly the next one owed to the caller and must be included; only
// chunks entirely at or before from are already-seen.
func (s *Store) Download(from entime.Tick) []*model.Chunk {
	s.muDone.Lock()
	defer s.muDone.Unlock()

	var out []*model.Chunk
	for _, c := range s.done {
		if c.Covers.To <= from {
			break
		}
		out = append(out, c)
	}
	return out
}
