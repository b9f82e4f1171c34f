// Package pnstate implements the participant node's single-consumer
// event loop: the state machine that detects contacts, decides when
// to forward, maintains the redlist/successor graph, and raises
// traced-contact and transitive-contact alerts.
package pnstate

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/markkurossi/text/superscript"

	"github.com/dstotijn/ssev/internal/bluetooth"
	"github.com/dstotijn/ssev/internal/entime"
	"github.com/dstotijn/ssev/internal/model"
	"github.com/dstotijn/ssev/internal/wire"
)

// listKind distinguishes a blacklist entry from a greylist entry when
// dispatching a downloaded TEK to onTEKMatch.
type listKind int

const (
	listBlacklist listKind = iota
	listGreylist
)

// DSClient is the outbound interface to the diagnosis server that the
// event loop needs. It is satisfied by internal/dsclient.Client; tests
// can supply a fake.
type DSClient interface {
	BlacklistUpload(ctx context.Context, teks []model.TEKValidity) (model.ComputationID, error)
	GreylistUpload(ctx context.Context, id model.ComputationID, teks []model.TEKValidity) error
}

// ForwardDialer sends a forward RPC to a peer's forwarder endpoint. It
// is satisfied by internal/forwarder.Client.
type ForwardDialer interface {
	SendForward(ctx context.Context, endpoint string, params wire.ForwardParams) error
}

// WindowRequester opens (or extends) this PN's inbound forwarder
// listening window. It is satisfied by internal/forwarder.Listener.
type WindowRequester interface {
	Request()
}

// Alerts records the terminal, test-observable verdicts a PN reaches.
// No protocol action follows from them; they exist so integration
// tests (and §4.4's ComputationPeriodExpired handler) can assert on
// outcomes.
type Alerts struct {
	mu                sync.Mutex
	TracedContact     bool
	TracedHighRisk    bool
	TransitiveContact bool
}

func (a *Alerts) raiseTraced(highRisk bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.TracedContact = true
	if highRisk {
		a.TracedHighRisk = true
	}
}

func (a *Alerts) raiseTransitive() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.TransitiveContact = true
}

func (a *Alerts) snapshot() Alerts {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Alerts{TracedContact: a.TracedContact, TracedHighRisk: a.TracedHighRisk, TransitiveContact: a.TransitiveContact}
}

// newChunksEvent is sent by the updater after a successful download.
type newChunksEvent struct {
	lastFrom entime.Tick
	chunks   []*model.Chunk
	reply    chan entime.Tick
}

// newForwardRequestEvent is sent by the inbound forwarder listener.
type newForwardRequestEvent struct {
	params wire.ForwardParams
	reply  chan error
}

// computationPeriodExpiredEvent is sent by the listener's timer.
type computationPeriodExpiredEvent struct{}

// PN is the participant node's single-consumer state machine. All
// mutations to Keys, Bluetooth, Computations and the alert flags
// happen inside the event loop Start drives; nothing else touches them, so no
// per-field locking is needed.
type PN struct {
	Name             string
	ID               int
	PositivelyTested bool
	Params           model.SystemParams

	Keys      *KeyHistory
	Bluetooth *bluetooth.Layer

	DS       DSClient
	Dial     ForwardDialer
	Window   WindowRequester
	Upload   RetryPolicy
	Logger   *zap.SugaredLogger

	computations map[model.ComputationID]*model.Computation
	alerts       Alerts

	inbox chan any
}

// New builds a PN ready to Start. Keys and Bluetooth must already be
// populated (the simulator that seeds them is out of scope, §1).
func New(id int, name string, positivelyTested bool, params model.SystemParams, keys *KeyHistory, bt *bluetooth.Layer, ds DSClient, dial ForwardDialer, window WindowRequester, logger *zap.SugaredLogger) *PN {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &PN{
		Name:             name,
		ID:               id,
		PositivelyTested: positivelyTested,
		Params:           params,
		Keys:             keys,
		Bluetooth:        bt,
		DS:               ds,
		Dial:             dial,
		Window:           window,
		Upload:           DefaultRetryPolicy(),
		Logger:           logger,
		computations:     make(map[model.ComputationID]*model.Computation),
		inbox:            make(chan any, 64),
	}
}

// Alerts returns a snapshot of the PN's current traced/transitive
// contact verdicts.
func (p *PN) Alerts() Alerts {
	return p.alerts.snapshot()
}

// label renders the PN's name decorated with its id as a superscript,
// disambiguating interleaved multi-party log lines the way the domain
// stack's peer consumer loop labels "Player⁰: consumer¹".
func (p *PN) label() string {
	return p.Name + superscript.Itoa(p.ID)
}

// Start runs initialization (blacklist upload if positively tested)
// and then drives the event loop until ctx is cancelled.
func (p *PN) Start(ctx context.Context) error {
	if p.PositivelyTested {
		p.Window.Request()

		teks := p.Keys.All()
		id, err := p.Upload.Run(ctx, func() (model.ComputationID, error) {
			return p.DS.BlacklistUpload(ctx, teks)
		})
		if err != nil {
			return fmt.Errorf("pnstate: %s: initial blacklist upload: %w", p.label(), err)
		}
		p.computations[id] = model.NewComputation(true)
		p.Logger.Infow("uploaded own keys to blacklist", "pn", p.label(), "computation", id)
	}

	return p.run(ctx)
}

func (p *PN) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-p.inbox:
			p.handle(ctx, ev)
		}
	}
}

func (p *PN) handle(ctx context.Context, ev any) {
	switch e := ev.(type) {
	case *newChunksEvent:
		next := p.onNewChunks(ctx, e.lastFrom, e.chunks)
		if e.reply != nil {
			e.reply <- next
		}
	case *newForwardRequestEvent:
		err := p.onForwardRequest(ctx, e.params)
		if e.reply != nil {
			e.reply <- err
		}
	case *computationPeriodExpiredEvent:
		p.onComputationPeriodExpired()
	default:
		p.Logger.Warnw("unknown event", "pn", p.label(), "type", fmt.Sprintf("%T", ev))
	}
}

// SubmitNewChunks is called by the updater after a download; it
// blocks until the event loop has processed the chunks and returns
// the next `from` to request.
func (p *PN) SubmitNewChunks(ctx context.Context, lastFrom entime.Tick, chunks []*model.Chunk) entime.Tick {
	reply := make(chan entime.Tick, 1)
	ev := &newChunksEvent{lastFrom: lastFrom, chunks: chunks, reply: reply}
	select {
	case p.inbox <- ev:
	case <-ctx.Done():
		return lastFrom
	}
	select {
	case next := <-reply:
		return next
	case <-ctx.Done():
		return lastFrom
	}
}

// SubmitForwardRequest is called by the inbound forwarder listener
// for each accepted `forward` RPC; it blocks until the event loop has
// processed it.
func (p *PN) SubmitForwardRequest(ctx context.Context, params wire.ForwardParams) error {
	reply := make(chan error, 1)
	ev := &newForwardRequestEvent{params: params, reply: reply}
	select {
	case p.inbox <- ev:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitComputationPeriodExpired is called by the forwarder listener
// when its window closes.
func (p *PN) SubmitComputationPeriodExpired() {
	select {
	case p.inbox <- &computationPeriodExpiredEvent{}:
	default:
	}
}

// onNewChunks processes every downloaded chunk, newest-first, exactly
// as described in §4.4: advance next_from to the newest chunk's
// covers.to (the monotonic variant the design notes resolve on,
// rather than the rewinding covers.from variant the source
// disagreed with itself about), check for self-greylisting, and
// dispatch every blacklist/greylist TEK to onTEKMatch.
func (p *PN) onNewChunks(ctx context.Context, lastFrom entime.Tick, chunks []*model.Chunk) entime.Tick {
	next := lastFrom

	for _, chunk := range chunks {
		if chunk.Covers.To > next {
			next = chunk.Covers.To
		}

		for id, entry := range chunk.Data {
			if comp, ok := p.computations[id]; ok {
				for tv := range entry.Greylist {
					if p.Keys.ContainsTEKValidity(tv) {
						p.alerts.raiseTransitive()
						p.Logger.Infow("transitive contact detected", "pn", p.label(), "computation", id)
					}
				}
				_ = comp
			}

			for tv := range entry.Blacklist {
				p.onTEKMatch(ctx, tv, listBlacklist, id)
			}
			for tv := range entry.Greylist {
				p.onTEKMatch(ctx, tv, listGreylist, id)
			}
		}
	}

	return next
}

// onTEKMatch implements §4.4's on_tek_match.
func (p *PN) onTEKMatch(ctx context.Context, tv model.TEKValidity, kind listKind, id model.ComputationID) {
	kr, err := model.KeyringFromTEK(tv.Value)
	if err != nil {
		p.Logger.Warnw("key derivation failed for downloaded TEK", "pn", p.label(), "err", err)
		return
	}

	candidate := model.Validity[model.Keyring]{ValidFrom: tv.ValidFrom, Value: kr}
	match, ok := p.Bluetooth.MatchWith(candidate)
	if !ok {
		return
	}

	if kind == listBlacklist {
		highRisk := len(match.HighRiskTimes) > 0
		p.alerts.raiseTraced(highRisk)
		p.Logger.Infow("traced contact detected", "pn", p.label(), "high_risk", highRisk, "computation", id)
	}

	if len(match.HighRiskTimes) == 0 {
		return
	}

	if kind == listGreylist {
		if comp, ok := p.computations[id]; ok && comp.InRedlist(match.CandidateTEK) {
			return
		}
	}

	ownTEK, ok := p.Keys.ownTEKAt(tv.ValidFrom)
	if !ok {
		panic(fmt.Sprintf("pnstate: %s: no own TEK valid at window %d though a contact matched there", p.label(), tv.ValidFrom))
	}

	p.Window.Request()

	params := wire.NewForwardParams(id, tv.ValidFrom, p.Params.TEKRollingPeriod, ownTEK, match.HighRiskTimes)
	if err := p.Dial.SendForward(ctx, match.Endpoint, params); err != nil {
		p.Logger.Warnw("forward send failed", "pn", p.label(), "endpoint", match.Endpoint, "err", err)
	}

	comp, ok := p.computations[id]
	if !ok {
		comp = model.NewComputation(false)
		p.computations[id] = comp
	}
	comp.AddSuccessor(match)
}

// onForwardRequest implements §4.4's NewForwardRequest handler.
func (p *PN) onForwardRequest(ctx context.Context, params wire.ForwardParams) error {
	predecessorTV := params.PredecessorTEKValidity(p.Params.TEKRollingPeriod)
	originTV := params.OriginTEKValidity(p.Params.TEKRollingPeriod)

	kr, err := model.KeyringFromTEK(predecessorTV.Value)
	if err != nil {
		p.Logger.Warnw("forward: predecessor key derivation failed", "pn", p.label(), "err", err)
		return nil
	}

	candidate := model.Validity[model.Keyring]{ValidFrom: predecessorTV.ValidFrom, Value: kr}
	match, ok := p.Bluetooth.MatchWith(candidate)
	if !ok {
		// Never met that predecessor.
		return nil
	}

	comp, ok := p.computations[params.ComputationID]
	if !ok {
		// Unknown computation: not joined, drop.
		return nil
	}

	if params.IsFirstForward() {
		if !comp.AddRedlist(predecessorTV.Value) {
			p.Logger.Warnw("duplicate first-forward predecessor TEK", "pn", p.label(), "computation", params.ComputationID)
		}
	}

	if !comp.InRedlist(predecessorTV.Value) {
		// Later-hop forward whose predecessor we never admitted: malicious
		// or out-of-order, drop.
		return nil
	}

	shared := wire.IntersectENINs(match.HighRiskTimes, params.SharedEncounterTimes)
	if len(shared) == 0 {
		return nil
	}

	if comp.IsOwn() {
		return p.Upload.RunVoid(ctx, func() error {
			return p.DS.GreylistUpload(ctx, params.ComputationID, []model.TEKValidity{originTV})
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, succ := range comp.Successors {
		succ := succ
		nextShared := wire.IntersectENINSets(shared, succ.HighRiskTimes)
		if len(nextShared) == 0 {
			continue
		}
		ownTEK, ok := p.Keys.ownTEKAt(predecessorTV.ValidFrom)
		if !ok {
			continue
		}
		nextParams := params.Update(ownTEK, nextShared)
		g.Go(func() error {
			if err := p.Dial.SendForward(gctx, succ.Endpoint, nextParams); err != nil {
				p.Logger.Warnw("relay forward send failed", "pn", p.label(), "endpoint", succ.Endpoint, "err", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// onComputationPeriodExpired implements §4.4's terminal verdict check:
// no protocol action, purely observable state for tests/operators.
func (p *PN) onComputationPeriodExpired() {
	a := p.alerts.snapshot()
	shouldWarn := a.TracedHighRisk || a.TransitiveContact || p.PositivelyTested
	p.Logger.Debugw("computation period expired", "pn", p.label(), "should_warn", shouldWarn)
}
