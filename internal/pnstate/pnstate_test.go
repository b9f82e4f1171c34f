package pnstate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dstotijn/ssev/internal/bluetooth"
	"github.com/dstotijn/ssev/internal/entime"
	"github.com/dstotijn/ssev/internal/model"
	"github.com/dstotijn/ssev/internal/wire"
	"github.com/dstotijn/ssev/internal/xcrypto"
)

type fakeDS struct {
	mu         sync.Mutex
	nextID     model.ComputationID
	greylisted []model.TEKValidity
}

func (f *fakeDS) BlacklistUpload(ctx context.Context, teks []model.TEKValidity) (model.ComputationID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	return id, nil
}

func (f *fakeDS) GreylistUpload(ctx context.Context, id model.ComputationID, teks []model.TEKValidity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.greylisted = append(f.greylisted, teks...)
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	calls []struct {
		endpoint string
		params   wire.ForwardParams
	}
	err error
}

func (f *fakeDialer) SendForward(ctx context.Context, endpoint string, params wire.ForwardParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, struct {
		endpoint string
		params   wire.ForwardParams
	}{endpoint, params})
	return f.err
}

func (f *fakeDialer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeWindow struct {
	mu    sync.Mutex
	count int
}

func (f *fakeWindow) Request() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
}

func params() model.SystemParams {
	p := model.SystemParams{}
	p.ApplyDefaults()
	return p
}

func mustKeyring(t *testing.T) model.Keyring {
	t.Helper()
	kr, err := model.NewKeyring()
	require.NoError(t, err)
	return kr
}

func observe(t *testing.T, kr model.Keyring, enin entime.ENIN, intensity model.EncounterIntensity, endpoint string) model.TracedContact {
	t.Helper()
	rpi, err := xcrypto.DeriveRPI(kr.RPIK, uint32(enin))
	require.NoError(t, err)
	plaintext, err := model.Metadata{Intensity: intensity, Endpoint: endpoint}.Encode()
	require.NoError(t, err)
	aem, err := xcrypto.EncryptAEM(kr.AEMK, rpi, plaintext)
	require.NoError(t, err)
	return model.TracedContact{Timestamp: time.Now(), ENIN: enin, RPI: rpi, AEM: aem}
}

// fixedNow anchors every test's key history and traced-contact ENINs
// to the same instant, so a PN's own TEK at the contact's window is
// always resolvable.
var fixedNow = time.Unix(1_700_000_000, 0).UTC()

func newTestPN(t *testing.T, name string, ds DSClient, dial ForwardDialer, window WindowRequester) *PN {
	t.Helper()
	p := params()
	kh, err := NewKeyHistory(fixedNow, p)
	require.NoError(t, err)
	bt := bluetooth.New(p.TEKRollingPeriod)
	return New(0, name, false, p, kh, bt, ds, dial, window, nil)
}

// anchorENIN returns the ValidFrom of p's current (newest) own TEK,
// used as the traced-contact window in tests so ownTEKAt lookups
// succeed.
func anchorENIN(p *PN) entime.ENIN {
	return entime.FloorTEKRPMultiple(entime.Now(fixedNow), p.Params.TEKRollingPeriod)
}

// Scenario: B observed A (a broadcaster) at high risk; A's TEK is
// downloaded on the blacklist; B must raise a high-risk traced
// contact alert and send a first-hop forward back toward A's
// endpoint.
func TestOnTEKMatchRaisesHighRiskAndForwards(t *testing.T) {
	aKey := mustKeyring(t)
	ds := &fakeDS{}
	dial := &fakeDialer{}
	window := &fakeWindow{}
	b := newTestPN(t, "B", ds, dial, window)

	enin := anchorENIN(b)
	b.Bluetooth.Add(observe(t, aKey, enin, model.HighRisk, "10.0.0.1:9000"))

	tv := model.NewValidity(enin, b.Params.TEKRollingPeriod, aKey.TEK)
	b.onTEKMatch(context.Background(), tv, listBlacklist, model.ComputationID(7))

	alerts := b.Alerts()
	require.True(t, alerts.TracedContact)
	require.True(t, alerts.TracedHighRisk)
	require.Equal(t, 1, dial.count())
	require.Equal(t, "10.0.0.1:9000", dial.calls[0].endpoint)
	require.True(t, dial.calls[0].params.IsFirstForward())
	require.Equal(t, 1, window.count, "forward intent must (re)open the window")
}

// Scenario: a low-risk-only contact raises a low-risk traced-contact
// alert only and sends no forward.
func TestOnTEKMatchLowRiskDoesNotPropagate(t *testing.T) {
	aKey := mustKeyring(t)
	ds := &fakeDS{}
	dial := &fakeDialer{}
	window := &fakeWindow{}
	b := newTestPN(t, "B", ds, dial, window)

	enin := anchorENIN(b)
	b.Bluetooth.Add(observe(t, aKey, enin, model.LowRisk, "10.0.0.1:9000"))

	tv := model.NewValidity(enin, b.Params.TEKRollingPeriod, aKey.TEK)
	b.onTEKMatch(context.Background(), tv, listBlacklist, model.ComputationID(7))

	alerts := b.Alerts()
	require.True(t, alerts.TracedContact)
	require.False(t, alerts.TracedHighRisk)
	require.Equal(t, 0, dial.count())
}

// Scenario: B never encountered the candidate TEK's owner at all; no
// alert, no forward.
func TestOnTEKMatchNoContactNoOp(t *testing.T) {
	aKey := mustKeyring(t)
	ds := &fakeDS{}
	dial := &fakeDialer{}
	b := newTestPN(t, "B", ds, dial, &fakeWindow{})

	tv := model.NewValidity(anchorENIN(b)+entime.ENIN(b.Params.TEKRollingPeriod), b.Params.TEKRollingPeriod, aKey.TEK)
	b.onTEKMatch(context.Background(), tv, listBlacklist, model.ComputationID(1))

	require.False(t, b.Alerts().TracedContact)
	require.Equal(t, 0, dial.count())
}

// Scenario: the first-hop forward's predecessor is admitted to the
// redlist; a repeated first-hop forward with the same predecessor TEK
// (echo) is then handled without error.
func TestFirstForwardAddsRedlistAndDetectsEcho(t *testing.T) {
	predecessorKey := mustKeyring(t)
	ds := &fakeDS{}
	dial := &fakeDialer{}
	c := newTestPN(t, "C", ds, dial, &fakeWindow{})

	enin := anchorENIN(c)
	c.Bluetooth.Add(observe(t, predecessorKey, enin, model.HighRisk, "10.0.0.2:9001"))

	compID := model.ComputationID(9)
	c.computations[compID] = model.NewComputation(false)

	params := wire.NewForwardParams(compID, enin, c.Params.TEKRollingPeriod, predecessorKey.TEK, map[entime.ENIN]struct{}{enin: {}})

	err := c.onForwardRequest(context.Background(), params)
	require.NoError(t, err)

	comp := c.computations[compID]
	require.True(t, comp.InRedlist(predecessorKey.TEK))

	// A duplicate first-forward for the same predecessor is not a
	// crash: the redlist already contains it, so the code path that
	// warns on duplicate runs, and processing still proceeds since
	// InRedlist is true either way.
	err = c.onForwardRequest(context.Background(), params)
	require.NoError(t, err)
}

// Scenario: C's own computation (positively tested) receives a
// forward from a known, redlisted predecessor with encounter times
// that intersect the live contact; it must greylist-upload the
// origin TEK.
func TestOnForwardRequestOwnComputationGreylists(t *testing.T) {
	predecessorKey := mustKeyring(t)
	ds := &fakeDS{}
	dial := &fakeDialer{}
	c := newTestPN(t, "C", ds, dial, &fakeWindow{})

	enin := anchorENIN(c)
	c.Bluetooth.Add(observe(t, predecessorKey, enin, model.HighRisk, "10.0.0.3:9002"))

	compID := model.ComputationID(11)
	c.computations[compID] = model.NewComputation(true)

	params := wire.NewForwardParams(compID, enin, c.Params.TEKRollingPeriod, predecessorKey.TEK, map[entime.ENIN]struct{}{enin: {}})

	err := c.onForwardRequest(context.Background(), params)
	require.NoError(t, err)
	require.Len(t, ds.greylisted, 1)
	require.Equal(t, predecessorKey.TEK, ds.greylisted[0].Value)
}

// Scenario: a relay hop (non-own computation) fans out to every
// qualifying successor whose shared encounter times intersect.
func TestOnForwardRequestRelaysToSuccessors(t *testing.T) {
	predecessorKey := mustKeyring(t)
	ds := &fakeDS{}
	dial := &fakeDialer{}
	c := newTestPN(t, "C", ds, dial, &fakeWindow{})

	enin := anchorENIN(c)
	c.Bluetooth.Add(observe(t, predecessorKey, enin, model.HighRisk, "10.0.0.4:9003"))

	compID := model.ComputationID(13)
	comp := model.NewComputation(false)
	succTEK, err := xcrypto.NewTEK()
	require.NoError(t, err)
	comp.AddSuccessor(model.Match{
		Endpoint:      "10.0.0.5:9004",
		CandidateTEK:  succTEK,
		HighRiskTimes: map[entime.ENIN]struct{}{enin: {}},
	})
	c.computations[compID] = comp

	fp := wire.NewForwardParams(compID, enin, c.Params.TEKRollingPeriod, predecessorKey.TEK, map[entime.ENIN]struct{}{enin: {}})

	err = c.onForwardRequest(context.Background(), fp)
	require.NoError(t, err)
	require.Equal(t, 1, dial.count())
	require.Equal(t, "10.0.0.5:9004", dial.calls[0].endpoint)
	require.False(t, dial.calls[0].params.IsFirstForward(), "relay hop carries a distinct predecessor from origin")
}

// Scenario: chunk ingestion advances next_from to the largest
// covers.to among the chunks, here given newest-first as the DS
// returns them.
func TestOnNewChunksAdvancesNextFromMonotonically(t *testing.T) {
	ds := &fakeDS{}
	dial := &fakeDialer{}
	p := newTestPN(t, "B", ds, dial, &fakeWindow{})

	c1 := model.NewChunk(entime.TimeInterval{From: 100, To: 200})
	c2 := model.NewChunk(entime.TimeInterval{From: 200, To: 300})

	next := p.onNewChunks(context.Background(), entime.Tick(0), []*model.Chunk{c2, c1})
	require.Equal(t, entime.Tick(300), next)
}
