// Integration tests wiring a real diagnosis server (dsstore + dsserver)
// and multiple real participant-node event loops (pnstate.PN) together
// over loopback TCP, per §3.7/§8: no test doubles for DS or the
// forwarder network, only the bluetooth contact history is seeded
// directly since the BLE simulator that produces it is out of scope.
package ssev_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dstotijn/ssev/internal/bluetooth"
	"github.com/dstotijn/ssev/internal/dsclient"
	"github.com/dstotijn/ssev/internal/dsserver"
	"github.com/dstotijn/ssev/internal/dsstore"
	"github.com/dstotijn/ssev/internal/entime"
	"github.com/dstotijn/ssev/internal/forwarder"
	"github.com/dstotijn/ssev/internal/model"
	"github.com/dstotijn/ssev/internal/pnstate"
	"github.com/dstotijn/ssev/internal/xcrypto"
)

// fixedNow anchors every node's key history to the same instant, so
// their own TEKs all share a common TEKRP-aligned window to observe
// each other at.
var fixedNow = time.Unix(1_700_000_000, 0).UTC()

func integrationParams() model.SystemParams {
	p := model.SystemParams{
		ChunkPeriod:       time.Second,
		RefreshPeriod:     100 * time.Millisecond,
		ComputationPeriod: 10 * time.Second,
		RetentionPeriod:   time.Hour,
	}
	p.ApplyDefaults()
	return p
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
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

// startDS starts a real dsstore.Store behind a real dsserver.Server on
// a loopback listener, with its background rotator running against the
// real wall clock so ChunkPeriod-driven sealing actually happens.
func startDS(t *testing.T, ctx context.Context, params model.SystemParams) (*dsstore.Store, string) {
	t.Helper()
	store := dsstore.New(params, nil)
	go store.Run(ctx)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	srv := dsserver.New(store, nil)
	go srv.Serve(ln)

	return store, ln.Addr().String()
}

// node bundles one participant's wired event loop, its forwarder
// address, and the key history used to seed bluetooth contacts for it.
type node struct {
	pn   *pnstate.PN
	ds   *dsclient.Client
	keys *pnstate.KeyHistory
	addr string
}

func newNode(t *testing.T, id int, name string, positivelyTested bool, params model.SystemParams, dsAddr string) *node {
	t.Helper()
	keys, err := pnstate.NewKeyHistory(fixedNow, params)
	require.NoError(t, err)
	bt := bluetooth.New(params.TEKRollingPeriod)
	ds := dsclient.New(dsAddr, 2*time.Second)
	dial := forwarder.NewClient(2*time.Second, 2*time.Second)

	pn := pnstate.New(id, name, positivelyTested, params, keys, bt, ds, dial, nil, nil)
	addr := freeAddr(t)
	window := forwarder.NewListener(addr, params.ComputationPeriod, 2*time.Second, pn, nil)
	pn.Window = window

	return &node{pn: pn, ds: ds, keys: keys, addr: addr}
}

// pollDownloads mirrors cmd/participant-node's updater loop: it starts
// from the dawn of time rather than "now" so a poller that starts a
// beat after the DS does never races past the first sealed chunk.
func pollDownloads(ctx context.Context, n *node, period time.Duration) {
	next := entime.Tick(0)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			chunks, err := n.ds.Download(ctx, next)
			if err != nil || len(chunks) == 0 {
				continue
			}
			next = n.pn.SubmitNewChunks(ctx, next, chunks)
		}
	}
}

// anchorWindow returns the shared TEKRP-aligned window every node's
// own key history covers at fixedNow.
func anchorWindow(params model.SystemParams) entime.ENIN {
	return entime.FloorTEKRPMultiple(entime.Now(fixedNow), params.TEKRollingPeriod)
}

// TestIntegrationDirectHighRiskForwardGreylistsContact exercises
// spec.md §8's direct high-risk alert scenario end to end: A is
// positively tested and uploads its own keys; B was in high-risk
// contact with A and, once the diagnosis server seals a chunk
// containing A's blacklist, matches it, raises a traced high-risk
// alert, and forwards to A over real TCP; A's own forwarder endpoint
// receives the forward and greylists B's contact TEK at the diagnosis
// server.
func TestIntegrationDirectHighRiskForwardGreylistsContact(t *testing.T) {
	params := integrationParams()
	w := anchorWindow(params)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store, dsAddr := startDS(t, ctx, params)

	a := newNode(t, 0, "A", true, params, dsAddr)
	b := newNode(t, 1, "B", false, params, dsAddr)

	aKey, ok := a.keys.At(w)
	require.True(t, ok)
	bKey, ok := b.keys.At(w)
	require.True(t, ok)

	// Mutual encounter: both sides recorded each other's broadcast.
	b.pn.Bluetooth.Add(observe(t, aKey, w, model.HighRisk, a.addr))
	a.pn.Bluetooth.Add(observe(t, bKey, w, model.HighRisk, b.addr))

	go func() { _ = a.pn.Start(ctx) }()
	go func() { _ = b.pn.Start(ctx) }()
	go pollDownloads(ctx, a, params.RefreshPeriod)
	go pollDownloads(ctx, b, params.RefreshPeriod)

	require.Eventually(t, func() bool {
		return b.pn.Alerts().TracedHighRisk
	}, 5*time.Second, 50*time.Millisecond, "B must raise a traced high-risk alert")

	require.Eventually(t, func() bool {
		for _, c := range store.Download(entime.Tick(0)) {
			for _, entry := range c.Data {
				if len(entry.Greylist) > 0 {
					return true
				}
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond, "B's forward must lead A to a greylist upload at the diagnosis server")
}

// TestIntegrationSSEVThreeHopTransitiveAlert exercises the SSEV
// transitive-contact scenario: A is positively tested, B was exposed
// to A directly, and C was exposed to B (but never met A). The
// notification must travel C -> B -> A (each relay validated against
// the redlist built by the preceding hop) so that A's own computation
// greylists C's TEK, and C must detect its own TEK reappearing in a
// later download to raise a transitive-contact alert despite never
// having matched A's blacklist directly.
func TestIntegrationSSEVThreeHopTransitiveAlert(t *testing.T) {
	params := integrationParams()
	w := anchorWindow(params)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	_, dsAddr := startDS(t, ctx, params)

	a := newNode(t, 0, "A", true, params, dsAddr)
	b := newNode(t, 1, "B", false, params, dsAddr)
	c := newNode(t, 2, "C", false, params, dsAddr)

	aKey, ok := a.keys.At(w)
	require.True(t, ok)
	bKey, ok := b.keys.At(w)
	require.True(t, ok)
	cKey, ok := c.keys.At(w)
	require.True(t, ok)

	// A <-> B encounter.
	b.pn.Bluetooth.Add(observe(t, aKey, w, model.HighRisk, a.addr))
	a.pn.Bluetooth.Add(observe(t, bKey, w, model.HighRisk, b.addr))

	// B <-> C encounter. C never meets A.
	c.pn.Bluetooth.Add(observe(t, bKey, w, model.HighRisk, b.addr))
	b.pn.Bluetooth.Add(observe(t, cKey, w, model.HighRisk, c.addr))

	go func() { _ = a.pn.Start(ctx) }()
	go func() { _ = b.pn.Start(ctx) }()
	go func() { _ = c.pn.Start(ctx) }()
	go pollDownloads(ctx, a, params.RefreshPeriod)
	go pollDownloads(ctx, b, params.RefreshPeriod)
	go pollDownloads(ctx, c, params.RefreshPeriod)

	require.Eventually(t, func() bool {
		return c.pn.Alerts().TransitiveContact
	}, 10*time.Second, 100*time.Millisecond, "C must raise a transitive-contact alert despite never meeting A directly")

	require.False(t, c.pn.Alerts().TracedContact, "C never matched a blacklist entry directly")
}
