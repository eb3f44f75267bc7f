package pairing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adgenius/carousel-tv/internal/clock"
	"github.com/adgenius/carousel-tv/internal/docstore"
	"github.com/adgenius/carousel-tv/internal/localstore"
	"github.com/adgenius/carousel-tv/internal/model"
)

type runResult struct {
	identity model.DeviceIdentity
	err      error
}

func startAcceptor(ctx context.Context, a *Acceptor) <-chan runResult {
	done := make(chan runResult, 1)
	go func() {
		identity, err := a.Run(ctx)
		done <- runResult{identity: identity, err: err}
	}()
	return done
}

func waitResult(t *testing.T, done <-chan runResult) runResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("acceptor did not return")
		return runResult{}
	}
}

func waitForPhase(t *testing.T, a *Acceptor, phase Phase) *Coordinator {
	t.Helper()
	var session *Coordinator
	require.Eventually(t, func() bool {
		session = a.Session()
		return session != nil && session.State().Phase == phase
	}, 5*time.Second, 5*time.Millisecond)
	return session
}

func openLocal(t *testing.T, dir string) *localstore.Store {
	t.Helper()
	s, err := localstore.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAcceptorBoot(t *testing.T) {
	ctx := context.Background()

	t.Run("stored identity skips pairing entirely", func(t *testing.T) {
		store, clk := newFixture(t)
		local := openLocal(t, t.TempDir())
		require.NoError(t, local.SaveIdentity(ctx, model.DeviceIdentity{DeviceID: "tv-1", LocationID: "loc-1"}))

		a := NewAcceptor(store, local, AcceptorOptions{Session: Options{Clock: clk}})
		identity, err := a.Run(ctx)

		require.NoError(t, err)
		assert.Equal(t, model.DeviceIdentity{DeviceID: "tv-1", LocationID: "loc-1"}, identity)
		assert.Nil(t, a.Session())
		assert.Equal(t, Ready{Identity: identity}, a.Claim())

		records, err := store.Query(ctx, docstore.CollectionSetup, docstore.Filter{})
		require.NoError(t, err)
		assert.Empty(t, records, "no pairing record is published")
	})

	t.Run("pairs, collects the location and persists both together", func(t *testing.T) {
		store, clk := newFixture(t)
		local := openLocal(t, t.TempDir())
		a := NewAcceptor(store, local, AcceptorOptions{
			Session: Options{Clock: clk, Generate: codeSequence("ABCD-EFGH")},
		})

		done := startAcceptor(ctx, a)
		waitForPhase(t, a, PhaseCodeReady)
		assert.Equal(t, Unclaimed{}, a.Claim())

		claim(t, store, "ABCD-EFGH", nil)
		waitForPhase(t, a, PhaseAwaitingLocation)
		require.Eventually(t, func() bool {
			return a.Claim() == ClaimedNoLocation{DeviceID: "tv-1"}
		}, 5*time.Second, 5*time.Millisecond)

		stored, err := local.LoadIdentity(ctx)
		require.NoError(t, err)
		assert.Nil(t, stored, "claimed device id stays in memory until the location is known")

		require.NoError(t, a.SubmitLocation(ctx, "loc-1"))

		r := waitResult(t, done)
		require.NoError(t, r.err)
		assert.Equal(t, model.DeviceIdentity{DeviceID: "tv-1", LocationID: "loc-1"}, r.identity)

		stored, err = local.LoadIdentity(ctx)
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, r.identity, *stored)
		assert.Equal(t, "ready", a.State().Claim)
	})

	t.Run("restart between claim and location re-enters pairing", func(t *testing.T) {
		store, clk := newFixture(t)
		dir := t.TempDir()
		local := openLocal(t, dir)

		runCtx, crash := context.WithCancel(ctx)
		first := NewAcceptor(store, local, AcceptorOptions{Session: Options{Clock: clk, Generate: codeSequence("AAAA-AAAA")}})
		done := startAcceptor(runCtx, first)
		waitForPhase(t, first, PhaseCodeReady)
		claim(t, store, "AAAA-AAAA", nil)
		waitForPhase(t, first, PhaseAwaitingLocation)

		crash()
		r := waitResult(t, done)
		assert.ErrorIs(t, r.err, context.Canceled)

		stored, err := local.LoadIdentity(ctx)
		require.NoError(t, err)
		assert.Nil(t, stored)

		second := NewAcceptor(store, local, AcceptorOptions{Session: Options{Clock: clk, Generate: codeSequence("BBBB-BBBB")}})
		secondCtx, stop := context.WithCancel(ctx)
		defer stop()
		startAcceptor(secondCtx, second)

		session := waitForPhase(t, second, PhaseCodeReady)
		assert.Equal(t, "BBBB-BBBB", session.Code())
		assert.Equal(t, Unclaimed{}, second.Claim())
	})

	t.Run("half-written identity resumes at the location step", func(t *testing.T) {
		store, clk := newFixture(t)
		local := openLocal(t, t.TempDir())
		require.NoError(t, local.Set(ctx, localstore.KeyDeviceID, "tv-3"))

		a := NewAcceptor(store, local, AcceptorOptions{Session: Options{Clock: clk}})
		done := startAcceptor(ctx, a)

		require.Eventually(t, func() bool {
			return a.Claim() == ClaimedNoLocation{DeviceID: "tv-3"}
		}, 5*time.Second, 5*time.Millisecond)
		state := a.State()
		require.NotNil(t, state.Pairing)
		assert.Equal(t, PhaseAwaitingLocation, state.Pairing.Phase)

		require.NoError(t, store.UpdateRecord(ctx, docstore.CollectionDevices, "tv-3", docstore.Fields{"locationId": "loc-3"}))

		r := waitResult(t, done)
		require.NoError(t, r.err)
		assert.Equal(t, model.DeviceIdentity{DeviceID: "tv-3", LocationID: "loc-3"}, r.identity)

		records, err := store.Query(ctx, docstore.CollectionSetup, docstore.Filter{})
		require.NoError(t, err)
		assert.Empty(t, records, "no new code is generated while resuming")
	})

	t.Run("half-written identity accepts a locally submitted location", func(t *testing.T) {
		store, clk := newFixture(t)
		local := openLocal(t, t.TempDir())
		require.NoError(t, local.Set(ctx, localstore.KeyDeviceID, "tv-4"))

		a := NewAcceptor(store, local, AcceptorOptions{Session: Options{Clock: clk}})
		done := startAcceptor(ctx, a)
		require.Eventually(t, func() bool {
			return a.Claim() == ClaimedNoLocation{DeviceID: "tv-4"}
		}, 5*time.Second, 5*time.Millisecond)

		require.NoError(t, a.SubmitLocation(ctx, "loc-4"))

		r := waitResult(t, done)
		require.NoError(t, r.err)
		assert.Equal(t, "loc-4", r.identity.LocationID)

		doc, err := store.GetRecord(ctx, docstore.CollectionDevices, "tv-4")
		require.NoError(t, err)
		require.NotNil(t, doc)
	})
}

func TestAcceptorRestartsSessions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.NewManual(epoch)
	store := docstore.NewMemory(clk)
	defer store.Close()
	local := openLocal(t, t.TempDir())

	a := NewAcceptor(store, local, AcceptorOptions{
		Session: Options{Clock: clk, Generate: codeSequence("AAAA-AAAA", "BBBB-BBBB")},
	})
	startAcceptor(ctx, a)

	first := waitForPhase(t, a, PhaseCodeReady)
	require.Equal(t, "AAAA-AAAA", first.Code())

	clk.Advance(DefaultTTL)

	require.Eventually(t, func() bool {
		s := a.Session()
		return s != nil && s != first && s.State().Phase == PhaseCodeReady
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "BBBB-BBBB", a.Session().Code())
	assert.Equal(t, PhaseExpired, first.State().Phase)

	err := a.SubmitLocation(ctx, "loc-1")
	assert.Error(t, err, "an unclaimed device cannot take a location")
}
