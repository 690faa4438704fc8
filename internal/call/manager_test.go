package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/signal"
)

const quiet = 100 * time.Millisecond

type pair struct {
	bus          *signal.Bus
	clk          *clock.Mock
	alice, bob   *testPeer
	aSess, bSess *fakeSession
}

// connectPair takes alice and bob from idle to an active call.
func connectPair(t *testing.T, video bool) *pair {
	t.Helper()
	ctx := context.Background()
	p := &pair{bus: signal.NewBus(), clk: clock.NewMock()}
	p.alice = newTestPeer(t, p.bus, "alice", p.clk)
	p.bob = newTestPeer(t, p.bus, "bob", p.clk)

	require.NoError(t, p.alice.m.Dial(ctx, "bob", video))
	p.bob.waitState(t, StateRingingLocal)
	require.NoError(t, p.bob.m.Answer(ctx))
	p.alice.waitState(t, StateConnecting)

	p.aSess = p.alice.fac.last()
	p.bSess = p.bob.fac.last()
	require.NotNil(t, p.aSess)
	require.NotNil(t, p.bSess)

	p.aSess.emitTrack(TrackAudio)
	p.bSess.emitTrack(TrackAudio)
	if video {
		p.aSess.emitTrack(TrackVideo)
		p.bSess.emitTrack(TrackVideo)
	}
	p.alice.waitState(t, StateActive)
	p.bob.waitState(t, StateActive)
	return p
}

func TestManager_CallLifecycle(t *testing.T) {
	ctx := context.Background()
	bus := signal.NewBus()
	clk := clock.NewMock()
	alice := newTestPeer(t, bus, "alice", clk)
	bob := newTestPeer(t, bus, "bob", clk)
	rings := bob.m.SubscribeIncoming()
	defer bob.m.UnsubscribeIncoming(rings)

	require.NoError(t, alice.m.Dial(ctx, "bob", true))

	var notice IncomingCall
	select {
	case notice = <-rings:
	case <-time.After(waitFor):
		t.Fatal("bob never rang")
	}
	assert.Equal(t, "alice", notice.From)
	assert.Equal(t, AudioVideo, notice.MediaKind)

	ringing := bob.waitState(t, StateRingingLocal)
	assert.Equal(t, Incoming, ringing.Direction)
	outgoing := alice.waitState(t, StateRingingRemote)
	assert.Equal(t, outgoing.CallID, ringing.CallID)
	assert.Equal(t, notice.CallID, ringing.CallID)

	require.NoError(t, bob.m.Answer(ctx))
	alice.waitState(t, StateConnecting)
	sa, sb := alice.fac.last(), bob.fac.last()

	// Trickle ICE both ways.
	sa.emitCandidate("candidate:alice-1")
	sb.emitCandidate("candidate:bob-1")
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"candidate:alice-1"}, sb.appliedCandidates()) &&
			assert.ObjectsAreEqual([]string{"candidate:bob-1"}, sa.appliedCandidates())
	}, waitFor, tick)

	sa.emitTrack(TrackAudio)
	sa.emitTrack(TrackVideo)
	sb.emitTrack(TrackAudio)
	sb.emitTrack(TrackVideo)
	alice.waitState(t, StateActive)
	bob.waitState(t, StateActive)
	require.Eventually(t, func() bool { return len(alice.m.Snapshot().Remote) == 2 }, waitFor, tick)

	for i := 1; i <= 5; i++ {
		clk.Add(time.Second)
		require.Eventually(t, func() bool { return alice.m.Snapshot().DurationSeconds == i }, waitFor, tick)
	}
	assert.Equal(t, "00:05", FormatSeconds(alice.m.Snapshot().DurationSeconds))

	require.NoError(t, alice.m.Hangup(ctx))
	alice.waitIdle(t, OutcomeCompleted)
	bob.waitIdle(t, OutcomeRemoteHangup)

	recs := alice.obs.ended()
	require.Len(t, recs, 1)
	assert.Equal(t, Outgoing, recs[0].Direction)
	assert.Equal(t, 5, recs[0].DurationSeconds)
	assert.Equal(t, "bob", recs[0].Peer)

	for _, p := range []*testPeer{alice, bob} {
		assert.True(t, p.src.last().allStopped(), "%s media not stopped once", p.id)
		assert.Equal(t, 1, p.fac.last().closeCount(), "%s session not closed once", p.id)
	}

	recent := alice.m.Recent()
	require.NotEmpty(t, recent)
	assert.Equal(t, StateTerminated, recent[len(recent)-1].To)
}

func TestManager_SelfCallRejected(t *testing.T) {
	alice := newTestPeer(t, signal.NewBus(), "alice", clock.NewMock())

	assert.ErrorIs(t, alice.m.Dial(context.Background(), "alice", true), ErrSelfCall)
	assert.ErrorIs(t, alice.m.Dial(context.Background(), "  ", false), ErrInvalidPeer)
	assert.Equal(t, StateIdle, alice.m.Snapshot().State)
	assert.Zero(t, alice.src.callCount())
	assert.Zero(t, alice.obs.transitionCount())
}

func TestManager_BusyDropsSecondOffer(t *testing.T) {
	ctx := context.Background()
	bus := signal.NewBus()
	clk := clock.NewMock()
	alice := newTestPeer(t, bus, "alice", clk)
	bob := newTestPeer(t, bus, "bob", clk)
	carol := newTestPeer(t, bus, "carol", clk)
	rings := bob.m.SubscribeIncoming()

	require.NoError(t, alice.m.Dial(ctx, "bob", false))
	first := bob.waitState(t, StateRingingLocal)
	<-rings

	require.NoError(t, carol.m.Dial(ctx, "bob", false))
	carol.waitState(t, StateRingingRemote)

	select {
	case n := <-rings:
		t.Fatalf("bob rang for a second call from %s", n.From)
	case <-time.After(quiet):
	}
	assert.Equal(t, first.CallID, bob.m.Snapshot().CallID)
	assert.ErrorIs(t, bob.m.Dial(ctx, "carol", false), ErrBusy)

	// Carol gives up; her end-call must not touch bob's call with alice.
	require.NoError(t, carol.m.Cancel(ctx))
	carol.waitIdle(t, OutcomeCancelled)
	require.Never(t, func() bool { return bob.m.Snapshot().State != StateRingingLocal }, quiet, tick)
}

func TestManager_CancelThenLateAnswerIsIgnored(t *testing.T) {
	ctx := context.Background()
	bus := signal.NewBus()
	alice := newTestPeer(t, bus, "alice", clock.NewMock())
	bobIn := newInbox(t, bus, "bob")

	require.NoError(t, alice.m.Dial(ctx, "bob", false))
	offer := bobIn.waitFor(t, signal.TypeOffer)
	alice.waitState(t, StateRingingRemote)

	require.NoError(t, alice.m.Cancel(ctx))
	alice.waitIdle(t, OutcomeCancelled)
	end := bobIn.waitFor(t, signal.TypeEndCall)
	assert.Equal(t, offer.CallID, end.CallID)

	transitions := alice.obs.transitionCount()
	bus.Inject("alice", signal.NewAnswer("bob", offer.CallID, signal.SessionDescription{Type: "answer", SDP: "late"}))
	bus.Inject("alice", signal.NewEndCall("bob", offer.CallID))

	require.Never(t, func() bool {
		return alice.m.Snapshot().State != StateIdle || alice.obs.transitionCount() != transitions
	}, quiet, tick)
	assert.Len(t, alice.obs.ended(), 1)
	assert.True(t, alice.src.last().allStopped())
	assert.Equal(t, 1, alice.fac.last().closeCount())
	assert.ErrorIs(t, alice.m.Cancel(ctx), ErrNoCall)
}

func TestManager_DeclineEndsBothSides(t *testing.T) {
	ctx := context.Background()
	bus := signal.NewBus()
	clk := clock.NewMock()
	alice := newTestPeer(t, bus, "alice", clk)
	bob := newTestPeer(t, bus, "bob", clk)

	require.NoError(t, alice.m.Dial(ctx, "bob", true))
	snap := bob.waitState(t, StateRingingLocal)
	require.NoError(t, bob.m.Decline(ctx))

	bob.waitIdle(t, OutcomeRejected)
	alice.waitIdle(t, OutcomeDeclined)

	// Bob never touched his devices.
	assert.Zero(t, bob.src.callCount())
	assert.Zero(t, bob.fac.count())
	assert.True(t, alice.src.last().allStopped())
	assert.Equal(t, 1, alice.fac.last().closeCount())

	// A duplicated decline changes nothing.
	bus.Inject("alice", signal.NewDecline("bob", snap.CallID))
	require.Never(t, func() bool { return len(alice.obs.ended()) != 1 }, quiet, tick)
}

func TestManager_CallerHangsUpWhileRinging(t *testing.T) {
	ctx := context.Background()
	bus := signal.NewBus()
	clk := clock.NewMock()
	alice := newTestPeer(t, bus, "alice", clk)
	bob := newTestPeer(t, bus, "bob", clk)

	require.NoError(t, alice.m.Dial(ctx, "bob", false))
	bob.waitState(t, StateRingingLocal)
	require.NoError(t, alice.m.Hangup(ctx))

	alice.waitIdle(t, OutcomeCancelled)
	bob.waitIdle(t, OutcomeMissed)
	assert.ErrorIs(t, bob.m.Answer(ctx), ErrNoCall)
}

func TestManager_CandidatesBufferedUntilAnswer(t *testing.T) {
	ctx := context.Background()
	bus := signal.NewBus()
	bob := newTestPeer(t, bus, "bob", clock.NewMock())
	aliceIn := newInbox(t, bus, "alice")

	bus.Inject("bob", signal.NewOffer("alice", "call-1", signal.SessionDescription{Type: "offer", SDP: "v=0 alice"}, false))
	for _, c := range []string{"c1", "c2", "c1"} {
		bus.Inject("bob", signal.NewCandidate("alice", "call-1", cand(c)))
	}
	bus.Inject("bob", signal.NewCandidate("alice", "some-old-call", cand("stale")))
	bob.waitState(t, StateRingingLocal)

	require.NoError(t, bob.m.Answer(ctx))
	sb := bob.waitSession(t)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"c1", "c2"}, sb.appliedCandidates())
	}, waitFor, tick)

	answer := aliceIn.waitFor(t, signal.TypeAnswer)
	assert.Equal(t, "call-1", answer.CallID)
	assert.Equal(t, "bob", answer.From)

	bus.Inject("bob", signal.NewCandidate("alice", "call-1", cand("c3")))
	bus.Inject("bob", signal.NewCandidate("alice", "call-1", cand("c2")))
	require.Eventually(t, func() bool { return len(sb.appliedCandidates()) == 3 }, waitFor, tick)
	require.Never(t, func() bool { return len(sb.appliedCandidates()) != 3 }, quiet, tick)
	assert.Equal(t, []string{"c1", "c2", "c3"}, sb.appliedCandidates())
}

func TestManager_AnswerRequiresOutstandingOffer(t *testing.T) {
	ctx := context.Background()
	bus := signal.NewBus()
	alice := newTestPeer(t, bus, "alice", clock.NewMock())
	bobIn := newInbox(t, bus, "bob")
	gate := make(chan struct{})
	alice.src.gate = gate

	require.NoError(t, alice.m.Dial(ctx, "bob", false))
	callID := alice.m.Snapshot().CallID
	answer := signal.SessionDescription{Type: "answer", SDP: "v=0 bob"}

	// No offer has been created yet.
	bus.Inject("alice", signal.NewAnswer("bob", callID, answer))
	require.Never(t, func() bool { return alice.m.Snapshot().State != StateDialing }, quiet, tick)

	close(gate)
	bobIn.waitFor(t, signal.TypeOffer)
	alice.waitState(t, StateRingingRemote)

	// Wrong call id, then the real one.
	bus.Inject("alice", signal.NewAnswer("bob", "other-call", answer))
	bus.Inject("alice", signal.NewAnswer("bob", callID, answer))
	alice.waitState(t, StateConnecting)

	bus.Inject("alice", signal.NewAnswer("bob", callID, answer))
	require.Never(t, func() bool { return alice.m.Snapshot().State != StateConnecting }, quiet, tick)
	sa := alice.fac.last()
	sa.mu.Lock()
	applies := sa.applies
	sa.mu.Unlock()
	assert.Equal(t, 1, applies)
}

func TestManager_EarlyRemoteTrackPromotedOnAnswer(t *testing.T) {
	ctx := context.Background()
	bus := signal.NewBus()
	alice := newTestPeer(t, bus, "alice", clock.NewMock())
	bobIn := newInbox(t, bus, "bob")

	require.NoError(t, alice.m.Dial(ctx, "bob", false))
	offer := bobIn.waitFor(t, signal.TypeOffer)
	alice.waitState(t, StateRingingRemote)

	alice.fac.last().emitTrack(TrackAudio)
	require.Never(t, func() bool { return alice.m.Snapshot().State != StateRingingRemote }, quiet, tick)

	bus.Inject("alice", signal.NewAnswer("bob", offer.CallID, signal.SessionDescription{Type: "answer", SDP: "v=0"}))
	snap := alice.waitState(t, StateActive)
	assert.Len(t, snap.Remote, 1)
}

func TestManager_CancelDuringMediaAcquisition(t *testing.T) {
	ctx := context.Background()
	bus := signal.NewBus()
	alice := newTestPeer(t, bus, "alice", clock.NewMock())
	bobIn := newInbox(t, bus, "bob")
	gate := make(chan struct{})
	alice.src.gate = gate

	require.NoError(t, alice.m.Dial(ctx, "bob", true))
	require.NoError(t, alice.m.Cancel(ctx))
	alice.waitIdle(t, OutcomeCancelled)

	close(gate)
	require.Eventually(t, func() bool {
		m := alice.src.last()
		return m != nil && m.allStopped()
	}, waitFor, tick)
	assert.Zero(t, alice.fac.count())
	require.Never(t, func() bool { return len(bobIn.all()) > 0 }, quiet, tick)
}

func TestManager_MediaFailure(t *testing.T) {
	ctx := context.Background()
	bus := signal.NewBus()
	alice := newTestPeer(t, bus, "alice", clock.NewMock())
	bobIn := newInbox(t, bus, "bob")
	alice.src.err = PermissionDenied(errors.New("user said no"))

	require.NoError(t, alice.m.Dial(ctx, "bob", true))
	snap := alice.waitIdle(t, OutcomeFailed)
	assert.Contains(t, snap.Error, "permission-denied")

	recs := alice.obs.ended()
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].Error, "user said no")
	assert.Zero(t, alice.fac.count())
	require.Never(t, func() bool { return len(bobIn.all()) > 0 }, quiet, tick)
}

func TestManager_AnswerMediaFailureNotifiesCaller(t *testing.T) {
	ctx := context.Background()
	bus := signal.NewBus()
	clk := clock.NewMock()
	alice := newTestPeer(t, bus, "alice", clk)
	bob := newTestPeer(t, bus, "bob", clk)
	bob.src.err = DeviceUnavailable(nil)

	require.NoError(t, alice.m.Dial(ctx, "bob", false))
	bob.waitState(t, StateRingingLocal)
	require.NoError(t, bob.m.Answer(ctx))

	snap := bob.waitIdle(t, OutcomeFailed)
	assert.Contains(t, snap.Error, "device-unavailable")
	alice.waitIdle(t, OutcomeRemoteHangup)
}

func TestManager_OfferDeliveryFailure(t *testing.T) {
	ctx := context.Background()
	bus := signal.NewBus()
	ch := &failingChannel{Channel: bus, fail: map[signal.Type]bool{signal.TypeOffer: true}}
	alice := newTestPeer(t, ch, "alice", clock.NewMock())
	bobIn := newInbox(t, bus, "bob")

	require.NoError(t, alice.m.Dial(ctx, "bob", false))
	snap := alice.waitIdle(t, OutcomeFailed)
	assert.Contains(t, snap.Error, "send offer")

	assert.True(t, alice.src.last().allStopped())
	assert.Equal(t, 1, alice.fac.last().closeCount())
	require.Never(t, func() bool { return len(bobIn.all()) > 0 }, quiet, tick)
}

func TestManager_TransportFailure(t *testing.T) {
	p := connectPair(t, false)

	p.aSess.hooks.OnConnectionState(ConnectionDisconnected)
	require.Never(t, func() bool { return p.alice.m.Snapshot().State != StateActive }, quiet, tick)

	p.aSess.hooks.OnConnectionState(ConnectionFailed)
	p.alice.waitIdle(t, OutcomeFailed)
	p.bob.waitIdle(t, OutcomeRemoteHangup)
	assert.Equal(t, 1, p.aSess.closeCount())
	assert.Equal(t, 1, p.bSess.closeCount())
}

func TestManager_Toggles(t *testing.T) {
	ctx := context.Background()
	_, err := newTestPeer(t, signal.NewBus(), "solo", clock.NewMock()).m.ToggleMute(ctx)
	assert.ErrorIs(t, err, ErrNoCall)

	p := connectPair(t, true)
	media := p.alice.src.last()
	trackOf := func(kind TrackKind) *fakeTrack {
		for _, tr := range media.tracks {
			if tr.kind == kind {
				return tr
			}
		}
		t.Fatalf("no %s track", kind)
		return nil
	}

	muted, err := p.alice.m.ToggleMute(ctx)
	require.NoError(t, err)
	assert.True(t, muted)
	assert.False(t, trackOf(TrackAudio).Enabled())
	assert.True(t, p.alice.m.Snapshot().Muted)

	muted, err = p.alice.m.ToggleMute(ctx)
	require.NoError(t, err)
	assert.False(t, muted)
	assert.True(t, trackOf(TrackAudio).Enabled())

	off, err := p.alice.m.ToggleVideo(ctx)
	require.NoError(t, err)
	assert.True(t, off)
	assert.False(t, trackOf(TrackVideo).Enabled())
	assert.False(t, p.alice.m.Snapshot().VideoEnabled)
	assert.True(t, trackOf(TrackAudio).Enabled(), "video toggle must not touch audio")
}

func TestManager_ToggleVideoOnAudioCall(t *testing.T) {
	p := connectPair(t, false)
	off, err := p.alice.m.ToggleVideo(context.Background())
	require.NoError(t, err)
	assert.True(t, off)
	off, err = p.alice.m.ToggleVideo(context.Background())
	require.NoError(t, err)
	assert.True(t, off, "audio-only call stays without video")
}

func TestManager_ControlErrors(t *testing.T) {
	ctx := context.Background()
	bus := signal.NewBus()
	clk := clock.NewMock()
	alice := newTestPeer(t, bus, "alice", clk)
	bob := newTestPeer(t, bus, "bob", clk)

	assert.ErrorIs(t, alice.m.Answer(ctx), ErrNoCall)
	assert.ErrorIs(t, alice.m.Hangup(ctx), ErrNoCall)
	assert.ErrorIs(t, alice.m.Decline(ctx), ErrNoCall)

	require.NoError(t, alice.m.Dial(ctx, "bob", false))
	assert.ErrorIs(t, alice.m.Answer(ctx), ErrInvalidState)
	assert.ErrorIs(t, alice.m.Decline(ctx), ErrInvalidState)
	assert.ErrorIs(t, alice.m.Dial(ctx, "bob", false), ErrBusy)

	bob.waitState(t, StateRingingLocal)
	assert.ErrorIs(t, bob.m.Cancel(ctx), ErrInvalidState, "cancel is for outgoing calls")
}

func TestManager_ReplayedOfferAfterEnd(t *testing.T) {
	bus := signal.NewBus()
	bob := newTestPeer(t, bus, "bob", clock.NewMock())
	newInbox(t, bus, "alice")
	offer := signal.NewOffer("alice", "call-1", signal.SessionDescription{Type: "offer", SDP: "v=0"}, false)

	bus.Inject("bob", offer)
	bob.waitState(t, StateRingingLocal)
	bus.Inject("bob", signal.NewEndCall("alice", "call-1"))
	bob.waitIdle(t, OutcomeMissed)

	replay := offer
	replay.ID = "another-delivery"
	bus.Inject("bob", replay)
	require.Never(t, func() bool { return bob.m.Snapshot().State != StateIdle }, quiet, tick)

	bus.Inject("bob", signal.NewOffer("alice", "call-2", signal.SessionDescription{Type: "offer", SDP: "v=0"}, false))
	snap := bob.waitState(t, StateRingingLocal)
	assert.Equal(t, "call-2", snap.CallID)
}

func TestManager_CloseEndsLiveCall(t *testing.T) {
	p := connectPair(t, false)

	require.NoError(t, p.alice.m.Close())
	p.bob.waitIdle(t, OutcomeRemoteHangup)
	assert.True(t, p.alice.src.last().allStopped())
	assert.ErrorIs(t, p.alice.m.Dial(context.Background(), "bob", false), ErrClosed)
}

func TestManager_SubscribeSeesEveryStage(t *testing.T) {
	ctx := context.Background()
	bus := signal.NewBus()
	alice := newTestPeer(t, bus, "alice", clock.NewMock())
	newInbox(t, bus, "bob")

	snaps, cancel := alice.m.Subscribe()
	defer cancel()
	first := <-snaps
	assert.Equal(t, StateIdle, first.State)

	require.NoError(t, alice.m.Dial(ctx, "bob", false))
	alice.waitState(t, StateRingingRemote)
	require.NoError(t, alice.m.Hangup(ctx))
	alice.waitIdle(t, OutcomeCancelled)

	var got []State
	timeout := time.After(waitFor)
	for {
		select {
		case s := <-snaps:
			if len(got) == 0 || got[len(got)-1] != s.State {
				got = append(got, s.State)
			}
			if s.State == StateIdle && s.Outcome == OutcomeCancelled {
				assert.Equal(t, []State{
					StateDialing, StateRingingRemote, StateTerminating, StateTerminated, StateIdle,
				}, got)
				return
			}
		case <-timeout:
			t.Fatalf("stream ended at %v", got)
		}
	}
}

func TestManager_SubscribeDuringTransitionsEndsOnLatest(t *testing.T) {
	ctx := context.Background()
	bus := signal.NewBus()
	alice := newTestPeer(t, bus, "alice", clock.NewMock())
	newInbox(t, bus, "bob")

	type sub struct {
		ch     <-chan Snapshot
		cancel func()
	}
	subs := make(chan sub, 64)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			ch, cancel := alice.m.Subscribe()
			select {
			case subs <- sub{ch, cancel}:
			default:
				cancel()
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	require.NoError(t, alice.m.Dial(ctx, "bob", false))
	alice.waitState(t, StateRingingRemote)
	require.NoError(t, alice.m.Hangup(ctx))
	alice.waitIdle(t, OutcomeCancelled)
	close(stop)
	<-done
	close(subs)
	// Subscribe takes the same lock as publish, so any delivery in flight
	// has finished once this returns.
	_, unsub := alice.m.Subscribe()
	unsub()

	final := alice.m.Snapshot()
	for s := range subs {
		var last Snapshot
	drain:
		for {
			select {
			case last = <-s.ch:
			default:
				break drain
			}
		}
		s.cancel()
		assert.Equal(t, final.State, last.State)
		assert.Equal(t, final.Outcome, last.Outcome)
	}
}
