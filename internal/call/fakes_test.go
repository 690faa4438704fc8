package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/signal"
)

// ── media ──────────────────────────────────────────────────────────────────

type fakeTrack struct {
	id      string
	kind    TrackKind
	mu      sync.Mutex
	enabled bool
	stops   int
}

func (t *fakeTrack) ID() string      { return t.id }
func (t *fakeTrack) Kind() TrackKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stops++
	t.mu.Unlock()
}

func (t *fakeTrack) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

type fakeMedia struct {
	tracks []*fakeTrack
	stops  atomic.Int32
}

func (m *fakeMedia) Tracks() []LocalTrack {
	out := make([]LocalTrack, len(m.tracks))
	for i, t := range m.tracks {
		out[i] = t
	}
	return out
}

func (m *fakeMedia) Stop() {
	m.stops.Add(1)
	for _, t := range m.tracks {
		t.Stop()
	}
}

// allStopped reports whether every track was stopped exactly once.
func (m *fakeMedia) allStopped() bool {
	for _, t := range m.tracks {
		if t.stopCount() != 1 {
			return false
		}
	}
	return true
}

type fakeSource struct {
	mu       sync.Mutex
	err      error
	gate     chan struct{}
	acquired []*fakeMedia
	calls    int
}

func (s *fakeSource) Acquire(ctx context.Context, audio, video bool) (LocalMedia, error) {
	s.mu.Lock()
	s.calls++
	gate, err := s.gate, s.err
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	m := &fakeMedia{}
	if audio {
		m.tracks = append(m.tracks, &fakeTrack{id: "mic", kind: TrackAudio, enabled: true})
	}
	if video {
		m.tracks = append(m.tracks, &fakeTrack{id: "cam", kind: TrackVideo, enabled: true})
	}
	s.mu.Lock()
	s.acquired = append(s.acquired, m)
	s.mu.Unlock()
	return m, nil
}

func (s *fakeSource) last() *fakeMedia {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.acquired) == 0 {
		return nil
	}
	return s.acquired[len(s.acquired)-1]
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// ── transport session ──────────────────────────────────────────────────────

type fakeSession struct {
	hooks SessionHooks
	name  string

	mu       sync.Mutex
	state    SignalingState
	remote   *signal.SessionDescription
	attached bool
	applied  []string
	applies  int
	closes   int
	badCand  string
}

func (s *fakeSession) AttachLocal(LocalMedia) error {
	s.mu.Lock()
	s.attached = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) CreateOffer(video bool) (signal.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SignalingStable {
		return signal.SessionDescription{}, &NegotiationError{Op: "create-offer", Err: errors.New("not stable")}
	}
	s.state = SignalingHaveLocalOffer
	return signal.SessionDescription{Type: "offer", SDP: fmt.Sprintf("offer from %s video=%v", s.name, video)}, nil
}

func (s *fakeSession) ApplyRemoteDescription(d signal.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote != nil && *s.remote == d {
		return nil
	}
	switch d.Type {
	case "answer":
		if s.state != SignalingHaveLocalOffer {
			return &NegotiationError{Op: "apply-answer", Err: errors.New(string(s.state))}
		}
		s.state = SignalingStable
	case "offer":
		if s.state != SignalingStable {
			return &NegotiationError{Op: "apply-offer", Err: errors.New(string(s.state))}
		}
		s.state = SignalingHaveRemoteOffer
	}
	s.applies++
	s.remote = &d
	return nil
}

func (s *fakeSession) CreateAnswer() (signal.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SignalingHaveRemoteOffer {
		return signal.SessionDescription{}, &NegotiationError{Op: "create-answer", Err: errors.New("no offer")}
	}
	s.state = SignalingStable
	return signal.SessionDescription{Type: "answer", SDP: "answer from " + s.name}, nil
}

func (s *fakeSession) AddICECandidate(c signal.ICECandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closes > 0 {
		return nil
	}
	if s.remote == nil {
		return errors.New("candidate before remote description")
	}
	if c.Candidate == s.badCand {
		return errors.New("bad candidate")
	}
	s.applied = append(s.applied, c.Candidate)
	return nil
}

func (s *fakeSession) SignalingState() SignalingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSession) HasRemoteDescription() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote != nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closes++
	s.state = SignalingClosed
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) appliedCandidates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.applied...)
}

func (s *fakeSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *fakeSession) emitTrack(kind TrackKind) {
	s.hooks.OnTrack(RemoteTrack{ID: string(kind) + "-" + s.name, StreamID: "stream", Kind: kind})
}

func (s *fakeSession) emitCandidate(c string) {
	s.hooks.OnICECandidate(signal.ICECandidate{Candidate: c})
}

type fakeFactory struct {
	name     string
	mu       sync.Mutex
	sessions []*fakeSession
	err      error
}

func (f *fakeFactory) NewSession(h SessionHooks) (MediaSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeSession{hooks: h, name: f.name, state: SignalingStable}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeFactory) last() *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

// ── observer ───────────────────────────────────────────────────────────────

type recorder struct {
	mu          sync.Mutex
	transitions []Transition
	records     []Record
}

func (r *recorder) OnTransition(from, to State, snap Snapshot) {
	r.mu.Lock()
	r.transitions = append(r.transitions, Transition{CallID: snap.CallID, From: from, To: to})
	r.mu.Unlock()
}

func (r *recorder) OnCallEnded(rec Record) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
}

func (r *recorder) ended() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records...)
}

func (r *recorder) transitionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transitions)
}

// ── harness ────────────────────────────────────────────────────────────────

type testPeer struct {
	id  string
	m   *Manager
	src *fakeSource
	fac *fakeFactory
	obs *recorder
}

func newTestPeer(t *testing.T, ch signal.Channel, id string, clk clock.Clock) *testPeer {
	t.Helper()
	p := &testPeer{id: id, src: &fakeSource{}, fac: &fakeFactory{name: id}, obs: &recorder{}}
	m, err := New(Config{
		Self:        id,
		Channel:     ch,
		Media:       p.src,
		Sessions:    p.fac,
		Clock:       clk,
		SendTimeout: time.Second,
	})
	require.NoError(t, err)
	m.AddObserver(p.obs)
	p.m = m
	t.Cleanup(func() { _ = m.Close() })
	return p
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func (p *testPeer) waitState(t *testing.T, want State) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool { return p.m.Snapshot().State == want },
		waitFor, tick, "%s never reached %s (at %s)", p.id, want, p.m.Snapshot().State)
	return p.m.Snapshot()
}

func (p *testPeer) waitIdle(t *testing.T, outcome Outcome) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		s := p.m.Snapshot()
		return s.State == StateIdle && s.Outcome == outcome
	}, waitFor, tick, "%s never ended with %s (at %+v)", p.id, outcome, p.m.Snapshot())
	return p.m.Snapshot()
}

func (p *testPeer) waitSession(t *testing.T) *fakeSession {
	t.Helper()
	require.Eventually(t, func() bool { return p.fac.last() != nil }, waitFor, tick)
	return p.fac.last()
}

// inbox collects messages for an identity that has no manager.
type inbox struct {
	mu   sync.Mutex
	msgs []signal.Message
}

func newInbox(t *testing.T, bus *signal.Bus, id string) *inbox {
	t.Helper()
	in := &inbox{}
	_, err := bus.Subscribe(id, func(m signal.Message) {
		in.mu.Lock()
		in.msgs = append(in.msgs, m)
		in.mu.Unlock()
	})
	require.NoError(t, err)
	return in
}

func (in *inbox) all() []signal.Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]signal.Message(nil), in.msgs...)
}

func (in *inbox) ofType(typ signal.Type) []signal.Message {
	var out []signal.Message
	for _, m := range in.all() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (in *inbox) waitFor(t *testing.T, typ signal.Type) signal.Message {
	t.Helper()
	require.Eventually(t, func() bool { return len(in.ofType(typ)) > 0 }, waitFor, tick, "no %s received", typ)
	return in.ofType(typ)[0]
}

// failingChannel refuses to send the listed message types.
type failingChannel struct {
	signal.Channel
	fail map[signal.Type]bool
}

func (c *failingChannel) Send(ctx context.Context, to string, msg signal.Message) error {
	if c.fail[msg.Type] {
		return errors.New("network unreachable")
	}
	return c.Channel.Send(ctx, to, msg)
}
