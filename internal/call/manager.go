package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/signal"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("call")

const (
	eventQueueSize   = 64
	outboxSize       = 256
	defaultRecent    = 64
	endedCallMemory  = 128
	defaultSendLimit = 10 * time.Second
)

// Config wires a Manager to its collaborators.
type Config struct {
	Self     string
	Channel  signal.Channel
	Media    MediaSource
	Sessions SessionFactory

	// Clock drives the duration ticker. Nil means the wall clock.
	Clock clock.Clock

	// SendTimeout bounds each outbound Send.
	SendTimeout time.Duration

	// RecentSize is the number of transitions kept for debugging.
	RecentSize int
}

// SignalObserver may be implemented by an Observer that wants a callback
// per signaling message. It is called from more than one goroutine.
type SignalObserver interface {
	OnSignal(outbound bool, t signal.Type)
}

type outMsg struct {
	to    string
	msg   signal.Message
	track bool
}

// Manager is the call engine for one local identity. It guarantees at most
// one live call and serialises every state change on its loop goroutine.
type Manager struct {
	self        string
	ch          signal.Channel
	media       MediaSource
	sessions    SessionFactory
	clk         clock.Clock
	sendTimeout time.Duration

	events      chan event
	outbox      chan outMsg
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	unsubscribe func()

	// loop-owned
	cur         *callSession
	ended       *lru.Cache[string, struct{}]
	lastCallID  string
	lastOutcome Outcome
	lastErr     string

	snapMu sync.RWMutex
	snap   Snapshot

	subMu    sync.Mutex
	subs     map[chan Snapshot]struct{}
	incoming map[chan IncomingCall]struct{}

	obsMu     sync.RWMutex
	observers []Observer

	recent *util.RingBuffer[Transition]
}

// New creates a Manager, subscribes it to cfg.Channel as cfg.Self and
// starts its loop.
func New(cfg Config) (*Manager, error) {
	if strings.TrimSpace(cfg.Self) == "" {
		return nil, errors.New("call: empty self identity")
	}
	if cfg.Channel == nil || cfg.Media == nil || cfg.Sessions == nil {
		return nil, errors.New("call: channel, media source and session factory are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendLimit
	}
	if cfg.RecentSize <= 0 {
		cfg.RecentSize = defaultRecent
	}
	ended, _ := lru.New[string, struct{}](endedCallMemory)

	m := &Manager{
		self:        cfg.Self,
		ch:          cfg.Channel,
		media:       cfg.Media,
		sessions:    cfg.Sessions,
		clk:         cfg.Clock,
		sendTimeout: cfg.SendTimeout,
		events:      make(chan event, eventQueueSize),
		outbox:      make(chan outMsg, outboxSize),
		done:        make(chan struct{}),
		ended:       ended,
		snap:        Snapshot{State: StateIdle},
		subs:        make(map[chan Snapshot]struct{}),
		incoming:    make(map[chan IncomingCall]struct{}),
		recent:      util.NewRingBuffer[Transition](cfg.RecentSize),
	}

	cancel, err := cfg.Channel.Subscribe(cfg.Self, func(msg signal.Message) {
		m.post(signalEvent{msg: msg})
	})
	if err != nil {
		return nil, fmt.Errorf("call: subscribe: %w", err)
	}
	m.unsubscribe = cancel

	m.wg.Add(2)
	go m.run()
	go m.sendLoop()
	log.Infof("call manager ready for %s", shortPeer(cfg.Self))
	return m, nil
}

// Self returns the local identity.
func (m *Manager) Self() string { return m.self }

// AddObserver registers o for transitions and ended calls.
func (m *Manager) AddObserver(o Observer) {
	m.obsMu.Lock()
	m.observers = append(m.observers, o)
	m.obsMu.Unlock()
}

// Close ends any live call (telling the peer), stops the loop and flushes
// the outbox.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		if m.unsubscribe != nil {
			m.unsubscribe()
		}
		close(m.done)
	})
	m.wg.Wait()
	return nil
}

// post hands ev to the loop. It reports false once the manager is closed.
func (m *Manager) post(ev event) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

// ── public control surface ─────────────────────────────────────────────────

// Dial starts an outgoing call. Self calls and empty identities are
// rejected before any media or signaling work.
func (m *Manager) Dial(ctx context.Context, peer string, wantVideo bool) error {
	peer = strings.TrimSpace(peer)
	if peer == "" {
		return ErrInvalidPeer
	}
	if peer == m.self {
		return ErrSelfCall
	}
	reply := make(chan error, 1)
	return m.request(ctx, dialEvent{peer: peer, video: wantVideo, reply: reply}, reply)
}

// Answer accepts the call ringing locally.
func (m *Manager) Answer(ctx context.Context) error {
	reply := make(chan error, 1)
	return m.request(ctx, answerEvent{reply: reply}, reply)
}

// Decline rejects the call ringing locally.
func (m *Manager) Decline(ctx context.Context) error {
	reply := make(chan error, 1)
	return m.request(ctx, declineEvent{reply: reply}, reply)
}

// Hangup ends the current call whatever its state. While ringing locally
// it is the same as Decline.
func (m *Manager) Hangup(ctx context.Context) error {
	reply := make(chan error, 1)
	return m.request(ctx, hangupEvent{reply: reply}, reply)
}

// Cancel abandons an outgoing call that has not connected yet.
func (m *Manager) Cancel(ctx context.Context) error {
	reply := make(chan error, 1)
	return m.request(ctx, hangupEvent{cancelOnly: true, reply: reply}, reply)
}

// ToggleMute flips the local audio tracks and returns the new muted state.
func (m *Manager) ToggleMute(ctx context.Context) (bool, error) {
	return m.toggle(ctx, TrackAudio)
}

// ToggleVideo flips the local video tracks and returns true when video is
// now disabled.
func (m *Manager) ToggleVideo(ctx context.Context) (bool, error) {
	return m.toggle(ctx, TrackVideo)
}

func (m *Manager) toggle(ctx context.Context, kind TrackKind) (bool, error) {
	reply := make(chan toggleResult, 1)
	if !m.post(toggleEvent{kind: kind, reply: reply}) {
		return false, ErrClosed
	}
	select {
	case r := <-reply:
		return r.on, r.err
	case <-ctx.Done():
		return false, ctx.Err()
	case <-m.done:
		return false, ErrClosed
	}
}

func (m *Manager) request(ctx context.Context, ev event, reply chan error) error {
	if !m.post(ev) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}
}

// Snapshot returns the last published state.
func (m *Manager) Snapshot() Snapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	s := m.snap
	s.Remote = append([]RemoteTrack(nil), s.Remote...)
	return s
}

// Subscribe returns a stream of snapshots, starting with the current one.
// A slow reader only ever misses intermediate snapshots, never the latest.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 16)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	ch <- m.Snapshot()
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, ch)
			m.subMu.Unlock()
		})
	}
}

// SubscribeIncoming returns a channel that receives a notice for every call
// that starts ringing locally.
func (m *Manager) SubscribeIncoming() chan IncomingCall {
	ch := make(chan IncomingCall, 4)
	m.subMu.Lock()
	m.incoming[ch] = struct{}{}
	m.subMu.Unlock()
	return ch
}

func (m *Manager) UnsubscribeIncoming(ch chan IncomingCall) {
	m.subMu.Lock()
	delete(m.incoming, ch)
	m.subMu.Unlock()
}

// Recent returns the last transitions, oldest first.
func (m *Manager) Recent() []Transition {
	return m.recent.Snapshot()
}

// ── loop ───────────────────────────────────────────────────────────────────

func (m *Manager) run() {
	defer m.wg.Done()
	defer close(m.outbox)
	for {
		select {
		case <-m.done:
			if cs := m.cur; cs != nil {
				m.hangupOnClose(cs)
			}
			m.drainEvents()
			return
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

// drainEvents releases media that finished acquiring after shutdown began.
func (m *Manager) drainEvents() {
	for {
		select {
		case ev := <-m.events:
			if mr, ok := ev.(mediaReadyEvent); ok && mr.media != nil {
				mr.media.Stop()
			}
		default:
			return
		}
	}
}

func (m *Manager) hangupOnClose(cs *callSession) {
	outcome := OutcomeCancelled
	notify := signal.TypeEndCall
	switch cs.state() {
	case StateActive:
		outcome = OutcomeCompleted
	case StateRingingLocal:
		outcome = OutcomeRejected
		notify = signal.TypeDecline
	}
	m.terminate(cs, outcome, nil, notify)
}

func (m *Manager) handle(ev event) {
	switch e := ev.(type) {
	case dialEvent:
		e.reply <- m.onDial(e.peer, e.video)
	case answerEvent:
		e.reply <- m.onAnswer()
	case declineEvent:
		e.reply <- m.onDecline()
	case hangupEvent:
		e.reply <- m.onHangup(e.cancelOnly)
	case toggleEvent:
		on, err := m.onToggle(e.kind)
		e.reply <- toggleResult{on: on, err: err}
	case signalEvent:
		m.onSignal(e.msg)
	case mediaReadyEvent:
		m.onMediaReady(e)
	case localCandidateEvent:
		if cs := m.live(e.callID); cs != nil {
			m.send(cs, signal.NewCandidate(m.self, cs.id, e.c), false)
		}
	case remoteTrackEvent:
		m.onRemoteTrack(e)
	case connStateEvent:
		m.onConnState(e)
	case tickEvent:
		if cs := m.live(e.callID); cs != nil && cs.state() == StateActive {
			cs.seconds++
			m.publish(m.snapshotOf(cs, cs.state()))
		}
	case sendResultEvent:
		m.onSendResult(e)
	default:
		log.Warnf("unknown event %T", ev)
	}
}

// live returns the current call if it has the given id and is not being
// torn down.
func (m *Manager) live(callID string) *callSession {
	cs := m.cur
	if cs == nil || cs.id != callID {
		return nil
	}
	if st := cs.state(); st == StateTerminating || st == StateTerminated {
		return nil
	}
	return cs
}

func (m *Manager) newCall(id string, dir Direction, peer string, kind MediaKind) *callSession {
	ctx, cancel := context.WithCancel(context.Background())
	cs := &callSession{
		id:         id,
		direction:  dir,
		peer:       peer,
		kind:       kind,
		candidates: newCandidateQueue(),
		videoOff:   !kind.Video(),
		startedAt:  m.clk.Now(),
		ctx:        ctx,
		cancel:     cancel,
	}
	cs.fsm = newMachine(func(ev string, from, to State) {
		m.transitioned(cs, ev, from, to)
	})
	return cs
}

func (m *Manager) fire(cs *callSession, ev string) bool {
	if err := cs.fsm.fire(ev); err != nil {
		log.Debugw("transition refused", "call", cs.id, "event", ev, "state", cs.state(), "err", err)
		return false
	}
	return true
}

// ── local actions ──────────────────────────────────────────────────────────

func (m *Manager) onDial(peer string, video bool) error {
	if m.cur != nil {
		return ErrBusy
	}
	cs := m.newCall(uuid.NewString(), Outgoing, peer, KindFor(video))
	m.cur = cs
	m.fire(cs, evDial)
	log.Infow("dialing", "call", cs.id, "peer", shortPeer(peer), "video", video)
	m.acquire(cs, true, video)
	return nil
}

func (m *Manager) onAnswer() error {
	cs := m.cur
	if cs == nil {
		return ErrNoCall
	}
	if cs.state() != StateRingingLocal {
		return ErrInvalidState
	}
	m.fire(cs, evAccept)
	log.Infow("answering", "call", cs.id, "peer", shortPeer(cs.peer))
	m.acquire(cs, true, cs.kind.Video())
	return nil
}

func (m *Manager) onDecline() error {
	cs := m.cur
	if cs == nil {
		return ErrNoCall
	}
	if cs.state() != StateRingingLocal {
		return ErrInvalidState
	}
	m.terminate(cs, OutcomeRejected, nil, signal.TypeDecline)
	return nil
}

func (m *Manager) onHangup(cancelOnly bool) error {
	cs := m.cur
	if cs == nil {
		return ErrNoCall
	}
	st := cs.state()
	if cancelOnly {
		if cs.direction != Outgoing || (st != StateDialing && st != StateRingingRemote && st != StateConnecting) {
			return ErrInvalidState
		}
		m.terminate(cs, OutcomeCancelled, nil, signal.TypeEndCall)
		return nil
	}
	switch st {
	case StateRingingLocal:
		m.terminate(cs, OutcomeRejected, nil, signal.TypeDecline)
	case StateActive:
		m.terminate(cs, OutcomeCompleted, nil, signal.TypeEndCall)
	case StateDialing, StateRingingRemote, StateConnecting:
		m.terminate(cs, OutcomeCancelled, nil, signal.TypeEndCall)
	default:
		return ErrInvalidState
	}
	return nil
}

func (m *Manager) onToggle(kind TrackKind) (bool, error) {
	cs := m.cur
	if cs == nil {
		return false, ErrNoCall
	}
	switch kind {
	case TrackAudio:
		if cs.media == nil {
			return cs.muted, nil
		}
		cs.muted = !cs.muted
		cs.setTrackState(TrackAudio, !cs.muted)
		log.Infow("audio toggled", "call", cs.id, "muted", cs.muted)
		m.publish(m.snapshotOf(cs, cs.state()))
		return cs.muted, nil
	default:
		if cs.media == nil || !cs.hasTrack(TrackVideo) {
			return cs.videoOff, nil
		}
		cs.videoOff = !cs.videoOff
		cs.setTrackState(TrackVideo, !cs.videoOff)
		log.Infow("video toggled", "call", cs.id, "disabled", cs.videoOff)
		m.publish(m.snapshotOf(cs, cs.state()))
		return cs.videoOff, nil
	}
}

// acquire runs media acquisition off-loop; the result re-enters as a
// mediaReadyEvent.
func (m *Manager) acquire(cs *callSession, audio, video bool) {
	id, ctx := cs.id, cs.ctx
	go func() {
		media, err := m.media.Acquire(ctx, audio, video)
		if !m.post(mediaReadyEvent{callID: id, media: media, err: err}) && media != nil {
			media.Stop()
		}
	}()
}

func (m *Manager) onMediaReady(e mediaReadyEvent) {
	cs := m.live(e.callID)
	if cs == nil || cs.media != nil {
		if e.media != nil {
			e.media.Stop()
		}
		log.Debugw("media ready for a call that is gone", "call", e.callID)
		return
	}
	if e.err != nil {
		merr := asMediaError(e.err)
		log.Warnw("media acquisition failed", "call", cs.id, "reason", merr.Reason, "err", e.err)
		m.fail(cs, merr)
		return
	}
	cs.media = e.media

	sess, err := m.sessions.NewSession(m.hooksFor(cs.id))
	if err != nil {
		m.fail(cs, &NegotiationError{Op: "create-session", Err: err})
		return
	}
	cs.sess = sess
	if err := sess.AttachLocal(e.media); err != nil {
		m.fail(cs, &NegotiationError{Op: "attach-local", Err: err})
		return
	}

	switch cs.direction {
	case Outgoing:
		desc, err := sess.CreateOffer(cs.kind.Video())
		if err != nil {
			m.fail(cs, &NegotiationError{Op: "create-offer", Err: err})
			return
		}
		cs.advertised = true
		m.send(cs, signal.NewOffer(m.self, cs.id, desc, cs.kind.Video()), true)
	case Incoming:
		if err := sess.ApplyRemoteDescription(*cs.remoteOffer); err != nil {
			m.fail(cs, err)
			return
		}
		cs.candidates.drainInto(sess)
		desc, err := sess.CreateAnswer()
		if err != nil {
			m.fail(cs, &NegotiationError{Op: "create-answer", Err: err})
			return
		}
		m.send(cs, signal.NewAnswer(m.self, cs.id, desc), true)
	}
	m.publish(m.snapshotOf(cs, cs.state()))
}

func (m *Manager) hooksFor(callID string) SessionHooks {
	return SessionHooks{
		OnICECandidate: func(c signal.ICECandidate) {
			m.post(localCandidateEvent{callID: callID, c: c})
		},
		OnTrack: func(t RemoteTrack) {
			m.post(remoteTrackEvent{callID: callID, track: t})
		},
		OnConnectionState: func(s ConnectionState) {
			m.post(connStateEvent{callID: callID, state: s})
		},
	}
}

// ── inbound signaling ──────────────────────────────────────────────────────

func (m *Manager) onSignal(msg signal.Message) {
	m.notifySignal(false, msg.Type)
	if msg.From == m.self {
		return
	}
	if err := msg.Validate(); err != nil {
		log.Debugw("invalid signal dropped", "err", err)
		return
	}
	if msg.Type == signal.TypeOffer {
		m.onOffer(msg)
		return
	}

	cs := m.cur
	if cs == nil || !cs.matches(msg) {
		log.Debugw("signal ignored", "type", msg.Type, "from", shortPeer(msg.From), "call", msg.CallID, "err", ErrStaleSession)
		return
	}
	st := cs.state()
	if st == StateTerminating || st == StateTerminated {
		return
	}

	switch msg.Type {
	case signal.TypeAnswer:
		m.onRemoteAnswer(cs, *msg.Answer)
	case signal.TypeICECandidate:
		if !cs.candidates.add(*msg.Candidate, cs.sess) {
			log.Debugw("duplicate candidate", "call", cs.id)
		}
	case signal.TypeDecline:
		if st == StateDialing || st == StateRingingRemote {
			log.Infow("call declined", "call", cs.id, "peer", shortPeer(cs.peer))
			m.terminate(cs, OutcomeDeclined, nil, "")
			return
		}
		log.Debugw("decline ignored", "call", cs.id, "state", st)
	case signal.TypeEndCall:
		outcome := OutcomeRemoteHangup
		if st == StateRingingLocal {
			outcome = OutcomeMissed
		}
		log.Infow("peer ended call", "call", cs.id, "peer", shortPeer(cs.peer), "state", st)
		m.terminate(cs, outcome, nil, "")
	}
}

func (m *Manager) onOffer(msg signal.Message) {
	if msg.CallID != "" && m.ended.Contains(msg.CallID) {
		log.Debugw("offer for ended call dropped", "call", msg.CallID, "err", ErrStaleSession)
		return
	}
	if cs := m.cur; cs != nil {
		if cs.direction == Incoming && cs.matches(msg) &&
			(msg.CallID != "" || (cs.remoteOffer != nil && cs.remoteOffer.SDP == msg.Offer.SDP)) {
			log.Debugw("duplicate offer", "call", cs.id)
			return
		}
		log.Infow("busy, dropping offer", "from", shortPeer(msg.From), "current", cs.id)
		return
	}

	id := msg.CallID
	if id == "" {
		id = uuid.NewString()
	}
	cs := m.newCall(id, Incoming, msg.From, KindFor(msg.IsVideoCall))
	offer := *msg.Offer
	cs.remoteOffer = &offer
	cs.advertised = true
	m.cur = cs
	m.fire(cs, evRing)
	log.Infow("incoming call", "call", cs.id, "from", shortPeer(msg.From), "video", msg.IsVideoCall)

	notice := IncomingCall{CallID: cs.id, From: cs.peer, MediaKind: cs.kind}
	m.subMu.Lock()
	for ch := range m.incoming {
		select {
		case ch <- notice:
		default:
			log.Warnw("incoming listener full, notice dropped", "call", cs.id)
		}
	}
	m.subMu.Unlock()
}

func (m *Manager) onRemoteAnswer(cs *callSession, desc signal.SessionDescription) {
	st := cs.state()
	if st != StateDialing && st != StateRingingRemote {
		log.Debugw("late answer ignored", "call", cs.id, "state", st)
		return
	}
	if cs.sess == nil || cs.sess.SignalingState() != SignalingHaveLocalOffer {
		log.Debugw("answer without outstanding offer ignored", "call", cs.id)
		return
	}
	if err := cs.sess.ApplyRemoteDescription(desc); err != nil {
		log.Warnw("answer rejected", "call", cs.id, "err", err)
		return
	}
	cs.candidates.drainInto(cs.sess)
	m.fire(cs, evAnswered)
	m.promoteEarlyTracks(cs)
}

// ── transport events ───────────────────────────────────────────────────────

func (m *Manager) onRemoteTrack(e remoteTrackEvent) {
	cs := m.live(e.callID)
	if cs == nil {
		return
	}
	switch cs.state() {
	case StateConnecting, StateActive:
		cs.remote = append(cs.remote, e.track)
		if cs.state() == StateConnecting {
			m.connect(cs)
			return
		}
		m.publish(m.snapshotOf(cs, cs.state()))
	default:
		cs.earlyTracks = append(cs.earlyTracks, e.track)
	}
}

func (m *Manager) promoteEarlyTracks(cs *callSession) {
	if len(cs.earlyTracks) == 0 {
		return
	}
	cs.remote = append(cs.remote, cs.earlyTracks...)
	cs.earlyTracks = nil
	m.connect(cs)
}

func (m *Manager) connect(cs *callSession) {
	if cs.sess != nil {
		cs.candidates.drainInto(cs.sess)
	}
	cs.connectedAt = m.clk.Now()
	cs.seconds = 0
	cs.ticker = startDurationTicker(m.clk, cs.id, m.post)
	m.fire(cs, evConnected)
	log.Infow("call active", "call", cs.id, "peer", shortPeer(cs.peer))
}

func (m *Manager) onConnState(e connStateEvent) {
	cs := m.live(e.callID)
	if cs == nil {
		return
	}
	switch e.state {
	case ConnectionFailed:
		log.Warnw("transport failed", "call", cs.id)
		m.fail(cs, errors.New("ice connection failed"))
	case ConnectionDisconnected:
		log.Infow("transport disconnected, waiting for recovery", "call", cs.id)
	default:
		log.Debugw("transport state", "call", cs.id, "state", e.state)
	}
}

// ── outbound ───────────────────────────────────────────────────────────────

// send queues msg for the peer. Tracked messages report their result back
// as a sendResultEvent.
func (m *Manager) send(cs *callSession, msg signal.Message, track bool) {
	select {
	case m.outbox <- outMsg{to: cs.peer, msg: msg, track: track}:
	default:
		log.Warnw("outbox full, dropping", "call", cs.id, "type", msg.Type)
		if track {
			m.fail(cs, &SignalDeliveryError{Type: msg.Type, Err: errors.New("outbox full")})
		}
	}
}

func (m *Manager) sendLoop() {
	defer m.wg.Done()
	for om := range m.outbox {
		ctx, cancel := context.WithTimeout(context.Background(), m.sendTimeout)
		err := m.ch.Send(ctx, om.to, om.msg)
		cancel()
		m.notifySignal(true, om.msg.Type)
		if err != nil {
			log.Warnw("send failed", "type", om.msg.Type, "to", shortPeer(om.to), "err", err)
		}
		if om.track {
			m.post(sendResultEvent{callID: om.msg.CallID, typ: om.msg.Type, err: err})
		}
	}
}

func (m *Manager) onSendResult(e sendResultEvent) {
	cs := m.live(e.callID)
	if cs == nil {
		return
	}
	if e.err != nil {
		if e.typ == signal.TypeOffer {
			cs.advertised = false
		}
		m.fail(cs, &SignalDeliveryError{Type: e.typ, Err: e.err})
		return
	}
	if e.typ == signal.TypeOffer && cs.fsm.can(evOfferSent) {
		m.fire(cs, evOfferSent)
	}
}

// ── teardown ───────────────────────────────────────────────────────────────

// fail terminates cs after a fatal error, telling the peer if it knows.
func (m *Manager) fail(cs *callSession, err error) {
	notify := signal.TypeEndCall
	if cs.direction == Incoming && cs.state() == StateRingingLocal {
		notify = signal.TypeDecline
	}
	m.terminate(cs, OutcomeFailed, err, notify)
}

// terminate is the only path into Terminated. notify is the message sent
// to the peer when it may know about the call, or "" for none.
func (m *Manager) terminate(cs *callSession, outcome Outcome, cause error, notify signal.Type) {
	if !cs.fsm.can(evTerminate) {
		return
	}
	cs.err = cause
	cs.outcome = outcome
	m.fire(cs, evTerminate)

	if notify != "" && cs.advertised {
		switch notify {
		case signal.TypeDecline:
			m.send(cs, signal.NewDecline(m.self, cs.id), false)
		default:
			m.send(cs, signal.NewEndCall(m.self, cs.id), false)
		}
	}
	cs.release()
	m.fire(cs, evFinish)

	now := m.clk.Now()
	rec := Record{
		CallID:      cs.id,
		Peer:        cs.peer,
		Direction:   cs.direction,
		MediaKind:   cs.kind,
		Outcome:     outcome,
		StartedAt:   cs.startedAt,
		ConnectedAt: cs.connectedAt,
		EndedAt:     now,
	}
	if !cs.connectedAt.IsZero() {
		rec.DurationSeconds = int(now.Sub(cs.connectedAt) / time.Second)
	}
	if cause != nil {
		rec.Error = cause.Error()
	}

	m.cur = nil
	m.ended.Add(cs.id, struct{}{})
	m.lastCallID, m.lastOutcome, m.lastErr = cs.id, outcome, rec.Error
	log.Infow("call ended", "call", cs.id, "outcome", outcome, "duration", rec.DurationSeconds)

	for _, o := range m.observerList() {
		o.OnCallEnded(rec)
	}
	m.publish(m.snapshotOf(nil, StateIdle))
}

// ── observation ────────────────────────────────────────────────────────────

func (m *Manager) transitioned(cs *callSession, ev string, from, to State) {
	m.recent.Push(Transition{At: m.clk.Now(), CallID: cs.id, From: from, To: to, Event: ev})
	snap := m.snapshotOf(cs, to)
	m.publish(snap)
	for _, o := range m.observerList() {
		o.OnTransition(from, to, snap)
	}
}

func (m *Manager) observerList() []Observer {
	m.obsMu.RLock()
	defer m.obsMu.RUnlock()
	return append([]Observer(nil), m.observers...)
}

func (m *Manager) notifySignal(outbound bool, t signal.Type) {
	for _, o := range m.observerList() {
		if so, ok := o.(SignalObserver); ok {
			so.OnSignal(outbound, t)
		}
	}
}

func (m *Manager) snapshotOf(cs *callSession, st State) Snapshot {
	if cs == nil {
		return Snapshot{State: StateIdle, CallID: m.lastCallID, Outcome: m.lastOutcome, Error: m.lastErr}
	}
	s := Snapshot{
		CallID:          cs.id,
		Direction:       cs.direction,
		Peer:            cs.peer,
		State:           st,
		MediaKind:       cs.kind,
		Muted:           cs.muted,
		VideoEnabled:    !cs.videoOff,
		DurationSeconds: cs.seconds,
		StartedAt:       cs.startedAt,
		ConnectedAt:     cs.connectedAt,
		Outcome:         cs.outcome,
		Local:           cs.media,
		Remote:          append([]RemoteTrack(nil), cs.remote...),
	}
	if st == StateTerminated {
		s.Local = nil
	}
	if cs.err != nil {
		s.Error = cs.err.Error()
	}
	return s
}

func (m *Manager) publish(s Snapshot) {
	m.snapMu.Lock()
	m.snap = s
	m.snapMu.Unlock()

	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- s:
		default:
			// Reader is behind: drop its oldest entry to make room.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}

func shortPeer(id string) string {
	if len(id) > 12 {
		return id[len(id)-12:]
	}
	return id
}
