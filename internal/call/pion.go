package call

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/signal"
)

const (
	pliInterval   = 3 * time.Second
	hookQueueSize = 64
)

// RemoteSink receives the RTP of every remote track. Rendering is outside
// the call engine; a sink is how an embedding application gets the media.
type RemoteSink interface {
	WriteRTP(track RemoteTrack, pkt *rtp.Packet) error
}

// CodecRegistrar fills a MediaEngine with the codecs the local capture
// produces. Without one the pion defaults are registered.
type CodecRegistrar interface {
	RegisterCodecs(*webrtc.MediaEngine) error
}

// PionConfig configures sessions built by PionFactory.
type PionConfig struct {
	ICEServers []string

	// ICE timeouts. A brief relay or NAT hiccup should not end a call, so
	// the defaults are much longer than pion's.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	Codecs CodecRegistrar
	Sink   RemoteSink
}

// PionFactory creates pion PeerConnection backed sessions.
type PionFactory struct {
	cfg PionConfig

	mu         sync.RWMutex
	iceServers []webrtc.ICEServer
}

func NewPionFactory(cfg PionConfig) *PionFactory {
	if cfg.DisconnectedTimeout <= 0 {
		cfg.DisconnectedTimeout = 30 * time.Second
	}
	if cfg.FailedTimeout <= 0 {
		cfg.FailedTimeout = 120 * time.Second
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 2 * time.Second
	}
	f := &PionFactory{cfg: cfg}
	f.SetICEServers(cfg.ICEServers)
	return f
}

// SetICEServers replaces the STUN/TURN list used by the next session.
func (f *PionFactory) SetICEServers(urls []string) {
	servers := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		if u != "" {
			servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
		}
	}
	f.mu.Lock()
	f.iceServers = servers
	f.mu.Unlock()
}

func (f *PionFactory) servers() []webrtc.ICEServer {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]webrtc.ICEServer(nil), f.iceServers...)
}

func (f *PionFactory) NewSession(hooks SessionHooks) (MediaSession, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if f.cfg.Codecs != nil {
		if err := f.cfg.Codecs.RegisterCodecs(mediaEngine); err != nil {
			return nil, err
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(f.cfg.DisconnectedTimeout, f.cfg.FailedTimeout, f.cfg.KeepAliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: f.servers()})
	if err != nil {
		return nil, err
	}

	s := &pionSession{
		pc:     pc,
		sink:   f.cfg.Sink,
		hooks:  make(chan func(), hookQueueSize),
		closed: make(chan struct{}),
	}
	go s.runHooks()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || hooks.OnICECandidate == nil {
			return
		}
		init := c.ToJSON()
		cand := signal.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		}
		s.dispatch(func() { hooks.OnICECandidate(cand) })
	})
	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		rt := RemoteTrack{ID: tr.ID(), StreamID: tr.StreamID(), Kind: trackKindOf(tr.Kind())}
		log.Infow("remote track", "id", rt.ID, "kind", rt.Kind, "codec", tr.Codec().MimeType)
		if tr.Kind() == webrtc.RTPCodecTypeVideo {
			go s.requestKeyframes(tr)
		}
		go s.drain(tr, rt)
		if hooks.OnTrack != nil {
			s.dispatch(func() { hooks.OnTrack(rt) })
		}
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		if hooks.OnConnectionState != nil {
			cs := ConnectionState(st.String())
			s.dispatch(func() { hooks.OnConnectionState(cs) })
		}
	})
	return s, nil
}

// pionSession is a MediaSession over one PeerConnection. Pion callbacks
// are queued and replayed in order on a separate goroutine so a hook can
// never run on the caller of a pion method.
type pionSession struct {
	pc   *webrtc.PeerConnection
	sink RemoteSink

	hooks     chan func()
	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	offered    bool
	lastRemote *signal.SessionDescription
	hasAudio   bool
	hasVideo   bool
}

func (s *pionSession) runHooks() {
	for {
		select {
		case <-s.closed:
			return
		case fn := <-s.hooks:
			fn()
		}
	}
}

func (s *pionSession) dispatch(fn func()) {
	select {
	case s.hooks <- fn:
	case <-s.closed:
	}
}

func (s *pionSession) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *pionSession) AttachLocal(media LocalMedia) error {
	if media == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range media.Tracks() {
		pt, ok := t.(pionTrack)
		if !ok {
			return fmt.Errorf("track %s cannot be sent over webrtc", t.ID())
		}
		sender, err := s.pc.AddTrack(pt.trackLocal())
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		pt.bind(sender)
		go drainRTCP(sender)
		switch t.Kind() {
		case TrackAudio:
			s.hasAudio = true
		case TrackVideo:
			s.hasVideo = true
		}
	}
	return nil
}

func (s *pionSession) CreateOffer(wantsVideo bool) (signal.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offered {
		return signal.SessionDescription{}, &NegotiationError{Op: "create-offer", Err: errors.New("offer already created")}
	}
	// Recvonly m-lines for kinds we do not send, so the peer can still
	// send them to us.
	if !s.hasAudio {
		if _, err := s.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return signal.SessionDescription{}, &NegotiationError{Op: "create-offer", Err: err}
		}
	}
	if wantsVideo && !s.hasVideo {
		if _, err := s.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return signal.SessionDescription{}, &NegotiationError{Op: "create-offer", Err: err}
		}
	}

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return signal.SessionDescription{}, &NegotiationError{Op: "create-offer", Err: err}
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return signal.SessionDescription{}, &NegotiationError{Op: "set-local-offer", Err: err}
	}
	s.offered = true
	return signal.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (s *pionSession) ApplyRemoteDescription(desc signal.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRemote != nil && *s.lastRemote == desc {
		return nil
	}
	typ := webrtc.NewSDPType(desc.Type)
	state := s.pc.SignalingState()
	switch typ {
	case webrtc.SDPTypeAnswer:
		if state != webrtc.SignalingStateHaveLocalOffer {
			return &NegotiationError{Op: "apply-answer", Err: fmt.Errorf("signaling state is %s", state)}
		}
	case webrtc.SDPTypeOffer:
		if state != webrtc.SignalingStateStable {
			return &NegotiationError{Op: "apply-offer", Err: fmt.Errorf("signaling state is %s", state)}
		}
	default:
		return &NegotiationError{Op: "apply", Err: fmt.Errorf("unsupported description type %q", desc.Type)}
	}
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: desc.SDP}); err != nil {
		return &NegotiationError{Op: "apply-" + desc.Type, Err: err}
	}
	d := desc
	s.lastRemote = &d
	return nil
}

func (s *pionSession) CreateAnswer() (signal.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pc.RemoteDescription() == nil {
		return signal.SessionDescription{}, &NegotiationError{Op: "create-answer", Err: errors.New("no remote offer")}
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return signal.SessionDescription{}, &NegotiationError{Op: "create-answer", Err: err}
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return signal.SessionDescription{}, &NegotiationError{Op: "set-local-answer", Err: err}
	}
	return signal.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (s *pionSession) AddICECandidate(c signal.ICECandidate) error {
	if s.isClosed() {
		log.Debugw("candidate for closed session ignored")
		return nil
	}
	err := s.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
	if err != nil && s.isClosed() {
		return nil
	}
	return err
}

func (s *pionSession) SignalingState() SignalingState {
	if s.isClosed() {
		return SignalingClosed
	}
	return SignalingState(s.pc.SignalingState().String())
}

func (s *pionSession) HasRemoteDescription() bool {
	return s.pc.RemoteDescription() != nil
}

func (s *pionSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.pc.Close()
	})
	return err
}

// requestKeyframes sends a PLI right away and then periodically so a
// decoder that joins late or loses packets recovers quickly.
func (s *pionSession) requestKeyframes(tr *webrtc.TrackRemote) {
	t := time.NewTicker(pliInterval)
	defer t.Stop()
	for {
		if err := s.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(tr.SSRC())}}); err != nil {
			return
		}
		select {
		case <-s.closed:
			return
		case <-t.C:
		}
	}
}

// drain reads remote RTP until the track ends. Reading is required even
// without a sink, otherwise interceptors never see the packets.
func (s *pionSession) drain(tr *webrtc.TrackRemote, rt RemoteTrack) {
	for {
		pkt, _, err := tr.ReadRTP()
		if err != nil {
			return
		}
		if s.sink != nil {
			if err := s.sink.WriteRTP(rt, pkt); err != nil {
				log.Debugw("remote sink write", "track", rt.ID, "err", err)
			}
		}
	}
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func trackKindOf(k webrtc.RTPCodecType) TrackKind {
	if k == webrtc.RTPCodecTypeVideo {
		return TrackVideo
	}
	return TrackAudio
}

// ── local tracks ───────────────────────────────────────────────────────────

// pionTrack is a LocalTrack that can be attached to a PeerConnection.
type pionTrack interface {
	LocalTrack
	trackLocal() webrtc.TrackLocal
	bind(*webrtc.RTPSender)
}

// localTrack mutes by swapping the sender's track for nil, which stops
// RTP without renegotiation.
type localTrack struct {
	track  webrtc.TrackLocal
	kind   TrackKind
	onStop func()

	mu      sync.Mutex
	enabled bool
	stopped bool
	senders []*webrtc.RTPSender
}

func newLocalTrack(track webrtc.TrackLocal, onStop func()) *localTrack {
	return &localTrack{track: track, kind: trackKindOf(track.Kind()), onStop: onStop, enabled: true}
}

func (t *localTrack) ID() string                    { return t.track.ID() }
func (t *localTrack) Kind() TrackKind               { return t.kind }
func (t *localTrack) trackLocal() webrtc.TrackLocal { return t.track }

func (t *localTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *localTrack) bind(sender *webrtc.RTPSender) {
	t.mu.Lock()
	t.senders = append(t.senders, sender)
	enabled := t.enabled
	t.mu.Unlock()
	if !enabled {
		_ = sender.ReplaceTrack(nil)
	}
}

func (t *localTrack) SetEnabled(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled == on || t.stopped {
		return
	}
	t.enabled = on
	var next webrtc.TrackLocal
	if on {
		next = t.track
	}
	for _, s := range t.senders {
		if err := s.ReplaceTrack(next); err != nil {
			log.Debugw("replace track", "track", t.track.ID(), "err", err)
		}
	}
}

func (t *localTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()
	if t.onStop != nil {
		t.onStop()
	}
}

// trackSet is the LocalMedia returned by the pion-backed sources.
type trackSet struct {
	tracks []LocalTrack
	once   sync.Once
	onStop func()
}

func (s *trackSet) Tracks() []LocalTrack { return s.tracks }

func (s *trackSet) Stop() {
	s.once.Do(func() {
		for _, t := range s.tracks {
			t.Stop()
		}
		if s.onStop != nil {
			s.onStop()
		}
	})
}
