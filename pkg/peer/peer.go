// Package peer presents a WebRTC data-channel connection as a byte-oriented
// duplex stream. It orchestrates the signaling handshake, connectivity
// establishment and renegotiation on top of a connection engine (pion by
// default), while the application relays opaque signaling payloads between
// the two sides over its own transport.
package peer

import (
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"peerwire/pkg/errors"
)

// Addr is a resolved transport endpoint.
type Addr struct {
	Address string
	Port    int
	Family  string
}

type negotiationState struct {
	isNegotiating        bool
	queuedNegotiation    bool
	batched              bool
	firstNegotiationDone bool
	isRestartingICE      bool
}

type connectivityState struct {
	engineReady   bool
	channelReady  bool
	connecting    bool
	connected     bool
	connectedOnce bool
}

type handlerSet struct {
	onSignal              func(Signal)
	onConnect             func()
	onReconnect           func()
	onData                func([]byte)
	onError               func(error)
	onClose               func()
	onNegotiated          func()
	onSignalingState      func(webrtc.SignalingState)
	onICEStateChange      func(webrtc.ICEConnectionState, webrtc.ICEGatheringState)
	onICETimeout          func()
	onTrack               func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onStream              func(string, []*webrtc.TrackRemote)
}

// Peer is a single peer-to-peer connection. All methods are safe for
// concurrent use; event handlers are invoked without internal locks held,
// so they may call back into the Peer.
type Peer struct {
	cfg       Config
	initiator bool
	logger    *zap.SugaredLogger

	mu       sync.Mutex
	engine   Engine
	channel  Channel
	handlers handlerSet

	neg  negotiationState
	conn connectivityState

	localAddr  *Addr
	remoteAddr *Addr

	pendingCandidates []webrtc.ICECandidateInit
	pendingSignals    []Signal

	senders               map[senderKey]*senderEntry
	sendersAwaitingStable []*senderEntry
	remoteTracks          []*webrtc.TrackRemote
	remoteStreams         map[string][]*webrtc.TrackRemote
	seenStreams           map[string]struct{}

	iceComplete      bool
	iceCompleteTimer *time.Timer
	onICEComplete    []func()
	recoveryTimer    *time.Timer

	lastConnState   webrtc.ICEConnectionState
	lastGatherState webrtc.ICEGatheringState

	writeBuf  []byte
	readQueue [][]byte
	readBuf   []byte
	finishing bool

	sendReady   chan struct{}
	readWake    chan struct{}
	connectedCh chan struct{}
	done        chan struct{}

	destroying bool
	destroyed  bool
}

// New constructs a peer with the given configuration. The initiator side
// creates the data channel and the first offer; the responder side waits
// for both to arrive through signaling.
func New(cfg Config) (*Peer, error) {
	cfg.applyDefaults()

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	engine := cfg.Engine
	if engine == nil {
		var err error
		engine, err = newPionEngine(cfg)
		if err != nil {
			return nil, errors.WrapError(err, errors.ErrCodeEngineConstruction, "failed to construct connection engine")
		}
	}

	p := &Peer{
		cfg:           cfg,
		initiator:     cfg.Initiator,
		logger:        log.Sugar().With("initiator", cfg.Initiator),
		engine:        engine,
		senders:       make(map[senderKey]*senderEntry),
		remoteStreams: make(map[string][]*webrtc.TrackRemote),
		seenStreams:   make(map[string]struct{}),
		sendReady:     make(chan struct{}, 1),
		readWake:      make(chan struct{}, 1),
		connectedCh:   make(chan struct{}),
		done:          make(chan struct{}),

		lastConnState:   webrtc.ICEConnectionStateNew,
		lastGatherState: webrtc.ICEGatheringStateNew,
	}

	engine.OnICECandidate(p.handleICECandidate)
	engine.OnICEConnectionStateChange(p.handleICEConnectionStateChange)
	engine.OnICEGatheringStateChange(p.handleICEGatheringStateChange)
	engine.OnSignalingStateChange(p.handleSignalingStateChange)
	engine.OnTrack(p.handleTrack)

	if cfg.Initiator {
		ch, err := engine.CreateDataChannel(cfg.ChannelName, cfg.ChannelConfig)
		if err != nil {
			engine.Close()
			return nil, errors.WrapError(err, errors.ErrCodeDataChannel, "failed to create data channel")
		}
		p.setupChannel(ch)
		p.needsNegotiation()
	} else {
		engine.OnDataChannel(func(ch Channel) {
			p.mu.Lock()
			if p.destroyed || p.channel != nil {
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
			p.setupChannel(ch)
		})
	}

	return p, nil
}

// Initiator reports whether this side creates offers.
func (p *Peer) Initiator() bool { return p.initiator }

// ChannelName returns the data channel label.
func (p *Peer) ChannelName() string { return p.cfg.ChannelName }

// Connected reports whether connectivity resolution has completed and the
// channel is open.
func (p *Peer) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.connected
}

// Destroyed reports whether the peer has been torn down.
func (p *Peer) Destroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

// Done returns a channel closed when the peer is destroyed.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Address returns the resolved local endpoint, valid once connected.
func (p *Peer) Address() (Addr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.localAddr == nil {
		return Addr{}, false
	}
	return *p.localAddr, true
}

// RemoteAddress returns the resolved remote endpoint, valid once connected.
func (p *Peer) RemoteAddress() (Addr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteAddr == nil {
		return Addr{}, false
	}
	return *p.remoteAddr, true
}

// Stats returns a snapshot of the engine's statistics.
func (p *Peer) Stats() (webrtc.StatsReport, error) {
	p.mu.Lock()
	eng := p.engine
	destroyed := p.destroyed
	p.mu.Unlock()
	if destroyed || eng == nil {
		return nil, errors.NewDestroyedError("query stats")
	}
	return eng.GetStats(), nil
}

// Handler registration. Setters may be called at any time; a nil handler
// unregisters.

// OnSignal registers the outbound signaling handler. Signals produced
// before a handler is registered are buffered and replayed, in order, to
// the first handler registered.
func (p *Peer) OnSignal(f func(Signal)) {
	p.mu.Lock()
	p.handlers.onSignal = f
	buffered := p.pendingSignals
	p.pendingSignals = nil
	p.mu.Unlock()
	if f == nil {
		return
	}
	for _, s := range buffered {
		f(s)
	}
}

// emitSignal hands an outbound signal to the registered handler, buffering
// it when none is registered yet.
func (p *Peer) emitSignal(s Signal) {
	p.mu.Lock()
	if p.destroyed || p.destroying {
		p.mu.Unlock()
		return
	}
	h := p.handlers.onSignal
	if h == nil {
		p.pendingSignals = append(p.pendingSignals, s)
	}
	p.mu.Unlock()
	if h != nil {
		h(s)
	}
}

func (p *Peer) OnConnect(f func()) { p.setHandler(func(h *handlerSet) { h.onConnect = f }) }

func (p *Peer) OnReconnect(f func()) { p.setHandler(func(h *handlerSet) { h.onReconnect = f }) }

func (p *Peer) OnData(f func([]byte)) { p.setHandler(func(h *handlerSet) { h.onData = f }) }

func (p *Peer) OnError(f func(error)) { p.setHandler(func(h *handlerSet) { h.onError = f }) }

func (p *Peer) OnClose(f func()) { p.setHandler(func(h *handlerSet) { h.onClose = f }) }

func (p *Peer) OnNegotiated(f func()) { p.setHandler(func(h *handlerSet) { h.onNegotiated = f }) }

func (p *Peer) OnSignalingStateChange(f func(webrtc.SignalingState)) {
	p.setHandler(func(h *handlerSet) { h.onSignalingState = f })
}

func (p *Peer) OnICEStateChange(f func(webrtc.ICEConnectionState, webrtc.ICEGatheringState)) {
	p.setHandler(func(h *handlerSet) { h.onICEStateChange = f })
}

func (p *Peer) OnICETimeout(f func()) { p.setHandler(func(h *handlerSet) { h.onICETimeout = f }) }

func (p *Peer) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.setHandler(func(h *handlerSet) { h.onTrack = f })
}

func (p *Peer) OnStream(f func(string, []*webrtc.TrackRemote)) {
	p.setHandler(func(h *handlerSet) { h.onStream = f })
}

func (p *Peer) setHandler(set func(*handlerSet)) {
	p.mu.Lock()
	set(&p.handlers)
	p.mu.Unlock()
}

// Signal feeds one signaling payload received from the remote side into the
// peer. Payloads must be delivered in the order the remote side produced
// them. An empty payload is a fatal signaling error.
func (p *Peer) Signal(msg Signal) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return errors.NewDestroyedError("signal")
	}
	eng := p.engine
	p.mu.Unlock()

	if msg.Renegotiate {
		p.logger.Debug("got request to renegotiate")
		if p.initiator {
			p.needsNegotiation()
		}
	}

	if msg.TransceiverRequest != nil {
		p.logger.Debug("got request to add transceiver")
		if p.initiator {
			p.AddTransceiver(msg.TransceiverRequest.Kind, msg.TransceiverRequest.Init)
		}
	}

	if msg.Candidate != nil {
		if eng.RemoteDescription() != nil {
			p.addICECandidate(eng, *msg.Candidate)
		} else {
			p.mu.Lock()
			p.pendingCandidates = append(p.pendingCandidates, *msg.Candidate)
			p.mu.Unlock()
		}
	}

	if msg.SDP != "" {
		desc := webrtc.SessionDescription{
			Type: webrtc.NewSDPType(msg.Type),
			SDP:  msg.SDP,
		}
		if err := eng.SetRemoteDescription(desc); err != nil {
			appErr := errors.WrapError(err, errors.ErrCodeRemoteDescription, "failed to set remote description")
			p.destroy(appErr)
			return appErr
		}

		p.mu.Lock()
		pending := p.pendingCandidates
		p.pendingCandidates = nil
		destroyed := p.destroyed
		p.mu.Unlock()
		if destroyed {
			return nil
		}
		for _, candidate := range pending {
			p.addICECandidate(eng, candidate)
		}

		if remote := eng.RemoteDescription(); remote != nil && remote.Type == webrtc.SDPTypeOffer {
			p.createAnswer()
		}
	}

	if msg.IsEmpty() {
		appErr := errors.NewAppError(errors.ErrCodeSignalingMalformed, "signal payload matches no known shape")
		p.destroy(appErr)
		return appErr
	}

	return nil
}

// addICECandidate applies a remote candidate. Candidates the engine rejects
// for benign reasons (no address, mDNS .local hostnames) are logged and
// dropped; any other rejection is fatal.
func (p *Peer) addICECandidate(eng Engine, candidate webrtc.ICECandidateInit) {
	if err := eng.AddICECandidate(candidate); err != nil {
		if candidate.Candidate == "" || strings.Contains(candidate.Candidate, ".local") {
			p.logger.Warnw("ignoring unsupported ICE candidate", "candidate", candidate.Candidate)
			return
		}
		p.destroy(errors.WrapError(err, errors.ErrCodeICECandidateRejected, "failed to add ICE candidate"))
	}
}

// handleICECandidate forwards trickled local candidates through signaling
// and latches gathering completion when the engine signals the end of the
// candidate stream.
func (p *Peer) handleICECandidate(candidate *webrtc.ICECandidate) {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	if candidate == nil {
		p.setICECompleteLocked(false)
		return // setICECompleteLocked releases the lock
	}
	trickle := p.cfg.Trickle
	p.mu.Unlock()

	if trickle {
		init := candidate.ToJSON()
		p.emitSignal(Signal{Candidate: &init})
	}
}

// destroy tears the peer down. It is idempotent; err is surfaced through
// the error handler exactly once when non-nil.
func (p *Peer) destroy(err error) {
	p.mu.Lock()
	if p.destroyed || p.destroying {
		p.mu.Unlock()
		return
	}
	p.destroying = true

	if p.iceCompleteTimer != nil {
		p.iceCompleteTimer.Stop()
		p.iceCompleteTimer = nil
	}
	if p.recoveryTimer != nil {
		p.recoveryTimer.Stop()
		p.recoveryTimer = nil
	}

	ch := p.channel
	eng := p.engine
	p.channel = nil
	p.engine = nil
	p.writeBuf = nil
	p.onICEComplete = nil
	p.pendingSignals = nil

	p.destroyed = true
	close(p.done)
	p.wakeReaderLocked()

	onError := p.handlers.onError
	onClose := p.handlers.onClose
	p.handlers = handlerSet{}
	p.mu.Unlock()

	if err != nil {
		p.logger.Warnw("destroying peer", "error", err)
	} else {
		p.logger.Debug("destroying peer")
	}

	if ch != nil {
		// Detach before closing so late channel callbacks cannot observe
		// the torn-down peer.
		ch.OnOpen(nil)
		ch.OnClose(nil)
		ch.OnError(nil)
		ch.OnMessage(nil)
		ch.OnBufferedAmountLow(nil)
		ch.Close()
	}
	if eng != nil {
		eng.OnICECandidate(nil)
		eng.OnICEConnectionStateChange(nil)
		eng.OnICEGatheringStateChange(nil)
		eng.OnSignalingStateChange(nil)
		eng.OnTrack(nil)
		eng.OnDataChannel(nil)
		eng.Close()
	}

	if err != nil && onError != nil {
		onError(err)
	}
	if onClose != nil {
		onClose()
	}
}

// Close destroys the peer immediately. Safe to call multiple times.
func (p *Peer) Close() error {
	p.destroy(nil)
	return nil
}

// alive reports whether the peer may still mutate state. Callers holding
// p.mu use the fields directly; this is for asynchronous completions.
func (p *Peer) alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.destroyed && !p.destroying
}
