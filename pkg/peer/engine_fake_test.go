package peer

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
)

// fakeEngine is a scriptable Engine for tests. State transitions are driven
// explicitly through the fire* helpers.
type fakeEngine struct {
	mu sync.Mutex

	local  *webrtc.SessionDescription
	remote *webrtc.SessionDescription

	signalingState webrtc.SignalingState
	connState      webrtc.ICEConnectionState
	gatherState    webrtc.ICEGatheringState

	offerCount  int
	answerCount int
	lastOffer   webrtc.OfferOptions

	offerErr     error
	answerErr    error
	setLocalErr  error
	setRemoteErr error
	candidateErr error
	trackErr     error

	candidates   []webrtc.ICECandidateInit
	channels     []*fakeChannel
	senders      []*fakeSender
	removed      []*fakeSender
	transceivers []webrtc.RTPCodecType
	stats        webrtc.StatsReport
	closed       bool

	onICECandidate   func(*webrtc.ICECandidate)
	onICEConn        func(webrtc.ICEConnectionState)
	onICEGather      func(webrtc.ICEGathererState)
	onSignalingState func(webrtc.SignalingState)
	onTrack          func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onDataChannel    func(Channel)
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		signalingState: webrtc.SignalingStateStable,
		connState:      webrtc.ICEConnectionStateNew,
		gatherState:    webrtc.ICEGatheringStateNew,
		stats:          nominatedPairStats("192.0.2.1", 5000, "192.0.2.2", 6000),
	}
}

// nominatedPairStats builds a stats snapshot containing one nominated,
// succeeded candidate pair.
func nominatedPairStats(localIP string, localPort uint16, remoteIP string, remotePort uint16) webrtc.StatsReport {
	return webrtc.StatsReport{
		"local": webrtc.ICECandidateStats{ID: "local", IP: localIP, Port: int32(localPort)},
		"remote": webrtc.ICECandidateStats{ID: "remote", IP: remoteIP, Port: int32(remotePort)},
		"pair": webrtc.ICECandidatePairStats{
			Nominated:         true,
			State:             webrtc.StatsICECandidatePairStateSucceeded,
			LocalCandidateID:  "local",
			RemoteCandidateID: "remote",
		},
	}
}

func (e *fakeEngine) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.offerErr != nil {
		return webrtc.SessionDescription{}, e.offerErr
	}
	e.offerCount++
	if options != nil {
		e.lastOffer = *options
	}
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("v=0\r\na=ice-options:trickle\r\na=offer-%d\r\n", e.offerCount),
	}, nil
}

func (e *fakeEngine) CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.answerErr != nil {
		return webrtc.SessionDescription{}, e.answerErr
	}
	e.answerCount++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("v=0\r\na=ice-options:trickle\r\na=answer-%d\r\n", e.answerCount),
	}, nil
}

func (e *fakeEngine) SetLocalDescription(desc webrtc.SessionDescription) error {
	e.mu.Lock()
	if e.setLocalErr != nil {
		err := e.setLocalErr
		e.mu.Unlock()
		return err
	}
	e.local = &desc
	if desc.Type == webrtc.SDPTypeOffer {
		e.signalingState = webrtc.SignalingStateHaveLocalOffer
	} else {
		e.signalingState = webrtc.SignalingStateStable
	}
	state := e.signalingState
	f := e.onSignalingState
	e.mu.Unlock()
	if f != nil {
		f(state)
	}
	return nil
}

func (e *fakeEngine) SetRemoteDescription(desc webrtc.SessionDescription) error {
	e.mu.Lock()
	if e.setRemoteErr != nil {
		err := e.setRemoteErr
		e.mu.Unlock()
		return err
	}
	e.remote = &desc
	if desc.Type == webrtc.SDPTypeOffer {
		e.signalingState = webrtc.SignalingStateHaveRemoteOffer
	} else {
		e.signalingState = webrtc.SignalingStateStable
	}
	state := e.signalingState
	f := e.onSignalingState
	e.mu.Unlock()
	if f != nil {
		f(state)
	}
	return nil
}

func (e *fakeEngine) LocalDescription() *webrtc.SessionDescription {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.local
}

func (e *fakeEngine) RemoteDescription() *webrtc.SessionDescription {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remote
}

func (e *fakeEngine) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.candidateErr != nil {
		return e.candidateErr
	}
	e.candidates = append(e.candidates, candidate)
	return nil
}

func (e *fakeEngine) CreateDataChannel(label string, init *webrtc.DataChannelInit) (Channel, error) {
	ch := &fakeChannel{label: label}
	e.mu.Lock()
	e.channels = append(e.channels, ch)
	e.mu.Unlock()
	return ch, nil
}

func (e *fakeEngine) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.trackErr != nil {
		return nil, e.trackErr
	}
	s := &fakeSender{track: track}
	e.senders = append(e.senders, s)
	return s, nil
}

func (e *fakeEngine) RemoveTrack(sender Sender) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = append(e.removed, sender.(*fakeSender))
	return nil
}

func (e *fakeEngine) AddTransceiver(kind webrtc.RTPCodecType, init *webrtc.RTPTransceiverInit) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transceivers = append(e.transceivers, kind)
	return nil
}

func (e *fakeEngine) SignalingState() webrtc.SignalingState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.signalingState
}

func (e *fakeEngine) ICEConnectionState() webrtc.ICEConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connState
}

func (e *fakeEngine) ICEGatheringState() webrtc.ICEGatheringState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gatherState
}

func (e *fakeEngine) GetStats() webrtc.StatsReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *fakeEngine) OnICECandidate(f func(*webrtc.ICECandidate)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onICECandidate = f
}

func (e *fakeEngine) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onICEConn = f
}

func (e *fakeEngine) OnICEGatheringStateChange(f func(webrtc.ICEGathererState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onICEGather = f
}

func (e *fakeEngine) OnSignalingStateChange(f func(webrtc.SignalingState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onSignalingState = f
}

func (e *fakeEngine) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTrack = f
}

func (e *fakeEngine) OnDataChannel(f func(Channel)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onDataChannel = f
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// fire helpers drive the engine callbacks the way a real engine would.

func (e *fakeEngine) fireICEConnectionState(state webrtc.ICEConnectionState) {
	e.mu.Lock()
	e.connState = state
	f := e.onICEConn
	e.mu.Unlock()
	if f != nil {
		f(state)
	}
}

func (e *fakeEngine) fireGatheringComplete() {
	e.mu.Lock()
	e.gatherState = webrtc.ICEGatheringStateComplete
	f := e.onICEGather
	e.mu.Unlock()
	if f != nil {
		f(webrtc.ICEGathererStateComplete)
	}
}

func (e *fakeEngine) fireSignalingState(state webrtc.SignalingState) {
	e.mu.Lock()
	e.signalingState = state
	f := e.onSignalingState
	e.mu.Unlock()
	if f != nil {
		f(state)
	}
}

func (e *fakeEngine) fireEndOfCandidates() {
	e.mu.Lock()
	f := e.onICECandidate
	e.mu.Unlock()
	if f != nil {
		f(nil)
	}
}

func (e *fakeEngine) fireDataChannel(ch Channel) {
	e.mu.Lock()
	f := e.onDataChannel
	e.mu.Unlock()
	if f != nil {
		f(ch)
	}
}

func (e *fakeEngine) firstChannel() *fakeChannel {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.channels) == 0 {
		return nil
	}
	return e.channels[0]
}

type fakeSender struct {
	mu         sync.Mutex
	track      webrtc.TrackLocal
	replaceErr error
	replaced   webrtc.TrackLocal
}

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replaceErr != nil {
		return s.replaceErr
	}
	s.replaced = track
	return nil
}

// fakeChannel is a scriptable Channel. Two channels can be linked so that
// Send on one delivers to the other's message handler.
type fakeChannel struct {
	mu       sync.Mutex
	label    string
	sent     [][]byte
	sendErr  error
	buffered uint64
	link     *fakeChannel

	onOpen        func()
	onClose       func()
	onError       func(error)
	onMessage     func(webrtc.DataChannelMessage)
	onBufferedLow func()
	lowThreshold  uint64
}

func linkChannels(a, b *fakeChannel) {
	a.mu.Lock()
	a.link = b
	a.mu.Unlock()
	b.mu.Lock()
	b.link = a
	b.mu.Unlock()
}

func (c *fakeChannel) Label() string { return c.label }

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.sent = append(c.sent, buf)
	link := c.link
	c.mu.Unlock()

	if link != nil {
		link.deliver(buf)
	}
	return nil
}

func (c *fakeChannel) SendText(text string) error { return c.Send([]byte(text)) }

func (c *fakeChannel) deliver(data []byte) {
	c.mu.Lock()
	f := c.onMessage
	c.mu.Unlock()
	if f != nil {
		f(webrtc.DataChannelMessage{Data: data})
	}
}

func (c *fakeChannel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *fakeChannel) setBuffered(amount uint64) {
	c.mu.Lock()
	c.buffered = amount
	low := c.onBufferedLow
	threshold := c.lowThreshold
	c.mu.Unlock()
	if low != nil && amount <= threshold {
		low()
	}
}

func (c *fakeChannel) SetBufferedAmountLowThreshold(threshold uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lowThreshold = threshold
}

func (c *fakeChannel) OnBufferedAmountLow(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onBufferedLow = f
}

func (c *fakeChannel) OnOpen(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = f
}

func (c *fakeChannel) OnClose(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = f
}

func (c *fakeChannel) OnError(f func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = f
}

func (c *fakeChannel) OnMessage(f func(msg webrtc.DataChannelMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = f
}

func (c *fakeChannel) fireOpen() {
	c.mu.Lock()
	f := c.onOpen
	c.mu.Unlock()
	if f != nil {
		f()
	}
}

func (c *fakeChannel) sentMessages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return nil
}
