package peer

import (
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap/zaptest"

	"peerwire/pkg/errors"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	waitForTimeout(t, 3*time.Second, cond, msg)
}

func waitForTimeout(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// signalRecorder collects outbound signals for assertions.
type signalRecorder struct {
	mu      sync.Mutex
	signals []Signal
}

func (r *signalRecorder) record(s Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, s)
}

func (r *signalRecorder) all() []Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Signal, len(r.signals))
	copy(out, r.signals)
	return out
}

func (r *signalRecorder) descriptions() []Signal {
	var out []Signal
	for _, s := range r.all() {
		if s.IsDescription() {
			out = append(out, s)
		}
	}
	return out
}

func (r *signalRecorder) renegotiates() int {
	n := 0
	for _, s := range r.all() {
		if s.Renegotiate {
			n++
		}
	}
	return n
}

func newTestPeer(t *testing.T, eng *fakeEngine, mutate func(*Config)) (*Peer, *signalRecorder) {
	t.Helper()
	cfg := Config{
		ChannelName: "test",
		Trickle:     true,
		Engine:      eng,
		Logger:      zaptest.NewLogger(t),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	rec := &signalRecorder{}
	p.OnSignal(rec.record)
	return p, rec
}

func audioTrack(t *testing.T, id, streamID string) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, id, streamID)
	if err != nil {
		t.Fatalf("NewTrackLocalStaticSample: %v", err)
	}
	return track
}

// connect drives a fake-engine peer into the connected state.
func connect(t *testing.T, p *Peer, eng *fakeEngine, ch *fakeChannel) {
	t.Helper()
	ch.fireOpen()
	eng.fireICEConnectionState(webrtc.ICEConnectionStateConnected)
	waitFor(t, p.Connected, "peer to connect")
}

func TestInitiatorSignalsOfferOnConstruction(t *testing.T) {
	eng := newFakeEngine()
	_, rec := newTestPeer(t, eng, func(c *Config) { c.Initiator = true })

	waitFor(t, func() bool { return len(rec.descriptions()) > 0 }, "initial offer")
	offer := rec.descriptions()[0]
	if offer.Type != "offer" {
		t.Fatalf("expected offer, got %q", offer.Type)
	}
	if eng.LocalDescription() == nil {
		t.Fatal("local description was not installed")
	}
}

func TestResponderDiscardsFirstNegotiationBatch(t *testing.T) {
	eng := newFakeEngine()
	p, rec := newTestPeer(t, eng, nil)

	p.needsNegotiation()
	time.Sleep(50 * time.Millisecond)
	if got := rec.renegotiates(); got != 0 {
		t.Fatalf("first batch should be discarded, got %d renegotiate signals", got)
	}

	p.needsNegotiation()
	waitFor(t, func() bool { return rec.renegotiates() == 1 }, "renegotiate request")
}

func TestNegotiationBatchesWithinTick(t *testing.T) {
	eng := newFakeEngine()
	p, rec := newTestPeer(t, eng, nil)
	p.needsNegotiation() // discarded first batch

	time.Sleep(50 * time.Millisecond)
	p.needsNegotiation()
	p.needsNegotiation()
	p.needsNegotiation()

	waitFor(t, func() bool { return rec.renegotiates() >= 1 }, "renegotiate request")
	time.Sleep(50 * time.Millisecond)
	if got := rec.renegotiates(); got != 1 {
		t.Fatalf("expected one batched renegotiate signal, got %d", got)
	}
}

func TestQueuedNegotiationReplaysOnStable(t *testing.T) {
	eng := newFakeEngine()
	p, rec := newTestPeer(t, eng, func(c *Config) { c.Initiator = true })

	waitFor(t, func() bool { return len(rec.descriptions()) == 1 }, "initial offer")

	// A round started while the first is still in flight must queue.
	p.Negotiate()
	time.Sleep(50 * time.Millisecond)
	if got := len(rec.descriptions()); got != 1 {
		t.Fatalf("queued round ran early: %d descriptions", got)
	}

	eng.fireSignalingState(webrtc.SignalingStateStable)
	waitFor(t, func() bool { return len(rec.descriptions()) == 2 }, "replayed offer")
}

func TestNegotiatedEventWhenNothingQueued(t *testing.T) {
	eng := newFakeEngine()
	p, rec := newTestPeer(t, eng, func(c *Config) { c.Initiator = true })
	negotiated := make(chan struct{}, 1)
	p.OnNegotiated(func() { negotiated <- struct{}{} })

	waitFor(t, func() bool { return len(rec.descriptions()) == 1 }, "initial offer")
	eng.fireSignalingState(webrtc.SignalingStateStable)

	select {
	case <-negotiated:
	case <-time.After(2 * time.Second):
		t.Fatal("negotiated event not delivered")
	}
}

func TestResponderAnswersOffer(t *testing.T) {
	eng := newFakeEngine()
	p, rec := newTestPeer(t, eng, nil)

	err := p.Signal(Signal{Type: "offer", SDP: "v=0\r\na=offer\r\n"})
	if err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if eng.RemoteDescription() == nil {
		t.Fatal("remote description was not installed")
	}
	waitFor(t, func() bool { return len(rec.descriptions()) == 1 }, "answer")
	if got := rec.descriptions()[0].Type; got != "answer" {
		t.Fatalf("expected answer, got %q", got)
	}
}

func TestCandidatesHeldUntilRemoteDescription(t *testing.T) {
	eng := newFakeEngine()
	p, _ := newTestPeer(t, eng, nil)

	first := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 192.0.2.1 1111 typ host"}
	second := webrtc.ICECandidateInit{Candidate: "candidate:2 1 udp 1 192.0.2.1 2222 typ host"}
	if err := p.Signal(Signal{Candidate: &first}); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	eng.mu.Lock()
	early := len(eng.candidates)
	eng.mu.Unlock()
	if early != 0 {
		t.Fatal("candidate applied before remote description")
	}

	if err := p.Signal(Signal{Type: "offer", SDP: "v=0\r\n", Candidate: &second}); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	eng.mu.Lock()
	got := make([]webrtc.ICECandidateInit, len(eng.candidates))
	copy(got, eng.candidates)
	eng.mu.Unlock()
	if len(got) != 2 || got[0] != first || got[1] != second {
		t.Fatalf("candidates not applied in arrival order: %+v", got)
	}
}

func TestMalformedSignalDestroys(t *testing.T) {
	eng := newFakeEngine()
	p, _ := newTestPeer(t, eng, nil)
	var destroyErr error
	errCh := make(chan error, 1)
	p.OnError(func(err error) { errCh <- err })

	if err := p.Signal(Signal{}); !errors.IsCode(err, errors.ErrCodeSignalingMalformed) {
		t.Fatalf("expected SIGNALING_MALFORMED, got %v", err)
	}
	select {
	case destroyErr = <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("error handler not invoked")
	}
	if !errors.IsCode(destroyErr, errors.ErrCodeSignalingMalformed) {
		t.Fatalf("unexpected error: %v", destroyErr)
	}
	waitFor(t, p.Destroyed, "destroy")
}

func TestUnsupportedCandidateIsNonFatal(t *testing.T) {
	eng := newFakeEngine()
	eng.candidateErr = io.ErrUnexpectedEOF
	p, _ := newTestPeer(t, eng, nil)

	if err := p.Signal(Signal{Type: "offer", SDP: "v=0\r\n"}); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	mdns := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 abc.local 1111 typ host"}
	if err := p.Signal(Signal{Candidate: &mdns}); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if p.Destroyed() {
		t.Fatal("mDNS candidate rejection must not destroy the peer")
	}
}

func TestRejectedCandidateDestroys(t *testing.T) {
	eng := newFakeEngine()
	eng.candidateErr = io.ErrUnexpectedEOF
	p, _ := newTestPeer(t, eng, nil)
	errCh := make(chan error, 1)
	p.OnError(func(err error) { errCh <- err })

	if err := p.Signal(Signal{Type: "offer", SDP: "v=0\r\n"}); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	bad := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 192.0.2.9 1111 typ host"}
	if err := p.Signal(Signal{Candidate: &bad}); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	select {
	case err := <-errCh:
		if !errors.IsCode(err, errors.ErrCodeICECandidateRejected) {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("candidate rejection not surfaced")
	}
}

func TestConnectRequiresTransportAndChannel(t *testing.T) {
	eng := newFakeEngine()
	p, _ := newTestPeer(t, eng, func(c *Config) { c.Initiator = true })
	connected := make(chan struct{}, 1)
	p.OnConnect(func() { connected <- struct{}{} })

	eng.fireICEConnectionState(webrtc.ICEConnectionStateConnected)
	time.Sleep(50 * time.Millisecond)
	if p.Connected() {
		t.Fatal("connected before channel opened")
	}

	eng.firstChannel().fireOpen()
	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("connect event not delivered")
	}

	local, ok := p.Address()
	if !ok || local.Address != "192.0.2.1" || local.Port != 5000 {
		t.Fatalf("unexpected local address: %+v ok=%v", local, ok)
	}
	remote, ok := p.RemoteAddress()
	if !ok || remote.Address != "192.0.2.2" || remote.Port != 6000 {
		t.Fatalf("unexpected remote address: %+v ok=%v", remote, ok)
	}
}

func TestConnectWithoutNominatedPairStillConnects(t *testing.T) {
	eng := newFakeEngine()
	eng.mu.Lock()
	eng.stats = webrtc.StatsReport{}
	eng.mu.Unlock()
	p, _ := newTestPeer(t, eng, func(c *Config) { c.Initiator = true })

	eng.firstChannel().fireOpen()
	eng.fireICEConnectionState(webrtc.ICEConnectionStateConnected)
	// The stats poll has to exhaust its attempts before the connection is
	// reported anyway.
	waitForTimeout(t, 8*time.Second, p.Connected, "peer to connect")
	if _, ok := p.Address(); ok {
		t.Fatal("address should be unresolved without a nominated pair")
	}
}

func TestRestartICEPreconditions(t *testing.T) {
	eng := newFakeEngine()
	responder, _ := newTestPeer(t, eng, nil)
	if responder.RestartICE() {
		t.Fatal("responder must not restart ICE")
	}

	ieng := newFakeEngine()
	initiator, _ := newTestPeer(t, ieng, func(c *Config) { c.Initiator = true })
	if !initiator.RestartICE() {
		t.Fatal("initiator restart refused")
	}
	if initiator.RestartICE() {
		t.Fatal("second restart while one is in flight")
	}

	initiator.Close()
	waitFor(t, initiator.Destroyed, "destroy")
	if initiator.RestartICE() {
		t.Fatal("restart after destroy")
	}
}

func TestRestartOfferCarriesICERestart(t *testing.T) {
	eng := newFakeEngine()
	p, rec := newTestPeer(t, eng, func(c *Config) {
		c.Initiator = true
		c.ICERestartPolicy = RestartOnFailure
	})
	waitFor(t, func() bool { return len(rec.descriptions()) == 1 }, "initial offer")

	eng.fireICEConnectionState(webrtc.ICEConnectionStateFailed)
	waitFor(t, func() bool { return len(rec.descriptions()) == 2 }, "restart offer")

	eng.mu.Lock()
	restart := eng.lastOffer.ICERestart
	eng.mu.Unlock()
	if !restart {
		t.Fatal("restart offer missing ICERestart")
	}
	_ = p
}

func TestReconnectAfterTransportRecovery(t *testing.T) {
	eng := newFakeEngine()
	p, _ := newTestPeer(t, eng, func(c *Config) {
		c.Initiator = true
		c.ICERestartPolicy = RestartOnFailure
	})
	reconnected := make(chan struct{}, 1)
	p.OnReconnect(func() { reconnected <- struct{}{} })

	connect(t, p, eng, eng.firstChannel())

	eng.fireICEConnectionState(webrtc.ICEConnectionStateFailed)
	waitFor(t, func() bool { return !p.Connected() }, "connectivity cleared")

	eng.fireICEConnectionState(webrtc.ICEConnectionStateConnected)
	select {
	case <-reconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("reconnect event not delivered")
	}
	if !p.Connected() {
		t.Fatal("peer not connected after recovery")
	}
}

func TestTransportFailureFatalWhenRestartDisabled(t *testing.T) {
	eng := newFakeEngine()
	p, _ := newTestPeer(t, eng, func(c *Config) { c.Initiator = true })
	errCh := make(chan error, 1)
	p.OnError(func(err error) { errCh <- err })

	eng.fireICEConnectionState(webrtc.ICEConnectionStateFailed)
	select {
	case err := <-errCh:
		if !errors.IsCode(err, errors.ErrCodeICEConnectionFailed) {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("failure not surfaced")
	}
	waitFor(t, p.Destroyed, "destroy")
}

func TestRecoveryTimeoutDestroys(t *testing.T) {
	eng := newFakeEngine()
	p, _ := newTestPeer(t, eng, func(c *Config) {
		c.Initiator = true
		c.ICERestartPolicy = RestartOnFailure
		c.ICERecoveryTimeout = 50 * time.Millisecond
	})
	errCh := make(chan error, 1)
	p.OnError(func(err error) { errCh <- err })

	eng.fireICEConnectionState(webrtc.ICEConnectionStateFailed)
	select {
	case err := <-errCh:
		if !errors.IsCode(err, errors.ErrCodeICERecoveryTimeout) {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("recovery timeout did not fire")
	}
	waitFor(t, p.Destroyed, "destroy")
}

func TestDirectFailureUnderOnDisconnectArmsRecoveryOnly(t *testing.T) {
	eng := newFakeEngine()
	p, rec := newTestPeer(t, eng, func(c *Config) {
		c.Initiator = true
		c.ICERestartPolicy = RestartOnDisconnect
		c.ICERecoveryTimeout = 50 * time.Millisecond
	})
	errCh := make(chan error, 1)
	p.OnError(func(err error) { errCh <- err })
	waitFor(t, func() bool { return len(rec.descriptions()) == 1 }, "initial offer")

	// failed without a preceding disconnected: the on-disconnect policy
	// must not restart here, only bound the recovery.
	eng.fireICEConnectionState(webrtc.ICEConnectionStateFailed)

	select {
	case err := <-errCh:
		if !errors.IsCode(err, errors.ErrCodeICERecoveryTimeout) {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("recovery timeout did not fire")
	}
	if got := len(rec.descriptions()); got != 1 {
		t.Fatalf("restart offer produced: %d descriptions", got)
	}
	eng.mu.Lock()
	restart := eng.lastOffer.ICERestart
	eng.mu.Unlock()
	if restart {
		t.Fatal("ICERestart requested on direct failure under on-disconnect")
	}
}

func TestQueuedNegotiationReplaysOneRound(t *testing.T) {
	eng := newFakeEngine()
	p, rec := newTestPeer(t, eng, func(c *Config) { c.Initiator = true })
	negotiated := make(chan struct{}, 4)
	p.OnNegotiated(func() { negotiated <- struct{}{} })
	waitFor(t, func() bool { return len(rec.descriptions()) == 1 }, "initial offer")

	// Two requests while the round is in flight collapse into one queued
	// replay; stability runs it through the batching path.
	p.Negotiate()
	p.Negotiate()
	eng.fireSignalingState(webrtc.SignalingStateStable)

	waitFor(t, func() bool { return len(rec.descriptions()) == 2 }, "replayed offer")
	time.Sleep(50 * time.Millisecond)
	if got := len(rec.descriptions()); got != 2 {
		t.Fatalf("replay produced %d offers, want 2", got)
	}

	eng.fireSignalingState(webrtc.SignalingStateStable)
	select {
	case <-negotiated:
	case <-time.After(2 * time.Second):
		t.Fatal("negotiated event not delivered after replay settled")
	}
	_ = p
}

func TestNonTrickleDefersOfferUntilGatheringComplete(t *testing.T) {
	eng := newFakeEngine()
	_, rec := newTestPeer(t, eng, func(c *Config) {
		c.Initiator = true
		c.Trickle = false
	})

	waitFor(t, func() bool { return eng.LocalDescription() != nil }, "local description")
	time.Sleep(50 * time.Millisecond)
	if got := len(rec.descriptions()); got != 0 {
		t.Fatalf("offer signaled before gathering completed: %d", got)
	}
	if local := eng.LocalDescription(); strings.Contains(local.SDP, "trickle") {
		t.Fatal("trickle advertising not filtered")
	}

	eng.fireGatheringComplete()
	waitFor(t, func() bool { return len(rec.descriptions()) == 1 }, "deferred offer")
}

func TestGatheringTimeoutSignalsPartialOffer(t *testing.T) {
	eng := newFakeEngine()
	p, rec := newTestPeer(t, eng, func(c *Config) {
		c.Initiator = true
		c.Trickle = false
		c.ICECompleteTimeout = 50 * time.Millisecond
	})
	timedOut := make(chan struct{}, 1)
	p.OnICETimeout(func() { timedOut <- struct{}{} })

	select {
	case <-timedOut:
	case <-time.After(2 * time.Second):
		t.Fatal("gathering timeout did not fire")
	}
	waitFor(t, func() bool { return len(rec.descriptions()) == 1 }, "offer after timeout")
}

func TestSendBuffersSingleWriteBeforeConnect(t *testing.T) {
	eng := newFakeEngine()
	p, _ := newTestPeer(t, eng, func(c *Config) { c.Initiator = true })
	ch := eng.firstChannel()

	if err := p.Send([]byte("early")); err != nil {
		t.Fatalf("pre-connect Send: %v", err)
	}
	if got := len(ch.sentMessages()); got != 0 {
		t.Fatalf("pre-connect write hit the channel: %d", got)
	}

	blocked := make(chan error, 1)
	go func() { blocked <- p.Send([]byte("second")) }()
	time.Sleep(50 * time.Millisecond)
	select {
	case err := <-blocked:
		t.Fatalf("second pre-connect Send returned early: %v", err)
	default:
	}

	connect(t, p, eng, ch)
	if err := <-blocked; err != nil {
		t.Fatalf("second Send after connect: %v", err)
	}

	waitFor(t, func() bool { return len(ch.sentMessages()) == 2 }, "both writes flushed")
	msgs := ch.sentMessages()
	if string(msgs[0]) != "early" || string(msgs[1]) != "second" {
		t.Fatalf("writes out of order: %q %q", msgs[0], msgs[1])
	}
}

func TestSendAppliesBackpressure(t *testing.T) {
	eng := newFakeEngine()
	p, _ := newTestPeer(t, eng, func(c *Config) { c.Initiator = true })
	ch := eng.firstChannel()
	connect(t, p, eng, ch)

	ch.setBuffered(MaxBufferedAmount + 1)
	done := make(chan error, 1)
	go func() { done <- p.Send([]byte("pressured")) }()

	time.Sleep(50 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("Send returned while over the high-water mark: %v", err)
	default:
	}

	ch.setBuffered(0)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Send after drain: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not resume after drain")
	}
}

func TestReadAndEOF(t *testing.T) {
	eng := newFakeEngine()
	p, _ := newTestPeer(t, eng, func(c *Config) { c.Initiator = true })
	ch := eng.firstChannel()
	connect(t, p, eng, ch)

	ch.deliver([]byte("hello world"))

	buf := make([]byte, 5)
	n, err := p.Read(buf)
	if err != nil || string(buf[:n]) != "hello" {
		t.Fatalf("Read: %q, %v", buf[:n], err)
	}
	n, err = p.Read(buf)
	if err != nil || string(buf[:n]) != " worl" {
		t.Fatalf("Read: %q, %v", buf[:n], err)
	}
	n, err = p.Read(buf)
	if err != nil || string(buf[:n]) != "d" {
		t.Fatalf("Read: %q, %v", buf[:n], err)
	}

	p.Close()
	if _, err := p.Read(buf); err != io.EOF {
		t.Fatalf("expected EOF after destroy, got %v", err)
	}
}

func TestDataHandlerBypassesReadQueue(t *testing.T) {
	eng := newFakeEngine()
	p, _ := newTestPeer(t, eng, func(c *Config) { c.Initiator = true })
	ch := eng.firstChannel()
	received := make(chan []byte, 1)
	p.OnData(func(b []byte) { received <- b })
	connect(t, p, eng, ch)

	ch.deliver([]byte("direct"))
	select {
	case b := <-received:
		if string(b) != "direct" {
			t.Fatalf("unexpected payload: %q", b)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("data handler not invoked")
	}
}

func TestSenderRegistryErrors(t *testing.T) {
	eng := newFakeEngine()
	p, _ := newTestPeer(t, eng, func(c *Config) { c.Initiator = true })
	track := audioTrack(t, "audio", "stream-a")

	if err := p.AddTrack(track); err != nil {
		t.Fatalf("AddTrack: %v", err)
	}
	if err := p.AddTrack(track); !errors.IsCode(err, errors.ErrCodeSenderAlreadyAdded) {
		t.Fatalf("expected SENDER_ALREADY_ADDED, got %v", err)
	}
	if err := p.RemoveTrack(track); err != nil {
		t.Fatalf("RemoveTrack: %v", err)
	}
	if err := p.AddTrack(track); !errors.IsCode(err, errors.ErrCodeSenderRemovedReuse) {
		t.Fatalf("expected SENDER_REMOVED_REUSE, got %v", err)
	}
	other := audioTrack(t, "other", "stream-a")
	if err := p.RemoveTrack(other); !errors.IsCode(err, errors.ErrCodeSenderNotFound) {
		t.Fatalf("expected SENDER_NOT_FOUND, got %v", err)
	}
}

func TestRemoveTrackDeferredUntilStable(t *testing.T) {
	eng := newFakeEngine()
	p, _ := newTestPeer(t, eng, func(c *Config) { c.Initiator = true })
	track := audioTrack(t, "audio", "stream-a")
	if err := p.AddTrack(track); err != nil {
		t.Fatalf("AddTrack: %v", err)
	}

	eng.mu.Lock()
	eng.signalingState = webrtc.SignalingStateHaveLocalOffer
	eng.mu.Unlock()

	if err := p.RemoveTrack(track); err != nil {
		t.Fatalf("RemoveTrack: %v", err)
	}
	eng.mu.Lock()
	removedEarly := len(eng.removed)
	eng.mu.Unlock()
	if removedEarly != 0 {
		t.Fatal("removal not deferred while signaling unstable")
	}

	eng.fireSignalingState(webrtc.SignalingStateStable)
	waitFor(t, func() bool {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		return len(eng.removed) == 1
	}, "deferred removal")
}

func TestReplaceTrack(t *testing.T) {
	eng := newFakeEngine()
	p, _ := newTestPeer(t, eng, func(c *Config) { c.Initiator = true })
	oldTrack := audioTrack(t, "audio", "stream-a")
	newTrack := audioTrack(t, "audio-2", "stream-a")
	if err := p.AddTrack(oldTrack); err != nil {
		t.Fatalf("AddTrack: %v", err)
	}

	if err := p.ReplaceTrack(oldTrack, newTrack); err != nil {
		t.Fatalf("ReplaceTrack: %v", err)
	}
	eng.mu.Lock()
	sender := eng.senders[0]
	eng.mu.Unlock()
	sender.mu.Lock()
	replaced := sender.replaced
	sender.mu.Unlock()
	if replaced != newTrack {
		t.Fatal("sender track not replaced")
	}

	// Registry follows the new identity.
	if err := p.RemoveTrack(newTrack); err != nil {
		t.Fatalf("RemoveTrack(new): %v", err)
	}
	if err := p.RemoveTrack(oldTrack); !errors.IsCode(err, errors.ErrCodeSenderNotFound) {
		t.Fatalf("old identity still registered: %v", err)
	}
}

func TestReplaceTrackUnsupportedDestroys(t *testing.T) {
	eng := newFakeEngine()
	p, _ := newTestPeer(t, eng, func(c *Config) { c.Initiator = true })
	oldTrack := audioTrack(t, "audio", "stream-a")
	if err := p.AddTrack(oldTrack); err != nil {
		t.Fatalf("AddTrack: %v", err)
	}
	eng.mu.Lock()
	eng.senders[0].replaceErr = io.ErrUnexpectedEOF
	eng.mu.Unlock()

	err := p.ReplaceTrack(oldTrack, audioTrack(t, "audio-2", "stream-a"))
	if !errors.IsCode(err, errors.ErrCodeReplaceUnsupported) {
		t.Fatalf("expected REPLACE_TRACK_UNSUPPORTED, got %v", err)
	}
	waitFor(t, p.Destroyed, "destroy")
}

func TestResponderForwardsTransceiverRequest(t *testing.T) {
	eng := newFakeEngine()
	p, rec := newTestPeer(t, eng, nil)

	if err := p.AddTransceiver("video", nil); err != nil {
		t.Fatalf("AddTransceiver: %v", err)
	}
	waitFor(t, func() bool {
		for _, s := range rec.all() {
			if s.TransceiverRequest != nil && s.TransceiverRequest.Kind == "video" {
				return true
			}
		}
		return false
	}, "transceiver request signal")

	eng.mu.Lock()
	direct := len(eng.transceivers)
	eng.mu.Unlock()
	if direct != 0 {
		t.Fatal("responder mutated the session directly")
	}
}

func TestInitiatorHonorsTransceiverRequest(t *testing.T) {
	eng := newFakeEngine()
	p, _ := newTestPeer(t, eng, func(c *Config) { c.Initiator = true })

	err := p.Signal(Signal{TransceiverRequest: &TransceiverRequest{Kind: "audio"}})
	if err != nil {
		t.Fatalf("Signal: %v", err)
	}
	waitFor(t, func() bool {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		return len(eng.transceivers) == 1
	}, "transceiver added")
}

func TestRenegotiateRequestTriggersOffer(t *testing.T) {
	eng := newFakeEngine()
	p, rec := newTestPeer(t, eng, func(c *Config) { c.Initiator = true })
	waitFor(t, func() bool { return len(rec.descriptions()) == 1 }, "initial offer")
	eng.fireSignalingState(webrtc.SignalingStateStable)
	time.Sleep(20 * time.Millisecond)

	if err := p.Signal(Signal{Renegotiate: true}); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	waitFor(t, func() bool { return len(rec.descriptions()) >= 2 }, "renegotiation offer")
}

func TestOperationsAfterDestroy(t *testing.T) {
	eng := newFakeEngine()
	p, _ := newTestPeer(t, eng, func(c *Config) { c.Initiator = true })
	p.Close()
	waitFor(t, p.Destroyed, "destroy")

	if err := p.Signal(Signal{Renegotiate: true}); !errors.IsCode(err, errors.ErrCodeDestroyed) {
		t.Fatalf("Signal after destroy: %v", err)
	}
	if err := p.Send([]byte("x")); !errors.IsCode(err, errors.ErrCodeDestroyed) {
		t.Fatalf("Send after destroy: %v", err)
	}
	if err := p.AddTrack(audioTrack(t, "a", "s")); !errors.IsCode(err, errors.ErrCodeDestroyed) {
		t.Fatalf("AddTrack after destroy: %v", err)
	}
	eng.mu.Lock()
	closed := eng.closed
	eng.mu.Unlock()
	if !closed {
		t.Fatal("engine not closed on destroy")
	}
	// Destroy is idempotent.
	p.Close()
}

func TestCloseEventDeliveredOnce(t *testing.T) {
	eng := newFakeEngine()
	p, _ := newTestPeer(t, eng, func(c *Config) { c.Initiator = true })
	var mu sync.Mutex
	closes := 0
	p.OnClose(func() {
		mu.Lock()
		closes++
		mu.Unlock()
	})

	p.Close()
	p.Close()
	waitFor(t, p.Destroyed, "destroy")
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if closes != 1 {
		t.Fatalf("close delivered %d times", closes)
	}
}
