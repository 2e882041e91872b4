package media

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap/zaptest"
)

func testForwarder(t *testing.T) *Forwarder {
	t.Helper()
	local, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "stream")
	if err != nil {
		t.Fatalf("NewTrackLocalStaticRTP: %v", err)
	}
	return &Forwarder{
		local:  local,
		logger: zaptest.NewLogger(t).Sugar(),
	}
}

func TestForwardCountsPackets(t *testing.T) {
	f := testForwarder(t)

	pkt := rtp.Packet{
		Header:  rtp.Header{Version: 2, SequenceNumber: 7, SSRC: 42},
		Payload: []byte{0x01, 0x02, 0x03},
	}
	raw, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := f.forward(raw); err != nil {
			t.Fatalf("forward: %v", err)
		}
	}

	packets, bytes, dropped := f.Stats()
	if packets != 3 || dropped != 0 {
		t.Fatalf("packets=%d dropped=%d", packets, dropped)
	}
	if bytes != uint64(3*len(raw)) {
		t.Fatalf("bytes=%d want %d", bytes, 3*len(raw))
	}
}

func TestForwardDropsMalformedPackets(t *testing.T) {
	f := testForwarder(t)

	if err := f.forward([]byte{0xde, 0xad}); err == nil {
		t.Fatal("malformed packet accepted")
	}
	packets, _, dropped := f.Stats()
	if packets != 0 || dropped != 1 {
		t.Fatalf("packets=%d dropped=%d", packets, dropped)
	}
}

type rtcpRecorder struct {
	mu   sync.Mutex
	sent []rtcp.Packet
}

func (r *rtcpRecorder) WriteRTCP(pkts []rtcp.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, pkts...)
	return nil
}

func (r *rtcpRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func TestKeyframeRequesterSendsPLI(t *testing.T) {
	rec := &rtcpRecorder{}
	k := NewKeyframeRequester(rec, webrtc.SSRC(99), 10*time.Millisecond, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for rec.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if rec.count() < 2 {
		t.Fatalf("expected at least 2 PLIs, got %d", rec.count())
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	pli, ok := rec.sent[0].(*rtcp.PictureLossIndication)
	if !ok {
		t.Fatalf("unexpected packet type %T", rec.sent[0])
	}
	if pli.MediaSSRC != 99 {
		t.Fatalf("MediaSSRC = %d", pli.MediaSSRC)
	}
}

func TestRequestNow(t *testing.T) {
	rec := &rtcpRecorder{}
	k := NewKeyframeRequester(rec, webrtc.SSRC(7), 0, zaptest.NewLogger(t))
	if err := k.RequestNow(); err != nil {
		t.Fatalf("RequestNow: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("sent %d packets", rec.count())
	}
}
