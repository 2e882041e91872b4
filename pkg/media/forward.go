// Package media carries RTP between peers: a Forwarder mirrors a remote
// track onto a local track that can be added to another connection, and a
// KeyframeRequester keeps video decodable across forwarding hops.
package media

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"peerwire/pkg/optimize"
)

const mtu = 1500

// Packet buffers are shared between forwarders; one forwarder runs per
// relayed track.
var packetBuffers = optimize.NewBytePool(mtu)

// Forwarder reads RTP from a remote track and republishes it on a local
// static RTP track. Add the local track to another peer to relay media
// without decoding it.
type Forwarder struct {
	remote *webrtc.TrackRemote
	local  *webrtc.TrackLocalStaticRTP
	logger *zap.SugaredLogger

	packets uint64
	bytes   uint64
	dropped uint64
}

// NewForwarder builds a forwarder for a remote track. The local track keeps
// the remote's identity so downstream peers see the same track/stream IDs.
func NewForwarder(remote *webrtc.TrackRemote, logger *zap.Logger) (*Forwarder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	local, err := webrtc.NewTrackLocalStaticRTP(
		remote.Codec().RTPCodecCapability,
		remote.ID(),
		remote.StreamID(),
	)
	if err != nil {
		return nil, err
	}
	return &Forwarder{
		remote: remote,
		local:  local,
		logger: logger.Sugar().With("track", remote.ID(), "stream", remote.StreamID()),
	}, nil
}

// Track returns the local track carrying the forwarded media.
func (f *Forwarder) Track() *webrtc.TrackLocalStaticRTP { return f.local }

// Run pumps packets until the remote track ends or ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context) error {
	buf := packetBuffers.Get()
	defer packetBuffers.Put(buf)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, _, err := f.remote.Read(buf)
		if err != nil {
			f.logger.Debugw("remote track ended", "error", err)
			return err
		}
		if err := f.forward(buf[:n]); err != nil {
			f.logger.Warnw("dropping packet", "error", err)
		}
	}
}

// forward parses one RTP packet and writes it to the local track. Writes to
// a track with no bindings yet succeed and go nowhere.
func (f *Forwarder) forward(data []byte) error {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		atomic.AddUint64(&f.dropped, 1)
		return err
	}
	if err := f.local.WriteRTP(&pkt); err != nil {
		atomic.AddUint64(&f.dropped, 1)
		return err
	}
	atomic.AddUint64(&f.packets, 1)
	atomic.AddUint64(&f.bytes, uint64(len(data)))
	return nil
}

// Stats reports packets and bytes forwarded, and packets dropped.
func (f *Forwarder) Stats() (packets, bytes, dropped uint64) {
	return atomic.LoadUint64(&f.packets), atomic.LoadUint64(&f.bytes), atomic.LoadUint64(&f.dropped)
}

// RTCPWriter sends RTCP feedback toward the media source. A pion
// PeerConnection satisfies it.
type RTCPWriter interface {
	WriteRTCP(pkts []rtcp.Packet) error
}

// KeyframeRequester periodically sends a Picture Loss Indication for a
// remote video track so the source refreshes with a keyframe. Forwarded
// video would otherwise stay undecodable for subscribers joining after the
// last keyframe.
type KeyframeRequester struct {
	writer   RTCPWriter
	ssrc     webrtc.SSRC
	interval time.Duration
	logger   *zap.SugaredLogger
}

// NewKeyframeRequester requests keyframes for the given SSRC every
// interval. A non-positive interval defaults to 3 seconds.
func NewKeyframeRequester(writer RTCPWriter, ssrc webrtc.SSRC, interval time.Duration, logger *zap.Logger) *KeyframeRequester {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyframeRequester{
		writer:   writer,
		ssrc:     ssrc,
		interval: interval,
		logger:   logger.Sugar().With("ssrc", uint32(ssrc)),
	}
}

// Run sends PLIs until ctx is cancelled.
func (k *KeyframeRequester) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := k.RequestNow(); err != nil {
				k.logger.Warnw("failed to send PLI", "error", err)
				return err
			}
		}
	}
}

// RequestNow sends a single PLI immediately.
func (k *KeyframeRequester) RequestNow() error {
	return k.writer.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(k.ssrc)},
	})
}
