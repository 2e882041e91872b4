package peer

import (
	"time"

	"github.com/pion/webrtc/v3"

	"peerwire/pkg/errors"
)

type senderKey struct {
	trackID  string
	streamID string
}

type senderEntry struct {
	key     senderKey
	track   webrtc.TrackLocal
	sender  Sender
	removed bool
}

// AddTrack starts sending a local track to the remote peer and triggers a
// negotiation round. Each track/stream pairing may be added once; a pairing
// that was removed cannot be re-added.
func (p *Peer) AddTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	if p.destroyed || p.destroying {
		p.mu.Unlock()
		return errors.NewDestroyedError("add track")
	}
	key := senderKey{trackID: track.ID(), streamID: track.StreamID()}
	if entry, ok := p.senders[key]; ok {
		p.mu.Unlock()
		if entry.removed {
			return errors.NewAppError(errors.ErrCodeSenderRemovedReuse, "track was removed and cannot be re-added")
		}
		return errors.NewAppError(errors.ErrCodeSenderAlreadyAdded, "track was already added")
	}
	eng := p.engine
	p.mu.Unlock()

	sender, err := eng.AddTrack(track)
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeInternal, "failed to add track")
	}

	p.mu.Lock()
	p.senders[key] = &senderEntry{key: key, track: track, sender: sender}
	p.mu.Unlock()

	p.needsNegotiation()
	return nil
}

// RemoveTrack stops sending a local track. When signaling is mid-exchange
// the removal is deferred until the session returns to stable; it then
// completes and triggers the follow-up negotiation.
func (p *Peer) RemoveTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	if p.destroyed || p.destroying {
		p.mu.Unlock()
		return errors.NewDestroyedError("remove track")
	}
	key := senderKey{trackID: track.ID(), streamID: track.StreamID()}
	entry, ok := p.senders[key]
	if !ok || entry.removed {
		p.mu.Unlock()
		return errors.NewAppError(errors.ErrCodeSenderNotFound, "track sender was not found")
	}
	if p.engine.SignalingState() != webrtc.SignalingStateStable {
		// Removing mid-exchange would glare with the in-flight offer.
		// Defer to the stable transition, which flushes these.
		p.sendersAwaitingStable = append(p.sendersAwaitingStable, entry)
		entry.removed = true
		p.mu.Unlock()
		p.logger.Debug("deferring track removal until signaling is stable")
		return nil
	}
	p.removeSenderLocked(entry)
	p.mu.Unlock()

	p.needsNegotiation()
	return nil
}

// removeSenderLocked detaches a sender from the engine. Engine rejection is
// logged and swallowed: the sender is gone from the registry either way.
func (p *Peer) removeSenderLocked(entry *senderEntry) {
	entry.removed = true
	if err := p.engine.RemoveTrack(entry.sender); err != nil {
		p.logger.Warnw("engine rejected track removal", "track", entry.key.trackID, "error", err)
	}
}

// ReplaceTrack swaps the media source of an existing sender without a
// negotiation round. Engines that cannot replace in place fail the peer.
func (p *Peer) ReplaceTrack(oldTrack, newTrack webrtc.TrackLocal) error {
	p.mu.Lock()
	if p.destroyed || p.destroying {
		p.mu.Unlock()
		return errors.NewDestroyedError("replace track")
	}
	oldKey := senderKey{trackID: oldTrack.ID(), streamID: oldTrack.StreamID()}
	entry, ok := p.senders[oldKey]
	if !ok || entry.removed {
		p.mu.Unlock()
		return errors.NewAppError(errors.ErrCodeSenderNotFound, "track sender was not found")
	}
	p.mu.Unlock()

	if err := entry.sender.ReplaceTrack(newTrack); err != nil {
		appErr := errors.WrapError(err, errors.ErrCodeReplaceUnsupported, "engine cannot replace the track in place")
		p.destroy(appErr)
		return appErr
	}

	p.mu.Lock()
	delete(p.senders, oldKey)
	entry.key = senderKey{trackID: newTrack.ID(), streamID: newTrack.StreamID()}
	entry.track = newTrack
	p.senders[entry.key] = entry
	p.mu.Unlock()
	return nil
}

// AddStream adds every track of a media stream. Tracks carry their stream
// association through their StreamID.
func (p *Peer) AddStream(tracks []webrtc.TrackLocal) error {
	for _, track := range tracks {
		if err := p.AddTrack(track); err != nil {
			return err
		}
	}
	return nil
}

// RemoveStream removes every track of a media stream.
func (p *Peer) RemoveStream(tracks []webrtc.TrackLocal) error {
	for _, track := range tracks {
		if err := p.RemoveTrack(track); err != nil {
			return err
		}
	}
	return nil
}

// AddTransceiver adds a transceiver for the given media kind. On the
// responder side the request is forwarded through signaling so the
// initiator performs the mutation.
func (p *Peer) AddTransceiver(kind string, init *webrtc.RTPTransceiverInit) error {
	p.mu.Lock()
	if p.destroyed || p.destroying {
		p.mu.Unlock()
		return errors.NewDestroyedError("add transceiver")
	}
	eng := p.engine
	initiator := p.initiator
	p.mu.Unlock()

	if !initiator {
		p.emitSignal(Signal{TransceiverRequest: &TransceiverRequest{Kind: kind, Init: init}})
		return nil
	}

	codecType := webrtc.NewRTPCodecType(kind)
	if err := eng.AddTransceiver(codecType, init); err != nil {
		appErr := errors.WrapError(err, errors.ErrCodeTransceiverUnsupported, "failed to add transceiver")
		p.destroy(appErr)
		return appErr
	}
	p.needsNegotiation()
	return nil
}

// handleTrack records an inbound track and surfaces it. The first track of
// each remote stream additionally schedules a stream event on the next
// tick, so tracks arriving in the same burst are grouped.
func (p *Peer) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	p.mu.Lock()
	if p.destroyed || p.destroying {
		p.mu.Unlock()
		return
	}
	p.remoteTracks = append(p.remoteTracks, track)
	sid := track.StreamID()
	p.remoteStreams[sid] = append(p.remoteStreams[sid], track)
	_, seen := p.seenStreams[sid]
	if !seen {
		p.seenStreams[sid] = struct{}{}
	}
	onTrack := p.handlers.onTrack
	p.mu.Unlock()

	p.logger.Debugw("received remote track", "track", track.ID(), "stream", sid)
	if onTrack != nil {
		onTrack(track, receiver)
	}

	if !seen {
		time.AfterFunc(0, func() {
			p.mu.Lock()
			if p.destroyed || p.destroying {
				p.mu.Unlock()
				return
			}
			tracks := make([]*webrtc.TrackRemote, len(p.remoteStreams[sid]))
			copy(tracks, p.remoteStreams[sid])
			onStream := p.handlers.onStream
			p.mu.Unlock()
			if onStream != nil {
				onStream(sid, tracks)
			}
		})
	}
}

// RemoteTracks returns the inbound tracks received so far.
func (p *Peer) RemoteTracks() []*webrtc.TrackRemote {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*webrtc.TrackRemote, len(p.remoteTracks))
	copy(out, p.remoteTracks)
	return out
}
