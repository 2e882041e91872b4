package peer

import (
	"strings"
	"time"

	"github.com/pion/webrtc/v3"

	"peerwire/pkg/errors"
)

// needsNegotiation batches a renegotiation request. Multiple calls within
// the same tick collapse into a single negotiation on the next tick; the
// responder's very first batch is discarded because the initial handshake
// already covers it.
func (p *Peer) needsNegotiation() {
	p.mu.Lock()
	if p.destroyed || p.destroying || p.neg.batched {
		p.mu.Unlock()
		return
	}
	p.neg.batched = true
	p.mu.Unlock()

	time.AfterFunc(0, func() {
		p.mu.Lock()
		if p.destroyed || p.destroying {
			p.mu.Unlock()
			return
		}
		p.neg.batched = false
		if !p.initiator && !p.neg.firstNegotiationDone {
			p.neg.firstNegotiationDone = true
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		p.Negotiate()
	})
}

// Negotiate starts a negotiation round. The initiator creates an offer; the
// responder asks the initiator to renegotiate. A round started while another
// is in flight is queued and replayed once signaling returns to stable.
func (p *Peer) Negotiate() {
	p.mu.Lock()
	if p.destroyed || p.destroying {
		p.mu.Unlock()
		return
	}
	if p.neg.isNegotiating {
		p.neg.queuedNegotiation = true
		p.mu.Unlock()
		p.logger.Debug("already negotiating, queueing negotiation")
		return
	}
	p.neg.isNegotiating = true
	initiator := p.initiator
	p.neg.firstNegotiationDone = true
	p.mu.Unlock()

	if initiator {
		p.logger.Debug("starting negotiation")
		// Let state mutations from the same tick settle before the offer
		// is created, mirroring the batching delay.
		time.AfterFunc(0, p.createOffer)
		return
	}

	p.logger.Debug("requesting negotiation from initiator")
	p.emitSignal(Signal{Renegotiate: true})
}

// createOffer builds, installs and signals a local offer. When trickling is
// disabled the signal is deferred until candidate gathering completes.
func (p *Peer) createOffer() {
	p.mu.Lock()
	if p.destroyed || p.destroying {
		p.mu.Unlock()
		return
	}
	eng := p.engine
	options := p.cfg.OfferOptions
	if p.neg.isRestartingICE {
		options.ICERestart = true
	}
	p.mu.Unlock()

	if restarter, ok := eng.(ICERestarter); ok && options.ICERestart {
		if err := restarter.RestartICE(); err != nil {
			p.destroy(errors.WrapError(err, errors.ErrCodeOfferCreation, "ICE restart failed"))
			return
		}
		options.ICERestart = false
	}

	offer, err := eng.CreateOffer(&options)
	if err != nil {
		p.destroy(errors.WrapError(err, errors.ErrCodeOfferCreation, "failed to create offer"))
		return
	}
	p.installAndSignal(eng, offer)
}

// createAnswer builds, installs and signals a local answer to the remote
// offer currently installed.
func (p *Peer) createAnswer() {
	p.mu.Lock()
	if p.destroyed || p.destroying {
		p.mu.Unlock()
		return
	}
	eng := p.engine
	options := p.cfg.AnswerOptions
	p.mu.Unlock()

	answer, err := eng.CreateAnswer(&options)
	if err != nil {
		p.destroy(errors.WrapError(err, errors.ErrCodeAnswerCreation, "failed to create answer"))
		return
	}
	p.installAndSignal(eng, answer)
}

func (p *Peer) installAndSignal(eng Engine, desc webrtc.SessionDescription) {
	p.mu.Lock()
	transform := p.cfg.SDPTransform
	trickle := p.cfg.Trickle
	allowHalf := p.cfg.AllowHalfTrickle
	p.mu.Unlock()

	if !trickle && !allowHalf {
		desc.SDP = filterTrickle(desc.SDP)
	}
	desc.SDP = transform(desc.SDP)

	if err := eng.SetLocalDescription(desc); err != nil {
		p.destroy(errors.WrapError(err, errors.ErrCodeLocalDescription, "failed to set local description"))
		return
	}

	p.mu.Lock()
	if p.destroyed || p.destroying {
		p.mu.Unlock()
		return
	}
	send := trickle || p.iceComplete
	if !send {
		// Hold the description back until gathering completes, then signal
		// whatever the engine has accumulated.
		p.onICEComplete = append(p.onICEComplete, func() { p.signalLocalDescription() })
	}
	p.mu.Unlock()

	if !trickle {
		p.startICECompleteTimer()
	}
	if send {
		p.signalLocalDescription()
	}
}

// signalLocalDescription emits the engine's current local description
// through the signal handler.
func (p *Peer) signalLocalDescription() {
	p.mu.Lock()
	if p.destroyed || p.destroying {
		p.mu.Unlock()
		return
	}
	eng := p.engine
	p.mu.Unlock()

	local := eng.LocalDescription()
	if local == nil {
		return
	}
	p.emitSignal(Signal{Type: local.Type.String(), SDP: local.SDP})
}

// handleSignalingStateChange reacts to the engine returning to stable:
// the in-flight negotiation is finished, deferred sender removals are
// flushed, and a queued round is replayed.
func (p *Peer) handleSignalingStateChange(state webrtc.SignalingState) {
	p.mu.Lock()
	if p.destroyed || p.destroying {
		p.mu.Unlock()
		return
	}
	onState := p.handlers.onSignalingState
	var negotiated func()
	var replay bool
	if state == webrtc.SignalingStateStable {
		p.neg.isNegotiating = false

		awaiting := p.sendersAwaitingStable
		p.sendersAwaitingStable = nil
		for _, entry := range awaiting {
			p.removeSenderLocked(entry)
			p.neg.queuedNegotiation = true
		}

		if p.neg.queuedNegotiation {
			p.neg.queuedNegotiation = false
			replay = true
		} else {
			negotiated = p.handlers.onNegotiated
		}
	}
	p.mu.Unlock()

	if onState != nil {
		onState(state)
	}
	if replay {
		p.logger.Debug("replaying queued negotiation")
		// Through the batching path, so a replay coalesces with any request
		// made on the same tick.
		p.needsNegotiation()
	} else if negotiated != nil {
		p.logger.Debug("negotiation complete")
		negotiated()
	}
}

// filterTrickle strips trickle advertising from an SDP so the remote side
// waits for the complete candidate set.
func filterTrickle(sdp string) string {
	lines := strings.Split(sdp, "\r\n")
	out := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(line, "a=ice-options:") && strings.Contains(line, "trickle") {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\r\n")
}
