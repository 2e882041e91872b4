package peer

import (
	"context"
	goerrors "errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v3"

	"peerwire/pkg/errors"
	"peerwire/pkg/retry"
)

var errResolutionAborted = goerrors.New("connectivity resolution aborted")

// handleICEConnectionStateChange tracks the transport's health: usable
// states feed connectivity resolution, degraded states trigger the restart
// policy, terminal states destroy the peer.
func (p *Peer) handleICEConnectionStateChange(state webrtc.ICEConnectionState) {
	p.mu.Lock()
	if p.destroyed || p.destroying {
		p.mu.Unlock()
		return
	}
	p.lastConnState = state
	gather := p.lastGatherState
	onState := p.handlers.onICEStateChange
	policy := p.cfg.ICERestartPolicy
	restarting := p.neg.isRestartingICE

	var fatal error
	var tryRestart, resolve bool

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		p.neg.isRestartingICE = false
		p.stopRecoveryTimerLocked()
		p.conn.engineReady = true
		resolve = true
	case webrtc.ICEConnectionStateDisconnected:
		p.conn.engineReady = false
		p.conn.connected = false
		if policy == RestartOnDisconnect {
			tryRestart = true
		}
	case webrtc.ICEConnectionStateFailed:
		p.conn.engineReady = false
		p.conn.connected = false
		if policy == RestartDisabled && !restarting {
			fatal = errors.NewAppError(errors.ErrCodeICEConnectionFailed, "ICE transport failed")
		} else {
			// Only the on-failure policy restarts here; under on-disconnect
			// the restart already fired at the disconnected transition and
			// failure just bounds the recovery.
			if policy == RestartOnFailure {
				tryRestart = true
			}
			p.armRecoveryTimerLocked()
		}
	case webrtc.ICEConnectionStateClosed:
		fatal = errors.NewAppError(errors.ErrCodeICEConnectionClosed, "ICE transport closed")
	}
	p.mu.Unlock()

	p.logger.Debugw("ICE connection state change", "state", state.String())

	if onState != nil {
		onState(state, gather)
	}
	if fatal != nil {
		p.destroy(fatal)
		return
	}
	if tryRestart {
		p.RestartICE()
	}
	if resolve {
		p.maybeReady()
	}
}

// handleICEGatheringStateChange latches gathering completion and surfaces
// the combined ICE state to the application.
func (p *Peer) handleICEGatheringStateChange(state webrtc.ICEGathererState) {
	p.mu.Lock()
	if p.destroyed || p.destroying {
		p.mu.Unlock()
		return
	}
	switch state {
	case webrtc.ICEGathererStateGathering:
		p.lastGatherState = webrtc.ICEGatheringStateGathering
	case webrtc.ICEGathererStateComplete:
		p.lastGatherState = webrtc.ICEGatheringStateComplete
	}
	conn := p.lastConnState
	gather := p.lastGatherState
	onState := p.handlers.onICEStateChange
	p.mu.Unlock()

	if onState != nil {
		onState(conn, gather)
	}
	if state == webrtc.ICEGathererStateComplete {
		p.mu.Lock()
		p.setICECompleteLocked(false)
	}
}

// setICECompleteLocked latches ICE gathering completion and runs deferred
// completion callbacks. Called with p.mu held; releases it.
func (p *Peer) setICECompleteLocked(timedOut bool) {
	if p.iceComplete || p.destroyed || p.destroying {
		p.mu.Unlock()
		return
	}
	p.iceComplete = true
	if p.iceCompleteTimer != nil {
		p.iceCompleteTimer.Stop()
		p.iceCompleteTimer = nil
	}
	callbacks := p.onICEComplete
	p.onICEComplete = nil
	var onTimeout func()
	if timedOut {
		onTimeout = p.handlers.onICETimeout
	}
	p.mu.Unlock()

	if timedOut {
		p.logger.Warn("ICE gathering timed out, continuing with partial candidates")
		if onTimeout != nil {
			onTimeout()
		}
	} else {
		p.logger.Debug("ICE gathering complete")
	}
	for _, f := range callbacks {
		f()
	}
}

// startICECompleteTimer bounds candidate gathering when the local side holds
// descriptions back for the complete candidate set.
func (p *Peer) startICECompleteTimer() {
	p.mu.Lock()
	if p.iceComplete || p.iceCompleteTimer != nil || p.destroyed || p.destroying {
		p.mu.Unlock()
		return
	}
	p.iceCompleteTimer = time.AfterFunc(p.cfg.ICECompleteTimeout, func() {
		p.mu.Lock()
		p.setICECompleteLocked(true)
	})
	p.mu.Unlock()
}

func (p *Peer) armRecoveryTimerLocked() {
	if p.recoveryTimer != nil {
		return
	}
	timeout := p.cfg.ICERecoveryTimeout
	p.recoveryTimer = time.AfterFunc(timeout, func() {
		if !p.alive() {
			return
		}
		p.destroy(errors.NewAppError(errors.ErrCodeICERecoveryTimeout,
			fmt.Sprintf("ICE transport did not recover within %s", timeout)))
	})
}

func (p *Peer) stopRecoveryTimerLocked() {
	if p.recoveryTimer != nil {
		p.recoveryTimer.Stop()
		p.recoveryTimer = nil
	}
}

// RestartICE begins an ICE restart and reports whether one was started.
// Only the initiator restarts; the responder's restart arrives as a new
// offer. A restart resets the gathering latch so fresh candidates are
// collected, and clears connectivity so resolution reruns when the
// transport recovers.
func (p *Peer) RestartICE() bool {
	p.mu.Lock()
	if p.destroyed || p.destroying || !p.initiator || p.neg.isRestartingICE {
		p.mu.Unlock()
		return false
	}
	p.neg.isRestartingICE = true
	p.neg.isNegotiating = false
	p.iceComplete = false
	if p.iceCompleteTimer != nil {
		p.iceCompleteTimer.Stop()
		p.iceCompleteTimer = nil
	}
	p.conn.connected = false
	p.conn.engineReady = false
	p.mu.Unlock()

	p.logger.Info("restarting ICE")
	p.needsNegotiation()
	return true
}

// maybeReady resolves connectivity once both the transport and the channel
// report ready. Resolution runs once per establishment; after a transport
// recovery it runs again and surfaces a reconnect instead of a connect.
func (p *Peer) maybeReady() {
	p.mu.Lock()
	if p.destroyed || p.destroying || p.conn.connected || p.conn.connecting ||
		!p.conn.engineReady || !p.conn.channelReady {
		p.mu.Unlock()
		return
	}
	p.conn.connecting = true
	p.mu.Unlock()

	go p.resolveConnectivity()
}

// resolveConnectivity polls engine statistics for the nominated candidate
// pair to learn the resolved endpoints. Some engines surface the pair a
// moment after the transport reports connected, hence the bounded retry;
// if the pair never shows up the connection is reported anyway.
func (p *Peer) resolveConnectivity() {
	p.mu.Lock()
	eng := p.engine
	p.mu.Unlock()
	if eng == nil {
		return
	}

	var local, remote *Addr
	cfg := retry.FixedConfig(statsPollAttempts, statsPollDelay)
	err := retry.Retry(context.Background(), cfg, func() error {
		if !p.alive() {
			return retry.Permanent(errResolutionAborted)
		}
		l, r, ok := selectedCandidatePair(eng.GetStats())
		if !ok {
			return fmt.Errorf("no nominated candidate pair yet")
		}
		local, remote = l, r
		return nil
	})
	if !p.alive() {
		return
	}
	if err != nil {
		p.logger.Warn("connected without nominated candidate pair in stats")
	}

	p.mu.Lock()
	if p.destroyed || p.destroying {
		p.mu.Unlock()
		return
	}
	p.conn.connecting = false
	if !p.conn.engineReady || !p.conn.channelReady {
		// Transport flapped while we were polling; a later recovery will
		// resolve again.
		p.mu.Unlock()
		return
	}
	p.localAddr = local
	p.remoteAddr = remote
	p.conn.connected = true
	first := !p.conn.connectedOnce
	p.conn.connectedOnce = true

	var flush []byte
	if first {
		flush = p.writeBuf
		p.writeBuf = nil
	}
	finishing := p.finishing
	onConnect := p.handlers.onConnect
	onReconnect := p.handlers.onReconnect
	ch := p.channel
	p.mu.Unlock()

	if first {
		p.logger.Infow("peer connected",
			"local", addrString(local), "remote", addrString(remote))
		if flush != nil && ch != nil {
			if err := ch.Send(flush); err != nil {
				// Writers blocked on the connection must still be released.
				close(p.connectedCh)
				p.destroy(errors.WrapError(err, errors.ErrCodeDataChannel, "failed to flush buffered write"))
				return
			}
		}
		// Closed only after the buffered write flushed, so writes blocked on
		// the connection cannot overtake it.
		close(p.connectedCh)
		if onConnect != nil {
			onConnect()
		}
		if finishing {
			p.scheduleFinish()
		}
	} else {
		p.logger.Info("peer reconnected")
		if onReconnect != nil {
			onReconnect()
		}
	}
}

func addrString(a *Addr) string {
	if a == nil {
		return ""
	}
	return fmt.Sprintf("%s:%d", a.Address, a.Port)
}

// selectedCandidatePair extracts the local and remote endpoints of the
// nominated, succeeded candidate pair from a stats snapshot.
func selectedCandidatePair(report webrtc.StatsReport) (*Addr, *Addr, bool) {
	candidates := make(map[string]webrtc.ICECandidateStats)
	var pair *webrtc.ICECandidatePairStats
	for _, stats := range report {
		switch s := stats.(type) {
		case webrtc.ICECandidateStats:
			candidates[s.ID] = s
		case webrtc.ICECandidatePairStats:
			if s.Nominated && s.State == webrtc.StatsICECandidatePairStateSucceeded {
				selected := s
				pair = &selected
			}
		}
	}
	if pair == nil {
		return nil, nil, false
	}
	local, lok := candidates[pair.LocalCandidateID]
	remote, rok := candidates[pair.RemoteCandidateID]
	if !lok || !rok {
		return nil, nil, false
	}
	return candidateAddr(local), candidateAddr(remote), true
}

func candidateAddr(s webrtc.ICECandidateStats) *Addr {
	return &Addr{
		Address: s.IP,
		Port:    int(s.Port),
		Family:  "udp",
	}
}
