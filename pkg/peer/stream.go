package peer

import (
	"io"
	"time"

	"github.com/pion/webrtc/v3"

	"peerwire/pkg/errors"
)

// setupChannel attaches the data channel to the peer and registers its
// event handlers. Called once per peer, from construction on the initiator
// side or from the engine's channel callback on the responder side.
func (p *Peer) setupChannel(ch Channel) {
	p.mu.Lock()
	if p.destroyed || p.destroying {
		p.mu.Unlock()
		ch.Close()
		return
	}
	p.channel = ch
	p.mu.Unlock()

	ch.SetBufferedAmountLowThreshold(MaxBufferedAmount / 2)
	ch.OnBufferedAmountLow(func() {
		select {
		case p.sendReady <- struct{}{}:
		default:
		}
	})

	ch.OnOpen(func() {
		p.mu.Lock()
		if p.destroyed || p.destroying {
			p.mu.Unlock()
			return
		}
		p.conn.channelReady = true
		p.mu.Unlock()
		p.logger.Debugw("data channel open", "label", ch.Label())
		p.maybeReady()
	})

	ch.OnMessage(func(msg webrtc.DataChannelMessage) {
		p.deliver(msg.Data)
	})

	ch.OnClose(func() {
		p.logger.Debug("data channel closed")
		p.destroy(nil)
	})

	ch.OnError(func(err error) {
		p.destroy(errors.WrapError(err, errors.ErrCodeDataChannel, "data channel error"))
	})
}

// deliver routes an inbound message either to the data handler or, when no
// handler is registered, to the read queue for Read.
func (p *Peer) deliver(data []byte) {
	p.mu.Lock()
	if p.destroyed || p.destroying {
		p.mu.Unlock()
		return
	}
	h := p.handlers.onData
	if h == nil {
		p.readQueue = append(p.readQueue, data)
		p.wakeReaderLocked()
	}
	p.mu.Unlock()

	if h != nil {
		h(data)
	}
}

func (p *Peer) wakeReaderLocked() {
	select {
	case p.readWake <- struct{}{}:
	default:
	}
}

// Send writes one message to the remote peer. Before the connection is
// established the first message is buffered and flushed on connect; a
// second pre-connect Send blocks until the connection comes up. Once
// connected, Send applies backpressure: it blocks while the channel has
// buffered more than MaxBufferedAmount.
func (p *Peer) Send(data []byte) error {
	p.mu.Lock()
	if p.destroyed || p.destroying {
		p.mu.Unlock()
		return errors.NewDestroyedError("send")
	}
	if p.finishing {
		p.mu.Unlock()
		return errors.NewAppError(errors.ErrCodeDataChannel, "cannot send after the writable side finished")
	}
	if !p.conn.connectedOnce {
		if p.writeBuf == nil {
			buf := make([]byte, len(data))
			copy(buf, data)
			p.writeBuf = buf
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()
		select {
		case <-p.connectedCh:
		case <-p.done:
			return errors.NewDestroyedError("send")
		}
		p.mu.Lock()
	}
	ch := p.channel
	p.mu.Unlock()

	if ch == nil {
		return errors.NewDestroyedError("send")
	}
	if err := p.waitForDrain(ch); err != nil {
		return err
	}
	if err := ch.Send(data); err != nil {
		appErr := errors.WrapError(err, errors.ErrCodeDataChannel, "failed to send message")
		p.destroy(appErr)
		return appErr
	}
	return nil
}

// SendText writes one UTF-8 text message, with the same buffering and
// backpressure behavior as Send.
func (p *Peer) SendText(text string) error {
	return p.Send([]byte(text))
}

// waitForDrain blocks while the channel buffer sits above the high-water
// mark. The buffered-amount-low callback is the fast path; the ticker is
// the fallback for channels that never fire it.
func (p *Peer) waitForDrain(ch Channel) error {
	if ch.BufferedAmount() <= MaxBufferedAmount {
		return nil
	}
	ticker := time.NewTicker(bufferedPollInterval)
	defer ticker.Stop()
	for ch.BufferedAmount() > MaxBufferedAmount {
		select {
		case <-p.sendReady:
		case <-ticker.C:
		case <-p.done:
			return errors.NewDestroyedError("send")
		}
	}
	return nil
}

// Read copies received bytes into b, blocking until data arrives or the
// peer is destroyed. Message boundaries are not preserved across calls: a
// message larger than b is consumed across successive reads. Read and the
// data handler are alternatives; registering a data handler bypasses the
// read queue.
func (p *Peer) Read(b []byte) (int, error) {
	for {
		p.mu.Lock()
		if len(p.readBuf) == 0 && len(p.readQueue) > 0 {
			p.readBuf = p.readQueue[0]
			p.readQueue = p.readQueue[1:]
		}
		if len(p.readBuf) > 0 {
			n := copy(b, p.readBuf)
			p.readBuf = p.readBuf[n:]
			p.mu.Unlock()
			return n, nil
		}
		destroyed := p.destroyed
		p.mu.Unlock()

		if destroyed {
			return 0, io.EOF
		}
		select {
		case <-p.readWake:
		case <-p.done:
		}
	}
}

// Write implements io.Writer over Send.
func (p *Peer) Write(b []byte) (int, error) {
	if err := p.Send(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// CloseWrite finishes the writable side: no further sends are accepted and,
// once the connection is (or becomes) established, the peer is torn down
// after a short grace period that lets in-flight messages flush.
func (p *Peer) CloseWrite() error {
	p.mu.Lock()
	if p.destroyed || p.destroying {
		p.mu.Unlock()
		return errors.NewDestroyedError("close write")
	}
	if p.finishing {
		p.mu.Unlock()
		return nil
	}
	p.finishing = true
	connected := p.conn.connectedOnce
	p.mu.Unlock()

	p.logger.Debug("writable side finished")
	if connected {
		p.scheduleFinish()
	}
	// Not yet connected: resolveConnectivity schedules the teardown when
	// the connection comes up, so buffered writes still flush first.
	return nil
}

func (p *Peer) scheduleFinish() {
	time.AfterFunc(finishGraceDelay, func() {
		p.destroy(nil)
	})
}
