// The pipe binary bridges stdin/stdout to a remote peer: it joins a relay
// room, negotiates a connection with whoever shares the room, and then
// pipes bytes both ways. Two invocations with the same room form a duplex
// pipe across the network.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"peerwire/internal/infrastructure/signal"
	"peerwire/pkg/logger"
	"peerwire/pkg/peer"
	"peerwire/pkg/validation"
)

func main() {
	var (
		relayURL = flag.String("relay", "ws://localhost:8081/ws", "relay websocket endpoint")
		room     = flag.String("room", "", "room to join (required)")
		peerID   = flag.String("peer", "", "peer ID (generated when empty)")
		token    = flag.String("token", "", "auth token when the relay requires one")
		channel  = flag.String("channel", "", "data channel label (randomized when empty)")
		trickle  = flag.Bool("trickle", true, "signal ICE candidates individually")
		verbose  = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	if *room == "" {
		fmt.Fprintln(os.Stderr, "-room is required")
		os.Exit(2)
	}
	if err := validation.ValidateRelayURL(*relayURL); err != nil {
		fmt.Fprintf(os.Stderr, "invalid -relay: %v\n", err)
		os.Exit(2)
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	zapLogger := logger.New(level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err := run(*relayURL, *room, *peerID, *token, *channel, *trickle, zapLogger, log); err != nil {
		log.Errorw("pipe failed", "error", err)
		os.Exit(1)
	}
}

func run(relayURL, room, peerID, token, channel string, trickle bool, zapLogger *zap.Logger, log *zap.SugaredLogger) error {
	url := fmt.Sprintf("%s?room=%s", relayURL, room)
	if peerID != "" {
		url += "&peer_id=" + peerID
	}
	if token != "" {
		url += "&token=" + token
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial relay: %w", err)
	}
	defer conn.Close()

	var joined signal.Envelope
	if err := conn.ReadJSON(&joined); err != nil {
		return fmt.Errorf("failed to read join confirmation: %w", err)
	}
	if joined.Type == signal.EnvelopeError {
		return fmt.Errorf("relay rejected join: %s", joined.Error)
	}
	if joined.Type != signal.EnvelopeJoined {
		return fmt.Errorf("unexpected first envelope: %s", joined.Type)
	}
	log.Infow("joined room", "room", room, "peer_id", joined.PeerID, "role", joined.Role)

	p, err := peer.New(peer.Config{
		Initiator:   joined.Role == "initiator",
		ChannelName: channel,
		Trickle:     trickle,
		Logger:      zapLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to create peer: %w", err)
	}
	defer p.Close()

	var writeMu sync.Mutex
	p.OnSignal(func(sig peer.Signal) {
		payload, err := sig.Encode()
		if err != nil {
			log.Errorw("failed to encode signal", "error", err)
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		err = conn.WriteJSON(&signal.Envelope{
			Type:    signal.EnvelopeSignal,
			Payload: json.RawMessage(payload),
		})
		if err != nil {
			log.Errorw("failed to send signal", "error", err)
		}
	})
	p.OnConnect(func() {
		log.Infow("peer connected")
	})
	p.OnError(func(err error) {
		log.Errorw("peer error", "error", err)
	})

	// Relay envelopes feed the peer until the socket or the peer dies.
	go func() {
		for {
			var env signal.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				log.Debugw("relay connection closed", "error", err)
				return
			}
			switch env.Type {
			case signal.EnvelopeSignal:
				sig, err := peer.ParseSignal(env.Payload)
				if err != nil {
					log.Warnw("malformed signal from remote", "error", err)
					continue
				}
				if err := p.Signal(sig); err != nil {
					log.Errorw("failed to apply signal", "error", err)
					return
				}
			case signal.EnvelopePeerJoined:
				log.Infow("remote peer joined", "peer_id", env.PeerID)
			case signal.EnvelopePeerLeft:
				log.Infow("remote peer left", "peer_id", env.PeerID)
			case signal.EnvelopeError:
				log.Warnw("relay error", "error", env.Error)
			}
		}
	}()

	// stdin -> peer; finish the writable side when stdin ends.
	go func() {
		if _, err := io.Copy(p, os.Stdin); err != nil {
			log.Debugw("stdin copy ended", "error", err)
		}
		if err := p.CloseWrite(); err != nil {
			log.Debugw("close write", "error", err)
		}
	}()

	// peer -> stdout until the remote side finishes.
	if _, err := io.Copy(os.Stdout, p); err != nil {
		return fmt.Errorf("read from peer: %w", err)
	}

	<-p.Done()
	return nil
}
