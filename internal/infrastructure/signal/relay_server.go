// Package signal implements the websocket relay that pairs two peers in a
// room and forwards their negotiation envelopes verbatim.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"peerwire/internal/core/domain"
	"peerwire/internal/core/ports"
	"peerwire/internal/infrastructure/distributed"
	"peerwire/internal/infrastructure/middleware"
	"peerwire/pkg/config"
	"peerwire/pkg/tracing"
	"peerwire/pkg/utils"
	"peerwire/pkg/validation"
)

// Envelope is the wire format between clients and the relay. The Payload of
// a "signal" envelope is opaque to the relay and forwarded byte for byte.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Room    domain.RoomID   `json:"room,omitempty"`
	PeerID  domain.PeerID   `json:"peer_id,omitempty"`
	Role    string          `json:"role,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Envelope types understood by the relay.
const (
	EnvelopeJoined     = "joined"
	EnvelopePeerJoined = "peer-joined"
	EnvelopePeerLeft   = "peer-left"
	EnvelopeSignal     = "signal"
	EnvelopeLeave      = "leave"
	EnvelopeError      = "error"
)

// MetricsRecorder receives relay events. Implemented by the prometheus
// collector; a nil recorder disables metrics.
type MetricsRecorder interface {
	RecordPeerConnected()
	RecordPeerDisconnected()
	RecordRoomCreated()
	RecordRoomClosed()
	RecordEnvelopeForwarded(envelopeType string)
	RecordEnvelopeDropped(reason string)
}

// relayConn is one websocket attached to a room member. Writes are
// serialized through writeMu so forwarded envelopes keep arrival order.
type relayConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	peerID  domain.PeerID
	roomID  domain.RoomID
	role    domain.Role
	limiter *middleware.MessageLimiter
}

// RelayServer accepts websocket connections, places each peer in a
// two-member room and relays signaling envelopes between the members.
type RelayServer struct {
	rooms  ports.RoomService
	tokens ports.TokenService

	mu      sync.RWMutex
	members map[domain.RoomID]map[domain.PeerID]*relayConn

	upgrader    websocket.Upgrader
	connLimiter func(r *http.Request) bool

	pingInterval time.Duration
	pongTimeout  time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	authEnabled bool
	metrics     MetricsRecorder
	events      *distributed.EventBus
	cfg         *config.Config
	logger      *zap.SugaredLogger
}

// SetEventBus enables cross-instance room event publishing. Must be
// called before the server accepts connections.
func (s *RelayServer) SetEventBus(events *distributed.EventBus) {
	s.events = events
}

// NewRelayServer wires the relay against the room service. tokens may be
// nil when authentication is disabled; metrics may be nil.
func NewRelayServer(rooms ports.RoomService, tokens ports.TokenService, cfg *config.Config, metrics MetricsRecorder, logger *zap.SugaredLogger) *RelayServer {
	s := &RelayServer{
		rooms:        rooms,
		tokens:       tokens,
		members:      make(map[domain.RoomID]map[domain.PeerID]*relayConn),
		connLimiter:  middleware.NewWSConnectionLimiter(cfg),
		pingInterval: cfg.Signal.PingInterval,
		pongTimeout:  cfg.Signal.PongTimeout,
		readTimeout:  cfg.Signal.ReadTimeout,
		writeTimeout: cfg.Signal.WriteTimeout,
		authEnabled:  cfg.Auth.Enabled,
		metrics:      metrics,
		cfg:          cfg,
		logger:       logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.Auth.AllowedOrigins),
	}
	return s
}

func originChecker(allowed []string) func(r *http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			return func(r *http.Request) bool { return true }
		}
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients do not send Origin.
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// HandleWebSocket upgrades the request and runs the connection until the
// peer leaves or the socket errors.
func (s *RelayServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.connLimiter != nil && !s.connLimiter(r) {
		http.Error(w, "connection rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	roomID := domain.RoomID(r.URL.Query().Get("room"))
	peerID := domain.PeerID(r.URL.Query().Get("peer_id"))

	if s.authEnabled {
		token := r.URL.Query().Get("token")
		authenticated, err := s.tokens.Verify(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		// The token is the source of truth for the peer identity.
		peerID = authenticated
	}

	if err := validation.ValidateRoomID(string(roomID)); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if peerID == "" {
		peerID = domain.PeerID(utils.GeneratePeerID())
	}
	if err := validation.ValidatePeerID(string(peerID)); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	room, role, err := s.rooms.Join(ctx, roomID, peerID)
	if err != nil {
		s.writeClosingError(conn, err)
		return
	}

	rc := &relayConn{
		conn:    conn,
		peerID:  peerID,
		roomID:  roomID,
		role:    role,
		limiter: middleware.NewMessageLimiter(s.cfg),
	}

	s.register(rc)
	if s.metrics != nil {
		s.metrics.RecordPeerConnected()
		if role == domain.RoleResponder {
			// First occupant means the room was just created.
			s.metrics.RecordRoomCreated()
		}
	}
	if s.events != nil {
		if role == domain.RoleResponder {
			s.events.PublishRoomCreated(roomID)
		}
		s.events.PublishPeerJoined(roomID, peerID)
	}

	s.logger.Infow("peer joined room",
		"room", roomID,
		"peer_id", peerID,
		"role", role,
		"occupancy", len(room.Members),
	)

	s.sendEnvelope(rc, &Envelope{
		Type:   EnvelopeJoined,
		ID:     utils.GenerateEnvelopeID(),
		Room:   roomID,
		PeerID: peerID,
		Role:   string(role),
	})
	s.notifyOther(rc, &Envelope{
		Type:   EnvelopePeerJoined,
		ID:     utils.GenerateEnvelopeID(),
		Room:   roomID,
		PeerID: peerID,
		Role:   string(role),
	})

	s.serve(rc)

	s.unregister(rc)
	s.notifyOther(rc, &Envelope{
		Type:   EnvelopePeerLeft,
		ID:     utils.GenerateEnvelopeID(),
		Room:   roomID,
		PeerID: peerID,
	})
	if _, err := s.rooms.Leave(context.Background(), roomID, peerID); err != nil {
		s.logger.Warnw("failed to leave room", "room", roomID, "peer_id", peerID, "error", err)
	}
	empty := s.roomEmpty(roomID)
	if s.metrics != nil {
		s.metrics.RecordPeerDisconnected()
		if empty {
			s.metrics.RecordRoomClosed()
		}
	}
	if s.events != nil {
		s.events.PublishPeerLeft(roomID, peerID)
		if empty {
			s.events.PublishRoomClosed(roomID)
		}
	}
	s.logger.Infow("peer left room", "room", roomID, "peer_id", peerID)
}

// serve runs the read loop and the ping ticker until the connection dies
// or the peer sends a leave envelope.
func (s *RelayServer) serve(rc *relayConn) {
	conn := rc.conn
	if max := rc.limiter.MaxMessageSize(); max > 0 {
		conn.SetReadLimit(max)
	}
	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	type inbound struct {
		data []byte
		err  error
	}
	messages := make(chan inbound, 10)
	// quit releases the reader when serve returns first (leave envelope,
	// ping failure); without it a flood behind a leave parks the goroutine
	// on a full channel forever.
	quit := make(chan struct{})
	defer close(quit)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				select {
				case messages <- inbound{err: err}:
				case <-quit:
				}
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.readTimeout))
			select {
			case messages <- inbound{data: data}:
			case <-quit:
				return
			}
		}
	}()

	for {
		select {
		case in := <-messages:
			if in.err != nil {
				if websocket.IsUnexpectedCloseError(in.err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Infow("read error", "peer_id", rc.peerID, "error", in.err)
				}
				return
			}
			if done := s.handleEnvelope(rc, in.data); done {
				return
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			rc.writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			rc.writeMu.Unlock()
			if err != nil {
				s.logger.Infow("ping failed", "peer_id", rc.peerID, "error", err)
				return
			}
		}
	}
}

// handleEnvelope processes one inbound message. Returns true when the
// connection should terminate.
func (s *RelayServer) handleEnvelope(rc *relayConn, data []byte) bool {
	if !rc.limiter.Allow(int64(len(data))) {
		if s.metrics != nil {
			s.metrics.RecordEnvelopeDropped("rate_limited")
		}
		s.sendEnvelope(rc, &Envelope{
			Type:  EnvelopeError,
			Error: "message rate limit exceeded",
		})
		return false
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if s.metrics != nil {
			s.metrics.RecordEnvelopeDropped("malformed")
		}
		s.sendEnvelope(rc, &Envelope{
			Type:  EnvelopeError,
			Error: "malformed envelope",
		})
		return false
	}

	switch env.Type {
	case EnvelopeSignal:
		s.forward(rc, &env)
		return false
	case EnvelopeLeave:
		return true
	default:
		if s.metrics != nil {
			s.metrics.RecordEnvelopeDropped("unknown_type")
		}
		s.sendEnvelope(rc, &Envelope{
			Type:  EnvelopeError,
			Error: fmt.Sprintf("unknown envelope type: %s", env.Type),
		})
		return false
	}
}

// forward relays a signal envelope to the other room member. Payload bytes
// pass through untouched; only the sender identity is stamped on.
func (s *RelayServer) forward(rc *relayConn, env *Envelope) {
	_, span := tracing.TraceEnvelope(context.Background(), env.Type, string(rc.peerID))
	defer span.End()

	other := s.otherMember(rc)
	if other == nil {
		if s.metrics != nil {
			s.metrics.RecordEnvelopeDropped("no_recipient")
		}
		s.sendEnvelope(rc, &Envelope{
			Type:  EnvelopeError,
			Error: "no other peer in room",
		})
		return
	}

	out := &Envelope{
		Type:    EnvelopeSignal,
		ID:      env.ID,
		Room:    rc.roomID,
		PeerID:  rc.peerID,
		Payload: env.Payload,
	}
	if out.ID == "" {
		out.ID = utils.GenerateEnvelopeID()
	}
	if err := s.sendEnvelope(other, out); err != nil {
		if s.metrics != nil {
			s.metrics.RecordEnvelopeDropped("send_failed")
		}
		return
	}
	if s.metrics != nil {
		s.metrics.RecordEnvelopeForwarded(env.Type)
	}
}

func (s *RelayServer) register(rc *relayConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers, ok := s.members[rc.roomID]
	if !ok {
		peers = make(map[domain.PeerID]*relayConn)
		s.members[rc.roomID] = peers
	}
	peers[rc.peerID] = rc
}

func (s *RelayServer) unregister(rc *relayConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers, ok := s.members[rc.roomID]
	if !ok {
		return
	}
	if peers[rc.peerID] == rc {
		delete(peers, rc.peerID)
	}
	if len(peers) == 0 {
		delete(s.members, rc.roomID)
	}
}

func (s *RelayServer) roomEmpty(roomID domain.RoomID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members[roomID]) == 0
}

// otherMember returns the second occupant of rc's room, nil when alone.
func (s *RelayServer) otherMember(rc *relayConn) *relayConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, peer := range s.members[rc.roomID] {
		if id != rc.peerID {
			return peer
		}
	}
	return nil
}

func (s *RelayServer) notifyOther(rc *relayConn, env *Envelope) {
	if other := s.otherMember(rc); other != nil {
		s.sendEnvelope(other, env)
	}
}

func (s *RelayServer) sendEnvelope(rc *relayConn, env *Envelope) error {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	rc.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := rc.conn.WriteJSON(env); err != nil {
		s.logger.Warnw("envelope write failed", "peer_id", rc.peerID, "error", err)
		return err
	}
	return nil
}

// writeClosingError reports a join failure on a connection that never
// made it into a room, then lets the deferred close tear it down.
func (s *RelayServer) writeClosingError(conn *websocket.Conn, err error) {
	conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	conn.WriteJSON(&Envelope{
		Type:  EnvelopeError,
		Error: err.Error(),
	})
}

// ConnectedPeers reports the number of attached websocket connections.
func (s *RelayServer) ConnectedPeers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, peers := range s.members {
		n += len(peers)
	}
	return n
}
