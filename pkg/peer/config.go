package peer

import (
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"peerwire/pkg/utils"
)

// RestartPolicy controls how the peer reacts to ICE transport failure.
type RestartPolicy int

const (
	// RestartDisabled treats ICE failure as fatal.
	RestartDisabled RestartPolicy = iota
	// RestartOnFailure triggers an ICE restart when the transport fails.
	RestartOnFailure
	// RestartOnDisconnect triggers an ICE restart already on disconnect.
	RestartOnDisconnect
)

func (p RestartPolicy) String() string {
	switch p {
	case RestartOnFailure:
		return "on-failure"
	case RestartOnDisconnect:
		return "on-disconnect"
	default:
		return "disabled"
	}
}

// ParseRestartPolicy maps a configuration string to a RestartPolicy.
// Unknown values map to RestartDisabled.
func ParseRestartPolicy(s string) RestartPolicy {
	switch s {
	case "on-failure":
		return RestartOnFailure
	case "on-disconnect":
		return RestartOnDisconnect
	default:
		return RestartDisabled
	}
}

const (
	// MaxBufferedAmount is the channel high-water mark: once the channel
	// buffers more than this, Send blocks until the buffer drains.
	MaxBufferedAmount uint64 = 64 * 1024

	// DefaultICECompleteTimeout bounds waiting for ICE candidate gathering
	// when trickling is disabled.
	DefaultICECompleteTimeout = 5 * time.Second

	// DefaultICERecoveryTimeout bounds how long a failed transport may try
	// to recover through an ICE restart before the peer is destroyed.
	DefaultICERecoveryTimeout = 10 * time.Second

	// finishGraceDelay leaves in-flight sends a moment to flush between the
	// writable side finishing and the connection being torn down.
	finishGraceDelay = 1 * time.Second

	// bufferedPollInterval is the fallback poll period for channels that do
	// not deliver buffered-amount-low notifications.
	bufferedPollInterval = 150 * time.Millisecond

	// statsPollDelay and statsPollAttempts bound the candidate-pair lookup
	// after both the engine and the channel report ready.
	statsPollDelay    = 100 * time.Millisecond
	statsPollAttempts = 30
)

// Config carries the per-peer construction parameters. The zero value plus
// Initiator is a usable responder/initiator configuration; defaults are
// applied by New.
type Config struct {
	// Initiator marks this side as the one creating offers. Exactly one of
	// the two peers of a connection must be the initiator.
	Initiator bool

	// ChannelName is the data channel label. Randomized when empty.
	ChannelName string

	// ChannelConfig is passed through to the engine when the initiator
	// creates the data channel.
	ChannelConfig *webrtc.DataChannelInit

	// EngineConfig configures the underlying connection engine.
	EngineConfig webrtc.Configuration

	// PortRangeMin/Max restrict the engine's ephemeral UDP ports when both
	// are set.
	PortRangeMin uint16
	PortRangeMax uint16

	OfferOptions  webrtc.OfferOptions
	AnswerOptions webrtc.AnswerOptions

	// SDPTransform is applied to every locally created description before
	// it is installed and signaled. Defaults to the identity function.
	SDPTransform func(string) string

	// Trickle controls whether ICE candidates are signaled individually.
	// When false the local description is held back until gathering
	// completes (or times out).
	Trickle bool

	// AllowHalfTrickle keeps trickle advertising in local descriptions even
	// when Trickle is false, so the remote side may still trickle.
	AllowHalfTrickle bool

	// ICERestartPolicy selects the reaction to transport failure.
	ICERestartPolicy RestartPolicy

	// ICECompleteTimeout bounds candidate gathering; zero means the default.
	ICECompleteTimeout time.Duration

	// ICERecoveryTimeout bounds restart recovery; zero means the default.
	ICERecoveryTimeout time.Duration

	// Engine overrides the connection engine, primarily for tests. When nil
	// a pion-backed engine is constructed from EngineConfig.
	Engine Engine

	// Logger receives diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger
}

func (c *Config) applyDefaults() {
	if c.ChannelName == "" {
		c.ChannelName = utils.GenerateChannelName()
	}
	if c.SDPTransform == nil {
		c.SDPTransform = func(s string) string { return s }
	}
	if c.ICECompleteTimeout <= 0 {
		c.ICECompleteTimeout = DefaultICECompleteTimeout
	}
	if c.ICERecoveryTimeout <= 0 {
		c.ICERecoveryTimeout = DefaultICERecoveryTimeout
	}
	if len(c.EngineConfig.ICEServers) == 0 {
		c.EngineConfig.ICEServers = []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302", "stun:global.stun.twilio.com:3478"}},
		}
	}
}
