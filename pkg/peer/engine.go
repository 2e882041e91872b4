package peer

import (
	"github.com/pion/webrtc/v3"
)

// Engine is the slice of the connection engine the orchestration core needs.
// The default implementation wraps a pion PeerConnection; tests substitute
// fakes. The core never inspects descriptions beyond the configured SDP
// transform and the trickle-line filter.
type Engine interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	CreateDataChannel(label string, init *webrtc.DataChannelInit) (Channel, error)

	AddTrack(track webrtc.TrackLocal) (Sender, error)
	RemoveTrack(sender Sender) error
	AddTransceiver(kind webrtc.RTPCodecType, init *webrtc.RTPTransceiverInit) error

	SignalingState() webrtc.SignalingState
	ICEConnectionState() webrtc.ICEConnectionState
	ICEGatheringState() webrtc.ICEGatheringState
	GetStats() webrtc.StatsReport

	OnICECandidate(f func(*webrtc.ICECandidate))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	OnICEGatheringStateChange(f func(webrtc.ICEGathererState))
	OnSignalingStateChange(f func(webrtc.SignalingState))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnDataChannel(f func(Channel))

	Close() error
}

// ICERestarter is implemented by engines with a dedicated restart primitive.
// Engines without it are restarted through an ICERestart offer instead.
type ICERestarter interface {
	RestartICE() error
}

// Channel is the message transport carried by the engine.
type Channel interface {
	Label() string
	Send(data []byte) error
	SendText(text string) error
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(threshold uint64)
	OnBufferedAmountLow(f func())
	OnOpen(f func())
	OnClose(f func())
	OnError(f func(error))
	OnMessage(f func(msg webrtc.DataChannelMessage))
	Close() error
}

// Sender is an outbound media binding created by AddTrack.
type Sender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}
