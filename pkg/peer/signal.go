package peer

import (
	"encoding/json"

	"github.com/pion/webrtc/v3"
)

// Signal is one signaling payload exchanged between two peers through an
// application-provided transport. Exactly one of the four shapes is set:
// a session description (SDP+Type), an ICE candidate, a renegotiation
// request, or a transceiver request.
type Signal struct {
	Type               string                   `json:"type,omitempty"`
	SDP                string                   `json:"sdp,omitempty"`
	Candidate          *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Renegotiate        bool                     `json:"renegotiate,omitempty"`
	TransceiverRequest *TransceiverRequest      `json:"transceiverRequest,omitempty"`
}

// TransceiverRequest asks the initiator to add a transceiver on behalf of
// the responder (only the initiator mutates the session).
type TransceiverRequest struct {
	Kind string                     `json:"kind"`
	Init *webrtc.RTPTransceiverInit `json:"init,omitempty"`
}

// IsDescription reports whether the signal carries a session description.
func (s Signal) IsDescription() bool {
	return s.SDP != ""
}

// IsCandidate reports whether the signal carries an ICE candidate.
func (s Signal) IsCandidate() bool {
	return s.Candidate != nil
}

// IsEmpty reports whether the signal matches none of the known shapes.
func (s Signal) IsEmpty() bool {
	return s.SDP == "" && s.Candidate == nil && !s.Renegotiate && s.TransceiverRequest == nil
}

// ParseSignal decodes a signaling payload from its JSON wire form.
func ParseSignal(data []byte) (Signal, error) {
	var s Signal
	if err := json.Unmarshal(data, &s); err != nil {
		return Signal{}, err
	}
	return s, nil
}

// Encode serializes the signal to its JSON wire form.
func (s Signal) Encode() ([]byte, error) {
	return json.Marshal(s)
}
