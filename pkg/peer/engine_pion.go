package peer

import (
	"fmt"

	"github.com/pion/webrtc/v3"
)

// pionEngine adapts a pion PeerConnection to the Engine interface.
type pionEngine struct {
	pc *webrtc.PeerConnection
}

func newPionEngine(cfg Config) (*pionEngine, error) {
	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRangeMin > 0 && cfg.PortRangeMax > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRangeMin, cfg.PortRangeMax); err != nil {
			return nil, err
		}
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	pc, err := api.NewPeerConnection(cfg.EngineConfig)
	if err != nil {
		return nil, err
	}
	return &pionEngine{pc: pc}, nil
}

func (e *pionEngine) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return e.pc.CreateOffer(options)
}

func (e *pionEngine) CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return e.pc.CreateAnswer(options)
}

func (e *pionEngine) SetLocalDescription(desc webrtc.SessionDescription) error {
	return e.pc.SetLocalDescription(desc)
}

func (e *pionEngine) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return e.pc.SetRemoteDescription(desc)
}

func (e *pionEngine) LocalDescription() *webrtc.SessionDescription {
	return e.pc.LocalDescription()
}

func (e *pionEngine) RemoteDescription() *webrtc.SessionDescription {
	return e.pc.RemoteDescription()
}

func (e *pionEngine) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return e.pc.AddICECandidate(candidate)
}

func (e *pionEngine) CreateDataChannel(label string, init *webrtc.DataChannelInit) (Channel, error) {
	dc, err := e.pc.CreateDataChannel(label, init)
	if err != nil {
		return nil, err
	}
	return &pionChannel{dc: dc}, nil
}

func (e *pionEngine) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	sender, err := e.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	return sender, nil
}

func (e *pionEngine) RemoveTrack(sender Sender) error {
	rtpSender, ok := sender.(*webrtc.RTPSender)
	if !ok {
		return fmt.Errorf("sender was not created by this engine")
	}
	return e.pc.RemoveTrack(rtpSender)
}

func (e *pionEngine) AddTransceiver(kind webrtc.RTPCodecType, init *webrtc.RTPTransceiverInit) error {
	var err error
	if init != nil {
		_, err = e.pc.AddTransceiverFromKind(kind, *init)
	} else {
		_, err = e.pc.AddTransceiverFromKind(kind)
	}
	return err
}

func (e *pionEngine) SignalingState() webrtc.SignalingState {
	return e.pc.SignalingState()
}

func (e *pionEngine) ICEConnectionState() webrtc.ICEConnectionState {
	return e.pc.ICEConnectionState()
}

func (e *pionEngine) ICEGatheringState() webrtc.ICEGatheringState {
	return e.pc.ICEGatheringState()
}

func (e *pionEngine) GetStats() webrtc.StatsReport {
	return e.pc.GetStats()
}

func (e *pionEngine) OnICECandidate(f func(*webrtc.ICECandidate)) {
	e.pc.OnICECandidate(f)
}

func (e *pionEngine) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	e.pc.OnICEConnectionStateChange(f)
}

func (e *pionEngine) OnICEGatheringStateChange(f func(webrtc.ICEGathererState)) {
	e.pc.OnICEGatheringStateChange(f)
}

func (e *pionEngine) OnSignalingStateChange(f func(webrtc.SignalingState)) {
	e.pc.OnSignalingStateChange(f)
}

func (e *pionEngine) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	e.pc.OnTrack(f)
}

func (e *pionEngine) OnDataChannel(f func(Channel)) {
	e.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		f(&pionChannel{dc: dc})
	})
}

func (e *pionEngine) Close() error {
	return e.pc.Close()
}

// pionChannel adapts a pion DataChannel to the Channel interface.
type pionChannel struct {
	dc *webrtc.DataChannel
}

func (c *pionChannel) Label() string { return c.dc.Label() }

func (c *pionChannel) Send(data []byte) error { return c.dc.Send(data) }

func (c *pionChannel) SendText(text string) error { return c.dc.SendText(text) }

func (c *pionChannel) BufferedAmount() uint64 { return c.dc.BufferedAmount() }

func (c *pionChannel) SetBufferedAmountLowThreshold(threshold uint64) {
	c.dc.SetBufferedAmountLowThreshold(threshold)
}

func (c *pionChannel) OnBufferedAmountLow(f func()) { c.dc.OnBufferedAmountLow(f) }

func (c *pionChannel) OnOpen(f func()) { c.dc.OnOpen(f) }

func (c *pionChannel) OnClose(f func()) { c.dc.OnClose(f) }

func (c *pionChannel) OnError(f func(error)) { c.dc.OnError(f) }

func (c *pionChannel) OnMessage(f func(msg webrtc.DataChannelMessage)) {
	c.dc.OnMessage(f)
}

func (c *pionChannel) Close() error { return c.dc.Close() }
