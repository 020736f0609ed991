package webrtc

import (
	"github.com/pion/webrtc/v3"
)

// sideChannel adapts a pion DataChannel to ports.SideChannel.
type sideChannel struct {
	dc *webrtc.DataChannel
}

func (s *sideChannel) Label() string { return s.dc.Label() }

func (s *sideChannel) IsOpen() bool {
	return s.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (s *sideChannel) Send(data []byte) error {
	return s.dc.Send(data)
}

func (s *sideChannel) OnOpen(f func()) { s.dc.OnOpen(f) }

func (s *sideChannel) OnMessage(f func([]byte)) {
	s.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		f(msg.Data)
	})
}

func (s *sideChannel) OnClose(f func()) { s.dc.OnClose(f) }

func (s *sideChannel) Close() error { return s.dc.Close() }
