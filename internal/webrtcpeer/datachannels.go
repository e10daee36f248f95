package webrtcpeer

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// DataChannelLabel is the label of the single application data channel the
// host creates and the guest accepts.
const DataChannelLabel = "game"

// DataChannel is one application data channel. Callbacks may run on pion
// goroutines and must not block.
type DataChannel interface {
	Label() string
	SendText(s string) error
	OnOpen(f func())
	OnClose(f func())
	OnMessage(f func(data []byte))
	Close() error
}

func validateGameDataChannel(dc *webrtc.DataChannel) error {
	if dc.Label() != DataChannelLabel {
		return fmt.Errorf("expected label=%q (got %q)", DataChannelLabel, dc.Label())
	}
	// Application messages are JSON documents; they must arrive whole and in
	// order.
	if !dc.Ordered() {
		return fmt.Errorf("%s datachannel must be ordered (ordered=false)", DataChannelLabel)
	}
	if dc.MaxPacketLifeTime() != nil {
		return fmt.Errorf("%s datachannel must be fully reliable (maxPacketLifeTime must be unset)", DataChannelLabel)
	}
	if dc.MaxRetransmits() != nil {
		return fmt.Errorf("%s datachannel must be fully reliable (maxRetransmits must be unset)", DataChannelLabel)
	}
	return nil
}

type pionDataChannel struct {
	dc *webrtc.DataChannel
}

func (d *pionDataChannel) Label() string           { return d.dc.Label() }
func (d *pionDataChannel) SendText(s string) error { return d.dc.SendText(s) }
func (d *pionDataChannel) OnOpen(f func())         { d.dc.OnOpen(f) }
func (d *pionDataChannel) OnClose(f func())        { d.dc.OnClose(f) }
func (d *pionDataChannel) Close() error            { return d.dc.Close() }

func (d *pionDataChannel) OnMessage(f func(data []byte)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		f(msg.Data)
	})
}
