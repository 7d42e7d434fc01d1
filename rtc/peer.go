// Package rtc adapts a pion WebRTC data channel into a session.PeerConn, and
// runs the single-shot websocket handshake that negotiates it.
package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Peer wraps one pion PeerConnection/DataChannel pair to satisfy
// session.PeerConn. The data channel carries text commands, each message
// handed on whole as one command; binary frames are not part of this
// protocol and are dropped.
type Peer struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	mu           sync.Mutex
	onMessage    func(string)
	onConnect    func()
	onDisconnect func()
	onClose      func()

	closeOnce sync.Once
}

// NewPeer wires pion's lifecycle callbacks into the PeerConn surface. The
// caller must have already negotiated pc down to a stable connection with
// exactly one data channel, dc.
func NewPeer(pc *webrtc.PeerConnection, dc *webrtc.DataChannel) *Peer {
	p := &Peer{pc: pc, dc: dc}

	dc.OnOpen(func() {
		p.mu.Lock()
		fn := p.onConnect
		p.mu.Unlock()
		if fn != nil {
			fn()
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			return
		}
		p.mu.Lock()
		fn := p.onMessage
		p.mu.Unlock()
		if fn != nil {
			fn(string(msg.Data))
		}
	})

	// PeerConnectionStateDisconnected is reversible (ICE may recover);
	// Failed and Closed are not, so only those drive the final teardown.
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateDisconnected:
			p.fire(&p.onDisconnect)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			p.fire(&p.onClose)
		}
	})

	return p
}

func (p *Peer) OnMessage(fn func(string)) { p.mu.Lock(); p.onMessage = fn; p.mu.Unlock() }
func (p *Peer) OnConnect(fn func())       { p.mu.Lock(); p.onConnect = fn; p.mu.Unlock() }
func (p *Peer) OnDisconnect(fn func())    { p.mu.Lock(); p.onDisconnect = fn; p.mu.Unlock() }
func (p *Peer) OnClose(fn func())         { p.mu.Lock(); p.onClose = fn; p.mu.Unlock() }

// Send writes a text frame. A failed send (e.g. channel already torn down)
// triggers Close rather than propagating, matching the "device write after
// close: drop silently" policy applied symmetrically to the player side.
func (p *Peer) Send(message string) {
	if err := p.dc.SendText(message); err != nil {
		log.Debug().Err(err).Msg("rtc: send on broken data channel")
		p.Close()
	}
}

func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		_ = p.pc.Close()
	})
}

func (p *Peer) fire(slot *func()) {
	p.mu.Lock()
	fn := *slot
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}
