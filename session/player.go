package session

import (
	"fmt"

	"github.com/google/uuid"
)

// PeerConn is the data-channel handle a player or overrider is bound to.
// The WebRTC negotiation and transport plumbing behind it live in the rtc
// package (out of scope for the session core, per spec.md §1); this is the
// narrow capability surface the session layer actually depends on.
type PeerConn interface {
	OnMessage(fn func(message string))
	OnConnect(fn func())
	// OnDisconnect fires on a transient loss of the data channel (e.g. an
	// ICE restart in progress); the peer may still reopen.
	OnDisconnect(fn func())
	// OnClose fires once the peer connection is torn down for good.
	OnClose(fn func())
	Send(message string)
	Close()
}

// Player is one remote teleoperator, or an operator-side overrider shadowing
// a motor slot directly. number is -1 until a motor slot is assigned.
type Player struct {
	peer    PeerConn
	session *Session

	// ID disambiguates two players or overriders that otherwise share a
	// name or motor number, e.g. in per-channel log keys.
	ID          string
	Number      int
	Name        string
	Voted       bool
	isOverrider bool
}

// newPlayer constructs a player bound to peer's lifecycle callbacks and
// appends it to the session's waiting list. It is not yet assigned a motor.
func newPlayer(peer PeerConn, name string, s *Session) *Player {
	p := &Player{peer: peer, session: s, ID: uuid.NewString(), Number: -1, Name: name}

	peer.OnMessage(func(message string) { s.onPlayerMessage(p, message) })
	peer.OnConnect(func() { s.playerConnected(p) })
	peer.OnDisconnect(func() { s.playerDisconnected(p) })
	peer.OnClose(func() { s.playerLeft(p) })

	return p
}

// newOverrider constructs an overrider bound directly to a chosen motor
// number, bypassing the free-number heap entirely.
func newOverrider(peer PeerConn, number int, s *Session) *Player {
	p := &Player{peer: peer, session: s, ID: uuid.NewString(), Number: -1, Name: "Overrider", isOverrider: true}

	peer.OnMessage(func(message string) { s.onOverriderMessage(p, message) })
	peer.OnConnect(func() { s.overriderConnected(p) })
	peer.OnDisconnect(func() { s.overriderDisconnected(p) })
	peer.OnClose(func() { s.overriderDisconnected(p) })

	p.assignNumber(number)
	return p
}

// assignNumber primes the player's UI with its motor number ahead of the
// human-readable acknowledgement, then sends the acknowledgement itself.
func (p *Player) assignNumber(number int) {
	p.peer.Send(fmt.Sprintf("sys.number %d", number))
	p.Number = number
	p.sendMessage(fmt.Sprintf("ID %d", p.Number))
}

func (p *Player) sendMessage(message string) {
	p.peer.Send(message)
}

// playerView mirrors EDMOPlayer.dict(): the subset of player state broadcast in
// the player roster.
type playerView struct {
	Number int    `json:"number"`
	Name   string `json:"name"`
	Voted  bool   `json:"voted"`
}

func (p *Player) view() playerView {
	return playerView{Number: p.Number, Name: p.Name, Voted: p.Voted}
}
