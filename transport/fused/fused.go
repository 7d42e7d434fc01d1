// Package fused merges the serial and UDP transports into one
// per-robot-identifier channel: it picks a preferred write path (serial over
// UDP) and exposes a single connect/disconnect/message event surface to the
// session layer, hiding which underlying transport(s) are actually present.
package fused

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/TeamEDMO/Server/codec"
	serialtransport "github.com/TeamEDMO/Server/transport/serial"
	"github.com/TeamEDMO/Server/transport/udpnet"
)

// Channel is the fused per-identifier transport: it holds at most one bound
// serial endpoint and one bound UDP peer for a given robot identifier.
type Channel struct {
	Identifier string

	mu     sync.Mutex
	serial *serialtransport.Endpoint
	udp    *udpnet.Peer

	onMessage func(codec.Command)
	// onConnectionEstablished fires every time hasConnection flips on, and
	// once more immediately when installed, so the session layer can
	// realign the robot clock on both first connect and reconnect.
	onConnectionEstablished func()
}

// HasConnection reports whether at least one underlying transport is bound.
func (c *Channel) HasConnection() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serial != nil || c.udp != nil
}

// Write prefers the serial endpoint when present, falling back to UDP, and
// drops the write entirely if neither transport is bound.
func (c *Channel) Write(data []byte) {
	c.mu.Lock()
	serialEp, udpPeer := c.serial, c.udp
	c.mu.Unlock()

	if serialEp != nil {
		serialEp.Write(data)
		return
	}
	if udpPeer != nil {
		udpPeer.Write(data)
	}
}

// SetOnMessage installs the single receiver for inbound telemetry,
// regardless of which transport it arrived on.
func (c *Channel) SetOnMessage(fn func(codec.Command)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// SetOnConnectionEstablished installs the reconnect hook and fires it once
// immediately, matching the session core's construction-time behavior.
func (c *Channel) SetOnConnectionEstablished(fn func()) {
	c.mu.Lock()
	c.onConnectionEstablished = fn
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// ClearOnConnectionEstablished detaches the reconnect hook, used when a
// session tears itself down so a later transport flap can't resurrect it.
func (c *Channel) ClearOnConnectionEstablished() {
	c.mu.Lock()
	c.onConnectionEstablished = nil
	c.mu.Unlock()
}

func (c *Channel) messageReceived(cmd codec.Command) {
	c.mu.Lock()
	onMessage := c.onMessage
	c.mu.Unlock()
	if onMessage != nil {
		onMessage(cmd)
	}
}

func (c *Channel) fireReconnect() {
	c.mu.Lock()
	fn := c.onConnectionEstablished
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Manager owns the identifier->Channel map and subscribes to both
// underlying transports.
type Manager struct {
	Serial *serialtransport.Manager
	UDP    *udpnet.Manager

	mu       sync.Mutex
	channels map[string]*Channel

	onEdmoConnected    []func(*Channel)
	onEdmoDisconnected []func(*Channel)

	logger zerolog.Logger
}

// New wires callbacks from both managers into a shared identifier->Channel
// map. Callers still need to call serialMgr/udpMgr's own setup (e.g.
// starting udpMgr.Listen in a goroutine).
func New(serialMgr *serialtransport.Manager, udpMgr *udpnet.Manager) *Manager {
	m := &Manager{
		Serial:   serialMgr,
		UDP:      udpMgr,
		channels: make(map[string]*Channel),
		logger:   log.With().Str("component", "transport.fused").Logger(),
	}

	serialMgr.OnConnect(m.onSerialConnect)
	serialMgr.OnDisconnect(m.onSerialDisconnect)
	udpMgr.OnConnect(m.onUDPConnect)
	udpMgr.OnDisconnect(m.onUDPDisconnect)

	return m
}

// OnEdmoConnected registers a callback fired each time an identifier's
// channel transitions from no-connection to has-connection.
func (m *Manager) OnEdmoConnected(fn func(*Channel)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEdmoConnected = append(m.onEdmoConnected, fn)
}

// OnEdmoDisconnected registers a callback fired when a channel drops its
// last remaining underlying transport.
func (m *Manager) OnEdmoDisconnected(fn func(*Channel)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEdmoDisconnected = append(m.onEdmoDisconnected, fn)
}

func (m *Manager) channelFor(identifier string) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[identifier]
	if !ok {
		ch = &Channel{Identifier: identifier}
		m.channels[identifier] = ch
	}
	return ch
}

// ChannelFor returns the existing channel for an identifier, if any, without
// creating one. Used by the backend to look up already-connected robots.
func (m *Manager) ChannelFor(identifier string) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[identifier]
	return ch, ok
}

// ConnectedIdentifiers returns the identifiers of every channel currently
// bound to at least one underlying transport.
func (m *Manager) ConnectedIdentifiers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.channels))
	for id, ch := range m.channels {
		if ch.HasConnection() {
			ids = append(ids, id)
		}
	}
	return ids
}

func (m *Manager) onSerialConnect(ep *serialtransport.Endpoint) {
	ch := m.channelFor(ep.Identifier())
	wasConnected := ch.HasConnection()

	ch.mu.Lock()
	ch.serial = ep
	ch.mu.Unlock()
	ep.SetOnMessage(ch.messageReceived)

	if !wasConnected {
		ch.fireReconnect()
		m.fireConnected(ch)
	}
}

func (m *Manager) onSerialDisconnect(ep *serialtransport.Endpoint) {
	ch := m.channelFor(ep.Identifier())

	ch.mu.Lock()
	if ch.serial == ep {
		ch.serial = nil
	}
	ch.mu.Unlock()

	if !ch.HasConnection() {
		m.fireDisconnected(ch)
	}
}

func (m *Manager) onUDPConnect(p *udpnet.Peer) {
	ch := m.channelFor(p.Identifier)
	wasConnected := ch.HasConnection()

	ch.mu.Lock()
	ch.udp = p
	ch.mu.Unlock()
	p.SetOnMessage(ch.messageReceived)

	if !wasConnected {
		ch.fireReconnect()
		m.fireConnected(ch)
	}
}

func (m *Manager) onUDPDisconnect(p *udpnet.Peer) {
	ch := m.channelFor(p.Identifier)

	ch.mu.Lock()
	if ch.udp == p {
		ch.udp = nil
	}
	ch.mu.Unlock()

	if !ch.HasConnection() {
		m.fireDisconnected(ch)
	}
}

func (m *Manager) fireConnected(ch *Channel) {
	m.mu.Lock()
	callbacks := append([]func(*Channel){}, m.onEdmoConnected...)
	m.mu.Unlock()
	for _, cb := range callbacks {
		cb(ch)
	}
}

func (m *Manager) fireDisconnected(ch *Channel) {
	m.mu.Lock()
	callbacks := append([]func(*Channel){}, m.onEdmoDisconnected...)
	m.mu.Unlock()
	for _, cb := range callbacks {
		cb(ch)
	}
}

// Update drives both underlying transports' discovery/enumeration passes
// concurrently and waits for both, per spec.md §5's tick ordering.
func (m *Manager) Update() {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := m.Serial.Update(); err != nil {
			m.logger.Debug().Err(err).Msg("serial update failed")
		}
	}()
	go func() {
		defer wg.Done()
		if err := m.UDP.Update(); err != nil {
			m.logger.Debug().Err(err).Msg("udp update failed")
		}
	}()

	wg.Wait()
}

// Close tears down both underlying transports. Every channel observes its
// transports vanish implicitly, without a separate disconnect broadcast.
func (m *Manager) Close() {
	m.Serial.Close()
	m.UDP.Close()
}
