// Package udpnet is the single broadcast-discovery UDP endpoint: it probes
// for EDMO robots on the local network, tracks responding peers by source
// address, and reaps peers that go quiet.
package udpnet

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/TeamEDMO/Server/codec"
)

const (
	listenAddr     = "0.0.0.0:2122"
	broadcastAddr  = "255.255.255.255:2121"
	staleThreshold = 5 * time.Second
)

// Peer is one EDMO robot reachable over the broadcast network.
type Peer struct {
	mu         sync.Mutex
	Identifier string
	addr       *net.UDPAddr
	conn       *net.UDPConn
	lastSeen   time.Time
	framer     codec.Framer

	onMessage func(codec.Command)
}

// Addr is the peer's source address, stable for the life of the connection.
func (p *Peer) Addr() *net.UDPAddr { return p.addr }

// SetOnMessage installs the receiver for inbound application messages.
func (p *Peer) SetOnMessage(fn func(codec.Command)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onMessage = fn
}

func (p *Peer) touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

func (p *Peer) isStale() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastSeen) > staleThreshold
}

// Manager is the bound UDP socket shared by every discovered peer.
type Manager struct {
	conn *net.UDPConn

	mu    sync.Mutex
	peers map[string]*Peer

	onConnect    []func(*Peer)
	onDisconnect []func(*Peer)

	logger zerolog.Logger
}

// NewManager binds the shared socket. Binding failure here is fatal at
// startup per spec.md §7 — callers should abort rather than retry.
func NewManager() (*Manager, error) {
	addr, err := net.ResolveUDPAddr("udp4", listenAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, err
	}
	if err := conn.SetReadBuffer(1 << 20); err != nil {
		log.Debug().Err(err).Msg("udp: SetReadBuffer failed")
	}

	return &Manager{
		conn:   conn,
		peers:  make(map[string]*Peer),
		logger: log.With().Str("component", "transport.udp").Logger(),
	}, nil
}

// OnConnect registers a callback fired once a peer identifies itself.
func (m *Manager) OnConnect(fn func(*Peer)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnect = append(m.onConnect, fn)
}

// OnDisconnect registers a callback fired when a peer is reaped as stale.
func (m *Manager) OnDisconnect(fn func(*Peer)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnect = append(m.onDisconnect, fn)
}

// Listen runs the blocking receive loop; callers should run it in its own
// goroutine for the lifetime of the process.
func (m *Manager) Listen() {
	buf := make([]byte, 2048)
	for {
		n, addr, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		m.onDatagram(append([]byte(nil), buf[:n]...), addr)
	}
}

// onDatagram implements spec.md §4.4: a previously-unseen source whose first
// instruction byte is IDENTIFY becomes a new peer; every datagram (including
// the identifying one) refreshes last-seen, and non-identification payloads
// are forwarded as messages.
func (m *Manager) onDatagram(data []byte, addr *net.UDPAddr) {
	key := addr.String()

	m.mu.Lock()
	peer, known := m.peers[key]
	m.mu.Unlock()

	if !known {
		cmd := codec.TryParse(data)
		if cmd.Instruction != codec.Identify {
			return
		}
		peer = &Peer{
			Identifier: string(cmd.Data),
			addr:       addr,
			conn:       m.conn,
			lastSeen:   time.Now(),
		}
		m.mu.Lock()
		m.peers[key] = peer
		m.mu.Unlock()

		m.fireConnect(peer)
		return
	}

	peer.touch()

	frames := peer.framer.Feed(data)
	for _, frame := range frames {
		peer.mu.Lock()
		onMessage := peer.onMessage
		peer.mu.Unlock()
		if onMessage != nil {
			onMessage(codec.TryParse(frame))
		}
	}
}

// Update broadcasts a discovery probe and reaps peers last heard from more
// than 5 seconds ago.
func (m *Manager) Update() error {
	m.searchForConnections()
	m.reapStale()
	return nil
}

func (m *Manager) searchForConnections() {
	dst, err := net.ResolveUDPAddr("udp4", broadcastAddr)
	if err != nil {
		return
	}
	if _, err := m.conn.WriteToUDP(codec.Encode(codec.Identify, nil), dst); err != nil {
		m.logger.Debug().Err(err).Msg("broadcast probe failed")
	}
}

func (m *Manager) reapStale() {
	m.mu.Lock()
	var stale []*Peer
	for key, peer := range m.peers {
		if peer.isStale() {
			stale = append(stale, peer)
			delete(m.peers, key)
		}
	}
	m.mu.Unlock()

	for _, peer := range stale {
		m.fireDisconnect(peer)
	}
}

// Write sends bytes to the peer's source address over the shared socket.
// UDP delivery is unreliable; this makes no retransmission guarantee.
func (p *Peer) Write(data []byte) {
	if _, err := p.conn.WriteToUDP(data, p.addr); err != nil {
		log.Debug().Err(err).Str("peer", p.addr.String()).Msg("udp write failed")
	}
}

func (m *Manager) fireConnect(p *Peer) {
	m.mu.Lock()
	callbacks := append([]func(*Peer){}, m.onConnect...)
	m.mu.Unlock()
	for _, cb := range callbacks {
		cb(p)
	}
}

func (m *Manager) fireDisconnect(p *Peer) {
	m.mu.Lock()
	callbacks := append([]func(*Peer){}, m.onDisconnect...)
	m.mu.Unlock()
	for _, cb := range callbacks {
		cb(p)
	}
}

// Close closes the shared socket.
func (m *Manager) Close() {
	_ = m.conn.Close()
}
