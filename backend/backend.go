// Package backend is the supervisor tying the fused transport to the
// per-robot sessions it feeds: it owns the session registry and drives the
// 10 Hz tick loop described in spec.md §5.
package backend

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/TeamEDMO/Server/session"
	"github.com/TeamEDMO/Server/transport/fused"
)

const tickFloor = 100 * time.Millisecond

// Backend owns the identifier->Session registry and the fused transport
// feeding it.
type Backend struct {
	fused   *fused.Manager
	catalog []session.CatalogEntry
	players int

	mu         sync.Mutex
	sessions   map[string]*session.Session
	simpleView bool

	logger zerolog.Logger
}

// New subscribes to the fused transport's connect/disconnect events, which
// are only logged; sessions are created by GetOrCreateSession and removed
// through the callback each session is given. playersPerSession bounds each
// session's canonical motor count.
func New(transport *fused.Manager, playersPerSession int, catalog []session.CatalogEntry) *Backend {
	b := &Backend{
		fused:      transport,
		catalog:    catalog,
		players:    playersPerSession,
		sessions:   make(map[string]*session.Session),
		simpleView: true,
		logger:     log.With().Str("component", "backend").Logger(),
	}

	transport.OnEdmoConnected(b.onEdmoConnected)
	transport.OnEdmoDisconnected(b.onEdmoDisconnected)

	return b
}

// onEdmoConnected is a transport-level event only; it does not create a
// session. Sessions are created lazily, at first player registration, by
// GetOrCreateSession — matching EDMOBackend.getEDMOSession, which keys off
// activeEDMOs (connectivity) rather than pre-creating a session per robot.
func (b *Backend) onEdmoConnected(ch *fused.Channel) {
	b.logger.Info().Str("robot", ch.Identifier).Msg("edmo connected")
}

// onEdmoDisconnected is a transport-level event only (a robot losing every
// transport); the session stays registered since players may still be
// connected and waiting for the robot to come back.
func (b *Backend) onEdmoDisconnected(ch *fused.Channel) {
	b.logger.Info().Str("robot", ch.Identifier).Msg("edmo disconnected")
}

func (b *Backend) removeSession(s *session.Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.sessions[s.Identifier()]; ok && cur == s {
		delete(b.sessions, s.Identifier())
		b.logger.Info().Str("robot", s.Identifier()).Msg("session emptied, removed")
	}
}

// GetSession returns the live session for robotID, if one exists.
func (b *Backend) GetSession(robotID string) (*session.Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[robotID]
	return s, ok
}

// GetOrCreateSession returns the live session for robotID, creating one if
// the robot is connected but has no session yet (its first player
// registration). The bool return reports whether the robot has a session or
// a currently connected fused channel; false means the caller should answer 404, per
// spec.md §3's "session exists iff a player has registered with a connected
// robot".
func (b *Backend) GetOrCreateSession(robotID string) (*session.Session, bool) {
	b.mu.Lock()
	if s, ok := b.sessions[robotID]; ok {
		b.mu.Unlock()
		return s, true
	}
	b.mu.Unlock()

	ch, ok := b.fused.ChannelFor(robotID)
	if !ok || !ch.HasConnection() {
		return nil, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.sessions[robotID]; ok {
		return s, true
	}
	s := session.New(ch, b.players, b.catalog, b.removeSession)
	s.SetSimpleView(b.simpleView)
	b.sessions[robotID] = s
	return s, true
}

// ListEdmoIDs returns the identifiers of every robot currently reachable
// over the fused transport, independent of whether a session exists for it.
func (b *Backend) ListEdmoIDs() []string {
	return b.fused.ConnectedIdentifiers()
}

// ListSessionInfo returns the GET /sessions summary view for every session.
func (b *Backend) ListSessionInfo() []session.SessionInfo {
	b.mu.Lock()
	sessions := make([]*session.Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	infos := make([]session.SessionInfo, len(sessions))
	for i, s := range sessions {
		infos[i] = s.GetSessionInfo()
	}
	return infos
}

// GetSimpleView returns the process-wide default applied to new sessions.
func (b *Backend) GetSimpleView() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.simpleView
}

// SetSimpleView updates the process-wide default and pushes it to every
// live session immediately.
func (b *Backend) SetSimpleView(value bool) {
	b.mu.Lock()
	b.simpleView = value
	sessions := make([]*session.Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		s.SetSimpleView(value)
	}
}

// Run drives the tick loop until ctx is cancelled, then calls Shutdown.
func (b *Backend) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.Shutdown()
			return
		default:
		}

		start := time.Now()

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.fused.Update()
		}()

		for _, s := range b.activeSessions() {
			wg.Add(1)
			go func(s *session.Session) {
				defer wg.Done()
				s.Update()
			}(s)
		}

		wg.Wait()

		if elapsed := time.Since(start); elapsed < tickFloor {
			select {
			case <-ctx.Done():
				b.Shutdown()
				return
			case <-time.After(tickFloor - elapsed):
			}
		}
	}
}

func (b *Backend) activeSessions() []*session.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*session.Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s)
	}
	return out
}

// Shutdown closes the fused transport and every live session's peers.
func (b *Backend) Shutdown() {
	b.logger.Info().Msg("shutting down")
	b.fused.Close()

	for _, s := range b.activeSessions() {
		s.Close()
	}
}
