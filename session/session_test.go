package session

import (
	"fmt"
	"testing"

	"github.com/TeamEDMO/Server/codec"
	"github.com/TeamEDMO/Server/motor"
	"github.com/TeamEDMO/Server/transport/fused"
)

type fakePeer struct {
	onMessage    func(string)
	onConnect    func()
	onDisconnect func()
	onClose      func()
	sent         []string
}

func (f *fakePeer) OnMessage(fn func(string)) { f.onMessage = fn }
func (f *fakePeer) OnConnect(fn func())       { f.onConnect = fn }
func (f *fakePeer) OnDisconnect(fn func())    { f.onDisconnect = fn }
func (f *fakePeer) OnClose(fn func())         { f.onClose = fn }
func (f *fakePeer) Send(message string)       { f.sent = append(f.sent, message) }
func (f *fakePeer) Close()                    {}

func (f *fakePeer) connect()    { f.onConnect() }
func (f *fakePeer) disconnect() { f.onDisconnect() }
func (f *fakePeer) close()      { f.onClose() }

func newTestSession(t *testing.T) *Session {
	t.Helper()
	t.Chdir(t.TempDir())
	ch := &fused.Channel{Identifier: "R1"}
	return New(ch, 4, nil, nil)
}

func registerAndActivate(t *testing.T, s *Session, name string) *fakePeer {
	t.Helper()
	peer := &fakePeer{}
	if err := s.RegisterPlayer(peer, name); err != nil {
		t.Fatalf("RegisterPlayer(%s): %v", name, err)
	}
	peer.connect()
	return peer
}

func TestSaturation(t *testing.T) {
	s := newTestSession(t)
	for i := 0; i < MaxPlayerCount; i++ {
		registerAndActivate(t, s, "player")
	}

	peer := &fakePeer{}
	if err := s.RegisterPlayer(peer, "one-too-many"); err != ErrSaturated {
		t.Fatalf("expected ErrSaturated, got %v", err)
	}
}

func TestMotorNumberConservation(t *testing.T) {
	s := newTestSession(t)

	assigned := map[int]bool{}
	peers := make([]*fakePeer, 0, MaxPlayerCount)
	for i := 0; i < MaxPlayerCount; i++ {
		p := registerAndActivate(t, s, "p")
		peers = append(peers, p)
		assigned[numberFromPeer(p)] = true
	}
	assertConservation(t, s, assigned)

	freed := numberFromPeer(peers[1])
	peers[1].disconnect()
	delete(assigned, freed)
	assertConservation(t, s, assigned)

	newcomer := registerAndActivate(t, s, "newcomer")
	if got := numberFromPeer(newcomer); got != freed {
		t.Fatalf("expected reissued number %d, got %d", freed, got)
	}
	assigned[freed] = true
	assertConservation(t, s, assigned)
}

func assertConservation(t *testing.T, s *Session, active map[int]bool) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[int]bool{}
	for k := range active {
		seen[k] = true
	}
	for _, n := range s.freeNumbers {
		if seen[n] {
			t.Fatalf("number %d present in both active set and free heap", n)
		}
		seen[n] = true
	}
	for i := 0; i < MaxPlayerCount; i++ {
		if !seen[i] {
			t.Fatalf("number %d missing from active+free union", i)
		}
	}
}

func numberFromPeer(p *fakePeer) int {
	for _, msg := range p.sent {
		var n int
		if _, err := fmt.Sscanf(msg, "sys.number %d", &n); err == nil {
			return n
		}
	}
	return -1
}

func TestDisconnectReturnsSmallestSlot(t *testing.T) {
	s := newTestSession(t)

	peers := make([]*fakePeer, 0, MaxPlayerCount)
	for i := 0; i < MaxPlayerCount; i++ {
		peers = append(peers, registerAndActivate(t, s, "p"))
	}

	holderOfTwo := findHolder(s, 2)
	if holderOfTwo == nil {
		t.Fatal("no active player holds number 2")
	}
	holderOfTwo.disconnect()

	newcomer := registerAndActivate(t, s, "newcomer")
	if got := numberFromPeer(newcomer); got != 2 {
		t.Fatalf("expected reissued number 2, got %d", got)
	}
}

func findHolder(s *Session, number int) *fakePeer {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.active {
		if p.Number == number {
			return p.peer.(*fakePeer)
		}
	}
	return nil
}

func TestMalformedPacketIgnored(t *testing.T) {
	s := newTestSession(t)
	s.offsetTime = 42

	s.messageReceived(codec.TryParse([]byte{'E', 'D', 0xff, 'M', 'O'}))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offsetTime != 42 {
		t.Fatalf("offsetTime mutated by malformed packet: %d", s.offsetTime)
	}
}

func TestVerbArbitration(t *testing.T) {
	s := newTestSession(t)
	a := registerAndActivate(t, s, "Alice")
	registerAndActivate(t, s, "Bob")

	numA := findPlayerNumber(s, a)

	s.onPlayerMessage(findPlayer(s, a), "amp 1.0")
	s.onPlayerMessage(findPlayer(s, findPeerByName(s, "Bob")), "freq 0.5")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.motors[numA].Amplitude != 1.0 {
		t.Fatalf("expected motor %d amplitude 1.0, got %v", numA, s.motors[numA].Amplitude)
	}
	for i, m := range s.motors {
		if m.Frequency != 0.5 {
			t.Fatalf("expected global freq 0.5 on motor %d, got %v", i, m.Frequency)
		}
	}
}

func findPlayer(s *Session, peer *fakePeer) *Player {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.active {
		if p.peer.(*fakePeer) == peer {
			return p
		}
	}
	return nil
}

func findPlayerNumber(s *Session, peer *fakePeer) int {
	p := findPlayer(s, peer)
	if p == nil {
		return -1
	}
	return p.Number
}

func findPeerByName(s *Session, name string) *fakePeer {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.active {
		if p.Name == name {
			return p.peer.(*fakePeer)
		}
	}
	return nil
}

func TestVoteTogglesHelpNumberWithoutTouchingMotors(t *testing.T) {
	s := newTestSession(t)
	a := registerAndActivate(t, s, "Alice")
	player := findPlayer(s, a)

	before := make([]motor.Motor, len(s.motors))
	for i, m := range s.motors {
		before[i] = *m
	}

	s.onPlayerMessage(player, "vote 1")
	if !player.Voted {
		t.Fatal("expected Voted=true after vote 1")
	}
	for i, m := range s.motors {
		if *m != before[i] {
			t.Fatalf("vote mutated motor %d: %+v, was %+v", i, *m, before[i])
		}
	}
	info := s.GetSessionInfo()
	if info.HelpNumber != 1 {
		t.Fatalf("expected HelpNumber=1, got %d", info.HelpNumber)
	}
}
