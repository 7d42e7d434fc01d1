// Package session owns one robot's canonical state: its motor array, the
// pool of controllable slots, player lifecycle, and the periodic tick that
// flushes motor state down the fused transport.
package session

import (
	"container/heap"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/TeamEDMO/Server/codec"
	"github.com/TeamEDMO/Server/logsink"
	"github.com/TeamEDMO/Server/motor"
	"github.com/TeamEDMO/Server/transport/fused"
)

// MaxPlayerCount bounds the motor slots a session can hand out, independent
// of how many motors the robot actually reports.
const MaxPlayerCount = 4

// ErrSaturated is returned by RegisterPlayer when no motor slot is free.
var ErrSaturated = fmt.Errorf("session: no free player slot")

// RemovalFunc is invoked once a session has no players left at all, so the
// owning supervisor can drop it from its registry.
type RemovalFunc func(*Session)

// Session is one robot's live coordination state. All mutating entry
// points (peer callbacks, HTTP handlers, the tick) are serialized behind
// mu: unlike the single-threaded asyncio original, peer I/O callbacks and
// the backend's tick goroutine are genuinely concurrent in Go.
type Session struct {
	mu sync.Mutex

	channel *fused.Channel
	log     zerolog.Logger
	sink    *logsink.Sink

	motors      []*motor.Motor
	freeNumbers numberHeap

	active     []*Player
	waiting    []*Player
	overriders []*Player

	// overriderTokens lets an operator console release a specific override
	// later without holding onto the *Player itself.
	overriderTokens map[string]*Player

	offsetTime uint32

	tasks       *taskTable
	helpEnabled bool
	simpleMode  bool

	removeSelf RemovalFunc
}

// New constructs a session bound to channel, with numberPlayers canonical
// motors, a copy of catalog for its task list, and sessionRemoval invoked
// once the session empties out entirely.
func New(channel *fused.Channel, numberPlayers int, catalog []CatalogEntry, sessionRemoval RemovalFunc) *Session {
	motors := make([]*motor.Motor, numberPlayers)
	for i := range motors {
		motors[i] = motor.New(uint8(i))
	}

	free := make(numberHeap, MaxPlayerCount)
	for i := range free {
		free[i] = i
	}
	heap.Init(&free)

	s := &Session{
		channel:         channel,
		log:             log.With().Str("component", "session").Str("robot", channel.Identifier).Logger(),
		sink:            logsink.New(channel.Identifier),
		motors:          motors,
		freeNumbers:     free,
		tasks:           newTaskTable(catalog),
		simpleMode:      true,
		removeSelf:      sessionRemoval,
		overriderTokens: make(map[string]*Player),
	}

	channel.SetOnMessage(s.messageReceived)
	channel.SetOnConnectionEstablished(s.onRobotReconnect)

	return s
}

// onRobotReconnect realigns the device clock to the session's accumulated
// wall offset, so log timestamps stay monotonic across transport flaps.
func (s *Session) onRobotReconnect() {
	s.mu.Lock()
	offset := s.offsetTime
	s.mu.Unlock()

	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, offset)
	s.channel.Write(codec.EncodeCommand(codec.Command{Instruction: codec.SessionStart, Data: body}))
}

// RegisterPlayer admits a new player into the waiting list. It fails with
// ErrSaturated if every motor slot is already spoken for.
func (s *Session) RegisterPlayer(peer PeerConn, username string) error {
	s.mu.Lock()
	if s.freeNumbers.Len() == 0 {
		s.mu.Unlock()
		return ErrSaturated
	}
	s.mu.Unlock()

	player := newPlayer(peer, username, s)

	s.mu.Lock()
	s.waiting = append(s.waiting, player)
	s.mu.Unlock()
	return nil
}

// Saturated reports whether every motor slot is already assigned to an
// active player (waiting players hold no slot), i.e. the next
// RegisterPlayer call would fail.
func (s *Session) Saturated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freeNumbers.Len() == 0
}

// Identifier returns the robot identity this session is bound to.
func (s *Session) Identifier() string {
	return s.channel.Identifier
}

// RegisterOverrider admits an operator-controlled shadow of motor number.
// Overriders bypass the free-number heap entirely and may duplicate an
// active player's number. The returned token lets the operator console
// later call CancelOverride to release it without holding the peer.
func (s *Session) RegisterOverrider(peer PeerConn, number int) string {
	overrider := newOverrider(peer, number, s)

	s.mu.Lock()
	s.overriders = append(s.overriders, overrider)
	s.overriderTokens[overrider.ID] = overrider
	s.mu.Unlock()

	return overrider.ID
}

// CancelOverride closes and removes the overrider registered under token,
// if it is still live. Reports whether one was found.
func (s *Session) CancelOverride(token string) bool {
	s.mu.Lock()
	overrider, ok := s.overriderTokens[token]
	s.mu.Unlock()
	if !ok {
		return false
	}
	overrider.peer.Close()
	return true
}

// playerConnected activates a waiting player: assigns the smallest free
// motor number, moves it from waiting to active, and syncs its client.
func (s *Session) playerConnected(player *Player) {
	s.mu.Lock()
	if s.freeNumbers.Len() == 0 {
		s.mu.Unlock()
		s.log.Warn().Msg("player connected with no free motor number available")
		return
	}
	number := heap.Pop(&s.freeNumbers).(int)
	s.waiting = removePlayer(s.waiting, player)
	s.active = append(s.active, player)
	s.mu.Unlock()

	player.assignNumber(number)

	s.sink.Write("Session", fmt.Sprintf("Player %d connected. (%s)", player.Number, player.Name))

	s.broadcastPlayerList()
	player.sendMessage(fmt.Sprintf("TaskInfo %s", s.tasksJSON()))
	s.sendMotorParams(player)
	player.sendMessage(fmt.Sprintf("HelpEnabled %s", boolFlag(s.getHelpEnabled())))
	player.sendMessage(fmt.Sprintf("SimpleMode %s", boolFlag(s.getSimpleMode())))
}

func (s *Session) overriderConnected(overrider *Player) {
	s.sink.Write("Session", fmt.Sprintf("Overrider for %d connected.", overrider.Number))

	s.broadcastPlayerList()
	overrider.sendMessage(fmt.Sprintf("TaskInfo %s", s.tasksJSON()))
	s.sendMotorParams(overrider)
	overrider.sendMessage(fmt.Sprintf("HelpEnabled %s", boolFlag(s.getHelpEnabled())))
	overrider.sendMessage(fmt.Sprintf("SimpleMode %s", boolFlag(s.getSimpleMode())))

	// The original acknowledgement is re-sent on top of the roster/task
	// sync, matching the client's expectation of an ID message on open.
	overrider.sendMessage(fmt.Sprintf("ID %d", overrider.Number))
}

// playerDisconnected handles a transient data-channel loss: the player
// returns to waiting and its number goes back to the heap, but it stays
// known to the session in case it reopens.
func (s *Session) playerDisconnected(player *Player) {
	s.sink.Write("Session", fmt.Sprintf("Player %d disconnected. (%s)", player.Number, player.Name))

	s.mu.Lock()
	s.active = removePlayer(s.active, player)
	if player.Number != -1 {
		heap.Push(&s.freeNumbers, player.Number)
		player.Number = -1
	}
	s.waiting = append(s.waiting, player)
	s.mu.Unlock()

	s.broadcastPlayerList()
}

// playerLeft handles the final teardown of a player's peer connection:
// it is forgotten entirely, and the session is torn down if it was the
// last player known to it.
func (s *Session) playerLeft(player *Player) {
	s.mu.Lock()
	s.active = removePlayer(s.active, player)
	s.waiting = removePlayer(s.waiting, player)
	if player.Number != -1 {
		heap.Push(&s.freeNumbers, player.Number)
		player.Number = -1
	}
	empty := len(s.active) == 0 && len(s.waiting) == 0
	s.mu.Unlock()

	s.broadcastPlayerList()

	if empty {
		s.channel.ClearOnConnectionEstablished()
		if s.removeSelf != nil {
			s.removeSelf(s)
		}
	}
}

func (s *Session) overriderDisconnected(overrider *Player) {
	s.sink.Write("Session", fmt.Sprintf("Overrider for %d disconnected.", overrider.Number))

	s.mu.Lock()
	s.overriders = removePlayer(s.overriders, overrider)
	delete(s.overriderTokens, overrider.ID)
	s.mu.Unlock()
}

// updateMotor applies a raw "<verb> <value>" style command to one of the
// canonical motors.
func (s *Session) updateMotor(motorNumber int, command string) {
	if motorNumber < 0 || motorNumber >= len(s.motors) {
		return
	}
	if err := s.motors[motorNumber].AdjustFrom(command); err != nil {
		s.log.Debug().Err(err).Int("motor", motorNumber).Str("command", command).Msg("malformed motor command")
	}
}

// onPlayerMessage dispatches one inbound data-channel line from an active
// player, per the "vote/freq/phb/amp/off" verb table.
func (s *Session) onPlayerMessage(player *Player, message string) {
	s.sink.Write(fmt.Sprintf("Input_Player%d", player.Number), message)
	s.dispatchMotorMessage(player, message, s.activeSnapshot(), s.overriderSnapshot())
}

func (s *Session) onOverriderMessage(overrider *Player, message string) {
	s.sink.Write(fmt.Sprintf("Input_Override%d_%s", overrider.Number, overrider.ID[:8]), message)
	combined := append(s.activeSnapshot(), s.overriderSnapshot()...)
	s.dispatchMotorMessage(overrider, message, combined, nil)
}

// dispatchMotorMessage implements the shared arbitration rules for both
// players and overriders: mirror is the set of peers (excluding self) that
// should receive a refreshed motor-params push after this message is
// applied, and mirrorOverriders is an additional overrider-only echo set
// used from the player side.
func (s *Session) dispatchMotorMessage(sender *Player, message string, mirror []*Player, mirrorOverriders []*Player) {
	parts := strings.SplitN(message, " ", 2)
	verb := parts[0]
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}

	switch verb {
	case "vote":
		sender.Voted = arg == "1"
		s.broadcastPlayerList()
		return
	case "freq":
		if v, err := strconv.ParseFloat(arg, 32); err == nil {
			s.setFreq(float32(v))
		}
		return
	case "phb":
		if v, err := strconv.ParseFloat(arg, 32); err == nil {
			s.setPhb(sender.Number, float32(v))
		}
	}

	s.updateMotor(sender.Number, message)

	for _, c := range mirror {
		if c.Number == sender.Number && c != sender {
			s.sendMotorParams(c)
		}
	}
	for _, c := range mirrorOverriders {
		if c.Number == sender.Number && c != sender {
			s.sendMotorParams(c)
		}
	}
}

func (s *Session) activeSnapshot() []*Player {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Player{}, s.active...)
}

func (s *Session) overriderSnapshot() []*Player {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Player{}, s.overriders...)
}

// broadcastPlayerList notifies every active player of the current roster.
func (s *Session) broadcastPlayerList() {
	active := s.activeSnapshot()
	views := make([]playerView, len(active))
	for i, p := range active {
		views[i] = p.view()
	}
	data, _ := json.Marshal(views)
	for _, p := range active {
		p.sendMessage(fmt.Sprintf("PlayerInfo %s", data))
	}
}

// broadcastTaskList notifies every active player of the current task list.
func (s *Session) broadcastTaskList() {
	jsonDump := s.tasksJSON()
	for _, p := range s.activeSnapshot() {
		p.sendMessage(fmt.Sprintf("TaskInfo %s", jsonDump))
	}
}

func (s *Session) broadcastHelpEnabled() {
	flag := boolFlag(s.getHelpEnabled())
	for _, p := range s.activeSnapshot() {
		p.sendMessage(fmt.Sprintf("HelpEnabled %s", flag))
	}
}

// sendMotorParams pushes the full parameter set for recipient's own motor,
// followed by every motor's phase shift (so the client can render the
// relative phase of all motors, not just its own).
func (s *Session) sendMotorParams(recipient *Player) {
	s.mu.Lock()
	if recipient.Number < 0 || recipient.Number >= len(s.motors) {
		s.mu.Unlock()
		return
	}
	m := s.motors[recipient.Number]
	amp, freq, off := m.Amplitude, m.Frequency, m.Offset
	phases := make([]struct {
		id  uint8
		phb float32
	}, len(s.motors))
	for i, mot := range s.motors {
		phases[i].id = mot.Index
		phases[i].phb = mot.PhaseShift
	}
	s.mu.Unlock()

	recipient.sendMessage(fmt.Sprintf("amp %s", formatFloat(amp)))
	recipient.sendMessage(fmt.Sprintf("freq %s", formatFloat(freq)))
	recipient.sendMessage(fmt.Sprintf("off %s", formatFloat(off)))
	for _, ph := range phases {
		recipient.sendMessage(fmt.Sprintf("phb %d %s", ph.id, formatFloat(ph.phb)))
	}
}

func (s *Session) setFreq(value float32) {
	s.mu.Lock()
	for _, m := range s.motors {
		m.Frequency = value
	}
	s.mu.Unlock()

	for _, p := range s.activeSnapshot() {
		p.sendMessage(fmt.Sprintf("freq %s", formatFloat(value)))
	}
}

func (s *Session) setPhb(id int, value float32) {
	for _, p := range s.activeSnapshot() {
		if p.Number == id {
			continue
		}
		p.sendMessage(fmt.Sprintf("phb %d %s", id, formatFloat(value)))
	}
}

// Update drives one tick: flushes the canonical motor state to the robot
// and requests fresh telemetry, then lets the log sink flush if due. A
// no-op when the channel currently has no connection.
func (s *Session) Update() {
	if !s.channel.HasConnection() {
		return
	}

	s.mu.Lock()
	motors := append([]*motor.Motor{}, s.motors...)
	s.mu.Unlock()

	for _, m := range motors {
		s.channel.Write(m.AsCommand())
	}
	s.channel.Write(codec.Encode(codec.SendMotorData, nil))
	s.channel.Write(codec.Encode(codec.SendIMUData, nil))
	s.channel.Write(codec.Encode(codec.GetTime, nil))

	s.sink.Update()
}

// Close flushes the log sink and closes every known peer, active and
// waiting alike.
func (s *Session) Close() {
	s.sink.Close()

	s.mu.Lock()
	peers := append(append([]*Player{}, s.active...), s.waiting...)
	s.mu.Unlock()

	for _, p := range peers {
		p.peer.Close()
	}
}

// messageReceived dispatches telemetry arriving from the robot itself.
func (s *Session) messageReceived(cmd codec.Command) {
	switch cmd.Instruction {
	case codec.Invalid:
		return
	case codec.GetTime:
		if len(cmd.Data) >= 4 {
			s.mu.Lock()
			s.offsetTime = binary.LittleEndian.Uint32(cmd.Data)
			s.mu.Unlock()
		}
	case codec.SendMotorData:
		s.parseMotorPacket(cmd.Data)
	case codec.SendIMUData:
		s.parseIMUPacket(cmd.Data)
	}
}

// parseMotorPacket logs one <u8,f32x5> telemetry sample from the robot.
func (s *Session) parseMotorPacket(data []byte) {
	if len(data) < 1+4*5 {
		return
	}
	index := data[0]
	freq := readFloat32(data[1:5])
	amp := readFloat32(data[5:9])
	offset := readFloat32(data[9:13])
	phase := readFloat32(data[13:17])
	observed := readFloat32(data[17:21])

	s.sink.Write(fmt.Sprintf("Motor%d", index),
		fmt.Sprintf("Frequency: %s, Amplitude: %s, Offset: %s, Phase Shift: %s, Phase: %s",
			formatFloat(freq), formatFloat(amp), formatFloat(offset), formatFloat(phase), formatFloat(observed)))
}

type imuRecord struct {
	t       uint32
	status  uint8
	x, y, z float32
}

// parseIMUPacket decodes five fixed-layout sensor records (accelerometer,
// gyroscope, magnetometer, gravity, rotation) and logs one formatted line.
func (s *Session) parseIMUPacket(data []byte) {
	const recordSize = 4 + 1 + 3 + 4*3 // time, status, pad, xyz
	const rotationExtra = 4            // rotation carries a fourth float (w)

	if len(data) < recordSize*4+recordSize+rotationExtra {
		return
	}

	offset := 0
	readRecord := func() imuRecord {
		r := imuRecord{
			t:      binary.LittleEndian.Uint32(data[offset : offset+4]),
			status: data[offset+4],
			x:      readFloat32(data[offset+8 : offset+12]),
			y:      readFloat32(data[offset+12 : offset+16]),
			z:      readFloat32(data[offset+16 : offset+20]),
		}
		offset += recordSize
		return r
	}

	accel := readRecord()
	gyro := readRecord()
	mag := readRecord()
	grav := readRecord()
	rot := readRecord()
	rotW := readFloat32(data[offset : offset+4])

	final := fmt.Sprintf(
		"{Acceleration: {Time: %d, Status: %d, Value: (%s,%s,%s)},"+
			"Gyroscope: {Time: %d, Status: %d, Value: (%s,%s,%s)},"+
			"Magnetic: {Time: %d, Status: %d, Value: (%s,%s,%s)},"+
			"Gravity: {Time: %d, Status: %d, Value: (%s,%s,%s)}, "+
			"Rotation: {Time: %d, Status: %d, Value: (%s,%s,%s, %s)}}",
		accel.t, accel.status, formatFloat(accel.x), formatFloat(accel.y), formatFloat(accel.z),
		gyro.t, gyro.status, formatFloat(gyro.x), formatFloat(gyro.y), formatFloat(gyro.z),
		mag.t, mag.status, formatFloat(mag.x), formatFloat(mag.y), formatFloat(mag.z),
		grav.t, grav.status, formatFloat(grav.x), formatFloat(grav.y), formatFloat(grav.z),
		rot.t, rot.status, formatFloat(rot.x), formatFloat(rot.y), formatFloat(rot.z), formatFloat(rotW),
	)

	s.sink.Write("IMU", final)
}

func readFloat32(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

// --- HTTP-facing accessors -------------------------------------------------

// SessionInfo is the summary view returned by GET /sessions.
type SessionInfo struct {
	RobotID    string   `json:"robotID"`
	Names      []string `json:"names"`
	HelpNumber int      `json:"HelpNumber"`
}

func (s *Session) GetSessionInfo() SessionInfo {
	active := s.activeSnapshot()
	names := make([]string, len(active))
	helpCount := 0
	for i, p := range active {
		names[i] = p.Name
		if p.Voted {
			helpCount++
		}
	}
	return SessionInfo{RobotID: s.channel.Identifier, Names: names, HelpNumber: helpCount}
}

// DetailedPlayerInfo is one player entry in the detailed session view.
type DetailedPlayerInfo struct {
	Name          string `json:"name"`
	HelpRequested bool   `json:"HelpRequested"`
}

// DetailedSessionInfo is the full view returned by GET /sessions/{id}.
type DetailedSessionInfo struct {
	RobotID     string               `json:"robotID"`
	Players     []DetailedPlayerInfo `json:"players"`
	Tasks       []TaskView           `json:"tasks"`
	HelpEnabled bool                 `json:"helpEnabled"`
}

func (s *Session) GetDetailedInfo() DetailedSessionInfo {
	active := s.activeSnapshot()
	players := make([]DetailedPlayerInfo, len(active))
	for i, p := range active {
		players[i] = DetailedPlayerInfo{Name: p.Name, HelpRequested: p.Voted}
	}

	s.mu.Lock()
	tasks := s.tasks.views()
	helpEnabled := s.helpEnabled
	s.mu.Unlock()

	return DetailedSessionInfo{
		RobotID:     s.channel.Identifier,
		Players:     players,
		Tasks:       tasks,
		HelpEnabled: helpEnabled,
	}
}

func (s *Session) getTasks() []TaskView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks.views()
}

func (s *Session) tasksJSON() string {
	data, _ := json.Marshal(s.getTasks())
	return string(data)
}

// SetTasks marks a catalog task complete/incomplete by key, broadcasting
// the updated list on success. Reports false if the key is unknown.
func (s *Session) SetTasks(key string, value bool) bool {
	s.mu.Lock()
	ok := s.tasks.set(key, value)
	s.mu.Unlock()

	if !ok {
		return false
	}
	s.broadcastTaskList()
	return true
}

func (s *Session) getHelpEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.helpEnabled
}

func (s *Session) getSimpleMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.simpleMode
}

// SetHelpEnabled is a no-op if unchanged; turning it off clears every
// active player's vote.
func (s *Session) SetHelpEnabled(value bool) {
	s.mu.Lock()
	if s.helpEnabled == value {
		s.mu.Unlock()
		return
	}
	s.helpEnabled = value
	if !value {
		for _, p := range s.active {
			p.Voted = false
		}
	}
	s.mu.Unlock()

	s.broadcastHelpEnabled()
}

// SendFeedback relays an operator message to every active player.
func (s *Session) SendFeedback(message string) {
	for _, p := range s.activeSnapshot() {
		p.sendMessage(fmt.Sprintf("Feedback %s", message))
	}
	s.sink.Write("Session", fmt.Sprintf("Teacher sent feedback: %s", message))
}

// SetSimpleView updates the simple/advanced UI flag for every active
// player.
func (s *Session) SetSimpleView(value bool) {
	s.mu.Lock()
	s.simpleMode = value
	s.mu.Unlock()

	flag := boolFlag(value)
	for _, p := range s.activeSnapshot() {
		p.sendMessage(fmt.Sprintf("SimpleMode %s", flag))
	}
}

func removePlayer(list []*Player, target *Player) []*Player {
	out := list[:0:0]
	for _, p := range list {
		if p != target {
			out = append(out, p)
		}
	}
	return out
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func formatFloat(v float32) string {
	return strconv.FormatFloat(float64(v), 'g', -1, 32)
}
