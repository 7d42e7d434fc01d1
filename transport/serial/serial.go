// Package serial enumerates OS serial ports, opens connections to known
// EDMO devices, runs the identification handshake, and surfaces
// connect/message/disconnect events to the fused transport layer.
package serial

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/TeamEDMO/Server/codec"
)

// State is the lifecycle of a single serial endpoint.
type State int

const (
	StateOpening State = iota
	StateIdentifying
	StateReady
	StateClosed
)

const (
	// DefaultDeviceLabel is the USB product string EDMO firmware reports.
	DefaultDeviceLabel = "Feather M0"
	baudRate           = 9600
	readTimeout        = 250 * time.Millisecond
)

// Endpoint is one open serial connection to a candidate EDMO device.
type Endpoint struct {
	mu         sync.Mutex
	port       serial.Port
	device     string
	state      State
	identifier string
	framer     codec.Framer

	onMessage func(codec.Command)
}

// Device is the OS path this endpoint was opened against, stable for the
// lifetime of the connection and used to dedupe re-enumeration.
func (e *Endpoint) Device() string { return e.device }

// Identifier returns the robot identifier once identification completes.
func (e *Endpoint) Identifier() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identifier
}

// SetOnMessage installs the receiver for post-identification inbound bytes.
// The fused transport calls this once it binds the endpoint into a channel.
func (e *Endpoint) SetOnMessage(fn func(codec.Command)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onMessage = fn
}

// Write sends a frame over the serial connection. Writes after Close are
// dropped rather than returned as an error, matching the fused transport's
// "drop at the edge" policy for a device that has gone away mid-tick.
func (e *Endpoint) Write(data []byte) {
	e.mu.Lock()
	port, state := e.port, e.state
	e.mu.Unlock()

	if state == StateClosed {
		return
	}
	if _, err := port.Write(data); err != nil {
		log.Debug().Err(err).Str("device", e.device).Msg("serial write failed")
	}
}

// Close transitions the endpoint to Closed and closes the port, which ends
// the read loop. No disconnect event is emitted for an endpoint closed this
// way, even one that had completed identification.
func (e *Endpoint) Close() {
	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		return
	}
	e.state = StateClosed
	port := e.port
	e.mu.Unlock()
	_ = port.Close()
}

// Manager enumerates OS serial ports on each Update call, opens connections
// to previously-unseen EDMO candidates, and runs the identify handshake.
type Manager struct {
	mu          sync.Mutex
	endpoints   map[string]*Endpoint
	deviceLabel string

	onConnect    []func(*Endpoint)
	onDisconnect []func(*Endpoint)

	logger zerolog.Logger
}

// NewManager constructs a Manager matching ports whose USB product string
// equals label (DefaultDeviceLabel if empty).
func NewManager(label string) *Manager {
	if label == "" {
		label = DefaultDeviceLabel
	}
	return &Manager{
		endpoints:   make(map[string]*Endpoint),
		deviceLabel: label,
		logger:      log.With().Str("component", "transport.serial").Logger(),
	}
}

// OnConnect registers a callback fired once an endpoint's identifier is
// known. Callback lists tolerate mutation during iteration by snapshotting
// before firing.
func (m *Manager) OnConnect(fn func(*Endpoint)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnect = append(m.onConnect, fn)
}

// OnDisconnect registers a callback fired when a read error ends an
// identified endpoint's connection. Endpoint.Close does not fire it.
func (m *Manager) OnDisconnect(fn func(*Endpoint)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnect = append(m.onDisconnect, fn)
}

// Update re-scans OS serial ports, opening connections to any
// previously-unseen port whose description matches the known device label.
// Opens are launched concurrently and Update waits for all of them.
func (m *Manager) Update() error {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, port := range ports {
		if port.Product != m.deviceLabel {
			continue
		}

		m.mu.Lock()
		_, known := m.endpoints[port.Name]
		m.mu.Unlock()
		if known {
			continue
		}

		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			m.open(name)
		}(port.Name)
	}
	wg.Wait()

	return nil
}

func (m *Manager) open(name string) {
	mode := &serial.Mode{BaudRate: baudRate}
	port, err := serial.Open(name, mode)
	if err != nil {
		m.logger.Debug().Err(err).Str("device", name).Msg("open failed")
		return
	}
	_ = port.SetReadTimeout(readTimeout)

	ep := &Endpoint{port: port, device: name, state: StateOpening}

	m.mu.Lock()
	m.endpoints[name] = ep
	m.mu.Unlock()

	go m.readLoop(ep)

	ep.mu.Lock()
	ep.state = StateIdentifying
	ep.mu.Unlock()
	ep.Write(codec.Encode(codec.Identify, nil))
}

// readLoop owns the blocking Read calls for one endpoint. The first frame
// received while Identifying carries the robot identifier; everything after
// is forwarded as message data. A read error (our own Close, or the OS
// tearing down the device) ends the loop; disconnect only fires if the
// endpoint was still Ready at that point, so an endpoint that never finished
// identifying (per the identification-robustness policy adopted in
// SPEC_FULL.md) and one already moved to Closed by Close both emit nothing.
func (m *Manager) readLoop(ep *Endpoint) {
	buf := make([]byte, 256)
	for {
		n, err := ep.port.Read(buf)
		if err != nil || n == 0 {
			if err != nil {
				ep.mu.Lock()
				wasReady := ep.state == StateReady
				ep.state = StateClosed
				ep.mu.Unlock()

				m.mu.Lock()
				delete(m.endpoints, ep.device)
				m.mu.Unlock()

				if wasReady {
					m.fireDisconnect(ep)
				}
				return
			}
			continue
		}

		frames := ep.framer.Feed(buf[:n])
		for _, frame := range frames {
			ep.mu.Lock()
			identifying := ep.state == StateIdentifying
			ep.mu.Unlock()

			if identifying {
				cmd := codec.TryParse(frame)
				ep.mu.Lock()
				ep.identifier = string(cmd.Data)
				ep.state = StateReady
				ep.mu.Unlock()
				m.fireConnect(ep)
				continue
			}

			ep.mu.Lock()
			onMessage := ep.onMessage
			ep.mu.Unlock()
			if onMessage != nil {
				onMessage(codec.TryParse(frame))
			}
		}
	}
}

func (m *Manager) fireConnect(ep *Endpoint) {
	m.mu.Lock()
	callbacks := append([]func(*Endpoint){}, m.onConnect...)
	m.mu.Unlock()
	for _, cb := range callbacks {
		cb(ep)
	}
}

func (m *Manager) fireDisconnect(ep *Endpoint) {
	m.mu.Lock()
	callbacks := append([]func(*Endpoint){}, m.onDisconnect...)
	m.mu.Unlock()
	for _, cb := range callbacks {
		cb(ep)
	}
}

// Close closes every open endpoint.
func (m *Manager) Close() {
	m.mu.Lock()
	endpoints := make([]*Endpoint, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		endpoints = append(endpoints, ep)
	}
	m.mu.Unlock()

	for _, ep := range endpoints {
		ep.Close()
	}
}
