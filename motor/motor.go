// Package motor models a single oscillator-driven motor on an EDMO robot
// and its serialization into an UPDATE_OSCILLATOR command packet.
package motor

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/TeamEDMO/Server/codec"
)

// ErrBadInput is returned when AdjustFrom is given a malformed value.
var ErrBadInput = fmt.Errorf("motor: bad input")

const defaultOffset = 90

// Motor is the canonical oscillator state for one motor slot.
type Motor struct {
	Index      uint8
	Amplitude  float32
	Offset     float32
	Frequency  float32
	PhaseShift float32
}

// New returns a motor at the given index with the EDMO firmware defaults:
// amplitude 0, offset 90, frequency 0, phase 0.
func New(index uint8) *Motor {
	return &Motor{Index: index, Offset: defaultOffset}
}

// AdjustFrom parses a single "<key> <float>" input and updates the matching
// parameter. Unknown keys are silently ignored; malformed numbers fail.
func (m *Motor) AdjustFrom(text string) error {
	parts := strings.SplitN(strings.TrimSpace(text), " ", 2)
	if len(parts) != 2 {
		return ErrBadInput
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 32)
	if err != nil {
		return ErrBadInput
	}
	v := float32(value)
	if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
		return ErrBadInput
	}

	switch strings.ToLower(parts[0]) {
	case "amp":
		m.Amplitude = v
	case "off":
		m.Offset = v
	case "freq":
		m.Frequency = v
	case "phb":
		m.PhaseShift = v
	}

	return nil
}

// AsCommand serializes the motor into an UPDATE_OSCILLATOR packet:
// <index:u8, freq:f32, amp:f32, offset:f32, phase:f32> little-endian.
func (m *Motor) AsCommand() []byte {
	body := make([]byte, 0, 17)
	body = append(body, m.Index)
	body = appendFloat32(body, m.Frequency)
	body = appendFloat32(body, m.Amplitude)
	body = appendFloat32(body, m.Offset)
	body = appendFloat32(body, m.PhaseShift)

	return codec.Encode(codec.UpdateOscillator, body)
}

func appendFloat32(dst []byte, v float32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
	return append(dst, buf[:]...)
}

func (m *Motor) String() string {
	return fmt.Sprintf("Motor(index=%d, frequency=%v, amplitude=%v, offset=%v, phaseShift=%v)",
		m.Index, m.Frequency, m.Amplitude, m.Offset, m.PhaseShift)
}
