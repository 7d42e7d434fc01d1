package motor

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/TeamEDMO/Server/codec"
)

func TestDefaults(t *testing.T) {
	m := New(2)
	if m.Index != 2 || m.Amplitude != 0 || m.Offset != 90 || m.Frequency != 0 || m.PhaseShift != 0 {
		t.Fatalf("unexpected defaults: %+v", m)
	}
}

func TestAdjustFrom(t *testing.T) {
	cases := []struct {
		input string
		check func(*Motor) float32
		want  float32
	}{
		{"amp 1.0", func(m *Motor) float32 { return m.Amplitude }, 1.0},
		{"off 45.5", func(m *Motor) float32 { return m.Offset }, 45.5},
		{"freq 0.5", func(m *Motor) float32 { return m.Frequency }, 0.5},
		{"phb 3.14", func(m *Motor) float32 { return m.PhaseShift }, 3.14},
		{"AMP 2", func(m *Motor) float32 { return m.Amplitude }, 2},
	}
	for _, c := range cases {
		m := New(0)
		if err := m.AdjustFrom(c.input); err != nil {
			t.Fatalf("AdjustFrom(%q) error: %v", c.input, err)
		}
		if got := c.check(m); got != c.want {
			t.Fatalf("AdjustFrom(%q): got %v want %v", c.input, got, c.want)
		}
	}
}

func TestAdjustFromUnknownKeyIgnored(t *testing.T) {
	m := New(0)
	before := *m
	if err := m.AdjustFrom("bogus 1.0"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *m != before {
		t.Fatalf("unknown key mutated motor: %+v", m)
	}
}

func TestAdjustFromMalformed(t *testing.T) {
	for _, bad := range []string{"amp", "amp notanumber", ""} {
		m := New(0)
		if err := m.AdjustFrom(bad); err == nil {
			t.Fatalf("AdjustFrom(%q) expected error", bad)
		}
	}
}

func TestAsCommand(t *testing.T) {
	m := &Motor{Index: 3, Frequency: 0.5, Amplitude: 1.0, Offset: 90, PhaseShift: 0}
	frame := m.AsCommand()

	cmd := codec.TryParse(frame)
	if cmd.Instruction != codec.UpdateOscillator {
		t.Fatalf("instruction = %d, want UpdateOscillator", cmd.Instruction)
	}
	if len(cmd.Data) != 17 {
		t.Fatalf("body len = %d, want 17", len(cmd.Data))
	}
	if cmd.Data[0] != 3 {
		t.Fatalf("index byte = %d, want 3", cmd.Data[0])
	}
	freq := math.Float32frombits(binary.LittleEndian.Uint32(cmd.Data[1:5]))
	if freq != 0.5 {
		t.Fatalf("decoded frequency = %v, want 0.5", freq)
	}
}
