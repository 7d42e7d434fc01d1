package codec

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestRoundTripFraming(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for instr := 0; instr <= int(SendIMUData); instr++ {
		for i := 0; i < 50; i++ {
			body := make([]byte, r.Intn(40))
			r.Read(body)

			frame := Encode(Instruction(instr), body)
			got := TryParse(frame)

			if got.Instruction != Instruction(instr) {
				t.Fatalf("instr=%d: got instruction %d", instr, got.Instruction)
			}
			if !bytes.Equal(got.Data, body) && !(len(got.Data) == 0 && len(body) == 0) {
				t.Fatalf("instr=%d body=%x: round trip got %x", instr, body, got.Data)
			}
		}
	}
}

func TestEscapeContainsNoSentinels(t *testing.T) {
	bodies := [][]byte{
		[]byte("ED"),
		[]byte("MO"),
		[]byte("EDMO"),
		[]byte("\\ED\\MO\\"),
		[]byte("EDEDMOMO"),
		{0x45, 0x44, 0x4D, 0x4F, 0x5C},
	}
	for _, body := range bodies {
		escaped := Escape(body)
		if bytes.Contains(escaped, []byte("ED")) && !bytes.Contains(escaped, []byte("E\\D")) {
			t.Fatalf("escaped body %x contains literal ED", escaped)
		}
		if bytes.Contains(escaped, []byte("MO")) && !bytes.Contains(escaped, []byte("M\\O")) {
			t.Fatalf("escaped body %x contains literal MO", escaped)
		}
		if got := Unescape(escaped); !bytes.Equal(got, body) {
			t.Fatalf("unescape(escape(%x)) = %x, want %x", body, got, body)
		}
	}
}

func TestTryParseMalformed(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("ED"),
		[]byte("EDMO"),
		[]byte("XXnMO"),
		[]byte("ED\x00XY"),
	}
	for _, c := range cases {
		got := TryParse(c)
		if len(c) < 5 || c[0] != 'E' || c[1] != 'D' || c[len(c)-2] != 'M' || c[len(c)-1] != 'O' {
			if got.Instruction != Invalid {
				t.Fatalf("TryParse(%x) = %+v, want Invalid", c, got)
			}
		}
	}
}

func TestSanitize(t *testing.T) {
	for i := 0; i <= int(SendIMUData); i++ {
		if got := Sanitize(i); got != Instruction(i) {
			t.Fatalf("Sanitize(%d) = %d", i, got)
		}
	}
	for _, bad := range []int{-1, 6, 99, -99} {
		if got := Sanitize(bad); got != Invalid {
			t.Fatalf("Sanitize(%d) = %d, want Invalid", bad, got)
		}
	}
}

func TestEncodeCommand(t *testing.T) {
	c := Command{Instruction: GetTime, Data: []byte{1, 2, 3}}
	frame := EncodeCommand(c)
	got := TryParse(frame)
	if got.Instruction != GetTime || !bytes.Equal(got.Data, c.Data) {
		t.Fatalf("EncodeCommand round trip failed: %+v", got)
	}
}

func TestIdentifyFrameLiteral(t *testing.T) {
	got := Encode(Identify, nil)
	want := []byte("ED\x00MO")
	if !bytes.Equal(got, want) {
		t.Fatalf("Encode(Identify, nil) = %x, want %x", got, want)
	}
}
