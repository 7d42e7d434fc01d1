// Package codec implements the framed, byte-stuffed wire protocol shared by
// the serial and UDP transports: "ED" <instruction> <escaped body> "MO".
package codec

import "bytes"

// Instruction identifies the payload carried by a packet.
type Instruction int8

const (
	Identify         Instruction = 0
	SessionStart     Instruction = 1
	GetTime          Instruction = 2
	UpdateOscillator Instruction = 3
	SendMotorData    Instruction = 4
	SendIMUData      Instruction = 5
	Invalid          Instruction = -1
)

var (
	header = [2]byte{'E', 'D'}
	footer = [2]byte{'M', 'O'}
)

// Sanitize maps any value outside the known instruction range to Invalid.
func Sanitize(instruction int) Instruction {
	if instruction < 0 || instruction > int(SendIMUData) {
		return Invalid
	}
	return Instruction(instruction)
}

// Escape applies the wire-format escape rule to a raw packet body: every
// backslash is doubled first, then each sentinel bigram is split with an
// inserted backslash so neither can ever resync a reader mid-frame. Doing
// the backslash pass first (unlike the original EDMOPacket.escape, which
// skipped it) is what makes Unescape's drop-the-backslash rule lossless.
func Escape(body []byte) []byte {
	out := bytes.ReplaceAll(body, []byte{'\\'}, []byte{'\\', '\\'})
	out = bytes.ReplaceAll(out, header[:], []byte{header[0], '\\', header[1]})
	out = bytes.ReplaceAll(out, footer[:], []byte{footer[0], '\\', footer[1]})
	return out
}

// Unescape is the left-to-right dual of Escape: a backslash is dropped and
// the following byte is emitted verbatim. A trailing backslash simply ends
// the output early rather than panicking — callers only ever feed it bytes
// already framed between a header and footer.
func Unescape(body []byte) []byte {
	out := make([]byte, 0, len(body))
	for i := 0; i < len(body); i++ {
		if body[i] == '\\' {
			i++
			if i >= len(body) {
				break
			}
		}
		out = append(out, body[i])
	}
	return out
}

// Encode frames an instruction and raw body into a transmittable packet.
func Encode(instruction Instruction, body []byte) []byte {
	escaped := Escape(body)
	out := make([]byte, 0, len(header)+1+len(escaped)+len(footer))
	out = append(out, header[:]...)
	out = append(out, byte(instruction))
	out = append(out, escaped...)
	out = append(out, footer[:]...)
	return out
}

// Command is a decoded instruction/body pair.
type Command struct {
	Instruction Instruction
	Data        []byte
}

// EncodeCommand is a convenience wrapper around Encode for a Command value.
func EncodeCommand(c Command) []byte {
	return Encode(c.Instruction, c.Data)
}

// TryParse extracts the instruction and raw body from a single framed
// packet. It returns (Invalid, nil) if the header/footer sentinels are
// absent — malformed frames are never partially trusted.
func TryParse(packet []byte) Command {
	if len(packet) < len(header)+1+len(footer) {
		return Command{Instruction: Invalid}
	}
	if packet[0] != header[0] || packet[1] != header[1] {
		return Command{Instruction: Invalid}
	}
	end := len(packet)
	if packet[end-2] != footer[0] || packet[end-1] != footer[1] {
		return Command{Instruction: Invalid}
	}

	instruction := Sanitize(int(packet[2]))
	data := Unescape(packet[3 : end-2])

	return Command{Instruction: instruction, Data: data}
}
