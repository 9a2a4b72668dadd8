// Package guacproto implements the Guacamole protocol's atomic message, the
// instruction, and its length-prefixed text encoding:
//
//	len(opcode).opcode,len(arg1).arg1,...,len(argN).argN;
//
// Lengths count UTF-8 bytes. Because every element carries its own length,
// payloads may contain ',', '.' and ';' freely.
package guacproto

import (
	"bytes"
	"strconv"
	"strings"
)

// Instruction is an opcode plus an ordered list of string arguments. An
// Instruction is immutable once constructed.
type Instruction struct {
	opcode string
	args   []string
}

// New creates an Instruction. args is copied.
func New(opcode string, args ...string) *Instruction {
	var a []string
	if len(args) > 0 {
		a = make([]string, len(args))
		copy(a, args)
	}
	return &Instruction{opcode: opcode, args: a}
}

// Opcode returns the instruction's opcode. The keepalive instruction has an
// empty opcode.
func (i *Instruction) Opcode() string {
	return i.opcode
}

// Args returns a copy of the instruction's arguments.
func (i *Instruction) Args() []string {
	a := make([]string, len(i.args))
	copy(a, i.args)
	return a
}

// NumArgs returns the number of arguments.
func (i *Instruction) NumArgs() int {
	return len(i.args)
}

// Arg returns argument n, or "" if there is no such argument.
func (i *Instruction) Arg(n int) string {
	if n < 0 || n >= len(i.args) {
		return ""
	}
	return i.args[n]
}

// IsKeepalive returns true for the reserved zero-length opcode used by
// browser clients to keep their own liveness timers satisfied.
func (i *Instruction) IsKeepalive() bool {
	return i.opcode == ""
}

// Equal reports whether two instructions have the same opcode and arguments.
func (i *Instruction) Equal(o *Instruction) bool {
	if i == nil || o == nil {
		return i == o
	}
	if i.opcode != o.opcode || len(i.args) != len(o.args) {
		return false
	}
	for n := range i.args {
		if i.args[n] != o.args[n] {
			return false
		}
	}
	return true
}

// Encode returns the wire encoding of the instruction.
func (i *Instruction) Encode() string {
	return Encode(i.opcode, i.args...)
}

// AppendEncoded appends the wire encoding of the instruction to b.
func (i *Instruction) AppendEncoded(b []byte) []byte {
	b = appendElement(b, i.opcode)
	for _, a := range i.args {
		b = append(b, ',')
		b = appendElement(b, a)
	}
	return append(b, ';')
}

// String returns the wire encoding; it is meant for logs.
func (i *Instruction) String() string {
	return i.Encode()
}

// Encode builds the wire encoding of an instruction. It is total: every
// string is encodable.
func Encode(opcode string, args ...string) string {
	var sb strings.Builder
	size := len(opcode) + 4
	for _, a := range args {
		size += len(a) + 5
	}
	sb.Grow(size)
	writeElement(&sb, opcode)
	for _, a := range args {
		sb.WriteByte(',')
		writeElement(&sb, a)
	}
	sb.WriteByte(';')
	return sb.String()
}

func writeElement(sb *strings.Builder, s string) {
	sb.WriteString(strconv.Itoa(len(s)))
	sb.WriteByte('.')
	sb.WriteString(s)
}

func appendElement(b []byte, s string) []byte {
	b = strconv.AppendInt(b, int64(len(s)), 10)
	b = append(b, '.')
	return append(b, s...)
}

var keepalivePrefix = []byte("0.")

// IsKeepalive reports whether a raw encoded message starts with a
// zero-length opcode. It does not validate the rest of the message.
func IsKeepalive(msg []byte) bool {
	return bytes.HasPrefix(msg, keepalivePrefix)
}
