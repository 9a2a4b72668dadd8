package guacproto

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrMalformedInstruction is returned when the byte stream does not obey
	// the instruction grammar.
	ErrMalformedInstruction = errors.New("malformed instruction")

	// ErrStreamClosed is returned when the stream ends before an instruction
	// terminator is seen.
	ErrStreamClosed = errors.New("stream closed")
)

// MaxElementLength bounds a single element's declared length. It guards
// against allocating for a garbage length prefix.
const MaxElementLength = 1 << 20

// maxLengthDigits is the number of digits needed for MaxElementLength
const maxLengthDigits = 7

// Decoder reads instructions from a byte stream. The decoder buffers its
// input, so every reader of a given stream must go through the same Decoder.
// A Decoder is not safe for concurrent use.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder creates a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Decoder{r: br}
}

// Buffered returns the number of bytes read from the stream but not yet decoded.
func (d *Decoder) Buffered() int {
	return d.r.Buffered()
}

// Decode blocks until one complete instruction has been read, or an error
// occurs. Errors wrap ErrMalformedInstruction or ErrStreamClosed; read errors
// from the underlying stream other than EOF are wrapped as ErrStreamClosed
// too, with the original error retained in the chain.
func (d *Decoder) Decode() (*Instruction, error) {
	var elements []string
	for {
		n, err := d.readLength(len(elements) == 0)
		if err != nil {
			return nil, err
		}
		payload, err := d.readPayload(n)
		if err != nil {
			return nil, err
		}
		elements = append(elements, payload)

		sep, err := d.r.ReadByte()
		if err != nil {
			return nil, closedErr(err)
		}
		switch sep {
		case ',':
		case ';':
			return &Instruction{opcode: elements[0], args: elements[1:]}, nil
		default:
			return nil, fmt.Errorf("%w: element of declared length %d followed by %q instead of ',' or ';'",
				ErrMalformedInstruction, n, sep)
		}
	}
}

// readLength reads "<digits>." and returns the value. first is true when
// no byte of the current instruction has been read yet.
func (d *Decoder) readLength(first bool) (int, error) {
	n := 0
	digits := 0
	for {
		c, err := d.r.ReadByte()
		if err != nil {
			if first && digits == 0 && err == io.EOF {
				return 0, fmt.Errorf("%w: end of stream", ErrStreamClosed)
			}
			return 0, closedErr(err)
		}
		if c == '.' {
			if digits == 0 {
				return 0, fmt.Errorf("%w: empty length prefix", ErrMalformedInstruction)
			}
			return n, nil
		}
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: length prefix contains %q", ErrMalformedInstruction, c)
		}
		digits++
		if digits > maxLengthDigits {
			return 0, fmt.Errorf("%w: length prefix too long", ErrMalformedInstruction)
		}
		n = n*10 + int(c-'0')
		if n > MaxElementLength {
			return 0, fmt.Errorf("%w: declared length %d exceeds %d", ErrMalformedInstruction, n, MaxElementLength)
		}
	}
}

func (d *Decoder) readPayload(n int) (string, error) {
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return "", closedErr(err)
	}
	return string(buf), nil
}

func closedErr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("%w: end of stream inside instruction", ErrStreamClosed)
	}
	return fmt.Errorf("%w: %w", ErrStreamClosed, err)
}

// Parse decodes exactly one instruction from a complete encoded message.
// Trailing bytes after the terminator make the message malformed.
func Parse(msg string) (*Instruction, error) {
	r := strings.NewReader(msg)
	d := NewDecoder(r)
	inst, err := d.Decode()
	if err != nil {
		if errors.Is(err, ErrStreamClosed) {
			return nil, fmt.Errorf("%w: message ended before terminator", ErrMalformedInstruction)
		}
		return nil, err
	}
	if d.Buffered() > 0 || r.Len() > 0 {
		return nil, fmt.Errorf("%w: trailing data after terminator", ErrMalformedInstruction)
	}
	return inst, nil
}
