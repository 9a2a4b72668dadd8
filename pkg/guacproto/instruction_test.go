package guacproto

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	assert.Equal(t, "6.select,3.vnc;", Encode("select", "vnc"))
	assert.Equal(t, "4.sync;", Encode("sync"))
	assert.Equal(t, "7.connect,9.127.0.0.1,4.5901,0.;", Encode("connect", "127.0.0.1", "5901", ""))
	assert.Equal(t, "0.,4.ping,3.123;", Encode("", "ping", "123"))
	// lengths are UTF-8 byte counts
	assert.Equal(t, "4.name,5.héé;", Encode("name", "héé"))
}

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		opcode string
		args   []string
	}{
		{"no args", "nop", nil},
		{"empty arg", "connect", []string{"", "x", ""}},
		{"embedded delimiters", "error", []string{"a,b", "1.2", "x;y", ".,;"}},
		{"fake element inside payload", "key", []string{"3.abc,4.defg;"}},
		{"utf8", "clipboard", []string{"日本語", "✓"}},
		{"keepalive", "", []string{"ping", "1700000000000"}},
		{"ready", "ready", []string{"$260d01da-779b-4ee9-afc1-c16bae885cc7"}},
		{"long", "blob", []string{strings.Repeat("A", 8192)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			enc := Encode(tc.opcode, tc.args...)
			inst, err := NewDecoder(strings.NewReader(enc)).Decode()
			require.NoError(t, err)
			assert.Equal(t, tc.opcode, inst.Opcode())
			assert.Equal(t, len(tc.args), inst.NumArgs())
			for i, a := range tc.args {
				assert.Equal(t, a, inst.Arg(i))
			}
			assert.True(t, inst.Equal(New(tc.opcode, tc.args...)))
			assert.Equal(t, enc, inst.Encode())
			assert.Equal(t, enc, string(inst.AppendEncoded(nil)))
		})
	}
}

func TestInstructionImmutable(t *testing.T) {
	args := []string{"a", "b"}
	inst := New("op", args...)
	args[0] = "changed"
	assert.Equal(t, "a", inst.Arg(0))

	got := inst.Args()
	got[1] = "changed"
	assert.Equal(t, "b", inst.Arg(1))
	assert.Equal(t, "", inst.Arg(5))
}

func TestEqual(t *testing.T) {
	assert.True(t, New("a", "b").Equal(New("a", "b")))
	assert.False(t, New("a", "b").Equal(New("a", "c")))
	assert.False(t, New("a", "b").Equal(New("a", "b", "")))
	assert.False(t, New("a").Equal(nil))
}

func TestDecodeSequence(t *testing.T) {
	stream := Encode("args", "VERSION_1_5_0", "hostname", "port") + Encode("ready", "$abc") + Encode("sync", "1")
	d := NewDecoder(strings.NewReader(stream))
	for _, want := range []*Instruction{
		New("args", "VERSION_1_5_0", "hostname", "port"),
		New("ready", "$abc"),
		New("sync", "1"),
	} {
		got, err := d.Decode()
		require.NoError(t, err)
		assert.True(t, want.Equal(got), "want %s got %s", want, got)
	}
	_, err := d.Decode()
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string]string{
		"letter in length":    "a.select;",
		"negative length":     "-1.x;",
		"empty length":        ".select;",
		"length past payload": "3.select;",
		"short length":        "9.abc;de,f;",
		"huge length":         "99999999.x;",
		"missing dot":         "6select;",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewDecoder(strings.NewReader(input)).Decode()
			require.Error(t, err)
			if !errors.Is(err, ErrMalformedInstruction) && !errors.Is(err, ErrStreamClosed) {
				t.Fatalf("unexpected error class: %v", err)
			}
		})
	}
	_, err := NewDecoder(strings.NewReader("3.select;")).Decode()
	assert.ErrorIs(t, err, ErrMalformedInstruction)
}

func TestDecodeStreamClosed(t *testing.T) {
	for _, input := range []string{"", "6.sel", "6.select,", "6.select", "6.select,3"} {
		_, err := NewDecoder(strings.NewReader(input)).Decode()
		assert.ErrorIs(t, err, ErrStreamClosed, "input %q", input)
	}
}

type failingReader struct{ err error }

func (r failingReader) Read(p []byte) (int, error) { return 0, r.err }

func TestDecodeReadErrorKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	_, err := NewDecoder(failingReader{cause}).Decode()
	assert.ErrorIs(t, err, ErrStreamClosed)
	assert.ErrorIs(t, err, cause)
}

func TestDecodeByteAtATime(t *testing.T) {
	enc := Encode("size", "0", "1024", "768")
	d := NewDecoder(io.LimitReader(&oneByteReader{s: enc}, int64(len(enc))))
	inst, err := d.Decode()
	require.NoError(t, err)
	assert.True(t, New("size", "0", "1024", "768").Equal(inst))
}

type oneByteReader struct {
	s string
	i int
}

func (r *oneByteReader) Read(p []byte) (int, error) {
	if r.i >= len(r.s) {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	p[0] = r.s[r.i]
	r.i++
	return 1, nil
}

func TestParse(t *testing.T) {
	inst, err := Parse("5.mouse,2.10,2.20,1.0;")
	require.NoError(t, err)
	assert.Equal(t, "mouse", inst.Opcode())

	_, err = Parse("5.mouse,2.10")
	assert.ErrorIs(t, err, ErrMalformedInstruction)

	_, err = Parse("4.sync;4.sync;")
	assert.ErrorIs(t, err, ErrMalformedInstruction)
}

func TestIsKeepalive(t *testing.T) {
	assert.True(t, IsKeepalive([]byte("0.,4.ping,13.1700000000000;")))
	assert.True(t, IsKeepalive([]byte(Encode(""))))
	assert.False(t, IsKeepalive([]byte("4.sync,1.0;")))
	assert.False(t, IsKeepalive([]byte("10.abcdefghij;")))
	assert.False(t, IsKeepalive(nil))

	inst, err := Parse("0.,4.ping;")
	require.NoError(t, err)
	assert.True(t, inst.IsKeepalive())
}
