package guacbridge

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sammck-go/guactunnel/pkg/guacproto"
	"github.com/sammck-go/guactunnel/pkg/handshake"
	"github.com/sammck-go/guactunnel/pkg/logger"
	"github.com/sammck-go/guactunnel/pkg/resolve"
)

// fakeGuacd accepts one connection and runs script on it
func fakeGuacd(t *testing.T, script func(conn net.Conn, dec *guacproto.Decoder)) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn, guacproto.NewDecoder(conn))
	}()
	return l.Addr().String()
}

var testCredentials = resolve.CredentialResolverFunc(func(ctx context.Context, credential string) (string, error) {
	switch credential {
	case "good":
		return "vm-1", nil
	case "orphan":
		return "vm-404", nil
	case "flaky":
		return "", errors.New("store unreachable")
	}
	return "", resolve.ErrCredentialInvalid
})

var testEndpoints = resolve.StaticEndpoints{
	"vm-1": {Host: "127.0.0.1", Port: 5901},
}

func newTestBridge(daemonAddr string, opts ...Option) *Bridge {
	return NewBridge(logger.NewDiscardLogger(), Config{
		DaemonAddr: daemonAddr,
		Handshake:  handshake.Config{Timeout: 2 * time.Second},
	}, testCredentials, testEndpoints, opts...)
}

func TestServeInvalidCredential(t *testing.T) {
	obs := newRecordingObserver()
	b := newTestBridge("127.0.0.1:1", WithObserver(obs))
	browser := newFakeBrowser()
	err := b.Serve(context.Background(), browser, Request{Credential: "bad"})
	assert.ErrorIs(t, err, resolve.ErrCredentialInvalid)
	code, reason := browser.waitClosed(t)
	assert.Equal(t, CloseCredentialInvalid, code)
	assert.Equal(t, "Invalid credential", reason)
	outcomes, _ := obs.snapshot()
	assert.Equal(t, []string{OutcomeCredentialInvalid}, outcomes)
}

func TestServeCredentialLookupFailure(t *testing.T) {
	browser := newFakeBrowser()
	err := newTestBridge("127.0.0.1:1").Serve(context.Background(), browser, Request{Credential: "flaky"})
	require.Error(t, err)
	code, _ := browser.waitClosed(t)
	assert.Equal(t, CloseInternalError, code)
}

func TestServeEndpointUnavailable(t *testing.T) {
	browser := newFakeBrowser()
	err := newTestBridge("127.0.0.1:1").Serve(context.Background(), browser, Request{Credential: "orphan"})
	assert.ErrorIs(t, err, resolve.ErrEndpointUnavailable)
	code, reason := browser.waitClosed(t)
	assert.Equal(t, CloseEndpointUnavailable, code)
	assert.Equal(t, "No VNC display found", reason)
}

func TestServeDaemonUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	browser := newFakeBrowser()
	err = newTestBridge(addr).Serve(context.Background(), browser, Request{Credential: "good"})
	require.Error(t, err)
	code, reason := browser.waitClosed(t)
	assert.Equal(t, CloseInternalError, code)
	assert.True(t, strings.HasPrefix(reason, "Cannot connect to guacd: "), reason)
}

func TestServeDaemonRejected(t *testing.T) {
	addr := fakeGuacd(t, func(conn net.Conn, dec *guacproto.Decoder) {
		dec.Decode()
		io.WriteString(conn, guacproto.Encode("args", "hostname", "port"))
		dec.Decode()
		io.WriteString(conn, guacproto.Encode("error", "no such display", "519"))
	})
	browser := newFakeBrowser()
	err := newTestBridge(addr).Serve(context.Background(), browser, Request{Credential: "good"})
	assert.ErrorIs(t, err, handshake.ErrDaemonRejected)
	code, reason := browser.waitClosed(t)
	assert.Equal(t, CloseInternalError, code)
	assert.Equal(t, "no such display", reason)
}

func TestServeEndToEnd(t *testing.T) {
	connects := make(chan *guacproto.Instruction, 1)
	relayed := make(chan *guacproto.Instruction, 1)
	addr := fakeGuacd(t, func(conn net.Conn, dec *guacproto.Decoder) {
		if _, err := dec.Decode(); err != nil {
			return
		}
		io.WriteString(conn, guacproto.Encode("required", "VERSION"))
		if _, err := dec.Decode(); err != nil {
			return
		}
		io.WriteString(conn, guacproto.Encode("args", "VERSION_1_5_0", "hostname", "port", "width", "height", "password"))
		inst, err := dec.Decode()
		if err != nil {
			return
		}
		connects <- inst
		io.WriteString(conn, guacproto.Encode("ready", "$conn")+guacproto.Encode("sync", "1"))
		inst, err = dec.Decode()
		if err != nil {
			return
		}
		relayed <- inst
		// read until the bridge hangs up
		for {
			if _, err := dec.Decode(); err != nil {
				return
			}
		}
	})

	obs := newRecordingObserver()
	b := newTestBridge(addr, WithObserver(obs))
	browser := newFakeBrowser()
	done := make(chan error, 1)
	go func() {
		done <- b.Serve(context.Background(), browser, Request{Credential: "good", Width: 1280, Height: 720})
	}()

	assert.Equal(t, guacproto.Encode("ready", "$conn"), browser.next(t))
	assert.Equal(t, guacproto.Encode("sync", "1"), browser.next(t))

	select {
	case inst := <-connects:
		assert.Equal(t, []string{"1.5.0", "127.0.0.1", "5901", "1280", "720", ""}, inst.Args())
	case <-time.After(5 * time.Second):
		t.Fatal("no connect")
	}

	browser.say("0.,4.ping,1.1;")
	assert.Equal(t, "0.,4.ping,1.1;", browser.next(t))
	browser.say(guacproto.Encode("mouse", "10", "20", "1"))
	select {
	case inst := <-relayed:
		assert.Equal(t, "mouse", inst.Opcode())
	case <-time.After(5 * time.Second):
		t.Fatal("nothing relayed")
	}

	browser.hangUp()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	outcomes, keepalives := obs.snapshot()
	assert.Equal(t, []string{OutcomeNormal}, outcomes)
	assert.Equal(t, 1, keepalives)
}

type refusingTracker struct{}

func (refusingTracker) TrackSession(*Session) error {
	return ErrShutdown
}

func TestServeTrackerRefuses(t *testing.T) {
	addr := fakeGuacd(t, func(conn net.Conn, dec *guacproto.Decoder) {
		dec.Decode()
		io.WriteString(conn, guacproto.Encode("args", "hostname"))
		dec.Decode()
		io.WriteString(conn, guacproto.Encode("ready", "$x"))
		dec.Decode()
	})
	browser := newFakeBrowser()
	err := newTestBridge(addr, WithSessionTracker(refusingTracker{})).
		Serve(context.Background(), browser, Request{Credential: "good"})
	assert.ErrorIs(t, err, ErrShutdown)
	code, _ := browser.waitClosed(t)
	assert.Equal(t, CloseGoingAway, code)
}

func TestSizeParams(t *testing.T) {
	assert.Equal(t, map[string]string{"width": "1024", "height": "768"}, sizeParams(Request{}))
	assert.Equal(t, map[string]string{"width": "800", "height": "600"}, sizeParams(Request{Width: 800, Height: 600}))
}
