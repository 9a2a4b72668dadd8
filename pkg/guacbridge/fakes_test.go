package guacbridge

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prep/socketpair"
	"github.com/stretchr/testify/require"
)

var errBrowserClosed = errors.New("browser channel closed")

// fakeBrowser is an in-memory BrowserChannel. Tests push browser messages
// with say and read what the bridge sent with next.
type fakeBrowser struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}

	hangUpOnce sync.Once
	closeOnce  sync.Once
	lock       sync.Mutex
	code       int
	reason     string
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (b *fakeBrowser) ReadMessage() ([]byte, error) {
	select {
	case m, ok := <-b.in:
		if !ok {
			return nil, io.EOF
		}
		return m, nil
	case <-b.closed:
		return nil, errBrowserClosed
	}
}

func (b *fakeBrowser) WriteMessage(msg []byte) error {
	cp := append([]byte(nil), msg...)
	select {
	case <-b.closed:
		return errBrowserClosed
	default:
	}
	select {
	case b.out <- cp:
		return nil
	case <-b.closed:
		return errBrowserClosed
	}
}

func (b *fakeBrowser) Close(code int, reason string) error {
	b.closeOnce.Do(func() {
		b.lock.Lock()
		b.code, b.reason = code, reason
		b.lock.Unlock()
		close(b.closed)
	})
	return nil
}

// say sends a message from the browser
func (b *fakeBrowser) say(msg string) {
	b.in <- []byte(msg)
}

// hangUp simulates the browser going away
func (b *fakeBrowser) hangUp() {
	b.hangUpOnce.Do(func() { close(b.in) })
}

// next returns the next message sent to the browser
func (b *fakeBrowser) next(t *testing.T) string {
	t.Helper()
	select {
	case m := <-b.out:
		return string(m)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a message to the browser")
		return ""
	}
}

// waitClosed waits for the channel to be closed and returns the close code and reason
func (b *fakeBrowser) waitClosed(t *testing.T) (int, string) {
	t.Helper()
	select {
	case <-b.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for browser close")
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.code, b.reason
}

func newDaemonPair(t *testing.T) (proxySide, daemonSide net.Conn) {
	t.Helper()
	a, b, err := socketpair.New("unix")
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

// recordingObserver counts telemetry events
type recordingObserver struct {
	lock       sync.Mutex
	started    int
	outcomes   []string
	handshakes int
	bytes      map[string]int
	keepalives int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{bytes: map[string]int{}}
}

func (o *recordingObserver) SessionStarted() {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.started++
}

func (o *recordingObserver) SessionEnded(outcome string) {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *recordingObserver) HandshakeCompleted(time.Duration, error) {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.handshakes++
}

func (o *recordingObserver) BytesRelayed(direction string, n int) {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.bytes[direction] += n
}

func (o *recordingObserver) KeepaliveEchoed() {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.keepalives++
}

func (o *recordingObserver) snapshot() ([]string, int) {
	o.lock.Lock()
	defer o.lock.Unlock()
	return append([]string(nil), o.outcomes...), o.keepalives
}
