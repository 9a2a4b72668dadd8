package guacbridge

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

// Subprotocol is the websocket subprotocol a browser must offer
const Subprotocol = "guacamole"

// Close codes sent to the browser
const (
	CloseNormal              = websocket.CloseNormalClosure     // 1000
	CloseGoingAway           = websocket.CloseGoingAway         // 1001
	CloseInternalError       = websocket.CloseInternalServerErr // 1011
	CloseCredentialInvalid   = 4001
	CloseEndpointUnavailable = 4002
)

// MaxCloseReasonLength is the largest close reason that fits a control frame
const MaxCloseReasonLength = 123

const closeWriteTimeout = 2 * time.Second

// BrowserChannel is a message-oriented, full-duplex channel to the browser.
// ReadMessage and WriteMessage are each called from a single goroutine at a
// time. Close may be called concurrently with either, and must unblock them.
type BrowserChannel interface {
	ReadMessage() ([]byte, error)
	WriteMessage(msg []byte) error
	Close(code int, reason string) error
}

type wsChannel struct {
	conn *websocket.Conn
}

// NewWebSocketChannel adapts an upgraded gorilla websocket connection. Messages
// are sent as text frames.
func NewWebSocketChannel(conn *websocket.Conn) BrowserChannel {
	return &wsChannel{conn: conn}
}

func (c *wsChannel) ReadMessage() ([]byte, error) {
	_, p, err := c.conn.ReadMessage()
	return p, err
}

func (c *wsChannel) WriteMessage(msg []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Close sends a close frame with code and reason, then closes the socket
func (c *wsChannel) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, TruncateReason(reason))
	err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
	if errors.Is(err, websocket.ErrCloseSent) {
		err = nil
	}
	cerr := c.conn.Close()
	if err == nil {
		err = cerr
	}
	return err
}

// TruncateReason shortens reason to MaxCloseReasonLength bytes without
// splitting a UTF-8 sequence.
func TruncateReason(reason string) string {
	if len(reason) <= MaxCloseReasonLength {
		return reason
	}
	cut := MaxCloseReasonLength
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}

// browserSender serializes every browser-bound write. close does not take the
// write lock so that it can unblock a writer stuck on a slow browser.
type browserSender struct {
	ch        BrowserChannel
	lock      sync.Mutex
	closeOnce sync.Once
	closeCode atomic.Int32
}

func newBrowserSender(ch BrowserChannel) *browserSender {
	return &browserSender{ch: ch}
}

func (s *browserSender) send(msg []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.ch.WriteMessage(msg)
}

// close closes the channel. Only the first call has any effect; it returns
// true if this call closed the channel.
func (s *browserSender) close(code int, reason string) bool {
	closed := false
	s.closeOnce.Do(func() {
		s.closeCode.Store(int32(code))
		s.ch.Close(code, reason)
		closed = true
	})
	return closed
}

// closedWith returns the code the channel was closed with, or 0 if it is open
func (s *browserSender) closedWith() int {
	return int(s.closeCode.Load())
}
