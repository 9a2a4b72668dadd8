package guacbridge

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/jpillora/sizestr"

	"github.com/sammck-go/guactunnel/pkg/asyncobj"
	"github.com/sammck-go/guactunnel/pkg/guacproto"
	"github.com/sammck-go/guactunnel/pkg/logger"
)

// Session relays one connected browser and one negotiated daemon stream. It
// runs two pumps: inbound (browser to daemon, echoing keepalives) and outbound
// (daemon to browser). When either stops, the session shuts down and closes
// both ends.
type Session struct {
	*asyncobj.Helper

	id       string
	browser  *browserSender
	daemon   net.Conn
	dec      *guacproto.Decoder
	observer Observer

	pumps sync.WaitGroup

	bytesIn    atomic.Int64
	bytesOut   atomic.Int64
	msgsIn     atomic.Int64
	msgsOut    atomic.Int64
	keepalives atomic.Int64
}

// NewSession creates a Session over an already negotiated daemon stream. dec
// must be the decoder that was used for the handshake.
func NewSession(
	lg logger.Logger,
	id string,
	browser BrowserChannel,
	daemon net.Conn,
	dec *guacproto.Decoder,
	observer Observer,
) *Session {
	if observer == nil {
		observer = NopObserver{}
	}
	s := &Session{
		id:       id,
		browser:  newBrowserSender(browser),
		daemon:   daemon,
		dec:      dec,
		observer: observer,
	}
	s.Helper = asyncobj.NewHelper(lg, s)
	return s
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

func (s *Session) String() string {
	return "session#" + s.id
}

// BytesIn returns the number of browser bytes forwarded to the daemon
func (s *Session) BytesIn() int64 {
	return s.bytesIn.Load()
}

// BytesOut returns the number of bytes sent to the browser, including echoed keepalives
func (s *Session) BytesOut() int64 {
	return s.bytesOut.Load()
}

// Keepalives returns the number of keepalives echoed to the browser
func (s *Session) Keepalives() int64 {
	return s.keepalives.Load()
}

// CloseCode returns the close code sent to the browser, or 0 while the
// browser is still open
func (s *Session) CloseCode() int {
	return s.browser.closedWith()
}

// Run forwards first (if not nil) to the browser, then relays in both
// directions until either side terminates, ctx is done, or StartShutdown is
// called. It returns after both pumps have stopped and both ends are closed.
// The result is nil for a normal termination by either peer.
func (s *Session) Run(ctx context.Context, first *guacproto.Instruction) error {
	err := s.DoOnceActivate(
		func() error {
			s.ShutdownOnContext(ctx)
			if first != nil {
				if err := s.sendToBrowser([]byte(first.Encode())); err != nil {
					return s.DLogErrorf("unable to forward first instruction %s: %w", first, err)
				}
			}
			s.pumps.Add(2)
			go s.inboundPump()
			go s.outboundPump()
			return nil
		},
		true,
	)
	if err != nil {
		return err
	}
	return s.WaitShutdown()
}

// HandleOnceShutdown closes both ends and waits for the pumps to stop. A
// browser that is still open at this point is sent 1001 if the session is
// being shut down from outside, or 1011 after a relay failure.
func (s *Session) HandleOnceShutdown(completionErr error) error {
	code, reason := CloseGoingAway, "session closed"
	if completionErr != nil && !isCancellation(completionErr) {
		code, reason = CloseInternalError, completionErr.Error()
	}
	s.browser.close(code, reason)
	if err := s.daemon.Close(); err != nil {
		s.TLogf("close of daemon stream failed, ignoring: %s", err)
	}
	s.pumps.Wait()
	s.ILogf("closed with %d: %s (%d msgs) from browser, %s (%d msgs) to browser, %d keepalives",
		s.browser.closedWith(),
		sizestr.ToString(s.bytesIn.Load()), s.msgsIn.Load(),
		sizestr.ToString(s.bytesOut.Load()), s.msgsOut.Load(),
		s.keepalives.Load())
	return completionErr
}

func (s *Session) sendToBrowser(msg []byte) error {
	if err := s.browser.send(msg); err != nil {
		return err
	}
	s.bytesOut.Add(int64(len(msg)))
	s.msgsOut.Add(1)
	s.observer.BytesRelayed(DirectionOutbound, len(msg))
	return nil
}

// inboundPump forwards browser messages to the daemon verbatim. Keepalives are
// echoed to the browser and never reach the daemon.
func (s *Session) inboundPump() {
	defer s.pumps.Done()
	for {
		msg, err := s.browser.ch.ReadMessage()
		if err != nil {
			s.DLogf("browser closed: %s", err)
			s.browser.close(CloseNormal, "")
			s.daemon.Close()
			s.StartShutdown(nil)
			return
		}
		if guacproto.IsKeepalive(msg) {
			if err := s.sendToBrowser(msg); err != nil {
				s.relayFailed(s.DLogErrorf("keepalive echo failed: %w", err), "relay to browser failed")
				return
			}
			s.keepalives.Add(1)
			s.observer.KeepaliveEchoed()
			continue
		}
		n, err := s.daemon.Write(msg)
		s.bytesIn.Add(int64(n))
		if err != nil {
			s.relayFailed(s.DLogErrorf("write to daemon failed: %w", err), "relay to guacd failed")
			return
		}
		s.msgsIn.Add(1)
		s.observer.BytesRelayed(DirectionInbound, n)
	}
}

// outboundPump decodes daemon instructions and sends each, re-encoded, to
// the browser
func (s *Session) outboundPump() {
	defer s.pumps.Done()
	var buf []byte
	for {
		inst, err := s.dec.Decode()
		if err != nil {
			if errors.Is(err, guacproto.ErrStreamClosed) {
				s.DLogf("daemon closed: %s", err)
				s.browser.close(CloseNormal, "")
				s.StartShutdown(nil)
				return
			}
			err = s.DLogErrorf("invalid instruction from daemon: %w", err)
			s.browser.close(CloseInternalError, "invalid instruction from guacd")
			s.StartShutdown(err)
			return
		}
		buf = inst.AppendEncoded(buf[:0])
		if err := s.sendToBrowser(buf); err != nil {
			s.relayFailed(s.DLogErrorf("write to browser failed: %w", err), "relay to browser failed")
			return
		}
	}
}

// relayFailed ends the session after a failed write. The browser close code
// and the completion status are recorded before the daemon is closed, since
// closing it wakes the outbound pump with ErrStreamClosed. A write that fails
// because the browser already closed is a normal end.
func (s *Session) relayFailed(err error, reason string) {
	if s.browser.closedWith() != 0 {
		err = nil
	} else if !s.browser.close(CloseInternalError, reason) {
		err = nil
	}
	s.StartShutdown(err)
	s.daemon.Close()
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, ErrShutdown)
}
