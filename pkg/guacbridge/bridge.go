// Package guacbridge connects browser websocket channels to guacd. A Bridge
// resolves the browser's credential to a display endpoint, dials the daemon,
// performs the handshake and then hands both streams to a Session that relays
// them until either side goes away.
package guacbridge

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/sammck-go/guactunnel/pkg/guacproto"
	"github.com/sammck-go/guactunnel/pkg/handshake"
	"github.com/sammck-go/guactunnel/pkg/logger"
	"github.com/sammck-go/guactunnel/pkg/resolve"
)

// ErrShutdown is the completion status of sessions stopped because the
// process is shutting down
var ErrShutdown = errors.New("bridge shutting down")

// Default display size when the browser does not supply one
const (
	DefaultWidth  = 1024
	DefaultHeight = 768
)

// DefaultDialTimeout bounds the TCP connect to guacd
const DefaultDialTimeout = 10 * time.Second

// Request carries the browser-supplied session parameters
type Request struct {
	Credential string
	Width      int
	Height     int
}

// Dialer opens the daemon stream; *net.Dialer implements it
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// SessionTracker is told about each session before it starts relaying, so
// that an owner can shut live sessions down. A non-nil error aborts the
// session with 1001.
type SessionTracker interface {
	TrackSession(s *Session) error
}

// Config holds Bridge settings
type Config struct {
	// DaemonAddr is guacd's host:port
	DaemonAddr string

	// DialTimeout bounds the connect to guacd; zero means DefaultDialTimeout
	DialTimeout time.Duration

	// Handshake configures the handshake negotiator
	Handshake handshake.Config
}

// Bridge serves browser sessions. It is safe for concurrent use.
type Bridge struct {
	logger.Logger
	cfg         Config
	credentials resolve.CredentialResolver
	endpoints   resolve.EndpointResolver
	negotiator  *handshake.Negotiator
	dialer      Dialer
	observer    Observer
	tracker     SessionTracker
}

// Option configures a Bridge
type Option func(*Bridge)

// WithObserver sets the telemetry observer
func WithObserver(o Observer) Option {
	return func(b *Bridge) {
		b.observer = o
	}
}

// WithDialer replaces the net.Dialer used to reach guacd
func WithDialer(d Dialer) Option {
	return func(b *Bridge) {
		b.dialer = d
	}
}

// WithSessionTracker registers every session with t before it runs
func WithSessionTracker(t SessionTracker) Option {
	return func(b *Bridge) {
		b.tracker = t
	}
}

// NewBridge creates a Bridge
func NewBridge(
	lg logger.Logger,
	cfg Config,
	credentials resolve.CredentialResolver,
	endpoints resolve.EndpointResolver,
	opts ...Option,
) *Bridge {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	b := &Bridge{
		Logger:      lg,
		cfg:         cfg,
		credentials: credentials,
		endpoints:   endpoints,
		negotiator:  handshake.NewNegotiator(lg.Fork("handshake"), cfg.Handshake),
		dialer:      &net.Dialer{},
		observer:    NopObserver{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Serve runs one browser session to completion: credential and endpoint
// resolution, daemon connect, handshake, relay. The browser channel is always
// closed on return, with a close code describing the outcome:
//
//	4001 credential invalid
//	4002 endpoint unavailable
//	1011 guacd unreachable, handshake failure, or relay failure
//	1000 normal termination by either peer
//	1001 shutdown
//
// The returned error is nil for a normal termination.
func (b *Bridge) Serve(ctx context.Context, browser BrowserChannel, req Request) error {
	id := uuid.NewString()
	lg := b.Fork("session#%s", id[:8])
	b.observer.SessionStarted()
	outcome := OutcomeRelayError
	defer func() {
		b.observer.SessionEnded(outcome)
	}()

	vmID, err := b.credentials.ResolveCredential(ctx, req.Credential)
	if err != nil {
		if errors.Is(err, resolve.ErrCredentialInvalid) {
			outcome = OutcomeCredentialInvalid
			browser.Close(CloseCredentialInvalid, "Invalid credential")
			return lg.DLogErrorf("rejecting browser: %w", err)
		}
		browser.Close(CloseInternalError, "Credential lookup failed")
		return lg.ELogErrorf("credential lookup failed: %w", err)
	}

	ep, err := b.endpoints.ResolveEndpoint(ctx, vmID)
	if err != nil {
		outcome = OutcomeEndpointUnavailable
		browser.Close(CloseEndpointUnavailable, endpointReason(err))
		return lg.DLogErrorf("no display endpoint for %s: %w", vmID, err)
	}
	lg.DLogf("vm %s display at %s", vmID, ep)

	dialCtx, cancel := context.WithTimeout(ctx, b.cfg.DialTimeout)
	daemon, err := b.dialer.DialContext(dialCtx, "tcp", b.cfg.DaemonAddr)
	cancel()
	if err != nil {
		outcome = OutcomeDaemonUnreachable
		browser.Close(CloseInternalError, "Cannot connect to guacd: "+err.Error())
		return lg.ELogErrorf("cannot connect to guacd at %s: %w", b.cfg.DaemonAddr, err)
	}

	dec := guacproto.NewDecoder(daemon)
	start := time.Now()
	res, err := b.negotiator.Negotiate(ctx, daemon, dec, handshake.Target{
		Host:   ep.Host,
		Port:   ep.Port,
		Params: sizeParams(req),
	})
	b.observer.HandshakeCompleted(time.Since(start), err)
	if err != nil {
		outcome = OutcomeHandshakeFailed
		daemon.Close()
		browser.Close(CloseInternalError, handshakeReason(err))
		return lg.ILogErrorf("handshake with guacd failed: %w", err)
	}
	lg.DLogf("handshake complete in %s, first instruction %s", time.Since(start), res.First.Opcode())

	sess := NewSession(lg, id, browser, daemon, dec, b.observer)
	if b.tracker != nil {
		if err := b.tracker.TrackSession(sess); err != nil {
			outcome = OutcomeShutdown
			sess.StartShutdown(ErrShutdown)
			sess.WaitShutdown()
			return err
		}
	}

	err = sess.Run(ctx, res.First)
	switch {
	case err == nil:
		outcome = OutcomeNormal
	case isCancellation(err):
		outcome = OutcomeShutdown
	}
	return err
}

func sizeParams(req Request) map[string]string {
	w, h := req.Width, req.Height
	if w <= 0 {
		w = DefaultWidth
	}
	if h <= 0 {
		h = DefaultHeight
	}
	return map[string]string{
		"width":  strconv.Itoa(w),
		"height": strconv.Itoa(h),
	}
}

func endpointReason(err error) string {
	var ue *resolve.UnavailableError
	if errors.As(err, &ue) {
		return ue.Reason
	}
	return err.Error()
}

func handshakeReason(err error) string {
	var rej *handshake.DaemonRejectedError
	if errors.As(err, &rej) && rej.Detail != "" {
		return rej.Detail
	}
	return err.Error()
}
