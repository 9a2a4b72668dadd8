package gtshare

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/sammck-go/guactunnel/pkg/guacbridge"
	"github.com/sammck-go/guactunnel/pkg/guacproto"
	"github.com/sammck-go/guactunnel/pkg/logger"
)

// ProbeConfig configures a Probe
type ProbeConfig struct {
	// URL is the tunnel endpoint, e.g. ws://host:8080/tunnel
	URL        string
	Credential string
	Width      int
	Height     int

	// MaxRetryCount is the number of retries after the first attempt; negative
	// means retry forever
	MaxRetryCount int

	// MaxRetryInterval caps the backoff between attempts
	// Default: 30s
	MaxRetryInterval time.Duration
}

// ProbeResult describes a successful probe
type ProbeResult struct {
	// First is the first instruction guacd sent after the handshake
	First *guacproto.Instruction

	// Connect is the time from dial to First
	Connect time.Duration

	// KeepaliveRTT is the round trip time of one echoed keepalive
	KeepaliveRTT time.Duration

	Attempts int
}

// Probe opens a tunnel session like a browser would, waits for the first
// display instruction, checks that keepalives are echoed, then hangs up.
type Probe struct {
	logger.Logger
	config ProbeConfig
	url    string
}

// NewProbe creates a Probe
func NewProbe(lg logger.Logger, config ProbeConfig) (*Probe, error) {
	u, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid tunnel URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("invalid tunnel URL scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("credential", config.Credential)
	if config.Width > 0 {
		q.Set("width", strconv.Itoa(config.Width))
	}
	if config.Height > 0 {
		q.Set("height", strconv.Itoa(config.Height))
	}
	u.RawQuery = q.Encode()
	if config.MaxRetryInterval < time.Second {
		config.MaxRetryInterval = 30 * time.Second
	}
	return &Probe{Logger: lg, config: config, url: u.String()}, nil
}

// permanentError wraps failures that retrying cannot fix
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Run probes until it succeeds, fails permanently, runs out of retries, or
// ctx is done
func (p *Probe) Run(ctx context.Context) (*ProbeResult, error) {
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: p.config.MaxRetryInterval}
	var err error
	for {
		var res *ProbeResult
		res, err = p.attempt(ctx)
		if err == nil {
			res.Attempts = int(b.Attempt()) + 1
			return res, nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return nil, perm.err
		}
		attempt := int(b.Attempt())
		maxAttempt := p.config.MaxRetryCount
		msg := fmt.Sprintf("probe failed: %s", err)
		if attempt > 0 {
			msg += fmt.Sprintf(" (attempt %d", attempt)
			if maxAttempt > 0 {
				msg += fmt.Sprintf("/%d", maxAttempt)
			}
			msg += ")"
		}
		p.DLogf("%s", msg)
		if maxAttempt >= 0 && attempt >= maxAttempt {
			return nil, err
		}
		d := b.Duration()
		p.ILogf("retrying in %s...", d)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Probe) attempt(ctx context.Context) (*ProbeResult, error) {
	d := websocket.Dialer{
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: 45 * time.Second,
		Subprotocols:     []string{guacbridge.Subprotocol},
	}
	t0 := time.Now()
	conn, _, err := d.DialContext(ctx, p.url, nil)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(dl)
	}

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, classifyClose(err)
	}
	first, err := guacproto.Parse(string(msg))
	if err != nil {
		return nil, &permanentError{fmt.Errorf("bad first instruction: %w", err)}
	}
	res := &ProbeResult{First: first, Connect: time.Since(t0)}
	p.ILogf("connected in %s, first instruction %s", res.Connect, first.Opcode())

	ping := guacproto.Encode("", "ping", strconv.FormatInt(time.Now().UnixMilli(), 10))
	t1 := time.Now()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(ping)); err != nil {
		return nil, err
	}
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return nil, classifyClose(err)
		}
		if string(msg) == ping {
			res.KeepaliveRTT = time.Since(t1)
			break
		}
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return res, nil
}

// classifyClose marks credential rejections as permanent
func classifyClose(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		err = fmt.Errorf("tunnel closed: %w", err)
		if ce.Code == guacbridge.CloseCredentialInvalid {
			return &permanentError{err}
		}
	}
	return err
}
