// Package handshake drives the startup exchange with guacd:
//
//	select(protocol) → [required(VERSION) → client(version)]* → args(names...)
//	→ connect(values...) → first reply
//
// The exchange is an explicit state machine; the version negotiation branch
// re-enters AwaitArgs, so a daemon may or may not negotiate a version.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/sammck-go/guactunnel/pkg/guacproto"
	"github.com/sammck-go/guactunnel/pkg/logger"
)

// State is a handshake state
type State int

const (
	// StateSelecting is the initial state; select has not been sent
	StateSelecting State = iota

	// StateAwaitArgs waits for "args", tolerating "required"
	StateAwaitArgs

	// StateAwaitVersionAck answers a version request with "client" and goes
	// back to StateAwaitArgs
	StateAwaitVersionAck

	// StateSentConnect has the args list. Its transition resolves and sends
	// connect on entry, then moves to StateAwaitFirstReply
	StateSentConnect

	// StateAwaitFirstReply waits for the first post-connect instruction
	StateAwaitFirstReply

	// StateConnected is terminal: the handshake succeeded
	StateConnected

	// StateFailed is terminal: the handshake failed and the stream must be closed
	StateFailed
)

var stateNames = [...]string{
	"SELECTING", "AWAIT_ARGS", "AWAIT_VERSION_ACK", "SENT_CONNECT", "AWAIT_FIRST_REPLY", "CONNECTED", "FAILED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// IsTerminal returns true for StateConnected and StateFailed
func (s State) IsTerminal() bool {
	return s == StateConnected || s == StateFailed
}

const (
	// DefaultDisplayProtocol is the remote display protocol selected by default
	DefaultDisplayProtocol = "vnc"

	// DefaultProtocolVersion is the Guacamole protocol version offered to the daemon
	DefaultProtocolVersion = "VERSION_1_5_0"

	// DefaultTimeout bounds the whole handshake
	DefaultTimeout = 15 * time.Second
)

// Config holds the per-process handshake settings
type Config struct {
	// DisplayProtocol is sent with select (e.g., "vnc", "rdp")
	DisplayProtocol string

	// ProtocolVersion is sent with client and used for version parameters
	ProtocolVersion string

	// Timeout bounds the wait for the daemon's replies. Zero means DefaultTimeout;
	// a negative value disables the bound.
	Timeout time.Duration

	// Defaults supplies operator-configured values for connect parameters
	// (e.g., "color-depth": "24")
	Defaults map[string]string
}

// Target is the display endpoint the daemon should connect to, plus per-session
// connect parameters such as width and height.
type Target struct {
	Host   string
	Port   int
	Params map[string]string
}

// Result describes a completed handshake
type Result struct {
	// First is the first post-connect instruction (normally "ready"). It must be
	// forwarded to the browser before relaying starts.
	First *guacproto.Instruction

	// ArgNames is the parameter list the daemon requested
	ArgNames []string

	// ConnectValues are the values sent with connect, in ArgNames order
	ConnectValues []string

	// VersionNegotiated is true if the daemon requested the protocol version
	VersionNegotiated bool
}

// Negotiator performs handshakes. It holds only read-only configuration and may
// be shared by concurrent sessions.
type Negotiator struct {
	logger logger.Logger
	cfg    Config
}

// NewNegotiator creates a Negotiator, filling in defaults for unset fields
func NewNegotiator(lg logger.Logger, cfg Config) *Negotiator {
	if cfg.DisplayProtocol == "" {
		cfg.DisplayProtocol = DefaultDisplayProtocol
	}
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = DefaultProtocolVersion
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Negotiator{logger: lg, cfg: cfg}
}

// Config returns the effective configuration
func (n *Negotiator) Config() Config {
	return n.cfg
}

// deadliner is implemented by net.Conn
type deadliner interface {
	SetDeadline(t time.Time) error
}

type transition func(h *negotiation) (State, error)

var transitions = map[State]transition{
	StateSelecting:       (*negotiation).selecting,
	StateAwaitArgs:       (*negotiation).awaitArgs,
	StateAwaitVersionAck: (*negotiation).awaitVersionAck,
	StateSentConnect:     (*negotiation).sentConnect,
	StateAwaitFirstReply: (*negotiation).awaitFirstReply,
}

// negotiation is the state of one handshake in progress
type negotiation struct {
	logger.Logger
	ctx     context.Context
	cfg     Config
	w       io.Writer
	dec     *guacproto.Decoder
	params  *paramResolver
	state   State
	result  *Result
	timeout time.Duration
}

// Negotiate runs the handshake over stream, reading replies through dec, which
// must be the decoder that will later be used to relay the stream so that no
// buffered bytes are lost. If stream implements SetDeadline (as net.Conn
// does), the handshake is bounded by the configured timeout and by ctx; the
// deadline is cleared before returning. On failure the caller must close
// the stream.
func (n *Negotiator) Negotiate(
	ctx context.Context,
	stream io.Writer,
	dec *guacproto.Decoder,
	target Target,
) (*Result, error) {
	h := &negotiation{
		Logger: n.logger,
		ctx:    ctx,
		cfg:    n.cfg,
		w:      stream,
		dec:    dec,
		params: &paramResolver{
			host:            target.Host,
			port:            target.Port,
			protocolVersion: n.cfg.ProtocolVersion,
			session:         target.Params,
			defaults:        n.cfg.Defaults,
		},
		state:   StateSelecting,
		result:  &Result{},
		timeout: n.cfg.Timeout,
	}

	if dl, ok := stream.(deadliner); ok {
		var deadline time.Time
		if h.timeout > 0 {
			deadline = time.Now().Add(h.timeout)
		}
		if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
			deadline = d
		}
		if err := dl.SetDeadline(deadline); err != nil {
			return nil, n.logger.Errorf("unable to set handshake deadline: %w", err)
		}
		defer dl.SetDeadline(time.Time{})
		stop := context.AfterFunc(ctx, func() {
			dl.SetDeadline(time.Unix(1, 0))
		})
		defer stop()
	}

	err := h.run()
	if err != nil {
		return nil, err
	}
	return h.result, nil
}

func (h *negotiation) run() error {
	for !h.state.IsTerminal() {
		fn, ok := transitions[h.state]
		if !ok {
			h.state = StateFailed
			return h.Errorf("no transition from handshake state %s", h.state)
		}
		next, err := fn(h)
		if err != nil {
			h.DLogf("%s -> %s: %s", h.state, StateFailed, err)
			h.state = StateFailed
			return err
		}
		h.TLogf("%s -> %s", h.state, next)
		h.state = next
	}
	return nil
}

func (h *negotiation) send(opcode string, args ...string) error {
	msg := guacproto.Encode(opcode, args...)
	h.TLogf("-> %s", msg)
	if _, err := io.WriteString(h.w, msg); err != nil {
		return h.ioErr("sending "+opcode, err)
	}
	return nil
}

func (h *negotiation) receive(waitingFor string) (*guacproto.Instruction, error) {
	inst, err := h.dec.Decode()
	if err != nil {
		return nil, h.ioErr("waiting for "+waitingFor, err)
	}
	h.TLogf("<- %s", inst)
	return inst, nil
}

// ioErr classifies stream errors, turning deadline expiry into ErrHandshakeTimeout
func (h *negotiation) ioErr(doing string, err error) error {
	if cerr := h.ctx.Err(); cerr != nil {
		if errors.Is(cerr, context.DeadlineExceeded) {
			return fmt.Errorf("%w while %s: %w", ErrHandshakeTimeout, doing, cerr)
		}
		return fmt.Errorf("handshake aborted while %s: %w", doing, cerr)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w after %s while %s", ErrHandshakeTimeout, h.timeout, doing)
	}
	return fmt.Errorf("handshake failed while %s: %w", doing, err)
}

func (h *negotiation) selecting() (State, error) {
	if err := h.send("select", h.cfg.DisplayProtocol); err != nil {
		return StateFailed, err
	}
	return StateAwaitArgs, nil
}

func (h *negotiation) awaitArgs() (State, error) {
	inst, err := h.receive("args")
	if err != nil {
		return StateFailed, err
	}
	switch inst.Opcode() {
	case "required":
		if requestsVersion(inst.Args()) {
			return StateAwaitVersionAck, nil
		}
		h.DLogf("ignoring required%v during handshake", inst.Args())
		return StateAwaitArgs, nil
	case "args":
		h.result.ArgNames = inst.Args()
		return StateSentConnect, nil
	default:
		return StateFailed, fmt.Errorf("%w %q in state %s (%s)", ErrUnexpectedOpcode, inst.Opcode(), h.state, inst)
	}
}

func (h *negotiation) awaitVersionAck() (State, error) {
	h.result.VersionNegotiated = true
	if err := h.send("client", h.cfg.ProtocolVersion); err != nil {
		return StateFailed, err
	}
	return StateAwaitArgs, nil
}

func (h *negotiation) sentConnect() (State, error) {
	values := h.params.resolveAll(h.result.ArgNames)
	h.result.ConnectValues = values
	if err := h.send("connect", values...); err != nil {
		return StateFailed, err
	}
	return StateAwaitFirstReply, nil
}

func (h *negotiation) awaitFirstReply() (State, error) {
	inst, err := h.receive("reply to connect")
	if err != nil {
		return StateFailed, err
	}
	if inst.Opcode() == "error" {
		return StateFailed, &DaemonRejectedError{Detail: inst.Arg(0), Status: inst.Arg(1)}
	}
	h.result.First = inst
	return StateConnected, nil
}

func requestsVersion(args []string) bool {
	for _, a := range args {
		if strings.EqualFold(a, "VERSION") || IsVersionMarker(a) {
			return true
		}
	}
	return false
}
