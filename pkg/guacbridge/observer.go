package guacbridge

import "time"

// Directions reported to Observer.BytesRelayed
const (
	DirectionInbound  = "inbound"  // browser to daemon
	DirectionOutbound = "outbound" // daemon to browser
)

// Session outcomes reported to Observer.SessionEnded
const (
	OutcomeNormal              = "normal"
	OutcomeCredentialInvalid   = "credential_invalid"
	OutcomeEndpointUnavailable = "endpoint_unavailable"
	OutcomeDaemonUnreachable   = "daemon_unreachable"
	OutcomeHandshakeFailed     = "handshake_failed"
	OutcomeRelayError          = "relay_error"
	OutcomeShutdown            = "shutdown"
)

// Observer receives session telemetry. Implementations must be safe for
// concurrent use.
type Observer interface {
	SessionStarted()
	SessionEnded(outcome string)
	HandshakeCompleted(d time.Duration, err error)
	BytesRelayed(direction string, n int)
	KeepaliveEchoed()
}

// NopObserver discards all telemetry
type NopObserver struct{}

func (NopObserver) SessionStarted()                         {}
func (NopObserver) SessionEnded(string)                     {}
func (NopObserver) HandshakeCompleted(time.Duration, error) {}
func (NopObserver) BytesRelayed(string, int)                {}
func (NopObserver) KeepaliveEchoed()                        {}
