package gtshare

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/sammck-go/guactunnel/pkg/asyncobj"
	"github.com/sammck-go/guactunnel/pkg/guacbridge"
	"github.com/sammck-go/guactunnel/pkg/logger"
	"github.com/sammck-go/guactunnel/pkg/resolve"
	"github.com/sammck-go/guactunnel/pkg/secret"
)

// Server accepts browser websockets and bridges them to guacd
type Server struct {
	*asyncobj.Helper
	cfg        *Config
	connStats  ConnStats
	httpServer *HTTPServer
	bridge     *guacbridge.Bridge
	metrics    *Metrics
	upgrader   websocket.Upgrader
	fileStore  *resolve.FileCredentialStore
	closers    []io.Closer
	handler    http.Handler
}

// NewServer creates a server, building the credential and endpoint resolvers
// the configuration asks for
func NewServer(lg logger.Logger, cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Secret == "" && cfg.ResolvedSecret() == DefaultSecret {
		lg.WLogf("no secret configured; set %s so sealed credentials are not readable with the default key", SecretEnvVar)
	}
	box := secret.NewBox(cfg.ResolvedSecret())

	var (
		creds     resolve.CredentialResolver
		fileStore *resolve.FileCredentialStore
		closers   []io.Closer
	)
	switch cfg.Credentials.Source {
	case CredentialSourceRedis:
		rs := resolve.NewRedisCredentialStore(
			lg.Fork("redis"),
			cfg.Credentials.Redis.Addr,
			cfg.Credentials.Redis.Password,
			cfg.Credentials.Redis.DB,
			resolve.WithRedisPrefix(cfg.Credentials.Redis.Prefix),
			resolve.WithOpener(box),
		)
		creds = rs
		closers = append(closers, rs)
	default:
		fs, err := resolve.NewFileCredentialStore(lg.Fork("credentials"), cfg.Credentials.File, box)
		if err != nil {
			return nil, err
		}
		creds = fs
		fileStore = fs
	}

	static := resolve.StaticEndpoints(cfg.Endpoints.Static)
	var endpoints resolve.EndpointResolver
	switch cfg.Endpoints.Source {
	case EndpointSourceLibvirt:
		endpoints = resolve.NewLibvirtEndpoints(lg.Fork("libvirt"), cfg.Endpoints.LibvirtSocket, cfg.Endpoints.DisplayHost)
	case EndpointSourceBoth:
		endpoints = resolve.Chain{
			static,
			resolve.NewLibvirtEndpoints(lg.Fork("libvirt"), cfg.Endpoints.LibvirtSocket, cfg.Endpoints.DisplayHost),
		}
	default:
		endpoints = static
	}

	s := NewServerWithResolvers(lg, cfg, creds, endpoints)
	s.fileStore = fileStore
	s.closers = closers
	return s, nil
}

// NewServerWithResolvers creates a server around the given resolvers
func NewServerWithResolvers(
	lg logger.Logger,
	cfg *Config,
	creds resolve.CredentialResolver,
	endpoints resolve.EndpointResolver,
) *Server {
	s := &Server{
		cfg:        cfg,
		httpServer: NewHTTPServer(lg.Fork("http")),
		metrics:    NewMetrics(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    []string{guacbridge.Subprotocol},
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.Helper = asyncobj.NewHelper(lg, s)
	s.bridge = guacbridge.NewBridge(
		lg,
		cfg.BridgeConfig(),
		creds,
		endpoints,
		guacbridge.WithObserver(s.metrics),
		guacbridge.WithSessionTracker(s),
	)
	s.handler = s.newRouter()
	return s
}

// Handler returns the server's HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Metrics returns the server's telemetry
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// ConnStats returns the browser connection counters
func (s *Server) ConnStats() *ConnStats {
	return &s.connStats
}

// HTTPServer returns the underlying HTTP server
func (s *Server) HTTPServer() *HTTPServer {
	return s.httpServer
}

// Run listens on the configured address and serves until ctx is done or the
// server is shut down
func (s *Server) Run(ctx context.Context) error {
	err := s.DoOnceActivate(
		func() error {
			s.ShutdownOnContext(ctx)
			if s.fileStore != nil && s.cfg.Credentials.Watch {
				if err := s.fileStore.Watch(ctx); err != nil {
					s.WLogf("credential file will not be reloaded: %s", err)
				}
			}
			s.ILogf("bridging browsers to guacd at %s", s.cfg.GuacdAddr())
			s.ILogf("listening on %s...", s.cfg.Listen)
			return nil
		},
		true,
	)
	if err != nil {
		return err
	}

	err = s.httpServer.ListenAndServe(ctx, s.cfg.Listen, s.handler)
	s.StartShutdown(err)
	return s.WaitShutdown()
}

// TrackSession makes sess a shutdown child of the server, so that server
// shutdown closes live sessions
func (s *Server) TrackSession(sess *guacbridge.Session) error {
	defer s.UndeferShutdown()
	if err := s.DeferShutdown(); err != nil {
		return fmt.Errorf("%w: %w", guacbridge.ErrShutdown, err)
	}
	s.AddShutdownChild(sess)
	return nil
}

// HandleOnceShutdown stops accepting connections and releases the
// credential stores. Live sessions are shut down as children afterwards.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	s.DLogf("HandleOnceShutdown")
	err := s.httpServer.Close()
	if s.fileStore != nil {
		s.fileStore.Close()
	}
	for _, c := range s.closers {
		if cerr := c.Close(); cerr != nil {
			s.DLogf("close failed, ignoring: %s", cerr)
		}
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}
