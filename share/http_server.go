package gtshare

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/sammck-go/guactunnel/pkg/asyncobj"
	"github.com/sammck-go/guactunnel/pkg/logger"
)

// HTTPServer extends net/http Server with asyncobj lifecycle
type HTTPServer struct {
	*asyncobj.Helper
	*http.Server
	listener net.Listener
	ready    chan struct{}
}

// NewHTTPServer creates a new HTTPServer
func NewHTTPServer(lg logger.Logger) *HTTPServer {
	h := &HTTPServer{
		Server: &http.Server{},
		ready:  make(chan struct{}),
	}
	h.Helper = asyncobj.NewHelper(lg, h)
	return h
}

// HandleOnceShutdown closes the listener. Connections that were hijacked
// (websockets) are not affected; their owners shut them down.
func (h *HTTPServer) HandleOnceShutdown(completionErr error) error {
	h.DLogf("HandleOnceShutdown")
	if h.listener == nil {
		return completionErr
	}
	err := h.listener.Close()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		h.DLogf("close of listener failed, ignoring: %s", err)
	} else {
		err = nil
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// ListenAndServe runs the HTTP server on addr, invoking handler for each
// request. addr is a TCP address, or "unix:" followed by a socket path. It returns after the server has shut down, either because ctx is
// done or because Shutdown was called.
func (h *HTTPServer) ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	err := h.DoOnceActivate(
		func() error {
			h.ShutdownOnContext(ctx)

			l, err := listen(h.Logger, addr)
			if err != nil {
				return h.DLogErrorf("listen failed: %w", err)
			}
			h.Handler = handler
			h.listener = l
			close(h.ready)

			go func() {
				err := h.Serve(l)
				if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
					err = nil
				}
				h.StartShutdown(err)
			}()

			return nil
		},
		true,
	)
	if err == nil {
		err = h.WaitShutdown()
	}
	return err
}

// ListenAddr returns the listening address once the server is listening. It blocks
// until then, or returns nil if ctx is done first.
func (h *HTTPServer) ListenAddr(ctx context.Context) net.Addr {
	select {
	case <-h.ready:
		return h.listener.Addr()
	case <-ctx.Done():
		return nil
	case <-h.ShutdownStartedChan():
		return nil
	}
}

// Shutdown completely shuts down the server, then returns the final completion code
func (h *HTTPServer) Shutdown(completionError error) error {
	return h.Helper.Shutdown(completionError)
}

// Close completely shuts down the server, then returns the final completion code
func (h *HTTPServer) Close() error {
	return h.Helper.Close()
}
