package gtshare

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sammck-go/guactunnel/pkg/guacbridge"
	"github.com/sammck-go/guactunnel/pkg/guacproto"
	"github.com/sammck-go/guactunnel/pkg/logger"
)

func TestProbe(t *testing.T) {
	host, port := fakeGuacd(t, func(conn net.Conn, dec *guacproto.Decoder) {
		for {
			if _, err := dec.Decode(); err != nil {
				return
			}
		}
	})
	_, ts := newTestServer(t, testConfig(host, port))

	p, err := NewProbe(logger.NewDiscardLogger(), ProbeConfig{URL: ts.URL + "/tunnel", Credential: "good", Width: 640, Height: 480})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ready", res.First.Opcode())
	assert.Equal(t, 1, res.Attempts)
	assert.Greater(t, res.KeepaliveRTT, time.Duration(0))
}

func TestProbeBadCredentialIsPermanent(t *testing.T) {
	_, ts := newTestServer(t, testConfig("127.0.0.1", 4822))
	p, err := NewProbe(logger.NewDiscardLogger(), ProbeConfig{URL: ts.URL + "/tunnel", Credential: "nope", MaxRetryCount: -1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = p.Run(ctx)
	require.Error(t, err)
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, guacbridge.CloseCredentialInvalid, ce.Code)
	assert.NoError(t, ctx.Err())
}

func TestProbeRetriesThenGivesUp(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	_, ts := newTestServer(t, testConfig("127.0.0.1", port))

	p, err := NewProbe(logger.NewDiscardLogger(), ProbeConfig{URL: ts.URL + "/tunnel", Credential: "good", MaxRetryCount: 2})
	require.NoError(t, err)
	_, err = p.Run(context.Background())
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, guacbridge.CloseInternalError, ce.Code)
}

func TestNewProbeRejectsBadURL(t *testing.T) {
	_, err := NewProbe(logger.NewDiscardLogger(), ProbeConfig{URL: "ftp://x/tunnel"})
	assert.Error(t, err)
}
