package gtshare

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sammck-go/guactunnel/pkg/logger"
)

func TestLockedUnixListenerExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "http.sock")
	l, err := NewLockedUnixListener(logger.NewDiscardLogger(), path)
	require.NoError(t, err)

	_, err = NewLockedUnixListener(logger.NewDiscardLogger(), path)
	assert.Error(t, err, "second listener on a locked path")

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + ".lock")
	assert.True(t, os.IsNotExist(err))

	l, err = NewLockedUnixListener(logger.NewDiscardLogger(), path)
	require.NoError(t, err)
	l.Close()
}

func TestLockedUnixListenerReplacesOrphan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "http.sock")
	orphan, err := net.Listen("unix", path)
	require.NoError(t, err)
	// leave the socket file behind, as a crashed server would
	orphan.(*net.UnixListener).SetUnlinkOnClose(false)
	orphan.Close()

	l, err := NewLockedUnixListener(logger.NewDiscardLogger(), path)
	require.NoError(t, err)
	defer l.Close()

	go func() {
		c, err := l.Accept()
		if err == nil {
			io.WriteString(c, "hi")
			c.Close()
		}
	}()
	c, err := net.Dial("unix", path)
	require.NoError(t, err)
	b, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(b))
}

func TestLockedUnixListenerRefusesRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-socket")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	_, err := NewLockedUnixListener(logger.NewDiscardLogger(), path)
	assert.Error(t, err)
}

func TestHTTPServerOnUnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "http.sock")
	h := NewHTTPServer(logger.NewDiscardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.ListenAndServe(ctx, UnixListenPrefix+path, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "OK\n")
		}))
	}()

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	require.NotNil(t, h.ListenAddr(waitCtx))

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
	}}
	resp, err := client.Get("http://guactunnel/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "OK\n", string(body))

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
