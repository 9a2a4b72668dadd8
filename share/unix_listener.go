package gtshare

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/sammck-go/guactunnel/pkg/logger"
)

// UnixListenPrefix selects a unix domain socket in a listen address, e.g.
// "unix:/run/guactunnel/http.sock"
const UnixListenPrefix = "unix:"

// LockedUnixListener listens on a unix domain socket while holding a flock on
// a sibling ".lock" file. A second server on the same path fails fast, while a
// socket file orphaned by a crashed server is removed and reused.
type LockedUnixListener struct {
	logger.Logger
	net.Listener

	path     string
	lockPath string
	lockFile *os.File

	closeOnce sync.Once
	closeErr  error
}

// NewLockedUnixListener claims path and listens on it
func NewLockedUnixListener(lg logger.Logger, path string) (*LockedUnixListener, error) {
	if path == "" {
		return nil, errors.New("empty unix socket path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	l := &LockedUnixListener{
		Logger:   lg.Fork("unix(%s)", abs),
		path:     abs,
		lockPath: abs + ".lock",
	}

	info, err := os.Lstat(abs)
	if err != nil && !os.IsNotExist(err) {
		return nil, l.Errorf("stat failed: %w", err)
	}
	if info != nil && info.Mode()&os.ModeSocket == 0 {
		return nil, l.Errorf("path exists and is not a socket")
	}

	f, err := os.OpenFile(l.lockPath, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, l.Errorf("opening lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, l.Errorf("socket in use (%s is locked): %w", l.lockPath, err)
	}
	l.lockFile = f

	if info != nil {
		l.DLogf("removing orphaned socket")
		if err := os.Remove(abs); err != nil {
			l.unlock()
			return nil, l.Errorf("removing orphaned socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", abs)
	if err != nil {
		l.unlock()
		return nil, l.Errorf("listen failed: %w", err)
	}
	l.Listener = ln
	l.DLogf("listening")
	return l, nil
}

// unlock drops the lock file. It is removed before the lock is released so the
// next owner can recreate and lock it right away.
func (l *LockedUnixListener) unlock() error {
	os.Remove(l.lockPath)
	err := syscall.Flock(int(l.lockFile.Fd()), syscall.LOCK_UN)
	if cerr := l.lockFile.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close closes the socket, removes it, then releases the lock
func (l *LockedUnixListener) Close() error {
	l.closeOnce.Do(func() {
		os.Remove(l.path)
		l.closeErr = l.Listener.Close()
		if err := l.unlock(); err != nil {
			l.DLogf("unlock failed: %s", err)
			if l.closeErr == nil {
				l.closeErr = err
			}
		}
	})
	return l.closeErr
}

func (l *LockedUnixListener) String() string {
	return l.Prefix()
}

// listen opens a TCP listener, or a LockedUnixListener for "unix:" addresses
func listen(lg logger.Logger, addr string) (net.Listener, error) {
	if path, ok := strings.CutPrefix(addr, UnixListenPrefix); ok {
		return NewLockedUnixListener(lg, path)
	}
	return net.Listen("tcp", addr)
}
