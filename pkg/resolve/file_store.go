package resolve

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/sammck-go/guactunnel/pkg/asyncobj"
	"github.com/sammck-go/guactunnel/pkg/logger"
)

// reloadDebounce coalesces the burst of events an editor's save produces
const reloadDebounce = 100 * time.Millisecond

// credentialFile is the on-disk format:
//
//	credentials:
//	  - vm_id: vm-1
//	    name: alice
//	    password: enc::gAAAAA...
type credentialFile struct {
	Credentials []Credential `yaml:"credentials"`
}

// FileCredentialStore resolves credentials from a YAML file. After Watch,
// the file is reloaded whenever it changes; a reload that fails to parse keeps
// the previous contents.
type FileCredentialStore struct {
	*asyncobj.Helper
	path   string
	opener Opener

	credsLock sync.RWMutex
	creds     []Credential

	watcher  *fsnotify.Watcher
	loopDone chan struct{}
}

// NewFileCredentialStore loads path. opener reveals sealed passwords; nil
// means passwords are stored in plain text.
func NewFileCredentialStore(lg logger.Logger, path string, opener Opener) (*FileCredentialStore, error) {
	s := &FileCredentialStore{
		path:     path,
		opener:   opener,
		loopDone: make(chan struct{}),
	}
	s.Helper = asyncobj.NewHelper(lg, s)
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load rereads the credential file
func (s *FileCredentialStore) Load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return s.Errorf("unable to read credentials: %w", err)
	}
	var f credentialFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return s.Errorf("invalid credentials file %s: %w", s.path, err)
	}
	s.credsLock.Lock()
	s.creds = f.Credentials
	s.credsLock.Unlock()
	s.DLogf("loaded %d credentials from %s", len(f.Credentials), s.path)
	return nil
}

// Len returns the number of loaded credentials
func (s *FileCredentialStore) Len() int {
	s.credsLock.RLock()
	defer s.credsLock.RUnlock()
	return len(s.creds)
}

// ResolveCredential implements CredentialResolver
func (s *FileCredentialStore) ResolveCredential(ctx context.Context, credential string) (string, error) {
	s.credsLock.RLock()
	creds := s.creds
	s.credsLock.RUnlock()
	vmID, ok := matchCredential(s.Logger, creds, s.opener, credential)
	if !ok {
		return "", ErrCredentialInvalid
	}
	return vmID, nil
}

// Watch starts reloading the file on change until ctx is done or the store
// is shut down. The containing directory is watched so that files replaced
// by rename are picked up.
func (s *FileCredentialStore) Watch(ctx context.Context) error {
	return s.DoOnceActivate(
		func() error {
			w, err := fsnotify.NewWatcher()
			if err != nil {
				close(s.loopDone)
				return s.DLogErrorf("unable to create file watcher: %w", err)
			}
			if err := w.Add(filepath.Dir(s.path)); err != nil {
				w.Close()
				close(s.loopDone)
				return s.DLogErrorf("unable to watch %s: %w", s.path, err)
			}
			s.watcher = w
			s.ShutdownOnContext(ctx)
			go s.watchLoop()
			return nil
		},
		false,
	)
}

func (s *FileCredentialStore) watchLoop() {
	defer close(s.loopDone)
	base := filepath.Base(s.path)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, s.reload)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.WLogf("file watcher: %s", err)
		}
	}
}

func (s *FileCredentialStore) reload() {
	if err := s.Load(); err != nil {
		s.WLogf("keeping previous credentials: %s", err)
		return
	}
	s.ILogf("reloaded credentials from %s (%d entries)", s.path, s.Len())
}

// HandleOnceShutdown stops the watcher
func (s *FileCredentialStore) HandleOnceShutdown(completionErr error) error {
	if s.watcher == nil {
		return completionErr
	}
	err := s.watcher.Close()
	<-s.loopDone
	if completionErr == nil && err != nil {
		completionErr = fmt.Errorf("closing file watcher: %w", err)
	}
	return completionErr
}
