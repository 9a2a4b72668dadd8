package resolve

import (
	"context"
	"fmt"

	backend "github.com/redis/go-redis/v9"

	"github.com/sammck-go/guactunnel/pkg/logger"
)

// DefaultRedisPrefix is the key prefix for credential hashes
const DefaultRedisPrefix = "guactunnel:credential:"

// sealer seals passwords before they are stored; *secret.Box implements it
type sealer interface {
	Seal(plain string) (string, error)
}

// RedisCredentialStore keeps credentials as redis hashes, one per credential,
// keyed by prefix + vm id + ":" + name, with fields vm_id, name and password.
type RedisCredentialStore struct {
	logger logger.Logger
	client *backend.Client
	prefix string
	opener Opener
}

// RedisOption configures a RedisCredentialStore
type RedisOption func(*RedisCredentialStore)

// WithRedisPrefix sets the key prefix
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisCredentialStore) {
		s.prefix = prefix
	}
}

// WithOpener sets the password opener. If it can also seal, Put stores
// sealed passwords.
func WithOpener(o Opener) RedisOption {
	return func(s *RedisCredentialStore) {
		s.opener = o
	}
}

// NewRedisCredentialStore connects to the redis server at address
func NewRedisCredentialStore(lg logger.Logger, address, password string, db int, opts ...RedisOption) *RedisCredentialStore {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewRedisCredentialStoreFromClient(lg, rdb, opts...)
}

// NewRedisCredentialStoreFromClient creates a store from an existing client
func NewRedisCredentialStoreFromClient(lg logger.Logger, client *backend.Client, opts ...RedisOption) *RedisCredentialStore {
	s := &RedisCredentialStore{
		logger: lg,
		client: client,
		prefix: DefaultRedisPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisCredentialStore) key(c Credential) string {
	return s.prefix + c.VMID + ":" + c.Name
}

// Ping checks the connection
func (s *RedisCredentialStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Put stores c, sealing its password if the opener can seal
func (s *RedisCredentialStore) Put(ctx context.Context, c Credential) error {
	if c.VMID == "" {
		return fmt.Errorf("credential %q has no vm_id", c.Name)
	}
	pw := c.Password
	if sl, ok := s.opener.(sealer); ok {
		var err error
		if pw, err = sl.Seal(pw); err != nil {
			return err
		}
	}
	err := s.client.HSet(ctx, s.key(c), "vm_id", c.VMID, "name", c.Name, "password", pw).Err()
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// Delete removes a credential
func (s *RedisCredentialStore) Delete(ctx context.Context, vmID, name string) error {
	return s.client.Del(ctx, s.key(Credential{VMID: vmID, Name: name})).Err()
}

// List returns every stored credential, passwords as stored
func (s *RedisCredentialStore) List(ctx context.Context) ([]Credential, error) {
	var creds []Credential
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		fields, err := s.client.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", iter.Val(), err)
		}
		if len(fields) == 0 {
			continue
		}
		creds = append(creds, Credential{
			VMID:     fields["vm_id"],
			Name:     fields["name"],
			Password: fields["password"],
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan credentials: %w", err)
	}
	return creds, nil
}

// ResolveCredential implements CredentialResolver
func (s *RedisCredentialStore) ResolveCredential(ctx context.Context, credential string) (string, error) {
	if credential == "" {
		return "", ErrCredentialInvalid
	}
	creds, err := s.List(ctx)
	if err != nil {
		return "", err
	}
	vmID, ok := matchCredential(s.logger, creds, s.opener, credential)
	if !ok {
		return "", ErrCredentialInvalid
	}
	return vmID, nil
}

// Close closes the redis client
func (s *RedisCredentialStore) Close() error {
	return s.client.Close()
}
