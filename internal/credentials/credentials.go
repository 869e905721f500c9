// Package credentials implements the Credentials capability consumed by
// the SOCKS5 and HTTP handlers: has_users()/authenticate(), grounded on
// original_source/src/common/auth.rs's AuthManager, but using
// golang.org/x/crypto/bcrypt (the Go ecosystem's equivalent of the Rust
// bcrypt crate the original used) and offloading verification to a bounded
// worker pool so a slow hash never stalls other connections' I/O, per spec
// §4.4/§9.
package credentials

import (
	"github.com/romeomihailus/dualproxy/internal/workerpool"
	"golang.org/x/crypto/bcrypt"
)

// Store holds bcrypt-hashed credentials and answers authentication
// queries. Read-only after construction, so it is safe to share across all
// connection-handling goroutines without further locking.
type Store struct {
	hashed map[string]string
	pool   *workerpool.Pool
}

// New hashes each plaintext password in users and returns a Store. An
// empty users map produces a Store where HasUsers is false.
func New(users map[string]string) (*Store, error) {
	hashed := make(map[string]string, len(users))
	for user, pass := range users {
		h, err := bcrypt.GenerateFromPassword([]byte(pass), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		hashed[user] = string(h)
	}
	return &Store{
		hashed: hashed,
		pool:   workerpool.New(8),
	}, nil
}

// HasUsers reports whether any credentials were configured. The core
// treats false as "accept clients on the no-auth-required handshake path,"
// never as "accept any credentials a client happens to offer."
func (s *Store) HasUsers() bool {
	return len(s.hashed) > 0
}

// Authenticate reports whether user/pass match a configured credential.
// The bcrypt comparison runs on the worker pool, never inline on the
// caller's goroutine.
func (s *Store) Authenticate(user, pass string) bool {
	hash, ok := s.hashed[user]
	if !ok {
		return false
	}
	return s.pool.Run(func() bool {
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)) == nil
	})
}
