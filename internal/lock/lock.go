// Package lock grants time-bounded exclusive leases keyed by resource id.
//
// Acquisition is an atomic insert-if-absent-or-expired against a shared
// docstore table, so any number of workers can race on the same key and
// exactly one wins. A crashed holder's lease self-expires after the TTL and
// the next acquisition attempt takes the key over.
package lock

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/souliane/datafab/internal/docstore"
)

// Lease is one live lock row.
type Lease struct {
	Resource  string    `json:"resource"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Clone returns a deep copy of the Lease.
func (l *Lease) Clone() *Lease {
	c := *l
	return &c
}

// Key returns the resource id.
func (l *Lease) Key() string {
	return l.Resource
}

// Validate checks that the Lease is well-formed.
func (l *Lease) Validate() error {
	if l.Resource == "" {
		return fmt.Errorf("resource is required")
	}
	if l.Token == "" {
		return fmt.Errorf("token is required")
	}
	return nil
}

// Manager grants and releases leases.
type Manager struct {
	table *docstore.Table[*Lease]
	ttl   time.Duration
	now   func() time.Time
}

// NewManager creates a lock manager persisting leases at path.
func NewManager(path string, ttl time.Duration) (*Manager, error) {
	table, err := docstore.NewTable[*Lease](path)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock table: %w", err)
	}
	return &Manager{table: table, ttl: ttl, now: time.Now}, nil
}

// Acquire attempts to take the lock for key. It returns the owner token and
// true on success. Failure is not an error: it is the normal "someone else
// owns this" signal and the caller should move on to another candidate.
func (m *Manager) Acquire(key string) (string, bool) {
	token := uuid.NewString()
	_, stored, err := m.table.Upsert(key, func(cur *Lease, exists bool) (*Lease, bool, error) {
		if exists && cur.ExpiresAt.After(m.now()) {
			return nil, false, nil
		}
		return &Lease{Resource: key, Token: token, ExpiresAt: m.now().Add(m.ttl)}, true, nil
	})
	if err != nil || !stored {
		return "", false
	}
	return token, true
}

// Release frees the lock only if token still owns it, so a holder whose
// lease expired and was taken over cannot release the new owner's lock.
func (m *Manager) Release(key, token string) error {
	_, err := m.table.DeleteIf(key, func(cur *Lease) bool {
		return cur.Token == token
	})
	if err != nil {
		return fmt.Errorf("failed to release lock %q: %w", key, err)
	}
	return nil
}
