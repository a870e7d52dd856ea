// Package session holds the in-memory maps tying live account sessions to
// their driver handles and timers. The registry is the single source of
// truth for "is this account currently attached to a driver"; every other
// component fetches the handle fresh per operation instead of caching it.
package session

import (
	"sync"

	"github.com/talkhub/wahub/internal/driver"
)

// Registry maps account ids to live driver handles. Writer discipline is
// single-writer-per-account, enforced by the lifecycle controller.
type Registry struct {
	mu      sync.RWMutex
	clients map[int64]driver.Client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[int64]driver.Client)}
}

// Put attaches a driver handle to an account, replacing any previous handle.
func (r *Registry) Put(accountID int64, cli driver.Client) {
	r.mu.Lock()
	r.clients[accountID] = cli
	r.mu.Unlock()
}

// Get returns the live handle for an account, or nil when none is attached.
func (r *Registry) Get(accountID int64) driver.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[accountID]
}

// Remove detaches the account's handle. It must be the last action taken
// for an account before a new driver may be created for the same id.
func (r *Registry) Remove(accountID int64) {
	r.mu.Lock()
	delete(r.clients, accountID)
	r.mu.Unlock()
}

// Count returns the number of attached handles.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// AccountIDs returns the ids of all accounts with an attached handle.
func (r *Registry) AccountIDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	return ids
}
