package api

import (
	"sync"

	"skylark/internal/model"
)

type passKey struct {
	user model.UserID
	uri  string
}

type passEntry struct {
	done chan struct{}
	body []byte
	err  error
}

// PassCache collapses duplicate fetches within one scheduling pass. It is
// keyed by (credential, base URI) and lives exactly as long as the pass
// that created it. Concurrent readers of the same key wait for the first
// fetch instead of issuing their own; a failed fetch is not cached, so the
// next reader retries.
type PassCache struct {
	mu      sync.Mutex
	entries map[passKey]*passEntry
}

// NewPassCache returns an empty request-scope cache.
func NewPassCache() *PassCache {
	return &PassCache{entries: make(map[passKey]*passEntry)}
}

// Read returns the cached body for (user, uri) or populates it with fetch.
func (p *PassCache) Read(user model.UserID, uri string, fetch func() ([]byte, error)) ([]byte, error) {
	key := passKey{user: user, uri: uri}
	for {
		p.mu.Lock()
		if e, ok := p.entries[key]; ok {
			p.mu.Unlock()
			<-e.done
			if e.err == nil {
				return e.body, nil
			}
			p.mu.Lock()
			if p.entries[key] == e {
				delete(p.entries, key)
			}
			p.mu.Unlock()
			continue
		}
		e := &passEntry{done: make(chan struct{})}
		p.entries[key] = e
		p.mu.Unlock()

		e.body, e.err = fetch()
		close(e.done)
		return e.body, e.err
	}
}
