// Package cache is the single authoritative in-process store for fetched
// posts and authors, shared by every session and stream in the process.
package cache

import (
	"sync"

	"skylark/internal/model"
)

// Hooks are the pluggable resolution and eviction extension points. Every
// field is optional. Resolve hooks get a chance to supply a value before
// the internal maps are consulted; release hooks nominate entries to drop
// during Clean. The hook set is fixed at construction, so there is no
// multi-subscriber ambiguity.
type Hooks struct {
	ResolvePost         func(model.PostID) *model.Post
	ResolveAuthorByID   func(model.UserID) *model.Author
	ResolveAuthorByName func(string) *model.Author
	ResolveAllPosts     func() []*model.Post
	ResolveAllAuthors   func() []*model.Author
	OnStorePost         func(*model.Post)
	OnStoreAuthor       func(*model.Author)
	OnRemovePost        func(model.PostID)
	ReleasePosts        func() []*model.Post
	ReleaseAuthors      func() []*model.Author
	OnClean             func()
}

// Cache holds posts by ID and authors by both ID and name. A single
// reader/writer lock guards the three maps as a unit; the two author maps
// are always updated together.
type Cache struct {
	mu            sync.RWMutex
	posts         map[model.PostID]*model.Post
	authorsByID   map[model.UserID]*model.Author
	authorsByName map[string]*model.Author
	hooks         Hooks
}

// New returns an empty cache with the given hook set.
func New(hooks Hooks) *Cache {
	return &Cache{
		posts:         make(map[model.PostID]*model.Post),
		authorsByID:   make(map[model.UserID]*model.Author),
		authorsByName: make(map[string]*model.Author),
		hooks:         hooks,
	}
}

// PostCount returns the number of cached posts.
func (c *Cache) PostCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.posts)
}

// AuthorCount returns the number of cached authors.
func (c *Cache) AuthorCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.authorsByID)
}

// RetrievePost returns the post for id from the resolve hook or the
// internal map, or invokes fallback on a full miss and stores the result.
// Concurrent misses on the same key may each invoke fallback; callers that
// need single-flight must layer it themselves.
func (c *Cache) RetrievePost(id model.PostID, fallback func(model.PostID) (*model.Post, error)) (*model.Post, error) {
	if c.hooks.ResolvePost != nil {
		if p := c.hooks.ResolvePost(id); p != nil {
			return p, nil
		}
	}
	c.mu.RLock()
	p, ok := c.posts[id]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}
	if fallback == nil {
		return nil, nil
	}
	p, err := fallback(id)
	if err != nil {
		return nil, err
	}
	return c.StorePost(p), nil
}

// StorePost caches the post, overwriting any entry with the same ID, and
// cascades to store its author. Storing nil is a no-op.
func (c *Cache) StorePost(p *model.Post) *model.Post {
	if p == nil {
		return nil
	}
	if p.Author != nil {
		c.StoreAuthor(p.Author)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hooks.OnStorePost != nil {
		c.hooks.OnStorePost(p)
	}
	c.posts[p.ID] = p
	return p
}

// RetrieveAuthorByID returns the author for id from the resolve hook or
// the internal map, or invokes fallback on a full miss and stores the
// result. The same single-flight caveat as RetrievePost applies.
func (c *Cache) RetrieveAuthorByID(id model.UserID, fallback func(model.UserID) (*model.Author, error)) (*model.Author, error) {
	if c.hooks.ResolveAuthorByID != nil {
		if a := c.hooks.ResolveAuthorByID(id); a != nil {
			return a, nil
		}
	}
	c.mu.RLock()
	a, ok := c.authorsByID[id]
	c.mu.RUnlock()
	if ok {
		return a, nil
	}
	if fallback == nil {
		return nil, nil
	}
	a, err := fallback(id)
	if err != nil {
		return nil, err
	}
	return c.StoreAuthor(a), nil
}

// RetrieveAuthorByName is RetrieveAuthorByID keyed by the mutable name.
func (c *Cache) RetrieveAuthorByName(name string, fallback func(string) (*model.Author, error)) (*model.Author, error) {
	if c.hooks.ResolveAuthorByName != nil {
		if a := c.hooks.ResolveAuthorByName(name); a != nil {
			return a, nil
		}
	}
	c.mu.RLock()
	a, ok := c.authorsByName[name]
	c.mu.RUnlock()
	if ok {
		return a, nil
	}
	if fallback == nil {
		return nil, nil
	}
	a, err := fallback(name)
	if err != nil {
		return nil, err
	}
	return c.StoreAuthor(a), nil
}

// StoreAuthor caches the author under both its ID and its name,
// overwriting any existing entry. Storing nil is a no-op.
func (c *Cache) StoreAuthor(a *model.Author) *model.Author {
	if a == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hooks.OnStoreAuthor != nil {
		c.hooks.OnStoreAuthor(a)
	}
	c.authorsByID[a.ID] = a
	c.authorsByName[a.Name] = a
	return a
}

// Posts returns the cached posts. A ResolveAllPosts hook replaces the
// internal iteration wholesale, letting an alternate backing store be
// swapped in transparently.
func (c *Cache) Posts() []*model.Post {
	if c.hooks.ResolveAllPosts != nil {
		if ps := c.hooks.ResolveAllPosts(); ps != nil {
			return ps
		}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*model.Post, 0, len(c.posts))
	for _, p := range c.posts {
		out = append(out, p)
	}
	return out
}

// Authors returns the cached authors, honoring a ResolveAllAuthors hook.
func (c *Cache) Authors() []*model.Author {
	if c.hooks.ResolveAllAuthors != nil {
		if as := c.hooks.ResolveAllAuthors(); as != nil {
			return as
		}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*model.Author, 0, len(c.authorsByID))
	for _, a := range c.authorsByID {
		out = append(out, a)
	}
	return out
}

// Clean removes exactly the entries the release hooks nominate. The mark
// list is supplied externally; the cache performs no reachability scan of
// its own.
func (c *Cache) Clean() {
	var posts []*model.Post
	var authors []*model.Author
	if c.hooks.ReleasePosts != nil {
		posts = c.hooks.ReleasePosts()
	}
	if c.hooks.ReleaseAuthors != nil {
		authors = c.hooks.ReleaseAuthors()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hooks.OnClean != nil {
		c.hooks.OnClean()
	}
	for _, p := range posts {
		delete(c.posts, p.ID)
	}
	for _, a := range authors {
		delete(c.authorsByID, a.ID)
		delete(c.authorsByName, a.Name)
	}
}

// RemovePost drops the post with the given ID, if present. The remove
// hook fires so a backing store cannot resurrect the entry.
func (c *Cache) RemovePost(id model.PostID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hooks.OnRemovePost != nil {
		c.hooks.OnRemovePost(id)
	}
	delete(c.posts, id)
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.posts = make(map[model.PostID]*model.Post)
	c.authorsByID = make(map[model.UserID]*model.Author)
	c.authorsByName = make(map[string]*model.Author)
}
