package timeline

import (
	"sort"
	"sync"
	"time"

	"skylark/internal/model"
)

// DefaultMaxEntries caps a category's list when no limit is configured.
const DefaultMaxEntries = 500

// Category is one named, filtered, continuously refreshed view: an
// ordered entry list (newest first) plus an unread counter. The engine is
// its only writer; readers get snapshot copies.
type Category struct {
	Name     string
	Filter   *Filter
	Interval time.Duration

	mu         sync.Mutex
	entries    []model.Entry
	unread     int
	max        int
	lastUpdate time.Time
	paging     bool
}

// NewCategory returns an empty category refreshed every interval and
// capped at max entries (DefaultMaxEntries when max is zero).
func NewCategory(name string, f *Filter, interval time.Duration, max int) *Category {
	if max <= 0 {
		max = DefaultMaxEntries
	}
	if f == nil {
		f = &Filter{}
	}
	return &Category{Name: name, Filter: f, Interval: interval, max: max}
}

// Entries returns a snapshot of the list, newest first.
func (c *Category) Entries() []model.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Entry(nil), c.entries...)
}

// Len returns the current list length.
func (c *Category) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Unread returns the count of entries merged since the last ClearUnread.
func (c *Category) Unread() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread
}

// ClearUnread resets the unread counter.
func (c *Category) ClearUnread() {
	c.mu.Lock()
	c.unread = 0
	c.mu.Unlock()
}

// LastUpdate returns when the last merge completed.
func (c *Category) LastUpdate() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUpdate
}

// sameEntry is the identity key for de-duplication: same dynamic type and
// same numeric ID. Stream notices have no ID and compare by content.
func sameEntry(a, b model.Entry) bool {
	na, aNotice := a.(*model.StreamNotice)
	nb, bNotice := b.(*model.StreamNotice)
	if aNotice || bNotice {
		if !aNotice || !bNotice {
			return false
		}
		return na.Kind == nb.Kind && na.AuthorName() == nb.AuthorName() &&
			na.Body() == nb.Body() && na.CreatedAt.Equal(nb.CreatedAt)
	}
	if a.EntryID() == 0 || b.EntryID() == 0 {
		return false
	}
	_, aDM := a.(*model.DirectMessage)
	_, bDM := b.(*model.DirectMessage)
	return aDM == bDM && a.EntryID() == b.EntryID()
}

// Contains reports whether an entry with e's identity is already listed.
func (c *Category) Contains(e model.Entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.containsLocked(e)
}

func (c *Category) containsLocked(e model.Entry) bool {
	for _, have := range c.entries {
		if sameEntry(have, e) {
			return true
		}
	}
	return false
}

// Merge inserts the genuinely new entries of batch, newest first, bumps
// the unread counter by the number inserted, and caps the list. Returns
// the number inserted.
func (c *Category) Merge(batch []model.Entry) int {
	return c.merge(batch, true)
}

// MergeOlder inserts back-paged entries without touching the unread
// counter.
func (c *Category) MergeOlder(batch []model.Entry) int {
	return c.merge(batch, false)
}

func (c *Category) merge(batch []model.Entry, markUnread bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	inserted := 0
	for _, e := range batch {
		if e == nil || c.containsLocked(e) {
			continue
		}
		c.entries = append(c.entries, e)
		inserted++
	}
	if inserted > 0 {
		sort.SliceStable(c.entries, func(i, j int) bool {
			return c.entries[i].Created().After(c.entries[j].Created())
		})
		if len(c.entries) > c.max {
			c.entries = c.entries[:c.max]
		}
		if markUnread {
			c.unread += inserted
		}
	}
	c.lastUpdate = time.Now()
	return inserted
}

// Remove deletes every post-like entry with the given ID. Used for
// streamed delete notices.
func (c *Category) Remove(id model.PostID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.entries[:0]
	removed := false
	for _, e := range c.entries {
		if _, notice := e.(*model.StreamNotice); !notice && model.PostID(e.EntryID()) == id {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	c.entries = kept
	return removed
}

// OldestID returns the smallest post ID currently listed, or zero when
// the list has no post-like entries. Used as the back-paging anchor.
func (c *Category) OldestID() model.PostID {
	c.mu.Lock()
	defer c.mu.Unlock()
	var oldest model.PostID
	for _, e := range c.entries {
		if _, notice := e.(*model.StreamNotice); notice {
			continue
		}
		id := model.PostID(e.EntryID())
		if id == 0 {
			continue
		}
		if oldest == 0 || id < oldest {
			oldest = id
		}
	}
	return oldest
}

// TryBeginPage claims the per-category paging slot. Only one page-forward
// request is ever in flight at a time.
func (c *Category) TryBeginPage() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paging {
		return false
	}
	c.paging = true
	return true
}

// EndPage releases the paging slot.
func (c *Category) EndPage() {
	c.mu.Lock()
	c.paging = false
	c.mu.Unlock()
}
