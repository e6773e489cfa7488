// Package timeline defines the categories the engine keeps fresh: ordered
// entry lists driven by a filter, which composes sources (where entries
// come from) and terms (predicates to keep or drop them).
package timeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"skylark/internal/api"
	"skylark/internal/model"
)

// Source describes where a category's entries come from. Streamed sources
// are excluded from REST polling while their account's push channel is
// open; Matches routes streamed entries back to the right categories.
type Source interface {
	Account() *model.Credential
	Streamed() bool
	Fetch(ctx context.Context, s *api.Session, rng api.Range) ([]model.Entry, error)
	Matches(e model.Entry) bool
	String() string
}

// Term is a keep/drop predicate over entries.
type Term interface {
	Match(e model.Entry) bool
	String() string
}

// Filter composes sources and terms. An entry is accepted when any source
// matches it and every term keeps it.
type Filter struct {
	Sources []Source
	Terms   []Term
}

// Accept reports whether a streamed entry belongs to this filter.
func (f *Filter) Accept(e model.Entry) bool {
	matched := len(f.Sources) == 0
	for _, s := range f.Sources {
		if s.Matches(e) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	return f.Keep(e)
}

// Keep applies only the terms, for entries whose source is already known.
func (f *Filter) Keep(e model.Entry) bool {
	for _, t := range f.Terms {
		if !t.Match(e) {
			return false
		}
	}
	return true
}

func posts(in []*model.Post, err error) ([]model.Entry, error) {
	if err != nil {
		return nil, err
	}
	out := make([]model.Entry, len(in))
	for i, p := range in {
		out[i] = p
	}
	return out, nil
}

func messages(in []*model.DirectMessage, err error) ([]model.Entry, error) {
	if err != nil {
		return nil, err
	}
	out := make([]model.Entry, len(in))
	for i, dm := range in {
		out[i] = dm
	}
	return out, nil
}

func isPost(e model.Entry) (*model.Post, bool) {
	p, ok := e.(*model.Post)
	return p, ok
}

func sameAccount(a, b *model.Credential) bool {
	return a != nil && b != nil && a.Equal(b)
}

// Home is the account's home timeline. Covered by the push channel: any
// post from a followed author, or the account itself, belongs here.
type Home struct {
	Cred *model.Credential
	// Follows reports membership in the account's followed-ID set,
	// maintained from the stream's friends snapshot.
	Follows func(model.UserID) bool
}

func (h *Home) Account() *model.Credential { return h.Cred }
func (h *Home) Streamed() bool             { return true }
func (h *Home) String() string             { return "home:" + h.Cred.Name }

func (h *Home) Fetch(ctx context.Context, s *api.Session, rng api.Range) ([]model.Entry, error) {
	return posts(s.HomeTimeline(ctx, rng))
}

func (h *Home) Matches(e model.Entry) bool {
	p, ok := isPost(e)
	if !ok || !sameAccount(p.Owner, h.Cred) {
		return false
	}
	if p.Author != nil && p.Author.ID == h.Cred.UserID {
		return true
	}
	return h.Follows != nil && p.Author != nil && h.Follows(p.Author.ID)
}

// Mentions holds posts mentioning the account.
type Mentions struct {
	Cred *model.Credential
}

func (m *Mentions) Account() *model.Credential { return m.Cred }
func (m *Mentions) Streamed() bool             { return true }
func (m *Mentions) String() string             { return "mentions:" + m.Cred.Name }

func (m *Mentions) Fetch(ctx context.Context, s *api.Session, rng api.Range) ([]model.Entry, error) {
	return posts(s.Mentions(ctx, rng))
}

func (m *Mentions) Matches(e model.Entry) bool {
	p, ok := isPost(e)
	if !ok || !sameAccount(p.Owner, m.Cred) {
		return false
	}
	return strings.Contains(strings.ToLower(p.Text), "@"+strings.ToLower(m.Cred.Name))
}

// Sent holds the account's own posts.
type Sent struct {
	Cred *model.Credential
}

func (s *Sent) Account() *model.Credential { return s.Cred }
func (s *Sent) Streamed() bool             { return true }
func (s *Sent) String() string             { return "sent:" + s.Cred.Name }

func (s *Sent) Fetch(ctx context.Context, sess *api.Session, rng api.Range) ([]model.Entry, error) {
	return posts(sess.Sent(ctx, rng))
}

func (s *Sent) Matches(e model.Entry) bool {
	p, ok := isPost(e)
	if !ok || !sameAccount(p.Owner, s.Cred) {
		return false
	}
	return strings.EqualFold(p.AuthorName(), s.Cred.Name)
}

// MessagesReceived holds direct messages sent to the account.
type MessagesReceived struct {
	Cred *model.Credential
}

func (m *MessagesReceived) Account() *model.Credential { return m.Cred }
func (m *MessagesReceived) Streamed() bool             { return true }
func (m *MessagesReceived) String() string             { return "dm-received:" + m.Cred.Name }

func (m *MessagesReceived) Fetch(ctx context.Context, s *api.Session, rng api.Range) ([]model.Entry, error) {
	return messages(s.DirectMessagesReceived(ctx, rng))
}

func (m *MessagesReceived) Matches(e model.Entry) bool {
	dm, ok := e.(*model.DirectMessage)
	if !ok || !sameAccount(dm.Owner, m.Cred) {
		return false
	}
	return dm.Recipient != nil && strings.EqualFold(dm.Recipient.Name, m.Cred.Name)
}

// MessagesSent holds direct messages the account sent.
type MessagesSent struct {
	Cred *model.Credential
}

func (m *MessagesSent) Account() *model.Credential { return m.Cred }
func (m *MessagesSent) Streamed() bool             { return true }
func (m *MessagesSent) String() string             { return "dm-sent:" + m.Cred.Name }

func (m *MessagesSent) Fetch(ctx context.Context, s *api.Session, rng api.Range) ([]model.Entry, error) {
	return messages(s.DirectMessagesSent(ctx, rng))
}

func (m *MessagesSent) Matches(e model.Entry) bool {
	dm, ok := e.(*model.DirectMessage)
	if !ok || !sameAccount(dm.Owner, m.Cred) {
		return false
	}
	return strings.EqualFold(dm.AuthorName(), m.Cred.Name)
}

// Favorites holds posts the named user marked as favorites. Name empty
// means the owning account. Polled; favorite stream events additionally
// update it through the engine.
type Favorites struct {
	Cred *model.Credential
	Name string
}

func (f *Favorites) Account() *model.Credential { return f.Cred }
func (f *Favorites) Streamed() bool             { return false }

func (f *Favorites) String() string {
	name := f.Name
	if name == "" {
		name = f.Cred.Name
	}
	return "favorites:" + name
}

func (f *Favorites) Fetch(ctx context.Context, s *api.Session, rng api.Range) ([]model.Entry, error) {
	return posts(s.Favorites(ctx, f.Name, rng))
}

func (f *Favorites) Matches(e model.Entry) bool {
	p, ok := isPost(e)
	return ok && p.Favorited && sameAccount(p.Owner, f.Cred)
}

// Search polls a keyword query.
type Search struct {
	Cred  *model.Credential
	Query string
}

func (s *Search) Account() *model.Credential { return s.Cred }
func (s *Search) Streamed() bool             { return false }
func (s *Search) String() string             { return "search:" + s.Query }

func (s *Search) Fetch(ctx context.Context, sess *api.Session, rng api.Range) ([]model.Entry, error) {
	hits, err := sess.Search(ctx, s.Query, rng)
	if err != nil {
		return nil, err
	}
	out := make([]model.Entry, len(hits))
	for i, h := range hits {
		if h.Author == nil {
			// Search results carry only a screen name. Fill in the full
			// author from the cache, hitting the show endpoint on a
			// miss; a failed lookup leaves the hit for the next fetch.
			_ = h.ResolveAuthor(func(name string) (*model.Author, error) {
				return sess.Cache.RetrieveAuthorByName(name, func(n string) (*model.Author, error) {
					return sess.ShowAuthorByName(ctx, n)
				})
			})
		}
		out[i] = h
	}
	return out, nil
}

func (s *Search) Matches(e model.Entry) bool {
	return strings.Contains(strings.ToLower(e.Body()), strings.ToLower(s.Query))
}

// User polls another user's public timeline.
type User struct {
	Cred *model.Credential
	Name string
}

func (u *User) Account() *model.Credential { return u.Cred }
func (u *User) Streamed() bool             { return false }
func (u *User) String() string             { return "user:" + u.Name }

func (u *User) Fetch(ctx context.Context, s *api.Session, rng api.Range) ([]model.Entry, error) {
	return posts(s.UserTimeline(ctx, u.Name, rng))
}

func (u *User) Matches(e model.Entry) bool {
	_, ok := isPost(e)
	return ok && strings.EqualFold(e.AuthorName(), u.Name)
}

// Notices collects relationship notices from the account's push channel.
// Stream-only: there is no REST endpoint to poll for these.
type Notices struct {
	Cred *model.Credential
}

func (n *Notices) Account() *model.Credential { return n.Cred }
func (n *Notices) Streamed() bool             { return true }
func (n *Notices) String() string             { return "notices:" + n.Cred.Name }

func (n *Notices) Fetch(ctx context.Context, s *api.Session, rng api.Range) ([]model.Entry, error) {
	return nil, nil
}

func (n *Notices) Matches(e model.Entry) bool {
	sn, ok := e.(*model.StreamNotice)
	return ok && sameAccount(sn.Owner, n.Cred)
}

// Contains keeps entries whose body or author name contains Text,
// case-insensitively.
type Contains struct {
	Text string
}

func (c *Contains) String() string { return fmt.Sprintf("contains(%q)", c.Text) }

func (c *Contains) Match(e model.Entry) bool {
	needle := strings.ToLower(c.Text)
	return strings.Contains(strings.ToLower(e.Body()), needle) ||
		strings.Contains(strings.ToLower(e.AuthorName()), needle)
}

// Matches keeps entries whose body matches a regular expression.
type Matches struct {
	Pattern *regexp.Regexp
}

func (m *Matches) String() string           { return fmt.Sprintf("matches(%s)", m.Pattern) }
func (m *Matches) Match(e model.Entry) bool { return m.Pattern.MatchString(e.Body()) }

// Not inverts a term.
type Not struct {
	Term Term
}

func (n *Not) String() string           { return "not " + n.Term.String() }
func (n *Not) Match(e model.Entry) bool { return !n.Term.Match(e) }
