// Package model holds the semantic types shared by the sync engine:
// credentials, timeline entries, authors and rate-limit state.
package model

import (
	"fmt"
	"time"
)

// UserID identifies an author. Zero means absent.
type UserID int64

// PostID identifies a post. Zero means absent.
type PostID int64

// Credential is an authenticated identity usable to act as an account.
// Absent token fields mean the account has not completed authorization.
type Credential struct {
	Name        string
	UserID      UserID
	Token       string
	TokenSecret string
}

// Authorized reports whether both OAuth token fields are present.
func (c *Credential) Authorized() bool {
	return c != nil && c.Token != "" && c.TokenSecret != ""
}

// ClearToken removes both token fields, returning the credential to the
// "not authorized" state.
func (c *Credential) ClearToken() {
	c.Token = ""
	c.TokenSecret = ""
}

// Equal reports whether two credentials refer to the same account.
// A match on either the user ID or the name counts; this is intentionally
// loose and can conflate a stale cached name with another account's ID.
func (c *Credential) Equal(other *Credential) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.UserID == other.UserID || c.Name == other.Name
}

func (c *Credential) String() string {
	if c == nil || c.UserID == 0 {
		return "(all)"
	}
	if c.Name != "" {
		return c.Name
	}
	return fmt.Sprintf("(ID: %d)", c.UserID)
}

// Entry is anything displayable on a timeline.
type Entry interface {
	EntryID() int64
	AuthorName() string
	Body() string
	Created() time.Time
	Account() *Credential
}

// Author is a user of the remote service. The numeric ID is authoritative;
// the name is a secondary, mutable key.
type Author struct {
	ID             UserID
	Name           string
	FullName       string
	Description    string
	Location       string
	URL            string
	ProfileImage   string
	FollowersCount int
	FriendsCount   int
	PostCount      int
	Protected      bool
	CreatedAt      time.Time
	Recent         *Post
}

// Post is a timeline entry.
type Post struct {
	ID        PostID
	Author    *Author
	Text      string
	CreatedAt time.Time
	Source    string
	InReplyTo PostID
	Favorited bool
	Reposted  *Post
	Owner     *Credential
}

func (p *Post) EntryID() int64       { return int64(p.ID) }
func (p *Post) Body() string         { return p.Text }
func (p *Post) Created() time.Time   { return p.CreatedAt }
func (p *Post) Account() *Credential { return p.Owner }

func (p *Post) AuthorName() string {
	if p.Author == nil {
		return ""
	}
	return p.Author.Name
}

// DirectMessage is a post with a recipient.
type DirectMessage struct {
	Post
	Recipient *Author
}

// SearchHit is a post found through the search API. Search payloads carry
// only the author's name; the full author identity is resolved lazily.
type SearchHit struct {
	Post
	ScreenName string
	resolved   bool
}

func (s *SearchHit) AuthorName() string {
	if s.Author != nil {
		return s.Author.Name
	}
	return s.ScreenName
}

// ResolveAuthor fills in the full author record at most once, using the
// supplied lookup. Errors leave the hit unresolved for a later retry.
func (s *SearchHit) ResolveAuthor(lookup func(name string) (*Author, error)) error {
	if s.resolved || s.ScreenName == "" {
		return nil
	}
	a, err := lookup(s.ScreenName)
	if err != nil {
		return err
	}
	s.Author = a
	s.resolved = true
	return nil
}

// StreamNotice is a synthetic entry derived from a push-channel
// relationship event, e.g. "alice followed bob".
type StreamNotice struct {
	Kind      string
	Source    *Author
	Target    *Author
	CreatedAt time.Time
	Owner     *Credential
}

func (n *StreamNotice) EntryID() int64       { return 0 }
func (n *StreamNotice) Created() time.Time   { return n.CreatedAt }
func (n *StreamNotice) Account() *Credential { return n.Owner }

func (n *StreamNotice) AuthorName() string {
	if n.Source == nil {
		return ""
	}
	return n.Source.Name
}

func (n *StreamNotice) Body() string {
	target := ""
	if n.Target != nil {
		target = n.Target.Name
	}
	return fmt.Sprintf("%s %s %s", n.AuthorName(), n.Kind, target)
}

// RateWindow is the most recently observed API quota state for a
// credential. Windows are replaced wholesale, never merged field-by-field.
type RateWindow struct {
	Account   *Credential
	Remaining int
	Limit     int
	Reset     time.Time
}

// Equal compares windows by credential only; the value fields are ignored
// so a fresh window replaces a stale one for the same account.
func (r RateWindow) Equal(other RateWindow) bool {
	if r.Account == nil && other.Account == nil {
		return true
	}
	if r.Account == nil || other.Account == nil {
		return false
	}
	return r.Account.Equal(other.Account)
}
