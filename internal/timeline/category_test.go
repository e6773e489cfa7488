package timeline

import (
	"regexp"
	"testing"
	"time"

	"skylark/internal/model"
)

var base = time.Date(2011, 4, 4, 12, 0, 0, 0, time.UTC)

func post(id int64, name, text string, at time.Time, owner *model.Credential) *model.Post {
	return &model.Post{
		ID:        model.PostID(id),
		Text:      text,
		CreatedAt: at,
		Author:    &model.Author{ID: model.UserID(id * 100), Name: name},
		Owner:     owner,
	}
}

func entries(ps ...*model.Post) []model.Entry {
	out := make([]model.Entry, len(ps))
	for i, p := range ps {
		out[i] = p
	}
	return out
}

func TestMergeSkipsDuplicatesKeepsOrder(t *testing.T) {
	cred := &model.Credential{Name: "alice", UserID: 1}
	c := NewCategory("home", nil, time.Minute, 0)

	x := post(10, "bob", "x", base.Add(10*time.Second), cred)
	c.Merge(entries(x))

	newer := post(20, "bob", "newer", base.Add(20*time.Second), cred)
	older := post(5, "bob", "older", base.Add(5*time.Second), cred)
	if got := c.Merge(entries(x, newer, older)); got != 2 {
		t.Fatalf("inserted = %d, want 2", got)
	}

	got := c.Entries()
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3 (no duplicate of x)", len(got))
	}
	want := []int64{20, 10, 5}
	for i, e := range got {
		if e.EntryID() != want[i] {
			t.Fatalf("order mismatch at %d: got %d want %d", i, e.EntryID(), want[i])
		}
	}
}

func TestMergeCapsAtMaxDiscardingOldest(t *testing.T) {
	cred := &model.Credential{Name: "alice", UserID: 1}
	c := NewCategory("home", nil, time.Minute, 3)
	batch := entries(
		post(1, "bob", "a", base.Add(1*time.Second), cred),
		post(2, "bob", "b", base.Add(2*time.Second), cred),
		post(3, "bob", "c", base.Add(3*time.Second), cred),
		post(4, "bob", "d", base.Add(4*time.Second), cred),
		post(5, "bob", "e", base.Add(5*time.Second), cred),
	)
	c.Merge(batch)
	got := c.Entries()
	if len(got) != 3 {
		t.Fatalf("len = %d, want cap 3", len(got))
	}
	if got[0].EntryID() != 5 || got[2].EntryID() != 3 {
		t.Fatalf("cap must discard the oldest overflow, got %v %v %v",
			got[0].EntryID(), got[1].EntryID(), got[2].EntryID())
	}
}

func TestUnreadCountsOnlyFreshMerges(t *testing.T) {
	cred := &model.Credential{Name: "alice", UserID: 1}
	c := NewCategory("home", nil, time.Minute, 0)
	c.Merge(entries(post(1, "bob", "a", base, cred), post(2, "bob", "b", base.Add(time.Second), cred)))
	if c.Unread() != 2 {
		t.Fatalf("unread = %d, want 2", c.Unread())
	}
	c.MergeOlder(entries(post(3, "bob", "old", base.Add(-time.Hour), cred)))
	if c.Unread() != 2 {
		t.Fatalf("back-paging must not bump unread, got %d", c.Unread())
	}
	c.ClearUnread()
	if c.Unread() != 0 {
		t.Fatalf("unread not cleared")
	}
}

func TestRemoveDeletesEveryOccurrence(t *testing.T) {
	cred := &model.Credential{Name: "alice", UserID: 1}
	c := NewCategory("home", nil, time.Minute, 0)
	c.Merge(entries(post(1, "bob", "a", base, cred), post(2, "bob", "b", base.Add(time.Second), cred)))
	if !c.Remove(1) {
		t.Fatalf("Remove(1) = false")
	}
	if c.Remove(99) {
		t.Fatalf("Remove of an absent ID must report false")
	}
	for _, e := range c.Entries() {
		if e.EntryID() == 1 {
			t.Fatalf("entry 1 still listed")
		}
	}
}

func TestEntryIdentityDistinguishesMessageFromPost(t *testing.T) {
	cred := &model.Credential{Name: "alice", UserID: 1}
	p := post(5, "bob", "hi", base, cred)
	dm := &model.DirectMessage{Post: *post(5, "bob", "hi", base, cred)}
	if sameEntry(p, dm) {
		t.Fatalf("a direct message and a post must not share identity by ID")
	}
	if !sameEntry(p, post(5, "bob", "other text", base, cred)) {
		t.Fatalf("posts with the same ID share identity")
	}
}

func TestOldestIDSkipsNotices(t *testing.T) {
	cred := &model.Credential{Name: "alice", UserID: 1}
	c := NewCategory("home", nil, time.Minute, 0)
	c.Merge([]model.Entry{
		post(30, "bob", "a", base.Add(3*time.Second), cred),
		&model.StreamNotice{Kind: "follow", Source: &model.Author{Name: "bob"}, CreatedAt: base.Add(2 * time.Second)},
		post(10, "bob", "b", base.Add(time.Second), cred),
	})
	if got := c.OldestID(); got != 10 {
		t.Fatalf("OldestID = %d, want 10", got)
	}
}

func TestPagingSlotIsExclusive(t *testing.T) {
	c := NewCategory("home", nil, time.Minute, 0)
	if !c.TryBeginPage() {
		t.Fatalf("first claim must succeed")
	}
	if c.TryBeginPage() {
		t.Fatalf("second claim must fail while the first is in flight")
	}
	c.EndPage()
	if !c.TryBeginPage() {
		t.Fatalf("claim must succeed after release")
	}
}

func TestFilterAcceptRoutesStreamedEntries(t *testing.T) {
	alice := &model.Credential{Name: "alice", UserID: 1}
	friends := map[model.UserID]bool{700: true}
	home := &Home{Cred: alice, Follows: func(id model.UserID) bool { return friends[id] }}
	mentions := &Mentions{Cred: alice}

	fromFriend := post(7, "bob", "plain talk", base, alice)
	fromStranger := post(8, "mallory", "noise", base, alice)
	mention := post(9, "mallory", "hey @Alice look", base, alice)

	f := &Filter{Sources: []Source{home}}
	if !f.Accept(fromFriend) {
		t.Fatalf("post from a followed author belongs to home")
	}
	if f.Accept(fromStranger) {
		t.Fatalf("post from a stranger does not belong to home")
	}

	f = &Filter{Sources: []Source{mentions}}
	if !f.Accept(mention) {
		t.Fatalf("mention must match case-insensitively")
	}
	if f.Accept(fromFriend) {
		t.Fatalf("non-mention must not match")
	}
}

func TestFilterTermsKeepAndDrop(t *testing.T) {
	alice := &model.Credential{Name: "alice", UserID: 1}
	f := &Filter{Terms: []Term{
		&Contains{Text: "go"},
		&Not{Term: &Matches{Pattern: regexp.MustCompile(`(?i)spam`)}},
	}}
	if !f.Keep(post(1, "bob", "going places", base, alice)) {
		t.Fatalf("entry matching all terms must be kept")
	}
	if f.Keep(post(2, "bob", "go go SPAM", base, alice)) {
		t.Fatalf("negated term must drop")
	}
	if f.Keep(post(3, "bob", "unrelated", base, alice)) {
		t.Fatalf("entry missing a contains term must drop")
	}
}

func TestMessageSourcesSplitByDirection(t *testing.T) {
	alice := &model.Credential{Name: "alice", UserID: 1}
	recv := &MessagesReceived{Cred: alice}
	sent := &MessagesSent{Cred: alice}

	in := &model.DirectMessage{
		Post:      *post(1, "bob", "hi", base, alice),
		Recipient: &model.Author{ID: 1, Name: "alice"},
	}
	out := &model.DirectMessage{
		Post:      *post(2, "alice", "re: hi", base, alice),
		Recipient: &model.Author{ID: 700, Name: "bob"},
	}
	if !recv.Matches(in) || recv.Matches(out) {
		t.Fatalf("received source must match only inbound messages")
	}
	if !sent.Matches(out) || sent.Matches(in) {
		t.Fatalf("sent source must match only outbound messages")
	}
}
