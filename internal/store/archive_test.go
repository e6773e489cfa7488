package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"skylark/internal/cache"
	"skylark/internal/model"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func samplePost() *model.Post {
	created := time.Date(2011, 4, 4, 12, 0, 0, 0, time.UTC)
	return &model.Post{
		ID:        42,
		Text:      "hello",
		CreatedAt: created,
		Source:    "web",
		InReplyTo: 7,
		Favorited: true,
		Author: &model.Author{
			ID:        700,
			Name:      "bob",
			FullName:  "Bob B",
			CreatedAt: created.Add(-24 * time.Hour),
		},
		Reposted: &model.Post{
			ID:        41,
			Text:      "orig",
			CreatedAt: created.Add(-time.Hour),
			Author:    &model.Author{ID: 800, Name: "carol", CreatedAt: created},
		},
	}
}

func TestSaveLoadPostRoundTrip(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()
	want := samplePost()
	if err := a.SavePost(ctx, want); err != nil {
		t.Fatal(err)
	}

	got, err := a.LoadPost(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatalf("post not found after save")
	}
	// Owner is runtime state, never archived.
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadAbsentReturnsNil(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()
	if p, err := a.LoadPost(ctx, 999); err != nil || p != nil {
		t.Fatalf("absent post: %v %v", p, err)
	}
	if au, err := a.LoadAuthorByName(ctx, "ghost"); err != nil || au != nil {
		t.Fatalf("absent author: %v %v", au, err)
	}
}

func TestAuthorLookupByEitherKey(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()
	if err := a.SavePost(ctx, samplePost()); err != nil {
		t.Fatal(err)
	}
	byID, err := a.LoadAuthorByID(ctx, 700)
	if err != nil || byID == nil || byID.Name != "bob" {
		t.Fatalf("by id: %+v %v", byID, err)
	}
	byName, err := a.LoadAuthorByName(ctx, "bob")
	if err != nil || byName == nil || byName.ID != 700 {
		t.Fatalf("by name: %+v %v", byName, err)
	}
}

func TestDeletePost(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()
	if err := a.SavePost(ctx, samplePost()); err != nil {
		t.Fatal(err)
	}
	if err := a.DeletePost(ctx, 42); err != nil {
		t.Fatal(err)
	}
	if p, _ := a.LoadPost(ctx, 42); p != nil {
		t.Fatalf("post still present after delete")
	}
}

func TestCursors(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()
	if got, err := a.LoadCursor(ctx, "home:alice"); err != nil || got != 0 {
		t.Fatalf("fresh cursor = %d, %v", got, err)
	}
	if err := a.SaveCursor(ctx, "home:alice", 42); err != nil {
		t.Fatal(err)
	}
	if err := a.SaveCursor(ctx, "home:alice", 99); err != nil {
		t.Fatal(err)
	}
	if got, _ := a.LoadCursor(ctx, "home:alice"); got != 99 {
		t.Fatalf("cursor = %d, want latest", got)
	}
}

func TestHooksServeCacheAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	a, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	first := cache.New(a.Hooks())
	first.StorePost(samplePost())
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}

	// A fresh process: empty cache, same archive behind the hooks.
	a2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer a2.Close()
	second := cache.New(a2.Hooks())
	p, err := second.RetrievePost(42, nil)
	if err != nil {
		t.Fatal(err)
	}
	if p == nil || p.Text != "hello" || p.Author == nil || p.Author.Name != "bob" {
		t.Fatalf("resolve hook must serve the archived post, got %+v", p)
	}
	if au, _ := second.RetrieveAuthorByName("bob", nil); au == nil || au.ID != 700 {
		t.Fatalf("resolve hook must serve the archived author, got %+v", au)
	}
}

func TestCacheRemoveDeletesFromArchive(t *testing.T) {
	a := openTestArchive(t)
	c := cache.New(a.Hooks())
	stored := c.StorePost(samplePost())

	c.RemovePost(stored.ID)

	// The resolve hook must not resurrect the deleted post.
	got, err := c.RetrievePost(stored.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("deleted post came back from the archive: %+v", got)
	}
	onDisk, err := a.LoadPost(context.Background(), stored.ID)
	if err != nil {
		t.Fatal(err)
	}
	if onDisk != nil {
		t.Fatalf("post still archived after remove: %+v", onDisk)
	}
}
