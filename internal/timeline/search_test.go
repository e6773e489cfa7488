package timeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"skylark/internal/api"
	"skylark/internal/cache"
	"skylark/internal/model"
	"skylark/internal/oauth"
)

func TestSearchFetchResolvesHitAuthors(t *testing.T) {
	var showHits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/search.json":
			_, _ = w.Write([]byte(`{"results":[{"id":42,"text":"go gopher",
				"created_at":"Mon, 04 Apr 2011 12:00:00 +0000",
				"from_user":"bob","from_user_id":700}]}`))
		case "/users/show.json":
			atomic.AddInt32(&showHits, 1)
			_, _ = w.Write([]byte(`{"id":700,"screen_name":"bob","name":"Bob B"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	cred := &model.Credential{Name: "alice", UserID: 1, Token: "tok", TokenSecret: "sec"}
	sess := api.NewSession(ts.URL, cred, oauth.NewSigner("ck", "cs", cred), cache.New(cache.Hooks{}))
	src := &Search{Cred: cred, Query: "gopher"}

	entries, err := src.Fetch(context.Background(), sess, api.DefaultRange())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	hit, ok := entries[0].(*model.SearchHit)
	if !ok {
		t.Fatalf("entry type %T", entries[0])
	}
	if hit.Author == nil || hit.Author.ID != 700 || hit.Author.Name != "bob" {
		t.Fatalf("author not resolved: %+v", hit.Author)
	}
	if got := atomic.LoadInt32(&showHits); got != 1 {
		t.Fatalf("show lookups = %d, want 1", got)
	}

	// A later fetch resolves its fresh hits from the cache.
	if _, err := src.Fetch(context.Background(), sess, api.DefaultRange()); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&showHits); got != 1 {
		t.Fatalf("cached author refetched, show lookups = %d", got)
	}
}
