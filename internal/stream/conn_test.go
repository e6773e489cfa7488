package stream

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"skylark/internal/api"
	"skylark/internal/cache"
	"skylark/internal/model"
	"skylark/internal/oauth"
)

func testSession() *api.Session {
	cred := &model.Credential{Name: "alice", UserID: 1, Token: "tok", TokenSecret: "sec"}
	signer := oauth.NewSigner("ck", "cs", cred)
	return api.NewSession("http://unused", cred, signer, cache.New(cache.Hooks{}))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// lineServer streams the given lines to every connection, then holds the
// connection open until the client goes away.
func lineServer(t *testing.T, conns *int32, forms chan<- url.Values, lines ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if conns != nil {
			atomic.AddInt32(conns, 1)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse stream form: %v", err)
		}
		if forms != nil {
			select {
			case forms <- r.PostForm:
			default:
			}
		}
		fl := w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
		fl.Flush()
		for _, l := range lines {
			_, _ = w.Write([]byte(l + "\n"))
			fl.Flush()
		}
		<-r.Context().Done()
	}))
}

type collected struct {
	kind  string
	value any
}

func collectingHandlers(out chan<- collected) Handlers {
	send := func(kind string, v any) {
		out <- collected{kind: kind, value: v}
	}
	return Handlers{
		OnConnected:     func(c *model.Credential) { send("connected", c) },
		OnDisconnected:  func(c *model.Credential) { send("disconnected", c) },
		OnFault:         func(f *Fault) { send("fault", f) },
		OnPost:          func(p *model.Post) { send("post", p) },
		OnDirectMessage: func(dm *model.DirectMessage) { send("dm", dm) },
		OnDelete:        func(id model.PostID) { send("delete", id) },
		OnFriends:       func(ids []model.UserID) { send("friends", ids) },
		OnSelfEvent:     func(e Event) { send("self", e) },
		OnReceivedEvent: func(e Event) { send("received", e) },
	}
}

func next(t *testing.T, out <-chan collected, kind string) collected {
	t.Helper()
	for {
		select {
		case c := <-out:
			if c.kind == kind {
				return c
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("no %q notification", kind)
		}
	}
}

func TestLineClassification(t *testing.T) {
	lines := []string{
		`{"delete":{"status":{"id":42,"user_id":7}}}`,
		`{"friends":[1,7,9]}`,
		`{"direct_message":{"id":5,"text":"psst","created_at":"Mon Apr 04 12:00:00 +0000 2011","sender":{"id":7,"screen_name":"bob"},"recipient":{"id":1,"screen_name":"alice"}}}`,
		`{"id":43,"text":"hi","retweeted":false,"created_at":"Mon Apr 04 12:00:00 +0000 2011","user":{"id":7,"screen_name":"bob"}}`,
		`{"no_known_field":true}`,
	}
	ts := lineServer(t, nil, nil, lines...)
	defer ts.Close()

	out := make(chan collected, 32)
	c := New(testSession(), ts.URL, collectingHandlers(out))
	c.Connect()
	defer c.Disconnect()

	next(t, out, "connected")
	if got := next(t, out, "delete").value.(model.PostID); got != 42 {
		t.Fatalf("delete id = %d", got)
	}
	friends := next(t, out, "friends").value.([]model.UserID)
	if len(friends) != 3 || friends[1] != 7 {
		t.Fatalf("friends = %v", friends)
	}
	dm := next(t, out, "dm").value.(*model.DirectMessage)
	if dm.Text != "psst" || dm.Recipient == nil || dm.Recipient.Name != "alice" {
		t.Fatalf("dm = %+v", dm)
	}
	p := next(t, out, "post").value.(*model.Post)
	if p.ID != 43 || p.AuthorName() != "bob" {
		t.Fatalf("post = %+v", p)
	}
	if cached, _ := c.session.Cache.RetrievePost(43, nil); cached != p {
		t.Fatalf("streamed post must land in the entity cache")
	}
}

func TestEventSelfVersusReceived(t *testing.T) {
	lines := []string{
		`{"event":"follow","created_at":"Mon Apr 04 12:00:00 +0000 2011","source":{"id":1,"screen_name":"alice"},"target":{"id":7,"screen_name":"bob"}}`,
		`{"event":"favorite","created_at":"Mon Apr 04 12:01:00 +0000 2011","source":{"id":7,"screen_name":"bob"},"target":{"id":1,"screen_name":"alice"},"target_object":{"id":50,"text":"nice","created_at":"Mon Apr 04 11:00:00 +0000 2011","user":{"id":1,"screen_name":"alice"}}}`,
	}
	ts := lineServer(t, nil, nil, lines...)
	defer ts.Close()

	out := make(chan collected, 32)
	c := New(testSession(), ts.URL, collectingHandlers(out))
	c.Connect()
	defer c.Disconnect()

	self := next(t, out, "self").value.(Event)
	if self.Kind != "follow" || self.Source.Name != "alice" || self.Target.Name != "bob" {
		t.Fatalf("self event = %+v", self)
	}
	recv := next(t, out, "received").value.(Event)
	if recv.Kind != "favorite" || recv.Self || recv.Post == nil || recv.Post.ID != 50 {
		t.Fatalf("received event = %+v", recv)
	}
}

func TestConnectIsIdempotentWhileOpen(t *testing.T) {
	var conns int32
	ts := lineServer(t, &conns, nil)
	defer ts.Close()

	out := make(chan collected, 8)
	c := New(testSession(), ts.URL, collectingHandlers(out))
	c.Connect()
	defer c.Disconnect()
	next(t, out, "connected")

	c.Connect()
	c.Connect()
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&conns); got != 1 {
		t.Fatalf("expected 1 connection, got %d", got)
	}
	if c.State() != Open {
		t.Fatalf("state = %s", c.State())
	}
}

func TestDisconnectReportsNoFault(t *testing.T) {
	ts := lineServer(t, nil, nil)
	defer ts.Close()

	out := make(chan collected, 8)
	c := New(testSession(), ts.URL, collectingHandlers(out))
	c.Connect()
	next(t, out, "connected")

	c.Disconnect()
	next(t, out, "disconnected")
	waitFor(t, "idle state", func() bool { return c.State() == Idle })
	select {
	case ev := <-out:
		if ev.kind == "fault" {
			t.Fatalf("deliberate disconnect must not fault")
		}
	default:
	}
}

func TestFaultOnConnectionLoss(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
		fl.Flush()
		_, _ = w.Write([]byte(`{"delete":{"status":{"id":1}}}` + "\n"))
		fl.Flush()
	}))
	defer ts.Close()

	out := make(chan collected, 8)
	c := New(testSession(), ts.URL, collectingHandlers(out))
	c.Connect()

	next(t, out, "connected")
	next(t, out, "delete")
	f := next(t, out, "fault").value.(*Fault)
	if f.Kind != ConnectionError {
		t.Fatalf("fault kind = %s", f.Kind)
	}
	if f.Account == nil || f.Account.Name != "alice" {
		t.Fatalf("fault must carry the owning credential: %+v", f)
	}
	next(t, out, "disconnected")
	waitFor(t, "idle state", func() bool { return c.State() == Idle })
}

func TestFaultOnRejectedConnect(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not allowed", http.StatusUnauthorized)
	}))
	defer ts.Close()

	out := make(chan collected, 8)
	c := New(testSession(), ts.URL, collectingHandlers(out))
	c.Connect()

	f := next(t, out, "fault").value.(*Fault)
	if f.Kind != WebError {
		t.Fatalf("fault kind = %s", f.Kind)
	}
	next(t, out, "disconnected")
}

func TestFilterChangeDebouncesIntoOneReconnect(t *testing.T) {
	var conns int32
	forms := make(chan url.Values, 4)
	ts := lineServer(t, &conns, forms)
	defer ts.Close()

	out := make(chan collected, 16)
	c := New(testSession(), ts.URL, collectingHandlers(out))
	c.debounceWait = 40 * time.Millisecond
	c.Connect()
	defer c.Disconnect()
	next(t, out, "connected")
	<-forms

	c.SetTrack([]string{"go"})
	c.SetTrack([]string{"go", "gopher"})
	c.SetFollow([]model.UserID{7})

	waitFor(t, "reconnect", func() bool { return atomic.LoadInt32(&conns) == 2 })
	form := <-forms
	if form.Get("track") != "go,gopher" || form.Get("follow") != "7" {
		t.Fatalf("reconnect must carry the new filter set: %v", form)
	}
	time.Sleep(3 * c.debounceWait)
	if got := atomic.LoadInt32(&conns); got != 2 {
		t.Fatalf("edits within the debounce window must collapse, got %d connections", got)
	}
}

func TestIdleFilterEditsDoNotConnect(t *testing.T) {
	var conns int32
	ts := lineServer(t, &conns, nil)
	defer ts.Close()

	c := New(testSession(), ts.URL, Handlers{})
	c.debounceWait = 10 * time.Millisecond
	c.SetTrack([]string{"go"})
	time.Sleep(5 * c.debounceWait)
	if got := atomic.LoadInt32(&conns); got != 0 {
		t.Fatalf("idle connection must not dial on filter edits, got %d", got)
	}
	if c.State() != Idle {
		t.Fatalf("state = %s", c.State())
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	var conns int32
	ts := lineServer(t, &conns, nil)
	defer ts.Close()

	out := make(chan collected, 8)
	c := New(testSession(), ts.URL, collectingHandlers(out))
	c.debounceWait = 20 * time.Millisecond
	c.Connect()
	next(t, out, "connected")

	// The filter edit arms the reconnect timer; a deliberate disconnect
	// right after must also disarm it.
	c.SetTrack([]string{"go"})
	c.Disconnect()
	next(t, out, "disconnected")

	time.Sleep(5 * c.debounceWait)
	if c.State() != Idle {
		t.Fatalf("state = %s, want Idle", c.State())
	}
	if got := atomic.LoadInt32(&conns); got != 1 {
		t.Fatalf("stale debounce reconnected, connections = %d", got)
	}
}
