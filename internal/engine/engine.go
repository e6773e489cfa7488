// Package engine schedules the whole synchronization effort: a one-second
// timer drives per-category refresh passes across every configured
// credential, while open push channels keep their covered sources fresh
// and exempt from polling.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"skylark/internal/api"
	"skylark/internal/cache"
	"skylark/internal/logging"
	"skylark/internal/metrics"
	"skylark/internal/model"
	"skylark/internal/oauth"
	"skylark/internal/stream"
	"skylark/internal/timeline"
)

// maxStreamRetry caps the per-credential backoff counter. Each fault
// bumps it, each pass drains one, so repeated faults spread reconnect
// attempts out to at most six seconds apart.
const maxStreamRetry = 6

// Notifications are the engine's outward lifecycle signals. Nil fields
// are skipped.
type Notifications struct {
	Refreshing         func()
	Refreshed          func()
	StreamConnected    func(*model.Credential)
	StreamDisconnected func(*model.Credential)
	RateLimitChanged   func(model.RateWindow)
}

// Options configures one engine instance.
type Options struct {
	BaseURL        string
	StreamURL      string
	ConsumerKey    string
	ConsumerSecret string

	// Streaming enables the per-credential push channel.
	Streaming bool
	// Parallelism bounds the refresh worker pool. Defaults to 4.
	Parallelism int

	Notify Notifications
	// Authenticate is invoked for a credential lacking a valid token.
	// Returning false skips the account for the current pass.
	Authenticate func(*model.Credential) bool

	// Cursors, when set, anchors each source's refresh at the newest
	// previously fetched ID and records the new anchor after a merge.
	Cursors Cursors
}

// Cursors persists per-source since-ID anchors across restarts.
type Cursors interface {
	LoadCursor(ctx context.Context, source string) (model.PostID, error)
	SaveCursor(ctx context.Context, source string, since model.PostID) error
}

type account struct {
	cred    *model.Credential
	session *api.Session
	conn    *stream.Conn

	mu      sync.Mutex
	retry   int
	friends map[model.UserID]bool
}

func (a *account) streaming() bool {
	return a.conn != nil && a.conn.State() == stream.Open
}

func (a *account) setFriends(ids []model.UserID) {
	set := make(map[model.UserID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	a.mu.Lock()
	a.friends = set
	a.mu.Unlock()
}

func (a *account) setFriend(id model.UserID, followed bool) {
	if id == 0 {
		return
	}
	a.mu.Lock()
	if a.friends == nil {
		a.friends = make(map[model.UserID]bool)
	}
	if followed {
		a.friends[id] = true
	} else {
		delete(a.friends, id)
	}
	a.mu.Unlock()
}

func (a *account) follows(id model.UserID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.friends[id]
}

// Engine owns the timer, the entity cache, the session table and the
// stream connection table. Construct one per process and share it by
// reference; there is no package-level instance.
type Engine struct {
	opts  Options
	cache *cache.Cache

	mu         sync.Mutex
	accounts   []*account
	categories []*timeline.Category
	counters   map[*timeline.Category]int
	windows    []model.RateWindow

	passing atomic.Bool
	nowFn   func() time.Time
}

// New returns an engine sharing the given entity cache with its sessions.
func New(opts Options, c *cache.Cache) *Engine {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	return &Engine{
		opts:     opts,
		cache:    c,
		counters: make(map[*timeline.Category]int),
		nowFn:    time.Now,
	}
}

// Cache returns the shared entity cache.
func (e *Engine) Cache() *cache.Cache { return e.cache }

// AddCredential registers an account and builds its session. Duplicate
// registrations (by credential equality) are ignored.
func (e *Engine) AddCredential(cred *model.Credential) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range e.accounts {
		if a.cred.Equal(cred) {
			return
		}
	}
	signer := oauth.NewSigner(e.opts.ConsumerKey, e.opts.ConsumerSecret, cred)
	a := &account{
		cred:    cred,
		session: api.NewSession(e.opts.BaseURL, cred, signer, e.cache),
	}
	e.accounts = append(e.accounts, a)
}

// RemoveCredential disposes the account's stream connection and drops its
// session and rate window.
func (e *Engine) RemoveCredential(cred *model.Credential) {
	e.mu.Lock()
	var removed *account
	kept := e.accounts[:0]
	for _, a := range e.accounts {
		if removed == nil && a.cred.Equal(cred) {
			removed = a
			continue
		}
		kept = append(kept, a)
	}
	e.accounts = kept
	if removed != nil {
		windows := e.windows[:0]
		for _, w := range e.windows {
			if w.Account == nil || !w.Account.Equal(cred) {
				windows = append(windows, w)
			}
		}
		e.windows = windows
	}
	e.mu.Unlock()
	if removed != nil && removed.conn != nil {
		removed.conn.Disconnect()
	}
}

// Credentials returns the registered credentials in registration order.
func (e *Engine) Credentials() []*model.Credential {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*model.Credential, len(e.accounts))
	for i, a := range e.accounts {
		out[i] = a.cred
	}
	return out
}

// Session returns the registered session for cred, or nil.
func (e *Engine) Session(cred *model.Credential) *api.Session {
	if a := e.accountFor(cred); a != nil {
		return a.session
	}
	return nil
}

// Follows returns a membership predicate over cred's followed-ID set,
// kept current from the push channel's friends snapshot and events.
func (e *Engine) Follows(cred *model.Credential) func(model.UserID) bool {
	return func(id model.UserID) bool {
		a := e.accountFor(cred)
		return a != nil && a.follows(id)
	}
}

// AddCategory registers a category for scheduling.
func (e *Engine) AddCategory(c *timeline.Category) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.categories = append(e.categories, c)
	e.counters[c] = 0
}

// RemoveCategory stops scheduling a category.
func (e *Engine) RemoveCategory(c *timeline.Category) {
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.categories[:0]
	for _, have := range e.categories {
		if have == c {
			continue
		}
		kept = append(kept, have)
	}
	e.categories = kept
	delete(e.counters, c)
}

// Categories returns the scheduled categories.
func (e *Engine) Categories() []*timeline.Category {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*timeline.Category(nil), e.categories...)
}

// RateWindows returns the latest observed quota per credential.
func (e *Engine) RateWindows() []model.RateWindow {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.RateWindow(nil), e.windows...)
}

// Run drives one pass per second until ctx is done, then disconnects all
// streams.
func (e *Engine) Run(ctx context.Context) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return
		case <-t.C:
			e.Pass(ctx)
		}
	}
}

func (e *Engine) shutdown() {
	e.mu.Lock()
	accounts := append([]*account(nil), e.accounts...)
	e.mu.Unlock()
	for _, a := range accounts {
		if a.conn != nil {
			a.conn.Disconnect()
		}
	}
}

// Pass runs one scheduling pass: reconcile stream connections, refresh
// every due category in parallel, then publish rate-window changes. Only
// one pass ever runs at a time; overlapping calls return immediately.
func (e *Engine) Pass(ctx context.Context) {
	if !e.passing.CompareAndSwap(false, true) {
		return
	}
	defer e.passing.Store(false)
	metrics.RefreshRuns.Inc()
	defer metrics.ObserveRefreshDuration(time.Now())
	if e.opts.Notify.Refreshing != nil {
		e.opts.Notify.Refreshing()
	}

	e.reconcileStreams()

	due := e.dueCategories()
	if len(due) > 0 {
		// One request-scope cache for the whole batch, so categories
		// sharing a source collapse to one fetch.
		pass := api.NewPassCache()
		e.mu.Lock()
		for _, a := range e.accounts {
			a.session.WithPass(pass)
		}
		e.mu.Unlock()

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.opts.Parallelism)
		for _, cat := range due {
			cat := cat
			g.Go(func() error {
				e.refresh(gctx, cat)
				return nil
			})
		}
		_ = g.Wait()

		// The request-scope cache dies with the batch; anything after
		// this point fetches fresh.
		e.mu.Lock()
		for _, a := range e.accounts {
			a.session.WithPass(nil)
		}
		e.mu.Unlock()
	}

	e.updateWindows()
	if e.opts.Notify.Refreshed != nil {
		e.opts.Notify.Refreshed()
	}
}

// dueCategories advances every per-category counter and collects the
// categories whose counter exceeds their interval, with a one-second
// floor since their last completed update.
func (e *Engine) dueCategories() []*timeline.Category {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.nowFn()
	var due []*timeline.Category
	for _, c := range e.categories {
		e.counters[c]++
		if e.counters[c] <= int(c.Interval.Seconds()) {
			continue
		}
		if last := c.LastUpdate(); !last.IsZero() && now.Sub(last) < time.Second {
			continue
		}
		e.counters[c] = 0
		due = append(due, c)
	}
	return due
}

// refresh pulls every non-stream-covered source of one category and
// merges the kept entries. Failures are logged and swallowed so one
// category never blocks the rest of the batch.
func (e *Engine) refresh(ctx context.Context, cat *timeline.Category) {
	for _, src := range cat.Filter.Sources {
		a := e.accountFor(src.Account())
		if a == nil || !a.cred.Authorized() {
			continue
		}
		if src.Streamed() && a.streaming() {
			continue
		}
		rng := api.DefaultRange()
		if e.opts.Cursors != nil {
			if since, err := e.opts.Cursors.LoadCursor(ctx, src.String()); err == nil {
				rng.SinceID = since
			}
		}
		batch, err := src.Fetch(ctx, a.session, rng)
		if err != nil {
			metrics.RefreshErrors.Inc()
			logging.Warn("category refresh failed", map[string]any{
				"category": cat.Name,
				"source":   src.String(),
				"error":    err.Error(),
			})
			continue
		}
		var kept []model.Entry
		var newest model.PostID
		for _, entry := range batch {
			if id := model.PostID(entry.EntryID()); id > newest {
				newest = id
			}
			if cat.Filter.Keep(entry) {
				kept = append(kept, entry)
			}
		}
		cat.Merge(kept)
		if e.opts.Cursors != nil && newest > 0 {
			if err := e.opts.Cursors.SaveCursor(ctx, src.String(), newest); err != nil {
				logging.Warn("cursor save failed", map[string]any{"source": src.String(), "error": err.Error()})
			}
		}
	}
}

// reconcileStreams opens missing push channels (unless the credential is
// under backoff) and drains one backoff unit per pass.
func (e *Engine) reconcileStreams() {
	e.mu.Lock()
	accounts := append([]*account(nil), e.accounts...)
	e.mu.Unlock()

	for _, a := range accounts {
		if !a.cred.Authorized() {
			if e.opts.Authenticate == nil || !e.opts.Authenticate(a.cred) {
				continue
			}
			if !a.cred.Authorized() {
				continue
			}
		}
		if !e.opts.Streaming {
			continue
		}
		if a.conn == nil {
			a.conn = e.newConn(a)
		}
		a.mu.Lock()
		suppressed := a.retry > 0
		if suppressed {
			a.retry--
		}
		a.mu.Unlock()
		if suppressed {
			continue
		}
		if a.conn.State() == stream.Idle {
			metrics.StreamReconnects.Inc()
			a.conn.Connect()
		}
	}
}

func (e *Engine) newConn(a *account) *stream.Conn {
	h := stream.Handlers{
		OnConnected: func(c *model.Credential) {
			logging.Info("stream connected", map[string]any{"account": c.Name})
			if e.opts.Notify.StreamConnected != nil {
				e.opts.Notify.StreamConnected(c)
			}
		},
		OnDisconnected: func(c *model.Credential) {
			if e.opts.Notify.StreamDisconnected != nil {
				e.opts.Notify.StreamDisconnected(c)
			}
		},
		OnFault: func(f *stream.Fault) {
			a.mu.Lock()
			if a.retry < maxStreamRetry {
				a.retry++
			}
			a.mu.Unlock()
			logging.Warn("stream fault", map[string]any{
				"account": a.cred.Name,
				"kind":    f.Kind.String(),
				"error":   f.Err.Error(),
			})
		},
		OnPost:          func(p *model.Post) { e.dispatch(p) },
		OnDirectMessage: func(dm *model.DirectMessage) { e.dispatch(dm) },
		OnDelete:        func(id model.PostID) { e.RemovePost(id) },
		OnFriends:       func(ids []model.UserID) { a.setFriends(ids) },
		OnSelfEvent:     func(ev stream.Event) { e.handleEvent(a, ev) },
		OnReceivedEvent: func(ev stream.Event) { e.handleEvent(a, ev) },
	}
	return stream.New(a.session, e.opts.StreamURL, h)
}

// dispatch appends a streamed entry to every category whose filter
// accepts it, with the same identity-based de-duplication as polling.
func (e *Engine) dispatch(entry model.Entry) {
	for _, cat := range e.Categories() {
		if cat.Filter.Accept(entry) {
			cat.Merge([]model.Entry{entry})
		}
	}
}

// RemovePost honors a delete notice: the post leaves every category and
// the entity cache.
func (e *Engine) RemovePost(id model.PostID) {
	for _, cat := range e.Categories() {
		cat.Remove(id)
	}
	e.cache.RemovePost(id)
}

func (e *Engine) handleEvent(a *account, ev stream.Event) {
	switch ev.Kind {
	case "follow":
		if ev.Self && ev.Target != nil {
			a.setFriend(ev.Target.ID, true)
		}
	case "unfollow", "block":
		if ev.Self && ev.Target != nil {
			a.setFriend(ev.Target.ID, false)
		}
	case "favorite":
		if ev.Self && ev.Post != nil {
			ev.Post.Favorited = true
			e.dispatch(ev.Post)
		}
		return
	case "unfavorite":
		if ev.Self && ev.Post != nil {
			ev.Post.Favorited = false
			e.removeFromFavorites(a.cred, ev.Post.ID)
		}
		return
	}
	e.dispatch(&model.StreamNotice{
		Kind:      ev.Kind,
		Source:    ev.Source,
		Target:    ev.Target,
		CreatedAt: ev.CreatedAt,
		Owner:     a.cred,
	})
}

// removeFromFavorites drops a post from every category fed by a
// favorites source of the given account.
func (e *Engine) removeFromFavorites(cred *model.Credential, id model.PostID) {
	for _, cat := range e.Categories() {
		for _, src := range cat.Filter.Sources {
			if fav, ok := src.(*timeline.Favorites); ok && fav.Cred.Equal(cred) {
				cat.Remove(id)
				break
			}
		}
	}
}

// updateWindows replaces each credential's rate window wholesale and
// publishes changes.
func (e *Engine) updateWindows() {
	e.mu.Lock()
	var changed []model.RateWindow
	for _, a := range e.accounts {
		w, ok := a.session.RateWindow()
		if !ok {
			continue
		}
		replaced := false
		for i, have := range e.windows {
			if !have.Equal(w) {
				continue
			}
			if have != w {
				e.windows[i] = w
				changed = append(changed, w)
			}
			replaced = true
			break
		}
		if !replaced {
			e.windows = append(e.windows, w)
			changed = append(changed, w)
		}
	}
	e.mu.Unlock()
	if e.opts.Notify.RateLimitChanged != nil {
		for _, w := range changed {
			e.opts.Notify.RateLimitChanged(w)
		}
	}
}

// Post publishes a status update and appends it immediately to every
// matching category, without waiting for the next pass.
func (e *Engine) Post(ctx context.Context, cred *model.Credential, text string, inReplyTo model.PostID) (*model.Post, error) {
	a := e.accountFor(cred)
	if a == nil {
		return nil, fmt.Errorf("post: unknown credential %s", cred)
	}
	p, err := a.session.UpdateStatus(ctx, text, inReplyTo)
	if err != nil {
		return nil, err
	}
	e.dispatch(p)
	return p, nil
}

// SendMessage sends a direct message and appends it to matching
// categories.
func (e *Engine) SendMessage(ctx context.Context, cred *model.Credential, name, text string) (*model.DirectMessage, error) {
	a := e.accountFor(cred)
	if a == nil {
		return nil, fmt.Errorf("send message: unknown credential %s", cred)
	}
	dm, err := a.session.SendDirectMessage(ctx, name, text)
	if err != nil {
		return nil, err
	}
	e.dispatch(dm)
	return dm, nil
}

// Favorite marks a post as a favorite for cred and updates the favorites
// categories.
func (e *Engine) Favorite(ctx context.Context, cred *model.Credential, id model.PostID) (*model.Post, error) {
	a := e.accountFor(cred)
	if a == nil {
		return nil, fmt.Errorf("favorite: unknown credential %s", cred)
	}
	p, err := a.session.Favorite(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Favorited = true
	e.dispatch(p)
	return p, nil
}

// Unfavorite removes a favorite and drops the post from the favorites
// categories.
func (e *Engine) Unfavorite(ctx context.Context, cred *model.Credential, id model.PostID) (*model.Post, error) {
	a := e.accountFor(cred)
	if a == nil {
		return nil, fmt.Errorf("unfavorite: unknown credential %s", cred)
	}
	p, err := a.session.Unfavorite(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Favorited = false
	e.removeFromFavorites(cred, p.ID)
	return p, nil
}

// ErrPageInProgress reports an overlapping page-forward request.
var ErrPageInProgress = errors.New("page request already in flight")

// RequestNewPage back-pages one category past its oldest entry. At most
// one page request per category is in flight at a time.
func (e *Engine) RequestNewPage(ctx context.Context, cat *timeline.Category) error {
	if !cat.TryBeginPage() {
		return ErrPageInProgress
	}
	defer cat.EndPage()
	rng := api.DefaultRange()
	if oldest := cat.OldestID(); oldest > 0 {
		rng.MaxID = oldest - 1
	}
	var firstErr error
	for _, src := range cat.Filter.Sources {
		a := e.accountFor(src.Account())
		if a == nil || !a.cred.Authorized() {
			continue
		}
		batch, err := src.Fetch(ctx, a.session, rng)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		var kept []model.Entry
		for _, entry := range batch {
			if cat.Filter.Keep(entry) {
				kept = append(kept, entry)
			}
		}
		cat.MergeOlder(kept)
	}
	return firstErr
}

func (e *Engine) accountFor(cred *model.Credential) *account {
	if cred == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range e.accounts {
		if a.cred.Equal(cred) {
			return a
		}
	}
	return nil
}
