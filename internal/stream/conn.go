// Package stream holds one persistent push channel per credential: a
// long-lived HTTP POST whose response body is newline-delimited JSON.
// Each line is classified by field presence and dispatched to typed
// handlers. Reconnect backoff is not handled here; faults are only
// reported and the engine decides when to reconnect.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"skylark/internal/api"
	"skylark/internal/metrics"
	"skylark/internal/model"
	"skylark/internal/oauth"
)

// State is the connection lifecycle: Idle -> Connecting -> Open ->
// (Closed | Faulted) -> Idle.
type State int32

const (
	Idle State = iota
	Connecting
	Open
	Closed
	Faulted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Faulted:
		return "faulted"
	}
	return "unknown"
}

// FaultKind tags stream failures for observability. All kinds are handled
// identically by the engine's backoff.
type FaultKind int

const (
	WebError FaultKind = iota
	ConnectionError
	OtherError
)

func (k FaultKind) String() string {
	switch k {
	case WebError:
		return "web"
	case ConnectionError:
		return "connection"
	}
	return "other"
}

// Fault is any failure inside the streaming read loop.
type Fault struct {
	Kind    FaultKind
	Account *model.Credential
	Err     error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("stream %s fault for %s: %v", f.Kind, f.Account, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// Event is one relationship, favorite or repost notification from the
// push channel. Self reports whether the owning credential initiated it.
type Event struct {
	Kind      string
	Self      bool
	Source    *model.Author
	Target    *model.Author
	Post      *model.Post
	CreatedAt time.Time
}

// Handlers receives the typed output of one connection. Nil fields are
// skipped. Calls arrive from the connection's single reader goroutine.
type Handlers struct {
	OnConnected     func(*model.Credential)
	OnDisconnected  func(*model.Credential)
	OnFault         func(*Fault)
	OnPost          func(*model.Post)
	OnDirectMessage func(*model.DirectMessage)
	OnDelete        func(model.PostID)
	OnFriends       func([]model.UserID)
	OnSelfEvent     func(Event)
	OnReceivedEvent func(Event)
}

// Conn is the persistent push channel for one credential. Changing the
// tracked keywords or followed IDs debounces for one second, then tears
// the connection down and reopens it with the new filter set.
type Conn struct {
	session  *api.Session
	url      string
	handlers Handlers
	httpc    *http.Client

	mu           sync.Mutex
	state        State
	gen          uint64
	cancel       context.CancelFunc
	track        []string
	follow       []model.UserID
	debounce     *time.Timer
	debounceWait time.Duration
}

// New returns an idle connection bound to the session's credential and
// cache. url is the absolute streaming endpoint.
func New(session *api.Session, url string, h Handlers) *Conn {
	return &Conn{
		session:  session,
		url:      url,
		handlers: h,
		httpc: &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: 10 * time.Second},
		},
		debounceWait: time.Second,
	}
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Account returns the credential this connection streams for.
func (c *Conn) Account() *model.Credential { return c.session.Credential }

// SetTrack replaces the tracked keyword set. An open connection is
// reconnected after the debounce interval.
func (c *Conn) SetTrack(terms []string) {
	sorted := append([]string(nil), terms...)
	sort.Strings(sorted)
	c.mu.Lock()
	c.track = sorted
	c.bumpDebounceLocked()
	c.mu.Unlock()
}

// SetFollow replaces the followed-ID set. An open connection is
// reconnected after the debounce interval.
func (c *Conn) SetFollow(ids []model.UserID) {
	sorted := append([]model.UserID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	c.mu.Lock()
	c.follow = sorted
	c.bumpDebounceLocked()
	c.mu.Unlock()
}

// bumpDebounceLocked restarts the reconnect timer. Several filter edits
// in quick succession collapse to one reconnect.
func (c *Conn) bumpDebounceLocked() {
	if c.state != Open && c.state != Connecting {
		return
	}
	if c.debounce != nil {
		c.debounce.Stop()
	}
	c.debounce = time.AfterFunc(c.debounceWait, func() {
		c.Disconnect()
		c.Connect()
	})
}

// Connect opens the push channel. No-op when already Open or Connecting.
// Failures surface through Handlers.OnFault, never as a return value.
func (c *Conn) Connect() {
	c.mu.Lock()
	if c.state == Open || c.state == Connecting {
		c.mu.Unlock()
		return
	}
	c.state = Connecting
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	track := append([]string(nil), c.track...)
	follow := append([]model.UserID(nil), c.follow...)
	c.mu.Unlock()

	go c.run(ctx, gen, track, follow)
}

// Disconnect aborts the connection unconditionally. A partially-read line
// may be lost; there is no drain.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.state != Open && c.state != Connecting {
		c.mu.Unlock()
		return
	}
	c.gen++
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.state = Closed
	c.mu.Unlock()

	if c.handlers.OnDisconnected != nil {
		c.handlers.OnDisconnected(c.session.Credential)
	}

	c.mu.Lock()
	if c.state == Closed {
		c.state = Idle
	}
	c.mu.Unlock()
}

func (c *Conn) run(ctx context.Context, gen uint64, track []string, follow []model.UserID) {
	req, err := c.request(ctx, track, follow)
	if err != nil {
		c.fault(gen, err)
		return
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		c.fault(gen, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.fault(gen, &Fault{
			Kind:    WebError,
			Account: c.session.Credential,
			Err:     fmt.Errorf("stream status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		})
		return
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.state = Open
	c.mu.Unlock()
	if c.handlers.OnConnected != nil {
		c.handlers.OnConnected(c.session.Credential)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		c.dispatch(line)
	}
	if ctx.Err() != nil {
		// Deliberate disconnect; Disconnect already reported it.
		return
	}
	err = sc.Err()
	if err == nil {
		err = io.EOF
	}
	c.fault(gen, err)
}

// fault reports one failure exactly once: a typed fault notification, a
// disconnected notification, and the identifying handle cleared.
func (c *Conn) fault(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.state = Faulted
	c.mu.Unlock()

	metrics.StreamFaults.Inc()
	if c.handlers.OnFault != nil {
		c.handlers.OnFault(classify(err, c.session.Credential))
	}
	if c.handlers.OnDisconnected != nil {
		c.handlers.OnDisconnected(c.session.Credential)
	}

	c.mu.Lock()
	if c.gen == gen {
		c.state = Idle
	}
	c.mu.Unlock()
}

func classify(err error, account *model.Credential) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	kind := OtherError
	var ue *url.Error
	switch {
	case errors.As(err, &ue):
		kind = WebError
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.ErrClosedPipe):
		kind = ConnectionError
	}
	return &Fault{Kind: kind, Account: account, Err: err}
}

// request builds the signed streaming POST carrying the filter set as
// form parameters.
func (c *Conn) request(ctx context.Context, track []string, follow []model.UserID) (*http.Request, error) {
	params := url.Values{}
	if len(track) > 0 {
		params.Set("track", strings.Join(track, ","))
	}
	if len(follow) > 0 {
		ids := make([]string, len(follow))
		for i, id := range follow {
			ids[i] = strconv.FormatInt(int64(id), 10)
		}
		params.Set("follow", strings.Join(ids, ","))
	}
	body := oauth.Encode(params)
	if c.session.Signer != nil {
		signed := oauth.Encode(c.session.Signer.SignedParams(http.MethodPost, c.url, params))
		if body == "" {
			body = signed
		} else {
			body += "&" + signed
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// Wire probes. Classification is by field presence, in priority order:
// delete notice, friends snapshot, relationship event, direct message,
// ordinary post. Anything else is ignored.

type deleteJSON struct {
	Status struct {
		ID int64 `json:"id"`
	} `json:"status"`
}

type lineJSON struct {
	Delete        *deleteJSON     `json:"delete"`
	Friends       *[]int64        `json:"friends"`
	Event         string          `json:"event"`
	Source        json.RawMessage `json:"source"`
	Target        json.RawMessage `json:"target"`
	TargetObject  json.RawMessage `json:"target_object"`
	CreatedAt     string          `json:"created_at"`
	DirectMessage json.RawMessage `json:"direct_message"`
	Retweeted     *bool           `json:"retweeted"`
}

func (c *Conn) dispatch(line []byte) {
	var probe lineJSON
	if err := json.Unmarshal(line, &probe); err != nil {
		return
	}
	switch {
	case probe.Delete != nil:
		metrics.IncStreamEvent("delete")
		if c.handlers.OnDelete != nil {
			c.handlers.OnDelete(model.PostID(probe.Delete.Status.ID))
		}
	case probe.Friends != nil:
		metrics.IncStreamEvent("friends")
		if c.handlers.OnFriends != nil {
			ids := make([]model.UserID, len(*probe.Friends))
			for i, id := range *probe.Friends {
				ids[i] = model.UserID(id)
			}
			c.handlers.OnFriends(ids)
		}
	case probe.Event != "":
		metrics.IncStreamEvent(probe.Event)
		c.dispatchEvent(&probe)
	case probe.DirectMessage != nil:
		metrics.IncStreamEvent("direct_message")
		if c.handlers.OnDirectMessage != nil {
			dm, err := c.session.DecodeDirectMessage(probe.DirectMessage)
			if err != nil {
				return
			}
			c.handlers.OnDirectMessage(dm)
		}
	case probe.Retweeted != nil:
		metrics.IncStreamEvent("status")
		if c.handlers.OnPost != nil {
			p, err := c.session.DecodePost(line)
			if err != nil {
				return
			}
			c.handlers.OnPost(p)
		}
	}
}

func (c *Conn) dispatchEvent(probe *lineJSON) {
	evt := Event{Kind: probe.Event}
	if probe.CreatedAt != "" {
		if t, err := time.Parse(time.RubyDate, probe.CreatedAt); err == nil {
			evt.CreatedAt = t
		}
	}
	if probe.Source != nil {
		if a, err := c.session.DecodeAuthor(probe.Source); err == nil {
			evt.Source = a
		}
	}
	if probe.Target != nil {
		if a, err := c.session.DecodeAuthor(probe.Target); err == nil {
			evt.Target = a
		}
	}
	if probe.TargetObject != nil {
		if p, err := c.session.DecodePost(probe.TargetObject); err == nil {
			evt.Post = p
		}
	}
	cred := c.session.Credential
	evt.Self = evt.Source != nil && cred != nil && evt.Source.ID == cred.UserID
	if evt.Self {
		if c.handlers.OnSelfEvent != nil {
			c.handlers.OnSelfEvent(evt)
		}
		return
	}
	if c.handlers.OnReceivedEvent != nil {
		c.handlers.OnReceivedEvent(evt)
	}
}
