// Package api executes signed REST calls against the remote service, with
// retry, rate-limit tracking and typed failure classification layered
// around the raw transport.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"skylark/internal/cache"
	"skylark/internal/metrics"
	"skylark/internal/model"
	"skylark/internal/oauth"
)

const userAgent = "Skylark"

// Session is one authenticated (or anonymous) request scope: a credential,
// its signer, and the shared entity cache. Sessions are passed explicitly
// to every operation that needs one; nothing is stashed per-goroutine.
type Session struct {
	Credential *model.Credential
	Signer     *oauth.Signer
	Cache      *cache.Cache

	BaseURL string
	HTTP    *http.Client

	limiter    *rate.Limiter
	retryCount int
	retryPause time.Duration
	nowFn      func() time.Time

	// mu guards the fields below. One session serves every source of its
	// credential, and a pass refreshes categories concurrently.
	mu             sync.Mutex
	pass           *PassCache
	rateWindow     model.RateWindow
	hasRateWindow  bool
	nonAuthExpires time.Time
}

// NewSession returns a session for the given API root. cred may be nil for
// anonymous access; signer may be nil to skip signing entirely.
func NewSession(baseURL string, cred *model.Credential, signer *oauth.Signer, c *cache.Cache) *Session {
	return &Session{
		Credential: cred,
		Signer:     signer,
		Cache:      c,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTP:       &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(2), 10),
		retryCount: 3,
		retryPause: time.Second,
		nowFn:      time.Now,
	}
}

// WithPass attaches a request-scope cache, collapsing duplicate GETs for
// the lifetime of one scheduling pass.
func (s *Session) WithPass(p *PassCache) *Session {
	s.mu.Lock()
	s.pass = p
	s.mu.Unlock()
	return s
}

// RateWindow returns the most recently observed quota state for this
// session's credential.
func (s *Session) RateWindow() (model.RateWindow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rateWindow, s.hasRateWindow
}

func (s *Session) authorized() bool {
	return s.Signer != nil && s.Credential.Authorized()
}

// get fetches baseURI (an absolute URL without query) with the given query
// parameters. Signing is skipped when no credential is set. The body is
// served from the pass cache when one is attached.
func (s *Session) get(ctx context.Context, baseURI string, query url.Values) ([]byte, error) {
	return s.getAs(ctx, baseURI, query, s.authorized())
}

// getReduced first tries the request unauthenticated, conserving the
// scarcer authenticated quota for targets that are not access-protected.
// Only on failure does it fall back to the signed path, and a rate-limited
// anonymous attempt is remembered until its reset time elapses.
func (s *Session) getReduced(ctx context.Context, baseURI string, query url.Values) ([]byte, error) {
	s.mu.Lock()
	tryAnon := s.authorized() && s.nowFn().After(s.nonAuthExpires)
	s.mu.Unlock()
	if tryAnon {
		body, err := s.getAs(ctx, baseURI, query, false)
		if err == nil {
			return body, nil
		}
		var rle *RateLimitError
		if errors.As(err, &rle) {
			s.mu.Lock()
			s.nonAuthExpires = rle.Window.Reset
			s.mu.Unlock()
		}
	}
	return s.getAs(ctx, baseURI, query, s.authorized())
}

func (s *Session) getAs(ctx context.Context, baseURI string, query url.Values, signed bool) ([]byte, error) {
	cacheURI := baseURI
	if len(query) > 0 {
		cacheURI += "?" + oauth.Encode(query)
	}
	fetch := func() ([]byte, error) {
		target := cacheURI
		if signed {
			merged := url.Values{}
			for k, vs := range query {
				merged[k] = vs
			}
			for k, vs := range s.Signer.SignedParams(http.MethodGet, baseURI, query) {
				merged[k] = vs
			}
			target = baseURI + "?" + oauth.Encode(merged)
		}
		return s.fetchWithRetry(ctx, target, signed)
	}
	s.mu.Lock()
	pass := s.pass
	s.mu.Unlock()
	if pass != nil {
		var user model.UserID
		if s.Credential != nil {
			user = s.Credential.UserID
		}
		return pass.Read(user, cacheURI, fetch)
	}
	return fetch()
}

// fetchWithRetry performs the GET, retrying transport failures up to
// retryCount times with a fixed pause. Non-2xx responses are classified,
// never retried.
func (s *Session) fetchWithRetry(ctx context.Context, target string, authed bool) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= s.retryCount; attempt++ {
		if attempt > 0 {
			metrics.IncAPIRetry(target)
			select {
			case <-time.After(s.retryPause):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, &TransportError{Err: err}
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "application/json")
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		resp, err := s.HTTP.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		return s.consume(resp, authed)
	}
	return nil, &TransportError{Err: lastErr}
}

// postForm executes a signed POST with form-encoded body parameters
// combined with any query already on the target. POSTs are not retried;
// they are not idempotent.
func (s *Session) postForm(ctx context.Context, baseURI string, form url.Values) ([]byte, error) {
	base := baseURI
	params := url.Values{}
	if u, err := url.Parse(baseURI); err == nil && u.RawQuery != "" {
		for k, vs := range u.Query() {
			params[k] = vs
		}
		u.RawQuery = ""
		base = u.String()
	}
	for k, vs := range form {
		params[k] = vs
	}
	body := oauth.Encode(params)
	if s.authorized() {
		signed := oauth.Encode(s.Signer.SignedParams(http.MethodPost, base, params))
		if body == "" {
			body = signed
		} else {
			body += "&" + signed
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base, strings.NewReader(body))
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := s.HTTP.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	return s.consume(resp, s.authorized())
}

// consume reads the response, updates the credential's rate window from
// the response headers, and classifies any non-2xx status. Anonymous
// requests judge rate exhaustion from their own response headers and
// never touch the stored window.
func (s *Session) consume(resp *http.Response, authed bool) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	window, hasWindow := parseRateWindow(resp.Header, s.Credential)
	if authed {
		s.mu.Lock()
		if hasWindow {
			s.rateWindow = window
			s.hasRateWindow = true
			if s.Credential != nil {
				metrics.SetRateRemaining(s.Credential.Name, window.Remaining)
			}
		}
		window, hasWindow = s.rateWindow, s.hasRateWindow
		s.mu.Unlock()
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &oauth.UnauthorizedError{Body: string(body)}
	case resp.StatusCode == http.StatusBadRequest && hasWindow && window.Remaining == 0:
		return nil, &RateLimitError{Window: window}
	default:
		return nil, &APIError{Status: resp.StatusCode, Body: string(body), Message: jsonErrorField(body)}
	}
}

// parseRateWindow builds a window wholesale from the X-RateLimit-*
// headers; partial header sets are ignored.
func parseRateWindow(h http.Header, account *model.Credential) (model.RateWindow, bool) {
	remaining := h.Get("X-RateLimit-Remaining")
	limit := h.Get("X-RateLimit-Limit")
	reset := h.Get("X-RateLimit-Reset")
	if remaining == "" || limit == "" || reset == "" {
		return model.RateWindow{}, false
	}
	rem, err1 := strconv.Atoi(remaining)
	lim, err2 := strconv.Atoi(limit)
	rst, err3 := strconv.ParseInt(reset, 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return model.RateWindow{}, false
	}
	return model.RateWindow{
		Account:   account,
		Remaining: rem,
		Limit:     lim,
		Reset:     time.Unix(rst, 0),
	}, true
}

func jsonErrorField(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Error
}
