package oauth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"skylark/internal/model"
)

// UnauthorizedError reports a rejected authorization: an HTTP 401 from the
// REST surface or a refused token exchange. It always carries the raw
// response body text.
type UnauthorizedError struct {
	Body string
}

func (e *UnauthorizedError) Error() string {
	if e.Body == "" {
		return "unauthorized"
	}
	return "unauthorized: " + e.Body
}

// Authorizer runs the two-step PIN flow: obtain a temporary token, send the
// user to the authorize page, then exchange the entered PIN for a
// permanent credential.
type Authorizer struct {
	Signer *Signer
	HTTP   *http.Client

	RequestTokenURL string
	AccessTokenURL  string
	AuthorizePage   string

	requestToken       string
	requestTokenSecret string
}

// NewAuthorizer returns an Authorizer for the given endpoint root, e.g.
// "https://api.example.com/oauth".
func NewAuthorizer(signer *Signer, root string) *Authorizer {
	return &Authorizer{
		Signer:          signer,
		HTTP:            &http.Client{Timeout: 15 * time.Second},
		RequestTokenURL: root + "/request_token",
		AccessTokenURL:  root + "/access_token",
		AuthorizePage:   root + "/authorize",
	}
}

// BeginAuthorization requests a temporary token and returns the address
// the user must visit to obtain a PIN.
func (a *Authorizer) BeginAuthorization(ctx context.Context) (string, error) {
	params := a.Signer.SignedParams(http.MethodPost, a.RequestTokenURL, nil)
	res, err := a.post(ctx, a.RequestTokenURL, params)
	if err != nil {
		return "", err
	}
	a.requestToken = res.Get("oauth_token")
	a.requestTokenSecret = res.Get("oauth_token_secret")
	if a.requestToken == "" || a.requestTokenSecret == "" {
		return "", &UnauthorizedError{Body: "request token response missing token fields"}
	}
	return a.AuthorizePage + "?oauth_token=" + PercentEncode(a.requestToken), nil
}

// CompletePIN exchanges the user-entered verification code plus the
// temporary token pair for a permanent credential.
func (a *Authorizer) CompletePIN(ctx context.Context, pin string) (*model.Credential, error) {
	if a.requestToken == "" {
		return nil, &UnauthorizedError{Body: "no pending request token"}
	}
	temp := &model.Credential{Token: a.requestToken, TokenSecret: a.requestTokenSecret}
	signer := &Signer{
		ConsumerKey:    a.Signer.ConsumerKey,
		ConsumerSecret: a.Signer.ConsumerSecret,
		Credential:     temp,
		nowFn:          a.Signer.nowFn,
		nonceFn:        a.Signer.nonceFn,
	}
	extra := url.Values{"oauth_verifier": {pin}}
	params := signer.SignedParams(http.MethodPost, a.AccessTokenURL, extra)
	for k, vs := range extra {
		params[k] = vs
	}
	res, err := a.post(ctx, a.AccessTokenURL, params)
	if err != nil {
		return nil, err
	}
	id, err := strconv.ParseInt(res.Get("user_id"), 10, 64)
	if err != nil {
		return nil, &UnauthorizedError{Body: "access token response missing user_id"}
	}
	cred := &model.Credential{
		Name:        res.Get("screen_name"),
		UserID:      model.UserID(id),
		Token:       res.Get("oauth_token"),
		TokenSecret: res.Get("oauth_token_secret"),
	}
	if !cred.Authorized() {
		return nil, &UnauthorizedError{Body: "access token response missing token fields"}
	}
	a.requestToken = ""
	a.requestTokenSecret = ""
	return cred, nil
}

// post sends a form-encoded token request and parses the form-encoded
// response. Any failure surfaces as UnauthorizedError with the body text.
func (a *Authorizer) post(ctx context.Context, target string, params url.Values) (url.Values, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(Encode(params)))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := a.HTTP.Do(req)
	if err != nil {
		return nil, &UnauthorizedError{Body: err.Error()}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, &UnauthorizedError{Body: string(body)}
	}
	res, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, &UnauthorizedError{Body: string(body)}
	}
	return res, nil
}
