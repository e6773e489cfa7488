// Package oauth produces OAuth 1.0a signed request parameters and drives
// the two-step PIN authorization flow.
package oauth

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"math/rand"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"skylark/internal/model"
)

const nonceLetters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Signer builds signed OAuth parameter sets for one credential.
type Signer struct {
	ConsumerKey    string
	ConsumerSecret string
	Credential     *model.Credential

	nowFn   func() time.Time
	nonceFn func() string
}

// NewSigner returns a Signer bound to the given consumer pair and
// credential. The credential may be nil for the request-token step.
func NewSigner(consumerKey, consumerSecret string, cred *model.Credential) *Signer {
	return &Signer{
		ConsumerKey:    consumerKey,
		ConsumerSecret: consumerSecret,
		Credential:     cred,
		nowFn:          time.Now,
		nonceFn:        newNonce,
	}
}

// newNonce returns a random 8-character alphanumeric string. A fresh nonce
// is required on every call; reuse is a protocol-level replay risk.
func newNonce() string {
	var b strings.Builder
	for i := 0; i < 8; i++ {
		b.WriteByte(nonceLetters[rand.Intn(len(nonceLetters))])
	}
	return b.String()
}

// PercentEncode applies the strict RFC 3986 escape the signature base
// string requires: only ALPHA / DIGIT / "-" / "." / "_" / "~" survive.
// Notably ( ) * ' ! are escaped, which url.QueryEscape's '+' handling and
// looser reserved set would get wrong.
func PercentEncode(s string) string {
	const upperhex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(upperhex[c>>4])
			b.WriteByte(upperhex[c&0xf])
		}
	}
	return b.String()
}

// oauthParams returns the base oauth_* parameter set. Empty values are
// dropped from every derived string, so a missing token simply vanishes.
func (s *Signer) oauthParams(token string) url.Values {
	return url.Values{
		"oauth_consumer_key":     {s.ConsumerKey},
		"oauth_signature_method": {"HMAC-SHA1"},
		"oauth_timestamp":        {strconv.FormatInt(s.nowFn().Unix(), 10)},
		"oauth_nonce":            {s.nonceFn()},
		"oauth_version":          {"1.0"},
		"oauth_token":            {token},
	}
}

// pairString renders the sorted, "&"-joined, "key=value" parameter string
// over all given sets, skipping empty values.
func pairString(sets ...url.Values) string {
	type pair struct{ k, v string }
	var pairs []pair
	for _, set := range sets {
		for k, vs := range set {
			for _, v := range vs {
				if v == "" {
					continue
				}
				pairs = append(pairs, pair{PercentEncode(k), PercentEncode(v)})
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, p.k+"="+p.v)
	}
	return strings.Join(parts, "&")
}

// signature computes Base64(HMAC-SHA1) over the signature base string for
// the given method, base URI (scheme://host/path, no query) and the full
// request parameter set.
func (s *Signer) signature(method, baseURI string, tokenSecret string, sets ...url.Values) string {
	base := strings.ToUpper(method) +
		"&" + PercentEncode(baseURI) +
		"&" + PercentEncode(pairString(sets...))
	key := PercentEncode(s.ConsumerSecret) + "&" + PercentEncode(tokenSecret)
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// SignedParams returns the oauth_* parameters, including the signature,
// for a request with the given method, base URI and request parameters
// (query plus any form body). The caller merges the result into the query
// string or form body as the transport requires.
func (s *Signer) SignedParams(method, baseURI string, params url.Values) url.Values {
	token, secret := "", ""
	if s.Credential.Authorized() {
		token = s.Credential.Token
		secret = s.Credential.TokenSecret
	}
	op := s.oauthParams(token)
	op.Set("oauth_signature", s.signature(method, baseURI, secret, op, params))
	dropEmpty(op)
	return op
}

// Encode renders a parameter set as a wire query/body string using the
// strict escape, keys sorted.
func Encode(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		for _, v := range params[k] {
			if v == "" {
				continue
			}
			parts = append(parts, PercentEncode(k)+"="+PercentEncode(v))
		}
	}
	return strings.Join(parts, "&")
}

func dropEmpty(v url.Values) {
	for k, vs := range v {
		if len(vs) == 0 || (len(vs) == 1 && vs[0] == "") {
			delete(v, k)
		}
	}
}
