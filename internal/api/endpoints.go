package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"skylark/internal/model"
)

// Range bounds one timeline fetch.
type Range struct {
	SinceID model.PostID
	MaxID   model.PostID
	Count   int
	Page    int
}

// DefaultRange matches the service defaults: one page of 50 entries.
func DefaultRange() Range { return Range{Count: 50, Page: 1} }

func (r Range) query() url.Values {
	q := url.Values{}
	if r.SinceID != 0 {
		q.Set("since_id", strconv.FormatInt(int64(r.SinceID), 10))
	}
	if r.MaxID != 0 {
		q.Set("max_id", strconv.FormatInt(int64(r.MaxID), 10))
	}
	if r.Count != 0 {
		q.Set("count", strconv.Itoa(r.Count))
	}
	if r.Page > 1 {
		q.Set("page", strconv.Itoa(r.Page))
	}
	return q
}

func (s *Session) endpoint(path string) string { return s.BaseURL + path }

// HomeTimeline returns the credential's home timeline. Never reduced: the
// home view is always access-protected.
func (s *Session) HomeTimeline(ctx context.Context, rng Range) ([]*model.Post, error) {
	body, err := s.get(ctx, s.endpoint("/statuses/home_timeline.json"), rng.query())
	if err != nil {
		return nil, err
	}
	return s.decodePosts(body)
}

// Mentions returns posts mentioning the credential.
func (s *Session) Mentions(ctx context.Context, rng Range) ([]*model.Post, error) {
	body, err := s.get(ctx, s.endpoint("/statuses/mentions.json"), rng.query())
	if err != nil {
		return nil, err
	}
	return s.decodePosts(body)
}

// Sent returns the credential's own posts.
func (s *Session) Sent(ctx context.Context, rng Range) ([]*model.Post, error) {
	body, err := s.get(ctx, s.endpoint("/statuses/user_timeline.json"), rng.query())
	if err != nil {
		return nil, err
	}
	return s.decodePosts(body)
}

// UserTimeline returns another user's timeline, preferring the anonymous
// quota since most timelines are public.
func (s *Session) UserTimeline(ctx context.Context, name string, rng Range) ([]*model.Post, error) {
	q := rng.query()
	q.Set("screen_name", name)
	body, err := s.getReduced(ctx, s.endpoint("/statuses/user_timeline.json"), q)
	if err != nil {
		return nil, err
	}
	return s.decodePosts(body)
}

// PublicTimeline returns the global public sample.
func (s *Session) PublicTimeline(ctx context.Context, rng Range) ([]*model.Post, error) {
	body, err := s.getReduced(ctx, s.endpoint("/statuses/public_timeline.json"), rng.query())
	if err != nil {
		return nil, err
	}
	return s.decodePosts(body)
}

// Favorites returns favorites of name, or of the credential when name is
// empty.
func (s *Session) Favorites(ctx context.Context, name string, rng Range) ([]*model.Post, error) {
	q := rng.query()
	if name != "" {
		q.Set("screen_name", name)
	}
	body, err := s.get(ctx, s.endpoint("/favorites.json"), q)
	if err != nil {
		return nil, err
	}
	return s.decodePosts(body)
}

// DirectMessagesReceived returns messages sent to the credential.
func (s *Session) DirectMessagesReceived(ctx context.Context, rng Range) ([]*model.DirectMessage, error) {
	body, err := s.get(ctx, s.endpoint("/direct_messages.json"), rng.query())
	if err != nil {
		return nil, err
	}
	return s.decodeDirectMessages(body)
}

// DirectMessagesSent returns messages the credential sent.
func (s *Session) DirectMessagesSent(ctx context.Context, rng Range) ([]*model.DirectMessage, error) {
	body, err := s.get(ctx, s.endpoint("/direct_messages/sent.json"), rng.query())
	if err != nil {
		return nil, err
	}
	return s.decodeDirectMessages(body)
}

// Search runs a keyword query. Hits carry only the author's screen name;
// see model.SearchHit.ResolveAuthor.
func (s *Session) Search(ctx context.Context, query string, rng Range) ([]*model.SearchHit, error) {
	q := rng.query()
	q.Set("q", query)
	body, err := s.getReduced(ctx, s.endpoint("/search.json"), q)
	if err != nil {
		return nil, err
	}
	return s.decodeSearchHits(body)
}

// ShowPost fetches one post by ID. Used as the cache fallback.
func (s *Session) ShowPost(ctx context.Context, id model.PostID) (*model.Post, error) {
	body, err := s.getReduced(ctx, s.endpoint(fmt.Sprintf("/statuses/show/%d.json", id)), nil)
	if err != nil {
		return nil, err
	}
	return s.decodePost(body)
}

// ShowAuthorByName fetches one user by screen name.
func (s *Session) ShowAuthorByName(ctx context.Context, name string) (*model.Author, error) {
	q := url.Values{"screen_name": {name}}
	body, err := s.getReduced(ctx, s.endpoint("/users/show.json"), q)
	if err != nil {
		return nil, err
	}
	return s.decodeAuthor(body)
}

// ShowAuthorByID fetches one user by numeric ID.
func (s *Session) ShowAuthorByID(ctx context.Context, id model.UserID) (*model.Author, error) {
	q := url.Values{"user_id": {strconv.FormatInt(int64(id), 10)}}
	body, err := s.getReduced(ctx, s.endpoint("/users/show.json"), q)
	if err != nil {
		return nil, err
	}
	return s.decodeAuthor(body)
}

// VerifyCredentials confirms the token pair and returns its owner.
func (s *Session) VerifyCredentials(ctx context.Context) (*model.Author, error) {
	body, err := s.get(ctx, s.endpoint("/account/verify_credentials.json"), nil)
	if err != nil {
		return nil, err
	}
	return s.decodeAuthor(body)
}

// UpdateStatus posts a new status, optionally as a reply.
func (s *Session) UpdateStatus(ctx context.Context, text string, inReplyTo model.PostID) (*model.Post, error) {
	form := url.Values{"status": {text}}
	if inReplyTo != 0 {
		form.Set("in_reply_to_status_id", strconv.FormatInt(int64(inReplyTo), 10))
	}
	body, err := s.postForm(ctx, s.endpoint("/statuses/update.json"), form)
	if err != nil {
		return nil, err
	}
	return s.decodePost(body)
}

// SendDirectMessage sends a direct message to name.
func (s *Session) SendDirectMessage(ctx context.Context, name, text string) (*model.DirectMessage, error) {
	form := url.Values{"screen_name": {name}, "text": {text}}
	body, err := s.postForm(ctx, s.endpoint("/direct_messages/new.json"), form)
	if err != nil {
		return nil, err
	}
	var raw dmJSON
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode direct message: %w", err)
	}
	return s.toDirectMessage(&raw), nil
}

// Favorite marks a post as a favorite and returns the updated post.
func (s *Session) Favorite(ctx context.Context, id model.PostID) (*model.Post, error) {
	body, err := s.postForm(ctx, s.endpoint(fmt.Sprintf("/favorites/create/%d.json", id)), nil)
	if err != nil {
		return nil, err
	}
	return s.decodePost(body)
}

// Unfavorite removes a favorite and returns the updated post.
func (s *Session) Unfavorite(ctx context.Context, id model.PostID) (*model.Post, error) {
	body, err := s.postForm(ctx, s.endpoint(fmt.Sprintf("/favorites/destroy/%d.json", id)), nil)
	if err != nil {
		return nil, err
	}
	return s.decodePost(body)
}

// Repost retweets a post and returns the wrapper entry.
func (s *Session) Repost(ctx context.Context, id model.PostID) (*model.Post, error) {
	body, err := s.postForm(ctx, s.endpoint(fmt.Sprintf("/statuses/retweet/%d.json", id)), nil)
	if err != nil {
		return nil, err
	}
	return s.decodePost(body)
}
