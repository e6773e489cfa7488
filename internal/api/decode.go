package api

import (
	"encoding/json"
	"fmt"
	"time"

	"skylark/internal/model"
)

// Wire schemas, decoded once at the API boundary. created_at uses the
// classic long form on statuses and RFC 1123 on search results.

type userJSON struct {
	ID              int64       `json:"id"`
	ScreenName      string      `json:"screen_name"`
	Name            string      `json:"name"`
	Description     string      `json:"description"`
	Location        string      `json:"location"`
	URL             string      `json:"url"`
	ProfileImageURL string      `json:"profile_image_url"`
	FollowersCount  int         `json:"followers_count"`
	FriendsCount    int         `json:"friends_count"`
	StatusesCount   int         `json:"statuses_count"`
	Protected       bool        `json:"protected"`
	CreatedAt       string      `json:"created_at"`
	Status          *statusJSON `json:"status"`
}

type statusJSON struct {
	ID                int64       `json:"id"`
	Text              string      `json:"text"`
	CreatedAt         string      `json:"created_at"`
	Source            string      `json:"source"`
	Favorited         bool        `json:"favorited"`
	InReplyToStatusID int64       `json:"in_reply_to_status_id"`
	User              *userJSON   `json:"user"`
	RetweetedStatus   *statusJSON `json:"retweeted_status"`
}

type dmJSON struct {
	ID        int64     `json:"id"`
	Text      string    `json:"text"`
	CreatedAt string    `json:"created_at"`
	Sender    *userJSON `json:"sender"`
	Recipient *userJSON `json:"recipient"`
}

type searchPageJSON struct {
	Results []searchHitJSON `json:"results"`
}

type searchHitJSON struct {
	ID         int64  `json:"id"`
	Text       string `json:"text"`
	CreatedAt  string `json:"created_at"`
	FromUser   string `json:"from_user"`
	FromUserID int64  `json:"from_user_id"`
}

func parseStatusTime(s string) time.Time {
	t, err := time.Parse(time.RubyDate, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseSearchTime(s string) time.Time {
	t, err := time.Parse(time.RFC1123Z, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// toAuthor converts a wire user, wiring its most recent post when present.
func (s *Session) toAuthor(j *userJSON) *model.Author {
	if j == nil {
		return nil
	}
	a := &model.Author{
		ID:             model.UserID(j.ID),
		Name:           j.ScreenName,
		FullName:       j.Name,
		Description:    j.Description,
		Location:       j.Location,
		URL:            j.URL,
		ProfileImage:   j.ProfileImageURL,
		FollowersCount: j.FollowersCount,
		FriendsCount:   j.FriendsCount,
		PostCount:      j.StatusesCount,
		Protected:      j.Protected,
		CreatedAt:      parseStatusTime(j.CreatedAt),
	}
	if j.Status != nil {
		recent := s.toPost(j.Status)
		recent.Author = a
		a.Recent = recent
	}
	return a
}

// toPost converts a wire status into a Post owned by this session's
// credential. The result is not yet cached; storePost does that.
func (s *Session) toPost(j *statusJSON) *model.Post {
	p := &model.Post{
		ID:        model.PostID(j.ID),
		Text:      j.Text,
		CreatedAt: parseStatusTime(j.CreatedAt),
		Source:    j.Source,
		Favorited: j.Favorited,
		InReplyTo: model.PostID(j.InReplyToStatusID),
		Author:    s.toAuthor(j.User),
		Owner:     s.Credential,
	}
	if j.RetweetedStatus != nil {
		p.Reposted = s.toPost(j.RetweetedStatus)
	}
	return p
}

func (s *Session) storePost(j *statusJSON) *model.Post {
	p := s.toPost(j)
	if p.Reposted != nil {
		s.Cache.StorePost(p.Reposted)
	}
	return s.Cache.StorePost(p)
}

func (s *Session) decodePosts(body []byte) ([]*model.Post, error) {
	var raw []*statusJSON
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode timeline: %w", err)
	}
	out := make([]*model.Post, 0, len(raw))
	for _, j := range raw {
		if j == nil {
			continue
		}
		out = append(out, s.storePost(j))
	}
	return out, nil
}

func (s *Session) decodePost(body []byte) (*model.Post, error) {
	var raw statusJSON
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return s.storePost(&raw), nil
}

func (s *Session) decodeAuthor(body []byte) (*model.Author, error) {
	var raw userJSON
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return s.Cache.StoreAuthor(s.toAuthor(&raw)), nil
}

func (s *Session) toDirectMessage(j *dmJSON) *model.DirectMessage {
	return &model.DirectMessage{
		Post: model.Post{
			ID:        model.PostID(j.ID),
			Text:      j.Text,
			CreatedAt: parseStatusTime(j.CreatedAt),
			Author:    s.toAuthor(j.Sender),
			Owner:     s.Credential,
		},
		Recipient: s.toAuthor(j.Recipient),
	}
}

func (s *Session) decodeDirectMessages(body []byte) ([]*model.DirectMessage, error) {
	var raw []*dmJSON
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode direct messages: %w", err)
	}
	out := make([]*model.DirectMessage, 0, len(raw))
	for _, j := range raw {
		if j == nil {
			continue
		}
		dm := s.toDirectMessage(j)
		if dm.Author != nil {
			s.Cache.StoreAuthor(dm.Author)
		}
		if dm.Recipient != nil {
			s.Cache.StoreAuthor(dm.Recipient)
		}
		out = append(out, dm)
	}
	return out, nil
}

// DecodePost decodes one wire status and stores it, with its author, in
// the entity cache. Used by the streaming reader, which shares this
// session's cache and credential.
func (s *Session) DecodePost(data []byte) (*model.Post, error) {
	return s.decodePost(data)
}

// DecodeDirectMessage decodes one wire direct message and caches both
// participants.
func (s *Session) DecodeDirectMessage(data []byte) (*model.DirectMessage, error) {
	var raw dmJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode direct message: %w", err)
	}
	dm := s.toDirectMessage(&raw)
	if dm.Author != nil {
		s.Cache.StoreAuthor(dm.Author)
	}
	if dm.Recipient != nil {
		s.Cache.StoreAuthor(dm.Recipient)
	}
	return dm, nil
}

// DecodeAuthor decodes one wire user and stores it in the entity cache.
func (s *Session) DecodeAuthor(data []byte) (*model.Author, error) {
	return s.decodeAuthor(data)
}

func (s *Session) decodeSearchHits(body []byte) ([]*model.SearchHit, error) {
	var raw searchPageJSON
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode search page: %w", err)
	}
	out := make([]*model.SearchHit, 0, len(raw.Results))
	for _, j := range raw.Results {
		out = append(out, &model.SearchHit{
			Post: model.Post{
				ID:        model.PostID(j.ID),
				Text:      j.Text,
				CreatedAt: parseSearchTime(j.CreatedAt),
				Owner:     s.Credential,
			},
			ScreenName: j.FromUser,
		})
	}
	return out, nil
}
