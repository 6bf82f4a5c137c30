package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go-kemono-download/internal/models"
)

// PageSize is the number of posts per creator-feed page.
const PageSize = 50

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC1123,
	"2006-01-02",
}

// flexTime accepts the several timestamp layouts the API has used.
// Unparseable values decode to the zero time.
type flexTime time.Time

func (f *flexTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil || s == "" {
		*f = flexTime(time.Time{})
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			*f = flexTime(t.UTC())
			return nil
		}
	}
	*f = flexTime(time.Time{})
	return nil
}

type rawAttachment struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

type rawPost struct {
	ID          flexString      `json:"id"`
	User        flexString      `json:"user"`
	Service     string          `json:"service"`
	Title       string          `json:"title"`
	Content     string          `json:"content"`
	Published   flexTime        `json:"published"`
	Added       flexTime        `json:"added"`
	File        *rawAttachment  `json:"file"`
	Attachments []rawAttachment `json:"attachments"`
}

func (r rawPost) toModel(t Target) models.Post {
	p := models.Post{
		ID:        string(r.ID),
		Service:   r.Service,
		CreatorID: string(r.User),
		Title:     r.Title,
		Content:   r.Content,
		Published: time.Time(r.Published),
		Added:     time.Time(r.Added),
	}
	if p.Service == "" {
		p.Service = t.Service
	}
	if p.CreatorID == "" {
		p.CreatorID = t.CreatorID
	}
	if r.File != nil && r.File.Path != "" {
		p.File = &models.Attachment{Name: r.File.Name, Path: r.File.Path}
	}
	for _, a := range r.Attachments {
		if a.Path == "" {
			continue
		}
		p.Attachments = append(p.Attachments, models.Attachment{Name: a.Name, Path: a.Path})
	}
	return p
}

// CreatorPosts fetches one page of a creator feed starting at offset.
func (c *Client) CreatorPosts(ctx context.Context, t Target, offset int) ([]models.Post, error) {
	u := fmt.Sprintf("%s/api/v1/%s/user/%s?o=%d", t.BaseURL(), url.PathEscape(t.Service), url.PathEscape(t.CreatorID), offset)
	var raw []rawPost
	if err := c.GetJSON(ctx, u, &raw); err != nil {
		return nil, err
	}
	posts := make([]models.Post, 0, len(raw))
	for _, r := range raw {
		posts = append(posts, r.toModel(t))
	}
	return posts, nil
}

// Post fetches the single post named by t. The endpoint has answered both
// with the bare post object and with {"post": {...}}.
func (c *Client) Post(ctx context.Context, t Target) (models.Post, error) {
	u := fmt.Sprintf("%s/api/v1/%s/user/%s/post/%s", t.BaseURL(), url.PathEscape(t.Service), url.PathEscape(t.CreatorID), url.PathEscape(t.PostID))
	var raw json.RawMessage
	if err := c.GetJSON(ctx, u, &raw); err != nil {
		return models.Post{}, err
	}

	var wrapped struct {
		Post *rawPost `json:"post"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Post != nil {
		return wrapped.Post.toModel(t), nil
	}
	var direct rawPost
	if err := json.Unmarshal(raw, &direct); err != nil {
		return models.Post{}, fmt.Errorf("%w: post %s: %v", ErrMalformed, t.PostID, err)
	}
	if direct.ID == "" {
		direct.ID = flexString(t.PostID)
	}
	return direct.toModel(t), nil
}

type Comment struct {
	ID        string
	Commenter string
	Content   string
}

// Comments fetches the comments of one post of the creator in t.
func (c *Client) Comments(ctx context.Context, t Target, postID string) ([]Comment, error) {
	u := fmt.Sprintf("%s/api/v1/%s/user/%s/post/%s/comments", t.BaseURL(), url.PathEscape(t.Service), url.PathEscape(t.CreatorID), url.PathEscape(postID))
	var raw []struct {
		ID        flexString `json:"id"`
		Commenter flexString `json:"commenter_name"`
		Content   string     `json:"content"`
	}
	if err := c.GetJSON(ctx, u, &raw); err != nil {
		return nil, err
	}
	out := make([]Comment, 0, len(raw))
	for _, r := range raw {
		out = append(out, Comment{ID: string(r.ID), Commenter: string(r.Commenter), Content: r.Content})
	}
	return out, nil
}

// Favorites kinds.
const (
	FavoriteArtist = "artist"
	FavoritePost   = "post"
)

// Favorites lists the account's favourited artists or posts on the site at
// base. The endpoint requires the session cookie.
func (c *Client) Favorites(ctx context.Context, base, kind string) ([]models.Favorite, error) {
	if kind != FavoriteArtist && kind != FavoritePost {
		return nil, fmt.Errorf("unknown favorites kind %q", kind)
	}
	u := fmt.Sprintf("%s/api/v1/account/favorites?type=%s", strings.TrimRight(base, "/"), kind)
	var raw []struct {
		ID      flexString `json:"id"`
		Name    string     `json:"name"`
		Service string     `json:"service"`
		User    flexString `json:"user"`
		Title   string     `json:"title"`
	}
	if err := c.GetJSON(ctx, u, &raw); err != nil {
		return nil, err
	}
	out := make([]models.Favorite, 0, len(raw))
	for _, r := range raw {
		f := models.Favorite{ID: string(r.ID), Name: r.Name, Service: r.Service, CreatorID: string(r.User), Title: r.Title}
		if kind == FavoriteArtist && f.CreatorID == "" {
			f.CreatorID = f.ID
		}
		out = append(out, f)
	}
	return out, nil
}

// FavoriteURL is the download URL for one favourite entry.
func FavoriteURL(base string, f models.Favorite, kind string) string {
	base = strings.TrimRight(base, "/")
	if kind == FavoritePost {
		return fmt.Sprintf("%s/%s/user/%s/post/%s", base, f.Service, f.CreatorID, f.ID)
	}
	return fmt.Sprintf("%s/%s/user/%s", base, f.Service, f.CreatorID)
}

// PageOffset converts a 1-indexed page number to an API offset.
func PageOffset(page int) int {
	if page < 1 {
		return 0
	}
	return (page - 1) * PageSize
}
