package fetcher

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go-kemono-download/internal/api"
	"go-kemono-download/internal/events"
	"go-kemono-download/internal/models"

	log "github.com/sirupsen/logrus"
)

// Yield receives one batch of new posts. Returning an error stops the fetch.
type Yield func(batch []models.Post) error

// Source produces the posts of one download target as a finite sequence of
// batches.
type Source interface {
	Fetch(ctx context.Context, yield Yield) error
}

// Gate blocks while the run is paused.
type Gate interface {
	Wait(ctx context.Context) error
}

type Options struct {
	StartPage int // 1-indexed, inclusive; 0 means from the first page
	EndPage   int // Inclusive; 0 means until the feed is exhausted
	MangaMode bool
	Gate      Gate
	Sink      events.Sink
}

// New picks the source for target.
func New(client *api.Client, target api.Target, opts Options) Source {
	if target.Site == api.SiteNhentai {
		return NewNhentaiSource(client, target.PostID)
	}
	return NewKemonoSource(client, target, opts)
}

// KemonoSource pages through a creator feed, or fetches a single post.
type KemonoSource struct {
	client *api.Client
	target api.Target
	opts   Options
}

func NewKemonoSource(client *api.Client, target api.Target, opts Options) *KemonoSource {
	return &KemonoSource{client: client, target: target, opts: opts}
}

func (s *KemonoSource) sink() events.Sink {
	if s.opts.Sink == nil {
		return events.Discard
	}
	return s.opts.Sink
}

func (s *KemonoSource) wait(ctx context.Context) error {
	if s.opts.Gate != nil {
		if err := s.opts.Gate.Wait(ctx); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (s *KemonoSource) Fetch(ctx context.Context, yield Yield) error {
	logger := log.WithFields(log.Fields{"service": s.target.Service, "creator": s.target.CreatorID})
	if s.target.IsSinglePost() {
		if err := s.wait(ctx); err != nil {
			return err
		}
		logger.WithField("post", s.target.PostID).Info("Fetching single post")
		post, err := s.client.Post(ctx, s.target)
		if err != nil {
			return fmt.Errorf("fetching post %s: %w", s.target.PostID, err)
		}
		return yield([]models.Post{post})
	}

	page := s.opts.StartPage
	if page < 1 {
		page = 1
	}
	seen := make(map[string]struct{})
	var all []models.Post

	for ; s.opts.EndPage == 0 || page <= s.opts.EndPage; page++ {
		if err := s.wait(ctx); err != nil {
			return err
		}
		offset := api.PageOffset(page)
		logger.Debugf("Requesting page %d (o=%d)", page, offset)
		posts, err := s.client.CreatorPosts(ctx, s.target, offset)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("fetching page %d: %w", page, err)
		}
		if len(posts) == 0 {
			logger.Infof("Page %d is empty, end of feed", page)
			break
		}

		fresh := make([]models.Post, 0, len(posts))
		for _, p := range posts {
			if _, dup := seen[p.ID]; dup {
				continue
			}
			seen[p.ID] = struct{}{}
			fresh = append(fresh, p)
		}
		events.Logf(s.sink(), "info", fmt.Sprintf("Fetched page %d: %d posts", page, len(fresh)))

		if s.opts.MangaMode {
			all = append(all, fresh...)
		} else if len(fresh) > 0 {
			if err := yield(fresh); err != nil {
				return err
			}
		}
		if len(posts) < api.PageSize {
			break
		}
	}

	if s.opts.MangaMode && len(all) > 0 {
		SortOldestFirst(all)
		logger.Infof("Manga mode: %d posts sorted oldest first", len(all))
		return yield(all)
	}
	return nil
}

// SortOldestFirst orders posts by publication date, then by numeric ID.
func SortOldestFirst(posts []models.Post) {
	sort.SliceStable(posts, func(i, j int) bool {
		di, dj := posts[i].Date(), posts[j].Date()
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return lessID(posts[i].ID, posts[j].ID)
	})
}

// lessID compares numeric IDs by value and falls back to string order.
func lessID(a, b string) bool {
	a, b = strings.TrimLeft(a, "0"), strings.TrimLeft(b, "0")
	if isNumeric(a) && isNumeric(b) && len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
