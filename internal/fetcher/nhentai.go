package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go-kemono-download/internal/api"
	"go-kemono-download/internal/models"

	log "github.com/sirupsen/logrus"
)

const (
	NhentaiAPIBase   = "https://nhentai.net/api/gallery"
	NhentaiImageBase = "https://i.nhentai.net/galleries"
	NhentaiService   = "nhentai"
)

var nhentaiExt = map[string]string{
	"j": "jpg",
	"p": "png",
	"g": "gif",
	"w": "webp",
}

type nhentaiGallery struct {
	ID      json.Number `json:"id"`
	MediaID json.Number `json:"media_id"`
	Title   struct {
		English  string `json:"english"`
		Japanese string `json:"japanese"`
		Pretty   string `json:"pretty"`
	} `json:"title"`
	UploadDate int64 `json:"upload_date"`
	Images     struct {
		Pages []struct {
			T string `json:"t"`
		} `json:"pages"`
	} `json:"images"`
}

// NhentaiSource turns one gallery into a single post whose attachments are
// the page images.
type NhentaiSource struct {
	client    *api.Client
	galleryID string
	Base      string
	ImageBase string
}

func NewNhentaiSource(client *api.Client, galleryID string) *NhentaiSource {
	return &NhentaiSource{client: client, galleryID: galleryID, Base: NhentaiAPIBase, ImageBase: NhentaiImageBase}
}

func (s *NhentaiSource) Fetch(ctx context.Context, yield Yield) error {
	post, err := s.Gallery(ctx)
	if err != nil {
		return err
	}
	return yield([]models.Post{post})
}

func (s *NhentaiSource) Gallery(ctx context.Context) (models.Post, error) {
	u := fmt.Sprintf("%s/%s", strings.TrimRight(s.Base, "/"), s.galleryID)
	var g nhentaiGallery
	if err := s.client.GetJSON(ctx, u, &g); err != nil {
		return models.Post{}, fmt.Errorf("fetching gallery %s: %w", s.galleryID, err)
	}
	if g.MediaID == "" {
		return models.Post{}, fmt.Errorf("%w: gallery %s has no media id", api.ErrMalformed, s.galleryID)
	}

	title := g.Title.Pretty
	if title == "" {
		title = g.Title.English
	}
	if title == "" {
		title = g.Title.Japanese
	}
	post := models.Post{
		ID:      string(g.ID),
		Service: NhentaiService,
		Title:   title,
	}
	if post.ID == "" {
		post.ID = s.galleryID
	}
	if g.UploadDate > 0 {
		post.Published = time.Unix(g.UploadDate, 0).UTC()
	}

	base := strings.TrimRight(s.ImageBase, "/")
	for i, p := range g.Images.Pages {
		ext, ok := nhentaiExt[p.T]
		if !ok {
			log.WithField("post", post.ID).Warnf("Unknown page type %q, assuming jpg", p.T)
			ext = "jpg"
		}
		name := fmt.Sprintf("%d.%s", i+1, ext)
		post.Attachments = append(post.Attachments, models.Attachment{
			Name: name,
			Path: fmt.Sprintf("%s/%s/%s", base, g.MediaID, name),
		})
	}
	log.WithField("post", post.ID).Infof("Gallery %q has %d pages", title, len(post.Attachments))
	return post, nil
}
