package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"go-kemono-download/internal/api"
	"go-kemono-download/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiPost struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Published string `json:"published"`
}

// feed serves a creator feed of the given posts in pages of api.PageSize
// and records the offsets requested.
type feed struct {
	mu      sync.Mutex
	posts   []apiPost
	offsets []int
	status  int
}

func (f *feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}
	o, _ := strconv.Atoi(r.URL.Query().Get("o"))
	f.mu.Lock()
	f.offsets = append(f.offsets, o)
	f.mu.Unlock()
	end := o + api.PageSize
	if end > len(f.posts) {
		end = len(f.posts)
	}
	page := []apiPost{}
	if o < len(f.posts) {
		page = f.posts[o:end]
	}
	json.NewEncoder(w).Encode(page)
}

func makePosts(n int) []apiPost {
	out := make([]apiPost, n)
	for i := range out {
		out[i] = apiPost{ID: strconv.Itoa(n - i), Title: fmt.Sprintf("Post %d", n-i), Published: "2024-01-01T00:00:00"}
	}
	return out
}

func setup(t *testing.T, f *feed) (*api.Client, api.Target) {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/api/v1/patreon/user/123", f)
	mux.HandleFunc("/api/v1/patreon/user/123/post/9", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"9","title":"Single"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	target, err := api.ParseURL(srv.URL + "/patreon/user/123")
	require.NoError(t, err)
	client := api.NewClient(api.Options{Backoff: []time.Duration{time.Millisecond}})
	return client, target
}

func collect(t *testing.T, s Source) ([][]models.Post, error) {
	t.Helper()
	var batches [][]models.Post
	err := s.Fetch(context.Background(), func(b []models.Post) error {
		batches = append(batches, b)
		return nil
	})
	return batches, err
}

func ids(batches [][]models.Post) []string {
	var out []string
	for _, b := range batches {
		for _, p := range b {
			out = append(out, p.ID)
		}
	}
	return out
}

func TestKemonoPagination(t *testing.T) {
	tests := []struct {
		name        string
		posts       int
		start, end  int
		wantOffsets []int
		wantPosts   int
	}{
		{"Short last page", 120, 0, 0, []int{0, 50, 100}, 120},
		{"Exact multiple ends on empty page", 100, 0, 0, []int{0, 50, 100}, 100},
		{"Page range", 120, 2, 2, []int{50}, 50},
		{"Start page only", 120, 3, 0, []int{100}, 20},
		{"Empty feed", 0, 0, 0, []int{0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &feed{posts: makePosts(tt.posts)}
			client, target := setup(t, f)
			src := NewKemonoSource(client, target, Options{StartPage: tt.start, EndPage: tt.end})

			batches, err := collect(t, src)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOffsets, f.offsets)
			assert.Len(t, ids(batches), tt.wantPosts)
		})
	}
}

func TestKemonoDedupByID(t *testing.T) {
	posts := makePosts(60)
	posts[55] = posts[3] // Page 2 repeats a post from page 1
	f := &feed{posts: posts}
	client, target := setup(t, f)

	batches, err := collect(t, NewKemonoSource(client, target, Options{}))
	require.NoError(t, err)
	got := ids(batches)
	assert.Len(t, got, 59)
	seen := map[string]bool{}
	for _, id := range got {
		assert.False(t, seen[id], "duplicate %s", id)
		seen[id] = true
	}
}

func TestKemonoMangaOrder(t *testing.T) {
	f := &feed{posts: []apiPost{
		{ID: "3", Published: "2024-01-05T00:00:00"},
		{ID: "2", Published: "2024-01-03T00:00:00"},
		{ID: "1", Published: "2024-01-02T00:00:00"},
		{ID: "10", Published: "2024-01-03T00:00:00"},
	}}
	client, target := setup(t, f)

	batches, err := collect(t, NewKemonoSource(client, target, Options{MangaMode: true}))
	require.NoError(t, err)
	require.Len(t, batches, 1, "manga mode yields the sorted feed at once")
	assert.Equal(t, []string{"1", "2", "10", "3"}, ids(batches))
}

func TestKemonoSinglePost(t *testing.T) {
	f := &feed{}
	client, target := setup(t, f)
	target.PostID = "9"

	batches, err := collect(t, New(client, target, Options{}))
	require.NoError(t, err)
	assert.Equal(t, []string{"9"}, ids(batches))
	assert.Empty(t, f.offsets)
}

func TestKemonoErrors(t *testing.T) {
	t.Run("Not found stops the fetch", func(t *testing.T) {
		client, target := setup(t, &feed{status: http.StatusNotFound})
		_, err := collect(t, NewKemonoSource(client, target, Options{}))
		assert.ErrorIs(t, err, api.ErrNotFound)
	})
	t.Run("Unauthorized is classed as auth", func(t *testing.T) {
		client, target := setup(t, &feed{status: http.StatusForbidden})
		_, err := collect(t, NewKemonoSource(client, target, Options{}))
		assert.Equal(t, api.ClassAuth, api.Classify(err))
	})
	t.Run("Yield error stops the fetch", func(t *testing.T) {
		f := &feed{posts: makePosts(120)}
		client, target := setup(t, f)
		stop := fmt.Errorf("stop")
		err := NewKemonoSource(client, target, Options{}).Fetch(context.Background(), func([]models.Post) error { return stop })
		assert.ErrorIs(t, err, stop)
		assert.Equal(t, []int{0}, f.offsets)
	})
	t.Run("Cancelled before start", func(t *testing.T) {
		f := &feed{posts: makePosts(10)}
		client, target := setup(t, f)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := NewKemonoSource(client, target, Options{}).Fetch(ctx, func([]models.Post) error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, f.offsets)
	})
}

type blockingGate struct{ release chan struct{} }

func (g blockingGate) Wait(ctx context.Context) error {
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestKemonoPauseGate(t *testing.T) {
	f := &feed{posts: makePosts(5)}
	client, target := setup(t, f)
	gate := blockingGate{release: make(chan struct{})}

	done := make(chan error, 1)
	go func() {
		done <- NewKemonoSource(client, target, Options{Gate: gate}).Fetch(context.Background(), func([]models.Post) error { return nil })
	}()

	time.Sleep(50 * time.Millisecond)
	f.mu.Lock()
	assert.Empty(t, f.offsets, "no request while paused")
	f.mu.Unlock()
	close(gate.release)
	require.NoError(t, <-done)
	assert.Equal(t, []int{0}, f.offsets)
}

func TestSortOldestFirst(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }
	posts := []models.Post{
		{ID: "9", Published: day(3)},
		{ID: "100", Published: day(3)},
		{ID: "5", Added: day(1)}, // Falls back to added
		{ID: "7", Published: day(2)},
	}
	SortOldestFirst(posts)
	var got []string
	for _, p := range posts {
		got = append(got, p.ID)
	}
	assert.Equal(t, []string{"5", "7", "9", "100"}, got)
}

func TestNhentaiGallery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/gallery/177013", r.URL.Path)
		fmt.Fprint(w, `{"id":177013,"media_id":"987","upload_date":1700000000,
			"title":{"english":"English Title","pretty":"Pretty"},
			"images":{"pages":[{"t":"j"},{"t":"p"},{"t":"w"}]}}`)
	}))
	defer srv.Close()

	target, err := api.ParseURL("https://nhentai.net/g/177013/")
	require.NoError(t, err)
	client := api.NewClient(api.Options{Backoff: []time.Duration{}})
	src, ok := New(client, target, Options{}).(*NhentaiSource)
	require.True(t, ok)
	src.Base = srv.URL + "/api/gallery"

	batches, err := collect(t, src)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	post := batches[0][0]
	assert.Equal(t, "177013", post.ID)
	assert.Equal(t, "Pretty", post.Title)
	assert.Equal(t, NhentaiService, post.Service)
	assert.Equal(t, int64(1700000000), post.Published.Unix())
	require.Len(t, post.Attachments, 3)
	assert.Equal(t, models.Attachment{Name: "2.png", Path: NhentaiImageBase + "/987/2.png"}, post.Attachments[1])
	assert.Equal(t, "3.webp", post.Attachments[2].Name)
}

func TestNhentaiMissingMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":1}`)
	}))
	defer srv.Close()
	src := NewNhentaiSource(api.NewClient(api.Options{Backoff: []time.Duration{}}), "1")
	src.Base = srv.URL
	_, err := src.Gallery(context.Background())
	assert.ErrorIs(t, err, api.ErrMalformed)
}
