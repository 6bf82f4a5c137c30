package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastClient(opts Options) *Client {
	if opts.Backoff == nil {
		opts.Backoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	}
	return NewClient(opts)
}

func TestParseURL(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Target
		wantErr bool
	}{
		{
			name:  "Creator feed",
			input: "https://kemono.su/patreon/user/123",
			want:  Target{Site: SiteKemono, Scheme: "https", Host: "kemono.su", Service: "patreon", CreatorID: "123"},
		},
		{
			name:  "Single post on mirror",
			input: "https://kemono.party/fanbox/user/9/post/456",
			want:  Target{Site: SiteKemono, Scheme: "https", Host: "kemono.su", Service: "fanbox", CreatorID: "9", PostID: "456"},
		},
		{
			name:  "Coomer service on kemono host",
			input: "kemono.su/onlyfans/user/someone",
			want:  Target{Site: SiteKemono, Scheme: "https", Host: "coomer.su", Service: "onlyfans", CreatorID: "someone"},
		},
		{
			name:  "Unknown host kept",
			input: "http://127.0.0.1:8080/patreon/user/1",
			want:  Target{Site: SiteKemono, Scheme: "http", Host: "127.0.0.1:8080", Service: "patreon", CreatorID: "1"},
		},
		{
			name:  "Nhentai",
			input: "https://nhentai.net/g/177013/",
			want:  Target{Site: SiteNhentai, Scheme: "https", Host: "nhentai.net", PostID: "177013"},
		},
		{name: "Empty", input: "", wantErr: true},
		{name: "Missing user", input: "https://kemono.su/patreon/123", wantErr: true},
		{name: "Garbage tail", input: "https://kemono.su/patreon/user/1/posts", wantErr: true},
		{name: "Nhentai bad id", input: "https://nhentai.net/g/abc", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseURL(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedURL)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTargetHelpers(t *testing.T) {
	feed := Target{Site: SiteKemono, PostID: ""}
	assert.True(t, feed.IsCreatorFeed())
	assert.False(t, feed.IsSinglePost())
	nh := Target{Site: SiteNhentai, PostID: "1"}
	assert.False(t, nh.IsCreatorFeed())
}

func TestFileURL(t *testing.T) {
	assert.Equal(t, "https://kemono.su/data/ab/cd/x.png", FileURL("https://kemono.su", "/ab/cd/x.png"))
	assert.Equal(t, "https://kemono.su/data/ab/x.png", FileURL("https://kemono.su", "/data/ab/x.png"))
	assert.Equal(t, "https://kemono.su/data/ab/x.png", FileURL("https://kemono.su", "ab/x.png"))
	assert.Equal(t, "https://cdn/x", FileURL("https://kemono.su", "https://cdn/x"))
	assert.Equal(t, "https://kemono.su/thumbnail/data/ab/x.png", ThumbnailURL("https://kemono.su", "/ab/x.png"))
}

func TestHostForService(t *testing.T) {
	assert.Equal(t, CoomerHost, HostForService("Fansly"))
	assert.Equal(t, KemonoHost, HostForService("patreon"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"Nil", nil, ClassNone},
		{"401", &StatusError{Code: 401}, ClassAuth},
		{"403 wrapped", fmt.Errorf("x: %w", &StatusError{Code: 403}), ClassAuth},
		{"404", &StatusError{Code: 404}, ClassPermanent},
		{"400", &StatusError{Code: 400}, ClassPermanent},
		{"429", &StatusError{Code: 429}, ClassRetryable},
		{"502", &StatusError{Code: 502}, ClassRetryable},
		{"Timeout", ErrReadTimeout, ClassRetryable},
		{"Unexpected EOF", fmt.Errorf("read: %w", io.ErrUnexpectedEOF), ClassRetryable},
		{"Conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), ClassRetryable},
		{"Malformed", ErrMalformed, ClassPermanent},
		{"Cancelled", context.Canceled, ClassPermanent},
		{"Other", errors.New("boom"), ClassPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestGetInjectsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, "session=abc", r.Header.Get("Cookie"))
		assert.Equal(t, "https://kemono.su/", r.Header.Get("Referer"))
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	c := fastClient(Options{UserAgent: "test-agent", Cookies: map[string]string{"session": "abc"}})
	assert.True(t, c.HasCookies())
	resp, err := c.Get(context.Background(), srv.URL, map[string]string{"Referer": "https://kemono.su/"}, true)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", string(body))
}

func TestGetStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := fastClient(Options{}).Get(context.Background(), srv.URL, nil, false)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 403, se.Code)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestGetIdleReadTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("12345"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := fastClient(Options{ReadTimeout: 50 * time.Millisecond})
	resp, err := c.Get(context.Background(), srv.URL, nil, true)
	require.NoError(t, err)
	defer resp.Body.Close()
	_, err = io.ReadAll(resp.Body)
	require.Error(t, err)
	assert.Equal(t, ClassRetryable, Classify(err))
}

func TestGetIdleTimerStopsBetweenReads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	c := fastClient(Options{ReadTimeout: 50 * time.Millisecond})
	resp, err := c.Get(context.Background(), srv.URL, nil, true)
	require.NoError(t, err)
	defer resp.Body.Close()

	head := make([]byte, 5)
	_, err = io.ReadFull(resp.Body, head)
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)
	rest, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(head)+string(rest))
}

func TestGetJSONRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "text/css", r.Header.Get("Accept"))
		fmt.Fprint(w, `{"a":1}`)
	}))
	defer srv.Close()

	var v map[string]int
	require.NoError(t, fastClient(Options{}).GetJSON(context.Background(), srv.URL, &v))
	assert.Equal(t, 1, v["a"])
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestGetJSONGivesUp(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	var v any
	err := fastClient(Options{}).GetJSON(context.Background(), srv.URL, &v)
	assert.ErrorIs(t, err, ErrServerError)
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls), "one attempt plus three retries")
}

func TestGetJSONNoRetryOnAuth(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	var v any
	err := fastClient(Options{}).GetJSON(context.Background(), srv.URL, &v)
	assert.Equal(t, ClassAuth, Classify(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetJSONMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>guard</html>")
	}))
	defer srv.Close()

	var v any
	err := fastClient(Options{}).GetJSON(context.Background(), srv.URL, &v)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEndpoints(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/patreon/user/42", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "50", r.URL.Query().Get("o"))
		fmt.Fprint(w, `[{"id":101,"user":"42","service":"patreon","title":"A","published":"2024-01-02T10:00:00",
			"file":{"name":"cover.png","path":"/aa/cover.png"},
			"attachments":[{"name":"1.png","path":"/aa/1.png"},{"name":"","path":""}]}]`)
	})
	mux.HandleFunc("/api/v1/patreon/user/42/post/7", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"post":{"id":"7","title":"Wrapped","added":"2024-02-03T04:05:06.123456"}}`)
	})
	mux.HandleFunc("/api/v1/patreon/user/42/post/8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"title":"Bare","published":"2024-03-01T00:00:00+00:00"}`)
	})
	mux.HandleFunc("/api/v1/patreon/user/42/post/7/comments", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id":1,"commenter_name":"fan","content":"Tifa!"}]`)
	})
	mux.HandleFunc("/api/v1/account/favorites", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "artist", r.URL.Query().Get("type"))
		fmt.Fprint(w, `[{"id":"42","name":"Artist","service":"patreon"}]`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	target, err := ParseURL(srv.URL + "/patreon/user/42")
	require.NoError(t, err)
	c := fastClient(Options{})
	ctx := context.Background()

	posts, err := c.CreatorPosts(ctx, target, PageOffset(2))
	require.NoError(t, err)
	require.Len(t, posts, 1)
	p := posts[0]
	assert.Equal(t, "101", p.ID)
	assert.Equal(t, "42", p.CreatorID)
	assert.Equal(t, 2024, p.Published.Year())
	require.NotNil(t, p.File)
	assert.Len(t, p.Attachments, 1)
	assert.Equal(t, 2, p.TotalFiles())

	target.PostID = "7"
	p, err = c.Post(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, "Wrapped", p.Title)
	assert.Equal(t, "patreon", p.Service)
	assert.Equal(t, time.February, p.Date().Month())

	target.PostID = "8"
	p, err = c.Post(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, "8", p.ID)
	assert.Equal(t, time.March, p.Published.Month())

	comments, err := c.Comments(ctx, target, "7")
	require.NoError(t, err)
	assert.Equal(t, []Comment{{ID: "1", Commenter: "fan", Content: "Tifa!"}}, comments)

	favs, err := c.Favorites(ctx, srv.URL, FavoriteArtist)
	require.NoError(t, err)
	require.Len(t, favs, 1)
	assert.Equal(t, "42", favs[0].CreatorID)
	assert.Equal(t, srv.URL+"/patreon/user/42", FavoriteURL(srv.URL, favs[0], FavoriteArtist))

	_, err = c.Favorites(ctx, srv.URL, "bogus")
	assert.Error(t, err)
}

func TestChunkIterator(t *testing.T) {
	it := NewChunkIterator(strings.NewReader("abcdefghij"), 4)
	var chunks []string
	for {
		b, err := it.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		chunks = append(chunks, string(b))
	}
	assert.Equal(t, []string{"abcd", "efgh", "ij"}, chunks)
}

func TestChunkIteratorSurfacesError(t *testing.T) {
	r := io.MultiReader(strings.NewReader("abc"), failingReader{io.ErrUnexpectedEOF})
	it := NewChunkIterator(r, 8)
	b, err := it.Next()
	require.NoError(t, err)
	assert.Equal(t, "abc", string(b))
	_, err = it.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	_, err = it.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestLoggingTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"hello":"world"}`)
	}))
	defer srv.Close()

	logPath := filepath.Join(t.TempDir(), "api.log")
	lt, err := NewLoggingTransport(NewTransport(), logPath)
	require.NoError(t, err)

	var v map[string]string
	require.NoError(t, fastClient(Options{Transport: lt}).GetJSON(context.Background(), srv.URL, &v))
	assert.Equal(t, "world", v["hello"])
	require.NoError(t, lt.Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `{"hello":"world"}`)
	assert.Contains(t, string(data), "--- Request ---")
}

type failingReader struct{ err error }

func (f failingReader) Read([]byte) (int, error) { return 0, f.err }
