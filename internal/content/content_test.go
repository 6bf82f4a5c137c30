package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageURLs(t *testing.T) {
	html := `<p>Hi</p>
<img src="/data/aa/1.png">
<img src="https://cdn.example.com/2.jpg">
<img data-src="3.gif">
<img src="/data/aa/1.png">
<img src="data:image/png;base64,AAAA">
<img src="javascript:alert(1)">
<img>`

	got := ImageURLs(html, "https://kemono.su/patreon/user/1/post/2")
	assert.Equal(t, []string{
		"https://kemono.su/data/aa/1.png",
		"https://cdn.example.com/2.jpg",
		"https://kemono.su/patreon/user/1/post/3.gif",
	}, got)
}

func TestImageURLsEmpty(t *testing.T) {
	assert.Nil(t, ImageURLs("", "https://kemono.su"))
	assert.Empty(t, ImageURLs("<p>no images</p>", "https://kemono.su"))
}

func TestPlatform(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://mega.nz/file/abc#key", "mega"},
		{"https://drive.google.com/file/d/x/view", "google drive"},
		{"https://www.dropbox.com/s/x/file.zip", "dropbox"},
		{"https://dl.dropbox.com/s/x", "dropbox"},
		{"https://example.com/x", ""},
		{"::bad", ""},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, Platform(tt.url))
		})
	}
}

func TestExternalLinks(t *testing.T) {
	html := `<p>Download: <a href="https://mega.nz/file/AbC#SeCrEt">Full pack</a></p>
<p>Mirror https://drive.google.com/file/d/123/view, thanks!</p>
<p><a href="https://mega.nz/file/AbC#SeCrEt">dup</a> <a href="https://example.com">site</a></p>`

	links := ExternalLinks(html)
	require.Len(t, links, 2)
	assert.Equal(t, Link{Text: "Full pack", URL: "https://mega.nz/file/AbC#SeCrEt", Platform: "mega", Key: "SeCrEt"}, links[0])
	assert.Equal(t, "google drive", links[1].Platform)
	assert.Equal(t, "https://drive.google.com/file/d/123/view", links[1].URL)
	assert.Empty(t, links[1].Key)
}

func TestText(t *testing.T) {
	assert.Equal(t, "Hello Tifa", Text("<p>Hello <b>Tifa</b></p>"))
}
