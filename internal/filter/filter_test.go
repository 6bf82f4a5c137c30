package filter

import (
	"testing"
	"time"

	"go-kemono-download/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCharacterFilter(t *testing.T) {
	f, err := ParseCharacterFilter("Tifa,  (Cloud, Zack Fair)~ , (Vivi,Ulti)")
	require.NoError(t, err)
	require.Len(t, f, 3)

	assert.Equal(t, CharacterEntry{Name: "Tifa", Kind: KindLiteral, Aliases: []string{"Tifa"}}, f[0])
	assert.Equal(t, CharacterEntry{Name: "Cloud Zack Fair", Kind: KindGroup, Aliases: []string{"Cloud", "Zack Fair"}, Tilde: true}, f[1])
	assert.Equal(t, CharacterEntry{Name: "Vivi Ulti", Kind: KindGroup, Aliases: []string{"Vivi", "Ulti"}}, f[2])
}

func TestParseCharacterFilterErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"Missing close", "(a, b", ErrUnbalanced},
		{"Extra close", "a)", ErrUnbalanced},
		{"Nested", "((a))", ErrUnbalanced},
		{"Empty entry", "a,,b", ErrEmptyEntry},
		{"Empty group", "( , )~", ErrEmptyEntry},
		{"Trailing text", "(a)b", ErrUnbalanced},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCharacterFilter(tt.input)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCharacterFilterRoundTrip(t *testing.T) {
	for _, canonical := range []string{
		"Tifa",
		"Tifa, Aerith",
		"(Cloud, Zack)~",
		"(Vivi, Ulti, Uta)",
		"Tifa, (Cloud, Zack)~, (Vivi, Ulti)",
	} {
		t.Run(canonical, func(t *testing.T) {
			f, err := ParseCharacterFilter(canonical)
			require.NoError(t, err)
			assert.Equal(t, canonical, FormatCharacterFilter(f))
		})
	}
}

func TestEmptyFilter(t *testing.T) {
	f, err := ParseCharacterFilter("   ")
	require.NoError(t, err)
	assert.Empty(t, f)
}

func TestContainsWord(t *testing.T) {
	tests := []struct {
		text string
		word string
		want bool
	}{
		{"Tifa at the beach", "tifa", true},
		{"Tifalike", "tifa", false},
		{"[Tifa] sketch", "Tifa", true},
		{"mega tifa", "Tifa", true},
		{"Zack Fair fanart", "zack fair", true},
		{"Zack Fairy", "zack fair", false},
		{"tifa_01", "tifa", false},
		{"Ünter und Über", "über", true},
		{"", "x", false},
		{"x", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.text+"/"+tt.word, func(t *testing.T) {
			assert.Equal(t, tt.want, ContainsWord(tt.text, tt.word))
		})
	}
}

func TestMatchLongest(t *testing.T) {
	f, err := ParseCharacterFilter("Tifa, Tifa Lockhart, (Cloud, Strife)~")
	require.NoError(t, err)

	e, ok := f.MatchLongest("Tifa Lockhart swimsuit")
	require.True(t, ok)
	assert.Equal(t, "Tifa Lockhart", e.Name)

	e, ok = f.MatchLongest("strife pinup")
	require.True(t, ok)
	assert.Equal(t, "Cloud Strife", e.Name)

	_, ok = f.MatchLongest("nothing here")
	assert.False(t, ok)
}

func TestSkipWordHit(t *testing.T) {
	w, ok := SkipWordHit("Final WIP set", []string{"wip", "sketch"})
	assert.True(t, ok)
	assert.Equal(t, "wip", w)

	_, ok = SkipWordHit("Final set", []string{" ", "sketch"})
	assert.False(t, ok)
}

func TestSkipWordsScope(t *testing.T) {
	assert.True(t, SkipWordsApplyToPosts(ScopeBoth))
	assert.True(t, SkipWordsApplyToPosts(ScopePosts))
	assert.False(t, SkipWordsApplyToPosts(ScopeFiles))
	assert.True(t, SkipWordsApplyToFiles(ScopeBoth))
	assert.True(t, SkipWordsApplyToFiles(""))
	assert.False(t, SkipWordsApplyToFiles(ScopePosts))
}

func TestAdmitsType(t *testing.T) {
	tests := []struct {
		filter string
		ext    string
		want   bool
	}{
		{"all", ".exe", true},
		{"", ".png", true},
		{"image", ".PNG", true},
		{"image", ".mp4", false},
		{"video", ".mp4", true},
		{"archive", ".7z", true},
		{"audio", ".flac", true},
		{"links", ".png", false},
	}
	for _, tt := range tests {
		t.Run(tt.filter+tt.ext, func(t *testing.T) {
			assert.Equal(t, tt.want, AdmitsType(tt.filter, tt.ext))
		})
	}
}

func TestSkipArchive(t *testing.T) {
	cfg := models.Config{SkipZip: true}
	assert.True(t, SkipArchive(cfg, ".ZIP"))
	assert.False(t, SkipArchive(cfg, ".rar"))
}

func TestCleanFilename(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"Plain", "image.png", "image.png"},
		{"Illegal chars", `a<b>:c?.jpg`, "a b c.jpg"},
		{"Collapse whitespace", "  a   b  .png", "a b.png"},
		{"Trailing dots", "name...", "name"},
		{"Empty stem", "???.png", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanFilename(tt.input))
		})
	}
}

func TestFolderNames(t *testing.T) {
	assert.Equal(t, "post_42", PostFolderName(models.Post{ID: "42", Title: "  ?? "}))
	assert.Equal(t, "My Post", PostFolderName(models.Post{ID: "1", Title: "My: Post"}))

	p := models.Post{ID: "7", Title: "[Patreon] The Tifa Set part 2"}
	assert.Equal(t, "Tifa", TitleFolder(p, true))
	assert.Equal(t, "[Patreon] The Tifa Set part 2", TitleFolder(p, false))
	assert.Equal(t, "post_8", TitleFolder(models.Post{ID: "8", Title: "WIP 2"}, true))
}

func TestDefaultFilename(t *testing.T) {
	assert.Equal(t, "a.png", DefaultFilename(models.FileRef{APIFilename: "a.png", URL: "https://x/data/aa/bb/hash.png"}))
	assert.Equal(t, "hash.png", DefaultFilename(models.FileRef{URL: "https://x/data/aa/bb/hash.png?f=a"}))
}

func TestMangaFilename(t *testing.T) {
	post := models.Post{ID: "1", Title: "Chapter 1", Published: time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)}
	file := models.FileRef{APIFilename: "page.jpg"}

	t.Run("post_title", func(t *testing.T) {
		c := NewGlobalCounter()
		n0, _ := MangaFilename(NameRequest{Style: models.MangaPostTitle, Post: post, File: file, Ordinal: 0}, c, nil)
		n1, _ := MangaFilename(NameRequest{Style: models.MangaPostTitle, Post: post, File: file, Ordinal: 1}, c, nil)
		assert.Equal(t, "Chapter 1.jpg", n0)
		assert.Equal(t, "Chapter 1_1.jpg", n1)
		assert.Zero(t, c.Issued())
	})

	t.Run("original_name collision", func(t *testing.T) {
		used := map[string]bool{"page.jpg": true, "page_1.jpg": true}
		n, _ := MangaFilename(NameRequest{Style: models.MangaOriginalName, Post: post, File: file}, NewGlobalCounter(), func(s string) bool { return used[s] })
		assert.Equal(t, "page_2.jpg", n)
	})

	t.Run("date_based with prefix", func(t *testing.T) {
		c := NewGlobalCounter()
		n, g := MangaFilename(NameRequest{Style: models.MangaDateBased, Prefix: "ch", Post: post, File: file}, c, nil)
		assert.Equal(t, "ch_2024-01-02_1.jpg", n)
		assert.Equal(t, 1, g)
		n, g = MangaFilename(NameRequest{Style: models.MangaDateBased, Post: post, File: file}, c, nil)
		assert.Equal(t, "2024-01-02_2.jpg", n)
		assert.Equal(t, 2, g)
	})

	t.Run("date_post_title", func(t *testing.T) {
		n, _ := MangaFilename(NameRequest{Style: models.MangaDatePostTitle, Post: post, File: file, Ordinal: 2}, NewGlobalCounter(), nil)
		assert.Equal(t, "2024-01-02_Chapter 1_2.jpg", n)
	})

	t.Run("title_global_num", func(t *testing.T) {
		c := NewGlobalCounter()
		c.Next()
		n, g := MangaFilename(NameRequest{Style: models.MangaTitleGlobalNum, Post: post, File: file}, c, nil)
		assert.Equal(t, "Chapter 1_2.jpg", n)
		assert.Equal(t, 2, g)
	})

	t.Run("empty title falls back", func(t *testing.T) {
		n, _ := MangaFilename(NameRequest{Style: models.MangaPostTitle, Post: models.Post{ID: "9"}, File: file}, NewGlobalCounter(), nil)
		assert.Equal(t, "post_9.jpg", n)
	})
}

func TestValidMangaStyle(t *testing.T) {
	assert.True(t, ValidMangaStyle(models.MangaDateBased))
	assert.False(t, ValidMangaStyle("bogus"))
	assert.True(t, UsesGlobalCounter(models.MangaTitleGlobalNum))
	assert.False(t, UsesGlobalCounter(models.MangaPostTitle))
}
