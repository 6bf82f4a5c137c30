package filter

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"

	"go-kemono-download/internal/models"
)

// illegalChars are rejected by at least one of NTFS, APFS or ext4.
const illegalChars = `<>:"/\|?*`

// CleanName strips characters that are illegal in file or folder names,
// collapses whitespace and trims trailing dots and spaces. It may return "".
func CleanName(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r < 32 || strings.ContainsRune(illegalChars, r) {
			b.WriteRune(' ')
			continue
		}
		b.WriteRune(r)
	}
	out := strings.Join(strings.Fields(b.String()), " ")
	return strings.Trim(out, " .")
}

// CleanFilename cleans the stem and extension of name separately.
func CleanFilename(name string) string {
	ext := path.Ext(name)
	stem := CleanName(strings.TrimSuffix(name, ext))
	ext = CleanName(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if stem == "" {
		return ""
	}
	return stem + ext
}

// PostFolderName is the cleaned title or post_<id> when nothing survives.
func PostFolderName(p models.Post) string {
	if n := CleanName(p.Title); n != "" {
		return n
	}
	return "post_" + p.ID
}

// titleStopWords are dropped when deriving a folder from a title in a
// creator-wide download, where titles tend to share boilerplate.
var titleStopWords = setOf(
	"a", "an", "the", "and", "or", "of", "in", "on", "for", "to", "with", "by",
	"part", "pt", "set", "new", "wip", "preview", "update", "commission", "request",
	"nsfw", "sfw", "ver", "version", "final", "hd", "4k", "gif", "video", "pack",
	"patreon", "fanbox", "fantia", "reward", "rewards", "early", "access",
)

// TitleFolder derives the fallback folder for a post when no known name
// matches. Creator-wide downloads use the first word of the title that is
// not a stop word; single posts keep the whole cleaned title.
func TitleFolder(p models.Post, creatorFeed bool) string {
	if !creatorFeed {
		return PostFolderName(p)
	}
	for _, w := range strings.FieldsFunc(CleanName(p.Title), func(r rune) bool {
		return !isWordRune(r) && r != '-' && r != '\''
	}) {
		if _, stop := titleStopWords[strings.ToLower(w)]; stop {
			continue
		}
		if len([]rune(w)) < 2 || isNumber(w) {
			continue
		}
		return w
	}
	return PostFolderName(p)
}

func isNumber(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// DefaultFilename is the cleaned API filename, falling back to the URL basename.
func DefaultFilename(f models.FileRef) string {
	if n := CleanFilename(f.APIFilename); n != "" {
		return n
	}
	p := f.URL
	if u, err := url.Parse(f.URL); err == nil {
		p = u.Path
	}
	if n := CleanFilename(path.Base(p)); n != "" && n != "." {
		return n
	}
	return fmt.Sprintf("file_%d%s", f.Index, f.Ext())
}

// GlobalCounter hands out the manga numbering sequence 1, 2, 3, ...
// It is shared by every post in a run.
type GlobalCounter struct {
	mu   sync.Mutex
	next int
}

func NewGlobalCounter() *GlobalCounter {
	return &GlobalCounter{next: 1}
}

func (c *GlobalCounter) Next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.next
	c.next++
	return n
}

// Issued returns how many numbers have been handed out.
func (c *GlobalCounter) Issued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next - 1
}

// NameRequest describes one file in one post for manga naming.
type NameRequest struct {
	Style   string
	Prefix  string
	Post    models.Post
	File    models.FileRef
	Ordinal int // 0-based among the files of this post being downloaded
}

// UsesGlobalCounter reports whether style numbers files across posts.
func UsesGlobalCounter(style string) bool {
	return style == models.MangaDateBased || style == models.MangaTitleGlobalNum
}

// MangaFilename computes the filename for req. taken reports whether a
// candidate name is already used in the target folder; it is consulted by
// the original_name style only. global is the counter value consumed, or 0.
func MangaFilename(req NameRequest, counter *GlobalCounter, taken func(string) bool) (name string, global int) {
	ext := req.File.Ext()
	title := PostFolderName(req.Post)
	date := req.Post.Date().Format("2006-01-02")
	suffix := ""
	if req.Ordinal > 0 {
		suffix = fmt.Sprintf("_%d", req.Ordinal)
	}

	switch req.Style {
	case models.MangaOriginalName:
		base := DefaultFilename(req.File)
		if taken == nil || !taken(base) {
			return base, 0
		}
		stem := strings.TrimSuffix(base, path.Ext(base))
		bext := path.Ext(base)
		for k := 1; ; k++ {
			cand := fmt.Sprintf("%s_%d%s", stem, k, bext)
			if !taken(cand) {
				return cand, 0
			}
		}

	case models.MangaDateBased:
		global = counter.Next()
		name = fmt.Sprintf("%s_%d%s", date, global, ext)
		if p := CleanName(req.Prefix); p != "" {
			name = p + "_" + name
		}
		return name, global

	case models.MangaDatePostTitle:
		return fmt.Sprintf("%s_%s%s%s", date, title, suffix, ext), 0

	case models.MangaTitleGlobalNum:
		global = counter.Next()
		return fmt.Sprintf("%s_%d%s", title, global, ext), global
	}

	// post_title and anything unrecognised.
	return title + suffix + ext, 0
}

// ValidMangaStyle reports whether s names a manga style.
func ValidMangaStyle(s string) bool {
	switch s {
	case models.MangaPostTitle, models.MangaOriginalName, models.MangaDateBased,
		models.MangaDatePostTitle, models.MangaTitleGlobalNum:
		return true
	}
	return false
}
