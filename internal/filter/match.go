package filter

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"go-kemono-download/internal/models"
)

// Scope values shared by skip words and the character filter.
const (
	ScopeFiles    = "files"
	ScopePosts    = "posts"
	ScopeTitle    = "title"
	ScopeBoth     = "both"
	ScopeComments = "comments"
)

// File type radio values.
const (
	TypeAll     = "all"
	TypeImage   = "image"
	TypeVideo   = "video"
	TypeArchive = "archive"
	TypeAudio   = "audio"
	TypeLinks   = "links"
)

var (
	imageExts   = setOf(".jpg", ".jpeg", ".jpe", ".jfif", ".png", ".gif", ".webp", ".bmp", ".tif", ".tiff", ".avif", ".heic", ".heif", ".svg", ".ico")
	videoExts   = setOf(".mp4", ".mov", ".mkv", ".webm", ".avi", ".wmv", ".flv", ".m4v", ".mpeg", ".mpg", ".3gp", ".ts")
	archiveExts = setOf(".zip", ".rar", ".7z", ".tar", ".gz", ".bz2", ".xz")
	audioExts   = setOf(".mp3", ".wav", ".flac", ".aac", ".ogg", ".m4a", ".opus", ".wma")
)

func setOf(items ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, i := range items {
		m[i] = struct{}{}
	}
	return m
}

func has(set map[string]struct{}, ext string) bool {
	_, ok := set[strings.ToLower(ext)]
	return ok
}

func IsImage(ext string) bool   { return has(imageExts, ext) }
func IsVideo(ext string) bool   { return has(videoExts, ext) }
func IsArchive(ext string) bool { return has(archiveExts, ext) }
func IsAudio(ext string) bool   { return has(audioExts, ext) }

// DefaultMultipartExtensions are the types large enough to benefit from
// range downloads.
func DefaultMultipartExtensions() []string {
	out := make([]string, 0, len(videoExts)+len(archiveExts))
	for e := range videoExts {
		out = append(out, e)
	}
	for e := range archiveExts {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// AdmitsType applies the file type radio to an extension. "links" admits
// nothing: only external links are reported.
func AdmitsType(fileFilter, ext string) bool {
	switch strings.ToLower(fileFilter) {
	case "", TypeAll:
		return true
	case TypeImage:
		return IsImage(ext)
	case TypeVideo:
		return IsVideo(ext)
	case TypeArchive:
		return IsArchive(ext)
	case TypeAudio:
		return IsAudio(ext)
	}
	return false
}

// SkipArchive applies the SkipZip/SkipRar flags.
func SkipArchive(cfg models.Config, ext string) bool {
	switch strings.ToLower(ext) {
	case ".zip":
		return cfg.SkipZip
	case ".rar":
		return cfg.SkipRar
	}
	return false
}

// SkipWordHit returns the first skip word contained in text, compared
// case-insensitively as a substring.
func SkipWordHit(text string, words []string) (string, bool) {
	lower := strings.ToLower(text)
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(w)) {
			return w, true
		}
	}
	return "", false
}

// SkipWordsApplyToPosts and SkipWordsApplyToFiles read the scope value.
func SkipWordsApplyToPosts(scope string) bool {
	return scope == ScopePosts || scope == ScopeBoth
}

func SkipWordsApplyToFiles(scope string) bool {
	return scope == "" || scope == ScopeFiles || scope == ScopeBoth
}

// ContainsWord reports whether word occurs in text, case-insensitively,
// with a non-alphanumeric rune (or the string edge) on both sides.
func ContainsWord(text, word string) bool {
	if word == "" {
		return false
	}
	t := strings.ToLower(text)
	w := strings.ToLower(word)
	for from := 0; from <= len(t)-len(w); {
		i := strings.Index(t[from:], w)
		if i < 0 {
			return false
		}
		i += from
		end := i + len(w)
		if boundaryBefore(t, i) && boundaryAfter(t, end) {
			return true
		}
		_, size := utf8.DecodeRuneInString(t[i:])
		from = i + size
	}
	return false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

func boundaryBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return !isWordRune(r)
}

func boundaryAfter(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return !isWordRune(r)
}
