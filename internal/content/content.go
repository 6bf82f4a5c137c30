package content

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	log "github.com/sirupsen/logrus"
)

// Link is an external share link found in post content.
type Link struct {
	Text     string
	URL      string
	Platform string
	Key      string // Text after '#', e.g. a Mega decryption key
}

var plainURL = regexp.MustCompile(`https?://[^\s<>"']+`)

func parse(html string) *goquery.Document {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		log.WithError(err).Debug("Could not parse post content")
		return nil
	}
	return doc
}

// ImageURLs returns the absolute URLs of every <img src> in html, resolved
// against base, in document order without duplicates. data: URIs are
// ignored.
func ImageURLs(html, base string) []string {
	if strings.TrimSpace(html) == "" {
		return nil
	}
	doc := parse(html)
	if doc == nil {
		return nil
	}
	baseURL, _ := url.Parse(base)

	seen := make(map[string]bool)
	var out []string
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		src, ok := s.Attr("src")
		if !ok {
			src, ok = s.Attr("data-src")
		}
		src = strings.TrimSpace(src)
		if !ok || src == "" || strings.HasPrefix(src, "data:") {
			return
		}
		abs := resolve(baseURL, src)
		if abs == "" || seen[abs] {
			return
		}
		seen[abs] = true
		out = append(out, abs)
	})
	return out
}

func resolve(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}

// Platform names the file host of rawURL, or "" for hosts we do not report.
func Platform(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	switch {
	case host == "mega.nz" || host == "mega.co.nz" || host == "mega.io":
		return "mega"
	case host == "drive.google.com" || host == "docs.google.com":
		return "google drive"
	case host == "dropbox.com" || strings.HasSuffix(host, ".dropbox.com") || host == "db.tt":
		return "dropbox"
	}
	return ""
}

// ExternalLinks finds Mega, Google Drive and Dropbox links in anchors and in
// plain text. Each URL is reported once.
func ExternalLinks(html string) []Link {
	if strings.TrimSpace(html) == "" {
		return nil
	}
	doc := parse(html)
	if doc == nil {
		return nil
	}

	seen := make(map[string]bool)
	var out []Link
	add := func(text, raw string) {
		raw = strings.TrimRight(strings.TrimSpace(raw), ".,;)")
		platform := Platform(raw)
		if platform == "" || seen[raw] {
			return
		}
		seen[raw] = true
		link := Link{Text: strings.TrimSpace(text), URL: raw, Platform: platform}
		if i := strings.Index(raw, "#"); i >= 0 && i < len(raw)-1 {
			link.Key = raw[i+1:]
		}
		if link.Text == "" {
			link.Text = raw
		}
		out = append(out, link)
	}

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		add(s.Text(), href)
	})
	for _, m := range plainURL.FindAllString(doc.Text(), -1) {
		add("", m)
	}
	return out
}

// Text returns the visible text of html, used for word matching.
func Text(html string) string {
	doc := parse(html)
	if doc == nil {
		return html
	}
	return doc.Text()
}
