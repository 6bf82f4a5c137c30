package api

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	KemonoHost  = "kemono.su"
	CoomerHost  = "coomer.su"
	NhentaiHost = "nhentai.net"

	SiteKemono  = "kemono"
	SiteNhentai = "nhentai"
)

// coomerServices are served from coomer.su; everything else from kemono.su.
var coomerServices = map[string]bool{
	"onlyfans": true,
	"fansly":   true,
	"manyvids": true,
	"candfans": true,
}

// Target is a parsed download URL.
type Target struct {
	Site      string
	Scheme    string
	Host      string
	Service   string
	CreatorID string
	PostID    string
}

func (t Target) BaseURL() string {
	return t.Scheme + "://" + t.Host
}

func (t Target) IsSinglePost() bool {
	return t.PostID != ""
}

// IsCreatorFeed is true for a whole-creator Kemono/Coomer URL.
func (t Target) IsCreatorFeed() bool {
	return t.Site == SiteKemono && t.PostID == ""
}

// HostForService returns the canonical site host for a service name.
func HostForService(service string) string {
	if coomerServices[strings.ToLower(service)] {
		return CoomerHost
	}
	return KemonoHost
}

// isKnownHost matches the public mirrors (kemono.party, www.coomer.su, ...).
func isKnownHost(host string) bool {
	h := strings.TrimPrefix(strings.ToLower(host), "www.")
	for _, prefix := range []string{"kemono.", "coomer."} {
		if strings.HasPrefix(h, prefix) {
			return true
		}
	}
	return false
}

// ParseURL accepts
//
//	https://kemono.su/{service}/user/{creator}
//	https://kemono.su/{service}/user/{creator}/post/{post}
//	https://nhentai.net/g/{id}
//
// Known Kemono/Coomer mirrors are normalised to the canonical host for the
// service. Other hosts are kept as given, which lets tests point the client
// at a local server.
func ParseURL(raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Target{}, fmt.Errorf("%w: empty URL", ErrUnsupportedURL)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %v", ErrUnsupportedURL, err)
	}
	if u.Host == "" {
		return Target{}, fmt.Errorf("%w: missing host in %q", ErrUnsupportedURL, raw)
	}

	segs := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })
	if len(segs) > 2 && segs[0] == "api" && segs[1] == "v1" {
		segs = segs[2:]
	}

	host := strings.ToLower(u.Host)
	if strings.TrimPrefix(host, "www.") == NhentaiHost {
		if len(segs) < 2 || segs[0] != "g" || !isDigits(segs[1]) {
			return Target{}, fmt.Errorf("%w: expected /g/{id} in %q", ErrUnsupportedURL, raw)
		}
		return Target{Site: SiteNhentai, Scheme: "https", Host: NhentaiHost, PostID: segs[1]}, nil
	}

	if len(segs) < 3 || segs[1] != "user" || segs[0] == "" || segs[2] == "" {
		return Target{}, fmt.Errorf("%w: expected /{service}/user/{id} in %q", ErrUnsupportedURL, raw)
	}
	t := Target{
		Site:      SiteKemono,
		Scheme:    u.Scheme,
		Host:      u.Host,
		Service:   strings.ToLower(segs[0]),
		CreatorID: segs[2],
	}
	if len(segs) >= 5 && segs[3] == "post" && segs[4] != "" {
		t.PostID = segs[4]
	} else if len(segs) > 3 {
		return Target{}, fmt.Errorf("%w: unexpected path %q", ErrUnsupportedURL, u.Path)
	}
	if isKnownHost(u.Host) {
		t.Scheme = "https"
		t.Host = HostForService(t.Service)
	}
	return t, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// FileURL builds the download URL for an attachment path.
func FileURL(base, path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if strings.HasPrefix(path, "/data/") {
		return base + path
	}
	return base + "/data" + path
}

// ThumbnailURL builds the thumbnail URL for an attachment path.
func ThumbnailURL(base, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	path = strings.TrimPrefix(path, "/data")
	return base + "/thumbnail/data" + path
}

// PostURL is the human-facing URL of a post.
func (t Target) PostURL(postID string) string {
	return fmt.Sprintf("%s/%s/user/%s/post/%s", t.BaseURL(), t.Service, t.CreatorID, postID)
}
