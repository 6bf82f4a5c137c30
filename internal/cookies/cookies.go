package cookies

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

// DefaultFileName is looked up in the base directory when no file is given.
const DefaultFileName = "cookies.txt"

type Options struct {
	UseCookies bool
	Inline     string // "name=value; other=value"
	FilePath   string // Netscape cookies.txt
	BaseDir    string
	Domain     string // e.g. kemono.su
}

// Resolve returns the cookie map for opts.Domain, or nil when cookies are
// disabled or none could be loaded. A cookie file takes precedence over the
// inline string. Resolve never fails; problems are logged.
func Resolve(opts Options) map[string]string {
	if !opts.UseCookies {
		return nil
	}

	filePath := opts.FilePath
	if filePath == "" && opts.Inline == "" && opts.BaseDir != "" {
		filePath = filepath.Join(opts.BaseDir, DefaultFileName)
	}

	if filePath != "" {
		jar, err := LoadFile(filePath, opts.Domain)
		switch {
		case err != nil:
			log.WithError(err).Warnf("Could not load cookie file %s", filePath)
		case len(jar) == 0:
			log.Warnf("Cookie file %s has no cookies for %s", filePath, opts.Domain)
		default:
			log.Debugf("Loaded %d cookies for %s from %s", len(jar), opts.Domain, filePath)
			return jar
		}
	}

	if opts.Inline != "" {
		jar := ParseInline(opts.Inline)
		if len(jar) > 0 {
			return jar
		}
		log.Warn("Cookie string did not contain any name=value pairs")
	}
	return nil
}

func LoadFile(path, domain string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening cookie file: %w", err)
	}
	defer f.Close()
	return ParseNetscape(f, domain)
}

// ParseNetscape reads the 7-column tab-separated cookies.txt format. Lines
// prefixed "#HttpOnly_" are cookies; other "#" lines are comments. An empty
// domain keeps every cookie.
func ParseNetscape(r io.Reader, domain string) (map[string]string, error) {
	jar := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.HasPrefix(line, "#HttpOnly_") {
			line = strings.TrimPrefix(line, "#HttpOnly_")
		} else if strings.HasPrefix(line, "#") || strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 7 {
			continue
		}
		if domain != "" && !domainMatches(fields[0], domain) {
			continue
		}
		name := strings.TrimSpace(fields[5])
		if name == "" {
			continue
		}
		jar[name] = fields[6]
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading cookie file: %w", err)
	}
	return jar, nil
}

// domainMatches treats ".kemono.su", "kemono.su" and "www.kemono.su" as the
// same site.
func domainMatches(cookieDomain, target string) bool {
	c := strings.TrimPrefix(strings.ToLower(cookieDomain), ".")
	t := strings.TrimPrefix(strings.ToLower(target), ".")
	t = strings.TrimPrefix(t, "www.")
	c = strings.TrimPrefix(c, "www.")
	return c == t || strings.HasSuffix(t, "."+c) || strings.HasSuffix(c, "."+t)
}

func ParseInline(s string) map[string]string {
	jar := make(map[string]string)
	for _, part := range strings.Split(s, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		jar[name] = strings.TrimSpace(value)
	}
	return jar
}

// Header formats a cookie map as a Cookie request header value with a
// stable order.
func Header(jar map[string]string) string {
	if len(jar) == 0 {
		return ""
	}
	names := make([]string, 0, len(jar))
	for k := range jar {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, n+"="+jar[n])
	}
	return strings.Join(parts, "; ")
}
