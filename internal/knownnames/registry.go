// Package knownnames holds the user-curated Known.txt folder labels.
package knownnames

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go-kemono-download/internal/filter"

	log "github.com/sirupsen/logrus"
)

// Registry is loaded once and mutated only through Add, which persists.
type Registry struct {
	path    string
	mu      sync.RWMutex
	entries filter.CharacterFilter
}

// Load reads path. A missing file yields an empty registry that will be
// created on the first Add. Unparseable lines are logged and skipped.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path}
	if path == "" {
		return r, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Debugf("Known names file %s not found, starting empty", path)
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open known names file %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parsed, err := filter.ParseCharacterFilter(line)
		if err != nil {
			log.WithError(err).Warnf("Skipping %s line %d", path, lineNo)
			continue
		}
		for _, e := range parsed {
			r.addLocked(e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read known names file %s: %w", path, err)
	}
	log.Debugf("Loaded %d known names from %s", len(r.entries), path)
	return r, nil
}

// Snapshot returns a copy of the current entries.
func (r *Registry) Snapshot() filter.CharacterFilter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(filter.CharacterFilter, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Add stores e and rewrites the file. A group without the tilde marker is
// stored as one literal line per alias. It returns how many lines were new.
func (r *Registry) Add(e filter.CharacterEntry) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []filter.CharacterEntry
	if e.Kind == filter.KindGroup && !e.Tilde {
		for _, a := range e.Aliases {
			candidates = append(candidates, filter.CharacterEntry{Name: a, Kind: filter.KindLiteral, Aliases: []string{a}})
		}
	} else {
		candidates = append(candidates, e)
	}

	added := 0
	for _, c := range candidates {
		if r.addLocked(c) {
			added++
		}
	}
	if added == 0 {
		return 0, nil
	}
	return added, r.saveLocked()
}

func (r *Registry) addLocked(e filter.CharacterEntry) bool {
	for _, existing := range r.entries {
		if strings.EqualFold(existing.Name, e.Name) {
			return false
		}
	}
	r.entries = append(r.entries, e)
	return true
}

func (r *Registry) saveLocked() error {
	if r.path == "" {
		return nil
	}
	if dir := filepath.Dir(r.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", r.path, err)
		}
	}
	var b strings.Builder
	for _, e := range r.entries {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("failed to write known names file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("failed to replace known names file %s: %w", r.path, err)
	}
	return nil
}
