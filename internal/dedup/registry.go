package dedup

import (
	"path"
	"strings"
	"sync"
)

// Registry holds the per-run sets of saved filenames and content hashes.
// One mutex guards all sets and is never held across I/O.
//
// Filenames are keyed by their lowercased folder-relative path so that two
// posts saving "01.jpg" into different folders do not collide, while two
// jobs targeting the same path do.
type Registry struct {
	mu        sync.Mutex
	filenames map[string]struct{}
	inflight  map[string]struct{}
	hashes    map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		filenames: make(map[string]struct{}),
		inflight:  make(map[string]struct{}),
		hashes:    make(map[string]struct{}),
	}
}

// Key builds the registry key for a file in a folder relative to the
// download root.
func Key(relFolder, filename string) string {
	return strings.ToLower(path.Join(filepathToSlash(relFolder), filename))
}

func filepathToSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

// ReserveFilename claims key for a download in progress. It returns false
// when the name was already saved this run or is being written by another
// worker.
func (r *Registry) ReserveFilename(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.filenames[key]; ok {
		return false
	}
	if _, ok := r.inflight[key]; ok {
		return false
	}
	r.inflight[key] = struct{}{}
	return true
}

// CommitFilename records key as saved.
func (r *Registry) CommitFilename(key string) {
	r.mu.Lock()
	delete(r.inflight, key)
	r.filenames[key] = struct{}{}
	r.mu.Unlock()
}

// ReleaseFilename drops a reservation whose download did not produce a file.
func (r *Registry) ReleaseFilename(key string) {
	r.mu.Lock()
	delete(r.inflight, key)
	r.mu.Unlock()
}

func (r *Registry) IsTaken(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, saved := r.filenames[key]
	_, busy := r.inflight[key]
	return saved || busy
}

// CheckAndRecordHash atomically tests and inserts md5. isDuplicate is true
// when the hash was already present; recorded is true when this call added it.
func (r *Registry) CheckAndRecordHash(md5 string) (isDuplicate, recorded bool) {
	md5 = strings.ToLower(md5)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hashes[md5]; ok {
		return true, false
	}
	r.hashes[md5] = struct{}{}
	return false, true
}

// ForgetHash undoes a CheckAndRecordHash whose file could not be finalised.
func (r *Registry) ForgetHash(md5 string) {
	r.mu.Lock()
	delete(r.hashes, strings.ToLower(md5))
	r.mu.Unlock()
}

// SeedHashes preloads hashes known from earlier runs.
func (r *Registry) SeedHashes(hashes []string) {
	r.mu.Lock()
	for _, h := range hashes {
		if h != "" {
			r.hashes[strings.ToLower(h)] = struct{}{}
		}
	}
	r.mu.Unlock()
}

// Reset clears every set.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.filenames = make(map[string]struct{})
	r.inflight = make(map[string]struct{})
	r.hashes = make(map[string]struct{})
	r.mu.Unlock()
}

// Counts returns the number of saved filenames and recorded hashes.
func (r *Registry) Counts() (filenames, hashes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.filenames), len(r.hashes)
}
