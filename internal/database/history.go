package database

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go-kemono-download/internal/models"

	log "github.com/sirupsen/logrus"
)

// Key prefixes
const (
	filePrefix    = "f_"
	failurePrefix = "fail_"
)

// FileKey is the history key of a file with the given MD5.
func FileKey(md5 string) string {
	return filePrefix + strings.ToLower(md5)
}

func failureKey(runID string, n int) string {
	return fmt.Sprintf("%s%s_%d", failurePrefix, runID, n)
}

// PutEntry records a downloaded file.
func (d *DB) PutEntry(e models.HistoryEntry) error {
	if e.MD5 == "" {
		return fmt.Errorf("cannot store history entry for %s: empty md5", e.Filename)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("error marshalling history entry for %s: %w", e.Filename, err)
	}
	return d.Put([]byte(FileKey(e.MD5)), data)
}

// Entry returns the history entry for md5, or ErrNotFound.
func (d *DB) Entry(md5 string) (models.HistoryEntry, error) {
	var e models.HistoryEntry
	data, err := d.Get([]byte(FileKey(md5)))
	if err != nil {
		return e, err
	}
	if err := json.Unmarshal(data, &e); err != nil {
		return e, fmt.Errorf("error unmarshalling history entry %s: %w", md5, err)
	}
	return e, nil
}

// Entries returns every recorded file, oldest first.
func (d *DB) Entries() ([]models.HistoryEntry, error) {
	var out []models.HistoryEntry
	err := d.Scan(filePrefix, func(key, value []byte) error {
		var e models.HistoryEntry
		if err := json.Unmarshal(value, &e); err != nil {
			log.WithError(err).Warnf("Skipping unreadable history entry %s", string(key))
			return nil
		}
		out = append(out, e)
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, err
}

// Hashes returns the MD5 of every recorded file.
func (d *DB) Hashes() ([]string, error) {
	var out []string
	err := d.Scan(filePrefix, func(key, _ []byte) error {
		out = append(out, strings.TrimPrefix(string(key), filePrefix))
		return nil
	})
	return out, err
}

// Search returns entries whose title, filename, folder or post ID contain
// text, case-insensitively.
func (d *DB) Search(text string) ([]models.HistoryEntry, error) {
	all, err := d.Entries()
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(text)
	var out []models.HistoryEntry
	for _, e := range all {
		hay := strings.ToLower(strings.Join([]string{e.PostTitle, e.Filename, e.Folder, e.PostID, e.CreatorID}, "\x00"))
		if strings.Contains(hay, needle) {
			out = append(out, e)
		}
	}
	return out, nil
}

// PutFailures records the unrecovered failures of a run.
func (d *DB) PutFailures(runID string, failures []models.Failure) error {
	for i, f := range failures {
		data, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("error marshalling failure %d of run %s: %w", i, runID, err)
		}
		if err := d.Put([]byte(failureKey(runID, i)), data); err != nil {
			return err
		}
	}
	return nil
}

// Failures returns the failures recorded for runID.
func (d *DB) Failures(runID string) ([]models.Failure, error) {
	var out []models.Failure
	err := d.Scan(failurePrefix+runID+"_", func(key, value []byte) error {
		var f models.Failure
		if err := json.Unmarshal(value, &f); err != nil {
			log.WithError(err).Warnf("Skipping unreadable failure %s", string(key))
			return nil
		}
		out = append(out, f)
		return nil
	})
	return out, err
}
