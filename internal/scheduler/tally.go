package scheduler

import (
	"sync"

	"go-kemono-download/internal/models"
)

type counts struct {
	total      int
	processed  int
	downloaded int
	skipped    int
	kept       []string
	retryable  []models.Failure
	permanent  []models.Failure
}

func (c counts) summary(runID string) models.Summary {
	return models.Summary{
		RunID:             runID,
		Downloaded:        c.downloaded,
		Skipped:           c.skipped,
		KeptOriginalNames: c.kept,
		Retryable:         c.retryable,
		Permanent:         c.permanent,
	}
}

// tally aggregates post results across workers.
type tally struct {
	mu sync.Mutex
	c  counts
}

func (t *tally) reset() {
	t.mu.Lock()
	t.c = counts{}
	t.mu.Unlock()
}

func (t *tally) addTotal(n int) (total, processed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.c.total += n
	return t.c.total, t.c.processed
}

func (t *tally) addPost(r models.PostResult) (total, processed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.c.processed++
	t.c.downloaded += r.Downloaded
	t.c.skipped += r.Skipped
	t.c.kept = append(t.c.kept, r.KeptOriginalNames...)
	t.c.retryable = append(t.c.retryable, r.Retryable...)
	t.c.permanent = append(t.c.permanent, r.Permanent...)
	return t.c.total, t.c.processed
}

func (t *tally) snapshot() counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.c
	c.kept = append([]string(nil), t.c.kept...)
	c.retryable = append([]models.Failure(nil), t.c.retryable...)
	c.permanent = append([]models.Failure(nil), t.c.permanent...)
	return c
}
