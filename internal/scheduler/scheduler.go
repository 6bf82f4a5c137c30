// Package scheduler drives a download run: it fetches posts, fans them out
// to post workers, aggregates results and runs the optional retry pass.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go-kemono-download/internal/api"
	"go-kemono-download/internal/config"
	"go-kemono-download/internal/dedup"
	"go-kemono-download/internal/downloader"
	"go-kemono-download/internal/events"
	"go-kemono-download/internal/fetcher"
	"go-kemono-download/internal/filter"
	"go-kemono-download/internal/metrics"
	"go-kemono-download/internal/models"
	"go-kemono-download/internal/processor"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrCookiesRequired = errors.New("cookies are required but none were found")
	ErrAlreadyRunning  = errors.New("a run is already in progress")
)

const (
	DefaultBatchDelay = 2500 * time.Millisecond
	MaxRetryWorkers   = 10

	// Above this many post workers, submissions are spread over submitBatches.
	batchedWorkerThreshold = 30
	batchedPostThreshold   = 4
	submitBatches          = 4
)

// HistoryStore persists downloaded files and unrecovered failures.
type HistoryStore interface {
	PutEntry(e models.HistoryEntry) error
	PutFailures(runID string, failures []models.Failure) error
	Hashes() ([]string, error)
}

// Indexer makes downloaded files searchable.
type Indexer interface {
	Add(e models.HistoryEntry) error
}

type Options struct {
	Config     models.Config
	Client     *api.Client
	Sink       events.Sink
	KnownNames filter.CharacterFilter // Snapshot taken at startup
	History    HistoryStore           // Optional
	Index      Indexer                // Optional
	Metrics    *metrics.Metrics       // Optional
	Source     fetcher.Source         // Overrides the fetcher derived from the URL
	Downloader processor.FileDownloader
	Comments   processor.CommentSource
	BatchDelay time.Duration
}

// RunContext is the per-run state shared by every worker.
type RunContext struct {
	ID        string
	Config    models.Config
	Effective config.Effective
	Target    api.Target
	Gate      *PauseGate
	Registry  *dedup.Registry
	Counter   *filter.GlobalCounter
	Sink      events.Sink
}

type Scheduler struct {
	opts     Options
	runID    string
	gate     *PauseGate
	registry *dedup.Registry
	dl       processor.FileDownloader

	mu              sync.Mutex
	state           State
	cancel          context.CancelFunc
	cancelRequested bool
	fatal           bool
	tally           *tally
	totals          models.Summary // Run plus every retry pass so far
}

func New(opts Options) *Scheduler {
	if opts.Sink == nil {
		opts.Sink = events.Discard
	}
	if opts.Client == nil {
		opts.Client = api.NewClient(api.Options{})
	}
	if opts.BatchDelay <= 0 {
		opts.BatchDelay = DefaultBatchDelay
	}
	s := &Scheduler{
		opts:     opts,
		runID:    uuid.NewString(),
		gate:     NewPauseGate(),
		registry: dedup.NewRegistry(),
		tally:    &tally{},
	}
	s.dl = opts.Downloader
	if s.dl == nil {
		s.dl = downloader.NewDownloader(opts.Client, downloader.Options{
			Registry: s.registry,
			Sink:     opts.Sink,
			Gate:     s.gate,
		})
	}
	if opts.Metrics != nil {
		s.dl = instrumented{next: s.dl, m: opts.Metrics}
	}
	return s
}

func (s *Scheduler) RunID() string { return s.runID }

// Run executes one full download run. Configuration and missing-cookie
// errors return before any work starts and emit no Finished event; every
// other path emits exactly one.
func (s *Scheduler) Run(ctx context.Context) (models.Summary, error) {
	sum := models.Summary{RunID: s.runID}
	cfg := s.opts.Config
	target, err := config.Validate(cfg)
	if err != nil {
		sum.Code = models.ExitFailedSetup
		return sum, err
	}
	if cfg.UseCookies && !s.opts.Client.HasCookies() {
		sum.Code = models.ExitFailedAuth
		return sum, ErrCookiesRequired
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !s.begin(StateFetching, cancel) {
		sum.Code = models.ExitFailedSetup
		return sum, ErrAlreadyRunning
	}
	s.tally.reset()
	s.mu.Lock()
	s.totals = models.Summary{}
	s.mu.Unlock()
	defer s.setState(StateIdle)

	logger := log.WithFields(log.Fields{"run": s.runID, "service": target.Service, "creator": target.CreatorID})
	eff := config.Derive(cfg, target)
	for _, w := range eff.Warnings {
		logger.Warn(w)
		events.Logf(s.opts.Sink, "warn", w)
	}
	s.seedHistory()

	rc := &RunContext{
		ID:        s.runID,
		Config:    cfg,
		Effective: eff,
		Target:    target,
		Gate:      s.gate,
		Registry:  s.registry,
		Counter:   filter.NewGlobalCounter(),
		Sink:      s.opts.Sink,
	}
	logger.Infof("Starting run %s with %d post workers and %d file threads", s.runID, eff.PostWorkers, eff.FileThreads)

	fetchErr := s.runPosts(ctx, rc)
	t := s.tally.snapshot()
	sum = t.summary(s.runID)
	cancelled := ctx.Err() != nil

	switch {
	case fetchErr != nil && api.Classify(fetchErr) == api.ClassAuth:
		sum.Code = models.ExitFailedAuth
		err = fmt.Errorf("fetching posts: %w", fetchErr)
		events.Logf(s.opts.Sink, "error", "Access denied by the API; log in and supply cookies")
	case s.isFatal():
		sum.Cancelled = true
		sum.Code = models.ExitCancelled
		err = fmt.Errorf("run stopped: %w", downloader.ErrNoSpace)
	case cancelled:
		sum.Cancelled = true
		sum.Code = models.ExitCancelled
	default:
		sum.Code = models.ExitOK
		if fetchErr != nil {
			err = fmt.Errorf("fetching posts: %w", fetchErr)
			events.Logf(s.opts.Sink, "error", err.Error())
		}
	}

	if cfg.AutoRetry && !sum.Cancelled && len(sum.Retryable) > 0 {
		s.setState(StateRetrying)
		logger.Infof("Retrying %d failed files", len(sum.Retryable))
		r := s.retryFiles(ctx, sum.Retryable)
		sum.Downloaded += r.downloaded
		sum.Skipped += r.skipped
		sum.Retryable = r.retryable
		sum.Permanent = append(sum.Permanent, r.permanent...)
		if ctx.Err() != nil {
			sum.Cancelled = true
			sum.Code = models.ExitCancelled
		}
	}

	s.finish(sum)
	return sum, err
}

// Retry re-runs the given failed jobs once on a file-only pool. Files that
// fail again become permanent. The returned summary and the re-emitted
// Finished event carry the run's cumulative totals: counts of the earlier
// passes plus this one, every permanent failure so far, and the retryable
// failures left after this pass.
func (s *Scheduler) Retry(ctx context.Context, failures []models.Failure) (models.Summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !s.begin(StateRetrying, cancel) {
		return models.Summary{RunID: s.runID}, ErrAlreadyRunning
	}
	defer s.setState(StateIdle)

	r := s.retryFiles(ctx, failures)

	s.mu.Lock()
	sum := s.totals
	s.mu.Unlock()
	sum.RunID = s.runID
	sum.Downloaded += r.downloaded
	sum.Skipped += r.skipped
	sum.Retryable = r.retryable
	sum.Permanent = append(append([]models.Failure(nil), sum.Permanent...), r.permanent...)
	sum.Cancelled = ctx.Err() != nil
	sum.Code = models.ExitOK
	if sum.Cancelled {
		sum.Code = models.ExitCancelled
	}
	s.finish(sum)
	return sum, nil
}

func (s *Scheduler) Pause() {
	s.gate.Pause()
	log.Info("Run paused")
}

func (s *Scheduler) Resume() {
	s.gate.Resume()
	log.Info("Run resumed")
}

// Cancel stops the current run. Called before Run starts, it cancels the
// next run as soon as it begins.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	} else {
		s.cancelRequested = true
	}
	log.Info("Cancellation requested")
}

// State reports StatePausing while the gate is closed on an active run.
func (s *Scheduler) State() State {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	switch state {
	case StateFetching, StateSubmitting, StateRunning:
		if s.gate.Paused() {
			return StatePausing
		}
	}
	return state
}

func (s *Scheduler) Status() models.RunStatus {
	t := s.tally.snapshot()
	return models.RunStatus{
		RunID:          s.runID,
		State:          s.State().String(),
		Paused:         s.gate.Paused(),
		PostsTotal:     t.total,
		PostsProcessed: t.processed,
		Downloaded:     t.downloaded,
		Skipped:        t.skipped,
		Retryable:      len(t.retryable),
		Failed:         len(t.permanent),
	}
}

func (s *Scheduler) begin(state State, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return false
	}
	s.state = state
	s.cancel = cancel
	s.fatal = false
	if s.cancelRequested {
		s.cancelRequested = false
		cancel()
	}
	return true
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state == StateIdle {
		s.cancel = nil
	}
	s.state = state
}

func (s *Scheduler) stopFatal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fatal = true
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Scheduler) isFatal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

func (s *Scheduler) seedHistory() {
	if s.opts.History == nil || !s.opts.Config.HistoryDedup {
		return
	}
	hashes, err := s.opts.History.Hashes()
	if err != nil {
		log.WithError(err).Warn("Could not read download history, continuing without it")
		return
	}
	s.registry.SeedHashes(hashes)
	log.Debugf("Seeded %d hashes from history", len(hashes))
}

func (s *Scheduler) source(rc *RunContext) fetcher.Source {
	if s.opts.Source != nil {
		return s.opts.Source
	}
	return fetcher.New(s.opts.Client, rc.Target, fetcher.Options{
		StartPage: rc.Config.StartPage,
		EndPage:   rc.Config.EndPage,
		MangaMode: rc.Effective.MangaActive,
		Gate:      rc.Gate,
		Sink:      rc.Sink,
	})
}

func (s *Scheduler) processor(rc *RunContext) *processor.Processor {
	comments := s.opts.Comments
	if comments == nil {
		comments = s.opts.Client
	}
	return processor.New(processor.Options{
		Config:     rc.Config,
		Effective:  rc.Effective,
		Target:     rc.Target,
		Downloader: s.dl,
		Registry:   rc.Registry,
		Comments:   comments,
		KnownNames: s.opts.KnownNames,
		Counter:    rc.Counter,
		Sink:       rc.Sink,
		Gate:       rc.Gate,
	})
}

// runPosts fetches and processes every post. It returns the fetch error, if any.
func (s *Scheduler) runPosts(ctx context.Context, rc *RunContext) error {
	proc := s.processor(rc)
	batches := make(chan []models.Post)
	fetchDone := make(chan error, 1)
	go func() {
		defer close(batches)
		err := s.source(rc).Fetch(ctx, func(b []models.Post) error {
			s.opts.Metrics.ObservePage(nil)
			select {
			case batches <- b:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.opts.Metrics.ObservePage(err)
			if api.Classify(err) == api.ClassAuth {
				s.mu.Lock()
				if s.cancel != nil {
					s.cancel()
				}
				s.mu.Unlock()
			}
		}
		fetchDone <- err
	}()

	var pool errgroup.Group
	pool.SetLimit(rc.Effective.PostWorkers)
	submit := func(post models.Post) bool {
		if s.gate.Wait(ctx) != nil {
			return false
		}
		pool.Go(func() error {
			s.processPost(ctx, proc, post)
			return nil
		})
		return true
	}

	batched := rc.Effective.PostWorkers > batchedWorkerThreshold
	var buffered []models.Post
	for b := range batches {
		total, processed := s.tally.addTotal(len(b))
		s.opts.Sink.Emit(events.PostProgress{Total: total, Processed: processed})
		if batched {
			buffered = append(buffered, b...)
			continue
		}
		s.setState(StateSubmitting)
		for _, post := range b {
			if !submit(post) {
				break
			}
		}
	}
	fetchErr := <-fetchDone

	if batched && ctx.Err() == nil {
		s.setState(StateSubmitting)
		s.submitBatched(ctx, buffered, submit)
	}
	s.setState(StateRunning)
	_ = pool.Wait()
	s.setState(StateCompleting)

	if errors.Is(fetchErr, context.Canceled) {
		return nil
	}
	return fetchErr
}

// submitBatched spreads posts over submitBatches groups separated by the
// batch delay so a large pool does not open every connection at once.
func (s *Scheduler) submitBatched(ctx context.Context, posts []models.Post, submit func(models.Post) bool) {
	groups := [][]models.Post{posts}
	if len(posts) > batchedPostThreshold {
		groups = splitBatches(posts, submitBatches)
	}
	for i, g := range groups {
		if i > 0 {
			log.Debugf("Waiting %s before submitting batch %d/%d", s.opts.BatchDelay, i+1, len(groups))
			if !sleep(ctx, s.opts.BatchDelay) {
				return
			}
		}
		for _, post := range g {
			if !submit(post) {
				return
			}
		}
	}
}

func (s *Scheduler) processPost(ctx context.Context, proc *processor.Processor, post models.Post) {
	if ctx.Err() != nil {
		return
	}
	if m := s.opts.Metrics; m != nil {
		m.ActiveWorkers.Inc()
		defer m.ActiveWorkers.Dec()
	}
	res := proc.Process(ctx, post)
	s.record(res.History)
	total, processed := s.tally.addPost(res)
	if m := s.opts.Metrics; m != nil {
		m.PostsProcessed.Inc()
	}
	s.opts.Sink.Emit(events.PostProgress{Total: total, Processed: processed})
	if res.Fatal {
		log.WithField("post", post.ID).Error("Stopping run: out of disk space")
		events.Logf(s.opts.Sink, "error", "Out of disk space, stopping the run")
		s.stopFatal()
	}
}

// record persists successful downloads to history and the search index.
func (s *Scheduler) record(entries []models.HistoryEntry) {
	for _, e := range entries {
		if s.opts.History != nil && s.opts.Config.SaveHistory {
			if err := s.opts.History.PutEntry(e); err != nil {
				log.WithError(err).WithField("file", e.Filename).Warn("Failed to record history")
			}
		}
		if s.opts.Index != nil {
			if err := s.opts.Index.Add(e); err != nil {
				log.WithError(err).WithField("file", e.Filename).Warn("Failed to index file")
			}
		}
	}
}

type retryResult struct {
	downloaded int
	skipped    int
	retryable  []models.Failure // Not attempted because the retry was cancelled
	permanent  []models.Failure
}

// retryFiles runs each job once more on a pool of at most
// min(file threads, MaxRetryWorkers, len(failures)) workers.
func (s *Scheduler) retryFiles(ctx context.Context, failures []models.Failure) retryResult {
	var r retryResult
	if len(failures) == 0 {
		return r
	}
	workers := min(max(s.opts.Config.FileThreads, 1), MaxRetryWorkers, len(failures))

	var (
		mu   sync.Mutex
		pool errgroup.Group
	)
	pool.SetLimit(workers)
	for i, f := range failures {
		if s.gate.Wait(ctx) != nil {
			mu.Lock()
			r.retryable = append(r.retryable, failures[i:]...)
			mu.Unlock()
			break
		}
		pool.Go(func() error {
			res := s.dl.Download(ctx, f.Job)
			f.Attempts++
			mu.Lock()
			defer mu.Unlock()
			switch {
			case res.Status == models.StatusSuccess:
				r.downloaded++
				entry := processor.HistoryEntry(res)
				s.record([]models.HistoryEntry{entry})
				s.opts.Sink.Emit(events.FileSucceeded{Entry: entry})
			case res.Status == models.StatusSkipped:
				r.skipped++
			case res.Cancelled:
				r.retryable = append(r.retryable, f)
			default:
				f.Reason = res.Reason
				r.permanent = append(r.permanent, f)
				s.opts.Sink.Emit(events.FileFailedPermanent{Failure: f})
			}
			return nil
		})
	}
	_ = pool.Wait()
	return r
}

// finish records sum as the run's totals, exports leftovers and emits the
// Finished event.
func (s *Scheduler) finish(sum models.Summary) {
	s.setState(StateCompleting)
	s.mu.Lock()
	s.totals = sum
	s.mu.Unlock()
	s.export(sum)
	if d, ok := s.opts.Sink.(interface{ Dropped() int }); ok && s.opts.Metrics != nil {
		s.opts.Metrics.DroppedEvents.Set(float64(d.Dropped()))
	}
	log.WithField("run", s.runID).Infof("Finished: %d downloaded, %d skipped, %d retryable, %d failed, cancelled=%t",
		sum.Downloaded, sum.Skipped, len(sum.Retryable), len(sum.Permanent), sum.Cancelled)
	s.opts.Sink.Emit(events.Finished{
		Downloaded:        sum.Downloaded,
		Skipped:           sum.Skipped,
		Cancelled:         sum.Cancelled,
		KeptOriginalNames: sum.KeptOriginalNames,
	})
}

func (s *Scheduler) export(sum models.Summary) {
	dir := s.opts.Config.SavePath
	if dir == "" {
		return
	}
	if len(sum.Retryable) > 0 {
		path := SessionPath(dir, s.runID)
		sess := Session{RunID: s.runID, URL: s.opts.Config.URL, Created: time.Now().UTC(), Failures: sum.Retryable}
		if err := WriteSession(path, sess); err != nil {
			log.WithError(err).Warn("Could not save retry session")
		} else {
			events.Logf(s.opts.Sink, "info", fmt.Sprintf("%d files can be retried with: retry --session %s", len(sum.Retryable), path))
		}
	}
	if len(sum.Permanent) > 0 {
		path := FailedListPath(dir, s.runID)
		if err := WriteFailedList(path, sum.Permanent); err != nil {
			log.WithError(err).Warn("Could not write failed file list")
		} else {
			events.Logf(s.opts.Sink, "warn", fmt.Sprintf("%d files failed permanently, listed in %s", len(sum.Permanent), path))
		}
		if s.opts.History != nil && s.opts.Config.SaveHistory {
			if err := s.opts.History.PutFailures(s.runID, sum.Permanent); err != nil {
				log.WithError(err).Warn("Could not record failures in history")
			}
		}
	}
}

// splitBatches cuts posts into n nearly equal consecutive groups, larger first.
func splitBatches(posts []models.Post, n int) [][]models.Post {
	if n < 1 || len(posts) == 0 {
		return nil
	}
	if n > len(posts) {
		n = len(posts)
	}
	size, extra := len(posts)/n, len(posts)%n
	out := make([][]models.Post, 0, n)
	start := 0
	for i := 0; i < n; i++ {
		end := start + size
		if i < extra {
			end++
		}
		out = append(out, posts[start:end])
		start = end
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
