package processor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go-kemono-download/internal/api"
	"go-kemono-download/internal/config"
	"go-kemono-download/internal/content"
	"go-kemono-download/internal/dedup"
	"go-kemono-download/internal/events"
	"go-kemono-download/internal/filter"
	"go-kemono-download/internal/models"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// FileDownloader is the single-file download step.
type FileDownloader interface {
	Download(ctx context.Context, job models.DownloadJob) models.FileResult
}

// CommentSource looks up post comments for the character filter's comments scope.
type CommentSource interface {
	Comments(ctx context.Context, t api.Target, postID string) ([]api.Comment, error)
}

type Gate interface {
	Wait(ctx context.Context) error
}

type Options struct {
	Config     models.Config
	Effective  config.Effective
	Target     api.Target
	Downloader FileDownloader
	Registry   *dedup.Registry // Consulted for original_name collisions
	Comments   CommentSource
	KnownNames filter.CharacterFilter // Snapshot taken at run start
	Counter    *filter.GlobalCounter
	Sink       events.Sink
	Gate       Gate
}

// Processor turns one post into file downloads. It is shared by every post
// worker of a run and holds no per-post state.
type Processor struct {
	opts Options
}

func New(opts Options) *Processor {
	if opts.Sink == nil {
		opts.Sink = events.Discard
	}
	if opts.Counter == nil {
		opts.Counter = filter.NewGlobalCounter()
	}
	if opts.Registry == nil {
		opts.Registry = dedup.NewRegistry()
	}
	if opts.Effective.FileThreads < 1 {
		opts.Effective.FileThreads = 1
	}
	return &Processor{opts: opts}
}

// candidate is a file that survived the per-file filters, with its folder.
type candidate struct {
	ref       models.FileRef
	relFolder string
}

// Process runs every gate and download for post. File-level errors never
// escape: they are reported in the result.
func (p *Processor) Process(ctx context.Context, post models.Post) models.PostResult {
	res := models.PostResult{PostID: post.ID}
	cfg := p.opts.Config
	logger := log.WithFields(log.Fields{"post": post.ID, "service": post.Service})

	if ctx.Err() != nil {
		res.Cancelled = true
		return res
	}

	if len(cfg.SkipWords) > 0 && filter.SkipWordsApplyToPosts(cfg.SkipWordsScope) {
		if w, hit := filter.SkipWordHit(post.Title, cfg.SkipWords); hit {
			logger.Infof("Skipping post %q: title contains skip word %q", post.Title, w)
			events.Logf(p.opts.Sink, "info", fmt.Sprintf("Skipped post %q (skip word %q)", post.Title, w))
			res.Skipped = post.TotalFiles()
			return res
		}
	}

	titleEntry, titleMatched, ok := p.characterGate(ctx, post)
	if !ok {
		res.Skipped = post.TotalFiles()
		return res
	}

	p.reportLinks(post)
	if strings.EqualFold(cfg.FileFilter, filter.TypeLinks) {
		return res
	}

	refs := p.enumerate(post)
	var cands []candidate
	for _, ref := range refs {
		name := filter.DefaultFilename(ref)
		if !filter.AdmitsType(cfg.FileFilter, ref.Ext()) {
			continue
		}
		if filter.SkipArchive(cfg, ref.Ext()) {
			logger.Debugf("Skipping archive %s", name)
			res.Skipped++
			continue
		}
		if len(cfg.SkipWords) > 0 && filter.SkipWordsApplyToFiles(cfg.SkipWordsScope) {
			if w, hit := filter.SkipWordHit(name, cfg.SkipWords); hit {
				logger.Debugf("Skipping %s: contains skip word %q", name, w)
				res.Skipped++
				continue
			}
		}
		entry, matched := titleEntry, titleMatched
		if p.filesScope() && !titleMatched {
			entry, matched = p.opts.Effective.CharacterFilter.Match(name)
			if !matched {
				logger.Debugf("Skipping %s: no character match", name)
				res.Skipped++
				continue
			}
		}
		cands = append(cands, candidate{ref: ref, relFolder: p.folder(post, entry, matched)})
	}

	p.download(ctx, post, cands, &res)
	return res
}

func (p *Processor) filesScope() bool {
	if len(p.opts.Effective.CharacterFilter) == 0 {
		return false
	}
	s := p.opts.Config.CharFilterScope
	return s == filter.ScopeFiles || s == filter.ScopeBoth
}

// characterGate applies the title and comments scopes. It returns the entry
// matched on the post level, and ok=false when the post must be skipped.
func (p *Processor) characterGate(ctx context.Context, post models.Post) (filter.CharacterEntry, bool, bool) {
	cf := p.opts.Effective.CharacterFilter
	if len(cf) == 0 {
		return filter.CharacterEntry{}, false, true
	}
	scope := p.opts.Config.CharFilterScope
	if scope == "" {
		scope = filter.ScopeTitle
	}
	if e, ok := cf.Match(post.Title); ok {
		return e, true, true
	}
	switch scope {
	case filter.ScopeFiles, filter.ScopeBoth:
		// Decided per file.
		return filter.CharacterEntry{}, false, true
	case filter.ScopeComments:
		if e, ok := p.matchComments(ctx, post); ok {
			return e, true, true
		}
		p.miss(post, "no character match in title or comments")
		return filter.CharacterEntry{}, false, false
	}
	p.miss(post, "no character match in title")
	return filter.CharacterEntry{}, false, false
}

func (p *Processor) matchComments(ctx context.Context, post models.Post) (filter.CharacterEntry, bool) {
	if p.opts.Comments == nil || p.opts.Target.Site != api.SiteKemono {
		return filter.CharacterEntry{}, false
	}
	comments, err := p.opts.Comments.Comments(ctx, p.opts.Target, post.ID)
	if err != nil {
		log.WithError(err).WithField("post", post.ID).Warn("Could not fetch comments")
		return filter.CharacterEntry{}, false
	}
	for _, c := range comments {
		if e, ok := p.opts.Effective.CharacterFilter.Match(content.Text(c.Content)); ok {
			return e, true
		}
	}
	return filter.CharacterEntry{}, false
}

func (p *Processor) miss(post models.Post, reason string) {
	log.WithField("post", post.ID).Debugf("Skipping post %q: %s", post.Title, reason)
	p.opts.Sink.Emit(events.MissedCharacter{PostTitle: post.Title, Reason: reason})
}

func (p *Processor) reportLinks(post models.Post) {
	cfg := p.opts.Config
	if !cfg.ShowExternalLinks && !strings.EqualFold(cfg.FileFilter, filter.TypeLinks) {
		return
	}
	for _, l := range content.ExternalLinks(post.Content) {
		p.opts.Sink.Emit(events.ExternalLink{PostTitle: post.Title, LinkText: l.Text, URL: l.URL, Platform: l.Platform, Key: l.Key})
	}
}

// enumerate lists the post's files: the main file, then attachments, then
// inline content images. Entries are unique by URL.
func (p *Processor) enumerate(post models.Post) []models.FileRef {
	base := p.opts.Target.BaseURL()
	if p.opts.Target.Site != api.SiteKemono {
		base = ""
	}
	seen := make(map[string]struct{})
	var refs []models.FileRef
	add := func(ref models.FileRef) {
		if _, dup := seen[ref.URL]; dup || ref.URL == "" {
			return
		}
		seen[ref.URL] = struct{}{}
		ref.Index = len(refs)
		refs = append(refs, ref)
	}

	atts := make([]models.Attachment, 0, len(post.Attachments)+1)
	if post.File != nil && post.File.Path != "" {
		atts = append(atts, *post.File)
	}
	atts = append(atts, post.Attachments...)

	for _, a := range atts {
		name := a.Name
		if name == "" {
			name = filepath.Base(a.Path)
		}
		if p.opts.Config.ThumbnailsOnly {
			if !filter.IsImage((models.FileRef{APIFilename: name, URL: a.Path}).Ext()) || base == "" {
				continue
			}
			add(models.FileRef{URL: api.ThumbnailURL(base, a.Path), APIFilename: name, Source: models.SourceThumbnail})
			continue
		}
		add(models.FileRef{URL: api.FileURL(base, a.Path), APIFilename: name, Source: models.SourceAttachment})
	}

	if p.opts.Config.ScanContentImages && !p.opts.Config.ThumbnailsOnly && post.Content != "" {
		pageURL := base
		if p.opts.Target.Site == api.SiteKemono {
			pageURL = p.opts.Target.PostURL(post.ID)
		}
		for _, u := range content.ImageURLs(post.Content, pageURL) {
			add(models.FileRef{URL: u, APIFilename: filepath.Base(strings.SplitN(u, "?", 2)[0]), Source: models.SourceInline})
		}
	}
	return refs
}

// folder computes the folder of a file relative to SavePath.
func (p *Processor) folder(post models.Post, entry filter.CharacterEntry, matched bool) string {
	cfg := p.opts.Config
	var segs []string
	if n := filter.CleanName(cfg.ArtistFolder); n != "" {
		segs = append(segs, n)
	}

	custom := filter.CleanName(cfg.CustomFolderName)
	switch {
	case p.opts.Target.IsSinglePost() && custom != "":
		segs = append(segs, custom)
	case cfg.SeparateFolders:
		segs = append(segs, p.nameFolder(post, entry, matched))
	}
	if cfg.SubfolderPerPost {
		segs = append(segs, filter.PostFolderName(post))
	}
	if len(segs) == 0 {
		return ""
	}
	return filepath.Join(segs...)
}

// nameFolder is the character or title folder: the filter match, then the
// longest known name in the title, then a folder derived from the title.
func (p *Processor) nameFolder(post models.Post, entry filter.CharacterEntry, matched bool) string {
	if matched {
		if n := filter.CleanName(entry.Name); n != "" {
			return n
		}
	}
	if e, ok := p.opts.KnownNames.MatchLongest(post.Title); ok {
		if n := filter.CleanName(e.Name); n != "" {
			return n
		}
	}
	return filter.TitleFolder(post, p.opts.Target.IsCreatorFeed())
}

// download names and dispatches cands on a pool of FileThreads workers.
// Names are assigned here, in file order, so the manga counter follows the
// dispatch order.
func (p *Processor) download(ctx context.Context, post models.Post, cands []candidate, res *models.PostResult) {
	var (
		g       errgroup.Group
		mu      sync.Mutex
		results = make([]models.FileResult, 0, len(cands))
	)
	g.SetLimit(p.opts.Effective.FileThreads)

	assigned := make(map[string]struct{})
	for i, c := range cands {
		if p.wait(ctx) != nil {
			res.Cancelled = true
			break
		}
		job := p.job(post, c, i, assigned)
		g.Go(func() error {
			r := p.opts.Downloader.Download(ctx, job)
			p.report(r)
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		p.aggregate(r, res)
	}
}

func (p *Processor) wait(ctx context.Context) error {
	if p.opts.Gate != nil {
		if err := p.opts.Gate.Wait(ctx); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (p *Processor) job(post models.Post, c candidate, ordinal int, assigned map[string]struct{}) models.DownloadJob {
	cfg := p.opts.Config
	eff := p.opts.Effective
	job := models.DownloadJob{
		File:         c.ref,
		RelFolder:    c.relFolder,
		TargetFolder: filepath.Join(cfg.SavePath, c.relFolder),
		Service:      post.Service,
		CreatorID:    post.CreatorID,
		PostID:       post.ID,
		PostTitle:    post.Title,
		Published:    post.Date(),
		Multipart:    eff.Multipart,
	}
	if base := p.opts.Target.BaseURL(); p.opts.Target.Site == api.SiteKemono {
		job.Headers = map[string]string{"Referer": base + "/"}
	}

	name := filter.DefaultFilename(c.ref)
	if eff.MangaActive && c.ref.Source != models.SourceInline {
		taken := func(n string) bool {
			if _, ok := assigned[strings.ToLower(n)]; ok {
				return true
			}
			return p.opts.Registry.IsTaken(dedup.Key(c.relFolder, n))
		}
		var global int
		name, global = filter.MangaFilename(filter.NameRequest{
			Style:   eff.MangaStyle,
			Prefix:  cfg.MangaPrefix,
			Post:    post,
			File:    c.ref,
			Ordinal: ordinal,
		}, p.opts.Counter, taken)
		job.GlobalNumber = global
	}
	assigned[strings.ToLower(name)] = struct{}{}
	job.TargetFilename = name
	return job
}

func (p *Processor) report(r models.FileResult) {
	switch r.Status {
	case models.StatusSuccess:
		p.opts.Sink.Emit(events.FileSucceeded{Entry: HistoryEntry(r)})
	case models.StatusFailedRetryable:
		p.opts.Sink.Emit(events.FileFailedRetryable{Failure: failure(r)})
	case models.StatusFailed:
		if !r.Cancelled {
			p.opts.Sink.Emit(events.FileFailedPermanent{Failure: failure(r)})
		}
	}
}

func (p *Processor) aggregate(r models.FileResult, res *models.PostResult) {
	switch r.Status {
	case models.StatusSuccess:
		res.Downloaded++
		res.History = append(res.History, HistoryEntry(r))
		if p.opts.Effective.MangaActive && r.Job.File.Source == models.SourceInline {
			res.KeptOriginalNames = append(res.KeptOriginalNames, r.Job.TargetFilename)
		}
	case models.StatusSkipped:
		res.Skipped++
	case models.StatusFailedRetryable:
		res.Retryable = append(res.Retryable, failure(r))
	case models.StatusFailed:
		if r.Cancelled {
			res.Cancelled = true
			break
		}
		res.Permanent = append(res.Permanent, failure(r))
	}
	if r.Fatal {
		res.Fatal = true
	}
}

func failure(r models.FileResult) models.Failure {
	return models.Failure{Job: r.Job, Reason: r.Reason, Attempts: 1}
}

// HistoryEntry builds the record kept for a successful download.
func HistoryEntry(r models.FileResult) models.HistoryEntry {
	return models.HistoryEntry{
		Service:     r.Job.Service,
		CreatorID:   r.Job.CreatorID,
		PostID:      r.Job.PostID,
		PostTitle:   r.Job.PostTitle,
		URL:         r.Job.File.URL,
		Folder:      filepath.ToSlash(r.Job.RelFolder),
		Filename:    r.Job.TargetFilename,
		APIFilename: r.Job.File.APIFilename,
		MD5:         r.MD5,
		BLAKE3:      r.BLAKE3,
		Size:        r.Bytes,
		Published:   r.Job.Published,
		Timestamp:   time.Now().Unix(),
		Status:      models.StatusDownloaded,
	}
}
