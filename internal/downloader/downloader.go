package downloader

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"go-kemono-download/internal/api"
	"go-kemono-download/internal/dedup"
	"go-kemono-download/internal/events"
	"go-kemono-download/internal/helpers"
	"go-kemono-download/internal/models"

	log "github.com/sirupsen/logrus"
	"lukechampine.com/blake3"
)

// Custom Downloader Errors
var (
	ErrHttpStatus       = errors.New("unexpected HTTP status code")
	ErrFileSystem       = errors.New("filesystem error") // Covers create, write, remove, rename
	ErrNoSpace          = errors.New("no space left on device")
	ErrCancelled        = errors.New("download cancelled")
	ErrIncomplete       = errors.New("incomplete download")
	ErrRangeUnsupported = errors.New("server did not honour range request")
)

const (
	PartSuffix              = ".part"
	DefaultChunkSize        = 256 << 10
	DefaultProgressInterval = 250 * time.Millisecond
	DefaultChunkRetries     = 1
	DefaultChunkBackoff     = 2 * time.Second
	maxChunkBackoff         = 30 * time.Second
)

// Skip reasons
const (
	ReasonDuplicateName = "duplicate name"
	ReasonExists        = "already on disk"
	ReasonDuplicateHash = "hash duplicate"
)

// Gate blocks while the run is paused.
type Gate interface {
	Wait(ctx context.Context) error
}

type Options struct {
	Registry         *dedup.Registry
	Sink             events.Sink
	Gate             Gate
	ChunkSize        int
	ProgressInterval time.Duration
	ChunkRetries     int           // Retries per multi-part range; negative disables
	ChunkBackoff     time.Duration // Base of the 2^attempt range retry backoff
}

// Downloader fetches single files into their final location via a .part
// sibling, recording names and hashes in the run's registry.
type Downloader struct {
	client           *api.Client
	registry         *dedup.Registry
	sink             events.Sink
	gate             Gate
	chunkSize        int
	progressInterval time.Duration
	chunkRetries     int
	chunkBackoff     time.Duration
}

func NewDownloader(client *api.Client, opts Options) *Downloader {
	d := &Downloader{
		client:           client,
		registry:         opts.Registry,
		sink:             opts.Sink,
		gate:             opts.Gate,
		chunkSize:        opts.ChunkSize,
		progressInterval: opts.ProgressInterval,
		chunkRetries:     opts.ChunkRetries,
		chunkBackoff:     opts.ChunkBackoff,
	}
	if d.registry == nil {
		d.registry = dedup.NewRegistry()
	}
	if d.sink == nil {
		d.sink = events.Discard
	}
	if d.chunkSize <= 0 {
		d.chunkSize = DefaultChunkSize
	}
	if d.progressInterval <= 0 {
		d.progressInterval = DefaultProgressInterval
	}
	if d.chunkRetries < 0 {
		d.chunkRetries = 0
	} else if opts.ChunkRetries == 0 {
		d.chunkRetries = DefaultChunkRetries
	}
	if d.chunkBackoff <= 0 {
		d.chunkBackoff = DefaultChunkBackoff
	}
	return d
}

func (d *Downloader) Registry() *dedup.Registry { return d.registry }

// Download runs one job to completion. It never returns an error: the
// outcome, including failures, is described by the result.
func (d *Downloader) Download(ctx context.Context, job models.DownloadJob) models.FileResult {
	res := models.FileResult{Job: job}
	finalPath := filepath.Join(job.TargetFolder, job.TargetFilename)
	res.Path = finalPath
	logger := log.WithFields(log.Fields{"file": job.TargetFilename, "post": job.PostID})

	key := dedup.Key(job.RelFolder, job.TargetFilename)
	if !d.registry.ReserveFilename(key) {
		logger.Debug("Skipping, name already taken in this run")
		return skipped(res, ReasonDuplicateName)
	}
	committed := false
	defer func() {
		if !committed {
			d.registry.ReleaseFilename(key)
		}
	}()

	if info, err := os.Stat(finalPath); err == nil && info.Size() > 0 {
		d.registry.CommitFilename(key)
		committed = true
		logger.Debug("Skipping, file already on disk")
		res.Bytes = info.Size()
		return skipped(res, ReasonExists)
	}

	if ctx.Err() != nil {
		return cancelled(res)
	}
	if !helpers.CheckAndMakeDir(job.TargetFolder) {
		return failed(res, fmt.Errorf("%w: creating %s", ErrFileSystem, job.TargetFolder))
	}
	if err := d.wait(ctx); err != nil {
		return cancelled(res)
	}

	resp, err := d.client.Get(ctx, job.File.URL, job.Headers, true)
	if err != nil {
		return d.fromError(ctx, res, err)
	}

	size := resp.ContentLength
	var sums checksum
	if d.useMultipart(job, size, resp.Header.Get("Accept-Ranges")) {
		resp.Body.Close()
		logger.Debugf("Downloading %s in %d parts", helpers.BytesToSize(uint64(size)), job.Multipart.Parts)
		sums, err = d.downloadMultipart(ctx, job, finalPath, size)
	} else {
		sums, err = d.downloadStream(ctx, job, finalPath, size, resp.Body)
		resp.Body.Close()
	}
	if err != nil {
		return d.fromError(ctx, res, err)
	}

	res.Bytes = sums.bytes
	res.MD5 = sums.md5
	res.BLAKE3 = sums.blake3

	// Hash dedup happens before the rename so a duplicate never reaches its final name.
	partPath := finalPath + PartSuffix
	if dup, _ := d.registry.CheckAndRecordHash(sums.md5); dup {
		removePart(partPath)
		logger.Debugf("Skipping, content identical to an earlier file (md5 %s)", sums.md5)
		return skipped(res, ReasonDuplicateHash)
	}
	if err := os.Rename(partPath, finalPath); err != nil {
		d.registry.ForgetHash(sums.md5)
		removePart(partPath)
		return failed(res, fmt.Errorf("%w: renaming %s: %v", ErrFileSystem, partPath, err))
	}
	d.registry.CommitFilename(key)
	committed = true

	res.Status = models.StatusSuccess
	logger.Infof("Saved %s (%s)", finalPath, helpers.BytesToSize(uint64(sums.bytes)))
	return res
}

func (d *Downloader) wait(ctx context.Context) error {
	if d.gate != nil {
		if err := d.gate.Wait(ctx); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (d *Downloader) useMultipart(job models.DownloadJob, size int64, acceptRanges string) bool {
	p := job.Multipart
	if !p.Enabled || p.Parts < 2 || size <= 0 || size < p.MinSize {
		return false
	}
	if !strings.EqualFold(strings.TrimSpace(acceptRanges), "bytes") {
		return false
	}
	return slices.Contains(p.Extensions, job.File.Ext())
}

// checksum is what a completed .part file hashed to.
type checksum struct {
	bytes  int64
	md5    string
	blake3 string
}

// downloadStream copies body into finalPath.part in fixed chunks, hashing as
// it writes. size is -1 when the server sent no length.
func (d *Downloader) downloadStream(ctx context.Context, job models.DownloadJob, finalPath string, size int64, body io.Reader) (checksum, error) {
	partPath := finalPath + PartSuffix
	f, err := os.OpenFile(partPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return checksum{}, fmt.Errorf("%w: creating %s: %v", ErrFileSystem, partPath, err)
	}
	ok := false
	defer func() {
		if !ok {
			f.Close()
			removePart(partPath)
		}
	}()

	md5Hasher := md5.New()
	blake3Hasher := blake3.New(32, nil)
	hashers := io.MultiWriter(md5Hasher, blake3Hasher)

	start := time.Now()
	lastEmit := time.Time{}
	var downloaded int64
	it := api.NewChunkIterator(body, d.chunkSize)
	for {
		if err := d.wait(ctx); err != nil {
			return checksum{}, err
		}
		chunk, err := it.Next()
		if len(chunk) > 0 {
			if _, werr := f.Write(chunk); werr != nil {
				return checksum{}, writeError(partPath, werr)
			}
			hashers.Write(chunk)
			downloaded += int64(len(chunk))
			if now := time.Now(); now.Sub(lastEmit) >= d.progressInterval {
				lastEmit = now
				d.sink.Emit(events.FileProgress{Filename: job.TargetFilename, Downloaded: downloaded, Total: size, SpeedBps: speed(downloaded, start)})
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return checksum{}, ctx.Err()
			}
			return checksum{}, fmt.Errorf("reading %s: %w", job.File.URL, err)
		}
	}
	if size >= 0 && downloaded != size {
		return checksum{}, fmt.Errorf("%w: got %d of %d bytes: %w", ErrIncomplete, downloaded, size, api.ErrIncompleteRead)
	}

	total := size
	if total < 0 {
		total = downloaded
	}
	d.sink.Emit(events.FileProgress{Filename: job.TargetFilename, Downloaded: downloaded, Total: total, SpeedBps: speed(downloaded, start)})

	if err := f.Sync(); err != nil {
		return checksum{}, writeError(partPath, err)
	}
	if err := f.Close(); err != nil {
		return checksum{}, writeError(partPath, err)
	}
	ok = true
	return checksum{bytes: downloaded, md5: hexSum(md5Hasher), blake3: strings.ToUpper(hexSum(blake3Hasher))}, nil
}

func hexSum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

func speed(n int64, since time.Time) float64 {
	elapsed := time.Since(since).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(n) / elapsed
}

func writeError(path string, err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: writing %s: %v", ErrNoSpace, path, err)
	}
	return fmt.Errorf("%w: writing %s: %v", ErrFileSystem, path, err)
}

func removePart(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warnf("Failed to remove partial file %s", path)
	}
}

// fromError maps a download error onto a result status.
func (d *Downloader) fromError(ctx context.Context, res models.FileResult, err error) models.FileResult {
	switch {
	case ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled):
		return cancelled(res)
	case errors.Is(err, ErrNoSpace):
		res = failed(res, err)
		res.Fatal = true
		return res
	case errors.Is(err, ErrFileSystem):
		return failed(res, err)
	case errors.Is(err, ErrIncomplete), errors.Is(err, errMultipart):
		return retryable(res, err)
	}
	if api.Classify(err) == api.ClassRetryable {
		return retryable(res, err)
	}
	return failed(res, err)
}

func skipped(res models.FileResult, reason string) models.FileResult {
	res.Status = models.StatusSkipped
	res.Reason = reason
	return res
}

func failed(res models.FileResult, err error) models.FileResult {
	res.Status = models.StatusFailed
	res.Err = err
	res.Reason = err.Error()
	log.WithError(err).WithField("file", res.Job.TargetFilename).Warn("Download failed")
	return res
}

func retryable(res models.FileResult, err error) models.FileResult {
	res.Status = models.StatusFailedRetryable
	res.Err = err
	res.Reason = err.Error()
	log.WithError(err).WithField("file", res.Job.TargetFilename).Warn("Download failed, will offer retry")
	return res
}

func cancelled(res models.FileResult) models.FileResult {
	res.Status = models.StatusFailed
	res.Cancelled = true
	res.Err = ErrCancelled
	res.Reason = ErrCancelled.Error()
	return res
}
