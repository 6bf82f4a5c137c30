package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go-kemono-download/internal/api"
	"go-kemono-download/internal/events"
	"go-kemono-download/internal/helpers"
	"go-kemono-download/internal/models"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// errMultipart marks every multi-part failure as retryable as a whole.
var errMultipart = errors.New("multi-part download failed")

type byteRange struct {
	index int
	start int64
	end   int64 // Inclusive
}

func (r byteRange) length() int64 { return r.end - r.start + 1 }

// splitRanges cuts size bytes into n ranges; the last absorbs the remainder.
func splitRanges(size int64, n int) []byteRange {
	if int64(n) > size {
		n = int(size)
	}
	if n < 1 {
		n = 1
	}
	part := size / int64(n)
	ranges := make([]byteRange, n)
	for i := 0; i < n; i++ {
		start := int64(i) * part
		end := start + part - 1
		if i == n-1 {
			end = size - 1
		}
		ranges[i] = byteRange{index: i, start: start, end: end}
	}
	return ranges
}

// multipartProgress is shared by the range workers of one file. emitMu
// serialises emission so the sink sees non-decreasing totals.
type multipartProgress struct {
	mu       sync.Mutex
	emitMu   sync.Mutex
	chunks   []events.ChunkStatus
	total    int64
	done     int64
	start    time.Time
	lastEmit time.Time
	interval time.Duration
	filename string
	sink     events.Sink
}

func (p *multipartProgress) setActive(i int, active bool) {
	p.mu.Lock()
	p.chunks[i].Active = active
	p.mu.Unlock()
}

func (p *multipartProgress) add(i int, n int64, chunkStart time.Time) {
	p.mu.Lock()
	c := &p.chunks[i]
	c.Downloaded += n
	if el := time.Since(chunkStart).Seconds(); el > 0 {
		c.SpeedBps = float64(c.Downloaded) / el
	}
	p.done += n
	due := false
	if now := time.Now(); now.Sub(p.lastEmit) >= p.interval {
		p.lastEmit = now
		due = true
	}
	p.mu.Unlock()
	if due {
		p.emit()
	}
}

// emit publishes a fresh snapshot. The state lock is released before the
// sink is called.
func (p *multipartProgress) emit() {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	p.mu.Lock()
	ev := p.snapshotLocked()
	p.mu.Unlock()
	p.sink.Emit(*ev)
}

func (p *multipartProgress) snapshotLocked() *events.FileProgress {
	chunks := make([]events.ChunkStatus, len(p.chunks))
	copy(chunks, p.chunks)
	return &events.FileProgress{
		Filename:   p.filename,
		Downloaded: p.done,
		Total:      p.total,
		SpeedBps:   speed(p.done, p.start),
		Chunks:     chunks,
	}
}

func (p *multipartProgress) sum() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// downloadMultipart fetches size bytes as concurrent ranges into a
// pre-allocated finalPath.part, then hashes it sequentially.
func (d *Downloader) downloadMultipart(ctx context.Context, job models.DownloadJob, finalPath string, size int64) (checksum, error) {
	partPath := finalPath + PartSuffix
	f, err := os.OpenFile(partPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0644)
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
	if err := f.Truncate(size); err != nil {
		return checksum{}, writeError(partPath, err)
	}

	ranges := splitRanges(size, job.Multipart.Parts)
	prog := &multipartProgress{
		chunks:   make([]events.ChunkStatus, len(ranges)),
		total:    size,
		start:    time.Now(),
		interval: d.progressInterval,
		filename: job.TargetFilename,
		sink:     d.sink,
	}
	for i, r := range ranges {
		prog.chunks[i].Total = r.length()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range ranges {
		g.Go(func() error {
			return d.fetchRange(gctx, job, f, r, prog)
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return checksum{}, ctx.Err()
		}
		if errors.Is(err, ErrNoSpace) || errors.Is(err, ErrFileSystem) {
			return checksum{}, err
		}
		return checksum{}, fmt.Errorf("%w: %w", errMultipart, err)
	}
	if got := prog.sum(); got != size {
		return checksum{}, fmt.Errorf("%w: ranges returned %d of %d bytes", errMultipart, got, size)
	}
	prog.emit()

	if err := f.Sync(); err != nil {
		return checksum{}, writeError(partPath, err)
	}
	if err := f.Close(); err != nil {
		return checksum{}, writeError(partPath, err)
	}
	ok = true

	sums, err := helpers.HashFile(partPath)
	if err != nil {
		removePart(partPath)
		return checksum{}, fmt.Errorf("%w: hashing %s: %v", ErrFileSystem, partPath, err)
	}
	return checksum{bytes: size, md5: sums.MD5, blake3: sums.BLAKE3}, nil
}

// fetchRange downloads one range with WriteAt, retrying from the last
// written byte so progress never moves backwards.
func (d *Downloader) fetchRange(ctx context.Context, job models.DownloadJob, f *os.File, r byteRange, prog *multipartProgress) error {
	logger := log.WithFields(log.Fields{"file": job.TargetFilename, "part": r.index})
	var written int64
	var lastErr error
	for attempt := 0; attempt <= d.chunkRetries; attempt++ {
		if attempt > 0 {
			wait := d.chunkBackoff << (attempt - 1)
			if wait > maxChunkBackoff {
				wait = maxChunkBackoff
			}
			logger.WithError(lastErr).Debugf("Retrying range after %s", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		if err := d.wait(ctx); err != nil {
			return err
		}

		n, err := d.fetchRangeOnce(ctx, job, f, byteRange{index: r.index, start: r.start + written, end: r.end}, prog)
		written += n
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, ErrNoSpace) || errors.Is(err, ErrFileSystem) || errors.Is(err, ErrRangeUnsupported) {
			return err
		}
		if api.Classify(err) != api.ClassRetryable && !errors.Is(err, ErrIncomplete) {
			return err
		}
	}
	return lastErr
}

func (d *Downloader) fetchRangeOnce(ctx context.Context, job models.DownloadJob, f *os.File, r byteRange, prog *multipartProgress) (int64, error) {
	headers := make(map[string]string, len(job.Headers)+1)
	for k, v := range job.Headers {
		headers[k] = v
	}
	headers["Range"] = fmt.Sprintf("bytes=%d-%d", r.start, r.end)

	resp, err := d.client.Get(ctx, job.File.URL, headers, true)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("%w: status %d for range %d-%d", ErrRangeUnsupported, resp.StatusCode, r.start, r.end)
	}
	if cr := resp.Header.Get("Content-Range"); cr != "" && !strings.HasPrefix(cr, fmt.Sprintf("bytes %d-", r.start)) {
		return 0, fmt.Errorf("%w: Content-Range %q for range starting at %d", ErrRangeUnsupported, cr, r.start)
	}

	prog.setActive(r.index, true)
	defer prog.setActive(r.index, false)

	chunkStart := time.Now()
	offset := r.start
	want := r.length()
	var got int64
	it := api.NewChunkIterator(resp.Body, d.chunkSize)
	for got < want {
		if err := d.wait(ctx); err != nil {
			return got, err
		}
		chunk, err := it.Next()
		if len(chunk) > 0 {
			if int64(len(chunk)) > want-got {
				chunk = chunk[:want-got]
			}
			if _, werr := f.WriteAt(chunk, offset); werr != nil {
				return got, writeError(f.Name(), werr)
			}
			n := int64(len(chunk))
			offset += n
			got += n
			prog.add(r.index, n, chunkStart)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return got, err
		}
	}
	if got != want {
		return got, fmt.Errorf("%w: range %d-%d returned %d bytes", ErrIncomplete, r.start, r.end, got)
	}
	return got, nil
}
