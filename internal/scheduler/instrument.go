package scheduler

import (
	"context"
	"time"

	"go-kemono-download/internal/metrics"
	"go-kemono-download/internal/models"
	"go-kemono-download/internal/processor"
)

// instrumented records the outcome of every file download.
type instrumented struct {
	next processor.FileDownloader
	m    *metrics.Metrics
}

func (d instrumented) Download(ctx context.Context, job models.DownloadJob) models.FileResult {
	start := time.Now()
	res := d.next.Download(ctx, job)
	outcome := metrics.OutcomeFailed
	switch res.Status {
	case models.StatusSuccess:
		outcome = metrics.OutcomeDownloaded
	case models.StatusSkipped:
		outcome = metrics.OutcomeSkipped
	case models.StatusFailedRetryable:
		outcome = metrics.OutcomeRetryable
	}
	if !res.Cancelled {
		d.m.ObserveFile(outcome, res.Bytes, time.Since(start))
	}
	return res
}
