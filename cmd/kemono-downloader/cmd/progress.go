package cmd

import (
	"fmt"
	"io"
	"strings"

	"go-kemono-download/internal/events"
	"go-kemono-download/internal/helpers"

	"github.com/gosuri/uilive"
)

// progress renders the event bus to the terminal: one live status line plus
// permanent lines for logs, links and failures.
type progress struct {
	w        *uilive.Writer
	state    progressState
	done     chan struct{}
	finished chan struct{}
}

func startProgress(bus *events.Bus, out io.Writer) *progress {
	w := uilive.New()
	w.Out = out
	w.Start()
	p := &progress{
		w:        w,
		done:     make(chan struct{}),
		finished: make(chan struct{}, 8),
	}
	go p.loop(bus)
	return p
}

func (p *progress) loop(bus *events.Bus) {
	defer close(p.done)
	defer p.w.Stop()
	for {
		e, ok := bus.Next()
		if !ok {
			return
		}
		line, live := p.state.apply(e)
		if line != "" {
			fmt.Fprintln(p.w.Bypass(), line)
		}
		if live != "" {
			fmt.Fprintln(p.w, live)
		}
		if _, ok := e.(events.Finished); ok {
			select {
			case p.finished <- struct{}{}:
			default:
			}
		}
	}
}

// AwaitFinished blocks until a Finished event has been printed or the bus is drained.
func (p *progress) AwaitFinished() {
	select {
	case <-p.finished:
	case <-p.done:
	}
}

// Wait blocks until the bus is closed and drained.
func (p *progress) Wait() {
	<-p.done
}

type progressState struct {
	postsTotal     int
	postsProcessed int
	downloaded     int
	failed         int
	file           events.FileProgress
}

// apply folds e into the state. line is printed once; live replaces the status line.
func (s *progressState) apply(e events.Event) (line, live string) {
	switch ev := e.(type) {
	case events.Log:
		return fmt.Sprintf("%-5s %s", strings.ToUpper(ev.Level), ev.Text), ""
	case events.PostProgress:
		s.postsTotal, s.postsProcessed = ev.Total, ev.Processed
		return "", s.live()
	case events.FileProgress:
		s.file = ev
		return "", s.live()
	case events.ExternalLink:
		line = fmt.Sprintf("LINK  [%s] %s: %s %s", ev.Platform, ev.PostTitle, ev.LinkText, ev.URL)
		if ev.Key != "" {
			line += " (key: " + ev.Key + ")"
		}
		return line, ""
	case events.MissedCharacter:
		return fmt.Sprintf("SKIP  %s: %s", ev.PostTitle, ev.Reason), ""
	case events.FileSucceeded:
		s.downloaded++
		return "", s.live()
	case events.FileFailedRetryable:
		s.failed++
		return fmt.Sprintf("RETRY %s (%s)", ev.Failure.Job.TargetFilename, ev.Failure.Reason), s.live()
	case events.FileFailedPermanent:
		s.failed++
		return fmt.Sprintf("FAIL  %s (%s)", ev.Failure.Job.TargetFilename, ev.Failure.Reason), s.live()
	case events.Finished:
		s.file = events.FileProgress{}
		var b strings.Builder
		fmt.Fprintf(&b, "Finished: %d downloaded, %d skipped", ev.Downloaded, ev.Skipped)
		if ev.Cancelled {
			b.WriteString(" (cancelled)")
		}
		if len(ev.KeptOriginalNames) > 0 {
			fmt.Fprintf(&b, "\nKept original names: %s", strings.Join(ev.KeptOriginalNames, ", "))
		}
		return b.String(), s.live()
	}
	return "", ""
}

func (s *progressState) live() string {
	status := fmt.Sprintf("Posts %d/%d | files %d ok, %d failed", s.postsProcessed, s.postsTotal, s.downloaded, s.failed)
	f := s.file
	if f.Filename == "" {
		return status
	}
	done, total, active := f.Downloaded, f.Total, 0
	speed := f.SpeedBps
	if len(f.Chunks) > 0 {
		done, total, speed = 0, 0, 0
		for _, c := range f.Chunks {
			done += c.Downloaded
			total += c.Total
			speed += c.SpeedBps
			if c.Active {
				active++
			}
		}
	}
	status += " | " + f.Filename + " " + helpers.BytesToSize(uint64(done))
	if total > 0 {
		status += " / " + helpers.BytesToSize(uint64(total))
	}
	if speed > 0 {
		status += " " + helpers.SpeedString(speed)
	}
	if active > 0 {
		status += fmt.Sprintf(" [%d parts]", active)
	}
	return status
}
