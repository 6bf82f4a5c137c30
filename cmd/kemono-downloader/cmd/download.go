package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go-kemono-download/internal/control"
	"go-kemono-download/internal/events"
	"go-kemono-download/internal/models"
	"go-kemono-download/internal/scheduler"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Process exit codes for the logical run results.
const (
	exitCodeSetup     = 2
	exitCodeAuth      = 3
	exitCodeCancelled = 130
)

const cookieHelp = `The API refused the request. Log in to the site in a browser, export
your cookies in Netscape format to cookies.txt in the download directory
(or pass --cookie-file / --cookie-string) and run again with --use-cookies.`

var downloadCmd = &cobra.Command{
	Use:   "download [URL]",
	Short: "Download a creator feed or a single post",
	Long: `Downloads every post of a creator, or a single post, from Kemono or Coomer.
The URL may also come from the config file (URL = "...").
Examples:
  kemono-downloader download https://kemono.su/patreon/user/123
  kemono-downloader download https://kemono.su/fanbox/user/9/post/42 -f image`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDownload,
}

func runDownload(cmd *cobra.Command, args []string) error {
	cfg := globalConfig
	applyDownloadOverrides(&cfg)
	if len(args) == 1 {
		cfg.URL = args[0]
	}
	noHistory, _ := cmd.Flags().GetBool("no-history")
	if noHistory {
		cfg.SaveHistory = false
	}

	if show, _ := cmd.Flags().GetBool("show-config"); show {
		return printEffectiveConfig(cmd.OutOrStdout(), cfg)
	}

	env, err := openRunEnv(cfg, noHistory)
	if err != nil {
		return &exitError{code: exitCodeSetup, err: err}
	}
	defer env.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(events.DefaultCapacity)
	progress := startProgress(bus, os.Stdout)

	sched := env.newScheduler(cfg, resolveClient(cfg), bus)
	if cfg.ControlAddr != "" {
		srv := control.NewServer(sched, env.metrics.Handler())
		addr, err := srv.Start(cfg.ControlAddr)
		if err != nil {
			log.WithError(err).Warn("Control server not started")
		} else {
			log.Infof("Control server listening on http://%s", addr)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}
	}

	sum, runErr := sched.Run(ctx)
	if sum.Code == models.ExitOK && len(sum.Retryable) > 0 {
		progress.AwaitFinished()
		sum = offerRetry(ctx, sched, cfg, sum, os.Stdin, os.Stdout)
	}

	bus.Close()
	progress.Wait()
	return runResult(sum, runErr)
}

// offerRetry asks whether the retryable files should get one more pass.
// Auto retry already ran inside the scheduler.
func offerRetry(ctx context.Context, sched *scheduler.Scheduler, cfg models.Config, sum models.Summary, in io.Reader, out io.Writer) models.Summary {
	if len(sum.Retryable) == 0 || sum.Cancelled || cfg.AutoRetry || cfg.SkipConfirmation {
		return sum
	}
	fmt.Fprintf(out, "%d file(s) failed with a retryable error. Retry them now? (y/N): ", len(sum.Retryable))
	reader := bufio.NewReader(in)
	confirm, _ := reader.ReadString('\n')
	if strings.TrimSpace(strings.ToLower(confirm)) != "y" {
		return sum
	}

	sessionPath := scheduler.SessionPath(cfg.SavePath, sum.RunID)
	retried, err := sched.Retry(ctx, sum.Retryable)
	if err != nil {
		log.WithError(err).Error("Retry pass failed")
		return sum
	}
	if len(retried.Retryable) == 0 && !retried.Cancelled {
		if err := os.Remove(sessionPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).Debugf("Could not remove %s", sessionPath)
		}
	}
	return retried
}

// runResult maps a summary onto the command error and exit code.
func runResult(sum models.Summary, err error) error {
	switch sum.Code {
	case models.ExitFailedSetup:
		if err == nil {
			err = errors.New("run could not start")
		}
		return &exitError{code: exitCodeSetup, err: err}
	case models.ExitFailedAuth:
		fmt.Fprintln(os.Stderr, cookieHelp)
		if err == nil {
			err = errors.New("authentication required")
		}
		return &exitError{code: exitCodeAuth, err: err}
	case models.ExitCancelled:
		if err == nil {
			err = errors.New("run cancelled")
		}
		return &exitError{code: exitCodeCancelled, err: err}
	}
	if err != nil {
		return err
	}
	if len(sum.Permanent) > 0 {
		log.Warnf("%d file(s) could not be downloaded", len(sum.Permanent))
	}
	return nil
}
