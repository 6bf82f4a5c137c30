package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go-kemono-download/internal/events"
	"go-kemono-download/internal/models"
	"go-kemono-download/internal/scheduler"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var retrySessionPath string

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Retry the failed files of an earlier run",
	Long: `Loads a retry_session_<run>.yaml file written at the end of a download
and runs one more pass over its files with the same names and folders.
The session file is removed once every file has been handled.`,
	RunE: runRetry,
}

func init() {
	rootCmd.AddCommand(retryCmd)
	retryCmd.Flags().StringVarP(&retrySessionPath, "session", "s", "", "Retry session file (required)")
	_ = retryCmd.MarkFlagRequired("session")
	retryCmd.Flags().Bool("use-cookies", false, "Send cookies with every request")
	retryCmd.Flags().Bool("no-history", false, "Do not record recovered files in the download history")
}

func runRetry(cmd *cobra.Command, args []string) error {
	sess, err := scheduler.LoadSession(retrySessionPath)
	if err != nil {
		return &exitError{code: exitCodeSetup, err: err}
	}
	if len(sess.Failures) == 0 {
		log.Infof("Session %s has no files to retry", retrySessionPath)
		return nil
	}

	cfg := globalConfig
	cfg.URL = sess.URL
	if cfg.SavePath == "" {
		cfg.SavePath = filepath.Dir(retrySessionPath)
	}
	if cmd.Flags().Changed("use-cookies") {
		cfg.UseCookies, _ = cmd.Flags().GetBool("use-cookies")
	}
	noHistory, _ := cmd.Flags().GetBool("no-history")

	env, err := openRunEnv(cfg, noHistory)
	if err != nil {
		return &exitError{code: exitCodeSetup, err: err}
	}
	defer env.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(events.DefaultCapacity)
	progress := startProgress(bus, os.Stdout)

	log.Infof("Retrying %d file(s) from run %s", len(sess.Failures), sess.RunID)
	sched := env.newScheduler(cfg, resolveClient(cfg), bus)
	sum, err := sched.Retry(ctx, sess.Failures)

	bus.Close()
	progress.Wait()
	if err != nil {
		return err
	}

	if !sum.Cancelled {
		if err := os.Remove(retrySessionPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).Warnf("Could not remove %s", retrySessionPath)
		}
		if len(sum.Retryable) > 0 {
			log.Infof("%d file(s) are still retryable: %s", len(sum.Retryable), scheduler.SessionPath(cfg.SavePath, sum.RunID))
		}
	}
	if sum.Code == models.ExitCancelled {
		return &exitError{code: exitCodeCancelled, err: fmt.Errorf("retry of %s cancelled", sess.RunID)}
	}
	return nil
}
