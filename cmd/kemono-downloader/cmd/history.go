package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"go-kemono-download/internal/database"
	"go-kemono-download/internal/helpers"
	"go-kemono-download/internal/models"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Interact with the download history",
	Long:  `View, search or verify the files recorded in the download history database.`,
}

var historyViewCmd = &cobra.Command{
	Use:   "view",
	Short: "List every recorded file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withHistory(func(db *database.DB) error {
			entries, err := db.Entries()
			if err != nil {
				return fmt.Errorf("error scanning history: %w", err)
			}
			printEntries(os.Stdout, entries)
			log.Infof("Displayed %d entries.", len(entries))
			return nil
		})
	},
}

var historySearchCmd = &cobra.Command{
	Use:   "search [TEXT]",
	Short: "Search recorded files by post title, filename, folder or ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withHistory(func(db *database.DB) error {
			entries, err := db.Search(args[0])
			if err != nil {
				return fmt.Errorf("error searching history: %w", err)
			}
			if len(entries) == 0 {
				fmt.Println("No entries found matching your query.")
				return nil
			}
			printEntries(os.Stdout, entries)
			return nil
		})
	},
}

var historyVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check recorded files against the filesystem",
	Long: `Checks that every recorded file exists at its expected location and,
with --check-hash, that its content still matches the recorded hash.`,
	RunE: runHistoryVerify,
}

var historyFailuresCmd = &cobra.Command{
	Use:   "failures [RUN_ID]",
	Short: "List the files a run could not download",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withHistory(func(db *database.DB) error {
			failures, err := db.Failures(args[0])
			if err != nil {
				return fmt.Errorf("error reading failures: %w", err)
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "Filename\tPost\tURL\tReason\tAttempts")
			for _, f := range failures {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", f.Job.TargetFilename, f.Job.PostTitle, f.Job.File.URL, f.Reason, f.Attempts)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			log.Infof("%d failure(s) recorded for run %s", len(failures), args[0])
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyViewCmd, historySearchCmd, historyVerifyCmd, historyFailuresCmd)

	historyVerifyCmd.Flags().Bool("check-hash", true, "Perform hash check for existing files")
	historyVerifyCmd.Flags().Bool("prune", false, "Remove entries whose file is missing from the history")
}

func withHistory(fn func(db *database.DB) error) error {
	if globalConfig.HistoryPath == "" {
		return errors.New("history path is not set (HistoryPath or SavePath in config)")
	}
	db, err := database.Open(globalConfig.HistoryPath)
	if err != nil {
		return fmt.Errorf("error opening history database: %w", err)
	}
	defer db.Close()
	return fn(db)
}

func printEntries(w io.Writer, entries []models.HistoryEntry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Post Title\tFilename\tFolder\tService\tCreator\tPost\tSize\tDownloaded")
	fmt.Fprintln(tw, "----------\t--------\t------\t-------\t-------\t----\t----\t----------")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.PostTitle, e.Filename, e.Folder, e.Service, e.CreatorID, e.PostID,
			helpers.BytesToSize(uint64(e.Size)),
			time.Unix(e.Timestamp, 0).Format("2006-01-02 15:04"),
		)
	}
	if err := tw.Flush(); err != nil {
		log.WithError(err).Error("Error flushing table writer for history view")
	}
}

type verifyResult struct {
	ok, mismatch, missing int
	missingKeys           []string
}

// verifyEntries checks each entry below savePath.
func verifyEntries(savePath string, entries []models.HistoryEntry, checkHash bool) verifyResult {
	var r verifyResult
	for _, e := range entries {
		path := filepath.Join(savePath, filepath.FromSlash(e.Folder), e.Filename)
		fields := log.Fields{"path": path, "post": e.PostID}
		_, statErr := os.Stat(path)
		switch {
		case os.IsNotExist(statErr):
			r.missing++
			r.missingKeys = append(r.missingKeys, database.FileKey(e.MD5))
			log.WithFields(fields).Error("[MISSING] File not found.")
		case statErr != nil:
			log.WithError(statErr).Errorf("[ERROR] Could not check file status for %s", path)
		case !checkHash:
			r.ok++
			log.WithFields(fields).Info("[FOUND] File exists (hash check skipped).")
		case helpers.CheckHash(path, helpers.FileHashes{MD5: e.MD5, BLAKE3: e.BLAKE3}):
			r.ok++
			log.WithFields(fields).Info("[OK] File exists and hash matches.")
		default:
			r.mismatch++
			log.WithFields(fields).Warn("[MISMATCH] File exists but hash mismatch.")
		}
	}
	return r
}

func runHistoryVerify(cmd *cobra.Command, args []string) error {
	checkHash, _ := cmd.Flags().GetBool("check-hash")
	prune, _ := cmd.Flags().GetBool("prune")
	if globalConfig.SavePath == "" {
		return errors.New("save path is not set (--save-path or config file)")
	}
	return withHistory(func(db *database.DB) error {
		entries, err := db.Entries()
		if err != nil {
			return fmt.Errorf("error scanning history: %w", err)
		}
		r := verifyEntries(globalConfig.SavePath, entries, checkHash)
		log.Infof("Verify Summary: Total Entries=%d, OK=%d, Missing=%d, Mismatch=%d",
			len(entries), r.ok, r.missing, r.mismatch)

		if prune {
			for _, key := range r.missingKeys {
				if err := db.Delete([]byte(key)); err != nil && !errors.Is(err, database.ErrNotFound) {
					log.WithError(err).Warnf("Could not remove %s", key)
				}
			}
			log.Infof("Removed %d missing entries from the history", len(r.missingKeys))
		}
		if r.mismatch > 0 || (r.missing > 0 && !prune) {
			return fmt.Errorf("%d missing and %d mismatched file(s)", r.missing, r.mismatch)
		}
		return nil
	})
}
