package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(cleanCmd)

	cleanCmd.Flags().BoolP("torrents", "t", false, "Also remove *.torrent files")
	cleanCmd.Flags().BoolP("magnets", "m", false, "Also remove *-magnet.txt files")
	cleanCmd.Flags().Bool("sessions", false, "Also remove retry_session_*.yaml and failed_*.txt files")
	cleanCmd.Flags().Bool("dry-run", false, "Only list the files that would be removed")
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove partial (.part) files from the download directory",
	Long: `Recursively scans the configured SavePath and removes any files ending with
the .part extension left behind by interrupted downloads.
Optionally removes *.torrent, *-magnet.txt and retry session files as well.`,
	RunE: runClean,
}

type cleanOptions struct {
	torrents bool
	magnets  bool
	sessions bool
	dryRun   bool
}

// cleanKind returns the category of a removable file name, or "".
func (o cleanOptions) cleanKind(name string) string {
	lowerName := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lowerName, ".part"):
		return ".part"
	case o.torrents && strings.HasSuffix(lowerName, ".torrent"):
		return ".torrent"
	case o.magnets && strings.HasSuffix(lowerName, "-magnet.txt"):
		return "-magnet.txt"
	case o.sessions && strings.HasPrefix(lowerName, "retry_session_") && strings.HasSuffix(lowerName, ".yaml"):
		return "session"
	case o.sessions && strings.HasPrefix(lowerName, "failed_") && strings.HasSuffix(lowerName, ".txt"):
		return "session"
	}
	return ""
}

func runClean(cmd *cobra.Command, args []string) error {
	cfg := globalConfig
	if err := requireSavePath(cfg); err != nil {
		return err
	}
	var opts cleanOptions
	opts.torrents, _ = cmd.Flags().GetBool("torrents")
	opts.magnets, _ = cmd.Flags().GetBool("magnets")
	opts.sessions, _ = cmd.Flags().GetBool("sessions")
	opts.dryRun, _ = cmd.Flags().GetBool("dry-run")

	log.Infof("Scanning for leftover files in %s...", cfg.SavePath)
	removed, failed, walkErr := cleanDir(cfg.SavePath, opts)

	var summaryParts []string
	for _, kind := range []string{".part", ".torrent", "-magnet.txt", "session"} {
		if n := removed[kind]; n > 0 {
			summaryParts = append(summaryParts, fmt.Sprintf("%d %s file(s)", n, kind))
		}
	}
	verb := "Removed"
	if opts.dryRun {
		verb = "Would remove"
	}
	summary := "Clean complete. " + verb + ": "
	if len(summaryParts) > 0 {
		summary += strings.Join(summaryParts, ", ")
	} else {
		summary += "0 files"
	}
	if failed > 0 {
		summary += fmt.Sprintf(". Failed to remove %d file(s).", failed)
	}
	log.Info(summary)

	if walkErr != nil {
		return fmt.Errorf("error during directory walk of %q: %w", cfg.SavePath, walkErr)
	}
	if failed > 0 {
		return fmt.Errorf("failed to remove %d file(s)", failed)
	}
	return nil
}

// cleanDir removes the matching files below root and counts them per kind.
func cleanDir(root string, opts cleanOptions) (map[string]int, int, error) {
	removed := make(map[string]int)
	failed := 0
	walkErr := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			log.Warnf("Error accessing path %q during scan: %v", path, err)
			return nil
		}
		if info.IsDir() {
			return nil
		}
		kind := opts.cleanKind(info.Name())
		if kind == "" {
			return nil
		}
		if opts.dryRun {
			fmt.Println(path)
			removed[kind]++
			return nil
		}
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				log.Warnf("Attempted to remove %s file %q, but it was already gone.", kind, path)
			} else {
				log.Errorf("Failed to remove %s file %q: %v", kind, path, err)
				failed++
			}
			return nil
		}
		log.Infof("Removed %s file: %s", kind, path)
		removed[kind]++
		return nil
	})
	return removed, failed, walkErr
}
