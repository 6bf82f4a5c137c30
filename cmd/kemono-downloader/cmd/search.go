package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"go-kemono-download/index"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var searchQuery string
var searchLimit int

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search the index of downloaded files",
	Long: `Runs a Bleve query-string search against the index built during downloads
(enable it with --index or IndexDownloads = true).
Examples:
  kemono-downloader search -q sketch
  kemono-downloader search -q "+service:patreon +postTitle:comic"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if searchQuery == "" {
			return errors.New("search query cannot be empty (use -q)")
		}
		return runSearch(os.Stdout, globalConfig.BleveIndexPath, searchQuery, searchLimit)
	},
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().StringVarP(&searchQuery, "query", "q", "", "Bleve query string")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "l", 20, "Maximum number of hits")
}

// runSearch opens the index read-only and prints the hits.
func runSearch(w io.Writer, indexPath, query string, limit int) error {
	if indexPath == "" {
		return errors.New("index path is not set (BleveIndexPath or SavePath in config)")
	}
	log.Debugf("Opening Bleve index at: %s", indexPath)
	// Open, not OpenOrCreateIndex: searching must not create an index.
	bleveIndex, err := bleve.Open(indexPath)
	if err != nil {
		if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
			return fmt.Errorf("no index at %s, run a download with --index first", indexPath)
		}
		return fmt.Errorf("failed to open Bleve index at %s: %w", indexPath, err)
	}
	defer func() {
		if err := bleveIndex.Close(); err != nil {
			log.Errorf("Error closing Bleve index: %v", err)
		}
	}()

	results, err := index.SearchIndex(bleveIndex, query, limit)
	if err != nil {
		return err
	}
	log.Infof("Search finished. Hits: %d, Total: %d, Took: %s", len(results.Hits), results.Total, results.Took)

	if results.Total == 0 {
		fmt.Fprintln(w, "No results found matching your query.")
		return nil
	}
	fmt.Fprintln(w, "--- Search Results ---")
	for i, hit := range results.Hits {
		fmt.Fprintf(w, "[%d] ID: %s (Score: %.2f)\n", i+1, hit.ID, hit.Score)
		fields := make([]string, 0, len(hit.Fields))
		for field := range hit.Fields {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		for _, field := range fields {
			fmt.Fprintf(w, "  %s: %v\n", field, hit.Fields[field])
		}
		fmt.Fprintln(w, "---")
	}
	return nil
}
