package cmd

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"go-kemono-download/index"
	"go-kemono-download/internal/database"
	"go-kemono-download/internal/models"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type torrentJob struct {
	SourcePath     string
	Trackers       []string
	OutputDir      string
	Overwrite      bool
	GenerateMagnet bool
	Entries        []models.HistoryEntry // Files recorded in SourcePath
	LogFields      log.Fields
}

type torrentResult struct {
	Job         torrentJob
	TorrentPath string
	Magnet      string
}

func torrentWorker(id int, jobs <-chan torrentJob, results chan<- torrentResult, wg *sync.WaitGroup, successCounter *atomic.Int64, failureCounter *atomic.Int64) {
	defer wg.Done()
	log.Debugf("Torrent Worker %d starting", id)
	for job := range jobs {
		log.WithFields(job.LogFields).Infof("Worker %d: Processing torrent job for directory %s", id, job.SourcePath)
		torrentPath, magnet, err := generateTorrentFile(job.SourcePath, job.Trackers, job.OutputDir, job.Overwrite, job.GenerateMagnet)
		if err != nil {
			log.WithFields(job.LogFields).WithError(err).Errorf("Worker %d: Failed to generate torrent for %s", id, job.SourcePath)
			failureCounter.Add(1)
			continue
		}
		successCounter.Add(1)
		results <- torrentResult{Job: job, TorrentPath: torrentPath, Magnet: magnet}
	}
	log.Debugf("Torrent Worker %d finished", id)
}

var (
	torrentCreators     []string
	announceURLs        []string
	torrentOutputDir    string
	overwriteTorrents   bool
	generateMagnetLinks bool
	torrentUpdateIndex  bool
)

var torrentCmd = &cobra.Command{
	Use:   "torrent",
	Short: "Generate .torrent files for downloaded folders",
	Long: `Generates BitTorrent metainfo (.torrent) files for every folder recorded in
the download history. Requires the history database and the downloaded files
themselves. You must specify tracker announce URLs.`,
	RunE: runTorrent,
}

func init() {
	rootCmd.AddCommand(torrentCmd)

	torrentCmd.Flags().StringSliceVar(&announceURLs, "announce", []string{}, "Tracker announce URL (repeatable)")
	torrentCmd.Flags().StringSliceVar(&torrentCreators, "creator", []string{}, "Only folders of these creators, as service/id (repeatable). Default: all.")
	torrentCmd.Flags().StringVarP(&torrentOutputDir, "output-dir", "o", "", "Directory to save generated .torrent files (default: inside each folder)")
	torrentCmd.Flags().BoolVarP(&overwriteTorrents, "overwrite", "f", false, "Overwrite existing .torrent files")
	torrentCmd.Flags().BoolVar(&generateMagnetLinks, "magnet-links", false, "Generate a .txt file containing the magnet link alongside each .torrent file")
	torrentCmd.Flags().BoolVar(&torrentUpdateIndex, "update-index", false, "Store the torrent path and magnet link in the search index")
	torrentCmd.Flags().IntP("concurrency", "c", 4, "Number of concurrent torrent generation workers")
}

// torrentJobs groups entries by folder, keeping the first-seen order.
func torrentJobs(savePath string, entries []models.HistoryEntry, creators []string) []torrentJob {
	wanted := make(map[string]bool, len(creators))
	for _, c := range creators {
		wanted[strings.ToLower(strings.Trim(c, "/"))] = true
	}
	byDir := make(map[string]int)
	var jobs []torrentJob
	for _, e := range entries {
		if e.Folder == "" || e.Filename == "" {
			log.WithField("post", e.PostID).Warn("Skipping entry due to missing Folder or Filename.")
			continue
		}
		if len(wanted) > 0 && !wanted[strings.ToLower(e.Service+"/"+e.CreatorID)] {
			continue
		}
		dir := filepath.Join(savePath, filepath.FromSlash(e.Folder))
		if i, ok := byDir[dir]; ok {
			jobs[i].Entries = append(jobs[i].Entries, e)
			continue
		}
		byDir[dir] = len(jobs)
		jobs = append(jobs, torrentJob{
			SourcePath: dir,
			Entries:    []models.HistoryEntry{e},
			LogFields:  log.Fields{"service": e.Service, "creator": e.CreatorID, "directory": dir},
		})
	}
	return jobs
}

func runTorrent(cmd *cobra.Command, args []string) error {
	if len(announceURLs) == 0 {
		return errors.New("at least one --announce URL is required")
	}
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	if concurrency <= 0 {
		log.Warnf("Invalid concurrency value %d, defaulting to 4", concurrency)
		concurrency = 4
	}
	if err := requireSavePath(globalConfig); err != nil {
		return err
	}

	var entries []models.HistoryEntry
	err := withHistory(func(db *database.DB) error {
		var err error
		entries, err = db.Entries()
		return err
	})
	if err != nil {
		return fmt.Errorf("error scanning history: %w", err)
	}

	jobs := torrentJobs(globalConfig.SavePath, entries, torrentCreators)
	if len(jobs) == 0 {
		log.Info("No downloaded folders found in the history.")
		return nil
	}
	log.Infof("Generating torrents for %d directories using %d workers...", len(jobs), concurrency)

	jobCh := make(chan torrentJob, concurrency)
	results := make(chan torrentResult, len(jobs))
	var wg sync.WaitGroup
	var successCounter, failureCounter atomic.Int64
	for i := 1; i <= concurrency; i++ {
		wg.Add(1)
		go torrentWorker(i, jobCh, results, &wg, &successCounter, &failureCounter)
	}
	for _, job := range jobs {
		job.Trackers = announceURLs
		job.OutputDir = torrentOutputDir
		job.Overwrite = overwriteTorrents
		job.GenerateMagnet = generateMagnetLinks
		jobCh <- job
	}
	close(jobCh)
	wg.Wait()
	close(results)

	if torrentUpdateIndex {
		if err := indexTorrents(globalConfig.BleveIndexPath, globalConfig.SavePath, results); err != nil {
			log.WithError(err).Error("Could not update the search index")
		}
	}

	successCount, failCount := successCounter.Load(), failureCounter.Load()
	log.Infof("Torrent generation complete. Success: %d, Failed: %d", successCount, failCount)
	if failCount > 0 {
		return fmt.Errorf("%d torrents failed to generate", failCount)
	}
	return nil
}

// indexTorrents records the torrent of each folder on the items of its files.
func indexTorrents(indexPath, savePath string, results <-chan torrentResult) error {
	idx, err := index.OpenOrCreateIndex(indexPath)
	if err != nil {
		return err
	}
	defer idx.Close()
	n := 0
	for r := range results {
		for _, e := range r.Job.Entries {
			item := index.ItemFromHistory(savePath, e)
			item.TorrentPath = r.TorrentPath
			item.MagnetLink = r.Magnet
			if err := index.IndexItem(idx, item); err != nil {
				return fmt.Errorf("indexing %s: %w", item.ID, err)
			}
			n++
		}
	}
	log.Infof("Updated %d index items with torrent information", n)
	return nil
}

// generateTorrentFile creates a .torrent file for the directory sourcePath,
// optionally with a text file holding the magnet link. It returns the
// torrent path and the magnet URI ("" when not generated).
func generateTorrentFile(sourcePath string, trackers []string, outputDir string, overwrite bool, generateMagnetLinks bool) (string, string, error) {
	stat, err := os.Stat(sourcePath)
	if os.IsNotExist(err) {
		return "", "", fmt.Errorf("source path does not exist: %s", sourcePath)
	} else if err != nil {
		return "", "", fmt.Errorf("error stating source path %s: %w", sourcePath, err)
	} else if !stat.IsDir() {
		return "", "", fmt.Errorf("source path is not a directory: %s", sourcePath)
	}

	torrentFileName := fmt.Sprintf("%s.torrent", filepath.Base(sourcePath))
	var outPath string
	if outputDir != "" {
		if err := os.MkdirAll(outputDir, 0755); err != nil {
			return "", "", fmt.Errorf("error creating output directory %s: %w", outputDir, err)
		}
		outPath = filepath.Join(outputDir, torrentFileName)
	} else {
		outPath = filepath.Join(sourcePath, torrentFileName)
	}

	if _, err := os.Stat(outPath); err == nil {
		if !overwrite {
			log.WithField("path", outPath).Info("Skipping existing torrent file (use --overwrite to replace)")
			return outPath, existingMagnet(outPath), nil
		}
		log.WithField("path", outPath).Warn("Overwriting existing torrent file")
		// A torrent kept inside the folder would otherwise be hashed into the new one.
		_ = os.Remove(outPath)
		_ = os.Remove(magnetPath(outPath))
	}

	mi := metainfo.MetaInfo{
		AnnounceList: make([][]string, len(trackers)),
	}
	for i, tracker := range trackers {
		mi.AnnounceList[i] = []string{tracker}
	}
	if len(trackers) > 0 {
		mi.Announce = trackers[0]
	}
	mi.CreatedBy = "go-kemono-download"

	const pieceLength = 512 * 1024
	info := metainfo.Info{PieceLength: pieceLength}

	log.WithField("directory", sourcePath).Debug("Building torrent info...")
	err = info.BuildFromFilePath(sourcePath)
	if err != nil {
		return "", "", fmt.Errorf("error building torrent info from path %s: %w", sourcePath, err)
	}
	mi.InfoBytes, err = bencode.Marshal(info)
	if err != nil {
		return "", "", fmt.Errorf("error marshaling torrent info: %w", err)
	}

	f, err := os.Create(outPath)
	if err != nil {
		return "", "", fmt.Errorf("error creating torrent file %s: %w", outPath, err)
	}
	defer f.Close()
	if err := mi.Write(f); err != nil {
		return "", "", fmt.Errorf("error writing torrent file %s: %w", outPath, err)
	}
	log.WithField("path", outPath).Info("Successfully generated torrent file")

	if !generateMagnetLinks {
		return outPath, "", nil
	}
	magnetURI := magnetLink(mi.HashInfoBytes().HexString(), stat.Name(), trackers)
	magnetOutPath := magnetPath(outPath)
	if err := writeMagnetFile(magnetOutPath, magnetURI); err != nil {
		log.WithError(err).WithField("path", magnetOutPath).Error("Failed to write magnet link file")
	} else {
		log.WithField("path", magnetOutPath).Info("Successfully generated magnet link file")
	}
	return outPath, magnetURI, nil
}

func magnetLink(infoHash, name string, trackers []string) string {
	magnetParts := []string{
		fmt.Sprintf("magnet:?xt=urn:btih:%s", infoHash),
		fmt.Sprintf("dn=%s", url.QueryEscape(name)),
	}
	for _, tracker := range trackers {
		magnetParts = append(magnetParts, fmt.Sprintf("tr=%s", url.QueryEscape(tracker)))
	}
	return strings.Join(magnetParts, "&")
}

func magnetPath(torrentPath string) string {
	name := strings.TrimSuffix(filepath.Base(torrentPath), filepath.Ext(torrentPath)) + "-magnet.txt"
	return filepath.Join(filepath.Dir(torrentPath), name)
}

func existingMagnet(torrentPath string) string {
	data, err := os.ReadFile(magnetPath(torrentPath))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func writeMagnetFile(filePath string, magnetURI string) error {
	f, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("error creating magnet file %s: %w", filePath, err)
	}
	defer f.Close()
	if _, err := f.WriteString(magnetURI); err != nil {
		return fmt.Errorf("error writing magnet file %s: %w", filePath, err)
	}
	return nil
}
