package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go-kemono-download/internal/api"
	"go-kemono-download/internal/filter"
	"go-kemono-download/internal/models"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

var (
	ErrInvalidURL       = errors.New("invalid download URL")
	ErrMissingOutputDir = errors.New("download directory is not set")
	ErrInvalidFilter    = errors.New("invalid character filter")
	ErrInvalidOption    = errors.New("invalid option")
)

// Limits
const (
	DefaultPostWorkers     = 4
	MaxPostWorkers         = 200
	AdvisoryPostWorkers    = 50
	DefaultFileThreads     = 1
	MaxFileThreads         = 10
	DefaultMultipartParts  = 4
	MinMultipartParts      = 2
	MaxMultipartParts      = 16
	DefaultMultipartMinMB  = 10
	DefaultAPITimeoutSec   = 120
	DefaultConfigFileName  = "config.toml"
	DefaultKnownNamesFile  = "Known.txt"
	DefaultHistoryDirName  = "kemono_history_db"
	DefaultIndexDirName    = "kemono.bleve"
	DefaultFileFilterValue = filter.TypeAll
)

// LoadConfig reads the TOML file at configFilePath (default config.toml)
// into a models.Config with defaults applied. A missing file is not an
// error: the defaults are returned with a warning.
func LoadConfig(configFilePath string) (models.Config, error) {
	if configFilePath == "" {
		configFilePath = DefaultConfigFileName
	}
	cfg := Defaults()
	if _, err := os.Stat(configFilePath); errors.Is(err, os.ErrNotExist) {
		log.Warnf("Config file %s not found, using defaults", configFilePath)
		return cfg, nil
	}
	if _, err := toml.DecodeFile(configFilePath, &cfg); err != nil {
		return models.Config{}, fmt.Errorf("error loading config file %s: %w", configFilePath, err)
	}
	if cfg.SavePath == "" {
		log.Warn("Warning: SavePath is not set in config.toml")
	}
	log.Infof("Configuration loaded from %s", configFilePath)
	return cfg, nil
}

// Defaults returns the baseline configuration.
func Defaults() models.Config {
	return models.Config{
		UserAgent:           api.DefaultUserAgent,
		ApiClientTimeoutSec: DefaultAPITimeoutSec,
		FileFilter:          DefaultFileFilterValue,
		SkipWordsScope:      filter.ScopePosts,
		CharFilterScope:     filter.ScopeTitle,
		SeparateFolders:     true,
		MangaStyle:          models.MangaPostTitle,
		PostWorkers:         DefaultPostWorkers,
		FileThreads:         DefaultFileThreads,
		MultipartParts:      DefaultMultipartParts,
		MultipartMinSizeMB:  DefaultMultipartMinMB,
		SaveHistory:         true,
		KnownNamesPath:      DefaultKnownNamesFile,
	}
}

// FillPaths derives the history and index paths from SavePath when unset.
func FillPaths(cfg *models.Config) {
	if cfg.SavePath == "" {
		return
	}
	if cfg.HistoryPath == "" {
		cfg.HistoryPath = filepath.Join(cfg.SavePath, DefaultHistoryDirName)
	}
	if cfg.BleveIndexPath == "" {
		cfg.BleveIndexPath = filepath.Join(cfg.SavePath, DefaultIndexDirName)
	}
}

// Validate checks the configuration errors that must stop a run before any
// work starts.
func Validate(cfg models.Config) (api.Target, error) {
	target, err := api.ParseURL(cfg.URL)
	if err != nil {
		return api.Target{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if strings.TrimSpace(cfg.SavePath) == "" {
		return api.Target{}, ErrMissingOutputDir
	}
	if info, err := os.Stat(cfg.SavePath); err != nil || !info.IsDir() {
		return api.Target{}, fmt.Errorf("%w: %s is not a directory", ErrMissingOutputDir, cfg.SavePath)
	}
	if _, err := filter.ParseCharacterFilter(cfg.CharacterFilter); err != nil {
		return api.Target{}, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	if cfg.StartPage < 0 || cfg.EndPage < 0 || (cfg.EndPage > 0 && cfg.StartPage > cfg.EndPage) {
		return api.Target{}, fmt.Errorf("%w: page range %d-%d", ErrInvalidOption, cfg.StartPage, cfg.EndPage)
	}
	if cfg.MangaMode && cfg.MangaStyle != "" && !filter.ValidMangaStyle(cfg.MangaStyle) {
		return api.Target{}, fmt.Errorf("%w: manga style %q", ErrInvalidOption, cfg.MangaStyle)
	}
	switch cfg.FileFilter {
	case "", filter.TypeAll, filter.TypeImage, filter.TypeVideo, filter.TypeArchive, filter.TypeAudio, filter.TypeLinks:
	default:
		return api.Target{}, fmt.Errorf("%w: file filter %q", ErrInvalidOption, cfg.FileFilter)
	}
	return target, nil
}

// Effective is the run configuration after every cross-field rule has been
// applied. It is the only place those rules live.
type Effective struct {
	PostWorkers     int
	FileThreads     int
	MangaActive     bool // Manga mode on a creator feed
	MangaStyle      string
	Serialized      bool // Global numbering forces one post and one file at a time
	Multipart       models.MultipartPolicy
	CharacterFilter filter.CharacterFilter
	Warnings        []string
}

// Derive computes Effective from cfg for target.
//
//   - post workers clamp to 1..200, with a warning above 50
//   - file threads clamp to 1..10
//   - manga styles with global numbering (date_based, title_global_num)
//     force 1 post worker and 1 file thread so numbers follow write order
//   - multi-part settings collapse into one MultipartPolicy
func Derive(cfg models.Config, target api.Target) Effective {
	eff := Effective{
		PostWorkers: clamp(cfg.PostWorkers, 1, MaxPostWorkers, DefaultPostWorkers),
		FileThreads: clamp(cfg.FileThreads, 1, MaxFileThreads, DefaultFileThreads),
	}
	if eff.PostWorkers > AdvisoryPostWorkers {
		eff.Warnings = append(eff.Warnings, fmt.Sprintf("%d post workers is above the advised %d and may trigger rate limiting", eff.PostWorkers, AdvisoryPostWorkers))
	}

	eff.MangaActive = cfg.MangaMode && target.IsCreatorFeed()
	if eff.MangaActive {
		eff.MangaStyle = cfg.MangaStyle
		if eff.MangaStyle == "" {
			eff.MangaStyle = models.MangaPostTitle
		}
		if filter.UsesGlobalCounter(eff.MangaStyle) {
			eff.Serialized = true
			eff.PostWorkers = 1
			eff.FileThreads = 1
		}
		if cfg.StartPage > 0 || cfg.EndPage > 0 {
			eff.Warnings = append(eff.Warnings, "manga mode with a page range: ordering and numbering only cover the selected pages")
		}
	}

	eff.Multipart = models.MultipartPolicy{
		Enabled:    cfg.Multipart,
		Parts:      clamp(cfg.MultipartParts, MinMultipartParts, MaxMultipartParts, DefaultMultipartParts),
		MinSize:    int64(clamp(cfg.MultipartMinSizeMB, 1, 1<<20, DefaultMultipartMinMB)) << 20,
		Extensions: normaliseExts(cfg.MultipartExtensions),
	}
	if len(eff.Multipart.Extensions) == 0 {
		eff.Multipart.Extensions = filter.DefaultMultipartExtensions()
	}

	// Validate has already rejected unparsable filters.
	eff.CharacterFilter, _ = filter.ParseCharacterFilter(cfg.CharacterFilter)
	return eff
}

func clamp(v, lo, hi, def int) int {
	if v == 0 {
		v = def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func normaliseExts(exts []string) []string {
	var out []string
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	return out
}
