package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"go-kemono-download/internal/api"
	"go-kemono-download/internal/config"
	"go-kemono-download/internal/models"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(downloadCmd)

	f := downloadCmd.Flags()
	f.StringP("file-filter", "f", "", "File type filter (all, image, video, archive, audio, links)")
	f.StringSlice("skip-words", []string{}, "Skip posts or files containing these words (comma-separated)")
	f.String("skip-words-scope", "", "Where skip words apply (files, posts, both)")
	f.StringP("character-filter", "C", "", "Character filter, e.g. \"Tifa, (Cloud, Zack)~\"")
	f.String("char-filter-scope", "", "Where the character filter matches (title, files, both, comments)")
	f.Bool("skip-zip", false, "Skip .zip files")
	f.Bool("skip-rar", false, "Skip .rar files")
	f.Bool("scan-content", false, "Also download images embedded in the post body")
	f.Bool("thumbnails-only", false, "Download only the thumbnail of image files")
	f.Bool("external-links", false, "Report links to external file hosts found in posts")
	f.Bool("separate-folders", true, "Create one folder per matched character or post title")
	f.Bool("subfolder-per-post", false, "Create a subfolder for every post")
	f.String("custom-folder", "", "Folder name for a single-post download")
	f.Bool("manga", false, "Manga mode: process a creator feed oldest first with sequential names")
	f.String("manga-style", "", "Manga filename style (post_title, original_name, date_based, date_post_title, title_global_num)")
	f.String("manga-prefix", "", "Prefix for date_based manga filenames")
	f.IntP("post-workers", "w", config.DefaultPostWorkers, "Number of posts processed concurrently")
	f.IntP("file-threads", "n", config.DefaultFileThreads, "Concurrent file downloads per post")
	f.Bool("multipart", false, "Download large video and archive files as parallel byte ranges")
	f.Int("multipart-parts", config.DefaultMultipartParts, "Number of ranges for multi-part downloads")
	f.Int("start-page", 0, "First feed page to fetch (1-indexed)")
	f.Int("end-page", 0, "Last feed page to fetch (inclusive)")
	f.Bool("use-cookies", false, "Send cookies with every request")
	f.String("cookie-string", "", "Inline cookies, e.g. \"session=abc\"")
	f.String("cookie-file", "", "Netscape cookies.txt file (wins over --cookie-string)")
	f.Bool("auto-retry", false, "Retry failed files once at the end of the run without asking")
	f.BoolP("yes", "y", false, "Skip confirmation prompts")
	f.Bool("history-dedup", false, "Skip files whose hash is already in the download history")
	f.Bool("index", false, "Add downloaded files to the search index")
	f.String("control-addr", "", "Serve pause/resume/cancel/status and metrics on this address, e.g. 127.0.0.1:8090")
	f.Bool("no-history", false, "Do not read or write the download history")
	f.Bool("show-config", false, "Print the effective configuration as JSON and exit")

	for key, flag := range downloadFlagKeys {
		viper.BindPFlag("download."+key, downloadCmd.Flags().Lookup(flag))
	}
}

// downloadFlagKeys maps viper keys under "download." to their flags.
var downloadFlagKeys = map[string]string{
	"file_filter":        "file-filter",
	"skip_words":         "skip-words",
	"skip_words_scope":   "skip-words-scope",
	"character_filter":   "character-filter",
	"char_filter_scope":  "char-filter-scope",
	"skip_zip":           "skip-zip",
	"skip_rar":           "skip-rar",
	"scan_content":       "scan-content",
	"thumbnails_only":    "thumbnails-only",
	"external_links":     "external-links",
	"separate_folders":   "separate-folders",
	"subfolder_per_post": "subfolder-per-post",
	"custom_folder":      "custom-folder",
	"manga":              "manga",
	"manga_style":        "manga-style",
	"manga_prefix":       "manga-prefix",
	"post_workers":       "post-workers",
	"file_threads":       "file-threads",
	"multipart":          "multipart",
	"multipart_parts":    "multipart-parts",
	"start_page":         "start-page",
	"end_page":           "end-page",
	"use_cookies":        "use-cookies",
	"cookie_string":      "cookie-string",
	"cookie_file":        "cookie-file",
	"auto_retry":         "auto-retry",
	"yes":                "yes",
	"history_dedup":      "history-dedup",
	"index":              "index",
	"control_addr":       "control-addr",
}

// applyDownloadOverrides copies every flag or KEMONO_DOWNLOAD_* value that
// was explicitly set over the loaded config.
func applyDownloadOverrides(cfg *models.Config) {
	str := func(key string, dst *string) {
		if viper.IsSet("download." + key) {
			*dst = viper.GetString("download." + key)
		}
	}
	boolean := func(key string, dst *bool) {
		if viper.IsSet("download." + key) {
			*dst = viper.GetBool("download." + key)
		}
	}
	integer := func(key string, dst *int) {
		if viper.IsSet("download." + key) {
			*dst = viper.GetInt("download." + key)
		}
	}

	str("file_filter", &cfg.FileFilter)
	if viper.IsSet("download.skip_words") {
		cfg.SkipWords = viper.GetStringSlice("download.skip_words")
	}
	str("skip_words_scope", &cfg.SkipWordsScope)
	str("character_filter", &cfg.CharacterFilter)
	str("char_filter_scope", &cfg.CharFilterScope)
	boolean("skip_zip", &cfg.SkipZip)
	boolean("skip_rar", &cfg.SkipRar)
	boolean("scan_content", &cfg.ScanContentImages)
	boolean("thumbnails_only", &cfg.ThumbnailsOnly)
	boolean("external_links", &cfg.ShowExternalLinks)
	boolean("separate_folders", &cfg.SeparateFolders)
	boolean("subfolder_per_post", &cfg.SubfolderPerPost)
	str("custom_folder", &cfg.CustomFolderName)
	boolean("manga", &cfg.MangaMode)
	str("manga_style", &cfg.MangaStyle)
	str("manga_prefix", &cfg.MangaPrefix)
	integer("post_workers", &cfg.PostWorkers)
	integer("file_threads", &cfg.FileThreads)
	boolean("multipart", &cfg.Multipart)
	integer("multipart_parts", &cfg.MultipartParts)
	integer("start_page", &cfg.StartPage)
	integer("end_page", &cfg.EndPage)
	boolean("use_cookies", &cfg.UseCookies)
	str("cookie_string", &cfg.CookieString)
	str("cookie_file", &cfg.CookieFile)
	boolean("auto_retry", &cfg.AutoRetry)
	boolean("yes", &cfg.SkipConfirmation)
	boolean("history_dedup", &cfg.HistoryDedup)
	boolean("index", &cfg.IndexDownloads)
	str("control_addr", &cfg.ControlAddr)
}

// shownConfig is what --show-config prints.
type shownConfig struct {
	Config    models.Config    `json:"config"`
	Effective config.Effective `json:"effective"`
	Target    *api.Target      `json:"target,omitempty"`
}

// printEffectiveConfig writes cfg and the settings derived from it as JSON.
// The URL is optional here; without one the derived values assume a
// single-post target.
func printEffectiveConfig(w io.Writer, cfg models.Config) error {
	out := shownConfig{Config: cfg}
	target, err := api.ParseURL(cfg.URL)
	if err == nil {
		out.Target = &target
	} else if cfg.URL != "" {
		log.WithError(err).Warn("URL does not parse, derived settings assume no target")
	}
	out.Effective = config.Derive(cfg, target)

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshalling config: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
