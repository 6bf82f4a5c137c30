package models

import (
	"path"
	"strings"
	"time"
)

type (
	Config struct {
		// Target
		URL              string `toml:"URL"`
		StartPage        int    `toml:"StartPage"` // 1-indexed, inclusive; 0 means unbounded
		EndPage          int    `toml:"EndPage"`
		CustomFolderName string `toml:"CustomFolderName"` // Only honoured for single-post URLs

		// Connection/Auth
		UseCookies          bool   `toml:"UseCookies"`
		CookieString        string `toml:"CookieString"`
		CookieFile          string `toml:"CookieFile"` // Netscape format; wins over CookieString
		UserAgent           string `toml:"UserAgent"`
		ApiDelayMs          int    `toml:"ApiDelayMs"`
		ApiClientTimeoutSec int    `toml:"ApiClientTimeoutSec"` // Read timeout per request

		// Paths
		SavePath       string `toml:"SavePath"`
		HistoryPath    string `toml:"HistoryPath"`
		BleveIndexPath string `toml:"BleveIndexPath"`
		KnownNamesPath string `toml:"KnownNamesPath"`

		// Filtering - Post Level
		FileFilter      string   `toml:"FileFilter"` // all|image|video|archive|audio|links
		SkipWords       []string `toml:"SkipWords"`
		SkipWordsScope  string   `toml:"SkipWordsScope"` // files|posts|both
		CharacterFilter string   `toml:"CharacterFilter"`
		CharFilterScope string   `toml:"CharFilterScope"` // title|files|both|comments

		// Filtering - File Level
		SkipZip           bool `toml:"SkipZip"`
		SkipRar           bool `toml:"SkipRar"`
		ScanContentImages bool `toml:"ScanContentImages"`
		ThumbnailsOnly    bool `toml:"ThumbnailsOnly"`
		ShowExternalLinks bool `toml:"ShowExternalLinks"`

		// Layout
		SeparateFolders  bool   `toml:"SeparateFolders"`
		SubfolderPerPost bool   `toml:"SubfolderPerPost"`
		ArtistFolder     string `toml:"ArtistFolder"` // Set by the favorites flow

		// Manga mode
		MangaMode   bool   `toml:"MangaMode"`
		MangaStyle  string `toml:"MangaStyle"`
		MangaPrefix string `toml:"MangaPrefix"`

		// Concurrency
		PostWorkers         int      `toml:"PostWorkers"`
		FileThreads         int      `toml:"FileThreads"`
		Multipart           bool     `toml:"Multipart"`
		MultipartParts      int      `toml:"MultipartParts"`
		MultipartMinSizeMB  int      `toml:"MultipartMinSizeMB"`
		MultipartExtensions []string `toml:"MultipartExtensions"`

		// Behaviour
		SaveHistory      bool   `toml:"SaveHistory"`
		HistoryDedup     bool   `toml:"HistoryDedup"` // Seed the hash set from history at run start
		IndexDownloads   bool   `toml:"IndexDownloads"`
		AutoRetry        bool   `toml:"AutoRetry"`
		SkipConfirmation bool   `toml:"SkipConfirmation"`
		ControlAddr      string `toml:"ControlAddr"`

		// Other
		LogApiRequests bool `toml:"LogApiRequests"`
	}

	// Post is one creator post as returned by the API. Immutable after creation.
	Post struct {
		ID          string       `json:"id" yaml:"id"`
		Service     string       `json:"service" yaml:"service"`
		CreatorID   string       `json:"user" yaml:"creator_id"`
		Title       string       `json:"title" yaml:"title"`
		Published   time.Time    `json:"published" yaml:"published"`
		Added       time.Time    `json:"added" yaml:"added"`
		File        *Attachment  `json:"file,omitempty" yaml:"file,omitempty"`
		Attachments []Attachment `json:"attachments" yaml:"attachments"`
		Content     string       `json:"content" yaml:"-"`
	}

	Attachment struct {
		Name string `json:"name" yaml:"name"`
		Path string `json:"path" yaml:"path"`
	}

	// FileRef is one downloadable file derived from a post.
	FileRef struct {
		URL         string     `yaml:"url"`
		APIFilename string     `yaml:"api_filename"`
		Source      FileSource `yaml:"source"`
		Index       int        `yaml:"index"` // Position within the post
	}

	// DownloadJob is the unit handed to the file downloader. It carries
	// everything needed to repeat the download with identical semantics.
	DownloadJob struct {
		File           FileRef           `yaml:"file"`
		TargetFolder   string            `yaml:"target_folder"`
		TargetFilename string            `yaml:"target_filename"`
		RelFolder      string            `yaml:"rel_folder"` // TargetFolder relative to SavePath, used for dedup keys
		Headers        map[string]string `yaml:"headers,omitempty"`
		Service        string            `yaml:"service"`
		CreatorID      string            `yaml:"creator_id"`
		PostID         string            `yaml:"post_id"`
		PostTitle      string            `yaml:"post_title"`
		Published      time.Time         `yaml:"published"`
		GlobalNumber   int               `yaml:"global_number,omitempty"`
		Multipart      MultipartPolicy   `yaml:"multipart"`
	}

	// MultipartPolicy decides when a file is fetched as concurrent byte ranges.
	MultipartPolicy struct {
		Enabled    bool     `yaml:"enabled" json:"enabled"`
		Parts      int      `yaml:"parts" json:"parts"`
		MinSize    int64    `yaml:"min_size" json:"minSize"`
		Extensions []string `yaml:"extensions" json:"extensions"`
	}

	// Failure is a file download that did not complete. Retryable ones may be
	// re-run once; permanent ones are only exported.
	Failure struct {
		Job      DownloadJob `yaml:"job"`
		Reason   string      `yaml:"reason"`
		Attempts int         `yaml:"attempts"`
	}

	FileResult struct {
		Status    FileStatus
		Reason    string
		Path      string
		Bytes     int64
		MD5       string
		BLAKE3    string
		Job       DownloadJob
		Err       error
		Fatal     bool // Out of space and similar; the run must stop
		Cancelled bool
	}

	PostResult struct {
		PostID            string
		Downloaded        int
		Skipped           int
		KeptOriginalNames []string
		Retryable         []Failure
		Permanent         []Failure
		History           []HistoryEntry
		Fatal             bool
		Cancelled         bool
	}

	// HistoryEntry records one successfully written file.
	HistoryEntry struct {
		Service     string    `json:"service"`
		CreatorID   string    `json:"creatorId"`
		PostID      string    `json:"postId"`
		PostTitle   string    `json:"postTitle"`
		URL         string    `json:"url"`
		Folder      string    `json:"folder"` // Relative to SavePath
		Filename    string    `json:"filename"`
		APIFilename string    `json:"apiFilename"`
		MD5         string    `json:"md5"`
		BLAKE3      string    `json:"blake3,omitempty"`
		Size        int64     `json:"size"`
		Published   time.Time `json:"published"`
		Timestamp   int64     `json:"timestamp"`
		Status      string    `json:"status"`
	}

	// Favorite is one entry of the account favorites endpoint.
	Favorite struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Service   string `json:"service"`
		CreatorID string `json:"user"`
		Title     string `json:"title"`
	}

	Summary struct {
		RunID             string
		Downloaded        int
		Skipped           int
		Cancelled         bool
		KeptOriginalNames []string
		Retryable         []Failure
		Permanent         []Failure
		Code              ExitCode
	}

	// RunStatus is a point-in-time view of a run for the control surface.
	RunStatus struct {
		RunID          string `json:"runId"`
		State          string `json:"state"`
		Paused         bool   `json:"paused"`
		PostsTotal     int    `json:"postsTotal"`
		PostsProcessed int    `json:"postsProcessed"`
		Downloaded     int    `json:"downloaded"`
		Skipped        int    `json:"skipped"`
		Retryable      int    `json:"retryable"`
		Failed         int    `json:"failed"`
	}
)

type FileSource string

const (
	SourceAttachment FileSource = "attachment"
	SourceInline     FileSource = "inline"
	SourceThumbnail  FileSource = "thumbnail"
)

type FileStatus int

const (
	StatusSuccess FileStatus = iota
	StatusSkipped
	StatusFailedRetryable
	StatusFailed
)

func (s FileStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusSkipped:
		return "skipped"
	case StatusFailedRetryable:
		return "failed_retryable"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

type ExitCode string

const (
	ExitOK          ExitCode = "ok"
	ExitCancelled   ExitCode = "cancelled"
	ExitFailedSetup ExitCode = "failed_setup"
	ExitFailedAuth  ExitCode = "failed_auth"
)

// History status constants
const (
	StatusDownloaded = "Downloaded"
	StatusError      = "Error"
)

// Manga filename styles
const (
	MangaPostTitle      = "post_title"
	MangaOriginalName   = "original_name"
	MangaDateBased      = "date_based"
	MangaDatePostTitle  = "date_post_title"
	MangaTitleGlobalNum = "title_global_num"
)

// Ext returns the lowercased extension of the file, taken from the API name
// and falling back to the URL path.
func (f FileRef) Ext() string {
	ext := strings.ToLower(path.Ext(f.APIFilename))
	if ext == "" {
		p := f.URL
		if i := strings.IndexAny(p, "?#"); i >= 0 {
			p = p[:i]
		}
		ext = strings.ToLower(path.Ext(p))
	}
	return ext
}

// Date returns the publication date used for naming, falling back to the
// date the post was added.
func (p Post) Date() time.Time {
	if !p.Published.IsZero() {
		return p.Published
	}
	return p.Added
}

// TotalFiles counts the attachments plus the main file entry.
func (p Post) TotalFiles() int {
	n := len(p.Attachments)
	if p.File != nil && p.File.Path != "" {
		n++
	}
	return n
}
