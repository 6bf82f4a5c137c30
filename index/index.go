package index

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go-kemono-download/internal/database"
	"go-kemono-download/internal/models"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
)

const defaultIndexPath = "kemono.bleve"

// TypeFile is the Type of every downloaded-file item.
const TypeFile = "file"

// Item is one searchable downloaded file. Fields are searchable by their
// JSON names (e.g. '+service:patreon' or '+postTitle:sketch').
type Item struct {
	ID            string    `json:"id"`   // History key, f_<md5>
	Type          string    `json:"type"` // Always "file" for now
	Name          string    `json:"name"` // Final on-disk filename
	APIFilename   string    `json:"apiFilename,omitempty"`
	PostTitle     string    `json:"postTitle"`
	Service       string    `json:"service"`
	CreatorID     string    `json:"creatorId"`
	PostID        string    `json:"postId"`
	FilePath      string    `json:"filePath"`
	DirectoryPath string    `json:"directoryPath,omitempty"`
	MD5           string    `json:"md5"`
	FileSizeKB    float64   `json:"fileSizeKB,omitempty"`
	Published     time.Time `json:"published,omitempty"`

	// Populated by the 'torrent' command
	TorrentPath string `json:"torrentPath,omitempty"`
	MagnetLink  string `json:"magnetLink,omitempty"`
}

// ItemFromHistory builds the index item of a history entry saved below savePath.
func ItemFromHistory(savePath string, e models.HistoryEntry) Item {
	dir := filepath.Join(savePath, filepath.FromSlash(e.Folder))
	return Item{
		ID:            database.FileKey(e.MD5),
		Type:          TypeFile,
		Name:          e.Filename,
		APIFilename:   e.APIFilename,
		PostTitle:     e.PostTitle,
		Service:       e.Service,
		CreatorID:     e.CreatorID,
		PostID:        e.PostID,
		FilePath:      filepath.Join(dir, e.Filename),
		DirectoryPath: dir,
		MD5:           e.MD5,
		FileSizeKB:    float64(e.Size) / 1024,
		Published:     e.Published,
	}
}

// OpenOrCreateIndex opens an existing Bleve index or creates a new one if it doesn't exist.
func OpenOrCreateIndex(indexPath string) (bleve.Index, error) {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}

	index, err := bleve.Open(indexPath)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		log.Infof("Creating new index at: %s", indexPath)
		mapping := bleve.NewIndexMapping()
		index, err = bleve.New(indexPath, mapping)
		if err != nil {
			return nil, fmt.Errorf("failed to create index at %s: %w", indexPath, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to open index at %s: %w", indexPath, err)
	} else {
		log.Debugf("Opened existing index at: %s", indexPath)
	}
	return index, nil
}

// IndexItem adds or updates an item in the Bleve index.
func IndexItem(index bleve.Index, item Item) error {
	return index.Index(item.ID, item)
}

// SearchIndex performs a query-string search against the index.
func SearchIndex(index bleve.Index, query string, size int) (*bleve.SearchResult, error) {
	searchQuery := bleve.NewQueryStringQuery(query)
	searchRequest := bleve.NewSearchRequest(searchQuery)
	if size > 0 {
		searchRequest.Size = size
	}
	searchRequest.Fields = []string{"*"}
	searchResults, err := index.Search(searchRequest)
	if err != nil {
		return nil, fmt.Errorf("search %q failed: %w", query, err)
	}
	return searchResults, nil
}

// DeleteIndex removes the index directory.
func DeleteIndex(indexPath string) error {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}
	log.Warnf("Deleting index at: %s", indexPath)
	return os.RemoveAll(indexPath)
}

// Indexer adds downloaded files to an open index.
type Indexer struct {
	idx      bleve.Index
	savePath string
}

func NewIndexer(idx bleve.Index, savePath string) *Indexer {
	return &Indexer{idx: idx, savePath: savePath}
}

// Add indexes the file described by e.
func (i *Indexer) Add(e models.HistoryEntry) error {
	return IndexItem(i.idx, ItemFromHistory(i.savePath, e))
}
