package cmd

import (
	"fmt"
	"path/filepath"

	"go-kemono-download/index"
	"go-kemono-download/internal/api"
	"go-kemono-download/internal/cookies"
	"go-kemono-download/internal/database"
	"go-kemono-download/internal/events"
	"go-kemono-download/internal/knownnames"
	"go-kemono-download/internal/metrics"
	"go-kemono-download/internal/models"
	"go-kemono-download/internal/scheduler"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
)

// runEnv holds the stores shared by every scheduler a command starts.
type runEnv struct {
	history *database.DB
	idx     bleve.Index
	indexer *index.Indexer
	known   *knownnames.Registry
	metrics *metrics.Metrics
}

// openRunEnv opens the history database, search index and Known.txt
// registry that cfg asks for.
func openRunEnv(cfg models.Config, noHistory bool) (*runEnv, error) {
	env := &runEnv{metrics: metrics.New()}

	known, err := knownnames.Load(knownNamesPath(cfg))
	if err != nil {
		return nil, err
	}
	env.known = known

	if cfg.SaveHistory && !noHistory && cfg.HistoryPath != "" {
		db, err := database.Open(cfg.HistoryPath)
		if err != nil {
			return nil, fmt.Errorf("error opening history database: %w", err)
		}
		env.history = db
	}

	if cfg.IndexDownloads && cfg.BleveIndexPath != "" {
		idx, err := index.OpenOrCreateIndex(cfg.BleveIndexPath)
		if err != nil {
			env.Close()
			return nil, fmt.Errorf("error opening search index: %w", err)
		}
		env.idx = idx
		env.indexer = index.NewIndexer(idx, cfg.SavePath)
	}
	return env, nil
}

func (e *runEnv) Close() {
	if e.idx != nil {
		if err := e.idx.Close(); err != nil {
			log.WithError(err).Error("Error closing search index")
		}
	}
	if e.history != nil {
		if err := e.history.Close(); err != nil {
			log.WithError(err).Error("Error closing history database")
		}
	}
}

// newScheduler wires a scheduler for cfg to the shared stores.
func (e *runEnv) newScheduler(cfg models.Config, client *api.Client, sink events.Sink) *scheduler.Scheduler {
	opts := scheduler.Options{
		Config:     cfg,
		Client:     client,
		Sink:       sink,
		KnownNames: e.known.Snapshot(),
		Metrics:    e.metrics,
	}
	if e.history != nil {
		opts.History = e.history
	}
	if e.indexer != nil {
		opts.Index = e.indexer
	}
	return scheduler.New(opts)
}

// resolveClient loads the cookies for cfg's target host and builds the client.
func resolveClient(cfg models.Config) *api.Client {
	domain := api.KemonoHost
	if target, err := api.ParseURL(cfg.URL); err == nil {
		domain = target.Host
	}
	return clientForDomain(cfg, domain)
}

func clientForDomain(cfg models.Config, domain string) *api.Client {
	jar := cookies.Resolve(cookies.Options{
		UseCookies: cfg.UseCookies,
		Inline:     cfg.CookieString,
		FilePath:   cfg.CookieFile,
		BaseDir:    cfg.SavePath,
		Domain:     domain,
	})
	return newAPIClient(cfg, jar)
}

// knownNamesPath resolves a relative Known.txt path against the save path.
func knownNamesPath(cfg models.Config) string {
	p := cfg.KnownNamesPath
	if p == "" || filepath.IsAbs(p) || cfg.SavePath == "" {
		return p
	}
	return filepath.Join(cfg.SavePath, p)
}
