package database

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"git.mills.io/prologic/bitcask"
	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a key is not found in the database.
var ErrNotFound = errors.New("key not found")

// gzipMagicBytes are the first two bytes of a gzip stream.
var gzipMagicBytes = []byte{0x1f, 0x8b}

// DB wraps a bitcask store. Values are gzip-compressed on write and
// transparently decompressed on read.
type DB struct {
	db *bitcask.Bitcask
	mu sync.RWMutex
}

// Open opens (or creates) the store directory at path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory %s: %w", path, err)
	}
	dbInstance, err := bitcask.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bitcask database at %s: %w", path, err)
	}
	log.Debugf("History database opened at %s", path)
	return &DB{db: dbInstance}, nil
}

func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Close()
}

func (d *DB) Has(key []byte) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db.Has(key)
}

// Get returns the decompressed value stored under key.
func (d *DB) Get(key []byte) ([]byte, error) {
	d.mu.RLock()
	value, err := d.db.Get(key)
	d.mu.RUnlock()
	if err != nil {
		if errors.Is(err, bitcask.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error getting key %s: %w", string(key), err)
	}
	return decompressIfGzipped(value)
}

// Put compresses and stores value under key.
func (d *DB) Put(key []byte, value []byte) error {
	compressed, err := compressGzip(value, gzip.BestCompression)
	if err != nil {
		return fmt.Errorf("error compressing value for key %s: %w", string(key), err)
	}
	d.mu.Lock()
	err = d.db.Put(key, compressed)
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("error putting key %s: %w", string(key), err)
	}
	return nil
}

func (d *DB) Delete(key []byte) error {
	d.mu.Lock()
	err := d.db.Delete(key)
	d.mu.Unlock()
	if err != nil {
		if errors.Is(err, bitcask.ErrKeyNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("error deleting key %s: %w", string(key), err)
	}
	return nil
}

// Fold calls fn with every key and its decompressed value. Keys whose value
// cannot be read are logged and skipped.
func (d *DB) Fold(fn func(key []byte, value []byte) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db.Fold(func(key []byte) error {
		raw, err := d.db.Get(key)
		if err != nil {
			log.WithError(err).Warnf("Fold: error getting value for key %s", string(key))
			return nil
		}
		value, err := decompressIfGzipped(raw)
		if err != nil {
			log.WithError(err).Warnf("Fold: error decompressing value for key %s", string(key))
			return nil
		}
		return fn(key, value)
	})
}

// Scan calls fn for every key starting with prefix.
func (d *DB) Scan(prefix string, fn func(key []byte, value []byte) error) error {
	p := []byte(prefix)
	return d.Fold(func(key, value []byte) error {
		if !bytes.HasPrefix(key, p) {
			return nil
		}
		return fn(key, value)
	})
}

func decompressIfGzipped(value []byte) ([]byte, error) {
	if !bytes.HasPrefix(value, gzipMagicBytes) {
		return value, nil
	}
	gReader, err := gzip.NewReader(bytes.NewReader(value))
	if err != nil {
		log.WithError(err).Warn("Error creating gzip reader for value, returning raw data.")
		return value, nil
	}
	defer gReader.Close()
	out, err := io.ReadAll(gReader)
	if err != nil {
		log.WithError(err).Warn("Error decompressing value, returning raw data.")
		return value, nil
	}
	return out, nil
}

func compressGzip(value []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	gWriter, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("error creating gzip writer: %w", err)
	}
	if _, err := gWriter.Write(value); err != nil {
		_ = gWriter.Close()
		return nil, fmt.Errorf("error writing compressed data: %w", err)
	}
	// Close flushes the trailer.
	if err := gWriter.Close(); err != nil {
		return nil, fmt.Errorf("error closing gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}
