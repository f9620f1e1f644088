// Package kv implements the validator's persistent state on top of boltdb:
// miners and their manifests, the blacklist, organic jobs, transferred
// receipts, allowance cells and reservations, system events and metagraph
// snapshots. Values are stored as snappy-compressed json.
package kv

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	prombbolt "github.com/prysmaticlabs/prombbolt"
	bolt "go.etcd.io/bbolt"
)

const (
	// DatabaseFileName is the name of the validator database file.
	DatabaseFileName = "forge-validator.db"
	dbFilePermission     = 0600
	boltOpenTimeout      = 1 * time.Second
)

// Store is the persistence layer of the forge validator.
type Store struct {
	db           *bolt.DB
	databasePath string
}

// Config for the bolt store.
type Config struct {
	// InitialMMapSize preallocates the mmap; zero uses bolt's default.
	InitialMMapSize int
}

// NewKVStore initializes a new boltdb at the directory path, creating all
// buckets the validator needs.
func NewKVStore(ctx context.Context, dirPath string, _ *Config) (*Store, error) {
	hasDir, err := exists(dirPath)
	if err != nil {
		return nil, err
	}
	if !hasDir {
		if err := os.MkdirAll(dirPath, 0700); err != nil {
			return nil, errors.Wrap(err, "could not create database directory")
		}
	}
	datafile := filepath.Join(dirPath, DatabaseFileName)
	boltDB, err := bolt.Open(datafile, dbFilePermission, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, errors.New("cannot obtain database lock, database may be in use by another process")
		}
		return nil, err
	}

	kv := &Store{db: boltDB, databasePath: dirPath}
	if err := kv.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := prometheus.Register(prombbolt.New("validator_db", boltDB)); err != nil {
		// A second open within one process (e.g. tests) re-registers the
		// same collector; that is not worth failing startup over.
		log.WithError(err).Debug("Could not register boltdb prometheus collector")
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return kv, nil
}

// Close closes the underlying boltdb database.
func (s *Store) Close() error {
	prometheus.Unregister(prombbolt.New("validator_db", s.db))
	return s.db.Close()
}

// DatabasePath at which this database writes files.
func (s *Store) DatabasePath() string {
	return s.databasePath
}

// ClearDB removes any previously stored data at the configured data directory.
func (s *Store) ClearDB() error {
	if err := s.Close(); err != nil {
		return errors.Wrap(err, "could not close db prior to clearing")
	}
	datafile := filepath.Join(s.databasePath, DatabaseFileName)
	if _, err := os.Stat(datafile); os.IsNotExist(err) {
		return nil
	}
	return os.Remove(datafile)
}

func (s *Store) update(fn func(*bolt.Tx) error) error {
	return s.db.Update(fn)
}

func (s *Store) view(fn func(*bolt.Tx) error) error {
	return s.db.View(fn)
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
