// Package settings provides a small persistent key-value store for state
// that must survive a suspend/resume cycle of the backend session process.
// Values are JSON blobs in a single bolt bucket.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	_configKeyPath = "settings.path"
	_bucketName    = "settings"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// Store persists small JSON-encoded values across process restarts.
type Store interface {
	Put(key string, value interface{}) error
	// Get unmarshals the stored value into out, reporting whether the key
	// was present.
	Get(key string, out interface{}) (bool, error)
	Delete(key string) error
}

type store struct {
	db     *bolt.DB
	logger *zap.SugaredLogger
}

// Params define values used to construct the Store.
type Params struct {
	fx.In

	Config    config.Provider
	Lifecycle fx.Lifecycle
	Logger    *zap.SugaredLogger
}

// New opens (creating if needed) the settings database configured at
// settings.path and registers a lifecycle hook to close it.
func New(p Params) (Store, error) {
	var path string
	if err := p.Config.Get(_configKeyPath).Populate(&path); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeyPath, err)
	}
	if path == "" {
		return nil, fmt.Errorf("missing field %q in config", _configKeyPath)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening settings db: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(_bucketName))
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return db.Close()
		},
	})

	return &store{db: db, logger: p.Logger}, nil
}

// NewWithDB wraps an already-open database. Intended for tests.
func NewWithDB(db *bolt.DB, logger *zap.SugaredLogger) (Store, error) {
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(_bucketName))
		return err
	}); err != nil {
		return nil, err
	}
	return &store{db: db, logger: logger}, nil
}

func (s *store) Put(key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshalling %q: %w", key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(_bucketName)).Put([]byte(key), data)
	})
}

func (s *store) Get(key string, out interface{}) (bool, error) {
	var data []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(_bucketName)).Get([]byte(key)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return false, err
	}

	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("unmarshalling %q: %w", key, err)
	}
	return true, nil
}

func (s *store) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(_bucketName)).Delete([]byte(key))
	})
}
