package storage

import (
	"errors"
	"fmt"
	"time"
)

// KVConfig contains settings specific to BadgerDB connections
type KVConfig struct {
	StorageDirPath string
	// KeyTTLDuration is how long a journal entry is kept.
	KeyTTLDuration time.Duration
	// CleanupInterval is the minimum time between two garbage collection
	// runs. Each run of the application checks whether one is due.
	CleanupInterval time.Duration
}

// UnmarshalYAML parses a user-provided YAML configuration, returning any
// parsing errors.
func (kc *KVConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	v := make(map[string]string)
	err := unmarshal(&v)

	if err != nil {
		return fmt.Errorf("can't parse the storage config: %v", err)
	}

	sp, ok := v["storageDir"]
	if !ok || sp == "" {
		return errors.New("the storage config must include a storageDir")
	}
	kc.StorageDirPath = sp

	for k, d := range map[string]*time.Duration{
		"keyTTL":          &kc.KeyTTLDuration,
		"cleanupInterval": &kc.CleanupInterval,
	} {
		s, ok := v[k]
		if !ok {
			return fmt.Errorf("the storage config must include %v", k)
		}
		pd, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("can't parse %v as a duration: %v", k, err)
		}
		*d = pd
	}

	return nil
}

// CheckAndSetDefaults validates kc and either returns a copy of kc with
// default settings applied or returns an error due to an invalid
// configuration
func (kc KVConfig) CheckAndSetDefaults() (KVConfig, error) {
	if kc.StorageDirPath == "" {
		return KVConfig{}, errors.New("the storage config must include a storageDir")
	}
	if kc.KeyTTLDuration <= 0 {
		return KVConfig{}, errors.New("keyTTL must be positive")
	}
	if kc.CleanupInterval <= 0 {
		return KVConfig{}, errors.New("cleanupInterval must be positive")
	}
	return kc, nil
}

// KeyValue exposes a common interface for performing CRUD operations on an
// underlying storage layer.
//
// Implentations need to include connection logic in code to initialize
// a Store.
type KeyValue interface {
	// Replace the value of an entry or create a new one if it doesn't
	// exist
	Put(KVEntry) error
	// Return an entry given its key
	Read(key []byte) (KVEntry, error)
	// List returns every entry whose key starts with prefix, in key order
	List(prefix []byte) ([]KVEntry, error)
	// Cleanup performs routine deletion of old records. We assign
	// TTLs to KV pairs and delete them periodically.
	Cleanup() error
	// Drain/tear down the connection, or something analogous for
	// an embedded database
	Close() error
}

// KVEntry is what we'll write to and read from the KV store
type KVEntry struct {
	Key   []byte
	Value []byte
}
