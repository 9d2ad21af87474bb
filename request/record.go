package request

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	yaml "gopkg.in/yaml.v2"

	"github.com/ptgott/relaymail/storage"
)

// keyPrefix groups journal records in the KV store. Record keys sort by
// the time the request was received.
const keyPrefix = "submission/"

// keyTimeFormat has a fixed width so keys sort chronologically.
const keyTimeFormat = "2006-01-02T15:04:05.000000000Z"

// Record is the journal entry kept for every request we tried to deliver,
// whatever the outcome. It's history only--nothing reads it to send again.
type Record struct {
	ID        string         `yaml:"id"`
	Received  time.Time      `yaml:"received"`
	Request   ContactRequest `yaml:"request"`
	Delivered bool           `yaml:"delivered"`
	// Error is the relay diagnostic if delivery failed.
	Error     string `yaml:"error,omitempty"`
	AlertSent bool   `yaml:"alertSent,omitempty"`
	Confirmed bool   `yaml:"confirmed,omitempty"`
}

// NewRecord starts a journal record for cr, received at t.
func NewRecord(cr ContactRequest, t time.Time) Record {
	return Record{
		ID:       uuid.New().String(),
		Received: t.UTC(),
		Request:  cr,
	}
}

// Key is where the record lives in the KV store.
func (r Record) Key() []byte {
	return []byte(keyPrefix + r.Received.UTC().Format(keyTimeFormat) + "/" + r.ID)
}

// NewKVEntry prepares the Record to be saved in the KV database
func (r Record) NewKVEntry() (storage.KVEntry, error) {
	b, err := yaml.Marshal(r)
	if err != nil {
		return storage.KVEntry{}, fmt.Errorf("can't serialize the record: %v", err)
	}
	return storage.KVEntry{
		Key:   r.Key(),
		Value: b,
	}, nil
}

// RecordFromKVEntry reads a Record saved with NewKVEntry.
func RecordFromKVEntry(e storage.KVEntry) (Record, error) {
	if !strings.HasPrefix(string(e.Key), keyPrefix) {
		return Record{}, fmt.Errorf("%q is not a journal key", e.Key)
	}
	var r Record
	if err := yaml.Unmarshal(e.Value, &r); err != nil {
		return Record{}, fmt.Errorf("can't read the record at %q: %v", e.Key, err)
	}
	return r, nil
}

// Save writes r to db.
func (r Record) Save(db storage.KeyValue) error {
	e, err := r.NewKVEntry()
	if err != nil {
		return err
	}
	return db.Put(e)
}

// History returns every journal record in db, oldest first.
func History(db storage.KeyValue) ([]Record, error) {
	es, err := db.List([]byte(keyPrefix))
	if err != nil {
		return nil, err
	}
	rs := make([]Record, 0, len(es))
	for _, e := range es {
		r, err := RecordFromKVEntry(e)
		if err != nil {
			return nil, err
		}
		rs = append(rs, r)
	}
	return rs, nil
}
