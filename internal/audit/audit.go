// Package audit keeps a durable log of every control cycle so recommendations can be
// replayed and checked against their inputs.
package audit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/mrcode/nightscout-loop/internal/log"
	"github.com/mrcode/nightscout-loop/internal/loop"
)

// Record is one control cycle: what went in, what came out.
type Record struct {
	ID         string       `json:"id" msgpack:"id"`
	At         time.Time    `json:"at" msgpack:"at"`
	RecordedAt time.Time    `json:"recordedAt" msgpack:"recordedAt"`
	Source     string       `json:"source" msgpack:"source"`
	Input      *loop.Input  `json:"input,omitempty" msgpack:"input,omitempty"`
	Output     *loop.Output `json:"output,omitempty" msgpack:"output,omitempty"`
	Error      string       `json:"error,omitempty" msgpack:"error,omitempty"`
}

// Log is a Badger backed run log ordered by decision time
type Log struct {
	mu  sync.Mutex
	db  *badger.DB
	now func() time.Time
}

// badgerLogger routes badger's own messages into the application logger
type badgerLogger struct{}

func (badgerLogger) Errorf(f string, v ...any)   { log.Errorf("badger: "+f, v...) }
func (badgerLogger) Warningf(f string, v ...any) { log.Warnf("badger: "+f, v...) }
func (badgerLogger) Infof(f string, v ...any)    { log.Debugf("badger: "+f, v...) }
func (badgerLogger) Debugf(f string, v ...any)   { log.Debugf("badger: "+f, v...) }

// Open opens the log at path; an empty path keeps it in memory
func Open(path string) (*Log, error) {
	opts := badger.DefaultOptions(path).
		WithCompression(options.ZSTD).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{})
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &Log{db: db, now: time.Now}, nil
}

// Close closes the database
func (l *Log) Close() error {
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("close failed: %w", err)
	}
	return nil
}

// key orders records by decision time; the id suffix keeps records at the same instant apart
func key(at time.Time, id uuid.UUID) []byte {
	k := make([]byte, 8+16)
	binary.BigEndian.PutUint64(k[0:8], uint64(at.UnixNano()))
	copy(k[8:], id[:])
	return k
}

func timeKey(at time.Time) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(at.UnixNano()))
	return k
}

// Record stores the outcome of one cycle. runErr may be nil.
func (l *Log) Record(at time.Time, source string, in *loop.Input, out *loop.Output, runErr error) (Record, error) {
	id := uuid.New()
	rec := Record{
		ID:         id.String(),
		At:         at.UTC(),
		RecordedAt: l.now().UTC(),
		Source:     source,
		Input:      in,
		Output:     out,
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}

	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return Record{}, fmt.Errorf("encoding record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(rec.At, id), data)
	})
	if err != nil {
		return Record{}, fmt.Errorf("write error: %w", err)
	}
	return rec, nil
}

func decode(item *badger.Item, withInput bool) (Record, error) {
	var rec Record
	err := item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, &rec)
	})
	if err != nil {
		return Record{}, fmt.Errorf("record decode error: %w", err)
	}
	if !withInput {
		rec.Input = nil
	}
	return rec, nil
}

// Range returns records with decision times in [start, end], oldest first.
// Inputs are only decoded when withInput is set.
func (l *Log) Range(start, end time.Time, withInput bool) ([]Record, error) {
	var records []Record
	last := timeKey(end)

	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(timeKey(start)); it.Valid(); it.Next() {
			item := it.Item()
			if string(item.Key()[:8]) > string(last) {
				break
			}
			rec, err := decode(item, withInput)
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

// ErrEmpty is returned by Latest when nothing has been recorded.
var ErrEmpty = errors.New("audit log is empty")

// Latest returns the most recent record, including its input
func (l *Log) Latest() (Record, error) {
	var rec Record
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Rewind()
		if !it.Valid() {
			return ErrEmpty
		}
		var err error
		rec, err = decode(it.Item(), true)
		return err
	})
	return rec, err
}
