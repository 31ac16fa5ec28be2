// Package history keeps a persistent log of finished background commands.
// Entries are stored in a bbolt bucket keyed by an auto-increment sequence so that
// cursor order is completion order. Only the newest entries are retained.
package history

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	bolt "go.etcd.io/bbolt"

	"github.com/doughall/linuxrmm/management/internal/commands"
)

const historyBucket = "command_history"

// MaxOutputBytes caps the stored output of one entry.
const MaxOutputBytes = 64 * 1024

// Entry is one finished command.
type Entry struct {
	Seq         uint64          `json:"seq"`
	CommandID   int32           `json:"command_id"`
	Source      string          `json:"source,omitempty"`
	CommandLine string          `json:"command_line"`
	Detached    bool            `json:"detached"`
	Status      int32           `json:"status"`
	Output      string          `json:"output,omitempty"`
	Truncated   bool            `json:"truncated,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
	DurationMs  int64           `json:"duration_ms"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// Store persists command history and implements commands.Sink.
type Store struct {
	db    *bolt.DB
	limit int
}

// Open opens or creates the history database at path, keeping at most limit entries.
func Open(path string, limit int) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open history db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(historyBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history bucket: %w", err)
	}

	if limit < 1 {
		limit = 1
	}
	return &Store{db: db, limit: limit}, nil
}

// CommandStarted is a no-op; only finished commands are recorded.
func (s *Store) CommandStarted(context.Context, commands.Result) error {
	return nil
}

// CommandFinished appends the result to the history.
func (s *Store) CommandFinished(_ context.Context, res commands.Result) error {
	e := &Entry{
		CommandID:   res.ID,
		Source:      res.Source,
		CommandLine: res.CommandLine,
		Detached:    res.Detached,
		Status:      res.Status,
		Output:      res.Output,
		StartedAt:   res.StartTime,
		FinishedAt:  res.EndTime,
		DurationMs:  res.Duration().Milliseconds(),
	}
	if len(e.Output) > MaxOutputBytes {
		out := e.Output[len(e.Output)-MaxOutputBytes:]
		for len(out) > 0 && !utf8.RuneStart(out[0]) {
			out = out[1:]
		}
		e.Output = out
		e.Truncated = true
	}
	if res.Metadata != nil {
		md, err := json.Marshal(res.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		e.Metadata = md
	}
	return s.Append(e)
}

// Append stores e, assigning its sequence number, and trims old entries.
func (s *Store) Append(e *Entry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(historyBucket))

		seq, _ := b.NextSequence()
		e.Seq = seq

		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := b.Put(itob(seq), data); err != nil {
			return err
		}

		// Keys are contiguous sequence numbers; drop everything older than the newest limit.
		if seq <= uint64(s.limit) {
			return nil
		}
		cutoff := seq - uint64(s.limit)
		c := b.Cursor()
		for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= cutoff; k, _ = c.First() {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(limit int) ([]*Entry, error) {
	var entries []*Entry

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(historyBucket)).Cursor()
		for k, v := c.Last(); k != nil && len(entries) < limit; k, v = c.Prev() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			entries = append(entries, &e)
		}
		return nil
	})

	return entries, err
}

// Count returns the number of stored entries.
func (s *Store) Count() (int, error) {
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket([]byte(historyBucket)).Stats().KeyN
		return nil
	})
	return count, err
}

// Shutdown closes the database.
func (s *Store) Shutdown(context.Context) error {
	return s.db.Close()
}

// itob converts uint64 to big-endian bytes for ordered keys
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
