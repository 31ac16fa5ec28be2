package scheduler

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const lastRunBucket = "maintenance_last_run"

// State persists the last run time of each maintenance job.
type State struct {
	db *bolt.DB
}

// OpenState opens or creates the state database at path.
func OpenState(path string) (*State, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open maintenance state: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(lastRunBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create maintenance bucket: %w", err)
	}
	return &State{db: db}, nil
}

// LastRun returns when job last ran. ok is false if it never ran.
func (s *State) LastRun(job string) (t time.Time, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(lastRunBucket)).Get([]byte(job))
		if data == nil {
			return nil
		}
		ok = true
		return t.UnmarshalBinary(data)
	})
	return t, ok, err
}

// SetLastRun records that job ran at t.
func (s *State) SetLastRun(job string, t time.Time) error {
	data, err := t.MarshalBinary()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(lastRunBucket)).Put([]byte(job), data)
	})
}

// Shutdown closes the database.
func (s *State) Shutdown(context.Context) error {
	return s.db.Close()
}
