// Package history persists deployment reports in a local bbolt database so
// past runs can be listed and re-rendered later.
package history

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/chatmrpt/convoy/internal/deploy"
)

var (
	// bucketRuns maps run ID to the serialized report.
	bucketRuns = []byte("runs")
	// bucketIndex maps an insertion sequence number to the run ID, giving
	// chronological order.
	bucketIndex = []byte("index")
)

// ErrRunNotFound is returned when a run ID (or prefix) matches nothing.
var ErrRunNotFound = errors.New("run not found")

// DefaultPath returns the default history database path.
// Respects $XDG_STATE_HOME if set, otherwise falls back to ~/.local/state.
func DefaultPath() string {
	stateDir := os.Getenv("XDG_STATE_HOME")
	if stateDir != "" {
		return filepath.Join(stateDir, "convoy", "history.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "state", "convoy", "history.db")
}

// Store is a bbolt-backed archive of deployment reports.
type Store struct {
	db *bolt.DB
}

// Open opens the history database at path, creating the file and its parent
// directory if needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRuns, bucketIndex} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save appends a report to the history.
func (s *Store) Save(report *deploy.Report) error {
	if report.RunID == "" {
		return errors.New("report has no run id")
	}
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		if err := runs.Put([]byte(report.RunID), data); err != nil {
			return err
		}
		index := tx.Bucket(bucketIndex)
		seq, err := index.NextSequence()
		if err != nil {
			return err
		}
		return index.Put(seqKey(seq), []byte(report.RunID))
	})
}

// Get loads a report by run ID. A unique prefix of the ID is accepted, so
// operators can paste the short form from `history list`.
func (s *Store) Get(runID string) (*deploy.Report, error) {
	var report deploy.Report
	err := s.db.View(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		data := runs.Get([]byte(runID))
		if data == nil {
			var err error
			data, err = findByPrefix(runs, runID)
			if err != nil {
				return err
			}
		}
		return json.Unmarshal(data, &report)
	})
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// List returns up to limit reports, newest first. A limit of zero or less
// returns everything.
func (s *Store) List(limit int) ([]*deploy.Report, error) {
	var reports []*deploy.Report
	err := s.db.View(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketIndex)
		runs := tx.Bucket(bucketRuns)

		c := index.Cursor()
		for k, runID := c.Last(); k != nil; k, runID = c.Prev() {
			if limit > 0 && len(reports) >= limit {
				break
			}
			data := runs.Get(runID)
			if data == nil {
				// Stale index row for a pruned run.
				continue
			}
			var report deploy.Report
			if err := json.Unmarshal(data, &report); err != nil {
				return fmt.Errorf("decode run %s: %w", runID, err)
			}
			reports = append(reports, &report)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reports, nil
}

// Latest returns the most recent report.
func (s *Store) Latest() (*deploy.Report, error) {
	reports, err := s.List(1)
	if err != nil {
		return nil, err
	}
	if len(reports) == 0 {
		return nil, fmt.Errorf("%w: history is empty", ErrRunNotFound)
	}
	return reports[0], nil
}

// Prune deletes all but the newest keep runs and reports how many were
// removed.
func (s *Store) Prune(keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}

	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketIndex)
		runs := tx.Bucket(bucketRuns)

		type row struct{ key, runID []byte }
		var rows []row
		if err := index.ForEach(func(k, v []byte) error {
			rows = append(rows, row{
				key:   append([]byte(nil), k...),
				runID: append([]byte(nil), v...),
			})
			return nil
		}); err != nil {
			return err
		}

		for i := 0; i < len(rows)-keep; i++ {
			if err := runs.Delete(rows[i].runID); err != nil {
				return err
			}
			if err := index.Delete(rows[i].key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func findByPrefix(runs *bolt.Bucket, prefix string) ([]byte, error) {
	if prefix == "" {
		return nil, fmt.Errorf("%w: empty run id", ErrRunNotFound)
	}

	var match []byte
	p := []byte(prefix)
	c := runs.Cursor()
	for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
		if match != nil {
			return nil, fmt.Errorf("run id prefix %q is ambiguous", prefix)
		}
		match = v
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, prefix)
	}
	return match, nil
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}
