package queue

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const (
	jobsFileName = "jobs.jsonl"
	lockFileName = "jobs.jsonl.lock"
)

// Store persists Jobs as a JSON-lines file guarded by an
// exclusive advisory file lock (gofrs/flock), so multiple processes never
// interleave writes. Mutations rewrite the whole file via a
// write-temp-then-rename so a crash mid-write never corrupts the log;
// reads are served from the in-memory cache the Queue keeps, never from
// disk directly.
type Store struct {
	path string
	lock *flock.Flock
}

// NewStore opens (without loading) the job store rooted at dataDir.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue data dir: %w", err)
	}
	return &Store{
		path: filepath.Join(dataDir, jobsFileName),
		lock: flock.New(filepath.Join(dataDir, lockFileName)),
	}, nil
}

// Load reads every record from the jobs file, resets any job found in
// StateRunning back to StatePending (crash recovery — no worker survives
// a restart), and drops terminal jobs whose FinishedAt is older than
// maxAge. It returns the surviving jobs in their original file order
// (oldest enqueued first), which the Queue rebuilds its cache from.
func (s *Store) Load(maxAge time.Duration) ([]*Job, error) {
	if err := s.lock.Lock(); err != nil {
		return nil, fmt.Errorf("lock queue store: %w", err)
	}
	defer s.lock.Unlock()

	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}
	defer f.Close()

	var jobs []*Job
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var j Job
		if err := json.Unmarshal(line, &j); err != nil {
			// A malformed or truncated record; skip it rather than
			// failing startup.
			continue
		}
		jobs = append(jobs, &j)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read queue store: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	recovered := make([]*Job, 0, len(jobs))
	for _, j := range jobs {
		if j.State == StateRunning {
			j.State = StatePending
			j.CancelReq = false
			j.StartedAt = time.Time{}
		}
		if j.State.Terminal() && !j.FinishedAt.IsZero() && j.FinishedAt.Before(cutoff) {
			continue
		}
		recovered = append(recovered, j)
	}

	return recovered, nil
}

// Flush rewrites the entire jobs file from the given snapshot, one JSON
// record per line, via write-temp-then-rename for atomicity, all under
// the store's exclusive lock.
func (s *Store) Flush(jobs []*Job) error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("lock queue store: %w", err)
	}
	defer s.lock.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".jobs-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp queue file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, j := range jobs {
		if err := enc.Encode(j); err != nil {
			tmp.Close()
			return fmt.Errorf("encode job %s: %w", j.ID, err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush temp queue file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp queue file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp queue file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename temp queue file: %w", err)
	}
	return nil
}
