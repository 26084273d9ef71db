package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Journal file names inside the stream directory. Both files are
// append-only JSONL; together they reconstruct the full stream state.
const (
	memoriesFile = "memories.jsonl"
	accessFile   = "memory_access.jsonl"

	journalMaxLineBytes = 1 << 20
)

// accessRecord is one retrieve event. It carries the resulting counters
// so replay restores the exact post-retrieve state without recomputing
// boosts against the wall clock.
type accessRecord struct {
	MemoryID    string    `json:"memory_id"`
	AccessedAt  time.Time `json:"accessed_at"`
	AccessCount int       `json:"access_count"`
	Strength    float64   `json:"memory_strength"`
}

type journal struct {
	dir string
}

func openJournal(dir string) (*journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &journal{dir: dir}, nil
}

func (j *journal) appendMemory(m *Memory) error {
	return j.appendLine(memoriesFile, m)
}

func (j *journal) appendAccess(rec accessRecord) error {
	return j.appendLine(accessFile, rec)
}

// appendLine marshals v and appends it as one line. The stream mutex
// serializes callers, so no extra locking is needed here.
func (j *journal) appendLine(name string, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(j.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// loadJournal rebuilds the stream from the journal files: memories in
// insertion order, then the access log replayed on top. Malformed lines
// are skipped with a warning so one torn write cannot brick a restart.
// Runs during construction, before the stream is shared.
func (s *Stream) loadJournal() error {
	if err := s.eachLine(memoriesFile, func(line []byte, n int) {
		var m Memory
		if err := json.Unmarshal(line, &m); err != nil || m.ID == "" {
			s.logger.Warn("skipping malformed journal line", "file", memoriesFile, "line", n)
			return
		}
		if _, exists := s.byID[m.ID]; exists {
			s.logger.Warn("skipping duplicate journaled memory", "memory_id", m.ID, "line", n)
			return
		}
		stored := m
		s.entries = append(s.entries, &stored)
		s.byID[stored.ID] = &stored
	}); err != nil {
		return err
	}

	return s.eachLine(accessFile, func(line []byte, n int) {
		var rec accessRecord
		if err := json.Unmarshal(line, &rec); err != nil || rec.MemoryID == "" {
			s.logger.Warn("skipping malformed journal line", "file", accessFile, "line", n)
			return
		}
		m, ok := s.byID[rec.MemoryID]
		if !ok {
			s.logger.Warn("access record for unknown memory", "memory_id", rec.MemoryID, "line", n)
			return
		}
		m.AccessCount = rec.AccessCount
		if rec.Strength > m.Strength {
			m.Strength = rec.Strength
		}
		if rec.AccessedAt.After(m.LastAccessedAt) {
			m.LastAccessedAt = rec.AccessedAt
		}
		s.touchRecentLocked(m)
	})
}

func (s *Stream) eachLine(name string, fn func(line []byte, n int)) error {
	return scanLines(s.cfg.Dir, name, fn)
}

func scanLines(dir, name string, fn func(line []byte, n int)) error {
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), journalMaxLineBytes)
	n := 0
	for sc.Scan() {
		n++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		fn(line, n)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", name, err)
	}
	return nil
}

// VerifyJournal scans both journal files without building a stream,
// reporting how many records parse and how many are malformed. It
// never mutates the journal.
func VerifyJournal(dir string) (records, malformed int, err error) {
	if err := scanLines(dir, memoriesFile, func(line []byte, n int) {
		var m Memory
		if json.Unmarshal(line, &m) != nil || m.ID == "" {
			malformed++
			return
		}
		records++
	}); err != nil {
		return records, malformed, err
	}
	err = scanLines(dir, accessFile, func(line []byte, n int) {
		var rec accessRecord
		if json.Unmarshal(line, &rec) != nil || rec.MemoryID == "" {
			malformed++
			return
		}
		records++
	})
	return records, malformed, err
}
