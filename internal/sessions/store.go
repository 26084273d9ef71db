package sessions

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	indexFile    = "sessions.json"
	maxLineBytes = 1 << 20 // transcript lines beyond 1 MiB are corrupt by definition
)

// Store persists per-session transcripts as append-only JSONL files with
// a sibling metadata file and a single key→id index. All writes for one
// session serialize on a per-session mutex; readers may observe slightly
// stale caches but never partial lines.
type Store struct {
	dir    string
	reset  ResetPolicy
	logger *slog.Logger

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	sessions map[string]*Session
	index    map[string]string
	messages map[string][]Message
}

// NewStore opens (or creates) the store rooted at dir and loads the
// index plus all live session metadata.
func NewStore(dir string, reset ResetPolicy) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	s := &Store{
		dir:      dir,
		reset:    reset,
		logger:   slog.Default().With("component", "sessions"),
		locks:    make(map[string]*sync.Mutex),
		sessions: make(map[string]*Session),
		index:    make(map[string]string),
		messages: make(map[string][]Message),
	}
	s.loadAll()
	return s, nil
}

// Dir returns the storage directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) transcriptPath(id string) string {
	return filepath.Join(s.dir, id+".jsonl")
}

func (s *Store) metaPath(id string) string {
	return filepath.Join(s.dir, id+".meta.json")
}

func (s *Store) backupPath(id string) string {
	return filepath.Join(s.dir, id+".backup.jsonl")
}

// sessionLock returns the write mutex for one session id.
func (s *Store) sessionLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// CreateOptions carries the optional fields of CreateSession.
type CreateOptions struct {
	Key             string
	Channel         string
	PeerID          string
	Model           string
	Origin          string
	ParentSessionID string
	Metadata        map[string]any
}

// CreateSession allocates a fresh session id, writes its metadata and
// transcript files, and registers the key in the index.
func (s *Store) CreateSession(opts CreateOptions) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:              uuid.NewString(),
		Key:             opts.Key,
		State:           StateCreated,
		Model:           opts.Model,
		Channel:         opts.Channel,
		PeerID:          opts.PeerID,
		Origin:          opts.Origin,
		ParentSessionID: opts.ParentSessionID,
		CreatedAt:       now,
		LastActivity:    now,
		ResetPolicy:     s.reset.Policy,
		Metadata:        opts.Metadata,
	}
	if sess.Key == "" {
		sess.Key = sess.ID
	}

	if err := writeJSONAtomic(s.dir, s.metaPath(sess.ID), sess); err != nil {
		return nil, fmt.Errorf("write session meta: %w", err)
	}
	f, err := os.OpenFile(s.transcriptPath(sess.ID), os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("create transcript: %w", err)
	}
	f.Close()

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.index[sess.Key] = sess.ID
	s.messages[sess.ID] = []Message{}
	err = s.writeIndexLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.logger.Info("session created", "session_id", sess.ID, "session_key", sess.Key)
	cp := *sess
	return &cp, nil
}

// GetSession returns a copy of the session metadata.
func (s *Store) GetSession(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	cp := *sess
	return &cp, nil
}

// FindSessionByKey resolves a session key via the index.
func (s *Store) FindSessionByKey(key string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.index[key]
	if !ok {
		return nil, fmt.Errorf("session key %s: %w", key, ErrNotFound)
	}
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	cp := *sess
	return &cp, nil
}

// AppendMessage writes one message to the transcript and updates the
// metadata, atomically with respect to other writers of this session.
func (s *Store) AppendMessage(id string, msg Message) error {
	return s.AppendMessages(id, []Message{msg})
}

// AppendMessages is the batch variant of AppendMessage. All lines are
// written under a single acquisition of the session lock.
func (s *Store) AppendMessages(id string, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	l := s.sessionLock(id)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if sess.State == StateArchived {
		return fmt.Errorf("session %s: %w", id, ErrAlreadyArchived)
	}

	now := time.Now().UTC()
	for i := range msgs {
		if msgs[i].ID == "" {
			msgs[i].ID = uuid.NewString()
		}
		if msgs[i].Timestamp.IsZero() {
			msgs[i].Timestamp = now
		}
	}

	f, err := os.OpenFile(s.transcriptPath(id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, msg := range msgs {
		line, err := json.Marshal(msg)
		if err != nil {
			f.Close()
			return fmt.Errorf("marshal message: %w", err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("append transcript: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close transcript: %w", err)
	}

	s.mu.Lock()
	sess.MessageCount += len(msgs)
	sess.LastActivity = now
	if sess.State == StateCreated {
		for _, msg := range msgs {
			if msg.Role == RoleUser {
				sess.State = StateActive
				break
			}
		}
	}
	if cached, ok := s.messages[id]; ok {
		s.messages[id] = append(cached, msgs...)
	}
	snapshot := *sess
	s.mu.Unlock()

	return writeJSONAtomic(s.dir, s.metaPath(id), &snapshot)
}

// GetMessages returns the full ordered transcript, from cache when warm.
func (s *Store) GetMessages(id string) ([]Message, error) {
	s.mu.Lock()
	if cached, ok := s.messages[id]; ok {
		out := make([]Message, len(cached))
		copy(out, cached)
		s.mu.Unlock()
		return out, nil
	}
	_, known := s.sessions[id]
	s.mu.Unlock()
	if !known {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}

	msgs, err := s.readTranscript(s.transcriptPath(id))
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.messages[id] = msgs
	out := make([]Message, len(msgs))
	copy(out, msgs)
	s.mu.Unlock()
	return out, nil
}

// GetRecentMessages returns the last n transcript messages.
func (s *Store) GetRecentMessages(id string, n int) ([]Message, error) {
	msgs, err := s.GetMessages(id)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return msgs, nil
}

// readTranscript streams a JSONL file. A missing file yields an empty
// transcript; an unparseable line yields a CorruptTranscriptError.
func (s *Store) readTranscript(path string) ([]Message, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Message{}, nil
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	msgs := []Message{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return nil, &CorruptTranscriptError{Path: path, Line: lineNo, Err: err}
		}
		msgs = append(msgs, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, &CorruptTranscriptError{Path: path, Line: lineNo + 1, Err: err}
	}
	return msgs, nil
}

// UpdateSessionState transitions the session lifecycle state.
func (s *Store) UpdateSessionState(id string, state State) error {
	l := s.sessionLock(id)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	sess.State = state
	snapshot := *sess
	s.mu.Unlock()

	return writeJSONAtomic(s.dir, s.metaPath(id), &snapshot)
}

// UpdateTokenUsage accumulates token counters from a completed run.
func (s *Store) UpdateTokenUsage(id string, inputTokens, outputTokens int64) error {
	l := s.sessionLock(id)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	sess.InputTokens += inputTokens
	sess.OutputTokens += outputTokens
	snapshot := *sess
	s.mu.Unlock()

	return writeJSONAtomic(s.dir, s.metaPath(id), &snapshot)
}

// CompactSession replaces the whole transcript with newMessages. The old
// transcript is kept as <id>.backup.jsonl until the replacement and the
// metadata are durably written; any failure restores the backup.
func (s *Store) CompactSession(id string, newMessages []Message) error {
	l := s.sessionLock(id)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if sess.State == StateArchived {
		return fmt.Errorf("session %s: %w", id, ErrAlreadyArchived)
	}

	transcript := s.transcriptPath(id)
	backup := s.backupPath(id)
	if err := os.Rename(transcript, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("backup transcript: %w", err)
	}

	restore := func() {
		os.Remove(transcript)
		if err := os.Rename(backup, transcript); err != nil && !os.IsNotExist(err) {
			s.logger.Error("restore transcript backup failed", "session_id", id, "error", err)
		}
	}

	now := time.Now().UTC()
	for i := range newMessages {
		if newMessages[i].ID == "" {
			newMessages[i].ID = uuid.NewString()
		}
		if newMessages[i].Timestamp.IsZero() {
			newMessages[i].Timestamp = now
		}
	}

	if err := s.writeTranscript(transcript, newMessages); err != nil {
		restore()
		return err
	}

	s.mu.Lock()
	sess.MessageCount = len(newMessages)
	sess.CompactionCount++
	sess.LastActivity = now
	s.messages[id] = append([]Message{}, newMessages...)
	snapshot := *sess
	s.mu.Unlock()

	if err := writeJSONAtomic(s.dir, s.metaPath(id), &snapshot); err != nil {
		s.mu.Lock()
		sess.CompactionCount--
		delete(s.messages, id)
		s.mu.Unlock()
		restore()
		return err
	}

	os.Remove(backup)
	s.logger.Info("session compacted", "session_id", id, "messages", len(newMessages))
	return nil
}

func (s *Store) writeTranscript(path string, msgs []Message) error {
	tmp, err := os.CreateTemp(s.dir, "transcript-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	w := bufio.NewWriter(tmp)
	for _, msg := range msgs {
		line, err := json.Marshal(msg)
		if err != nil {
			tmp.Close()
			return err
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// ArchiveSession renames the transcript and metadata with an
// .archived.<YYYYMMDDHHMMSS> infix, releases the key in the index, and
// drops the in-memory caches. Archived sessions are never deleted.
func (s *Store) ArchiveSession(id string) error {
	l := s.sessionLock(id)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if sess.State == StateArchived {
		return fmt.Errorf("session %s: %w", id, ErrAlreadyArchived)
	}

	s.mu.Lock()
	sess.State = StateArchived
	snapshot := *sess
	s.mu.Unlock()
	if err := writeJSONAtomic(s.dir, s.metaPath(id), &snapshot); err != nil {
		return err
	}

	ts := time.Now().UTC().Format("20060102150405")
	archivedTranscript := filepath.Join(s.dir, fmt.Sprintf("%s.archived.%s.jsonl", id, ts))
	archivedMeta := filepath.Join(s.dir, fmt.Sprintf("%s.archived.%s.json", id, ts))

	if err := os.Rename(s.transcriptPath(id), archivedTranscript); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("archive transcript: %w", err)
	}
	if err := os.Rename(s.metaPath(id), archivedMeta); err != nil {
		return fmt.Errorf("archive meta: %w", err)
	}

	s.mu.Lock()
	delete(s.messages, id)
	delete(s.sessions, id)
	if s.index[sess.Key] == id {
		delete(s.index, sess.Key)
	}
	err := s.writeIndexLocked()
	s.mu.Unlock()

	s.logger.Info("session archived", "session_id", id, "session_key", sess.Key)
	return err
}

// CheckAndResetSession returns the live session for key, creating or
// recycling it first when the reset policy or a manual trigger demands.
func (s *Store) CheckAndResetSession(key, userInput string) (*Session, error) {
	sess, err := s.FindSessionByKey(key)
	if err != nil {
		return s.CreateSession(CreateOptions{Key: key})
	}

	reason := ""
	switch {
	case matchesTrigger(userInput, s.reset.Triggers):
		reason = "trigger"
	case shouldReset(s.reset, sess.LastActivity, time.Now()):
		reason = s.reset.Policy
	}
	if reason == "" {
		return sess, nil
	}

	s.logger.Info("session reset", "session_key", key, "reason", reason)
	if err := s.ArchiveSession(sess.ID); err != nil {
		return nil, fmt.Errorf("archive for reset: %w", err)
	}
	return s.CreateSession(CreateOptions{Key: key})
}

// SweepExpired archives live sessions the reset policy has already
// expired, so transcripts roll over even when no utterance arrives.
// The next utterance on each key starts a fresh session. Returns the
// number archived.
func (s *Store) SweepExpired() int {
	now := time.Now()
	swept := 0
	for _, sess := range s.List() {
		if !shouldReset(s.reset, sess.LastActivity, now) {
			continue
		}
		if err := s.ArchiveSession(sess.ID); err != nil {
			s.logger.Warn("sweep archive failed", "session_id", sess.ID, "error", err)
			continue
		}
		swept++
	}
	if swept > 0 {
		s.logger.Info("expired sessions swept", "archived", swept)
	}
	return swept
}

// PruneOldSessions archives sessions whose last activity is older than
// maxAgeDays, then archives the oldest beyond maxSessions (0 = no cap).
// Returns the number archived.
func (s *Store) PruneOldSessions(maxAgeDays, maxSessions int) int {
	s.mu.Lock()
	live := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	sort.Slice(live, func(i, j int) bool {
		return live[i].LastActivity.After(live[j].LastActivity)
	})

	archived := 0
	cutoff := time.Now().AddDate(0, 0, -maxAgeDays)
	keep := live[:0]
	for _, sess := range live {
		if maxAgeDays > 0 && sess.LastActivity.Before(cutoff) {
			if err := s.ArchiveSession(sess.ID); err == nil {
				archived++
				continue
			}
		}
		keep = append(keep, sess)
	}
	if maxSessions > 0 && len(keep) > maxSessions {
		for _, sess := range keep[maxSessions:] {
			if err := s.ArchiveSession(sess.ID); err == nil {
				archived++
			}
		}
	}
	if archived > 0 {
		s.logger.Info("sessions pruned", "archived", archived)
	}
	return archived
}

// List returns copies of all live sessions, most recently active first.
func (s *Store) List() []Session {
	s.mu.Lock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// loadAll restores the index and session metadata from disk. The index
// file is authoritative when readable; otherwise it is rebuilt from the
// surviving meta files.
func (s *Store) loadAll() {
	indexOK := false
	if data, err := os.ReadFile(filepath.Join(s.dir, indexFile)); err == nil {
		if err := json.Unmarshal(data, &s.index); err == nil {
			indexOK = true
		} else {
			s.logger.Warn("index unreadable, rebuilding", "error", err)
			s.index = make(map[string]string)
		}
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".meta.json") || strings.Contains(name, ".archived.") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil || sess.ID == "" {
			s.logger.Warn("skipping unreadable session meta", "file", name)
			continue
		}
		s.sessions[sess.ID] = &sess
		if !indexOK {
			s.index[sess.Key] = sess.ID
		}
	}

	// drop index entries whose meta disappeared
	for key, id := range s.index {
		if _, ok := s.sessions[id]; !ok {
			delete(s.index, key)
		}
	}
	if !indexOK && len(s.index) > 0 {
		if err := s.writeIndexLocked(); err != nil {
			s.logger.Warn("index rebuild write failed", "error", err)
		}
	}
}

// writeIndexLocked persists the key→id index. Callers hold s.mu (or are
// single-threaded during load).
func (s *Store) writeIndexLocked() error {
	return writeJSONAtomic(s.dir, filepath.Join(s.dir, indexFile), s.index)
}

// writeJSONAtomic writes v as indented JSON via temp-file-then-rename.
func writeJSONAtomic(dir, path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".json-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
