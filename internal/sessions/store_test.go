package sessions

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T, reset ResetPolicy) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), reset)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestCreateAndFindSession(t *testing.T) {
	s := newTestStore(t, ResetPolicy{Policy: "never"})

	sess, err := s.CreateSession(CreateOptions{Key: BuildMainKey("robot"), Model: "m1"})
	if err != nil {
		t.Fatal(err)
	}
	if sess.State != StateCreated {
		t.Errorf("State = %v, want created", sess.State)
	}

	byKey, err := s.FindSessionByKey("agent:robot:main")
	if err != nil {
		t.Fatalf("FindSessionByKey: %v", err)
	}
	if byKey.ID != sess.ID {
		t.Errorf("FindSessionByKey id = %s, want %s", byKey.ID, sess.ID)
	}

	if _, err := s.GetSession("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSession(nope) err = %v, want ErrNotFound", err)
	}

	// on-disk layout
	if _, err := os.Stat(filepath.Join(s.Dir(), sess.ID+".jsonl")); err != nil {
		t.Errorf("transcript file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), sess.ID+".meta.json")); err != nil {
		t.Errorf("meta file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "sessions.json")); err != nil {
		t.Errorf("index file missing: %v", err)
	}
}

func TestAppendOrderAndActivation(t *testing.T) {
	s := newTestStore(t, ResetPolicy{Policy: "never"})
	sess, _ := s.CreateSession(CreateOptions{Key: "agent:robot:main"})

	for i := 0; i < 5; i++ {
		err := s.AppendMessage(sess.ID, Message{Role: RoleUser, Content: fmt.Sprintf("msg-%d", i)})
		if err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.GetMessages(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 5 {
		t.Fatalf("got %d messages, want 5", len(msgs))
	}
	for i, m := range msgs {
		if m.Content != fmt.Sprintf("msg-%d", i) {
			t.Errorf("msgs[%d] = %q, out of order", i, m.Content)
		}
	}

	got, _ := s.GetSession(sess.ID)
	if got.State != StateActive {
		t.Errorf("State = %v, want active after first user message", got.State)
	}
	if got.MessageCount != 5 {
		t.Errorf("MessageCount = %d, want 5", got.MessageCount)
	}
}

// Property: K concurrent appends yield exactly K intact lines.
func TestConcurrentAppendsNoLoss(t *testing.T) {
	s := newTestStore(t, ResetPolicy{Policy: "never"})
	sess, _ := s.CreateSession(CreateOptions{Key: "agent:robot:main"})

	const k = 50
	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.AppendMessage(sess.ID, Message{
				Role:    RoleUser,
				Content: strings.Repeat("x", 100) + fmt.Sprint(i),
			})
			if err != nil {
				t.Errorf("append %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	// count raw lines on disk, not via cache
	f, err := os.Open(filepath.Join(s.Dir(), sess.ID+".jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var m Message
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			t.Fatalf("line %d corrupt: %v", lines+1, err)
		}
		lines++
	}
	if lines != k {
		t.Errorf("transcript has %d lines, want %d", lines, k)
	}

	got, _ := s.GetSession(sess.ID)
	if got.MessageCount != k {
		t.Errorf("MessageCount = %d, want %d", got.MessageCount, k)
	}
}

func TestGetMessagesFromDiskAfterCacheDrop(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, ResetPolicy{Policy: "never"})
	if err != nil {
		t.Fatal(err)
	}
	sess, _ := s.CreateSession(CreateOptions{Key: "agent:robot:main"})
	s.AppendMessage(sess.ID, Message{Role: RoleUser, Content: "hello"})
	s.AppendMessage(sess.ID, Message{Role: RoleAssistant, Content: "hi"})

	// fresh store = cold cache, must stream from file
	s2, err := NewStore(dir, ResetPolicy{Policy: "never"})
	if err != nil {
		t.Fatal(err)
	}
	msgs, err := s2.GetMessages(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Content != "hello" || msgs[1].Content != "hi" {
		t.Errorf("reloaded messages = %+v", msgs)
	}

	recent, err := s2.GetRecentMessages(sess.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 || recent[0].Content != "hi" {
		t.Errorf("GetRecentMessages = %+v, want last message", recent)
	}
}

func TestCorruptTranscript(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewStore(dir, ResetPolicy{Policy: "never"})
	sess, _ := s.CreateSession(CreateOptions{Key: "agent:robot:main"})
	s.AppendMessage(sess.ID, Message{Role: RoleUser, Content: "ok"})

	// inject a bad line
	f, err := os.OpenFile(filepath.Join(dir, sess.ID+".jsonl"), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{not json\n")
	f.Close()

	s2, _ := NewStore(dir, ResetPolicy{Policy: "never"})
	_, err = s2.GetMessages(sess.ID)
	var corrupt *CorruptTranscriptError
	if !errors.As(err, &corrupt) {
		t.Fatalf("err = %v, want CorruptTranscriptError", err)
	}
	if corrupt.Line != 2 {
		t.Errorf("corrupt line = %d, want 2", corrupt.Line)
	}
}

func TestCompactSessionReplacesTranscript(t *testing.T) {
	s := newTestStore(t, ResetPolicy{Policy: "never"})
	sess, _ := s.CreateSession(CreateOptions{Key: "agent:robot:main"})
	for i := 0; i < 10; i++ {
		s.AppendMessage(sess.ID, Message{Role: RoleUser, Content: fmt.Sprintf("old-%d", i)})
	}

	newMsgs := []Message{
		{Role: RoleSystem, Content: "summary", Metadata: map[string]any{"is_compaction_summary": true}},
		{Role: RoleUser, Content: "old-8"},
		{Role: RoleUser, Content: "old-9"},
	}
	if err := s.CompactSession(sess.ID, newMsgs); err != nil {
		t.Fatal(err)
	}

	msgs, _ := s.GetMessages(sess.ID)
	if len(msgs) != 3 {
		t.Fatalf("got %d messages after compaction, want 3", len(msgs))
	}
	if msgs[0].Role != RoleSystem || msgs[0].Metadata["is_compaction_summary"] != true {
		t.Errorf("first message is not the summary: %+v", msgs[0])
	}
	if msgs[1].Content != "old-8" || msgs[2].Content != "old-9" {
		t.Errorf("retained tail out of order: %+v", msgs[1:])
	}

	got, _ := s.GetSession(sess.ID)
	if got.CompactionCount != 1 {
		t.Errorf("CompactionCount = %d, want 1", got.CompactionCount)
	}
	if got.MessageCount != 3 {
		t.Errorf("MessageCount = %d, want 3", got.MessageCount)
	}

	// backup must be gone on success
	if _, err := os.Stat(filepath.Join(s.Dir(), sess.ID+".backup.jsonl")); !os.IsNotExist(err) {
		t.Error("backup file still present after successful compaction")
	}
}

func TestArchiveSession(t *testing.T) {
	s := newTestStore(t, ResetPolicy{Policy: "never"})
	sess, _ := s.CreateSession(CreateOptions{Key: "agent:robot:main"})
	s.AppendMessage(sess.ID, Message{Role: RoleUser, Content: "hi"})

	if err := s.ArchiveSession(sess.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetSession(sess.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("archived session still resolvable: %v", err)
	}
	if _, err := s.FindSessionByKey("agent:robot:main"); !errors.Is(err, ErrNotFound) {
		t.Errorf("archived key still in index: %v", err)
	}

	entries, _ := os.ReadDir(s.Dir())
	var archivedTranscript, archivedMeta bool
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, sess.ID+".archived.") {
			if strings.HasSuffix(name, ".jsonl") {
				archivedTranscript = true
			}
			if strings.HasSuffix(name, ".json") && !strings.HasSuffix(name, ".jsonl") {
				archivedMeta = true
			}
		}
	}
	if !archivedTranscript || !archivedMeta {
		t.Errorf("archived files missing (transcript=%v meta=%v)", archivedTranscript, archivedMeta)
	}

	// appends to an archived session must fail
	err := s.AppendMessage(sess.ID, Message{Role: RoleUser, Content: "late"})
	if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrAlreadyArchived) {
		t.Errorf("append after archive err = %v", err)
	}
}

func TestCheckAndResetSession(t *testing.T) {
	s := newTestStore(t, ResetPolicy{Policy: "manual", Triggers: []string{"/reset"}})

	// no session yet → create
	first, err := s.CheckAndResetSession("agent:robot:main", "hello")
	if err != nil {
		t.Fatal(err)
	}

	// no trigger → same session
	same, err := s.CheckAndResetSession("agent:robot:main", "how are you")
	if err != nil {
		t.Fatal(err)
	}
	if same.ID != first.ID {
		t.Errorf("session recycled without trigger")
	}

	// trigger → archive + create
	fresh, err := s.CheckAndResetSession("agent:robot:main", "  /RESET ")
	if err != nil {
		t.Fatal(err)
	}
	if fresh.ID == first.ID {
		t.Error("trigger did not recycle the session")
	}

	// "reset /" is not a trigger
	same2, err := s.CheckAndResetSession("agent:robot:main", "reset /")
	if err != nil {
		t.Fatal(err)
	}
	if same2.ID != fresh.ID {
		t.Error("non-trigger input recycled the session")
	}
}

func TestCheckAndResetIdlePolicy(t *testing.T) {
	s := newTestStore(t, ResetPolicy{Policy: "idle", IdleMinutes: 120})
	sess, _ := s.CreateSession(CreateOptions{Key: "agent:robot:main"})

	// age the session on disk and in cache
	s.mu.Lock()
	s.sessions[sess.ID].LastActivity = time.Now().Add(-121 * time.Minute)
	s.mu.Unlock()

	fresh, err := s.CheckAndResetSession("agent:robot:main", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if fresh.ID == sess.ID {
		t.Error("idle session not recycled after 121 minutes")
	}
}

func TestSweepExpired(t *testing.T) {
	s := newTestStore(t, ResetPolicy{Policy: "idle", IdleMinutes: 120})

	stale, _ := s.CreateSession(CreateOptions{Key: "agent:robot:main"})
	live, _ := s.CreateSession(CreateOptions{Key: "agent:robot:side"})

	s.mu.Lock()
	s.sessions[stale.ID].LastActivity = time.Now().Add(-121 * time.Minute)
	s.mu.Unlock()

	swept := s.SweepExpired()
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}
	if _, err := s.GetSession(stale.ID); !errors.Is(err, ErrNotFound) {
		t.Error("expired session survived sweep")
	}
	if _, err := s.GetSession(live.ID); err != nil {
		t.Errorf("live session swept: %v", err)
	}

	// the key is free for a fresh session on the next utterance
	fresh, err := s.CheckAndResetSession("agent:robot:main", "hello again")
	if err != nil {
		t.Fatal(err)
	}
	if fresh.ID == stale.ID {
		t.Error("sweep did not free the session key")
	}

	// second sweep finds nothing
	if swept := s.SweepExpired(); swept != 0 {
		t.Errorf("second sweep archived %d sessions, want 0", swept)
	}
}

func TestPruneOldSessions(t *testing.T) {
	s := newTestStore(t, ResetPolicy{Policy: "never"})

	old, _ := s.CreateSession(CreateOptions{Key: "agent:a:main"})
	fresh, _ := s.CreateSession(CreateOptions{Key: "agent:b:main"})

	s.mu.Lock()
	s.sessions[old.ID].LastActivity = time.Now().AddDate(0, 0, -40)
	s.mu.Unlock()

	archived := s.PruneOldSessions(30, 0)
	if archived != 1 {
		t.Fatalf("archived = %d, want 1", archived)
	}
	if _, err := s.GetSession(old.ID); !errors.Is(err, ErrNotFound) {
		t.Error("old session survived pruning")
	}
	if _, err := s.GetSession(fresh.ID); err != nil {
		t.Errorf("fresh session pruned: %v", err)
	}
}

func TestPruneCountCap(t *testing.T) {
	s := newTestStore(t, ResetPolicy{Policy: "never"})

	var ids []string
	for i := 0; i < 5; i++ {
		sess, _ := s.CreateSession(CreateOptions{Key: fmt.Sprintf("agent:a%d:main", i)})
		s.mu.Lock()
		s.sessions[sess.ID].LastActivity = time.Now().Add(-time.Duration(5-i) * time.Hour)
		s.mu.Unlock()
		ids = append(ids, sess.ID)
	}

	archived := s.PruneOldSessions(0, 3)
	if archived != 2 {
		t.Fatalf("archived = %d, want 2", archived)
	}
	// the two oldest (ids[0], ids[1]) go; the three most recent stay
	for _, id := range ids[:2] {
		if _, err := s.GetSession(id); !errors.Is(err, ErrNotFound) {
			t.Errorf("old session %s survived count cap", id)
		}
	}
	for _, id := range ids[2:] {
		if _, err := s.GetSession(id); err != nil {
			t.Errorf("recent session %s pruned: %v", id, err)
		}
	}
}

func TestIndexRebuild(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewStore(dir, ResetPolicy{Policy: "never"})
	sess, _ := s.CreateSession(CreateOptions{Key: "agent:robot:main"})

	// corrupt the index; a fresh store must rebuild it from meta files
	os.WriteFile(filepath.Join(dir, "sessions.json"), []byte("garbage"), 0644)

	s2, err := NewStore(dir, ResetPolicy{Policy: "never"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := s2.FindSessionByKey("agent:robot:main")
	if err != nil {
		t.Fatalf("index not rebuilt: %v", err)
	}
	if got.ID != sess.ID {
		t.Errorf("rebuilt index maps to %s, want %s", got.ID, sess.ID)
	}
}

func TestParseSessionKey(t *testing.T) {
	tests := []struct {
		key        string
		agent      string
		rest       string
		isSubagent bool
	}{
		{"agent:robot:main", "robot", "main", false},
		{"agent:robot:subagent:abc-123", "robot", "subagent:abc-123", true},
		{"agent:r2:main", "r2", "main", false},
		{"bogus", "", "", false},
		{"agent:x", "", "", false},
	}
	for _, tt := range tests {
		agent, rest := ParseSessionKey(tt.key)
		if agent != tt.agent || rest != tt.rest {
			t.Errorf("ParseSessionKey(%q) = (%q, %q), want (%q, %q)",
				tt.key, agent, rest, tt.agent, tt.rest)
		}
		if got := IsSubagentKey(tt.key); got != tt.isSubagent {
			t.Errorf("IsSubagentKey(%q) = %v, want %v", tt.key, got, tt.isSubagent)
		}
	}

	if got := BuildMainKey("robot"); got != "agent:robot:main" {
		t.Errorf("BuildMainKey = %q", got)
	}
	if got := BuildSubagentKey("robot", "u-1"); got != "agent:robot:subagent:u-1" {
		t.Errorf("BuildSubagentKey = %q", got)
	}
}
