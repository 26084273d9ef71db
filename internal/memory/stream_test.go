package memory

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func mustAdd(t *testing.T, s *Stream, m Memory) Memory {
	t.Helper()
	stored, err := s.Add(m)
	if err != nil {
		t.Fatalf("Add(%q): %v", m.Description, err)
	}
	return stored
}

func newTestStream(t *testing.T, cfg StreamConfig) *Stream {
	t.Helper()
	s, err := NewStream(cfg)
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	return s
}

func TestAddDefaults(t *testing.T) {
	s := newTestStream(t, StreamConfig{})
	before := time.Now().UTC()
	stored := mustAdd(t, s, Memory{Description: "saw a red cup on the table"})
	after := time.Now().UTC()

	if stored.ID == "" {
		t.Fatal("Add did not assign an id")
	}
	if stored.CreatedAt.Before(before) || stored.CreatedAt.After(after) {
		t.Errorf("CreatedAt = %v, want within [%v, %v]", stored.CreatedAt, before, after)
	}
	if !stored.LastAccessedAt.Equal(stored.CreatedAt) {
		t.Errorf("LastAccessedAt = %v, want CreatedAt %v", stored.LastAccessedAt, stored.CreatedAt)
	}
	if stored.Strength != 1 {
		t.Errorf("Strength = %v, want 1", stored.Strength)
	}
	if stored.Type != TypeObservation {
		t.Errorf("Type = %q, want %q", stored.Type, TypeObservation)
	}
	if stored.AccessCount != 0 {
		t.Errorf("AccessCount = %d, want 0", stored.AccessCount)
	}
}

func TestAddClampsImportance(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"below range", -5, 0},
		{"above range", 15, 10},
		{"in range", 7, 7},
	}
	s := newTestStream(t, StreamConfig{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stored := mustAdd(t, s, Memory{Description: tt.name, Importance: tt.in})
			if stored.Importance != tt.want {
				t.Errorf("Importance = %v, want %v", stored.Importance, tt.want)
			}
		})
	}
}

func TestAddNormalizesInvalidType(t *testing.T) {
	s := newTestStream(t, StreamConfig{})
	stored := mustAdd(t, s, Memory{Description: "typo", Type: Type("observaton")})
	if stored.Type != TypeObservation {
		t.Errorf("Type = %q, want %q", stored.Type, TypeObservation)
	}
	kept := mustAdd(t, s, Memory{Description: "safety note", Type: TypeSafety})
	if kept.Type != TypeSafety {
		t.Errorf("Type = %q, want %q", kept.Type, TypeSafety)
	}
}

func TestAddDuplicateID(t *testing.T) {
	s := newTestStream(t, StreamConfig{})
	mustAdd(t, s, Memory{ID: "m-1", Description: "first"})
	if _, err := s.Add(Memory{ID: "m-1", Description: "second"}); !errors.Is(err, ErrDuplicateMemory) {
		t.Fatalf("Add duplicate = %v, want ErrDuplicateMemory", err)
	}
	if got := len(s.All()); got != 1 {
		t.Errorf("stream holds %d memories after duplicate add, want 1", got)
	}
}

func TestRetrieveStrengthens(t *testing.T) {
	s := newTestStream(t, StreamConfig{})
	created := time.Now().UTC().Add(-24 * time.Hour)
	stored := mustAdd(t, s, Memory{Description: "user prefers green tea", CreatedAt: created})

	got, err := s.Retrieve(stored.ID)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if got.AccessCount != 1 {
		t.Errorf("AccessCount = %d, want 1", got.AccessCount)
	}
	// 24 hours since last access: 1 + 0.1 + 0.5*ln(25).
	want := 1 + 0.1 + 0.5*math.Log(1+24)
	if math.Abs(got.Strength-want) > 0.01 {
		t.Errorf("Strength = %v, want ~%v", got.Strength, want)
	}
	if !got.LastAccessedAt.After(created) {
		t.Errorf("LastAccessedAt = %v, want after %v", got.LastAccessedAt, created)
	}

	// An immediate second retrieve earns only the base boost.
	again, err := s.Retrieve(stored.ID)
	if err != nil {
		t.Fatalf("second Retrieve: %v", err)
	}
	if again.AccessCount != 2 {
		t.Errorf("AccessCount = %d, want 2", again.AccessCount)
	}
	if math.Abs(again.Strength-(got.Strength+0.1)) > 0.01 {
		t.Errorf("Strength after immediate retrieve = %v, want ~%v", again.Strength, got.Strength+0.1)
	}
	if again.Strength <= got.Strength {
		t.Errorf("Strength did not grow: %v -> %v", got.Strength, again.Strength)
	}
}

func TestRetrieveUnknown(t *testing.T) {
	s := newTestStream(t, StreamConfig{})
	if _, err := s.Retrieve("nope"); !errors.Is(err, ErrUnknownMemory) {
		t.Fatalf("Retrieve unknown = %v, want ErrUnknownMemory", err)
	}
}

func TestGetDoesNotStrengthen(t *testing.T) {
	s := newTestStream(t, StreamConfig{})
	stored := mustAdd(t, s, Memory{Description: "hall closet holds the broom"})

	for i := 0; i < 3; i++ {
		got, err := s.Get(stored.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.AccessCount != 0 || got.Strength != 1 {
			t.Fatalf("Get mutated memory: count=%d strength=%v", got.AccessCount, got.Strength)
		}
	}
	if got := s.RecentlyActivated(); len(got) != 0 {
		t.Errorf("RecentlyActivated after Get = %d entries, want 0", len(got))
	}
	if _, err := s.Get("nope"); !errors.Is(err, ErrUnknownMemory) {
		t.Errorf("Get unknown = %v, want ErrUnknownMemory", err)
	}
}

func TestActivationDequeOrderAndWindow(t *testing.T) {
	s := newTestStream(t, StreamConfig{ActivationWindow: 3})
	ids := []string{"m1", "m2", "m3", "m4"}
	for _, id := range ids {
		mustAdd(t, s, Memory{ID: id, Description: id})
	}
	for _, id := range ids {
		if _, err := s.Retrieve(id); err != nil {
			t.Fatalf("Retrieve(%s): %v", id, err)
		}
	}

	wantOrder := func(want []string) {
		t.Helper()
		got := s.RecentlyActivated()
		if len(got) != len(want) {
			t.Fatalf("deque has %d entries, want %d", len(got), len(want))
		}
		for i, id := range want {
			if got[i].ID != id {
				t.Errorf("deque[%d] = %s, want %s", i, got[i].ID, id)
			}
		}
	}

	// Window of 3 dropped m1; most recent first.
	wantOrder([]string{"m4", "m3", "m2"})

	// Re-activating moves to the head without duplicating.
	if _, err := s.Retrieve("m2"); err != nil {
		t.Fatalf("Retrieve(m2): %v", err)
	}
	wantOrder([]string{"m2", "m4", "m3"})
}

func TestByTypeAndByTag(t *testing.T) {
	s := newTestStream(t, StreamConfig{})
	mustAdd(t, s, Memory{ID: "a", Type: TypeFact, Tags: []string{"kitchen"}})
	mustAdd(t, s, Memory{ID: "b", Type: TypeSpatial, Tags: []string{"kitchen", "charging"}})
	mustAdd(t, s, Memory{ID: "c", Type: TypeFact})

	facts := s.ByType(TypeFact)
	if len(facts) != 2 || facts[0].ID != "a" || facts[1].ID != "c" {
		t.Errorf("ByType(fact) = %v, want [a c] in insertion order", memIDs(facts))
	}
	if got := s.ByType(TypeSafety); len(got) != 0 {
		t.Errorf("ByType(safety) = %d entries, want 0", len(got))
	}

	kitchen := s.ByTag("kitchen")
	if len(kitchen) != 2 || kitchen[0].ID != "a" || kitchen[1].ID != "b" {
		t.Errorf("ByTag(kitchen) = %v, want [a b]", memIDs(kitchen))
	}
	if got := s.ByTag("garage"); len(got) != 0 {
		t.Errorf("ByTag(garage) = %d entries, want 0", len(got))
	}
}

func TestAllKeepsInsertionOrder(t *testing.T) {
	s := newTestStream(t, StreamConfig{})
	ids := []string{"first", "second", "third"}
	for _, id := range ids {
		mustAdd(t, s, Memory{ID: id})
	}
	// Retrieval order must not reorder the stream itself.
	if _, err := s.Retrieve("third"); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	all := s.All()
	if len(all) != 3 {
		t.Fatalf("All = %d entries, want 3", len(all))
	}
	for i, id := range ids {
		if all[i].ID != id {
			t.Errorf("All[%d] = %s, want %s", i, all[i].ID, id)
		}
	}
}

func TestStats(t *testing.T) {
	s := newTestStream(t, StreamConfig{})
	a := mustAdd(t, s, Memory{Type: TypeFact, Importance: 4})
	mustAdd(t, s, Memory{Type: TypeSpatial, Importance: 8})
	if _, err := s.Retrieve(a.ID); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if _, err := s.Retrieve(a.ID); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	st := s.Stats()
	if st.Count != 2 {
		t.Errorf("Count = %d, want 2", st.Count)
	}
	if st.TotalAccesses != 2 {
		t.Errorf("TotalAccesses = %d, want 2", st.TotalAccesses)
	}
	if st.AvgImportance != 6 {
		t.Errorf("AvgImportance = %v, want 6", st.AvgImportance)
	}
	// Two immediate boosts on a fresh memory: (1.2 + 1) / 2.
	if math.Abs(st.AvgStrength-1.1) > 0.01 {
		t.Errorf("AvgStrength = %v, want ~1.1", st.AvgStrength)
	}
	if st.ByType[TypeFact] != 1 || st.ByType[TypeSpatial] != 1 {
		t.Errorf("ByType = %v, want fact:1 spatial:1", st.ByType)
	}
}

func TestStatsEmpty(t *testing.T) {
	s := newTestStream(t, StreamConfig{})
	st := s.Stats()
	if st.Count != 0 || st.AvgStrength != 0 || st.AvgImportance != 0 {
		t.Errorf("empty Stats = %+v, want zeros", st)
	}
}

func TestJournalReplay(t *testing.T) {
	dir := t.TempDir()

	s := newTestStream(t, StreamConfig{Dir: dir})
	first := mustAdd(t, s, Memory{
		Description: "charging dock is by the window",
		Type:        TypeSpatial,
		Importance:  6,
		Tags:        []string{"charging"},
	})
	mustAdd(t, s, Memory{Description: "user said good morning"})
	if _, err := s.Retrieve(first.ID); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	retrieved, err := s.Retrieve(first.ID)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	reopened := newTestStream(t, StreamConfig{Dir: dir})
	all := reopened.All()
	if len(all) != 2 {
		t.Fatalf("replayed stream has %d memories, want 2", len(all))
	}
	if all[0].ID != first.ID {
		t.Errorf("replay order changed: got %s first", all[0].ID)
	}

	got, err := reopened.Get(first.ID)
	if err != nil {
		t.Fatalf("Get after replay: %v", err)
	}
	if got.AccessCount != retrieved.AccessCount {
		t.Errorf("AccessCount = %d, want %d", got.AccessCount, retrieved.AccessCount)
	}
	if math.Abs(got.Strength-retrieved.Strength) > 1e-9 {
		t.Errorf("Strength = %v, want %v", got.Strength, retrieved.Strength)
	}
	if !got.LastAccessedAt.Equal(retrieved.LastAccessedAt) {
		t.Errorf("LastAccessedAt = %v, want %v", got.LastAccessedAt, retrieved.LastAccessedAt)
	}
	if got.Type != TypeSpatial || !got.HasTag("charging") {
		t.Errorf("replayed memory lost fields: type=%q tags=%v", got.Type, got.Tags)
	}

	recent := reopened.RecentlyActivated()
	if len(recent) == 0 || recent[0].ID != first.ID {
		t.Errorf("RecentlyActivated after replay = %v, want head %s", memIDs(recent), first.ID)
	}
}

func TestJournalSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	memLines := `not json at all
{"memory_id":"good","description":"survives","memory_type":"fact","importance":3,"memory_strength":1,"created_at":"2026-01-02T10:00:00Z","last_accessed_at":"2026-01-02T10:00:00Z"}
{"description":"missing id"}
{"memory_id":"good","description":"duplicate line"}
`
	accessLines := `{"memory_id":"ghost","accessed_at":"2026-01-03T10:00:00Z","access_count":1,"memory_strength":2}
broken
{"memory_id":"good","accessed_at":"2026-01-03T10:00:00Z","access_count":3,"memory_strength":2.5}
`
	if err := os.WriteFile(filepath.Join(dir, "memories.jsonl"), []byte(memLines), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "memory_access.jsonl"), []byte(accessLines), 0644); err != nil {
		t.Fatal(err)
	}

	s := newTestStream(t, StreamConfig{Dir: dir})
	all := s.All()
	if len(all) != 1 {
		t.Fatalf("stream has %d memories, want 1", len(all))
	}
	got := all[0]
	if got.ID != "good" || got.Description != "survives" {
		t.Errorf("wrong memory survived: %+v", got)
	}
	if got.AccessCount != 3 {
		t.Errorf("AccessCount = %d, want 3 from access log", got.AccessCount)
	}
	if got.Strength != 2.5 {
		t.Errorf("Strength = %v, want 2.5 from access log", got.Strength)
	}
	wantAccessed := time.Date(2026, 1, 3, 10, 0, 0, 0, time.UTC)
	if !got.LastAccessedAt.Equal(wantAccessed) {
		t.Errorf("LastAccessedAt = %v, want %v", got.LastAccessedAt, wantAccessed)
	}
}

func TestVerifyJournal(t *testing.T) {
	dir := t.TempDir()
	records, malformed, err := VerifyJournal(dir)
	if err != nil || records != 0 || malformed != 0 {
		t.Fatalf("empty dir: records=%d malformed=%d err=%v", records, malformed, err)
	}

	memLines := `not json at all
{"memory_id":"good","description":"survives"}
{"description":"missing id"}
{"memory_id":"also-good","description":"second"}
`
	accessLines := `{"memory_id":"good","accessed_at":"2026-01-03T10:00:00Z","access_count":1,"memory_strength":2}
broken
`
	if err := os.WriteFile(filepath.Join(dir, "memories.jsonl"), []byte(memLines), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "memory_access.jsonl"), []byte(accessLines), 0644); err != nil {
		t.Fatal(err)
	}

	records, malformed, err = VerifyJournal(dir)
	if err != nil {
		t.Fatalf("VerifyJournal: %v", err)
	}
	if records != 3 {
		t.Errorf("records = %d, want 3", records)
	}
	if malformed != 3 {
		t.Errorf("malformed = %d, want 3", malformed)
	}
}

func memIDs(ms []Memory) []string {
	out := make([]string, len(ms))
	for i := range ms {
		out[i] = ms[i].ID
	}
	return out
}
