package usage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// A single connection keeps every query on the same in-memory db.
	db.SetMaxOpenConns(1)
	s, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_AppendAndList(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	recs := []Record{
		{ID: "a", SessionID: "s1", Model: "qwen-plus", PromptTokens: 120, CompletionTokens: 340, TotalTokens: 460, CreatedTime: now, Stage: "plan"},
		{ID: "b", SessionID: "s1", Model: "qwen-plus", PromptTokens: 50, CompletionTokens: 10, TotalTokens: 60, CreatedTime: now.Add(time.Second), Stage: "chat", Partial: true},
		{ID: "c", SessionID: "s2", Model: "qwen-max", PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3, CreatedTime: now},
	}
	for _, r := range recs {
		if err := s.Append(ctx, r); err != nil {
			t.Fatalf("Append(%s): %v", r.ID, err)
		}
	}

	got, err := s.List(ctx, "s1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[0].ID != "a" || got[0].TotalTokens != 460 || got[0].Stage != "plan" {
		t.Errorf("first = %+v", got[0])
	}
	if !got[0].CreatedTime.Equal(now) {
		t.Errorf("created = %v, want %v", got[0].CreatedTime, now)
	}
	if !got[1].Partial {
		t.Error("second record should be partial")
	}
}

func TestSQLiteStore_DuplicateID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	rec := Record{ID: "dup", SessionID: "s", Model: "m", CreatedTime: time.Now()}
	if err := s.Append(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(ctx, rec); err == nil {
		t.Error("duplicate id should fail")
	}
}

func TestSQLiteStore_Summary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, r := range []Record{
		{SessionID: "s1", Model: "qwen-plus", PromptTokens: 100, CompletionTokens: 200},
		{SessionID: "s1", Model: "qwen-max", PromptTokens: 10, CompletionTokens: 20},
		{SessionID: "s2", Model: "qwen-plus", PromptTokens: 1, CompletionTokens: 2},
	} {
		r.ID = string(rune('a' + i))
		r.TotalTokens = r.PromptTokens + r.CompletionTokens
		r.CreatedTime = base.Add(time.Duration(i) * time.Hour)
		if err := s.Append(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	// Outside the window.
	if err := s.Append(ctx, Record{ID: "z", SessionID: "s9", Model: "qwen-plus", PromptTokens: 999, TotalTokens: 999, CreatedTime: base.Add(48 * time.Hour)}); err != nil {
		t.Fatal(err)
	}

	rep, err := s.Summary(ctx, base, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if rep.Total.Records != 3 || rep.Total.TotalTokens != 333 {
		t.Errorf("total = %+v, want 3 records / 333 tokens", rep.Total)
	}
	if got := rep.ByModel["qwen-plus"]; got == nil || got.PromptTokens != 101 || got.Records != 2 {
		t.Errorf("qwen-plus = %+v", got)
	}
	if got := rep.BySession["s1"]; got == nil || got.TotalTokens != 330 {
		t.Errorf("s1 = %+v", got)
	}
	if _, ok := rep.BySession["s9"]; ok {
		t.Error("record outside range included")
	}
}

func TestSQLiteStore_SummaryEmpty(t *testing.T) {
	s := testStore(t)
	rep, err := s.Summary(context.Background(), time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if rep.Total.Records != 0 || len(rep.ByModel) != 0 {
		t.Errorf("expected empty report, got %+v", rep)
	}
}

func TestOpenSQLite_File(t *testing.T) {
	for _, driver := range []string{"sqlite"} {
		t.Run(driver, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "usage.db")
			s, err := OpenSQLite(driver, path)
			if err != nil {
				t.Fatalf("OpenSQLite: %v", err)
			}
			defer s.Close()
			if err := s.Append(context.Background(), Record{ID: "x", SessionID: "s", Model: "m", CreatedTime: time.Now()}); err != nil {
				t.Errorf("Append: %v", err)
			}
		})
	}
}

func TestOpenSQLite_UnknownDriver(t *testing.T) {
	if _, err := OpenSQLite("oracle", "x.db"); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestOpenSQLite_InvalidPath(t *testing.T) {
	if _, err := OpenSQLite("sqlite", "/nonexistent/dir/usage.db"); err == nil {
		t.Error("expected error for invalid path")
	}
}
