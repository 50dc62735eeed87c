package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/mnemod/mnemod/memory"
	"github.com/mnemod/mnemod/migrations"
)

// setupTestDB creates an in-memory SQLite database with migrations applied.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	migrationsPath := findMigrationsPath(t)
	if err := migrations.RunMigrations(db, migrationsPath, zerolog.Nop()); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return db
}

func findMigrationsPath(t *testing.T) string {
	t.Helper()
	candidates := []string{
		"../../migrations",
		"../migrations",
		"./migrations",
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	t.Fatal("could not locate migrations directory")
	return ""
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(setupTestDB(t), zerolog.Nop())
}

func testRecord(id string) *memory.MemoryRecord {
	return &memory.MemoryRecord{
		ID:        id,
		Content:   "content of " + id,
		Embedding: []float32{0.1, 0.2, 0.3},
		Meta: memory.Metadata{
			Category:   "fact",
			Importance: 7,
			Tags:       []string{"go", "storage"},
			Owner:      "alice",
		},
		OriginBackend: AdapterName,
		CreatedAt:     time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("r1")
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	loaded, err := store.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Content != rec.Content {
		t.Errorf("content: expected %q, got %q", rec.Content, loaded.Content)
	}
	if len(loaded.Embedding) != 3 || loaded.Embedding[1] != rec.Embedding[1] {
		t.Errorf("embedding not preserved: %v", loaded.Embedding)
	}
	if loaded.Meta.Category != "fact" || loaded.Meta.Importance != 7 || loaded.Meta.Owner != "alice" {
		t.Errorf("metadata not preserved: %+v", loaded.Meta)
	}
	if len(loaded.Meta.Tags) != 2 || loaded.Meta.Tags[0] != "go" {
		t.Errorf("tags not preserved: %v", loaded.Meta.Tags)
	}
	if !loaded.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("created_at: expected %v, got %v", rec.CreatedAt, loaded.CreatedAt)
	}
}

func TestPutDegradedRecord(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("degraded")
	rec.Embedding = nil
	rec.Meta.Tags = nil
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	loaded, err := store.Get(ctx, "degraded")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !loaded.Degraded() {
		t.Error("record should load back as degraded")
	}
	if loaded.Meta.Tags != nil {
		t.Errorf("expected nil tags, got %v", loaded.Meta.Tags)
	}
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "nope")
	if !memory.IsRecordNotFound(err) {
		t.Fatalf("expected record_not_found, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, testRecord("r1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Delete(ctx, "r1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "r1"); !memory.IsRecordNotFound(err) {
		t.Errorf("expected record gone, got %v", err)
	}
	if err := store.Delete(ctx, "r1"); !memory.IsRecordNotFound(err) {
		t.Errorf("second delete: expected record_not_found, got %v", err)
	}
}

func TestScanFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	records := []*memory.MemoryRecord{
		{ID: "a", Content: "a", Meta: memory.Metadata{Category: "fact", Importance: 7, Tags: []string{"go"}, Owner: "alice"}, CreatedAt: base},
		{ID: "b", Content: "b", Meta: memory.Metadata{Category: "fact", Importance: 3, Owner: "bob"}, CreatedAt: base.Add(time.Hour)},
		{ID: "c", Content: "c", Meta: memory.Metadata{Category: "chat", Importance: 7, Tags: []string{"go", "chat"}, Owner: "alice"}, CreatedAt: base.Add(2 * time.Hour)},
	}
	for _, rec := range records {
		if err := store.Put(ctx, rec); err != nil {
			t.Fatalf("put %s: %v", rec.ID, err)
		}
	}

	got, err := store.Scan(ctx, memory.Filters{"category": {"fact"}}, 10)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("category filter: expected 2, got %d", len(got))
	}
	// Most recent first.
	if got[0].ID != "b" || got[1].ID != "a" {
		t.Errorf("expected [b a], got [%s %s]", got[0].ID, got[1].ID)
	}

	got, err = store.Scan(ctx, memory.Filters{"category": {"fact"}, "owner": {"alice"}}, 10)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("conjunctive filters: expected [a], got %v", ids(got))
	}

	got, err = store.Scan(ctx, memory.Filters{"importance": {"7"}}, 10)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("importance filter: expected 2, got %d", len(got))
	}

	// Tag containment is applied after the SQL filters.
	got, err = store.Scan(ctx, memory.Filters{"tag": {"go", "chat"}}, 10)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 1 || got[0].ID != "c" {
		t.Fatalf("tag filter: expected [c], got %v", ids(got))
	}

	// Unknown keys match nothing.
	got, err = store.Scan(ctx, memory.Filters{"colour": {"red"}}, 10)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("unknown filter key: expected no rows, got %v", ids(got))
	}
}

func TestScanTagMatchesBeyondFirstPage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	// The newest rows carry no tags; with single-page scanning they would
	// consume every limit slot and hide the tagged rows behind them.
	for i := 0; i < 4; i++ {
		rec := testRecord(fmt.Sprintf("filler-%d", i))
		rec.Meta.Tags = nil
		rec.CreatedAt = base.Add(time.Duration(10+i) * time.Minute)
		if err := store.Put(ctx, rec); err != nil {
			t.Fatalf("put filler: %v", err)
		}
	}
	taggedNew := testRecord("tagged-new")
	taggedNew.CreatedAt = base.Add(2 * time.Minute)
	taggedOld := testRecord("tagged-old")
	taggedOld.CreatedAt = base
	for _, rec := range []*memory.MemoryRecord{taggedNew, taggedOld} {
		if err := store.Put(ctx, rec); err != nil {
			t.Fatalf("put tagged: %v", err)
		}
	}

	got, err := store.Scan(ctx, memory.Filters{"tag": {"storage"}}, 2)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected both tagged records, got %v", ids(got))
	}
	if got[0].ID != "tagged-new" || got[1].ID != "tagged-old" {
		t.Errorf("expected [tagged-new tagged-old], got %v", ids(got))
	}
}

func TestScanLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		rec := testRecord(string(rune('a' + i)))
		rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.Put(ctx, rec); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	got, err := store.Scan(ctx, nil, 2)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	if got[0].ID != "e" {
		t.Errorf("expected most recent row first, got %s", got[0].ID)
	}
}

func ids(records []*memory.MemoryRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}
