package persistence

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite3: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return db
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	db := newTestDB(t)
	store := New(db)

	records := []RetainedRecord{
		{StoreID: 1, SourceID: "pub1", SourceMid: 0, Topic: "a/b", QoS: 1, Payload: []byte("hello")},
		{StoreID: 2, SourceID: "pub2", SourceMid: 0, Topic: "c/d", QoS: 0, Payload: []byte("world")},
	}

	if err := store.Save(records); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 records, got %d", len(loaded))
	}
}

func TestSaveReplacesPriorContents(t *testing.T) {
	db := newTestDB(t)
	store := New(db)

	store.Save([]RetainedRecord{{StoreID: 1, SourceID: "pub1", Topic: "a/b", QoS: 0, Payload: []byte("old")}})
	store.Save([]RetainedRecord{{StoreID: 2, SourceID: "pub2", Topic: "c/d", QoS: 0, Payload: []byte("new")}})

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Topic != "c/d" {
		t.Fatalf("expected Save to replace the whole table, got %+v", loaded)
	}
}

func TestLoadEmptyTable(t *testing.T) {
	db := newTestDB(t)
	store := New(db)

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected no records, got %d", len(loaded))
	}
}
