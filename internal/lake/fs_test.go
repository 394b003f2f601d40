package lake

import (
	"context"
	"testing"

	"github.com/ternarybob/arbor"
)

func newTestStore(t *testing.T) *FSStore {
	t.Helper()
	store, err := NewFSStore(t.TempDir(), arbor.NewLogger())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return store
}

func TestFSStorePutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	data := []byte(`{"title":"example"}`)
	if err := store.Put(ctx, "bronze/src/2026/08/25/task-1/run-1.jsonl", data, "application/x-ndjson"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := store.Get(ctx, "bronze/src/2026/08/25/task-1/run-1.jsonl")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("Expected %q, got %q", data, got)
	}
}

func TestFSStoreGetMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "bronze/src/2026/08/25/missing/run-1.jsonl")
	if err == nil {
		t.Fatal("Expected error for missing object")
	}
}

func TestFSStoreListByPrefix(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	keys := []string{
		"bronze/src/2026/08/25/task-1/run-1.jsonl",
		"bronze/src/2026/08/25/task-1/run-2.jsonl",
		"bronze/src/2026/08/25/task-2/run-1.jsonl",
		"trash/rejected/2026/08/25/task-1.json",
	}
	for _, key := range keys {
		if err := store.Put(ctx, key, []byte("x"), ""); err != nil {
			t.Fatalf("Put %s failed: %v", key, err)
		}
	}

	got, err := store.List(ctx, "bronze/src/2026/08/25/task-1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 keys under task-1, got %d: %v", len(got), got)
	}
	for _, key := range got {
		if key != keys[0] && key != keys[1] {
			t.Errorf("Unexpected key in listing: %s", key)
		}
	}

	// Prefixes that end mid-name still match
	got, err = store.List(ctx, "bronze/src/2026/08/25/task")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("Expected 3 keys under partial prefix, got %d: %v", len(got), got)
	}
}

func TestFSStoreListMissingPrefix(t *testing.T) {
	store := newTestStore(t)

	got, err := store.List(context.Background(), "bronze/never/2026/01/01/task-1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Expected empty listing, got %v", got)
	}
}

func TestFSStoreDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	key := "trash/debug/2026/08/25/task-1/page.html"
	if err := store.Put(ctx, key, []byte("<html></html>"), "text/html"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, key); err == nil {
		t.Error("Expected Get to fail after delete")
	}

	// Deleting a missing object is a no-op
	if err := store.Delete(ctx, key); err != nil {
		t.Errorf("Expected nil deleting missing object, got %v", err)
	}
}

func TestFSStoreRequiresRoot(t *testing.T) {
	if _, err := NewFSStore("", arbor.NewLogger()); err == nil {
		t.Fatal("Expected error for empty root")
	}
}
