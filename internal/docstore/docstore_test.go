package docstore

import (
	"errors"
	"testing"

	"github.com/driftdb/drift/internal/dberr"
	"github.com/driftdb/drift/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	backing, err := storage.Open(storage.Options{})
	if err != nil {
		t.Fatalf("open backing store: %v", err)
	}
	t.Cleanup(func() { backing.Close() })
	return New(backing)
}

func TestInsertGetDelete(t *testing.T) {
	users := newTestStore(t).Collection("users")

	id, err := users.Insert("", map[string]any{"name": "Alice", "age": float64(30)})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id == "" {
		t.Fatal("no id generated")
	}

	doc, err := users.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Data["name"] != "Alice" {
		t.Errorf("wrong document: %v", doc.Data)
	}
	if doc.Version != 1 {
		t.Errorf("fresh document version %d", doc.Version)
	}

	if err := users.Delete(id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := users.Get(id); !errors.Is(err, dberr.ErrKeyNotFound) {
		t.Errorf("deleted document still readable: %v", err)
	}
}

func TestInsertDuplicateRejected(t *testing.T) {
	users := newTestStore(t).Collection("users")
	if _, err := users.Insert("u1", map[string]any{"name": "Alice"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err := users.Insert("u1", map[string]any{"name": "Bob"})
	if dberr.KindOf(err) != dberr.KindConstraintViolation {
		t.Errorf("expected constraint violation, got %v", err)
	}
}

func TestNestedPaths(t *testing.T) {
	doc := &Document{Data: map[string]any{}}
	if err := doc.SetNested("user.address.city", "Berlin"); err != nil {
		t.Fatalf("set nested: %v", err)
	}
	v, ok := doc.GetNested("user.address.city")
	if !ok || v != "Berlin" {
		t.Errorf("nested roundtrip failed: %v %v", v, ok)
	}
	if _, ok := doc.GetNested("user.missing.path"); ok {
		t.Error("phantom nested path")
	}
}

func TestUpdateBumpsVersion(t *testing.T) {
	users := newTestStore(t).Collection("users")
	id, _ := users.Insert("", map[string]any{"name": "Alice", "age": float64(30)})

	doc, err := users.Update(id, map[string]any{"age": float64(31), "address.city": "Berlin"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if doc.Version != 2 {
		t.Errorf("expected version 2, got %d", doc.Version)
	}
	if v, _ := doc.GetNested("address.city"); v != "Berlin" {
		t.Errorf("nested set lost: %v", v)
	}

	// The update is durable through the storage core.
	again, _ := users.Get(id)
	if again.Data["age"] != float64(31) {
		t.Errorf("update not persisted: %v", again.Data)
	}
}

func TestUpsert(t *testing.T) {
	users := newTestStore(t).Collection("users")

	doc, err := users.Upsert("u1", map[string]any{"name": "Alice"})
	if err != nil {
		t.Fatalf("upsert insert: %v", err)
	}
	if doc.Version != 1 {
		t.Errorf("expected insert, got version %d", doc.Version)
	}

	doc, err = users.Upsert("u1", map[string]any{"name": "Alicia"})
	if err != nil {
		t.Fatalf("upsert update: %v", err)
	}
	if doc.Version != 2 || doc.Data["name"] != "Alicia" {
		t.Errorf("upsert did not update: %+v", doc)
	}
}

func TestSecondaryIndexFind(t *testing.T) {
	users := newTestStore(t).Collection("users")
	users.Insert("", map[string]any{"name": "Alice", "city": "Berlin"})
	users.Insert("", map[string]any{"name": "Bob", "city": "Berlin"})
	users.Insert("", map[string]any{"name": "Carol", "city": "Munich"})

	// Index created after the fact builds from existing documents.
	if err := users.CreateIndex("city", false); err != nil {
		t.Fatalf("create index: %v", err)
	}

	berlin, err := users.FindEqual("city", "Berlin")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(berlin) != 2 {
		t.Errorf("expected 2 Berlin users, got %d", len(berlin))
	}

	// Unindexed field falls back to a scan.
	carol, err := users.FindEqual("name", "Carol")
	if err != nil || len(carol) != 1 {
		t.Errorf("scan find failed: %v (%d)", err, len(carol))
	}
}

func TestUniqueIndexEnforced(t *testing.T) {
	users := newTestStore(t).Collection("users")
	if err := users.CreateIndex("email", true); err != nil {
		t.Fatalf("create index: %v", err)
	}

	if _, err := users.Insert("", map[string]any{"email": "a@example.com"}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, err := users.Insert("", map[string]any{"email": "a@example.com"})
	if dberr.KindOf(err) != dberr.KindConstraintViolation {
		t.Errorf("duplicate slipped past unique index: %v", err)
	}
	// The rejected document did not land.
	if users.Count() != 1 {
		t.Errorf("expected 1 document, got %d", users.Count())
	}
}

func TestCollectionsAreIsolated(t *testing.T) {
	s := newTestStore(t)
	s.Collection("users").Insert("1", map[string]any{"kind": "user"})
	s.Collection("orders").Insert("1", map[string]any{"kind": "order"})

	if s.Collection("users").Count() != 1 || s.Collection("orders").Count() != 1 {
		t.Error("collections leak into each other")
	}
}
