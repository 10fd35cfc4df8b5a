package drift

import (
	"context"
	"errors"
	"testing"

	"github.com/driftdb/drift/internal/config"
	"github.com/driftdb/drift/internal/dberr"
	"github.com/driftdb/drift/internal/storage"
	"github.com/driftdb/drift/internal/txn"
)

func testConfig(dir string) config.Config {
	cfg := config.Defaults()
	cfg.DataDir = dir
	cfg.Pool.MinConnections = 0
	return cfg
}

func TestOpenPutGetClose(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(testConfig(dir))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.Put([]byte("key1"), []byte("value1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := db.Put([]byte("key2"), []byte("value2")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := db.Delete([]byte("key1")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Clean restart: key2 survives, key1 stays deleted.
	db2, err := Open(testConfig(dir))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	if _, err := db2.Get([]byte("key1")); !errors.Is(err, dberr.ErrKeyNotFound) {
		t.Errorf("deleted key returned: %v", err)
	}
	v, err := db2.Get([]byte("key2"))
	if err != nil || string(v) != "value2" {
		t.Errorf("key2 lost: %v", err)
	}
	if db2.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", db2.Len())
	}
}

func TestTransactionFeedsChangeStream(t *testing.T) {
	db, err := Open(testConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := db.Streams().RegisterConsumer(DefaultStream, "replica"); err != nil {
		t.Fatalf("register consumer: %v", err)
	}

	tx := db.Begin(txn.ReadCommitted)
	if err := db.Txns().Put(tx, "user:1", []byte("alice")); err != nil {
		t.Fatalf("txn put: %v", err)
	}
	if err := db.Txns().Commit(tx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// The committed write is visible and captured.
	if v, err := db.Get([]byte("user:1")); err != nil || string(v) != "alice" {
		t.Fatalf("committed write invisible: %v", err)
	}
	events, err := db.Streams().Read(DefaultStream, "replica", 10)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if len(events) != 1 || events[0].Key != "user:1" {
		t.Fatalf("expected one captured event for user:1, got %v", events)
	}
}

func TestScanAndBatch(t *testing.T) {
	db, err := Open(testConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := db.BatchPut([]storage.KV{
		{Key: "user:2", Value: []byte("bob")},
		{Key: "user:1", Value: []byte("alice")},
		{Key: "item:1", Value: []byte("laptop")},
	}); err != nil {
		t.Fatalf("batch: %v", err)
	}

	users := db.ScanPrefix("user:")
	if len(users) != 2 || users[0].Key != "user:1" {
		t.Fatalf("scan wrong: %v", users)
	}
}

func TestPooledSessions(t *testing.T) {
	db, err := Open(testConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	s, err := db.Sessions().Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := s.Store().PutString("scratch", []byte("x")); err != nil {
		t.Fatalf("session put: %v", err)
	}
	s.Release()

	if db.Sessions().Stats().ActiveConnections != 0 {
		t.Error("session not returned to pool")
	}
}

func TestValidationErrorsSurface(t *testing.T) {
	cfg := config.Defaults()
	cfg.DataDir = ""
	if _, err := Open(cfg); !errors.Is(err, dberr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
