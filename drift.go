// Package drift provides an embedded multi-model database core for Go
// applications.
//
// Drift exposes key-value, document, columnar, and time-series data
// models over a single durable substrate:
//   - a concurrent ordered memory index with TTL and MVCC visibility
//   - a disk page store with a buffer pool and a persisted secondary index
//   - a segmented write-ahead log with crash recovery (snapshot + replay)
//   - transactions with isolation levels, per-key locking, and deadlock
//     detection
//   - change-data-capture streams over committed mutations
//   - a bounded session pool with health checks and a circuit breaker
//
// # Basic usage
//
//	cfg := config.Defaults()
//	cfg.DataDir = "./data"
//	db, err := drift.Open(cfg)
//	if err != nil { ... }
//	defer db.Close()
//
//	db.Put([]byte("user:1"), []byte(`{"name":"Alice"}`))
//	v, err := db.Get([]byte("user:1"))
//
// # Data models
//
// The document, time-series, and columnar models all persist through the
// same substrate:
//
//	users := db.Docs().Collection("users")
//	id, _ := users.Insert("", map[string]any{"name": "Alice"})
//
//	db.TimeSeries().CreateSeries("cpu", timeseries.DefaultRetention())
//
// # Transactions
//
//	t := db.Begin(txn.Serializable)
//	db.Txns().Put(t, "balance:a", []byte("90"))
//	db.Txns().Put(t, "balance:b", []byte("110"))
//	err := db.Txns().Commit(t)
//
// # Change streams
//
//	db.Streams().RegisterConsumer("default", "replica-1")
//	events, _ := db.Streams().Read("default", "replica-1", 100)
package drift

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/driftdb/drift/internal/cdc"
	"github.com/driftdb/drift/internal/columnar"
	"github.com/driftdb/drift/internal/config"
	"github.com/driftdb/drift/internal/docstore"
	"github.com/driftdb/drift/internal/logx"
	"github.com/driftdb/drift/internal/maintenance"
	"github.com/driftdb/drift/internal/pool"
	"github.com/driftdb/drift/internal/storage"
	"github.com/driftdb/drift/internal/timeseries"
	"github.com/driftdb/drift/internal/txn"
)

// DefaultStream is the CDC stream committed mutations land on.
const DefaultStream = "default"

// DB is the composed database handle.
type DB struct {
	cfg      config.Config
	store    *storage.Store
	txns     *txn.Manager
	streams  *cdc.Streams
	sessions *pool.Pool
	maint    *maintenance.Runner
	log      zerolog.Logger

	// Model layers, built on first use over the same substrate.
	docsOnce sync.Once
	docs     *docstore.Store
	tsOnce   sync.Once
	tsdb     *timeseries.DB
	colsOnce sync.Once
	cols     *columnar.Engine
}

// Open builds a database from the configuration: storage core, transaction
// manager, CDC streams, session pool, and background maintenance.
func Open(cfg config.Config) (*DB, error) {
	return OpenWithFactory(cfg, nil)
}

// OpenWithFactory is Open with a custom session factory for the pool.
// A nil factory pools ephemeral in-memory sessions, which suits scratch
// workloads; callers wanting pooled handles onto durable storage supply
// their own.
func OpenWithFactory(cfg config.Config, factory pool.Factory) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := storage.Open(storage.Options{
		DataDir:         cfg.DataDir,
		WALEnabled:      cfg.WALEnabled,
		SyncOnWrite:     cfg.SyncOnWrite,
		DiskBacked:      cfg.DiskBacked,
		WALSegmentSize:  cfg.WALSegmentSize,
		BufferPoolPages: cfg.BufferPoolPages,
	})
	if err != nil {
		return nil, err
	}

	streams := cdc.NewStreams()
	if err := streams.CreateStream(cdc.DefaultStreamConfig(DefaultStream)); err != nil {
		store.Close()
		return nil, err
	}

	txns := txn.NewManager(store, streams, txn.ManagerOptions{
		Stream: DefaultStream,
	})

	if factory == nil {
		factory = pool.FactoryFunc(func(ctx context.Context) (*storage.Store, error) {
			return storage.Open(storage.Options{})
		})
	}
	sessions, err := pool.New(pool.Config{
		MinConnections:      cfg.Pool.MinConnections,
		MaxConnections:      cfg.Pool.MaxConnections,
		MaxIdleTime:         cfg.Pool.MaxIdleTime,
		ConnectionTimeout:   cfg.Pool.ConnectionTimeout,
		MaxLifetime:         cfg.Pool.MaxLifetime,
		HealthCheckInterval: cfg.Pool.HealthCheckInterval,
		RecycleConnections:  cfg.Pool.RecycleConnections,
		Breaker:             breakerDefaults(),
	}, factory)
	if err != nil {
		store.Close()
		return nil, err
	}

	maint, err := maintenance.New(maintenance.Options{
		SweepInterval:      cfg.SweepInterval,
		SweepBatch:         cfg.SweepBatch,
		CheckpointInterval: cfg.CheckpointInterval,
		RetentionInterval:  cfg.SweepInterval,
	}, store, txns, streams)
	if err != nil {
		sessions.Close()
		store.Close()
		return nil, err
	}
	maint.Start()

	db := &DB{
		cfg:      cfg,
		store:    store,
		txns:     txns,
		streams:  streams,
		sessions: sessions,
		maint:    maint,
		log:      logx.WithComponent("drift"),
	}
	return db, nil
}

func breakerDefaults() *pool.BreakerConfig {
	cfg := pool.DefaultBreakerConfig()
	return &cfg
}

// Put stores key -> value (autocommit).
func (db *DB) Put(key, value []byte) error { return db.store.Put(key, value) }

// PutWithTTL stores a key that expires ttlSeconds after the write.
func (db *DB) PutWithTTL(key string, value []byte, ttlSeconds uint64) error {
	return db.store.PutWithTTL(key, value, ttlSeconds)
}

// Get reads a key through the memory index and disk tier.
func (db *DB) Get(key []byte) ([]byte, error) { return db.store.Get(key) }

// Delete removes a key from both tiers.
func (db *DB) Delete(key []byte) error { return db.store.Delete(key) }

// ScanPrefix returns live (key, value) pairs under prefix in key order.
func (db *DB) ScanPrefix(prefix string) []storage.KV { return db.store.ScanPrefix(prefix) }

// BatchPut bulk-writes entries with bounded fan-out.
func (db *DB) BatchPut(entries []storage.KV) error { return db.store.BatchPut(entries) }

// Len returns the number of resident entries.
func (db *DB) Len() int { return db.store.Len() }

// Snapshot writes the live index to snapshot.json.
func (db *DB) Snapshot() error { return db.store.Snapshot() }

// Begin opens a transaction.
func (db *DB) Begin(level txn.IsolationLevel) *txn.Transaction { return db.txns.Begin(level) }

// Txns exposes the transaction manager.
func (db *DB) Txns() *txn.Manager { return db.txns }

// Streams exposes the CDC stream manager.
func (db *DB) Streams() *cdc.Streams { return db.streams }

// Sessions exposes the pooled session layer.
func (db *DB) Sessions() *pool.Pool { return db.sessions }

// Docs exposes the document model.
func (db *DB) Docs() *docstore.Store {
	db.docsOnce.Do(func() { db.docs = docstore.New(db.store) })
	return db.docs
}

// TimeSeries exposes the time-series model.
func (db *DB) TimeSeries() *timeseries.DB {
	db.tsOnce.Do(func() { db.tsdb = timeseries.New(db.store) })
	return db.tsdb
}

// Columnar exposes the column-oriented model.
func (db *DB) Columnar() *columnar.Engine {
	db.colsOnce.Do(func() { db.cols = columnar.New(db.store) })
	return db.cols
}

// Store exposes the storage core for advanced callers.
func (db *DB) Store() *storage.Store { return db.store }

// Stats returns the memory-index counters.
func (db *DB) Stats() storage.IndexStats { return db.store.Stats() }

// Close shuts the database down cleanly: stop maintenance, abort active
// transactions, close the pool, snapshot, and close the WAL.
func (db *DB) Close() error {
	db.maint.Stop()
	db.txns.Shutdown()
	db.sessions.Close()
	err := db.store.Close()
	db.log.Info().Msg("database closed")
	return err
}
