// Package timeseries - Time-series model over the storage core
//
// What: Named series of timestamped points with tags, range queries,
//      interval rollups (count/sum/min/max/avg), and age-based retention.
// How: Points persist under "ts:<series>:<timestamp>:<seq>"; the storage
//      core's ordered index makes a time-range query a bounded prefix
//      scan. Rollups aggregate on read over bucket-aligned windows.
// Why: Metrics-shaped data wants append + range-read + downsample, not
//      point lookups; the key encoding turns the ordered index into
//      exactly that.
package timeseries

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftdb/drift/internal/dberr"
	"github.com/driftdb/drift/internal/logx"
	"github.com/driftdb/drift/internal/storage"
)

const keyPrefix = "ts:"

// Point is one observation.
type Point struct {
	Timestamp int64              `json:"ts"` // unix seconds
	Values    map[string]float64 `json:"values"`
	Tags      map[string]string  `json:"tags,omitempty"`
}

// Rollup is an aggregate over one bucket.
type Rollup struct {
	Bucket int64 // unix seconds, aligned to the interval
	Count  uint64
	Sum    float64
	Min    float64
	Max    float64
	Avg    float64
}

// RetentionPolicy bounds how long raw points live.
type RetentionPolicy struct {
	RawTTL time.Duration
}

// DefaultRetention keeps raw points for seven days.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{RawTTL: 7 * 24 * time.Hour}
}

// DB is the time-series model over one storage core.
type DB struct {
	store *storage.Store
	log   zerolog.Logger
	seq   atomic.Uint64

	mu     sync.RWMutex
	series map[string]RetentionPolicy
}

// New wraps a storage core with the time-series model.
func New(store *storage.Store) *DB {
	return &DB{
		store:  store,
		log:    logx.WithComponent("timeseries"),
		series: make(map[string]RetentionPolicy),
	}
}

// CreateSeries registers a named series with its retention.
func (db *DB) CreateSeries(name string, retention RetentionPolicy) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.series[name]; ok {
		return dberr.New(dberr.KindConstraintViolation, "timeseries.create",
			"series %q already exists", name)
	}
	db.series[name] = retention
	return nil
}

// pointKey orders points by timestamp then arrival. The zero-padded
// decimal keeps lexicographic order equal to numeric order.
func (db *DB) pointKey(series string, ts int64) string {
	return fmt.Sprintf("%s%s:%019d:%08d", keyPrefix, series, ts, db.seq.Add(1))
}

// Append stores one point.
func (db *DB) Append(series string, p Point) error {
	db.mu.RLock()
	_, ok := db.series[series]
	db.mu.RUnlock()
	if !ok {
		return dberr.New(dberr.KindValidation, "timeseries.append", "series %q not found", series)
	}
	if p.Timestamp == 0 {
		p.Timestamp = time.Now().Unix()
	}
	if len(p.Values) == 0 {
		return dberr.New(dberr.KindValidation, "timeseries.append", "point has no values")
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return dberr.Wrap(dberr.KindInternal, "timeseries.append", err)
	}
	return db.store.PutString(db.pointKey(series, p.Timestamp), raw)
}

// Query returns points with from <= ts < to, in time order. Tag filters
// (all must match) are optional.
func (db *DB) Query(series string, from, to int64, tags map[string]string) ([]Point, error) {
	db.mu.RLock()
	_, ok := db.series[series]
	db.mu.RUnlock()
	if !ok {
		return nil, dberr.New(dberr.KindValidation, "timeseries.query", "series %q not found", series)
	}

	var out []Point
	for _, kv := range db.store.ScanPrefix(keyPrefix + series + ":") {
		var p Point
		if err := json.Unmarshal(kv.Value, &p); err != nil {
			db.log.Warn().Str("key", kv.Key).Msg("undecodable point skipped")
			continue
		}
		if p.Timestamp < from || p.Timestamp >= to {
			continue
		}
		if !tagsMatch(p.Tags, tags) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func tagsMatch(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// RollupQuery aggregates one value field over interval-aligned buckets in
// [from, to).
func (db *DB) RollupQuery(series, field string, from, to int64, interval time.Duration, tags map[string]string) ([]Rollup, error) {
	if interval < time.Second {
		return nil, dberr.New(dberr.KindValidation, "timeseries.rollup", "interval below one second")
	}
	points, err := db.Query(series, from, to, tags)
	if err != nil {
		return nil, err
	}

	step := int64(interval / time.Second)
	buckets := make(map[int64]*Rollup)
	for _, p := range points {
		v, ok := p.Values[field]
		if !ok {
			continue
		}
		b := p.Timestamp - (p.Timestamp % step)
		r := buckets[b]
		if r == nil {
			r = &Rollup{Bucket: b, Min: v, Max: v}
			buckets[b] = r
		}
		r.Count++
		r.Sum += v
		if v < r.Min {
			r.Min = v
		}
		if v > r.Max {
			r.Max = v
		}
	}

	out := make([]Rollup, 0, len(buckets))
	for b := from - (from % step); b < to; b += step {
		if r, ok := buckets[b]; ok {
			r.Avg = r.Sum / float64(r.Count)
			out = append(out, *r)
		}
	}
	return out, nil
}

// ApplyRetention deletes raw points older than each series' TTL. Returns
// how many points fell.
func (db *DB) ApplyRetention() int {
	db.mu.RLock()
	policies := make(map[string]RetentionPolicy, len(db.series))
	for name, p := range db.series {
		policies[name] = p
	}
	db.mu.RUnlock()

	removed := 0
	now := time.Now().Unix()
	for name, policy := range policies {
		if policy.RawTTL <= 0 {
			continue
		}
		cutoff := now - int64(policy.RawTTL/time.Second)
		for _, kv := range db.store.ScanPrefix(keyPrefix + name + ":") {
			var p Point
			if err := json.Unmarshal(kv.Value, &p); err != nil {
				continue
			}
			if p.Timestamp >= cutoff {
				break // keys are time-ordered
			}
			if err := db.store.DeleteString(kv.Key); err != nil {
				db.log.Warn().Err(err).Str("key", kv.Key).Msg("retention delete failed")
				continue
			}
			removed++
		}
	}
	return removed
}

// Series lists registered series names.
func (db *DB) Series() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]string, 0, len(db.series))
	for name := range db.series {
		out = append(out, name)
	}
	return out
}
