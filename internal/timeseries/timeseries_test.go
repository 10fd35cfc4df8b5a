package timeseries

import (
	"testing"
	"time"

	"github.com/driftdb/drift/internal/dberr"
	"github.com/driftdb/drift/internal/storage"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	backing, err := storage.Open(storage.Options{})
	if err != nil {
		t.Fatalf("open backing store: %v", err)
	}
	t.Cleanup(func() { backing.Close() })
	return New(backing)
}

func TestAppendAndQueryRange(t *testing.T) {
	db := newTestDB(t)
	if err := db.CreateSeries("cpu", DefaultRetention()); err != nil {
		t.Fatalf("create: %v", err)
	}

	base := int64(1700000000)
	for i := int64(0); i < 10; i++ {
		err := db.Append("cpu", Point{
			Timestamp: base + i*60,
			Values:    map[string]float64{"usage": float64(i)},
			Tags:      map[string]string{"host": "db1"},
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	// Half-open range [base+120, base+360) holds points 2,3,4,5.
	points, err := db.Query("cpu", base+120, base+360, nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(points) != 4 {
		t.Fatalf("expected 4 points, got %d", len(points))
	}
	for i := 1; i < len(points); i++ {
		if points[i].Timestamp < points[i-1].Timestamp {
			t.Fatal("points out of time order")
		}
	}
}

func TestQueryTagFilter(t *testing.T) {
	db := newTestDB(t)
	db.CreateSeries("cpu", DefaultRetention())

	base := int64(1700000000)
	for _, host := range []string{"db1", "db2", "db1"} {
		db.Append("cpu", Point{
			Timestamp: base,
			Values:    map[string]float64{"usage": 1},
			Tags:      map[string]string{"host": host},
		})
		base++
	}

	points, err := db.Query("cpu", 0, base+10, map[string]string{"host": "db1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(points) != 2 {
		t.Errorf("tag filter returned %d points, want 2", len(points))
	}
}

func TestUnknownSeries(t *testing.T) {
	db := newTestDB(t)
	if err := db.Append("ghost", Point{Values: map[string]float64{"v": 1}}); dberr.KindOf(err) != dberr.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
	if _, err := db.Query("ghost", 0, 1, nil); dberr.KindOf(err) != dberr.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
	db.CreateSeries("real", DefaultRetention())
	if err := db.CreateSeries("real", DefaultRetention()); dberr.KindOf(err) != dberr.KindConstraintViolation {
		t.Errorf("expected duplicate rejection, got %v", err)
	}
}

func TestRollupAggregates(t *testing.T) {
	db := newTestDB(t)
	db.CreateSeries("cpu", DefaultRetention())

	// Two one-minute buckets: values 1..6 in the first, 10 in the second.
	base := int64(1700000040) // already on a minute boundary; the alignment below keeps it there
	base = base - (base % 60)
	for i := int64(1); i <= 6; i++ {
		db.Append("cpu", Point{Timestamp: base + i*5, Values: map[string]float64{"usage": float64(i)}})
	}
	db.Append("cpu", Point{Timestamp: base + 65, Values: map[string]float64{"usage": 10}})

	rollups, err := db.RollupQuery("cpu", "usage", base, base+120, time.Minute, nil)
	if err != nil {
		t.Fatalf("rollup: %v", err)
	}
	if len(rollups) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(rollups))
	}

	first := rollups[0]
	if first.Count != 6 || first.Sum != 21 || first.Min != 1 || first.Max != 6 {
		t.Errorf("first bucket wrong: %+v", first)
	}
	if first.Avg != 3.5 {
		t.Errorf("expected avg 3.5, got %f", first.Avg)
	}
	if rollups[1].Count != 1 || rollups[1].Max != 10 {
		t.Errorf("second bucket wrong: %+v", rollups[1])
	}
}

func TestRetentionDropsOldPoints(t *testing.T) {
	db := newTestDB(t)
	db.CreateSeries("cpu", RetentionPolicy{RawTTL: time.Hour})

	now := time.Now().Unix()
	db.Append("cpu", Point{Timestamp: now - 7200, Values: map[string]float64{"usage": 1}})
	db.Append("cpu", Point{Timestamp: now, Values: map[string]float64{"usage": 2}})

	removed := db.ApplyRetention()
	if removed != 1 {
		t.Fatalf("expected 1 point removed, got %d", removed)
	}
	points, _ := db.Query("cpu", 0, now+1, nil)
	if len(points) != 1 || points[0].Values["usage"] != 2 {
		t.Errorf("wrong survivor: %v", points)
	}
}
