// Package storage - Disk page store and persisted secondary index
//
// What: Append-only page file addressed by monotonic page ids, plus the
//      ordered key -> page id mapping persisted as a sibling metadata file.
// How: A value is written as {4-byte LE length, bytes} at page_id*PageSize;
//      values larger than one page claim contiguous pages. The secondary
//      index is an in-memory B-tree serialized in bulk to <name>.meta via
//      temp-file + rename.
// Why: Pages are never rewritten - a new version allocates a new page and
//      the index is retargeted - so concurrent readers need no locking
//      against the writer.
package storage

import (
	"bufio"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/tidwall/btree"

	"github.com/driftdb/drift/internal/dberr"
)

// PageSize is the fixed page granularity of the store.
const PageSize = 4096

// PageID addresses one page in the file.
type PageID uint64

// PageStore is the append-only page file.
type PageStore struct {
	mu       sync.Mutex
	file     *os.File
	nextPage PageID
}

// OpenPageStore opens (or creates) the page file at path. The allocator
// resumes after the last written page, derived from the file size.
func OpenPageStore(path string) (*PageStore, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pagestore: open %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("pagestore: stat %s: %w", path, err)
	}
	next := PageID((info.Size() + PageSize - 1) / PageSize)
	return &PageStore{file: file, nextPage: next}, nil
}

// pagesFor returns how many pages a value of n bytes claims.
func pagesFor(n int) PageID {
	return PageID((n + 4 + PageSize - 1) / PageSize)
}

// Write appends a value and returns the first page id of its run. A value
// longer than one page claims contiguous pages so the length-prefixed blob
// stays a single read.
func (p *PageStore) Write(value []byte) (PageID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextPage
	p.nextPage += pagesFor(len(value))

	buf := make([]byte, 4+len(value))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(value)))
	copy(buf[4:], value)

	if _, err := p.file.WriteAt(buf, int64(id)*PageSize); err != nil {
		return 0, fmt.Errorf("pagestore: write page %d: %w", id, err)
	}
	return id, nil
}

// Rewrite writes a value back to an existing page run. Only the buffer
// pool's dirty-flush path uses it; normal writes always allocate.
func (p *PageStore) Rewrite(id PageID, value []byte) error {
	buf := make([]byte, 4+len(value))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(value)))
	copy(buf[4:], value)
	if _, err := p.file.WriteAt(buf, int64(id)*PageSize); err != nil {
		return fmt.Errorf("pagestore: rewrite page %d: %w", id, err)
	}
	return nil
}

// Read returns the value stored at the given page id.
func (p *PageStore) Read(id PageID) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := p.file.ReadAt(lenBuf[:], int64(id)*PageSize); err != nil {
		return nil, dberr.Wrap(dberr.KindCorruptedData, "pagestore.read", err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])

	data := make([]byte, n)
	if _, err := p.file.ReadAt(data, int64(id)*PageSize+4); err != nil {
		return nil, dberr.Wrap(dberr.KindCorruptedData, "pagestore.read", err)
	}
	return data, nil
}

// Sync fsyncs the page file.
func (p *PageStore) Sync() error {
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("pagestore: sync: %w", err)
	}
	return nil
}

// Close syncs and closes the page file.
func (p *PageStore) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("pagestore: sync on close: %w", err)
	}
	return p.file.Close()
}

// ───────────────────────────────────────────────────────────────────────────
// Secondary index
// ───────────────────────────────────────────────────────────────────────────

// keySlot is one secondary-index entry.
type keySlot struct {
	Key  string
	Page PageID
}

// KeyIndex is the ordered mapping from user key to the page id of the
// latest value. It lives fully in memory and is persisted in bulk.
type KeyIndex struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[keySlot]
	path string
}

// NewKeyIndex creates the index backed by the metadata file at path.
func NewKeyIndex(path string) *KeyIndex {
	return &KeyIndex{
		tree: btree.NewBTreeG(func(a, b keySlot) bool { return a.Key < b.Key }),
		path: path,
	}
}

// Load reads the metadata file. A missing file means a fresh database;
// correctness then relies on WAL replay.
func (ki *KeyIndex) Load() error {
	f, err := os.Open(ki.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("keyindex: open %s: %w", ki.path, err)
	}
	defer f.Close()

	var slots []keySlot
	if err := gob.NewDecoder(bufio.NewReader(f)).Decode(&slots); err != nil {
		return dberr.Wrap(dberr.KindCorruptedData, "keyindex.load", err).WithKey(ki.path)
	}

	ki.mu.Lock()
	defer ki.mu.Unlock()
	for _, s := range slots {
		ki.tree.Set(s)
	}
	return nil
}

// Save persists the full index atomically: write a temp file, fsync, rename.
func (ki *KeyIndex) Save() error {
	ki.mu.RLock()
	slots := make([]keySlot, 0, ki.tree.Len())
	ki.tree.Scan(func(s keySlot) bool {
		slots = append(slots, s)
		return true
	})
	ki.mu.RUnlock()

	tmp := ki.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("keyindex: create %s: %w", tmp, err)
	}
	bw := bufio.NewWriterSize(f, 64*1024)
	encErr := gob.NewEncoder(bw).Encode(slots)
	if err := bw.Flush(); err != nil && encErr == nil {
		encErr = err
	}
	if err := f.Sync(); err != nil && encErr == nil {
		encErr = err
	}
	if err := f.Close(); err != nil && encErr == nil {
		encErr = err
	}
	if encErr != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("keyindex: save: %w", encErr)
	}
	if err := os.Rename(tmp, ki.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("keyindex: rename: %w", err)
	}
	return nil
}

// Set maps key to the page holding its latest value.
func (ki *KeyIndex) Set(key string, page PageID) {
	ki.mu.Lock()
	ki.tree.Set(keySlot{Key: key, Page: page})
	ki.mu.Unlock()
}

// Get returns the page id for key.
func (ki *KeyIndex) Get(key string) (PageID, bool) {
	ki.mu.RLock()
	defer ki.mu.RUnlock()
	s, ok := ki.tree.Get(keySlot{Key: key})
	return s.Page, ok
}

// Delete unmaps key. The orphaned page stays on disk until garbage
// collection, like an LSM tombstone.
func (ki *KeyIndex) Delete(key string) {
	ki.mu.Lock()
	ki.tree.Delete(keySlot{Key: key})
	ki.mu.Unlock()
}

// ScanPrefix returns (key, page) pairs in key order under prefix.
func (ki *KeyIndex) ScanPrefix(prefix string) []keySlot {
	ki.mu.RLock()
	defer ki.mu.RUnlock()
	var out []keySlot
	ki.tree.Ascend(keySlot{Key: prefix}, func(s keySlot) bool {
		if !strings.HasPrefix(s.Key, prefix) {
			return false
		}
		out = append(out, s)
		return true
	})
	return out
}

// Len returns the number of indexed keys.
func (ki *KeyIndex) Len() int {
	ki.mu.RLock()
	defer ki.mu.RUnlock()
	return ki.tree.Len()
}
