// Package docstore - Document model over the storage core
//
// What: JSON documents in named collections, with ids, versioning, nested
//      field paths, and secondary indexes.
// How: Each document serializes to one storage-core entry under
//      "doc:<collection>:<id>", so durability, WAL replay, and snapshots
//      come for free. Secondary indexes are in-memory (unordered) maps from
//      indexed value to document ids, built from a collection scan by
//      CreateIndex. Index definitions are not persisted, so after a reopen
//      no index exists until CreateIndex runs again.
// Why: Callers get a document API without a second persistence engine
//      underneath it.
package docstore

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/driftdb/drift/internal/dberr"
	"github.com/driftdb/drift/internal/logx"
	"github.com/driftdb/drift/internal/storage"
)

const keyPrefix = "doc:"

// Document is one stored JSON object plus metadata.
type Document struct {
	ID        string         `json:"_id"`
	Data      map[string]any `json:"data"`
	Version   uint64         `json:"version"`
	CreatedAt int64          `json:"created_at"`
	UpdatedAt int64          `json:"updated_at"`
}

// GetNested resolves a dotted path ("user.address.city") inside Data.
func (d *Document) GetNested(path string) (any, bool) {
	var current any = d.Data
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// SetNested writes a value at a dotted path, creating intermediate
// objects.
func (d *Document) SetNested(path string, value any) error {
	parts := strings.Split(path, ".")
	if len(parts) == 0 || parts[0] == "" {
		return dberr.New(dberr.KindValidation, "docstore.set", "empty field path")
	}
	if d.Data == nil {
		d.Data = make(map[string]any)
	}
	current := d.Data
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
	return nil
}

// index is one secondary index: canonical value -> document ids.
type index struct {
	fieldPath string
	unique    bool
	values    map[string][]string // canonical value -> ids
}

func (ix *index) insert(doc *Document) error {
	v, ok := doc.GetNested(ix.fieldPath)
	if !ok {
		return nil
	}
	key := canonical(v)
	if ix.unique && len(ix.values[key]) > 0 && ix.values[key][0] != doc.ID {
		return dberr.New(dberr.KindConstraintViolation, "docstore.index",
			"unique index on %q violated by value %s", ix.fieldPath, key)
	}
	ix.values[key] = append(ix.values[key], doc.ID)
	return nil
}

func (ix *index) remove(doc *Document) {
	v, ok := doc.GetNested(ix.fieldPath)
	if !ok {
		return
	}
	key := canonical(v)
	ids := ix.values[key]
	out := ids[:0]
	for _, id := range ids {
		if id != doc.ID {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		delete(ix.values, key)
	} else {
		ix.values[key] = out
	}
}

// canonical renders an indexed value as a comparable string.
func canonical(v any) string {
	switch t := v.(type) {
	case string:
		return "s:" + t
	case float64:
		return fmt.Sprintf("n:%024.6f", t)
	case bool:
		return fmt.Sprintf("b:%t", t)
	case nil:
		return "null"
	default:
		b, _ := json.Marshal(t)
		return "j:" + string(b)
	}
}

// Collection is a named set of documents.
type Collection struct {
	name  string
	store *storage.Store

	mu      sync.RWMutex
	indexes map[string]*index
}

// Store is the document model over one storage core.
type Store struct {
	backing *storage.Store
	log     zerolog.Logger

	mu          sync.Mutex
	collections map[string]*Collection
}

// New wraps a storage core with the document model.
func New(backing *storage.Store) *Store {
	return &Store{
		backing:     backing,
		log:         logx.WithComponent("docstore"),
		collections: make(map[string]*Collection),
	}
}

// Collection returns (creating on first use) a named collection.
func (s *Store) Collection(name string) *Collection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.collections[name]; ok {
		return c
	}
	c := &Collection{
		name:    name,
		store:   s.backing,
		indexes: make(map[string]*index),
	}
	s.collections[name] = c
	return c
}

func (c *Collection) key(id string) string {
	return keyPrefix + c.name + ":" + id
}

// Insert stores a new document. An empty id gets a generated one. The id
// is returned.
func (c *Collection) Insert(id string, data map[string]any) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if c.store.Exists(c.key(id)) {
		return "", dberr.New(dberr.KindConstraintViolation, "docstore.insert",
			"document %s already exists in %s", id, c.name)
	}

	now := time.Now().Unix()
	doc := &Document{ID: id, Data: data, Version: 1, CreatedAt: now, UpdatedAt: now}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ix := range c.indexes {
		if err := ix.insert(doc); err != nil {
			// Roll back entries added to earlier indexes.
			for _, undo := range c.indexes {
				undo.remove(doc)
			}
			return "", err
		}
	}
	if err := c.write(doc); err != nil {
		for _, undo := range c.indexes {
			undo.remove(doc)
		}
		return "", err
	}
	return id, nil
}

// Get loads a document by id.
func (c *Collection) Get(id string) (*Document, error) {
	raw, err := c.store.GetString(c.key(id))
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, dberr.Wrap(dberr.KindCorruptedData, "docstore.get", err).WithKey(id)
	}
	return &doc, nil
}

// Update applies set-operations on dotted paths atomically with respect
// to other Updates on the same collection.
func (c *Collection) Update(id string, sets map[string]any) (*Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.Get(id)
	if err != nil {
		return nil, err
	}

	for _, ix := range c.indexes {
		ix.remove(doc)
	}
	for path, value := range sets {
		if err := doc.SetNested(path, value); err != nil {
			return nil, err
		}
	}
	doc.Version++
	doc.UpdatedAt = time.Now().Unix()
	for _, ix := range c.indexes {
		if err := ix.insert(doc); err != nil {
			return nil, err
		}
	}
	if err := c.write(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Upsert inserts when absent, updates when present.
func (c *Collection) Upsert(id string, data map[string]any) (*Document, error) {
	if id != "" && c.store.Exists(c.key(id)) {
		sets := make(map[string]any, len(data))
		for k, v := range data {
			sets[k] = v
		}
		return c.Update(id, sets)
	}
	newID, err := c.Insert(id, data)
	if err != nil {
		return nil, err
	}
	return c.Get(newID)
}

// Delete removes a document.
func (c *Collection) Delete(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.Get(id)
	if err != nil {
		return err
	}
	for _, ix := range c.indexes {
		ix.remove(doc)
	}
	return c.store.DeleteString(c.key(id))
}

// CreateIndex builds a secondary index on a dotted field path from the
// current contents.
func (c *Collection) CreateIndex(fieldPath string, unique bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.indexes[fieldPath]; ok {
		return dberr.New(dberr.KindConstraintViolation, "docstore.create_index",
			"index on %q already exists", fieldPath)
	}
	ix := &index{fieldPath: fieldPath, unique: unique, values: make(map[string][]string)}
	for _, doc := range c.scan() {
		if err := ix.insert(doc); err != nil {
			return err
		}
	}
	c.indexes[fieldPath] = ix
	return nil
}

// FindEqual returns documents whose field path equals value, using the
// secondary index when one exists and a collection scan otherwise.
func (c *Collection) FindEqual(fieldPath string, value any) ([]*Document, error) {
	c.mu.RLock()
	ix, indexed := c.indexes[fieldPath]
	var ids []string
	if indexed {
		ids = append(ids, ix.values[canonical(value)]...)
	}
	c.mu.RUnlock()

	if indexed {
		out := make([]*Document, 0, len(ids))
		for _, id := range ids {
			doc, err := c.Get(id)
			if err != nil {
				continue // deleted under us
			}
			out = append(out, doc)
		}
		return out, nil
	}

	want := canonical(value)
	var out []*Document
	for _, doc := range c.scan() {
		if v, ok := doc.GetNested(fieldPath); ok && canonical(v) == want {
			out = append(out, doc)
		}
	}
	return out, nil
}

// Count returns the number of documents in the collection.
func (c *Collection) Count() int {
	return len(c.store.ScanPrefix(keyPrefix + c.name + ":"))
}

// scan decodes every document in the collection.
func (c *Collection) scan() []*Document {
	pairs := c.store.ScanPrefix(keyPrefix + c.name + ":")
	out := make([]*Document, 0, len(pairs))
	for _, kv := range pairs {
		var doc Document
		if err := json.Unmarshal(kv.Value, &doc); err != nil {
			continue
		}
		out = append(out, &doc)
	}
	return out
}

func (c *Collection) write(doc *Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return dberr.Wrap(dberr.KindInternal, "docstore.write", err)
	}
	return c.store.PutString(c.key(doc.ID), raw)
}
