package engine

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/mindspace-dev/mindspace-store/internal/logger"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrNotAList         = errors.New("field is not a list")
	ErrBadPath          = errors.New("invalid field path")
)

// MemStore is the thread-safe document engine of the daemon.
// Documents are JSON-shaped values (map[string]any, []any, primitives).
type MemStore struct {
	mu sync.RWMutex
	// Structure: [collection][docID]document
	data      map[string]map[string]map[string]any
	persister *Persistence
	wg        sync.WaitGroup
	saveMu    sync.Mutex
	logger    *log.Logger
}

// NewMemStore initializes a store.
// It accepts existing data (from LoadAll) and a persister, which may be nil.
func NewMemStore(initialData map[string]map[string]map[string]any, p *Persistence, l *log.Logger) *MemStore {
	if initialData == nil {
		initialData = make(map[string]map[string]map[string]any)
	}
	return &MemStore{
		data:      initialData,
		persister: p,
		logger:    logger.OrDiscard(l),
	}
}

// Wait waits for all background persistence tasks to complete.
func (m *MemStore) Wait() {
	m.wg.Wait()
}

// Get returns a copy of a document.
func (m *MemStore) Get(collection, docID string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.data[collection][docID]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return deepCopy(doc).(map[string]any), nil
}

// Put replaces a document.
func (m *MemStore) Put(collection, docID string, doc map[string]any) error {
	m.mu.Lock()
	m.ensureCollection(collection)
	m.data[collection][docID] = deepCopy(doc).(map[string]any)
	m.mu.Unlock()

	m.persist(collection, docID)
	return nil
}

// Delete removes a document. Deleting a missing document is not an error.
func (m *MemStore) Delete(collection, docID string) error {
	m.mu.Lock()
	if c, ok := m.data[collection]; ok {
		delete(c, docID)
	}
	m.mu.Unlock()

	m.persist(collection, docID)
	return nil
}

// Append adds val to the list at field with array-union semantics: the value
// is skipped when an equal element is already present. The document and the
// list are created when missing. The whole operation runs under the write
// lock, so concurrent appenders never lose each other's values.
func (m *MemStore) Append(collection, docID, field string, val any) (bool, error) {
	m.mu.Lock()
	m.ensureCollection(collection)
	doc, ok := m.data[collection][docID]
	if !ok {
		doc = make(map[string]any)
		m.data[collection][docID] = doc
	}

	var list []any
	if existing, ok := doc[field]; ok && existing != nil {
		list, ok = existing.([]any)
		if !ok {
			m.mu.Unlock()
			return false, fmt.Errorf("%w: %s", ErrNotAList, field)
		}
	}
	for _, el := range list {
		if reflect.DeepEqual(el, val) {
			m.mu.Unlock()
			return false, nil
		}
	}
	doc[field] = append(list, deepCopy(val))
	m.mu.Unlock()

	m.persist(collection, docID)
	return true, nil
}

// SetPath sets a dotted field path ("profile.bio") inside a document,
// creating the document and intermediate objects when missing.
func (m *MemStore) SetPath(collection, docID, path string, val any) error {
	parts := strings.Split(path, ".")
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("%w: %q", ErrBadPath, path)
		}
	}

	m.mu.Lock()
	m.ensureCollection(collection)
	doc, ok := m.data[collection][docID]
	if !ok {
		doc = make(map[string]any)
		m.data[collection][docID] = doc
	}

	cur := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p]
		if !ok || next == nil {
			child := make(map[string]any)
			cur[p] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s is not an object", ErrBadPath, p)
		}
		cur = child
	}
	cur[parts[len(parts)-1]] = deepCopy(val)
	m.mu.Unlock()

	m.persist(collection, docID)
	return nil
}

// List returns the sorted document IDs of a collection.
func (m *MemStore) List(collection string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]string, 0, len(m.data[collection]))
	for id := range m.data[collection] {
		list = append(list, id)
	}
	sort.Strings(list)
	return list, nil
}

// ensureCollection MUST be called while holding m.mu.Lock.
func (m *MemStore) ensureCollection(collection string) {
	if m.data[collection] == nil {
		m.data[collection] = make(map[string]map[string]any)
	}
}

// persist saves a document in the background. Each save snapshots the
// latest state under saveMu, so the last write to disk is never older than
// the last mutation.
func (m *MemStore) persist(collection, docID string) {
	if m.persister == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.saveMu.Lock()
		defer m.saveMu.Unlock()

		m.mu.RLock()
		doc, ok := m.data[collection][docID]
		var snapshot map[string]any
		if ok {
			snapshot = deepCopy(doc).(map[string]any)
		}
		m.mu.RUnlock()

		var err error
		if ok {
			err = m.persister.SaveDocument(collection, docID, snapshot)
		} else {
			err = m.persister.RemoveDocument(collection, docID)
		}
		if err != nil {
			m.logger.Error("Persisting document failed", "collection", collection, "id", docID, "error", err)
		}
	}()
}

// deepCopy copies JSON-shaped values so callers never share internal maps.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		c := make(map[string]any, len(t))
		for k, val := range t {
			c[k] = deepCopy(val)
		}
		return c
	case []any:
		c := make([]any, len(t))
		for i, val := range t {
			c[i] = deepCopy(val)
		}
		return c
	default:
		return v
	}
}
