// Package engine implements the in-memory document engine behind the
// mindspace-stored daemon and the atomic JSON files both it and the local
// record cache persist to.
package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/mindspace-dev/mindspace-store/internal/logger"
)

// Persistence handles the disk I/O for the MemStore and the local record cache.
type Persistence struct {
	DataDir string
	mu      sync.Mutex // Protects concurrent writes to the filesystem
	logger  *log.Logger
}

// NewPersistence initializes a persistence handler rooted at dir.
func NewPersistence(dir string, l *log.Logger) (*Persistence, error) {
	// Ensure the data directory exists
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Persistence{DataDir: dir, logger: logger.OrDiscard(l)}, nil
}

// Save writes v as indented JSON to name (relative to DataDir) atomically.
func (p *Persistence) Save(name string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	filePath := filepath.Join(p.DataDir, name)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}
	tempPath := filePath + ".tmp"

	bytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	if err := os.WriteFile(tempPath, bytes, 0644); err != nil {
		return err
	}

	// Either the old file or the new one survives a crash, never a torn write.
	return os.Rename(tempPath, filePath)
}

// Load reads name into v. A missing file yields an error satisfying
// errors.Is(err, os.ErrNotExist).
func (p *Persistence) Load(name string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	content, err := os.ReadFile(filepath.Join(p.DataDir, name))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(content, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

// Remove deletes name. Removing a missing file is not an error.
func (p *Persistence) Remove(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := os.Remove(filepath.Join(p.DataDir, name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// List returns the names (without the .json suffix) of the JSON files in
// subdir whose names start with prefix. The prefix is stripped.
func (p *Persistence) List(subdir, prefix string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	files, err := os.ReadDir(filepath.Join(p.DataDir, subdir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, file := range files {
		name := file.Name()
		if file.IsDir() || filepath.Ext(name) != ".json" || !strings.HasPrefix(name, prefix) {
			continue
		}
		names = append(names, strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json"))
	}
	return names, nil
}

// docPath is the daemon's layout: one file per document under its collection.
func docPath(collection, docID string) string {
	return filepath.Join(collection, url.PathEscape(docID)+".json")
}

// SaveDocument persists one daemon document.
func (p *Persistence) SaveDocument(collection, docID string, doc map[string]any) error {
	return p.Save(docPath(collection, docID), doc)
}

// RemoveDocument deletes one daemon document file.
func (p *Persistence) RemoveDocument(collection, docID string) error {
	return p.Remove(docPath(collection, docID))
}

// LoadAll returns every daemon document found in the data directory,
// keyed by collection and document ID.
func (p *Persistence) LoadAll() (map[string]map[string]map[string]any, error) {
	allData := make(map[string]map[string]map[string]any)

	collections, err := os.ReadDir(p.DataDir)
	if err != nil {
		return nil, err
	}

	for _, coll := range collections {
		if !coll.IsDir() {
			continue
		}
		names, err := p.List(coll.Name(), "")
		if err != nil {
			return nil, err
		}
		for _, escaped := range names {
			docID, err := url.PathUnescape(escaped)
			if err != nil {
				p.logger.Warn("Skipping document with undecodable name", "collection", coll.Name(), "file", escaped)
				continue
			}
			var doc map[string]any
			if err := p.Load(docPath(coll.Name(), docID), &doc); err != nil {
				// Skip corrupted/unreadable files
				p.logger.Warn("Could not load document", "collection", coll.Name(), "id", docID, "error", err)
				continue
			}
			if allData[coll.Name()] == nil {
				allData[coll.Name()] = make(map[string]map[string]any)
			}
			allData[coll.Name()][docID] = doc
		}
	}
	return allData, nil
}
