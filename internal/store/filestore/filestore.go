// Package filestore is a single-file Backend for the sealed store. The whole
// store lives in one JSON document; every mutation rewrites it through a
// temp file and rename, so a crash leaves either the old file or the new
// one, never a torn write.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"mantle/internal/store/sealed"
)

type document struct {
	Header []byte                       `json:"header,omitempty"`
	Tables map[string]map[string][]byte `json:"tables"`
}

func newDocument() *document {
	return &document{Tables: map[string]map[string][]byte{}}
}

// Store implements sealed.Backend over one file.
type Store struct {
	mu   sync.Mutex
	path string
	doc  *document

	// inTx marks a transaction view; views never lock or persist themselves.
	inTx bool
}

var _ sealed.Backend = (*Store)(nil)

// Open reads the store file, creating an empty store when the file does not
// exist yet.
func Open(path string) (*Store, error) {
	s := &Store{path: path, doc: newDocument()}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, s.doc); err != nil {
		return nil, fmt.Errorf("filestore: corrupt store file %s: %w", path, err)
	}
	if s.doc.Tables == nil {
		s.doc.Tables = map[string]map[string][]byte{}
	}
	return s, nil
}

func (s *Store) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// persist writes the document atomically. No-op inside a transaction view;
// the owning Transaction persists once on commit.
func (s *Store) persist() error {
	if s.inTx {
		return nil
	}
	raw, err := json.Marshal(s.doc)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".mantle-store-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func (s *Store) Header(ctx context.Context) ([]byte, bool, error) {
	defer s.lock()()
	if s.doc.Header == nil {
		return nil, false, nil
	}
	return append([]byte(nil), s.doc.Header...), true, nil
}

func (s *Store) PutHeader(ctx context.Context, header []byte) error {
	defer s.lock()()
	s.doc.Header = append([]byte(nil), header...)
	return s.persist()
}

func (s *Store) Get(ctx context.Context, table, key string) ([]byte, bool, error) {
	defer s.lock()()
	v, ok := s.doc.Tables[table][key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *Store) Put(ctx context.Context, table, key string, value []byte) error {
	defer s.lock()()
	if s.doc.Tables[table] == nil {
		s.doc.Tables[table] = map[string][]byte{}
	}
	s.doc.Tables[table][key] = append([]byte(nil), value...)
	return s.persist()
}

func (s *Store) Delete(ctx context.Context, table, key string) error {
	defer s.lock()()
	delete(s.doc.Tables[table], key)
	return s.persist()
}

func (s *Store) List(ctx context.Context, table string) ([][]byte, error) {
	defer s.lock()()
	rows := s.doc.Tables[table]
	out := make([][]byte, 0, len(rows))
	for _, v := range rows {
		out = append(out, append([]byte(nil), v...))
	}
	return out, nil
}

// Transaction clones the document, runs fn against the clone, and swaps it
// in with a single persist on success.
func (s *Store) Transaction(ctx context.Context, fn func(tx sealed.Backend) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := cloneDocument(s.doc)
	if err != nil {
		return err
	}
	view := &Store{path: s.path, doc: snap, inTx: true}
	if err := fn(view); err != nil {
		return err
	}
	old := s.doc
	s.doc = snap
	if err := s.persist(); err != nil {
		s.doc = old
		return err
	}
	return nil
}

func cloneDocument(doc *document) (*document, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	out := newDocument()
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, err
	}
	if out.Tables == nil {
		out.Tables = map[string]map[string][]byte{}
	}
	return out, nil
}
