package hcldef

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/7ama2004/synapse/internal/ctxlog"
	"github.com/7ama2004/synapse/internal/persistence"
	"github.com/7ama2004/synapse/pkg/api"
)

// Store is a persistence.DefinitionStore over a directory of HCL files.
//
// Definitions are read once by Open. SaveDefinition rewrites the file a
// definition was loaded from, or writes <id>.hcl for a new one, and
// updates the in-memory view.
type Store struct {
	dir string

	mu     sync.RWMutex
	defs   map[string]api.Definition
	origin map[string]string   // id -> file
	files  map[string][]string // file -> ids, in file order
}

var _ persistence.DefinitionStore = (*Store)(nil)

// Open loads every definition under dir, creating dir if it does not
// exist.
func Open(ctx context.Context, dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create definitions dir: %w", err)
	}
	sources, err := loadSources(ctx, []string{dir})
	if err != nil {
		return nil, err
	}

	s := &Store{
		dir:    dir,
		defs:   map[string]api.Definition{},
		origin: map[string]string{},
		files:  map[string][]string{},
	}
	for _, src := range sources {
		for _, def := range src.defs {
			s.defs[def.ID] = def
			s.origin[def.ID] = src.path
			s.files[src.path] = append(s.files[src.path], def.ID)
		}
	}
	ctxlog.FromContext(ctx).InfoContext(ctx, "definitions_loaded", "dir", dir, "count", len(s.defs))
	return s, nil
}

// Dir returns the directory the store reads and writes.
func (s *Store) Dir() string { return s.dir }

func (s *Store) SaveDefinition(ctx context.Context, def api.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, known := s.origin[def.ID]
	if !known {
		if err := checkFileID(def.ID); err != nil {
			return err
		}
		path = filepath.Join(s.dir, def.ID+fileExt)
		if _, taken := s.files[path]; taken {
			return fmt.Errorf("save definition %q: %s already holds other workflows", def.ID, path)
		}
	}

	ids := s.files[path]
	if !known {
		ids = append(ids, def.ID)
	}
	defs := make([]api.Definition, 0, len(ids))
	for _, id := range ids {
		if id == def.ID {
			defs = append(defs, def)
		} else {
			defs = append(defs, s.defs[id])
		}
	}

	src, err := Format(defs...)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(path, src); err != nil {
		return fmt.Errorf("save definition %q: %w", def.ID, err)
	}

	s.defs[def.ID] = def
	s.origin[def.ID] = path
	s.files[path] = ids
	ctxlog.FromContext(ctx).DebugContext(ctx, "definition_saved", "workflow_id", def.ID, "file", path)
	return nil
}

func (s *Store) GetDefinition(ctx context.Context, id string) (api.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[id]
	if !ok {
		return api.Definition{}, persistence.ErrDefinitionNotFound
	}
	return def, nil
}

func (s *Store) ListDefinitions(ctx context.Context) ([]api.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]api.Definition, 0, len(s.defs))
	for _, def := range s.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// checkFileID rejects ids that cannot be used as a file name.
func checkFileID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("workflow id %q cannot be stored as a file", id)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
