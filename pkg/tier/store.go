package tier

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"

	"github.com/dd0wney/cluso-bigraph/pkg/bigraph"
	"github.com/dd0wney/cluso-bigraph/pkg/fsutil"
)

var (
	// ErrNoGraph is returned by Load before any graph has been stored
	ErrNoGraph = errors.New("no graph stored")
	// ErrCorruptGraph marks a state file that exists but cannot be decoded
	ErrCorruptGraph = errors.New("corrupt graph file")
)

// GraphStore is a tier's canonical graph file. The rule engine rewrites
// the file directly, so Load always reads it from disk; the in-memory
// mirror only serves metrics and health checks.
type GraphStore struct {
	path   string
	mu     sync.Mutex
	mirror atomic.Pointer[bigraph.Bigraph]
}

// NewGraphStore creates a store backed by path
func NewGraphStore(path string) *GraphStore {
	return &GraphStore{path: path}
}

// Path returns the state file path handed to the rule engine
func (s *GraphStore) Path() string {
	return s.path
}

// Load reads and decodes the state file
func (s *GraphStore) Load() (bigraph.Bigraph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return bigraph.Bigraph{}, ErrNoGraph
	}
	if err != nil {
		return bigraph.Bigraph{}, fmt.Errorf("read graph: %w", err)
	}
	g, err := bigraph.DecodeGraph(data)
	if err != nil {
		return bigraph.Bigraph{}, fmt.Errorf("%w: %v", ErrCorruptGraph, err)
	}
	s.remember(g)
	return g, nil
}

// Save atomically replaces the state file
func (s *GraphStore) Save(g bigraph.Bigraph) error {
	data, err := bigraph.EncodeGraph(g)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fsutil.WriteFileAtomic(s.path, data); err != nil {
		return err
	}
	s.remember(g)
	return nil
}

// Snapshot returns the graph last loaded or saved, without touching disk
func (s *GraphStore) Snapshot() (bigraph.Bigraph, bool) {
	g := s.mirror.Load()
	if g == nil {
		return bigraph.Bigraph{}, false
	}
	return *g, true
}

func (s *GraphStore) remember(g bigraph.Bigraph) {
	c := g.Clone()
	s.mirror.Store(&c)
}
