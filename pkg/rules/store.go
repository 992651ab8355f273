// Package rules keeps the rules a tier may apply locally: a directory of
// encoded rule files in arrival order, and an archive of every rule the
// tier has issued or forwarded, keyed by rule name.
package rules

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dd0wney/cluso-bigraph/pkg/fsutil"
)

const (
	filePrefix = "rule_"
	fileSuffix = ".cbor"
)

// ErrRuleNotFound is returned when a named rule is not archived
var ErrRuleNotFound = errors.New("rule not found")

// Store is a directory of rule files named rule_<arrival ns>.cbor
type Store struct {
	dir  string
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewStore creates the directory if needed
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create rule directory: %w", err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// Dir returns the store directory
func (s *Store) Dir() string {
	return s.dir
}

// Put writes raw rule bytes under a fresh arrival timestamp and returns
// the file path. Timestamps are strictly increasing within a process.
func (s *Store) Put(data []byte) (string, error) {
	s.mu.Lock()
	ns := s.now().UnixNano()
	if ns <= s.last {
		ns = s.last + 1
	}
	s.last = ns
	s.mu.Unlock()

	path := filepath.Join(s.dir, filePrefix+strconv.FormatInt(ns, 10)+fileSuffix)
	if err := fsutil.WriteFileAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// List returns the rule file paths in arrival order
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read rule directory: %w", err)
	}

	type entry struct {
		ns   int64
		path string
	}
	var files []entry
	for _, e := range entries {
		ns, ok := arrivalOf(e.Name())
		if e.IsDir() || !ok {
			continue
		}
		files = append(files, entry{ns: ns, path: filepath.Join(s.dir, e.Name())})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].ns < files[j].ns })

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths, nil
}

// Len returns the number of stored rules
func (s *Store) Len() int {
	paths, _ := s.List()
	return len(paths)
}

// Read returns the bytes of one stored rule
func (s *Store) Read(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// arrivalOf parses rule_<ns>.cbor
func arrivalOf(name string) (int64, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return 0, false
	}
	ns, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return ns, true
}
