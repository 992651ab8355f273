package rules

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/golang/snappy"

	"github.com/dd0wney/cluso-bigraph/pkg/bigraph"
	"github.com/dd0wney/cluso-bigraph/pkg/logging"
)

const archiveKeyPrefix = "rule:"

// ArchiveConfig holds configuration for a rule archive.
type ArchiveConfig struct {
	// Path is the badger directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps the archive in RAM (tests).
	InMemory bool

	// SyncWrites makes every Put durable before returning.
	SyncWrites bool

	// Logger receives badger's internal messages. Nil disables them.
	Logger logging.Logger
}

// Archive stores encoded rules by name, snappy-compressed, in badger
type Archive struct {
	db *badger.DB
}

// badgerLogger adapts logging.Logger to badger's Logger interface
type badgerLogger struct {
	logger logging.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// OpenArchive opens or creates a rule archive
func OpenArchive(cfg ArchiveConfig) (*Archive, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("archive path is required for persistent archive")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create archive directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open rule archive: %w", err)
	}
	return &Archive{db: db}, nil
}

// Put archives a rule under its name, replacing any earlier version
func (a *Archive) Put(rule bigraph.Rule) error {
	data, err := bigraph.EncodeRule(rule)
	if err != nil {
		return err
	}
	return a.PutRaw(rule.Name, data)
}

// PutRaw archives already-encoded rule bytes
func (a *Archive) PutRaw(name string, data []byte) error {
	if name == "" {
		return fmt.Errorf("archive rule: %w", bigraph.ErrInvalidRule)
	}
	compressed := snappy.Encode(nil, data)
	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(archiveKeyPrefix+name), compressed)
	})
}

// GetRaw returns the encoded bytes of a rule
func (a *Archive) GetRaw(name string) ([]byte, error) {
	var data []byte
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(archiveKeyPrefix + name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%q: %w", name, ErrRuleNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, err := snappy.Decode(nil, val)
			if err != nil {
				return fmt.Errorf("decompress rule %q: %w", name, err)
			}
			data = decoded
			return nil
		})
	})
	return data, err
}

// Get returns a decoded rule
func (a *Archive) Get(name string) (bigraph.Rule, error) {
	data, err := a.GetRaw(name)
	if err != nil {
		return bigraph.Rule{}, err
	}
	return bigraph.DecodeRule(data)
}

// Names lists archived rule names in sorted order
func (a *Archive) Names() ([]string, error) {
	var names []string
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(archiveKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, strings.TrimPrefix(string(it.Item().Key()), archiveKeyPrefix))
		}
		return nil
	})
	sort.Strings(names)
	return names, err
}

// Close closes the underlying database
func (a *Archive) Close() error {
	return a.db.Close()
}
