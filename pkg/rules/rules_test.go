package rules

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-bigraph/pkg/bigraph"
)

func TestStore_PutAndList(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "rules", "alpha"))
	require.NoError(t, err)

	fixed := time.Unix(0, 1000)
	store.now = func() time.Time { return fixed }

	first, err := store.Put([]byte("a"))
	require.NoError(t, err)
	second, err := store.Put([]byte("b"))
	require.NoError(t, err)

	assert.Equal(t, "rule_1000.cbor", filepath.Base(first))
	assert.Equal(t, "rule_1001.cbor", filepath.Base(second), "same clock reading still yields a new name")

	// Files not following the naming scheme are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "notes.txt"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "rule_999.cbor"), []byte("z"), 0o644))

	paths, err := store.List()
	require.NoError(t, err)
	require.Len(t, paths, 3)
	assert.Equal(t, "rule_999.cbor", filepath.Base(paths[0]))
	assert.Equal(t, first, paths[1])
	assert.Equal(t, 3, store.Len())

	data, err := store.Read(second)
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))
}

func TestStore_ListMissingDir(t *testing.T) {
	store := &Store{dir: filepath.Join(t.TempDir(), "gone"), now: time.Now}
	paths, err := store.List()
	assert.NoError(t, err)
	assert.Empty(t, paths)
}

func testRule(name string) bigraph.Rule {
	side := bigraph.Bigraph{Nodes: []bigraph.Node{{
		ID: 201, Control: "Light", Parent: bigraph.NoParent,
		Properties: map[string]bigraph.Value{"brightness": bigraph.IntValue(100)},
	}}}
	return bigraph.Rule{Name: name, Redex: side, Reactum: side.Clone(), Target: "alpha"}
}

func TestArchive(t *testing.T) {
	archive, err := OpenArchive(ArchiveConfig{InMemory: true})
	require.NoError(t, err)
	defer archive.Close()

	require.NoError(t, archive.Put(testRule("lights_on")))
	require.NoError(t, archive.Put(testRule("aa_first")))

	got, err := archive.Get("lights_on")
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.Target)
	assert.True(t, got.Redex.Equal(testRule("x").Redex))

	names, err := archive.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"aa_first", "lights_on"}, names)

	_, err = archive.Get("missing")
	assert.ErrorIs(t, err, ErrRuleNotFound)

	assert.ErrorIs(t, archive.PutRaw("", []byte("x")), bigraph.ErrInvalidRule)
}

func TestArchive_Persistent(t *testing.T) {
	dir := t.TempDir()

	archive, err := OpenArchive(ArchiveConfig{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	require.NoError(t, archive.Put(testRule("kept")))
	require.NoError(t, archive.Close())

	archive, err = OpenArchive(ArchiveConfig{Path: dir})
	require.NoError(t, err)
	defer archive.Close()

	_, err = archive.Get("kept")
	assert.NoError(t, err)
}

func TestOpenArchive_RequiresPath(t *testing.T) {
	_, err := OpenArchive(ArchiveConfig{})
	assert.Error(t, err)
}
