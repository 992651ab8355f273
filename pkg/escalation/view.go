package escalation

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dd0wney/cluso-bigraph/pkg/bigraph"
	"github.com/dd0wney/cluso-bigraph/pkg/fsutil"
	"github.com/dd0wney/cluso-bigraph/pkg/oracle"
	"github.com/dd0wney/cluso-bigraph/pkg/partition"
)

// workingView is the graph a decision loop reasons over: the tier's
// store plus any files the oracle loaded. It is never written back to
// the store.
type workingView struct {
	merger *partition.Merger
	base   bigraph.Bigraph
	loaded []bigraph.Bigraph
	merged bigraph.Bigraph
}

func newWorkingView(m *partition.Merger) *workingView {
	return &workingView{merger: m}
}

// rebase replaces the store content and reapplies loaded files over it
func (v *workingView) rebase(g bigraph.Bigraph) {
	v.base = g
	v.remerge()
}

func (v *workingView) remerge() {
	merged := v.base
	for _, extra := range v.loaded {
		merged, _ = v.merger.Merge(extra, merged)
	}
	v.merged = merged
}

func (v *workingView) graph() bigraph.Bigraph {
	return v.merged
}

// load merges the first file matching pattern into the view
func (v *workingView) load(pattern string) (string, error) {
	if pattern == "" {
		return "", fmt.Errorf("%w: path", ErrMissingArgument)
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", fmt.Errorf("bad glob %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no file matches %q", pattern)
	}
	sort.Strings(matches)

	g, err := bigraph.ReadGraphFile(matches[0])
	if err != nil {
		return "", err
	}
	v.loaded = append(v.loaded, g)
	v.remerge()
	return fmt.Sprintf("loaded %d nodes from %s; view now has %d nodes", g.Len(), matches[0], v.merged.Len()), nil
}

func pathArg(d oracle.Decision) string {
	var p string
	d.Arg("path", &p)
	return p
}

// resolvePath anchors relative paths under the data directory and
// refuses any path that leaves it
func (c *Controller) resolvePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: path", ErrMissingArgument)
	}
	root := c.cfg.DataDir
	if root == "" {
		root = "."
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	path := p
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	path = filepath.Clean(path)

	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideDataDir, p)
	}
	return path, nil
}

// loadView merges the first file matching the path argument
func (c *Controller) loadView(r *run, d oracle.Decision) (string, error) {
	pattern, err := c.resolvePath(pathArg(d))
	if err != nil {
		return "", err
	}
	return r.view.load(pattern)
}

// saveView writes the working view to the path argument
func (c *Controller) saveView(r *run, d oracle.Decision) (string, error) {
	path, err := c.resolvePath(pathArg(d))
	if err != nil {
		return "", err
	}
	data, err := bigraph.EncodeGraph(r.view.graph())
	if err != nil {
		return "", err
	}
	if err := fsutil.WriteFileAtomic(path, data); err != nil {
		return "", err
	}
	return fmt.Sprintf("saved %d nodes to %s", r.view.graph().Len(), path), nil
}
