package source

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Local walks a directory tree recursively. A root that is a single file is a
// one-partition source.
type Local struct {
	root    string
	pattern string
}

// NewLocal returns a local directory source.
func NewLocal(root string, opts Options) *Local {
	return &Local{root: root, pattern: opts.pattern()}
}

// Root implements Source.
func (l *Local) Root() string { return l.root }

// Discover implements Source.
func (l *Local) Discover(ctx context.Context) ([]Partition, error) {
	info, err := os.Stat(l.root)
	if err != nil {
		return nil, unavailable(l.root, err)
	}
	if !info.IsDir() {
		return []Partition{{Name: l.root, Size: info.Size()}}, nil
	}

	var out []Partition
	err = filepath.WalkDir(l.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ok, err := filepath.Match(l.pattern, d.Name())
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, Partition{Name: path, Size: fi.Size()})
		return nil
	})
	if err != nil {
		return nil, unavailable(l.root, err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Open implements Source.
func (l *Local) Open(_ context.Context, p Partition) (io.ReadCloser, error) {
	f, err := os.Open(p.Name)
	if err != nil {
		return nil, unavailable(p.Name, err)
	}
	return f, nil
}
