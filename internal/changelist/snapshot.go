package changelist

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/k11v/kiln/internal/archive"
	"github.com/k11v/kiln/internal/build"
)

// Snapshot maps project-relative, slash-separated file paths to xxhash digests.
type Snapshot map[string]string

// Names returns the snapshot's paths in lexical order.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Take hashes every regular file under root that could be uploaded
// for some platform. The change-list manifest itself is left out.
// Unreadable files and directories are logged and left out too,
// so the next diff reports them as deleted.
func Take(ctx context.Context, root string) (Snapshot, error) {
	logger := slog.Default()

	var names []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			logger.Warn("didn't read project entry", "path", p, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := filepath.ToSlash(rel)
		if archive.Ignored(name) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && name != build.ChangeListFile {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	digests := make([]string, len(names))
	readable := make([]bool, len(names))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, name := range names {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			digest, err := hashFile(filepath.Join(root, filepath.FromSlash(name)))
			if err != nil {
				logger.Warn("didn't hash project file", "file", name, "error", err)
				return nil
			}
			digests[i], readable[i] = digest, true
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	s := make(Snapshot, len(names))
	for i, name := range names {
		if readable[i] {
			s[name] = digests[i]
		}
	}
	return s, nil
}

var digestPool = sync.Pool{New: func() any { return xxhash.New() }}

func hashFile(name string) (string, error) {
	f, err := os.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := digestPool.Get().(*xxhash.Digest)
	defer digestPool.Put(h)
	h.Reset()

	if _, err = io.Copy(h, f); err != nil {
		return "", err
	}
	return strconv.FormatUint(h.Sum64(), 16), nil
}

// excludedFor reports whether name belongs to another platform's subtree.
func excludedFor(platform, name string) bool {
	f := archive.Filter{Platform: platform}
	return f.Excluded(name, false)
}
