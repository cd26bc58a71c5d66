// Package archive builds and extracts project snapshots.
package archive

import (
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/k11v/kiln/internal/build"
)

// alwaysExcludedDirs are never uploaded. platforms holds the generated
// native platforms and .kiln holds the client's own build state.
var alwaysExcludedDirs = []string{"platforms", ".kiln"}

// platformResourceDirs hold one subdirectory per platform.
// Only the subdirectory of the platform being built is uploaded.
var platformResourceDirs = []string{
	"res/icons",
	"res/screens",
	"res/cert",
	"merges",
}

// Filter decides which project paths belong in an outgoing snapshot.
// A nil ChangeList means a full (non-incremental) snapshot.
type Filter struct {
	Root       string            // required
	Platform   string            // required
	ChangeList *build.ChangeList // optional
}

// Excluded reports whether name is excluded regardless of the change-list.
// Excluded directories are not descended into.
// name is slash-separated and relative to Root.
func (f *Filter) Excluded(name string, isDir bool) bool {
	name = path.Clean(name)
	if Ignored(name) {
		return true
	}
	for _, dir := range platformResourceDirs {
		rest, found := strings.CutPrefix(name, dir+"/")
		if !found {
			continue
		}
		sub, deeper, _ := strings.Cut(rest, "/")
		if deeper == "" && !isDir {
			// A file directly in the resource directory isn't platform-specific.
			return false
		}
		return sub != f.Platform
	}
	return false
}

// Ignored reports whether name is excluded for every platform.
func Ignored(name string) bool {
	name = path.Clean(name)
	for _, dir := range alwaysExcludedDirs {
		if name == dir || strings.HasPrefix(name, dir+"/") {
			return true
		}
	}
	return false
}

// Keep reports whether name is included in the snapshot.
// A path that can't be inspected is excluded.
func (f *Filter) Keep(name string) bool {
	name = path.Clean(filepath.ToSlash(name))

	info, err := os.Lstat(filepath.Join(f.Root, filepath.FromSlash(name)))
	if err != nil {
		return false
	}
	isDir := info.IsDir()
	if !isDir && !info.Mode().IsRegular() {
		return false
	}

	if f.Excluded(name, isDir) {
		return false
	}
	if f.ChangeList == nil {
		return true
	}
	return f.keepIncremental(name, isDir)
}

func (f *Filter) keepIncremental(name string, isDir bool) bool {
	if name == build.WebAssetsDir || strings.HasPrefix(name, build.WebAssetsDir+"/") {
		return true
	}

	changed := f.ChangeList.PlatformChangedFiles(f.Platform)

	if isDir {
		if name == build.PluginsDir {
			return len(f.ChangeList.AddedPlugins) > 0 || anyUnder(changed, name)
		}
		if id, ok := build.PluginOf(name); ok && path.Dir(name) == build.PluginsDir {
			return slices.Contains(f.ChangeList.AddedPlugins, id) || anyUnder(changed, name)
		}
		return anyUnder(changed, name)
	}

	if name == build.ChangeListFile {
		return true
	}
	stripped := build.StripWebAssetsDir(name)
	for _, c := range changed {
		if build.StripWebAssetsDir(path.Clean(c)) == stripped {
			return true
		}
	}
	return false
}

func anyUnder(names []string, dir string) bool {
	prefix := dir + "/"
	for _, n := range names {
		if strings.HasPrefix(path.Clean(n), prefix) {
			return true
		}
	}
	return false
}
