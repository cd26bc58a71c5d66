// Package changelist keeps the client's record of the last successful build
// and derives the change-list of the next one.
package changelist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"

	"github.com/k11v/kiln/internal/build"
)

// StateDir is the project-relative directory holding the client's build state.
const StateDir = ".kiln"

const manifestFile = "lastBuild.json"

var ErrNotFound = errors.New("not found")

// Manifest records the last successful build of a project for one platform.
type Manifest struct {
	BuildNumber int    `json:"buildNumber"`
	Vcordova    string `json:"vcordova"`
	build.ChangeList

	// Files maps project-relative paths to content digests at submission time.
	Files Snapshot `json:"files"`
}

// Store reads and writes manifests under a project root.
type Store struct {
	Root string // required
}

func (s *Store) manifestPath(platform string) string {
	return filepath.Join(s.Root, StateDir, platform, manifestFile)
}

// Load returns the manifest for platform.
// It returns ErrNotFound when no build has been recorded.
func (s *Store) Load(platform string) (*Manifest, error) {
	data, err := os.ReadFile(s.manifestPath(platform))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("changelist load: %w", err)
	}

	m := new(Manifest)
	if err = json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("changelist load: %w", err)
	}
	return m, nil
}

// Save replaces the manifest for platform.
func (s *Store) Save(platform string, m *Manifest) error {
	p := s.manifestPath(platform)
	if err := os.MkdirAll(filepath.Dir(p), 0o777); err != nil {
		return fmt.Errorf("changelist save: %w", err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("changelist save: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), manifestFile+".*")
	if err != nil {
		return fmt.Errorf("changelist save: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after rename

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("changelist save: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("changelist save: %w", err)
	}
	if err = os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("changelist save: %w", err)
	}
	return nil
}

// Diff returns the change-list that takes a project from prev to cur.
func Diff(prev, cur Snapshot) *build.ChangeList {
	c := &build.ChangeList{
		AddedPlugins:    []string{},
		ChangedFiles:    []string{},
		ChangedFilesIOS: []string{},
		DeletedFiles:    []string{},
	}

	for _, name := range cur.Names() {
		digest, found := prev[name]
		if found && digest == cur[name] {
			continue
		}
		c.ChangedFiles = append(c.ChangedFiles, name)
		if !excludedFor(build.PlatformIOS, name) {
			c.ChangedFilesIOS = append(c.ChangedFilesIOS, name)
		}
		if !found {
			if id, ok := build.PluginOf(name); ok && name == path.Join(build.PluginsDir, id, "plugin.xml") {
				c.AddedPlugins = append(c.AddedPlugins, id)
			}
		}
	}

	for _, name := range prev.Names() {
		if _, found := cur[name]; !found {
			c.DeletedFiles = append(c.DeletedFiles, name)
		}
	}

	slices.Sort(c.AddedPlugins)
	return c
}
