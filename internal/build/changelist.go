package build

import (
	"path"
	"regexp"
	"slices"
	"strings"
)

// ChangeListFile is the name of the change-list manifest at the project root.
const ChangeListFile = "changeList.json"

// WebAssetsDir is the project's web-assets root.
const WebAssetsDir = "www"

// PluginsDir is the project's installed plugin directory.
const PluginsDir = "plugins"

// PlatformIOS is the only platform with its own changed-files list.
const PlatformIOS = "ios"

// ChangeList describes what changed since the last build of a lineage.
// Paths are project-relative and slash-separated.
type ChangeList struct {
	AddedPlugins    []string `json:"addedPlugins"`
	ChangedFiles    []string `json:"changedFiles"`
	ChangedFilesIOS []string `json:"changedFilesIos"`
	DeletedFiles    []string `json:"deletedFiles"`
}

// PlatformChangedFiles returns the changed-files list used for platform.
func (c *ChangeList) PlatformChangedFiles(platform string) []string {
	if c == nil {
		return nil
	}
	if platform == PlatformIOS {
		return c.ChangedFilesIOS
	}
	return c.ChangedFiles
}

var pluginManifestPattern = regexp.MustCompile(`^plugins/([^/]+)/plugin\.xml$`)

// DeletedPlugins returns ids of plugins whose manifest file was deleted.
func (c *ChangeList) DeletedPlugins() []string {
	if c == nil {
		return nil
	}
	var ids []string
	for _, f := range c.DeletedFiles {
		m := pluginManifestPattern.FindStringSubmatch(path.Clean(f))
		if m == nil {
			continue
		}
		if !slices.Contains(ids, m[1]) {
			ids = append(ids, m[1])
		}
	}
	return ids
}

// ChangedPlugins returns ids of plugins that have changed files
// but were neither added nor deleted.
func (c *ChangeList) ChangedPlugins(platform string) []string {
	if c == nil {
		return nil
	}
	deleted := c.DeletedPlugins()
	var ids []string
	for _, f := range c.PlatformChangedFiles(platform) {
		id, ok := PluginOf(f)
		if !ok {
			continue
		}
		if slices.Contains(c.AddedPlugins, id) || slices.Contains(deleted, id) || slices.Contains(ids, id) {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// PluginOf returns the plugin id a project-relative path belongs to.
func PluginOf(name string) (id string, ok bool) {
	rest, found := strings.CutPrefix(path.Clean(name), PluginsDir+"/")
	if !found {
		return "", false
	}
	id, _, _ = strings.Cut(rest, "/")
	if id == "" || id == "." {
		return "", false
	}
	return id, true
}

// StripWebAssetsDir removes a leading web-assets root segment from name.
func StripWebAssetsDir(name string) string {
	if rest, found := strings.CutPrefix(name, WebAssetsDir+"/"); found {
		return rest
	}
	return name
}
