package changelist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/k11v/kiln/internal/build"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o777); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if err := os.WriteFile(p, []byte(content), 0o666); err != nil {
			t.Fatalf("didn't want %q", err)
		}
	}
}

func TestStore(t *testing.T) {
	t.Run("returns ErrNotFound before the first build", func(t *testing.T) {
		s := &Store{Root: t.TempDir()}
		_, err := s.Load("ios")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("got %v, want %v", err, ErrNotFound)
		}
	})

	t.Run("loads what it saved", func(t *testing.T) {
		s := &Store{Root: t.TempDir()}
		want := &Manifest{
			BuildNumber: 7,
			Vcordova:    "5.1.1",
			ChangeList: build.ChangeList{
				AddedPlugins: []string{"bar"},
				ChangedFiles: []string{"www/index.html"},
				DeletedFiles: []string{"plugins/foo/plugin.xml"},
			},
			Files: Snapshot{"www/index.html": "1f"},
		}
		if err := s.Save("android", want); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		got, err := s.Load("android")
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("manifest mismatch (-want +got):\n%s", diff)
		}

		if _, err = s.Load("ios"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("got %v, want %v", err, ErrNotFound)
		}
	})
}

func TestTake(t *testing.T) {
	t.Run("skips platforms, client state and the manifest", func(t *testing.T) {
		root := t.TempDir()
		writeFiles(t, root, map[string]string{
			"www/index.html":               "a",
			"platforms/ios/www/index.html": "a",
			".kiln/ios/lastBuild.json":     "{}",
			"changeList.json":              "{}",
			"res/icons/android/icon.png":   "b",
		})

		s, err := Take(context.Background(), root)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		want := []string{"res/icons/android/icon.png", "www/index.html"}
		if diff := cmp.Diff(want, s.Names()); diff != "" {
			t.Fatalf("names mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("hashes equal content equally", func(t *testing.T) {
		root := t.TempDir()
		writeFiles(t, root, map[string]string{"a.txt": "same", "b.txt": "same", "c.txt": "other"})

		s, err := Take(context.Background(), root)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if s["a.txt"] != s["b.txt"] {
			t.Fatalf("got %s and %s, want equal digests", s["a.txt"], s["b.txt"])
		}
		if s["a.txt"] == s["c.txt"] {
			t.Fatalf("got equal digests, want different")
		}
	})

	t.Run("leaves out unreadable files and directories", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("permission bits don't apply to root")
		}
		root := t.TempDir()
		writeFiles(t, root, map[string]string{
			"www/index.html":     "a",
			"www/secret/key.txt": "b",
			"www/locked.js":      "c",
		})
		for _, name := range []string{"www/secret", "www/locked.js"} {
			p := filepath.Join(root, filepath.FromSlash(name))
			if err := os.Chmod(p, 0); err != nil {
				t.Fatalf("didn't want %q", err)
			}
			t.Cleanup(func() { _ = os.Chmod(p, 0o777) })
		}

		s, err := Take(context.Background(), root)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if diff := cmp.Diff([]string{"www/index.html"}, s.Names()); diff != "" {
			t.Fatalf("names mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestDiff(t *testing.T) {
	t.Run("reports changed, added and deleted paths", func(t *testing.T) {
		prev := Snapshot{
			"www/index.html":         "1",
			"www/app.js":             "2",
			"plugins/foo/plugin.xml": "3",
			"merges/android/a.css":   "4",
		}
		cur := Snapshot{
			"www/index.html":         "1",
			"www/app.js":             "20",
			"plugins/bar/plugin.xml": "5",
			"plugins/bar/www/bar.js": "6",
			"merges/android/a.css":   "40",
		}

		got := Diff(prev, cur)
		want := &build.ChangeList{
			AddedPlugins:    []string{"bar"},
			ChangedFiles:    []string{"merges/android/a.css", "plugins/bar/plugin.xml", "plugins/bar/www/bar.js", "www/app.js"},
			ChangedFilesIOS: []string{"plugins/bar/plugin.xml", "plugins/bar/www/bar.js", "www/app.js"},
			DeletedFiles:    []string{"plugins/foo/plugin.xml"},
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("change-list mismatch (-want +got):\n%s", diff)
		}
		if deleted := got.DeletedPlugins(); !cmp.Equal(deleted, []string{"foo"}) {
			t.Fatalf("got %v, want %v", deleted, []string{"foo"})
		}
	})

	t.Run("returns empty lists when nothing changed", func(t *testing.T) {
		s := Snapshot{"www/index.html": "1"}
		got := Diff(s, s)
		if len(got.ChangedFiles)+len(got.DeletedFiles)+len(got.AddedPlugins) != 0 {
			t.Fatalf("got %+v, want an empty change-list", got)
		}
	})
}
