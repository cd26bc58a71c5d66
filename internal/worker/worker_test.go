package worker

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/pgzip"

	"github.com/k11v/kiln/internal/build"
	"github.com/k11v/kiln/internal/executor"
	"github.com/k11v/kiln/internal/process"
	"github.com/k11v/kiln/internal/toolchain"
	"github.com/k11v/kiln/internal/toolchain/toolchaintest"
)

type MemoryStorage struct {
	mu        sync.Mutex
	Objects   map[string][]byte
	UploadErr error
}

func (s *MemoryStorage) Upload(ctx context.Context, obj *build.Object, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if s.UploadErr != nil {
		return s.UploadErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Objects == nil {
		s.Objects = make(map[string][]byte)
	}
	s.Objects[obj.Key()] = data
	return nil
}

func (s *MemoryStorage) Download(ctx context.Context, obj *build.Object, w io.Writer) error {
	s.mu.Lock()
	data, ok := s.Objects[obj.Key()]
	s.mu.Unlock()
	if !ok {
		return build.ErrObjectNotFound
	}
	_, err := io.Copy(w, bytes.NewReader(data))
	return err
}

type SpyBroker struct {
	mu     sync.Mutex
	Events []*build.Event
}

func (b *SpyBroker) PublishEvent(ctx context.Context, ev *build.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := *ev
	b.Events = append(b.Events, &c)
	return nil
}

func (b *SpyBroker) ConsumeTasks(ctx context.Context, concurrency int, handle func(ctx context.Context, info *build.Info) error) error {
	<-ctx.Done()
	return ctx.Err()
}

// Statuses returns the published events as "<status>: <message>".
func (b *SpyBroker) Statuses() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var s []string
	for _, ev := range b.Events {
		s = append(s, string(ev.Status)+": "+ev.StatusMessage)
	}
	return s
}

func (b *SpyBroker) Last() *build.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Events[len(b.Events)-1]
}

// NoRuntime fails every command as if it wasn't installed.
type NoRuntime struct{}

func (NoRuntime) Run(ctx context.Context, cmd *process.Command) error {
	return &process.ExitError{ExitCode: 127}
}

// manifestToolchain writes the plugin manifest on build like the toolchain does.
type manifestToolchain struct {
	*toolchaintest.Recorder
}

func (m *manifestToolchain) Build(ctx context.Context, platform string, opts *toolchain.Options) error {
	if err := m.Recorder.Build(ctx, platform, opts); err != nil {
		return err
	}
	name := filepath.Join(m.ProjectDir, build.PluginsDir, platform+".json")
	if err := os.MkdirAll(filepath.Dir(name), 0o777); err != nil {
		return err
	}
	return os.WriteFile(name, []byte(`{"plugins":[]}`), 0o666)
}

type testWorker struct {
	*Worker
	storage *MemoryStorage
	broker  *SpyBroker
	fail    map[string]error
}

func newWorker(t *testing.T) *testWorker {
	t.Helper()
	tw := &testWorker{storage: &MemoryStorage{}, broker: &SpyBroker{}, fail: map[string]error{}}
	tw.Worker = New(&NewParams{
		Config:  &Config{WorkDir: t.TempDir()},
		Storage: tw.storage,
		Broker:  tw.broker,
		Runner:  NoRuntime{},
		Logger:  slog.Default(),
		Hooks: map[string]executor.Hooks{
			"android": {PostBuild: []executor.Hook{{Name: "locate", Run: func(ctx context.Context, s *executor.State) error {
				s.AppPath = filepath.Join(s.ProjectDir, "app-debug.apk")
				return nil
			}}}},
		},
		Toolchain: func(projectDir string, info *build.Info, log io.Writer) toolchain.Toolchain {
			return &manifestToolchain{&toolchaintest.Recorder{ProjectDir: projectDir, Fail: tw.fail}}
		},
	})
	return tw
}

// putArchive stores a gzipped tar of files as the archive of a build attempt.
func (tw *testWorker) putArchive(t *testing.T, buildNumber, attempt int, files map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	gw := pgzip.NewWriter(&buf)
	tarWriter := tar.NewWriter(gw)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		header := &tar.Header{Name: name, Mode: 0o666, Size: int64(len(files[name])), Typeflag: tar.TypeReg}
		if err := tarWriter.WriteHeader(header); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if _, err := tarWriter.Write([]byte(files[name])); err != nil {
			t.Fatalf("didn't want %q", err)
		}
	}
	if err := tarWriter.Close(); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	obj := &build.Object{BuildNumber: buildNumber, Attempt: attempt, Name: build.ObjectArchive}
	tw.storage.Objects = map[string][]byte{obj.Key(): buf.Bytes()}
}

func task(buildNumber, attempt int, options string) *build.Info {
	return &build.Info{
		BuildNumber:   buildNumber,
		Attempt:       attempt,
		Status:        build.StatusUploaded,
		Platform:      "android",
		Configuration: build.ConfigurationDebug,
		Options:       options,
		Vcordova:      "5.1.1",
	}
}

func TestHandle(t *testing.T) {
	ctx := context.Background()

	t.Run("builds a fresh lineage and uploads its results", func(t *testing.T) {
		tw := newWorker(t)
		tw.putArchive(t, 1, 1, map[string]string{"www/index.html": "hello"})

		if err := tw.Handle(ctx, task(1, 1, "")); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		want := []string{
			"extracted: Archive extracted",
			"building: Preparing project",
			"building: Updating plugins",
			"building: Updating platform android",
			"building: Building android (debug)",
			"building: Running post-build hooks",
			"complete: Build completed",
		}
		if diff := cmp.Diff(want, tw.broker.Statuses()); diff != "" {
			t.Fatalf("statuses mismatch (-want +got):\n%s", diff)
		}

		index, err := os.ReadFile(filepath.Join(tw.Workspace(1), ProjectDir, "www", "index.html"))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := string(index), "hello"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}

		log := string(tw.storage.Objects["builds/1/1/build.log"])
		if !strings.Contains(log, "[complete] Build completed") {
			t.Fatalf("got log %q, want the final status", log)
		}
		if _, ok := tw.storage.Objects["builds/1/1/files/cordovaApp/plugins/android.json"]; !ok {
			t.Fatalf("didn't want a missing plugin manifest")
		}
		if _, ok := tw.storage.Objects["builds/1/1/artifact.zip"]; ok {
			t.Fatalf("didn't want an artifact for an emulator build")
		}
	})

	t.Run("uploads the zipped artifacts of a device build", func(t *testing.T) {
		tw := newWorker(t)
		tw.putArchive(t, 2, 1, map[string]string{"www/index.html": "hello"})

		if err := tw.Handle(ctx, task(2, 1, build.OptionDevice)); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := tw.broker.Last().Status, build.StatusComplete; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}

		data := tw.storage.Objects["builds/2/1/artifact.zip"]
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		var names []string
		for _, f := range zr.File {
			names = append(names, f.Name)
		}
		slices.Sort(names)
		if diff := cmp.Diff([]string{"app-debug.apk", executor.InstallFile}, names); diff != "" {
			t.Fatalf("artifact mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("continues a lineage with the change list", func(t *testing.T) {
		tw := newWorker(t)
		tw.putArchive(t, 3, 1, map[string]string{"www/index.html": "v1", "www/old.js": "old"})
		if err := tw.Handle(ctx, task(3, 1, "")); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		cl := &build.ChangeList{ChangedFiles: []string{"www/index.html"}, DeletedFiles: []string{"www/old.js", "../outside"}}
		data, err := json.Marshal(cl)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		tw.putArchive(t, 3, 2, map[string]string{"www/index.html": "v2", build.ChangeListFile: string(data)})
		tw.broker.Events = nil

		if err = tw.Handle(ctx, task(3, 2, "")); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		extracted := tw.broker.Events[0]
		if extracted.Status != build.StatusExtracted || extracted.ChangeList == nil {
			t.Fatalf("got %+v, want an extracted event with the change list", extracted)
		}
		if diff := cmp.Diff(cl, extracted.ChangeList); diff != "" {
			t.Fatalf("change list mismatch (-want +got):\n%s", diff)
		}
		if _, err = os.Stat(filepath.Join(tw.Workspace(3), ProjectDir, "www", "old.js")); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("got %v, want the deleted file removed", err)
		}
		if got, want := tw.broker.Last().Status, build.StatusComplete; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("removes files dropped from a kept plugin", func(t *testing.T) {
		tw := newWorker(t)
		tw.putArchive(t, 8, 1, map[string]string{"www/index.html": "v1"})
		if err := tw.Handle(ctx, task(8, 1, "")); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		installed := filepath.Join(tw.Workspace(8), ProjectDir, build.PluginsDir)
		for _, name := range []string{"foo/plugin.xml", "foo/www/a.js", "foo/www/b.js", "bar/plugin.xml", "bar/www/c.js"} {
			p := filepath.Join(installed, filepath.FromSlash(name))
			if err := os.MkdirAll(filepath.Dir(p), 0o777); err != nil {
				t.Fatalf("didn't want %q", err)
			}
			if err := os.WriteFile(p, []byte(name), 0o666); err != nil {
				t.Fatalf("didn't want %q", err)
			}
		}

		cl := &build.ChangeList{
			ChangedFiles: []string{"plugins/foo/www/a.js"},
			DeletedFiles: []string{"plugins/foo/www/b.js", "plugins/bar/plugin.xml", "plugins/bar/www/c.js"},
		}
		data, err := json.Marshal(cl)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		tw.putArchive(t, 8, 2, map[string]string{"plugins/foo/www/a.js": "a2", build.ChangeListFile: string(data)})

		if err = tw.Handle(ctx, task(8, 2, "")); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if _, err = os.Stat(filepath.Join(installed, "foo", "www", "b.js")); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("got %v, want the dropped plugin file removed", err)
		}
		a, err := os.ReadFile(filepath.Join(installed, "foo", "www", "a.js"))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := string(a), "a2"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		// The deleted plugin is removed through the toolchain, not file by file.
		if _, err = os.Stat(filepath.Join(installed, "bar", "www", "c.js")); err != nil {
			t.Fatalf("didn't want %q", err)
		}
	})

	t.Run("rejects a continuation without working state", func(t *testing.T) {
		tw := newWorker(t)
		tw.putArchive(t, 4, 2, map[string]string{build.ChangeListFile: "{}"})

		if err := tw.Handle(ctx, task(4, 2, "")); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		want := []string{"invalid: Working state of build 4 is gone"}
		if diff := cmp.Diff(want, tw.broker.Statuses()); diff != "" {
			t.Fatalf("statuses mismatch (-want +got):\n%s", diff)
		}
		if got, want := tw.broker.Last().StatusCode, build.CodeWorkspaceGone; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("rejects a malformed archive", func(t *testing.T) {
		tw := newWorker(t)
		obj := &build.Object{BuildNumber: 5, Attempt: 1, Name: build.ObjectArchive}
		tw.storage.Objects = map[string][]byte{obj.Key(): []byte("not a tarball")}

		if err := tw.Handle(ctx, task(5, 1, "")); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		last := tw.broker.Last()
		if last.Status != build.StatusInvalid || last.StatusCode != build.CodeRejected {
			t.Fatalf("got %+v, want an invalid event", last)
		}
	})

	t.Run("reports a failed phase once", func(t *testing.T) {
		tw := newWorker(t)
		tw.fail["Build android"] = &process.ExitError{ExitCode: 2}
		tw.putArchive(t, 6, 1, map[string]string{"www/index.html": "hello"})

		if err := tw.Handle(ctx, task(6, 1, "")); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		last := tw.broker.Last()
		if last.Status != build.StatusError || last.StatusCode != 2 {
			t.Fatalf("got %+v, want an error event with code 2", last)
		}
		if _, ok := tw.storage.Objects["builds/6/1/build.log"]; !ok {
			t.Fatalf("didn't want a missing log")
		}
	})

	t.Run("fails a completed build whose results weren't uploaded", func(t *testing.T) {
		tw := newWorker(t)
		tw.putArchive(t, 7, 1, map[string]string{"www/index.html": "hello"})
		tw.storage.UploadErr = errors.New("storage is down")

		if err := tw.Handle(ctx, task(7, 1, "")); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := tw.broker.Last().Status, build.StatusError; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
	})
}

func TestPrune(t *testing.T) {
	tw := newWorker(t)
	tw.config.WorkspaceRetention = time.Hour

	old := tw.Workspace(1)
	fresh := tw.Workspace(2)
	for _, dir := range []string{old, fresh} {
		if err := os.MkdirAll(dir, 0o777); err != nil {
			t.Fatalf("didn't want %q", err)
		}
	}
	past := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatalf("didn't want %q", err)
	}

	tw.prune()

	if _, err := os.Stat(old); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("got %v, want the expired workspace removed", err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("didn't want %q", err)
	}
}
